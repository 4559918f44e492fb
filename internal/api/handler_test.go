package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppc-rules-engine/internal/engine"
	"ppc-rules-engine/internal/predictor"
	"ppc-rules-engine/internal/storage"
	"ppc-rules-engine/internal/validation"
)

const highAcosRule = `{
	"name": "Cut high ACOS",
	"action": "decrease_bid",
	"adjustment": 15,
	"isActive": true,
	"conditions": [{"operator": "AND", "conditions": [{"metric": "acos", "operator": "greater_than", "value": 30}]}]
}`

func newTestRouter(t *testing.T, p validation.BidPredictor) (http.Handler, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	mem.UpdateCampaigns([]validation.Campaign{
		{ID: "c1", Name: "Shoes", Budget: "$20.00", Status: "enabled", Metrics: validation.Metrics{
			validation.MetricAcos: 42, validation.MetricRoas: 2.4, validation.MetricSpend: 420, validation.MetricSales: 1000,
		}},
		{ID: "c2", Name: "Socks", Budget: "$5.00", Status: "enabled", Metrics: validation.Metrics{
			validation.MetricAcos: 11,
		}},
	})
	eng := engine.NewEngine(p)
	require.NoError(t, eng.BuildSnapshot(context.Background(), mem))
	return Router(NewRuleHandler(eng, mem)), mem
}

func do(h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestValidate_Scenarios(t *testing.T) {
	h, _ := newTestRouter(t, nil)

	tests := []struct {
		name         string
		body         string
		wantStatus   int
		wantAffected []string
		wantWarning  string
	}{
		{"bad json", `{"rule":`, http.StatusBadRequest, nil, ""},
		{"snapshot campaigns", `{"rule": ` + highAcosRule + `}`, http.StatusOK, []string{"c1"}, ""},
		{
			name:         "explicit campaigns",
			body:         `{"rule": ` + highAcosRule + `, "campaigns": [{"id": "x", "budget": "$1", "metrics": {"acos": "55"}}]}`,
			wantStatus:   http.StatusOK,
			wantAffected: []string{"x"},
		},
		{
			name:         "non-finite metrics are treated as absent",
			body:         `{"rule": ` + highAcosRule + `, "campaigns": [{"id": "x", "metrics": {"acos": "NaN", "roas": "Inf"}}]}`,
			wantStatus:   http.StatusOK,
			wantAffected: []string{},
			wantWarning:  validation.WarnNoMatch,
		},
		{"non-finite condition value", `{"rule": {"name": "x", "action": "decrease_bid", "adjustment": 5, "conditions": [{"operator": "AND", "conditions": [{"metric": "acos", "operator": "greater_than", "value": "NaN"}]}]}}`, http.StatusBadRequest, nil, ""},
		{
			name:         "no match",
			body:         `{"rule": ` + highAcosRule + `, "campaigns": [{"id": "x", "metrics": {"acos": 5}}]}`,
			wantStatus:   http.StatusOK,
			wantAffected: []string{},
			wantWarning:  validation.WarnNoMatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(h, http.MethodPost, "/v1/rules/validate", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}

			var res validation.Result
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
			ids := []string{}
			for _, c := range res.AffectedCampaigns {
				ids = append(ids, c.ID)
			}
			assert.Equal(t, tt.wantAffected, ids)
			if tt.wantWarning != "" {
				assert.Contains(t, res.Warnings, tt.wantWarning)
			}
			assert.GreaterOrEqual(t, res.ValidationScore, 0.0)
			assert.LessOrEqual(t, res.ValidationScore, 100.0)
		})
	}
}

func TestRules_CreateGetAndToggle(t *testing.T) {
	h, _ := newTestRouter(t, nil)

	w := do(h, http.MethodPost, "/v1/rules", highAcosRule)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created validation.Rule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	_, err := uuid.Parse(created.ID)
	require.NoError(t, err, "server assigns a uuid")

	w = do(h, http.MethodGet, "/v1/rules/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(h, http.MethodGet, "/v1/rules", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all []validation.Rule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Len(t, all, 1)
	assert.True(t, validation.SameConditions(created.Conditions, all[0].Conditions))

	// an opposite rule over the same tree now conflicts
	opposite := strings.Replace(highAcosRule, "decrease_bid", "increase_bid", 1)
	w = do(h, http.MethodPost, "/v1/rules/validate", `{"rule": `+opposite+`}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res validation.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Len(t, res.ConflictingRules, 1)

	w = do(h, http.MethodPatch, "/v1/rules/"+created.ID+"/active", `{"isActive": false}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	// deactivated rules no longer conflict
	w = do(h, http.MethodPost, "/v1/rules/validate", `{"rule": `+opposite+`}`)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Empty(t, res.ConflictingRules)
}

func TestRules_Errors(t *testing.T) {
	h, _ := newTestRouter(t, nil)

	tests := []struct {
		name       string
		method     string
		url        string
		body       string
		wantStatus int
	}{
		{"invalid rule", http.MethodPost, "/v1/rules", `{"name": "x", "action": "pause", "adjustment": 10}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/v1/rules", `[`, http.StatusBadRequest},
		{"missing rule", http.MethodGet, "/v1/rules/nope", "", http.StatusNotFound},
		{"toggle missing rule", http.MethodPatch, "/v1/rules/nope/active", `{"isActive": true}`, http.StatusNotFound},
		{"toggle without flag", http.MethodPatch, "/v1/rules/nope/active", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(h, tt.method, tt.url, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)

			var body errorBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestRules_DuplicateID(t *testing.T) {
	h, _ := newTestRouter(t, nil)
	body := strings.Replace(highAcosRule, `"name"`, `"id": "r-1", "name"`, 1)

	w := do(h, http.MethodPost, "/v1/rules", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(h, http.MethodPost, "/v1/rules", body)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestWriteJSON_UnencodableIs500(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]float64{"x": math.NaN()})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEmpty(t, w.Body.String())
}

func TestCampaignsAndPrediction(t *testing.T) {
	h, _ := newTestRouter(t, predictor.NewHeuristic())

	w := do(h, http.MethodGet, "/v1/campaigns", "")
	require.Equal(t, http.StatusOK, w.Code)
	var campaigns []validation.Campaign
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &campaigns))
	assert.Len(t, campaigns, 2)

	tests := []struct {
		name       string
		url        string
		wantStatus int
	}{
		{"ok", "/v1/campaigns/c1/prediction?adjustment=10", http.StatusOK},
		{"default adjustment", "/v1/campaigns/c1/prediction", http.StatusOK},
		{"bad adjustment", "/v1/campaigns/c1/prediction?adjustment=ten", http.StatusBadRequest},
		{"unknown campaign", "/v1/campaigns/zz/prediction?adjustment=10", http.StatusNotFound},
		{"nan adjustment", "/v1/campaigns/c1/prediction?adjustment=NaN", http.StatusBadRequest},
		{"infinite adjustment", "/v1/campaigns/c1/prediction?adjustment=-Inf", http.StatusBadRequest},
		{"adjustment removes the bid", "/v1/campaigns/c1/prediction?adjustment=-150", http.StatusBadRequest},
		{"no spend or sales", "/v1/campaigns/c2/prediction?adjustment=10", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(h, http.MethodGet, tt.url, "")
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}

	w = do(h, http.MethodGet, "/v1/campaigns/c1/prediction?adjustment=10", "")
	var got engine.PredictionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "c1", got.CampaignID)
	assert.InDelta(t, 42*1.1/1.05, got.Prediction.PredictedAcos, 1e-9)
}

func TestPrediction_Disabled(t *testing.T) {
	h, _ := newTestRouter(t, nil)
	w := do(h, http.MethodGet, "/v1/campaigns/c1/prediction?adjustment=10", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthz(t *testing.T) {
	h, _ := newTestRouter(t, nil)

	ts := httptest.NewServer(h)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
