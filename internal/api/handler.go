package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ppc-rules-engine/internal/engine"
	"ppc-rules-engine/internal/observability"
	"ppc-rules-engine/internal/predictor"
	"ppc-rules-engine/internal/storage"
	"ppc-rules-engine/internal/validation"
)

const maxBody = 1 << 20

// RuleStore is the persistence the handlers need. Both storage.Store and
// storage.Memory satisfy it.
type RuleStore interface {
	engine.Source
	GetRule(ctx context.Context, id string) (validation.Rule, error)
	InsertRule(ctx context.Context, r validation.Rule) error
	SetRuleActive(ctx context.Context, id string, active bool) error
}

type RuleHandler struct {
	Eng   *engine.RuleEngine
	Store RuleStore
}

func NewRuleHandler(eng *engine.RuleEngine, store RuleStore) *RuleHandler {
	return &RuleHandler{Eng: eng, Store: store}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeJSON marshals before writing the header; encode failures are a 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		observability.RequestErrors.WithLabelValues("encode").Inc()
		log.Error().Err(err).Msg("encode response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to encode response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	observability.RequestErrors.WithLabelValues(kind).Inc()
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("kind", kind).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func (h *RuleHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req engine.ValidateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Eng.Validate(r.Context(), req.Rule, req.Campaigns))
}

func (h *RuleHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Store.LoadRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store", err)
		return
	}
	if rules == nil {
		rules = []validation.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *RuleHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Store.GetRule(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "store", err)
	default:
		writeJSON(w, http.StatusOK, rule)
	}
}

func (h *RuleHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule validation.Rule
	if err := decode(w, r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	if err := rule.Check(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_rule", err)
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	err := h.Store.InsertRule(r.Context(), rule)
	switch {
	case errors.Is(err, storage.ErrExists):
		writeError(w, http.StatusConflict, "exists", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "store", err)
		return
	}
	h.refresh(r)
	writeJSON(w, http.StatusCreated, rule)
}

type activeBody struct {
	IsActive *bool `json:"isActive"`
}

func (h *RuleHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	var body activeBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	if body.IsActive == nil {
		writeError(w, http.StatusBadRequest, "decode", errors.New("isActive is required"))
		return
	}
	id := chi.URLParam(r, "id")
	err := h.Store.SetRuleActive(r.Context(), id, *body.IsActive)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "store", err)
		return
	}
	h.refresh(r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *RuleHandler) ListCampaigns(w http.ResponseWriter, _ *http.Request) {
	campaigns := h.Eng.Campaigns()
	if campaigns == nil {
		campaigns = []validation.Campaign{}
	}
	writeJSON(w, http.StatusOK, campaigns)
}

func (h *RuleHandler) Prediction(w http.ResponseWriter, r *http.Request) {
	adj := 0.0
	if raw := r.URL.Query().Get("adjustment"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "decode", fmt.Errorf("adjustment: %w", err))
			return
		}
		adj = v
	}

	res, err := h.Eng.Predict(r.Context(), chi.URLParam(r, "id"), adj)
	switch {
	case errors.Is(err, engine.ErrCampaignNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, engine.ErrBadAdjustment):
		writeError(w, http.StatusBadRequest, "decode", err)
	case errors.Is(err, engine.ErrNoPredictor):
		writeError(w, http.StatusServiceUnavailable, "predictor_disabled", err)
	case errors.Is(err, predictor.ErrInsufficientData):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_data", err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "predictor", err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// refresh rebuilds the snapshot right away so the next validation sees the
// change even before a NOTIFY arrives.
func (h *RuleHandler) refresh(r *http.Request) {
	if err := h.Eng.BuildSnapshot(r.Context(), h.Store); err != nil {
		log.Error().Err(err).Msg("refresh snapshot after write")
	}
}
