package predictor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppc-rules-engine/internal/validation"
)

func TestHeuristic_Predict(t *testing.T) {
	c := validation.Campaign{ID: "c1", Metrics: validation.Metrics{
		validation.MetricSpend:  100,
		validation.MetricSales:  400,
		validation.MetricAcos:   25,
		validation.MetricRoas:   4,
		validation.MetricCtr:    0.8,
		validation.MetricClicks: 1000,
		validation.MetricOrders: 40,
	}}

	p, err := NewHeuristic().Predict(context.Background(), c, 20)
	require.NoError(t, err)

	assert.InDelta(t, 25*1.2/1.1, p.PredictedAcos, 1e-9)
	assert.InDelta(t, 4*1.1/1.2, p.PredictedRoas, 1e-9)
	assert.InDelta(t, 0.84, p.PredictedCtr, 1e-9)
	assert.InDelta(t, 0.9, p.Confidence, 1e-9)

	down, err := NewHeuristic().Predict(context.Background(), c, -20)
	require.NoError(t, err)
	assert.Less(t, down.PredictedAcos, 25.0)
	assert.Greater(t, down.PredictedRoas, 4.0)
}

func TestHeuristic_Confidence(t *testing.T) {
	tests := []struct {
		name string
		m    validation.Metrics
		want float64
	}{
		{"no clicks few orders", validation.Metrics{}, 0.4},
		{"half saturation", validation.Metrics{validation.MetricClicks: 250, validation.MetricOrders: 10}, 0.7},
		{"saturated", validation.Metrics{validation.MetricClicks: 5000, validation.MetricOrders: 10}, 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, confidence(tt.m), 1e-9)
		})
	}
}

func TestHeuristic_InsufficientData(t *testing.T) {
	_, err := NewHeuristic().Predict(context.Background(), validation.Campaign{ID: "empty"}, 10)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestHeuristic_FullDecreaseRejected(t *testing.T) {
	c := validation.Campaign{ID: "c1", Metrics: validation.Metrics{validation.MetricSpend: 10}}
	_, err := NewHeuristic().Predict(context.Background(), c, -100)
	assert.Error(t, err)
}

type countingPredictor struct {
	calls int
	err   error
}

func (p *countingPredictor) Predict(context.Context, validation.Campaign, float64) (validation.Prediction, error) {
	p.calls++
	return validation.Prediction{Confidence: 0.8, PredictedAcos: 10}, p.err
}

func unreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestCached_FailsOpenWithoutRedis(t *testing.T) {
	next := &countingPredictor{}
	c := NewCached(unreachableRedis(), next, time.Minute)

	p, err := c.Predict(context.Background(), validation.Campaign{ID: "c1"}, 10)
	require.NoError(t, err)
	assert.Equal(t, 0.8, p.Confidence)
	assert.Equal(t, 1, next.calls)
}

func TestCached_PropagatesPredictorError(t *testing.T) {
	next := &countingPredictor{err: errors.New("boom")}
	c := NewCached(unreachableRedis(), next, time.Minute)

	_, err := c.Predict(context.Background(), validation.Campaign{ID: "c1"}, 10)
	assert.EqualError(t, err, "boom")
}

func TestCacheKey(t *testing.T) {
	c := validation.Campaign{ID: "c1", Metrics: validation.Metrics{validation.MetricAcos: 25}}
	assert.Regexp(t, `^ppc:predict:c1:12\.5:[0-9a-f]{16}$`, cacheKey(c, 12.5))
	assert.Regexp(t, `^ppc:predict:c1:-10:`, cacheKey(c, -10))

	same := validation.Campaign{ID: "c1", Metrics: validation.Metrics{validation.MetricAcos: 25}}
	assert.Equal(t, cacheKey(c, 10), cacheKey(same, 10))

	changed := validation.Campaign{ID: "c1", Metrics: validation.Metrics{validation.MetricAcos: 26}}
	assert.NotEqual(t, cacheKey(c, 10), cacheKey(changed, 10))

	// an explicit zero differs from an absent metric
	withZero := validation.Campaign{ID: "c1", Metrics: validation.Metrics{validation.MetricAcos: 25, validation.MetricRoas: 0}}
	assert.NotEqual(t, cacheKey(c, 10), cacheKey(withZero, 10))
}

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCached_HitsOnSameMetrics(t *testing.T) {
	ctx := context.Background()
	next := &countingPredictor{}
	c := NewCached(newMiniRedis(t), next, time.Minute)

	camp := validation.Campaign{ID: "c1", Metrics: validation.Metrics{validation.MetricAcos: 25}}
	first, err := c.Predict(ctx, camp, 10)
	require.NoError(t, err)
	second, err := c.Predict(ctx, camp, 10)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, next.calls)
}

func TestCached_MissesWhenMetricsChange(t *testing.T) {
	ctx := context.Background()
	c := NewCached(newMiniRedis(t), NewHeuristic(), time.Minute)

	before := validation.Campaign{ID: "c1", Metrics: validation.Metrics{
		validation.MetricSpend: 100, validation.MetricSales: 400,
		validation.MetricAcos: 25, validation.MetricRoas: 4,
	}}
	after := validation.Campaign{ID: "c1", Metrics: validation.Metrics{
		validation.MetricSpend: 400, validation.MetricSales: 400,
		validation.MetricAcos: 100, validation.MetricRoas: 1,
	}}

	p1, err := c.Predict(ctx, before, 10)
	require.NoError(t, err)
	p2, err := c.Predict(ctx, after, 10)
	require.NoError(t, err)

	assert.InDelta(t, 25*1.1/1.05, p1.PredictedAcos, 1e-9)
	assert.InDelta(t, 100*1.1/1.05, p2.PredictedAcos, 1e-9)

	// an increase through the cached predictor still reports ACOS rising
	rule := validation.Rule{
		Action:     validation.ActionIncreaseBid,
		Adjustment: 10,
		Conditions: []validation.ConditionGroup{{
			Operator:   validation.GroupAnd,
			Conditions: []validation.Condition{validation.GreaterThan{Metric: validation.MetricAcos, Value: 0}},
		}},
	}
	res := validation.NewValidator(c).Validate(ctx, rule, []validation.Campaign{after}, nil)
	require.Len(t, res.CampaignImpacts, 1)
	assert.Greater(t, res.CampaignImpacts[0].Metrics.AcosDelta, 0.0)
	assert.Less(t, res.CampaignImpacts[0].Metrics.RoasDelta, 0.0)
}
