package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"ppc-rules-engine/internal/validation"
)

var ErrInsufficientData = errors.New("insufficient campaign data")

const (
	minConfidence = 0.1
	maxConfidence = 0.95

	// clicks at which click volume stops adding confidence
	saturationClicks = 500
	minOrders        = 5
)

// Heuristic projects ACOS, ROAS and CTR from a bid change assuming sales
// respond at half the rate of spend.
type Heuristic struct{}

func NewHeuristic() Heuristic { return Heuristic{} }

func (Heuristic) Predict(_ context.Context, c validation.Campaign, adjustmentPercent float64) (validation.Prediction, error) {
	spend := c.Metrics.Value(validation.MetricSpend)
	sales := c.Metrics.Value(validation.MetricSales)
	if spend == 0 && sales == 0 {
		return validation.Prediction{}, fmt.Errorf("campaign %s: %w", c.ID, ErrInsufficientData)
	}
	if adjustmentPercent <= -100 {
		return validation.Prediction{}, fmt.Errorf("campaign %s: adjustment %g%% removes the bid", c.ID, adjustmentPercent)
	}

	spendF := 1 + adjustmentPercent/100
	salesF := 1 + adjustmentPercent/200

	return validation.Prediction{
		Confidence:    confidence(c.Metrics),
		PredictedAcos: c.Metrics.Value(validation.MetricAcos) * spendF / salesF,
		PredictedRoas: c.Metrics.Value(validation.MetricRoas) * salesF / spendF,
		PredictedCtr:  c.Metrics.Value(validation.MetricCtr) * (1 + adjustmentPercent/400),
	}, nil
}

func confidence(m validation.Metrics) float64 {
	conf := 0.5 + 0.4*math.Min(1, m.Value(validation.MetricClicks)/saturationClicks)
	if m.Value(validation.MetricOrders) < minOrders {
		conf -= 0.1
	}
	return math.Max(minConfidence, math.Min(maxConfidence, conf))
}
