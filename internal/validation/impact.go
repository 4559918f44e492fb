package validation

import (
	"context"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const defaultConfidence = 0.7

// Prediction is what a BidPredictor projects for a campaign after a bid change.
type Prediction struct {
	Confidence    float64 `json:"confidence"`
	PredictedAcos float64 `json:"predictedAcos"`
	PredictedRoas float64 `json:"predictedRoas"`
	PredictedCtr  float64 `json:"predictedCtr"`
}

// BidPredictor refines the directional heuristic. adjustmentPercent is signed:
// negative for bid decreases. A non-nil error means "no prediction".
type BidPredictor interface {
	Predict(ctx context.Context, c Campaign, adjustmentPercent float64) (Prediction, error)
}

type ImpactMetrics struct {
	CurrentAcos   float64 `json:"currentAcos"`
	ProjectedAcos float64 `json:"projectedAcos"`
	CurrentRoas   float64 `json:"currentRoas"`
	ProjectedRoas float64 `json:"projectedRoas"`
	AcosDelta     float64 `json:"acosDelta"`
	RoasDelta     float64 `json:"roasDelta"`
}

// CampaignImpact is the estimated effect of a rule on one campaign.
// BidChange is in percent.
type CampaignImpact struct {
	CampaignID   string        `json:"campaignId"`
	CampaignName string        `json:"campaignName"`
	BidChange    float64       `json:"bidChange"`
	CurrentBid   float64       `json:"currentBid"`
	NewBid       float64       `json:"newBid"`
	Metrics      ImpactMetrics `json:"metrics"`
	Confidence   float64       `json:"confidence"`
}

// EstimateImpact applies the directional heuristic only.
func EstimateImpact(c Campaign, r Rule) CampaignImpact {
	return estimateImpact(context.Background(), nil, c, r)
}

func estimateImpact(ctx context.Context, p BidPredictor, c Campaign, r Rule) CampaignImpact {
	acos := c.Metrics.Value(MetricAcos)
	roas := c.Metrics.Value(MetricRoas)
	factor := r.Adjustment / 100

	var bidChange, acosDelta, roasDelta float64
	switch r.Action {
	case ActionIncreaseBid:
		bidChange = factor
		acosDelta = acos * 0.10
		roasDelta = -roas * 0.05
	case ActionDecreaseBid:
		bidChange = -factor
		acosDelta = -acos * 0.10
		roasDelta = roas * 0.05
	}

	confidence := defaultConfidence
	if p != nil {
		pred, err := p.Predict(ctx, c, bidChange*100)
		if err != nil {
			log.Warn().Err(err).Str("campaign_id", c.ID).Msg("bid prediction failed, using heuristic")
		} else {
			acosDelta = pred.PredictedAcos - acos
			roasDelta = pred.PredictedRoas - roas
			confidence = pred.Confidence
		}
	}

	currentBid := ParseBid(c.Budget)
	return CampaignImpact{
		CampaignID:   c.ID,
		CampaignName: c.Name,
		BidChange:    bidChange * 100,
		CurrentBid:   currentBid,
		NewBid:       currentBid * (1 + bidChange),
		Metrics: ImpactMetrics{
			CurrentAcos:   acos,
			ProjectedAcos: acos + acosDelta,
			CurrentRoas:   roas,
			ProjectedRoas: roas + roasDelta,
			AcosDelta:     acosDelta,
			RoasDelta:     roasDelta,
		},
		Confidence: confidence,
	}
}

// ParseBid reads a monetary string such as "$1,250.00" or "€12.5". The
// leading currency symbol and thousands separators are dropped and the
// leading numeric part is used; anything unparsable yields 0.
func ParseBid(budget string) float64 {
	s := strings.TrimSpace(budget)
	s = strings.TrimLeftFunc(s, func(r rune) bool { return unicode.Is(unicode.Sc, r) })
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	d, err := decimal.NewFromString(numericPrefix(s))
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

func numericPrefix(s string) string {
	end := 0
	dot := false
	for i, r := range s {
		switch {
		case (r == '-' || r == '+') && i == 0:
		case r >= '0' && r <= '9':
		case r == '.' && !dot:
			dot = true
		default:
			return s[:end]
		}
		end = i + 1
	}
	return s[:end]
}
