package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"ppc-rules-engine/internal/cache"
	"ppc-rules-engine/internal/observability"
	"ppc-rules-engine/internal/predictor"
	"ppc-rules-engine/internal/validation"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrNoPredictor      = errors.New("bid prediction disabled")
	ErrBadAdjustment    = errors.New("adjustment must be a finite percentage above -100")
)

// Source supplies the campaigns and rules a snapshot is built from.
type Source interface {
	LoadCampaigns(ctx context.Context) ([]validation.Campaign, error)
	LoadRules(ctx context.Context) ([]validation.Rule, error)
}

// RuleEngine validates rules against a lock-free snapshot of campaigns and
// existing rules.
type RuleEngine struct {
	snap      cache.Snapshot[snapshot]
	predictor validation.BidPredictor
	validator *validation.Validator
}

// NewEngine builds an engine; p may be nil to disable bid prediction.
func NewEngine(p validation.BidPredictor) *RuleEngine {
	e := &RuleEngine{}
	if p != nil {
		e.predictor = observedPredictor{next: p}
	}
	e.validator = validation.NewValidator(e.predictor)
	return e
}

// BuildSnapshot reloads campaigns and rules and swaps them in atomically.
func (e *RuleEngine) BuildSnapshot(ctx context.Context, src Source) error {
	campaigns, err := src.LoadCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("load campaigns: %w", err)
	}
	rules, err := src.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	byID := make(map[string]int, len(campaigns))
	for i, c := range campaigns {
		byID[c.ID] = i
	}
	e.snap.Store(snapshot{campaigns: campaigns, byID: byID, rules: rules})

	observability.SnapshotCampaigns.Set(float64(len(campaigns)))
	log.Debug().Int("campaigns", len(campaigns)).Int("rules", len(rules)).Msg("snapshot built")
	return nil
}

// Campaigns returns the snapshot's campaigns.
func (e *RuleEngine) Campaigns() []validation.Campaign {
	s, _ := e.snap.Load()
	return append([]validation.Campaign(nil), s.campaigns...)
}

// Validate scores a rule. When campaigns is nil the snapshot campaigns are
// used. The rule is checked against the other active rules in the snapshot.
func (e *RuleEngine) Validate(ctx context.Context, rule validation.Rule, campaigns []validation.Campaign) validation.Result {
	s, _ := e.snap.Load()
	if campaigns == nil {
		campaigns = s.campaigns
	}

	existing := make([]validation.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if !r.IsActive || (rule.ID != "" && r.ID == rule.ID) {
			continue
		}
		existing = append(existing, r)
	}

	res := e.validator.Validate(ctx, rule, campaigns, existing)

	outcome := "ok"
	switch {
	case len(res.AffectedCampaigns) == 0:
		outcome = "no_match"
	case len(res.ConflictingRules) > 0:
		outcome = "conflict"
	}
	observability.Validations.WithLabelValues(outcome).Inc()
	observability.ValidationScore.Observe(res.ValidationScore)

	log.Debug().
		Str("rule_id", rule.ID).
		Int("affected", len(res.AffectedCampaigns)).
		Int("conflicts", len(res.ConflictingRules)).
		Float64("score", res.ValidationScore).
		Msg("rule validated")
	return res
}

// Predict runs the bid predictor for one snapshot campaign.
func (e *RuleEngine) Predict(ctx context.Context, campaignID string, adjustment float64) (PredictionResult, error) {
	if e.predictor == nil {
		return PredictionResult{}, ErrNoPredictor
	}
	if math.IsNaN(adjustment) || math.IsInf(adjustment, 0) || adjustment <= -100 {
		return PredictionResult{}, fmt.Errorf("%g: %w", adjustment, ErrBadAdjustment)
	}
	s, _ := e.snap.Load()
	i, ok := s.byID[campaignID]
	if !ok {
		return PredictionResult{}, fmt.Errorf("%s: %w", campaignID, ErrCampaignNotFound)
	}
	p, err := e.predictor.Predict(ctx, s.campaigns[i], adjustment)
	if err != nil {
		return PredictionResult{}, err
	}
	return PredictionResult{CampaignID: campaignID, Adjustment: adjustment, Prediction: p}, nil
}

// observedPredictor counts failures before the validator falls back.
type observedPredictor struct {
	next validation.BidPredictor
}

func (o observedPredictor) Predict(ctx context.Context, c validation.Campaign, adjustment float64) (validation.Prediction, error) {
	p, err := o.next.Predict(ctx, c, adjustment)
	if err != nil {
		reason := "error"
		if errors.Is(err, predictor.ErrInsufficientData) {
			reason = "insufficient_data"
		}
		observability.PredictionFailures.WithLabelValues(reason).Inc()
	}
	return p, err
}
