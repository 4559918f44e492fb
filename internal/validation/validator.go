package validation

import (
	"context"
	"fmt"
	"math"
)

const (
	baseScore = 70.0

	significantAdjustment = 30.0
	manyCampaigns         = 10

	// thresholds for the "may hurt performance" warning
	acosRiseLimit = 5.0
	roasDropLimit = -0.5
)

const (
	WarnNoMatch          = "No campaigns match the rule conditions"
	WarnNegativeImpact   = "Rule may negatively impact performance"
	warnConflictsFmt     = "Rule conflicts with %d existing rule(s)"
	warnSignificantFmt   = "Significant bid adjustment of %g%% may cause volatile performance"
	warnManyCampaignsFmt = "Rule affects many campaigns (%d), consider narrowing the conditions"
)

type ImpactSummary struct {
	TotalBidChange     float64 `json:"totalBidChange"`
	AverageBidChange   float64 `json:"averageBidChange"`
	EstimatedAcosDelta float64 `json:"estimatedAcosDelta"`
	EstimatedRoasDelta float64 `json:"estimatedRoasDelta"`
	Confidence         float64 `json:"confidence"`
}

type MetricSnapshot struct {
	Spend float64 `json:"spend"`
	Sales float64 `json:"sales"`
	Acos  float64 `json:"acos"`
	Roas  float64 `json:"roas"`
	Ctr   float64 `json:"ctr"`
}

// Result is the full validation report for a proposed rule.
type Result struct {
	AffectedCampaigns   []Campaign       `json:"affectedCampaigns"`
	UnaffectedCampaigns []Campaign       `json:"unaffectedCampaigns"`
	ImpactSummary       ImpactSummary    `json:"impactSummary"`
	CurrentMetrics      MetricSnapshot   `json:"currentMetrics"`
	ProjectedMetrics    MetricSnapshot   `json:"projectedMetrics"`
	CampaignImpacts     []CampaignImpact `json:"campaignImpacts"`
	ConflictingRules    []Rule           `json:"conflictingRules"`
	ValidationScore     float64          `json:"validationScore"`
	Warnings            []string         `json:"warnings"`
}

// Validator scores proposed rules. It holds no mutable state and may be
// shared between goroutines as long as the predictor can.
type Validator struct {
	predictor BidPredictor
}

// NewValidator returns a Validator; p may be nil to use the heuristic only.
func NewValidator(p BidPredictor) *Validator {
	return &Validator{predictor: p}
}

// ValidateRule runs a heuristic-only validation.
func ValidateRule(rule Rule, campaigns []Campaign, existing []Rule) Result {
	return NewValidator(nil).Validate(context.Background(), rule, campaigns, existing)
}

// Validate never fails: malformed conditions are non-matches and predictor
// errors fall back to the heuristic.
func (v *Validator) Validate(ctx context.Context, rule Rule, campaigns []Campaign, existing []Rule) Result {
	res := Result{
		AffectedCampaigns:   []Campaign{},
		UnaffectedCampaigns: []Campaign{},
		CampaignImpacts:     []CampaignImpact{},
	}
	for _, c := range campaigns {
		if MatchesRule(c, rule) {
			res.AffectedCampaigns = append(res.AffectedCampaigns, c)
		} else {
			res.UnaffectedCampaigns = append(res.UnaffectedCampaigns, c)
		}
	}

	for _, c := range res.AffectedCampaigns {
		res.CampaignImpacts = append(res.CampaignImpacts, estimateImpact(ctx, v.predictor, c, rule))
	}

	res.ImpactSummary = summarize(res.CampaignImpacts)
	res.ConflictingRules = FindConflicts(rule, existing)
	res.CurrentMetrics = currentMetrics(res.AffectedCampaigns)
	res.ProjectedMetrics = projectMetrics(res.CurrentMetrics, res.ImpactSummary)
	res.Warnings = warnings(rule, len(res.AffectedCampaigns), len(res.ConflictingRules), res.ImpactSummary)
	res.ValidationScore = score(len(res.AffectedCampaigns), len(res.ConflictingRules), len(res.Warnings), res.ImpactSummary)
	return res
}

func summarize(impacts []CampaignImpact) ImpactSummary {
	var s ImpactSummary
	if len(impacts) == 0 {
		return s
	}
	var acos, roas, conf float64
	for _, im := range impacts {
		s.TotalBidChange += im.BidChange
		acos += im.Metrics.AcosDelta
		roas += im.Metrics.RoasDelta
		conf += im.Confidence
	}
	n := float64(len(impacts))
	s.AverageBidChange = s.TotalBidChange / n
	s.EstimatedAcosDelta = acos / n
	s.EstimatedRoasDelta = roas / n
	s.Confidence = conf / n
	return s
}

func currentMetrics(affected []Campaign) MetricSnapshot {
	var m MetricSnapshot
	if len(affected) == 0 {
		return m
	}
	for _, c := range affected {
		m.Spend += c.Metrics.Value(MetricSpend)
		m.Sales += c.Metrics.Value(MetricSales)
		m.Acos += c.Metrics.Value(MetricAcos)
		m.Roas += c.Metrics.Value(MetricRoas)
		m.Ctr += c.Metrics.Value(MetricCtr)
	}
	n := float64(len(affected))
	m.Acos /= n
	m.Roas /= n
	m.Ctr /= n
	return m
}

// projectMetrics assumes sales grow at half the rate of spend.
func projectMetrics(cur MetricSnapshot, s ImpactSummary) MetricSnapshot {
	return MetricSnapshot{
		Spend: cur.Spend * (1 + s.AverageBidChange/100),
		Sales: cur.Sales * (1 + s.AverageBidChange/200),
		Acos:  cur.Acos + s.EstimatedAcosDelta,
		Roas:  cur.Roas + s.EstimatedRoasDelta,
		Ctr:   cur.Ctr,
	}
}

func warnings(rule Rule, affected, conflicts int, s ImpactSummary) []string {
	out := []string{}
	if affected == 0 {
		out = append(out, WarnNoMatch)
	}
	if conflicts > 0 {
		out = append(out, fmt.Sprintf(warnConflictsFmt, conflicts))
	}
	if math.Abs(rule.Adjustment) > significantAdjustment {
		out = append(out, fmt.Sprintf(warnSignificantFmt, rule.Adjustment))
	}
	if affected > manyCampaigns {
		out = append(out, fmt.Sprintf(warnManyCampaignsFmt, affected))
	}
	if (rule.Action == ActionIncreaseBid && s.EstimatedAcosDelta > acosRiseLimit) ||
		(rule.Action == ActionDecreaseBid && s.EstimatedRoasDelta < roasDropLimit) {
		out = append(out, WarnNegativeImpact)
	}
	return out
}

// score: the opposite-movement bonus and the ACOS-up/ROAS-down penalty are
// independent, so that case nets -5.
func score(affected, conflicts, warns int, s ImpactSummary) float64 {
	sc := baseScore
	if affected == 0 {
		sc -= 30
	}
	if affected > manyCampaigns {
		sc -= 10
	}
	sc -= 15 * float64(conflicts)
	sc += 20 * s.Confidence
	sc -= 5 * float64(warns)

	acos, roas := s.EstimatedAcosDelta, s.EstimatedRoasDelta
	if (acos < 0 && roas > 0) || (acos > 0 && roas < 0) {
		sc += 10
	}
	if acos > 0 && roas < 0 {
		sc -= 15
	}
	return math.Max(0, math.Min(100, sc))
}
