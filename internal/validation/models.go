package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidRule is returned by Rule.Check for structurally unusable rules.
var ErrInvalidRule = errors.New("invalid rule")

// Metric names a campaign performance figure a condition can test.
type Metric string

const (
	MetricSpend       Metric = "spend"
	MetricSales       Metric = "sales"
	MetricAcos        Metric = "acos"
	MetricRoas        Metric = "roas"
	MetricCtr         Metric = "ctr"
	MetricImpressions Metric = "impressions"
	MetricClicks      Metric = "clicks"
	MetricCpc         Metric = "cpc"
	MetricOrders      Metric = "orders"
)

var knownMetrics = map[Metric]struct{}{
	MetricSpend: {}, MetricSales: {}, MetricAcos: {}, MetricRoas: {}, MetricCtr: {},
	MetricImpressions: {}, MetricClicks: {}, MetricCpc: {}, MetricOrders: {},
}

func (m Metric) Valid() bool {
	_, ok := knownMetrics[m]
	return ok
}

// Metrics is a campaign's performance bag. A missing key is "absent", which
// conditions treat differently from an explicit zero.
type Metrics map[Metric]float64

// Lookup reports the value and whether the metric is present at all.
func (m Metrics) Lookup(metric Metric) (float64, bool) {
	v, ok := m[metric]
	return v, ok
}

// Value returns the metric or 0 when absent.
func (m Metrics) Value(metric Metric) float64 { return m[metric] }

// UnmarshalJSON keeps known metrics only. Values may arrive as numbers or
// numeric strings; anything else is dropped.
func (m *Metrics) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Metrics, len(raw))
	for k, v := range raw {
		metric := Metric(strings.ToLower(k))
		if !metric.Valid() {
			continue
		}
		var n flexFloat
		if err := json.Unmarshal(v, &n); err != nil || !n.set {
			continue
		}
		out[metric] = n.v
	}
	*m = out
	return nil
}

// flexFloat accepts 12.5, "12.5" and null. NaN and infinities are rejected.
type flexFloat struct {
	v   float64
	set bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("not a finite number: %s", b)
	}
	f.v, f.set = v, true
	return nil
}

// Campaign is the read-only view of an advertising campaign.
type Campaign struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Budget  string  `json:"budget"`
	Status  string  `json:"status"`
	Metrics Metrics `json:"metrics"`
}

type Action string

const (
	ActionIncreaseBid Action = "increase_bid"
	ActionDecreaseBid Action = "decrease_bid"
)

type GroupOperator string

const (
	GroupAnd GroupOperator = "AND"
	GroupOr  GroupOperator = "OR"
)

// Rule is a condition tree plus the bid action it triggers. Top-level groups
// are OR-ed together.
type Rule struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Conditions []ConditionGroup `json:"conditions"`
	Action     Action           `json:"action"`
	Adjustment float64          `json:"adjustment"`
	IsActive   bool             `json:"isActive"`
}

// Check rejects rules that could never be applied meaningfully. Validation
// itself tolerates all of these; Check guards what gets persisted.
func (r Rule) Check() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if r.Action != ActionIncreaseBid && r.Action != ActionDecreaseBid {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRule, r.Action)
	}
	if r.Adjustment <= 0 || r.Adjustment > 100 {
		return fmt.Errorf("%w: adjustment must be in (0, 100], got %g", ErrInvalidRule, r.Adjustment)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("%w: at least one condition group is required", ErrInvalidRule)
	}
	for i, g := range r.Conditions {
		if g.Operator != GroupAnd && g.Operator != GroupOr {
			return fmt.Errorf("%w: group %d: unknown operator %q", ErrInvalidRule, i, g.Operator)
		}
		for j, c := range g.Conditions {
			if u, ok := c.(Unsupported); ok {
				return fmt.Errorf("%w: group %d condition %d: unsupported operator %q", ErrInvalidRule, i, j, u.Operator)
			}
			if m := conditionMetric(c); !m.Valid() {
				return fmt.Errorf("%w: group %d condition %d: unknown metric %q", ErrInvalidRule, i, j, m)
			}
		}
	}
	return nil
}
