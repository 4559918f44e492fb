package validation

import (
	"encoding/json"
	"strings"
)

// Condition is one metric comparison. The concrete types below are the only
// implementations.
type Condition interface {
	Matches(m Metrics) bool
	isCondition()
}

type GreaterThan struct {
	Metric    Metric
	Value     float64
	Timeframe string
}

type LessThan struct {
	Metric    Metric
	Value     float64
	Timeframe string
}

// EqualTo compares exactly, without tolerance: 14.999999 does not equal 15.
type EqualTo struct {
	Metric    Metric
	Value     float64
	Timeframe string
}

type NotEqualTo struct {
	Metric    Metric
	Value     float64
	Timeframe string
}

// Between is inclusive on both ends.
type Between struct {
	Metric    Metric
	Low       float64
	High      float64
	Timeframe string
}

// Unsupported holds a condition whose operator is unknown or whose operands
// are incomplete. It never matches.
type Unsupported struct {
	Metric    Metric
	Operator  string
	Value     float64
	Timeframe string
}

func (c GreaterThan) Matches(m Metrics) bool {
	v, ok := m.Lookup(c.Metric)
	return ok && v > c.Value
}

func (c LessThan) Matches(m Metrics) bool {
	v, ok := m.Lookup(c.Metric)
	return ok && v < c.Value
}

func (c EqualTo) Matches(m Metrics) bool {
	v, ok := m.Lookup(c.Metric)
	return ok && v == c.Value
}

func (c NotEqualTo) Matches(m Metrics) bool {
	v, ok := m.Lookup(c.Metric)
	return ok && v != c.Value
}

func (c Between) Matches(m Metrics) bool {
	v, ok := m.Lookup(c.Metric)
	return ok && v >= c.Low && v <= c.High
}

func (Unsupported) Matches(Metrics) bool { return false }

func (GreaterThan) isCondition() {}
func (LessThan) isCondition()    {}
func (EqualTo) isCondition()     {}
func (NotEqualTo) isCondition()  {}
func (Between) isCondition()     {}
func (Unsupported) isCondition() {}

// ConditionGroup combines its conditions with AND or OR.
type ConditionGroup struct {
	Operator   GroupOperator
	Conditions []Condition
}

// MatchesCondition reports whether the campaign satisfies a single condition.
// A missing metric is a non-match.
func MatchesCondition(c Campaign, cond Condition) bool {
	if cond == nil {
		return false
	}
	return cond.Matches(c.Metrics)
}

// MatchesGroup: an empty AND group is vacuously true, an empty OR group false.
// Any operator other than AND is evaluated as OR.
func MatchesGroup(c Campaign, g ConditionGroup) bool {
	if g.Operator == GroupAnd {
		for _, cond := range g.Conditions {
			if !MatchesCondition(c, cond) {
				return false
			}
		}
		return true
	}
	for _, cond := range g.Conditions {
		if MatchesCondition(c, cond) {
			return true
		}
	}
	return false
}

// MatchesRule is true when any top-level group matches. A rule without groups
// matches nothing.
func MatchesRule(c Campaign, r Rule) bool {
	for _, g := range r.Conditions {
		if MatchesGroup(c, g) {
			return true
		}
	}
	return false
}

func conditionMetric(c Condition) Metric {
	switch c := c.(type) {
	case GreaterThan:
		return c.Metric
	case LessThan:
		return c.Metric
	case EqualTo:
		return c.Metric
	case NotEqualTo:
		return c.Metric
	case Between:
		return c.Metric
	case Unsupported:
		return c.Metric
	}
	return ""
}

// wire form shared with the dashboard

type conditionJSON struct {
	Metric    Metric    `json:"metric"`
	Operator  string    `json:"operator"`
	Value     flexFloat `json:"value"`
	Value2    flexFloat `json:"value2"`
	Timeframe string    `json:"timeframe,omitempty"`
}

type conditionOut struct {
	Metric    Metric   `json:"metric"`
	Operator  string   `json:"operator"`
	Value     float64  `json:"value"`
	Value2    *float64 `json:"value2,omitempty"`
	Timeframe string   `json:"timeframe,omitempty"`
}

type groupJSON struct {
	Operator   string            `json:"operator"`
	Conditions []json.RawMessage `json:"conditions"`
}

type groupOut struct {
	Operator   GroupOperator  `json:"operator"`
	Conditions []conditionOut `json:"conditions"`
}

func decodeCondition(w conditionJSON) Condition {
	metric := Metric(strings.ToLower(strings.TrimSpace(string(w.Metric))))
	op := strings.ToLower(strings.TrimSpace(w.Operator))
	v := w.Value.v
	switch op {
	case "greater_than":
		return GreaterThan{Metric: metric, Value: v, Timeframe: w.Timeframe}
	case "less_than":
		return LessThan{Metric: metric, Value: v, Timeframe: w.Timeframe}
	case "equal_to":
		return EqualTo{Metric: metric, Value: v, Timeframe: w.Timeframe}
	case "not_equal_to":
		return NotEqualTo{Metric: metric, Value: v, Timeframe: w.Timeframe}
	case "between":
		if w.Value2.set {
			return Between{Metric: metric, Low: v, High: w.Value2.v, Timeframe: w.Timeframe}
		}
	}
	return Unsupported{Metric: metric, Operator: op, Value: v, Timeframe: w.Timeframe}
}

func encodeCondition(c Condition) conditionOut {
	switch c := c.(type) {
	case GreaterThan:
		return conditionOut{Metric: c.Metric, Operator: "greater_than", Value: c.Value, Timeframe: c.Timeframe}
	case LessThan:
		return conditionOut{Metric: c.Metric, Operator: "less_than", Value: c.Value, Timeframe: c.Timeframe}
	case EqualTo:
		return conditionOut{Metric: c.Metric, Operator: "equal_to", Value: c.Value, Timeframe: c.Timeframe}
	case NotEqualTo:
		return conditionOut{Metric: c.Metric, Operator: "not_equal_to", Value: c.Value, Timeframe: c.Timeframe}
	case Between:
		high := c.High
		return conditionOut{Metric: c.Metric, Operator: "between", Value: c.Low, Value2: &high, Timeframe: c.Timeframe}
	case Unsupported:
		return conditionOut{Metric: c.Metric, Operator: c.Operator, Value: c.Value, Timeframe: c.Timeframe}
	}
	return conditionOut{}
}

func (g ConditionGroup) MarshalJSON() ([]byte, error) {
	out := groupOut{Operator: g.Operator, Conditions: make([]conditionOut, 0, len(g.Conditions))}
	for _, c := range g.Conditions {
		out.Conditions = append(out.Conditions, encodeCondition(c))
	}
	return json.Marshal(out)
}

// UnmarshalJSON never fails on unknown operators; they decode to Unsupported.
func (g *ConditionGroup) UnmarshalJSON(b []byte) error {
	var in groupJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	g.Operator = GroupOperator(strings.ToUpper(strings.TrimSpace(in.Operator)))
	g.Conditions = make([]Condition, 0, len(in.Conditions))
	for _, raw := range in.Conditions {
		var w conditionJSON
		if err := json.Unmarshal(raw, &w); err != nil {
			return err
		}
		g.Conditions = append(g.Conditions, decodeCondition(w))
	}
	return nil
}
