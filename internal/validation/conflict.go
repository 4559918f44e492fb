package validation

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// SameConditions compares two condition trees structurally. Group operators
// are normalised at decode time, so "and" and "AND" compare equal, and a nil
// list equals an empty one.
func SameConditions(a, b []ConditionGroup) bool {
	return cmp.Equal(a, b, cmpopts.EquateEmpty())
}

// FindConflicts returns the existing rules with an identical condition tree
// but a different action.
func FindConflicts(rule Rule, existing []Rule) []Rule {
	out := []Rule{}
	for _, other := range existing {
		if other.Action != rule.Action && SameConditions(rule.Conditions, other.Conditions) {
			out = append(out, other)
		}
	}
	return out
}
