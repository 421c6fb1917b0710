package eval

import (
	"slices"
	"strings"

	"github.com/open-feature/flagops/pkg/model"
)

// Matches reports whether the context satisfies the rule. Missing or
// non-string attributes never match.
func Matches(rule model.TargetingRule, evalCtx model.EvaluationContext) bool {
	raw, ok := evalCtx.Attributes[rule.Attribute]
	if !ok {
		return false
	}
	value, ok := raw.(string)
	if !ok || len(rule.Values) == 0 {
		return false
	}

	switch rule.Operator {
	case model.Equals:
		return value == rule.Values[0]
	case model.Contains:
		return strings.Contains(value, rule.Values[0])
	case model.OneOf:
		return slices.Contains(rule.Values, value)
	default:
		return false
	}
}

// FirstMatch returns the first rule, in list order, matched by the context.
func FirstMatch(rules []model.TargetingRule, evalCtx model.EvaluationContext) (model.TargetingRule, bool) {
	for _, r := range rules {
		if Matches(r, evalCtx) {
			return r, true
		}
	}
	return model.TargetingRule{}, false
}
