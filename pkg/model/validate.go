package model

import "fmt"

// Validate checks the definition against every configuration constraint and
// returns a *ValidationError listing all violations, or nil.
func (f FlagDefinition) Validate() error {
	verr := &ValidationError{}

	if f.Key == "" {
		verr.add("key", ViolationRequired, "flag key must not be empty")
	}
	if f.Name == "" {
		verr.add("name", ViolationRequired, "flag name must not be empty")
	}
	if !f.Environment.Valid() {
		verr.add("environment", ViolationInvalidValue, "unknown environment %q", f.Environment)
	}
	if f.RolloutPercentage < 0 || f.RolloutPercentage > 100 {
		verr.add("rolloutPercentage", ViolationOutOfRange,
			"rollout percentage %d must be within [0,100]", f.RolloutPercentage)
	}

	switch f.Kind {
	case Boolean:
		if len(f.Variants) > 0 {
			verr.add("variants", ViolationUnexpectedList, "boolean flags must not define variants")
		}
	case Multivariate:
		validateVariants(f.Variants, verr)
	default:
		verr.add("type", ViolationInvalidValue, "unknown flag type %q", f.Kind)
	}

	for i, r := range f.Rules {
		validateRule(i, r, verr)
	}

	if len(verr.Violations) == 0 {
		return nil
	}
	return verr
}

func validateVariants(variants []Variant, verr *ValidationError) {
	if len(variants) < 2 {
		verr.add("variants", ViolationVariantCount,
			"multivariate flags need at least 2 variants, got %d", len(variants))
	}

	sum := 0
	seen := make(map[string]int, len(variants))
	for i, v := range variants {
		field := fmt.Sprintf("variants[%d]", i)
		if v.Weight < 0 || v.Weight > 100 {
			verr.add(field+".weight", ViolationOutOfRange, "weight %d must be within [0,100]", v.Weight)
		}
		sum += v.Weight
		if v.Name == "" {
			verr.add(field+".name", ViolationRequired, "variant name must not be empty")
		}
		if v.Key == "" {
			verr.add(field+".key", ViolationRequired, "variant key must not be empty")
			continue
		}
		if first, dup := seen[v.Key]; dup {
			verr.add(field+".key", ViolationDuplicateKey,
				"variant key %q duplicates variants[%d]", v.Key, first)
			continue
		}
		seen[v.Key] = i
	}

	if len(variants) > 0 && sum != 100 {
		verr.add("variants", ViolationWeightSum, "variant weights sum to %d, must be 100", sum)
	}
}

func validateRule(i int, r TargetingRule, verr *ValidationError) {
	field := fmt.Sprintf("rules[%d]", i)
	if r.Attribute == "" {
		verr.add(field+".attribute", ViolationRequired, "rule attribute must not be empty")
	}
	switch r.Operator {
	case Equals, Contains, OneOf:
	default:
		verr.add(field+".operator", ViolationInvalidValue, "unknown operator %q", r.Operator)
	}
	if len(r.Values) == 0 {
		verr.add(field+".values", ViolationRequired, "rule needs at least one comparison value")
	}
}

// CheckImmutable rejects changes to the identity of a flag.
func CheckImmutable(prev, next FlagDefinition) error {
	verr := &ValidationError{}
	if next.Key != prev.Key {
		verr.add("key", ViolationImmutable, "flag key %q cannot change", prev.Key)
	}
	if next.Environment != prev.Environment {
		verr.add("environment", ViolationImmutable, "environment %q cannot change", prev.Environment)
	}
	if len(verr.Violations) == 0 {
		return nil
	}
	return verr
}
