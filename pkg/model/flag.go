package model

import (
	"slices"
	"strings"
	"time"
)

type Environment string

const (
	Development Environment = "Development"
	Staging     Environment = "Staging"
	Production  Environment = "Production"
)

var Environments = []Environment{Development, Staging, Production}

// ParseEnvironment resolves an environment name case-insensitively.
func ParseEnvironment(s string) (Environment, error) {
	for _, env := range Environments {
		if strings.EqualFold(string(env), s) {
			return env, nil
		}
	}
	return "", NotFoundf("environment %q", s)
}

func (e Environment) Valid() bool {
	return slices.Contains(Environments, e)
}

type Kind string

const (
	Boolean      Kind = "BOOLEAN"
	Multivariate Kind = "MULTIVARIATE"
)

type Operator string

const (
	Equals   Operator = "EQUALS"
	Contains Operator = "CONTAINS"
	OneOf    Operator = "ONE_OF"
)

type Variant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Key    string `json:"key"`
	Weight int    `json:"weight"`
}

type TargetingRule struct {
	ID        string   `json:"id"`
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Values    []string `json:"values"`
}

// FlagDefinition is the registry-owned configuration of one flag in one
// environment. Copies handed out by the registry never share slices with
// the stored definition.
type FlagDefinition struct {
	Key               string          `json:"key"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Kind              Kind            `json:"type"`
	Enabled           bool            `json:"isEnabled"`
	RolloutPercentage int             `json:"rolloutPercentage"`
	Environment       Environment     `json:"environment"`
	Variants          []Variant       `json:"variants"`
	Rules             []TargetingRule `json:"rules"`
	Version           int64           `json:"version"`
	LastUpdated       time.Time       `json:"lastUpdated"`
	Owner             string          `json:"owner"`
}

// Clone returns a deep copy of the definition.
func (f FlagDefinition) Clone() FlagDefinition {
	out := f
	if f.Variants != nil {
		out.Variants = slices.Clone(f.Variants)
	}
	if f.Rules != nil {
		out.Rules = make([]TargetingRule, len(f.Rules))
		for i, r := range f.Rules {
			r.Values = slices.Clone(r.Values)
			out.Rules[i] = r
		}
	}
	return out
}

// VariantIndex returns the position of the variant with the given id, or -1.
func (f FlagDefinition) VariantIndex(id string) int {
	return slices.IndexFunc(f.Variants, func(v Variant) bool { return v.ID == id })
}

// RuleIndex returns the position of the rule with the given id, or -1.
func (f FlagDefinition) RuleIndex(id string) int {
	return slices.IndexFunc(f.Rules, func(r TargetingRule) bool { return r.ID == id })
}

// SameAllocation reports whether both definitions split traffic between
// variants identically. Reordering or reweighting variants moves bucket
// boundaries and can reassign sticky contexts.
func SameAllocation(a, b []Variant) bool {
	return slices.EqualFunc(a, b, func(x, y Variant) bool {
		return x.Key == y.Key && x.Weight == y.Weight
	})
}
