package model

import "time"

// EvaluationContext describes the requester. ID feeds bucketing, Attributes
// feed targeting rules.
type EvaluationContext struct {
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

const (
	TargetingMatchReason = "TARGETING_MATCH"
	SplitReason          = "SPLIT"
	RolloutReason        = "ROLLOUT"
	NotInRolloutReason   = "NOT_IN_ROLLOUT"
	DisabledReason       = "DISABLED"
	FlagNotFoundReason   = "FLAG_NOT_FOUND"
)

type Decision struct {
	FlagKey       string  `json:"flagKey"`
	IsEnabled     bool    `json:"isEnabled"`
	VariantKey    *string `json:"variantKey"`
	MatchedRuleID *string `json:"matchedRuleId"`
	Reason        string  `json:"reason"`
}

type Action string

const (
	ActionCreateFlag     Action = "CREATE_FLAG"
	ActionUpdateFlag     Action = "UPDATE_FLAG"
	ActionToggleFlag     Action = "TOGGLE_FLAG"
	ActionSetRollout     Action = "SET_ROLLOUT"
	ActionAddVariant     Action = "ADD_VARIANT"
	ActionReplaceVariant Action = "REPLACE_VARIANT"
	ActionDeleteVariant  Action = "DELETE_VARIANT"
	ActionAddRule        Action = "ADD_RULE"
	ActionDeleteRule     Action = "DELETE_RULE"
	ActionDeleteFlag     Action = "DELETE_FLAG"
)

// AuditEvent is immutable once appended. Sequence is assigned by the log.
type AuditEvent struct {
	ID          string      `json:"id"`
	Sequence    int64       `json:"sequence"`
	Action      Action      `json:"action"`
	FlagKey     string      `json:"flagKey"`
	Actor       string      `json:"actor"`
	Environment Environment `json:"environment"`
	Version     int64       `json:"version"`
	Timestamp   time.Time   `json:"timestamp"`
}

type AuditFilter struct {
	FlagKey     string      `json:"flagKey,omitempty"`
	Environment Environment `json:"environment,omitempty"`
	Since       time.Time   `json:"since,omitzero"`
}

// Matches reports whether the event passes every set filter field.
func (f AuditFilter) Matches(e AuditEvent) bool {
	if f.FlagKey != "" && e.FlagKey != f.FlagKey {
		return false
	}
	if f.Environment != "" && e.Environment != f.Environment {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
