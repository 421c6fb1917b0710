package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/open-feature/flagops/pkg/advisor"
	"github.com/open-feature/flagops/pkg/model"
	"github.com/open-feature/flagops/pkg/store"
	"github.com/open-feature/flagops/pkg/telemetry"
)

// retries of an operation submitted without an expected version
const maxAttempts = 3

const AllocationChangedWarning = "variant allocation changed: contexts already in the rollout may be assigned a different variant"

// Result describes a committed change. AuditErr is set when the audit event
// could not be appended yet; the change itself stands.
type Result struct {
	Flag     model.FlagDefinition `json:"flag"`
	Version  int64                `json:"version"`
	Warnings []string             `json:"warnings,omitempty"`
	AuditErr error                `json:"-"`
}

type Recorder interface {
	Record(ctx context.Context, event model.AuditEvent) error
}

type Publisher interface {
	Publish(ctx context.Context, env model.Environment) error
}

// Pipeline validates and commits configuration changes and records an audit
// event for each of them.
type Pipeline struct {
	flags     store.IStore
	recorder  Recorder
	publisher Publisher
	logger    logrus.FieldLogger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

type Option func(*Pipeline)

func WithPublisher(p Publisher) Option {
	return func(pl *Pipeline) {
		pl.publisher = p
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(pl *Pipeline) {
		pl.logger = l
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(pl *Pipeline) {
		pl.metrics = m
	}
}

func New(flags store.IStore, recorder Recorder, opts ...Option) *Pipeline {
	p := &Pipeline{
		flags:    flags,
		recorder: recorder,
		logger:   logrus.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FlagPatch lists the fields UpdateFlag changes; nil fields are kept.
type FlagPatch struct {
	Name              *string                `json:"name,omitempty"`
	Description       *string                `json:"description,omitempty"`
	Owner             *string                `json:"owner,omitempty"`
	Kind              *model.Kind            `json:"type,omitempty"`
	Enabled           *bool                  `json:"isEnabled,omitempty"`
	RolloutPercentage *int                   `json:"rolloutPercentage,omitempty"`
	Variants          *[]model.Variant       `json:"variants,omitempty"`
	Rules             *[]model.TargetingRule `json:"rules,omitempty"`
}

func (p FlagPatch) apply(f *model.FlagDefinition) {
	if p.Name != nil {
		f.Name = *p.Name
	}
	if p.Description != nil {
		f.Description = *p.Description
	}
	if p.Owner != nil {
		f.Owner = *p.Owner
	}
	if p.Kind != nil {
		f.Kind = *p.Kind
	}
	if p.Enabled != nil {
		f.Enabled = *p.Enabled
	}
	if p.RolloutPercentage != nil {
		f.RolloutPercentage = *p.RolloutPercentage
	}
	if p.Variants != nil {
		f.Variants = fillVariantIDs(slices.Clone(*p.Variants))
	}
	if p.Rules != nil {
		f.Rules = fillRuleIDs(slices.Clone(*p.Rules))
	}
}

// CreateFlag stores a new flag at version 1. An empty key is derived from
// the name.
func (p *Pipeline) CreateFlag(ctx context.Context, actor string, def model.FlagDefinition) (Result, error) {
	def = def.Clone()
	if def.Key == "" {
		def.Key = advisor.SlugifyKey(def.Name)
	}
	def.Variants = fillVariantIDs(def.Variants)
	def.Rules = fillRuleIDs(def.Rules)

	var res Result
	created, err := p.flags.Create(ctx, def, p.audit(ctx, actor, model.ActionCreateFlag, &res))
	return p.finish(ctx, actor, model.ActionCreateFlag, def.Environment, def.Key, &res, created, err)
}

func (p *Pipeline) UpdateFlag(
	ctx context.Context,
	actor string,
	env model.Environment,
	key string,
	expectedVersion int64,
	patch FlagPatch,
) (Result, error) {
	return p.apply(ctx, actor, model.ActionUpdateFlag, env, key, expectedVersion, func(f *model.FlagDefinition) error {
		patch.apply(f)
		return nil
	})
}

// ToggleFlag flips the killswitch.
func (p *Pipeline) ToggleFlag(ctx context.Context, actor string, env model.Environment, key string, expectedVersion int64) (Result, error) {
	return p.apply(ctx, actor, model.ActionToggleFlag, env, key, expectedVersion, func(f *model.FlagDefinition) error {
		f.Enabled = !f.Enabled
		return nil
	})
}

func (p *Pipeline) SetRollout(ctx context.Context, actor string, env model.Environment, key string, expectedVersion int64, percentage int) (Result, error) {
	return p.apply(ctx, actor, model.ActionSetRollout, env, key, expectedVersion, func(f *model.FlagDefinition) error {
		f.RolloutPercentage = percentage
		return nil
	})
}

func (p *Pipeline) AddVariant(ctx context.Context, actor string, env model.Environment, key string, expectedVersion int64, v model.Variant) (Result, error) {
	if v.ID == "" {
		v.ID = xid.New().String()
	}
	return p.apply(ctx, actor, model.ActionAddVariant, env, key, expectedVersion, func(f *model.FlagDefinition) error {
		if f.VariantIndex(v.ID) >= 0 {
			return fmt.Errorf("variant %q of flag %q: %w", v.ID, f.Key, model.ErrAlreadyExists)
		}
		f.Variants = append(f.Variants, v)
		return nil
	})
}

// ReplaceVariant swaps the variant with the given id in place, keeping its
// position in the allocation order.
func (p *Pipeline) ReplaceVariant(
	ctx context.Context,
	actor string,
	env model.Environment,
	key string,
	expectedVersion int64,
	id string,
	v model.Variant,
) (Result, error) {
	v.ID = id
	return p.apply(ctx, actor, model.ActionReplaceVariant, env, key, expectedVersion, func(f *model.FlagDefinition) error {
		i := f.VariantIndex(id)
		if i < 0 {
			return model.NotFoundf("variant %q of flag %q", id, f.Key)
		}
		f.Variants[i] = v
		return nil
	})
}

func (p *Pipeline) DeleteVariant(ctx context.Context, actor string, env model.Environment, key string, expectedVersion int64, id string) (Result, error) {
	return p.apply(ctx, actor, model.ActionDeleteVariant, env, key, expectedVersion, func(f *model.FlagDefinition) error {
		i := f.VariantIndex(id)
		if i < 0 {
			return model.NotFoundf("variant %q of flag %q", id, f.Key)
		}
		f.Variants = append(f.Variants[:i], f.Variants[i+1:]...)
		return nil
	})
}

func (p *Pipeline) AddRule(ctx context.Context, actor string, env model.Environment, key string, expectedVersion int64, r model.TargetingRule) (Result, error) {
	if r.ID == "" {
		r.ID = xid.New().String()
	}
	return p.apply(ctx, actor, model.ActionAddRule, env, key, expectedVersion, func(f *model.FlagDefinition) error {
		if f.RuleIndex(r.ID) >= 0 {
			return fmt.Errorf("rule %q of flag %q: %w", r.ID, f.Key, model.ErrAlreadyExists)
		}
		f.Rules = append(f.Rules, r)
		return nil
	})
}

func (p *Pipeline) DeleteRule(ctx context.Context, actor string, env model.Environment, key string, expectedVersion int64, id string) (Result, error) {
	return p.apply(ctx, actor, model.ActionDeleteRule, env, key, expectedVersion, func(f *model.FlagDefinition) error {
		i := f.RuleIndex(id)
		if i < 0 {
			return model.NotFoundf("rule %q of flag %q", id, f.Key)
		}
		f.Rules = append(f.Rules[:i], f.Rules[i+1:]...)
		return nil
	})
}

// DeleteFlag removes the flag from one environment. Result carries the
// definition as it was last stored.
func (p *Pipeline) DeleteFlag(ctx context.Context, actor string, env model.Environment, key string) (Result, error) {
	var res Result
	deleted, err := p.flags.Delete(ctx, env, key, p.audit(ctx, actor, model.ActionDeleteFlag, &res))
	return p.finish(ctx, actor, model.ActionDeleteFlag, env, key, &res, deleted, err)
}

// ListFlags returns the flags of env whose name or key contains query,
// ignoring case. An empty query lists everything.
func (p *Pipeline) ListFlags(ctx context.Context, env model.Environment, query string) ([]model.FlagDefinition, error) {
	flags, err := p.flags.List(ctx, env)
	if err != nil || query == "" {
		return flags, err
	}
	q := strings.ToLower(query)
	out := []model.FlagDefinition{}
	for _, f := range flags {
		if strings.Contains(strings.ToLower(f.Name), q) || strings.Contains(strings.ToLower(f.Key), q) {
			out = append(out, f)
		}
	}
	return out, nil
}

// apply runs mutate against the flag. With expectedVersion zero the change
// targets whatever version is current and is retried on conflicting writes.
func (p *Pipeline) apply(
	ctx context.Context,
	actor string,
	action model.Action,
	env model.Environment,
	key string,
	expectedVersion int64,
	mutate store.Mutator,
) (Result, error) {
	attempts := 1
	if expectedVersion == 0 {
		attempts = maxAttempts
	}

	var (
		res  Result
		prev model.FlagDefinition
		next model.FlagDefinition
		err  error
	)
	for i := 0; i < attempts; i++ {
		version := expectedVersion
		if version == 0 {
			cur, getErr := p.flags.Get(ctx, env, key)
			if getErr != nil {
				err = getErr
				break
			}
			version = cur.Version
		}

		next, err = p.flags.ApplyUpdate(ctx, env, key, version, func(f *model.FlagDefinition) error {
			prev = f.Clone()
			return mutate(f)
		}, p.audit(ctx, actor, action, &res))
		if !errors.Is(err, model.ErrVersionConflict) {
			break
		}
	}

	if err == nil && allocationMoved(prev, next) {
		res.Warnings = append(res.Warnings, AllocationChangedWarning)
	}
	return p.finish(ctx, actor, action, env, key, &res, next, err)
}

// allocationMoved reports a change of the variant table on a flag that is
// serving traffic.
func allocationMoved(prev, next model.FlagDefinition) bool {
	if !prev.Enabled || prev.Kind != model.Multivariate || next.Kind != model.Multivariate {
		return false
	}
	return !model.SameAllocation(prev.Variants, next.Variants)
}

// audit returns the commit hook appending the event of action. It runs while
// the flag is still locked, so events of one flag keep commit order.
func (p *Pipeline) audit(ctx context.Context, actor string, action model.Action, res *Result) store.WriteOption {
	return store.AfterCommit(func(def model.FlagDefinition) {
		res.AuditErr = p.recorder.Record(ctx, model.AuditEvent{
			ID:          xid.New().String(),
			Action:      action,
			FlagKey:     def.Key,
			Actor:       actor,
			Environment: def.Environment,
			Version:     def.Version,
			Timestamp:   p.now(),
		})
	})
}

func (p *Pipeline) finish(
	ctx context.Context,
	actor string,
	action model.Action,
	env model.Environment,
	key string,
	res *Result,
	flag model.FlagDefinition,
	err error,
) (Result, error) {
	p.metrics.ObserveMutation(string(action), model.ErrorCode(err))
	logger := p.logger.WithFields(logrus.Fields{
		"action":      action,
		"flag":        key,
		"environment": env,
		"actor":       actor,
	})
	if err != nil {
		logger.WithError(err).Debug("change rejected")
		return Result{}, err
	}

	res.Flag = flag
	res.Version = flag.Version
	logger.Info(fmt.Sprintf("change committed at version %d", flag.Version))
	if res.AuditErr != nil {
		logger.WithError(res.AuditErr).Warn("audit event deferred")
	}

	if p.publisher != nil {
		if err := p.publisher.Publish(context.WithoutCancel(ctx), env); err != nil {
			logger.WithError(err).Warn("unable to publish flag configuration")
		}
	}
	return *res, nil
}

func fillVariantIDs(variants []model.Variant) []model.Variant {
	for i := range variants {
		if variants[i].ID == "" {
			variants[i].ID = xid.New().String()
		}
	}
	return variants
}

func fillRuleIDs(rules []model.TargetingRule) []model.TargetingRule {
	for i := range rules {
		if rules[i].ID == "" {
			rules[i].ID = xid.New().String()
		}
	}
	return rules
}
