package eval

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/open-feature/flagops/pkg/model"
	"github.com/open-feature/flagops/pkg/telemetry"
)

type IEvaluator interface {
	Evaluate(ctx context.Context, env model.Environment, flagKey string, evalCtx model.EvaluationContext) (model.Decision, error)
}

// FlagReader is the part of the registry the evaluator depends on.
type FlagReader interface {
	Get(ctx context.Context, env model.Environment, key string) (model.FlagDefinition, error)
}

type Evaluator struct {
	flags   FlagReader
	logger  logrus.FieldLogger
	metrics *telemetry.Metrics
}

type Option func(*Evaluator)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Evaluator) { e.logger = logger }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

func NewEvaluator(flags FlagReader, opts ...Option) *Evaluator {
	e := &Evaluator{
		flags:  flags,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate decides what the context receives for the flag. A missing flag is
// a FLAG_NOT_FOUND decision, not an error; registry failures and
// cancellation are returned so callers can tell "off" from "unknown".
func (e *Evaluator) Evaluate(
	ctx context.Context, env model.Environment, flagKey string, evalCtx model.EvaluationContext,
) (decision model.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(logrus.Fields{
				"flag":        flagKey,
				"environment": env,
			}).Errorf("evaluation panicked: %v", r)
			decision = model.Decision{FlagKey: flagKey, Reason: model.DisabledReason}
			err = fmt.Errorf("%w: %v", model.ErrEvaluationFailed, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return model.Decision{FlagKey: flagKey}, err
	}

	flag, err := e.flags.Get(ctx, env, flagKey)
	if errors.Is(err, model.ErrNotFound) {
		e.metrics.ObserveEvaluation(string(env), model.FlagNotFoundReason)
		return model.Decision{FlagKey: flagKey, Reason: model.FlagNotFoundReason}, nil
	}
	if err != nil {
		e.logger.WithError(err).WithField("flag", flagKey).Warn("unable to read flag")
		return model.Decision{FlagKey: flagKey}, err
	}

	decision, err = Resolve(flag, evalCtx)
	if err != nil {
		return decision, err
	}
	e.metrics.ObserveEvaluation(string(env), decision.Reason)
	return decision, nil
}

// Resolve runs the evaluation algorithm over a definition snapshot:
// killswitch, first matching rule, rollout gate, then variant allocation.
// It has no side effects.
func Resolve(flag model.FlagDefinition, evalCtx model.EvaluationContext) (model.Decision, error) {
	decision := model.Decision{FlagKey: flag.Key}

	if !flag.Enabled {
		decision.Reason = model.DisabledReason
		return decision, nil
	}

	bucket := Bucket(flag.Key, evalCtx.ID)

	if rule, ok := FirstMatch(flag.Rules, evalCtx); ok {
		id := rule.ID
		decision.MatchedRuleID = &id
		decision.Reason = model.TargetingMatchReason
	} else {
		if bucket >= flag.RolloutPercentage {
			decision.Reason = model.NotInRolloutReason
			return decision, nil
		}
		decision.Reason = model.RolloutReason
	}

	if flag.Kind == model.Multivariate {
		variant, ok := Allocate(flag.Variants, bucket)
		if !ok {
			return model.Decision{FlagKey: flag.Key, Reason: model.DisabledReason},
				fmt.Errorf("%w: bucket %d not covered by variants of %q", model.ErrEvaluationFailed, bucket, flag.Key)
		}
		decision.VariantKey = &variant
		if decision.MatchedRuleID == nil {
			decision.Reason = model.SplitReason
		}
	}

	decision.IsEnabled = true
	return decision, nil
}
