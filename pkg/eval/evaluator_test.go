package eval

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-feature/flagops/pkg/model"
	"github.com/open-feature/flagops/pkg/telemetry"
)

const BetaFlag = "beta-x"
const ExperimentFlag = "exp-y"
const EmailProp = "email"
const EmailDomain = "@company.com"

type fakeReader struct {
	flags map[string]model.FlagDefinition
	err   error
	panic bool
}

func (f *fakeReader) Get(_ context.Context, env model.Environment, key string) (model.FlagDefinition, error) {
	if f.panic {
		panic("corrupted snapshot")
	}
	if f.err != nil {
		return model.FlagDefinition{}, f.err
	}
	flag, ok := f.flags[string(env)+"/"+key]
	if !ok {
		return model.FlagDefinition{}, model.NotFoundf("flag %q", key)
	}
	return flag.Clone(), nil
}

func newReader(flags ...model.FlagDefinition) *fakeReader {
	r := &fakeReader{flags: map[string]model.FlagDefinition{}}
	for _, f := range flags {
		r.flags[string(f.Environment)+"/"+f.Key] = f
	}
	return r
}

func betaFlag(rollout int) model.FlagDefinition {
	return model.FlagDefinition{
		Key:               BetaFlag,
		Name:              "Beta X",
		Kind:              model.Boolean,
		Enabled:           true,
		RolloutPercentage: rollout,
		Environment:       model.Production,
	}
}

func experimentFlag(rollout int, weights ...int) model.FlagDefinition {
	variants := []model.Variant{
		{ID: "v1", Name: "A", Key: "A", Weight: weights[0]},
		{ID: "v2", Name: "B", Key: "B", Weight: weights[1]},
	}
	return model.FlagDefinition{
		Key:               ExperimentFlag,
		Name:              "Experiment Y",
		Kind:              model.Multivariate,
		Enabled:           true,
		RolloutPercentage: rollout,
		Environment:       model.Production,
		Variants:          variants,
	}
}

func internalRule() model.TargetingRule {
	return model.TargetingRule{ID: "r1", Attribute: EmailProp, Operator: model.Contains, Values: []string{EmailDomain}}
}

// contextInBucket finds a context id landing in the wanted bucket for the flag.
func contextInBucket(t *testing.T, flagKey string, bucket int, skip string) string {
	t.Helper()
	for i := 0; i < 100000; i++ {
		id := fmt.Sprintf("ctx-%d", i)
		if id != skip && Bucket(flagKey, id) == bucket {
			return id
		}
	}
	t.Fatalf("no context found for bucket %d", bucket)
	return ""
}

func newTestEvaluator(r FlagReader) *Evaluator {
	logger, _ := test.NewNullLogger()
	return NewEvaluator(r, WithLogger(logger), WithMetrics(telemetry.NewMetrics(prometheus.NewRegistry())))
}

func TestEvaluate_FlagMissing_NotFoundDecision(t *testing.T) {
	e := newTestEvaluator(newReader())

	d, err := e.Evaluate(context.Background(), model.Production, "nope", model.EvaluationContext{ID: "u"})
	if assert.NoError(t, err) {
		assert.False(t, d.IsEnabled)
		assert.Nil(t, d.VariantKey)
		assert.Equal(t, model.FlagNotFoundReason, d.Reason)
	}
}

func TestEvaluate_OtherEnvironment_NotFoundDecision(t *testing.T) {
	e := newTestEvaluator(newReader(betaFlag(100)))

	d, err := e.Evaluate(context.Background(), model.Staging, BetaFlag, model.EvaluationContext{ID: "u"})
	require.NoError(t, err)
	assert.Equal(t, model.FlagNotFoundReason, d.Reason)
}

func TestEvaluate_StoreUnavailable_Error(t *testing.T) {
	e := newTestEvaluator(&fakeReader{err: fmt.Errorf("dial: %w", model.ErrStoreUnavailable)})

	_, err := e.Evaluate(context.Background(), model.Production, BetaFlag, model.EvaluationContext{ID: "u"})
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
}

func TestEvaluate_Cancelled_Error(t *testing.T) {
	e := newTestEvaluator(newReader(betaFlag(100)))
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := e.Evaluate(ctx, model.Production, BetaFlag, model.EvaluationContext{ID: "u"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEvaluate_ReaderPanics_EvaluationFailed(t *testing.T) {
	e := newTestEvaluator(&fakeReader{panic: true})

	d, err := e.Evaluate(context.Background(), model.Production, BetaFlag, model.EvaluationContext{ID: "u"})
	assert.ErrorIs(t, err, model.ErrEvaluationFailed)
	assert.False(t, d.IsEnabled)
}

func TestEvaluate_Killswitch_BeatsRulesAndRollout(t *testing.T) {
	flag := betaFlag(100)
	flag.Enabled = false
	flag.Rules = []model.TargetingRule{internalRule()}
	e := newTestEvaluator(newReader(flag))

	d, err := e.Evaluate(context.Background(), model.Production, BetaFlag, model.EvaluationContext{
		ID:         "u",
		Attributes: map[string]any{EmailProp: "sarah" + EmailDomain},
	})
	if assert.NoError(t, err) {
		assert.False(t, d.IsEnabled)
		assert.Nil(t, d.MatchedRuleID)
		assert.Equal(t, model.DisabledReason, d.Reason)
	}
}

func TestEvaluate_RuleMatch_BypassesZeroRollout(t *testing.T) {
	flag := experimentFlag(0, 50, 50)
	flag.Rules = []model.TargetingRule{internalRule()}
	e := newTestEvaluator(newReader(flag))

	d, err := e.Evaluate(context.Background(), model.Production, ExperimentFlag, model.EvaluationContext{
		ID:         "u",
		Attributes: map[string]any{EmailProp: "sarah" + EmailDomain},
	})
	if assert.NoError(t, err) {
		assert.True(t, d.IsEnabled)
		require.NotNil(t, d.MatchedRuleID)
		assert.Equal(t, "r1", *d.MatchedRuleID)
		require.NotNil(t, d.VariantKey)
		assert.Contains(t, []string{"A", "B"}, *d.VariantKey)
		assert.Equal(t, model.TargetingMatchReason, d.Reason)
	}
}

func TestEvaluate_RuleMiss_FallsBackToRollout(t *testing.T) {
	flag := betaFlag(0)
	flag.Rules = []model.TargetingRule{internalRule()}
	e := newTestEvaluator(newReader(flag))

	d, err := e.Evaluate(context.Background(), model.Production, BetaFlag, model.EvaluationContext{
		ID:         "u",
		Attributes: map[string]any{EmailProp: "bob@example.com"},
	})
	if assert.NoError(t, err) {
		assert.False(t, d.IsEnabled)
		assert.Nil(t, d.MatchedRuleID)
		assert.Equal(t, model.NotInRolloutReason, d.Reason)
	}
}

func TestEvaluate_BooleanRollout_RoughlyThirtyPercent(t *testing.T) {
	e := newTestEvaluator(newReader(betaFlag(30)))

	enabled := 0
	for i := 0; i < 10000; i++ {
		d, err := e.Evaluate(context.Background(), model.Production, BetaFlag, model.EvaluationContext{ID: fmt.Sprintf("user-%d", i)})
		require.NoError(t, err)
		assert.Nil(t, d.VariantKey)
		if d.IsEnabled {
			enabled++
		}
	}
	assert.GreaterOrEqual(t, enabled, 2700)
	assert.LessOrEqual(t, enabled, 3300)
}

func TestEvaluate_Multivariate_SameContextSameVariant(t *testing.T) {
	e := newTestEvaluator(newReader(experimentFlag(100, 50, 50)))
	evalCtx := model.EvaluationContext{ID: "user-42"}

	first, err := e.Evaluate(context.Background(), model.Production, ExperimentFlag, evalCtx)
	require.NoError(t, err)
	second, err := e.Evaluate(context.Background(), model.Production, ExperimentFlag, evalCtx)
	require.NoError(t, err)

	require.NotNil(t, first.VariantKey)
	require.NotNil(t, second.VariantKey)
	assert.Equal(t, *first.VariantKey, *second.VariantKey)
	assert.Equal(t, model.SplitReason, first.Reason)
}

func TestEvaluate_RaisingRollout_KeepsVariantAtBucket(t *testing.T) {
	target := contextInBucket(t, ExperimentFlag, 50, "")
	peer := contextInBucket(t, ExperimentFlag, 50, target)
	reader := newReader(experimentFlag(40, 50, 50))
	e := newTestEvaluator(reader)

	before, err := e.Evaluate(context.Background(), model.Production, ExperimentFlag, model.EvaluationContext{ID: target})
	require.NoError(t, err)
	assert.False(t, before.IsEnabled)
	assert.Equal(t, model.NotInRolloutReason, before.Reason)

	reader.flags[string(model.Production)+"/"+ExperimentFlag] = experimentFlag(60, 50, 50)

	after, err := e.Evaluate(context.Background(), model.Production, ExperimentFlag, model.EvaluationContext{ID: target})
	require.NoError(t, err)
	peerDecision, err := e.Evaluate(context.Background(), model.Production, ExperimentFlag, model.EvaluationContext{ID: peer})
	require.NoError(t, err)

	assert.True(t, after.IsEnabled)
	require.NotNil(t, after.VariantKey)
	assert.Equal(t, "B", *after.VariantKey)
	assert.Equal(t, *peerDecision.VariantKey, *after.VariantKey)
}

func TestEvaluate_RaisingRollout_DoesNotMoveIncludedContexts(t *testing.T) {
	reader := newReader(experimentFlag(40, 50, 50))
	e := newTestEvaluator(reader)

	assigned := map[string]string{}
	for i := 0; i < 2000; i++ {
		id := fmt.Sprintf("user-%d", i)
		d, err := e.Evaluate(context.Background(), model.Production, ExperimentFlag, model.EvaluationContext{ID: id})
		require.NoError(t, err)
		if d.IsEnabled {
			assigned[id] = *d.VariantKey
		}
	}
	require.NotEmpty(t, assigned)

	reader.flags[string(model.Production)+"/"+ExperimentFlag] = experimentFlag(100, 50, 50)

	for id, variant := range assigned {
		d, err := e.Evaluate(context.Background(), model.Production, ExperimentFlag, model.EvaluationContext{ID: id})
		require.NoError(t, err)
		assert.Equal(t, variant, *d.VariantKey, id)
	}
}

// Reweighting variants shifts range boundaries, so a sticky context may be
// reassigned. This is expected behaviour of weight edits.
func TestEvaluate_ReweightingVariants_CanReassignContext(t *testing.T) {
	id := contextInBucket(t, ExperimentFlag, 40, "")
	reader := newReader(experimentFlag(100, 50, 50))
	e := newTestEvaluator(reader)

	before, err := e.Evaluate(context.Background(), model.Production, ExperimentFlag, model.EvaluationContext{ID: id})
	require.NoError(t, err)
	assert.Equal(t, "A", *before.VariantKey)

	reader.flags[string(model.Production)+"/"+ExperimentFlag] = experimentFlag(100, 30, 70)

	after, err := e.Evaluate(context.Background(), model.Production, ExperimentFlag, model.EvaluationContext{ID: id})
	require.NoError(t, err)
	assert.Equal(t, "B", *after.VariantKey)
}

func TestResolve_UncoveredBucket_EvaluationFailed(t *testing.T) {
	flag := experimentFlag(100, 0, 0)

	_, err := Resolve(flag, model.EvaluationContext{ID: "u"})
	assert.ErrorIs(t, err, model.ErrEvaluationFailed)
}

func TestResolve_BooleanRuleMatch_EnabledWithoutVariant(t *testing.T) {
	flag := betaFlag(0)
	flag.Rules = []model.TargetingRule{internalRule()}

	d, err := Resolve(flag, model.EvaluationContext{Attributes: map[string]any{EmailProp: "x" + EmailDomain}})
	if assert.NoError(t, err) {
		assert.True(t, d.IsEnabled)
		assert.Nil(t, d.VariantKey)
		assert.Equal(t, model.TargetingMatchReason, d.Reason)
	}
}
