package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multivariate(variants ...Variant) FlagDefinition {
	return FlagDefinition{
		Key:               "exp-y",
		Name:              "Experiment Y",
		Kind:              Multivariate,
		Enabled:           true,
		RolloutPercentage: 100,
		Environment:       Production,
		Variants:          variants,
	}
}

func validationError(t *testing.T, err error) *ValidationError {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	return verr
}

func TestValidate_ValidMultivariate_NoError(t *testing.T) {
	f := multivariate(
		Variant{ID: "v1", Name: "A", Key: "a", Weight: 50},
		Variant{ID: "v2", Name: "B", Key: "b", Weight: 50},
	)
	assert.NoError(t, f.Validate())
}

func TestValidate_WeightSum90_Rejected(t *testing.T) {
	f := multivariate(
		Variant{Name: "A", Key: "a", Weight: 50},
		Variant{Name: "B", Key: "b", Weight: 40},
	)
	verr := validationError(t, f.Validate())
	assert.True(t, verr.Has(ViolationWeightSum))
	assert.False(t, verr.Has(ViolationDuplicateKey))
}

func TestValidate_DuplicateKeys_Rejected(t *testing.T) {
	f := multivariate(
		Variant{Name: "A", Key: "a", Weight: 50},
		Variant{Name: "A again", Key: "a", Weight: 50},
	)
	verr := validationError(t, f.Validate())
	assert.True(t, verr.Has(ViolationDuplicateKey))
	assert.False(t, verr.Has(ViolationWeightSum))
}

func TestValidate_BadSumAndDuplicateKeys_ReportsBoth(t *testing.T) {
	f := multivariate(
		Variant{Name: "A", Key: "a", Weight: 50},
		Variant{Name: "A again", Key: "a", Weight: 40},
	)
	verr := validationError(t, f.Validate())
	assert.True(t, verr.Has(ViolationWeightSum))
	assert.True(t, verr.Has(ViolationDuplicateKey))
	assert.Len(t, verr.Violations, 2)
}

func TestValidate_SingleVariant_Rejected(t *testing.T) {
	f := multivariate(Variant{Name: "A", Key: "a", Weight: 100})
	verr := validationError(t, f.Validate())
	assert.True(t, verr.Has(ViolationVariantCount))
}

func TestValidate_EmptyVariantFields_Rejected(t *testing.T) {
	f := multivariate(
		Variant{Name: "", Key: "a", Weight: 50},
		Variant{Name: "B", Key: "", Weight: 50},
	)
	verr := validationError(t, f.Validate())
	assert.Len(t, verr.Violations, 2)
	assert.Equal(t, "variants[0].name", verr.Violations[0].Field)
	assert.Equal(t, "variants[1].key", verr.Violations[1].Field)
}

func TestValidate_BooleanWithVariants_Rejected(t *testing.T) {
	f := FlagDefinition{
		Key: "beta-x", Name: "Beta X", Kind: Boolean, Environment: Staging,
		Variants: []Variant{{Name: "A", Key: "a", Weight: 100}},
	}
	verr := validationError(t, f.Validate())
	assert.True(t, verr.Has(ViolationUnexpectedList))
}

func TestValidate_RolloutAndRules_CollectsEverything(t *testing.T) {
	f := FlagDefinition{
		Key: "beta-x", Name: "Beta X", Kind: Boolean, Environment: Staging,
		RolloutPercentage: 101,
		Rules: []TargetingRule{
			{ID: "r1", Attribute: "email", Operator: Contains},
			{ID: "r2", Attribute: "", Operator: "REGEX", Values: []string{"x"}},
		},
	}
	verr := validationError(t, f.Validate())
	fields := make([]string, 0, len(verr.Violations))
	for _, v := range verr.Violations {
		fields = append(fields, v.Field)
	}
	assert.ElementsMatch(t, []string{
		"rolloutPercentage", "rules[0].values", "rules[1].attribute", "rules[1].operator",
	}, fields)
}

func TestValidate_MissingIdentity_Rejected(t *testing.T) {
	verr := validationError(t, FlagDefinition{Kind: Boolean}.Validate())
	assert.Len(t, verr.Violations, 3)
	assert.Contains(t, verr.Error(), InvalidConfigurationErrorCode)
}

func TestParseEnvironment(t *testing.T) {
	env, err := ParseEnvironment("production")
	require.NoError(t, err)
	assert.Equal(t, Production, env)

	_, err = ParseEnvironment("qa")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClone_DoesNotShareSlices(t *testing.T) {
	f := multivariate(
		Variant{ID: "v1", Name: "A", Key: "a", Weight: 50},
		Variant{ID: "v2", Name: "B", Key: "b", Weight: 50},
	)
	f.Rules = []TargetingRule{{ID: "r1", Attribute: "plan", Operator: OneOf, Values: []string{"pro"}}}

	c := f.Clone()
	c.Variants[0].Weight = 10
	c.Rules[0].Values[0] = "free"

	assert.Equal(t, 50, f.Variants[0].Weight)
	assert.Equal(t, "pro", f.Rules[0].Values[0])
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, VersionConflictErrorCode, ErrorCode(ErrVersionConflict))
	assert.Equal(t, NotFoundErrorCode, ErrorCode(NotFoundf("flag %q", "x")))
	assert.Equal(t, InvalidConfigurationErrorCode, ErrorCode(&ValidationError{}))
	assert.Equal(t, GeneralErrorCode, ErrorCode(errors.New("boom")))
}
