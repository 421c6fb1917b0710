package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-feature/flagops/pkg/model"
)

const validFile = `
flags:
  - key: exp-y
    name: Experiment Y
    environment: Production
    type: MULTIVARIATE
    isEnabled: true
    rolloutPercentage: 0
    variants:
      - {name: A, key: A, weight: 50}
      - {name: B, key: B, weight: 50}
    rules:
      - {id: staff, attribute: email, operator: CONTAINS, values: ["@company.com"]}
`

const invalidFile = `
flags:
  - key: exp-y
    name: Experiment Y
    environment: Production
    type: MULTIVARIATE
    variants:
      - {name: A, key: a, weight: 50}
      - {name: B, key: a, weight: 40}
`

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidateFile(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, validateFile(&out, write(t, validFile)))
	assert.Equal(t, "1 flags valid\n", out.String())

	out.Reset()
	err := validateFile(&out, write(t, invalidFile))
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
	assert.Contains(t, out.String(), "[WEIGHT_SUM]")
	assert.Contains(t, out.String(), "[DUPLICATE_KEY]")
}

func TestEvaluateFile(t *testing.T) {
	path := write(t, validFile)
	ctx := context.Background()

	staff, err := evaluateFile(ctx, path, model.Production, "exp-y", model.EvaluationContext{
		ID:         "u1",
		Attributes: map[string]any{"email": "ann@company.com"},
	})
	require.NoError(t, err)
	assert.True(t, staff.IsEnabled)
	require.NotNil(t, staff.MatchedRuleID)
	assert.Equal(t, "staff", *staff.MatchedRuleID)

	other, err := evaluateFile(ctx, path, model.Production, "exp-y", model.EvaluationContext{ID: "u1"})
	require.NoError(t, err)
	assert.False(t, other.IsEnabled)
	assert.Equal(t, model.NotInRolloutReason, other.Reason)

	missing, err := evaluateFile(ctx, path, model.Staging, "exp-y", model.EvaluationContext{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, model.FlagNotFoundReason, missing.Reason)
}
