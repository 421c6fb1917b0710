package advisor

import (
	"context"
	"errors"
	"strings"

	"github.com/open-feature/flagops/pkg/model"
)

// ErrNoBackend is returned by Static for every request.
var ErrNoBackend = errors.New("no analysis backend configured")

type Risk struct {
	Level   string   `json:"level"`
	Summary string   `json:"summary"`
	Notes   []string `json:"notes,omitempty"`
}

// IAdvisor produces advisory text about a flag. Answers are informational
// and never gate a change.
type IAdvisor interface {
	AnalyzeRisk(ctx context.Context, flag model.FlagDefinition) (Risk, error)
	DescribeFlag(ctx context.Context, flag model.FlagDefinition) (string, error)
}

// Static is the advisor used when no analysis backend is configured.
type Static struct{}

func (Static) AnalyzeRisk(context.Context, model.FlagDefinition) (Risk, error) {
	return Risk{}, ErrNoBackend
}

func (Static) DescribeFlag(context.Context, model.FlagDefinition) (string, error) {
	return "", ErrNoBackend
}

// SlugifyKey derives a flag key from a display name: lower case, with every
// run of characters outside [a-z0-9] collapsed into a single '-'.
func SlugifyKey(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
