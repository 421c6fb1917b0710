package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-feature/flagops/pkg/model"
	"github.com/open-feature/flagops/pkg/telemetry"
)

// flakyLog fails appends while down is set.
type flakyLog struct {
	*MemoryLog
	mu   sync.Mutex
	down bool
}

func (f *flakyLog) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakyLog) Append(ctx context.Context, e model.AuditEvent) (model.AuditEvent, error) {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return model.AuditEvent{}, model.ErrStoreUnavailable
	}
	return f.MemoryLog.Append(ctx, e)
}

func newRecorder(t *testing.T) (*Recorder, *flakyLog) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	l := &flakyLog{MemoryLog: NewMemoryLog()}
	return NewRecorder(l, logger, nil), l
}

func stored(t *testing.T, l Log, flagKey string) []int64 {
	t.Helper()
	page, err := l.Query(context.Background(), model.AuditFilter{FlagKey: flagKey}, PageRequest{})
	require.NoError(t, err)
	out := versions(page.Events)
	// oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func TestRecorder_AppendsDirectly(t *testing.T) {
	r, l := newRecorder(t)
	require.NoError(t, r.Record(context.Background(), event("exp-y", model.Production, 1, 0)))
	assert.Equal(t, []int64{1}, stored(t, l, "exp-y"))
	assert.Zero(t, r.Pending())
}

func TestRecorder_FailureQueuesAndKeepsOrder(t *testing.T) {
	r, l := newRecorder(t)
	ctx := context.Background()

	l.setDown(true)
	err := r.Record(ctx, event("exp-y", model.Production, 1, 0))
	assert.ErrorIs(t, err, ErrDeferred)

	// the log is back, but version 2 must wait behind version 1
	l.setDown(false)
	err = r.Record(ctx, event("exp-y", model.Production, 2, 1))
	assert.ErrorIs(t, err, ErrDeferred)
	assert.Empty(t, stored(t, l, "exp-y"))

	// other flags are unaffected
	require.NoError(t, r.Record(ctx, event("banner", model.Production, 1, 2)))
	assert.Equal(t, 2, r.Pending())

	n, err := r.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, r.Pending())
	assert.Equal(t, []int64{1, 2}, stored(t, l, "exp-y"))

	require.NoError(t, r.Record(ctx, event("exp-y", model.Production, 3, 3)))
	assert.Equal(t, []int64{1, 2, 3}, stored(t, l, "exp-y"))
}

func TestRecorder_FlushWhileDown(t *testing.T) {
	r, l := newRecorder(t)
	ctx := context.Background()

	l.setDown(true)
	_ = r.Record(ctx, event("exp-y", model.Production, 1, 0))
	_ = r.Record(ctx, event("exp-y", model.Production, 2, 1))

	n, err := r.Flush(ctx)
	assert.Zero(t, n)
	assert.True(t, errors.Is(err, model.ErrStoreUnavailable))
	assert.Equal(t, 2, r.Pending())
}

func TestRecorder_CancelledRequestStillAppends(t *testing.T) {
	r, l := newRecorder(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, r.Record(ctx, event("exp-y", model.Production, 1, 0)))
	assert.Equal(t, []int64{1}, stored(t, l, "exp-y"))
}

func TestRecorder_Metrics(t *testing.T) {
	logger, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	l := &flakyLog{MemoryLog: NewMemoryLog(), down: true}
	r := NewRecorder(l, logger, metrics)

	_ = r.Record(context.Background(), event("exp-y", model.Production, 1, 0))
	_ = r.Record(context.Background(), event("exp-y", model.Production, 2, 1))

	expected := `
# HELP flagops_audit_append_failures_total Audit appends that failed and were queued for retry.
# TYPE flagops_audit_append_failures_total counter
flagops_audit_append_failures_total 1
# HELP flagops_audit_backlog Audit events waiting for retry.
# TYPE flagops_audit_backlog gauge
flagops_audit_backlog 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"flagops_audit_append_failures_total", "flagops_audit_backlog"))
}

func TestRecorder_Schedule(t *testing.T) {
	r, _ := newRecorder(t)
	c := cron.New()
	require.NoError(t, r.Schedule(c, "@every 1m"))
	assert.Len(t, c.Entries(), 1)
	assert.Error(t, r.Schedule(c, "not a schedule"))
}
