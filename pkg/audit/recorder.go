package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron"
	"github.com/sirupsen/logrus"

	"github.com/open-feature/flagops/pkg/model"
	"github.com/open-feature/flagops/pkg/telemetry"
)

// ErrDeferred marks an event that was not persisted yet but is queued for
// retry.
var ErrDeferred = errors.New("audit event deferred")

// Recorder appends events to a Log and keeps a FIFO backlog per flag for
// events whose append failed. Once a flag has a pending event, later events
// of that flag queue behind it, so the log never sees them out of order.
//
// Record must not be called concurrently for the same flag; the registry's
// commit hook guarantees this.
type Recorder struct {
	log     Log
	logger  logrus.FieldLogger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	backlog map[string][]model.AuditEvent
	pending int

	flushMu sync.Mutex
}

func NewRecorder(log Log, logger logrus.FieldLogger, metrics *telemetry.Metrics) *Recorder {
	return &Recorder{
		log:     log,
		logger:  logger,
		metrics: metrics,
		backlog: map[string][]model.AuditEvent{},
	}
}

func backlogKey(env model.Environment, flagKey string) string {
	return string(env) + "/" + flagKey
}

// Record appends the event. The returned error wraps ErrDeferred when the
// event was queued instead.
func (r *Recorder) Record(ctx context.Context, event model.AuditEvent) error {
	key := backlogKey(event.Environment, event.FlagKey)

	r.mu.Lock()
	if queued := len(r.backlog[key]); queued > 0 {
		r.enqueue(key, event)
		r.mu.Unlock()
		return fmt.Errorf("%w: %d earlier events of %s pending", ErrDeferred, queued, key)
	}
	r.mu.Unlock()

	// the change is committed, so the append outlives the request
	if _, err := r.log.Append(context.WithoutCancel(ctx), event); err != nil {
		r.metrics.ObserveAuditFailure()
		r.logger.WithError(err).WithField("flag", key).Warn("audit append failed, queued for retry")
		r.mu.Lock()
		r.enqueue(key, event)
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrDeferred, err)
	}
	return nil
}

func (r *Recorder) enqueue(key string, event model.AuditEvent) {
	r.backlog[key] = append(r.backlog[key], event)
	r.pending++
	r.metrics.SetAuditBacklog(r.pending)
}

// Pending returns the number of queued events.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// Flush retries queued events in order. A flag stops at its first failure
// and keeps the rest of its queue; other flags still proceed.
func (r *Recorder) Flush(ctx context.Context) (int, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	keys := make([]string, 0, len(r.backlog))
	for k := range r.backlog {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	flushed := 0
	var errs []error
	for _, key := range keys {
		for {
			r.mu.Lock()
			queue := r.backlog[key]
			if len(queue) == 0 {
				delete(r.backlog, key)
				r.mu.Unlock()
				break
			}
			head := queue[0]
			r.mu.Unlock()

			if _, err := r.log.Append(ctx, head); err != nil {
				errs = append(errs, fmt.Errorf("flush %s: %w", key, err))
				break
			}

			r.mu.Lock()
			r.backlog[key] = r.backlog[key][1:]
			r.pending--
			r.metrics.SetAuditBacklog(r.pending)
			r.mu.Unlock()
			flushed++
		}
	}

	if flushed > 0 {
		r.logger.Info(fmt.Sprintf("flushed %d queued audit events", flushed))
	}
	return flushed, errors.Join(errs...)
}

// Schedule registers a periodic Flush on c, e.g. with schedule "@every 30s".
func (r *Recorder) Schedule(c *cron.Cron, schedule string) error {
	return c.AddFunc(schedule, func() {
		if _, err := r.Flush(context.Background()); err != nil {
			r.logger.WithError(err).Warn("audit flush incomplete")
		}
	})
}
