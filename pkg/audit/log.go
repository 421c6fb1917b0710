package audit

import (
	"context"
	"sync"

	"github.com/open-feature/flagops/pkg/model"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// PageRequest selects a page of events. Cursor is the NextCursor of the
// previous page; zero starts at the newest event.
type PageRequest struct {
	Cursor int64
	Limit  int
}

func (p PageRequest) limit() int {
	switch {
	case p.Limit <= 0:
		return DefaultPageSize
	case p.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return p.Limit
	}
}

// Page holds events newest first. NextCursor is zero on the last page.
type Page struct {
	Events     []model.AuditEvent `json:"events"`
	NextCursor int64              `json:"nextCursor,omitempty"`
}

// Log is an append-only record of committed changes.
type Log interface {
	// Append stores the event and returns it with its assigned sequence.
	Append(ctx context.Context, event model.AuditEvent) (model.AuditEvent, error)
	Query(ctx context.Context, filter model.AuditFilter, page PageRequest) (Page, error)
}

// MemoryLog keeps events in process memory.
type MemoryLog struct {
	mu     sync.RWMutex
	events []model.AuditEvent
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(ctx context.Context, event model.AuditEvent) (model.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return model.AuditEvent{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	event.Sequence = int64(len(l.events)) + 1
	l.events = append(l.events, event)
	return event, nil
}

func (l *MemoryLog) Query(ctx context.Context, filter model.AuditFilter, page PageRequest) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	// sequence n lives at index n-1
	start := len(l.events) - 1
	if page.Cursor > 0 && int(page.Cursor)-2 < start {
		start = int(page.Cursor) - 2
	}

	limit := page.limit()
	out := Page{Events: []model.AuditEvent{}}
	for i := start; i >= 0; i-- {
		e := l.events[i]
		if !filter.Matches(e) {
			continue
		}
		if len(out.Events) == limit {
			out.NextCursor = out.Events[limit-1].Sequence
			break
		}
		out.Events = append(out.Events, e)
	}
	return out, nil
}
