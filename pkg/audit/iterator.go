package audit

import (
	"context"

	"github.com/open-feature/flagops/pkg/model"
)

// Iterator walks a Log newest first, fetching one page at a time. Events
// appended after iteration started are not visited; Reset starts over from
// the newest event.
type Iterator struct {
	log      Log
	filter   model.AuditFilter
	pageSize int

	buf     []model.AuditEvent
	pos     int
	cursor  int64
	started bool
	done    bool
	current model.AuditEvent
	err     error
}

func NewIterator(log Log, filter model.AuditFilter, pageSize int) *Iterator {
	return &Iterator{log: log, filter: filter, pageSize: pageSize}
}

// Next advances to the next event. It returns false when the log is
// exhausted or a page could not be fetched; Err tells the two apart.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	for it.pos >= len(it.buf) {
		if it.done {
			return false
		}
		if it.started && it.cursor == 0 {
			it.done = true
			return false
		}
		page, err := it.log.Query(ctx, it.filter, PageRequest{Cursor: it.cursor, Limit: it.pageSize})
		if err != nil {
			it.err = err
			return false
		}
		it.started = true
		it.buf, it.pos, it.cursor = page.Events, 0, page.NextCursor
		if len(page.Events) == 0 {
			it.done = true
		}
	}
	it.current = it.buf[it.pos]
	it.pos++
	return true
}

func (it *Iterator) Event() model.AuditEvent {
	return it.current
}

func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) Reset() {
	*it = Iterator{log: it.log, filter: it.filter, pageSize: it.pageSize}
}
