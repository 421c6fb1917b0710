package audit

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/open-feature/flagops/pkg/model"
)

type eventRow struct {
	Sequence    int64  `gorm:"primaryKey;autoIncrement"`
	EventID     string `gorm:"uniqueIndex;size:40"`
	Action      string `gorm:"size:40;not null"`
	FlagKey     string `gorm:"index;size:200;not null"`
	Actor       string `gorm:"size:200"`
	Environment string `gorm:"index;size:20;not null"`
	Version     int64
	Timestamp   time.Time `gorm:"index"`
}

func (eventRow) TableName() string {
	return "audit_events"
}

func (r eventRow) event() model.AuditEvent {
	return model.AuditEvent{
		ID:          r.EventID,
		Sequence:    r.Sequence,
		Action:      model.Action(r.Action),
		FlagKey:     r.FlagKey,
		Actor:       r.Actor,
		Environment: model.Environment(r.Environment),
		Version:     r.Version,
		Timestamp:   r.Timestamp,
	}
}

// SQLLog persists events in the audit_events table. The sequence is the
// table's auto-increment key.
type SQLLog struct {
	db *gorm.DB
}

func NewSQLLog(db *gorm.DB) (*SQLLog, error) {
	if err := db.AutoMigrate(&eventRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrate audit_events: %v", model.ErrStoreUnavailable, err)
	}
	return &SQLLog{db: db}, nil
}

func (l *SQLLog) Append(ctx context.Context, event model.AuditEvent) (model.AuditEvent, error) {
	row := eventRow{
		EventID:     event.ID,
		Action:      string(event.Action),
		FlagKey:     event.FlagKey,
		Actor:       event.Actor,
		Environment: string(event.Environment),
		Version:     event.Version,
		Timestamp:   event.Timestamp,
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.AuditEvent{}, unavailable(ctx, err)
	}
	event.Sequence = row.Sequence
	return event, nil
}

func (l *SQLLog) Query(ctx context.Context, filter model.AuditFilter, page PageRequest) (Page, error) {
	q := l.db.WithContext(ctx).Model(&eventRow{})
	if filter.FlagKey != "" {
		q = q.Where("flag_key = ?", filter.FlagKey)
	}
	if filter.Environment != "" {
		q = q.Where("environment = ?", string(filter.Environment))
	}
	if !filter.Since.IsZero() {
		q = q.Where("timestamp >= ?", filter.Since)
	}
	if page.Cursor > 0 {
		q = q.Where("sequence < ?", page.Cursor)
	}

	limit := page.limit()
	var rows []eventRow
	if err := q.Order("sequence DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return Page{}, unavailable(ctx, err)
	}

	out := Page{Events: make([]model.AuditEvent, 0, len(rows))}
	for i, r := range rows {
		if i == limit {
			out.NextCursor = out.Events[limit-1].Sequence
			break
		}
		out.Events = append(out.Events, r.event())
	}
	return out, nil
}

func unavailable(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: audit log: %v", model.ErrStoreUnavailable, err)
}
