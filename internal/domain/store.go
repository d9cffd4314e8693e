package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ResultStore persists cleared days.
type ResultStore interface {
	SaveDay(ctx context.Context, result *DayResult) error
	GetDay(ctx context.Context, date time.Time) (*DayResult, error)
	GetHour(ctx context.Context, date time.Time, hour int) (HourOutcome, error)
	ListDays(ctx context.Context, opts ListOpts) ([]DaySummary, error)
	Exists(ctx context.Context, date time.Time) (bool, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditQuery filters audit entries. Event matches a prefix, so "day."
// selects every day event. Date matches the delivery date recorded in the
// entry detail.
type AuditQuery struct {
	ListOpts
	Event string
	Date  *time.Time
}

// AuditStore persists an append-only audit log of clearing runs.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
}
