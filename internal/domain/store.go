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

// PositionStore persists position records. Absence is ErrNotFound.
type PositionStore interface {
	// Create inserts rec and returns the assigned id.
	Create(ctx context.Context, rec *PositionRecord) (int64, error)
	// Update writes the present fields of rec.Patch() to the row with rec.ID.
	Update(ctx context.Context, rec *PositionRecord) error
	GetLast(ctx context.Context, botName, ticker string) (*PositionRecord, error)
	// GetLatestOpen returns the newest OPEN or PARTIAL record of the pair.
	GetLatestOpen(ctx context.Context, botName, ticker string) (*PositionRecord, error)
	GetLastObservedExitDate(ctx context.Context) (time.Time, error)
	// ListClosed returns CLOSED records ordered by exit date, filtered on it
	// by opts.Since and opts.Until.
	ListClosed(ctx context.Context, opts ListOpts) ([]*PositionRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
