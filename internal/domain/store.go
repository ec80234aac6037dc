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

// PositionStore persists positions together with their legs. Positions are
// never deleted.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	// Update writes pos if the stored version equals pos.Version and returns
	// the stored copy with the incremented version. A mismatch returns
	// ErrVersionConflict.
	Update(ctx context.Context, pos Position) (Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	ListByStatus(ctx context.Context, statuses ...PositionStatus) ([]Position, error)
	List(ctx context.Context, opts ListOpts) ([]Position, error)
}

// QueueStore persists request queue items.
type QueueStore interface {
	Insert(ctx context.Context, item QueueItem) error
	Get(ctx context.Context, id string) (QueueItem, error)
	// FindActiveByNaturalKey returns the newest non-failed item with the key.
	FindActiveByNaturalKey(ctx context.Context, key string) (QueueItem, error)
	// Claim moves up to limit due pending items to in_progress, ordered by
	// priority then creation time, incrementing their attempt counters.
	Claim(ctx context.Context, now time.Time, limit int) ([]QueueItem, error)
	// ClaimBackfill does the same for due backfill items in effective-time order.
	ClaimBackfill(ctx context.Context, now time.Time, limit int) ([]QueueItem, error)
	// Update persists a state change. Updating a terminal item returns ErrTerminalItem.
	Update(ctx context.Context, item QueueItem) error
	// ResetInProgress returns in_progress items to their claimable status.
	ResetInProgress(ctx context.Context) (int64, error)
	// ListByKeyPrefix returns every item whose natural key starts with
	// prefix, oldest first.
	ListByKeyPrefix(ctx context.Context, prefix string) ([]QueueItem, error)
	// Withdraw fails a pending or backfill item as terminal with reason. It
	// reports false, without changing anything, when the item has already
	// been claimed or finished.
	Withdraw(ctx context.Context, id, reason string, at time.Time) (bool, error)
	Stats(ctx context.Context) (QueueStats, error)
	ListCompleted(ctx context.Context, opts ListOpts) ([]QueueItem, error)
}

// RiskEventFilter narrows risk event listings.
type RiskEventFilter struct {
	Component string
	Subject   string
	ListOpts
}

// RiskEventStore is the append-only risk event log.
type RiskEventStore interface {
	Append(ctx context.Context, ev RiskEvent) (RiskEvent, error)
	List(ctx context.Context, f RiskEventFilter) ([]RiskEvent, error)
	// Latest returns the newest event for component and subject.
	Latest(ctx context.Context, component, subject string) (RiskEvent, error)
}

// DiscrepancyStore persists reconciliation findings.
type DiscrepancyStore interface {
	Record(ctx context.Context, d Discrepancy) error
	Resolve(ctx context.Context, key string, at time.Time) error
	ListOpen(ctx context.Context) ([]Discrepancy, error)
	List(ctx context.Context, opts ListOpts) ([]Discrepancy, error)
}
