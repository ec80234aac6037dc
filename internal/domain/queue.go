package domain

import (
	"encoding/json"
	"time"
)

// QueueKind is the broker operation a queue item performs.
type QueueKind string

const (
	QueueKindOpenLeg       QueueKind = "open_leg"
	QueueKindCloseLeg      QueueKind = "close_leg"
	QueueKindCancelOrder   QueueKind = "cancel_order"
	QueueKindOrderStatus   QueueKind = "order_status"
	QueueKindSnapshotFetch QueueKind = "snapshot_fetch"
)

// PlacesOrder reports whether the kind submits a new order to the broker.
func (k QueueKind) PlacesOrder() bool {
	return k == QueueKindOpenLeg || k == QueueKindCloseLeg
}

// Backfillable reports whether exhausted items of this kind are re-attempted
// by the backfill cycle. Only read-only kinds qualify; a stale order placed
// late is worse than no order.
func (k QueueKind) Backfillable() bool {
	return k == QueueKindOrderStatus || k == QueueKindSnapshotFetch
}

// QueuePriority orders claims; lower values drain first.
type QueuePriority int

const (
	PriorityImmediate QueuePriority = iota
	PriorityNormal
	PriorityBackground
)

func (p QueuePriority) String() string {
	switch p {
	case PriorityImmediate:
		return "immediate"
	case PriorityNormal:
		return "normal"
	case PriorityBackground:
		return "background"
	}
	return "unknown"
}

// QueueStatus tracks a queue item through the worker.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusInProgress QueueStatus = "in_progress"
	QueueStatusSuccess    QueueStatus = "success"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusBackfill   QueueStatus = "backfill"
)

// Terminal reports whether the item can no longer change state.
func (s QueueStatus) Terminal() bool {
	return s == QueueStatusSuccess || s == QueueStatusFailed
}

// FailureClass explains why an item failed.
type FailureClass string

const (
	FailureTransient FailureClass = "transient"
	FailureTerminal  FailureClass = "terminal"
	FailureHalted    FailureClass = "halted"
	FailureExhausted FailureClass = "exhausted"
)

// QueueItem is one rate-limited broker request.
type QueueItem struct {
	ID            string
	Kind          QueueKind
	Priority      QueuePriority
	Status        QueueStatus
	NaturalKey    string
	Emergency     bool
	Resubmit      bool // an earlier item with the same natural key may have reached the broker
	Payload       json.RawMessage
	Result        json.RawMessage
	RetryCount    int
	MaxRetries    int
	Attempts      int
	FailureClass  FailureClass
	Error         string
	EffectiveAt   time.Time
	NextAttemptAt time.Time
	BackfillOf    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// IsBackfill reports whether the item was created by the backfill path.
func (q QueueItem) IsBackfill() bool {
	return q.BackfillOf != ""
}

// QueueStats is a point-in-time count of items by status.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
	Backfill   int64 `json:"backfill"`
	Success    int64 `json:"success"`
	Failed     int64 `json:"failed"`
}

// LegOrderPayload is the payload of open_leg and close_leg items.
type LegOrderPayload struct {
	PositionID string       `json:"position_id"`
	LegID      string       `json:"leg_id"`
	Order      OrderRequest `json:"order"`
}

// CancelPayload is the payload of cancel_order items.
type CancelPayload struct {
	PositionID string `json:"position_id"`
	LegID      string `json:"leg_id"`
	OrderID    string `json:"order_id"`
}

// OrderStatusPayload is the payload of order_status items.
type OrderStatusPayload struct {
	PositionID    string `json:"position_id"`
	LegID         string `json:"leg_id"`
	ClientOrderID string `json:"client_order_id"`
}

// SnapshotPayload is the payload of snapshot_fetch items.
type SnapshotPayload struct {
	Reason string `json:"reason"`
}
