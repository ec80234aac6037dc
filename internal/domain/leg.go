package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LegStatus tracks one leg of a composite position.
type LegStatus string

const (
	LegStatusPending LegStatus = "pending"
	LegStatusOpen    LegStatus = "open"
	LegStatusClosing LegStatus = "closing"
	LegStatusClosed  LegStatus = "closed"
	LegStatusMissing LegStatus = "missing" // broker no longer reports a leg the store expected open

	// An order for the leg may still be working at the broker; the filled
	// quantity is a lower bound until the order is canceled or confirmed.
	LegStatusUnresolved LegStatus = "unresolved"
)

// Settled reports whether the leg no longer carries broker exposure.
func (s LegStatus) Settled() bool {
	return s == LegStatusClosed || s == LegStatusMissing
}

// Leg is a single contract position belonging to a Position.
type Leg struct {
	ID             string          `json:"id"`
	PositionID     string          `json:"position_id"`
	Contract       string          `json:"contract"` // OCC option symbol or equity ticker
	Side           OrderSide       `json:"side"`     // opening side; sell means a short leg
	Quantity       int64           `json:"quantity"`
	FilledQuantity int64           `json:"filled_quantity"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	Status         LegStatus       `json:"status"`
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Short reports whether the leg was opened by selling.
func (l Leg) Short() bool {
	return l.Side == OrderSideSell
}

// SignedQuantity returns the held quantity, negative for short legs.
func (l Leg) SignedQuantity() int64 {
	if l.Short() {
		return -l.FilledQuantity
	}
	return l.FilledQuantity
}

// ClosePolicy defines what a normal close does when a leg fails mid-way.
type ClosePolicy string

const (
	ClosePolicyFailFast   ClosePolicy = "fail_fast"  // stop, mark broken, leave remaining legs
	ClosePolicyCompensate ClosePolicy = "compensate" // reopen legs already closed in this attempt
)
