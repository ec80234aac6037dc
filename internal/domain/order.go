package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side that offsets s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the execution style sent to the broker.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus tracks the broker-side order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusUnknown         OrderStatus = "unknown" // the broker has no order with the client order ID
)

// Terminal reports whether the broker will not change the order any further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderRequest is a single-leg order as handed to a BrokerGateway.
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Contract      string          `json:"contract"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      int64           `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
}

// OrderAck is the broker's view of an order.
type OrderAck struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Contract      string          `json:"contract"`
	Side          OrderSide       `json:"side"`
	Status        OrderStatus     `json:"status"`
	Quantity      int64           `json:"quantity"`
	FilledQty     int64           `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Filled reports whether the full requested quantity executed.
func (a OrderAck) Filled() bool {
	return a.Status == OrderStatusFilled || (a.Quantity > 0 && a.FilledQty >= a.Quantity)
}
