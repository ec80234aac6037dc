package domain

import (
	"context"
	"time"
)

// AssetClass distinguishes option legs from share positions in a snapshot.
type AssetClass string

const (
	AssetClassOption AssetClass = "option"
	AssetClassEquity AssetClass = "equity"
)

// LegState is one broker-reported holding.
type LegState struct {
	Contract   string     `json:"contract"`
	Underlying string     `json:"underlying"`
	AssetClass AssetClass `json:"asset_class"`
	Quantity   int64      `json:"quantity"` // signed; negative is short
}

// Snapshot is the broker's full position list at a point in time.
type Snapshot struct {
	Positions []LegState `json:"positions"`
	TakenAt   time.Time  `json:"taken_at"`
}

// Quantity returns the aggregated signed quantity held for a contract.
func (s Snapshot) Quantity(contract string) int64 {
	var q int64
	for _, p := range s.Positions {
		if p.Contract == contract {
			q += p.Quantity
		}
	}
	return q
}

// Aggregate returns signed quantity per contract.
func (s Snapshot) Aggregate() map[string]int64 {
	out := make(map[string]int64, len(s.Positions))
	for _, p := range s.Positions {
		out[p.Contract] += p.Quantity
	}
	return out
}

// BrokerEventType labels a push notification from the broker.
type BrokerEventType string

const (
	BrokerEventOrderUpdate    BrokerEventType = "order_update"
	BrokerEventPositionChange BrokerEventType = "position_change"
	BrokerEventAssignment     BrokerEventType = "assignment"
)

// BrokerEvent is a push notification from the broker's event stream.
type BrokerEvent struct {
	Type          BrokerEventType
	Contract      string
	Underlying    string
	AssetClass    AssetClass
	OrderID       string
	ClientOrderID string
	OrderStatus   OrderStatus
	Quantity      int64 // signed position quantity after the event
	At            time.Time
}

// BrokerGateway is the brokerage API. Submit, Cancel, Lookup and Snapshot
// are called only by the queue worker.
type BrokerGateway interface {
	Name() string
	Submit(ctx context.Context, req OrderRequest) (OrderAck, error)
	Cancel(ctx context.Context, orderID string) error
	// Lookup returns ErrNotFound when the broker has no order with the ID.
	Lookup(ctx context.Context, clientOrderID string) (OrderAck, error)
	Snapshot(ctx context.Context) (Snapshot, error)
	Subscribe(ctx context.Context) (<-chan BrokerEvent, error)
}
