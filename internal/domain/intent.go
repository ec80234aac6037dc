package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Intent is a request from the decision layer. The set of variants is
// closed: OpenIntent, CloseIntent and EmergencyCloseIntent.
type Intent interface {
	intent()
}

// LegSpec describes one leg of a position to open.
type LegSpec struct {
	Contract   string          `json:"contract"`
	Side       OrderSide       `json:"side"`
	Quantity   int64           `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// OpenIntent asks for a new composite position.
type OpenIntent struct {
	Symbol      string    `json:"symbol"`
	Strategy    string    `json:"strategy"`
	Legs        []LegSpec `json:"legs"`
	EffectiveAt time.Time `json:"effective_at"`
}

// CloseIntent asks for an orderly close of an open position. Legs without
// an entry in LimitPrices (keyed by contract) close at market.
type CloseIntent struct {
	PositionID  string                     `json:"position_id"`
	LimitPrices map[string]decimal.Decimal `json:"limit_prices,omitempty"`
	EffectiveAt time.Time                  `json:"effective_at"`
}

// EmergencyCloseIntent asks for an unconditional market close.
type EmergencyCloseIntent struct {
	PositionID string `json:"position_id"`
	Reason     string `json:"reason"`
}

func (OpenIntent) intent()           {}
func (CloseIntent) intent()          {}
func (EmergencyCloseIntent) intent() {}
