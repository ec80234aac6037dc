package domain

import (
	"fmt"
	"time"
)

// PositionStatus tracks the lifecycle of a composite position.
type PositionStatus string

const (
	PositionStatusOpening PositionStatus = "opening"
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
	PositionStatusBroken  PositionStatus = "broken"
)

// Position is a composite multi-leg position on one underlying.
type Position struct {
	ID           string         `json:"id"`
	Symbol       string         `json:"symbol"` // underlying
	Strategy     string         `json:"strategy"`
	Legs         []Leg          `json:"legs"`
	Status       PositionStatus `json:"status"`
	BrokenReason string         `json:"broken_reason,omitempty"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate legs safely.
func (p Position) Clone() Position {
	out := p
	out.Legs = make([]Leg, len(p.Legs))
	copy(out.Legs, p.Legs)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

// LegIndex returns the index of the leg with the given ID, or -1.
func (p Position) LegIndex(legID string) int {
	for i := range p.Legs {
		if p.Legs[i].ID == legID {
			return i
		}
	}
	return -1
}

// LegByContract returns the leg holding the given contract.
func (p Position) LegByContract(contract string) (Leg, bool) {
	for _, l := range p.Legs {
		if l.Contract == contract {
			return l, true
		}
	}
	return Leg{}, false
}

// Exposed returns the legs that carry, or may carry, broker exposure.
func (p Position) Exposed() []Leg {
	var out []Leg
	for _, l := range p.Legs {
		if l.Status.Settled() || (l.FilledQuantity == 0 && l.Status != LegStatusUnresolved) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// CheckInvariant verifies that an OPEN position has every leg open and a
// CLOSED position has every leg closed or missing. Other statuses are
// transitional and carry no uniformity requirement.
func (p Position) CheckInvariant() error {
	switch p.Status {
	case PositionStatusOpen:
		for _, l := range p.Legs {
			if l.Status != LegStatusOpen {
				return fmt.Errorf("%w: position %s open but leg %s is %s",
					ErrInvariantViolated, p.ID, l.ID, l.Status)
			}
		}
	case PositionStatusClosed:
		for _, l := range p.Legs {
			if !l.Status.Settled() {
				return fmt.Errorf("%w: position %s closed but leg %s is %s",
					ErrInvariantViolated, p.ID, l.ID, l.Status)
			}
		}
	}
	return nil
}
