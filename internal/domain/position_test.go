package domain

import (
	"errors"
	"fmt"
	"testing"
)

func legs(statuses ...LegStatus) []Leg {
	out := make([]Leg, len(statuses))
	for i, s := range statuses {
		out[i] = Leg{ID: fmt.Sprintf("L%d", i), Status: s, Quantity: 1, FilledQuantity: 1}
	}
	return out
}

func TestCheckInvariant(t *testing.T) {
	tests := []struct {
		name    string
		status  PositionStatus
		legs    []Leg
		wantErr bool
	}{
		{"open uniform", PositionStatusOpen, legs(LegStatusOpen, LegStatusOpen), false},
		{"open with closed leg", PositionStatusOpen, legs(LegStatusOpen, LegStatusClosed), true},
		{"open with missing leg", PositionStatusOpen, legs(LegStatusMissing, LegStatusOpen), true},
		{"closed uniform", PositionStatusClosed, legs(LegStatusClosed, LegStatusClosed), false},
		{"closed with missing", PositionStatusClosed, legs(LegStatusClosed, LegStatusMissing), false},
		{"closed with open leg", PositionStatusClosed, legs(LegStatusClosed, LegStatusOpen), true},
		{"broken mixed", PositionStatusBroken, legs(LegStatusClosed, LegStatusOpen), false},
		{"opening mixed", PositionStatusOpening, legs(LegStatusOpen, LegStatusPending), false},
		{"open with unresolved leg", PositionStatusOpen, legs(LegStatusOpen, LegStatusUnresolved), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Position{ID: "p1", Status: tt.status, Legs: tt.legs}
			err := p.CheckInvariant()
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckInvariant() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvariantViolated) {
				t.Errorf("error %v does not wrap ErrInvariantViolated", err)
			}
		})
	}
}

func TestPositionCloneIsDeep(t *testing.T) {
	p := Position{ID: "p1", Legs: legs(LegStatusOpen)}
	c := p.Clone()
	c.Legs[0].Status = LegStatusClosed
	if p.Legs[0].Status != LegStatusOpen {
		t.Fatal("mutating clone changed original leg")
	}
}

func TestExposedSkipsSettledAndUnfilled(t *testing.T) {
	p := Position{Legs: legs(LegStatusOpen, LegStatusClosed, LegStatusMissing, LegStatusPending)}
	p.Legs[3].FilledQuantity = 0
	got := p.Exposed()
	if len(got) != 1 || got[0].ID != "L0" {
		t.Fatalf("Exposed() = %+v, want only L0", got)
	}
}

func TestExposedIncludesUnresolvedLegs(t *testing.T) {
	p := Position{Legs: legs(LegStatusUnresolved, LegStatusPending)}
	p.Legs[0].FilledQuantity = 0
	p.Legs[1].FilledQuantity = 0
	got := p.Exposed()
	if len(got) != 1 || got[0].ID != "L0" {
		t.Fatalf("Exposed() = %+v, want the unresolved leg", got)
	}
	p.Status = PositionStatusClosed
	if err := p.CheckInvariant(); err == nil {
		t.Error("closed position with an unresolved leg passed the invariant")
	}
}

func TestSignedQuantity(t *testing.T) {
	long := Leg{Side: OrderSideBuy, FilledQuantity: 3}
	short := Leg{Side: OrderSideSell, FilledQuantity: 2}
	if long.SignedQuantity() != 3 {
		t.Errorf("long signed = %d, want 3", long.SignedQuantity())
	}
	if short.SignedQuantity() != -2 {
		t.Errorf("short signed = %d, want -2", short.SignedQuantity())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want FailureClass
	}{
		{nil, ""},
		{fmt.Errorf("alpaca: submit: %w", ErrTimeout), FailureTransient},
		{ErrConnection, FailureTransient},
		{ErrRateLimited, FailureTransient},
		{errors.New("something odd"), FailureTransient},
		{fmt.Errorf("wrap: %w", ErrInvalidContract), FailureTerminal},
		{ErrRejected, FailureTerminal},
		{ErrUnauthorized, FailureTerminal},
		{ErrInvalidOrder, FailureTerminal},
		{ErrHalted, FailureHalted},
		{ErrRetriesExhausted, FailureExhausted},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestSnapshotAggregate(t *testing.T) {
	s := Snapshot{Positions: []LegState{
		{Contract: "A", Quantity: -1},
		{Contract: "A", Quantity: -1},
		{Contract: "B", Quantity: 2},
	}}
	if q := s.Quantity("A"); q != -2 {
		t.Errorf("Quantity(A) = %d, want -2", q)
	}
	agg := s.Aggregate()
	if agg["B"] != 2 || len(agg) != 2 {
		t.Errorf("Aggregate() = %v", agg)
	}
}
