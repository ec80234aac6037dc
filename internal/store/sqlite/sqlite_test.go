package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "legsafe.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPositionRoundTripWithLegs(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t).Positions()

	pos := domain.Position{
		ID:       "pos-1",
		Symbol:   "SPY",
		Strategy: "strangle",
		Status:   domain.PositionStatusOpening,
		Legs: []domain.Leg{
			{ID: "leg-put", PositionID: "pos-1", Contract: "SPY260116P00550000", Side: domain.OrderSideSell,
				Quantity: 1, LimitPrice: decimal.RequireFromString("1.25"), Status: domain.LegStatusPending},
			{ID: "leg-call", PositionID: "pos-1", Contract: "SPY260116C00620000", Side: domain.OrderSideSell,
				Quantity: 1, LimitPrice: decimal.RequireFromString("0.95"), Status: domain.LegStatusPending},
		},
	}
	if err := s.Create(ctx, pos); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.GetByID(ctx, "pos-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Version != 1 || len(got.Legs) != 2 {
		t.Fatalf("got version=%d legs=%d, want 1 and 2", got.Version, len(got.Legs))
	}
	if got.Legs[0].ID != "leg-put" || !got.Legs[0].LimitPrice.Equal(decimal.RequireFromString("1.25")) {
		t.Errorf("leg 0 = %+v", got.Legs[0])
	}

	got.Status = domain.PositionStatusOpen
	for i := range got.Legs {
		got.Legs[i].Status = domain.LegStatusOpen
		got.Legs[i].FilledQuantity = 1
	}
	updated, err := s.Update(ctx, got)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}

	if _, err := s.Update(ctx, got); !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("stale Update err = %v, want ErrVersionConflict", err)
	}

	open, err := s.ListByStatus(ctx, domain.PositionStatusOpen)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].Legs[1].FilledQuantity != 1 {
		t.Errorf("ListByStatus(open) = %+v", open)
	}
}

func TestQueueClaimAndBackfillOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t).Queue()
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	items := []domain.QueueItem{
		{ID: "a", Kind: domain.QueueKindOrderStatus, Priority: domain.PriorityNormal, Status: domain.QueueStatusPending},
		{ID: "b", Kind: domain.QueueKindOpenLeg, Priority: domain.PriorityImmediate, Status: domain.QueueStatusPending},
		{ID: "bf-late", Kind: domain.QueueKindSnapshotFetch, Status: domain.QueueStatusBackfill,
			EffectiveAt: base.Add(2 * time.Minute), BackfillOf: "x"},
		{ID: "bf-early", Kind: domain.QueueKindSnapshotFetch, Status: domain.QueueStatusBackfill,
			EffectiveAt: base, BackfillOf: "y"},
	}
	for _, it := range items {
		it.Payload = []byte(`{}`)
		it.NaturalKey = it.ID
		it.CreatedAt = base
		it.NextAttemptAt = base
		if it.EffectiveAt.IsZero() {
			it.EffectiveAt = base
		}
		if err := s.Insert(ctx, it); err != nil {
			t.Fatalf("Insert %s: %v", it.ID, err)
		}
	}

	claimed, err := s.Claim(ctx, base, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 || claimed[0].ID != "b" || claimed[1].ID != "a" {
		t.Fatalf("Claim order = %v", ids(claimed))
	}

	bf, err := s.ClaimBackfill(ctx, base, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(bf) != 2 || bf[0].ID != "bf-early" || bf[1].ID != "bf-late" {
		t.Fatalf("ClaimBackfill order = %v", ids(bf))
	}

	n, err := s.ResetInProgress(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("ResetInProgress = %d, want 4", n)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 2 || st.Backfill != 2 {
		t.Errorf("Stats = %+v, want 2 pending and 2 backfill", st)
	}
}

func TestQueueWithdrawAndKeyPrefix(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t).Queue()
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	items := []domain.QueueItem{
		{ID: "open", NaturalKey: "SPY|leg-1|open|1", Status: domain.QueueStatusPending},
		{ID: "other", NaturalKey: "SPY|leg-10|open|1", Status: domain.QueueStatusPending},
		{ID: "close", NaturalKey: "SPY|leg-1|close|2", Status: domain.QueueStatusPending},
	}
	for _, it := range items {
		it.Kind = domain.QueueKindOpenLeg
		it.Payload = []byte(`{}`)
		it.CreatedAt = base
		it.NextAttemptAt = base
		it.EffectiveAt = base
		if err := s.Insert(ctx, it); err != nil {
			t.Fatalf("Insert %s: %v", it.ID, err)
		}
	}

	got, err := s.ListByKeyPrefix(ctx, "SPY|leg-1|")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "open" || got[1].ID != "close" {
		t.Fatalf("ListByKeyPrefix = %v", ids(got))
	}

	if _, err := s.Claim(ctx, base, 1); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		id   string
		want bool
	}{
		{"open", false}, // claimed above
		{"close", true},
		{"close", false},
	}
	for _, tt := range tests {
		ok, err := s.Withdraw(ctx, tt.id, "superseded", base)
		if err != nil || ok != tt.want {
			t.Errorf("Withdraw(%s) = %v, %v, want %v", tt.id, ok, err, tt.want)
		}
	}
	closed, _ := s.Get(ctx, "close")
	if closed.Status != domain.QueueStatusFailed || closed.FailureClass != domain.FailureTerminal || closed.CompletedAt == nil {
		t.Errorf("withdrawn item = %+v", closed)
	}
	if _, err := s.Withdraw(ctx, "missing", "x", base); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Withdraw(missing) err = %v, want ErrNotFound", err)
	}
}

func TestRiskEventsAppendOnly(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := db.RiskEvents()

	ev, err := s.Append(ctx, domain.RiskEvent{
		Component: domain.ComponentBreaker, EventType: "transition", Subject: "paper",
		Before: "closed", After: "open", Detail: map[string]any{"failures": float64(5)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if ev.ID == 0 {
		t.Fatal("Append did not assign an id")
	}
	if _, err := db.db.ExecContext(ctx, `DELETE FROM risk_events`); err == nil {
		t.Fatal("DELETE on risk_events succeeded")
	}
	latest, err := s.Latest(ctx, domain.ComponentBreaker, "paper")
	if err != nil {
		t.Fatal(err)
	}
	if latest.After != "open" || latest.Detail["failures"] != float64(5) {
		t.Errorf("Latest = %+v", latest)
	}
}

func ids(items []domain.QueueItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
