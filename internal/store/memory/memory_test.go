package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

func TestPositionStoreOptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()
	pos := domain.Position{ID: "p1", Symbol: "SPY", Status: domain.PositionStatusOpening}
	if err := s.Create(ctx, pos); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetByID(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 {
		t.Fatalf("version after create = %d, want 1", got.Version)
	}

	got.Status = domain.PositionStatusOpen
	updated, err := s.Update(ctx, got)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != 2 {
		t.Errorf("version after update = %d, want 2", updated.Version)
	}

	// A second writer holding the old version loses.
	got.Status = domain.PositionStatusBroken
	if _, err := s.Update(ctx, got); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("stale update err = %v, want ErrVersionConflict", err)
	}
}

func TestQueueStoreClaimOrder(t *testing.T) {
	ctx := context.Background()
	s := NewQueueStore()
	now := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)

	insert := func(id string, p domain.QueuePriority, next time.Time) {
		t.Helper()
		err := s.Insert(ctx, domain.QueueItem{ID: id, Priority: p, Status: domain.QueueStatusPending, NextAttemptAt: next})
		if err != nil {
			t.Fatal(err)
		}
	}
	insert("bg", domain.PriorityBackground, now)
	insert("n1", domain.PriorityNormal, now)
	insert("imm", domain.PriorityImmediate, now)
	insert("n2", domain.PriorityNormal, now)
	insert("later", domain.PriorityImmediate, now.Add(time.Minute))

	items, err := s.Claim(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
		if it.Status != domain.QueueStatusInProgress || it.Attempts != 1 {
			t.Errorf("%s claimed as %s attempts=%d", it.ID, it.Status, it.Attempts)
		}
	}
	want := []string{"imm", "n1", "n2", "bg"}
	if len(ids) != len(want) {
		t.Fatalf("claimed %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("claimed %v, want %v", ids, want)
		}
	}
}

func TestQueueStoreTerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	s := NewQueueStore()
	it := domain.QueueItem{ID: "q1", Status: domain.QueueStatusPending}
	if err := s.Insert(ctx, it); err != nil {
		t.Fatal(err)
	}
	it.Status = domain.QueueStatusSuccess
	if err := s.Update(ctx, it); err != nil {
		t.Fatal(err)
	}
	it.Status = domain.QueueStatusPending
	if err := s.Update(ctx, it); !errors.Is(err, domain.ErrTerminalItem) {
		t.Fatalf("reopen err = %v, want ErrTerminalItem", err)
	}
}

func TestQueueStoreWithdraw(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		status domain.QueueStatus
		want   bool
		final  domain.QueueStatus
	}{
		{"pending", domain.QueueStatusPending, true, domain.QueueStatusFailed},
		{"backfill", domain.QueueStatusBackfill, true, domain.QueueStatusFailed},
		{"claimed", domain.QueueStatusInProgress, false, domain.QueueStatusInProgress},
		{"done", domain.QueueStatusSuccess, false, domain.QueueStatusSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewQueueStore()
			if err := s.Insert(ctx, domain.QueueItem{ID: "q1", Status: tt.status}); err != nil {
				t.Fatal(err)
			}
			ok, err := s.Withdraw(ctx, "q1", "superseded", now)
			if err != nil || ok != tt.want {
				t.Fatalf("Withdraw = %v, %v, want %v", ok, err, tt.want)
			}
			got, _ := s.Get(ctx, "q1")
			if got.Status != tt.final {
				t.Errorf("status = %s, want %s", got.Status, tt.final)
			}
			if tt.want && (got.FailureClass != domain.FailureTerminal || got.CompletedAt == nil || got.Error != "superseded") {
				t.Errorf("withdrawn item = %+v", got)
			}
		})
	}

	s := NewQueueStore()
	if _, err := s.Withdraw(ctx, "nope", "x", now); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown item err = %v, want ErrNotFound", err)
	}
}

func TestQueueStoreListByKeyPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewQueueStore()
	for _, key := range []string{"SPY|leg-1|open|1", "SPY|leg-2|open|1", "SPY|leg-1|close|2", "QQQ|leg-1|open|1"} {
		if err := s.Insert(ctx, domain.QueueItem{ID: key, NaturalKey: key, Status: domain.QueueStatusPending}); err != nil {
			t.Fatal(err)
		}
	}
	items, err := s.ListByKeyPrefix(ctx, "SPY|leg-1|")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ID != "SPY|leg-1|open|1" || items[1].ID != "SPY|leg-1|close|2" {
		t.Fatalf("ListByKeyPrefix = %+v", items)
	}
}

func TestRiskEventStoreLatest(t *testing.T) {
	ctx := context.Background()
	s := NewRiskEventStore()
	for _, after := range []string{"open", "half_open", "closed"} {
		if _, err := s.Append(ctx, domain.RiskEvent{Component: domain.ComponentBreaker, Subject: "broker", After: after}); err != nil {
			t.Fatal(err)
		}
	}
	ev, err := s.Latest(ctx, domain.ComponentBreaker, "broker")
	if err != nil {
		t.Fatal(err)
	}
	if ev.After != "closed" || ev.ID != 3 {
		t.Errorf("Latest = %+v, want closed with id 3", ev)
	}
	if _, err := s.Latest(ctx, domain.ComponentBreaker, "other"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Latest(other) err = %v, want ErrNotFound", err)
	}
}
