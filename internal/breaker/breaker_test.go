package breaker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/riskevent"
	"github.com/alanyoungcy/legsafe/internal/store/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type captureSink struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (s *captureSink) Alert(_ context.Context, a domain.Alert) error {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
	return nil
}

func newTestBreaker(t *testing.T) (*Breaker, *fakeClock, *memory.RiskEventStore, *captureSink) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewRiskEventStore()
	rec := riskevent.NewRecorder(store, nil, logger)
	sink := &captureSink{}
	clock := &fakeClock{t: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
	b := New(DefaultConfig("paper"), rec, sink, nil, logger)
	b.now = clock.Now
	return b, clock, store, sink
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b, clock, _, sink := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure(ctx)
		clock.Advance(time.Second)
	}
	if b.State() != StateClosed {
		t.Fatalf("state after 4 failures = %s, want closed", b.State())
	}
	b.RecordFailure(ctx)
	if b.State() != StateOpen {
		t.Fatalf("state after 5 failures = %s, want open", b.State())
	}
	if b.Allow(ctx) {
		t.Error("open breaker allowed a submission")
	}
	if len(sink.alerts) != 1 || sink.alerts[0].Severity != domain.SeverityCritical {
		t.Errorf("alerts = %+v, want one critical", sink.alerts)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	b, _, _, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure(ctx)
	}
	b.RecordSuccess(ctx)
	for i := 0; i < 4; i++ {
		b.RecordFailure(ctx)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestCircuitBreaker_FailuresOutsideWindowExpire(t *testing.T) {
	ctx := context.Background()
	b, clock, _, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure(ctx)
	}
	clock.Advance(2 * time.Minute)
	b.RecordFailure(ctx)
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
	if got := b.Status().Failures; got != 1 {
		t.Errorf("failures in window = %d, want 1", got)
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	ctx := context.Background()
	b, clock, _, _ := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx)
	}
	clock.Advance(29 * time.Second)
	if b.Allow(ctx) {
		t.Fatal("allowed before cooldown")
	}
	clock.Advance(time.Second)
	if !b.Allow(ctx) {
		t.Fatal("not allowed after cooldown")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}
	b.RecordSuccess(ctx)
	if b.State() != StateHalfOpen {
		t.Fatalf("state after 1 success = %s, want half_open", b.State())
	}
	b.RecordSuccess(ctx)
	if b.State() != StateClosed {
		t.Fatalf("state after 2 successes = %s, want closed", b.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	b, clock, _, _ := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx)
	}
	clock.Advance(30 * time.Second)
	b.Allow(ctx)
	b.RecordSuccess(ctx)
	b.RecordFailure(ctx)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if b.Allow(ctx) {
		t.Error("reopened breaker allowed a submission")
	}
}

func TestCircuitBreaker_TransitionsArePersisted(t *testing.T) {
	ctx := context.Background()
	b, clock, store, _ := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx)
	}
	clock.Advance(30 * time.Second)
	b.Allow(ctx)
	b.RecordSuccess(ctx)
	b.RecordSuccess(ctx)

	events, err := store.List(ctx, domain.RiskEventFilter{Component: domain.ComponentBreaker})
	if err != nil {
		t.Fatal(err)
	}
	// newest first
	want := [][2]string{
		{"half_open", "closed"},
		{"open", "half_open"},
		{"closed", "open"},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, w := range want {
		if events[i].Before != w[0] || events[i].After != w[1] {
			t.Errorf("event %d = %s->%s, want %s->%s", i, events[i].Before, events[i].After, w[0], w[1])
		}
	}
}

func TestCircuitBreaker_RestoreOpenState(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewRiskEventStore()
	openedAt := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	if _, err := store.Append(ctx, domain.RiskEvent{
		Component: domain.ComponentBreaker,
		EventType: "transition",
		Subject:   "paper",
		Before:    "closed",
		After:     "open",
		CreatedAt: openedAt,
	}); err != nil {
		t.Fatal(err)
	}

	b := New(DefaultConfig("paper"), riskevent.NewRecorder(store, nil, logger), nil, nil, logger)
	clock := &fakeClock{t: openedAt.Add(10 * time.Second)}
	b.now = clock.Now
	if err := b.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if b.State() != StateOpen {
		t.Fatalf("restored state = %s, want open", b.State())
	}
	if b.Allow(ctx) {
		t.Fatal("restored breaker allowed before cooldown")
	}
	clock.Advance(20 * time.Second)
	if !b.Allow(ctx) {
		t.Fatal("restored breaker did not admit a trial call after cooldown")
	}
}

func TestCircuitBreaker_RestoreWithoutHistory(t *testing.T) {
	b, _, _, _ := newTestBreaker(t)
	if err := b.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	ctx := context.Background()
	b, _, _, _ := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx)
	}
	b.Reset(ctx, "operator")
	if b.State() != StateClosed || !b.Allow(ctx) {
		t.Fatalf("state after reset = %s", b.State())
	}
}

// Transitions from concurrent callers land in the ledger in the order the
// state changed, so the newest event always names the current state.
func TestCircuitBreaker_ConcurrentTransitionsPersistInOrder(t *testing.T) {
	ctx := context.Background()
	b, _, store, _ := newTestBreaker(t)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.RecordFailure(ctx)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				b.Reset(ctx, "operator")
			}
		}()
	}
	wg.Wait()

	events, err := store.List(ctx, domain.RiskEventFilter{Component: domain.ComponentBreaker})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 {
		t.Fatal("no transitions recorded")
	}
	if got := events[0].After; got != b.State().String() {
		t.Fatalf("latest event = %s, state = %s", got, b.State())
	}
	// newest first: each event starts where the previous one ended
	for i := 0; i+1 < len(events); i++ {
		if events[i].Before != events[i+1].After {
			t.Fatalf("event %d %s->%s does not follow %s->%s",
				i, events[i].Before, events[i].After, events[i+1].Before, events[i+1].After)
		}
	}

	restored := New(DefaultConfig("paper"), b.rec, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := restored.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if restored.State() != b.State() {
		t.Errorf("restored state = %s, want %s", restored.State(), b.State())
	}
}

func TestParseState(t *testing.T) {
	for _, s := range []State{StateClosed, StateHalfOpen, StateOpen} {
		got, err := ParseState(s.String())
		if err != nil || got != s {
			t.Errorf("ParseState(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseState("bogus"); err == nil {
		t.Error("expected error for unknown state")
	}
}
