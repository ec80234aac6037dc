package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/platform/paper"
	"github.com/alanyoungcy/legsafe/internal/store/memory"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// lostAckGateway performs the first n submits but reports a timeout, as if
// the response never made it back.
type lostAckGateway struct {
	*paper.Gateway
	mu   sync.Mutex
	lose int
}

func (g *lostAckGateway) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	ack, err := g.Gateway.Submit(ctx, req)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil && g.lose > 0 {
		g.lose--
		return domain.OrderAck{}, domain.ErrTimeout
	}
	return ack, err
}

type stubBreaker struct {
	allow     bool
	successes int
	failures  int
}

func (b *stubBreaker) Allow(context.Context) bool    { return b.allow }
func (b *stubBreaker) RecordSuccess(context.Context) { b.successes++ }
func (b *stubBreaker) RecordFailure(context.Context) { b.failures++ }

type harness struct {
	store *memory.QueueStore
	q     *Queue
	gw    *paper.Gateway
	clock *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{t: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)}
	store := memory.NewQueueStore()
	cfg := DefaultConfig()
	cfg.Backoff = Backoff{Base: time.Second, Max: time.Minute}
	cfg.PollInterval = time.Millisecond
	q := New(store, cfg, logger)
	q.now = clock.Now
	return &harness{store: store, q: q, gw: paper.New(logger), clock: clock}
}

func (h *harness) worker(gw domain.BrokerGateway, br Breaker) *Worker {
	cfg := DefaultWorkerConfig()
	cfg.CallTimeout = time.Second
	return NewWorker(h.q, gw, nil, br, nil, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func legOrder(key, contract string, side domain.OrderSide) domain.LegOrderPayload {
	return domain.LegOrderPayload{
		PositionID: "pos-1",
		LegID:      "leg-1",
		Order: domain.OrderRequest{
			ClientOrderID: ClientOrderID(key),
			Contract:      contract,
			Side:          side,
			Type:          domain.OrderTypeLimit,
			Quantity:      1,
			LimitPrice:    decimal.RequireFromString("2.50"),
		},
	}
}

func TestEnqueueDeduplicatesNaturalKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a, err := h.q.Enqueue(ctx, domain.QueueKindOpenLeg, domain.PriorityNormal, legOrder("k", "SPY", domain.OrderSideBuy), EnqueueOpts{NaturalKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.q.Enqueue(ctx, domain.QueueKindOpenLeg, domain.PriorityNormal, legOrder("k", "SPY", domain.OrderSideBuy), EnqueueOpts{NaturalKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Fatalf("same natural key produced two items: %s, %s", a.ID, b.ID)
	}
	st, _ := h.q.Stats(ctx)
	if st.Pending != 1 {
		t.Errorf("pending = %d, want 1", st.Pending)
	}
}

func TestRetryAfterLostAckDoesNotResubmit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gw := &lostAckGateway{Gateway: h.gw, lose: 1}
	w := h.worker(gw, nil)

	const key = "open:pos-1:leg-1"
	item, err := h.q.Enqueue(ctx, domain.QueueKindOpenLeg, domain.PriorityNormal, legOrder(key, "SPY", domain.OrderSideBuy), EnqueueOpts{NaturalKey: key})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := h.q.Get(ctx, item.ID)
	if got.Status != domain.QueueStatusPending || got.RetryCount != 1 {
		t.Fatalf("after lost ack: status=%s retries=%d", got.Status, got.RetryCount)
	}

	h.clock.Advance(time.Minute)
	if _, err := w.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = h.q.Get(ctx, item.ID)
	if got.Status != domain.QueueStatusSuccess {
		t.Fatalf("status = %s, want success (%s)", got.Status, got.Error)
	}
	if n := h.gw.SubmitCount(ClientOrderID(key)); n != 1 {
		t.Errorf("broker saw %d submits, want 1", n)
	}
	if pos := h.gw.Position("SPY"); pos != 1 {
		t.Errorf("position = %d, want 1", pos)
	}
	ack, err := DecodeAck(got)
	if err != nil {
		t.Fatal(err)
	}
	if !ack.Filled() {
		t.Errorf("ack = %+v", ack)
	}

	// Replaying the request after success returns the finished item.
	again, err := h.q.Enqueue(ctx, domain.QueueKindOpenLeg, domain.PriorityNormal, legOrder(key, "SPY", domain.OrderSideBuy), EnqueueOpts{NaturalKey: key})
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != item.ID || again.Status != domain.QueueStatusSuccess {
		t.Errorf("replay = %s/%s, want %s/success", again.ID, again.Status, item.ID)
	}
}

func TestResubmitAfterFailedItemLooksUpFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.worker(h.gw, nil)
	const key = "close:pos-1:leg-1:v3"

	// An earlier process placed the order, then crashed before recording it.
	if _, err := h.gw.Submit(ctx, legOrder(key, "SPY", domain.OrderSideSell).Order); err != nil {
		t.Fatal(err)
	}
	item, err := h.q.Enqueue(ctx, domain.QueueKindCloseLeg, domain.PriorityImmediate, legOrder(key, "SPY", domain.OrderSideSell),
		EnqueueOpts{NaturalKey: key, Resubmit: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := h.q.Get(ctx, item.ID)
	if got.Status != domain.QueueStatusSuccess {
		t.Fatalf("status = %s (%s)", got.Status, got.Error)
	}
	if n := h.gw.SubmitCount(ClientOrderID(key)); n != 1 {
		t.Errorf("submits = %d, want 1", n)
	}
}

func TestRecoverInFlightItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.worker(h.gw, nil)
	const key = "open:pos-1:leg-2"

	item, _ := h.q.Enqueue(ctx, domain.QueueKindOpenLeg, domain.PriorityNormal, legOrder(key, "QQQ", domain.OrderSideBuy), EnqueueOpts{NaturalKey: key})
	if _, err := h.q.Claim(ctx, 10); err != nil {
		t.Fatal(err)
	}
	n, err := h.q.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	if _, err := w.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := h.q.Get(ctx, item.ID)
	if got.Status != domain.QueueStatusSuccess || got.Attempts != 2 {
		t.Fatalf("status=%s attempts=%d", got.Status, got.Attempts)
	}
	if h.gw.SubmitCount(ClientOrderID(key)) != 1 {
		t.Errorf("submit count = %d", h.gw.SubmitCount(ClientOrderID(key)))
	}
}

func TestTerminalFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.worker(h.gw, nil)
	h.gw.RejectContract("BAD", domain.ErrInvalidContract)

	item, _ := h.q.Enqueue(ctx, domain.QueueKindOpenLeg, domain.PriorityNormal, legOrder("bad", "BAD", domain.OrderSideBuy), EnqueueOpts{NaturalKey: "bad"})
	if _, err := w.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := h.q.Wait(ctx, item.ID)
	if !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("Wait err = %v, want ErrRejected", err)
	}
	if got.FailureClass != domain.FailureTerminal || got.Attempts != 1 {
		t.Errorf("class=%s attempts=%d", got.FailureClass, got.Attempts)
	}
}

func TestBreakerGatesOrdersButNotEmergencies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	br := &stubBreaker{allow: false}
	w := h.worker(h.gw, br)

	normal, _ := h.q.Enqueue(ctx, domain.QueueKindCloseLeg, domain.PriorityNormal, legOrder("n", "SPY", domain.OrderSideSell), EnqueueOpts{NaturalKey: "n"})
	emergency, _ := h.q.Enqueue(ctx, domain.QueueKindCloseLeg, domain.PriorityImmediate, legOrder("e", "QQQ", domain.OrderSideSell), EnqueueOpts{NaturalKey: "e", Emergency: true})
	if _, err := w.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := h.q.Wait(ctx, normal.ID)
	if !errors.Is(err, domain.ErrHalted) || got.FailureClass != domain.FailureHalted {
		t.Errorf("normal close: class=%s err=%v", got.FailureClass, err)
	}
	if h.gw.SubmitCount(ClientOrderID("n")) != 0 {
		t.Error("halted order reached the broker")
	}
	got, err = h.q.Wait(ctx, emergency.ID)
	if err != nil || got.Status != domain.QueueStatusSuccess {
		t.Errorf("emergency close: status=%s err=%v", got.Status, err)
	}
	if br.successes == 0 {
		t.Error("breaker not fed the emergency call outcome")
	}
}

func TestOrderStatusForUnknownOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.worker(h.gw, nil)

	item, err := h.q.Enqueue(ctx, domain.QueueKindOrderStatus, domain.PriorityNormal,
		domain.OrderStatusPayload{PositionID: "pos-1", LegID: "leg-1", ClientOrderID: ClientOrderID("never-sent")},
		EnqueueOpts{NaturalKey: "status:never-sent"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := h.q.Wait(ctx, item.ID)
	if err != nil {
		t.Fatalf("Wait err = %v", err)
	}
	ack, err := DecodeAck(got)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Status != domain.OrderStatusUnknown || ack.FilledQty != 0 || ack.ClientOrderID != ClientOrderID("never-sent") {
		t.Errorf("ack = %+v, want unknown", ack)
	}
}

func TestWithdrawnItemNeverReachesBroker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.worker(h.gw, nil)

	tests := []struct {
		key  string
		wd   bool
		want domain.QueueStatus
	}{
		{"SPY|leg-1|open|1", true, domain.QueueStatusFailed},
		{"SPY|leg-2|open|1", false, domain.QueueStatusSuccess},
	}
	var items []domain.QueueItem
	for _, tt := range tests {
		it, err := h.q.Enqueue(ctx, domain.QueueKindOpenLeg, domain.PriorityNormal, legOrder(tt.key, "SPY", domain.OrderSideBuy), EnqueueOpts{NaturalKey: tt.key})
		if err != nil {
			t.Fatal(err)
		}
		items = append(items, it)
	}
	listed, err := h.q.ListByKeyPrefix(ctx, "SPY|leg-1|")
	if err != nil || len(listed) != 1 || listed[0].ID != items[0].ID {
		t.Fatalf("ListByKeyPrefix = %+v, %v", listed, err)
	}
	for i, tt := range tests {
		if !tt.wd {
			continue
		}
		ok, err := h.q.Withdraw(ctx, items[i].ID, "position settled")
		if err != nil || !ok {
			t.Fatalf("Withdraw = %v, %v", ok, err)
		}
	}
	if _, err := w.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	for i, tt := range tests {
		got, _ := h.q.Get(ctx, items[i].ID)
		if got.Status != tt.want {
			t.Errorf("%s: status = %s, want %s", tt.key, got.Status, tt.want)
		}
		n := h.gw.SubmitCount(ClientOrderID(tt.key))
		if tt.wd && n != 0 {
			t.Errorf("%s: withdrawn item reached the broker %d times", tt.key, n)
		}
	}

	// Finished items cannot be withdrawn.
	if ok, err := h.q.Withdraw(ctx, items[1].ID, "late"); err != nil || ok {
		t.Errorf("Withdraw(finished) = %v, %v", ok, err)
	}
}

func TestBackfillKeepsEffectiveTime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.worker(h.gw, nil)

	const key = "status:pos-1:leg-1"
	clientID := ClientOrderID("open:pos-1:leg-1")
	if _, err := h.gw.Submit(ctx, legOrder("open:pos-1:leg-1", "SPY", domain.OrderSideBuy).Order); err != nil {
		t.Fatal(err)
	}
	effective := h.clock.Now().Add(-5 * time.Second)
	orig, err := h.q.Enqueue(ctx, domain.QueueKindOrderStatus, domain.PriorityNormal,
		domain.OrderStatusPayload{PositionID: "pos-1", LegID: "leg-1", ClientOrderID: clientID},
		EnqueueOpts{NaturalKey: key, EffectiveAt: effective})
	if err != nil {
		t.Fatal(err)
	}

	h.gw.InjectFault(paper.OpLookup, domain.ErrConnection, -1)
	for i := 0; i < 4; i++ {
		if _, err := w.Drain(ctx); err != nil {
			t.Fatal(err)
		}
		h.clock.Advance(2 * time.Minute)
	}

	failed, _ := h.q.Get(ctx, orig.ID)
	if failed.Status != domain.QueueStatusFailed || failed.FailureClass != domain.FailureExhausted {
		t.Fatalf("original: status=%s class=%s attempts=%d", failed.Status, failed.FailureClass, failed.Attempts)
	}
	if failed.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", failed.Attempts)
	}

	bf, err := h.store.FindActiveByNaturalKey(ctx, key)
	if err != nil {
		t.Fatalf("no backfill item: %v", err)
	}
	if bf.Status != domain.QueueStatusBackfill || bf.BackfillOf != orig.ID {
		t.Fatalf("backfill item = %+v", bf)
	}

	h.gw.ClearFaults()
	h.clock.Advance(10 * time.Minute)
	n, err := w.DrainBackfill(ctx)
	if err != nil || n != 1 {
		t.Fatalf("DrainBackfill = %d, %v", n, err)
	}
	done, _ := h.q.Get(ctx, bf.ID)
	if done.Status != domain.QueueStatusSuccess {
		t.Fatalf("backfill status = %s (%s)", done.Status, done.Error)
	}
	if !done.EffectiveAt.Equal(effective) {
		t.Errorf("effective_at = %s, want %s", done.EffectiveAt, effective)
	}
}

func TestBackfillClaimsOldestEffectiveFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	base := h.clock.Now()
	for i, off := range []time.Duration{3 * time.Minute, time.Minute, 2 * time.Minute} {
		err := h.store.Insert(ctx, domain.QueueItem{
			ID:          string(rune('a' + i)),
			Kind:        domain.QueueKindSnapshotFetch,
			Status:      domain.QueueStatusBackfill,
			BackfillOf:  "orig",
			EffectiveAt: base.Add(-off),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	items, err := h.q.ClaimBackfill(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	var got string
	for _, it := range items {
		got += it.ID
	}
	if got != "acb" {
		t.Errorf("claim order = %q, want %q", got, "acb")
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{7, time.Minute},
		{64, time.Minute},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.retry); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}

	j := Backoff{Base: time.Second, Max: time.Minute, Jitter: true}
	for i := 0; i < 50; i++ {
		d := j.Delay(2)
		if d < 2*time.Second || d > 2*time.Second+400*time.Millisecond {
			t.Fatalf("jittered delay %s out of range", d)
		}
	}
}

func TestClientOrderIDIsDeterministic(t *testing.T) {
	if ClientOrderID("a") != ClientOrderID("a") {
		t.Error("same key produced different IDs")
	}
	if ClientOrderID("a") == ClientOrderID("b") {
		t.Error("different keys produced the same ID")
	}
}
