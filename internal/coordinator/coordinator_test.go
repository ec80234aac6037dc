package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/legsafe/internal/breaker"
	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/platform/paper"
	"github.com/alanyoungcy/legsafe/internal/queue"
	"github.com/alanyoungcy/legsafe/internal/riskevent"
	"github.com/alanyoungcy/legsafe/internal/store/memory"
)

const (
	longCall  = "AAPL250117C00150000"
	shortCall = "AAPL250117C00160000"
)

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

func (s *captureSink) count(sev domain.Severity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.alerts {
		if a.Severity == sev {
			n++
		}
	}
	return n
}

// recordingGateway remembers the contract of every submitted order. Submits
// on a contract in lostAcks reach the book but report a lost connection.
type recordingGateway struct {
	*paper.Gateway
	mu        sync.Mutex
	submitted []string
	lostAcks  map[string]int
}

func (g *recordingGateway) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	g.mu.Lock()
	g.submitted = append(g.submitted, req.Contract)
	g.mu.Unlock()
	ack, err := g.Gateway.Submit(ctx, req)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil && g.lostAcks[req.Contract] > 0 {
		g.lostAcks[req.Contract]--
		return domain.OrderAck{}, domain.ErrConnection
	}
	return ack, err
}

func (g *recordingGateway) loseAcks(contract string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lostAcks == nil {
		g.lostAcks = make(map[string]int)
	}
	g.lostAcks[contract] = n
}

func (g *recordingGateway) submits() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.submitted...)
}

func (g *recordingGateway) submitsFor(contract string) int {
	n := 0
	for _, c := range g.submits() {
		if c == contract {
			n++
		}
	}
	return n
}

type env struct {
	c         *Coordinator
	gw        *recordingGateway
	q         *queue.Queue
	queue     *memory.QueueStore
	positions *memory.PositionStore
	events    *memory.RiskEventStore
	sink      *captureSink
	breaker   *breaker.Breaker
}

func newEnv(t *testing.T, mutate func(*Config)) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())

	gw := &recordingGateway{Gateway: paper.New(logger)}
	qcfg := queue.DefaultConfig()
	qcfg.Backoff = queue.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}
	qcfg.PollInterval = time.Millisecond
	qs := memory.NewQueueStore()
	q := queue.New(qs, qcfg, logger)

	events := memory.NewRiskEventStore()
	rec := riskevent.NewRecorder(events, nil, logger)
	sink := &captureSink{}
	br := breaker.New(breaker.DefaultConfig("paper"), rec, sink, nil, logger)

	wcfg := queue.DefaultWorkerConfig()
	wcfg.IdleInterval = time.Millisecond
	wcfg.BackfillInterval = time.Hour
	w := queue.NewWorker(q, gw, nil, br, nil, wcfg, logger)
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	cfg := DefaultConfig()
	cfg.FillTimeout = 50 * time.Millisecond
	cfg.FillPollInterval = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	positions := memory.NewPositionStore()
	c := New(Deps{
		Positions: positions,
		Queue:     q,
		Gate:      br,
		Recorder:  rec,
		Alerts:    sink,
	}, cfg, logger)
	return &env{c: c, gw: gw, q: q, queue: qs, positions: positions, events: events, sink: sink, breaker: br}
}

func callSpread(qty int64) domain.OpenIntent {
	return domain.OpenIntent{
		Symbol:   "AAPL",
		Strategy: "bear_call_spread",
		Legs: []domain.LegSpec{
			{Contract: shortCall, Side: domain.OrderSideSell, Quantity: qty, LimitPrice: decimal.RequireFromString("1.20")},
			{Contract: longCall, Side: domain.OrderSideBuy, Quantity: qty, LimitPrice: decimal.RequireFromString("3.40")},
		},
	}
}

func legFor(t *testing.T, pos domain.Position, contract string) domain.Leg {
	t.Helper()
	l, ok := pos.LegByContract(contract)
	if !ok {
		t.Fatalf("position %s has no leg for %s", pos.ID, contract)
	}
	return l
}

func (e *env) transitions(t *testing.T, positionID string) []string {
	t.Helper()
	evs, err := e.events.List(context.Background(), domain.RiskEventFilter{Component: domain.ComponentCoordinator, Subject: positionID})
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].EventType == "transition" {
			out = append(out, evs[i].After)
		}
	}
	return out
}

func TestOpenThenClose(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	pos, err := e.c.Open(ctx, callSpread(1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if pos.Status != domain.PositionStatusOpen {
		t.Fatalf("status = %s, want open", pos.Status)
	}
	if err := pos.CheckInvariant(); err != nil {
		t.Fatal(err)
	}
	if got := e.gw.submits(); len(got) != 2 || got[0] != longCall || got[1] != shortCall {
		t.Errorf("open order = %v, want long leg first", got)
	}
	if e.gw.Position(shortCall) != -1 || e.gw.Position(longCall) != 1 {
		t.Errorf("broker positions short=%d long=%d", e.gw.Position(shortCall), e.gw.Position(longCall))
	}

	res, err := e.c.Close(ctx, pos.ID, false)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if res.Position.Status != domain.PositionStatusClosed || res.Position.ClosedAt == nil {
		t.Fatalf("after close: %+v", res.Position)
	}
	if got := e.gw.submits(); len(got) != 4 || got[2] != shortCall || got[3] != longCall {
		t.Errorf("close order = %v, want short leg first", got[2:])
	}
	if e.gw.Position(shortCall) != 0 || e.gw.Position(longCall) != 0 {
		t.Error("broker still holds legs after close")
	}
	want := []string{"opening", "open", "closing", "closed"}
	got := e.transitions(t, pos.ID)
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
}

func TestOpenFailureIsAtomic(t *testing.T) {
	tests := []struct {
		name       string
		unwind     bool
		wantStatus domain.PositionStatus
		wantLong   int64
	}{
		{"unwind", true, domain.PositionStatusClosed, 0},
		{"no unwind", false, domain.PositionStatusBroken, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t, func(c *Config) { c.UnwindFailedOpen = tt.unwind })
			e.gw.RejectContract(shortCall, domain.ErrRejected)

			pos, err := e.c.Open(ctx, callSpread(1))
			if !errors.Is(err, domain.ErrPositionBroken) || !errors.Is(err, domain.ErrRejected) {
				t.Fatalf("Open err = %v, want broken + rejected", err)
			}
			stored, _ := e.positions.GetByID(ctx, pos.ID)
			if stored.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", stored.Status, tt.wantStatus)
			}
			if e.gw.Position(longCall) != tt.wantLong || e.gw.Position(shortCall) != 0 {
				t.Errorf("broker long=%d short=%d", e.gw.Position(longCall), e.gw.Position(shortCall))
			}
			if stored.BrokenReason == "" {
				t.Error("broken reason not recorded")
			}
			found := false
			for _, s := range e.transitions(t, pos.ID) {
				if s == string(domain.PositionStatusBroken) {
					found = true
				}
			}
			if !found {
				t.Error("no BROKEN risk event")
			}
			if e.sink.count(domain.SeverityCritical) == 0 {
				t.Error("no critical alert")
			}
		})
	}
}

func TestPartialFillBreaksPosition(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(c *Config) { c.UnwindFailedOpen = false })
	e.gw.CapFill(shortCall, 1)

	pos, err := e.c.Open(ctx, callSpread(2))
	if !errors.Is(err, domain.ErrPartialFill) {
		t.Fatalf("Open err = %v, want ErrPartialFill", err)
	}
	if pos.Status != domain.PositionStatusBroken {
		t.Fatalf("status = %s, want broken", pos.Status)
	}
	short := legFor(t, pos, shortCall)
	if short.FilledQuantity != 1 || short.Status != domain.LegStatusOpen {
		t.Errorf("short leg = %+v", short)
	}
	if e.gw.Position(shortCall) != -1 {
		t.Errorf("broker short = %d", e.gw.Position(shortCall))
	}
	for _, o := range e.gw.Orders(shortCall) {
		if o.Status != domain.OrderStatusCanceled {
			t.Errorf("remainder not canceled: %+v", o)
		}
	}
}

// A normal close that fails on the short leg stops there: the position is
// BROKEN and the long leg is neither closed nor touched.
func TestCloseFailFastLeavesRemainingLegs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	pos, err := e.c.Open(ctx, callSpread(1))
	if err != nil {
		t.Fatal(err)
	}
	e.gw.RejectContract(shortCall, domain.ErrRejected)

	res, err := e.c.Close(ctx, pos.ID, false)
	if !errors.Is(err, domain.ErrPositionBroken) {
		t.Fatalf("Close err = %v, want ErrPositionBroken", err)
	}
	if res.Position.Status != domain.PositionStatusBroken {
		t.Fatalf("status = %s", res.Position.Status)
	}
	if l := legFor(t, res.Position, longCall); l.Status != domain.LegStatusOpen {
		t.Errorf("long leg status = %s, want open", l.Status)
	}
	if n := e.gw.submitsFor(longCall); n != 1 {
		t.Errorf("long leg saw %d orders, want only the open", n)
	}
	if e.gw.Position(longCall) != 1 || e.gw.Position(shortCall) != -1 {
		t.Errorf("broker long=%d short=%d", e.gw.Position(longCall), e.gw.Position(shortCall))
	}

	// The operator follows up with an emergency close once the broker recovers.
	e.gw.RejectContract(shortCall, nil)
	res, err = e.c.Close(ctx, pos.ID, true)
	if err != nil {
		t.Fatalf("emergency close: %v", err)
	}
	if res.Position.Status != domain.PositionStatusClosed {
		t.Fatalf("status after emergency = %s", res.Position.Status)
	}
	if e.gw.Position(longCall) != 0 || e.gw.Position(shortCall) != 0 {
		t.Error("legs still held after emergency close")
	}
}

func TestCloseCompensateRestoresPosition(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(c *Config) { c.ClosePolicy = domain.ClosePolicyCompensate })

	pos, err := e.c.Open(ctx, callSpread(1))
	if err != nil {
		t.Fatal(err)
	}
	e.gw.RejectContract(longCall, domain.ErrRejected)

	res, err := e.c.Close(ctx, pos.ID, false)
	if err == nil || errors.Is(err, domain.ErrPositionBroken) {
		t.Fatalf("Close err = %v, want a compensated failure", err)
	}
	if res.Position.Status != domain.PositionStatusOpen {
		t.Fatalf("status = %s, want open", res.Position.Status)
	}
	if err := res.Position.CheckInvariant(); err != nil {
		t.Fatal(err)
	}
	if e.gw.Position(shortCall) != -1 || e.gw.Position(longCall) != 1 {
		t.Errorf("broker short=%d long=%d", e.gw.Position(shortCall), e.gw.Position(longCall))
	}
}

func TestEmergencyCloseMarksMissingLegs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	pos, err := e.c.Open(ctx, callSpread(1))
	if err != nil {
		t.Fatal(err)
	}
	e.gw.Assign(shortCall)

	res, err := e.c.EmergencyClose(ctx, pos.ID, "assignment")
	if err != nil {
		t.Fatal(err)
	}
	if res.Position.Status != domain.PositionStatusClosed {
		t.Fatalf("status = %s", res.Position.Status)
	}
	if l := legFor(t, res.Position, shortCall); l.Status != domain.LegStatusMissing {
		t.Errorf("short leg = %s, want missing", l.Status)
	}
	if n := e.gw.submitsFor(shortCall); n != 1 {
		t.Errorf("assigned leg saw %d orders, want 1", n)
	}
	if e.gw.Position(longCall) != 0 {
		t.Error("long leg not closed")
	}
}

func TestEmergencyCloseFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	pos, err := e.c.Open(ctx, callSpread(1))
	if err != nil {
		t.Fatal(err)
	}
	e.gw.RejectContract(shortCall, domain.ErrRejected)

	res, err := e.c.EmergencyClose(ctx, pos.ID, "test")
	if !errors.Is(err, domain.ErrEmergencyIncomplete) {
		t.Fatalf("err = %v", err)
	}
	if res.Position.Status != domain.PositionStatusBroken {
		t.Errorf("status = %s, want broken", res.Position.Status)
	}
	// Emergency mode keeps going past the failed leg.
	if l := legFor(t, res.Position, longCall); l.Status != domain.LegStatusClosed {
		t.Errorf("long leg = %s, want closed", l.Status)
	}
	if e.sink.count(domain.SeverityFatal) != 1 {
		t.Errorf("fatal alerts = %d, want 1", e.sink.count(domain.SeverityFatal))
	}
}

func TestOpenRejectedByGates(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	e.c.HaltSymbol(ctx, "AAPL", "assignment mitigation failed")
	if _, err := e.c.Open(ctx, callSpread(1)); !errors.Is(err, domain.ErrSymbolHalted) {
		t.Fatalf("halted open err = %v", err)
	}
	if !e.c.Resume(ctx, "AAPL") {
		t.Fatal("Resume reported no halt")
	}

	for i := 0; i < 5; i++ {
		e.breaker.RecordFailure(ctx)
	}
	if _, err := e.c.Open(ctx, callSpread(1)); !errors.Is(err, domain.ErrHalted) {
		t.Fatalf("breaker-open err = %v", err)
	}
	if len(e.gw.submits()) != 0 {
		t.Error("orders reached the broker while gated")
	}
	all, _ := e.positions.List(ctx, domain.ListOpts{})
	if len(all) != 0 {
		t.Errorf("gated opens created %d positions", len(all))
	}
}

func TestCloseWhileBusy(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	pos, err := e.c.Open(ctx, callSpread(1))
	if err != nil {
		t.Fatal(err)
	}
	unlock, err := e.c.local.lock(ctx, pos.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()
	if _, err := e.c.Close(ctx, pos.ID, false); !errors.Is(err, domain.ErrPositionBusy) {
		t.Fatalf("err = %v, want ErrPositionBusy", err)
	}
}

func TestSubmitDispatchesIntents(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	pos, err := e.c.Submit(ctx, callSpread(1))
	if err != nil {
		t.Fatal(err)
	}
	pos, err = e.c.Submit(ctx, domain.CloseIntent{
		PositionID:  pos.ID,
		LimitPrices: map[string]decimal.Decimal{shortCall: decimal.RequireFromString("0.90")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if pos.Status != domain.PositionStatusClosed {
		t.Errorf("status = %s", pos.Status)
	}
}

func TestRecoverInterruptedPositions(t *testing.T) {
	tests := []struct {
		name      string
		status    domain.PositionStatus
		legs      []domain.LegStatus
		heldShort int64
		heldLong  int64
		want      domain.PositionStatus
	}{
		{"opening completed", domain.PositionStatusOpening, []domain.LegStatus{domain.LegStatusPending, domain.LegStatusOpen}, -1, 1, domain.PositionStatusOpen},
		{"opening half done", domain.PositionStatusOpening, []domain.LegStatus{domain.LegStatusPending, domain.LegStatusOpen}, 0, 1, domain.PositionStatusBroken},
		{"opening never started", domain.PositionStatusOpening, []domain.LegStatus{domain.LegStatusPending, domain.LegStatusPending}, 0, 0, domain.PositionStatusClosed},
		{"closing finished", domain.PositionStatusClosing, []domain.LegStatus{domain.LegStatusClosed, domain.LegStatusClosing}, 0, 0, domain.PositionStatusClosed},
		{"closing half done", domain.PositionStatusClosing, []domain.LegStatus{domain.LegStatusClosed, domain.LegStatusOpen}, 0, 1, domain.PositionStatusBroken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t, nil)
			pos := domain.Position{
				ID:     "p-" + tt.name,
				Symbol: "AAPL",
				Status: tt.status,
				Legs: []domain.Leg{
					{ID: "s", Contract: shortCall, Side: domain.OrderSideSell, Quantity: 1, Status: tt.legs[0]},
					{ID: "l", Contract: longCall, Side: domain.OrderSideBuy, Quantity: 1, FilledQuantity: 1, Status: tt.legs[1]},
				},
			}
			if tt.legs[0] != domain.LegStatusPending {
				pos.Legs[0].FilledQuantity = 1
			}
			if err := e.positions.Create(ctx, pos); err != nil {
				t.Fatal(err)
			}
			e.gw.SetPosition(shortCall, tt.heldShort, false)
			e.gw.SetPosition(longCall, tt.heldLong, false)

			if err := e.c.Recover(ctx); err != nil {
				t.Fatal(err)
			}
			got, _ := e.positions.GetByID(ctx, pos.ID)
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s (legs %+v)", got.Status, tt.want, got.Legs)
			}
			if tt.want != domain.PositionStatusBroken {
				if err := got.CheckInvariant(); err != nil {
					t.Error(err)
				}
			}
		})
	}
}

func TestRecoverFlagsInvariantViolation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	pos := domain.Position{
		ID:     "bad",
		Symbol: "AAPL",
		Status: domain.PositionStatusOpen,
		Legs: []domain.Leg{
			{ID: "s", Contract: shortCall, Side: domain.OrderSideSell, Quantity: 1, FilledQuantity: 1, Status: domain.LegStatusMissing},
			{ID: "l", Contract: longCall, Side: domain.OrderSideBuy, Quantity: 1, FilledQuantity: 1, Status: domain.LegStatusOpen},
		},
	}
	if err := e.positions.Create(ctx, pos); err != nil {
		t.Fatal(err)
	}
	if err := e.c.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := e.positions.GetByID(ctx, "bad")
	if got.Status != domain.PositionStatusBroken {
		t.Errorf("status = %s, want broken", got.Status)
	}
}

func TestRecoverRestoresHalts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.c.HaltSymbol(ctx, "TSLA", "mitigation failed")

	fresh := New(Deps{Positions: e.positions, Queue: e.c.q, Recorder: e.c.rec}, DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := fresh.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	if reason, ok := fresh.Halted("TSLA"); !ok || reason != "mitigation failed" {
		t.Errorf("Halted = %q, %v", reason, ok)
	}
}

func TestLegOrder(t *testing.T) {
	legs := []domain.Leg{
		{ID: "s1", Side: domain.OrderSideSell},
		{ID: "b1", Side: domain.OrderSideBuy},
		{ID: "s2", Side: domain.OrderSideSell},
		{ID: "b2", Side: domain.OrderSideBuy},
	}
	ids := func(idx []int) string {
		var s string
		for _, i := range idx {
			s += legs[i].ID
		}
		return s
	}
	if got := ids(legOrder(legs, false)); got != "b1b2s1s2" {
		t.Errorf("longs first = %s", got)
	}
	if got := ids(legOrder(legs, true)); got != "s1s2b1b2" {
		t.Errorf("shorts first = %s", got)
	}
}
