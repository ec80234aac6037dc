// Package paper implements an in-memory BrokerGateway for paper trading and
// tests. It fills orders immediately by default and exposes fault injection
// hooks for rejections, outages, partial fills and assignments.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

var _ domain.BrokerGateway = (*Gateway)(nil)

// Op names a gateway call for fault injection.
type Op string

const (
	OpSubmit   Op = "submit"
	OpCancel   Op = "cancel"
	OpLookup   Op = "lookup"
	OpSnapshot Op = "snapshot"
)

type fault struct {
	err   error
	times int // remaining; negative means until cleared
}

type order struct {
	ack domain.OrderAck
	req domain.OrderRequest
}

// Gateway is a simulated broker. Safe for concurrent use.
type Gateway struct {
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	positions   map[string]int64
	underlyings map[string]string
	orders      map[string]*order // by client order ID
	byOrderID   map[string]string // broker order ID -> client order ID
	submits     map[string]int    // effective submits per client order ID
	faults      map[Op][]*fault
	rejects     map[string]error
	fillCaps    map[string]int64
	marks       map[string]decimal.Decimal
	subs        []chan domain.BrokerEvent
}

// New creates an empty paper gateway.
func New(logger *slog.Logger) *Gateway {
	return &Gateway{
		logger:      logger.With(slog.String("component", "paper_gateway")),
		now:         time.Now,
		positions:   make(map[string]int64),
		underlyings: make(map[string]string),
		orders:      make(map[string]*order),
		byOrderID:   make(map[string]string),
		submits:     make(map[string]int),
		faults:      make(map[Op][]*fault),
		rejects:     make(map[string]error),
		fillCaps:    make(map[string]int64),
		marks:       make(map[string]decimal.Decimal),
	}
}

func (g *Gateway) Name() string { return "paper" }

// Submit records and fills the order. A repeated client order ID returns
// ErrDuplicateOrder without touching positions.
func (g *Gateway) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderAck{}, err
	}
	g.mu.Lock()
	if err := g.takeFault(OpSubmit); err != nil {
		g.mu.Unlock()
		return domain.OrderAck{}, fmt.Errorf("paper: submit: %w", err)
	}
	if err := g.rejects[req.Contract]; err != nil {
		g.mu.Unlock()
		return domain.OrderAck{}, fmt.Errorf("paper: submit %s: %w", req.Contract, err)
	}
	if req.Quantity <= 0 {
		g.mu.Unlock()
		return domain.OrderAck{}, fmt.Errorf("paper: quantity %d: %w", req.Quantity, domain.ErrInvalidOrder)
	}
	if _, ok := g.orders[req.ClientOrderID]; ok {
		g.mu.Unlock()
		return domain.OrderAck{}, fmt.Errorf("paper: %s: %w", req.ClientOrderID, domain.ErrDuplicateOrder)
	}

	now := g.now().UTC()
	o := &order{
		req: req,
		ack: domain.OrderAck{
			OrderID:       uuid.New().String(),
			ClientOrderID: req.ClientOrderID,
			Contract:      req.Contract,
			Side:          req.Side,
			Status:        domain.OrderStatusAccepted,
			Quantity:      req.Quantity,
			UpdatedAt:     now,
		},
	}
	g.orders[req.ClientOrderID] = o
	g.byOrderID[o.ack.OrderID] = req.ClientOrderID
	g.submits[req.ClientOrderID]++

	fill := req.Quantity
	if c, ok := g.fillCaps[req.Contract]; ok && c < fill {
		fill = c
	}
	var events []domain.BrokerEvent
	if fill > 0 {
		events = g.fillLocked(o, fill)
	}
	ack := o.ack
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "paper order",
		slog.String("client_order_id", req.ClientOrderID),
		slog.String("contract", req.Contract),
		slog.String("side", string(req.Side)),
		slog.Int64("qty", req.Quantity),
		slog.Int64("filled", ack.FilledQty),
		slog.String("status", string(ack.Status)),
	)
	g.publish(events...)
	return ack, nil
}

// fillLocked executes qty more of o and returns the events to publish.
func (g *Gateway) fillLocked(o *order, qty int64) []domain.BrokerEvent {
	remaining := o.req.Quantity - o.ack.FilledQty
	if qty > remaining {
		qty = remaining
	}
	if qty <= 0 {
		return nil
	}
	price := o.req.LimitPrice
	if m, ok := g.marks[o.req.Contract]; ok && (price.IsZero() || o.req.Type == domain.OrderTypeMarket) {
		price = m
	}
	if price.IsZero() {
		price = decimal.NewFromInt(1)
	}

	prev := decimal.NewFromInt(o.ack.FilledQty).Mul(o.ack.AvgFillPrice)
	o.ack.FilledQty += qty
	o.ack.AvgFillPrice = prev.Add(decimal.NewFromInt(qty).Mul(price)).Div(decimal.NewFromInt(o.ack.FilledQty))
	if o.ack.FilledQty >= o.req.Quantity {
		o.ack.Status = domain.OrderStatusFilled
	} else {
		o.ack.Status = domain.OrderStatusPartiallyFilled
	}
	now := g.now().UTC()
	o.ack.UpdatedAt = now

	delta := qty
	if o.req.Side == domain.OrderSideSell {
		delta = -qty
	}
	g.positions[o.req.Contract] += delta

	return []domain.BrokerEvent{
		g.orderEventLocked(o, now),
		g.positionEventLocked(domain.BrokerEventPositionChange, o.req.Contract, now),
	}
}

// Cancel cancels an open order. Filled or unknown orders cannot be canceled.
func (g *Gateway) Cancel(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	if err := g.takeFault(OpCancel); err != nil {
		g.mu.Unlock()
		return fmt.Errorf("paper: cancel: %w", err)
	}
	cid, ok := g.byOrderID[orderID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("paper: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	o := g.orders[cid]
	if o.ack.Status.Terminal() {
		g.mu.Unlock()
		return fmt.Errorf("paper: cancel %s in status %s: %w", orderID, o.ack.Status, domain.ErrRejected)
	}
	now := g.now().UTC()
	o.ack.Status = domain.OrderStatusCanceled
	o.ack.UpdatedAt = now
	ev := g.orderEventLocked(o, now)
	g.mu.Unlock()
	g.publish(ev)
	return nil
}

// Lookup returns the current state of an order by client order ID.
func (g *Gateway) Lookup(ctx context.Context, clientOrderID string) (domain.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderAck{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFault(OpLookup); err != nil {
		return domain.OrderAck{}, fmt.Errorf("paper: lookup: %w", err)
	}
	o, ok := g.orders[clientOrderID]
	if !ok {
		return domain.OrderAck{}, fmt.Errorf("paper: lookup %s: %w", clientOrderID, domain.ErrNotFound)
	}
	return o.ack, nil
}

// Snapshot returns every non-zero holding.
func (g *Gateway) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFault(OpSnapshot); err != nil {
		return domain.Snapshot{}, fmt.Errorf("paper: snapshot: %w", err)
	}
	snap := domain.Snapshot{TakenAt: g.now().UTC()}
	for c, q := range g.positions {
		if q == 0 {
			continue
		}
		snap.Positions = append(snap.Positions, g.legStateLocked(c))
	}
	return snap, nil
}

// Subscribe returns a channel of broker events closed when ctx ends.
func (g *Gateway) Subscribe(ctx context.Context) (<-chan domain.BrokerEvent, error) {
	ch := make(chan domain.BrokerEvent, 64)
	g.mu.Lock()
	g.subs = append(g.subs, ch)
	g.mu.Unlock()

	go func() {
		<-ctx.Done()
		g.mu.Lock()
		defer g.mu.Unlock()
		for i, s := range g.subs {
			if s == ch {
				g.subs = append(g.subs[:i], g.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

// Assign simulates exercise of a short option leg: the option position goes
// to zero and the deliverable shares appear on the underlying.
func (g *Gateway) Assign(contract string) {
	g.mu.Lock()
	qty := g.positions[contract]
	if qty == 0 {
		g.mu.Unlock()
		return
	}
	root, right, ok := parseOCC(contract)
	underlying := g.underlyingLocked(contract)
	if !ok {
		root = underlying
	}
	g.positions[contract] = 0
	shares := qty * 100 // short call assigned -> short shares
	if right == 'P' {
		shares = -shares // short put assigned -> long shares
	}
	g.positions[root] += shares
	g.underlyings[root] = root

	now := g.now().UTC()
	events := []domain.BrokerEvent{
		g.positionEventLocked(domain.BrokerEventAssignment, contract, now),
		g.positionEventLocked(domain.BrokerEventPositionChange, root, now),
	}
	g.mu.Unlock()

	g.logger.Warn("paper assignment",
		slog.String("contract", contract),
		slog.String("underlying", root),
		slog.Int64("shares", shares),
	)
	g.publish(events...)
}

// SetPosition overwrites the held quantity for contract, as if changed
// outside this process. When notify is set a position_change event is pushed.
func (g *Gateway) SetPosition(contract string, qty int64, notify bool) {
	g.mu.Lock()
	g.positions[contract] = qty
	ev := g.positionEventLocked(domain.BrokerEventPositionChange, contract, g.now().UTC())
	g.mu.Unlock()
	if notify {
		g.publish(ev)
	}
}

// Position returns the held quantity for contract.
func (g *Gateway) Position(contract string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.positions[contract]
}

// InjectFault makes the next times calls of op fail with err. A negative
// times fails every call until ClearFaults.
func (g *Gateway) InjectFault(op Op, err error, times int) {
	g.mu.Lock()
	g.faults[op] = append(g.faults[op], &fault{err: err, times: times})
	g.mu.Unlock()
}

// RejectContract makes every submit for contract fail with err. A nil err
// clears the rejection.
func (g *Gateway) RejectContract(contract string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.rejects, contract)
		return
	}
	g.rejects[contract] = err
}

// CapFill limits how much of each new order on contract fills immediately.
// A negative cap removes the limit.
func (g *Gateway) CapFill(contract string, cap int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cap < 0 {
		delete(g.fillCaps, contract)
		return
	}
	g.fillCaps[contract] = cap
}

// Fill executes qty more of a resting order.
func (g *Gateway) Fill(clientOrderID string, qty int64) error {
	g.mu.Lock()
	o, ok := g.orders[clientOrderID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("paper: fill %s: %w", clientOrderID, domain.ErrNotFound)
	}
	if o.ack.Status.Terminal() {
		g.mu.Unlock()
		return fmt.Errorf("paper: fill %s in status %s: %w", clientOrderID, o.ack.Status, domain.ErrRejected)
	}
	events := g.fillLocked(o, qty)
	g.mu.Unlock()
	g.publish(events...)
	return nil
}

// SetMark sets the price used for market orders on contract.
func (g *Gateway) SetMark(contract string, price decimal.Decimal) {
	g.mu.Lock()
	g.marks[contract] = price
	g.mu.Unlock()
}

// ClearFaults removes injected faults and contract rejections.
func (g *Gateway) ClearFaults() {
	g.mu.Lock()
	g.faults = make(map[Op][]*fault)
	g.rejects = make(map[string]error)
	g.mu.Unlock()
}

// SubmitCount returns how many times an order with clientOrderID reached
// the simulated book.
func (g *Gateway) SubmitCount(clientOrderID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits[clientOrderID]
}

// Orders returns every order placed on a contract, in no particular order.
func (g *Gateway) Orders(contract string) []domain.OrderAck {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.OrderAck
	for _, o := range g.orders {
		if o.req.Contract == contract {
			out = append(out, o.ack)
		}
	}
	return out
}

func (g *Gateway) takeFault(op Op) error {
	fs := g.faults[op]
	for len(fs) > 0 {
		f := fs[0]
		if f.times == 0 {
			fs = fs[1:]
			continue
		}
		if f.times > 0 {
			f.times--
		}
		g.faults[op] = fs
		return f.err
	}
	g.faults[op] = fs
	return nil
}

func (g *Gateway) legStateLocked(contract string) domain.LegState {
	class := domain.AssetClassEquity
	if _, _, ok := parseOCC(contract); ok {
		class = domain.AssetClassOption
	}
	return domain.LegState{
		Contract:   contract,
		Underlying: g.underlyingLocked(contract),
		AssetClass: class,
		Quantity:   g.positions[contract],
	}
}

func (g *Gateway) underlyingLocked(contract string) string {
	if u, ok := g.underlyings[contract]; ok {
		return u
	}
	if root, _, ok := parseOCC(contract); ok {
		return root
	}
	return contract
}

func (g *Gateway) orderEventLocked(o *order, at time.Time) domain.BrokerEvent {
	ls := g.legStateLocked(o.req.Contract)
	return domain.BrokerEvent{
		Type:          domain.BrokerEventOrderUpdate,
		Contract:      o.req.Contract,
		Underlying:    ls.Underlying,
		AssetClass:    ls.AssetClass,
		OrderID:       o.ack.OrderID,
		ClientOrderID: o.ack.ClientOrderID,
		OrderStatus:   o.ack.Status,
		Quantity:      ls.Quantity,
		At:            at,
	}
}

func (g *Gateway) positionEventLocked(t domain.BrokerEventType, contract string, at time.Time) domain.BrokerEvent {
	ls := g.legStateLocked(contract)
	return domain.BrokerEvent{
		Type:       t,
		Contract:   contract,
		Underlying: ls.Underlying,
		AssetClass: ls.AssetClass,
		Quantity:   ls.Quantity,
		At:         at,
	}
}

// publish delivers events without blocking; a full subscriber drops them and
// relies on the reconciliation poll.
func (g *Gateway) publish(events ...domain.BrokerEvent) {
	if len(events) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ev := range events {
		for _, ch := range g.subs {
			select {
			case ch <- ev:
			default:
				g.logger.Warn("paper event dropped", slog.String("contract", ev.Contract))
			}
		}
	}
}

// parseOCC splits an OCC option symbol such as "AAPL250117C00150000" into
// its root and right.
func parseOCC(contract string) (root string, right byte, ok bool) {
	s := strings.ReplaceAll(contract, " ", "")
	if len(s) < 16 {
		return "", 0, false
	}
	tail := s[len(s)-15:]
	right = tail[6]
	if right != 'C' && right != 'P' {
		return "", 0, false
	}
	for _, c := range tail[:6] + tail[7:] {
		if c < '0' || c > '9' {
			return "", 0, false
		}
	}
	return s[:len(s)-15], right, true
}
