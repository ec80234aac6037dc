// Package coordinator owns the lifecycle of multi-leg positions. It opens
// and closes legs through the request queue, enforces the leg-uniformity
// invariant, and drives a position to BROKEN (with a risk event, an alert
// and an unwind) whenever a leg operation leaves it partially executed.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/metrics"
	"github.com/alanyoungcy/legsafe/internal/queue"
)

// Queue is the subset of *queue.Queue the coordinator needs.
type Queue interface {
	Do(ctx context.Context, kind domain.QueueKind, priority domain.QueuePriority, payload any, opts queue.EnqueueOpts) (domain.QueueItem, error)
	Get(ctx context.Context, id string) (domain.QueueItem, error)
	ListByKeyPrefix(ctx context.Context, prefix string) ([]domain.QueueItem, error)
	Withdraw(ctx context.Context, id, reason string) (bool, error)
}

// Gate reports whether new non-emergency orders may be placed.
type Gate interface {
	Allow(ctx context.Context) bool
}

// Recorder appends risk events.
type Recorder interface {
	Record(ctx context.Context, ev domain.RiskEvent) (domain.RiskEvent, error)
	Transition(ctx context.Context, component, subject, before, after string, detail map[string]any) error
	List(ctx context.Context, f domain.RiskEventFilter) ([]domain.RiskEvent, error)
}

// Config controls order confirmation and failure handling.
type Config struct {
	FillTimeout      time.Duration
	FillPollInterval time.Duration
	ClosePolicy      domain.ClosePolicy
	UnwindFailedOpen bool
	LockTTL          time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FillTimeout:      30 * time.Second,
		FillPollInterval: time.Second,
		ClosePolicy:      domain.ClosePolicyFailFast,
		UnwindFailedOpen: true,
		LockTTL:          time.Minute,
	}
}

// Deps groups the collaborators of a Coordinator. Locks, Bus and Metrics are
// optional.
type Deps struct {
	Positions domain.PositionStore
	Queue     Queue
	Gate      Gate
	Recorder  Recorder
	Alerts    domain.AlertSink
	Locks     domain.LockManager
	Bus       domain.EventBus
	Metrics   *metrics.Metrics
}

// CloseResult reports what a close attempt did to each leg.
type CloseResult struct {
	Position    domain.Position `json:"position"`
	ClosedLegs  []string        `json:"closed_legs"`
	MissingLegs []string        `json:"missing_legs,omitempty"`
	FailedLegs  []string        `json:"failed_legs,omitempty"`
}

// Coordinator serializes all writes to a position.
type Coordinator struct {
	positions domain.PositionStore
	q         Queue
	gate      Gate
	rec       Recorder
	alerts    domain.AlertSink
	locks     domain.LockManager
	bus       domain.EventBus
	metrics   *metrics.Metrics
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	local *keyedMutex

	haltMu sync.RWMutex
	halted map[string]string // symbol -> reason
}

// New creates a Coordinator.
func New(deps Deps, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 30 * time.Second
	}
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = time.Second
	}
	if cfg.ClosePolicy == "" {
		cfg.ClosePolicy = domain.ClosePolicyFailFast
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	return &Coordinator{
		positions: deps.Positions,
		q:         deps.Queue,
		gate:      deps.Gate,
		rec:       deps.Recorder,
		alerts:    deps.Alerts,
		locks:     deps.Locks,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "coordinator")),
		now:       time.Now,
		local:     newKeyedMutex(),
		halted:    make(map[string]string),
	}
}

// Submit dispatches a decision-layer intent.
func (c *Coordinator) Submit(ctx context.Context, in domain.Intent) (domain.Position, error) {
	switch v := in.(type) {
	case domain.OpenIntent:
		return c.Open(ctx, v)
	case domain.CloseIntent:
		res, err := c.close(ctx, v.PositionID, v.LimitPrices, v.EffectiveAt)
		return res.Position, err
	case domain.EmergencyCloseIntent:
		res, err := c.EmergencyClose(ctx, v.PositionID, v.Reason)
		return res.Position, err
	}
	return domain.Position{}, fmt.Errorf("coordinator: unknown intent %T: %w", in, domain.ErrInvalidOrder)
}

// Get returns a position by ID.
func (c *Coordinator) Get(ctx context.Context, id string) (domain.Position, error) {
	return c.positions.GetByID(ctx, id)
}

// HaltSymbol blocks new opens on symbol until Resume.
func (c *Coordinator) HaltSymbol(ctx context.Context, symbol, reason string) {
	c.haltMu.Lock()
	_, already := c.halted[symbol]
	c.halted[symbol] = reason
	c.haltMu.Unlock()
	if already {
		return
	}
	c.logger.WarnContext(ctx, "symbol halted", slog.String("symbol", symbol), slog.String("reason", reason))
	c.recordTransition(ctx, "symbol:"+symbol, "active", "halted", map[string]any{"reason": reason})
	c.alert(ctx, domain.Alert{
		Severity: domain.SeverityCritical,
		Title:    "Symbol halted: " + symbol,
		Message:  reason,
	})
}

// Resume lifts a symbol halt.
func (c *Coordinator) Resume(ctx context.Context, symbol string) bool {
	c.haltMu.Lock()
	_, ok := c.halted[symbol]
	delete(c.halted, symbol)
	c.haltMu.Unlock()
	if ok {
		c.logger.InfoContext(ctx, "symbol resumed", slog.String("symbol", symbol))
		c.recordTransition(ctx, "symbol:"+symbol, "halted", "active", nil)
	}
	return ok
}

// Halted reports whether symbol is halted and why.
func (c *Coordinator) Halted(symbol string) (string, bool) {
	c.haltMu.RLock()
	defer c.haltMu.RUnlock()
	r, ok := c.halted[symbol]
	return r, ok
}

// HaltedSymbols returns a copy of the halt table.
func (c *Coordinator) HaltedSymbols() map[string]string {
	c.haltMu.RLock()
	defer c.haltMu.RUnlock()
	out := make(map[string]string, len(c.halted))
	for k, v := range c.halted {
		out[k] = v
	}
	return out
}

// acquire takes the in-process and, when configured, distributed lock for a
// position. With wait unset a held lock returns ErrPositionBusy. With wait
// set the distributed lock is retried until its TTL has passed, after which
// a stale holder is assumed dead.
func (c *Coordinator) acquire(ctx context.Context, id string, wait bool) (func(), error) {
	unlockLocal, err := c.local.lock(ctx, id, wait)
	if err != nil {
		return nil, err
	}
	if c.locks == nil {
		return unlockLocal, nil
	}

	deadline := c.now().Add(c.cfg.LockTTL)
	for {
		unlock, err := c.locks.Acquire(ctx, "position:"+id, c.cfg.LockTTL)
		if err == nil {
			return func() { unlock(); unlockLocal() }, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			unlockLocal()
			return nil, fmt.Errorf("coordinator: lock %s: %w", id, err)
		}
		if !wait {
			unlockLocal()
			return nil, fmt.Errorf("coordinator: position %s: %w", id, domain.ErrPositionBusy)
		}
		if c.now().After(deadline) {
			c.logger.WarnContext(ctx, "position lock still held after ttl, proceeding", slog.String("position_id", id))
			return unlockLocal, nil
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// save persists pos and replaces it with the stored copy.
func (c *Coordinator) save(ctx context.Context, pos *domain.Position) error {
	stored, err := c.positions.Update(ctx, *pos)
	if err != nil {
		return fmt.Errorf("coordinator: save position %s: %w", pos.ID, err)
	}
	*pos = stored
	c.publish(ctx, stored)
	return nil
}

// setStatus moves pos to status, persists it and records the transition.
func (c *Coordinator) setStatus(ctx context.Context, pos *domain.Position, status domain.PositionStatus, detail map[string]any) error {
	before := pos.Status
	pos.Status = status
	if status == domain.PositionStatusClosed {
		t := c.now().UTC()
		pos.ClosedAt = &t
	}
	if err := c.save(ctx, pos); err != nil {
		return err
	}
	if before != status {
		c.recordTransition(ctx, pos.ID, string(before), string(status), detail)
	}
	return nil
}

// markBroken forces pos to BROKEN and raises a critical alert. The caller
// holds the position lock.
func (c *Coordinator) markBroken(ctx context.Context, pos *domain.Position, reason, metricReason string) error {
	pos.BrokenReason = reason
	if err := c.setStatus(ctx, pos, domain.PositionStatusBroken, map[string]any{"reason": reason}); err != nil {
		return err
	}
	c.metrics.PositionBroken(metricReason)
	c.logger.ErrorContext(ctx, "position broken",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("reason", reason),
	)
	c.alert(ctx, domain.Alert{
		Severity:   domain.SeverityCritical,
		Title:      "Position BROKEN: " + pos.Symbol,
		Message:    reason,
		PositionID: pos.ID,
		Fields:     legFields(*pos),
	})
	return nil
}

func (c *Coordinator) recordTransition(ctx context.Context, subject, before, after string, detail map[string]any) {
	if c.rec == nil {
		return
	}
	if err := c.rec.Transition(ctx, domain.ComponentCoordinator, subject, before, after, detail); err != nil {
		c.logger.ErrorContext(ctx, "risk event not recorded",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) recordEvent(ctx context.Context, subject, eventType string, detail map[string]any) {
	if c.rec == nil {
		return
	}
	if _, err := c.rec.Record(ctx, domain.RiskEvent{
		Component: domain.ComponentCoordinator,
		EventType: eventType,
		Subject:   subject,
		Detail:    detail,
	}); err != nil {
		c.logger.ErrorContext(ctx, "risk event not recorded",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) alert(ctx context.Context, a domain.Alert) {
	if c.alerts == nil {
		return
	}
	if a.At.IsZero() {
		a.At = c.now().UTC()
	}
	if err := c.alerts.Alert(ctx, a); err != nil {
		c.logger.WarnContext(ctx, "alert delivery failed", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) publish(ctx context.Context, pos domain.Position) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(pos)
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, domain.ChannelPositions, payload); err != nil {
		c.logger.DebugContext(ctx, "position publish failed", slog.String("error", err.Error()))
	}
}

func legFields(pos domain.Position) map[string]string {
	out := make(map[string]string, len(pos.Legs))
	for _, l := range pos.Legs {
		out[l.Contract] = fmt.Sprintf("%s %s %d/%d", l.Status, l.Side, l.FilledQuantity, l.Quantity)
	}
	return out
}

// legOrder returns leg indexes with long legs first (shortsFirst unset) or
// short legs first, keeping the declared order within each group.
func legOrder(legs []domain.Leg, shortsFirst bool) []int {
	idx := make([]int, len(legs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		sa, sb := legs[idx[a]].Short(), legs[idx[b]].Short()
		if sa == sb {
			return false
		}
		if shortsFirst {
			return sa
		}
		return sb
	})
	return idx
}
