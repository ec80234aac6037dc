// Package assignment detects involuntary leg removal (assignment, exercise
// or any change made outside this process) and drives the affected
// positions through mitigation: BROKEN, then emergency close.
//
// Per position the monitor walks WATCHING -> SUSPECTED -> CONFIRMED ->
// MITIGATING -> RESOLVED or FAILED. Broker push events are the primary
// signal; a fallback poll runs the same check from a snapshot.
package assignment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/legsafe/internal/coordinator"
	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/metrics"
	"github.com/alanyoungcy/legsafe/internal/queue"
)

// State is the monitor's view of one position.
type State string

const (
	StateWatching   State = "watching"
	StateSuspected  State = "suspected"
	StateConfirmed  State = "confirmed"
	StateMitigating State = "mitigating"
	StateResolved   State = "resolved"
	StateFailed     State = "failed"
)

// Queue is the subset of *queue.Queue the monitor needs.
type Queue interface {
	Do(ctx context.Context, kind domain.QueueKind, priority domain.QueuePriority, payload any, opts queue.EnqueueOpts) (domain.QueueItem, error)
}

// Coordinator is the mitigation surface of *coordinator.Coordinator.
type Coordinator interface {
	MarkBroken(ctx context.Context, id, reason string, missingLegIDs []string) (domain.Position, error)
	EmergencyClose(ctx context.Context, id, reason string) (coordinator.CloseResult, error)
	HaltSymbol(ctx context.Context, symbol, reason string)
}

// Subscriber delivers broker push events.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan domain.BrokerEvent, error)
}

// Recorder appends state transitions to the risk event log.
type Recorder interface {
	Transition(ctx context.Context, component, subject, before, after string, detail map[string]any) error
}

// Config tunes the fallback poll.
type Config struct {
	// PollInterval is the fallback snapshot check. Zero disables polling.
	PollInterval time.Duration
	// Retain is how long RESOLVED entries stay in the state table.
	Retain time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Minute,
		Retain:       time.Hour,
	}
}

// Deps groups the monitor's collaborators. Events, Alerts and Metrics are
// optional.
type Deps struct {
	Positions   domain.PositionStore
	Queue       Queue
	Coordinator Coordinator
	Events      Subscriber
	Recorder    Recorder
	Alerts      domain.AlertSink
	Metrics     *metrics.Metrics
}

type tracked struct {
	state  State
	reason string
	since  time.Time
}

// Monitor tracks assignment state per position.
type Monitor struct {
	positions domain.PositionStore
	q         Queue
	coord     Coordinator
	events    Subscriber
	rec       Recorder
	alerts    domain.AlertSink
	metrics   *metrics.Metrics
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	states map[string]*tracked
}

// New creates a Monitor.
func New(deps Deps, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Retain <= 0 {
		cfg.Retain = time.Hour
	}
	return &Monitor{
		positions: deps.Positions,
		q:         deps.Queue,
		coord:     deps.Coordinator,
		events:    deps.Events,
		rec:       deps.Recorder,
		alerts:    deps.Alerts,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "assignment")),
		now:       time.Now,
		states:    make(map[string]*tracked),
	}
}

// State returns the monitor state of a position.
func (m *Monitor) State(positionID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.states[positionID]; ok {
		return t.state
	}
	return StateWatching
}

// States returns every position the monitor is not merely watching.
func (m *Monitor) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.states))
	for id, t := range m.states {
		if t.state != StateWatching {
			out[id] = t.state
		}
	}
	return out
}

// Run consumes broker events and runs the fallback poll until ctx is
// cancelled. A closed event stream is resubscribed on the next poll tick.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("assignment monitor started")
	defer m.logger.Info("assignment monitor stopped")

	var events <-chan domain.BrokerEvent
	subscribe := func() {
		if m.events == nil {
			return
		}
		ch, err := m.events.Subscribe(ctx)
		if err != nil {
			m.logger.WarnContext(ctx, "broker event subscribe failed", slog.String("error", err.Error()))
			return
		}
		events = ch
	}
	subscribe()

	var poll <-chan time.Time
	if m.cfg.PollInterval > 0 {
		t := time.NewTicker(m.cfg.PollInterval)
		defer t.Stop()
		poll = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				if ctx.Err() == nil {
					m.logger.WarnContext(ctx, "broker event stream closed, polling only")
				}
				continue
			}
			if err := m.HandleEvent(ctx, ev); err != nil {
				m.logger.ErrorContext(ctx, "handle broker event failed",
					slog.String("contract", ev.Contract),
					slog.String("error", err.Error()),
				)
			}
		case <-poll:
			if events == nil {
				subscribe()
			}
			if err := m.Poll(ctx); err != nil {
				m.logger.ErrorContext(ctx, "assignment poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// HandleEvent checks one push event against the OPEN positions. An option
// leg whose broker quantity dropped to zero (or flipped side), or a share
// position on an underlying no leg expects, makes the affected positions
// SUSPECTED; they are confirmed against a fresh snapshot before mitigation.
func (m *Monitor) HandleEvent(ctx context.Context, ev domain.BrokerEvent) error {
	if ev.Type != domain.BrokerEventPositionChange && ev.Type != domain.BrokerEventAssignment {
		return nil
	}
	open, err := m.positions.ListByStatus(ctx, domain.PositionStatusOpen)
	if err != nil {
		return fmt.Errorf("assignment: list open positions: %w", err)
	}

	var (
		suspects []domain.Position
		reason   string
	)
	if ev.AssetClass == domain.AssetClassEquity {
		if ev.Quantity == 0 || expectsContract(open, ev.Contract) {
			return nil
		}
		underlying := ev.Underlying
		if underlying == "" {
			underlying = ev.Contract
		}
		for _, p := range open {
			if p.Symbol == underlying && hasShortLeg(p) {
				suspects = append(suspects, p)
			}
		}
		reason = fmt.Sprintf("unexpected %d shares of %s", ev.Quantity, ev.Contract)
	} else {
		for _, p := range open {
			leg, ok := p.LegByContract(ev.Contract)
			if !ok || leg.Status != domain.LegStatusOpen {
				continue
			}
			if ev.Quantity == 0 || (ev.Quantity < 0) != leg.Short() {
				suspects = append(suspects, p)
			}
		}
		reason = fmt.Sprintf("%s: %s quantity now %d", ev.Type, ev.Contract, ev.Quantity)
	}

	suspects = m.suspect(ctx, suspects, reason)
	if len(suspects) == 0 {
		return nil
	}
	snap, err := m.snapshot(ctx)
	if err != nil {
		m.unconfirmed(ctx, suspects, reason, err)
		return err
	}
	m.confirm(ctx, suspects, snap, reason)
	return nil
}

// Poll compares every OPEN position with a broker snapshot.
func (m *Monitor) Poll(ctx context.Context) error {
	m.prune()
	open, err := m.positions.ListByStatus(ctx, domain.PositionStatusOpen)
	if err != nil {
		return fmt.Errorf("assignment: list open positions: %w", err)
	}
	if len(open) == 0 {
		return nil
	}
	snap, err := m.snapshot(ctx)
	if err != nil {
		return err
	}
	var suspects []domain.Position
	for _, p := range open {
		if len(missingLegs(p, snap)) > 0 {
			suspects = append(suspects, p)
		}
	}
	suspects = m.suspect(ctx, suspects, "poll: leg absent from broker snapshot")
	m.confirm(ctx, suspects, snap, "poll: leg absent from broker snapshot")
	return nil
}

// Mitigate marks the position BROKEN with the given legs MISSING and
// emergency closes it. It is a no-op for positions already MITIGATING,
// RESOLVED or FAILED, so reconciliation and the monitor can both call it.
func (m *Monitor) Mitigate(ctx context.Context, positionID, reason string, missingLegIDs []string) error {
	m.mu.Lock()
	prev := StateWatching
	if t, ok := m.states[positionID]; ok {
		prev = t.state
	}
	switch prev {
	case StateMitigating, StateResolved, StateFailed:
		m.mu.Unlock()
		m.logger.DebugContext(ctx, "mitigation already handled",
			slog.String("position_id", positionID),
			slog.String("state", string(prev)),
		)
		return nil
	}
	m.states[positionID] = &tracked{state: StateMitigating, reason: reason, since: m.now()}
	m.mu.Unlock()

	m.transition(ctx, positionID, prev, StateMitigating, map[string]any{"reason": reason, "missing_legs": missingLegIDs})
	return m.mitigate(context.WithoutCancel(ctx), positionID, reason, missingLegIDs)
}

func (m *Monitor) mitigate(ctx context.Context, id, reason string, missing []string) error {
	log := m.logger.With(slog.String("position_id", id))
	log.WarnContext(ctx, "mitigating position", slog.String("reason", reason))

	pos, err := m.coord.MarkBroken(ctx, id, reason, missing)
	if err != nil {
		symbol := ""
		if p, gerr := m.positions.GetByID(ctx, id); gerr == nil {
			symbol = p.Symbol
		}
		m.fail(ctx, id, symbol, reason, fmt.Errorf("mark broken: %w", err))
		return fmt.Errorf("assignment: mitigate %s: %w", id, err)
	}
	if pos.Status != domain.PositionStatusClosed {
		if _, err := m.coord.EmergencyClose(ctx, id, "assignment: "+reason); err != nil {
			m.fail(ctx, id, pos.Symbol, reason, err)
			return fmt.Errorf("assignment: mitigate %s: %w", id, err)
		}
	}

	m.set(id, StateResolved, reason)
	m.transition(ctx, id, StateMitigating, StateResolved, nil)
	m.metrics.Assignment("resolved")
	log.InfoContext(ctx, "mitigation resolved")
	return nil
}

// fail records a FAILED mitigation and halts the symbol for new opens.
func (m *Monitor) fail(ctx context.Context, id, symbol, reason string, cause error) {
	m.set(id, StateFailed, reason)
	m.transition(ctx, id, StateMitigating, StateFailed, map[string]any{"error": cause.Error()})
	m.metrics.Assignment("failed")
	m.logger.ErrorContext(ctx, "mitigation failed",
		slog.String("position_id", id),
		slog.String("symbol", symbol),
		slog.String("error", cause.Error()),
	)
	if symbol != "" {
		m.coord.HaltSymbol(ctx, symbol, fmt.Sprintf("assignment mitigation failed for position %s", id))
	}
	m.alert(ctx, domain.Alert{
		Severity:   domain.SeverityFatal,
		Title:      "Assignment mitigation FAILED: " + symbol,
		Message:    fmt.Sprintf("%s: %v. Manual intervention required.", reason, cause),
		PositionID: id,
	})
}

// suspect moves watching positions to SUSPECTED and returns them. Positions
// already in any later state are left alone.
func (m *Monitor) suspect(ctx context.Context, candidates []domain.Position, reason string) []domain.Position {
	var out []domain.Position
	for _, p := range candidates {
		m.mu.Lock()
		t, ok := m.states[p.ID]
		if ok && t.state != StateWatching {
			m.mu.Unlock()
			continue
		}
		m.states[p.ID] = &tracked{state: StateSuspected, reason: reason, since: m.now()}
		m.mu.Unlock()

		m.logger.WarnContext(ctx, "assignment suspected",
			slog.String("position_id", p.ID),
			slog.String("symbol", p.Symbol),
			slog.String("reason", reason),
		)
		m.transition(ctx, p.ID, StateWatching, StateSuspected, map[string]any{"reason": reason})
		out = append(out, p)
	}
	return out
}

// confirm re-reads each suspect and checks it against snap. Legs the broker
// no longer holds confirm the suspicion; otherwise it was a false alarm.
func (m *Monitor) confirm(ctx context.Context, suspects []domain.Position, snap domain.Snapshot, reason string) {
	for _, p := range suspects {
		pos, err := m.positions.GetByID(ctx, p.ID)
		if err != nil {
			m.logger.ErrorContext(ctx, "reload suspect failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
			m.clear(ctx, p.ID, "reload failed")
			continue
		}
		missing := missingLegs(pos, snap)
		if pos.Status != domain.PositionStatusOpen || len(missing) == 0 {
			m.metrics.Assignment("false_alarm")
			m.clear(ctx, pos.ID, "false alarm")
			continue
		}

		detail := map[string]any{
			"reason":       reason,
			"missing_legs": missing,
		}
		if shares := snap.Quantity(pos.Symbol); shares != 0 {
			detail["underlying_shares"] = shares
		}
		m.set(pos.ID, StateConfirmed, reason)
		m.transition(ctx, pos.ID, StateSuspected, StateConfirmed, detail)
		m.metrics.Assignment("confirmed")
		m.logger.ErrorContext(ctx, "assignment confirmed",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pos.Symbol),
			slog.Int("missing_legs", len(missing)),
		)
		if err := m.Mitigate(ctx, pos.ID, reason, missing); err != nil {
			m.logger.ErrorContext(ctx, "mitigate failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// unconfirmed returns suspects to WATCHING when no snapshot could be taken
// and raises an alert so a human can look before the next poll.
func (m *Monitor) unconfirmed(ctx context.Context, suspects []domain.Position, reason string, cause error) {
	for _, p := range suspects {
		m.clear(ctx, p.ID, "unconfirmed: "+cause.Error())
		m.alert(ctx, domain.Alert{
			Severity:   domain.SeverityCritical,
			Title:      "Assignment suspected, not confirmed: " + p.Symbol,
			Message:    fmt.Sprintf("%s; snapshot failed: %v", reason, cause),
			PositionID: p.ID,
		})
	}
}

func (m *Monitor) clear(ctx context.Context, id, why string) {
	m.mu.Lock()
	prev := StateWatching
	if t, ok := m.states[id]; ok {
		prev = t.state
	}
	delete(m.states, id)
	m.mu.Unlock()
	m.transition(ctx, id, prev, StateWatching, map[string]any{"reason": why})
}

func (m *Monitor) set(id string, s State, reason string) {
	m.mu.Lock()
	m.states[id] = &tracked{state: s, reason: reason, since: m.now()}
	m.mu.Unlock()
}

// prune drops RESOLVED entries older than Retain.
func (m *Monitor) prune() {
	cutoff := m.now().Add(-m.cfg.Retain)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.states {
		if t.state == StateResolved && t.since.Before(cutoff) {
			delete(m.states, id)
		}
	}
}

func (m *Monitor) snapshot(ctx context.Context) (domain.Snapshot, error) {
	now := m.now().UTC()
	item, err := m.q.Do(ctx, domain.QueueKindSnapshotFetch, domain.PriorityImmediate,
		domain.SnapshotPayload{Reason: "assignment check"},
		queue.EnqueueOpts{
			NaturalKey:  fmt.Sprintf("assignment|snapshot|%d", now.UnixNano()),
			EffectiveAt: now,
			Emergency:   true,
			MaxRetries:  1,
		})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("assignment: snapshot: %w", err)
	}
	return queue.DecodeSnapshot(item)
}

func (m *Monitor) transition(ctx context.Context, id string, before, after State, detail map[string]any) {
	if m.rec == nil {
		return
	}
	if err := m.rec.Transition(ctx, domain.ComponentAssignment, id, string(before), string(after), detail); err != nil {
		m.logger.ErrorContext(ctx, "risk event not recorded",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Monitor) alert(ctx context.Context, a domain.Alert) {
	if m.alerts == nil {
		return
	}
	a.At = m.now().UTC()
	if err := m.alerts.Alert(ctx, a); err != nil {
		m.logger.WarnContext(ctx, "alert delivery failed", slog.String("error", err.Error()))
	}
}

// missingLegs returns the IDs of OPEN legs the snapshot no longer holds on
// the leg's side.
func missingLegs(pos domain.Position, snap domain.Snapshot) []string {
	var out []string
	for _, l := range pos.Legs {
		if l.Status != domain.LegStatusOpen || l.FilledQuantity == 0 {
			continue
		}
		held := snap.Quantity(l.Contract)
		if held == 0 || (held < 0) != l.Short() {
			out = append(out, l.ID)
		}
	}
	return out
}

func expectsContract(open []domain.Position, contract string) bool {
	for _, p := range open {
		if _, ok := p.LegByContract(contract); ok {
			return true
		}
	}
	return false
}

func hasShortLeg(p domain.Position) bool {
	for _, l := range p.Legs {
		if l.Short() && l.Status == domain.LegStatusOpen {
			return true
		}
	}
	return false
}
