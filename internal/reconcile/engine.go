// Package reconcile periodically diffs the position store against a broker
// snapshot. It only reads positions; critical findings are handed to the
// assignment monitor's mitigation path.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/metrics"
	"github.com/alanyoungcy/legsafe/internal/queue"
)

// Queue is the subset of *queue.Queue the engine needs.
type Queue interface {
	Do(ctx context.Context, kind domain.QueueKind, priority domain.QueuePriority, payload any, opts queue.EnqueueOpts) (domain.QueueItem, error)
}

// Mitigator routes a critical finding into the emergency path.
type Mitigator interface {
	Mitigate(ctx context.Context, positionID, reason string, missingLegIDs []string) error
}

// Recorder appends risk events.
type Recorder interface {
	Record(ctx context.Context, ev domain.RiskEvent) (domain.RiskEvent, error)
}

// Config sets the pass interval.
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute}
}

// Deps groups the engine's collaborators. Recorder, Alerts and Metrics are
// optional.
type Deps struct {
	Positions     domain.PositionStore
	Discrepancies domain.DiscrepancyStore
	Queue         Queue
	Mitigator     Mitigator
	Recorder      Recorder
	Alerts        domain.AlertSink
	Metrics       *metrics.Metrics
}

// Report summarises one pass.
type Report struct {
	TakenAt   time.Time            `json:"taken_at"`
	Positions int                  `json:"positions"`
	Open      []domain.Discrepancy `json:"open"`
	New       int                  `json:"new"`
	Resolved  int                  `json:"resolved"`
	Mitigated int                  `json:"mitigated"`
}

// Engine runs reconciliation passes. Passes never overlap.
type Engine struct {
	positions domain.PositionStore
	store     domain.DiscrepancyStore
	q         Queue
	mitigator Mitigator
	rec       Recorder
	alerts    domain.AlertSink
	metrics   *metrics.Metrics
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex
}

// New creates an Engine.
func New(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Engine{
		positions: deps.Positions,
		store:     deps.Discrepancies,
		q:         deps.Queue,
		mitigator: deps.Mitigator,
		rec:       deps.Recorder,
		alerts:    deps.Alerts,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "reconcile")),
		now:       time.Now,
	}
}

// Run executes a pass every Interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("reconciliation started", slog.Duration("interval", e.cfg.Interval))
	defer e.logger.Info("reconciliation stopped")

	t := time.NewTicker(e.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
				e.logger.ErrorContext(ctx, "reconciliation pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce performs a single pass: snapshot, diff, persist, route.
// Discrepancies still present from an earlier pass are neither re-recorded
// nor re-routed; ones that disappeared are resolved.
func (e *Engine) RunOnce(ctx context.Context) (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	known, err := e.store.ListOpen(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: list open discrepancies: %w", err)
	}
	positions, err := e.positions.ListByStatus(ctx,
		domain.PositionStatusOpening,
		domain.PositionStatusOpen,
		domain.PositionStatusClosing,
		domain.PositionStatusBroken,
	)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: list positions: %w", err)
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return Report{}, err
	}

	now := e.now().UTC()
	found := Diff(positions, snap, now)
	rep := Report{TakenAt: now, Positions: len(positions)}

	prior := make(map[string]domain.Discrepancy, len(known))
	for _, d := range known {
		prior[d.Key] = d
	}
	current := make(map[string]bool, len(found))
	route := make(map[string][]string) // position -> missing legs, new critical findings only
	byID := make(map[string]domain.Position, len(positions))
	for _, p := range positions {
		byID[p.ID] = p
	}

	for _, d := range found {
		current[d.Key] = true
		if old, ok := prior[d.Key]; ok {
			rep.Open = append(rep.Open, old)
			continue
		}
		if err := e.store.Record(ctx, d); err != nil {
			return rep, fmt.Errorf("reconcile: record %s: %w", d.Key, err)
		}
		rep.New++
		rep.Open = append(rep.Open, d)
		e.metrics.Discrepancy(d.Type)
		e.record(ctx, d.Key, "discrepancy_detected", map[string]any{
			"type":         string(d.Type),
			"severity":     string(d.Severity),
			"position_id":  d.PositionID,
			"leg_id":       d.LegID,
			"contract":     d.Contract,
			"expected_qty": d.ExpectedQty,
			"broker_qty":   d.BrokerQty,
		})
		e.report(ctx, d)

		if d.Severity == domain.SeverityCritical && byID[d.PositionID].Status == domain.PositionStatusOpen {
			route[d.PositionID] = append(route[d.PositionID], d.LegID)
		}
	}

	for key := range prior {
		if current[key] {
			continue
		}
		if err := e.store.Resolve(ctx, key, now); err != nil {
			e.logger.WarnContext(ctx, "resolve discrepancy failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			continue
		}
		rep.Resolved++
		e.record(ctx, key, "discrepancy_resolved", nil)
		e.logger.InfoContext(ctx, "discrepancy resolved", slog.String("key", key))
	}

	ids := make([]string, 0, len(route))
	for id := range route {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		legs := route[id]
		reason := fmt.Sprintf("reconciliation: %d leg(s) absent at broker", len(legs))
		if e.mitigator == nil {
			continue
		}
		if err := e.mitigator.Mitigate(ctx, id, reason, legs); err != nil {
			e.logger.ErrorContext(ctx, "mitigation failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		rep.Mitigated++
	}

	e.logger.InfoContext(ctx, "reconciliation pass",
		slog.Int("positions", rep.Positions),
		slog.Int("open", len(rep.Open)),
		slog.Int("new", rep.New),
		slog.Int("resolved", rep.Resolved),
	)
	return rep, nil
}

// report logs and alerts a newly detected discrepancy by severity.
func (e *Engine) report(ctx context.Context, d domain.Discrepancy) {
	attrs := []any{
		slog.String("key", d.Key),
		slog.String("type", string(d.Type)),
		slog.String("contract", d.Contract),
		slog.Int64("expected", d.ExpectedQty),
		slog.Int64("broker", d.BrokerQty),
	}
	switch d.Severity {
	case domain.SeverityCritical:
		e.logger.ErrorContext(ctx, "critical discrepancy", attrs...)
	case domain.SeverityWarning:
		e.logger.WarnContext(ctx, "discrepancy", attrs...)
	default:
		e.logger.InfoContext(ctx, "discrepancy for manual review", attrs...)
	}
	if e.alerts == nil {
		return
	}
	a := domain.Alert{
		Severity:   d.Severity,
		Title:      fmt.Sprintf("Reconciliation %s: %s", d.Type, d.Contract),
		Message:    fmt.Sprintf("expected %d, broker reports %d", d.ExpectedQty, d.BrokerQty),
		PositionID: d.PositionID,
		At:         d.DetectedAt,
	}
	if err := e.alerts.Alert(ctx, a); err != nil {
		e.logger.WarnContext(ctx, "alert delivery failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) record(ctx context.Context, key, eventType string, detail map[string]any) {
	if e.rec == nil {
		return
	}
	if _, err := e.rec.Record(ctx, domain.RiskEvent{
		Component: domain.ComponentReconcile,
		EventType: eventType,
		Subject:   key,
		Detail:    detail,
	}); err != nil {
		e.logger.ErrorContext(ctx, "risk event not recorded", slog.String("error", err.Error()))
	}
}

func (e *Engine) snapshot(ctx context.Context) (domain.Snapshot, error) {
	now := e.now().UTC()
	item, err := e.q.Do(ctx, domain.QueueKindSnapshotFetch, domain.PriorityNormal,
		domain.SnapshotPayload{Reason: "reconciliation"},
		queue.EnqueueOpts{
			NaturalKey:  fmt.Sprintf("reconcile|snapshot|%d", now.UnixNano()),
			EffectiveAt: now,
		})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("reconcile: snapshot: %w", err)
	}
	return queue.DecodeSnapshot(item)
}

// Diff compares positions with snap and returns the discrepancies, sorted
// by key. Per-leg checks run on OPEN and BROKEN positions; contracts touched
// by an OPENING or CLOSING position are skipped at the contract level since
// their quantities are in flight.
func Diff(positions []domain.Position, snap domain.Snapshot, at time.Time) []domain.Discrepancy {
	var out []domain.Discrepancy
	expected := make(map[string]int64)
	inFlight := make(map[string]bool)
	flagged := make(map[string]bool)

	for _, p := range positions {
		settling := p.Status == domain.PositionStatusOpening || p.Status == domain.PositionStatusClosing
		for _, l := range p.Legs {
			if settling {
				inFlight[l.Contract] = true
			}
			switch l.Status {
			case domain.LegStatusOpen, domain.LegStatusClosing, domain.LegStatusUnresolved:
				expected[l.Contract] += l.SignedQuantity()
			}
		}
		if settling {
			continue
		}

		var missing []domain.Leg
		exposed := 0
		for _, l := range p.Legs {
			if l.Status != domain.LegStatusOpen || l.FilledQuantity == 0 {
				continue
			}
			exposed++
			held := snap.Quantity(l.Contract)
			if held == 0 || (held < 0) != l.Short() {
				missing = append(missing, l)
			}
		}
		if len(missing) == 0 {
			continue
		}
		typ := domain.DiscrepancyNakedLeg
		if len(missing) == exposed {
			typ = domain.DiscrepancyMissingInBroker
		}
		for _, l := range missing {
			flagged[l.Contract] = true
			out = append(out, domain.Discrepancy{
				Key:         strings.Join([]string{string(typ), p.ID, l.ID}, "|"),
				Type:        typ,
				Severity:    domain.SeverityCritical,
				PositionID:  p.ID,
				LegID:       l.ID,
				Contract:    l.Contract,
				ExpectedQty: l.SignedQuantity(),
				BrokerQty:   snap.Quantity(l.Contract),
				DetectedAt:  at,
			})
		}
	}

	held := snap.Aggregate()
	contracts := make(map[string]bool, len(held)+len(expected))
	for c := range held {
		contracts[c] = true
	}
	for c := range expected {
		contracts[c] = true
	}
	for c := range contracts {
		if inFlight[c] || flagged[c] {
			continue
		}
		exp, got := expected[c], held[c]
		switch {
		case exp == got:
		case exp == 0:
			out = append(out, domain.Discrepancy{
				Key:        string(domain.DiscrepancyMissingInStore) + "|" + c,
				Type:       domain.DiscrepancyMissingInStore,
				Severity:   domain.SeverityInfo,
				Contract:   c,
				BrokerQty:  got,
				DetectedAt: at,
			})
		default:
			out = append(out, domain.Discrepancy{
				Key:         string(domain.DiscrepancyQuantityMismatch) + "|" + c,
				Type:        domain.DiscrepancyQuantityMismatch,
				Severity:    domain.SeverityWarning,
				Contract:    c,
				ExpectedQty: exp,
				BrokerQty:   got,
				DetectedAt:  at,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
