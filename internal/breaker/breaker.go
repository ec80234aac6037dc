// Package breaker implements the circuit breaker that halts new
// non-emergency order submissions after repeated broker failures.
//
// Every transition is appended to the risk event log and the latest one is
// replayed on startup, so a restart never silently returns to CLOSED.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateHalfOpen              // probing recovery
	StateOpen                  // rejecting submissions
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "closed":
		return StateClosed, nil
	case "open":
		return StateOpen, nil
	case "half_open":
		return StateHalfOpen, nil
	}
	return StateClosed, fmt.Errorf("breaker: unknown state %q", s)
}

// Config holds breaker thresholds.
type Config struct {
	Name             string
	FailureThreshold int           // failures within Window that open the breaker
	SuccessThreshold int           // consecutive half-open successes that close it
	Window           time.Duration // sliding failure window
	Cooldown         time.Duration // time in OPEN before probing
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
	}
}

// Recorder persists transitions.
type Recorder interface {
	Transition(ctx context.Context, component, subject, before, after string, detail map[string]any) error
	Latest(ctx context.Context, component, subject string) (domain.RiskEvent, error)
}

// Status is a point-in-time view for operators.
type Status struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Failures   int       `json:"failures_in_window"`
	Successes  int       `json:"half_open_successes"`
	OpenedAt   time.Time `json:"opened_at,omitempty"`
	RetryAfter time.Time `json:"retry_after,omitempty"`
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg     Config
	rec     Recorder
	alerts  domain.AlertSink
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// emitMu is taken before mu by every state change and held until the
	// transition is persisted, so the ledger sees transitions in state order.
	emitMu sync.Mutex

	mu        sync.Mutex
	state     State
	failures  []time.Time
	successes int
	openedAt  time.Time
}

type transition struct {
	from, to State
	reason   string
}

// New creates a CLOSED breaker. Call Restore before use to replay persisted state.
func New(cfg Config, rec Recorder, alerts domain.AlertSink, m *metrics.Metrics, logger *slog.Logger) *Breaker {
	return &Breaker{
		cfg:     cfg,
		rec:     rec,
		alerts:  alerts,
		metrics: m,
		logger:  logger.With(slog.String("component", "breaker"), slog.String("breaker", cfg.Name)),
		now:     time.Now,
		state:   StateClosed,
	}
}

// Restore loads the most recent persisted transition. The cooldown of a
// restored OPEN breaker runs from the persisted transition time.
func (b *Breaker) Restore(ctx context.Context) error {
	ev, err := b.rec.Latest(ctx, domain.ComponentBreaker, b.cfg.Name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("breaker: restore %s: %w", b.cfg.Name, err)
	}
	st, err := ParseState(ev.After)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.state = st
	b.failures = nil
	b.successes = 0
	if st == StateOpen {
		b.openedAt = ev.CreatedAt
	}
	b.mu.Unlock()

	b.metrics.SetBreakerState(float64(st))
	b.logger.InfoContext(ctx, "breaker state restored",
		slog.String("state", st.String()),
		slog.Time("since", ev.CreatedAt),
	)
	return nil
}

// Allow reports whether a non-emergency submission may proceed. An OPEN
// breaker whose cooldown has elapsed moves to HALF_OPEN and admits the call.
func (b *Breaker) Allow(ctx context.Context) bool {
	allowed := true
	b.update(ctx, func() *transition {
		if b.state != StateOpen {
			return nil
		}
		if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
			return b.moveLocked(StateHalfOpen, "cooldown elapsed")
		}
		allowed = false
		return nil
	})
	return allowed
}

// RecordSuccess records a successful broker call.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.update(ctx, func() *transition {
		switch b.state {
		case StateClosed:
			b.failures = b.failures[:0]
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				return b.moveLocked(StateClosed, "trial calls succeeded")
			}
		}
		return nil
	})
}

// RecordFailure records a transient broker failure.
func (b *Breaker) RecordFailure(ctx context.Context) {
	b.update(ctx, func() *transition {
		now := b.now()
		switch b.state {
		case StateClosed:
			cutoff := now.Add(-b.cfg.Window)
			kept := b.failures[:0]
			for _, f := range b.failures {
				if f.After(cutoff) {
					kept = append(kept, f)
				}
			}
			b.failures = append(kept, now)
			if len(b.failures) >= b.cfg.FailureThreshold {
				return b.moveLocked(StateOpen, fmt.Sprintf("%d failures within %s", len(b.failures), b.cfg.Window))
			}
		case StateHalfOpen:
			return b.moveLocked(StateOpen, "failure while half-open")
		case StateOpen:
			// Calls that bypass the breaker may still fail while it is open.
		}
		return nil
	})
}

// Reset forces the breaker closed. Operator action only.
func (b *Breaker) Reset(ctx context.Context, reason string) {
	b.update(ctx, func() *transition {
		if b.state == StateClosed {
			return nil
		}
		return b.moveLocked(StateClosed, "manual reset: "+reason)
	})
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns an operator view of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		Name:      b.cfg.Name,
		State:     b.state.String(),
		Failures:  len(b.failures),
		Successes: b.successes,
	}
	if b.state == StateOpen {
		st.OpenedAt = b.openedAt
		st.RetryAfter = b.openedAt.Add(b.cfg.Cooldown)
	}
	return st
}

// moveLocked must be called with mu held.
func (b *Breaker) moveLocked(to State, reason string) *transition {
	t := &transition{from: b.state, to: to, reason: reason}
	b.state = to
	b.successes = 0
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.failures = b.failures[:0]
		b.openedAt = time.Time{}
	}
	return t
}

// update applies fn under mu and persists the transition it returns before
// the next state change can start. The alert goes out after both locks are
// released.
func (b *Breaker) update(ctx context.Context, fn func() *transition) {
	b.emitMu.Lock()
	b.mu.Lock()
	t := fn()
	b.mu.Unlock()
	if t == nil {
		b.emitMu.Unlock()
		return
	}
	b.record(ctx, t)
	b.emitMu.Unlock()
	b.alert(ctx, t)
}

func (b *Breaker) record(ctx context.Context, t *transition) {
	b.metrics.SetBreakerState(float64(t.to))

	level := slog.LevelInfo
	if t.to == StateOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(ctx, level, "breaker transition",
		slog.String("from", t.from.String()),
		slog.String("to", t.to.String()),
		slog.String("reason", t.reason),
	)

	if err := b.rec.Transition(ctx, domain.ComponentBreaker, b.cfg.Name, t.from.String(), t.to.String(),
		map[string]any{"reason": t.reason}); err != nil {
		b.logger.ErrorContext(ctx, "breaker transition not persisted", slog.String("error", err.Error()))
	}
}

func (b *Breaker) alert(ctx context.Context, t *transition) {
	severity := domain.SeverityInfo
	if t.to == StateOpen {
		severity = domain.SeverityCritical
	}
	if b.alerts != nil {
		if err := b.alerts.Alert(ctx, domain.Alert{
			Severity: severity,
			Title:    fmt.Sprintf("Circuit breaker %s: %s -> %s", b.cfg.Name, t.from, t.to),
			Message:  t.reason,
			At:       b.now(),
		}); err != nil {
			b.logger.WarnContext(ctx, "breaker alert failed", slog.String("error", err.Error()))
		}
	}
}
