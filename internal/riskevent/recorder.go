// Package riskevent appends safety transitions to the durable risk log and
// fans them out to live listeners.
package riskevent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

// streamer is implemented by buses that also keep a replayable stream.
type streamer interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// Recorder writes risk events to the store first and then publishes them.
// A publish failure never loses the event.
type Recorder struct {
	store  domain.RiskEventStore
	bus    domain.EventBus
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder. bus may be nil.
func NewRecorder(store domain.RiskEventStore, bus domain.EventBus, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		bus:    bus,
		logger: logger.With(slog.String("component", "riskevent")),
		now:    time.Now,
	}
}

// Record appends ev and publishes the stored copy.
func (r *Recorder) Record(ctx context.Context, ev domain.RiskEvent) (domain.RiskEvent, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now().UTC()
	}
	stored, err := r.store.Append(ctx, ev)
	if err != nil {
		r.logger.ErrorContext(ctx, "risk event not persisted",
			slog.String("event_component", ev.Component),
			slog.String("event_type", ev.EventType),
			slog.String("subject", ev.Subject),
			slog.String("error", err.Error()),
		)
		return domain.RiskEvent{}, fmt.Errorf("riskevent: append: %w", err)
	}

	r.logger.InfoContext(ctx, "risk event",
		slog.Int64("id", stored.ID),
		slog.String("event_component", stored.Component),
		slog.String("event_type", stored.EventType),
		slog.String("subject", stored.Subject),
		slog.String("before", stored.Before),
		slog.String("after", stored.After),
	)

	if r.bus != nil {
		payload, err := json.Marshal(stored)
		if err == nil {
			if err := r.bus.Publish(ctx, domain.ChannelRiskEvents, payload); err != nil {
				r.logger.WarnContext(ctx, "risk event publish failed", slog.String("error", err.Error()))
			}
			if s, ok := r.bus.(streamer); ok {
				if err := s.StreamAppend(ctx, domain.ChannelRiskEvents, payload); err != nil {
					r.logger.WarnContext(ctx, "risk event stream append failed", slog.String("error", err.Error()))
				}
			}
		}
	}
	return stored, nil
}

// Transition is shorthand for a state change event.
func (r *Recorder) Transition(ctx context.Context, component, subject, before, after string, detail map[string]any) error {
	_, err := r.Record(ctx, domain.RiskEvent{
		Component: component,
		EventType: "transition",
		Subject:   subject,
		Before:    before,
		After:     after,
		Detail:    detail,
	})
	return err
}

// List passes through to the store for read paths.
func (r *Recorder) List(ctx context.Context, f domain.RiskEventFilter) ([]domain.RiskEvent, error) {
	return r.store.List(ctx, f)
}

// Latest passes through to the store.
func (r *Recorder) Latest(ctx context.Context, component, subject string) (domain.RiskEvent, error) {
	return r.store.Latest(ctx, component, subject)
}
