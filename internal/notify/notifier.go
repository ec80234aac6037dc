// Package notify delivers operator alerts. A Notifier implements
// domain.AlertSink: it logs every alert, publishes it on the event bus for
// dashboards, and forwards alerts at or above a minimum severity to every
// registered Sender (Telegram, Discord).
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

var _ domain.AlertSink = (*Notifier)(nil)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, a domain.Alert) error
	Name() string
}

var severityRank = map[domain.Severity]int{
	domain.SeverityInfo:     0,
	domain.SeverityWarning:  1,
	domain.SeverityCritical: 2,
	domain.SeverityFatal:    3,
}

// Notifier fans alerts out to senders.
type Notifier struct {
	senders []Sender
	min     domain.Severity
	bus     domain.EventBus
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Alerts below min are logged and published
// but not sent. bus may be nil.
func NewNotifier(senders []Sender, min domain.Severity, bus domain.EventBus, logger *slog.Logger) *Notifier {
	if _, ok := severityRank[min]; !ok {
		min = domain.SeverityWarning
	}
	return &Notifier{
		senders: senders,
		min:     min,
		bus:     bus,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Alert implements domain.AlertSink. A failing sender does not stop delivery
// to the others; their errors are joined.
func (n *Notifier) Alert(ctx context.Context, a domain.Alert) error {
	level := slog.LevelInfo
	switch a.Severity {
	case domain.SeverityWarning:
		level = slog.LevelWarn
	case domain.SeverityCritical, domain.SeverityFatal:
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, "alert",
		slog.String("severity", string(a.Severity)),
		slog.String("title", a.Title),
		slog.String("message", a.Message),
		slog.String("position_id", a.PositionID),
	)

	if n.bus != nil {
		if payload, err := json.Marshal(a); err == nil {
			if err := n.bus.Publish(ctx, domain.ChannelAlerts, payload); err != nil {
				n.logger.DebugContext(ctx, "alert publish failed", slog.String("error", err.Error()))
			}
		}
	}

	if severityRank[a.Severity] < severityRank[n.min] {
		return nil
	}
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, a); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Format renders an alert body: the message followed by sorted fields.
func Format(a domain.Alert) string {
	var b strings.Builder
	b.WriteString(a.Message)
	if a.PositionID != "" {
		fmt.Fprintf(&b, "\nposition: %s", a.PositionID)
	}
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, a.Fields[k])
	}
	return b.String()
}

func tag(s domain.Severity) string {
	return "[" + strings.ToUpper(string(s)) + "]"
}
