// Package archive schedules the daily copy of risk history to cold storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

// Scheduler archives completed UTC days on a cron schedule. Each run covers
// the last Lookback days; days already archived are skipped by the archiver.
type Scheduler struct {
	archiver domain.Archiver
	lookback int
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler creates a Scheduler. lookback below 1 is treated as 1.
func NewScheduler(archiver domain.Archiver, lookback int, logger *slog.Logger) *Scheduler {
	if lookback < 1 {
		lookback = 1
	}
	return &Scheduler{
		archiver: archiver,
		lookback: lookback,
		logger:   logger.With(slog.String("component", "archiver")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce archives each completed day in the lookback window, oldest first.
// A failing day is logged and the rest still run; the errors are joined.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	today := s.now().Truncate(24 * time.Hour)
	var errs []error
	var events, items int64
	for i := s.lookback; i >= 1; i-- {
		day := today.Add(-time.Duration(i) * 24 * time.Hour)

		n, err := s.archiver.ArchiveRiskEvents(ctx, day)
		if err != nil {
			errs = append(errs, fmt.Errorf("risk events %s: %w", day.Format(time.DateOnly), err))
		}
		events += n

		n, err = s.archiver.ArchiveQueueItems(ctx, day)
		if err != nil {
			errs = append(errs, fmt.Errorf("queue items %s: %w", day.Format(time.DateOnly), err))
		}
		items += n
	}
	s.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("risk_events", events),
		slog.Int64("queue_items", items),
		slog.Int("failures", len(errs)),
	)
	if len(errs) > 0 {
		return fmt.Errorf("archive: %w", errors.Join(errs...))
	}
	return nil
}

// Run archives on the cron schedule until ctx is done.
func (s *Scheduler) Run(ctx context.Context, cronExpr string) error {
	sched, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("archive: cron %q: %w", cronExpr, err)
	}
	s.logger.InfoContext(ctx, "archiver started", slog.String("cron", cronExpr))

	for {
		next, err := sched.next(s.now())
		if err != nil {
			return fmt.Errorf("archive: cron %q: %w", cronExpr, err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField matches one field of a 5-field cron expression. Supported forms:
// "*", "*/n", "a", "a-b" and comma lists of those.
type cronField struct {
	any    bool
	values map[int]bool
}

func (f cronField) matches(v int) bool { return f.any || f.values[v] }

func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{any: true}, nil
	}
	f := cronField{values: make(map[int]bool)}
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "*/"):
			step, err := strconv.Atoi(part[2:])
			if err != nil || step < 1 {
				return cronField{}, fmt.Errorf("invalid step %q", part)
			}
			for v := lo; v <= hi; v += step {
				f.values[v] = true
			}
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			from, err1 := strconv.Atoi(a)
			to, err2 := strconv.Atoi(b)
			if err1 != nil || err2 != nil || from > to || from < lo || to > hi {
				return cronField{}, fmt.Errorf("invalid range %q", part)
			}
			for v := from; v <= to; v++ {
				f.values[v] = true
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil || v < lo || v > hi {
				return cronField{}, fmt.Errorf("invalid value %q", part)
			}
			f.values[v] = true
		}
	}
	return f, nil
}

type cronSchedule struct {
	minute, hour, dom, month, dow cronField
}

func parseCron(expr string) (cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSchedule{}, fmt.Errorf("want 5 fields, got %d", len(fields))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	var parsed [5]cronField
	for i, f := range fields {
		cf, err := parseCronField(f, bounds[i][0], bounds[i][1])
		if err != nil {
			return cronSchedule{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		parsed[i] = cf
	}
	return cronSchedule{parsed[0], parsed[1], parsed[2], parsed[3], parsed[4]}, nil
}

func (c cronSchedule) matches(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dom.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dow.matches(int(t.Weekday()))
}

// next returns the first matching minute after t, searching one year ahead.
func (c cronSchedule) next(t time.Time) (time.Time, error) {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if c.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, errors.New("no match within a year")
}
