package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeArchiver struct {
	days []time.Time
	fail time.Time
}

func (f *fakeArchiver) ArchiveRiskEvents(_ context.Context, day time.Time) (int64, error) {
	f.days = append(f.days, day)
	if day.Equal(f.fail) {
		return 0, errors.New("boom")
	}
	return 3, nil
}

func (f *fakeArchiver) ArchiveQueueItems(context.Context, time.Time) (int64, error) { return 1, nil }

func TestRunOnceCoversLookbackOldestFirst(t *testing.T) {
	fa := &fakeArchiver{}
	s := NewScheduler(fa, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2025, 1, 10, 3, 0, 0, 0, time.UTC) }

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []time.Time{
		time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC),
	}
	if len(fa.days) != len(want) {
		t.Fatalf("days = %v", fa.days)
	}
	for i := range want {
		if !fa.days[i].Equal(want[i]) {
			t.Errorf("day %d = %v, want %v", i, fa.days[i], want[i])
		}
	}
}

func TestRunOnceContinuesPastFailure(t *testing.T) {
	fa := &fakeArchiver{fail: time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC)}
	s := NewScheduler(fa, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2025, 1, 10, 3, 0, 0, 0, time.UTC) }

	if err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(fa.days) != 2 {
		t.Errorf("days = %v, want both attempted", fa.days)
	}
}

func TestCronNext(t *testing.T) {
	from := time.Date(2025, 1, 10, 3, 30, 0, 0, time.UTC) // Friday
	tests := []struct {
		expr string
		want time.Time
	}{
		{"15 4 * * *", time.Date(2025, 1, 10, 4, 15, 0, 0, time.UTC)},
		{"0 2 * * *", time.Date(2025, 1, 11, 2, 0, 0, 0, time.UTC)},
		{"*/20 * * * *", time.Date(2025, 1, 10, 3, 40, 0, 0, time.UTC)},
		{"0 6 * * 1-5", time.Date(2025, 1, 10, 6, 0, 0, 0, time.UTC)},
		{"0 6 * * 0,6", time.Date(2025, 1, 11, 6, 0, 0, 0, time.UTC)},
		{"0 0 1 2 *", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		c, err := parseCron(tt.expr)
		if err != nil {
			t.Fatalf("%q: %v", tt.expr, err)
		}
		got, err := c.next(from)
		if err != nil {
			t.Fatalf("%q: %v", tt.expr, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("%q next = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestParseCronRejects(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "60 * * * *", "*/0 * * * *", "5-1 * * * *", "x * * * *"} {
		if _, err := parseCron(expr); err == nil {
			t.Errorf("parseCron(%q) accepted", expr)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := NewScheduler(&fakeArchiver{}, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx, "0 2 * * *"); err != nil {
		t.Fatalf("Run = %v", err)
	}
}
