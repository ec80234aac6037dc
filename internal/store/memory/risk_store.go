package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

var (
	_ domain.RiskEventStore   = (*RiskEventStore)(nil)
	_ domain.DiscrepancyStore = (*DiscrepancyStore)(nil)
)

// RiskEventStore implements domain.RiskEventStore as an in-memory slice.
type RiskEventStore struct {
	mu     sync.RWMutex
	events []domain.RiskEvent
	now    func() time.Time
}

// NewRiskEventStore creates an empty RiskEventStore.
func NewRiskEventStore() *RiskEventStore {
	return &RiskEventStore{now: time.Now}
}

// Append assigns an ID and stores the event.
func (s *RiskEventStore) Append(_ context.Context, ev domain.RiskEvent) (domain.RiskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = int64(len(s.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	s.events = append(s.events, ev)
	return ev, nil
}

// List returns matching events newest first.
func (s *RiskEventStore) List(_ context.Context, f domain.RiskEventFilter) ([]domain.RiskEvent, error) {
	s.mu.RLock()
	var out []domain.RiskEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if f.Component != "" && ev.Component != f.Component {
			continue
		}
		if f.Subject != "" && ev.Subject != f.Subject {
			continue
		}
		if f.Since != nil && ev.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && !ev.CreatedAt.Before(*f.Until) {
			continue
		}
		out = append(out, ev)
	}
	s.mu.RUnlock()
	return paginate(out, f.ListOpts), nil
}

// Latest returns the newest event for component and subject.
func (s *RiskEventStore) Latest(_ context.Context, component, subject string) (domain.RiskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.Component == component && ev.Subject == subject {
			return ev, nil
		}
	}
	return domain.RiskEvent{}, domain.ErrNotFound
}

// DiscrepancyStore implements domain.DiscrepancyStore.
type DiscrepancyStore struct {
	mu    sync.RWMutex
	items map[string]domain.Discrepancy
}

// NewDiscrepancyStore creates an empty DiscrepancyStore.
func NewDiscrepancyStore() *DiscrepancyStore {
	return &DiscrepancyStore{items: make(map[string]domain.Discrepancy)}
}

// Record inserts or reopens the discrepancy under its key.
func (s *DiscrepancyStore) Record(_ context.Context, d domain.Discrepancy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.ResolvedAt = nil
	s.items[d.Key] = d
	return nil
}

// Resolve marks the discrepancy resolved.
func (s *DiscrepancyStore) Resolve(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.items[key]
	if !ok {
		return domain.ErrNotFound
	}
	d.ResolvedAt = &at
	s.items[key] = d
	return nil
}

// ListOpen returns unresolved discrepancies.
func (s *DiscrepancyStore) ListOpen(_ context.Context) ([]domain.Discrepancy, error) {
	s.mu.RLock()
	var out []domain.Discrepancy
	for _, d := range s.items {
		if d.ResolvedAt == nil {
			out = append(out, d)
		}
	}
	s.mu.RUnlock()
	sortDiscrepancies(out)
	return out, nil
}

// List returns all discrepancies newest first.
func (s *DiscrepancyStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Discrepancy, error) {
	s.mu.RLock()
	var out []domain.Discrepancy
	for _, d := range s.items {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sortDiscrepancies(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return paginate(out, opts), nil
}

func sortDiscrepancies(ds []domain.Discrepancy) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].DetectedAt.Equal(ds[j].DetectedAt) {
			return ds[i].Key < ds[j].Key
		}
		return ds[i].DetectedAt.Before(ds[j].DetectedAt)
	})
}
