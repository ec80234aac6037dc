// Package memory implements the domain store interfaces in process memory.
// State is lost on restart; use it for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

var _ domain.PositionStore = (*PositionStore)(nil)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
	now       func() time.Time
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.Position), now: time.Now}
}

// Create inserts a new position at version 1.
func (s *PositionStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.ID]; ok {
		return fmt.Errorf("memory: create position %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	pos = pos.Clone()
	pos.Version = 1
	if pos.CreatedAt.IsZero() {
		pos.CreatedAt = s.now()
	}
	pos.UpdatedAt = pos.CreatedAt
	s.positions[pos.ID] = pos
	return nil
}

// Update replaces a position when its version matches the stored one.
func (s *PositionStore) Update(_ context.Context, pos domain.Position) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.positions[pos.ID]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	if cur.Version != pos.Version {
		return domain.Position{}, fmt.Errorf("memory: update position %s (have %d, stored %d): %w",
			pos.ID, pos.Version, cur.Version, domain.ErrVersionConflict)
	}
	pos = pos.Clone()
	pos.Version++
	pos.CreatedAt = cur.CreatedAt
	pos.UpdatedAt = s.now()
	s.positions[pos.ID] = pos
	return pos.Clone(), nil
}

// GetByID returns a copy of the position.
func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos.Clone(), nil
}

// ListByStatus returns positions in any of the given statuses, oldest first.
func (s *PositionStore) ListByStatus(_ context.Context, statuses ...domain.PositionStatus) ([]domain.Position, error) {
	want := make(map[domain.PositionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.RLock()
	var out []domain.Position
	for _, p := range s.positions {
		if want[p.Status] {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()
	sortPositions(out)
	return out, nil
}

// List returns positions newest first.
func (s *PositionStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.RLock()
	var out []domain.Position
	for _, p := range s.positions {
		if opts.Since != nil && p.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && p.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()
	sortPositions(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return paginate(out, opts), nil
}

func sortPositions(ps []domain.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
