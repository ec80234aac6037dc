package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

var _ domain.QueueStore = (*QueueStore)(nil)

type queueRow struct {
	item domain.QueueItem
	seq  int64
}

// QueueStore implements domain.QueueStore.
type QueueStore struct {
	mu   sync.Mutex
	rows map[string]*queueRow
	seq  int64
}

// NewQueueStore creates an empty QueueStore.
func NewQueueStore() *QueueStore {
	return &QueueStore{rows: make(map[string]*queueRow)}
}

// Insert adds a new item.
func (s *QueueStore) Insert(_ context.Context, item domain.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[item.ID]; ok {
		return fmt.Errorf("memory: insert queue item %s: %w", item.ID, domain.ErrAlreadyExists)
	}
	s.seq++
	s.rows[item.ID] = &queueRow{item: cloneItem(item), seq: s.seq}
	return nil
}

// Get returns a copy of the item.
func (s *QueueStore) Get(_ context.Context, id string) (domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return domain.QueueItem{}, domain.ErrNotFound
	}
	return cloneItem(r.item), nil
}

// FindActiveByNaturalKey returns the newest non-failed item with the key.
func (s *QueueStore) FindActiveByNaturalKey(_ context.Context, key string) (domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *queueRow
	for _, r := range s.rows {
		if r.item.NaturalKey != key || r.item.Status == domain.QueueStatusFailed {
			continue
		}
		if best == nil || r.seq > best.seq {
			best = r
		}
	}
	if best == nil {
		return domain.QueueItem{}, domain.ErrNotFound
	}
	return cloneItem(best.item), nil
}

// Claim moves due pending items to in_progress.
func (s *QueueStore) Claim(_ context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := s.due(domain.QueueStatusPending, now)
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].item, due[j].item
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return due[i].seq < due[j].seq
	})
	return s.take(due, now, limit), nil
}

// ClaimBackfill moves due backfill items to in_progress, oldest effective time first.
func (s *QueueStore) ClaimBackfill(_ context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := s.due(domain.QueueStatusBackfill, now)
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].item, due[j].item
		if !a.EffectiveAt.Equal(b.EffectiveAt) {
			return a.EffectiveAt.Before(b.EffectiveAt)
		}
		return due[i].seq < due[j].seq
	})
	return s.take(due, now, limit), nil
}

func (s *QueueStore) due(status domain.QueueStatus, now time.Time) []*queueRow {
	var out []*queueRow
	for _, r := range s.rows {
		if r.item.Status == status && !r.item.NextAttemptAt.After(now) {
			out = append(out, r)
		}
	}
	return out
}

func (s *QueueStore) take(rows []*queueRow, now time.Time, limit int) []domain.QueueItem {
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]domain.QueueItem, 0, len(rows))
	for _, r := range rows {
		r.item.Status = domain.QueueStatusInProgress
		r.item.Attempts++
		r.item.UpdatedAt = now
		out = append(out, cloneItem(r.item))
	}
	return out
}

// Update persists a state change on a non-terminal item.
func (s *QueueStore) Update(_ context.Context, item domain.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[item.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if r.item.Status.Terminal() {
		return fmt.Errorf("memory: update queue item %s: %w", item.ID, domain.ErrTerminalItem)
	}
	r.item = cloneItem(item)
	return nil
}

// ResetInProgress returns in_progress items to pending, or to backfill for
// backfill items.
func (s *QueueStore) ResetInProgress(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.rows {
		if r.item.Status != domain.QueueStatusInProgress {
			continue
		}
		if r.item.IsBackfill() {
			r.item.Status = domain.QueueStatusBackfill
		} else {
			r.item.Status = domain.QueueStatusPending
		}
		n++
	}
	return n, nil
}

// ListByKeyPrefix returns items whose natural key starts with prefix, oldest first.
func (s *QueueStore) ListByKeyPrefix(_ context.Context, prefix string) ([]domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*queueRow
	for _, r := range s.rows {
		if strings.HasPrefix(r.item.NaturalKey, prefix) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]domain.QueueItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, cloneItem(r.item))
	}
	return out, nil
}

// Withdraw fails a pending or backfill item.
func (s *QueueStore) Withdraw(_ context.Context, id, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if r.item.Status != domain.QueueStatusPending && r.item.Status != domain.QueueStatusBackfill {
		return false, nil
	}
	r.item.Status = domain.QueueStatusFailed
	r.item.FailureClass = domain.FailureTerminal
	r.item.Error = reason
	r.item.UpdatedAt = at
	r.item.CompletedAt = &at
	return true, nil
}

// Stats counts items by status.
func (s *QueueStore) Stats(_ context.Context) (domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st domain.QueueStats
	for _, r := range s.rows {
		switch r.item.Status {
		case domain.QueueStatusPending:
			st.Pending++
		case domain.QueueStatusInProgress:
			st.InProgress++
		case domain.QueueStatusBackfill:
			st.Backfill++
		case domain.QueueStatusSuccess:
			st.Success++
		case domain.QueueStatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

// ListCompleted returns terminal items completed within the window, oldest first.
func (s *QueueStore) ListCompleted(_ context.Context, opts domain.ListOpts) ([]domain.QueueItem, error) {
	s.mu.Lock()
	var out []domain.QueueItem
	for _, r := range s.rows {
		c := r.item.CompletedAt
		if c == nil || !r.item.Status.Terminal() {
			continue
		}
		if opts.Since != nil && c.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !c.Before(*opts.Until) {
			continue
		}
		out = append(out, cloneItem(r.item))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	return paginate(out, opts), nil
}

func cloneItem(it domain.QueueItem) domain.QueueItem {
	out := it
	out.Payload = append([]byte(nil), it.Payload...)
	out.Result = append([]byte(nil), it.Result...)
	if it.CompletedAt != nil {
		t := *it.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
