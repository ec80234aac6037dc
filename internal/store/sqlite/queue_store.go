package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

var _ domain.QueueStore = (*QueueStore)(nil)

// QueueStore implements domain.QueueStore.
type QueueStore struct {
	d *DB
}

const queueCols = `id, kind, priority, status, natural_key, emergency, resubmit,
	payload, result, retry_count, max_retries, attempts, failure_class, error,
	effective_at, next_attempt_at, backfill_of, created_at, updated_at, completed_at`

func scanQueueItem(row scanner) (domain.QueueItem, error) {
	var it domain.QueueItem
	var kind, status, class string
	var emergency, resubmit int
	var effective, next, created, updated int64
	var completed sql.NullInt64
	var payload, result []byte
	if err := row.Scan(&it.ID, &kind, &it.Priority, &status, &it.NaturalKey, &emergency, &resubmit,
		&payload, &result, &it.RetryCount, &it.MaxRetries, &it.Attempts, &class, &it.Error,
		&effective, &next, &it.BackfillOf, &created, &updated, &completed); err != nil {
		return domain.QueueItem{}, err
	}
	it.Kind = domain.QueueKind(kind)
	it.Status = domain.QueueStatus(status)
	it.FailureClass = domain.FailureClass(class)
	it.Emergency = emergency != 0
	it.Resubmit = resubmit != 0
	it.Payload = payload
	it.Result = result
	it.EffectiveAt = fromUnix(effective)
	it.NextAttemptAt = fromUnix(next)
	it.CreatedAt = fromUnix(created)
	it.UpdatedAt = fromUnix(updated)
	it.CompletedAt = fromNullUnix(completed)
	return it, nil
}

func (s *QueueStore) list(ctx context.Context, q queryer, query string, args ...any) ([]domain.QueueItem, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Insert adds a new item.
func (s *QueueStore) Insert(ctx context.Context, it domain.QueueItem) error {
	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO request_queue (`+queueCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, string(it.Kind), int(it.Priority), string(it.Status), it.NaturalKey,
		boolInt(it.Emergency), boolInt(it.Resubmit), []byte(it.Payload), nullBytes(it.Result),
		it.RetryCount, it.MaxRetries, it.Attempts, string(it.FailureClass), it.Error,
		toUnix(it.EffectiveAt), toUnix(it.NextAttemptAt), it.BackfillOf,
		toUnix(it.CreatedAt), toUnix(it.CreatedAt), toNullUnix(it.CompletedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("sqlite: insert queue item %s: %w", it.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: insert queue item %s: %w", it.ID, err)
	}
	return nil
}

// Get returns the item with the given ID.
func (s *QueueStore) Get(ctx context.Context, id string) (domain.QueueItem, error) {
	it, err := scanQueueItem(s.d.db.QueryRowContext(ctx,
		`SELECT `+queueCols+` FROM request_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueItem{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("sqlite: get queue item %s: %w", id, err)
	}
	return it, nil
}

// FindActiveByNaturalKey returns the newest non-failed item with the key.
func (s *QueueStore) FindActiveByNaturalKey(ctx context.Context, key string) (domain.QueueItem, error) {
	it, err := scanQueueItem(s.d.db.QueryRowContext(ctx,
		`SELECT `+queueCols+` FROM request_queue
		 WHERE natural_key = ? AND status <> 'failed'
		 ORDER BY seq DESC LIMIT 1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueItem{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("sqlite: find queue item by key: %w", err)
	}
	return it, nil
}

// Claim moves due pending items to in_progress.
func (s *QueueStore) Claim(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	return s.claim(ctx, now, limit, domain.QueueStatusPending, "priority, seq")
}

// ClaimBackfill moves due backfill items to in_progress in effective-time order.
func (s *QueueStore) ClaimBackfill(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	return s.claim(ctx, now, limit, domain.QueueStatusBackfill, "effective_at, seq")
}

func (s *QueueStore) claim(ctx context.Context, now time.Time, limit int, from domain.QueueStatus, order string) ([]domain.QueueItem, error) {
	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	items, err := s.list(ctx, tx, `SELECT `+queueCols+` FROM request_queue
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY `+order+` LIMIT ?`, string(from), toUnix(now), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select claimable: %w", err)
	}
	for i := range items {
		items[i].Status = domain.QueueStatusInProgress
		items[i].Attempts++
		items[i].UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE request_queue SET status = 'in_progress', attempts = ?, updated_at = ? WHERE id = ?`,
			items[i].Attempts, toUnix(now), items[i].ID); err != nil {
			return nil, fmt.Errorf("sqlite: claim %s: %w", items[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit claim: %w", err)
	}
	return items, nil
}

// Update persists a state change on a non-terminal item.
func (s *QueueStore) Update(ctx context.Context, it domain.QueueItem) error {
	res, err := s.d.db.ExecContext(ctx, `
		UPDATE request_queue SET
			status = ?, result = ?, retry_count = ?, attempts = ?, failure_class = ?, error = ?,
			next_attempt_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('success', 'failed')`,
		string(it.Status), nullBytes(it.Result), it.RetryCount, it.Attempts, string(it.FailureClass), it.Error,
		toUnix(it.NextAttemptAt), toNullUnix(it.CompletedAt), toUnix(it.UpdatedAt), it.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update queue item %s: %w", it.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, it.ID); err != nil {
			return err
		}
		return fmt.Errorf("sqlite: update queue item %s: %w", it.ID, domain.ErrTerminalItem)
	}
	return nil
}

// ResetInProgress returns in_progress items to their claimable status.
func (s *QueueStore) ResetInProgress(ctx context.Context) (int64, error) {
	res, err := s.d.db.ExecContext(ctx, `
		UPDATE request_queue SET
			status = CASE WHEN backfill_of <> '' THEN 'backfill' ELSE 'pending' END
		WHERE status = 'in_progress'`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: reset in-progress items: %w", err)
	}
	return res.RowsAffected()
}

// ListByKeyPrefix returns items whose natural key starts with prefix, oldest first.
func (s *QueueStore) ListByKeyPrefix(ctx context.Context, prefix string) ([]domain.QueueItem, error) {
	items, err := s.list(ctx, s.d.db, `SELECT `+queueCols+` FROM request_queue
		WHERE substr(natural_key, 1, length(?)) = ?
		ORDER BY seq`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list queue items by key prefix: %w", err)
	}
	return items, nil
}

// Withdraw fails a pending or backfill item.
func (s *QueueStore) Withdraw(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := s.d.db.ExecContext(ctx, `
		UPDATE request_queue SET
			status = 'failed', failure_class = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'backfill')`,
		string(domain.FailureTerminal), reason, toUnix(at), toUnix(at), id)
	if err != nil {
		return false, fmt.Errorf("sqlite: withdraw queue item %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Stats counts items by status.
func (s *QueueStore) Stats(ctx context.Context) (domain.QueueStats, error) {
	rows, err := s.d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM request_queue GROUP BY status`)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("sqlite: queue stats: %w", err)
	}
	defer rows.Close()
	var st domain.QueueStats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return domain.QueueStats{}, fmt.Errorf("sqlite: scan queue stats: %w", err)
		}
		switch domain.QueueStatus(status) {
		case domain.QueueStatusPending:
			st.Pending = n
		case domain.QueueStatusInProgress:
			st.InProgress = n
		case domain.QueueStatusBackfill:
			st.Backfill = n
		case domain.QueueStatusSuccess:
			st.Success = n
		case domain.QueueStatusFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

// ListCompleted returns terminal items completed within [Since, Until).
func (s *QueueStore) ListCompleted(ctx context.Context, opts domain.ListOpts) ([]domain.QueueItem, error) {
	query := `SELECT ` + queueCols + ` FROM request_queue
		WHERE status IN ('success', 'failed') AND completed_at IS NOT NULL`
	var args []any
	if opts.Since != nil {
		query += ` AND completed_at >= ?`
		args = append(args, toUnix(*opts.Since))
	}
	if opts.Until != nil {
		query += ` AND completed_at < ?`
		args = append(args, toUnix(*opts.Until))
	}
	query += ` ORDER BY completed_at`
	query, args = limitOffset(query, args, opts)
	items, err := s.list(ctx, s.d.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list completed items: %w", err)
	}
	return items, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
