package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

var _ domain.QueueStore = (*QueueStore)(nil)

// QueueStore implements domain.QueueStore using PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so concurrent claimers never share an item.
type QueueStore struct {
	pool *pgxpool.Pool
}

// NewQueueStore creates a new QueueStore backed by the given connection pool.
func NewQueueStore(pool *pgxpool.Pool) *QueueStore {
	return &QueueStore{pool: pool}
}

const queueSelectCols = `id, kind, priority, status, natural_key, emergency, resubmit,
	payload, result, retry_count, max_retries, attempts, failure_class, error,
	effective_at, next_attempt_at, backfill_of, created_at, updated_at, completed_at`

func scanQueueItem(row pgx.Row) (domain.QueueItem, error) {
	var it domain.QueueItem
	var kind, status, class string
	var priority int16
	err := row.Scan(
		&it.ID, &kind, &priority, &status, &it.NaturalKey, &it.Emergency, &it.Resubmit,
		&it.Payload, &it.Result, &it.RetryCount, &it.MaxRetries, &it.Attempts, &class, &it.Error,
		&it.EffectiveAt, &it.NextAttemptAt, &it.BackfillOf, &it.CreatedAt, &it.UpdatedAt, &it.CompletedAt,
	)
	if err != nil {
		return domain.QueueItem{}, err
	}
	it.Kind = domain.QueueKind(kind)
	it.Priority = domain.QueuePriority(priority)
	it.Status = domain.QueueStatus(status)
	it.FailureClass = domain.FailureClass(class)
	return it, nil
}

func collectQueueItems(rows pgx.Rows) ([]domain.QueueItem, error) {
	defer rows.Close()
	var items []domain.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Insert adds a new item.
func (s *QueueStore) Insert(ctx context.Context, it domain.QueueItem) error {
	const query = `
		INSERT INTO request_queue (
			id, kind, priority, status, natural_key, emergency, resubmit,
			payload, result, retry_count, max_retries, attempts, failure_class, error,
			effective_at, next_attempt_at, backfill_of, created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $18, $19
		)`
	_, err := s.pool.Exec(ctx, query,
		it.ID, string(it.Kind), int16(it.Priority), string(it.Status), it.NaturalKey, it.Emergency, it.Resubmit,
		[]byte(it.Payload), nullJSON(it.Result), it.RetryCount, it.MaxRetries, it.Attempts,
		string(it.FailureClass), it.Error,
		it.EffectiveAt, it.NextAttemptAt, it.BackfillOf, it.CreatedAt, it.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert queue item %s: %w", it.ID, err)
	}
	return nil
}

// Get returns the item with the given ID.
func (s *QueueStore) Get(ctx context.Context, id string) (domain.QueueItem, error) {
	it, err := scanQueueItem(s.pool.QueryRow(ctx,
		`SELECT `+queueSelectCols+` FROM request_queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueItem{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("postgres: get queue item %s: %w", id, err)
	}
	return it, nil
}

// FindActiveByNaturalKey returns the newest non-failed item with the key.
func (s *QueueStore) FindActiveByNaturalKey(ctx context.Context, key string) (domain.QueueItem, error) {
	it, err := scanQueueItem(s.pool.QueryRow(ctx,
		`SELECT `+queueSelectCols+` FROM request_queue
		 WHERE natural_key = $1 AND status <> 'failed'
		 ORDER BY created_at DESC LIMIT 1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueItem{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("postgres: find queue item by key: %w", err)
	}
	return it, nil
}

// Claim moves due pending items to in_progress.
func (s *QueueStore) Claim(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	items, err := s.claim(ctx, now, limit, domain.QueueStatusPending, "priority, created_at")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// ClaimBackfill moves due backfill items to in_progress in effective-time order.
func (s *QueueStore) ClaimBackfill(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	items, err := s.claim(ctx, now, limit, domain.QueueStatusBackfill, "effective_at, created_at")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].EffectiveAt.Before(items[j].EffectiveAt)
	})
	return items, nil
}

func (s *QueueStore) claim(ctx context.Context, now time.Time, limit int, from domain.QueueStatus, order string) ([]domain.QueueItem, error) {
	query := `
		UPDATE request_queue SET
			status     = 'in_progress',
			attempts   = attempts + 1,
			updated_at = $1
		WHERE id IN (
			SELECT id FROM request_queue
			WHERE status = $2 AND next_attempt_at <= $1
			ORDER BY ` + order + `
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + queueSelectCols
	rows, err := s.pool.Query(ctx, query, now, string(from), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim %s items: %w", from, err)
	}
	items, err := collectQueueItems(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan claimed items: %w", err)
	}
	return items, nil
}

// Update persists a state change on a non-terminal item.
func (s *QueueStore) Update(ctx context.Context, it domain.QueueItem) error {
	const query = `
		UPDATE request_queue SET
			status          = $2,
			result          = $3,
			retry_count     = $4,
			attempts        = $5,
			failure_class   = $6,
			error           = $7,
			next_attempt_at = $8,
			completed_at    = $9,
			updated_at      = $10
		WHERE id = $1 AND status NOT IN ('success', 'failed')`
	tag, err := s.pool.Exec(ctx, query,
		it.ID, string(it.Status), nullJSON(it.Result), it.RetryCount, it.Attempts,
		string(it.FailureClass), it.Error, it.NextAttemptAt, it.CompletedAt, it.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update queue item %s: %w", it.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, it.ID); err != nil {
			return err
		}
		return fmt.Errorf("postgres: update queue item %s: %w", it.ID, domain.ErrTerminalItem)
	}
	return nil
}

// ResetInProgress returns in_progress items to their claimable status.
func (s *QueueStore) ResetInProgress(ctx context.Context) (int64, error) {
	const query = `
		UPDATE request_queue SET
			status = CASE WHEN backfill_of <> '' THEN 'backfill' ELSE 'pending' END,
			updated_at = NOW()
		WHERE status = 'in_progress'`
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("postgres: reset in-progress items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListByKeyPrefix returns items whose natural key starts with prefix, oldest first.
func (s *QueueStore) ListByKeyPrefix(ctx context.Context, prefix string) ([]domain.QueueItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+queueSelectCols+` FROM request_queue
		WHERE starts_with(natural_key, $1)
		ORDER BY created_at`, prefix)
	if err != nil {
		return nil, fmt.Errorf("postgres: list queue items by key prefix: %w", err)
	}
	items, err := collectQueueItems(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan queue items by key prefix: %w", err)
	}
	return items, nil
}

// Withdraw fails a pending or backfill item. Claims hold row locks, so an
// item being claimed concurrently is either withdrawn or left untouched.
func (s *QueueStore) Withdraw(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	const query = `
		UPDATE request_queue SET
			status        = 'failed',
			failure_class = $2,
			error         = $3,
			completed_at  = $4,
			updated_at    = $4
		WHERE id = $1 AND status IN ('pending', 'backfill')`
	tag, err := s.pool.Exec(ctx, query, id, string(domain.FailureTerminal), reason, at)
	if err != nil {
		return false, fmt.Errorf("postgres: withdraw queue item %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Stats counts items by status.
func (s *QueueStore) Stats(ctx context.Context) (domain.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM request_queue GROUP BY status`)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("postgres: queue stats: %w", err)
	}
	defer rows.Close()
	var st domain.QueueStats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return domain.QueueStats{}, fmt.Errorf("postgres: scan queue stats: %w", err)
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
	query := `SELECT ` + queueSelectCols + ` FROM request_queue
		WHERE status IN ('success', 'failed') AND completed_at IS NOT NULL`
	args := []any{}
	argIdx := 1
	if opts.Since != nil {
		query += fmt.Sprintf(" AND completed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND completed_at < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY completed_at"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list completed items: %w", err)
	}
	items, err := collectQueueItems(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan completed items: %w", err)
	}
	return items, nil
}

func nullJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
