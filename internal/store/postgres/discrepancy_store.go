package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

var _ domain.DiscrepancyStore = (*DiscrepancyStore)(nil)

// DiscrepancyStore implements domain.DiscrepancyStore using PostgreSQL.
type DiscrepancyStore struct {
	pool *pgxpool.Pool
}

// NewDiscrepancyStore creates a new DiscrepancyStore backed by the given connection pool.
func NewDiscrepancyStore(pool *pgxpool.Pool) *DiscrepancyStore {
	return &DiscrepancyStore{pool: pool}
}

const discrepancyCols = `key, type, severity, position_id, leg_id, contract,
	expected_qty, broker_qty, detected_at, resolved_at`

func scanDiscrepancies(rows pgx.Rows) ([]domain.Discrepancy, error) {
	defer rows.Close()
	var out []domain.Discrepancy
	for rows.Next() {
		var d domain.Discrepancy
		var typ, sev string
		if err := rows.Scan(&d.Key, &typ, &sev, &d.PositionID, &d.LegID, &d.Contract,
			&d.ExpectedQty, &d.BrokerQty, &d.DetectedAt, &d.ResolvedAt); err != nil {
			return nil, err
		}
		d.Type = domain.DiscrepancyType(typ)
		d.Severity = domain.Severity(sev)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Record inserts the discrepancy or reopens an existing one with the same key.
func (s *DiscrepancyStore) Record(ctx context.Context, d domain.Discrepancy) error {
	const query = `
		INSERT INTO discrepancies (
			key, type, severity, position_id, leg_id, contract,
			expected_qty, broker_qty, detected_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL)
		ON CONFLICT (key) DO UPDATE SET
			severity     = EXCLUDED.severity,
			expected_qty = EXCLUDED.expected_qty,
			broker_qty   = EXCLUDED.broker_qty,
			detected_at  = EXCLUDED.detected_at,
			resolved_at  = NULL`
	_, err := s.pool.Exec(ctx, query,
		d.Key, string(d.Type), string(d.Severity), d.PositionID, d.LegID, d.Contract,
		d.ExpectedQty, d.BrokerQty, d.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record discrepancy %s: %w", d.Key, err)
	}
	return nil
}

// Resolve marks the discrepancy resolved.
func (s *DiscrepancyStore) Resolve(ctx context.Context, key string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE discrepancies SET resolved_at = $2 WHERE key = $1`, key, at)
	if err != nil {
		return fmt.Errorf("postgres: resolve discrepancy %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListOpen returns unresolved discrepancies, oldest first.
func (s *DiscrepancyStore) ListOpen(ctx context.Context) ([]domain.Discrepancy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+discrepancyCols+` FROM discrepancies WHERE resolved_at IS NULL ORDER BY detected_at, key`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open discrepancies: %w", err)
	}
	out, err := scanDiscrepancies(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan discrepancies: %w", err)
	}
	return out, nil
}

// List returns discrepancies newest first.
func (s *DiscrepancyStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Discrepancy, error) {
	query := `SELECT ` + discrepancyCols + ` FROM discrepancies ORDER BY detected_at DESC`
	args := []any{}
	if opts.Limit > 0 {
		query += " LIMIT $1"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET $2"
			args = append(args, opts.Offset)
		}
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list discrepancies: %w", err)
	}
	out, err := scanDiscrepancies(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan discrepancies: %w", err)
	}
	return out, nil
}
