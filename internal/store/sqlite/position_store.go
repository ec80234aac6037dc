package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

var _ domain.PositionStore = (*PositionStore)(nil)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	d *DB
}

const positionCols = `id, symbol, strategy, status, broken_reason, version, created_at, updated_at, closed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (domain.Position, error) {
	var p domain.Position
	var status string
	var created, updated int64
	var closed sql.NullInt64
	if err := row.Scan(&p.ID, &p.Symbol, &p.Strategy, &status, &p.BrokenReason, &p.Version,
		&created, &updated, &closed); err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	p.CreatedAt = fromUnix(created)
	p.UpdatedAt = fromUnix(updated)
	p.ClosedAt = fromNullUnix(closed)
	return p, nil
}

// Create inserts a new position and its legs at version 1.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin create position %s: %w", p.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.d.now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (`+positionCols+`)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		p.ID, p.Symbol, p.Strategy, string(p.Status), p.BrokenReason,
		toUnix(p.CreatedAt), toUnix(p.CreatedAt), toNullUnix(p.ClosedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("sqlite: create position %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: create position %s: %w", p.ID, err)
	}
	if err := s.upsertLegs(ctx, tx, p.Legs); err != nil {
		return fmt.Errorf("sqlite: create position %s: %w", p.ID, err)
	}
	return tx.Commit()
}

// Update writes the position and legs if the stored version matches.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) (domain.Position, error) {
	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: begin update position %s: %w", p.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.d.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE positions SET
			symbol = ?, strategy = ?, status = ?, broken_reason = ?, closed_at = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		p.Symbol, p.Strategy, string(p.Status), p.BrokenReason, toNullUnix(p.ClosedAt),
		toUnix(now), p.ID, p.Version)
	if err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: update position %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions WHERE id = ?`, p.ID).Scan(&exists); err != nil {
			return domain.Position{}, fmt.Errorf("sqlite: update position %s: %w", p.ID, err)
		}
		if exists == 0 {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("sqlite: update position %s at version %d: %w",
			p.ID, p.Version, domain.ErrVersionConflict)
	}
	if err := s.upsertLegs(ctx, tx, p.Legs); err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: update position %s: %w", p.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: commit position %s: %w", p.ID, err)
	}
	out := p.Clone()
	out.Version++
	out.UpdatedAt = now.UTC()
	return out, nil
}

func (s *PositionStore) upsertLegs(ctx context.Context, tx *sql.Tx, legs []domain.Leg) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO legs (
			id, position_id, ordinal, contract, side, quantity, filled_quantity,
			limit_price, status, broker_order_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			filled_quantity = excluded.filled_quantity,
			status          = excluded.status,
			broker_order_id = excluded.broker_order_id,
			updated_at      = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare leg upsert: %w", err)
	}
	defer stmt.Close()
	for i, l := range legs {
		updated := l.UpdatedAt
		if updated.IsZero() {
			updated = s.d.now()
		}
		if _, err := stmt.ExecContext(ctx,
			l.ID, l.PositionID, i, l.Contract, string(l.Side), l.Quantity, l.FilledQuantity,
			l.LimitPrice.String(), string(l.Status), l.BrokerOrderID, toUnix(updated),
		); err != nil {
			return fmt.Errorf("upsert leg %s: %w", l.ID, err)
		}
	}
	return nil
}

// GetByID retrieves a single position with its legs.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(s.d.db.QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: get position %s: %w", id, err)
	}
	if err := s.attachLegs(ctx, []*domain.Position{&p}); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

// ListByStatus returns positions in any of the given statuses, oldest first.
func (s *PositionStore) ListByStatus(ctx context.Context, statuses ...domain.PositionStatus) ([]domain.Position, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE status IN (`+marks+`) ORDER BY created_at, id`, args...)
}

// List returns positions newest first.
func (s *PositionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE 1=1`
	var args []any
	if opts.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, toUnix(*opts.Since))
	}
	if opts.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, toUnix(*opts.Until))
	}
	query += ` ORDER BY created_at DESC`
	query, args = limitOffset(query, args, opts)
	return s.query(ctx, query, args...)
}

func (s *PositionStore) query(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list positions: %w", err)
	}
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan position: %w", err)
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list positions rows: %w", err)
	}
	ptrs := make([]*domain.Position, len(out))
	for i := range out {
		ptrs[i] = &out[i]
	}
	if err := s.attachLegs(ctx, ptrs); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PositionStore) attachLegs(ctx context.Context, ps []*domain.Position) error {
	for _, p := range ps {
		rows, err := s.d.db.QueryContext(ctx, `
			SELECT id, position_id, contract, side, quantity, filled_quantity,
			       limit_price, status, broker_order_id, updated_at
			FROM legs WHERE position_id = ? ORDER BY ordinal`, p.ID)
		if err != nil {
			return fmt.Errorf("sqlite: load legs of %s: %w", p.ID, err)
		}
		for rows.Next() {
			var l domain.Leg
			var side, status, price string
			var updated int64
			if err := rows.Scan(&l.ID, &l.PositionID, &l.Contract, &side, &l.Quantity, &l.FilledQuantity,
				&price, &status, &l.BrokerOrderID, &updated); err != nil {
				rows.Close()
				return fmt.Errorf("sqlite: scan leg: %w", err)
			}
			l.Side = domain.OrderSide(side)
			l.Status = domain.LegStatus(status)
			l.UpdatedAt = fromUnix(updated)
			if l.LimitPrice, err = decimal.NewFromString(price); err != nil {
				rows.Close()
				return fmt.Errorf("sqlite: parse limit price %q: %w", price, err)
			}
			p.Legs = append(p.Legs, l)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("sqlite: load legs rows: %w", err)
		}
	}
	return nil
}

func limitOffset(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, opts.Offset)
		}
	}
	return query, args
}
