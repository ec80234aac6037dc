package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

var _ domain.PositionStore = (*PositionStore)(nil)

// PositionStore implements domain.PositionStore using PostgreSQL. Legs live
// in their own table and are written in the same transaction as the parent.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, symbol, strategy, status, broken_reason, version,
	created_at, updated_at, closed_at`

const legSelectCols = `id, position_id, contract, side, quantity, filled_quantity,
	limit_price::text, status, broker_order_id, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string
	err := row.Scan(
		&p.ID, &p.Symbol, &p.Strategy, &status, &p.BrokenReason, &p.Version,
		&p.CreatedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanLeg(row pgx.Row) (domain.Leg, error) {
	var l domain.Leg
	var side, status, price string
	err := row.Scan(
		&l.ID, &l.PositionID, &l.Contract, &side, &l.Quantity, &l.FilledQuantity,
		&price, &status, &l.BrokerOrderID, &l.UpdatedAt,
	)
	if err != nil {
		return domain.Leg{}, err
	}
	l.Side = domain.OrderSide(side)
	l.Status = domain.LegStatus(status)
	if l.LimitPrice, err = decimal.NewFromString(price); err != nil {
		return domain.Leg{}, fmt.Errorf("parse limit price %q: %w", price, err)
	}
	return l, nil
}

// Create inserts a new position and its legs at version 1.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin create position %s: %w", p.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO positions (
			id, symbol, strategy, status, broken_reason, version,
			created_at, updated_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, 1, $6, $6, $7)`
	if _, err := tx.Exec(ctx, query,
		p.ID, p.Symbol, p.Strategy, string(p.Status), p.BrokenReason,
		p.CreatedAt, p.ClosedAt,
	); err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	if err := upsertLegs(ctx, tx, p.Legs); err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit position %s: %w", p.ID, err)
	}
	return nil
}

// Update writes the position and legs if the stored version matches.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) (domain.Position, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: begin update position %s: %w", p.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
		UPDATE positions SET
			symbol        = $3,
			strategy      = $4,
			status        = $5,
			broken_reason = $6,
			closed_at     = $7,
			version       = version + 1,
			updated_at    = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`

	var version int64
	var updatedAt time.Time
	err = tx.QueryRow(ctx, query,
		p.ID, p.Version, p.Symbol, p.Strategy, string(p.Status), p.BrokenReason, p.ClosedAt,
	).Scan(&version, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)`, p.ID).Scan(&exists); qerr != nil {
			return domain.Position{}, fmt.Errorf("postgres: update position %s: %w", p.ID, qerr)
		}
		if !exists {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: update position %s at version %d: %w",
			p.ID, p.Version, domain.ErrVersionConflict)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if err := upsertLegs(ctx, tx, p.Legs); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: commit position %s: %w", p.ID, err)
	}
	out := p.Clone()
	out.Version = version
	out.UpdatedAt = updatedAt
	return out, nil
}

func upsertLegs(ctx context.Context, tx pgx.Tx, legs []domain.Leg) error {
	const query = `
		INSERT INTO legs (
			id, position_id, ordinal, contract, side, quantity, filled_quantity,
			limit_price, status, broker_order_id, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			filled_quantity = EXCLUDED.filled_quantity,
			status          = EXCLUDED.status,
			broker_order_id = EXCLUDED.broker_order_id,
			updated_at      = NOW()`

	batch := &pgx.Batch{}
	for i, l := range legs {
		batch.Queue(query,
			l.ID, l.PositionID, i, l.Contract, string(l.Side), l.Quantity, l.FilledQuantity,
			l.LimitPrice.String(), string(l.Status), l.BrokerOrderID,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range legs {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("upsert leg: %w", err)
		}
	}
	return br.Close()
}

// GetByID retrieves a single position with its legs.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	if err := s.attachLegs(ctx, []*domain.Position{&p}); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

// ListByStatus returns positions in any of the given statuses, oldest first.
func (s *PositionStore) ListByStatus(ctx context.Context, statuses ...domain.PositionStatus) ([]domain.Position, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE status = ANY($1) ORDER BY created_at, id`,
		names)
}

// List returns positions newest first with pagination and optional time filtering.
func (s *PositionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return s.query(ctx, query, args...)
}

func (s *PositionStore) query(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}

	ptrs := make([]*domain.Position, len(positions))
	for i := range positions {
		ptrs[i] = &positions[i]
	}
	if err := s.attachLegs(ctx, ptrs); err != nil {
		return nil, err
	}
	return positions, nil
}

func (s *PositionStore) attachLegs(ctx context.Context, positions []*domain.Position) error {
	if len(positions) == 0 {
		return nil
	}
	ids := make([]string, len(positions))
	byID := make(map[string]*domain.Position, len(positions))
	for i, p := range positions {
		ids[i] = p.ID
		byID[p.ID] = p
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+legSelectCols+` FROM legs WHERE position_id = ANY($1) ORDER BY position_id, ordinal`, ids)
	if err != nil {
		return fmt.Errorf("postgres: load legs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		l, err := scanLeg(rows)
		if err != nil {
			return fmt.Errorf("postgres: scan leg: %w", err)
		}
		if p := byID[l.PositionID]; p != nil {
			p.Legs = append(p.Legs, l)
		}
	}
	return rows.Err()
}
