package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

var _ domain.RiskEventStore = (*RiskEventStore)(nil)

// RiskEventStore implements domain.RiskEventStore using PostgreSQL.
type RiskEventStore struct {
	pool *pgxpool.Pool
}

// NewRiskEventStore creates a new RiskEventStore backed by the given connection pool.
func NewRiskEventStore(pool *pgxpool.Pool) *RiskEventStore {
	return &RiskEventStore{pool: pool}
}

const riskEventCols = `id, component, event_type, subject, before, after, detail, created_at`

func scanRiskEvent(row pgx.Row) (domain.RiskEvent, error) {
	var ev domain.RiskEvent
	var detailJSON []byte
	if err := row.Scan(&ev.ID, &ev.Component, &ev.EventType, &ev.Subject,
		&ev.Before, &ev.After, &detailJSON, &ev.CreatedAt); err != nil {
		return domain.RiskEvent{}, err
	}
	if detailJSON != nil {
		if err := json.Unmarshal(detailJSON, &ev.Detail); err != nil {
			return domain.RiskEvent{}, fmt.Errorf("unmarshal risk event detail: %w", err)
		}
	}
	return ev, nil
}

// Append inserts the event. The detail map is stored as JSONB.
func (s *RiskEventStore) Append(ctx context.Context, ev domain.RiskEvent) (domain.RiskEvent, error) {
	var detailJSON []byte
	if ev.Detail != nil {
		var err error
		if detailJSON, err = json.Marshal(ev.Detail); err != nil {
			return domain.RiskEvent{}, fmt.Errorf("postgres: marshal risk event detail: %w", err)
		}
	}

	const query = `
		INSERT INTO risk_events (component, event_type, subject, before, after, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))
		RETURNING id, created_at`
	var createdAt any
	if !ev.CreatedAt.IsZero() {
		createdAt = ev.CreatedAt
	}
	err := s.pool.QueryRow(ctx, query,
		ev.Component, ev.EventType, ev.Subject, ev.Before, ev.After, detailJSON, createdAt,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return domain.RiskEvent{}, fmt.Errorf("postgres: append risk event %s/%s: %w", ev.Component, ev.EventType, err)
	}
	return ev, nil
}

// List returns events newest first with optional filters.
func (s *RiskEventStore) List(ctx context.Context, f domain.RiskEventFilter) ([]domain.RiskEvent, error) {
	query := `SELECT ` + riskEventCols + ` FROM risk_events WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.Component != "" {
		query += fmt.Sprintf(" AND component = $%d", argIdx)
		args = append(args, f.Component)
		argIdx++
	}
	if f.Subject != "" {
		query += fmt.Sprintf(" AND subject = $%d", argIdx)
		args = append(args, f.Subject)
		argIdx++
	}
	if f.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *f.Since)
		argIdx++
	}
	if f.Until != nil {
		query += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, *f.Until)
		argIdx++
	}

	query += " ORDER BY id DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list risk events: %w", err)
	}
	defer rows.Close()

	var events []domain.RiskEvent
	for rows.Next() {
		ev, err := scanRiskEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan risk event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list risk events rows: %w", err)
	}
	return events, nil
}

// Latest returns the newest event for component and subject.
func (s *RiskEventStore) Latest(ctx context.Context, component, subject string) (domain.RiskEvent, error) {
	ev, err := scanRiskEvent(s.pool.QueryRow(ctx,
		`SELECT `+riskEventCols+` FROM risk_events
		 WHERE component = $1 AND subject = $2
		 ORDER BY id DESC LIMIT 1`, component, subject))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RiskEvent{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.RiskEvent{}, fmt.Errorf("postgres: latest risk event %s/%s: %w", component, subject, err)
	}
	return ev, nil
}
