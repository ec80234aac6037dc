package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

var (
	_ domain.RiskEventStore   = (*RiskEventStore)(nil)
	_ domain.DiscrepancyStore = (*DiscrepancyStore)(nil)
)

// RiskEventStore implements domain.RiskEventStore.
type RiskEventStore struct {
	d *DB
}

const riskEventCols = `id, component, event_type, subject, before, after, detail, created_at`

func scanRiskEvent(row scanner) (domain.RiskEvent, error) {
	var ev domain.RiskEvent
	var detail sql.NullString
	var created int64
	if err := row.Scan(&ev.ID, &ev.Component, &ev.EventType, &ev.Subject,
		&ev.Before, &ev.After, &detail, &created); err != nil {
		return domain.RiskEvent{}, err
	}
	ev.CreatedAt = fromUnix(created)
	if detail.Valid && detail.String != "" {
		if err := json.Unmarshal([]byte(detail.String), &ev.Detail); err != nil {
			return domain.RiskEvent{}, fmt.Errorf("unmarshal risk event detail: %w", err)
		}
	}
	return ev, nil
}

// Append inserts the event and returns it with its assigned ID.
func (s *RiskEventStore) Append(ctx context.Context, ev domain.RiskEvent) (domain.RiskEvent, error) {
	var detail sql.NullString
	if ev.Detail != nil {
		b, err := json.Marshal(ev.Detail)
		if err != nil {
			return domain.RiskEvent{}, fmt.Errorf("sqlite: marshal risk event detail: %w", err)
		}
		detail = sql.NullString{String: string(b), Valid: true}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.d.now().UTC()
	}
	res, err := s.d.db.ExecContext(ctx, `
		INSERT INTO risk_events (component, event_type, subject, before, after, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Component, ev.EventType, ev.Subject, ev.Before, ev.After, detail, toUnix(ev.CreatedAt))
	if err != nil {
		return domain.RiskEvent{}, fmt.Errorf("sqlite: append risk event %s/%s: %w", ev.Component, ev.EventType, err)
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return domain.RiskEvent{}, fmt.Errorf("sqlite: risk event id: %w", err)
	}
	return ev, nil
}

// List returns events newest first with optional filters.
func (s *RiskEventStore) List(ctx context.Context, f domain.RiskEventFilter) ([]domain.RiskEvent, error) {
	query := `SELECT ` + riskEventCols + ` FROM risk_events WHERE 1=1`
	var args []any
	if f.Component != "" {
		query += ` AND component = ?`
		args = append(args, f.Component)
	}
	if f.Subject != "" {
		query += ` AND subject = ?`
		args = append(args, f.Subject)
	}
	if f.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, toUnix(*f.Since))
	}
	if f.Until != nil {
		query += ` AND created_at < ?`
		args = append(args, toUnix(*f.Until))
	}
	query += ` ORDER BY id DESC`
	query, args = limitOffset(query, args, f.ListOpts)

	rows, err := s.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list risk events: %w", err)
	}
	defer rows.Close()
	var out []domain.RiskEvent
	for rows.Next() {
		ev, err := scanRiskEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan risk event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Latest returns the newest event for component and subject.
func (s *RiskEventStore) Latest(ctx context.Context, component, subject string) (domain.RiskEvent, error) {
	ev, err := scanRiskEvent(s.d.db.QueryRowContext(ctx,
		`SELECT `+riskEventCols+` FROM risk_events
		 WHERE component = ? AND subject = ? ORDER BY id DESC LIMIT 1`, component, subject))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RiskEvent{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.RiskEvent{}, fmt.Errorf("sqlite: latest risk event %s/%s: %w", component, subject, err)
	}
	return ev, nil
}

// DiscrepancyStore implements domain.DiscrepancyStore.
type DiscrepancyStore struct {
	d *DB
}

const discrepancyCols = `key, type, severity, position_id, leg_id, contract,
	expected_qty, broker_qty, detected_at, resolved_at`

func (s *DiscrepancyStore) query(ctx context.Context, query string, args ...any) ([]domain.Discrepancy, error) {
	rows, err := s.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list discrepancies: %w", err)
	}
	defer rows.Close()
	var out []domain.Discrepancy
	for rows.Next() {
		var d domain.Discrepancy
		var typ, sev string
		var detected int64
		var resolved sql.NullInt64
		if err := rows.Scan(&d.Key, &typ, &sev, &d.PositionID, &d.LegID, &d.Contract,
			&d.ExpectedQty, &d.BrokerQty, &detected, &resolved); err != nil {
			return nil, fmt.Errorf("sqlite: scan discrepancy: %w", err)
		}
		d.Type = domain.DiscrepancyType(typ)
		d.Severity = domain.Severity(sev)
		d.DetectedAt = fromUnix(detected)
		d.ResolvedAt = fromNullUnix(resolved)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Record inserts the discrepancy or reopens an existing one with the same key.
func (s *DiscrepancyStore) Record(ctx context.Context, d domain.Discrepancy) error {
	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO discrepancies (`+discrepancyCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (key) DO UPDATE SET
			severity = excluded.severity,
			expected_qty = excluded.expected_qty,
			broker_qty = excluded.broker_qty,
			detected_at = excluded.detected_at,
			resolved_at = NULL`,
		d.Key, string(d.Type), string(d.Severity), d.PositionID, d.LegID, d.Contract,
		d.ExpectedQty, d.BrokerQty, toUnix(d.DetectedAt))
	if err != nil {
		return fmt.Errorf("sqlite: record discrepancy %s: %w", d.Key, err)
	}
	return nil
}

// Resolve marks the discrepancy resolved.
func (s *DiscrepancyStore) Resolve(ctx context.Context, key string, at time.Time) error {
	res, err := s.d.db.ExecContext(ctx, `UPDATE discrepancies SET resolved_at = ? WHERE key = ?`, toUnix(at), key)
	if err != nil {
		return fmt.Errorf("sqlite: resolve discrepancy %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListOpen returns unresolved discrepancies, oldest first.
func (s *DiscrepancyStore) ListOpen(ctx context.Context) ([]domain.Discrepancy, error) {
	return s.query(ctx, `SELECT `+discrepancyCols+` FROM discrepancies
		WHERE resolved_at IS NULL ORDER BY detected_at, key`)
}

// List returns discrepancies newest first.
func (s *DiscrepancyStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Discrepancy, error) {
	query, args := limitOffset(`SELECT `+discrepancyCols+` FROM discrepancies ORDER BY detected_at DESC`, nil, opts)
	return s.query(ctx, query, args...)
}
