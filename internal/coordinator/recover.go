package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/queue"
)

// Recover runs once at startup, after the queue has been recovered and the
// worker started. It restores symbol halts, resolves positions a crash left
// OPENING or CLOSING, and forces BROKEN on any OPEN position whose legs are
// not uniform. Order items still queued for an interrupted position are
// withdrawn, and orders still working are canceled, before its legs are
// classified against a fresh broker snapshot.
func (c *Coordinator) Recover(ctx context.Context) error {
	c.restoreHalts(ctx)

	stuck, err := c.positions.ListByStatus(ctx, domain.PositionStatusOpening, domain.PositionStatusClosing)
	if err != nil {
		return fmt.Errorf("coordinator: recover: %w", err)
	}
	for _, pos := range stuck {
		if rerr := c.recoverPosition(ctx, pos); rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.ErrorContext(ctx, "position recovery failed",
				slog.String("position_id", pos.ID),
				slog.String("error", rerr.Error()),
			)
		}
	}

	open, err := c.positions.ListByStatus(ctx, domain.PositionStatusOpen)
	if err != nil {
		return fmt.Errorf("coordinator: recover: %w", err)
	}
	for _, pos := range open {
		if ierr := pos.CheckInvariant(); ierr != nil {
			if _, err := c.MarkBroken(ctx, pos.ID, ierr.Error(), nil); err != nil {
				return fmt.Errorf("coordinator: recover %s: %w", pos.ID, err)
			}
		}
	}
	c.logger.InfoContext(ctx, "recovery complete",
		slog.Int("interrupted", len(stuck)),
		slog.Int("open", len(open)),
	)
	return nil
}

func (c *Coordinator) recoverPosition(ctx context.Context, pos domain.Position) error {
	unlock, err := c.acquire(ctx, pos.ID, true)
	if err != nil {
		return err
	}
	defer unlock()

	interrupted := pos.Status
	var unsettled []string
	for i, leg := range pos.Legs {
		if leg.Status.Settled() {
			continue
		}
		if _, err := c.settleLeg(ctx, pos, leg); err != nil {
			if ctx.Err() != nil {
				return err
			}
			c.logger.ErrorContext(ctx, "interrupted leg order unresolved",
				slog.String("position_id", pos.ID),
				slog.String("leg_id", leg.ID),
				slog.String("error", err.Error()),
			)
			pos.Legs[i].Status = domain.LegStatusUnresolved
			unsettled = append(unsettled, leg.ID)
		}
	}
	if len(unsettled) > 0 {
		return c.markBroken(ctx, &pos, fmt.Sprintf("interrupted while %s; orders for legs %v unresolved", interrupted, unsettled), "interrupted")
	}

	now := c.now().UTC()
	item, err := c.q.Do(ctx, domain.QueueKindSnapshotFetch, domain.PriorityImmediate,
		domain.SnapshotPayload{Reason: "recover " + pos.ID},
		queue.EnqueueOpts{NaturalKey: naturalKey(pos.Symbol, pos.ID, "recover_snapshot", now), EffectiveAt: now, Emergency: true})
	var snap domain.Snapshot
	if err == nil {
		snap, err = queue.DecodeSnapshot(item)
	}
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		c.logger.ErrorContext(ctx, "recovery snapshot failed", slog.String("position_id", pos.ID), slog.String("error", err.Error()))
		return c.markBroken(ctx, &pos, fmt.Sprintf("interrupted while %s; broker state unknown", interrupted), "interrupted")
	}

	allOpen, allSettled := true, true
	for i, leg := range pos.Legs {
		held := snap.Quantity(leg.Contract)
		sameSide := held != 0 && (held < 0) == leg.Short()
		switch {
		case leg.Status.Settled():
		case sameSide:
			leg.FilledQuantity = min(abs(held), leg.Quantity)
			leg.Status = domain.LegStatusOpen
		case interrupted == domain.PositionStatusOpening && leg.Status == domain.LegStatusPending:
			leg.FilledQuantity = 0
		case leg.Status == domain.LegStatusUnresolved:
			leg.FilledQuantity = 0
			leg.Status = domain.LegStatusClosed
		case leg.Status == domain.LegStatusOpen:
			leg.Status = domain.LegStatusMissing
		case leg.Status == domain.LegStatusClosing:
			leg.Status = domain.LegStatusClosed
		}
		leg.UpdatedAt = now
		pos.Legs[i] = leg

		if leg.Status != domain.LegStatusOpen || leg.FilledQuantity != leg.Quantity {
			allOpen = false
		}
		if leg.Status == domain.LegStatusOpen {
			allSettled = false
		}
	}

	detail := map[string]any{"recovered_from": string(interrupted)}
	switch {
	case allOpen:
		c.logger.InfoContext(ctx, "recovered position as open", slog.String("position_id", pos.ID))
		return c.setStatus(ctx, &pos, domain.PositionStatusOpen, detail)
	case allSettled:
		for i := range pos.Legs {
			if pos.Legs[i].Status == domain.LegStatusPending {
				pos.Legs[i].Status = domain.LegStatusClosed
			}
		}
		c.logger.InfoContext(ctx, "recovered position as closed", slog.String("position_id", pos.ID))
		return c.setStatus(ctx, &pos, domain.PositionStatusClosed, detail)
	default:
		return c.markBroken(ctx, &pos, fmt.Sprintf("interrupted while %s with legs partially executed", interrupted), "interrupted")
	}
}

// restoreHalts replays the newest halt transition per symbol.
func (c *Coordinator) restoreHalts(ctx context.Context) {
	if c.rec == nil {
		return
	}
	events, err := c.rec.List(ctx, domain.RiskEventFilter{Component: domain.ComponentCoordinator})
	if err != nil {
		c.logger.WarnContext(ctx, "halt restore failed", slog.String("error", err.Error()))
		return
	}
	seen := make(map[string]bool)
	c.haltMu.Lock()
	defer c.haltMu.Unlock()
	for _, ev := range events { // newest first
		symbol, ok := strings.CutPrefix(ev.Subject, "symbol:")
		if !ok || seen[symbol] {
			continue
		}
		seen[symbol] = true
		if ev.After == "halted" {
			reason, _ := ev.Detail["reason"].(string)
			c.halted[symbol] = reason
			c.logger.WarnContext(ctx, "symbol halt restored", slog.String("symbol", symbol))
		}
	}
}
