package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/queue"
)

// Close closes every leg of an OPEN position, short legs first. With
// emergency set it delegates to EmergencyClose.
func (c *Coordinator) Close(ctx context.Context, id string, emergency bool) (CloseResult, error) {
	if emergency {
		return c.EmergencyClose(ctx, id, "requested")
	}
	return c.close(ctx, id, nil, time.Time{})
}

func (c *Coordinator) close(ctx context.Context, id string, prices map[string]decimal.Decimal, target time.Time) (CloseResult, error) {
	unlock, err := c.acquire(ctx, id, false)
	if err != nil {
		return CloseResult{}, err
	}
	defer unlock()

	pos, err := c.positions.GetByID(ctx, id)
	if err != nil {
		return CloseResult{}, fmt.Errorf("coordinator: close %s: %w", id, err)
	}
	res := CloseResult{Position: pos}
	if pos.Status != domain.PositionStatusOpen {
		return res, fmt.Errorf("coordinator: close %s in status %s: %w", id, pos.Status, domain.ErrPositionState)
	}
	if err := pos.CheckInvariant(); err != nil {
		if berr := c.markBroken(ctx, &pos, err.Error(), "invariant"); berr != nil {
			return res, errors.Join(err, berr)
		}
		res.Position = pos
		return res, fmt.Errorf("coordinator: close %s: %w: %w", id, domain.ErrPositionBroken, err)
	}
	if c.gate != nil && !c.gate.Allow(ctx) {
		return res, fmt.Errorf("coordinator: close %s: %w", id, domain.ErrHalted)
	}
	if target.IsZero() {
		target = c.now().UTC()
	}

	if err := c.setStatus(ctx, &pos, domain.PositionStatusClosing, nil); err != nil {
		return res, err
	}

	var done []closedLeg
	for _, i := range legOrder(pos.Legs, true) {
		leg := pos.Legs[i]
		leg.Status = domain.LegStatusClosing
		pos.Legs[i] = leg
		if err := c.save(ctx, &pos); err != nil {
			return res, err
		}

		spec := legOrderSpec{
			symbol:     pos.Symbol,
			positionID: pos.ID,
			leg:        leg,
			action:     actionClose,
			side:       leg.Side.Opposite(),
			qty:        leg.FilledQuantity,
			orderType:  domain.OrderTypeMarket,
			priority:   domain.PriorityNormal,
			target:     target,
		}
		if p, ok := prices[leg.Contract]; ok {
			spec.orderType = domain.OrderTypeLimit
			spec.price = p
		}
		ack, unresolved, legErr := c.placeAndSettle(ctx, spec)
		if legErr != nil {
			ctx = context.WithoutCancel(ctx)
		}

		leg.UpdatedAt = c.now().UTC()
		if legErr == nil {
			leg.Status = domain.LegStatusClosed
			pos.Legs[i] = leg
			done = append(done, closedLeg{idx: i, qty: ack.FilledQty})
			res.ClosedLegs = append(res.ClosedLegs, leg.ID)
			if err := c.save(ctx, &pos); err != nil {
				return res, err
			}
			continue
		}

		leg.Status = domain.LegStatusOpen
		if unresolved {
			leg.Status = domain.LegStatusUnresolved
		}
		leg.FilledQuantity -= ack.FilledQty
		pos.Legs[i] = leg
		res.FailedLegs = append(res.FailedLegs, leg.ID)
		if ack.FilledQty > 0 {
			done = append(done, closedLeg{idx: i, qty: ack.FilledQty})
		}
		if err := c.save(ctx, &pos); err != nil {
			return res, err
		}
		res.Position = pos
		return c.failClose(ctx, pos, leg, done, res, legErr)
	}

	if err := c.setStatus(ctx, &pos, domain.PositionStatusClosed, nil); err != nil {
		return res, err
	}
	res.Position = pos
	c.logger.InfoContext(ctx, "position closed", slog.String("position_id", pos.ID))
	return res, nil
}

type closedLeg struct {
	idx int
	qty int64
}

// failClose applies the close policy after a leg failed. The caller holds
// the lock.
func (c *Coordinator) failClose(ctx context.Context, pos domain.Position, leg domain.Leg, done []closedLeg, res CloseResult, cause error) (CloseResult, error) {
	if c.cfg.ClosePolicy == domain.ClosePolicyCompensate && leg.Status != domain.LegStatusUnresolved {
		if len(done) == 0 {
			// Nothing closed yet, so the position is still whole.
			if err := c.setStatus(ctx, &pos, domain.PositionStatusOpen, map[string]any{"close_error": cause.Error()}); err != nil {
				return res, errors.Join(cause, err)
			}
			res.Position = pos
			return res, fmt.Errorf("coordinator: close %s: %w", pos.ID, cause)
		}
		err := c.compensate(ctx, &pos, done)
		if err == nil {
			res.Position = pos
			res.ClosedLegs = nil
			return res, fmt.Errorf("coordinator: close %s compensated: %w", pos.ID, cause)
		}
		cause = errors.Join(cause, err)
	}

	reason := fmt.Sprintf("close failed on leg %s (%s): %v", leg.ID, leg.Contract, cause)
	if err := c.markBroken(ctx, &pos, reason, "close_failed"); err != nil {
		return res, errors.Join(cause, err)
	}
	res.Position = pos
	return res, fmt.Errorf("coordinator: close %s: %w: %w", pos.ID, domain.ErrPositionBroken, cause)
}

// compensate re-opens what this close attempt already closed, newest first,
// and returns the position to OPEN when every leg is restored.
func (c *Coordinator) compensate(ctx context.Context, pos *domain.Position, done []closedLeg) error {
	target := c.now().UTC()
	for k := len(done) - 1; k >= 0; k-- {
		d := done[k]
		leg := pos.Legs[d.idx]
		ack, unresolved, err := c.placeAndSettle(ctx, legOrderSpec{
			symbol:     pos.Symbol,
			positionID: pos.ID,
			leg:        leg,
			action:     actionReopen,
			side:       leg.Side,
			qty:        d.qty,
			orderType:  domain.OrderTypeMarket,
			priority:   domain.PriorityImmediate,
			emergency:  true,
			target:     target,
		})
		if leg.Status == domain.LegStatusClosed {
			leg.FilledQuantity = 0
		}
		leg.FilledQuantity += ack.FilledQty
		if leg.FilledQuantity > 0 {
			leg.Status = domain.LegStatusOpen
		}
		if unresolved {
			leg.Status = domain.LegStatusUnresolved
		}
		leg.UpdatedAt = c.now().UTC()
		pos.Legs[d.idx] = leg
		if serr := c.save(ctx, pos); serr != nil {
			return serr
		}
		if err != nil {
			return fmt.Errorf("coordinator: compensate leg %s: %w", leg.ID, err)
		}
	}
	if err := pos.CheckInvariant(); err != nil {
		return err
	}
	c.recordEvent(ctx, pos.ID, "close_compensated", map[string]any{"legs": len(done)})
	return c.setStatus(ctx, pos, domain.PositionStatusOpen, map[string]any{"compensated": true})
}

// EmergencyClose market-closes every exposed leg of a position, continuing
// past individual failures. It bypasses the breaker and symbol halts, runs
// to completion even if ctx is canceled, and succeeds only when every leg
// ends CLOSED or MISSING.
func (c *Coordinator) EmergencyClose(ctx context.Context, id, reason string) (CloseResult, error) {
	ctx = context.WithoutCancel(ctx)
	unlock, err := c.acquire(ctx, id, true)
	if err != nil {
		return CloseResult{}, err
	}
	defer unlock()

	pos, err := c.positions.GetByID(ctx, id)
	if err != nil {
		return CloseResult{}, fmt.Errorf("coordinator: emergency close %s: %w", id, err)
	}
	return c.emergencyLocked(ctx, pos, reason)
}

func (c *Coordinator) emergencyLocked(ctx context.Context, pos domain.Position, reason string) (CloseResult, error) {
	res := CloseResult{Position: pos}
	if pos.Status == domain.PositionStatusClosed {
		return res, nil
	}
	start := c.now().UTC()
	log := c.logger.With(slog.String("position_id", pos.ID), slog.String("symbol", pos.Symbol))
	log.WarnContext(ctx, "emergency close", slog.String("reason", reason))
	c.recordEvent(ctx, pos.ID, "emergency_close_started", map[string]any{"reason": reason, "status": string(pos.Status)})

	if pos.Status == domain.PositionStatusOpen || pos.Status == domain.PositionStatusOpening {
		if err := c.setStatus(ctx, &pos, domain.PositionStatusClosing, map[string]any{"reason": reason}); err != nil {
			return res, err
		}
	}

	snap, snapOK := c.emergencySnapshot(ctx, pos, start)
	if !snapOK {
		log.WarnContext(ctx, "emergency close proceeding without broker snapshot")
	}

	for _, i := range legOrder(pos.Legs, true) {
		if pos.Legs[i].Status.Settled() {
			continue
		}
		// A leg without a recorded fill may still have an order working.
		// It only counts as closed once that order is settled.
		resolved := false
		if needsSettling(pos.Legs[i]) {
			if err := c.resolveLeg(ctx, &pos, i); err != nil {
				res.FailedLegs = append(res.FailedLegs, pos.Legs[i].ID)
				log.ErrorContext(ctx, "emergency close cannot settle leg order",
					slog.String("leg_id", pos.Legs[i].ID),
					slog.String("contract", pos.Legs[i].Contract),
					slog.String("error", err.Error()),
				)
				continue
			}
			if pos.Legs[i].Status.Settled() {
				continue
			}
			resolved = true
		}
		leg := pos.Legs[i]
		leg.UpdatedAt = c.now().UTC()

		qty := leg.FilledQuantity
		// The snapshot predates settling, so a just-settled fill is trusted.
		if snapOK && !resolved {
			held := snap.Quantity(leg.Contract)
			want := leg.SignedQuantity()
			if held == 0 || (held > 0) != (want > 0) {
				leg.Status = domain.LegStatusMissing
				pos.Legs[i] = leg
				res.MissingLegs = append(res.MissingLegs, leg.ID)
				log.WarnContext(ctx, "leg not held at broker, marking missing",
					slog.String("leg_id", leg.ID),
					slog.String("contract", leg.Contract),
				)
				continue
			}
			if h := abs(held); h < qty {
				qty = h
			}
		}

		leg.Status = domain.LegStatusClosing
		pos.Legs[i] = leg
		if err := c.save(ctx, &pos); err != nil {
			log.ErrorContext(ctx, "save before emergency leg failed", slog.String("error", err.Error()))
		}

		ack, unresolved, err := c.placeAndSettle(ctx, legOrderSpec{
			symbol:     pos.Symbol,
			positionID: pos.ID,
			leg:        leg,
			action:     actionEmergency,
			side:       leg.Side.Opposite(),
			qty:        qty,
			orderType:  domain.OrderTypeMarket,
			priority:   domain.PriorityImmediate,
			emergency:  true,
			target:     start,
		})
		leg.UpdatedAt = c.now().UTC()
		if err == nil {
			// Everything the broker still held is gone.
			leg.Status = domain.LegStatusClosed
			res.ClosedLegs = append(res.ClosedLegs, leg.ID)
		} else {
			leg.FilledQuantity -= ack.FilledQty
			leg.Status = domain.LegStatusOpen
			if unresolved {
				leg.Status = domain.LegStatusUnresolved
			}
			res.FailedLegs = append(res.FailedLegs, leg.ID)
			log.ErrorContext(ctx, "emergency leg close failed",
				slog.String("leg_id", leg.ID),
				slog.String("contract", leg.Contract),
				slog.String("error", err.Error()),
			)
		}
		pos.Legs[i] = leg
		if err := c.save(ctx, &pos); err != nil {
			log.ErrorContext(ctx, "save after emergency leg failed", slog.String("error", err.Error()))
		}
	}

	allSettled := true
	for _, l := range pos.Legs {
		if !l.Status.Settled() {
			allSettled = false
		}
	}

	if allSettled {
		if err := c.setStatus(ctx, &pos, domain.PositionStatusClosed, map[string]any{"emergency": true, "reason": reason}); err != nil {
			return res, err
		}
		res.Position = pos
		c.metrics.EmergencyClose("success")
		c.alert(ctx, domain.Alert{
			Severity:   domain.SeverityWarning,
			Title:      "Emergency close complete: " + pos.Symbol,
			Message:    reason,
			PositionID: pos.ID,
			Fields:     legFields(pos),
		})
		return res, nil
	}

	msg := fmt.Sprintf("emergency close left %d leg(s) open: %s", len(res.FailedLegs), reason)
	if pos.Status != domain.PositionStatusBroken {
		pos.BrokenReason = msg
		if err := c.setStatus(ctx, &pos, domain.PositionStatusBroken, map[string]any{"reason": msg}); err != nil {
			return res, err
		}
		c.metrics.PositionBroken("emergency_incomplete")
	} else if err := c.save(ctx, &pos); err != nil {
		log.ErrorContext(ctx, "save after emergency close failed", slog.String("error", err.Error()))
	}
	res.Position = pos
	c.metrics.EmergencyClose("failed")
	c.alert(ctx, domain.Alert{
		Severity:   domain.SeverityFatal,
		Title:      "EMERGENCY CLOSE FAILED: " + pos.Symbol,
		Message:    msg,
		PositionID: pos.ID,
		Fields:     legFields(pos),
	})
	return res, fmt.Errorf("coordinator: emergency close %s: %w", pos.ID, domain.ErrEmergencyIncomplete)
}

func (c *Coordinator) emergencySnapshot(ctx context.Context, pos domain.Position, start time.Time) (domain.Snapshot, bool) {
	item, err := c.q.Do(ctx, domain.QueueKindSnapshotFetch, domain.PriorityImmediate,
		domain.SnapshotPayload{Reason: "emergency close " + pos.ID},
		queue.EnqueueOpts{
			NaturalKey:  naturalKey(pos.Symbol, pos.ID, "emergency_snapshot", start),
			EffectiveAt: start,
			Emergency:   true,
			MaxRetries:  1,
		})
	if err != nil {
		c.logger.WarnContext(ctx, "emergency snapshot failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return domain.Snapshot{}, false
	}
	snap, err := queue.DecodeSnapshot(item)
	if err != nil {
		return domain.Snapshot{}, false
	}
	return snap, true
}

// MarkBroken records legs the broker no longer holds and forces the
// position to BROKEN. It waits for any in-flight operation on the position.
func (c *Coordinator) MarkBroken(ctx context.Context, id, reason string, missingLegIDs []string) (domain.Position, error) {
	unlock, err := c.acquire(ctx, id, true)
	if err != nil {
		return domain.Position{}, err
	}
	defer unlock()

	pos, err := c.positions.GetByID(ctx, id)
	if err != nil {
		return pos, fmt.Errorf("coordinator: mark broken %s: %w", id, err)
	}
	if pos.Status == domain.PositionStatusClosed {
		return pos, nil
	}
	now := c.now().UTC()
	for _, legID := range missingLegIDs {
		if i := pos.LegIndex(legID); i >= 0 && !pos.Legs[i].Status.Settled() {
			pos.Legs[i].Status = domain.LegStatusMissing
			pos.Legs[i].UpdatedAt = now
		}
	}
	if pos.Status == domain.PositionStatusBroken {
		if err := c.save(ctx, &pos); err != nil {
			return pos, err
		}
		c.recordEvent(ctx, pos.ID, "legs_missing", map[string]any{"legs": missingLegIDs, "reason": reason})
		return pos, nil
	}
	if err := c.markBroken(ctx, &pos, reason, "external"); err != nil {
		return pos, err
	}
	return pos, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
