package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

// Open creates a position and opens its legs one at a time, long legs first
// so a short is never left uncovered. The first leg failure stops the
// sequence and leaves the position BROKEN; with UnwindFailedOpen set, the
// legs that did fill are emergency closed.
func (c *Coordinator) Open(ctx context.Context, in domain.OpenIntent) (domain.Position, error) {
	if err := validateOpen(in); err != nil {
		return domain.Position{}, err
	}
	if reason, ok := c.Halted(in.Symbol); ok {
		return domain.Position{}, fmt.Errorf("coordinator: open %s (%s): %w", in.Symbol, reason, domain.ErrSymbolHalted)
	}
	if c.gate != nil && !c.gate.Allow(ctx) {
		return domain.Position{}, fmt.Errorf("coordinator: open %s: %w", in.Symbol, domain.ErrHalted)
	}

	now := c.now().UTC()
	target := in.EffectiveAt
	if target.IsZero() {
		target = now
	}
	pos := domain.Position{
		ID:        uuid.New().String(),
		Symbol:    in.Symbol,
		Strategy:  in.Strategy,
		Status:    domain.PositionStatusOpening,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, spec := range in.Legs {
		pos.Legs = append(pos.Legs, domain.Leg{
			ID:         uuid.New().String(),
			PositionID: pos.ID,
			Contract:   spec.Contract,
			Side:       spec.Side,
			Quantity:   spec.Quantity,
			LimitPrice: spec.LimitPrice,
			Status:     domain.LegStatusPending,
			UpdatedAt:  now,
		})
	}

	unlock, err := c.acquire(ctx, pos.ID, false)
	if err != nil {
		return domain.Position{}, err
	}
	defer unlock()

	if err := c.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("coordinator: create position: %w", err)
	}
	stored, err := c.positions.GetByID(ctx, pos.ID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("coordinator: reload position %s: %w", pos.ID, err)
	}
	pos = stored
	c.recordTransition(ctx, pos.ID, "", string(domain.PositionStatusOpening), map[string]any{
		"symbol":   pos.Symbol,
		"strategy": pos.Strategy,
		"legs":     len(pos.Legs),
	})
	c.logger.InfoContext(ctx, "opening position",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.Int("legs", len(pos.Legs)),
	)

	for _, i := range legOrder(pos.Legs, false) {
		leg := pos.Legs[i]
		spec := legOrderSpec{
			symbol:     pos.Symbol,
			positionID: pos.ID,
			leg:        leg,
			action:     actionOpen,
			side:       leg.Side,
			qty:        leg.Quantity,
			orderType:  domain.OrderTypeLimit,
			price:      leg.LimitPrice,
			priority:   domain.PriorityNormal,
			target:     target,
		}
		ack, unresolved, legErr := c.placeAndSettle(ctx, spec)
		if legErr != nil {
			ctx = context.WithoutCancel(ctx)
		}

		leg.FilledQuantity = ack.FilledQty
		leg.BrokerOrderID = ack.OrderID
		leg.UpdatedAt = c.now().UTC()
		switch {
		case unresolved:
			leg.Status = domain.LegStatusUnresolved
		case ack.FilledQty > 0:
			leg.Status = domain.LegStatusOpen
		}
		pos.Legs[i] = leg
		if err := c.save(ctx, &pos); err != nil {
			return pos, err
		}

		if legErr != nil {
			return c.failOpen(ctx, pos, leg, legErr)
		}
	}

	if err := c.setStatus(ctx, &pos, domain.PositionStatusOpen, nil); err != nil {
		return pos, err
	}
	c.logger.InfoContext(ctx, "position open", slog.String("position_id", pos.ID))
	return pos, nil
}

// failOpen handles the first failed leg of an open. The caller holds the lock.
func (c *Coordinator) failOpen(ctx context.Context, pos domain.Position, leg domain.Leg, cause error) (domain.Position, error) {
	reason := fmt.Sprintf("open failed on leg %s (%s): %v", leg.ID, leg.Contract, cause)
	if err := c.markBroken(ctx, &pos, reason, "open_failed"); err != nil {
		return pos, errors.Join(cause, err)
	}

	if c.cfg.UnwindFailedOpen && len(pos.Exposed()) > 0 {
		res, err := c.emergencyLocked(ctx, pos, "unwind after failed open")
		pos = res.Position
		if err != nil {
			c.logger.ErrorContext(ctx, "unwind after failed open incomplete",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return pos, fmt.Errorf("coordinator: open %s: %w: %w", pos.ID, domain.ErrPositionBroken, cause)
}

func validateOpen(in domain.OpenIntent) error {
	if in.Symbol == "" {
		return fmt.Errorf("coordinator: open: empty symbol: %w", domain.ErrInvalidOrder)
	}
	if len(in.Legs) == 0 {
		return fmt.Errorf("coordinator: open %s: no legs: %w", in.Symbol, domain.ErrInvalidOrder)
	}
	seen := make(map[string]bool, len(in.Legs))
	for _, l := range in.Legs {
		if l.Contract == "" || l.Quantity <= 0 {
			return fmt.Errorf("coordinator: open %s: leg %q qty %d: %w", in.Symbol, l.Contract, l.Quantity, domain.ErrInvalidOrder)
		}
		if l.Side != domain.OrderSideBuy && l.Side != domain.OrderSideSell {
			return fmt.Errorf("coordinator: open %s: leg %s side %q: %w", in.Symbol, l.Contract, l.Side, domain.ErrInvalidOrder)
		}
		if seen[l.Contract] {
			return fmt.Errorf("coordinator: open %s: duplicate contract %s: %w", in.Symbol, l.Contract, domain.ErrInvalidOrder)
		}
		seen[l.Contract] = true
	}
	return nil
}
