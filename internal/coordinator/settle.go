package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/queue"
)

// legKeyPrefix is the natural-key prefix shared by every item placed for a leg.
func legKeyPrefix(symbol, legID string) string {
	return symbol + "|" + legID + "|"
}

// settleLeg brings every order placed for leg to a final broker state. Queued
// order items are withdrawn, running ones are waited out, and orders still
// working at the broker are canceled. It returns the quantity the leg's
// orders left held: opening fills minus closing fills. A non-nil error means
// some order could not be settled and may still execute.
func (c *Coordinator) settleLeg(ctx context.Context, pos domain.Position, leg domain.Leg) (int64, error) {
	items, err := c.q.ListByKeyPrefix(ctx, legKeyPrefix(pos.Symbol, leg.ID))
	if err != nil {
		return 0, fmt.Errorf("coordinator: settle leg %s: %w", leg.ID, err)
	}
	log := c.logger.With(slog.String("position_id", pos.ID), slog.String("leg_id", leg.ID))

	type order struct {
		kind domain.QueueKind
		key  string
		cid  string
	}
	var (
		orders []order
		seen   = make(map[string]bool)
		errs   []error
	)
	for _, it := range items {
		if !it.Kind.PlacesOrder() {
			continue
		}
		if !it.Status.Terminal() {
			if err := c.quiesce(ctx, it.ID); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		var p domain.LegOrderPayload
		if err := json.Unmarshal(it.Payload, &p); err != nil {
			errs = append(errs, fmt.Errorf("coordinator: settle leg %s: item %s payload: %w", leg.ID, it.ID, err))
			continue
		}
		if seen[p.Order.ClientOrderID] {
			continue
		}
		seen[p.Order.ClientOrderID] = true
		orders = append(orders, order{kind: it.Kind, key: it.NaturalKey, cid: p.Order.ClientOrderID})
	}

	spec := legOrderSpec{
		symbol:     pos.Symbol,
		positionID: pos.ID,
		leg:        leg,
		priority:   domain.PriorityImmediate,
		emergency:  true,
		target:     c.now().UTC(),
	}
	var held int64
	for _, o := range orders {
		ack, err := c.finalOrder(ctx, spec, o.key, o.cid, log)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if o.kind == domain.QueueKindCloseLeg {
			held -= ack.FilledQty
		} else {
			held += ack.FilledQty
		}
	}
	if len(errs) > 0 {
		return held, errors.Join(errs...)
	}
	log.DebugContext(ctx, "leg orders settled", slog.Int("orders", len(orders)), slog.Int64("held", held))
	return held, nil
}

// quiesce makes sure queue item id can no longer reach the broker: it is
// withdrawn while still queued, or waited for while the worker holds it.
func (c *Coordinator) quiesce(ctx context.Context, id string) error {
	for {
		ok, err := c.q.Withdraw(ctx, id, "withdrawn while settling leg orders")
		if err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}
		if ok {
			return nil
		}
		it, err := c.q.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("coordinator: quiesce %s: %w", id, err)
		}
		if it.Status.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("coordinator: quiesce %s: %w", id, ctx.Err())
		case <-time.After(c.cfg.FillPollInterval):
		}
	}
}

// finalOrder looks an order up and, if it is still working, cancels it and
// looks again. An order the broker does not know never executed.
func (c *Coordinator) finalOrder(ctx context.Context, s legOrderSpec, key, clientOrderID string, log *slog.Logger) (domain.OrderAck, error) {
	stamp := strconv.FormatInt(c.now().UnixNano(), 10)
	ack, err := c.lookupOrder(ctx, s, key+"|settle|"+stamp, clientOrderID)
	if err != nil {
		return ack, fmt.Errorf("coordinator: settle order %s: %w", clientOrderID, err)
	}
	if settledOrder(ack) {
		return ack, nil
	}

	log.WarnContext(ctx, "order still working, canceling",
		slog.String("client_order_id", clientOrderID),
		slog.String("status", string(ack.Status)),
		slog.Int64("filled", ack.FilledQty),
	)
	if _, err := c.q.Do(ctx, domain.QueueKindCancelOrder, domain.PriorityImmediate, domain.CancelPayload{
		PositionID: s.positionID,
		LegID:      s.leg.ID,
		OrderID:    ack.OrderID,
	}, queue.EnqueueOpts{NaturalKey: key + "|settle-cancel|" + stamp, Emergency: true}); err != nil {
		// The order may have completed in the meantime; the lookup decides.
		log.WarnContext(ctx, "settle cancel failed", slog.String("error", err.Error()))
	}
	final, err := c.lookupOrder(ctx, s, key+"|settle-final|"+stamp, clientOrderID)
	if err != nil {
		return ack, fmt.Errorf("coordinator: settle order %s: %w", clientOrderID, err)
	}
	if !settledOrder(final) {
		return final, fmt.Errorf("coordinator: order %s still %s after cancel: %w", clientOrderID, final.Status, domain.ErrOrderUnresolved)
	}
	return final, nil
}

// placeAndSettle places s and, when the order may still be working after a
// failure, settles it. A late full fill counts as success. unresolved
// reports an order that could not be settled and may still execute.
func (c *Coordinator) placeAndSettle(ctx context.Context, s legOrderSpec) (ack domain.OrderAck, unresolved bool, err error) {
	ack, err = c.placeLeg(ctx, s)
	if err == nil || ack.Status.Terminal() {
		return ack, false, err
	}
	// The caller may have given up, but the order still has to be settled.
	ctx = context.WithoutCancel(ctx)
	final, serr := c.settleOrder(ctx, s)
	switch {
	case serr != nil:
		return ack, true, errors.Join(err, serr)
	case final.Filled():
		return final, false, nil
	case final.FilledQty > 0:
		return final, false, fillError(s, final)
	default:
		return final, false, err
	}
}

// settleOrder settles the one order placed for s: its queue item is
// withdrawn or waited out, then the order is canceled if still working.
func (c *Coordinator) settleOrder(ctx context.Context, s legOrderSpec) (domain.OrderAck, error) {
	key := naturalKey(s.symbol, s.leg.ID, s.action, s.target)
	log := c.logger.With(
		slog.String("position_id", s.positionID),
		slog.String("leg_id", s.leg.ID),
		slog.String("action", s.action),
	)
	items, err := c.q.ListByKeyPrefix(ctx, key)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("coordinator: settle %s: %w", key, err)
	}
	for _, it := range items {
		if it.NaturalKey != key || !it.Kind.PlacesOrder() || it.Status.Terminal() {
			continue
		}
		if err := c.quiesce(ctx, it.ID); err != nil {
			return domain.OrderAck{}, err
		}
	}
	s.priority = domain.PriorityImmediate
	s.emergency = true
	return c.finalOrder(ctx, s, key, queue.ClientOrderID(key), log)
}

func settledOrder(ack domain.OrderAck) bool {
	return ack.Status == domain.OrderStatusUnknown || ack.Status.Terminal()
}

// resolveLeg settles the orders of pos.Legs[i] and records what they left
// held: OPEN with the held quantity, or CLOSED when nothing is held. The leg
// is saved UNRESOLVED when an order could not be settled. The caller holds
// the lock.
func (c *Coordinator) resolveLeg(ctx context.Context, pos *domain.Position, i int) error {
	leg := pos.Legs[i]
	held, err := c.settleLeg(ctx, *pos, leg)
	leg.UpdatedAt = c.now().UTC()
	if err != nil {
		leg.Status = domain.LegStatusUnresolved
		if held > leg.FilledQuantity {
			leg.FilledQuantity = held
		}
		pos.Legs[i] = leg
		c.recordEvent(ctx, pos.ID, "leg_unresolved", map[string]any{"leg_id": leg.ID, "error": err.Error()})
		if serr := c.save(ctx, pos); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	}

	leg.FilledQuantity = max(held, 0)
	leg.Status = domain.LegStatusClosed
	if leg.FilledQuantity > 0 {
		leg.Status = domain.LegStatusOpen
	}
	pos.Legs[i] = leg
	return c.save(ctx, pos)
}

// needsSettling reports whether a leg may have an order whose outcome is
// not reflected in the store.
func needsSettling(l domain.Leg) bool {
	if l.Status == domain.LegStatusUnresolved {
		return true
	}
	return !l.Status.Settled() && l.FilledQuantity == 0
}
