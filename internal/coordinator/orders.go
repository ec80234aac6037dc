package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/queue"
)

const (
	actionOpen      = "open"
	actionClose     = "close"
	actionReopen    = "reopen"
	actionEmergency = "emergency_close"
)

// legOrderSpec is one order against one leg.
type legOrderSpec struct {
	symbol     string
	positionID string
	leg        domain.Leg
	action     string
	side       domain.OrderSide
	qty        int64
	orderType  domain.OrderType
	price      decimal.Decimal
	priority   domain.QueuePriority
	emergency  bool
	target     time.Time
}

// naturalKey identifies one intended broker effect: symbol|leg|action|target.
func naturalKey(symbol, legID, action string, target time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%d", symbol, legID, action, target.UnixNano())
}

// placeLeg sends the order through the queue and waits until it is filled,
// or until the fill timeout passes, in which case the remainder is canceled
// and the final broker state returned. The returned ack is meaningful even
// with an error: FilledQty tells the caller how much exposure changed, and a
// non-terminal Status means the order may still be working at the broker.
func (c *Coordinator) placeLeg(ctx context.Context, s legOrderSpec) (domain.OrderAck, error) {
	key := naturalKey(s.symbol, s.leg.ID, s.action, s.target)
	kind := domain.QueueKindCloseLeg
	if s.action == actionOpen || s.action == actionReopen {
		kind = domain.QueueKindOpenLeg
	}
	req := domain.OrderRequest{
		ClientOrderID: queue.ClientOrderID(key),
		Contract:      s.leg.Contract,
		Side:          s.side,
		Type:          s.orderType,
		Quantity:      s.qty,
		LimitPrice:    s.price,
	}
	log := c.logger.With(
		slog.String("position_id", s.positionID),
		slog.String("leg_id", s.leg.ID),
		slog.String("contract", s.leg.Contract),
		slog.String("action", s.action),
		slog.String("client_order_id", req.ClientOrderID),
	)

	item, err := c.q.Do(ctx, kind, s.priority, domain.LegOrderPayload{
		PositionID: s.positionID,
		LegID:      s.leg.ID,
		Order:      req,
	}, queue.EnqueueOpts{NaturalKey: key, EffectiveAt: s.target, Emergency: s.emergency})
	if err != nil {
		log.WarnContext(ctx, "leg order failed", slog.String("error", err.Error()))
		return domain.OrderAck{ClientOrderID: req.ClientOrderID}, fmt.Errorf("coordinator: %s leg %s: %w", s.action, s.leg.ID, err)
	}
	ack, err := queue.DecodeAck(item)
	if err != nil {
		return ack, err
	}

	if !ack.Filled() && !ack.Status.Terminal() {
		ack = c.confirmFill(ctx, s, key, ack, log)
	}
	return ack, fillError(s, ack)
}

// confirmFill polls the order until it fills or the fill timeout expires,
// then cancels what is left and returns the final state.
func (c *Coordinator) confirmFill(ctx context.Context, s legOrderSpec, key string, ack domain.OrderAck, log *slog.Logger) domain.OrderAck {
	deadline := c.now().Add(c.cfg.FillTimeout)
	for n := 1; c.now().Before(deadline); n++ {
		select {
		case <-ctx.Done():
			return ack
		case <-time.After(c.cfg.FillPollInterval):
		}
		next, err := c.lookupOrder(ctx, s, key+"|status|"+strconv.Itoa(n), ack.ClientOrderID)
		if err != nil {
			log.WarnContext(ctx, "order status poll failed", slog.String("error", err.Error()))
			continue
		}
		if next.Status == domain.OrderStatusUnknown {
			continue
		}
		ack = next
		if ack.Filled() || ack.Status.Terminal() {
			return ack
		}
	}

	log.WarnContext(ctx, "fill timeout, canceling remainder",
		slog.Int64("filled", ack.FilledQty),
		slog.Int64("qty", ack.Quantity),
	)
	if _, err := c.q.Do(ctx, domain.QueueKindCancelOrder, s.priority, domain.CancelPayload{
		PositionID: s.positionID,
		LegID:      s.leg.ID,
		OrderID:    ack.OrderID,
	}, queue.EnqueueOpts{NaturalKey: key + "|cancel", EffectiveAt: s.target, Emergency: s.emergency}); err != nil {
		log.WarnContext(ctx, "cancel failed", slog.String("error", err.Error()))
	}
	final, err := c.lookupOrder(ctx, s, key+"|final", ack.ClientOrderID)
	if err != nil || final.Status == domain.OrderStatusUnknown {
		log.ErrorContext(ctx, "final order state unknown, order may still be working", slog.Any("error", err))
		return ack
	}
	return final
}

func (c *Coordinator) lookupOrder(ctx context.Context, s legOrderSpec, key, clientOrderID string) (domain.OrderAck, error) {
	item, err := c.q.Do(ctx, domain.QueueKindOrderStatus, s.priority, domain.OrderStatusPayload{
		PositionID:    s.positionID,
		LegID:         s.leg.ID,
		ClientOrderID: clientOrderID,
	}, queue.EnqueueOpts{NaturalKey: key, EffectiveAt: s.target, Emergency: s.emergency})
	if err != nil {
		return domain.OrderAck{}, err
	}
	return queue.DecodeAck(item)
}

func fillError(s legOrderSpec, ack domain.OrderAck) error {
	switch {
	case ack.Filled():
		return nil
	case ack.FilledQty > 0:
		return fmt.Errorf("coordinator: %s leg %s filled %d of %d: %w", s.action, s.leg.ID, ack.FilledQty, s.qty, domain.ErrPartialFill)
	case ack.Status == domain.OrderStatusRejected:
		return fmt.Errorf("coordinator: %s leg %s: %w", s.action, s.leg.ID, domain.ErrRejected)
	default:
		return fmt.Errorf("coordinator: %s leg %s status %s: %w", s.action, s.leg.ID, ack.Status, domain.ErrFillTimeout)
	}
}
