// Package alpaca implements domain.BrokerGateway on the Alpaca trading API:
// options and equity orders, the position list, and the trade-update stream.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	api "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

var _ domain.BrokerGateway = (*Gateway)(nil)

// client is the subset of *api.Client the gateway calls.
type client interface {
	PlaceOrder(req api.PlaceOrderRequest) (*api.Order, error)
	CancelOrder(orderID string) error
	GetOrderByClientOrderID(clientOrderID string) (*api.Order, error)
	GetPositions() ([]api.Position, error)
	StreamTradeUpdatesInBackground(ctx context.Context, handler func(api.TradeUpdate))
}

// Config holds API credentials.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // paper-api or api endpoint
}

// Gateway talks to Alpaca. The SDK calls are blocking and take no context,
// so each runs in a goroutine raced against ctx.
type Gateway struct {
	c      client
	logger *slog.Logger

	mu         sync.Mutex
	subs       []chan domain.BrokerEvent
	stopStream context.CancelFunc
}

// New creates a Gateway.
func New(cfg Config, logger *slog.Logger) *Gateway {
	return newGateway(api.NewClient(api.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	}), logger)
}

func newGateway(c client, logger *slog.Logger) *Gateway {
	return &Gateway{c: c, logger: logger.With(slog.String("component", "alpaca"))}
}

// Name returns "alpaca".
func (g *Gateway) Name() string { return "alpaca" }

// Submit places a day order. Alpaca enforces client order ID uniqueness,
// which surfaces here as ErrDuplicateOrder.
func (g *Gateway) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	qty := decimal.NewFromInt(req.Quantity)
	r := api.PlaceOrderRequest{
		Symbol:        req.Contract,
		Qty:           &qty,
		Side:          api.Buy,
		Type:          api.Market,
		TimeInForce:   api.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Side == domain.OrderSideSell {
		r.Side = api.Sell
	}
	if req.Type == domain.OrderTypeLimit {
		price := req.LimitPrice
		r.Type = api.Limit
		r.LimitPrice = &price
	}

	var o *api.Order
	err := call(ctx, func() (err error) {
		o, err = g.c.PlaceOrder(r)
		return err
	})
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("alpaca: submit %s: %w", req.ClientOrderID, mapError(err))
	}
	return toAck(o), nil
}

// Cancel requests cancellation of an order by broker ID.
func (g *Gateway) Cancel(ctx context.Context, orderID string) error {
	err := call(ctx, func() error { return g.c.CancelOrder(orderID) })
	if err != nil {
		return fmt.Errorf("alpaca: cancel %s: %w", orderID, mapError(err))
	}
	return nil
}

// Lookup fetches an order by client order ID.
func (g *Gateway) Lookup(ctx context.Context, clientOrderID string) (domain.OrderAck, error) {
	var o *api.Order
	err := call(ctx, func() (err error) {
		o, err = g.c.GetOrderByClientOrderID(clientOrderID)
		return err
	})
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("alpaca: lookup %s: %w", clientOrderID, mapError(err))
	}
	return toAck(o), nil
}

// Snapshot lists every open position, signed by side.
func (g *Gateway) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	var ps []api.Position
	err := call(ctx, func() (err error) {
		ps, err = g.c.GetPositions()
		return err
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("alpaca: positions: %w", mapError(err))
	}
	snap := domain.Snapshot{TakenAt: time.Now().UTC()}
	for _, p := range ps {
		snap.Positions = append(snap.Positions, toLegState(p))
	}
	return snap, nil
}

// Subscribe starts the trade-update stream. Fills carry the resulting
// position quantity, so each also yields a position_change event.
// Assignments are not on this stream and are caught by the snapshot poll.
// The stream runs while at least one subscriber is attached.
func (g *Gateway) Subscribe(ctx context.Context) (<-chan domain.BrokerEvent, error) {
	ch := make(chan domain.BrokerEvent, 256)
	g.mu.Lock()
	g.subs = append(g.subs, ch)
	if g.stopStream == nil {
		streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		g.stopStream = cancel
		g.c.StreamTradeUpdatesInBackground(streamCtx, g.handleTradeUpdate)
		g.logger.InfoContext(ctx, "trade update stream started")
	}
	g.mu.Unlock()

	go func() {
		<-ctx.Done()
		g.mu.Lock()
		defer g.mu.Unlock()
		for i, s := range g.subs {
			if s == ch {
				g.subs = append(g.subs[:i], g.subs[i+1:]...)
				close(ch)
				break
			}
		}
		if len(g.subs) == 0 && g.stopStream != nil {
			g.stopStream()
			g.stopStream = nil
		}
	}()
	return ch, nil
}

func (g *Gateway) handleTradeUpdate(tu api.TradeUpdate) {
	events := tradeUpdateEvents(tu)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ev := range events {
		for _, ch := range g.subs {
			select {
			case ch <- ev:
			default:
				g.logger.Warn("broker event dropped", slog.String("contract", ev.Contract))
			}
		}
	}
}

func tradeUpdateEvents(tu api.TradeUpdate) []domain.BrokerEvent {
	ack := toAck(&tu.Order)
	class := assetClass(string(tu.Order.AssetClass), tu.Order.Symbol)
	at := tu.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	out := []domain.BrokerEvent{{
		Type:          domain.BrokerEventOrderUpdate,
		Contract:      tu.Order.Symbol,
		Underlying:    underlying(tu.Order.Symbol),
		AssetClass:    class,
		OrderID:       ack.OrderID,
		ClientOrderID: ack.ClientOrderID,
		OrderStatus:   ack.Status,
		At:            at,
	}}
	if tu.PositionQty != nil && (tu.Event == "fill" || tu.Event == "partial_fill") {
		out = append(out, domain.BrokerEvent{
			Type:       domain.BrokerEventPositionChange,
			Contract:   tu.Order.Symbol,
			Underlying: underlying(tu.Order.Symbol),
			AssetClass: class,
			Quantity:   tu.PositionQty.IntPart(),
			At:         at,
		})
	}
	return out
}

// call runs fn in a goroutine and returns early with ErrTimeout when ctx
// ends first. The abandoned call still completes in the background.
func call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.ErrTimeout
		}
		return ctx.Err()
	}
}

// mapError converts SDK errors to domain sentinels.
func mapError(err error) error {
	if errors.Is(err, domain.ErrTimeout) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, apiErr.Message)
	case apiErr.StatusCode == http.StatusUnauthorized, apiErr.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, apiErr.Message)
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, apiErr.Message)
	case strings.Contains(msg, "client_order_id") && strings.Contains(msg, "unique"):
		return fmt.Errorf("%w: %s", domain.ErrDuplicateOrder, apiErr.Message)
	case strings.Contains(msg, "asset") && strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %s", domain.ErrInvalidContract, apiErr.Message)
	case apiErr.StatusCode == http.StatusUnprocessableEntity, apiErr.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrRejected, apiErr.Message)
	case apiErr.StatusCode >= 500:
		return fmt.Errorf("%w: %d %s", domain.ErrConnection, apiErr.StatusCode, apiErr.Message)
	}
	return fmt.Errorf("%w: %d %s", domain.ErrRejected, apiErr.StatusCode, apiErr.Message)
}

func toAck(o *api.Order) domain.OrderAck {
	ack := domain.OrderAck{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Contract:      o.Symbol,
		Side:          domain.OrderSideBuy,
		Status:        toStatus(o.Status),
		FilledQty:     o.FilledQty.IntPart(),
		UpdatedAt:     o.UpdatedAt,
	}
	if o.Side == api.Sell {
		ack.Side = domain.OrderSideSell
	}
	if o.Qty != nil {
		ack.Quantity = o.Qty.IntPart()
	}
	if o.FilledAvgPrice != nil {
		ack.AvgFillPrice = *o.FilledAvgPrice
	}
	return ack
}

func toStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "canceled", "done_for_day", "replaced":
		return domain.OrderStatusCanceled
	case "expired":
		return domain.OrderStatusExpired
	case "rejected", "suspended", "stopped":
		return domain.OrderStatusRejected
	case "new", "pending_new":
		return domain.OrderStatusNew
	}
	return domain.OrderStatusAccepted
}

func toLegState(p api.Position) domain.LegState {
	qty := p.Qty.Abs().IntPart()
	if strings.EqualFold(p.Side, "short") {
		qty = -qty
	}
	return domain.LegState{
		Contract:   p.Symbol,
		Underlying: underlying(p.Symbol),
		AssetClass: assetClass(string(p.AssetClass), p.Symbol),
		Quantity:   qty,
	}
}

func assetClass(class, symbol string) domain.AssetClass {
	if class == "us_option" || isOCC(symbol) {
		return domain.AssetClassOption
	}
	return domain.AssetClassEquity
}

// underlying returns the root of an OCC option symbol, or the symbol itself.
func underlying(symbol string) string {
	if isOCC(symbol) {
		return symbol[:len(symbol)-15]
	}
	return symbol
}

func isOCC(symbol string) bool {
	if len(symbol) < 16 {
		return false
	}
	tail := symbol[len(symbol)-15:]
	if tail[6] != 'C' && tail[6] != 'P' {
		return false
	}
	for i, c := range tail {
		if i == 6 {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
