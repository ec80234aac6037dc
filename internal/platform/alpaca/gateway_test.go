package alpaca

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	api "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

type fakeClient struct {
	placed    []api.PlaceOrderRequest
	placeErr  error
	positions []api.Position
	block     chan struct{}
}

func (f *fakeClient) PlaceOrder(req api.PlaceOrderRequest) (*api.Order, error) {
	if f.block != nil {
		<-f.block
	}
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return &api.Order{
		ID:            "o-1",
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           req.Qty,
		Status:        "accepted",
	}, nil
}

func (f *fakeClient) CancelOrder(string) error { return nil }

func (f *fakeClient) GetOrderByClientOrderID(string) (*api.Order, error) {
	return nil, &api.APIError{StatusCode: http.StatusNotFound, Message: "order not found"}
}

func (f *fakeClient) GetPositions() ([]api.Position, error) { return f.positions, nil }

func (f *fakeClient) StreamTradeUpdatesInBackground(context.Context, func(api.TradeUpdate)) {}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSubmitMapsOrder(t *testing.T) {
	fc := &fakeClient{}
	g := newGateway(fc, discard())

	ack, err := g.Submit(context.Background(), domain.OrderRequest{
		ClientOrderID: "c-1",
		Contract:      "AAPL250117C00160000",
		Side:          domain.OrderSideSell,
		Type:          domain.OrderTypeLimit,
		Quantity:      2,
		LimitPrice:    decimal.RequireFromString("1.20"),
	})
	if err != nil {
		t.Fatal(err)
	}
	r := fc.placed[0]
	if r.Side != api.Sell || r.Type != api.Limit || r.TimeInForce != api.Day {
		t.Errorf("request = %+v", r)
	}
	if r.LimitPrice == nil || !r.LimitPrice.Equal(decimal.RequireFromString("1.20")) {
		t.Errorf("limit price = %v", r.LimitPrice)
	}
	if !r.Qty.Equal(decimal.NewFromInt(2)) {
		t.Errorf("qty = %v", r.Qty)
	}
	if ack.Side != domain.OrderSideSell || ack.Quantity != 2 || ack.ClientOrderID != "c-1" {
		t.Errorf("ack = %+v", ack)
	}

	if _, err := g.Submit(context.Background(), domain.OrderRequest{
		ClientOrderID: "c-2", Contract: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 100,
	}); err != nil {
		t.Fatal(err)
	}
	if r := fc.placed[1]; r.Side != api.Buy || r.Type != api.Market || r.LimitPrice != nil {
		t.Errorf("market request = %+v", r)
	}
}

func TestSubmitErrorIsMapped(t *testing.T) {
	fc := &fakeClient{placeErr: &api.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "client_order_id must be unique"}}
	_, err := newGateway(fc, discard()).Submit(context.Background(), domain.OrderRequest{ClientOrderID: "c-1", Quantity: 1})
	if !errors.Is(err, domain.ErrDuplicateOrder) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubmitTimesOut(t *testing.T) {
	fc := &fakeClient{block: make(chan struct{})}
	defer close(fc.block)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := newGateway(fc, discard()).Submit(ctx, domain.OrderRequest{ClientOrderID: "c-1", Quantity: 1})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
}

func TestLookupNotFound(t *testing.T) {
	_, err := newGateway(&fakeClient{}, discard()).Lookup(context.Background(), "c-9")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", &api.APIError{StatusCode: 404, Message: "order not found"}, domain.ErrNotFound},
		{"unauthorized", &api.APIError{StatusCode: 401, Message: "bad key"}, domain.ErrUnauthorized},
		{"forbidden", &api.APIError{StatusCode: 403, Message: "insufficient buying power"}, domain.ErrUnauthorized},
		{"rate limited", &api.APIError{StatusCode: 429, Message: "too many requests"}, domain.ErrRateLimited},
		{"duplicate", &api.APIError{StatusCode: 422, Message: "client_order_id must be unique"}, domain.ErrDuplicateOrder},
		{"bad asset", &api.APIError{StatusCode: 422, Message: "asset ZZZ not found"}, domain.ErrInvalidContract},
		{"rejected", &api.APIError{StatusCode: 422, Message: "qty must be > 0"}, domain.ErrRejected},
		{"server", &api.APIError{StatusCode: 503, Message: "unavailable"}, domain.ErrConnection},
		{"transport", errors.New("dial tcp: refused"), domain.ErrConnection},
		{"timeout", domain.ErrTimeout, domain.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("mapError = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToStatus(t *testing.T) {
	tests := map[string]domain.OrderStatus{
		"filled":           domain.OrderStatusFilled,
		"partially_filled": domain.OrderStatusPartiallyFilled,
		"canceled":         domain.OrderStatusCanceled,
		"expired":          domain.OrderStatusExpired,
		"rejected":         domain.OrderStatusRejected,
		"pending_new":      domain.OrderStatusNew,
		"accepted":         domain.OrderStatusAccepted,
		"held":             domain.OrderStatusAccepted,
	}
	for in, want := range tests {
		if got := toStatus(in); got != want {
			t.Errorf("toStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSnapshotSignsShortPositions(t *testing.T) {
	fc := &fakeClient{positions: []api.Position{
		{Symbol: "AAPL250117C00160000", Qty: decimal.NewFromInt(-2), Side: "short", AssetClass: "us_option"},
		{Symbol: "AAPL", Qty: decimal.NewFromInt(100), Side: "long", AssetClass: "us_equity"},
	}}
	snap, err := newGateway(fc, discard()).Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.Quantity("AAPL250117C00160000"); got != -2 {
		t.Errorf("short call = %d, want -2", got)
	}
	if got := snap.Quantity("AAPL"); got != 100 {
		t.Errorf("shares = %d, want 100", got)
	}
	if snap.Positions[0].AssetClass != domain.AssetClassOption || snap.Positions[0].Underlying != "AAPL" {
		t.Errorf("option leg = %+v", snap.Positions[0])
	}
	if snap.Positions[1].AssetClass != domain.AssetClassEquity {
		t.Errorf("equity leg = %+v", snap.Positions[1])
	}
}

func TestOCCSymbols(t *testing.T) {
	tests := []struct {
		symbol string
		occ    bool
		root   string
	}{
		{"AAPL250117C00150000", true, "AAPL"},
		{"SPY250321P00500000", true, "SPY"},
		{"AAPL", false, "AAPL"},
		{"AAPL250117X00150000", false, "AAPL250117X00150000"},
		{"BRK.B", false, "BRK.B"},
	}
	for _, tt := range tests {
		if got := isOCC(tt.symbol); got != tt.occ {
			t.Errorf("isOCC(%q) = %v", tt.symbol, got)
		}
		if got := underlying(tt.symbol); got != tt.root {
			t.Errorf("underlying(%q) = %q, want %q", tt.symbol, got, tt.root)
		}
	}
}

func TestTradeUpdateFillEmitsPositionChange(t *testing.T) {
	filled := decimal.NewFromInt(1)
	pos := decimal.NewFromInt(0)
	tu := api.TradeUpdate{
		Event:       "fill",
		At:          time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC),
		PositionQty: &pos,
		Order: api.Order{
			ID:            "o-7",
			ClientOrderID: "c-7",
			Symbol:        "AAPL250117C00160000",
			Side:          api.Buy,
			Qty:           &filled,
			FilledQty:     filled,
			Status:        "filled",
		},
	}
	evs := tradeUpdateEvents(tu)
	if len(evs) != 2 {
		t.Fatalf("events = %d, want 2", len(evs))
	}
	if evs[0].Type != domain.BrokerEventOrderUpdate || evs[0].OrderStatus != domain.OrderStatusFilled {
		t.Errorf("order update = %+v", evs[0])
	}
	if evs[1].Type != domain.BrokerEventPositionChange || evs[1].Quantity != 0 || evs[1].Underlying != "AAPL" {
		t.Errorf("position change = %+v", evs[1])
	}

	tu.Event = "new"
	if evs := tradeUpdateEvents(tu); len(evs) != 1 {
		t.Errorf("new order events = %d, want 1", len(evs))
	}
}
