package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/legsafe/internal/assignment"
	"github.com/alanyoungcy/legsafe/internal/breaker"
	"github.com/alanyoungcy/legsafe/internal/cache/local"
	"github.com/alanyoungcy/legsafe/internal/coordinator"
	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/metrics"
	"github.com/alanyoungcy/legsafe/internal/platform/paper"
	"github.com/alanyoungcy/legsafe/internal/queue"
	"github.com/alanyoungcy/legsafe/internal/reconcile"
	"github.com/alanyoungcy/legsafe/internal/riskevent"
	"github.com/alanyoungcy/legsafe/internal/server/handler"
	"github.com/alanyoungcy/legsafe/internal/store/memory"
)

const apiKey = "secret"

type nopSink struct{}

func (nopSink) Alert(context.Context, domain.Alert) error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())

	gw := paper.New(logger)
	qcfg := queue.DefaultConfig()
	qcfg.Backoff = queue.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}
	qcfg.PollInterval = time.Millisecond
	q := queue.New(memory.NewQueueStore(), qcfg, logger)

	events := memory.NewRiskEventStore()
	rec := riskevent.NewRecorder(events, nil, logger)
	m := metrics.New()
	br := breaker.New(breaker.DefaultConfig("paper"), rec, nopSink{}, m, logger)

	wcfg := queue.DefaultWorkerConfig()
	wcfg.IdleInterval = time.Millisecond
	wcfg.BackfillInterval = time.Hour
	w := queue.NewWorker(q, gw, nil, br, m, wcfg, logger)
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	ccfg := coordinator.DefaultConfig()
	ccfg.FillTimeout = 50 * time.Millisecond
	ccfg.FillPollInterval = 5 * time.Millisecond
	positions := memory.NewPositionStore()
	coord := coordinator.New(coordinator.Deps{
		Positions: positions, Queue: q, Gate: br, Recorder: rec, Alerts: nopSink{}, Metrics: m,
	}, ccfg, logger)
	mon := assignment.New(assignment.Deps{
		Positions: positions, Queue: q, Coordinator: coord, Events: gw, Recorder: rec, Alerts: nopSink{}, Metrics: m,
	}, assignment.DefaultConfig(), logger)
	discrepancies := memory.NewDiscrepancyStore()
	eng := reconcile.New(reconcile.Deps{
		Positions: positions, Discrepancies: discrepancies, Queue: q, Mitigator: mon, Recorder: rec, Alerts: nopSink{}, Metrics: m,
	}, reconcile.DefaultConfig(), logger)

	srv := NewServer(Config{APIKey: apiKey, AcceptIntents: true, RateLimit: 1000}, Handlers{
		Health:    handler.NewHealthHandler("paper", nil, logger),
		Positions: handler.NewPositionHandler(positions, coord, mon, logger),
		Risk:      handler.NewRiskHandler(rec, discrepancies, logger),
		Ops:       handler.NewOpsHandler(q, br, eng, coord, mon, logger),
		Metrics:   m.Handler(),
	}, nil, local.NewRateLimiter(1000, time.Second), logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestAuthExemptsHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		path string
		want int
	}{
		{"/api/health", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/positions", http.StatusUnauthorized},
		{"/api/breaker", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + tt.path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestOpenInspectClose(t *testing.T) {
	ts := newTestServer(t)

	var pos domain.Position
	code := call(t, ts, http.MethodPost, "/api/intents", map[string]any{
		"type":     "open",
		"symbol":   "AAPL",
		"strategy": "bear_call_spread",
		"legs": []map[string]any{
			{"contract": "AAPL250117C00160000", "side": "sell", "quantity": 1, "limit_price": "1.20"},
			{"contract": "AAPL250117C00150000", "side": "buy", "quantity": 1, "limit_price": "3.40"},
		},
	}, &pos)
	if code != http.StatusCreated || pos.Status != domain.PositionStatusOpen {
		t.Fatalf("open = %d %+v", code, pos)
	}

	var got struct {
		domain.Position
		AssignmentState string `json:"assignment_state"`
	}
	if code := call(t, ts, http.MethodGet, "/api/positions/"+pos.ID, nil, &got); code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	if len(got.Legs) != 2 || got.AssignmentState != string(assignment.StateWatching) {
		t.Errorf("position = %+v", got)
	}

	var list struct {
		Positions []domain.Position `json:"positions"`
	}
	call(t, ts, http.MethodGet, "/api/positions?status=open", nil, &list)
	if len(list.Positions) != 1 {
		t.Errorf("open positions = %d, want 1", len(list.Positions))
	}

	var rep reconcile.Report
	if code := call(t, ts, http.MethodPost, "/api/reconcile", nil, &rep); code != http.StatusOK {
		t.Fatalf("reconcile = %d", code)
	}
	if rep.Positions != 1 || len(rep.Open) != 0 {
		t.Errorf("report = %+v", rep)
	}

	var res coordinator.CloseResult
	if code := call(t, ts, http.MethodPost, "/api/positions/"+pos.ID+"/close", nil, &res); code != http.StatusOK {
		t.Fatalf("close = %d", code)
	}
	if res.Position.Status != domain.PositionStatusClosed || len(res.ClosedLegs) != 2 {
		t.Errorf("close result = %+v", res)
	}

	if code := call(t, ts, http.MethodPost, "/api/positions/"+pos.ID+"/close", nil, nil); code != http.StatusConflict {
		t.Errorf("second close = %d, want 409", code)
	}

	var evs struct {
		Events []domain.RiskEvent `json:"events"`
	}
	call(t, ts, http.MethodGet, "/api/risk-events?component=coordinator&subject="+pos.ID, nil, &evs)
	if len(evs.Events) == 0 {
		t.Error("no coordinator risk events")
	}
}

func TestOperatorEndpoints(t *testing.T) {
	ts := newTestServer(t)

	if code := call(t, ts, http.MethodGet, "/api/positions/nope", nil, nil); code != http.StatusNotFound {
		t.Errorf("missing position = %d", code)
	}
	if code := call(t, ts, http.MethodPost, "/api/intents", map[string]any{"type": "bogus"}, nil); code != http.StatusBadRequest {
		t.Errorf("bad intent = %d", code)
	}

	var st breaker.Status
	call(t, ts, http.MethodGet, "/api/breaker", nil, &st)
	if st.State != breaker.StateClosed.String() {
		t.Errorf("breaker = %+v", st)
	}

	var qs domain.QueueStats
	if code := call(t, ts, http.MethodGet, "/api/queue/stats", nil, &qs); code != http.StatusOK {
		t.Errorf("queue stats = %d", code)
	}
	if code := call(t, ts, http.MethodPost, "/api/halts/XYZ/resume", nil, nil); code != http.StatusNotFound {
		t.Errorf("resume unhalted = %d", code)
	}

	var ds struct {
		Discrepancies []domain.Discrepancy `json:"discrepancies"`
	}
	if code := call(t, ts, http.MethodGet, "/api/discrepancies", nil, &ds); code != http.StatusOK || ds.Discrepancies == nil {
		t.Errorf("discrepancies = %d %+v", code, ds)
	}
}
