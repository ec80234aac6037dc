package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/metrics"
)

// Breaker gates order placement and is fed the outcome of every broker call.
type Breaker interface {
	Allow(ctx context.Context) bool
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
}

// WorkerConfig tunes the drain loops.
type WorkerConfig struct {
	RateKey          string
	CallTimeout      time.Duration
	IdleInterval     time.Duration // main loop poll when no wake signal arrives
	BackfillInterval time.Duration
	BatchSize        int
}

// DefaultWorkerConfig returns production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		RateKey:          "broker",
		CallTimeout:      10 * time.Second,
		IdleInterval:     250 * time.Millisecond,
		BackfillInterval: 30 * time.Second,
		BatchSize:        16,
	}
}

// Worker drains the queue one item at a time against the broker gateway.
type Worker struct {
	q       *Queue
	gw      domain.BrokerGateway
	limiter domain.RateLimiter
	breaker Breaker
	metrics *metrics.Metrics
	cfg     WorkerConfig
	logger  *slog.Logger
}

// NewWorker creates a Worker. limiter and breaker may be nil.
func NewWorker(q *Queue, gw domain.BrokerGateway, limiter domain.RateLimiter, br Breaker, m *metrics.Metrics, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 250 * time.Millisecond
	}
	if cfg.BackfillInterval <= 0 {
		cfg.BackfillInterval = 30 * time.Second
	}
	if cfg.RateKey == "" {
		cfg.RateKey = "broker"
	}
	return &Worker{
		q:       q,
		gw:      gw,
		limiter: limiter,
		breaker: br,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "queue_worker"), slog.String("broker", gw.Name())),
	}
}

// Run drains the main queue and the backfill queue until ctx is cancelled.
// The two loops run independently so backfill never delays live requests.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("queue worker started")
	defer w.logger.Info("queue worker stopped")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.runMain(ctx) })
	g.Go(func() error { return w.runBackfill(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) runMain(ctx context.Context) error {
	t := time.NewTicker(w.cfg.IdleInterval)
	defer t.Stop()
	for {
		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "drain failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.q.Wake():
		case <-t.C:
		}
	}
}

func (w *Worker) runBackfill(ctx context.Context) error {
	t := time.NewTicker(w.cfg.BackfillInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if _, err := w.DrainBackfill(ctx); err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "backfill drain failed", slog.String("error", err.Error()))
		}
		if st, err := w.q.Stats(ctx); err == nil {
			w.metrics.SetQueueDepth(st)
		}
	}
}

// Drain processes due pending items until none remain and returns how many
// were processed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for ctx.Err() == nil {
		items, err := w.q.Claim(ctx, w.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(items) == 0 {
			return total, nil
		}
		for _, it := range items {
			w.Process(ctx, it)
			total++
		}
	}
	return total, nil
}

// DrainBackfill processes one batch of due backfill items, oldest effective
// time first.
func (w *Worker) DrainBackfill(ctx context.Context) (int, error) {
	items, err := w.q.ClaimBackfill(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		w.Process(ctx, it)
	}
	return len(items), nil
}

// Process executes one claimed item and records its outcome. The broker call
// survives cancellation of ctx so a shutdown never abandons a half-sent order.
func (w *Worker) Process(ctx context.Context, item domain.QueueItem) {
	ctx = context.WithoutCancel(ctx)
	log := w.logger.With(
		slog.String("item_id", item.ID),
		slog.String("kind", string(item.Kind)),
		slog.Int("attempt", item.Attempts),
	)

	result, err := w.execute(ctx, item)
	if err == nil {
		if _, err := w.q.Complete(ctx, item, result); err != nil {
			log.ErrorContext(ctx, "complete failed", slog.String("error", err.Error()))
			return
		}
		w.metrics.QueueItemDone(item.Kind, "success")
		log.DebugContext(ctx, "item succeeded")
		return
	}

	failed, ferr := w.q.Fail(ctx, item, err)
	if ferr != nil {
		log.ErrorContext(ctx, "fail bookkeeping failed", slog.String("error", ferr.Error()))
		return
	}
	switch failed.Status {
	case domain.QueueStatusFailed:
		w.metrics.QueueItemDone(item.Kind, string(failed.FailureClass))
	default:
		w.metrics.QueueItemDone(item.Kind, "retry")
	}
}

func (w *Worker) execute(ctx context.Context, item domain.QueueItem) (any, error) {
	switch item.Kind {
	case domain.QueueKindOpenLeg, domain.QueueKindCloseLeg:
		var p domain.LegOrderPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return nil, fmt.Errorf("queue: payload: %v: %w", err, domain.ErrInvalidOrder)
		}
		if !item.Emergency && w.breaker != nil && !w.breaker.Allow(ctx) {
			return nil, domain.ErrHalted
		}
		return w.placeOrder(ctx, item, p.Order)

	case domain.QueueKindCancelOrder:
		var p domain.CancelPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return nil, fmt.Errorf("queue: payload: %v: %w", err, domain.ErrInvalidOrder)
		}
		err := w.call(ctx, "cancel", func(ctx context.Context) error {
			return w.gw.Cancel(ctx, p.OrderID)
		})
		return p, err

	case domain.QueueKindOrderStatus:
		var p domain.OrderStatusPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return nil, fmt.Errorf("queue: payload: %v: %w", err, domain.ErrInvalidOrder)
		}
		var ack domain.OrderAck
		err := w.call(ctx, "lookup", func(ctx context.Context) error {
			var err error
			ack, err = w.gw.Lookup(ctx, p.ClientOrderID)
			return err
		})
		if errors.Is(err, domain.ErrNotFound) {
			return domain.OrderAck{ClientOrderID: p.ClientOrderID, Status: domain.OrderStatusUnknown}, nil
		}
		return ack, err

	case domain.QueueKindSnapshotFetch:
		var snap domain.Snapshot
		err := w.call(ctx, "snapshot", func(ctx context.Context) error {
			var err error
			snap, err = w.gw.Snapshot(ctx)
			return err
		})
		return snap, err
	}
	return nil, fmt.Errorf("queue: unknown kind %q: %w", item.Kind, domain.ErrInvalidOrder)
}

// placeOrder submits req at most once per client order ID. Retried and
// resubmitted items first ask the broker whether the earlier attempt landed.
func (w *Worker) placeOrder(ctx context.Context, item domain.QueueItem, req domain.OrderRequest) (domain.OrderAck, error) {
	if item.Attempts > 1 || item.Resubmit {
		ack, err := w.lookup(ctx, req.ClientOrderID)
		switch {
		case err == nil:
			w.logger.InfoContext(ctx, "order already at broker, not resubmitting",
				slog.String("item_id", item.ID),
				slog.String("client_order_id", req.ClientOrderID),
				slog.String("status", string(ack.Status)),
			)
			return ack, nil
		case !errors.Is(err, domain.ErrNotFound):
			return domain.OrderAck{}, err
		}
	}

	var ack domain.OrderAck
	err := w.call(ctx, "submit", func(ctx context.Context) error {
		var err error
		ack, err = w.gw.Submit(ctx, req)
		return err
	})
	if errors.Is(err, domain.ErrDuplicateOrder) {
		return w.lookup(ctx, req.ClientOrderID)
	}
	return ack, err
}

func (w *Worker) lookup(ctx context.Context, clientOrderID string) (domain.OrderAck, error) {
	var ack domain.OrderAck
	err := w.call(ctx, "lookup", func(ctx context.Context) error {
		var err error
		ack, err = w.gw.Lookup(ctx, clientOrderID)
		return err
	})
	return ack, err
}

// call wraps a single broker round trip with rate limiting, a timeout,
// latency metrics and breaker feedback.
func (w *Worker) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, w.cfg.RateKey); err != nil {
			return fmt.Errorf("queue: rate limit: %w", err)
		}
	}
	callCtx := ctx
	if w.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, w.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(callCtx)
	w.metrics.ObserveBrokerCall(op, time.Since(start))

	if w.breaker != nil {
		switch {
		case err == nil, errors.Is(err, domain.ErrNotFound):
			w.breaker.RecordSuccess(ctx)
		case domain.Classify(err) == domain.FailureTransient && !errors.Is(err, domain.ErrDuplicateOrder):
			w.breaker.RecordFailure(ctx)
		}
	}
	return err
}
