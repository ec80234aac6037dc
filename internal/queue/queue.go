// Package queue is the persistent, prioritized request queue through which
// every broker call flows, and the worker that drains it.
//
// Items carry a natural key. Enqueueing a key that already has a live item
// returns that item instead of creating a second one, and order-placing
// items derive their client order ID from the key, so a replayed request
// never reaches the broker twice.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

// orderNamespace scopes client order IDs derived from natural keys.
var orderNamespace = uuid.MustParse("6f1c8f0e-2b5d-4c43-9a77-3f0e5d2c9b11")

// ClientOrderID returns the deterministic client order ID for a natural key.
func ClientOrderID(naturalKey string) string {
	return uuid.NewSHA1(orderNamespace, []byte(naturalKey)).String()
}

// Config tunes retry and backfill behaviour.
type Config struct {
	MaxRetries         int
	Backoff            Backoff
	BackfillDelay      time.Duration // wait before the first backfill attempt
	BackfillMaxRetries int
	PollInterval       time.Duration // Wait polling interval
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		Backoff:            Backoff{Base: time.Second, Max: time.Minute, Jitter: true},
		BackfillDelay:      time.Minute,
		BackfillMaxRetries: 20,
		PollInterval:       100 * time.Millisecond,
	}
}

// EnqueueOpts are per-item options.
type EnqueueOpts struct {
	NaturalKey  string
	EffectiveAt time.Time
	MaxRetries  int // 0 uses the queue default
	Emergency   bool
	Resubmit    bool // the request may already have reached the broker
}

// Queue wraps a QueueStore with enqueue, completion and retry rules.
type Queue struct {
	store  domain.QueueStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	wake   chan struct{}
}

// New creates a Queue.
func New(store domain.QueueStore, cfg Config, logger *slog.Logger) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.BackfillMaxRetries <= 0 {
		cfg.BackfillMaxRetries = 20
	}
	return &Queue{
		store:  store,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "queue")),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue adds a request. If an item with the same natural key is pending,
// running or already succeeded, that item is returned unchanged.
func (q *Queue) Enqueue(ctx context.Context, kind domain.QueueKind, priority domain.QueuePriority, payload any, opts EnqueueOpts) (domain.QueueItem, error) {
	if opts.NaturalKey != "" {
		existing, err := q.store.FindActiveByNaturalKey(ctx, opts.NaturalKey)
		if err == nil {
			q.logger.DebugContext(ctx, "enqueue deduplicated",
				slog.String("natural_key", opts.NaturalKey),
				slog.String("item_id", existing.ID),
				slog.String("status", string(existing.Status)),
			)
			return existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.QueueItem{}, fmt.Errorf("queue: enqueue %s: %w", opts.NaturalKey, err)
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("queue: marshal %s payload: %w", kind, err)
	}
	now := q.now().UTC()
	item := domain.QueueItem{
		ID:            uuid.New().String(),
		Kind:          kind,
		Priority:      priority,
		Status:        domain.QueueStatusPending,
		NaturalKey:    opts.NaturalKey,
		Emergency:     opts.Emergency,
		Resubmit:      opts.Resubmit,
		Payload:       raw,
		MaxRetries:    opts.MaxRetries,
		EffectiveAt:   opts.EffectiveAt,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = q.cfg.MaxRetries
	}
	if item.EffectiveAt.IsZero() {
		item.EffectiveAt = now
	}
	if err := q.store.Insert(ctx, item); err != nil {
		return domain.QueueItem{}, fmt.Errorf("queue: insert %s: %w", kind, err)
	}
	q.logger.DebugContext(ctx, "enqueued",
		slog.String("item_id", item.ID),
		slog.String("kind", string(kind)),
		slog.String("priority", priority.String()),
		slog.String("natural_key", opts.NaturalKey),
	)
	q.notify()
	return item, nil
}

// Get returns an item by ID.
func (q *Queue) Get(ctx context.Context, id string) (domain.QueueItem, error) {
	return q.store.Get(ctx, id)
}

// Stats returns counts by status.
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	return q.store.Stats(ctx)
}

// Claim takes up to limit due pending items.
func (q *Queue) Claim(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	return q.store.Claim(ctx, q.now().UTC(), limit)
}

// ClaimBackfill takes up to limit due backfill items.
func (q *Queue) ClaimBackfill(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	return q.store.ClaimBackfill(ctx, q.now().UTC(), limit)
}

// Complete marks item successful with result.
func (q *Queue) Complete(ctx context.Context, item domain.QueueItem, result any) (domain.QueueItem, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return item, fmt.Errorf("queue: marshal result: %w", err)
	}
	now := q.now().UTC()
	item.Status = domain.QueueStatusSuccess
	item.Result = raw
	item.FailureClass = ""
	item.Error = ""
	item.UpdatedAt = now
	item.CompletedAt = &now
	if err := q.store.Update(ctx, item); err != nil {
		return item, fmt.Errorf("queue: complete %s: %w", item.ID, err)
	}
	return item, nil
}

// Fail records a failed attempt. Transient failures are rescheduled with
// backoff until MaxRetries is exceeded. An exhausted item becomes FAILED and,
// for backfillable kinds, hands over to a new backfill item that keeps the
// original natural key and effective time.
func (q *Queue) Fail(ctx context.Context, item domain.QueueItem, cause error) (domain.QueueItem, error) {
	now := q.now().UTC()
	class := domain.Classify(cause)
	item.Error = cause.Error()
	item.FailureClass = class
	item.UpdatedAt = now

	if class == domain.FailureTransient {
		item.RetryCount++
		if item.RetryCount <= item.MaxRetries {
			item.Status = domain.QueueStatusPending
			if item.IsBackfill() {
				item.Status = domain.QueueStatusBackfill
			}
			item.NextAttemptAt = now.Add(q.cfg.Backoff.Delay(item.RetryCount))
			if err := q.store.Update(ctx, item); err != nil {
				return item, fmt.Errorf("queue: reschedule %s: %w", item.ID, err)
			}
			q.logger.InfoContext(ctx, "item rescheduled",
				slog.String("item_id", item.ID),
				slog.String("kind", string(item.Kind)),
				slog.Int("retry", item.RetryCount),
				slog.Time("next_attempt_at", item.NextAttemptAt),
				slog.String("error", item.Error),
			)
			return item, nil
		}
		item.FailureClass = domain.FailureExhausted
	}

	item.Status = domain.QueueStatusFailed
	item.CompletedAt = &now
	if item.FailureClass == domain.FailureExhausted && item.Kind.Backfillable() && !item.IsBackfill() {
		// Insert the successor before closing the original so a crash in
		// between leaves a duplicate lookup rather than a lost one.
		if err := q.backfill(ctx, item); err != nil {
			return item, err
		}
	}
	if err := q.store.Update(ctx, item); err != nil {
		return item, fmt.Errorf("queue: fail %s: %w", item.ID, err)
	}
	q.logger.WarnContext(ctx, "item failed",
		slog.String("item_id", item.ID),
		slog.String("kind", string(item.Kind)),
		slog.String("class", string(item.FailureClass)),
		slog.Int("attempts", item.Attempts),
		slog.String("error", item.Error),
	)
	return item, nil
}

func (q *Queue) backfill(ctx context.Context, orig domain.QueueItem) error {
	now := q.now().UTC()
	bf := domain.QueueItem{
		ID:            uuid.New().String(),
		Kind:          orig.Kind,
		Priority:      domain.PriorityBackground,
		Status:        domain.QueueStatusBackfill,
		NaturalKey:    orig.NaturalKey,
		Payload:       orig.Payload,
		MaxRetries:    q.cfg.BackfillMaxRetries,
		EffectiveAt:   orig.EffectiveAt,
		NextAttemptAt: now.Add(q.cfg.BackfillDelay),
		BackfillOf:    orig.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.store.Insert(ctx, bf); err != nil {
		return fmt.Errorf("queue: backfill %s: %w", orig.ID, err)
	}
	q.logger.InfoContext(ctx, "item moved to backfill",
		slog.String("item_id", orig.ID),
		slog.String("backfill_id", bf.ID),
		slog.Time("effective_at", bf.EffectiveAt),
	)
	return nil
}

// Wait blocks until the item reaches a terminal status and returns it. A
// failed item is returned together with an error wrapping its class.
func (q *Queue) Wait(ctx context.Context, id string) (domain.QueueItem, error) {
	t := time.NewTicker(q.cfg.PollInterval)
	defer t.Stop()
	for {
		item, err := q.store.Get(ctx, id)
		if err != nil {
			return item, fmt.Errorf("queue: wait %s: %w", id, err)
		}
		if item.Status.Terminal() {
			return item, ItemError(item)
		}
		select {
		case <-ctx.Done():
			return item, ctx.Err()
		case <-t.C:
		}
	}
}

// Do enqueues a request and waits for its outcome.
func (q *Queue) Do(ctx context.Context, kind domain.QueueKind, priority domain.QueuePriority, payload any, opts EnqueueOpts) (domain.QueueItem, error) {
	item, err := q.Enqueue(ctx, kind, priority, payload, opts)
	if err != nil {
		return item, err
	}
	return q.Wait(ctx, item.ID)
}

// Recover returns items left in_progress by a crashed worker to the queue.
// Their next attempt looks the order up before submitting again.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	n, err := q.store.ResetInProgress(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: recover: %w", err)
	}
	if n > 0 {
		q.logger.WarnContext(ctx, "recovered in-flight items", slog.Int64("count", n))
		q.notify()
	}
	return n, nil
}

// ListByKeyPrefix returns every item whose natural key starts with prefix.
func (q *Queue) ListByKeyPrefix(ctx context.Context, prefix string) ([]domain.QueueItem, error) {
	items, err := q.store.ListByKeyPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("queue: list %s*: %w", prefix, err)
	}
	return items, nil
}

// Withdraw fails an item that has not been claimed yet so it never reaches
// the broker. It reports false when the worker already holds or finished it.
func (q *Queue) Withdraw(ctx context.Context, id, reason string) (bool, error) {
	ok, err := q.store.Withdraw(ctx, id, reason, q.now().UTC())
	if err != nil {
		return false, fmt.Errorf("queue: withdraw %s: %w", id, err)
	}
	if ok {
		q.logger.InfoContext(ctx, "item withdrawn", slog.String("item_id", id), slog.String("reason", reason))
	}
	return ok, nil
}

// Wake returns the channel signalled on every enqueue.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// ItemError converts a failed item into an error matching the sentinel for
// its failure class. It returns nil for successful items.
func ItemError(item domain.QueueItem) error {
	if item.Status != domain.QueueStatusFailed {
		return nil
	}
	var base error
	switch item.FailureClass {
	case domain.FailureHalted:
		base = domain.ErrHalted
	case domain.FailureExhausted:
		base = domain.ErrRetriesExhausted
	case domain.FailureTerminal:
		base = domain.ErrRejected
	default:
		base = domain.ErrConnection
	}
	return fmt.Errorf("queue: %s %s failed: %s: %w", item.Kind, item.ID, item.Error, base)
}

// DecodeAck unmarshals an order acknowledgement result.
func DecodeAck(item domain.QueueItem) (domain.OrderAck, error) {
	var ack domain.OrderAck
	if err := json.Unmarshal(item.Result, &ack); err != nil {
		return ack, fmt.Errorf("queue: decode ack %s: %w", item.ID, err)
	}
	return ack, nil
}

// DecodeSnapshot unmarshals a snapshot result.
func DecodeSnapshot(item domain.QueueItem) (domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := json.Unmarshal(item.Result, &snap); err != nil {
		return snap, fmt.Errorf("queue: decode snapshot %s: %w", item.ID, err)
	}
	return snap, nil
}
