// Package local provides single-process implementations of the lock, rate
// limit and event bus interfaces for deployments without Redis.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

var (
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
	_ domain.EventBus    = (*EventBus)(nil)
)

// LockManager hands out non-blocking named locks. TTLs are ignored because
// a crashed holder takes the whole process with it.
type LockManager struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]struct{})}
}

// Acquire takes the lock or returns domain.ErrLockHeld.
func (lm *LockManager) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if _, ok := lm.held[key]; ok {
		return nil, domain.ErrLockHeld
	}
	lm.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			delete(lm.held, key)
			lm.mu.Unlock()
		})
	}, nil
}

// RateLimiter paces Wait callers with one token bucket per key. Allow keeps
// a separate sliding window per key.
type RateLimiter struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
	windows map[string][]time.Time
	now     func() time.Time
}

// NewRateLimiter admits limit calls per window for each key, with a burst of
// limit.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		buckets: make(map[string]*rate.Limiter),
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (r *RateLimiter) bucket(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.buckets[key]
	if !ok {
		l = rate.NewLimiter(r.every, r.burst)
		r.buckets[key] = l
	}
	return l
}

// Wait blocks until key's bucket has a token. It fails at once with
// domain.ErrRateLimited when the token would arrive after ctx's deadline.
func (r *RateLimiter) Wait(ctx context.Context, key string) error {
	err := r.bucket(key).Wait(ctx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("local: rate limit wait %s: %w", key, ctx.Err())
	default:
		return fmt.Errorf("local: rate limit wait %s: %v: %w", key, err, domain.ErrRateLimited)
	}
}

// Allow applies a sliding window of limit requests per window for key.
func (r *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-window)
	kept := r.windows[key][:0]
	for _, t := range r.windows[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		r.windows[key] = kept
		return false, nil
	}
	r.windows[key] = append(kept, now)
	return true, nil
}

// EventBus fans payloads out to in-process subscribers. Slow subscribers
// drop messages rather than block publishers.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

// NewEventBus creates an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]map[chan []byte]struct{})}
}

// Publish delivers payload to every current subscriber of channel.
func (b *EventBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber that is removed when ctx ends.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
