package domain

import (
	"context"
	"time"
)

// RateLimiter throttles broker calls.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides mutual exclusion across processes.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus fans out notifications to in-process and remote listeners.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Bus channels.
const (
	ChannelRiskEvents = "legsafe:risk_events"
	ChannelPositions  = "legsafe:positions"
	ChannelAlerts     = "legsafe:alerts"
)
