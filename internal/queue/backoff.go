package queue

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays as base * 2^retry, capped at max, with up to
// 20% jitter added so retries of a batch do not line up.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// Delay returns the wait before retry number retry (1-based).
func (b Backoff) Delay(retry int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = time.Minute
	}
	n := retry - 1
	if n < 0 {
		n = 0
	}

	d := max
	if n <= 30 {
		if v := base * time.Duration(1<<n); v > 0 && v < max {
			d = v
		}
	}
	if b.Jitter {
		d += time.Duration(rand.Int64N(int64(d)/5 + 1))
		if d > max {
			d = max
		}
	}
	return d
}
