package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

// keyedMutex is a set of per-key mutexes that are freed when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) lock(ctx context.Context, key string, wait bool) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	if wait {
		select {
		case e.ch <- struct{}{}:
		case <-ctx.Done():
			k.release(key, e, false)
			return nil, ctx.Err()
		}
	} else {
		select {
		case e.ch <- struct{}{}:
		default:
			k.release(key, e, false)
			return nil, fmt.Errorf("coordinator: position %s: %w", key, domain.ErrPositionBusy)
		}
	}

	var once sync.Once
	return func() { once.Do(func() { k.release(key, e, true) }) }, nil
}

func (k *keyedMutex) release(key string, e *keyedEntry, held bool) {
	if held {
		<-e.ch
	}
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
