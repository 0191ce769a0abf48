// Package spike provides a primitive to handle spike-like load on retrieving external resources
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = 5 * time.Millisecond

// Manager deduplicates concurrent fetches of the same key: while one fetch
// is in flight every other caller for that key waits for its result, and
// successful results are cached for the configured time.
type Manager[T any] struct {
	fetch func(ctx context.Context, k string) (T, error)
	cache *gocache.Cache
	ttl   time.Duration

	mu       sync.Mutex
	inflight map[string]*call[T]
}

type call[T any] struct {
	done chan struct{}
	v    T
	err  error
}

func NewManager[T any](fetch func(ctx context.Context, k string) (T, error), cacheTime time.Duration) *Manager[T] {
	return &Manager[T]{
		fetch:    fetch,
		cache:    gocache.New(cacheTime, defaultCleanupInterval),
		ttl:      cacheTime,
		inflight: make(map[string]*call[T]),
	}
}

// GetResult returns the cached value for k, joining an in-flight fetch or
// starting one when nothing is cached. Errors are not cached; the next
// caller retries.
func (m *Manager[T]) GetResult(ctx context.Context, k string) (T, error) { //nolint:ireturn
	if v, ok := m.cache.Get(k); ok {
		//nolint:forcetypeassert
		return v.(T), nil
	}

	m.mu.Lock()
	if c, ok := m.inflight[k]; ok {
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-c.done:
			return c.v, c.err
		}
	}
	c := &call[T]{done: make(chan struct{})}
	m.inflight[k] = c
	m.mu.Unlock()

	// The fetch deliberately outlives the first caller's context so late
	// joiners are not failed by an unrelated cancellation.
	go func() {
		v, err := m.fetch(context.Background(), k)
		if err == nil {
			m.cache.Set(k, v, m.ttl)
		}
		c.v, c.err = v, err

		m.mu.Lock()
		delete(m.inflight, k)
		m.mu.Unlock()
		close(c.done)
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-c.done:
		return c.v, c.err
	}
}
