package memo

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/matzehuels/distwatch/pkg/cache"
	"github.com/matzehuels/distwatch/pkg/observability"
)

// Memo caches loaded values in memory for a TTL and coalesces concurrent
// misses for the same key into one load. Every successful load is also
// written to an optional persistent store as JSON; the store is read only
// when a load fails, so a live source always wins over a persisted copy.
type Memo[V any] struct {
	name       string
	mem        *TTL[string, V]
	group      Group[V]
	store      cache.Cache
	persistTTL time.Duration

	mu   sync.Mutex
	keys map[string]struct{}
}

// New creates a Memo. name labels cache hook events. store may be nil.
// memTTL bounds the in-memory lifetime; persistTTL is passed to store.Set.
func New[V any](name string, memTTL time.Duration, store cache.Cache, persistTTL time.Duration) *Memo[V] {
	if store == nil {
		store = cache.NewNullCache()
	}
	return &Memo[V]{
		name:       name,
		mem:        NewTTL[string, V](memTTL),
		store:      store,
		persistTTL: persistTTL,
		keys:       make(map[string]struct{}),
	}
}

// Do returns the value for key, loading it with load on a memory miss. When
// load fails, a persisted value is returned instead of the error; it is not
// kept in memory, so the next Do tries load again. A failed load with nothing
// persisted is not cached. Persistent-store failures degrade to a miss.
func (m *Memo[V]) Do(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := m.mem.Get(key); ok {
		observability.Cache().OnCacheHit(ctx, m.name)
		return v, nil
	}

	v, err, _ := m.group.Do(key, func() (V, error) {
		if v, ok := m.mem.Get(key); ok {
			return v, nil
		}
		observability.Cache().OnCacheMiss(ctx, m.name)

		v, err := load(ctx)
		if err != nil {
			if ctx.Err() == nil {
				if stale, ok := m.fromStore(ctx, key); ok {
					observability.Cache().OnCacheHit(ctx, m.name+"_stale")
					return stale, nil
				}
			}
			return v, err
		}
		m.mem.Set(key, v)
		m.toStore(ctx, key, v)
		return v, nil
	})
	return v, err
}

// Clear drops the in-memory layer.
func (m *Memo[V]) Clear() {
	m.mem.Clear()
}

// Flush drops the in-memory layer and deletes every key this Memo wrote to
// the persistent store.
func (m *Memo[V]) Flush(ctx context.Context) error {
	m.mem.Clear()

	m.mu.Lock()
	keys := make([]string, 0, len(m.keys))
	for k := range m.keys {
		keys = append(keys, k)
	}
	clear(m.keys)
	m.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := m.store.Delete(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Memo[V]) fromStore(ctx context.Context, key string) (V, bool) {
	var v V
	data, ok, err := m.store.Get(ctx, key)
	if err != nil || !ok {
		return v, false
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false
	}
	m.track(key)
	return v, true
}

func (m *Memo[V]) toStore(ctx context.Context, key string, v V) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := m.store.Set(ctx, key, data, m.persistTTL); err != nil {
		return
	}
	m.track(key)
	observability.Cache().OnCacheSet(ctx, m.name, len(data))
}

func (m *Memo[V]) track(key string) {
	m.mu.Lock()
	m.keys[key] = struct{}{}
	m.mu.Unlock()
}
