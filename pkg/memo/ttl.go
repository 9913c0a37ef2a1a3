// Package memo provides the in-memory caching primitives used by the
// registry client and installer: a TTL map, a single-flight group, and a
// [Memo] combining both with an optional persistent [cache.Cache] layer.
package memo

import (
	"sync"
	"time"
)

type ttlEntry[V any] struct {
	value   V
	expires time.Time
}

// TTL is a concurrency-safe map whose entries expire after a fixed lifetime.
// Expired entries are dropped lazily on access.
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[K]ttlEntry[V]
	now     func() time.Time
}

// NewTTL creates a TTL map. A non-positive ttl keeps entries until Clear.
func NewTTL[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{ttl: ttl, entries: make(map[K]ttlEntry[V]), now: time.Now}
}

// Get returns the live value for k.
func (t *TTL[K, V]) Get(k K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[k]
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expires.IsZero() && !t.now().Before(e.expires) {
		delete(t.entries, k)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores v under k, replacing any previous value.
func (t *TTL[K, V]) Set(k K, v V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := ttlEntry[V]{value: v}
	if t.ttl > 0 {
		e.expires = t.now().Add(t.ttl)
	}
	t.entries[k] = e
}

// Delete removes k.
func (t *TTL[K, V]) Delete(k K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, k)
}

// Clear removes every entry.
func (t *TTL[K, V]) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.entries)
}

// Len returns the number of stored entries, including expired ones not yet
// dropped.
func (t *TTL[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
