package memo

import (
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Group coalesces concurrent calls sharing a key into one execution.
// Results are not retained once the call returns; pair it with [TTL] for that.
type Group[V any] struct {
	g singleflight.Group
}

// Do runs fn once for all concurrent callers with the same key. shared
// reports whether the result was handed to more than one caller.
func (g *Group[V]) Do(key string, fn func() (V, error)) (v V, err error, shared bool) {
	res, err, shared := g.g.Do(key, func() (any, error) {
		return fn()
	})
	if res != nil {
		v = res.(V)
	}
	return v, err, shared
}

// Key joins parts into a single-flight key.
func Key(parts ...any) string {
	return fmt.Sprint(parts...)
}
