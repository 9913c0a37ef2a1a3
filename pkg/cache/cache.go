// Package cache provides persistent key/value caches that back the in-memory
// metadata memo of the registry client.
//
// # Backends
//
//   - [FileCache]: JSON envelope files under a directory, for single hosts
//   - [RedisCache]: shared cache for several processes or hosts
//   - [MongoCache]: shared cache with a TTL index on expiry
//   - [NewNullCache]: disables persistence
//
// Every backend stores opaque bytes with an optional TTL. A zero TTL means the
// entry never expires. Callers namespace their keys with [Keyer].
//
// # Usage
//
//	c, err := cache.NewFileCache(dir)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	key := cache.NewKeyer().MetadataKey("@scope/pkg", "npm")
//	data, hit, err := c.Get(ctx, key)
package cache

import (
	"context"
	"time"
)

// Cache is a persistent byte cache.
//
// Get returns (nil, false, nil) on a miss, including for expired entries.
// Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
