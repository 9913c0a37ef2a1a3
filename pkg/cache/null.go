package cache

import (
	"context"
	"time"
)

// nullCache stores nothing. Registry metadata is then only memoized in
// process memory.
type nullCache struct{}

// NewNullCache returns a Cache that never hits, used for --cache none.
func NewNullCache() Cache { return nullCache{} }

func (nullCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (nullCache) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (nullCache) Delete(context.Context, string) error { return nil }

func (nullCache) Close() error { return nil }
