// Package cache stores rendered tiles. A tile key (see package keys) groups all variants of
// one tile so invalidation can drop them together.
package cache

import (
	"context"
	"time"
)

type Interface interface {
	Get(ctx context.Context, tile, variant string) ([]byte, bool, error)
	Set(ctx context.Context, tile, variant string, val []byte, ttl time.Duration) error
	// Del drops every variant of the given tiles and reports how many tiles existed.
	Del(ctx context.Context, tiles ...string) (int64, error)
	Ping(ctx context.Context) error
}

// Nop caches nothing; used when caching is disabled.
type Nop struct{}

func (Nop) Get(context.Context, string, string) ([]byte, bool, error)        { return nil, false, nil }
func (Nop) Set(context.Context, string, string, []byte, time.Duration) error { return nil }
func (Nop) Del(context.Context, ...string) (int64, error)                    { return 0, nil }
func (Nop) Ping(context.Context) error                                       { return nil }
