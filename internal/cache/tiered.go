package cache

import (
	"context"
	"errors"
	"maps"
	"path"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/observability"
)

// Store is the shared tile backend; *redisstore.Client implements it.
type Store interface {
	HGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HSetWithTTL(ctx context.Context, key, field string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	DelPattern(ctx context.Context, pattern string, batch int64) (int64, error)
	Ping(ctx context.Context) error
}

const purgeBatch = 500

type Option func(*Tiered)

// WithLRU keeps up to size tiles in process for at most ttl. size 0 disables the local tier.
func WithLRU(size int, ttl time.Duration) Option {
	return func(t *Tiered) {
		t.lruSize, t.lruTTL = size, ttl
	}
}

// WithOpTimeout bounds every backend call.
func WithOpTimeout(d time.Duration) Option {
	return func(t *Tiered) { t.opTimeout = d }
}

// Tiered serves tiles from an in-process LRU in front of a shared Store. Either tier may be
// absent. The local tier is not invalidated across processes, so its TTL bounds staleness.
type Tiered struct {
	store     Store
	opTimeout time.Duration
	lruSize   int
	lruTTL    time.Duration

	mu    sync.Mutex // serializes read-modify-write of variant maps
	local *expirable.LRU[string, map[string][]byte]
}

var ErrNoTier = errors.New("cache: neither local nor shared tier configured")

func New(store Store, opts ...Option) (*Tiered, error) {
	t := &Tiered{store: store, lruTTL: 30 * time.Second}
	for _, o := range opts {
		o(t)
	}
	if t.lruSize > 0 {
		t.local = expirable.NewLRU[string, map[string][]byte](t.lruSize, nil, t.lruTTL)
	}
	if t.local == nil && t.store == nil {
		return nil, ErrNoTier
	}
	return t, nil
}

func (t *Tiered) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.opTimeout)
}

func (t *Tiered) Get(ctx context.Context, tile, variant string) ([]byte, bool, error) {
	if t.local != nil {
		if vs, ok := t.local.Get(tile); ok {
			if v, ok := vs[variant]; ok {
				observability.AddCacheHits("lru", 1)
				return v, true, nil
			}
		}
		observability.AddCacheMisses("lru", 1)
	}
	if t.store == nil {
		return nil, false, nil
	}

	cctx, cancel := t.withTimeout(ctx)
	defer cancel()
	v, ok, err := t.store.HGet(cctx, tile, variant)
	if err != nil || !ok {
		return nil, false, err
	}
	t.putLocal(tile, variant, v)
	return v, true, nil
}

func (t *Tiered) Set(ctx context.Context, tile, variant string, val []byte, ttl time.Duration) error {
	t.putLocal(tile, variant, val)
	if t.store == nil {
		return nil
	}
	cctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return t.store.HSetWithTTL(cctx, tile, variant, val, ttl)
}

func (t *Tiered) Del(ctx context.Context, tiles ...string) (int64, error) {
	var local int64
	if t.local != nil {
		t.mu.Lock()
		for _, k := range tiles {
			if t.local.Remove(k) {
				local++
			}
		}
		t.mu.Unlock()
	}
	if t.store == nil {
		return local, nil
	}
	cctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return t.store.Del(cctx, tiles...)
}

// DelPattern drops every tile whose key matches the glob pattern (see keys.LayerPattern). The
// shared tier is scanned without the op timeout.
func (t *Tiered) DelPattern(ctx context.Context, pattern string) (int64, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, err
	}
	var local int64
	if t.local != nil {
		t.mu.Lock()
		for _, k := range t.local.Keys() {
			if ok, _ := path.Match(pattern, k); ok && t.local.Remove(k) {
				local++
			}
		}
		t.mu.Unlock()
	}
	if t.store == nil {
		return local, nil
	}
	return t.store.DelPattern(ctx, pattern, purgeBatch)
}

func (t *Tiered) Ping(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	cctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return t.store.Ping(cctx)
}

// variant maps are replaced, never mutated, so readers need no lock
func (t *Tiered) putLocal(tile, variant string, val []byte) {
	if t.local == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, _ := t.local.Peek(tile)
	next := make(map[string][]byte, len(prev)+1)
	maps.Copy(next, prev)
	next[variant] = val
	t.local.Add(tile, next)
}
