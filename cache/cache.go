package cache

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tcriess/lightspeed-live/clock"
	"github.com/tcriess/lightspeed-live/globals"
)

// Versioned entities carry a monotonically increasing version and a cache key.
type Versioned interface {
	CacheKey() string
	GetVersion() int64
}

// Loader loads an entity from the database. It returns ErrNotFound for unknown or deleted entities.
type Loader[T Versioned] func(ctx context.Context, id string) (T, error)

// Entry is an immutable snapshot held by sessions and by the process cache.
type Entry[T Versioned] struct {
	Value   T
	Version int64
	Fetched time.Time
}

type Options struct {
	// Size of the process-local LRU.
	Size int
	// TTL bounds how long an entry may sit in the process cache without being looked at.
	TTL    time.Duration
	Clock  clock.Clock
	Logger hclog.Logger
}

// Cache is a two-tier cache: a process-local LRU of snapshots in front of the shared version store.
// The database stays the source of truth; the version store only tells readers whether a snapshot
// is stale.
type Cache[T Versioned] struct {
	kind   string
	store  VersionStore
	load   Loader[T]
	local  *lru.Cache[string, *Entry[T]]
	ttl    time.Duration
	clock  clock.Clock
	logger hclog.Logger
}

func New[T Versioned](kind string, store VersionStore, load Loader[T], opts Options) (*Cache[T], error) {
	if opts.Size <= 0 {
		opts.Size = 1024
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = globals.AppLogger
	}
	local, err := lru.New[string, *Entry[T]](opts.Size)
	if err != nil {
		return nil, err
	}
	return &Cache[T]{
		kind:   kind,
		store:  store,
		load:   load,
		local:  local,
		ttl:    opts.TTL,
		clock:  opts.Clock,
		logger: opts.Logger.Named("cache").With("kind", kind),
	}, nil
}

func (c *Cache[T]) Key(id string) string {
	return c.kind + ":" + id
}

// Get returns a snapshot that is at most allowedAge (jittered) older than the shared version store.
func (c *Cache[T]) Get(ctx context.Context, id string, allowedAge time.Duration) (T, error) {
	e, err := c.Refresh(ctx, id, c.localGet(id), allowedAge)
	if err != nil {
		var zero T
		return zero, err
	}
	return e.Value, nil
}

// Refresh validates a held snapshot. held may be nil. A held snapshot younger than allowedAge is
// returned as is; otherwise the shared version decides whether it, the process copy or a fresh
// database load is returned.
func (c *Cache[T]) Refresh(ctx context.Context, id string, held *Entry[T], allowedAge time.Duration) (*Entry[T], error) {
	now := c.clock.Now()
	if held != nil && now.Sub(held.Fetched) < jitter(allowedAge) {
		return held, nil
	}
	key := c.Key(id)
	latest, known, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if known && latest == DeletedVersion {
		c.local.Remove(key)
		return nil, ErrNotFound
	}
	if known {
		if held != nil && held.Version >= latest {
			return c.revalidated(key, held, now), nil
		}
		if local := c.localGet(id); local != nil && local.Version >= latest {
			return c.revalidated(key, local, now), nil
		}
	}
	return c.reload(ctx, id, known, now)
}

// Saved must be called after the transaction that wrote entity committed.
func (c *Cache[T]) Saved(ctx context.Context, entity T) error {
	key := entity.CacheKey()
	stored, err := c.store.SetIfHigher(ctx, key, entity.GetVersion())
	if err != nil {
		return err
	}
	if stored == DeletedVersion {
		c.local.Remove(key)
		return nil
	}
	if current, ok := c.local.Peek(key); ok && current.Version > entity.GetVersion() {
		return nil
	}
	c.local.Add(key, &Entry[T]{Value: entity, Version: entity.GetVersion(), Fetched: c.clock.Now()})
	return nil
}

// Deleted must be called after the transaction that deleted the entity committed.
func (c *Cache[T]) Deleted(ctx context.Context, id string) error {
	key := c.Key(id)
	c.local.Remove(key)
	return c.store.MarkDeleted(ctx, key)
}

func (c *Cache[T]) localGet(id string) *Entry[T] {
	key := c.Key(id)
	e, ok := c.local.Get(key)
	if !ok {
		return nil
	}
	if c.clock.Since(e.Fetched) > c.ttl {
		c.local.Remove(key)
		return nil
	}
	return e
}

func (c *Cache[T]) revalidated(key string, e *Entry[T], now time.Time) *Entry[T] {
	fresh := &Entry[T]{Value: e.Value, Version: e.Version, Fetched: now}
	c.local.Add(key, fresh)
	return fresh
}

func (c *Cache[T]) reload(ctx context.Context, id string, known bool, now time.Time) (*Entry[T], error) {
	key := c.Key(id)
	v, err := c.load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		c.local.Remove(key)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e := &Entry[T]{Value: v, Version: v.GetVersion(), Fetched: now}
	c.local.Add(key, e)
	if !known {
		// the version store was flushed or never saw this entity
		if _, err := c.store.SetIfHigher(ctx, key, e.Version); err != nil {
			c.logger.Warn("could not republish version", "key", key, "error", err)
		}
	}
	return e, nil
}

// jitter spreads revalidation by +-30% so that sessions do not hit the store in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
}
