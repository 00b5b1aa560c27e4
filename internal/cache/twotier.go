// Package cache is a two-tier cache for derived per-brand data: an
// in-process LRU in front of an optional shared Redis tier. Entries expire
// after a fixed TTL but are kept a while longer so a failed refresh can
// fall back to the last good value.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"studio/internal/metrics"
)

// Options configures a TwoTier cache.
type Options struct {
	Prefix string
	Size   int
	TTL    time.Duration
	// StaleFor is how long past TTL an entry may still be served when the
	// loader fails. Zero keeps it for another TTL.
	StaleFor time.Duration
	Remote   Remote
	Logger   zerolog.Logger
}

type entry struct {
	Value    json.RawMessage `json:"v"`
	StoredAt time.Time       `json:"stored_at"`
}

// TwoTier caches values of type T. The zero Remote runs the LRU alone.
type TwoTier[T any] struct {
	prefix   string
	ttl      time.Duration
	staleFor time.Duration
	local    *lru.Cache
	remote   Remote
	loads    singleflight.Group
	log      zerolog.Logger
	now      func() time.Time
}

func NewTwoTier[T any](opts Options) (*TwoTier[T], error) {
	if opts.Size <= 0 {
		opts.Size = 512
	}
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.StaleFor <= 0 {
		opts.StaleFor = opts.TTL
	}
	local, err := lru.New(opts.Size)
	if err != nil {
		return nil, err
	}
	return &TwoTier[T]{
		prefix:   opts.Prefix,
		ttl:      opts.TTL,
		staleFor: opts.StaleFor,
		local:    local,
		remote:   opts.Remote,
		log:      opts.Logger.With().Str("component", "cache").Str("prefix", opts.Prefix).Logger(),
		now:      time.Now,
	}, nil
}

// Get returns a fresh value for key. Expired entries are not returned.
func (c *TwoTier[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	e, ok := c.lookup(ctx, key)
	if !ok || c.expired(e) {
		metrics.RecordCacheMiss()
		return zero, false
	}
	v, err := decode[T](e)
	if err != nil {
		return zero, false
	}
	return v, true
}

// Set stores value in both tiers. A Redis failure is logged and the local
// tier still holds the value.
func (c *TwoTier[T]) Set(ctx context.Context, key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	e := entry{Value: raw, StoredAt: c.now()}
	c.local.Add(key, e)
	if c.remote == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if err := c.remote.Set(ctx, c.prefix+key, data, c.ttl+c.staleFor); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("remote set failed")
	}
	return nil
}

// Invalidate drops key from both tiers.
func (c *TwoTier[T]) Invalidate(ctx context.Context, key string) error {
	c.local.Remove(key)
	if c.remote == nil {
		return nil
	}
	if err := c.remote.Del(ctx, c.prefix+key); err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", key, err)
	}
	return nil
}

// GetOrLoad returns the cached value or calls load to refresh it. When load
// fails and an expired entry is still within its stale window, the stale
// value is returned with a nil error. Concurrent loads of one key share a
// single call.
func (c *TwoTier[T]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	e, found := c.lookup(ctx, key)
	if found && !c.expired(e) {
		if v, err := decode[T](e); err == nil {
			return v, nil
		}
		found = false
	}
	metrics.RecordCacheMiss()

	res, err, _ := c.loads.Do(key, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return zero, err
		}
		if serr := c.Set(context.WithoutCancel(ctx), key, v); serr != nil {
			c.log.Warn().Err(serr).Str("key", key).Msg("cache set failed")
		}
		return v, nil
	})
	if err == nil {
		return res.(T), nil
	}
	if found && c.servable(e) {
		if v, derr := decode[T](e); derr == nil {
			metrics.RecordStaleServed()
			c.log.Warn().Err(err).Str("key", key).Time("stored_at", e.StoredAt).Msg("serving stale entry")
			return v, nil
		}
	}
	return zero, err
}

func (c *TwoTier[T]) lookup(ctx context.Context, key string) (entry, bool) {
	if v, ok := c.local.Get(key); ok {
		e := v.(entry)
		if c.servable(e) {
			metrics.RecordCacheHit("local")
			return e, true
		}
		c.local.Remove(key)
	}
	if c.remote == nil {
		return entry{}, false
	}
	data, err := c.remote.Get(ctx, c.prefix+key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.log.Warn().Err(err).Str("key", key).Msg("remote get failed")
		}
		return entry{}, false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil || !c.servable(e) {
		return entry{}, false
	}
	metrics.RecordCacheHit("remote")
	c.local.Add(key, e)
	return e, true
}

func (c *TwoTier[T]) expired(e entry) bool {
	return c.now().Sub(e.StoredAt) > c.ttl
}

func (c *TwoTier[T]) servable(e entry) bool {
	return c.now().Sub(e.StoredAt) <= c.ttl+c.staleFor
}

func decode[T any](e entry) (T, error) {
	var v T
	err := json.Unmarshal(e.Value, &v)
	return v, err
}
