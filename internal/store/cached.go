package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/voyagen/loopcaster/internal/cache"
	"github.com/voyagen/loopcaster/internal/models"
)

// Cache TTLs. Lists churn with every status change, so they expire quickly.
const (
	ttlChannels = 30 * time.Second
	ttlChannel  = 2 * time.Minute
)

const keyChannels = "channels:all"

func channelKey(id int64) string { return fmt.Sprintf("channel:%d", id) }

// CachedStore wraps a Store with a Redis read-through cache for channel reads.
// Every write invalidates the affected keys. Scheduler reads and
// GetChannelFresh always hit the inner store.
//
// gen counts invalidations. A read that raced a write (gen moved between the
// database read and the cache fill) evicts what it just filled, so a slow
// reader cannot park a pre-write row in Redis. The counter is per process;
// serve holds an exclusive lock, so no other process writes.
type CachedStore struct {
	inner  Store
	cache  *cache.Redis
	logger *zap.Logger
	gen    atomic.Uint64
}

// NewCachedStore creates a CachedStore that wraps inner with Redis caching.
func NewCachedStore(inner Store, c *cache.Redis, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{inner: inner, cache: c, logger: logger.Named("cache")}
}

func (c *CachedStore) ListChannels(ctx context.Context) ([]models.Channel, error) {
	if v, ok, err := cache.Lookup[[]models.Channel](ctx, c.cache, keyChannels); err != nil {
		c.logger.Debug("cache read failed", zap.String("key", keyChannels), zap.Error(err))
	} else if ok {
		return v, nil
	}
	gen := c.gen.Load()
	channels, err := c.inner.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, gen, keyChannels, channels, ttlChannels)
	return channels, nil
}

func (c *CachedStore) GetChannel(ctx context.Context, channelID int64) (*models.Channel, error) {
	key := channelKey(channelID)
	if v, ok, err := cache.Lookup[models.Channel](ctx, c.cache, key); err != nil {
		c.logger.Debug("cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		return &v, nil
	}
	gen := c.gen.Load()
	ch, err := c.inner.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, gen, key, ch, ttlChannel)
	return ch, nil
}

// GetChannelFresh implements FreshReader.
func (c *CachedStore) GetChannelFresh(ctx context.Context, channelID int64) (*models.Channel, error) {
	return c.inner.GetChannel(ctx, channelID)
}

// fill caches v under key unless a write was invalidated since gen was read.
func (c *CachedStore) fill(ctx context.Context, gen uint64, key string, v any, ttl time.Duration) {
	if c.gen.Load() != gen {
		return
	}
	if err := cache.Store(ctx, c.cache, key, v, ttl); err != nil {
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return
	}
	if c.gen.Load() != gen {
		c.invalidate(ctx, key)
	}
}

func (c *CachedStore) CreateChannel(ctx context.Context, ch *models.Channel) (*models.Channel, error) {
	created, err := c.inner.CreateChannel(ctx, ch)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, keyChannels)
	return created, nil
}

func (c *CachedStore) UpdateChannel(ctx context.Context, channelID int64, fields ChannelUpdate) error {
	err := c.inner.UpdateChannel(ctx, channelID, fields)
	// Invalidate even on failure; a concurrent delete may have raced us.
	c.invalidate(ctx, channelKey(channelID), keyChannels)
	return err
}

func (c *CachedStore) DeleteChannel(ctx context.Context, channelID int64) error {
	err := c.inner.DeleteChannel(ctx, channelID)
	c.invalidate(ctx, channelKey(channelID), keyChannels)
	return err
}

func (c *CachedStore) ResetActive(ctx context.Context) (int64, error) {
	n, err := c.inner.ResetActive(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.invalidatePattern(ctx, "channel:*", keyChannels)
	}
	return n, nil
}

// --- passthrough (no caching) ---

func (c *CachedStore) ListScheduledChannels(ctx context.Context) ([]models.Channel, error) {
	return c.inner.ListScheduledChannels(ctx)
}

// Close closes the inner store. The Redis client is owned by the caller.
func (c *CachedStore) Close() {
	c.inner.Close()
}

func (c *CachedStore) invalidate(ctx context.Context, keys ...string) {
	c.gen.Add(1)
	if err := cache.Evict(ctx, c.cache, keys...); err != nil {
		c.logger.Warn("cache del failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

func (c *CachedStore) invalidatePattern(ctx context.Context, patterns ...string) {
	c.gen.Add(1)
	for _, p := range patterns {
		if err := cache.EvictMatching(ctx, c.cache, p); err != nil {
			c.logger.Warn("cache del pattern failed", zap.String("pattern", p), zap.Error(err))
		}
	}
}
