package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// InvalidationChannel is the pub/sub channel peers publish on after
// changing a shared operational setting.
const InvalidationChannel = "coordinator:settings:invalidate"

// SettingsLoader fetches the current operational settings from their
// source of truth.
type SettingsLoader func(ctx context.Context) (map[string]string, error)

// SettingsCache caches operational settings with a TTL and optional
// cross-instance invalidation over redis pub/sub. Settings are tunables
// operators change at runtime (quota requirements, polling parameters);
// the cache keeps the hot path off the settings backend.
type SettingsCache struct {
	loader SettingsLoader
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	values   map[string]string
	loadedAt time.Time
}

// NewSettingsCache creates a cache over the given loader.
func NewSettingsCache(loader SettingsLoader, ttl time.Duration, logger *slog.Logger) *SettingsCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsCache{
		loader: loader,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Get returns one setting, reloading the whole set if the cache is
// stale. The zero value and false are returned for unknown keys.
func (c *SettingsCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	fresh := c.values != nil && c.now().Sub(c.loadedAt) < c.ttl
	if fresh {
		v, ok := c.values[key]
		c.mu.RUnlock()
		return v, ok, nil
	}
	c.mu.RUnlock()

	if err := c.Reload(ctx); err != nil {
		return "", false, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok, nil
}

// Reload fetches settings from the loader unconditionally.
func (c *SettingsCache) Reload(ctx context.Context) error {
	values, err := c.loader(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.values = values
	c.loadedAt = c.now()
	c.mu.Unlock()
	return nil
}

// Invalidate drops the cached set; the next Get reloads.
func (c *SettingsCache) Invalidate() {
	c.mu.Lock()
	c.values = nil
	c.mu.Unlock()
}

// ListenInvalidations subscribes to the redis invalidation channel and
// drops the cache whenever a peer publishes. Blocks until ctx is
// cancelled; run it in its own goroutine.
func (c *SettingsCache) ListenInvalidations(ctx context.Context, rdb *redis.Client) {
	sub := rdb.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.logger.Debug("settings invalidated", "payload", msg.Payload)
			c.Invalidate()
		}
	}
}

// PublishInvalidation notifies peers that a setting changed.
func PublishInvalidation(ctx context.Context, rdb *redis.Client, reason string) error {
	return rdb.Publish(ctx, InvalidationChannel, reason).Err()
}
