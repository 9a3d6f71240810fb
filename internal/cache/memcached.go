package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements the Cache interface for memcached.
type Memcached struct {
	client *memcache.Client
}

// NewMemcached creates a new memcached cache.
func NewMemcached(cfg Config) *Memcached {
	if cfg.Port == 0 {
		cfg.Port = 11211
	}
	return &Memcached{
		client: memcache.New(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
	}
}

// Get retrieves a value from the cache.
func (m *Memcached) Get(ctx context.Context, key string) ([]byte, error) {
	it, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key from memcached: %w", err)
	}
	return it.Value, nil
}

// Set stores a value in the cache with an expiration. Memcached caps
// relative expirations at 30 days; longer values are passed through as-is
// and interpreted by the server as absolute timestamps.
func (m *Memcached) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	if err := m.client.Set(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: int32(expiration.Seconds()),
	}); err != nil {
		return fmt.Errorf("failed to set key in memcached: %w", err)
	}
	return nil
}

// Delete removes a value from the cache.
func (m *Memcached) Delete(ctx context.Context, key string) error {
	err := m.client.Delete(key)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("failed to delete key from memcached: %w", err)
	}
	return nil
}

// Close is a no-op; the memcached client holds no persistent connection
// state that needs shutdown.
func (m *Memcached) Close() error { return nil }

// Type returns "memcached".
func (m *Memcached) Type() string { return "memcached" }
