// Package cache provides a small byte-value cache used to memoize
// directory lookups. Backends: in-process memory, Redis, memcached.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache defines the interface that all cache implementations satisfy.
type Cache interface {
	// Get retrieves a value from the cache.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with an expiration.
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error

	// Delete removes a value from the cache.
	Delete(ctx context.Context, key string) error

	// Close releases the cache's resources.
	Close() error

	// Type returns the type of the cache ("memory", "redis", "memcached").
	Type() string
}

// Config represents the configuration for a cache backend.
type Config struct {
	Type     string `toml:"type"`     // "memory", "redis", "memcached"
	Host     string `toml:"host"`     //
	Port     int    `toml:"port"`     //
	Password string `toml:"password"` // Redis only
	Database int    `toml:"database"` // Redis only
}

// Factory creates cache instances based on configuration.
func Factory(cfg Config) (Cache, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg), nil
	case "memcached":
		return NewMemcached(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}
