package directory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cwohlman/mailpipe/internal/cache"
)

// Cached decorates a Resolver with a lookup cache. Identities are stored
// as JSON under address- and id-keyed entries. Cache failures degrade to
// direct lookups; they are never surfaced to the pipeline.
type Cached struct {
	inner  Resolver
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

var _ Resolver = (*Cached)(nil)

// NewCached wraps a resolver with the given cache. A non-positive ttl
// defaults to five minutes.
func NewCached(inner Resolver, c cache.Cache, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cached{
		inner:  inner,
		cache:  c,
		ttl:    ttl,
		logger: slog.Default().With("component", "directory-cache", "backend", c.Type()),
	}
}

// Lookup resolves an address, consulting the cache first.
func (c *Cached) Lookup(ctx context.Context, address string) (*Identity, error) {
	key := "dir:addr:" + NormalizeAddress(address)
	if ident := c.cached(ctx, key); ident != nil {
		return ident, nil
	}

	ident, err := c.inner.Lookup(ctx, address)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, ident)
	return ident, nil
}

// LookupID resolves an identity by id, consulting the cache first.
func (c *Cached) LookupID(ctx context.Context, id string) (*Identity, error) {
	key := "dir:id:" + id
	if ident := c.cached(ctx, key); ident != nil {
		return ident, nil
	}

	ident, err := c.inner.LookupID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, ident)
	return ident, nil
}

func (c *Cached) cached(ctx context.Context, key string) *Identity {
	raw, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.Debug("cache read failed", "key", key, "error", err)
		}
		return nil
	}
	var ident Identity
	if err := json.Unmarshal(raw, &ident); err != nil {
		_ = c.cache.Delete(ctx, key)
		return nil
	}
	return &ident
}

func (c *Cached) store(ctx context.Context, key string, ident *Identity) {
	raw, err := json.Marshal(ident)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
		c.logger.Debug("cache write failed", "key", key, "error", err)
	}
}
