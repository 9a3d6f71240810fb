package directory

import (
	"context"
	"testing"
	"time"

	"github.com/cwohlman/mailpipe/internal/cache"
)

// countingResolver tracks how many lookups reach the inner resolver.
type countingResolver struct {
	inner   Resolver
	lookups int
}

func (c *countingResolver) Lookup(ctx context.Context, address string) (*Identity, error) {
	c.lookups++
	return c.inner.Lookup(ctx, address)
}

func (c *countingResolver) LookupID(ctx context.Context, id string) (*Identity, error) {
	c.lookups++
	return c.inner.LookupID(ctx, id)
}

func TestCachedAvoidsRepeatLookups(t *testing.T) {
	ctx := context.Background()

	static := NewStatic("example.com")
	static.Register(Identity{ID: "alice", Name: "Alice", Addresses: []string{"alice@example.com"}})
	counting := &countingResolver{inner: static}

	mem := cache.NewMemory()
	defer mem.Close()
	cached := NewCached(counting, mem, time.Minute)

	for i := 0; i < 3; i++ {
		ident, err := cached.Lookup(ctx, "alice@example.com")
		if err != nil {
			t.Fatalf("lookup %d failed: %v", i, err)
		}
		if ident.ID != "alice" {
			t.Errorf("unexpected identity: %s", ident.ID)
		}
	}
	if counting.lookups != 1 {
		t.Errorf("expected 1 inner lookup, got %d", counting.lookups)
	}

	for i := 0; i < 3; i++ {
		if _, err := cached.LookupID(ctx, "alice"); err != nil {
			t.Fatalf("lookup by id %d failed: %v", i, err)
		}
	}
	if counting.lookups != 2 {
		t.Errorf("expected 2 inner lookups, got %d", counting.lookups)
	}
}

func TestCachedMissesPassThrough(t *testing.T) {
	ctx := context.Background()

	static := NewStatic("example.com")
	counting := &countingResolver{inner: static}

	mem := cache.NewMemory()
	defer mem.Close()
	cached := NewCached(counting, mem, time.Minute)

	// Misses are not cached; every attempt consults the resolver.
	cached.Lookup(ctx, "nobody@example.com")
	cached.Lookup(ctx, "nobody@example.com")
	if counting.lookups != 2 {
		t.Errorf("expected misses to pass through, got %d lookups", counting.lookups)
	}
}
