package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemorySetGet(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	defer c.Close()

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("got %q, want v", got)
	}
}

func TestMemoryMiss(t *testing.T) {
	c := NewMemory()
	defer c.Close()

	if _, err := c.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	defer c.Close()

	c.Set(ctx, "short", []byte("v"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, err := c.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired entry to miss, got %v", err)
	}
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	defer c.Close()

	c.Set(ctx, "k", []byte("v"), 0)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFactoryDefaultsToMemory(t *testing.T) {
	c, err := Factory(Config{})
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	defer c.Close()
	if c.Type() != "memory" {
		t.Errorf("unexpected cache type: %s", c.Type())
	}
}
