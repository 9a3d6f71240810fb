package cache

import (
	"context"
	"sync"
	"time"
)

type item struct {
	value      []byte
	expiration int64 // unix nanoseconds, 0 = no expiry
}

// Memory implements the Cache interface with an in-process map. A
// janitor goroutine evicts expired items once a minute.
type Memory struct {
	mu       sync.RWMutex
	items    map[string]item
	janitor  *time.Ticker
	stopChan chan struct{}
	once     sync.Once
}

// NewMemory creates a new in-memory cache.
func NewMemory() *Memory {
	m := &Memory{
		items:    make(map[string]item),
		janitor:  time.NewTicker(time.Minute),
		stopChan: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-m.janitor.C:
				m.deleteExpired()
			case <-m.stopChan:
				m.janitor.Stop()
				return
			}
		}
	}()
	return m
}

// Get retrieves a value from the cache.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if it.expiration > 0 && time.Now().UnixNano() > it.expiration {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	return it.value, nil
}

// Set stores a value in the cache with an expiration.
func (m *Memory) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	var exp int64
	if expiration > 0 {
		exp = time.Now().Add(expiration).UnixNano()
	}
	m.mu.Lock()
	m.items[key] = item{value: value, expiration: exp}
	m.mu.Unlock()
	return nil
}

// Delete removes a value from the cache.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Close stops the janitor and clears the cache.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stopChan) })
	m.mu.Lock()
	m.items = make(map[string]item)
	m.mu.Unlock()
	return nil
}

// Type returns "memory".
func (m *Memory) Type() string { return "memory" }

func (m *Memory) deleteExpired() {
	now := time.Now().UnixNano()
	m.mu.Lock()
	for k, it := range m.items {
		if it.expiration > 0 && now > it.expiration {
			delete(m.items, k)
		}
	}
	m.mu.Unlock()
}
