package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/driftline/spotwatch/internal/clock"
)

// Provider defines the minimal cache operations needed by the service.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider implements Provider but never stores data.
type NoopProvider struct{}

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

// Set discards the value and returns nil.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// SetNX pretends to store the value and reports success.
func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

// Del is a no-op for the noop cache.
func (NoopProvider) Del(context.Context, string) error { return nil }

// Close is a no-op.
func (NoopProvider) Close() error { return nil }

// MemoryProvider is an in-process Provider with per-key expiry. Expired
// entries are dropped lazily on access.
type MemoryProvider struct {
	clock clock.Clock
	mu    sync.Mutex
	data  map[string]memoryItem
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider creates an in-process cache. A nil clock uses real time.
func NewMemoryProvider(clk clock.Clock) *MemoryProvider {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryProvider{clock: clk, data: make(map[string]memoryItem)}
}

// Get returns a copy of the stored bytes or ErrCacheMiss.
func (m *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if m.expired(it) {
		delete(m.data, key)
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), it.value...), nil
}

// Set stores value; a non-positive ttl never expires.
func (m *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = m.item(value, ttl)
	return nil
}

// SetNX stores value only when key is absent or expired.
func (m *MemoryProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.data[key]; ok && !m.expired(it) {
		return false, nil
	}
	m.data[key] = m.item(value, ttl)
	return true, nil
}

// Del removes key.
func (m *MemoryProvider) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Close releases nothing; the map is garbage collected with the provider.
func (m *MemoryProvider) Close() error { return nil }

func (m *MemoryProvider) item(value []byte, ttl time.Duration) memoryItem {
	it := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expiresAt = m.clock.Now().Add(ttl)
	}
	return it
}

func (m *MemoryProvider) expired(it memoryItem) bool {
	return !it.expiresAt.IsZero() && !m.clock.Now().Before(it.expiresAt)
}
