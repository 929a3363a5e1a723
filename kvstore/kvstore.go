// Package kvstore implements the optional cross-process KVStore (spec.md
// §6): an opaque put(key, value, ttl) / get(key) -> Option<value>
// protocol the dedup cache may use to share state across process
// boundaries, plus an in-memory implementation for single-process and
// test deployments.
package kvstore

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Store is the opaque put/get protocol from spec.md §6.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

type memEntry struct {
	value  []byte
	expiry int64
}

// Memory is an in-process Store, the default backend when no cross-
// process sharing is configured.
type Memory struct {
	mu    sync.RWMutex
	data  map[string]memEntry
	clock clock.Clock
}

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]memEntry), clock: clock.New()}
}

// Put stores value under key for ttl (0 means no expiry).
func (m *Memory) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiry int64
	if ttl > 0 {
		expiry = m.clock.Now().Add(ttl).UnixNano()
	}
	m.data[key] = memEntry{value: value, expiry: expiry}
	return nil
}

// Get returns the value for key, or (nil, false, nil) if absent or expired.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if entry.expiry != 0 && entry.expiry <= m.clock.Now().UnixNano() {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}
