// Package dedup implements the single-flight Dedup Cache (spec.md §4.4):
// a Blake3-keyed memo of in-flight and completed request outcomes so that
// identical (payload, dedup_context) pairs are computed once and shared.
//
// Grounded on state/memory.go's cacheEntry + min-heap eviction-by-
// recency/frequency design (utils/heap.MinHeap), reused here with the
// heap ordered by expiry for the "evict the soonest-expiring entry under
// capacity pressure" rule. Hashing
// uses lukechampine.com/blake3 rather than the teacher's SHA-256, since
// the digest algorithm is authoritative here. The optional cross-process
// mirror (WithStore) writes through an entry's expiry alongside its
// result, in the same "envelope carries its own TTL" shape as the
// teacher's state/valkey.go ValkeyManager.SaveCache, using
// github.com/goccy/go-json for the envelope encoding like the rest of
// AiMesh's wire-facing JSON.
package dedup

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/aimesh/aimesh"
	"github.com/aimesh/aimesh/kvstore"
	"github.com/aimesh/aimesh/utils/heap"
)

// Outcome classifies the result of LookupOrReserve.
type Outcome int

const (
	// Hit means a completed result already exists for this key.
	Hit Outcome = iota
	// Wait means another caller owns the computation; wait on the
	// returned channel for its result.
	Wait
	// Owner means the caller is now responsible for computing the
	// result and calling Complete or Abandon.
	Owner
)

// cacheEntryOverhead approximates per-entry bookkeeping cost in bytes,
// matching the teacher's accounting shape in state/memory.go.
const cacheEntryOverhead = 128

type entry struct {
	key        [32]byte
	response   aimesh.Acknowledgment
	expiry     int64
	lastReadAt int64
	readCount  int64
	size       int64
}

type pending struct {
	done chan struct{}
	ack  aimesh.Acknowledgment
	err  error
}

// Cache is the concurrency-safe single-flight dedup cache.
type Cache struct {
	mu          sync.Mutex
	entries     map[[32]byte]*entry
	entryHeap   *heap.MinHeap[*entry]
	inflight    map[[32]byte]*pending
	maxBytes    int64
	usage       int64
	ttl         time.Duration
	clock       clock.Clock
	logger      *zap.SugaredLogger
	sweepCancel func()
	store       kvstore.Store
}

// remoteEnvelope is what WithStore's cross-process mirror actually
// stores: the result plus its own absolute expiry, so a Get against a
// shared backend can tell a live entry from a stale one without relying
// on the store's own ttl bookkeeping.
type remoteEnvelope struct {
	Ack    aimesh.Acknowledgment
	Expiry int64
}

func remoteKey(key [32]byte) string {
	return "dedup:" + hex.EncodeToString(key[:])
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithClock overrides the clock used for TTL bookkeeping (for tests).
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) { c.clock = clk }
}

// WithLogger attaches structured logging to eviction/sweep events.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithStore attaches an optional cross-process KVStore (spec.md §6):
// completed entries are mirrored to it so that a dedup miss in this
// process can still be served as a Hit if another process sharing the
// same backend already computed the result. A nil store (the default)
// keeps the cache entirely in-process.
func WithStore(store kvstore.Store) Option {
	return func(c *Cache) { c.store = store }
}

// New creates a Cache bounded by maxBytes with the given default TTL and
// starts its periodic sweep goroutine. Call Close to stop the sweep.
func New(maxBytes int64, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		entries:  make(map[[32]byte]*entry),
		inflight: make(map[[32]byte]*pending),
		maxBytes: maxBytes,
		ttl:      ttl,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.entryHeap = heap.NewMinHeap(func(a, b *entry) bool {
		if a.expiry != b.expiry {
			return a.expiry < b.expiry
		}
		return bytes.Compare(a.key[:], b.key[:]) < 0
	})
	c.sweepCancel = c.startSweep(time.Minute)
	return c
}

// Close stops the background sweep goroutine.
func (c *Cache) Close() {
	if c.sweepCancel != nil {
		c.sweepCancel()
	}
}

// Key computes the Blake3 digest over payload||dedup_context, per spec.md §4.4.
func Key(payload []byte, dedupContext string) [32]byte {
	h := blake3.New(32, nil)
	h.Write(payload)
	h.Write([]byte(dedupContext))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// LookupOrReserve implements the single-flight contract: the first caller
// for a key becomes Owner and must later call Complete or Abandon; later
// callers for the same key get Wait and a channel to block on; callers
// after completion get Hit with the memoized result. When a store is
// attached (WithStore) and this process has neither a live local entry
// nor a local in-flight computation for key, it consults the shared
// backend before becoming Owner, so only one process in the fleet ever
// computes a given key.
func (c *Cache) LookupOrReserve(key [32]byte) (Outcome, *aimesh.Acknowledgment, <-chan struct{}) {
	now := c.clock.Now().UnixNano()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.expiry > now {
			e.lastReadAt = now
			e.readCount++
			c.entryHeap.Update(e)
			ack := e.response
			c.mu.Unlock()
			return Hit, &ack, nil
		}
		c.removeLocked(e)
	}
	if p, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		return Wait, nil, p.done
	}
	c.mu.Unlock()

	if c.store != nil {
		if ack, ok := c.fetchRemote(key); ok {
			return Hit, &ack, nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.inflight[key]; ok {
		return Wait, nil, p.done
	}
	if e, ok := c.entries[key]; ok && e.expiry > c.clock.Now().UnixNano() {
		ack := e.response
		return Hit, &ack, nil
	}
	c.inflight[key] = &pending{done: make(chan struct{})}
	return Owner, nil, nil
}

// fetchRemote consults the attached store for a live entry under key,
// populating the local cache on a hit so repeated lookups in this
// process don't keep round-tripping to the shared backend.
func (c *Cache) fetchRemote(key [32]byte) (aimesh.Acknowledgment, bool) {
	data, ok, err := c.store.Get(context.Background(), remoteKey(key))
	if err != nil {
		if c.logger != nil {
			c.logger.Warnw("dedup remote lookup failed", "error", err)
		}
		return aimesh.Acknowledgment{}, false
	}
	if !ok {
		return aimesh.Acknowledgment{}, false
	}

	var env remoteEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		if c.logger != nil {
			c.logger.Warnw("dedup remote entry undecodable", "error", err)
		}
		return aimesh.Acknowledgment{}, false
	}
	now := c.clock.Now().UnixNano()
	if env.Expiry <= now {
		return aimesh.Acknowledgment{}, false
	}

	c.mu.Lock()
	c.insertLocked(&entry{
		key:        key,
		response:   env.Ack,
		expiry:     env.Expiry,
		lastReadAt: now,
		readCount:  1,
		size:       cacheEntryOverhead + int64(len(env.Ack.Result)),
	})
	c.mu.Unlock()

	return env.Ack, true
}

// Complete records the computed result for key, wakes any waiters, and
// memoizes the result for ttl. Must be called exactly once by the Owner.
func (c *Cache) Complete(key [32]byte, ack aimesh.Acknowledgment, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.clock.Now().UnixNano()

	c.mu.Lock()
	p, ok := c.inflight[key]
	if ok {
		delete(c.inflight, key)
	}

	e := &entry{
		key:        key,
		response:   ack,
		expiry:     now + ttl.Nanoseconds(),
		lastReadAt: now,
		readCount:  1,
		size:       cacheEntryOverhead + int64(len(ack.Result)),
	}
	c.insertLocked(e)
	c.mu.Unlock()

	if c.store != nil {
		c.mirrorRemote(key, e)
	}

	if ok {
		p.ack = ack
		close(p.done)
	}
}

// mirrorRemote writes e through to the attached store so other processes
// sharing it can serve this key as a Hit. Best-effort: a failure here
// only costs a future process a redundant recomputation, so it is logged
// rather than surfaced to the caller.
func (c *Cache) mirrorRemote(key [32]byte, e *entry) {
	data, err := json.Marshal(remoteEnvelope{Ack: e.response, Expiry: e.expiry})
	if err != nil {
		return
	}
	ttl := time.Duration(e.expiry - c.clock.Now().UnixNano())
	if ttl <= 0 {
		return
	}
	if err := c.store.Put(context.Background(), remoteKey(key), data, ttl); err != nil && c.logger != nil {
		c.logger.Warnw("dedup remote mirror failed", "error", err)
	}
}

// Abandon releases ownership of key without memoizing a result, waking
// any waiters with err set. Used when the Owner's computation fails in a
// way that should not be cached.
func (c *Cache) Abandon(key [32]byte, err error) {
	c.mu.Lock()
	p, ok := c.inflight[key]
	if ok {
		delete(c.inflight, key)
	}
	c.mu.Unlock()

	if ok {
		p.err = err
		close(p.done)
	}
}

// Wait blocks on the channel returned by LookupOrReserve's Wait outcome
// and returns the result the Owner eventually recorded.
func (c *Cache) Wait(key [32]byte, done <-chan struct{}) (aimesh.Acknowledgment, error) {
	<-done

	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return e.response, nil
	}
	return aimesh.Acknowledgment{}, aimesh.New(aimesh.CodeInternal, "dedup owner abandoned without a cached result")
}

func (c *Cache) insertLocked(e *entry) {
	if existing, ok := c.entries[e.key]; ok {
		c.entryHeap.Remove(existing)
		c.usage -= existing.size
	}
	c.entries[e.key] = e
	c.entryHeap.Push(e)
	c.usage += e.size

	if c.maxBytes > 0 {
		c.evictLocked(c.usage - c.maxBytes)
	}
}

func (c *Cache) evictLocked(overBytes int64) {
	freed := int64(0)
	for freed < overBytes {
		victim, ok := c.entryHeap.Pop()
		if !ok {
			return
		}
		delete(c.entries, victim.key)
		freed += victim.size
	}
	c.usage -= freed
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.entryHeap.Remove(e)
	c.usage -= e.size
}

func (c *Cache) sweep() {
	now := c.clock.Now().UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*entry
	for _, e := range c.entries {
		if e.expiry <= now {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.removeLocked(e)
	}
}

func (c *Cache) startSweep(interval time.Duration) func() {
	ticker := c.clock.Ticker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}
