// Package ratelimit implements the per-key token bucket and observability
// window from spec.md §4.5: a bucket per (agent or tenant) key with
// configurable rate R and burst B, a global bucket shared across all
// keys, and a 60s sliding-window request counter for observability.
//
// The bucket itself is golang.org/x/time/rate, the ecosystem's canonical
// limiter (grounded on smartramana-developer-mesh's go.mod, a pack repo
// with a direct dependency on golang.org/x/time; it is also already an
// indirect dependency of the teacher). The teacher's rate/rate.go
// per-key map-of-limiters idiom is the shape this package's bucketFor
// adapts for AiMesh's own key space.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/aimesh/aimesh"
)

// Limiter is a concurrency-safe set of per-key token buckets plus one
// global bucket shared across every key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	windows map[string]*slidingWindow
	global  *rate.Limiter

	perKeyRate  rate.Limit
	perKeyBurst int
	clk         clock.Clock
}

// Config holds the bucket shape for Limiter.
type Config struct {
	PerKeyRatePerSec float64
	PerKeyBurst      int
	GlobalRatePerSec float64
	GlobalBurst      int
}

// New creates a Limiter with the given bucket configuration.
func New(cfg Config) *Limiter {
	return &Limiter{
		buckets:     make(map[string]*rate.Limiter),
		windows:     make(map[string]*slidingWindow),
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRatePerSec), cfg.GlobalBurst),
		perKeyRate:  rate.Limit(cfg.PerKeyRatePerSec),
		perKeyBurst: cfg.PerKeyBurst,
		clk:         clock.New(),
	}
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.perKeyRate, l.perKeyBurst)
		l.buckets[key] = b
	}
	return b
}

func (l *Limiter) windowFor(key string) *slidingWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		w = newSlidingWindow(l.clk)
		l.windows[key] = w
	}
	return w
}

// Allow checks the global bucket and the per-key bucket for key, in that
// order, recording the attempt in key's 60s observability window
// regardless of outcome. A denial from either bucket returns a
// CodeRateLimited error carrying a retry_after hint.
func (l *Limiter) Allow(key string) error {
	w := l.windowFor(key)
	w.record()

	if !l.global.Allow() {
		return aimesh.NewRetryable(aimesh.CodeRateLimited, "global rate limit exceeded", time.Second)
	}
	b := l.bucketFor(key)
	if !b.Allow() {
		r := b.Reserve()
		retryAfter := r.Delay()
		r.Cancel()
		return aimesh.NewRetryable(aimesh.CodeRateLimited, "rate limit exceeded for key "+key, retryAfter)
	}
	return nil
}

// RequestsInWindow returns the number of Allow calls recorded for key in
// the trailing 60 seconds, for observability/admin surfaces.
func (l *Limiter) RequestsInWindow(key string) int {
	return l.windowFor(key).count()
}

// slidingWindow is a ring buffer of per-second bucket counts covering the
// trailing 60 seconds, used purely for observability (not enforcement).
type slidingWindow struct {
	mu      sync.Mutex
	buckets [60]int
	lastSec int64
	clk     clock.Clock
}

func newSlidingWindow(clk clock.Clock) *slidingWindow {
	return &slidingWindow{clk: clk, lastSec: clk.Now().Unix()}
}

func (w *slidingWindow) record() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	w.buckets[w.lastSec%60]++
}

func (w *slidingWindow) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	total := 0
	for _, c := range w.buckets {
		total += c
	}
	return total
}

// advance clears buckets for seconds that have elapsed since the last
// observed tick, so stale counts fall out of the 60s window.
func (w *slidingWindow) advance() {
	now := w.clk.Now().Unix()
	if now <= w.lastSec {
		return
	}
	steps := now - w.lastSec
	if steps > 60 {
		steps = 60
	}
	for i := int64(0); i < steps; i++ {
		w.lastSec++
		w.buckets[w.lastSec%60] = 0
	}
}
