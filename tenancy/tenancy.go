// Package tenancy implements per-tenant quota enforcement (spec.md §4.5):
// a tier assigns (max_concurrent, max_rps, max_tokens_per_day); the
// enforcer tracks concurrent in-flight requests and a daily token
// counter decremented at commit time.
//
// Adapted from the teacher's tenancy.Tenant/TenantLimits shape, trimmed
// from its full multi-tenant organization model (subscriptions,
// organizations, hierarchical parent/child tenants) down to the four
// fields the quota contract actually names.
package tenancy

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aimesh/aimesh"
)

// dailyWindow is the rolling period a tenant's token usage counter is
// measured over, per spec.md §4.5's "daily token quota".
const dailyWindow = 24 * time.Hour

// Tier is one of the four named quota tiers.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Limits is the (max_concurrent, max_rps, max_tokens_per_day) triple a
// tier assigns to every tenant on it.
type Limits struct {
	MaxConcurrent    int64
	MaxRPS           float64
	MaxTokensPerDay  int64
}

// DefaultLimits returns the standard limit set for each named tier.
func DefaultLimits(tier Tier) Limits {
	switch tier {
	case TierFree:
		return Limits{MaxConcurrent: 2, MaxRPS: 1, MaxTokensPerDay: 50_000}
	case TierStarter:
		return Limits{MaxConcurrent: 10, MaxRPS: 5, MaxTokensPerDay: 1_000_000}
	case TierPro:
		return Limits{MaxConcurrent: 50, MaxRPS: 25, MaxTokensPerDay: 20_000_000}
	case TierEnterprise:
		return Limits{MaxConcurrent: 500, MaxRPS: 250, MaxTokensPerDay: 1 << 40}
	default:
		return Limits{}
	}
}

type tenantState struct {
	mu          sync.Mutex
	tier        Tier
	limits      Limits
	concurrent  int64
	tokensUsed  int64
	windowStart time.Time
}

// Enforcer tracks per-tenant concurrency and daily token usage against
// each tenant's tier limits.
type Enforcer struct {
	mu      sync.RWMutex
	tenants map[string]*tenantState
	clk     clock.Clock
}

// New creates an empty Enforcer whose daily token window is measured
// against the real wall clock.
func New() *Enforcer {
	return NewWithClock(clock.New())
}

// NewWithClock creates an empty Enforcer using the given clock, for
// deterministic tests of the rolling daily-window reset.
func NewWithClock(clk clock.Clock) *Enforcer {
	return &Enforcer{tenants: make(map[string]*tenantState), clk: clk}
}

func (e *Enforcer) getOrCreate(tenantID string, tier Tier) *tenantState {
	e.mu.RLock()
	t, ok := e.tenants[tenantID]
	e.mu.RUnlock()
	if ok {
		return t
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tenants[tenantID]; ok {
		return t
	}
	t = &tenantState{tier: tier, limits: DefaultLimits(tier), windowStart: e.clk.Now()}
	e.tenants[tenantID] = t
	return t
}

// rollWindowLocked zeroes t's daily token counter once dailyWindow has
// elapsed since it last rolled. Callers must hold t.mu.
func (e *Enforcer) rollWindowLocked(t *tenantState) {
	now := e.clk.Now()
	if now.Sub(t.windowStart) >= dailyWindow {
		t.tokensUsed = 0
		t.windowStart = now
	}
}

// SetTier assigns or changes a tenant's tier, resetting its limits to
// the new tier's defaults. Concurrency and usage counters are preserved.
func (e *Enforcer) SetTier(tenantID string, tier Tier) {
	t := e.getOrCreate(tenantID, tier)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tier = tier
	t.limits = DefaultLimits(tier)
}

// Admit checks the tenant's concurrent-in-flight and daily-token limits,
// incrementing the concurrency counter on success. Callers must call
// Release exactly once for every successful Admit.
func (e *Enforcer) Admit(tenantID string, tier Tier) error {
	t := e.getOrCreate(tenantID, tier)
	t.mu.Lock()
	defer t.mu.Unlock()
	e.rollWindowLocked(t)

	if t.concurrent >= t.limits.MaxConcurrent {
		return aimesh.New(aimesh.CodeTenantQuotaExceeded, "tenant concurrent request limit reached")
	}
	if t.tokensUsed >= t.limits.MaxTokensPerDay {
		return aimesh.New(aimesh.CodeBudgetExceeded, "tenant daily token quota exhausted")
	}
	t.concurrent++
	return nil
}

// Release decrements the concurrent-in-flight counter. Safe to call from
// a defer paired with a successful Admit.
func (e *Enforcer) Release(tenantID string) {
	e.mu.RLock()
	t, ok := e.tenants[tenantID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.concurrent > 0 {
		t.concurrent--
	}
}

// RecordCommit decrements the tenant's remaining daily token allowance by
// tokensUsed, per spec.md §4.5 ("decremented at commit time").
func (e *Enforcer) RecordCommit(tenantID string, tokensUsed int64) {
	e.mu.RLock()
	t, ok := e.tenants[tenantID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e.rollWindowLocked(t)
	t.tokensUsed += tokensUsed
}

// ResetDaily force-zeroes a tenant's daily token usage counter and
// restarts its rolling window immediately, for admin use outside the
// automatic rollWindowLocked check every Admit/RecordCommit performs.
func (e *Enforcer) ResetDaily(tenantID string) {
	e.mu.RLock()
	t, ok := e.tenants[tenantID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokensUsed = 0
	t.windowStart = e.clk.Now()
}

// Snapshot describes one tenant's quota state, for admin surfaces.
type Snapshot struct {
	TenantID        string
	Tier            Tier
	Concurrent      int64
	MaxConcurrent   int64
	TokensUsedToday int64
	MaxTokensPerDay int64
}

// Get returns a point-in-time snapshot of a tenant's quota state.
func (e *Enforcer) Get(tenantID string) (Snapshot, bool) {
	e.mu.RLock()
	t, ok := e.tenants[tenantID]
	e.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e.rollWindowLocked(t)
	return Snapshot{
		TenantID:        tenantID,
		Tier:            t.tier,
		Concurrent:      t.concurrent,
		MaxConcurrent:   t.limits.MaxConcurrent,
		TokensUsedToday: t.tokensUsed,
		MaxTokensPerDay: t.limits.MaxTokensPerDay,
	}, true
}
