// Package budget implements the Budget Ledger (spec.md §4.3): atomic
// per-agent token accounting with reserve/commit/refund, an EMA
// consumption-rate estimate, and panic-safe reservation release.
//
// Grounded on other_examples/f06574ab_andreimerfu-pllm (async budget
// enforcement: reserve-then-settle against a per-entity balance) and on
// the EMA-update idiom in cost/cost.go's per-model rate tables, retargeted
// here from dollar pricing to an opaque token balance.
package budget

import (
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/aimesh/aimesh"
)

// emaAlpha is the smoothing factor for consumption_rate, per spec.md §4.3.
const emaAlpha = 0.2

type account struct {
	agentID         string
	initialTokens   int64
	remainingTokens int64
	reservedTotal   int64
	consumptionRate float64
	resetAt         int64
	lastCommitAt    int64
	hasCommitted    bool
	mutex           sync.Mutex
}

// Ledger is the concurrency-safe per-agent token budget store.
type Ledger struct {
	mutex    sync.RWMutex
	accounts map[string]*account
	handles  map[uint64]*reservation
	nextID   uint64
	clock    clock.Clock
}

type reservation struct {
	agentID  string
	amount   int64
	settled  bool
	mutex    sync.Mutex
}

// Handle is an opaque token identifying one outstanding reservation. It is
// invalidated by its first Commit or Refund call.
type Handle uint64

// New creates an empty Ledger using the real wall clock.
func New() *Ledger {
	return NewWithClock(clock.New())
}

// NewWithClock creates a Ledger using the given clock (for deterministic tests).
func NewWithClock(clk clock.Clock) *Ledger {
	return &Ledger{
		accounts: make(map[string]*account),
		handles:  make(map[uint64]*reservation),
		clock:    clk,
	}
}

func (l *Ledger) getOrCreate(agentID string) *account {
	l.mutex.RLock()
	a, ok := l.accounts[agentID]
	l.mutex.RUnlock()
	if ok {
		return a
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	if a, ok := l.accounts[agentID]; ok {
		return a
	}
	a = &account{agentID: agentID}
	l.accounts[agentID] = a
	return a
}

// Set initializes or replaces an agent's budget (spec.md §4.3 `set`).
// remaining_tokens is initialized to initial_tokens whatever reset_at is;
// reset_at is stored and reported by Get, and the ledger never resets an
// account on its own when reset_at passes.
func (l *Ledger) Set(agentID string, initialTokens int64, resetAt int64) {
	a := l.getOrCreate(agentID)
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.initialTokens = initialTokens
	a.remainingTokens = initialTokens
	a.reservedTotal = 0
	a.resetAt = resetAt
	a.consumptionRate = 0
	a.lastCommitAt = 0
	a.hasCommitted = false
}

// Reserve atomically decrements remaining_tokens by amount if sufficient
// balance exists, returning a Handle that must later be settled by Commit
// or Refund.
func (l *Ledger) Reserve(agentID string, amount int64) (Handle, error) {
	a := l.getOrCreate(agentID)
	a.mutex.Lock()
	if a.remainingTokens < amount {
		a.mutex.Unlock()
		return 0, aimesh.New(aimesh.CodeBudgetExceeded, "insufficient remaining budget")
	}
	a.remainingTokens -= amount
	a.reservedTotal += amount
	a.mutex.Unlock()

	l.mutex.Lock()
	l.nextID++
	id := l.nextID
	l.handles[id] = &reservation{agentID: agentID, amount: amount}
	l.mutex.Unlock()

	return Handle(id), nil
}

func (l *Ledger) takeReservation(h Handle) (*reservation, error) {
	l.mutex.Lock()
	r, ok := l.handles[uint64(h)]
	l.mutex.Unlock()
	if !ok {
		return nil, aimesh.New(aimesh.CodeInvalidHandle, "unknown or already-settled reservation handle")
	}

	r.mutex.Lock()
	if r.settled {
		r.mutex.Unlock()
		return nil, aimesh.New(aimesh.CodeInvalidHandle, "reservation handle already settled")
	}
	r.settled = true
	r.mutex.Unlock()

	return r, nil
}

// Commit settles a reservation against the actual tokens charged. If
// actual < reserved the unused portion is returned to remaining_tokens;
// if actual > reserved the overrun is charged anyway without blocking
// (spec.md §4.3). consumption_rate is updated with an EMA against elapsed
// wall time since the account's previous commit.
func (l *Ledger) Commit(h Handle, actualTokens int64) error {
	r, err := l.takeReservation(h)
	if err != nil {
		return err
	}

	a := l.getOrCreate(r.agentID)
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.reservedTotal -= r.amount
	if actualTokens < r.amount {
		a.remainingTokens += r.amount - actualTokens
	} else if actualTokens > r.amount {
		overrun := actualTokens - r.amount
		a.remainingTokens -= overrun
		if a.remainingTokens < 0 {
			a.remainingTokens = 0
		}
	}

	now := l.clock.Now().UnixNano()
	if !a.hasCommitted {
		a.consumptionRate = 0
		a.hasCommitted = true
	} else {
		elapsedSec := float64(now-a.lastCommitAt) / 1e9
		if elapsedSec > 0 {
			instantaneous := float64(actualTokens) / elapsedSec
			a.consumptionRate = emaAlpha*instantaneous + (1-emaAlpha)*a.consumptionRate
		}
	}
	a.lastCommitAt = now

	return nil
}

// Refund returns the full reservation amount to remaining_tokens. Used on
// any hard failure path before dispatch succeeded, including panic
// recovery via ReservationGuard.
func (l *Ledger) Refund(h Handle) error {
	r, err := l.takeReservation(h)
	if err != nil {
		return err
	}

	a := l.getOrCreate(r.agentID)
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.reservedTotal -= r.amount
	a.remainingTokens += r.amount

	return nil
}

// Get returns a point-in-time view of an agent's budget.
func (l *Ledger) Get(agentID string) aimesh.BudgetInfo {
	a := l.getOrCreate(agentID)
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return aimesh.BudgetInfo{
		AgentID:         agentID,
		InitialTokens:   a.initialTokens,
		RemainingTokens: a.remainingTokens,
		ConsumptionRate: a.consumptionRate,
		ResetAt:         a.resetAt,
	}
}

// Reset restores remaining_tokens to initial_tokens (outstanding
// reservations are left untouched; they settle against the pre-reset
// balance accounting as usual).
func (l *Ledger) Reset(agentID string) {
	a := l.getOrCreate(agentID)
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.remainingTokens = a.initialTokens
}

// ReservationGuard holds a Handle and refunds it on Close unless Commit
// was already called, giving callers a defer-based guarantee of release
// on any exit path (including a recovered panic), per spec.md §9.
type ReservationGuard struct {
	ledger    *Ledger
	handle    Handle
	committed bool
}

// Guard wraps a freshly reserved Handle in a ReservationGuard.
func (l *Ledger) Guard(h Handle) *ReservationGuard {
	return &ReservationGuard{ledger: l, handle: h}
}

// Commit settles the guarded reservation and marks it so Close is a no-op.
func (g *ReservationGuard) Commit(actualTokens int64) error {
	if g.committed {
		return aimesh.New(aimesh.CodeInvalidHandle, "reservation already settled by this guard")
	}
	g.committed = true
	return g.ledger.Commit(g.handle, actualTokens)
}

// Close refunds the guarded reservation unless Commit already ran. Safe to
// call unconditionally in a defer.
func (g *ReservationGuard) Close() error {
	if g.committed {
		return nil
	}
	g.committed = true
	return g.ledger.Refund(g.handle)
}
