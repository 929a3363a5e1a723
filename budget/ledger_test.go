package budget

import (
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimesh/aimesh"
)

// S1 — basic success: reserve then commit less than reserved returns the
// difference to remaining_tokens.
func TestReserveCommitUnderrun(t *testing.T) {
	l := New()
	l.Set("a1", 1000, 0)

	h, err := l.Reserve("a1", 10)
	require.NoError(t, err)

	require.NoError(t, l.Commit(h, 7))
	info := l.Get("a1")
	assert.Equal(t, int64(993), info.RemainingTokens)
}

// S2 — budget exceeded: reservation never created, no state mutation.
func TestReserveInsufficientBudget(t *testing.T) {
	l := New()
	l.Set("a2", 50, 0)

	_, err := l.Reserve("a2", 100)
	require.Error(t, err)
	assert.Equal(t, aimesh.CodeBudgetExceeded, aimesh.AsError(err).Code)

	info := l.Get("a2")
	assert.Equal(t, int64(50), info.RemainingTokens)
}

// Invariant 8 (spec.md §8): reserve(x); refund() returns remaining_tokens
// to prior value exactly.
func TestReserveRefundRoundTrip(t *testing.T) {
	l := New()
	l.Set("a1", 1000, 0)

	before := l.Get("a1").RemainingTokens
	h, err := l.Reserve("a1", 250)
	require.NoError(t, err)
	require.NoError(t, l.Refund(h))

	after := l.Get("a1").RemainingTokens
	assert.Equal(t, before, after)
}

func TestCommitOverrunChargesExcessWithoutBlocking(t *testing.T) {
	l := New()
	l.Set("a1", 1000, 0)

	h, err := l.Reserve("a1", 10)
	require.NoError(t, err)
	require.NoError(t, l.Commit(h, 15))

	info := l.Get("a1")
	assert.Equal(t, int64(985), info.RemainingTokens)
}

func TestDoubleSettlementIsInvalidHandle(t *testing.T) {
	l := New()
	l.Set("a1", 1000, 0)

	h, err := l.Reserve("a1", 10)
	require.NoError(t, err)
	require.NoError(t, l.Commit(h, 10))

	err = l.Commit(h, 10)
	require.Error(t, err)
	assert.Equal(t, aimesh.CodeInvalidHandle, aimesh.AsError(err).Code)

	// No state change on the failed double-settlement.
	info := l.Get("a1")
	assert.Equal(t, int64(990), info.RemainingTokens)
}

func TestRefundAfterCommitIsInvalidHandle(t *testing.T) {
	l := New()
	l.Set("a1", 1000, 0)
	h, err := l.Reserve("a1", 10)
	require.NoError(t, err)
	require.NoError(t, l.Commit(h, 10))

	err = l.Refund(h)
	require.Error(t, err)
	assert.Equal(t, aimesh.CodeInvalidHandle, aimesh.AsError(err).Code)
}

func TestReset(t *testing.T) {
	l := New()
	l.Set("a1", 1000, 0)
	h, _ := l.Reserve("a1", 500)
	_ = l.Commit(h, 500)

	l.Reset("a1")
	info := l.Get("a1")
	assert.Equal(t, int64(1000), info.RemainingTokens)
}

func TestConsumptionRateEMA(t *testing.T) {
	mock := clock.NewMock()
	l := NewWithClock(mock)
	l.Set("a1", 100000, 0)

	h1, _ := l.Reserve("a1", 100)
	require.NoError(t, l.Commit(h1, 100))

	mock.Add(1_000_000_000) // +1s
	h2, _ := l.Reserve("a1", 200)
	require.NoError(t, l.Commit(h2, 200))

	info := l.Get("a1")
	assert.Greater(t, info.ConsumptionRate, 0.0)
}

func TestReservationGuardRefundsOnClose(t *testing.T) {
	l := New()
	l.Set("a1", 1000, 0)

	func() {
		h, err := l.Reserve("a1", 100)
		require.NoError(t, err)
		g := l.Guard(h)
		defer g.Close()
		// simulate a hard failure before commit: guard refunds on defer.
	}()

	info := l.Get("a1")
	assert.Equal(t, int64(1000), info.RemainingTokens)
}

func TestReservationGuardCommitSuppressesRefund(t *testing.T) {
	l := New()
	l.Set("a1", 1000, 0)

	h, err := l.Reserve("a1", 100)
	require.NoError(t, err)
	g := l.Guard(h)
	require.NoError(t, g.Commit(80))
	require.NoError(t, g.Close()) // no-op, already committed

	info := l.Get("a1")
	assert.Equal(t, int64(920), info.RemainingTokens)
}

// Invariant 1 (spec.md §8): remaining_tokens never negative, and
// concurrent reserves never oversubscribe the balance.
func TestConcurrentReservesNeverOversubscribe(t *testing.T) {
	l := New()
	l.Set("a1", 100, 0)

	var wg sync.WaitGroup
	successes := make(chan struct{}, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve("a1", 1); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	assert.Equal(t, 100, count)

	info := l.Get("a1")
	assert.GreaterOrEqual(t, info.RemainingTokens, int64(0))
}
