package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimesh/aimesh"
)

func TestAllowWithinBudget(t *testing.T) {
	l := New(Config{PerKeyRatePerSec: 10, PerKeyBurst: 5, GlobalRatePerSec: 100, GlobalBurst: 100})
	require.NoError(t, l.Allow("agent-1"))
}

func TestAllowDeniesOverBurst(t *testing.T) {
	l := New(Config{PerKeyRatePerSec: 1, PerKeyBurst: 2, GlobalRatePerSec: 1000, GlobalBurst: 1000})

	require.NoError(t, l.Allow("agent-1"))
	require.NoError(t, l.Allow("agent-1"))
	err := l.Allow("agent-1")
	require.Error(t, err)
	assert.Equal(t, aimesh.CodeRateLimited, aimesh.AsError(err).Code)
	assert.Greater(t, aimesh.AsError(err).RetryAfter.Nanoseconds(), int64(0))
}

func TestPerKeyBucketsAreIndependent(t *testing.T) {
	l := New(Config{PerKeyRatePerSec: 1, PerKeyBurst: 1, GlobalRatePerSec: 1000, GlobalBurst: 1000})

	require.NoError(t, l.Allow("agent-1"))
	require.Error(t, l.Allow("agent-1"))
	require.NoError(t, l.Allow("agent-2"))
}

func TestGlobalBucketAppliesAcrossKeys(t *testing.T) {
	l := New(Config{PerKeyRatePerSec: 1000, PerKeyBurst: 1000, GlobalRatePerSec: 1, GlobalBurst: 1})

	require.NoError(t, l.Allow("agent-1"))
	err := l.Allow("agent-2")
	require.Error(t, err)
	assert.Equal(t, aimesh.CodeRateLimited, aimesh.AsError(err).Code)
}

func TestRequestsInWindowCounts(t *testing.T) {
	l := New(Config{PerKeyRatePerSec: 1000, PerKeyBurst: 1000, GlobalRatePerSec: 1000, GlobalBurst: 1000})

	_ = l.Allow("agent-1")
	_ = l.Allow("agent-1")
	_ = l.Allow("agent-1")
	assert.Equal(t, 3, l.RequestsInWindow("agent-1"))
	assert.Equal(t, 0, l.RequestsInWindow("agent-2"))
}
