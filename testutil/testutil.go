// Package testutil provides small test-only helpers shared across this
// module's package tests.
//
// Adapted from the teacher's testing/testutils.Utils: the zaptest-backed
// logger helper and the condition-polling helper are kept, trimmed of
// the teacher's provider-wire-format test fixtures (TestData/TestConfig/
// MockHTTPResponse), which have no analog once there is no concrete
// provider wire format to fixture against.
package testutil

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Logger creates a sugared logger that writes to the test's own log
// output, so assertions about logged events can ride along with t.Log.
func Logger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

// WaitForCondition polls condition until it returns true or timeout
// elapses, failing the test on timeout. Useful for asserting eventual
// state in concurrency tests (worker pools, sweep goroutines) without a
// fixed sleep.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("condition not met within timeout: %s", message)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}
