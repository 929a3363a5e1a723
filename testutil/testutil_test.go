package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitForConditionSucceedsOnceTrue(t *testing.T) {
	var ready int32
	go func() {
		time.Sleep(10 * time.Millisecond)
		atomic.StoreInt32(&ready, 1)
	}()

	WaitForCondition(t, func() bool {
		return atomic.LoadInt32(&ready) == 1
	}, time.Second, "ready flag should flip")
}

func TestLoggerIsUsable(t *testing.T) {
	logger := Logger(t)
	logger.Infow("test log line", "key", "value")
}
