package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimesh/aimesh"
)

func newTestMessage(id string, priority int) *aimesh.Message {
	return &aimesh.Message{MessageID: id, Priority: priority, BudgetTokens: 100}
}

func TestEnqueueRoutesToCorrectClass(t *testing.T) {
	s := New(Config{QueueCapacity: 10, Workers: 1}, func(ctx context.Context, item Item) {}, nil, nil)
	require.NoError(t, s.Enqueue(Item{Message: newTestMessage("h1", 90)}))
	require.NoError(t, s.Enqueue(Item{Message: newTestMessage("n1", 50)}))
	require.NoError(t, s.Enqueue(Item{Message: newTestMessage("l1", 5)}))

	high, normal, low := s.Depths()
	assert.Equal(t, 1, high)
	assert.Equal(t, 1, normal)
	assert.Equal(t, 1, low)
}

func TestEnqueueReturnsQueueFullWhenSaturated(t *testing.T) {
	s := New(Config{QueueCapacity: 1, Workers: 1}, func(ctx context.Context, item Item) {}, nil, nil)
	require.NoError(t, s.Enqueue(Item{Message: newTestMessage("h1", 90)}))

	err := s.Enqueue(Item{Message: newTestMessage("h2", 90)})
	require.Error(t, err)
	assert.Equal(t, aimesh.CodeQueueFull, aimesh.AsError(err).Code)
}

func TestHighDequeuedBeforeNormalAndLow(t *testing.T) {
	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	var count int
	s := New(Config{QueueCapacity: 10, Workers: 1}, func(ctx context.Context, item Item) {
		mu.Lock()
		order = append(order, item.Message.MessageID)
		count++
		if count == 3 {
			close(done)
		}
		mu.Unlock()
	}, nil, nil)

	require.NoError(t, s.Enqueue(Item{Message: newTestMessage("low", 5)}))
	require.NoError(t, s.Enqueue(Item{Message: newTestMessage("normal", 50)}))
	require.NoError(t, s.Enqueue(Item{Message: newTestMessage("high", 90)}))

	s.Start()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for items to drain")
	}
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "normal", "low"}, order)
}

func TestDeadlinePassedItemIsDroppedAndRefunded(t *testing.T) {
	refunded := make(chan Item, 1)
	processed := make(chan Item, 1)

	s := New(Config{QueueCapacity: 10, Workers: 1}, func(ctx context.Context, item Item) {
		processed <- item
	}, func(item Item) {
		refunded <- item
	}, nil)

	past := time.Now().Add(-time.Minute).UnixMilli()
	msg := newTestMessage("expired", 50)
	msg.DeadlineMs = past

	require.NoError(t, s.Enqueue(Item{Message: msg}))
	s.Start()

	select {
	case item := <-refunded:
		assert.Equal(t, "expired", item.Message.MessageID)
	case <-processed:
		t.Fatal("expired item should not have been dispatched to the handler")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for refund")
	}
	s.Stop()
}

// Soft anti-starvation rule: every 10th dequeue prefers Low if non-empty,
// even while High keeps being replenished.
func TestEveryTenthDequeuePrefersLow(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var count int
	total := 20
	done := make(chan struct{})

	s := New(Config{QueueCapacity: 100, Workers: 1}, func(ctx context.Context, item Item) {
		mu.Lock()
		order = append(order, item.Message.MessageID)
		count++
		if count == total {
			close(done)
		}
		mu.Unlock()
	}, nil, nil)

	// Seed one Low item up front; keep High saturated throughout.
	require.NoError(t, s.Enqueue(Item{Message: newTestMessage("low-1", 5)}))
	for i := 0; i < total; i++ {
		require.NoError(t, s.Enqueue(Item{Message: newTestMessage("high", 90)}))
	}

	s.Start()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, order[:10], "low-1")
}
