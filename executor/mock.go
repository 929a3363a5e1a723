package executor

import (
	"context"
	"sync"
)

// MockExecutor is a test double recording calls and replaying a queued
// sequence of results/errors per endpoint, used by dispatcher tests to
// exercise fallback (spec.md §8 scenario S4) and dedupe coalescing
// (scenario S5) without a real inference backend.
type MockExecutor struct {
	mu        sync.Mutex
	CallCount map[string]int
	queue     map[string][]mockResponse
	Default   Result
}

type mockResponse struct {
	result Result
	err    error
}

// NewMock creates an empty MockExecutor.
func NewMock() *MockExecutor {
	return &MockExecutor{
		CallCount: make(map[string]int),
		queue:     make(map[string][]mockResponse),
		Default:   Result{TokensUsed: 1, LatencyMs: 1},
	}
}

// QueueError enqueues a failure for endpointID's next Execute call.
func (m *MockExecutor) QueueError(endpointID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue[endpointID] = append(m.queue[endpointID], mockResponse{err: err})
}

// QueueResult enqueues a successful result for endpointID's next Execute call.
func (m *MockExecutor) QueueResult(endpointID string, result Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue[endpointID] = append(m.queue[endpointID], mockResponse{result: result})
}

// Execute implements Executor.
func (m *MockExecutor) Execute(ctx context.Context, endpointID string, payload []byte, budgetTokens int64, deadlineMs int64) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount[endpointID]++

	if q := m.queue[endpointID]; len(q) > 0 {
		next := q[0]
		m.queue[endpointID] = q[1:]
		if next.err != nil {
			return Result{}, next.err
		}
		return next.result, nil
	}
	return m.Default, nil
}

// Calls returns how many times Execute was called for endpointID.
func (m *MockExecutor) Calls(endpointID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount[endpointID]
}
