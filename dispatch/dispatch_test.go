package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/aimesh/aimesh"
	"github.com/aimesh/aimesh/budget"
	"github.com/aimesh/aimesh/dedup"
	"github.com/aimesh/aimesh/executor"
	"github.com/aimesh/aimesh/ratelimit"
	"github.com/aimesh/aimesh/registry"
	"github.com/aimesh/aimesh/routing"
	"github.com/aimesh/aimesh/scheduler"
)

func newTestEngine(t *testing.T, exec executor.Executor) (*Engine, *registry.Registry, *budget.Ledger) {
	t.Helper()
	reg := registry.New(nil)
	router := routing.New(reg, nil)
	ledger := budget.New()
	dedupCache := dedup.New(1<<20, time.Minute)
	t.Cleanup(dedupCache.Close)
	limiter := ratelimit.New(ratelimit.Config{PerKeyRatePerSec: 1000, PerKeyBurst: 1000, GlobalRatePerSec: 1000, GlobalBurst: 1000})

	e := New(Config{
		Registry:        reg,
		Router:          router,
		Budget:          ledger,
		Dedup:           dedupCache,
		RateLimiter:     limiter,
		SchedulerConfig: scheduler.Config{QueueCapacity: 100, Workers: 4},
		Executor:        exec,
	})
	e.Start()
	t.Cleanup(e.Stop)
	return e, reg, ledger
}

// S1 — basic success.
func TestSubmitBasicSuccess(t *testing.T) {
	exec := executor.NewMock()
	exec.QueueResult("e1", executor.Result{TokensUsed: 7, LatencyMs: 5})

	e, reg, ledger := newTestEngine(t, exec)
	reg.Register(aimesh.EndpointMetrics{EndpointID: "e1", Capacity: 10, HealthStatus: aimesh.Healthy, CostPer1kTokens: 1, LatencyP99Ms: 100})
	ledger.Set("a1", 1000, 0)

	ack, err := e.Submit(&aimesh.Message{
		AgentID: "a1", MessageID: "m1", Payload: []byte("hi"),
		BudgetTokens: 100, Priority: 50, EstimatedCostTokens: 10,
		DeadlineMs: time.Now().Add(5 * time.Second).UnixMilli(),
	})
	require.NoError(t, err)
	assert.Equal(t, aimesh.StatusSuccess, ack.Status)

	info := ledger.Get("a1")
	assert.Equal(t, int64(993), info.RemainingTokens)
}

// S2 — budget exceeded.
func TestSubmitBudgetExceeded(t *testing.T) {
	exec := executor.NewMock()
	e, reg, ledger := newTestEngine(t, exec)
	reg.Register(aimesh.EndpointMetrics{EndpointID: "e1", Capacity: 10, HealthStatus: aimesh.Healthy})
	ledger.Set("a2", 50, 0)

	_, err := e.Submit(&aimesh.Message{
		AgentID: "a2", MessageID: "m2", BudgetTokens: 100, Priority: 50,
	})
	require.Error(t, err)
	assert.Equal(t, aimesh.CodeBudgetExceeded, aimesh.AsError(err).Code)

	info := ledger.Get("a2")
	assert.Equal(t, int64(50), info.RemainingTokens)
}

// S4 — fallback on execution failure.
func TestSubmitFallbackOnExecutionFailure(t *testing.T) {
	exec := executor.NewMock()
	exec.QueueError("e1", aimesh.New(aimesh.CodeEndpointFailure, "boom"))
	exec.QueueResult("e2", executor.Result{TokensUsed: 5})

	e, reg, ledger := newTestEngine(t, exec)
	reg.Register(aimesh.EndpointMetrics{EndpointID: "e1", Capacity: 10, HealthStatus: aimesh.Healthy, CostPer1kTokens: 1, LatencyP99Ms: 10})
	reg.Register(aimesh.EndpointMetrics{EndpointID: "e2", Capacity: 10, HealthStatus: aimesh.Healthy, CostPer1kTokens: 2, LatencyP99Ms: 10})
	ledger.Set("a1", 1000, 0)

	ack, err := e.Submit(&aimesh.Message{
		AgentID: "a1", MessageID: "m4", BudgetTokens: 100, Priority: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, aimesh.StatusSuccess, ack.Status)
	assert.Equal(t, 1, exec.Calls("e1"))
	assert.Equal(t, 1, exec.Calls("e2"))

	e1, _ := reg.Get("e1")
	e2, _ := reg.Get("e2")
	assert.Equal(t, int64(0), e1.CurrentLoad)
	assert.Equal(t, int64(0), e2.CurrentLoad)
}

// S5 — dedupe coalescing.
func TestSubmitDedupeCoalescesConcurrentIdenticalRequests(t *testing.T) {
	exec := executor.NewMock()
	exec.QueueResult("e1", executor.Result{TokensUsed: 9, ResultBytes: []byte("result")})

	e, reg, ledger := newTestEngine(t, exec)
	reg.Register(aimesh.EndpointMetrics{EndpointID: "e1", Capacity: 10, HealthStatus: aimesh.Healthy})
	ledger.Set("a1", 1000, 0)

	var wg sync.WaitGroup
	acks := make([]aimesh.Acknowledgment, 2)
	for i, id := range []string{"m5a", "m5b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			ack, err := e.Submit(&aimesh.Message{
				AgentID: "a1", MessageID: id, Payload: []byte("same"),
				DedupContext: "ctx", BudgetTokens: 100, Priority: 50,
			})
			require.NoError(t, err)
			acks[i] = ack
		}(i, id)
	}
	wg.Wait()

	assert.Equal(t, 1, exec.Calls("e1"))
	assert.Equal(t, acks[0].Result, acks[1].Result)
	assert.Equal(t, acks[0].Status, acks[1].Status)
}

// S6 — a task graph cascade failure of depth >= 2 settles every
// dependent message (refunding its reservation) through the real
// orchestrator/dispatch wiring, rather than hanging: cascadeRefund must
// not re-enter the graph's lock via settle's orch.Ack call.
func TestSubmitCascadeFailureAcrossTaskGraphDoesNotDeadlock(t *testing.T) {
	exec := executor.NewMock()
	exec.QueueError("e1", aimesh.New(aimesh.CodeEndpointFailure, "root failed"))

	e, reg, ledger := newTestEngine(t, exec)
	reg.Register(aimesh.EndpointMetrics{EndpointID: "e1", Capacity: 10, HealthStatus: aimesh.Healthy})
	ledger.Set("a1", 1000, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	acks := make(map[string]aimesh.Acknowledgment)
	submit := func(msg *aimesh.Message) {
		defer wg.Done()
		ack, err := e.Submit(msg)
		require.NoError(t, err)
		mu.Lock()
		acks[msg.MessageID] = ack
		mu.Unlock()
	}

	wg.Add(3)
	go submit(&aimesh.Message{
		AgentID: "a1", MessageID: "grandchild", TaskGraphID: "g1",
		Dependencies: []string{"child"}, BudgetTokens: 10, Priority: 50,
	})
	go submit(&aimesh.Message{
		AgentID: "a1", MessageID: "child", TaskGraphID: "g1",
		Dependencies: []string{"root"}, BudgetTokens: 10, Priority: 50,
	})
	go submit(&aimesh.Message{
		AgentID: "a1", MessageID: "root", TaskGraphID: "g1",
		BudgetTokens: 10, Priority: 50,
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cascade failure across task graph deadlocked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, aimesh.StatusFailed, acks["root"].Status)
	assert.Equal(t, aimesh.StatusFailed, acks["child"].Status)
	assert.Equal(t, "dependency_failed", acks["child"].Error)
	assert.Equal(t, aimesh.StatusFailed, acks["grandchild"].Status)
	assert.Equal(t, "dependency_failed", acks["grandchild"].Error)

	info := ledger.Get("a1")
	assert.Equal(t, int64(1000), info.RemainingTokens)
}

// Submit records one span per message, tagged with its trace_id, when a
// Tracer is configured.
func TestSubmitRecordsSpanWithTraceID(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	exec := executor.NewMock()
	exec.QueueResult("e1", executor.Result{TokensUsed: 3})

	reg := registry.New(nil)
	router := routing.New(reg, nil)
	ledger := budget.New()
	dedupCache := dedup.New(1<<20, time.Minute)
	defer dedupCache.Close()
	limiter := ratelimit.New(ratelimit.Config{PerKeyRatePerSec: 1000, PerKeyBurst: 1000, GlobalRatePerSec: 1000, GlobalBurst: 1000})

	e := New(Config{
		Registry:        reg,
		Router:          router,
		Budget:          ledger,
		Dedup:           dedupCache,
		RateLimiter:     limiter,
		SchedulerConfig: scheduler.Config{QueueCapacity: 100, Workers: 4},
		Executor:        exec,
		Tracer:          tp.Tracer("test"),
	})
	e.Start()
	defer e.Stop()

	reg.Register(aimesh.EndpointMetrics{EndpointID: "e1", Capacity: 10, HealthStatus: aimesh.Healthy})
	ledger.Set("a1", 1000, 0)

	_, err := e.Submit(&aimesh.Message{
		AgentID: "a1", MessageID: "m6", TraceID: "trace-xyz", BudgetTokens: 100, Priority: 50,
	})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "dispatch.submit", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("aimesh.trace_id", "trace-xyz"))
}
