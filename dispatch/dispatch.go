// Package dispatch implements the per-message state machine (spec.md
// §4.8): Received -> Validated -> Admitted -> DedupChecked -> Reserved
// -> Routed -> Queued -> Executing -> Settled -> Acked, wiring the
// registry, router, budget ledger, dedup cache, rate limiter, tenant
// quota enforcer, scheduler and orchestrator into one submission
// interface: submit(Message) -> Acknowledgment | Error (spec.md §6).
//
// Adapted from the teacher's ModelProxy.generateChatCompletion: the
// same "check cache first, then walk candidate endpoints trying each
// until one succeeds" shape is kept and generalized from the teacher's
// model-identifier/endpoint-list walk to the authoritative router's
// primary+fallback decision and the spec's dedup/budget/tenant stages
// layered around it.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/aimesh/aimesh"
	"github.com/aimesh/aimesh/budget"
	"github.com/aimesh/aimesh/dedup"
	"github.com/aimesh/aimesh/executor"
	"github.com/aimesh/aimesh/metrics"
	"github.com/aimesh/aimesh/orchestrator"
	"github.com/aimesh/aimesh/ratelimit"
	"github.com/aimesh/aimesh/registry"
	"github.com/aimesh/aimesh/routing"
	"github.com/aimesh/aimesh/scheduler"
	"github.com/aimesh/aimesh/tenancy"
)

// MaxFallbackAttempts bounds how many fallback endpoints one message will
// try after its primary before giving up (so at most MaxFallbackAttempts+1
// endpoints in all), per spec.md §4.8.
const MaxFallbackAttempts = 3

// TenantResolver maps a message's agent to its tenant and tier for quota
// enforcement. A nil TenantResolver disables tenant quota checks.
type TenantResolver func(agentID string) (tenantID string, tier tenancy.Tier, ok bool)

// pendingDispatch tracks the in-flight bookkeeping a single message
// carries between its Queued and Acked states.
type pendingDispatch struct {
	msg      *aimesh.Message
	ack      chan aimesh.Acknowledgment
	guard    *budget.ReservationGuard
	dedupKey [32]byte
	hasDedup bool
}

// Engine wires every AiMesh subsystem behind the single submission
// interface consumed by the transport layer.
type Engine struct {
	registry   *registry.Registry
	router     *routing.Router
	ledger     *budget.Ledger
	dedupCache *dedup.Cache
	limiter    *ratelimit.Limiter
	tenants    *tenancy.Enforcer
	sched      *scheduler.Scheduler
	orch       *orchestrator.Orchestrator
	exec       executor.Executor
	metrics    *metrics.Sink
	logger     *zap.SugaredLogger
	tenantOf   TenantResolver
	tracer     trace.Tracer
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingDispatch
	waiters map[string]chan orchestrator.GatherResult
}

// Config gathers the constructed subsystems into an Engine. The
// scheduler is built internally (rather than passed in pre-built) since
// its Handler and DeadlineRefunder callbacks close over the Engine
// itself; SchedulerConfig configures its queue capacity and pool size.
type Config struct {
	Registry        *registry.Registry
	Router          *routing.Router
	Budget          *budget.Ledger
	Dedup           *dedup.Cache
	RateLimiter     *ratelimit.Limiter
	Tenancy         *tenancy.Enforcer
	SchedulerConfig scheduler.Config
	Executor        executor.Executor
	Metrics         *metrics.Sink
	Logger          *zap.SugaredLogger
	TenantOf        TenantResolver
	// Tracer is optional; a nil Tracer disables span creation.
	Tracer trace.Tracer
}

// New builds an Engine, wires the orchestrator's promote/refund callbacks
// and the scheduler's dispatch handler, and returns it ready for Start.
func New(cfg Config) *Engine {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("aimesh/dispatch")
	}

	e := &Engine{
		registry:   cfg.Registry,
		router:     cfg.Router,
		ledger:     cfg.Budget,
		dedupCache: cfg.Dedup,
		limiter:    cfg.RateLimiter,
		tenants:    cfg.Tenancy,
		exec:       cfg.Executor,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		tenantOf:   cfg.TenantOf,
		tracer:     tracer,
		now:        time.Now,
		pending:    make(map[string]*pendingDispatch),
		waiters:    make(map[string]chan orchestrator.GatherResult),
	}

	e.sched = scheduler.New(cfg.SchedulerConfig, e.Dispatch, e.HandleDeadlineDrop, cfg.Logger)

	e.orch = orchestrator.New(
		func(msg *aimesh.Message) { e.enqueue(msg) },
		func(msg *aimesh.Message) { e.cascadeRefund(msg) },
		cfg.Logger,
	)

	return e
}

// Start launches the underlying scheduler's worker pool.
func (e *Engine) Start() { e.sched.Start() }

// Stop shuts the underlying scheduler down.
func (e *Engine) Stop() { e.sched.Stop() }

// Submit implements the submission interface from spec.md §6: it runs a
// message through Validated -> Admitted -> DedupChecked -> Reserved, then
// either (task-graph message) defers to the orchestrator or (plain
// message) enqueues straight to the scheduler, and blocks for the
// resulting Acknowledgment.
func (e *Engine) Submit(msg *aimesh.Message) (aimesh.Acknowledgment, error) {
	ctx, span := e.tracer.Start(context.Background(), "dispatch.submit",
		trace.WithAttributes(
			attribute.String("aimesh.message_id", msg.MessageID),
			attribute.String("aimesh.trace_id", msg.TraceID),
			attribute.String("aimesh.agent_id", msg.AgentID),
		),
	)
	defer span.End()

	ack, err := e.submit(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ack, err
}

// submit carries out the body of Submit under the span opened above.
func (e *Engine) submit(ctx context.Context, msg *aimesh.Message) (aimesh.Acknowledgment, error) {
	now := e.now()

	// Received -> Validated
	if err := msg.Validate(now); err != nil {
		return aimesh.Acknowledgment{}, e.countFailure(err)
	}

	var tenantID string
	var tier tenancy.Tier
	var hasTenant bool
	if e.tenantOf != nil {
		tenantID, tier, hasTenant = e.tenantOf(msg.AgentID)
	}

	// Validated -> Admitted: rate limit then tenant quota.
	if e.limiter != nil {
		if err := e.limiter.Allow(msg.AgentID); err != nil {
			return aimesh.Acknowledgment{}, e.countFailure(err)
		}
	}
	if hasTenant && e.tenants != nil {
		if err := e.tenants.Admit(tenantID, tier); err != nil {
			return aimesh.Acknowledgment{}, e.countFailure(err)
		}
		defer e.tenants.Release(tenantID)
	}

	// Admitted -> DedupChecked
	var dedupKey [32]byte
	hasDedup := msg.DedupContext != ""
	if hasDedup {
		dedupKey = dedup.Key(msg.Payload, msg.DedupContext)
		outcome, ack, done := e.dedupCache.LookupOrReserve(dedupKey)
		switch outcome {
		case dedup.Hit:
			return *ack, nil
		case dedup.Wait:
			ack, err := e.dedupCache.Wait(dedupKey, done)
			if err != nil {
				return aimesh.Acknowledgment{}, e.countFailure(err)
			}
			return ack, nil
		}
		// Owner falls through to Reserved.
	}

	// DedupChecked -> Reserved
	handle, err := e.ledger.Reserve(msg.AgentID, msg.BudgetTokens)
	if err != nil {
		if hasDedup {
			e.dedupCache.Abandon(dedupKey, err)
		}
		return aimesh.Acknowledgment{}, e.countFailure(err)
	}
	guard := e.ledger.Guard(handle)

	p := &pendingDispatch{
		msg:      msg,
		ack:      make(chan aimesh.Acknowledgment, 1),
		guard:    guard,
		dedupKey: dedupKey,
		hasDedup: hasDedup,
	}
	e.mu.Lock()
	e.pending[msg.MessageID] = p
	e.mu.Unlock()

	if msg.TaskGraphID != "" {
		if err := e.orch.Submit(msg); err != nil {
			e.mu.Lock()
			delete(e.pending, msg.MessageID)
			e.mu.Unlock()
			guard.Close()
			if hasDedup {
				e.dedupCache.Abandon(dedupKey, err)
			}
			return aimesh.Acknowledgment{}, e.countFailure(err)
		}
	} else {
		e.enqueue(msg)
	}

	ack := <-p.ack
	return ack, nil
}

// WaitForGraph blocks for the combined gathered result of a task graph
// (the transport layer's "graph-wait endpoint" named in spec.md §4.7).
func (e *Engine) WaitForGraph(graphID string) <-chan orchestrator.GatherResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.waiters[graphID]
	if !ok {
		ch = make(chan orchestrator.GatherResult, 1)
		e.waiters[graphID] = ch
	}
	return ch
}

func (e *Engine) countFailure(err error) error {
	aerr := aimesh.AsError(err)
	if e.metrics != nil {
		e.metrics.RecordError(string(aerr.Code))
		e.metrics.RecordDispatch(string(aimesh.StatusFailed))
	}
	return aerr
}

func (e *Engine) getPending(messageID string) *pendingDispatch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending[messageID]
}

// enqueue hands a dependency-satisfied (or dependency-free) message to
// the scheduler: the Reserved -> Queued transition (routing happens
// later, in Dispatch, once a worker dequeues the item). A QueueFull
// rejection settles the message as a failure and refunds.
func (e *Engine) enqueue(msg *aimesh.Message) {
	p := e.getPending(msg.MessageID)
	if p == nil {
		return
	}
	item := scheduler.Item{Message: msg, EnqueuedAt: e.now(), Handle: p}
	if err := e.sched.Enqueue(item); err != nil {
		e.refundAndSettle(msg, aimesh.Acknowledgment{Status: aimesh.StatusFailed, Error: err.Error()})
		return
	}
}

// cascadeRefund is the orchestrator's refund callback for a pending
// message that cascade-fails because an upstream dependency in its task
// graph failed. By the time this runs, the orchestrator has already
// recorded msg's terminal outcome in its own bookkeeping while holding
// the graph's lock, so this must close out the reservation and wake the
// blocked Submit call WITHOUT calling back into orch.Ack: that would
// re-enter the graph's non-reentrant mutex from the same goroutine.
func (e *Engine) cascadeRefund(msg *aimesh.Message) {
	p := e.getPending(msg.MessageID)
	if p != nil && p.guard != nil {
		p.guard.Close()
	}
	e.finishPending(msg, aimesh.Acknowledgment{Status: aimesh.StatusFailed, Error: "dependency_failed"})
}

func (e *Engine) refundAndSettle(msg *aimesh.Message, ack aimesh.Acknowledgment) {
	p := e.getPending(msg.MessageID)
	if p != nil && p.guard != nil {
		p.guard.Close()
	}
	e.settle(msg, ack)
}

// HandleDeadlineDrop is the scheduler's DeadlineRefunder: an item dropped
// at dequeue time because its deadline already elapsed.
func (e *Engine) HandleDeadlineDrop(item scheduler.Item) {
	e.refundAndSettle(item.Message, aimesh.Acknowledgment{Status: aimesh.StatusFailed, Error: "deadline exceeded at dequeue"})
}

// settle finalizes a message's terminal Acknowledgment: reports it to
// the orchestrator (gathering the graph if complete), then hands off to
// finishPending for the bookkeeping common to every settlement path.
// Callers that already know the orchestrator has recorded this message's
// outcome (cascadeRefund) must call finishPending directly instead.
func (e *Engine) settle(msg *aimesh.Message, ack aimesh.Acknowledgment) {
	ack.OriginalMessageID = msg.MessageID

	if msg.TaskGraphID != "" {
		if result := e.orch.Ack(msg.TaskGraphID, msg.MessageID, ack); result != nil {
			e.mu.Lock()
			if ch, ok := e.waiters[msg.TaskGraphID]; ok {
				ch <- *result
			}
			e.mu.Unlock()
		}
	}

	e.finishPending(msg, ack)
}

// finishPending removes msg's entry from the pending map, memoizes or
// abandons its dedup reservation, records dispatch metrics, and wakes
// the Submit call blocked on it. Split out of settle so cascadeRefund
// can finish a cascade-failed message without re-entering orch.Ack.
func (e *Engine) finishPending(msg *aimesh.Message, ack aimesh.Acknowledgment) {
	ack.OriginalMessageID = msg.MessageID

	e.mu.Lock()
	p, ok := e.pending[msg.MessageID]
	delete(e.pending, msg.MessageID)
	e.mu.Unlock()

	if ok && p.hasDedup {
		if ack.Status == aimesh.StatusSuccess {
			e.dedupCache.Complete(p.dedupKey, ack, 0) // 0: use the cache's own configured TTL
		} else {
			e.dedupCache.Abandon(p.dedupKey, aimesh.New(aimesh.CodeEndpointFailure, ack.Error))
		}
	}

	if e.metrics != nil {
		e.metrics.RecordDispatch(string(ack.Status))
	}

	if ok {
		p.ack <- ack
	}
}

// Dispatch is the scheduler's Handler: it performs Queued -> Routed -> Executing ->
// Settled, including the fallback-chain loop over the router's primary
// and fallback endpoint candidates. Exported so Engine can be wired
// directly as the scheduler's Handler.
func (e *Engine) Dispatch(ctx context.Context, item scheduler.Item) {
	msg := item.Message
	p, _ := item.Handle.(*pendingDispatch)
	var guard *budget.ReservationGuard
	if p != nil {
		guard = p.guard
	}

	decision, err := e.router.Select(msg)
	if err != nil {
		if guard != nil {
			guard.Close()
		}
		e.settle(msg, aimesh.Acknowledgment{Status: aimesh.StatusFailed, Error: err.Error()})
		return
	}

	candidates := append([]string{decision.TargetEndpoint}, decision.FallbackEndpoints...)
	if len(candidates) > MaxFallbackAttempts+1 {
		candidates = candidates[:MaxFallbackAttempts+1]
	}

	var lastErr error
	for i, endpointID := range candidates {
		if i > 0 && msg.DeadlineMs != 0 && e.now().UnixMilli() >= msg.DeadlineMs {
			lastErr = aimesh.New(aimesh.CodeDeadlineExceeded, "deadline exceeded before fallback attempt")
			break
		}
		start := e.now()
		e.registry.AdjustLoad(endpointID, 1)
		timeout := executor.AttemptTimeout(msg.DeadlineMs, e.now())
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, execErr := e.exec.Execute(attemptCtx, endpointID, msg.Payload, msg.BudgetTokens, msg.DeadlineMs)
		cancel()
		e.registry.AdjustLoad(endpointID, -1)

		elapsed := e.now().Sub(start).Seconds()
		if execErr != nil {
			lastErr = execErr
			if e.metrics != nil {
				e.metrics.ObserveLatency(endpointID, "fallback", elapsed)
			}
			if i < len(candidates)-1 {
				continue
			}
			break
		}

		if e.metrics != nil {
			e.metrics.ObserveLatency(endpointID, "success", elapsed)
		}

		ack := aimesh.Acknowledgment{
			Status:              aimesh.StatusSuccess,
			TokensUsed:          result.TokensUsed,
			ProcessingLatencyMs: result.LatencyMs,
			Result:              result.ResultBytes,
		}
		if guard != nil {
			guard.Commit(result.TokensUsed)
		}
		if e.tenantOf != nil {
			if tenantID, _, ok := e.tenantOf(msg.AgentID); ok {
				e.tenants.RecordCommit(tenantID, result.TokensUsed)
			}
		}
		e.settle(msg, ack)
		return
	}

	// Fallback exhausted: refund unused reservation, fail.
	if guard != nil {
		guard.Close()
	}
	e.settle(msg, aimesh.Acknowledgment{
		Status: aimesh.StatusFailed,
		Error:  executor.AsEndpointFailure(lastErr).Error(),
	})
}
