// Package orchestrator implements the scatter-gather task graph (spec.md
// §4.7): messages that carry a task_graph_id are held until their
// dependencies complete, promoted to the scheduler once satisfied, and
// their outcomes are cascaded and gathered into one combined result.
//
// Grounded directly on other_examples/.../dag_scheduler.go's Kahn's-
// algorithm in-degree tracking (graph map of upstream->downstreams, an
// inDegree counter per node, promotion when inDegree hits zero) and its
// BFS cascadeSkip routine, adapted from "skip on panic" to "fail and
// refund on dependency failure".
package orchestrator

import (
	"sync"

	"go.uber.org/zap"

	"github.com/aimesh/aimesh"
)

// Promoter is called when a message's dependencies are satisfied and it
// should be handed to the scheduler for dispatch.
type Promoter func(msg *aimesh.Message)

// Refunder is called to release a pending message's budget reservation
// when it is cascade-failed without ever having been dispatched.
type Refunder func(msg *aimesh.Message)

type outcome struct {
	messageID string
	status    aimesh.AckStatus
	ack       aimesh.Acknowledgment
	reason    string
}

type graphState struct {
	mu sync.Mutex

	order     []string // submission order, for the gathered result
	messages  map[string]*aimesh.Message
	graph     map[string][]string // upstream -> downstream message IDs
	remaining map[string]int      // message ID -> unmet dependency count

	pending   map[string]bool
	inFlight  map[string]bool
	completed map[string]bool
	failed    map[string]bool

	outcomes map[string]outcome
	waiters  []chan GatherResult
}

// GatherResult is the combined outcome of every message in a task graph,
// in submission order.
type GatherResult struct {
	TaskGraphID string
	Outcomes    []MessageOutcome
}

// MessageOutcome is one message's terminal state within a gathered graph.
type MessageOutcome struct {
	MessageID string
	Status    aimesh.AckStatus
	Ack       aimesh.Acknowledgment
	Reason    string
}

// Orchestrator tracks one or more in-flight task graphs.
type Orchestrator struct {
	mu       sync.Mutex
	graphs   map[string]*graphState
	promote  Promoter
	refund   Refunder
	logger   *zap.SugaredLogger
}

// New creates an Orchestrator. promote is invoked whenever a message's
// dependencies become satisfied; refund is invoked when a pending
// message is cascade-failed without ever being dispatched.
func New(promote Promoter, refund Refunder, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		graphs:  make(map[string]*graphState),
		promote: promote,
		refund:  refund,
		logger:  logger,
	}
}

func (o *Orchestrator) getOrCreateGraph(graphID string) *graphState {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.graphs[graphID]
	if !ok {
		g = &graphState{
			messages:  make(map[string]*aimesh.Message),
			graph:     make(map[string][]string),
			remaining: make(map[string]int),
			pending:   make(map[string]bool),
			inFlight:  make(map[string]bool),
			completed: make(map[string]bool),
			failed:    make(map[string]bool),
			outcomes:  make(map[string]outcome),
		}
		o.graphs[graphID] = g
	}
	return g
}

// Submit admits msg into its task graph. If its dependencies are already
// satisfied it is promoted immediately; otherwise it waits in pending.
// A dependency on itself, or a dependency edge that closes a cycle with
// the messages submitted so far, is rejected with CycleDetected; a
// message_id already present in the graph returns InvalidDependencies.
func (o *Orchestrator) Submit(msg *aimesh.Message) error {
	g := o.getOrCreateGraph(msg.TaskGraphID)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.messages[msg.MessageID]; exists {
		return aimesh.New(aimesh.CodeInvalidDependencies, "duplicate message_id within task graph")
	}

	g.messages[msg.MessageID] = msg
	g.order = append(g.order, msg.MessageID)

	unmet := 0
	for _, dep := range msg.Dependencies {
		if g.completed[dep] {
			continue
		}
		if dep == msg.MessageID {
			return aimesh.New(aimesh.CodeCycleDetected, "message depends on itself")
		}
		g.graph[dep] = append(g.graph[dep], msg.MessageID)
		unmet++
	}

	if cyclic(g) {
		return aimesh.New(aimesh.CodeCycleDetected, "dependency cycle detected in task graph")
	}

	g.remaining[msg.MessageID] = unmet
	if unmet == 0 {
		g.inFlight[msg.MessageID] = true
		if o.promote != nil {
			o.promote(msg)
		}
	} else {
		g.pending[msg.MessageID] = true
	}
	return nil
}

// cyclic performs a Kahn's-algorithm check over every dependency edge
// recorded so far: in-degrees are counted from the edges, nodes with no
// incoming edge are peeled off in topological order, and if nodes remain
// once the peeling is exhausted, a cycle exists.
func cyclic(g *graphState) bool {
	remaining := make(map[string]int)
	for upstream, downstreams := range g.graph {
		if _, ok := remaining[upstream]; !ok {
			remaining[upstream] = 0
		}
		for _, downstream := range downstreams {
			remaining[downstream]++
		}
	}

	queue := make([]string, 0)
	for id, n := range remaining {
		if n == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		visited++
		for _, downstream := range g.graph[curr] {
			remaining[downstream]--
			if remaining[downstream] == 0 {
				queue = append(queue, downstream)
			}
		}
	}

	return visited < len(remaining)
}

// Ack records a terminal outcome for a previously-submitted message,
// promoting newly-satisfied dependents on success or cascading failure
// to transitively-dependent pending messages on failure.
func (o *Orchestrator) Ack(graphID, messageID string, ack aimesh.Acknowledgment) *GatherResult {
	g := o.getOrCreateGraph(graphID)

	g.mu.Lock()
	delete(g.inFlight, messageID)

	if ack.Status == aimesh.StatusSuccess {
		g.completed[messageID] = true
		g.outcomes[messageID] = outcome{messageID: messageID, status: aimesh.StatusSuccess, ack: ack}
		o.promoteReady(g, messageID)
	} else {
		g.failed[messageID] = true
		g.outcomes[messageID] = outcome{messageID: messageID, status: aimesh.StatusFailed, ack: ack, reason: ack.Error}
		o.cascadeFail(g, messageID)
	}

	var result *GatherResult
	if len(g.pending) == 0 && len(g.inFlight) == 0 {
		result = o.buildResult(graphID, g)
	}
	g.mu.Unlock()

	return result
}

func (o *Orchestrator) promoteReady(g *graphState, completedID string) {
	for _, downstream := range g.graph[completedID] {
		if !g.pending[downstream] {
			continue
		}
		g.remaining[downstream]--
		if g.remaining[downstream] <= 0 {
			delete(g.pending, downstream)
			g.inFlight[downstream] = true
			if o.promote != nil {
				o.promote(g.messages[downstream])
			}
		}
	}
}

// cascadeFail implements the BFS "mark all reachable dependents failed"
// routine the teacher calls cascadeSkip, adapted to refund pending
// messages' budget reservations as they're cascade-failed.
func (o *Orchestrator) cascadeFail(g *graphState, failedID string) {
	queue := []string{failedID}
	visited := make(map[string]bool)

	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		if visited[curr] {
			continue
		}
		visited[curr] = true

		for _, downstream := range g.graph[curr] {
			if !g.pending[downstream] {
				continue
			}
			delete(g.pending, downstream)
			g.failed[downstream] = true
			g.outcomes[downstream] = outcome{
				messageID: downstream,
				status:    aimesh.StatusFailed,
				reason:    "dependency_failed",
			}
			if o.refund != nil {
				o.refund(g.messages[downstream])
			}
			queue = append(queue, downstream)
		}
	}
}

func (o *Orchestrator) buildResult(graphID string, g *graphState) *GatherResult {
	result := &GatherResult{TaskGraphID: graphID}
	for _, id := range g.order {
		oc := g.outcomes[id]
		result.Outcomes = append(result.Outcomes, MessageOutcome{
			MessageID: oc.messageID,
			Status:    oc.status,
			Ack:       oc.ack,
			Reason:    oc.reason,
		})
	}
	return result
}
