// Package executor defines the endpoint executor contract consumed by
// the dispatcher from an external adapter (spec.md §6): execute one
// payload against one endpoint and report tokens used and latency, or
// fail so the dispatcher can fall back to the next endpoint.
//
// Narrowed from the teacher's provider.AiEndpoint interface: that
// interface exposes a dozen provider-SDK-shaped operations (chat
// completion, embeddings, image generation, fine-tuning, ...); AiMesh's
// contract is the single opaque execute-a-payload operation the engine
// actually dispatches, since concrete provider bindings are out of
// scope (spec.md §1).
package executor

import (
	"context"
	"time"

	"github.com/aimesh/aimesh"
)

// Result is the successful outcome of one execution attempt.
type Result struct {
	ResultBytes []byte
	TokensUsed  int64
	LatencyMs   float64
}

// Executor dispatches one payload to one endpoint. Implementations must
// respect ctx's deadline (spec.md §5: bounded by max(100ms, deadline-now))
// and return a plain error (treated as EndpointFailure) on any failure.
type Executor interface {
	Execute(ctx context.Context, endpointID string, payload []byte, budgetTokens int64, deadlineMs int64) (Result, error)
}

// MinExecutionTimeout is the floor on a per-attempt execution deadline,
// per spec.md §5.
const MinExecutionTimeout = 100 * time.Millisecond

// AttemptTimeout computes the bounded per-attempt timeout for one
// execution attempt given a message's absolute deadline.
func AttemptTimeout(deadlineMs int64, now time.Time) time.Duration {
	if deadlineMs == 0 {
		return MinExecutionTimeout
	}
	remaining := time.Duration(deadlineMs-now.UnixMilli()) * time.Millisecond
	if remaining < MinExecutionTimeout {
		return MinExecutionTimeout
	}
	return remaining
}

// AsEndpointFailure wraps a plain executor error as a CodeEndpointFailure,
// the error kind the dispatcher's fallback loop watches for; an error
// that is already an *aimesh.Error is returned unchanged, whatever its Code.
func AsEndpointFailure(err error) *aimesh.Error {
	if err == nil {
		return nil
	}
	if aerr, ok := err.(*aimesh.Error); ok {
		return aerr
	}
	return aimesh.New(aimesh.CodeEndpointFailure, err.Error())
}
