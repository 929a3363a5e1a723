// Package registry implements the Endpoint Registry (spec.md §4.1): an
// in-memory catalog of inference endpoints plus their live health/load
// stats, safe for concurrent register/remove/snapshot/mark_health/
// adjust_load from the router and dispatcher.
//
// Adapted from the teacher's load_balancer package: a map keyed by
// endpoint ID behind a sync.RWMutex, trimmed of the teacher's
// multi-strategy scoring (that now lives in routing) down to the pure
// storage contract the spec names.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/aimesh/aimesh"
)

// Registry is the concurrency-safe catalog of known endpoints.
type Registry struct {
	mutex     sync.RWMutex
	endpoints map[string]aimesh.EndpointMetrics
	logger    *zap.SugaredLogger
}

// New creates an empty Registry.
func New(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		endpoints: make(map[string]aimesh.EndpointMetrics),
		logger:    logger,
	}
}

// Register upserts an endpoint's metrics record.
func (r *Registry) Register(metrics aimesh.EndpointMetrics) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.endpoints[metrics.EndpointID] = metrics
	if r.logger != nil {
		r.logger.Infow("registry: endpoint registered",
			"endpoint", metrics.EndpointID, "capacity", metrics.Capacity)
	}
}

// Remove deletes an endpoint from the catalog. A no-op if unknown.
func (r *Registry) Remove(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.endpoints, id)
	if r.logger != nil {
		r.logger.Infow("registry: endpoint removed", "endpoint", id)
	}
}

// Snapshot returns a point-in-time copy of every endpoint's metrics. Each
// entry is copied by value under the lock, so no caller ever observes a
// torn read of a single endpoint even though the catalog keeps mutating.
func (r *Registry) Snapshot() []aimesh.EndpointMetrics {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]aimesh.EndpointMetrics, 0, len(r.endpoints))
	for _, m := range r.endpoints {
		out = append(out, m)
	}
	return out
}

// Get returns a single endpoint's metrics, if known.
func (r *Registry) Get(id string) (aimesh.EndpointMetrics, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	m, ok := r.endpoints[id]
	return m, ok
}

// MarkHealth updates an endpoint's health classification.
func (r *Registry) MarkHealth(id string, status aimesh.HealthStatus) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if m, ok := r.endpoints[id]; ok {
		m.HealthStatus = status
		r.endpoints[id] = m
	}
}

// AdjustLoad atomically moves an endpoint's current_load by delta
// (typically +1 before dispatch, -1 unconditionally on return), clamping
// at zero so a double-decrement from a racing abort path cannot drive
// load negative.
func (r *Registry) AdjustLoad(id string, delta int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if m, ok := r.endpoints[id]; ok {
		m.CurrentLoad += delta
		if m.CurrentLoad < 0 {
			m.CurrentLoad = 0
		}
		r.endpoints[id] = m
	}
}

// List is an alias of Snapshot named after the admin list() operation
// (spec.md §6 "Endpoint admin: list()"); the admin package itself calls
// Snapshot.
func (r *Registry) List() []aimesh.EndpointMetrics {
	return r.Snapshot()
}
