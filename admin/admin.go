// Package admin implements the Endpoint admin and Budget admin
// external interfaces (spec.md §6): plain JSON HTTP handlers over the
// endpoint registry and budget ledger, with no template rendering or
// virtual-key management.
//
// Adapted from the teacher's admin.AdminServer: the same
// RegisterRoutes-onto-a-mux shape and JSON response conventions are
// kept; the dashboard template and auth.Manager-backed key management
// are dropped since this domain has no virtual keys, replaced by the
// two admin surfaces the specification actually names.
package admin

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/aimesh/aimesh"
	"github.com/aimesh/aimesh/budget"
	"github.com/aimesh/aimesh/registry"
)

// Server exposes the endpoint and budget admin surfaces over HTTP.
type Server struct {
	registry *registry.Registry
	ledger   *budget.Ledger
}

// New creates an admin Server bound to the given registry and ledger.
func New(reg *registry.Registry, ledger *budget.Ledger) *Server {
	return &Server{registry: reg, ledger: ledger}
}

// RegisterRoutes attaches every admin handler onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/endpoints", s.handleEndpoints)
	mux.HandleFunc("/admin/endpoints/remove", s.handleRemoveEndpoint)
	mux.HandleFunc("/admin/budget", s.handleBudget)
	mux.HandleFunc("/admin/budget/reset", s.handleResetBudget)
}

// handleEndpoints serves register() on POST and list() on GET.
func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.registry.Snapshot())
	case http.MethodPost:
		var metrics aimesh.EndpointMetrics
		if err := json.NewDecoder(r.Body).Decode(&metrics); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if metrics.EndpointID == "" {
			writeError(w, http.StatusBadRequest, "endpoint_id is required")
			return
		}
		s.registry.Register(metrics)
		writeJSON(w, http.StatusOK, metrics)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRemoveEndpoint serves remove(id).
func (s *Server) handleRemoveEndpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing 'id' parameter")
		return
	}
	s.registry.Remove(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// handleBudget serves set_budget(agent_id, tokens, reset_at) on POST and
// get_budget(agent_id) on GET.
func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agentID := r.URL.Query().Get("agent_id")
		if agentID == "" {
			writeError(w, http.StatusBadRequest, "missing 'agent_id' parameter")
			return
		}
		writeJSON(w, http.StatusOK, s.ledger.Get(agentID))
	case http.MethodPost:
		var req struct {
			AgentID string `json:"agent_id"`
			Tokens  int64  `json:"tokens"`
			ResetAt int64  `json:"reset_at"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if req.AgentID == "" {
			writeError(w, http.StatusBadRequest, "agent_id is required")
			return
		}
		s.ledger.Set(req.AgentID, req.Tokens, req.ResetAt)
		writeJSON(w, http.StatusOK, s.ledger.Get(req.AgentID))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleResetBudget serves reset_budget(agent_id).
func (s *Server) handleResetBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "missing 'agent_id' parameter")
		return
	}
	s.ledger.Reset(agentID)
	writeJSON(w, http.StatusOK, s.ledger.Get(agentID))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
