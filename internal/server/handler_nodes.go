package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/jobcoord/pkg/model"
)

// handleRegisterNode adds an agent to the pool.
// POST /api/v1/nodes
func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.NodeRegistration
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	node, err := s.broker.RegisterNode(r.Context(), req)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if auth := NodeAuthFromContext(r.Context()); auth != nil {
		s.logger.Debug("node key", "node_id", node.ID, "key_hash", auth.KeyID)
	}
	respondCreated(w, reqID, node)
}

// handleListNodes lists registered nodes.
// GET /api/v1/nodes
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	nodes, err := s.broker.ListNodes(r.Context())
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if nodes == nil {
		nodes = []*model.Node{}
	}
	respondOK(w, reqID, nodes)
}

// handleNodeHeartbeat refreshes a node's last-seen time.
// PUT /api/v1/nodes/{id}/heartbeat
func (s *Server) handleNodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.broker.Heartbeat(r.Context(), id); err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"id": id, "status": "ok"})
}

// handleDeregisterNode removes a node.
// DELETE /api/v1/nodes/{id}
func (s *Server) handleDeregisterNode(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.broker.DeregisterNode(r.Context(), id); err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"id": id, "deregistered": true})
}

// handleSlotStarted records that a slot's task is running.
// PUT /api/v1/slots/{id}/started
func (s *Server) handleSlotStarted(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.broker.SlotStarted(r.Context(), id); err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"id": id, "state": model.SlotStateRunning})
}

// handleSlotComplete records the end of a slot's task.
// PUT /api/v1/slots/{id}/complete
func (s *Server) handleSlotComplete(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req model.SlotCompletion
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	if err := s.broker.SlotCompleted(r.Context(), id, req); err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"id": id, "exit_code": req.ExitCode})
}
