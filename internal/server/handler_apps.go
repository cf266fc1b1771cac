package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/me/jobcoord/pkg/model"
)

func appIDParam(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// handleSubmitApp creates an application.
// POST /api/v1/apps
func (s *Server) handleSubmitApp(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.SubmitRequest
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	app, err := s.broker.SubmitApplication(r.Context(), req)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondCreated(w, reqID, app)
}

// handleListApps lists applications, newest first.
// GET /api/v1/apps?limit=N&state=S
func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := model.DefaultListOptions()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid query", model.FieldError{Field: "limit", Message: "must be an integer"}))
			return
		}
		opts.Limit = n
	}
	opts.State = r.URL.Query().Get("state")
	opts.Clamp()

	apps, err := s.broker.ListApplications(r.Context(), opts)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if apps == nil {
		apps = []*model.Application{}
	}
	respondOK(w, reqID, apps)
}

// handleGetApp returns an application report.
// GET /api/v1/apps/{id}
func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	app, err := s.broker.GetApplication(r.Context(), appIDParam(r))
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, app)
}

// handleKillApp kills an application.
// PUT /api/v1/apps/{id}/kill
func (s *Server) handleKillApp(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	app, err := s.broker.Kill(r.Context(), appIDParam(r))
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, app)
}

// handleListSlots returns the slots of an application with their log tails.
// GET /api/v1/apps/{id}/slots
func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	slots, err := s.broker.ListSlots(r.Context(), appIDParam(r))
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if slots == nil {
		slots = []*model.Slot{}
	}
	respondOK(w, reqID, slots)
}

// handleRegisterCoordinator moves an application to RUNNING.
// POST /api/v1/apps/{id}/coordinator
func (s *Server) handleRegisterCoordinator(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.RegisterRequest
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	app, err := s.broker.RegisterCoordinator(r.Context(), appIDParam(r), req)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, app)
}

// handleAllocate is the coordinator heartbeat.
// POST /api/v1/apps/{id}/allocate
func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.AllocateRequest
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	resp, err := s.broker.Allocate(r.Context(), appIDParam(r), req)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, resp)
}

// handleUnregister records the coordinator's final status.
// POST /api/v1/apps/{id}/unregister
func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.UnregisterRequest
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	app, err := s.broker.Unregister(r.Context(), appIDParam(r), req)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, app)
}
