package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/me/jobcoord/internal/client"
	"github.com/me/jobcoord/pkg/model"
)

// Handler returns the agent's launch API.
func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/v1/slots", func(r chi.Router) {
		r.Get("/", a.handleListSlots)
		r.Post("/{id}/launch", a.handleLaunch)
		r.Delete("/{id}", a.handleStop)
	})
	return r
}

// handleLaunch starts a task in a slot.
// POST /api/v1/slots/{id}/launch
func (a *Agent) handleLaunch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req client.LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, nil, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}
	if req.Spec.Command == "" {
		respond(w, http.StatusBadRequest, nil, model.NewValidationError("missing required field",
			model.FieldError{Field: "spec.command", Message: "command is required"}))
		return
	}

	if err := a.Launch(r.Context(), id, req.AppID, req.Spec); err != nil {
		if errors.Is(err, ErrSlotExists) {
			respond(w, http.StatusConflict, nil, model.NewConflictError(err.Error()))
			return
		}
		respond(w, http.StatusInternalServerError, nil, model.NewInternalError(err.Error()))
		return
	}
	respond(w, http.StatusAccepted, map[string]any{"id": id, "launched": true}, nil)
}

// handleStop kills the task of a slot.
// DELETE /api/v1/slots/{id}
func (a *Agent) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Stop(id); err != nil {
		respond(w, http.StatusNotFound, nil, model.NewNotFoundError("slot", id))
		return
	}
	respond(w, http.StatusOK, map[string]any{"id": id, "stopping": true}, nil)
}

// handleListSlots lists slots with a live task.
// GET /api/v1/slots
func (a *Agent) handleListSlots(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, a.Running(), nil)
}

func respond(w http.ResponseWriter, status int, data any, apiErr *model.APIError) {
	resp := model.Response{
		Status:    "ok",
		RequestID: "req_" + uuid.New().String()[:8],
		Timestamp: time.Now().UTC(),
		Data:      data,
		Error:     apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
