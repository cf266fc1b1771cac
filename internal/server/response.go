package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/me/jobcoord/internal/broker"
	"github.com/me/jobcoord/pkg/model"
)

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

// respondOK writes a success response with the standard envelope.
func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil)
}

// respondCreated writes a 201 response with the standard envelope.
func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil)
}

// respondError writes an error response with the standard envelope.
func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, apiErr)
}

// respondServiceError maps a broker error onto a status code and API error.
func respondServiceError(w http.ResponseWriter, reqID string, err error) {
	var apiErr *model.APIError
	var transErr *model.InvalidTransitionError
	switch {
	case errors.As(err, &apiErr):
		respondError(w, reqID, statusFor(apiErr.Code), apiErr)
	case errors.Is(err, broker.ErrNotFound):
		respondError(w, reqID, http.StatusNotFound, &model.APIError{Code: model.ErrNotFound, Message: err.Error()})
	case errors.Is(err, broker.ErrConflict), errors.As(err, &transErr):
		respondError(w, reqID, http.StatusConflict, model.NewConflictError(err.Error()))
	case errors.Is(err, broker.ErrUnauthorized):
		respondError(w, reqID, http.StatusUnauthorized, &model.APIError{Code: model.ErrUnauthorized, Message: err.Error()})
	default:
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
	}
}

func statusFor(code model.ErrorCode) int {
	switch code {
	case model.ErrValidation:
		return http.StatusBadRequest
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrConflict:
		return http.StatusConflict
	case model.ErrUnauthorized:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// decodeBody decodes a JSON request body into v, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, reqID string, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, apiErr *model.APIError) {
	resp := model.Response{
		RequestID: reqID,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Error:     apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	} else {
		resp.Status = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
