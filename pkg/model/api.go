package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Error     *APIError `json:"error"`
}

// ListOptions configures list queries.
type ListOptions struct {
	Limit int
	State string // Optional state filter
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20}
}

// Clamp enforces limits (max 100, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
}
