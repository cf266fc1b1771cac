package model

import "time"

// Application is one submitted job as tracked by the broker. Its coordinator
// runs in a slot and drives the job's own slot negotiation.
type Application struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Queue       string      `json:"queue"`
	User        string      `json:"user,omitempty"`
	Priority    int         `json:"priority"`
	State       AppState    `json:"state"`
	FinalStatus FinalStatus `json:"final_status"`
	Progress    float64     `json:"progress"`
	Diagnostics string      `json:"diagnostics,omitempty"`

	// Coordinator holds the resources and launch spec of the coordinator slot.
	Coordinator CoordinatorSpec `json:"coordinator"`

	// Token authenticates the coordinator's calls. Never serialized.
	Token string `json:"-"`

	// Set once the coordinator registers.
	Host        string `json:"host,omitempty"`
	RPCPort     int    `json:"rpc_port,omitempty"`
	TrackingURL string `json:"tracking_url,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// CoordinatorSpec describes how the broker starts an application's coordinator.
type CoordinatorSpec struct {
	Resource Resource   `json:"resource"`
	Launch   LaunchSpec `json:"launch"`
}

// SubmitRequest is what a client sends to create an application.
type SubmitRequest struct {
	Name        string          `json:"name"`
	Queue       string          `json:"queue"`
	User        string          `json:"user,omitempty"`
	Priority    int             `json:"priority"`
	Coordinator CoordinatorSpec `json:"coordinator"`
}

// RegisterRequest is what a coordinator sends when it comes up.
type RegisterRequest struct {
	Host        string `json:"host"`
	RPCPort     int    `json:"rpc_port"`
	TrackingURL string `json:"tracking_url"`
}

// UnregisterRequest is what a coordinator sends when the job is done.
type UnregisterRequest struct {
	FinalStatus FinalStatus `json:"final_status"`
	Message     string      `json:"message"`
}

// SlotCompletion is what a node reports when the task in a slot ends.
type SlotCompletion struct {
	ExitCode    int    `json:"exit_code"`
	Diagnostics string `json:"diagnostics,omitempty"`
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
}
