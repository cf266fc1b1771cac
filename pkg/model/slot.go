package model

import (
	"fmt"
	"time"
)

// Exit codes reported in TaskStatus besides the process exit code itself.
const (
	ExitSuccess             = 0
	ExitLaunchFailed        = -1
	ExitAborted             = -100
	ExitKilledByCoordinator = -105
	ExitInvalid             = -1000
)

// Resource is an amount of node capacity.
type Resource struct {
	MemoryMB int `json:"memory_mb"`
	VCores   int `json:"vcores"`
}

// String renders the resource the way it shows up in logs.
func (r Resource) String() string {
	return fmt.Sprintf("<memory:%dMB, vcores:%d>", r.MemoryMB, r.VCores)
}

// Fits reports whether r fits into free.
func (r Resource) Fits(free Resource) bool {
	return r.MemoryMB <= free.MemoryMB && r.VCores <= free.VCores
}

// Add returns r + o.
func (r Resource) Add(o Resource) Resource {
	return Resource{MemoryMB: r.MemoryMB + o.MemoryMB, VCores: r.VCores + o.VCores}
}

// Sub returns r - o.
func (r Resource) Sub(o Resource) Resource {
	return Resource{MemoryMB: r.MemoryMB - o.MemoryMB, VCores: r.VCores - o.VCores}
}

// SlotRequest asks the broker for one slot.
type SlotRequest struct {
	Resource Resource `json:"resource"`
	Priority int      `json:"priority"`
}

// String renders the request the way it shows up in logs.
func (r SlotRequest) String() string {
	return fmt.Sprintf("SlotRequest{capability=%s, priority=%d}", r.Resource, r.Priority)
}

// Slot is a grant of node resources to an application, usable to run one task.
type Slot struct {
	ID            string     `json:"id"`
	AppID         string     `json:"app_id"`
	NodeID        string     `json:"node_id"`
	NodeAddr      string     `json:"node_addr"`
	Resource      Resource   `json:"resource"`
	Priority      int        `json:"priority"`
	State         SlotState  `json:"state"`
	Coordinator   bool       `json:"coordinator,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	Diagnostics   string     `json:"diagnostics,omitempty"`
	Stdout        string     `json:"stdout,omitempty"`
	Stderr        string     `json:"stderr,omitempty"`
	Delivered     bool       `json:"-"`
	DoneDelivered bool       `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// TaskStatus is the completion notice for a slot, delivered to its application.
type TaskStatus struct {
	SlotID      string    `json:"slot_id"`
	State       SlotState `json:"state"`
	ExitCode    int       `json:"exit_code"`
	Diagnostics string    `json:"diagnostics,omitempty"`
}

// Succeeded reports whether the task exited cleanly.
func (s TaskStatus) Succeeded() bool {
	return s.ExitCode == ExitSuccess
}

// LocalFile is a file a node must localize into the slot work directory.
type LocalFile struct {
	Location  string `json:"location"`
	Size      int64  `json:"size"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds, 0 to skip the check
}

// LaunchSpec is everything a node needs to start a task in a slot.
type LaunchSpec struct {
	Files       map[string]LocalFile `json:"files,omitempty"`
	Environment map[string]string    `json:"environment,omitempty"`
	Command     string               `json:"command"`
	AuthBlob    []byte               `json:"auth_blob,omitempty"`
}

// AllocateRequest is the body of one coordinator heartbeat to the broker.
type AllocateRequest struct {
	Progress float64       `json:"progress"`
	Asks     []SlotRequest `json:"asks,omitempty"`
	Releases []string      `json:"releases,omitempty"`
}

// AllocateResponse carries what changed for an application since the last allocate call.
type AllocateResponse struct {
	Granted   []Slot       `json:"granted"`
	Completed []TaskStatus `json:"completed"`
}

// PendingRequest is a slot request queued at the broker until it is granted.
type PendingRequest struct {
	ID          string    `json:"id"`
	AppID       string    `json:"app_id"`
	Resource    Resource  `json:"resource"`
	Priority    int       `json:"priority"`
	Coordinator bool      `json:"coordinator,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
