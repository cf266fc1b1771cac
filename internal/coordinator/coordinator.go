// Package coordinator runs a job inside the cluster: it negotiates slots from
// the broker, starts one command per slot through the node agents, retries
// failed commands and reports the aggregate outcome.
package coordinator

import (
	"context"

	"github.com/me/jobcoord/pkg/model"
)

// Broker is the coordinator's view of the resource broker.
type Broker interface {
	// Register announces the coordinator. Failure is fatal to the job.
	Register(ctx context.Context, host string, port int, trackingURL string) error
	// RequestSlot asks for one more slot.
	RequestSlot(ctx context.Context, req model.SlotRequest) error
	// Poll reports progress and returns the slots granted and the tasks
	// completed since the previous poll.
	Poll(ctx context.Context, progress float64) (*model.AllocateResponse, error)
	// ReleaseSlot gives a granted slot back.
	ReleaseSlot(ctx context.Context, slotID string) error
	// Unregister reports the final status of the job.
	Unregister(ctx context.Context, status model.FinalStatus, message string) error
}

// Launcher starts a command in a granted slot on the slot's node.
type Launcher interface {
	StartTask(ctx context.Context, slot model.Slot, spec model.LaunchSpec) error
}
