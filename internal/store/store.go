package store

import (
	"context"

	"github.com/me/jobcoord/pkg/model"
)

// Store defines the persistence layer of the broker. Getters return
// (nil, nil) when the record does not exist.
type Store interface {
	// Applications
	CreateApplication(ctx context.Context, app *model.Application) error
	GetApplication(ctx context.Context, id string) (*model.Application, error)
	ListApplications(ctx context.Context, opts model.ListOptions) ([]*model.Application, error)
	UpdateApplication(ctx context.Context, app *model.Application) error

	// Outstanding slot requests
	CreateRequest(ctx context.Context, req *model.PendingRequest) error
	ListRequests(ctx context.Context) ([]*model.PendingRequest, error)
	DeleteRequest(ctx context.Context, id string) error
	DeleteRequestsByApp(ctx context.Context, appID string) (int64, error)

	// Slots
	CreateSlot(ctx context.Context, slot *model.Slot) error
	GetSlot(ctx context.Context, id string) (*model.Slot, error)
	UpdateSlot(ctx context.Context, slot *model.Slot) error
	ListSlotsByApp(ctx context.Context, appID string) ([]*model.Slot, error)
	ListSlotsByNode(ctx context.Context, nodeID string) ([]*model.Slot, error)
	ListSlotsByState(ctx context.Context, state model.SlotState) ([]*model.Slot, error)
	// ListUndelivered returns the slots of appID whose grant or completion
	// has not been handed to the coordinator yet.
	ListUndelivered(ctx context.Context, appID string) ([]*model.Slot, error)

	// Nodes
	CreateNode(ctx context.Context, n *model.Node) error
	GetNode(ctx context.Context, id string) (*model.Node, error)
	UpdateNode(ctx context.Context, n *model.Node) error
	DeleteNode(ctx context.Context, id string) error
	ListNodes(ctx context.Context) ([]*model.Node, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
