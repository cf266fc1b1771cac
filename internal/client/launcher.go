package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/me/jobcoord/pkg/model"
)

// LaunchRequest is the body of a slot launch on a node agent.
type LaunchRequest struct {
	AppID string           `json:"app_id"`
	Spec  model.LaunchSpec `json:"spec"`
}

// LauncherClient starts and stops tasks on node agents, addressed by the
// slot's node address.
type LauncherClient struct {
	base
}

// NewLauncherClient creates a launcher client.
func NewLauncherClient() *LauncherClient {
	return &LauncherClient{base: newBase("")}
}

// StartTask asks the slot's node to run spec in the slot.
func (c *LauncherClient) StartTask(ctx context.Context, slot model.Slot, spec model.LaunchSpec) error {
	req := LaunchRequest{AppID: slot.AppID, Spec: spec}
	if err := c.doJSON(ctx, "POST", nodeURL(slot.NodeAddr)+"/api/v1/slots/"+slot.ID+"/launch", req, nil); err != nil {
		return fmt.Errorf("start task in %s on %s: %w", slot.ID, slot.NodeAddr, err)
	}
	return nil
}

// StopTask asks the slot's node to kill the task in the slot.
func (c *LauncherClient) StopTask(ctx context.Context, slot model.Slot) error {
	if err := c.doJSON(ctx, "DELETE", nodeURL(slot.NodeAddr)+"/api/v1/slots/"+slot.ID, nil, nil); err != nil {
		return fmt.Errorf("stop task in %s on %s: %w", slot.ID, slot.NodeAddr, err)
	}
	return nil
}

func nodeURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + addr
}
