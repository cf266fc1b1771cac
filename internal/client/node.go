package client

import (
	"context"
	"fmt"

	"github.com/me/jobcoord/pkg/model"
)

// NodeClient communicates with the broker on behalf of a node agent.
type NodeClient struct {
	base
	nodeID string
}

// NewNodeClient creates a node client. key is sent as X-Node-Key when set.
func NewNodeClient(baseURL, key string) *NodeClient {
	c := &NodeClient{base: newBase(baseURL)}
	if key != "" {
		c.headers[HeaderNodeKey] = key
	}
	return c
}

// NodeID returns the registered node ID.
func (c *NodeClient) NodeID() string {
	return c.nodeID
}

// Register registers the node and stores its ID.
func (c *NodeClient) Register(ctx context.Context, reg model.NodeRegistration) (*model.Node, error) {
	var node model.Node
	if err := c.doJSON(ctx, "POST", "/api/v1/nodes", reg, &node); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	c.nodeID = node.ID
	return &node, nil
}

// Heartbeat updates the node's last-seen time.
func (c *NodeClient) Heartbeat(ctx context.Context) error {
	if err := c.doJSON(ctx, "PUT", "/api/v1/nodes/"+c.nodeID+"/heartbeat", nil, nil); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Deregister removes the node from the broker.
func (c *NodeClient) Deregister(ctx context.Context) error {
	if err := c.doJSON(ctx, "DELETE", "/api/v1/nodes/"+c.nodeID, nil, nil); err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	return nil
}

// SlotStarted reports that the task process of a slot is running.
func (c *NodeClient) SlotStarted(ctx context.Context, slotID string) error {
	if err := c.doJSON(ctx, "PUT", "/api/v1/slots/"+slotID+"/started", nil, nil); err != nil {
		return fmt.Errorf("slot started: %w", err)
	}
	return nil
}

// SlotCompleted reports the end of the task in a slot.
func (c *NodeClient) SlotCompleted(ctx context.Context, slotID string, done model.SlotCompletion) error {
	if err := c.doJSON(ctx, "PUT", "/api/v1/slots/"+slotID+"/complete", done, nil); err != nil {
		return fmt.Errorf("slot complete: %w", err)
	}
	return nil
}
