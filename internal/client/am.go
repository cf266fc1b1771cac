package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/me/jobcoord/pkg/model"
)

// AMClient is the coordinator's broker client. Slot requests and releases are
// buffered and sent with the next allocate call; a failed call keeps them.
type AMClient struct {
	base
	appID string

	mu       sync.Mutex
	asks     []model.SlotRequest
	releases []string
}

// NewAMClient creates a client for application appID, authenticated with
// the token the broker issued for it.
func NewAMClient(baseURL, appID, token string) *AMClient {
	c := &AMClient{base: newBase(baseURL), appID: appID}
	if token != "" {
		c.headers[HeaderAppToken] = token
	}
	return c
}

// Register announces the coordinator.
func (c *AMClient) Register(ctx context.Context, host string, port int, trackingURL string) error {
	req := model.RegisterRequest{Host: host, RPCPort: port, TrackingURL: trackingURL}
	if err := c.doJSON(ctx, "POST", c.path("/coordinator"), req, nil); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// RequestSlot buffers one slot request.
func (c *AMClient) RequestSlot(_ context.Context, req model.SlotRequest) error {
	c.mu.Lock()
	c.asks = append(c.asks, req)
	c.mu.Unlock()
	return nil
}

// ReleaseSlot buffers one slot release.
func (c *AMClient) ReleaseSlot(_ context.Context, slotID string) error {
	c.mu.Lock()
	c.releases = append(c.releases, slotID)
	c.mu.Unlock()
	return nil
}

// Poll sends the buffered requests and releases with the progress hint.
func (c *AMClient) Poll(ctx context.Context, progress float64) (*model.AllocateResponse, error) {
	c.mu.Lock()
	req := model.AllocateRequest{Progress: progress, Asks: c.asks, Releases: c.releases}
	c.asks, c.releases = nil, nil
	c.mu.Unlock()

	var resp model.AllocateResponse
	if err := c.doJSON(ctx, "POST", c.path("/allocate"), req, &resp); err != nil {
		c.mu.Lock()
		c.asks = append(req.Asks, c.asks...)
		c.releases = append(req.Releases, c.releases...)
		c.mu.Unlock()
		return nil, fmt.Errorf("allocate: %w", err)
	}
	return &resp, nil
}

// Unregister reports the final status.
func (c *AMClient) Unregister(ctx context.Context, status model.FinalStatus, message string) error {
	req := model.UnregisterRequest{FinalStatus: status, Message: message}
	if err := c.doJSON(ctx, "POST", c.path("/unregister"), req, nil); err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	return nil
}

// Pending returns the number of buffered requests and releases.
func (c *AMClient) Pending() (asks, releases int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.asks), len(c.releases)
}

func (c *AMClient) path(suffix string) string {
	return "/api/v1/apps/" + c.appID + suffix
}
