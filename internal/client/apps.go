package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/me/jobcoord/pkg/model"
)

// AppClient is the client-side view of applications: submit, report, kill
// and task logs.
type AppClient struct {
	base
}

// NewAppClient creates a client for the broker at baseURL.
func NewAppClient(baseURL string) *AppClient {
	return &AppClient{base: newBase(baseURL)}
}

// Submit creates an application.
func (c *AppClient) Submit(ctx context.Context, req model.SubmitRequest) (*model.Application, error) {
	var app model.Application
	if err := c.doJSON(ctx, "POST", "/api/v1/apps", req, &app); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	return &app, nil
}

// Report returns the current state of an application.
func (c *AppClient) Report(ctx context.Context, appID string) (*model.Application, error) {
	var app model.Application
	if err := c.doJSON(ctx, "GET", "/api/v1/apps/"+url.PathEscape(appID), nil, &app); err != nil {
		return nil, fmt.Errorf("report %s: %w", appID, err)
	}
	return &app, nil
}

// List returns applications, newest first, optionally filtered by state.
func (c *AppClient) List(ctx context.Context, opts model.ListOptions) ([]*model.Application, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	path := "/api/v1/apps"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var apps []*model.Application
	if err := c.doJSON(ctx, "GET", path, nil, &apps); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return apps, nil
}

// Kill stops an application.
func (c *AppClient) Kill(ctx context.Context, appID string) (*model.Application, error) {
	var app model.Application
	if err := c.doJSON(ctx, "PUT", "/api/v1/apps/"+url.PathEscape(appID)+"/kill", nil, &app); err != nil {
		return nil, fmt.Errorf("kill %s: %w", appID, err)
	}
	return &app, nil
}

// Slots returns every slot of an application with its log tails.
func (c *AppClient) Slots(ctx context.Context, appID string) ([]*model.Slot, error) {
	var slots []*model.Slot
	if err := c.doJSON(ctx, "GET", "/api/v1/apps/"+url.PathEscape(appID)+"/slots", nil, &slots); err != nil {
		return nil, fmt.Errorf("slots %s: %w", appID, err)
	}
	return slots, nil
}
