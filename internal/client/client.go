// Package client holds the HTTP clients of the broker API and of the node
// agent launch API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/me/jobcoord/pkg/model"
)

// Headers carrying credentials.
const (
	HeaderNodeKey  = "X-Node-Key"
	HeaderAppToken = "X-App-Token"
)

// base is the shared request plumbing of every client.
type base struct {
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
}

func newBase(baseURL string) base {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return base{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		headers: map[string]string{},
	}
}

// doJSON sends in (when non-nil) and decodes the envelope data into out
// (when non-nil). API failures come back as *model.APIError.
func (b *base) doJSON(ctx context.Context, method, path string, in, out any) error {
	var bodyReader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	return decodeResponseData(resp, out)
}

// decodeResponseData extracts the data field from the API response envelope.
func decodeResponseData(resp *http.Response, dest any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *model.APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		if resp.StatusCode >= 400 {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if dest == nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	return json.Unmarshal(envelope.Data, dest)
}
