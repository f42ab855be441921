// Package dashboard renders a terminal dashboard for a running Foreman
// daemon. It polls the gateway's status API and displays queue, agent,
// process, budget, and cost panels.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/foremanhq/foreman/internal/reports"
)

// Client fetches snapshots from the gateway status API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a dashboard API client for the given gateway base URL,
// e.g. "http://127.0.0.1:9290".
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Snapshot fetches the current system snapshot.
func (c *Client) Snapshot(ctx context.Context) (*reports.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/status", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var snap reports.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}
