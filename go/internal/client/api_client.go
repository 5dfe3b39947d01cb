package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/filmroom/go/internal/viewer"
)

// APIClient is the HTTP client for the presence surface.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a presence API client against the given base URL.
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Join registers presence in a session (POST .../viewers).
func (c *APIClient) Join(ctx context.Context, sessionID, userID uuid.UUID) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/sessions/%s/viewers", sessionID), userID)
	return err
}

// Heartbeat refreshes presence liveness (POST .../viewers/heartbeat).
func (c *APIClient) Heartbeat(ctx context.Context, sessionID, userID uuid.UUID) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/sessions/%s/viewers/heartbeat", sessionID), userID)
	return err
}

// Leave removes the presence record (DELETE .../viewers).
func (c *APIClient) Leave(ctx context.Context, sessionID, userID uuid.UUID) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/sessions/%s/viewers", sessionID), userID)
	return err
}

// ListViewers fetches the session's active viewer list (GET .../viewers).
// This is the resync call clients make to reconcile after missed events.
func (c *APIClient) ListViewers(ctx context.Context, sessionID uuid.UUID) ([]viewer.ViewerState, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/sessions/%s/viewers", sessionID), uuid.Nil)
	if err != nil {
		return nil, err
	}

	var viewers []viewer.ViewerState
	if err := json.Unmarshal(body, &viewers); err != nil {
		return nil, fmt.Errorf("unmarshal viewer list: %w", err)
	}
	return viewers, nil
}

func (c *APIClient) do(ctx context.Context, method, endpoint string, userID uuid.UUID) ([]byte, error) {
	var reqBody io.Reader
	if userID != uuid.Nil {
		data, err := json.Marshal(map[string]uuid.UUID{"user_id": userID})
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s returned status %d: %s", method, endpoint, resp.StatusCode, body)
	}
	return body, nil
}
