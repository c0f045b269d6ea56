// Package api is the HTTP client for the loan-management backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"loanlock/internal/loanlock"
)

const (
	requestTimeout = 30 * time.Second

	// maxResponseSize bounds how much of a response body is read. Responses
	// are small JSON documents; anything bigger is a misbehaving server.
	maxResponseSize = 1 << 20

	apiKeyHeader = "X-Device-Api-Key"
)

// Client talks to the backend's device endpoints.
type Client interface {
	SendHeartbeat(ctx context.Context, deviceID string, req *loanlock.HeartbeatRequest) (*loanlock.HeartbeatResponse, error)
	SendDeviceManagementCommand(ctx context.Context, deviceID, command string) error
}

// HTTPClient is the production Client.
type HTTPClient struct {
	serverURL  string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient builds a client for the given server. A trailing slash on the
// URL is tolerated.
func NewHTTPClient(serverURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		serverURL: strings.TrimRight(serverURL, "/"),
		apiKey:    apiKey,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// SendHeartbeat posts one device snapshot and decodes the server's verdict.
func (c *HTTPClient) SendHeartbeat(ctx context.Context, deviceID string, hb *loanlock.HeartbeatRequest) (*loanlock.HeartbeatResponse, error) {
	url := fmt.Sprintf("%s/api/devices/%s/data/", c.serverURL, deviceID)
	body, err := c.post(ctx, url, hb)
	if err != nil {
		return nil, err
	}

	var resp loanlock.HeartbeatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// SendDeviceManagementCommand acknowledges a management command such as a
// completed deactivation.
func (c *HTTPClient) SendDeviceManagementCommand(ctx context.Context, deviceID, command string) error {
	url := fmt.Sprintf("%s/api/devices/%s/commands/", c.serverURL, deviceID)
	payload := map[string]string{"command": command}
	_, err := c.post(ctx, url, payload)
	return err
}

func (c *HTTPClient) post(ctx context.Context, url string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing response body")
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return body, nil
}
