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

	types "github.com/sebas/softphone/api/types/v1"
)

// Client is an HTTP client for the softphone JSON API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError is returned when the server answers with a non-2xx status
type APIError struct {
	Code    int
	Message string
	Status  *types.StatusResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// NewClient creates a new softphone API client. Operations block until the
// phone settles, so the timeout is generous.
func NewClient(baseURL string) *Client {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// BaseURL returns the server base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health fetches the server health
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	var health types.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Status fetches the phone status
func (c *Client) Status(ctx context.Context) (*types.StatusResponse, error) {
	return c.action(ctx, http.MethodGet, "/api/v1/status", nil)
}

// Connect registers with the given credentials
func (c *Client) Connect(ctx context.Context, req types.ConnectRequest) (*types.StatusResponse, error) {
	return c.action(ctx, http.MethodPost, "/api/v1/connect", req)
}

// Disconnect unregisters the phone
func (c *Client) Disconnect(ctx context.Context) (*types.StatusResponse, error) {
	return c.action(ctx, http.MethodPost, "/api/v1/disconnect", nil)
}

// Reset clears a failed connection
func (c *Client) Reset(ctx context.Context) (*types.StatusResponse, error) {
	return c.action(ctx, http.MethodPost, "/api/v1/reset", nil)
}

// Call places a call to destination
func (c *Client) Call(ctx context.Context, destination string) (*types.StatusResponse, error) {
	return c.action(ctx, http.MethodPost, "/api/v1/call", types.CallRequest{Destination: destination})
}

// Answer answers the ringing call
func (c *Client) Answer(ctx context.Context) (*types.StatusResponse, error) {
	return c.action(ctx, http.MethodPost, "/api/v1/answer", nil)
}

// Hangup ends the current call
func (c *Client) Hangup(ctx context.Context) (*types.StatusResponse, error) {
	return c.action(ctx, http.MethodPost, "/api/v1/hangup", nil)
}

func (c *Client) action(ctx context.Context, method, path string, body any) (*types.StatusResponse, error) {
	var status types.StatusResponse
	if err := c.do(ctx, method, path, body, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// do performs a request and decodes a JSON response into out
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e types.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			apiErr.Message = e.Error
			apiErr.Status = e.Status
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
