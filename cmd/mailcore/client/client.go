// Package client talks to the mailcore admin API
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/busybox42/mailcore/internal/queue"
)

// Client represents an API client for mailcore
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// QueueStats is the answer of /api/queue/stats
type QueueStats struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetQueueStats returns message counts per status
func (c *Client) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	var stats QueueStats
	if err := c.get(ctx, "/api/queue/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetMessage returns one queued message
func (c *Client) GetMessage(ctx context.Context, id string) (*queue.Message, error) {
	var msg queue.Message
	if err := c.get(ctx, "/api/queue/"+url.PathEscape(id), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// RetryMessage makes a failed or deferred message eligible for delivery now
func (c *Client) RetryMessage(ctx context.Context, id string) (*queue.Message, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/queue/"+url.PathEscape(id)+"/retry", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var msg queue.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode retry response: %w", err)
	}
	return &msg, nil
}

// get performs a GET request and unmarshals the response
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	return resp, nil
}

// APIError is a non-2xx answer from the admin API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %s (status code %d)", e.Message, e.StatusCode)
}
