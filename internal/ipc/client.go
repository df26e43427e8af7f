package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// DefaultTimeout bounds how long the client waits for a response
	DefaultTimeout = 10 * time.Second

	pollInterval = 100 * time.Millisecond
)

// Client talks to a running daemon through its control directory.
type Client struct {
	baseDir string
	timeout time.Duration
}

// NewClient creates a control client for the daemon rooted at baseDir
func NewClient(baseDir string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{baseDir: baseDir, timeout: timeout}
}

// Do sends one request and decodes the response data into out. A response
// carrying an error field is returned as a Go error. A missing requests
// directory means no daemon is running.
func (c *Client) Do(ctx context.Context, endpoint string, body any, out any) error {
	requestsDir := filepath.Join(c.baseDir, RequestsDir)
	if _, err := os.Stat(requestsDir); err != nil {
		return fmt.Errorf("control dir %s not available, is the daemon running? %w", c.baseDir, err)
	}

	id, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("failed to generate request id: %w", err)
	}

	req := Request{
		ID:        id,
		Endpoint:  endpoint,
		Timestamp: time.Now().Unix(),
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		req.Body = data
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	name := id + ".json"
	tmp := filepath.Join(requestsDir, "."+name+".tmp")
	final := filepath.Join(requestsDir, name)

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish request: %w", err)
	}

	responsePath := filepath.Join(c.baseDir, ResponsesDir, name)
	resp, err := c.awaitResponse(ctx, responsePath)
	if err != nil {
		os.Remove(final)
		return err
	}

	if resp.Error != "" {
		return fmt.Errorf("daemon error: %s", resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

func (c *Client) awaitResponse(ctx context.Context, path string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for daemon response: %w", ctx.Err())
		case <-ticker.C:
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read response: %w", err)
			}

			var resp Response
			if err := json.Unmarshal(data, &resp); err != nil {
				return nil, fmt.Errorf("malformed response: %w", err)
			}
			os.Remove(path)
			return &resp, nil
		}
	}
}
