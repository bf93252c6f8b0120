// Package sandbox is the HTTP client for the remote code execution
// service. Code runs in isolated sessions, synchronously or via a
// submit/poll/cancel lifecycle.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

type (
	// Client talks to one sandbox service deployment. A Client with no
	// base URL is valid; every call reports the service unavailable.
	Client struct {
		httpClient *http.Client
		baseURL    string
		apiKey     string
	}

	// RunRequest is one code execution request. Context is passed through
	// to the sandbox runtime verbatim.
	RunRequest struct {
		Context  map[string]any    `json:"context,omitempty"`
		Env      map[string]string `json:"env,omitempty"`
		Code     string            `json:"code"`
		Language string            `json:"language"`
		Timeout  int64             `json:"timeoutMs,omitempty"`
	}

	// RunResult is the outcome of a synchronous run or a completed
	// asynchronous session
	RunResult struct {
		Result   any    `json:"result,omitempty"`
		Stdout   string `json:"stdout,omitempty"`
		Stderr   string `json:"stderr,omitempty"`
		Error    string `json:"error,omitempty"`
		ExitCode int    `json:"exitCode"`
	}

	// AsyncStatus reports the state of an asynchronous session
	AsyncStatus struct {
		Result    *RunResult `json:"result,omitempty"`
		SessionID string     `json:"sessionId"`
		Status    string     `json:"status"`
	}
)

// Async session states reported by the service
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var (
	ErrUnavailable = errors.New("sandbox service not configured")
	ErrBadStatus   = errors.New("sandbox service error")
)

// NewClient creates a sandbox client. An empty baseURL yields a client
// that is configured off.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// Available reports whether the service is configured
func (c *Client) Available() bool {
	return c.baseURL != ""
}

// RunSync executes code and blocks for the result
func (c *Client) RunSync(
	ctx context.Context, req *RunRequest,
) (*RunResult, error) {
	if !c.Available() {
		return nil, api.WithCode(api.CodeSandboxUnavailable, ErrUnavailable)
	}
	var res RunResult
	if err := c.post(ctx, "/execute/sync", req, &res); err != nil {
		return nil, api.WithCode(api.CodeSandboxSyncError, err)
	}
	return &res, nil
}

// RunAsync submits code for background execution and returns the session
// ID to poll
func (c *Client) RunAsync(
	ctx context.Context, req *RunRequest,
) (string, error) {
	if !c.Available() {
		return "", api.WithCode(api.CodeSandboxUnavailable, ErrUnavailable)
	}
	var res AsyncStatus
	if err := c.post(ctx, "/execute/async", req, &res); err != nil {
		return "", api.WithCode(api.CodeSandboxSyncError, err)
	}
	if res.SessionID == "" {
		return "", api.Codef(api.CodeSandboxSyncError,
			"submit reply carried no session ID")
	}
	return res.SessionID, nil
}

// GetAsyncResult polls the status of a session
func (c *Client) GetAsyncResult(
	ctx context.Context, sessionID string,
) (*AsyncStatus, error) {
	if !c.Available() {
		return nil, api.WithCode(api.CodeSandboxUnavailable, ErrUnavailable)
	}
	var res AsyncStatus
	path := "/execute/async/" + sessionID
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, api.WithCode(api.CodeSandboxSyncError, err)
	}
	return &res, nil
}

// CancelAsyncExecution requests cancellation of a session
func (c *Client) CancelAsyncExecution(
	ctx context.Context, sessionID string,
) error {
	if !c.Available() {
		return api.WithCode(api.CodeSandboxUnavailable, ErrUnavailable)
	}
	path := "/execute/async/" + sessionID
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return api.WithCode(api.CodeSandboxSyncError, err)
	}
	return nil
}

func (c *Client) post(
	ctx context.Context, path string, body, out any,
) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(
	ctx context.Context, method, path string, body, out any,
) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(
		ctx, method, c.baseURL+path, reader,
	)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s",
			ErrBadStatus, method, path, res.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
