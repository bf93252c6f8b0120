package sandbox_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loomworks/loom/internal/sandbox"
	"github.com/loomworks/loom/pkg/api"
)

func TestUnconfiguredClient(t *testing.T) {
	as := assert.New(t)
	c := sandbox.NewClient("", "", time.Second)
	as.False(c.Available())

	_, err := c.RunSync(context.Background(), &sandbox.RunRequest{
		Code: "print(1)",
	})
	as.Error(err)
	as.Equal(api.CodeSandboxUnavailable, api.NormalizeError(err).Code)

	_, err = c.RunAsync(context.Background(), &sandbox.RunRequest{})
	as.Equal(api.CodeSandboxUnavailable, api.NormalizeError(err).Code)

	_, err = c.GetAsyncResult(context.Background(), "sess-1")
	as.Equal(api.CodeSandboxUnavailable, api.NormalizeError(err).Code)

	err = c.CancelAsyncExecution(context.Background(), "sess-1")
	as.Equal(api.CodeSandboxUnavailable, api.NormalizeError(err).Code)
}

func TestRunSync(t *testing.T) {
	as := assert.New(t)
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			as.Equal(http.MethodPost, r.Method)
			as.Equal("/execute/sync", r.URL.Path)
			as.Equal("Bearer key-1", r.Header.Get("Authorization"))

			var req sandbox.RunRequest
			as.NoError(json.NewDecoder(r.Body).Decode(&req))
			as.Equal("python", req.Language)

			_ = json.NewEncoder(w).Encode(&sandbox.RunResult{
				Result: map[string]any{"answer": 42.0},
				Stdout: "42\n",
			})
		},
	))
	defer srv.Close()

	c := sandbox.NewClient(srv.URL, "key-1", time.Second)
	res, err := c.RunSync(context.Background(), &sandbox.RunRequest{
		Code:     "print(42)",
		Language: "python",
	})
	as.NoError(err)
	as.Equal("42\n", res.Stdout)
	as.Equal(map[string]any{"answer": 42.0}, res.Result)
}

func TestRunSyncServerError(t *testing.T) {
	as := assert.New(t)
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		},
	))
	defer srv.Close()

	c := sandbox.NewClient(srv.URL, "", time.Second)
	_, err := c.RunSync(context.Background(), &sandbox.RunRequest{
		Code: "1",
	})
	as.Error(err)
	as.Equal(api.CodeSandboxSyncError, api.NormalizeError(err).Code)
}

func TestAsyncLifecycle(t *testing.T) {
	as := assert.New(t)
	polls := 0
	var cancelled bool
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.Method == http.MethodPost:
				_ = json.NewEncoder(w).Encode(&sandbox.AsyncStatus{
					SessionID: "sess-1",
					Status:    sandbox.StatusPending,
				})
			case r.Method == http.MethodGet:
				as.Equal("/execute/async/sess-1", r.URL.Path)
				polls++
				status := sandbox.StatusRunning
				var result *sandbox.RunResult
				if polls >= 2 {
					status = sandbox.StatusCompleted
					result = &sandbox.RunResult{Stdout: "done"}
				}
				_ = json.NewEncoder(w).Encode(&sandbox.AsyncStatus{
					SessionID: "sess-1",
					Status:    status,
					Result:    result,
				})
			case r.Method == http.MethodDelete:
				cancelled = true
				w.WriteHeader(http.StatusNoContent)
			}
		},
	))
	defer srv.Close()

	c := sandbox.NewClient(srv.URL, "", time.Second)
	ctx := context.Background()

	sessionID, err := c.RunAsync(ctx, &sandbox.RunRequest{Code: "sleep"})
	as.NoError(err)
	as.Equal("sess-1", sessionID)

	status, err := c.GetAsyncResult(ctx, sessionID)
	as.NoError(err)
	as.Equal(sandbox.StatusRunning, status.Status)

	status, err = c.GetAsyncResult(ctx, sessionID)
	as.NoError(err)
	as.Equal(sandbox.StatusCompleted, status.Status)
	as.Equal("done", status.Result.Stdout)

	as.NoError(c.CancelAsyncExecution(ctx, sessionID))
	as.True(cancelled)
}

func TestInferLanguage(t *testing.T) {
	as := assert.New(t)

	as.Equal("python", sandbox.InferLanguage("def handler(x):\n  return x"))
	as.Equal("python", sandbox.InferLanguage("import os"))
	as.Equal("python", sandbox.InferLanguage("print('hi')"))
	as.Equal("javascript", sandbox.InferLanguage("const x = 1"))
	as.Equal("javascript", sandbox.InferLanguage("function f() {}"))
	as.Equal("go", sandbox.InferLanguage("func main() {}"))
	as.Equal("rust", sandbox.InferLanguage("fn main() { println!(\"x\") }"))
	as.Equal("javascript", sandbox.InferLanguage("x = 1"))
}
