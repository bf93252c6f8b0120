package dispatch_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loomworks/loom/internal/dispatch"
	"github.com/loomworks/loom/internal/sandbox"
	"github.com/loomworks/loom/internal/script"
	"github.com/loomworks/loom/pkg/api"
)

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func testDispatcher(sandboxURL string) *dispatch.Dispatcher {
	sb := sandbox.NewClient(sandboxURL, "", time.Second)
	return dispatch.New(sb, script.NewEnv(), dispatch.WithSleep(noSleep))
}

func testContext() *dispatch.Context {
	return &dispatch.Context{
		OrgID:       "org-1",
		UserID:      "user-1",
		FlowID:      "flow-1",
		ExecutionID: "exec-1",
		Variables:   map[string]any{"region": "eu"},
		StepOutputs: map[api.StepID]any{
			"fetch": map[string]any{"count": 3},
		},
	}
}

func TestUnknownStepType(t *testing.T) {
	as := assert.New(t)
	d := testDispatcher("")

	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:   "s1",
		Type: "mystery",
	}, testContext())
	as.False(res.Success)
	as.Equal(api.CodeUnknownStepType, res.Error.Code)
}

func TestSandboxSyncMissingCode(t *testing.T) {
	as := assert.New(t)
	d := testDispatcher("http://sandbox.local")

	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeSandboxSync,
		Config: api.StepConfig{},
	}, testContext())
	as.False(res.Success)
	as.Equal(api.CodeMissingCode, res.Error.Code)
}

func TestSandboxSyncUnavailable(t *testing.T) {
	as := assert.New(t)
	d := testDispatcher("")

	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeSandboxSync,
		Config: api.StepConfig{"code": "print(1)"},
	}, testContext())
	as.False(res.Success)
	as.Equal(api.CodeSandboxUnavailable, res.Error.Code)
}

func TestSandboxSyncSuccess(t *testing.T) {
	as := assert.New(t)
	var req sandbox.RunRequest
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			as.NoError(json.NewDecoder(r.Body).Decode(&req))
			_ = json.NewEncoder(w).Encode(&sandbox.RunResult{
				Result: "ok",
				Stdout: "done\n",
			})
		},
	))
	defer srv.Close()

	d := testDispatcher(srv.URL)
	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeSandboxSync,
		Config: api.StepConfig{"code": "def handler():\n  pass"},
	}, testContext())

	as.True(res.Success)
	as.Equal("ok", res.Output["result"])
	as.Equal("python", req.Language)
	as.Equal("s1", req.Context["stepId"])
	as.Equal("exec-1", req.Context["executionId"])
}

func TestSandboxAsyncFireAndForget(t *testing.T) {
	as := assert.New(t)
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(&sandbox.AsyncStatus{
				SessionID: "sess-1",
				Status:    sandbox.StatusPending,
			})
		},
	))
	defer srv.Close()

	d := testDispatcher(srv.URL)
	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:   "s1",
		Type: api.StepTypeSandboxAsync,
		Config: api.StepConfig{
			"code":              "sleep",
			"waitForCompletion": false,
		},
	}, testContext())

	as.True(res.Success)
	as.Equal("sess-1", res.Output["sessionId"])
	as.Equal("sess-1", res.Metadata.SessionID)
}

func TestSandboxAsyncPollsToCompletion(t *testing.T) {
	as := assert.New(t)
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				_ = json.NewEncoder(w).Encode(&sandbox.AsyncStatus{
					SessionID: "sess-1",
					Status:    sandbox.StatusPending,
				})
				return
			}
			polls++
			status := sandbox.StatusRunning
			var result *sandbox.RunResult
			if polls >= 3 {
				status = sandbox.StatusCompleted
				result = &sandbox.RunResult{Result: "finished"}
			}
			_ = json.NewEncoder(w).Encode(&sandbox.AsyncStatus{
				SessionID: "sess-1",
				Status:    status,
				Result:    result,
			})
		},
	))
	defer srv.Close()

	d := testDispatcher(srv.URL)
	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeSandboxAsync,
		Config: api.StepConfig{"code": "job"},
	}, testContext())

	as.True(res.Success)
	as.Equal("finished", res.Output["result"])
	as.Equal(3, res.Metadata.PollAttempts)
}

func TestSandboxAsyncPollExhaustion(t *testing.T) {
	as := assert.New(t)
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			status := sandbox.StatusPending
			if r.Method == http.MethodGet {
				status = sandbox.StatusRunning
			}
			_ = json.NewEncoder(w).Encode(&sandbox.AsyncStatus{
				SessionID: "sess-1",
				Status:    status,
			})
		},
	))
	defer srv.Close()

	d := testDispatcher(srv.URL)
	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:   "s1",
		Type: api.StepTypeSandboxAsync,
		Config: api.StepConfig{
			"code":            "job",
			"maxPollAttempts": 4,
			"pollInterval":    1,
		},
	}, testContext())

	as.False(res.Success)
	as.Equal(api.CodeSandboxAsyncTimeout, res.Error.Code)
	as.Equal(4, res.Metadata.PollAttempts)
}

func TestSandboxAsyncCancelledExecution(t *testing.T) {
	as := assert.New(t)
	polls := 0
	var cancelPath string
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost:
				_ = json.NewEncoder(w).Encode(&sandbox.AsyncStatus{
					SessionID: "sess-1",
					Status:    sandbox.StatusPending,
				})
			case http.MethodDelete:
				cancelPath = r.URL.Path
				w.WriteHeader(http.StatusNoContent)
			default:
				polls++
				_ = json.NewEncoder(w).Encode(&sandbox.AsyncStatus{
					SessionID: "sess-1",
					Status:    sandbox.StatusRunning,
				})
			}
		},
	))
	defer srv.Close()

	sc := testContext()
	sc.Cancelled = func(context.Context) bool { return true }

	d := testDispatcher(srv.URL)
	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeSandboxAsync,
		Config: api.StepConfig{"code": "job"},
	}, sc)

	as.False(res.Success)
	as.Equal(api.CodeStepExecutionError, res.Error.Code)
	as.Equal("sess-1", res.Metadata.SessionID)
	as.Equal("/execute/async/sess-1", cancelPath)
	as.Zero(polls)
}

func TestCodeExecutionDelegates(t *testing.T) {
	as := assert.New(t)
	d := testDispatcher("")

	// unconfigured sandbox: both modes surface SANDBOX_UNAVAILABLE
	for _, mode := range []string{"", "sync", "async"} {
		res := d.Dispatch(context.Background(), &api.FlowStep{
			ID:   "s1",
			Type: api.StepTypeCodeExecution,
			Config: api.StepConfig{
				"code": "print(1)",
				"mode": mode,
			},
		}, testContext())
		as.False(res.Success)
		as.Equal(api.CodeSandboxUnavailable, res.Error.Code)
	}
}

func TestDataTransformDirect(t *testing.T) {
	as := assert.New(t)
	d := testDispatcher("")

	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:   "s1",
		Type: api.StepTypeDataTransform,
		Config: api.StepConfig{
			"script": "return { doubled = input.fetch.count * 2 }",
		},
	}, testContext())

	as.True(res.Success)
	as.Equal(6, res.Output["doubled"])
}

func TestDataTransformError(t *testing.T) {
	as := assert.New(t)
	d := testDispatcher("")

	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:   "s1",
		Type: api.StepTypeDataTransform,
		Config: api.StepConfig{
			"script": "return input.fetch.count.deeper",
		},
	}, testContext())

	as.False(res.Success)
	as.Equal(api.CodeTransformError, res.Error.Code)
}

func TestConditionalDirect(t *testing.T) {
	as := assert.New(t)
	d := testDispatcher("")

	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:   "s1",
		Type: api.StepTypeConditional,
		Config: api.StepConfig{
			"condition": "return context.variables.region == 'eu'",
		},
	}, testContext())

	as.True(res.Success)
	as.Equal(true, res.Output["conditionResult"])
}

func TestConditionalError(t *testing.T) {
	as := assert.New(t)
	d := testDispatcher("")

	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:   "s1",
		Type: api.StepTypeConditional,
		Config: api.StepConfig{
			"condition": "return nothing.here",
		},
	}, testContext())

	as.False(res.Success)
	as.Equal(api.CodeConditionError, res.Error.Code)
}

func TestHTTPRequestSuccess(t *testing.T) {
	as := assert.New(t)
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			got = r.Clone(context.Background())
			w.Header().Set("X-Rate-Remaining", "99")
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		},
	))
	defer srv.Close()

	sc := testContext()
	sc.AuthHeaders = map[string]string{"Authorization": "Bearer tok"}

	d := testDispatcher("")
	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:   "s1",
		Type: api.StepTypeHTTPRequest,
		Config: api.StepConfig{
			"url":    srv.URL + "/things",
			"method": "POST",
			"headers": map[string]any{
				"X-Custom":      "yes",
				"Authorization": "Bearer overridden",
			},
			"body": map[string]any{"name": "thing"},
		},
	}, sc)

	as.True(res.Success)
	as.Equal(200, res.Output["status"])
	as.Equal("OK", res.Output["statusText"])
	data, ok := res.Output["data"].(map[string]any)
	as.True(ok)
	as.Equal(true, data["ok"])
	headers, ok := res.Output["headers"].(map[string]string)
	as.True(ok)
	as.Equal("99", headers["X-Rate-Remaining"])

	as.Equal("POST", got.Method)
	as.Equal("application/json", got.Header.Get("Content-Type"))
	as.Equal("yes", got.Header.Get("X-Custom"))
	// auth headers win over config headers
	as.Equal("Bearer tok", got.Header.Get("Authorization"))
}

func TestHTTPRequestNon2xx(t *testing.T) {
	as := assert.New(t)
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "missing", http.StatusNotFound)
		},
	))
	defer srv.Close()

	d := testDispatcher("")
	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeHTTPRequest,
		Config: api.StepConfig{"url": srv.URL},
	}, testContext())

	as.False(res.Success)
	as.Equal(api.CodeHTTPError, res.Error.Code)
	as.Equal("HTTP 404: Not Found", res.Error.Message)
	as.Equal(404, res.Output["status"])
}

func TestHTTPRequestNetworkError(t *testing.T) {
	as := assert.New(t)
	d := testDispatcher("")

	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeHTTPRequest,
		Config: api.StepConfig{"url": "http://127.0.0.1:1/unreachable"},
	}, testContext())

	as.False(res.Success)
	as.Equal(api.CodeNetworkError, res.Error.Code)
}

func TestHTTPRequestTextFallback(t *testing.T) {
	as := assert.New(t)
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("plain text"))
		},
	))
	defer srv.Close()

	d := testDispatcher("")
	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeHTTPRequest,
		Config: api.StepConfig{"url": srv.URL},
	}, testContext())

	as.True(res.Success)
	as.Equal("plain text", res.Output["data"])
}

func TestDelay(t *testing.T) {
	as := assert.New(t)
	var slept time.Duration
	sb := sandbox.NewClient("", "", time.Second)
	d := dispatch.New(sb, script.NewEnv(),
		dispatch.WithSleep(func(_ context.Context, dur time.Duration) error {
			slept += dur
			return nil
		}))

	res := d.Dispatch(context.Background(), &api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeDelay,
		Config: api.StepConfig{"delayMs": 250},
	}, testContext())

	as.True(res.Success)
	as.Equal(int64(250), res.Output["delayedFor"])
	as.Equal(250*time.Millisecond, slept)
}
