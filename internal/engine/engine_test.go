package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/credentials"
	"github.com/loomworks/loom/internal/dispatch"
	"github.com/loomworks/loom/internal/execlog"
	"github.com/loomworks/loom/internal/publish"
	"github.com/loomworks/loom/internal/runtime"
	"github.com/loomworks/loom/internal/sandbox"
	"github.com/loomworks/loom/internal/script"
	"github.com/loomworks/loom/internal/throttle"
	"github.com/loomworks/loom/pkg/api"
)

const testOrg = api.OrgID("org-1")

type harness struct {
	engine   *Engine
	queue    *runtime.Queue
	resolver *credentials.Resolver
	logs     *execlog.Store
	client   *redis.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := credentials.NewRedisStore(client, "loom")
	cache := credentials.NewMemoryCache(10 * time.Minute)
	resolver := credentials.NewResolver(store, cache, logger)

	logs := execlog.NewStore(client, "loom", logger)
	logs.SetClock(tickingClock())
	queue := runtime.NewQueue(client, "loom")

	sb := sandbox.NewClient("", "", time.Second)
	noSleep := func(context.Context, time.Duration) error { return nil }

	eng := New(&Deps{
		Executions: NewExecutionStore(client, "loom"),
		Logs:       logs,
		Queue:      queue,
		Journal:    runtime.NewJournal(client, "loom"),
		Publisher: publish.New(
			func() *redis.Client { return client }, "loom", logger,
			publish.WithSleep(func(time.Duration) {})),
		Dispatcher: dispatch.New(sb, script.NewEnv(),
			dispatch.WithSleep(noSleep)),
		Auth:   auth.NewBuilder(resolver, nil, logger),
		Limits: throttle.NewRegistry(),
		Logger: logger,
	})
	eng.sleep = noSleep

	return &harness{
		engine:   eng,
		queue:    queue,
		resolver: resolver,
		logs:     logs,
		client:   client,
	}
}

// tickingClock keeps audit row timestamps strictly increasing so log
// ordering is deterministic within a single millisecond
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Now()
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(5 * time.Millisecond)
		return now
	}
}

func event(steps ...*api.FlowStep) *api.ExecuteEvent {
	return &api.ExecuteEvent{
		OrgID:       testOrg,
		UserID:      "user-1",
		FlowID:      "flow-1",
		ExecutionID: "exec-1",
		Steps:       steps,
	}
}

func (h *harness) run(t *testing.T, ev *api.ExecuteEvent) {
	t.Helper()
	assert.NoError(t, h.engine.Execute(context.Background(), ev))
}

func (h *harness) rows(t *testing.T, id api.ExecutionID) []*api.ExecutionLog {
	t.Helper()
	rows, err := h.logs.GetExecutionLogs(context.Background(), testOrg, id)
	assert.NoError(t, err)
	return rows
}

func notCritical() *bool {
	b := false
	return &b
}

func TestHappyPathDelay(t *testing.T) {
	as := assert.New(t)
	h := newHarness(t)

	ev := event(&api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeDelay,
		Config: api.StepConfig{"delayMs": 10},
	})
	h.run(t, ev)

	exec, err := h.engine.Execution(context.Background(), testOrg, "exec-1")
	as.NoError(err)
	as.Equal(api.ExecutionCompleted, exec.Status)

	out, ok := exec.StepOutputs["s1"].(map[string]any)
	as.True(ok)
	as.Equal(float64(10), out["delayedFor"])

	rows := h.rows(t, "exec-1")
	as.Len(rows, 1)
	as.Equal(api.InvocationCompleted, rows[0].Status)
	as.Equal(api.StepID("s1"), rows[0].StepID)
	as.Equal(1, rows[0].Attempt)
	as.Equal(api.StepTypeDelay, rows[0].Inputs.StepType)
}

func TestGuardFalseSkips(t *testing.T) {
	as := assert.New(t)
	h := newHarness(t)

	ev := event(&api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeDelay,
		Config: api.StepConfig{"delayMs": 1},
		ExecuteIf: map[string]any{
			"==": []any{map[string]any{"var": "variables.run"}, true},
		},
	})
	ev.Variables = map[string]any{"run": false}
	h.run(t, ev)

	rows := h.rows(t, "exec-1")
	as.Len(rows, 1)
	as.Equal(api.InvocationSkipped, rows[0].Status)
	as.Equal("executeIf condition evaluated to false",
		rows[0].Outputs["skipReason"])

	exec, err := h.engine.Execution(context.Background(), testOrg, "exec-1")
	as.NoError(err)
	as.Equal(api.ExecutionCompleted, exec.Status)
}

func TestGuardTrueRuns(t *testing.T) {
	as := assert.New(t)
	h := newHarness(t)

	ev := event(&api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeDelay,
		Config: api.StepConfig{"delayMs": 1},
		ExecuteIf: map[string]any{
			"==": []any{map[string]any{"var": "variables.run"}, true},
		},
	})
	ev.Variables = map[string]any{"run": true}
	h.run(t, ev)

	rows := h.rows(t, "exec-1")
	as.Len(rows, 1)
	as.Equal(api.InvocationCompleted, rows[0].Status)
}

func TestGuardErrorFailsOpen(t *testing.T) {
	as := assert.New(t)
	h := newHarness(t)

	ev := event(&api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeDelay,
		Config: api.StepConfig{"delayMs": 1},
		ExecuteIf: map[string]any{
			"bogusOperator": []any{1, 2},
		},
	})
	h.run(t, ev)

	rows := h.rows(t, "exec-1")
	as.Len(rows, 1)
	as.Equal(api.InvocationCompleted, rows[0].Status)
}

func TestCriticalFailureHalts(t *testing.T) {
	as := assert.New(t)
	h := newHarness(t)

	ev := event(
		&api.FlowStep{ID: "a", Type: "unknown_x"},
		&api.FlowStep{
			ID:     "b",
			Type:   api.StepTypeDelay,
			Config: api.StepConfig{"delayMs": 1},
		},
	)
	h.run(t, ev)

	rows := h.rows(t, "exec-1")
	as.Len(rows, 1)
	as.Equal(api.StepID("a"), rows[0].StepID)
	as.Equal(api.InvocationFailed, rows[0].Status)
	as.Equal(api.CodeUnknownStepType, rows[0].Error.Code)

	exec, err := h.engine.Execution(context.Background(), testOrg, "exec-1")
	as.NoError(err)
	as.Equal(api.ExecutionFailed, exec.Status)
}

func TestNonCriticalFailureContinues(t *testing.T) {
	as := assert.New(t)
	h := newHarness(t)

	ev := event(
		&api.FlowStep{
			ID:       "a",
			Type:     "unknown_x",
			Critical: notCritical(),
		},
		&api.FlowStep{
			ID:     "b",
			Type:   api.StepTypeDelay,
			Config: api.StepConfig{"delayMs": 1},
		},
	)
	h.run(t, ev)

	rows := h.rows(t, "exec-1")
	as.Len(rows, 2)
	as.Equal(api.InvocationFailed, rows[0].Status)
	as.Equal(api.StepID("a"), rows[0].StepID)
	as.Equal(api.InvocationCompleted, rows[1].Status)
	as.Equal(api.StepID("b"), rows[1].StepID)

	exec, err := h.engine.Execution(context.Background(), testOrg, "exec-1")
	as.NoError(err)
	as.Equal(api.ExecutionFailed, exec.Status)

	stats, err := h.engine.Stats(context.Background(), testOrg, "exec-1")
	as.NoError(err)
	as.Equal(1, stats.FailedSteps)
	as.Equal(1, stats.CompletedSteps)
}

func TestHTTPStepCarriesAuthHeaders(t *testing.T) {
	as := assert.New(t)
	h := newHarness(t)
	ctx := context.Background()

	var got string
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusOK)
		},
	))
	defer srv.Close()

	as.NoError(h.resolver.SetAuthConfig(ctx, testOrg, "github",
		&api.AuthConfig{Type: api.AuthTypeAPIKey, APIKey: "K"}))

	ev := event(&api.FlowStep{
		ID:   "s1",
		Type: api.StepTypeHTTPRequest,
		Config: api.StepConfig{
			"url":      srv.URL,
			"toolName": "github",
		},
	})
	h.run(t, ev)

	as.Equal("Bearer K", got)
	rows := h.rows(t, "exec-1")
	as.Len(rows, 1)
	as.Equal(api.InvocationCompleted, rows[0].Status)
}

func TestStepOutputsFlowForward(t *testing.T) {
	as := assert.New(t)
	h := newHarness(t)

	ev := event(
		&api.FlowStep{
			ID:     "first",
			Type:   api.StepTypeDataTransform,
			Config: api.StepConfig{"script": "return { count = 7 }"},
		},
		&api.FlowStep{
			ID:   "second",
			Type: api.StepTypeDataTransform,
			Config: api.StepConfig{
				"script": "return { doubled = input.first.count * 2 }",
			},
		},
	)
	h.run(t, ev)

	exec, err := h.engine.Execution(context.Background(), testOrg, "exec-1")
	as.NoError(err)
	as.Equal(api.ExecutionCompleted, exec.Status)

	out, ok := exec.StepOutputs["second"].(map[string]any)
	as.True(ok)
	as.Equal(float64(14), out["doubled"])
}

func TestRedeliveryDoesNotRepeatSteps(t *testing.T) {
	as := assert.New(t)
	h := newHarness(t)

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			calls++
			w.WriteHeader(http.StatusOK)
		},
	))
	defer srv.Close()

	ev := event(&api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeHTTPRequest,
		Config: api.StepConfig{"url": srv.URL},
	})
	h.run(t, ev)
	h.run(t, ev)

	as.Equal(1, calls)
	as.Len(h.rows(t, "exec-1"), 1)
}

func TestCancelDeclinesFurtherSteps(t *testing.T) {
	as := assert.New(t)
	h := newHarness(t)
	ctx := context.Background()

	ev := event(&api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeDelay,
		Config: api.StepConfig{"delayMs": 1},
	})

	// accept, then cancel before any worker picks it up
	_, err := h.engine.Submit(ctx, ev)
	as.NoError(err)
	_, err = h.engine.Cancel(ctx, testOrg, ev.ExecutionID)
	as.NoError(err)

	h.run(t, ev)

	as.Empty(h.rows(t, ev.ExecutionID))
	exec, err := h.engine.Execution(ctx, testOrg, ev.ExecutionID)
	as.NoError(err)
	as.Equal(api.ExecutionCancelled, exec.Status)
}

func TestCancelTerminalFails(t *testing.T) {
	as := assert.New(t)
	h := newHarness(t)

	ev := event(&api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeDelay,
		Config: api.StepConfig{"delayMs": 1},
	})
	h.run(t, ev)

	_, err := h.engine.Cancel(context.Background(), testOrg, "exec-1")
	as.ErrorIs(err, ErrExecutionTerminal)
}

func TestSubmitValidation(t *testing.T) {
	as := assert.New(t)
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, &api.ExecuteEvent{
		FlowID: "flow-1",
	})
	as.Error(err)

	exec, err := h.engine.Submit(ctx, &api.ExecuteEvent{
		OrgID:  testOrg,
		FlowID: "flow-1",
		Steps: []*api.FlowStep{
			{ID: "s1", Type: api.StepTypeDelay},
		},
	})
	as.NoError(err)
	as.NotEmpty(exec.ID)
	as.Equal(api.ExecutionQueued, exec.Status)

	n, err := h.queue.Len(ctx)
	as.NoError(err)
	as.Equal(int64(1), n)
}

func TestExecutionEventsAnnounceStart(t *testing.T) {
	as := assert.New(t)
	h := newHarness(t)
	ctx := context.Background()

	sub := h.client.Subscribe(ctx, api.ExecutionChannel(testOrg, "exec-1"))
	defer func() { _ = sub.Close() }()
	_, err := sub.Receive(ctx)
	as.NoError(err)

	h.run(t, event(&api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeDelay,
		Config: api.StepConfig{"delayMs": 1},
	}))

	var statuses []string
	deadline := time.After(2 * time.Second)
	for len(statuses) < 2 {
		select {
		case msg := <-sub.Channel():
			var got struct {
				Event string `json:"event"`
				Data  struct {
					Status string `json:"status"`
				} `json:"data"`
			}
			as.NoError(json.Unmarshal([]byte(msg.Payload), &got))
			if got.Event == api.EventExecutionStatus {
				statuses = append(statuses, got.Data.Status)
			}
		case <-deadline:
			t.Fatalf("saw %v before timeout", statuses)
		}
	}

	as.Equal("started", statuses[0])
	as.Equal("completed", statuses[1])
}

func (h *harness) webhookEventTypes(t *testing.T) []string {
	t.Helper()
	raw, err := h.client.LRange(context.Background(),
		"loom:queue:webhooks", 0, -1).Result()
	assert.NoError(t, err)

	types := make([]string, 0, len(raw))
	for _, item := range raw {
		var ev api.WebhookEvent
		assert.NoError(t, json.Unmarshal([]byte(item), &ev))
		assert.Equal(t, api.WebhookDispatchName, ev.Name)
		types = append(types, ev.Data.EventType)
	}
	return types
}

func TestWebhooksEnqueuedPerStateChange(t *testing.T) {
	as := assert.New(t)
	h := newHarness(t)

	h.run(t, event(
		&api.FlowStep{
			ID:     "s1",
			Type:   api.StepTypeDelay,
			Config: api.StepConfig{"delayMs": 1},
		},
		&api.FlowStep{
			ID:       "s2",
			Type:     "unknown_x",
			Critical: notCritical(),
		},
	))

	types := h.webhookEventTypes(t)
	as.Contains(types, "execution.started")
	as.Contains(types, "step.completed")
	as.Contains(types, "step.failed")
	as.Contains(types, "execution.failed")
}

func TestCancelEnqueuesWebhook(t *testing.T) {
	as := assert.New(t)
	h := newHarness(t)
	ctx := context.Background()

	ev := event(&api.FlowStep{
		ID:     "s1",
		Type:   api.StepTypeDelay,
		Config: api.StepConfig{"delayMs": 1},
	})
	_, err := h.engine.Submit(ctx, ev)
	as.NoError(err)
	_, err = h.engine.Cancel(ctx, testOrg, ev.ExecutionID)
	as.NoError(err)

	as.Contains(h.webhookEventTypes(t), "execution.cancelled")
}

func TestRetriesExhaustForFailingStep(t *testing.T) {
	as := assert.New(t)
	h := newHarness(t)

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			attempts++
			http.Error(w, "boom", http.StatusInternalServerError)
		},
	))
	defer srv.Close()

	ev := event(&api.FlowStep{
		ID:       "s1",
		Type:     api.StepTypeHTTPRequest,
		Config:   api.StepConfig{"url": srv.URL},
		Critical: notCritical(),
	})
	h.run(t, ev)

	// relaxed outbound steps get three attempts
	as.Equal(3, attempts)

	rows := h.rows(t, "exec-1")
	as.Len(rows, 3)
	for i, row := range rows {
		as.Equal(api.InvocationFailed, row.Status)
		as.Equal(i+1, row.Attempt)
		as.Equal(api.CodeHTTPError, row.Error.Code)
	}

	exec, err := h.engine.Execution(context.Background(), testOrg, "exec-1")
	as.NoError(err)
	as.Equal(api.ExecutionFailed, exec.Status)
}
