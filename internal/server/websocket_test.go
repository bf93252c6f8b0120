package server_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/loomworks/loom/pkg/api"
)

type testWebSocketEnv struct {
	*testServerEnv
	HTTP *httptest.Server
	Conn *websocket.Conn
}

const wsReadTimeout = 2 * time.Second

func testWebSocket(t *testing.T) *testWebSocketEnv {
	t.Helper()
	env := testServer(t)

	srv := httptest.NewServer(env.Router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testWebSocketEnv{
		testServerEnv: env,
		HTTP:          srv,
		Conn:          conn,
	}
}

func (e *testWebSocketEnv) subscribe(
	t *testing.T, org api.OrgID, id api.ExecutionID,
) {
	t.Helper()
	err := e.Conn.WriteJSON(api.SubscribeRequest{
		Type: "subscribe",
		Data: api.ClientSubscription{OrgID: org, ExecutionID: id},
	})
	assert.NoError(t, err)

	_ = e.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	var ack api.SubscribedResult
	assert.NoError(t, e.Conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack.Type)
}

func TestSocketSilentWithoutSubscription(t *testing.T) {
	env := testWebSocket(t)

	_ = env.Conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := env.Conn.ReadMessage()
	assert.Error(t, err)
}

func TestClientReceivesExecutionEvents(t *testing.T) {
	as := assert.New(t)
	env := testWebSocket(t)

	env.subscribe(t, "org-1", "exec-1")

	env.Publisher.PublishExecutionEvent(context.Background(),
		&api.ExecutionEvent{
			ExecutionID: "exec-1",
			OrgID:       "org-1",
			FlowID:      "flow-1",
			Status:      api.ExecutionStarted,
		})

	_ = env.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	var msg struct {
		Event string             `json:"event"`
		Data  api.ExecutionEvent `json:"data"`
	}
	as.NoError(env.Conn.ReadJSON(&msg))
	as.Equal(api.EventExecutionStatus, msg.Event)
	as.Equal(api.ExecutionStarted, msg.Data.Status)
	as.Equal(api.ExecutionID("exec-1"), msg.Data.ExecutionID)
}

func TestOrgChannelBroadcast(t *testing.T) {
	as := assert.New(t)
	env := testWebSocket(t)

	// no executionId subscribes the org broadcast channel
	env.subscribe(t, "org-1", "")

	env.Publisher.PublishExecutionEvent(context.Background(),
		&api.ExecutionEvent{
			ExecutionID: "exec-9",
			OrgID:       "org-1",
			Status:      api.ExecutionCompleted,
		})

	_ = env.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	var msg struct {
		Event string             `json:"event"`
		Data  api.ExecutionEvent `json:"data"`
	}
	as.NoError(env.Conn.ReadJSON(&msg))
	as.Equal(api.ExecutionID("exec-9"), msg.Data.ExecutionID)
}

func TestStepEventsNotCrossExecution(t *testing.T) {
	as := assert.New(t)
	env := testWebSocket(t)

	env.subscribe(t, "org-1", "exec-1")

	// other execution's channel; must not reach this client
	env.Publisher.PublishStepEvent(context.Background(), &api.StepEvent{
		StepID:      "s1",
		ExecutionID: "exec-other",
		OrgID:       "org-1",
		Status:      api.InvocationCompleted,
	})
	env.Publisher.PublishStepEvent(context.Background(), &api.StepEvent{
		StepID:      "s2",
		ExecutionID: "exec-1",
		OrgID:       "org-1",
		Status:      api.InvocationCompleted,
	})

	_ = env.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	var msg struct {
		Event string        `json:"event"`
		Data  api.StepEvent `json:"data"`
	}
	as.NoError(env.Conn.ReadJSON(&msg))
	as.Equal(api.EventStepStatus, msg.Event)
	as.Equal(api.StepID("s2"), msg.Data.StepID)
}

func TestInvalidSubscribeIgnored(t *testing.T) {
	env := testWebSocket(t)

	err := env.Conn.WriteMessage(
		websocket.TextMessage, []byte("invalid json"))
	assert.NoError(t, err)

	_ = env.Conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = env.Conn.ReadMessage()
	assert.Error(t, err)
}

func TestCloseWebSockets(t *testing.T) {
	env := testWebSocket(t)
	env.subscribe(t, "org-1", "exec-1")

	env.Server.CloseWebSockets()

	_ = env.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	_, _, err := env.Conn.ReadMessage()
	assert.Error(t, err)
}
