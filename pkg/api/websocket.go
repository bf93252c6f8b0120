package api

type (
	// SubscribeRequest is sent by clients to subscribe to realtime events
	SubscribeRequest struct {
		Type string             `json:"type"`
		Data ClientSubscription `json:"data"`
	}

	// ClientSubscription selects which channels a WebSocket client
	// receives. An empty ExecutionID subscribes to the org broadcast
	// channel.
	ClientSubscription struct {
		OrgID       OrgID       `json:"orgId"`
		ExecutionID ExecutionID `json:"executionId,omitempty"`
	}

	// SubscribedResult acknowledges a subscription
	SubscribedResult struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
	}
)
