// Package publish pushes step and execution lifecycle events onto the
// realtime channels and enqueues webhook dispatches. Publishing is fire
// and forget: a delivery failure is logged and dropped, never propagated
// to the flow.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/log"
)

type (
	// Publisher fans events out over redis pub/sub and the webhook queue.
	// Construction never touches the network; the connection is dialed on
	// first publish.
	Publisher struct {
		connect   func() *redis.Client
		client    *redis.Client
		logger    *slog.Logger
		sleep     func(time.Duration)
		prefix    string
		attempts  int
		baseDelay time.Duration
		once      sync.Once
	}

	// Option configures a Publisher
	Option func(*Publisher)
)

const (
	defaultAttempts  = 3
	defaultBaseDelay = time.Second
)

// New creates a Publisher. A nil connect func produces a disabled
// publisher whose publishes are silent no-ops, so callers in unconfigured
// environments need no special casing.
func New(
	connect func() *redis.Client, prefix string, logger *slog.Logger,
	opts ...Option,
) *Publisher {
	p := &Publisher{
		connect:   connect,
		logger:    logger,
		sleep:     time.Sleep,
		prefix:    prefix,
		attempts:  defaultAttempts,
		baseDelay: defaultBaseDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithRetry overrides the delivery retry schedule, for tests
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(p *Publisher) {
		p.attempts = attempts
		p.baseDelay = baseDelay
	}
}

// WithSleep overrides the backoff sleeper, for tests
func WithSleep(sleep func(time.Duration)) Option {
	return func(p *Publisher) {
		p.sleep = sleep
	}
}

// PublishStepEvent emits a step lifecycle transition on the execution's
// channel
func (p *Publisher) PublishStepEvent(
	ctx context.Context, ev *api.StepEvent,
) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	p.publish(ctx, api.ExecutionChannel(ev.OrgID, ev.ExecutionID),
		&api.Message{Event: api.EventStepStatus, Data: ev})
}

// PublishExecutionEvent emits a flow state change on both the execution's
// channel and the org broadcast channel
func (p *Publisher) PublishExecutionEvent(
	ctx context.Context, ev *api.ExecutionEvent,
) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	msg := &api.Message{Event: api.EventExecutionStatus, Data: ev}
	p.publish(ctx, api.ExecutionChannel(ev.OrgID, ev.ExecutionID), msg)
	p.publish(ctx, api.OrgChannel(ev.OrgID), msg)
}

// EnqueueWebhook pushes a webhook dispatch onto the delivery queue
func (p *Publisher) EnqueueWebhook(
	ctx context.Context, org api.OrgID, eventType string, payload any,
) {
	client := p.lazyClient()
	if client == nil {
		return
	}
	ev := &api.WebhookEvent{
		Name: api.WebhookDispatchName,
		Data: api.WebhookData{
			OrgID:     org,
			EventType: eventType,
			Payload:   payload,
		},
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("webhook event not serializable",
			log.OrgID(org), log.Error(err))
		return
	}
	if err := client.LPush(ctx, p.webhookKey(), data).Err(); err != nil {
		p.logger.Warn("webhook enqueue dropped",
			log.OrgID(org), log.Error(err))
	}
}

func (p *Publisher) publish(
	ctx context.Context, channel string, msg *api.Message,
) {
	client := p.lazyClient()
	if client == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("event not serializable", log.Error(err))
		return
	}

	var last error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			p.sleep(p.baseDelay << (attempt - 1))
		}
		if last = client.Publish(ctx, channel, data).Err(); last == nil {
			return
		}
	}
	p.logger.Warn("event dropped after retries",
		slog.String("channel", channel),
		slog.Int("attempts", p.attempts),
		log.Error(last),
	)
}

func (p *Publisher) lazyClient() *redis.Client {
	p.once.Do(func() {
		if p.connect != nil {
			p.client = p.connect()
		}
		if p.client == nil {
			p.logger.Info("event publishing disabled")
		}
	})
	return p.client
}

func (p *Publisher) webhookKey() string {
	return fmt.Sprintf("%s:queue:webhooks", p.prefix)
}
