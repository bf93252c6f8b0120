// Package runtime is the durable execution substrate: a redis-backed
// work queue with at-least-once delivery, a per-execution journal that
// memoizes named sub-units across redeliveries, and an in-process delay
// queue for scheduled redelivery.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/pkg/api"
)

type (
	// Queue is the flow-execute work queue. Dequeue moves an event onto
	// a processing list so a crashed worker leaves it recoverable.
	Queue struct {
		client *redis.Client
		prefix string
	}

	// Delivery is one dequeued event plus the raw payload used to ack it
	Delivery struct {
		Event *api.ExecuteEvent
		raw   string
	}
)

var ErrQueueEmpty = errors.New("execution queue empty")

// NewQueue creates a work queue on the given client
func NewQueue(client *redis.Client, prefix string) *Queue {
	return &Queue{client: client, prefix: prefix}
}

// Enqueue pushes a flow-execute event onto the queue
func (q *Queue) Enqueue(ctx context.Context, ev *api.ExecuteEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.queueKey(), data).Err()
}

// Dequeue blocks up to timeout for the next event, moving it onto the
// processing list. ErrQueueEmpty when nothing arrives in time.
func (q *Queue) Dequeue(
	ctx context.Context, timeout time.Duration,
) (*Delivery, error) {
	raw, err := q.client.BLMove(
		ctx, q.queueKey(), q.processingKey(), "RIGHT", "LEFT", timeout,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, err
	}

	var ev api.ExecuteEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		// poison payload; drop it from processing so it cannot wedge
		_ = q.client.LRem(ctx, q.processingKey(), 1, raw).Err()
		return nil, err
	}
	return &Delivery{Event: &ev, raw: raw}, nil
}

// Ack removes a delivered event from the processing list
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	return q.client.LRem(ctx, q.processingKey(), 1, d.raw).Err()
}

// Requeue acks the delivery and pushes its event back onto the queue
func (q *Queue) Requeue(ctx context.Context, d *Delivery) error {
	if err := q.Ack(ctx, d); err != nil {
		return err
	}
	return q.client.LPush(ctx, q.queueKey(), d.raw).Err()
}

// RecoverProcessing moves stranded processing entries back onto the
// queue. Called at startup, before workers begin consuming.
func (q *Queue) RecoverProcessing(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(
			ctx, q.processingKey(), q.queueKey(), "RIGHT", "LEFT",
		).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

// Len returns the number of queued events
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueKey()).Result()
}

func (q *Queue) queueKey() string {
	return fmt.Sprintf("%s:queue:executions", q.prefix)
}

func (q *Queue) processingKey() string {
	return fmt.Sprintf("%s:queue:executions:processing", q.prefix)
}
