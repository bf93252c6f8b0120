package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/log"
)

type (
	// HandlerFunc processes one delivered execution. A returned error
	// schedules redelivery with backoff until the delivery budget runs
	// out.
	HandlerFunc func(context.Context, *Delivery) error

	// Runner pumps the work queue through a bounded worker pool and
	// drives the delay queue's redeliveries.
	Runner struct {
		queue         *Queue
		delayed       *DelayQueue
		handler       HandlerFunc
		logger        *slog.Logger
		deliveries    map[api.ExecutionID]int
		wg            sync.WaitGroup
		mu            sync.Mutex
		concurrency   int
		maxDeliveries int
		retryDelay    time.Duration
	}

	// RunnerOption configures a Runner
	RunnerOption func(*Runner)
)

const (
	defaultConcurrency   = 10
	defaultMaxDeliveries = 3
	defaultRetryDelay    = 2 * time.Second
	dequeueTimeout       = 2 * time.Second
)

// NewRunner creates a Runner over the queue
func NewRunner(
	queue *Queue, handler HandlerFunc, logger *slog.Logger,
	opts ...RunnerOption,
) *Runner {
	r := &Runner{
		queue:         queue,
		delayed:       NewDelayQueue(),
		handler:       handler,
		logger:        logger,
		deliveries:    map[api.ExecutionID]int{},
		concurrency:   defaultConcurrency,
		maxDeliveries: defaultMaxDeliveries,
		retryDelay:    defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithConcurrency bounds the number of executions in flight at once
func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithRedelivery overrides the redelivery budget and base delay
func WithRedelivery(maxDeliveries int, delay time.Duration) RunnerOption {
	return func(r *Runner) {
		r.maxDeliveries = maxDeliveries
		r.retryDelay = delay
	}
}

// Start recovers stranded work, then launches the worker pool and the
// redelivery loop. Blocks until ctx is cancelled and workers drain.
func (r *Runner) Start(ctx context.Context) error {
	moved, err := r.queue.RecoverProcessing(ctx)
	if err != nil {
		return err
	}
	if moved > 0 {
		r.logger.Info("recovered stranded executions",
			slog.Int("count", moved))
	}

	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	r.wg.Add(1)
	go r.redeliveryLoop(ctx)

	<-ctx.Done()
	r.delayed.Stop()
	r.wg.Wait()
	return nil
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		d, err := r.queue.Dequeue(ctx, dequeueTimeout)
		if errors.Is(err, ErrQueueEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("dequeue failed", log.Error(err))
			continue
		}
		r.process(ctx, d)
	}
}

func (r *Runner) process(ctx context.Context, d *Delivery) {
	ev := d.Event
	err := r.handler(ctx, d)
	if err == nil {
		r.clearDeliveries(ev.ExecutionID)
		if err := r.queue.Ack(ctx, d); err != nil {
			r.logger.Error("ack failed",
				log.ExecutionID(ev.ExecutionID), log.Error(err))
		}
		return
	}

	deliveries := r.bumpDeliveries(ev.ExecutionID)
	if ackErr := r.queue.Ack(ctx, d); ackErr != nil {
		r.logger.Error("ack failed",
			log.ExecutionID(ev.ExecutionID), log.Error(ackErr))
	}

	if deliveries >= r.maxDeliveries {
		r.clearDeliveries(ev.ExecutionID)
		r.logger.Error("execution dropped after redeliveries",
			log.ExecutionID(ev.ExecutionID),
			slog.Int("deliveries", deliveries),
			log.Error(err),
		)
		return
	}

	delay := r.retryDelay << (deliveries - 1)
	r.logger.Warn("execution scheduled for redelivery",
		log.ExecutionID(ev.ExecutionID),
		slog.Int("deliveries", deliveries),
		slog.Duration("delay", delay),
		log.Error(err),
	)
	r.delayed.Push(&DelayedItem{
		Event:      ev,
		ReadyAt:    time.Now().Add(delay),
		Deliveries: deliveries,
	})
}

func (r *Runner) bumpDeliveries(id api.ExecutionID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries[id]++
	return r.deliveries[id]
}

func (r *Runner) clearDeliveries(id api.ExecutionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deliveries, id)
}

func (r *Runner) redeliveryLoop(ctx context.Context) {
	defer r.wg.Done()

	var timer delayTimer
	defer timer.Stop()

	for {
		next, ok := r.delayed.Peek()
		var wake <-chan time.Time
		if ok {
			wake = timer.Reset(next)
		}

		select {
		case <-ctx.Done():
			return
		case _, open := <-r.delayed.Notify():
			if !open {
				return
			}
		case <-wake:
			for _, item := range r.delayed.PopReady(time.Now()) {
				if err := r.queue.Enqueue(ctx, item.Event); err != nil {
					r.logger.Error("redelivery enqueue failed",
						log.ExecutionID(item.Event.ExecutionID),
						log.Error(err),
					)
				}
			}
		}
	}
}
