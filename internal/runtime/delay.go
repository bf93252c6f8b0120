package runtime

import (
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

type (
	// DelayQueue schedules executions for redelivery after a backoff.
	// Push and Pop are safe for concurrent use.
	DelayQueue struct {
		items   map[api.ExecutionID]*DelayedItem
		next    *DelayedItem
		notify  chan struct{}
		mu      sync.Mutex
		stopped bool
	}

	// DelayedItem is one scheduled redelivery
	DelayedItem struct {
		Event      *api.ExecuteEvent
		ReadyAt    time.Time
		Deliveries int
	}

	delayTimer struct {
		timer *time.Timer
	}
)

// NewDelayQueue creates an empty delay queue
func NewDelayQueue() *DelayQueue {
	return &DelayQueue{
		items:  make(map[api.ExecutionID]*DelayedItem),
		notify: make(chan struct{}, 1),
	}
}

// Push schedules or reschedules an execution and reports whether the
// earliest deadline changed
func (q *DelayQueue) Push(item *DelayedItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return false
	}

	prevNext := q.next
	prevTime := time.Time{}
	if prevNext != nil {
		prevTime = prevNext.ReadyAt
	}
	q.items[item.Event.ExecutionID] = item
	q.recalcNext()
	if q.next == nil {
		return false
	}
	if prevNext == q.next && q.next.ReadyAt.Equal(prevTime) {
		return false
	}
	q.signal()
	return true
}

// Remove drops a scheduled redelivery, as on cancellation
func (q *DelayQueue) Remove(executionID api.ExecutionID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.items[executionID]
	delete(q.items, executionID)
	if q.next == item {
		q.recalcNext()
	}
}

// Peek returns the earliest redelivery time
func (q *DelayQueue) Peek() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.next == nil {
		return time.Time{}, false
	}
	return q.next.ReadyAt, true
}

// PopReady removes and returns all items whose deadline has passed
func (q *DelayQueue) PopReady(now time.Time) []*DelayedItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*DelayedItem
	for id, item := range q.items {
		if !item.ReadyAt.After(now) {
			ready = append(ready, item)
			delete(q.items, id)
		}
	}

	if len(ready) > 0 {
		q.recalcNext()
	}
	return ready
}

// Notify returns the channel that signals deadline changes
func (q *DelayQueue) Notify() <-chan struct{} {
	return q.notify
}

// Stop prevents further pushes and wakes any waiter
func (q *DelayQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}
	q.stopped = true
	close(q.notify)
}

// Len returns the number of scheduled redeliveries
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *DelayQueue) recalcNext() {
	q.next = nil
	for _, item := range q.items {
		if q.next == nil || item.ReadyAt.Before(q.next.ReadyAt) {
			q.next = item
		}
	}
}

func (q *DelayQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (t *delayTimer) Reset(nextTime time.Time) <-chan time.Time {
	delay := max(time.Until(nextTime), 0)
	if t.timer == nil {
		t.timer = time.NewTimer(delay)
		return t.timer.C
	}
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
	t.timer.Reset(delay)
	return t.timer.C
}

func (t *delayTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
