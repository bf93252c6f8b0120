package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loomworks/loom/pkg/api"
)

type (
	// Registry enforces throttling policies across executions. Limiter
	// state is keyed by policy bucket, so every http_request step on the
	// platform shares one cap regardless of which flow it belongs to.
	Registry struct {
		buckets map[string]*bucket
		mu      sync.Mutex
	}

	bucket struct {
		limiter *rate.Limiter
		slots   chan struct{}
	}
)

// NewRegistry creates an empty policy enforcement registry
func NewRegistry() *Registry {
	return &Registry{
		buckets: map[string]*bucket{},
	}
}

// Acquire blocks until the step's policy admits another invocation, then
// returns the release func for its concurrency slot. Policies without
// limits admit immediately.
func (r *Registry) Acquire(
	ctx context.Context, step *api.FlowStep,
) (func(), error) {
	policy := PolicyFor(step)
	b := r.bucketFor(bucketKey(step), policy)

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if b.slots == nil {
		return func() {}, nil
	}

	select {
	case b.slots <- struct{}{}:
		return func() { <-b.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) bucketFor(
	key string, policy api.ThrottlingPolicy,
) *bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[key]; ok {
		return b
	}

	b := &bucket{}
	if rl := policy.RateLimit; rl != nil {
		interval := time.Duration(rl.PerMs) * time.Millisecond
		b.limiter = rate.NewLimiter(
			rate.Limit(float64(rl.Max)/interval.Seconds()), rl.Max,
		)
	}
	if policy.Concurrency > 0 {
		b.slots = make(chan struct{}, policy.Concurrency)
	}
	r.buckets[key] = b
	return b
}

func bucketKey(step *api.FlowStep) string {
	return fmt.Sprintf("%s:%t", step.Type, step.IsCritical())
}
