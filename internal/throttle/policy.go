// Package throttle selects and enforces per-step-type execution policies:
// a concurrency cap, a rate limit, and a retry schedule.
package throttle

import (
	"time"

	"github.com/loomworks/loom/pkg/api"
)

var (
	outboundCritical = api.ThrottlingPolicy{
		Concurrency: 2,
		RateLimit:   &api.RateLimit{Max: 10, PerMs: 10_000},
		Retry: &api.RetryPolicy{
			MaxAttempts: 5,
			Backoff: api.Backoff{
				Kind:    api.BackoffExponential,
				DelayMs: 3_000,
			},
		},
	}

	outboundRelaxed = api.ThrottlingPolicy{
		Concurrency: 5,
		RateLimit:   &api.RateLimit{Max: 10, PerMs: 10_000},
		Retry: &api.RetryPolicy{
			MaxAttempts: 3,
			Backoff: api.Backoff{
				Kind:    api.BackoffExponential,
				DelayMs: 3_000,
			},
		},
	}

	sandboxPolicy = api.ThrottlingPolicy{
		Concurrency: 3,
		RateLimit:   &api.RateLimit{Max: 20, PerMs: 30_000},
		Retry: &api.RetryPolicy{
			MaxAttempts: 2,
			Backoff: api.Backoff{
				Kind:    api.BackoffFixed,
				DelayMs: 5_000,
			},
		},
	}

	transformPolicy = api.ThrottlingPolicy{
		Concurrency: 15,
		RateLimit:   &api.RateLimit{Max: 50, PerMs: 30_000},
		Retry: &api.RetryPolicy{
			MaxAttempts: 2,
			Backoff: api.Backoff{
				Kind:    api.BackoffFixed,
				DelayMs: 1_000,
			},
		},
	}

	delayPolicy = api.ThrottlingPolicy{}

	unknownPolicy = api.ThrottlingPolicy{
		Concurrency: 2,
		RateLimit:   &api.RateLimit{Max: 5, PerMs: 30_000},
		Retry: &api.RetryPolicy{
			MaxAttempts: 1,
			Backoff: api.Backoff{
				Kind:    api.BackoffFixed,
				DelayMs: 5_000,
			},
		},
	}
)

// PolicyFor selects the throttling policy for a step from its type and
// critical flag. Pure; equal inputs yield equal policies.
func PolicyFor(step *api.FlowStep) api.ThrottlingPolicy {
	switch step.Type {
	case api.StepTypeHTTPRequest, api.StepTypeOAuthAPICall:
		if step.IsCritical() {
			return outboundCritical
		}
		return outboundRelaxed
	case api.StepTypeSandboxSync, api.StepTypeSandboxAsync,
		api.StepTypeCodeExecution:
		return sandboxPolicy
	case api.StepTypeDataTransform, api.StepTypeConditional:
		return transformPolicy
	case api.StepTypeDelay:
		return delayPolicy
	default:
		return unknownPolicy
	}
}

// DefaultPolicy is applied where no per-step policy is consulted
func DefaultPolicy() api.ThrottlingPolicy {
	return api.ThrottlingPolicy{
		Concurrency: 10,
		RateLimit:   &api.RateLimit{Max: 100, PerMs: 60_000},
		Retry: &api.RetryPolicy{
			MaxAttempts: 3,
			Backoff: api.Backoff{
				Kind:    api.BackoffExponential,
				DelayMs: 2_000,
			},
		},
	}
}

// RetryDelay returns the pause before the given 1-based retry attempt,
// or zero when the policy carries no retry schedule
func RetryDelay(policy api.ThrottlingPolicy, attempt int) time.Duration {
	if policy.Retry == nil {
		return 0
	}
	return policy.Retry.Delay(attempt)
}
