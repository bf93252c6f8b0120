package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/pkg/api"
)

// Journal memoizes named sub-unit results per execution. A redelivered
// execution replays its journal instead of re-running completed
// sub-units, which is what makes redelivery safe for side effects.
type Journal struct {
	client *redis.Client
	prefix string
}

// NewJournal creates a journal on the given client
func NewJournal(client *redis.Client, prefix string) *Journal {
	return &Journal{client: client, prefix: prefix}
}

// Run executes fn exactly once per (execution, name). A memoized result
// is returned without re-entering fn; fn errors are not memoized, so the
// sub-unit re-runs on the next delivery.
func Run[T any](
	ctx context.Context, j *Journal, executionID api.ExecutionID,
	name string, fn func(context.Context) (T, error),
) (T, error) {
	var zero T

	data, err := j.client.HGet(ctx, j.key(executionID), name).Bytes()
	if err == nil {
		var memo T
		if err := json.Unmarshal(data, &memo); err != nil {
			return zero, err
		}
		return memo, nil
	}
	if !errors.Is(err, redis.Nil) {
		return zero, err
	}

	result, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	data, err = json.Marshal(result)
	if err != nil {
		return zero, err
	}
	if err := j.client.HSet(
		ctx, j.key(executionID), name, data,
	).Err(); err != nil {
		return zero, err
	}
	return result, nil
}

// NextAttempt increments and returns the 1-based attempt counter for a
// named sub-unit. Counters survive redelivery alongside the memo hash.
func (j *Journal) NextAttempt(
	ctx context.Context, executionID api.ExecutionID, name string,
) (int, error) {
	n, err := j.client.HIncrBy(
		ctx, j.key(executionID), "attempt:"+name, 1,
	).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ResetAttempts clears the attempt counter for a named sub-unit
func (j *Journal) ResetAttempts(
	ctx context.Context, executionID api.ExecutionID, name string,
) error {
	return j.client.HDel(ctx, j.key(executionID), "attempt:"+name).Err()
}

// Clear drops the journal once an execution is finalized
func (j *Journal) Clear(
	ctx context.Context, executionID api.ExecutionID,
) error {
	return j.client.Del(ctx, j.key(executionID)).Err()
}

func (j *Journal) key(executionID api.ExecutionID) string {
	return fmt.Sprintf("%s:journal:%s", j.prefix, executionID)
}
