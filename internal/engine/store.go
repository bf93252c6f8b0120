package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/pkg/api"
)

// ExecutionStore persists FlowExecution rows, keyed by (org, execution)
type ExecutionStore struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrExecutionExists   = errors.New("execution already exists")
	ErrExecutionTerminal = errors.New("execution already terminal")
)

// NewExecutionStore creates an execution store on the given client
func NewExecutionStore(client *redis.Client, prefix string) *ExecutionStore {
	return &ExecutionStore{
		client: client,
		prefix: prefix,
		clock:  time.Now,
	}
}

// Create accepts a flow-execute event as a queued execution row. Creation
// is idempotent against redelivery: an existing row is left untouched.
func (s *ExecutionStore) Create(
	ctx context.Context, ev *api.ExecuteEvent,
) (*api.FlowExecution, error) {
	exec := &api.FlowExecution{
		ID:        ev.ExecutionID,
		OrgID:     ev.OrgID,
		FlowID:    ev.FlowID,
		UserID:    ev.UserID,
		Status:    api.ExecutionQueued,
		Variables: ev.Variables,
		CreatedAt: s.clock(),
	}
	data, err := json.Marshal(exec)
	if err != nil {
		return nil, err
	}

	set, err := s.client.SetNX(
		ctx, s.key(ev.OrgID, ev.ExecutionID), data, 0,
	).Result()
	if err != nil {
		return nil, err
	}
	if !set {
		return s.Get(ctx, ev.OrgID, ev.ExecutionID)
	}
	return exec, nil
}

// Get returns one execution row
func (s *ExecutionStore) Get(
	ctx context.Context, org api.OrgID, id api.ExecutionID,
) (*api.FlowExecution, error) {
	data, err := s.client.Get(ctx, s.key(org, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, api.WithCode(api.CodeNotFound,
			fmt.Errorf("%w: %s/%s", ErrExecutionNotFound, org, id))
	}
	if err != nil {
		return nil, err
	}
	var exec api.FlowExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// Update applies mutate to the stored row and persists the result. Rows
// already terminal are not mutated.
func (s *ExecutionStore) Update(
	ctx context.Context, org api.OrgID, id api.ExecutionID,
	mutate func(*api.FlowExecution),
) (*api.FlowExecution, error) {
	exec, err := s.Get(ctx, org, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return exec, fmt.Errorf("%w: %s (%s)",
			ErrExecutionTerminal, id, exec.Status)
	}

	mutate(exec)

	data, err := json.Marshal(exec)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, s.key(org, id), data, 0).Err(); err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *ExecutionStore) key(org api.OrgID, id api.ExecutionID) string {
	return fmt.Sprintf("%s:exec:%s:%s", s.prefix, org, id)
}
