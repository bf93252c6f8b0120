// Package execlog persists the per-invocation audit trail. Every step the
// orchestrator attempts gets exactly one row: created when the step starts
// and updated in place when it reaches a terminal status.
package execlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/log"
)

type (
	// Store reads and writes execution log rows
	Store struct {
		client *redis.Client
		logger *slog.Logger
		clock  func() time.Time
		prefix string
	}

	// StartRecord is everything needed to open an invocation row
	StartRecord struct {
		Inputs      *api.InputsSnapshot
		OrgID       api.OrgID
		UserID      api.UserID
		FlowID      api.FlowID
		ExecutionID api.ExecutionID
		StepID      api.StepID
		Attempt     int
	}

	// TimeRange bounds a stats query by row creation time. Zero ends are
	// unbounded.
	TimeRange struct {
		From time.Time
		To   time.Time
	}
)

var (
	ErrLogNotFound = errors.New("execution log row not found")
	ErrLogTerminal = errors.New("execution log row already terminal")
)

// NewStore creates a log store on the given client
func NewStore(client *redis.Client, prefix string, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
		clock:  time.Now,
		prefix: prefix,
	}
}

// MarkStepStarted opens the invocation row and indexes it under the
// execution. The returned row ID is the handle for the terminal update.
func (s *Store) MarkStepStarted(
	ctx context.Context, rec *StartRecord,
) (string, error) {
	now := s.clock()
	row := &api.ExecutionLog{
		ID:          uuid.NewString(),
		OrgID:       rec.OrgID,
		UserID:      rec.UserID,
		FlowID:      rec.FlowID,
		ExecutionID: rec.ExecutionID,
		StepID:      rec.StepID,
		Status:      api.InvocationStarted,
		Attempt:     rec.Attempt,
		Inputs:      rec.Inputs,
		CreatedAt:   now,
	}

	data, err := json.Marshal(row)
	if err != nil {
		return "", err
	}

	entry := redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: row.ID,
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.rowKey(row.ID), data, 0)
	pipe.ZAdd(ctx, s.indexKey(rec.OrgID, rec.ExecutionID), entry)
	pipe.ZAdd(ctx, s.orgIndexKey(rec.OrgID), entry)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return row.ID, nil
}

// MarkStepCompleted closes the row as completed with the step's outputs
func (s *Store) MarkStepCompleted(
	ctx context.Context, logID string, outputs map[string]any,
) error {
	return s.finish(ctx, logID, func(row *api.ExecutionLog) {
		row.Status = api.InvocationCompleted
		row.Outputs = outputs
	})
}

// MarkStepFailed closes the row as failed with the normalized error
func (s *Store) MarkStepFailed(
	ctx context.Context, logID string, rec *api.ErrorRecord,
) error {
	return s.finish(ctx, logID, func(row *api.ExecutionLog) {
		row.Status = api.InvocationFailed
		row.Error = rec
	})
}

// MarkStepSkipped closes the row as skipped, recording the reason under
// outputs.skipReason
func (s *Store) MarkStepSkipped(
	ctx context.Context, logID string, reason string,
) error {
	return s.finish(ctx, logID, func(row *api.ExecutionLog) {
		row.Status = api.InvocationSkipped
		row.Outputs = map[string]any{"skipReason": reason}
	})
}

func (s *Store) finish(
	ctx context.Context, logID string, update func(*api.ExecutionLog),
) error {
	row, err := s.getRow(ctx, logID)
	if err != nil {
		return err
	}
	if row.Status.IsTerminal() {
		return fmt.Errorf("%w: %s (%s)", ErrLogTerminal, logID, row.Status)
	}

	update(row)
	row.UpdatedAt = s.clock()

	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.rowKey(logID), data, 0).Err(); err != nil {
		return err
	}
	s.logger.Debug("execution log updated",
		log.ExecutionID(row.ExecutionID),
		log.StepID(row.StepID),
		log.Status(row.Status),
	)
	return nil
}

// GetExecutionLogs returns the rows of one execution, oldest first
func (s *Store) GetExecutionLogs(
	ctx context.Context, org api.OrgID, executionID api.ExecutionID,
) ([]*api.ExecutionLog, error) {
	ids, err := s.client.ZRange(
		ctx, s.indexKey(org, executionID), 0, -1,
	).Result()
	if err != nil {
		return nil, err
	}

	rows := make([]*api.ExecutionLog, 0, len(ids))
	for _, id := range ids {
		row, err := s.getRow(ctx, id)
		if err != nil {
			if errors.Is(err, ErrLogNotFound) {
				continue
			}
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// GetStepLogs returns an execution's rows restricted to one flow. Rows
// written under a different flow ID never appear, even for a matching
// execution ID.
func (s *Store) GetStepLogs(
	ctx context.Context, flowID api.FlowID, executionID api.ExecutionID,
	org api.OrgID,
) ([]*api.ExecutionLog, error) {
	rows, err := s.GetExecutionLogs(ctx, org, executionID)
	if err != nil {
		return nil, err
	}
	filtered := rows[:0]
	for _, row := range rows {
		if row.FlowID == flowID {
			filtered = append(filtered, row)
		}
	}
	return filtered, nil
}

// GetExecutionStats aggregates an org's rows across executions, bounded
// by the optional time range. TotalExecutions counts distinct executions
// that produced at least one row in range.
func (s *Store) GetExecutionStats(
	ctx context.Context, org api.OrgID, rng *TimeRange,
) (*api.ExecutionStats, error) {
	min, max := "-inf", "+inf"
	if rng != nil {
		if !rng.From.IsZero() {
			min = fmt.Sprintf("%d", rng.From.UnixMilli())
		}
		if !rng.To.IsZero() {
			max = fmt.Sprintf("%d", rng.To.UnixMilli())
		}
	}
	ids, err := s.client.ZRangeByScore(ctx, s.orgIndexKey(org),
		&redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, err
	}

	rows := make([]*api.ExecutionLog, 0, len(ids))
	for _, id := range ids {
		row, err := s.getRow(ctx, id)
		if err != nil {
			if errors.Is(err, ErrLogNotFound) {
				continue
			}
			return nil, err
		}
		rows = append(rows, row)
	}
	return Aggregate(rows), nil
}

// Aggregate tallies log rows into the stats shape. TotalExecutions is the
// number of distinct execution IDs among the rows.
func Aggregate(rows []*api.ExecutionLog) *api.ExecutionStats {
	stats := &api.ExecutionStats{}
	seen := map[api.ExecutionID]struct{}{}
	var total float64
	var timed int
	for _, row := range rows {
		seen[row.ExecutionID] = struct{}{}
		switch row.Status {
		case api.InvocationCompleted:
			stats.CompletedSteps++
		case api.InvocationFailed:
			stats.FailedSteps++
		case api.InvocationSkipped:
			stats.SkippedSteps++
		}
		if row.Status.IsTerminal() && !row.UpdatedAt.IsZero() {
			total += float64(row.UpdatedAt.Sub(row.CreatedAt).Milliseconds())
			timed++
		}
	}
	stats.TotalExecutions = len(seen)
	if timed > 0 {
		stats.AvgExecutionTime = total / float64(timed)
	}
	return stats
}

func (s *Store) getRow(
	ctx context.Context, logID string,
) (*api.ExecutionLog, error) {
	data, err := s.client.Get(ctx, s.rowKey(logID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrLogNotFound, logID)
	}
	if err != nil {
		return nil, err
	}
	var row api.ExecutionLog
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// SetClock overrides the row timestamp source, for tests
func (s *Store) SetClock(clock func() time.Time) {
	s.clock = clock
}

func (s *Store) rowKey(logID string) string {
	return fmt.Sprintf("%s:log:%s", s.prefix, logID)
}

func (s *Store) indexKey(org api.OrgID, executionID api.ExecutionID) string {
	return fmt.Sprintf("%s:execlogs:%s:%s", s.prefix, org, executionID)
}

func (s *Store) orgIndexKey(org api.OrgID) string {
	return fmt.Sprintf("%s:execlogs:%s", s.prefix, org)
}
