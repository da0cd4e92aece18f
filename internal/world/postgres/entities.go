// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tombee/wkf/internal/world"
	wkferrors "github.com/tombee/wkf/pkg/errors"
)

type hookCreatedPayload struct {
	Token string `json:"token"`
}

type waitCreatedPayload struct {
	ResumeAt time.Time `json:"resumeAt"`
}

func (s *Store) getStepTx(ctx context.Context, tx pgx.Tx, runID, stepID string) (*world.Step, error) {
	var step world.Step
	var stepName *string
	var input, result, errJSON []byte
	var status string
	err := tx.QueryRow(ctx,
		`SELECT run_id, step_id, step_name, status, attempt, input, result, error, created_at, updated_at
		 FROM steps WHERE run_id = $1 AND step_id = $2`, runID, stepID,
	).Scan(&step.RunID, &step.StepID, &stepName, &status, &step.Attempt, &input, &result, &errJSON, &step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if stepName != nil {
		step.StepName = *stepName
	}
	step.Status = world.StepStatus(status)
	step.Input = input
	step.Result = result
	if len(errJSON) > 0 {
		var se world.StructuredError
		if json.Unmarshal(errJSON, &se) == nil {
			step.Error = &se
		}
	}
	return &step, nil
}

func (s *Store) createStepTx(ctx context.Context, tx pgx.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	var exists int
	if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM steps WHERE run_id = $1 AND step_id = $2`, runID, in.CorrelationID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("postgres: check step exists: %w", err)
	}
	if exists > 0 {
		return nil, &wkferrors.ConflictError{RunID: runID, CorrelationID: in.CorrelationID, EventType: string(world.EventStepCreated)}
	}
	now := time.Now()
	if _, err := tx.Exec(ctx,
		`INSERT INTO steps (run_id, step_id, step_name, status, attempt, input, created_at, updated_at)
		 VALUES ($1, $2, NULL, $3, 0, $4, $5, $6)`,
		runID, in.CorrelationID, string(world.StepPending), nullBytes(in.EventData), now, now,
	); err != nil {
		return nil, fmt.Errorf("postgres: insert step: %w", err)
	}
	step, err := s.getStepTx(ctx, tx, runID, in.CorrelationID)
	if err != nil {
		return nil, err
	}
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Step: step}, nil
}

func (s *Store) startStepTx(ctx context.Context, tx pgx.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	step, err := s.getStepTx(ctx, tx, runID, in.CorrelationID)
	if err == pgx.ErrNoRows {
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_STEP", Message: "event appended before step_created: " + in.CorrelationID}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get step: %w", err)
	}
	if !isTerminalStepStatus(step.Status) {
		now := time.Now()
		step.Attempt++
		step.Status = world.StepRunning
		step.UpdatedAt = now
		if _, err := tx.Exec(ctx,
			`UPDATE steps SET status = $1, attempt = $2, updated_at = $3 WHERE run_id = $4 AND step_id = $5`,
			string(step.Status), step.Attempt, now, runID, in.CorrelationID,
		); err != nil {
			return nil, fmt.Errorf("postgres: start step: %w", err)
		}
	}
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Step: step}, nil
}

func (s *Store) terminateStepTx(ctx context.Context, tx pgx.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	step, err := s.getStepTx(ctx, tx, runID, in.CorrelationID)
	if err == pgx.ErrNoRows {
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_STEP", Message: "event appended before step_created: " + in.CorrelationID}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get step: %w", err)
	}
	if isTerminalStepStatus(step.Status) {
		return nil, &wkferrors.ConflictError{RunID: runID, CorrelationID: in.CorrelationID, EventType: string(in.EventType)}
	}
	now := time.Now()
	var result []byte
	if in.EventType == world.EventStepCompleted {
		step.Status = world.StepCompleted
		result = in.EventData
	} else {
		step.Status = world.StepFailed
	}
	step.Result = result
	step.UpdatedAt = now
	if _, err := tx.Exec(ctx,
		`UPDATE steps SET status = $1, result = $2, updated_at = $3 WHERE run_id = $4 AND step_id = $5`,
		string(step.Status), nullBytes(result), now, runID, in.CorrelationID,
	); err != nil {
		return nil, fmt.Errorf("postgres: terminate step: %w", err)
	}
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Step: step}, nil
}

func (s *Store) retryStepTx(ctx context.Context, tx pgx.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	step, err := s.getStepTx(ctx, tx, runID, in.CorrelationID)
	if err == pgx.ErrNoRows {
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_STEP", Message: "event appended before step_created: " + in.CorrelationID}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get step: %w", err)
	}
	if isTerminalStepStatus(step.Status) {
		return nil, &wkferrors.ConflictError{RunID: runID, CorrelationID: in.CorrelationID, EventType: string(world.EventStepRetrying)}
	}
	now := time.Now()
	if _, err := tx.Exec(ctx, `UPDATE steps SET updated_at = $1 WHERE run_id = $2 AND step_id = $3`, now, runID, in.CorrelationID); err != nil {
		return nil, fmt.Errorf("postgres: retry step: %w", err)
	}
	step.UpdatedAt = now
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Step: step}, nil
}

// GetStep implements world.StepReader.
func (s *Store) GetStep(ctx context.Context, runID, stepID string) (*world.Step, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	step, err := s.getStepTx(ctx, tx, runID, stepID)
	if err != nil {
		return nil, &wkferrors.NotFoundError{Resource: "step", ID: stepID}
	}
	return step, nil
}

func hookToken(data []byte) string {
	var p hookCreatedPayload
	if json.Unmarshal(data, &p) != nil {
		return ""
	}
	return p.Token
}

func (s *Store) createHookTx(ctx context.Context, tx pgx.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	token := hookToken(in.EventData)
	var liveOwner *string
	err := tx.QueryRow(ctx, `SELECT hook_id FROM hooks WHERE token = $1 AND NOT disposed`, token).Scan(&liveOwner)
	if err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("postgres: check token: %w", err)
	}
	if liveOwner != nil && *liveOwner != in.CorrelationID {
		conflictIn := world.EventInput{EventType: world.EventHookConflict, CorrelationID: in.CorrelationID, EventData: in.EventData}
		ev, aerr := s.appendTx(ctx, tx, runID, conflictIn, opts)
		if aerr != nil {
			return nil, aerr
		}
		return &world.CreateEventResult{Event: ev}, nil
	}

	now := time.Now()
	hook := &world.Hook{HookID: in.CorrelationID, RunID: runID, Token: token, Metadata: in.EventData, CreatedAt: now}
	if _, err := tx.Exec(ctx,
		`INSERT INTO hooks (hook_id, run_id, token, metadata, disposed, created_at) VALUES ($1, $2, $3, $4, FALSE, $5)`,
		hook.HookID, runID, token, nullBytes(in.EventData), now,
	); err != nil {
		return nil, fmt.Errorf("postgres: insert hook: %w", err)
	}
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Hook: hook}, nil
}

func (s *Store) getHookByIDTx(ctx context.Context, tx pgx.Tx, hookID string) (*world.Hook, error) {
	var hook world.Hook
	var metadata []byte
	err := tx.QueryRow(ctx, `SELECT hook_id, run_id, token, metadata, disposed, created_at FROM hooks WHERE hook_id = $1`, hookID).
		Scan(&hook.HookID, &hook.RunID, &hook.Token, &metadata, &hook.Disposed, &hook.CreatedAt)
	if err != nil {
		return nil, err
	}
	hook.Metadata = metadata
	return &hook, nil
}

func (s *Store) receiveHookTx(ctx context.Context, tx pgx.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	hook, err := s.getHookByIDTx(ctx, tx, in.CorrelationID)
	if err == pgx.ErrNoRows {
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_HOOK", Message: "event appended before hook_created: " + in.CorrelationID}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get hook: %w", err)
	}
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Hook: hook}, nil
}

func (s *Store) disposeHookTx(ctx context.Context, tx pgx.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	hook, err := s.getHookByIDTx(ctx, tx, in.CorrelationID)
	if err == pgx.ErrNoRows {
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_HOOK", Message: "event appended before hook_created: " + in.CorrelationID}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get hook: %w", err)
	}
	if hook.Disposed {
		return nil, &wkferrors.ConflictError{RunID: runID, CorrelationID: in.CorrelationID, EventType: string(world.EventHookDisposed)}
	}
	if _, err := tx.Exec(ctx, `UPDATE hooks SET disposed = TRUE WHERE hook_id = $1`, hook.HookID); err != nil {
		return nil, fmt.Errorf("postgres: dispose hook: %w", err)
	}
	hook.Disposed = true
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Hook: hook}, nil
}

// GetHookByToken implements world.HookReader.
func (s *Store) GetHookByToken(ctx context.Context, token string) (*world.Hook, error) {
	var hook world.Hook
	var metadata []byte
	err := s.pool.QueryRow(ctx,
		`SELECT hook_id, run_id, token, metadata, disposed, created_at FROM hooks WHERE token = $1 AND NOT disposed`, token,
	).Scan(&hook.HookID, &hook.RunID, &hook.Token, &metadata, &hook.Disposed, &hook.CreatedAt)
	if err != nil {
		return nil, &wkferrors.NotFoundError{Resource: "hook", ID: token}
	}
	hook.Metadata = metadata
	return &hook, nil
}

func (s *Store) createWaitTx(ctx context.Context, tx pgx.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	var exists int
	if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM waits WHERE wait_id = $1`, in.CorrelationID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("postgres: check wait exists: %w", err)
	}
	if exists > 0 {
		return nil, &wkferrors.ConflictError{RunID: runID, CorrelationID: in.CorrelationID, EventType: string(world.EventWaitCreated)}
	}
	var p waitCreatedPayload
	_ = json.Unmarshal(in.EventData, &p)
	now := time.Now()
	wait := &world.Wait{WaitID: in.CorrelationID, RunID: runID, ResumeAt: p.ResumeAt, CreatedAt: now}
	if _, err := tx.Exec(ctx,
		`INSERT INTO waits (wait_id, run_id, resume_at, completed, created_at) VALUES ($1, $2, $3, FALSE, $4)`,
		wait.WaitID, runID, wait.ResumeAt, now,
	); err != nil {
		return nil, fmt.Errorf("postgres: insert wait: %w", err)
	}
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Wait: wait}, nil
}

func (s *Store) completeWaitTx(ctx context.Context, tx pgx.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	var resumeAt, createdAt time.Time
	var completed bool
	err := tx.QueryRow(ctx, `SELECT resume_at, completed, created_at FROM waits WHERE wait_id = $1`, in.CorrelationID).Scan(&resumeAt, &completed, &createdAt)
	if err == pgx.ErrNoRows {
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_WAIT", Message: "event appended before wait_created: " + in.CorrelationID}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get wait: %w", err)
	}
	if completed {
		return nil, &wkferrors.ConflictError{RunID: runID, CorrelationID: in.CorrelationID, EventType: string(world.EventWaitCompleted)}
	}
	if _, err := tx.Exec(ctx, `UPDATE waits SET completed = TRUE WHERE wait_id = $1`, in.CorrelationID); err != nil {
		return nil, fmt.Errorf("postgres: complete wait: %w", err)
	}
	wait := &world.Wait{WaitID: in.CorrelationID, RunID: runID, ResumeAt: resumeAt, CreatedAt: createdAt, Completed: true}
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Wait: wait}, nil
}

// ListByRun implements world.EventStore.
func (s *Store) ListByRun(ctx context.Context, runID string) ([]*world.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, run_id, event_type, correlation_id, event_data, spec_version, created_at
		 FROM events WHERE run_id = $1 ORDER BY event_id ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var out []*world.Event
	for rows.Next() {
		var ev world.Event
		var correlationID *string
		var eventData []byte
		var eventType string
		if err := rows.Scan(&ev.EventID, &ev.RunID, &eventType, &correlationID, &eventData, &ev.SpecVersion, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.EventType = world.EventType(eventType)
		if correlationID != nil {
			ev.CorrelationID = *correlationID
		}
		ev.EventData = eventData
		out = append(out, &ev)
	}
	return out, rows.Err()
}
