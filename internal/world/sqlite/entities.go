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

package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/wkf/internal/world"
	wkferrors "github.com/tombee/wkf/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

type hookCreatedPayload struct {
	Token string `json:"token"`
}

type waitCreatedPayload struct {
	ResumeAt time.Time `json:"resumeAt"`
}

func (s *Store) getStepTx(ctx context.Context, tx *sql.Tx, runID, stepID string) (*world.Step, error) {
	var step world.Step
	var stepName, errStr, retryAfterMs sql.NullString
	var input, result sql.NullString
	var createdAt, updatedAt, status string
	err := tx.QueryRowContext(ctx,
		`SELECT run_id, step_id, step_name, status, attempt, input, result, error, retry_after_ms, created_at, updated_at
		 FROM steps WHERE run_id = ? AND step_id = ?`, runID, stepID,
	).Scan(&step.RunID, &step.StepID, &stepName, &status, &step.Attempt, &input, &result, &errStr, &retryAfterMs, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	step.StepName = stepName.String
	step.Status = world.StepStatus(status)
	if input.Valid {
		step.Input = []byte(input.String)
	}
	if result.Valid {
		step.Result = []byte(result.String)
	}
	if errStr.Valid {
		var se world.StructuredError
		if json.Unmarshal([]byte(errStr.String), &se) == nil {
			step.Error = &se
		}
	}
	step.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	step.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &step, nil
}

func (s *Store) createStepTx(ctx context.Context, tx *sql.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM steps WHERE run_id = ? AND step_id = ?`, runID, in.CorrelationID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check step exists: %w", err)
	}
	if exists > 0 {
		return nil, &wkferrors.ConflictError{RunID: runID, CorrelationID: in.CorrelationID, EventType: string(world.EventStepCreated)}
	}
	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO steps (run_id, step_id, step_name, status, attempt, input, result, error, retry_after_ms, created_at, updated_at)
		 VALUES (?, ?, NULL, ?, 0, ?, NULL, NULL, NULL, ?, ?)`,
		runID, in.CorrelationID, string(world.StepPending), nullBytes(in.EventData), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
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

func (s *Store) startStepTx(ctx context.Context, tx *sql.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	step, err := s.getStepTx(ctx, tx, runID, in.CorrelationID)
	if err == sql.ErrNoRows {
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_STEP", Message: "event appended before step_created: " + in.CorrelationID}
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	if !isTerminalStepStatus(step.Status) {
		now := time.Now()
		step.Attempt++
		step.Status = world.StepRunning
		step.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE steps SET status = ?, attempt = ?, updated_at = ? WHERE run_id = ? AND step_id = ?`,
			string(step.Status), step.Attempt, now.Format(time.RFC3339Nano), runID, in.CorrelationID,
		); err != nil {
			return nil, fmt.Errorf("start step: %w", err)
		}
	}
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Step: step}, nil
}

func (s *Store) terminateStepTx(ctx context.Context, tx *sql.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	step, err := s.getStepTx(ctx, tx, runID, in.CorrelationID)
	if err == sql.ErrNoRows {
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_STEP", Message: "event appended before step_created: " + in.CorrelationID}
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
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
	if _, err := tx.ExecContext(ctx,
		`UPDATE steps SET status = ?, result = ?, updated_at = ? WHERE run_id = ? AND step_id = ?`,
		string(step.Status), nullBytes(result), now.Format(time.RFC3339Nano), runID, in.CorrelationID,
	); err != nil {
		return nil, fmt.Errorf("terminate step: %w", err)
	}
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Step: step}, nil
}

func (s *Store) retryStepTx(ctx context.Context, tx *sql.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	step, err := s.getStepTx(ctx, tx, runID, in.CorrelationID)
	if err == sql.ErrNoRows {
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_STEP", Message: "event appended before step_created: " + in.CorrelationID}
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	if isTerminalStepStatus(step.Status) {
		return nil, &wkferrors.ConflictError{RunID: runID, CorrelationID: in.CorrelationID, EventType: string(world.EventStepRetrying)}
	}
	now := time.Now()
	if _, err := tx.ExecContext(ctx, `UPDATE steps SET updated_at = ? WHERE run_id = ? AND step_id = ?`, now.Format(time.RFC3339Nano), runID, in.CorrelationID); err != nil {
		return nil, fmt.Errorf("retry step: %w", err)
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
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
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

func (s *Store) createHookTx(ctx context.Context, tx *sql.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	token := hookToken(in.EventData)
	var liveOwner sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT hook_id FROM hooks WHERE token = ? AND disposed = 0`, token).Scan(&liveOwner)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("check token: %w", err)
	}
	if liveOwner.Valid && liveOwner.String != in.CorrelationID {
		conflictIn := world.EventInput{EventType: world.EventHookConflict, CorrelationID: in.CorrelationID, EventData: in.EventData}
		ev, aerr := s.appendTx(ctx, tx, runID, conflictIn, opts)
		if aerr != nil {
			return nil, aerr
		}
		return &world.CreateEventResult{Event: ev}, nil
	}

	now := time.Now()
	hook := &world.Hook{HookID: in.CorrelationID, RunID: runID, Token: token, Metadata: in.EventData, CreatedAt: now}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO hooks (hook_id, run_id, token, metadata, disposed, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		hook.HookID, runID, token, nullBytes(in.EventData), now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("insert hook: %w", err)
	}
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Hook: hook}, nil
}

func (s *Store) getHookByIDTx(ctx context.Context, tx *sql.Tx, hookID string) (*world.Hook, error) {
	var hook world.Hook
	var metadata sql.NullString
	var disposed int
	var createdAt string
	err := tx.QueryRowContext(ctx, `SELECT hook_id, run_id, token, metadata, disposed, created_at FROM hooks WHERE hook_id = ?`, hookID).
		Scan(&hook.HookID, &hook.RunID, &hook.Token, &metadata, &disposed, &createdAt)
	if err != nil {
		return nil, err
	}
	if metadata.Valid {
		hook.Metadata = []byte(metadata.String)
	}
	hook.Disposed = disposed != 0
	hook.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &hook, nil
}

func (s *Store) receiveHookTx(ctx context.Context, tx *sql.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	hook, err := s.getHookByIDTx(ctx, tx, in.CorrelationID)
	if err == sql.ErrNoRows {
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_HOOK", Message: "event appended before hook_created: " + in.CorrelationID}
	}
	if err != nil {
		return nil, fmt.Errorf("get hook: %w", err)
	}
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Hook: hook}, nil
}

func (s *Store) disposeHookTx(ctx context.Context, tx *sql.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	hook, err := s.getHookByIDTx(ctx, tx, in.CorrelationID)
	if err == sql.ErrNoRows {
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_HOOK", Message: "event appended before hook_created: " + in.CorrelationID}
	}
	if err != nil {
		return nil, fmt.Errorf("get hook: %w", err)
	}
	if hook.Disposed {
		return nil, &wkferrors.ConflictError{RunID: runID, CorrelationID: in.CorrelationID, EventType: string(world.EventHookDisposed)}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE hooks SET disposed = 1 WHERE hook_id = ?`, hook.HookID); err != nil {
		return nil, fmt.Errorf("dispose hook: %w", err)
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
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	var hook world.Hook
	var metadata sql.NullString
	var disposed int
	var createdAt string
	err = tx.QueryRowContext(ctx, `SELECT hook_id, run_id, token, metadata, disposed, created_at FROM hooks WHERE token = ? AND disposed = 0`, token).
		Scan(&hook.HookID, &hook.RunID, &hook.Token, &metadata, &disposed, &createdAt)
	if err != nil {
		return nil, &wkferrors.NotFoundError{Resource: "hook", ID: token}
	}
	if metadata.Valid {
		hook.Metadata = []byte(metadata.String)
	}
	hook.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &hook, nil
}

func (s *Store) createWaitTx(ctx context.Context, tx *sql.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM waits WHERE wait_id = ?`, in.CorrelationID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check wait exists: %w", err)
	}
	if exists > 0 {
		return nil, &wkferrors.ConflictError{RunID: runID, CorrelationID: in.CorrelationID, EventType: string(world.EventWaitCreated)}
	}
	var p waitCreatedPayload
	_ = json.Unmarshal(in.EventData, &p)
	now := time.Now()
	wait := &world.Wait{WaitID: in.CorrelationID, RunID: runID, ResumeAt: p.ResumeAt, CreatedAt: now}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO waits (wait_id, run_id, resume_at, completed, created_at) VALUES (?, ?, ?, 0, ?)`,
		wait.WaitID, runID, wait.ResumeAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("insert wait: %w", err)
	}
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Wait: wait}, nil
}

func (s *Store) completeWaitTx(ctx context.Context, tx *sql.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	var resumeAt, createdAt string
	var completed int
	err := tx.QueryRowContext(ctx, `SELECT resume_at, completed, created_at FROM waits WHERE wait_id = ?`, in.CorrelationID).Scan(&resumeAt, &completed, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_WAIT", Message: "event appended before wait_created: " + in.CorrelationID}
	}
	if err != nil {
		return nil, fmt.Errorf("get wait: %w", err)
	}
	if completed != 0 {
		return nil, &wkferrors.ConflictError{RunID: runID, CorrelationID: in.CorrelationID, EventType: string(world.EventWaitCompleted)}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE waits SET completed = 1 WHERE wait_id = ?`, in.CorrelationID); err != nil {
		return nil, fmt.Errorf("complete wait: %w", err)
	}
	wait := &world.Wait{WaitID: in.CorrelationID, RunID: runID, Completed: true}
	wait.ResumeAt, _ = time.Parse(time.RFC3339Nano, resumeAt)
	wait.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Wait: wait}, nil
}

// ListByRun implements world.EventStore.
func (s *Store) ListByRun(ctx context.Context, runID string) ([]*world.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, run_id, event_type, correlation_id, event_data, spec_version, created_at FROM events WHERE run_id = ? ORDER BY event_id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*world.Event
	for rows.Next() {
		var ev world.Event
		var correlationID, eventData sql.NullString
		var eventType, createdAt string
		if err := rows.Scan(&ev.EventID, &ev.RunID, &eventType, &correlationID, &eventData, &ev.SpecVersion, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.EventType = world.EventType(eventType)
		ev.CorrelationID = correlationID.String
		if eventData.Valid {
			ev.EventData = []byte(eventData.String)
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// GetEncryptionKeyForRun implements world.KeyProvider.
func (s *Store) GetEncryptionKeyForRun(ctx context.Context, runID string) ([]byte, error) {
	if len(s.masterSecret) == 0 {
		return nil, nil
	}
	info := []byte(s.deploymentID + "|" + runID)
	reader := hkdf.New(sha256.New, s.masterSecret, nil, info)
	key := make([]byte, 32)
	if _, err := reader.Read(key); err != nil {
		return nil, &wkferrors.RuntimeError{Slug: "KEY_DERIVATION_FAILED", Message: "hkdf expand", Cause: err}
	}
	return key, nil
}
