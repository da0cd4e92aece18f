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

// Package postgres implements the World storage abstraction on top of
// PostgreSQL via pgx. The pool is externally owned: the caller creates and
// closes it, this package only runs Init and queries against it.
package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/hkdf"

	"github.com/tombee/wkf/internal/world"
	wkferrors "github.com/tombee/wkf/pkg/errors"
)

var _ world.World = (*Store)(nil)

// Store is a PostgreSQL-backed World.
type Store struct {
	pool         *pgxpool.Pool
	deploymentID string
	masterSecret []byte
}

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it.
func New(pool *pgxpool.Pool, deploymentID string, masterSecret []byte) *Store {
	return &Store{pool: pool, deploymentID: deploymentID, masterSecret: masterSecret}
}

// Init creates all required tables and indexes. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			correlation_id TEXT,
			event_data BYTEA,
			spec_version INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id, event_id)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			workflow_name TEXT,
			deployment_id TEXT NOT NULL,
			spec_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			input BYTEA,
			output BYTEA,
			error JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			step_name TEXT,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			input BYTEA,
			result BYTEA,
			error JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (run_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS hooks (
			hook_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			token TEXT NOT NULL,
			metadata BYTEA,
			disposed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_hooks_live_token ON hooks(token) WHERE NOT disposed`,
		`CREATE TABLE IF NOT EXISTS waits (
			wait_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			resume_at TIMESTAMPTZ NOT NULL,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// DeploymentID identifies this store's deployment.
func (s *Store) DeploymentID() string { return s.deploymentID }

// Close is a no-op: the caller owns the pool.
func (s *Store) Close() error { return nil }

func isTerminalRunStatus(status world.RunStatus) bool {
	switch status {
	case world.RunCompleted, world.RunFailed, world.RunCancelled:
		return true
	default:
		return false
	}
}

func isTerminalStepStatus(status world.StepStatus) bool {
	return status == world.StepCompleted || status == world.StepFailed
}

var legacySkips = map[world.EventType]bool{
	world.EventStepRetrying: true,
	world.EventHookConflict: true,
}

// CreateEvent implements world.EventStore. The event append and its entity
// mutation commit in a single transaction.
func (s *Store) CreateEvent(ctx context.Context, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var res *world.CreateEventResult
	if in.EventType == world.EventRunCreated {
		res, err = s.createRunTx(ctx, tx, runID, in, opts)
	} else {
		var status string
		qerr := tx.QueryRow(ctx, `SELECT status FROM runs WHERE run_id = $1`, runID).Scan(&status)
		if qerr == pgx.ErrNoRows {
			return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_RUN", Message: "event appended before run_created: " + runID}
		}
		if qerr != nil {
			return nil, fmt.Errorf("postgres: lookup run: %w", qerr)
		}
		if isTerminalRunStatus(world.RunStatus(status)) {
			return nil, &wkferrors.GoneError{RunID: runID}
		}

		switch in.EventType {
		case world.EventRunCompleted, world.EventRunFailed, world.EventRunCancelled:
			res, err = s.terminateRunTx(ctx, tx, runID, in, opts)
		case world.EventStepCreated:
			res, err = s.createStepTx(ctx, tx, runID, in, opts)
		case world.EventStepStarted:
			res, err = s.startStepTx(ctx, tx, runID, in, opts)
		case world.EventStepCompleted, world.EventStepFailed:
			res, err = s.terminateStepTx(ctx, tx, runID, in, opts)
		case world.EventStepRetrying:
			res, err = s.retryStepTx(ctx, tx, runID, in, opts)
		case world.EventHookCreated:
			res, err = s.createHookTx(ctx, tx, runID, in, opts)
		case world.EventHookReceived:
			res, err = s.receiveHookTx(ctx, tx, runID, in, opts)
		case world.EventHookDisposed:
			res, err = s.disposeHookTx(ctx, tx, runID, in, opts)
		case world.EventWaitCreated:
			res, err = s.createWaitTx(ctx, tx, runID, in, opts)
		case world.EventWaitCompleted:
			res, err = s.completeWaitTx(ctx, tx, runID, in, opts)
		default:
			return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_EVENT_TYPE", Message: "unknown event type: " + string(in.EventType)}
		}
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit tx: %w", err)
	}
	return res, nil
}

func (s *Store) appendTx(ctx context.Context, tx pgx.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.Event, error) {
	if opts.SpecVersion == world.LegacySpecVersion && legacySkips[in.EventType] {
		return nil, nil
	}
	now := time.Now()
	var id int64
	err := tx.QueryRow(ctx,
		`INSERT INTO events (run_id, event_type, correlation_id, event_data, spec_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING event_id`,
		runID, string(in.EventType), nullString(in.CorrelationID), nullBytes(in.EventData), opts.SpecVersion, now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("postgres: insert event: %w", err)
	}
	return &world.Event{
		EventID:       id,
		RunID:         runID,
		EventType:     in.EventType,
		CorrelationID: in.CorrelationID,
		EventData:     in.EventData,
		CreatedAt:     now,
		SpecVersion:   opts.SpecVersion,
	}, nil
}

func (s *Store) createRunTx(ctx context.Context, tx pgx.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	var exists int
	if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM runs WHERE run_id = $1`, runID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("postgres: check run exists: %w", err)
	}
	if exists > 0 {
		return nil, &wkferrors.ConflictError{RunID: runID, CorrelationID: runID, EventType: string(world.EventRunCreated)}
	}
	now := time.Now()
	run := &world.Run{
		RunID:        runID,
		WorkflowName: opts.WorkflowName,
		DeploymentID: s.deploymentID,
		SpecVersion:  opts.SpecVersion,
		Status:       world.RunRunning,
		Input:        in.EventData,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO runs (run_id, workflow_name, deployment_id, spec_version, status, input, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.RunID, nullString(run.WorkflowName), run.DeploymentID, run.SpecVersion, string(run.Status), nullBytes(run.Input), now, now,
	); err != nil {
		return nil, fmt.Errorf("postgres: insert run: %w", err)
	}
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Run: run}, nil
}

func (s *Store) terminateRunTx(ctx context.Context, tx pgx.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	now := time.Now()
	var status world.RunStatus
	var output []byte
	switch in.EventType {
	case world.EventRunCompleted:
		status, output = world.RunCompleted, in.EventData
	case world.EventRunFailed:
		status = world.RunFailed
	case world.EventRunCancelled:
		status = world.RunCancelled
	}
	if _, err := tx.Exec(ctx,
		`UPDATE runs SET status = $1, output = $2, updated_at = $3, completed_at = $4 WHERE run_id = $5`,
		string(status), nullBytes(output), now, now, runID,
	); err != nil {
		return nil, fmt.Errorf("postgres: terminate run: %w", err)
	}
	run, err := s.getRunTx(ctx, tx, runID)
	if err != nil {
		return nil, err
	}
	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Run: run}, nil
}

func (s *Store) getRunTx(ctx context.Context, tx pgx.Tx, runID string) (*world.Run, error) {
	var run world.Run
	var workflowName *string
	var input, output []byte
	var errJSON []byte
	var status string
	var completedAt *time.Time
	err := tx.QueryRow(ctx,
		`SELECT run_id, workflow_name, deployment_id, spec_version, status, input, output, error, created_at, updated_at, completed_at
		 FROM runs WHERE run_id = $1`, runID,
	).Scan(&run.RunID, &workflowName, &run.DeploymentID, &run.SpecVersion, &status, &input, &output, &errJSON, &run.CreatedAt, &run.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if workflowName != nil {
		run.WorkflowName = *workflowName
	}
	run.Status = world.RunStatus(status)
	run.Input = input
	run.Output = output
	if len(errJSON) > 0 {
		var se world.StructuredError
		if json.Unmarshal(errJSON, &se) == nil {
			run.Error = &se
		}
	}
	run.CompletedAt = completedAt
	return &run, nil
}

// GetRun implements world.RunReader.
func (s *Store) GetRun(ctx context.Context, runID string) (*world.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	run, err := s.getRunTx(ctx, tx, runID)
	if err != nil {
		return nil, &wkferrors.NotFoundError{Resource: "run", ID: runID}
	}
	return run, nil
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

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
