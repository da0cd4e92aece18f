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

// Package sqlite provides a single-node durable World backend: an
// append-only events table plus materialized runs/steps/hooks/waits
// tables kept in sync inside the same transaction as the event append.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/wkf/internal/world"
	wkferrors "github.com/tombee/wkf/pkg/errors"

	_ "modernc.org/sqlite"
)

var _ world.World = (*Store)(nil)

// Store is a SQLite-backed World.
type Store struct {
	db           *sql.DB
	deploymentID string
	masterSecret []byte
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path, or ":memory:" for an ephemeral store.
	Path string

	// WAL enables Write-Ahead Logging for concurrent readers.
	WAL bool

	// DeploymentID stamps Run rows and seeds encryption key derivation.
	DeploymentID string

	// MasterSecret seeds per-run key derivation. Nil means runs are
	// unencrypted.
	MasterSecret []byte
}

// New opens (creating if absent) a SQLite-backed World.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, deploymentID: cfg.DeploymentID, masterSecret: cfg.MasterSecret}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			correlation_id TEXT,
			event_data BLOB,
			spec_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id, event_id)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			workflow_name TEXT,
			deployment_id TEXT NOT NULL,
			spec_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			input BLOB,
			output BLOB,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			step_name TEXT,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			input BLOB,
			result BLOB,
			error TEXT,
			retry_after_ms INTEGER,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS hooks (
			hook_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			token TEXT NOT NULL,
			metadata BLOB,
			disposed INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_hooks_live_token ON hooks(token) WHERE disposed = 0`,
		`CREATE TABLE IF NOT EXISTS waits (
			wait_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			resume_at TEXT NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// DeploymentID identifies this store's deployment.
func (s *Store) DeploymentID() string { return s.deploymentID }

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var res *world.CreateEventResult
	if in.EventType == world.EventRunCreated {
		res, err = s.createRunTx(ctx, tx, runID, in, opts)
	} else {
		var status string
		qerr := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
		if qerr == sql.ErrNoRows {
			return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_RUN", Message: "event appended before run_created: " + runID}
		}
		if qerr != nil {
			return nil, fmt.Errorf("lookup run: %w", qerr)
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
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return res, nil
}

func (s *Store) appendTx(ctx context.Context, tx *sql.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.Event, error) {
	if opts.SpecVersion == world.LegacySpecVersion && legacySkips[in.EventType] {
		return nil, nil
	}
	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, event_type, correlation_id, event_data, spec_version, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, string(in.EventType), nullString(in.CorrelationID), nullBytes(in.EventData), opts.SpecVersion, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("event id: %w", err)
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

func (s *Store) createRunTx(ctx context.Context, tx *sql.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE run_id = ?`, runID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check run exists: %w", err)
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
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, workflow_name, deployment_id, spec_version, status, input, output, error, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, NULL)`,
		run.RunID, nullString(run.WorkflowName), run.DeploymentID, run.SpecVersion, string(run.Status),
		nullBytes(run.Input), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	ev, err := s.appendTx(ctx, tx, runID, in, opts)
	if err != nil {
		return nil, err
	}
	return &world.CreateEventResult{Event: ev, Run: run}, nil
}

func (s *Store) terminateRunTx(ctx context.Context, tx *sql.Tx, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
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
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, output = ?, updated_at = ?, completed_at = ? WHERE run_id = ?`,
		string(status), nullBytes(output), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), runID,
	); err != nil {
		return nil, fmt.Errorf("terminate run: %w", err)
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

func (s *Store) getRunTx(ctx context.Context, tx *sql.Tx, runID string) (*world.Run, error) {
	var run world.Run
	var workflowName, errStr sql.NullString
	var input, output sql.NullString
	var completedAt sql.NullString
	var createdAt, updatedAt, status string
	err := tx.QueryRowContext(ctx,
		`SELECT run_id, workflow_name, deployment_id, spec_version, status, input, output, error, created_at, updated_at, completed_at FROM runs WHERE run_id = ?`,
		runID,
	).Scan(&run.RunID, &workflowName, &run.DeploymentID, &run.SpecVersion, &status, &input, &output, &errStr, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.WorkflowName = workflowName.String
	run.Status = world.RunStatus(status)
	if input.Valid {
		run.Input = []byte(input.String)
	}
	if output.Valid {
		run.Output = []byte(output.String)
	}
	if errStr.Valid {
		var se world.StructuredError
		if jerr := json.Unmarshal([]byte(errStr.String), &se); jerr == nil {
			run.Error = &se
		}
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		run.CompletedAt = &t
	}
	return &run, nil
}

// GetRun implements world.RunReader.
func (s *Store) GetRun(ctx context.Context, runID string) (*world.Run, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	run, err := s.getRunTx(ctx, tx, runID)
	if err != nil {
		return nil, &wkferrors.NotFoundError{Resource: "run", ID: runID}
	}
	return run, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
