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

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	wkflog "github.com/tombee/wkf/internal/log"
	"github.com/tombee/wkf/internal/metrics"
	"github.com/tombee/wkf/internal/serialize"
	"github.com/tombee/wkf/internal/world"
	wkferrors "github.com/tombee/wkf/pkg/errors"
)

// WorkflowFunc is a registered workflow body: it replays deterministically
// against c's event log snapshot, returning a Suspension to request another
// invocation once the suspension handler has durably committed its
// invocation queue.
type WorkflowFunc func(c *Context) ([]byte, error)

// Driver owns one orchestrator invocation of a run end to end: loading the
// event log, building the deterministic Context, running the workflow
// function, and recording the outcome — either handing a captured
// invocation queue to the suspension Handler, or appending the run's
// terminal event.
type Driver struct {
	World      world.World
	Suspension *Handler
	Logger     *slog.Logger
}

// NewDriver returns a Driver that logs to slog.Default().
func NewDriver(w world.World, suspension *Handler) *Driver {
	return &Driver{World: w, Suspension: suspension, Logger: slog.Default()}
}

// Run loads runID's current state, replays fn against it once, and either
// dispatches the resulting invocation queue to the suspension handler or
// appends run_completed/run_failed. The returned Result tells the caller
// whether and when to reschedule the workflow queue message.
func (d *Driver) Run(ctx context.Context, runID string, fn WorkflowFunc) (Result, error) {
	run, err := d.World.GetRun(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	logger := wkflog.WithRunContext(d.Logger, run.RunID, run.WorkflowName)

	events, err := d.World.ListByRun(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("load event log for %s: %w", runID, err)
	}
	key, err := d.World.GetEncryptionKeyForRun(ctx, runID)
	if err != nil {
		return Result{}, fmt.Errorf("load encryption key for %s: %w", runID, err)
	}
	cipher, err := serialize.NewCipher(key)
	if err != nil {
		return Result{}, fmt.Errorf("build cipher for %s: %w", runID, err)
	}

	wfCtx := NewContext(run, events, cipher, nil)
	output, runErr := fn(wfCtx)

	var susp *Suspension
	if errors.As(runErr, &susp) {
		logger.Info("workflow suspended", wkflog.CorrelationIDKey, susp.CorrelationID)
		return d.Suspension.Handle(ctx, run, run.SpecVersion, wfCtx.Invocations())
	}

	if corrupt := wfCtx.Unconsumed(); len(corrupt) > 0 {
		logger.Error("event log has unconsumed events after replay", "count", len(corrupt))
		return d.failRun(ctx, run, &wkferrors.RuntimeError{
			Slug:    "EVENT_LOG_CORRUPTION",
			Message: fmt.Sprintf("%d event(s) went unclaimed during replay", len(corrupt)),
		}, logger)
	}
	if runErr != nil {
		return d.failRun(ctx, run, runErr, logger)
	}
	return d.completeRun(ctx, run, wfCtx, output, logger)
}

func (d *Driver) completeRun(ctx context.Context, run *world.Run, wfCtx *Context, output []byte, logger *slog.Logger) (Result, error) {
	envelope, err := serialize.Serialize(output, wfCtx.SerializeOptions())
	if err != nil {
		return Result{}, fmt.Errorf("serialize output for %s: %w", run.RunID, err)
	}
	_, err = d.World.CreateEvent(ctx, run.RunID, world.EventInput{
		EventType: world.EventRunCompleted,
		EventData: envelope,
	}, world.CreateEventOpts{SpecVersion: run.SpecVersion})
	if ignoreAlreadyTerminal(err, logger, run.RunID, world.EventRunCompleted) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("append run_completed for %s: %w", run.RunID, err)
	}
	metrics.RecordRunDuration("completed", time.Since(run.CreatedAt))
	logger.Info("run completed")
	return Result{}, nil
}

func (d *Driver) failRun(ctx context.Context, run *world.Run, runErr error, logger *slog.Logger) (Result, error) {
	structuredErr := world.StructuredError{Message: runErr.Error()}
	var stepErr *StepError
	if errors.As(runErr, &stepErr) {
		structuredErr = stepErr.StructuredError
	}
	payload, err := json.Marshal(structuredErr)
	if err != nil {
		return Result{}, fmt.Errorf("marshal run failure for %s: %w", run.RunID, err)
	}
	_, err = d.World.CreateEvent(ctx, run.RunID, world.EventInput{
		EventType: world.EventRunFailed,
		EventData: payload,
	}, world.CreateEventOpts{SpecVersion: run.SpecVersion})
	if ignoreAlreadyTerminal(err, logger, run.RunID, world.EventRunFailed) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("append run_failed for %s: %w", run.RunID, err)
	}
	metrics.RecordRunDuration("failed", time.Since(run.CreatedAt))
	logger.Warn("run failed", "error", structuredErr.Message)
	return Result{}, nil
}

// ignoreAlreadyTerminal reports whether err is a 409/410 from a run
// lifecycle append that has already been durably applied — these are the
// normal shape of a redelivered workflow message racing its own prior
// attempt, not a failure the caller should propagate.
func ignoreAlreadyTerminal(err error, logger *slog.Logger, runID string, eventType world.EventType) bool {
	if err == nil {
		return false
	}
	var conflict *wkferrors.ConflictError
	if errors.As(err, &conflict) {
		logger.Info("run already terminal, skipping duplicate append", "run_id", runID, "event_type", string(eventType))
		return true
	}
	var gone *wkferrors.GoneError
	if errors.As(err, &gone) {
		logger.Info("run already terminal", "run_id", runID, "event_type", string(eventType))
		return true
	}
	return false
}
