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

// Package memory provides an in-process World backend: a single-node,
// non-durable reference implementation useful for tests and for running
// a single orchestrator instance without external storage.
package memory

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/tombee/wkf/internal/world"
	wkferrors "github.com/tombee/wkf/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

var _ world.World = (*Store)(nil)

// Store is an in-memory World backend. All mutations happen under a single
// mutex so that event append and entity mutation are trivially atomic;
// there is no I/O to interleave.
type Store struct {
	mu sync.Mutex

	deploymentID string
	masterSecret []byte

	nextEventID int64
	events      map[string][]*world.Event // runID -> ordered log

	runs  map[string]*world.Run
	steps map[string]map[string]*world.Step // runID -> stepID -> Step
	hooks map[string]*world.Hook            // hookID -> Hook
	token map[string]string                 // live token -> hookID
	waits map[string]*world.Wait            // waitID -> Wait
}

// New creates an empty in-memory store. masterSecret seeds per-run
// encryption key derivation; a nil secret means GetEncryptionKeyForRun
// always returns a nil key (runs are unencrypted).
func New(deploymentID string, masterSecret []byte) *Store {
	return &Store{
		deploymentID: deploymentID,
		masterSecret: masterSecret,
		events:       make(map[string][]*world.Event),
		runs:         make(map[string]*world.Run),
		steps:        make(map[string]map[string]*world.Step),
		hooks:        make(map[string]*world.Hook),
		token:        make(map[string]string),
		waits:        make(map[string]*world.Wait),
	}
}

// DeploymentID identifies this store's deployment.
func (s *Store) DeploymentID() string { return s.deploymentID }

// Close releases resources. The memory store holds none.
func (s *Store) Close() error { return nil }

func isTerminalRun(status world.RunStatus) bool {
	switch status {
	case world.RunCompleted, world.RunFailed, world.RunCancelled:
		return true
	default:
		return false
	}
}

// legacySkips names event types a specVersion==1 run does not persist to
// the log; only their entity mutation applies. step_retrying and
// hook_conflict are internal bookkeeping the legacy runtime never wrote.
var legacySkips = map[world.EventType]bool{
	world.EventStepRetrying: true,
	world.EventHookConflict: true,
}

// CreateEvent implements world.EventStore.
func (s *Store) CreateEvent(ctx context.Context, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.EventType == world.EventRunCreated {
		return s.createRunLocked(runID, in, opts)
	}

	run, ok := s.runs[runID]
	if !ok {
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_RUN", Message: "event appended before run_created: " + runID}
	}
	if isTerminalRun(run.Status) {
		return nil, &wkferrors.GoneError{RunID: runID}
	}

	switch in.EventType {
	case world.EventRunCompleted, world.EventRunFailed, world.EventRunCancelled:
		return s.terminateRunLocked(run, in, opts)
	case world.EventStepCreated:
		return s.createStepLocked(run, in, opts)
	case world.EventStepStarted:
		return s.startStepLocked(run, in, opts)
	case world.EventStepCompleted, world.EventStepFailed:
		return s.terminateStepLocked(run, in, opts)
	case world.EventStepRetrying:
		return s.retryStepLocked(run, in, opts)
	case world.EventHookCreated:
		return s.createHookLocked(run, in, opts)
	case world.EventHookReceived:
		return s.receiveHookLocked(run, in, opts)
	case world.EventHookDisposed:
		return s.disposeHookLocked(run, in, opts)
	case world.EventWaitCreated:
		return s.createWaitLocked(run, in, opts)
	case world.EventWaitCompleted:
		return s.completeWaitLocked(run, in, opts)
	default:
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_EVENT_TYPE", Message: "unknown event type: " + string(in.EventType)}
	}
}

// appendLocked assigns an EventID/CreatedAt and appends to the run's log,
// honoring the legacy skip set. Returns nil if the event was skipped.
func (s *Store) appendLocked(runID string, in world.EventInput, opts world.CreateEventOpts) *world.Event {
	if opts.SpecVersion == world.LegacySpecVersion && legacySkips[in.EventType] {
		return nil
	}
	s.nextEventID++
	ev := &world.Event{
		EventID:       s.nextEventID,
		RunID:         runID,
		EventType:     in.EventType,
		CorrelationID: in.CorrelationID,
		EventData:     in.EventData,
		CreatedAt:     time.Now(),
		SpecVersion:   opts.SpecVersion,
	}
	s.events[runID] = append(s.events[runID], ev)
	return ev
}

func (s *Store) createRunLocked(runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	if _, exists := s.runs[runID]; exists {
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
	s.runs[runID] = run
	s.steps[runID] = make(map[string]*world.Step)
	ev := s.appendLocked(runID, in, opts)
	runCopy := *run
	return &world.CreateEventResult{Event: ev, Run: &runCopy}, nil
}

func (s *Store) terminateRunLocked(run *world.Run, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	now := time.Now()
	run.UpdatedAt = now
	run.CompletedAt = &now
	switch in.EventType {
	case world.EventRunCompleted:
		run.Status = world.RunCompleted
		run.Output = in.EventData
	case world.EventRunFailed:
		run.Status = world.RunFailed
	case world.EventRunCancelled:
		run.Status = world.RunCancelled
	}
	ev := s.appendLocked(run.RunID, in, opts)
	runCopy := *run
	return &world.CreateEventResult{Event: ev, Run: &runCopy}, nil
}

func (s *Store) createStepLocked(run *world.Run, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	steps := s.steps[run.RunID]
	if _, exists := steps[in.CorrelationID]; exists {
		return nil, &wkferrors.ConflictError{RunID: run.RunID, CorrelationID: in.CorrelationID, EventType: string(world.EventStepCreated)}
	}
	now := time.Now()
	step := &world.Step{
		StepID:    in.CorrelationID,
		RunID:     run.RunID,
		Status:    world.StepPending,
		Input:     in.EventData,
		CreatedAt: now,
		UpdatedAt: now,
	}
	steps[in.CorrelationID] = step
	ev := s.appendLocked(run.RunID, in, opts)
	stepCopy := *step
	return &world.CreateEventResult{Event: ev, Step: &stepCopy}, nil
}

func (s *Store) lookupStepLocked(run *world.Run, stepID string) (*world.Step, error) {
	step, ok := s.steps[run.RunID][stepID]
	if !ok {
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_STEP", Message: "event appended before step_created: " + stepID}
	}
	return step, nil
}

func isTerminalStep(status world.StepStatus) bool {
	return status == world.StepCompleted || status == world.StepFailed
}

func (s *Store) startStepLocked(run *world.Run, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	step, err := s.lookupStepLocked(run, in.CorrelationID)
	if err != nil {
		return nil, err
	}
	ev := s.appendLocked(run.RunID, in, opts)
	if !isTerminalStep(step.Status) {
		step.Status = world.StepRunning
		step.Attempt++
		step.UpdatedAt = time.Now()
	}
	stepCopy := *step
	return &world.CreateEventResult{Event: ev, Step: &stepCopy}, nil
}

func (s *Store) terminateStepLocked(run *world.Run, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	step, err := s.lookupStepLocked(run, in.CorrelationID)
	if err != nil {
		return nil, err
	}
	if isTerminalStep(step.Status) {
		return nil, &wkferrors.ConflictError{RunID: run.RunID, CorrelationID: in.CorrelationID, EventType: string(in.EventType)}
	}
	step.UpdatedAt = time.Now()
	if in.EventType == world.EventStepCompleted {
		step.Status = world.StepCompleted
		step.Result = in.EventData
	} else {
		step.Status = world.StepFailed
	}
	ev := s.appendLocked(run.RunID, in, opts)
	stepCopy := *step
	return &world.CreateEventResult{Event: ev, Step: &stepCopy}, nil
}

func (s *Store) retryStepLocked(run *world.Run, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	step, err := s.lookupStepLocked(run, in.CorrelationID)
	if err != nil {
		return nil, err
	}
	if isTerminalStep(step.Status) {
		return nil, &wkferrors.ConflictError{RunID: run.RunID, CorrelationID: in.CorrelationID, EventType: string(world.EventStepRetrying)}
	}
	step.UpdatedAt = time.Now()
	ev := s.appendLocked(run.RunID, in, opts)
	stepCopy := *step
	return &world.CreateEventResult{Event: ev, Step: &stepCopy}, nil
}

func (s *Store) createHookLocked(run *world.Run, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	token := hookToken(in.EventData)
	if owner, live := s.token[token]; live && owner != in.CorrelationID {
		conflictIn := world.EventInput{
			EventType:     world.EventHookConflict,
			CorrelationID: in.CorrelationID,
			EventData:     in.EventData,
		}
		ev := s.appendLocked(run.RunID, conflictIn, opts)
		return &world.CreateEventResult{Event: ev}, nil
	}

	now := time.Now()
	hook := &world.Hook{
		HookID:    in.CorrelationID,
		RunID:     run.RunID,
		Token:     token,
		Metadata:  in.EventData,
		CreatedAt: now,
	}
	s.hooks[in.CorrelationID] = hook
	s.token[token] = in.CorrelationID
	ev := s.appendLocked(run.RunID, in, opts)
	hookCopy := *hook
	return &world.CreateEventResult{Event: ev, Hook: &hookCopy}, nil
}

func (s *Store) lookupHookLocked(correlationID string) (*world.Hook, error) {
	hook, ok := s.hooks[correlationID]
	if !ok {
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_HOOK", Message: "event appended before hook_created: " + correlationID}
	}
	return hook, nil
}

func (s *Store) receiveHookLocked(run *world.Run, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	hook, err := s.lookupHookLocked(in.CorrelationID)
	if err != nil {
		return nil, err
	}
	ev := s.appendLocked(run.RunID, in, opts)
	hookCopy := *hook
	return &world.CreateEventResult{Event: ev, Hook: &hookCopy}, nil
}

func (s *Store) disposeHookLocked(run *world.Run, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	hook, err := s.lookupHookLocked(in.CorrelationID)
	if err != nil {
		return nil, err
	}
	if hook.Disposed {
		return nil, &wkferrors.ConflictError{RunID: run.RunID, CorrelationID: in.CorrelationID, EventType: string(world.EventHookDisposed)}
	}
	hook.Disposed = true
	if s.token[hook.Token] == hook.HookID {
		delete(s.token, hook.Token)
	}
	ev := s.appendLocked(run.RunID, in, opts)
	hookCopy := *hook
	return &world.CreateEventResult{Event: ev, Hook: &hookCopy}, nil
}

func (s *Store) createWaitLocked(run *world.Run, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	if _, exists := s.waits[in.CorrelationID]; exists {
		return nil, &wkferrors.ConflictError{RunID: run.RunID, CorrelationID: in.CorrelationID, EventType: string(world.EventWaitCreated)}
	}
	resumeAt, _ := decodeResumeAt(in.EventData)
	wait := &world.Wait{
		WaitID:    in.CorrelationID,
		RunID:     run.RunID,
		ResumeAt:  resumeAt,
		CreatedAt: time.Now(),
	}
	s.waits[in.CorrelationID] = wait
	ev := s.appendLocked(run.RunID, in, opts)
	waitCopy := *wait
	return &world.CreateEventResult{Event: ev, Wait: &waitCopy}, nil
}

func (s *Store) completeWaitLocked(run *world.Run, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	wait, ok := s.waits[in.CorrelationID]
	if !ok {
		return nil, &wkferrors.RuntimeError{Slug: "UNKNOWN_WAIT", Message: "event appended before wait_created: " + in.CorrelationID}
	}
	if wait.Completed {
		return nil, &wkferrors.ConflictError{RunID: run.RunID, CorrelationID: in.CorrelationID, EventType: string(world.EventWaitCompleted)}
	}
	wait.Completed = true
	ev := s.appendLocked(run.RunID, in, opts)
	waitCopy := *wait
	return &world.CreateEventResult{Event: ev, Wait: &waitCopy}, nil
}

// ListByRun implements world.EventStore.
func (s *Store) ListByRun(ctx context.Context, runID string) ([]*world.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.events[runID]
	out := make([]*world.Event, len(log))
	copy(out, log)
	return out, nil
}

// GetRun implements world.RunReader.
func (s *Store) GetRun(ctx context.Context, runID string) (*world.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, &wkferrors.NotFoundError{Resource: "run", ID: runID}
	}
	runCopy := *run
	return &runCopy, nil
}

// GetStep implements world.StepReader.
func (s *Store) GetStep(ctx context.Context, runID, stepID string) (*world.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[runID][stepID]
	if !ok {
		return nil, &wkferrors.NotFoundError{Resource: "step", ID: stepID}
	}
	stepCopy := *step
	return &stepCopy, nil
}

// GetHookByToken implements world.HookReader.
func (s *Store) GetHookByToken(ctx context.Context, token string) (*world.Hook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hookID, ok := s.token[token]
	if !ok {
		return nil, &wkferrors.NotFoundError{Resource: "hook", ID: token}
	}
	hookCopy := *s.hooks[hookID]
	return &hookCopy, nil
}

// GetEncryptionKeyForRun implements world.KeyProvider: a 32-byte key
// derived via HKDF-SHA256 over the store's master secret, with
// info = "deploymentId|runId" and a zero salt.
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
