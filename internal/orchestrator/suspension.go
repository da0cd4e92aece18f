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
	"math"
	"sync"
	"time"

	wkflog "github.com/tombee/wkf/internal/log"
	"github.com/tombee/wkf/internal/metrics"
	"github.com/tombee/wkf/internal/queue"
	"github.com/tombee/wkf/internal/tracing"
	"github.com/tombee/wkf/internal/world"
	wkferrors "github.com/tombee/wkf/pkg/errors"
)

// hookConflictBackoff bounds the retry the suspension handler gives a
// losing hook_created attempt before accepting the conflict — see the
// hook_conflict livelock policy decision: bounded retries, not unbounded
// backoff, reusing the step handler's own 500ms/1s/2s shape.
var hookConflictBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// StepMessage is the payload enqueued onto a step queue, matching §6's
// step payload shape.
type StepMessage struct {
	WorkflowName      string            `json:"workflowName"`
	WorkflowRunID     string            `json:"workflowRunId"`
	WorkflowStartedAt time.Time         `json:"workflowStartedAt"`
	StepID            string            `json:"stepId"`
	TraceCarrier      map[string]string `json:"traceCarrier,omitempty"`
	RequestedAt       time.Time         `json:"requestedAt"`
}

// WorkflowMessage is the payload enqueued onto a workflow queue.
type WorkflowMessage struct {
	RunID        string            `json:"runId"`
	TraceCarrier map[string]string `json:"traceCarrier,omitempty"`
}

type hookCreatedPayload struct {
	Token    string `json:"token"`
	Metadata []byte `json:"metadata,omitempty"`
}

type waitCreatedPayload struct {
	ResumeAt time.Time `json:"resumeAt"`
}

// Handler drains a captured invocation queue into the World's event log
// and the durable queue, per §4.F: hooks first (in parallel), then steps
// and waits (in parallel), returning the delay the caller should use to
// reschedule the workflow queue message (if any).
type Handler struct {
	World  world.World
	Queue  queue.Queue
	Logger *slog.Logger
}

// NewHandler returns a suspension Handler that logs to slog.Default().
func NewHandler(w world.World, q queue.Queue) *Handler {
	return &Handler{World: w, Queue: q, Logger: slog.Default()}
}

// Result is what the caller (the workflow queue consumer) uses to decide
// whether to Ack or Reschedule the current message.
type Result struct {
	// TimeoutSeconds, if HasTimeout, is the delay before the next
	// orchestrator invocation of this run should run.
	TimeoutSeconds int
	HasTimeout     bool
}

// Handle drains inv for run, honoring the within-invocation ordering
// requirement: hooks settle before steps/waits are even attempted.
func (h *Handler) Handle(ctx context.Context, run *world.Run, specVersion int, inv *InvocationQueue) (Result, error) {
	logger := wkflog.WithRunContext(h.Logger, run.RunID, run.WorkflowName)

	var hooks, steps, waits []*InvocationItem
	for _, item := range inv.Ordered() {
		switch item.Kind {
		case ItemHook:
			hooks = append(hooks, item)
		case ItemStep:
			steps = append(steps, item)
		case ItemWait:
			waits = append(waits, item)
		}
	}

	hasHookConflict := h.drainHooks(ctx, run, specVersion, hooks, logger)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	recordErr := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	wg.Add(2)
	go func() { defer wg.Done(); recordErr(h.drainSteps(ctx, run, specVersion, steps, logger)) }()
	go func() { defer wg.Done(); recordErr(h.drainWaits(ctx, run, specVersion, waits, logger)) }()
	wg.Wait()
	if firstErr != nil {
		return Result{}, firstErr
	}

	minSeconds, hasWaits := h.minTimeoutSeconds(run, waits)
	if hasHookConflict {
		return Result{TimeoutSeconds: 1, HasTimeout: true}, nil
	}
	if hasWaits {
		return Result{TimeoutSeconds: minSeconds, HasTimeout: true}, nil
	}
	return Result{}, nil
}

// drainHooks appends hook_created for every hook without a prior create,
// in parallel, and reports whether any lost a token race after exhausting
// hookConflictBackoff retries.
func (h *Handler) drainHooks(ctx context.Context, run *world.Run, specVersion int, hooks []*InvocationItem, logger *slog.Logger) bool {
	var wg sync.WaitGroup
	var mu sync.Mutex
	conflict := false

	for _, item := range hooks {
		if item.HasCreatedEvent {
			continue
		}
		item := item
		wg.Add(1)
		go func() {
			defer wg.Done()
			lost := h.createHookWithRetry(ctx, run, specVersion, item, logger)
			if lost {
				mu.Lock()
				conflict = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return conflict
}

func (h *Handler) createHookWithRetry(ctx context.Context, run *world.Run, specVersion int, item *InvocationItem, logger *slog.Logger) (lostRace bool) {
	logger = wkflog.WithHookContext(logger, run.RunID, item.CorrelationID)
	payload, err := json.Marshal(hookCreatedPayload{Token: item.Token, Metadata: item.Metadata})
	if err != nil {
		logger.Error("failed to marshal hook_created payload", "error", err)
		return false
	}

	for attempt := 0; ; attempt++ {
		res, err := h.World.CreateEvent(ctx, run.RunID, world.EventInput{
			EventType:     world.EventHookCreated,
			CorrelationID: item.CorrelationID,
			EventData:     payload,
		}, world.CreateEventOpts{SpecVersion: specVersion})
		if err != nil {
			var gone *wkferrors.GoneError
			if errors.As(err, &gone) {
				logger.Info("run already terminal, skipping hook_created")
				return false
			}
			logger.Error("failed to append hook_created", "error", err)
			return false
		}
		if res.Event == nil || res.Event.EventType != world.EventHookConflict {
			metrics.RecordSuspension("hook")
			return false
		}
		if attempt >= len(hookConflictBackoff) {
			logger.Warn("hook token conflict, giving up after retries", "token", item.Token, "attempts", attempt+1)
			return true
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(hookConflictBackoff[attempt]):
		}
	}
}

func (h *Handler) drainSteps(ctx context.Context, run *world.Run, specVersion int, steps []*InvocationItem, logger *slog.Logger) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, item := range steps {
		item := item
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.drainOneStep(ctx, run, specVersion, item, logger); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func (h *Handler) drainOneStep(ctx context.Context, run *world.Run, specVersion int, item *InvocationItem, logger *slog.Logger) error {
	if !item.HasCreatedEvent {
		_, err := h.World.CreateEvent(ctx, run.RunID, world.EventInput{
			EventType:     world.EventStepCreated,
			CorrelationID: item.CorrelationID,
			EventData:     item.Input,
		}, world.CreateEventOpts{SpecVersion: specVersion})
		if err != nil {
			var conflict *wkferrors.ConflictError
			if errors.As(err, &conflict) {
				logger.Info("step_created already applied, continuing", wkflog.StepIDKey, item.CorrelationID)
			} else {
				var gone *wkferrors.GoneError
				if errors.As(err, &gone) {
					logger.Info("run already terminal, skipping step_created", wkflog.StepIDKey, item.CorrelationID)
					return nil
				}
				return fmt.Errorf("append step_created for %s: %w", item.CorrelationID, err)
			}
		} else {
			metrics.RecordSuspension("step")
		}
	}

	msg := StepMessage{
		WorkflowName:      run.WorkflowName,
		WorkflowRunID:     run.RunID,
		WorkflowStartedAt: run.CreatedAt,
		StepID:            item.CorrelationID,
		TraceCarrier:      tracing.InjectCarrier(ctx),
		RequestedAt:       time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal step message for %s: %w", item.CorrelationID, err)
	}
	if _, err := h.Queue.Enqueue(ctx, queue.StepQueuePrefix+item.StepName, body, queue.EnqueueOptions{IdempotencyKey: item.CorrelationID}); err != nil {
		return fmt.Errorf("enqueue step %s: %w", item.CorrelationID, err)
	}
	metrics.IncQueueDepth(queue.StepQueuePrefix + item.StepName)
	return nil
}

func (h *Handler) drainWaits(ctx context.Context, run *world.Run, specVersion int, waits []*InvocationItem, logger *slog.Logger) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, item := range waits {
		if item.HasCreatedEvent {
			continue
		}
		item := item
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, err := json.Marshal(waitCreatedPayload{ResumeAt: item.ResumeAt})
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			_, err = h.World.CreateEvent(ctx, run.RunID, world.EventInput{
				EventType:     world.EventWaitCreated,
				CorrelationID: item.CorrelationID,
				EventData:     payload,
			}, world.CreateEventOpts{SpecVersion: specVersion})
			if err != nil {
				var conflict *wkferrors.ConflictError
				var gone *wkferrors.GoneError
				if errors.As(err, &conflict) {
					logger.Info("wait_created already applied, continuing", "wait_id", item.CorrelationID)
					return
				}
				if errors.As(err, &gone) {
					logger.Info("run already terminal, skipping wait_created", "wait_id", item.CorrelationID)
					return
				}
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("append wait_created for %s: %w", item.CorrelationID, err)
				}
				mu.Unlock()
				return
			}
			metrics.RecordSuspension("sleep")
		}()
	}
	wg.Wait()
	return firstErr
}

// minTimeoutSeconds implements §4.F step 4:
// ceil(max(1000ms, min(resumeAt-now) over waits) / 1000).
func (h *Handler) minTimeoutSeconds(run *world.Run, waits []*InvocationItem) (int, bool) {
	if len(waits) == 0 {
		return 0, false
	}
	now := time.Now()
	var earliest time.Duration
	first := true
	for _, w := range waits {
		d := w.ResumeAt.Sub(now)
		if first || d < earliest {
			earliest = d
			first = false
		}
	}
	ms := earliest.Milliseconds()
	if ms < 1000 {
		ms = 1000
	}
	seconds := int(math.Ceil(float64(ms) / 1000))
	return queue.ClampDelay(seconds), true
}
