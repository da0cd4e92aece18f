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

package stephandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	wkflog "github.com/tombee/wkf/internal/log"
	"github.com/tombee/wkf/internal/metrics"
	"github.com/tombee/wkf/internal/queue"
	"github.com/tombee/wkf/internal/serialize"
	"github.com/tombee/wkf/internal/tracing"
	"github.com/tombee/wkf/internal/world"
	wkferrors "github.com/tombee/wkf/pkg/errors"
)

// Message is the payload carried by a __wkf_step_ queue entry.
type Message struct {
	WorkflowName      string            `json:"workflowName"`
	WorkflowRunID     string            `json:"workflowRunId"`
	WorkflowStartedAt time.Time         `json:"workflowStartedAt"`
	StepID            string            `json:"stepId"`
	TraceCarrier      map[string]string `json:"traceCarrier,omitempty"`
	RequestedAt       time.Time         `json:"requestedAt"`
}

// Result tells the queue consumer loop whether to Ack (HasTimeout false)
// or Reschedule after TimeoutSeconds (throttled).
type Result struct {
	TimeoutSeconds int
	HasTimeout     bool
}

// Handler executes one step-queue message end to end: attempt accounting,
// argument hydration, the registered step body, and result/failure
// recording plus the workflow-continuation enqueue.
type Handler struct {
	World    world.World
	Queue    queue.Queue
	Registry *Registry
	Retry    RetryPolicy
	Logger   *slog.Logger
}

// NewHandler returns a Handler using DefaultRetryPolicy and slog.Default().
func NewHandler(w world.World, q queue.Queue, reg *Registry) *Handler {
	return &Handler{World: w, Queue: q, Registry: reg, Retry: DefaultRetryPolicy, Logger: slog.Default()}
}

// Handle runs stepName (derived by the caller from the queue name) for the
// run and step identified in msg.
func (h *Handler) Handle(ctx context.Context, stepName string, msg *Message) (Result, error) {
	logger := wkflog.WithStepContext(h.Logger, msg.WorkflowRunID, msg.StepID)

	fn, ok := h.Registry.Lookup(stepName)
	if !ok {
		return Result{}, &wkferrors.RuntimeError{Slug: "STEP_FUNCTION_NOT_REGISTERED", Message: "no step function registered for " + stepName}
	}

	run, err := h.World.GetRun(ctx, msg.WorkflowRunID)
	if err != nil {
		return Result{}, fmt.Errorf("load run %s: %w", msg.WorkflowRunID, err)
	}
	key, err := h.World.GetEncryptionKeyForRun(ctx, msg.WorkflowRunID)
	if err != nil {
		return Result{}, fmt.Errorf("load encryption key for run %s: %w", msg.WorkflowRunID, err)
	}
	cipher, err := serialize.NewCipher(key)
	if err != nil {
		return Result{}, fmt.Errorf("build cipher for run %s: %w", msg.WorkflowRunID, err)
	}
	opts := serialize.Options{SpecVersion: run.SpecVersion, Cipher: cipher}

	var startRes *world.CreateEventResult
	startErr := withServerErrorRetry(ctx, h.Retry.Backoff, func() error {
		return withThrottleRetry(ctx, func() error {
			var innerErr error
			startRes, innerErr = h.World.CreateEvent(ctx, msg.WorkflowRunID, world.EventInput{
				EventType:     world.EventStepStarted,
				CorrelationID: msg.StepID,
			}, world.CreateEventOpts{SpecVersion: run.SpecVersion})
			return innerErr
		})
	})
	if tr, ok := asThrottle(startErr); ok {
		metrics.RecordThrottle(stepName)
		return Result{TimeoutSeconds: tr.TimeoutSeconds, HasTimeout: true}, nil
	}
	if startErr != nil {
		return Result{}, fmt.Errorf("append step_started for %s: %w", msg.StepID, startErr)
	}

	step := startRes.Step
	logger.Info("step started", "step_name", stepName, wkflog.AttemptKey, step.Attempt)

	if step.Attempt > h.Retry.MaxRetries+1 {
		return h.finalizeFailure(ctx, stepName, msg, run, step.Error, logger)
	}

	var argBytes []byte
	if err := serialize.Deserialize(step.Input, &argBytes, opts); err != nil {
		return Result{}, fmt.Errorf("hydrate input for %s: %w", msg.StepID, err)
	}

	resultBytes, runErr := fn(ctx, argBytes)
	if runErr == nil {
		envelope, err := serialize.Serialize(resultBytes, opts)
		if err != nil {
			return Result{}, fmt.Errorf("serialize result for %s: %w", msg.StepID, err)
		}
		return h.finalizeSuccess(ctx, stepName, msg, run, envelope, logger)
	}

	structuredErr := toStructuredError(runErr)
	if step.Attempt < h.Retry.MaxRetries+1 {
		return h.finalizeRetrying(ctx, stepName, msg, run, structuredErr, logger)
	}
	return h.finalizeFailure(ctx, stepName, msg, run, &structuredErr, logger)
}

func (h *Handler) finalizeSuccess(ctx context.Context, stepName string, msg *Message, run *world.Run, resultEnvelope []byte, logger *slog.Logger) (Result, error) {
	var err error
	appendErr := withServerErrorRetry(ctx, h.Retry.Backoff, func() error {
		return withThrottleRetry(ctx, func() error {
			_, err = h.World.CreateEvent(ctx, msg.WorkflowRunID, world.EventInput{
				EventType:     world.EventStepCompleted,
				CorrelationID: msg.StepID,
				EventData:     resultEnvelope,
			}, world.CreateEventOpts{SpecVersion: run.SpecVersion})
			return err
		})
	})
	return h.afterTerminalAppend(ctx, stepName, msg, appendErr, logger)
}

func (h *Handler) finalizeRetrying(ctx context.Context, stepName string, msg *Message, run *world.Run, structuredErr world.StructuredError, logger *slog.Logger) (Result, error) {
	payload, err := json.Marshal(structuredErr)
	if err != nil {
		return Result{}, fmt.Errorf("marshal retry error for %s: %w", msg.StepID, err)
	}

	var appendErr error
	outcome := withServerErrorRetry(ctx, h.Retry.Backoff, func() error {
		return withThrottleRetry(ctx, func() error {
			_, appendErr = h.World.CreateEvent(ctx, msg.WorkflowRunID, world.EventInput{
				EventType:     world.EventStepRetrying,
				CorrelationID: msg.StepID,
				EventData:     payload,
			}, world.CreateEventOpts{SpecVersion: run.SpecVersion})
			return appendErr
		})
	})
	if tr, ok := asThrottle(outcome); ok {
		metrics.RecordThrottle(stepName)
		return Result{TimeoutSeconds: tr.TimeoutSeconds, HasTimeout: true}, nil
	}
	var conflict *wkferrors.ConflictError
	if errors.As(outcome, &conflict) {
		logger.Warn("step already finished, skipping step_retrying", wkflog.StepIDKey, msg.StepID)
		return Result{}, nil
	}
	if outcome != nil {
		logger.Warn("step_retrying append failed, returning message to queue for redelivery", wkflog.StepIDKey, msg.StepID, "error", outcome)
		return Result{}, outcome
	}
	metrics.RecordRetry("error")
	return Result{}, nil
}

func (h *Handler) finalizeFailure(ctx context.Context, stepName string, msg *Message, run *world.Run, priorErr *world.StructuredError, logger *slog.Logger) (Result, error) {
	var payload []byte
	if priorErr != nil {
		var err error
		payload, err = json.Marshal(priorErr)
		if err != nil {
			return Result{}, fmt.Errorf("marshal failure error for %s: %w", msg.StepID, err)
		}
	}

	var appendErr error
	outcome := withServerErrorRetry(ctx, h.Retry.Backoff, func() error {
		return withThrottleRetry(ctx, func() error {
			_, appendErr = h.World.CreateEvent(ctx, msg.WorkflowRunID, world.EventInput{
				EventType:     world.EventStepFailed,
				CorrelationID: msg.StepID,
				EventData:     payload,
			}, world.CreateEventOpts{SpecVersion: run.SpecVersion})
			return appendErr
		})
	})
	return h.afterTerminalAppend(ctx, stepName, msg, outcome, logger)
}

// afterTerminalAppend applies the shared 409/429/5xx/continuation handling
// for both step_completed and step_failed appends.
func (h *Handler) afterTerminalAppend(ctx context.Context, stepName string, msg *Message, appendErr error, logger *slog.Logger) (Result, error) {
	if tr, ok := asThrottle(appendErr); ok {
		metrics.RecordThrottle(stepName)
		return Result{TimeoutSeconds: tr.TimeoutSeconds, HasTimeout: true}, nil
	}
	var conflict *wkferrors.ConflictError
	if errors.As(appendErr, &conflict) {
		logger.Warn("step already finished, skipping terminal append", wkflog.StepIDKey, msg.StepID)
		return Result{}, nil
	}
	if appendErr != nil {
		return Result{}, fmt.Errorf("append terminal step event for %s: %w", msg.StepID, appendErr)
	}

	body, err := json.Marshal(struct {
		RunID        string            `json:"runId"`
		TraceCarrier map[string]string `json:"traceCarrier,omitempty"`
	}{RunID: msg.WorkflowRunID, TraceCarrier: tracing.InjectCarrier(ctx)})
	if err != nil {
		return Result{}, fmt.Errorf("marshal continuation message for %s: %w", msg.WorkflowRunID, err)
	}
	if _, err := h.Queue.Enqueue(ctx, queue.WorkflowQueuePrefix+msg.WorkflowName, body, queue.EnqueueOptions{}); err != nil {
		return Result{}, fmt.Errorf("enqueue continuation for %s: %w", msg.WorkflowRunID, err)
	}
	metrics.IncQueueDepth(queue.WorkflowQueuePrefix + msg.WorkflowName)
	return Result{}, nil
}

func asThrottle(err error) (throttleResult, bool) {
	var tr throttleResult
	if errors.As(err, &tr) {
		return tr, true
	}
	return throttleResult{}, false
}

// toStructuredError records a step body's own failure without leaking a
// Go stack trace across the process boundary the event log represents.
func toStructuredError(err error) world.StructuredError {
	return world.StructuredError{Message: err.Error()}
}
