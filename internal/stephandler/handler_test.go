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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/wkf/internal/queue"
	"github.com/tombee/wkf/internal/queue/memory"
	"github.com/tombee/wkf/internal/serialize"
	"github.com/tombee/wkf/internal/world"
	wkferrors "github.com/tombee/wkf/pkg/errors"
)

// fakeWorld tracks appended events per run and lets tests script the
// attempt/input a step_started append returns, plus a scripted append error.
type fakeWorld struct {
	mu          sync.Mutex
	events      map[string][]*world.Event
	run         *world.Run
	attempt     int
	stepInput   []byte
	priorError  *world.StructuredError
	appendErr   error
	appendErrOn world.EventType
}

func (w *fakeWorld) CreateEvent(ctx context.Context, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.appendErr != nil && in.EventType == w.appendErrOn {
		err := w.appendErr
		w.appendErr = nil
		return nil, err
	}

	ev := &world.Event{EventType: in.EventType, RunID: runID, CorrelationID: in.CorrelationID, EventData: in.EventData, CreatedAt: time.Now()}
	w.events[runID] = append(w.events[runID], ev)

	if in.EventType == world.EventStepStarted {
		w.attempt++
		return &world.CreateEventResult{Event: ev, Step: &world.Step{
			StepID: in.CorrelationID, RunID: runID, Attempt: w.attempt, Input: w.stepInput, Error: w.priorError,
		}}, nil
	}
	return &world.CreateEventResult{Event: ev}, nil
}

func (w *fakeWorld) ListByRun(ctx context.Context, runID string) ([]*world.Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*world.Event(nil), w.events[runID]...), nil
}

func (w *fakeWorld) GetRun(ctx context.Context, runID string) (*world.Run, error) { return w.run, nil }
func (w *fakeWorld) GetStep(ctx context.Context, runID, stepID string) (*world.Step, error) {
	return nil, nil
}
func (w *fakeWorld) GetHookByToken(ctx context.Context, token string) (*world.Hook, error) {
	return nil, nil
}
func (w *fakeWorld) GetEncryptionKeyForRun(ctx context.Context, runID string) ([]byte, error) {
	return nil, nil
}
func (w *fakeWorld) DeploymentID() string { return "dep-test" }
func (w *fakeWorld) Close() error         { return nil }

var _ world.World = (*fakeWorld)(nil)

func newFakeWorld(runID string) *fakeWorld {
	return &fakeWorld{
		events: make(map[string][]*world.Event),
		run:    &world.Run{RunID: runID, WorkflowName: "onboard-user", SpecVersion: world.CurrentSpecVersion},
	}
}

func newTestMessage(runID, stepID string) *Message {
	return &Message{WorkflowName: "onboard-user", WorkflowRunID: runID, StepID: stepID, RequestedAt: time.Now()}
}

func envelopeFor(t *testing.T, v any) []byte {
	t.Helper()
	data, err := serialize.Serialize(v, serialize.Options{SpecVersion: world.CurrentSpecVersion})
	require.NoError(t, err)
	return data
}

func TestHandler_Handle_SuccessAppendsStepCompletedAndEnqueuesContinuation(t *testing.T) {
	w := newFakeWorld("wrun_1")
	w.stepInput = envelopeFor(t, []byte(`{"cardId":"c_1"}`))
	q := memory.New()
	t.Cleanup(func() { q.Close() })

	reg := NewRegistry()
	reg.Register("charge-card", func(ctx context.Context, input []byte) ([]byte, error) {
		assert.JSONEq(t, `{"cardId":"c_1"}`, string(input))
		return []byte(`{"chargeId":"ch_1"}`), nil
	})

	h := NewHandler(w, q, reg)
	h.Retry = RetryPolicy{MaxRetries: 3, Backoff: nil}

	result, err := h.Handle(context.Background(), "charge-card", newTestMessage("wrun_1", "step_charge-card_0"))
	require.NoError(t, err)
	assert.False(t, result.HasTimeout)

	events, err := w.ListByRun(context.Background(), "wrun_1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, world.EventStepStarted, events[0].EventType)
	assert.Equal(t, world.EventStepCompleted, events[1].EventType)

	msg, err := q.Dequeue(context.Background(), queue.WorkflowQueuePrefix+"onboard-user")
	require.NoError(t, err)
	var continuation struct{ RunID string `json:"runId"` }
	require.NoError(t, json.Unmarshal(msg.Payload, &continuation))
	assert.Equal(t, "wrun_1", continuation.RunID)
}

func TestHandler_Handle_UnregisteredStepNameIsFatal(t *testing.T) {
	w := newFakeWorld("wrun_1")
	q := memory.New()
	t.Cleanup(func() { q.Close() })

	h := NewHandler(w, q, NewRegistry())
	_, err := h.Handle(context.Background(), "missing-step", newTestMessage("wrun_1", "step_missing-step_0"))
	require.Error(t, err)
	var rtErr *wkferrors.RuntimeError
	require.ErrorAs(t, err, &rtErr)
	assert.Equal(t, "STEP_FUNCTION_NOT_REGISTERED", rtErr.Slug)
}

func TestHandler_Handle_FailureUnderRetryBudgetAppendsStepRetrying(t *testing.T) {
	w := newFakeWorld("wrun_1")
	w.stepInput = envelopeFor(t, []byte(`{}`))
	q := memory.New()
	t.Cleanup(func() { q.Close() })

	reg := NewRegistry()
	reg.Register("charge-card", func(ctx context.Context, input []byte) ([]byte, error) {
		return nil, assert.AnError
	})

	h := NewHandler(w, q, reg)
	h.Retry = RetryPolicy{MaxRetries: 3, Backoff: nil}

	result, err := h.Handle(context.Background(), "charge-card", newTestMessage("wrun_1", "step_charge-card_0"))
	require.NoError(t, err)
	assert.False(t, result.HasTimeout)

	events, err := w.ListByRun(context.Background(), "wrun_1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, world.EventStepRetrying, events[1].EventType)

	deadlineCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(deadlineCtx, queue.WorkflowQueuePrefix+"onboard-user")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandler_Handle_FailureAfterExhaustingRetryBudgetAppendsStepFailed(t *testing.T) {
	w := newFakeWorld("wrun_1")
	w.stepInput = envelopeFor(t, []byte(`{}`))
	w.attempt = 3 // next step_started append reports attempt 4 == maxRetries+1
	q := memory.New()
	t.Cleanup(func() { q.Close() })

	reg := NewRegistry()
	reg.Register("charge-card", func(ctx context.Context, input []byte) ([]byte, error) {
		return nil, assert.AnError
	})

	h := NewHandler(w, q, reg)
	h.Retry = RetryPolicy{MaxRetries: 3, Backoff: nil}

	result, err := h.Handle(context.Background(), "charge-card", newTestMessage("wrun_1", "step_charge-card_0"))
	require.NoError(t, err)
	assert.False(t, result.HasTimeout)

	events, err := w.ListByRun(context.Background(), "wrun_1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, world.EventStepFailed, events[1].EventType)

	_, err = q.Dequeue(context.Background(), queue.WorkflowQueuePrefix+"onboard-user")
	require.NoError(t, err)
}

func TestHandler_Handle_PreExecutionRetryGuardSkipsExecutionPastRetryBudget(t *testing.T) {
	w := newFakeWorld("wrun_1")
	w.attempt = 4 // next append reports attempt 5 > maxRetries+1
	w.priorError = &world.StructuredError{Message: "card declined"}
	q := memory.New()
	t.Cleanup(func() { q.Close() })

	called := false
	reg := NewRegistry()
	reg.Register("charge-card", func(ctx context.Context, input []byte) ([]byte, error) {
		called = true
		return []byte(`{}`), nil
	})

	h := NewHandler(w, q, reg)
	h.Retry = RetryPolicy{MaxRetries: 3, Backoff: nil}

	_, err := h.Handle(context.Background(), "charge-card", newTestMessage("wrun_1", "step_charge-card_0"))
	require.NoError(t, err)
	assert.False(t, called, "step body must not run once the retry budget is already exhausted")

	events, err := w.ListByRun(context.Background(), "wrun_1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, world.EventStepFailed, events[1].EventType)
	var recorded world.StructuredError
	require.NoError(t, json.Unmarshal(events[1].EventData, &recorded))
	assert.Equal(t, "card declined", recorded.Message)
}

func TestHandler_Handle_ConflictOnTerminalAppendIsTreatedAsAlreadyFinished(t *testing.T) {
	w := newFakeWorld("wrun_1")
	w.stepInput = envelopeFor(t, []byte(`{}`))
	w.appendErr = &wkferrors.ConflictError{RunID: "wrun_1", CorrelationID: "step_charge-card_0", EventType: string(world.EventStepCompleted)}
	w.appendErrOn = world.EventStepCompleted
	q := memory.New()
	t.Cleanup(func() { q.Close() })

	reg := NewRegistry()
	reg.Register("charge-card", func(ctx context.Context, input []byte) ([]byte, error) {
		return []byte(`{}`), nil
	})

	h := NewHandler(w, q, reg)
	h.Retry = RetryPolicy{MaxRetries: 3, Backoff: nil}

	result, err := h.Handle(context.Background(), "charge-card", newTestMessage("wrun_1", "step_charge-card_0"))
	require.NoError(t, err)
	assert.False(t, result.HasTimeout)

	deadlineCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(deadlineCtx, queue.WorkflowQueuePrefix+"onboard-user")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandler_Handle_ThrottledTerminalAppendYieldsTimeoutResult(t *testing.T) {
	w := newFakeWorld("wrun_1")
	w.stepInput = envelopeFor(t, []byte(`{}`))
	w.appendErr = &wkferrors.APIError{Status: 429, RetryAfter: 30 * time.Second}
	w.appendErrOn = world.EventStepCompleted
	q := memory.New()
	t.Cleanup(func() { q.Close() })

	reg := NewRegistry()
	reg.Register("charge-card", func(ctx context.Context, input []byte) ([]byte, error) {
		return []byte(`{}`), nil
	})

	h := NewHandler(w, q, reg)
	h.Retry = RetryPolicy{MaxRetries: 3, Backoff: nil}

	result, err := h.Handle(context.Background(), "charge-card", newTestMessage("wrun_1", "step_charge-card_0"))
	require.NoError(t, err)
	assert.True(t, result.HasTimeout)
	assert.Equal(t, 30, result.TimeoutSeconds)
}
