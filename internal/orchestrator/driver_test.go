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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/wkf/internal/queue/memory"
	"github.com/tombee/wkf/internal/serialize"
	"github.com/tombee/wkf/internal/world"
	wkferrors "github.com/tombee/wkf/pkg/errors"
)

// driverWorld is a minimal world.World carrying one fixed Run plus its
// event log, for exercising Driver.Run in isolation from any real backend.
type driverWorld struct {
	mu         sync.Mutex
	run        *world.Run
	events     []*world.Event
	appendErr  error
	appendOn   world.EventType
}

func (w *driverWorld) CreateEvent(ctx context.Context, runID string, in world.EventInput, opts world.CreateEventOpts) (*world.CreateEventResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.appendErr != nil && in.EventType == w.appendOn {
		err := w.appendErr
		w.appendErr = nil
		return nil, err
	}
	ev := &world.Event{EventType: in.EventType, RunID: runID, CorrelationID: in.CorrelationID, EventData: in.EventData, CreatedAt: time.Now()}
	w.events = append(w.events, ev)
	return &world.CreateEventResult{Event: ev}, nil
}

func (w *driverWorld) ListByRun(ctx context.Context, runID string) ([]*world.Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*world.Event(nil), w.events...), nil
}

func (w *driverWorld) GetRun(ctx context.Context, runID string) (*world.Run, error) { return w.run, nil }
func (w *driverWorld) GetStep(ctx context.Context, runID, stepID string) (*world.Step, error) {
	return nil, nil
}
func (w *driverWorld) GetHookByToken(ctx context.Context, token string) (*world.Hook, error) {
	return nil, nil
}
func (w *driverWorld) GetEncryptionKeyForRun(ctx context.Context, runID string) ([]byte, error) {
	return nil, nil
}
func (w *driverWorld) DeploymentID() string { return "dep-test" }
func (w *driverWorld) Close() error         { return nil }

var _ world.World = (*driverWorld)(nil)

func newDriverWorld(runID string) *driverWorld {
	return &driverWorld{run: newTestRun(runID)}
}

func newTestDriver(w *driverWorld) *Driver {
	q := memory.New()
	return NewDriver(w, NewHandler(w, q))
}

func TestDriver_Run_SuccessAppendsRunCompletedWithSerializedOutput(t *testing.T) {
	w := newDriverWorld("wrun_1")
	d := newTestDriver(w)

	result, err := d.Run(context.Background(), "wrun_1", func(c *Context) ([]byte, error) {
		return []byte(`{"status":"ok"}`), nil
	})
	require.NoError(t, err)
	assert.False(t, result.HasTimeout)

	require.Len(t, w.events, 1)
	assert.Equal(t, world.EventRunCompleted, w.events[0].EventType)

	var output []byte
	require.NoError(t, serialize.Deserialize(w.events[0].EventData, &output, serialize.Options{SpecVersion: world.CurrentSpecVersion}))
	assert.JSONEq(t, `{"status":"ok"}`, string(output))
}

func TestDriver_Run_OrdinaryErrorAppendsRunFailed(t *testing.T) {
	w := newDriverWorld("wrun_1")
	d := newTestDriver(w)

	result, err := d.Run(context.Background(), "wrun_1", func(c *Context) ([]byte, error) {
		return nil, assert.AnError
	})
	require.NoError(t, err)
	assert.False(t, result.HasTimeout)

	require.Len(t, w.events, 1)
	assert.Equal(t, world.EventRunFailed, w.events[0].EventType)
}

func TestDriver_Run_StepErrorPropagatesStructuredMessage(t *testing.T) {
	w := newDriverWorld("wrun_1")
	d := newTestDriver(w)

	_, err := d.Run(context.Background(), "wrun_1", func(c *Context) ([]byte, error) {
		return nil, &StepError{StructuredError: world.StructuredError{Message: "card declined"}}
	})
	require.NoError(t, err)

	require.Len(t, w.events, 1)
	assert.Equal(t, world.EventRunFailed, w.events[0].EventType)
	var recorded world.StructuredError
	require.NoError(t, json.Unmarshal(w.events[0].EventData, &recorded))
	assert.Equal(t, "card declined", recorded.Message)
}

func TestDriver_Run_SuspensionDispatchesToSuspensionHandler(t *testing.T) {
	w := newDriverWorld("wrun_1")
	d := newTestDriver(w)

	result, err := d.Run(context.Background(), "wrun_1", func(c *Context) ([]byte, error) {
		_, stepErr := c.Step("charge-card", []byte(`{}`))
		return nil, stepErr
	})
	require.NoError(t, err)
	assert.False(t, result.HasTimeout)

	require.Len(t, w.events, 1)
	assert.Equal(t, world.EventStepCreated, w.events[0].EventType)
}

func TestDriver_Run_UnconsumedEventsAfterReplayFailsTheRun(t *testing.T) {
	w := newDriverWorld("wrun_1")
	w.events = []*world.Event{{EventType: world.EventStepCompleted, RunID: "wrun_1", CorrelationID: "step_charge-card_0", CreatedAt: time.Now()}}
	d := newTestDriver(w)

	result, err := d.Run(context.Background(), "wrun_1", func(c *Context) ([]byte, error) {
		return []byte(`{}`), nil
	})
	require.NoError(t, err)
	assert.False(t, result.HasTimeout)

	require.Len(t, w.events, 2)
	assert.Equal(t, world.EventRunFailed, w.events[1].EventType)
	var recorded world.StructuredError
	require.NoError(t, json.Unmarshal(w.events[1].EventData, &recorded))
	assert.Contains(t, recorded.Message, "unclaimed")
}

func TestDriver_Run_RunAlreadyTerminalOnCompleteIsNotAnError(t *testing.T) {
	w := newDriverWorld("wrun_1")
	w.appendErr = &wkferrors.ConflictError{RunID: "wrun_1", EventType: string(world.EventRunCompleted)}
	w.appendOn = world.EventRunCompleted
	d := newTestDriver(w)

	result, err := d.Run(context.Background(), "wrun_1", func(c *Context) ([]byte, error) {
		return []byte(`{}`), nil
	})
	require.NoError(t, err)
	assert.False(t, result.HasTimeout)
}
