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

package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/wkf/internal/world"
	wkferrors "github.com/tombee/wkf/pkg/errors"
)

func newRun(t *testing.T, s *Store, runID string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateEvent(ctx, runID, world.EventInput{
		EventType: world.EventRunCreated,
	}, world.CreateEventOpts{SpecVersion: world.CurrentSpecVersion})
	require.NoError(t, err)
}

func TestCreateEvent_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New("dep-1", nil)

	newRun(t, s, "wrun_1")

	run, err := s.GetRun(ctx, "wrun_1")
	require.NoError(t, err)
	assert.Equal(t, world.RunRunning, run.Status)

	res, err := s.CreateEvent(ctx, "wrun_1", world.EventInput{
		EventType: world.EventRunCompleted,
		EventData: []byte(`"done"`),
	}, world.CreateEventOpts{SpecVersion: world.CurrentSpecVersion})
	require.NoError(t, err)
	assert.Equal(t, world.RunCompleted, res.Run.Status)

	run, err = s.GetRun(ctx, "wrun_1")
	require.NoError(t, err)
	assert.Equal(t, world.RunCompleted, run.Status)
	assert.NotNil(t, run.CompletedAt)
}

func TestCreateEvent_TerminalRunRejectsFurtherEvents(t *testing.T) {
	ctx := context.Background()
	s := New("dep-1", nil)
	newRun(t, s, "wrun_1")

	_, err := s.CreateEvent(ctx, "wrun_1", world.EventInput{EventType: world.EventRunCompleted}, world.CreateEventOpts{SpecVersion: world.CurrentSpecVersion})
	require.NoError(t, err)

	_, err = s.CreateEvent(ctx, "wrun_1", world.EventInput{
		EventType:     world.EventStepCreated,
		CorrelationID: "step_1",
	}, world.CreateEventOpts{SpecVersion: world.CurrentSpecVersion})
	require.Error(t, err)
	var gone *wkferrors.GoneError
	assert.ErrorAs(t, err, &gone)
}

func TestCreateEvent_DuplicateStepCreatedConflicts(t *testing.T) {
	ctx := context.Background()
	s := New("dep-1", nil)
	newRun(t, s, "wrun_1")

	in := world.EventInput{EventType: world.EventStepCreated, CorrelationID: "step_1"}
	_, err := s.CreateEvent(ctx, "wrun_1", in, world.CreateEventOpts{SpecVersion: world.CurrentSpecVersion})
	require.NoError(t, err)

	_, err = s.CreateEvent(ctx, "wrun_1", in, world.CreateEventOpts{SpecVersion: world.CurrentSpecVersion})
	require.Error(t, err)
	var conflict *wkferrors.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestCreateEvent_DuplicateStepCompletedConflicts(t *testing.T) {
	ctx := context.Background()
	s := New("dep-1", nil)
	newRun(t, s, "wrun_1")
	opts := world.CreateEventOpts{SpecVersion: world.CurrentSpecVersion}

	_, err := s.CreateEvent(ctx, "wrun_1", world.EventInput{EventType: world.EventStepCreated, CorrelationID: "step_1"}, opts)
	require.NoError(t, err)
	_, err = s.CreateEvent(ctx, "wrun_1", world.EventInput{EventType: world.EventStepStarted, CorrelationID: "step_1"}, opts)
	require.NoError(t, err)

	res, err := s.CreateEvent(ctx, "wrun_1", world.EventInput{EventType: world.EventStepCompleted, CorrelationID: "step_1", EventData: []byte(`1`)}, opts)
	require.NoError(t, err)
	assert.Equal(t, world.StepCompleted, res.Step.Status)

	_, err = s.CreateEvent(ctx, "wrun_1", world.EventInput{EventType: world.EventStepCompleted, CorrelationID: "step_1"}, opts)
	require.Error(t, err)
	var conflict *wkferrors.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestCreateEvent_StepStartedOnTerminalStepDoesNotRegress(t *testing.T) {
	ctx := context.Background()
	s := New("dep-1", nil)
	newRun(t, s, "wrun_1")
	opts := world.CreateEventOpts{SpecVersion: world.CurrentSpecVersion}

	_, err := s.CreateEvent(ctx, "wrun_1", world.EventInput{EventType: world.EventStepCreated, CorrelationID: "step_1"}, opts)
	require.NoError(t, err)
	_, err = s.CreateEvent(ctx, "wrun_1", world.EventInput{EventType: world.EventStepStarted, CorrelationID: "step_1"}, opts)
	require.NoError(t, err)
	_, err = s.CreateEvent(ctx, "wrun_1", world.EventInput{EventType: world.EventStepCompleted, CorrelationID: "step_1", EventData: []byte(`1`)}, opts)
	require.NoError(t, err)

	// Redelivered step_started after the step already terminated: per-spec
	// at-least-once semantics, this must succeed and report the existing
	// terminal view rather than erroring or reverting status.
	res, err := s.CreateEvent(ctx, "wrun_1", world.EventInput{EventType: world.EventStepStarted, CorrelationID: "step_1"}, opts)
	require.NoError(t, err)
	assert.Equal(t, world.StepCompleted, res.Step.Status)
}

func TestCreateEvent_HookConflictOnTokenCollision(t *testing.T) {
	ctx := context.Background()
	s := New("dep-1", nil)
	newRun(t, s, "wrun_1")
	opts := world.CreateEventOpts{SpecVersion: world.CurrentSpecVersion}

	payload, err := json.Marshal(map[string]string{"token": "shared-token"})
	require.NoError(t, err)

	res, err := s.CreateEvent(ctx, "wrun_1", world.EventInput{
		EventType:     world.EventHookCreated,
		CorrelationID: "hook_1",
		EventData:     payload,
	}, opts)
	require.NoError(t, err)
	require.NotNil(t, res.Hook)
	assert.Equal(t, "shared-token", res.Hook.Token)

	res2, err := s.CreateEvent(ctx, "wrun_1", world.EventInput{
		EventType:     world.EventHookCreated,
		CorrelationID: "hook_2",
		EventData:     payload,
	}, opts)
	require.NoError(t, err)
	assert.Nil(t, res2.Hook)
	require.NotNil(t, res2.Event)
	assert.Equal(t, world.EventHookConflict, res2.Event.EventType)

	hook, err := s.GetHookByToken(ctx, "shared-token")
	require.NoError(t, err)
	assert.Equal(t, "hook_1", hook.HookID)
}

func TestCreateEvent_HookDisposedFreesToken(t *testing.T) {
	ctx := context.Background()
	s := New("dep-1", nil)
	newRun(t, s, "wrun_1")
	opts := world.CreateEventOpts{SpecVersion: world.CurrentSpecVersion}

	payload, err := json.Marshal(map[string]string{"token": "reusable-token"})
	require.NoError(t, err)

	_, err = s.CreateEvent(ctx, "wrun_1", world.EventInput{
		EventType: world.EventHookCreated, CorrelationID: "hook_1", EventData: payload,
	}, opts)
	require.NoError(t, err)

	_, err = s.CreateEvent(ctx, "wrun_1", world.EventInput{
		EventType: world.EventHookDisposed, CorrelationID: "hook_1",
	}, opts)
	require.NoError(t, err)

	_, err = s.GetHookByToken(ctx, "reusable-token")
	require.Error(t, err)
	var nf *wkferrors.NotFoundError
	assert.ErrorAs(t, err, &nf)

	newRun(t, s, "wrun_2")
	res, err := s.CreateEvent(ctx, "wrun_2", world.EventInput{
		EventType: world.EventHookCreated, CorrelationID: "hook_2", EventData: payload,
	}, opts)
	require.NoError(t, err)
	require.NotNil(t, res.Hook)
	assert.Equal(t, "hook_2", res.Hook.HookID)
}

func TestCreateEvent_WaitLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New("dep-1", nil)
	newRun(t, s, "wrun_1")
	opts := world.CreateEventOpts{SpecVersion: world.CurrentSpecVersion}

	resumeAt := time.Now().Add(10 * time.Minute).UTC()
	payload, err := json.Marshal(map[string]time.Time{"resumeAt": resumeAt})
	require.NoError(t, err)

	res, err := s.CreateEvent(ctx, "wrun_1", world.EventInput{
		EventType: world.EventWaitCreated, CorrelationID: "wait_1", EventData: payload,
	}, opts)
	require.NoError(t, err)
	assert.WithinDuration(t, resumeAt, res.Wait.ResumeAt, time.Second)

	res, err = s.CreateEvent(ctx, "wrun_1", world.EventInput{
		EventType: world.EventWaitCompleted, CorrelationID: "wait_1",
	}, opts)
	require.NoError(t, err)
	assert.True(t, res.Wait.Completed)

	_, err = s.CreateEvent(ctx, "wrun_1", world.EventInput{
		EventType: world.EventWaitCompleted, CorrelationID: "wait_1",
	}, opts)
	require.Error(t, err)
	var conflict *wkferrors.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestCreateEvent_LegacySpecVersionSkipsStepRetryingPersistence(t *testing.T) {
	ctx := context.Background()
	s := New("dep-1", nil)
	legacyOpts := world.CreateEventOpts{SpecVersion: world.LegacySpecVersion}

	_, err := s.CreateEvent(ctx, "wrun_1", world.EventInput{EventType: world.EventRunCreated}, legacyOpts)
	require.NoError(t, err)
	_, err = s.CreateEvent(ctx, "wrun_1", world.EventInput{EventType: world.EventStepCreated, CorrelationID: "step_1"}, legacyOpts)
	require.NoError(t, err)

	res, err := s.CreateEvent(ctx, "wrun_1", world.EventInput{EventType: world.EventStepRetrying, CorrelationID: "step_1"}, legacyOpts)
	require.NoError(t, err)
	assert.Nil(t, res.Event, "legacy run should not persist a step_retrying event row")
	require.NotNil(t, res.Step)

	log, err := s.ListByRun(ctx, "wrun_1")
	require.NoError(t, err)
	for _, ev := range log {
		assert.NotEqual(t, world.EventStepRetrying, ev.EventType)
	}
}

func TestListByRun_OrderedByAppend(t *testing.T) {
	ctx := context.Background()
	s := New("dep-1", nil)
	newRun(t, s, "wrun_1")
	opts := world.CreateEventOpts{SpecVersion: world.CurrentSpecVersion}

	_, err := s.CreateEvent(ctx, "wrun_1", world.EventInput{EventType: world.EventStepCreated, CorrelationID: "step_1"}, opts)
	require.NoError(t, err)
	_, err = s.CreateEvent(ctx, "wrun_1", world.EventInput{EventType: world.EventStepStarted, CorrelationID: "step_1"}, opts)
	require.NoError(t, err)

	log, err := s.ListByRun(ctx, "wrun_1")
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Less(t, log[0].EventID, log[1].EventID)
	assert.Less(t, log[1].EventID, log[2].EventID)
	assert.Equal(t, world.EventRunCreated, log[0].EventType)
	assert.Equal(t, world.EventStepCreated, log[1].EventType)
	assert.Equal(t, world.EventStepStarted, log[2].EventType)
}

func TestGetEncryptionKeyForRun(t *testing.T) {
	ctx := context.Background()

	unkeyed := New("dep-1", nil)
	key, err := unkeyed.GetEncryptionKeyForRun(ctx, "wrun_1")
	require.NoError(t, err)
	assert.Nil(t, key)

	keyed := New("dep-1", []byte("super-secret-master-key-material"))
	k1, err := keyed.GetEncryptionKeyForRun(ctx, "wrun_1")
	require.NoError(t, err)
	require.Len(t, k1, 32)

	k2, err := keyed.GetEncryptionKeyForRun(ctx, "wrun_1")
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "key derivation must be deterministic per run")

	k3, err := keyed.GetEncryptionKeyForRun(ctx, "wrun_2")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "different runs must derive different keys")
}

func TestCreateEvent_UnknownRunIsRuntimeError(t *testing.T) {
	ctx := context.Background()
	s := New("dep-1", nil)

	_, err := s.CreateEvent(ctx, "wrun_missing", world.EventInput{
		EventType: world.EventStepCreated, CorrelationID: "step_1",
	}, world.CreateEventOpts{SpecVersion: world.CurrentSpecVersion})
	require.Error(t, err)
	var rtErr *wkferrors.RuntimeError
	assert.ErrorAs(t, err, &rtErr)
}
