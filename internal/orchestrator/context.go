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
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/tombee/wkf/internal/serialize"
	"github.com/tombee/wkf/internal/world"
	wkferrors "github.com/tombee/wkf/pkg/errors"
)

// Suspension is the sentinel a Step/Hook/Sleep call returns when the
// current replay cannot resolve yet: either the item has no *_created
// event so far, or it does but no terminal event either. User workflow
// code is expected to propagate it upward like any other error; the
// orchestrator driver recognizes it via errors.As and hands the captured
// invocation queue to the suspension handler instead of treating it as a
// workflow failure.
type Suspension struct {
	CorrelationID string
}

func (s *Suspension) Error() string {
	return fmt.Sprintf("workflow suspended awaiting %s", s.CorrelationID)
}

// ErrHookDisposed is returned by HookHandle.Next once the hook has seen
// hook_disposed and no further payloads remain buffered — the iteration
// end-of-stream signal.
var ErrHookDisposed = errors.New("orchestrator: hook disposed")

// Context is the deterministic, per-invocation sandbox shared by every
// step/hook/sleep consumer a workflow function touches: a fixed replay
// clock, an RNG reseeded identically on every replay of the same run, and
// the invocation queue the suspension handler will drain.
type Context struct {
	RunID        string
	WorkflowName string
	DeploymentID string
	SpecVersion  int
	StartedAt    time.Time
	Input        []byte

	clock func() time.Time
	rng   *rand.Rand

	serializeOpts serialize.Options

	consumer    *EventsConsumer
	invocations *InvocationQueue
	seq         map[string]int
	hookCID     map[string]string
}

// NewContext builds the sandbox for one orchestrator invocation of run,
// against the event log snapshot events (already loaded via
// World.ListByRun). clock is fixed for the lifetime of this Context: every
// Context.Now() call during this invocation returns the same instant.
func NewContext(run *world.Run, events []*world.Event, cipher *serialize.Cipher, clock func() time.Time) *Context {
	if clock == nil {
		now := time.Now().UTC()
		clock = func() time.Time { return now }
	}
	return &Context{
		RunID:        run.RunID,
		WorkflowName: run.WorkflowName,
		DeploymentID: run.DeploymentID,
		SpecVersion:  run.SpecVersion,
		StartedAt:    run.CreatedAt,
		Input:        run.Input,
		clock:        clock,
		rng:          seededRNG(run.RunID),
		serializeOpts: serialize.Options{SpecVersion: run.SpecVersion, Cipher: cipher},
		consumer:    NewEventsConsumer(events),
		invocations: NewInvocationQueue(),
		seq:         make(map[string]int),
	}
}

// seededRNG derives a deterministic seed from runID so every replay of the
// same run sees the same pseudo-random sequence.
func seededRNG(runID string) *rand.Rand {
	sum := sha256.Sum256([]byte(runID))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	return rand.New(rand.NewSource(seed))
}

// Now returns the replay clock's fixed instant for this invocation.
func (c *Context) Now() time.Time { return c.clock() }

// SerializeOptions exposes this run's (de)serialization settings —
// spec version and imported-once cipher — for callers building typed
// facades (pkg/workflow's Run[T]) over Step/Hook/Sleep's raw []byte API.
func (c *Context) SerializeOptions() serialize.Options { return c.serializeOpts }

// Rand exposes the seeded RNG so workflow code that needs randomness
// (jitter, random ids embedded in step input) stays deterministic under
// replay.
func (c *Context) Rand() *rand.Rand { return c.rng }

// Invocations returns the items this invocation still needs durably
// committed — empty unless the workflow function returned a Suspension.
func (c *Context) Invocations() *InvocationQueue { return c.invocations }

// Unconsumed flushes any events left at or past the cursor through the
// registered subscribers (a no-op if a prior Step/Hook/Sleep call already
// drained the log) and surfaces anything still unclaimed — the
// log-corruption signal. Callers use this once the workflow function has
// returned without suspending, when every expected call site has already
// registered and drained its subscriber.
func (c *Context) Unconsumed() []*world.Event {
	c.consumer.Run()
	return c.consumer.Unconsumed()
}

func (c *Context) nextCorrelationID(kind, name string) string {
	idx := c.seq[name]
	c.seq[name]++
	return fmt.Sprintf("%s_%s_%d", kind, name, idx)
}

// StepError wraps the structured error recorded on a step_failed event —
// the step function's own failure, as opposed to a RuntimeError (log
// corruption or an unexpected event type).
type StepError struct {
	world.StructuredError
}

func (e *StepError) Error() string { return e.Message }

func decodeStepError(data []byte, opts serialize.Options) error {
	var se world.StructuredError
	if err := serialize.Deserialize(data, &se, opts); err != nil {
		return &wkferrors.RuntimeError{Slug: "DECODE_ERROR", Message: "failed to decode step error: " + err.Error()}
	}
	return &StepError{StructuredError: se}
}
