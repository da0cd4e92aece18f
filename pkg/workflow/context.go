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

package workflow

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/tombee/wkf/internal/orchestrator"
	"github.com/tombee/wkf/internal/serialize"
)

// Context wraps the orchestrator's byte-in/byte-out sandbox with the typed
// Step/Hook/Sleep helpers below. A workflow body never touches
// *orchestrator.Context directly.
type Context struct {
	oc *orchestrator.Context
}

// RunID is this invocation's run identifier, stable across every replay.
func (c *Context) RunID() string { return c.oc.RunID }

// WorkflowName is the registered name this run was started under.
func (c *Context) WorkflowName() string { return c.oc.WorkflowName }

// DeploymentID identifies the storage deployment this run belongs to.
func (c *Context) DeploymentID() string { return c.oc.DeploymentID }

// Now returns the replay clock's fixed instant for this invocation. Workflow
// code must use this instead of time.Now so every replay observes the same
// value.
func (c *Context) Now() time.Time { return c.oc.Now() }

// Rand returns the seeded RNG for this invocation, reseeded identically on
// every replay of the same run.
func (c *Context) Rand() *rand.Rand { return c.oc.Rand() }

// Step runs name's body through the step queue, where a failing body may
// be retried under the step handler's retry policy, and durably records its
// one terminal result (or failure) so a later replay returns the recorded
// outcome instead of re-executing. arg and the returned result are the same opaque bytes
// internal/stephandler.Func deals in on the consumer side of the queue —
// the step body, not Step, owns encoding/decoding a typed payload around
// them (json.Marshal/Unmarshal, typically). A step's argument and result
// each still pass through this invocation's serialize.Options once here,
// for replay determinism and per-run encryption; they are not re-wrapped
// again by the step handler.
func (c *Context) Step(name string, arg []byte) ([]byte, error) {
	opts := c.oc.SerializeOptions()
	input, err := serialize.Serialize(arg, opts)
	if err != nil {
		return nil, fmt.Errorf("step %s: encode input: %w", name, err)
	}
	result, err := c.oc.Step(name, input)
	if err != nil {
		return nil, err
	}
	var out []byte
	if err := serialize.Deserialize(result, &out, opts); err != nil {
		return nil, fmt.Errorf("step %s: decode result: %w", name, err)
	}
	return out, nil
}

// Sleep suspends the run until d has elapsed since this call's first
// invocation, measured against the replay clock. It carries no payload.
func (c *Context) Sleep(name string, d time.Duration) error {
	return c.oc.Sleep(name, d)
}

// Hook returns the typed handle for an externally-resumable suspension
// point identified by name (the call site) and token (the identifier
// ResumeHook callers use to deliver a payload).
func Hook[TPayload any](c *Context, name, token string, metadata []byte) *Handle[TPayload] {
	return &Handle[TPayload]{h: c.oc.Hook(name, token, metadata), opts: c.oc.SerializeOptions()}
}

// Handle is the typed counterpart to orchestrator.HookHandle.
type Handle[TPayload any] struct {
	h    *orchestrator.HookHandle
	opts serialize.Options
}

// Next returns the next payload delivered to this hook, or
// orchestrator.ErrHookDisposed once the hook has been disposed and no
// buffered payload remains.
func (h *Handle[TPayload]) Next() (TPayload, error) {
	var out TPayload
	raw, err := h.h.Next()
	if err != nil {
		return out, err
	}
	if err := serialize.Deserialize(raw, &out, h.opts); err != nil {
		return out, fmt.Errorf("hook: decode payload: %w", err)
	}
	return out, nil
}
