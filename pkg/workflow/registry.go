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

// Package workflow is the ergonomic, typed facade over internal/orchestrator:
// Register a Go function as a workflow body, Start a run of it, and drive
// steps/hooks/sleeps through a typed Context instead of the orchestrator's
// raw byte-in/byte-out contract. Everything here is a thin adapter — the
// deterministic replay, suspension, and event-sourcing semantics all live
// in internal/orchestrator and internal/world.
package workflow

import (
	"fmt"
	"sync"

	"github.com/tombee/wkf/internal/orchestrator"
	"github.com/tombee/wkf/internal/serialize"
)

// registry is the process-wide map of workflow name to its byte-in/byte-out
// adapter. A real deployment registers every workflow it runs exactly once,
// at process startup, before any queue consumer starts dispatching to it.
var registry = struct {
	mu sync.RWMutex
	m  map[string]orchestrator.WorkflowFunc
}{m: make(map[string]orchestrator.WorkflowFunc)}

// Register adapts fn — a workflow body taking a typed input and returning a
// typed output — into an orchestrator.WorkflowFunc and binds it to name.
// Registering the same name twice panics: that is a program wiring bug, not
// a runtime condition callers should need to handle.
func Register[TIn, TOut any](name string, fn func(c *Context, input TIn) (TOut, error)) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.m[name]; exists {
		panic(fmt.Sprintf("workflow: %q already registered", name))
	}
	registry.m[name] = func(oc *orchestrator.Context) ([]byte, error) {
		opts := oc.SerializeOptions()
		var in TIn
		if err := serialize.Deserialize(oc.Input, &in, opts); err != nil {
			return nil, fmt.Errorf("workflow %s: decode input: %w", name, err)
		}
		out, err := fn(&Context{oc: oc}, in)
		if err != nil {
			return nil, err
		}
		envelope, err := serialize.Serialize(out, opts)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: encode output: %w", name, err)
		}
		return envelope, nil
	}
}

// Lookup returns the registered orchestrator.WorkflowFunc for name, for use
// by a workflow queue consumer driving internal/orchestrator.Driver.Run.
func Lookup(name string) (orchestrator.WorkflowFunc, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	fn, ok := registry.m[name]
	return fn, ok
}

// Names returns every currently registered workflow name, for a process
// entrypoint that needs to spin up one queue consumer per workflow.
func Names() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.m))
	for name := range registry.m {
		names = append(names, name)
	}
	return names
}
