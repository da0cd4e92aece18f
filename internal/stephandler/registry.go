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

// Package stephandler executes durable step invocations pulled off a
// __wkf_step_ queue: attempt accounting, serialization, throttle/server-
// error retry, and scheduling the workflow's continuation.
package stephandler

import (
	"context"
	"sync"
)

// Func is a registered step body: it receives the hydrated (decrypted,
// decoded) input and returns the value to durably record as the step's
// result.
type Func func(ctx context.Context, input []byte) ([]byte, error)

// Registry maps stepName to its registered Func, looked up by the queue
// name a step message arrived on.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Func
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Func)}
}

// Register binds name to fn. A second Register call for the same name
// replaces the prior binding — deployments re-registering steps on
// restart is the expected path, not an error.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[name] = fn
}

// Lookup returns the Func bound to name, if any.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// Names returns every currently registered step name, for a process
// entrypoint that needs to spin up one queue consumer per step.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	return names
}
