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

package world

import (
	"context"
	"io"
)

// EventStore is the single write path plus the ordered read used to
// rebuild an orchestrator invocation's view of a run.
type EventStore interface {
	// CreateEvent appends event for runID and atomically applies its
	// entity mutation. Returns *pkg/errors.ConflictError (409) for a
	// duplicate terminal event on the same correlation id, wrapped as the
	// returned error; a hook_created losing a token race instead returns
	// normally with Event.EventType == EventHookConflict. Returns
	// *pkg/errors.GoneError (410) if runID is already terminal.
	CreateEvent(ctx context.Context, runID string, event EventInput, opts CreateEventOpts) (*CreateEventResult, error)

	// ListByRun returns the full ordered event log for runID, oldest first.
	ListByRun(ctx context.Context, runID string) ([]*Event, error)
}

// RunReader exposes the materialized Run view.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*Run, error)
}

// StepReader exposes the materialized Step view.
type StepReader interface {
	GetStep(ctx context.Context, runID, stepID string) (*Step, error)
}

// HookReader exposes hook lookup by token, used to detect token collisions
// before a hook_created append and to resolve resumeHook(token, payload)
// calls to the owning run.
type HookReader interface {
	GetHookByToken(ctx context.Context, token string) (*Hook, error)
}

// KeyProvider derives or looks up the per-run encryption key used by the
// serialization layer. A nil key (with nil error) means the run is
// unencrypted.
type KeyProvider interface {
	GetEncryptionKeyForRun(ctx context.Context, runID string) ([]byte, error)
}

// World composes the full storage surface the orchestrator, suspension
// handler, and step handler depend on.
type World interface {
	EventStore
	RunReader
	StepReader
	HookReader
	KeyProvider
	io.Closer

	// DeploymentID identifies this store's deployment, used as the default
	// when start() does not override it.
	DeploymentID() string
}
