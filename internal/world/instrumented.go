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
	"errors"

	"github.com/tombee/wkf/internal/metrics"
	wkferrors "github.com/tombee/wkf/pkg/errors"
)

// Instrumented wraps a World and records internal/metrics counters for
// every error CreateEvent, GetRun, GetStep, and GetHookByToken return, so a
// recurring storage fault shows up on the workflow_persistence_errors_total
// dashboard instead of only in logs.
type Instrumented struct {
	World
}

// NewInstrumented wraps w. Every other World method is delegated
// unmodified through the embedded interface.
func NewInstrumented(w World) *Instrumented {
	return &Instrumented{World: w}
}

func (i *Instrumented) CreateEvent(ctx context.Context, runID string, event EventInput, opts CreateEventOpts) (*CreateEventResult, error) {
	res, err := i.World.CreateEvent(ctx, runID, event, opts)
	if err != nil {
		metrics.RecordPersistenceError("AppendEvent", classifyError(err))
	}
	return res, err
}

func (i *Instrumented) GetRun(ctx context.Context, runID string) (*Run, error) {
	run, err := i.World.GetRun(ctx, runID)
	if err != nil {
		metrics.RecordPersistenceError("GetRun", classifyError(err))
	}
	return run, err
}

func (i *Instrumented) GetStep(ctx context.Context, runID, stepID string) (*Step, error) {
	step, err := i.World.GetStep(ctx, runID, stepID)
	if err != nil {
		metrics.RecordPersistenceError("GetStep", classifyError(err))
	}
	return step, err
}

func (i *Instrumented) GetHookByToken(ctx context.Context, token string) (*Hook, error) {
	hook, err := i.World.GetHookByToken(ctx, token)
	if err != nil {
		metrics.RecordPersistenceError("GetHookByToken", classifyError(err))
	}
	return hook, err
}

// classifyError maps a World error to a low-cardinality label for the
// error_type dimension: the well-known sentinel types get their own label,
// everything else (driver errors, context cancellation, I/O) is "unknown".
func classifyError(err error) string {
	var conflict *wkferrors.ConflictError
	if errors.As(err, &conflict) {
		return "conflict"
	}
	var gone *wkferrors.GoneError
	if errors.As(err, &gone) {
		return "gone"
	}
	var notFound *wkferrors.NotFoundError
	if errors.As(err, &notFound) {
		return "not_found"
	}
	var api *wkferrors.APIError
	if errors.As(err, &api) {
		if api.IsThrottle() {
			return "throttle"
		}
		if api.IsServerError() {
			return "server_error"
		}
		return "api_error"
	}
	return "unknown"
}
