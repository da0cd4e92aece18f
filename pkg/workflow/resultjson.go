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
	"context"
	"encoding/json"
	"fmt"

	"github.com/tombee/wkf/internal/serialize"
	"github.com/tombee/wkf/internal/world"
)

// RunView is the status snapshot an HTTP caller polls for: enough to
// render a run's lifecycle without the caller knowing the workflow's
// TOut type at compile time.
type RunView struct {
	RunID  string                  `json:"runId"`
	Status world.RunStatus         `json:"status"`
	Output json.RawMessage         `json:"output,omitempty"`
	Error  *world.StructuredError  `json:"error,omitempty"`
}

// ViewJSON loads runID's current status and, once completed, its decoded
// output, without requiring the caller to know the workflow's output type
// at compile time. Non-terminal and failed/cancelled runs carry no Output.
// Only meaningful for runs started at world.LegacySpecVersion (StartJSON);
// a binary-format run's Output does not decode into json.RawMessage.
func ViewJSON(ctx context.Context, w world.World, runID string) (*RunView, error) {
	run, err := w.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	view := &RunView{RunID: run.RunID, Status: run.Status, Error: run.Error}
	if run.Status != world.RunCompleted || len(run.Output) == 0 {
		return view, nil
	}

	key, err := w.GetEncryptionKeyForRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("workflow: load encryption key for %s: %w", runID, err)
	}
	cipher, err := serialize.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("workflow: build cipher for %s: %w", runID, err)
	}
	var raw json.RawMessage
	if err := serialize.Deserialize(run.Output, &raw, serialize.Options{SpecVersion: run.SpecVersion, Cipher: cipher}); err != nil {
		return nil, fmt.Errorf("workflow: decode output for %s: %w", runID, err)
	}
	view.Output = raw
	return view, nil
}
