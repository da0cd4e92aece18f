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

	"github.com/tombee/wkf/internal/orchestrator"
	"github.com/tombee/wkf/internal/queue"
	"github.com/tombee/wkf/internal/serialize"
	"github.com/tombee/wkf/internal/world"
)

// StartJSON durably records a new run from an opaque JSON request body —
// the path an HTTP caller takes, where the input type isn't known at
// compile time the way Start's TIn is. It stamps the run at
// world.LegacySpecVersion so the input, and everything the workflow
// subsequently records, round-trips through plain JSON rather than the
// binary format: a workflow author who wants an externally-triggerable
// workflow declares its input struct with json tags, same as any other
// JSON API handler.
func StartJSON(ctx context.Context, w world.World, q queue.Queue, workflowName string, rawInput json.RawMessage, opts StartOptions) (string, error) {
	runID := newRunID()

	key, err := w.GetEncryptionKeyForRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("workflow: load encryption key for %s: %w", runID, err)
	}
	cipher, err := serialize.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("workflow: build cipher for %s: %w", runID, err)
	}

	envelope, err := serialize.Serialize(rawInput, serialize.Options{SpecVersion: world.LegacySpecVersion, Cipher: cipher})
	if err != nil {
		return "", fmt.Errorf("workflow: encode input for %s: %w", runID, err)
	}

	if _, err := w.CreateEvent(ctx, runID, world.EventInput{
		EventType: world.EventRunCreated,
		EventData: envelope,
	}, world.CreateEventOpts{SpecVersion: world.LegacySpecVersion, WorkflowName: workflowName}); err != nil {
		return "", fmt.Errorf("workflow: append run_created for %s: %w", runID, err)
	}

	if err := enqueueWorkflowMessage(ctx, q, workflowName, orchestrator.WorkflowMessage{RunID: runID, TraceCarrier: opts.TraceCarrier}); err != nil {
		return "", fmt.Errorf("workflow: enqueue first invocation for %s: %w", runID, err)
	}
	return runID, nil
}
