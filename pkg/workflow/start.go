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
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tombee/wkf/internal/metrics"
	"github.com/tombee/wkf/internal/orchestrator"
	"github.com/tombee/wkf/internal/queue"
	"github.com/tombee/wkf/internal/serialize"
	"github.com/tombee/wkf/internal/world"
)

// runIDPrefix distinguishes a run id from any other identifier a caller
// might pass around alongside it (a hook token, a step id).
const runIDPrefix = "wrun_"

var idGen = struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}{entropy: ulid.Monotonic(rand.Reader, 0)}

func newRunID() string {
	idGen.mu.Lock()
	defer idGen.mu.Unlock()
	return runIDPrefix + ulid.MustNew(ulid.Timestamp(time.Now()), idGen.entropy).String()
}

// StartOptions controls optional, per-start behavior. The zero value is
// correct for a plain start.
type StartOptions struct {
	// TraceCarrier propagates distributed-tracing context onto the
	// workflow queue message, read back by the consumer that drives the
	// first orchestrator invocation.
	TraceCarrier map[string]string
}

// Start durably records a new run of the workflow registered as
// workflowName and enqueues its first invocation, returning the new run's
// id. The workflow function itself does not run synchronously here — a
// workflow queue consumer drives it via internal/orchestrator.Driver.Run
// once the enqueued message is dequeued.
func Start[TIn any](ctx context.Context, w world.World, q queue.Queue, workflowName string, input TIn, opts StartOptions) (string, error) {
	runID := newRunID()

	key, err := w.GetEncryptionKeyForRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("workflow: load encryption key for %s: %w", runID, err)
	}
	cipher, err := serialize.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("workflow: build cipher for %s: %w", runID, err)
	}

	envelope, err := serialize.Serialize(input, serialize.Options{SpecVersion: world.CurrentSpecVersion, Cipher: cipher})
	if err != nil {
		return "", fmt.Errorf("workflow: encode input for %s: %w", runID, err)
	}

	if _, err := w.CreateEvent(ctx, runID, world.EventInput{
		EventType: world.EventRunCreated,
		EventData: envelope,
	}, world.CreateEventOpts{SpecVersion: world.CurrentSpecVersion, WorkflowName: workflowName}); err != nil {
		return "", fmt.Errorf("workflow: append run_created for %s: %w", runID, err)
	}

	if err := enqueueWorkflowMessage(ctx, q, workflowName, orchestrator.WorkflowMessage{RunID: runID, TraceCarrier: opts.TraceCarrier}); err != nil {
		return "", fmt.Errorf("workflow: enqueue first invocation for %s: %w", runID, err)
	}
	return runID, nil
}

// CancelRun appends run_cancelled for runID. Unlike Step/Hook/Sleep
// resolution, cancellation does not need a replay: it is a direct terminal
// append, rejected by the store with *pkg/errors.GoneError if runID is
// already terminal.
func CancelRun(ctx context.Context, w world.World, runID string, reason string) error {
	payload, err := json.Marshal(world.StructuredError{Message: reason})
	if err != nil {
		return fmt.Errorf("workflow: encode cancel reason for %s: %w", runID, err)
	}
	run, err := w.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("workflow: load run %s: %w", runID, err)
	}
	if _, err := w.CreateEvent(ctx, runID, world.EventInput{
		EventType: world.EventRunCancelled,
		EventData: payload,
	}, world.CreateEventOpts{SpecVersion: run.SpecVersion}); err != nil {
		return fmt.Errorf("workflow: append run_cancelled for %s: %w", runID, err)
	}
	metrics.RecordRunDuration("canceled", time.Since(run.CreatedAt))
	return nil
}

// enqueueWorkflowMessage marshals msg and enqueues it onto workflowName's
// queue, deduplicated by run id: while a workflow message for the run is
// still live (not yet acked), a further enqueue for the same run, such as
// one from ResumeHook, is a no-op. Start mints a fresh run id on every call,
// so two Start calls never share a key.
func enqueueWorkflowMessage(ctx context.Context, q queue.Queue, workflowName string, msg orchestrator.WorkflowMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode workflow message: %w", err)
	}
	if _, err = q.Enqueue(ctx, queue.WorkflowQueuePrefix+workflowName, body, queue.EnqueueOptions{IdempotencyKey: msg.RunID}); err != nil {
		return err
	}
	metrics.IncQueueDepth(queue.WorkflowQueuePrefix + workflowName)
	return nil
}
