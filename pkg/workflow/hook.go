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
	"fmt"

	"github.com/tombee/wkf/internal/orchestrator"
	"github.com/tombee/wkf/internal/queue"
	"github.com/tombee/wkf/internal/serialize"
	"github.com/tombee/wkf/internal/tracing"
	"github.com/tombee/wkf/internal/world"
)

// ResumeHook delivers payload to the hook registered under token, appending
// hook_received and re-enqueuing the owning run's workflow message so the
// next orchestrator invocation observes it. A token with no live hook (never
// created, already disposed, or lost a token race) returns the store's
// *pkg/errors.NotFoundError wrapped with the token, so errors.As still
// finds it.
func ResumeHook(ctx context.Context, w world.World, q queue.Queue, token string, payload any) error {
	hook, err := w.GetHookByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("workflow: resolve hook token %s: %w", token, err)
	}
	run, err := w.GetRun(ctx, hook.RunID)
	if err != nil {
		return fmt.Errorf("workflow: load run %s: %w", hook.RunID, err)
	}

	key, err := w.GetEncryptionKeyForRun(ctx, hook.RunID)
	if err != nil {
		return fmt.Errorf("workflow: load encryption key for %s: %w", hook.RunID, err)
	}
	cipher, err := serialize.NewCipher(key)
	if err != nil {
		return fmt.Errorf("workflow: build cipher for %s: %w", hook.RunID, err)
	}
	envelope, err := serialize.Serialize(payload, serialize.Options{SpecVersion: run.SpecVersion, Cipher: cipher})
	if err != nil {
		return fmt.Errorf("workflow: encode hook payload for %s: %w", token, err)
	}

	if _, err := w.CreateEvent(ctx, hook.RunID, world.EventInput{
		EventType:     world.EventHookReceived,
		CorrelationID: hook.HookID,
		EventData:     envelope,
	}, world.CreateEventOpts{SpecVersion: run.SpecVersion}); err != nil {
		return fmt.Errorf("workflow: append hook_received for %s: %w", token, err)
	}

	msg := orchestrator.WorkflowMessage{RunID: hook.RunID, TraceCarrier: tracing.InjectCarrier(ctx)}
	if err := enqueueWorkflowMessage(ctx, q, run.WorkflowName, msg); err != nil {
		return fmt.Errorf("workflow: enqueue resume for %s: %w", hook.RunID, err)
	}
	return nil
}
