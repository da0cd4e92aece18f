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

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	internallog "github.com/tombee/wkf/internal/log"
	"github.com/tombee/wkf/internal/metrics"
	"github.com/tombee/wkf/internal/orchestrator"
	"github.com/tombee/wkf/internal/queue"
	"github.com/tombee/wkf/internal/stephandler"
	"github.com/tombee/wkf/internal/tracing"
	"github.com/tombee/wkf/pkg/observability"
	"github.com/tombee/wkf/pkg/workflow"
)

// runWorkflowConsumer pulls WorkflowMessages for workflowName off its
// queue and drives each through the orchestrator Driver until runCtx is
// cancelled. It never returns an error to Start's errCh: a single bad
// message is rescheduled or logged, not fatal to the process.
func (d *Daemon) runWorkflowConsumer(runCtx context.Context, workflowName string) {
	defer d.wg.Done()
	queueName := queue.WorkflowQueuePrefix + workflowName
	logger := internallog.WithComponent(d.logger, "workflow-consumer").With(slog.String("workflow", workflowName))

	for {
		if d.draining.Load() {
			return
		}
		msg, err := d.queue.Dequeue(runCtx, queueName)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			logger.Error("dequeue failed", internallog.Error(err))
			continue
		}

		fn, ok := workflow.Lookup(workflowName)
		if !ok {
			logger.Error("no workflow registered for queue, dropping message", slog.String("message_id", msg.ID))
			_ = d.queue.Ack(runCtx, queueName, msg.ID)
			continue
		}

		var wm orchestrator.WorkflowMessage
		if err := json.Unmarshal(msg.Payload, &wm); err != nil {
			logger.Error("malformed workflow message, dropping", internallog.Error(err))
			_ = d.queue.Ack(runCtx, queueName, msg.ID)
			continue
		}

		spanCtx := tracing.ExtractCarrier(runCtx, wm.TraceCarrier)
		spanCtx, span := d.tracer.Start(spanCtx, "workflow.run", observability.WithSpanKind(observability.SpanKindConsumer), observability.WithAttributes(map[string]any{
			"workflow.name": workflowName,
			"workflow.run_id": wm.RunID,
		}))

		result, err := d.driver.Run(spanCtx, wm.RunID, fn)
		if err != nil {
			span.RecordError(err)
			span.End()
			logger.Error("workflow invocation failed", slog.String("run_id", wm.RunID), internallog.Error(err))
			_ = d.queue.Reschedule(runCtx, queueName, msg.ID, 0)
			continue
		}
		span.End()

		metrics.ObserveAttempts(queueName, msg.Attempt)
		if result.HasTimeout {
			_ = d.queue.Reschedule(runCtx, queueName, msg.ID, result.TimeoutSeconds)
			continue
		}
		if err := d.queue.Ack(runCtx, queueName, msg.ID); err != nil {
			logger.Error("ack failed", internallog.Error(err))
		}
		metrics.DecQueueDepth(queueName)
	}
}

// runStepConsumer pulls step Messages for stepName off its queue and
// drives each through the stephandler Handler until runCtx is cancelled.
func (d *Daemon) runStepConsumer(runCtx context.Context, stepName string) {
	defer d.wg.Done()
	queueName := queue.StepQueuePrefix + stepName
	logger := internallog.WithComponent(d.logger, "step-consumer").With(slog.String("step", stepName))

	for {
		if d.draining.Load() {
			return
		}
		msg, err := d.queue.Dequeue(runCtx, queueName)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			logger.Error("dequeue failed", internallog.Error(err))
			continue
		}

		var sm stephandler.Message
		if err := json.Unmarshal(msg.Payload, &sm); err != nil {
			logger.Error("malformed step message, dropping", internallog.Error(err))
			_ = d.queue.Ack(runCtx, queueName, msg.ID)
			continue
		}

		spanCtx := tracing.ExtractCarrier(runCtx, sm.TraceCarrier)
		spanCtx, span := d.tracer.Start(spanCtx, "step.handle", observability.WithSpanKind(observability.SpanKindConsumer), observability.WithAttributes(map[string]any{
			"step.name": stepName,
			"workflow.run_id": sm.WorkflowRunID,
		}))

		result, err := d.stepHandler.Handle(spanCtx, stepName, &sm)
		if err != nil {
			span.RecordError(err)
			span.End()
			logger.Error("step invocation failed", slog.String("run_id", sm.WorkflowRunID), internallog.Error(err))
			_ = d.queue.Reschedule(runCtx, queueName, msg.ID, 0)
			continue
		}
		span.End()

		metrics.ObserveAttempts(queueName, msg.Attempt)
		if result.HasTimeout {
			_ = d.queue.Reschedule(runCtx, queueName, msg.ID, result.TimeoutSeconds)
			continue
		}
		if err := d.queue.Ack(runCtx, queueName, msg.ID); err != nil {
			logger.Error("ack failed", internallog.Error(err))
		}
		metrics.DecQueueDepth(queueName)
	}
}
