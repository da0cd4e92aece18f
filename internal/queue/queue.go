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

// Package queue defines the durable, at-least-once delivery queue the
// orchestrator and step handler run on: named queues addressed by a
// reserved prefix, idempotency-keyed enqueue, and delayed delivery bounded
// by MaxDelaySeconds.
package queue

import (
	"context"
	"errors"
	"time"
)

// WorkflowQueuePrefix names the queue a workflow-invocation message is
// enqueued to, followed by the workflow's name.
const WorkflowQueuePrefix = "__wkf_workflow_"

// StepQueuePrefix names the queue a step-invocation message is enqueued
// to, followed by the step's name.
const StepQueuePrefix = "__wkf_step_"

// MaxDelaySeconds is the longest delay a single enqueue can carry (~23h).
// A caller needing a longer delay must chain: enqueue for MaxDelaySeconds,
// and on delivery re-enqueue for the remainder.
const MaxDelaySeconds = 82800

// ErrQueueClosed is returned by Enqueue/Dequeue once Close has run.
var ErrQueueClosed = errors.New("queue: closed")

// ErrNotFound is returned by Ack/Reschedule for an unknown or already
// finalized message ID.
var ErrNotFound = errors.New("queue: message not found")

// Message is one unit of delivery. Attempt starts at 1 on first delivery
// and increments on every Reschedule.
type Message struct {
	ID             string
	QueueName      string
	Payload        []byte
	IdempotencyKey string
	Attempt        int
	EnqueuedAt     time.Time
	AvailableAt    time.Time
}

// EnqueueOptions controls deduplication and delayed delivery.
type EnqueueOptions struct {
	// IdempotencyKey deduplicates: a second Enqueue with the same
	// (QueueName, IdempotencyKey) while the first is still live returns
	// the first message's ID instead of creating a second message.
	IdempotencyKey string

	// DelaySeconds delays first visibility. Clamped to [0, MaxDelaySeconds].
	DelaySeconds int
}

// Queue is the durable delivery surface. Implementations must survive
// process restart (sqlite) or may be purely in-process (memory, for tests
// and single-instance deployments where durability is not required).
type Queue interface {
	// Enqueue makes payload visible to Dequeue after DelaySeconds and
	// returns the message ID (existing or new, per IdempotencyKey).
	Enqueue(ctx context.Context, queueName string, payload []byte, opts EnqueueOptions) (string, error)

	// Dequeue blocks until a message on queueName is available or ctx is
	// done. The returned message is invisible to further Dequeue calls
	// until Ack or Reschedule.
	Dequeue(ctx context.Context, queueName string) (*Message, error)

	// Ack permanently removes a message after successful processing.
	Ack(ctx context.Context, queueName, messageID string) error

	// Reschedule returns a message to the queue after delaySeconds,
	// incrementing Attempt. Used both for the {timeoutSeconds} handler
	// contract and for exponential-backoff retry.
	Reschedule(ctx context.Context, queueName, messageID string, delaySeconds int) error

	// Close stops accepting new Enqueue/Dequeue calls.
	Close() error
}

// ClampDelay bounds a requested delay to the queue's single-hop maximum.
func ClampDelay(seconds int) int {
	if seconds < 0 {
		return 0
	}
	if seconds > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return seconds
}
