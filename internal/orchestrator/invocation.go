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

// Package orchestrator replays a run's event log against user workflow
// code, translating step/hook/sleep awaits into durable log entries via
// the suspension handler.
package orchestrator

import "time"

// ItemKind discriminates an InvocationQueue entry.
type ItemKind int

const (
	ItemStep ItemKind = iota
	ItemHook
	ItemWait
)

// InvocationItem is the runtime-only (never persisted) record of a
// suspension point the current invocation needs the suspension handler to
// durably commit. Mirrors the three invocation-queue shapes: step, hook,
// wait.
type InvocationItem struct {
	Kind          ItemKind
	CorrelationID string

	// Step fields.
	StepName string
	Input    []byte

	// Hook fields.
	Token    string
	Metadata []byte

	// Wait fields.
	ResumeAt time.Time

	// HasCreatedEvent is true when a prior replay already observed this
	// item's *_created event; the suspension handler must not re-append it.
	HasCreatedEvent bool
}

// InvocationQueue preserves insertion order, mirroring the orchestrator
// context's invocationsQueue. Upsert is O(1); Delete is O(n), since it
// scans the order slice for the entry to remove.
type InvocationQueue struct {
	order []string
	items map[string]*InvocationItem
}

// NewInvocationQueue returns an empty queue.
func NewInvocationQueue() *InvocationQueue {
	return &InvocationQueue{items: make(map[string]*InvocationItem)}
}

// Upsert inserts item, or replaces the existing entry for the same
// CorrelationID in place (preserving original insertion position).
func (q *InvocationQueue) Upsert(item *InvocationItem) {
	if _, ok := q.items[item.CorrelationID]; !ok {
		q.order = append(q.order, item.CorrelationID)
	}
	q.items[item.CorrelationID] = item
}

// Delete removes the entry for correlationID, if present.
func (q *InvocationQueue) Delete(correlationID string) {
	if _, ok := q.items[correlationID]; !ok {
		return
	}
	delete(q.items, correlationID)
	for i, id := range q.order {
		if id == correlationID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Ordered returns items in insertion order.
func (q *InvocationQueue) Ordered() []*InvocationItem {
	out := make([]*InvocationItem, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.items[id])
	}
	return out
}

// Len reports the number of pending items.
func (q *InvocationQueue) Len() int { return len(q.order) }
