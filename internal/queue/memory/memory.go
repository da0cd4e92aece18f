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

// Package memory provides an in-process queue.Queue: a per-queue-name
// min-heap ordered by availability time, guarded by a mutex and woken by
// a condition variable. No third-party delayed-priority-queue library
// appears anywhere in the retrieved example pack, so this is built on
// container/heap, the standard library's own answer to the same need.
package memory

import (
	"container/heap"
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tombee/wkf/internal/queue"
)

var _ queue.Queue = (*Queue)(nil)

type item struct {
	msg     *queue.Message
	index   int
	claimed bool
}

// itemHeap orders by AvailableAt ascending.
type itemHeap []*item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].msg.AvailableAt.Before(h[j].msg.AvailableAt) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *itemHeap) Push(x interface{}) { it := x.(*item); it.index = len(*h); *h = append(*h, it) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type lane struct {
	heap    itemHeap
	byID    map[string]*item
	dedup   map[string]string // idempotencyKey -> messageID
	claimed map[string]*item  // messageID -> item, while dequeued/unacked
}

func newLane() *lane {
	l := &lane{byID: make(map[string]*item), dedup: make(map[string]string), claimed: make(map[string]*item)}
	heap.Init(&l.heap)
	return l
}

// Queue is an in-memory queue.Queue.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	lanes   map[string]*lane
	closed  bool
	entropy *ulid.MonotonicEntropy
}

// New creates an empty in-memory queue.
func New() *Queue {
	q := &Queue{
		lanes:   make(map[string]*lane),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) newMessageIDLocked() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), q.entropy).String()
}

func (q *Queue) laneLocked(name string) *lane {
	l, ok := q.lanes[name]
	if !ok {
		l = newLane()
		q.lanes[name] = l
	}
	return l
}

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload []byte, opts queue.EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", queue.ErrQueueClosed
	}

	l := q.laneLocked(queueName)
	if opts.IdempotencyKey != "" {
		if id, ok := l.dedup[opts.IdempotencyKey]; ok {
			return id, nil
		}
	}

	now := time.Now()
	msg := &queue.Message{
		ID:             q.newMessageIDLocked(),
		QueueName:      queueName,
		Payload:        payload,
		IdempotencyKey: opts.IdempotencyKey,
		Attempt:        1,
		EnqueuedAt:     now,
		AvailableAt:    now.Add(time.Duration(queue.ClampDelay(opts.DelaySeconds)) * time.Second),
	}
	it := &item{msg: msg}
	heap.Push(&l.heap, it)
	l.byID[msg.ID] = it
	if opts.IdempotencyKey != "" {
		l.dedup[opts.IdempotencyKey] = msg.ID
	}
	q.cond.Broadcast()
	return msg.ID, nil
}

// Dequeue implements queue.Queue. It blocks until a message on queueName
// becomes available or ctx is done, polling on a short timer so AvailableAt
// deadlines in the future are honored without a dedicated timer per lane.
func (q *Queue) Dequeue(ctx context.Context, queueName string) (*queue.Message, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil, queue.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		l := q.laneLocked(queueName)
		if l.heap.Len() > 0 && !l.heap[0].msg.AvailableAt.After(time.Now()) {
			it := heap.Pop(&l.heap).(*item)
			it.claimed = true
			l.claimed[it.msg.ID] = it
			return it.msg, nil
		}

		wait := 50 * time.Millisecond
		if l.heap.Len() > 0 {
			if d := time.Until(l.heap[0].msg.AvailableAt); d < wait {
				wait = d
			}
		}
		if wait > 0 {
			timer := time.AfterFunc(wait, func() {
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			})
			q.cond.Wait()
			timer.Stop()
		}
	}
}

// Ack implements queue.Queue.
func (q *Queue) Ack(ctx context.Context, queueName, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.laneLocked(queueName)
	it, ok := l.claimed[messageID]
	if !ok {
		return queue.ErrNotFound
	}
	delete(l.claimed, messageID)
	delete(l.byID, messageID)
	if it.msg.IdempotencyKey != "" {
		delete(l.dedup, it.msg.IdempotencyKey)
	}
	return nil
}

// Reschedule implements queue.Queue.
func (q *Queue) Reschedule(ctx context.Context, queueName, messageID string, delaySeconds int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.laneLocked(queueName)
	it, ok := l.claimed[messageID]
	if !ok {
		return queue.ErrNotFound
	}
	delete(l.claimed, messageID)
	it.msg.Attempt++
	it.msg.AvailableAt = time.Now().Add(time.Duration(queue.ClampDelay(delaySeconds)) * time.Second)
	it.claimed = false
	heap.Push(&l.heap, it)
	l.byID[messageID] = it
	q.cond.Broadcast()
	return nil
}

// Close implements queue.Queue.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
	return nil
}
