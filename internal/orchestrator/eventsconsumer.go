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

package orchestrator

import "github.com/tombee/wkf/internal/world"

// ConsumerResult is the verdict a subscriber returns for the event it was
// just handed.
type ConsumerResult int

const (
	// Consumed advances the cursor and keeps the subscriber registered.
	Consumed ConsumerResult = iota
	// NotConsumed leaves the cursor in place and tries the next subscriber.
	NotConsumed
	// Finished advances the cursor and drops the subscriber.
	Finished
)

// ConsumerFunc inspects one event (nil at end-of-log) and reports what it
// did with it.
type ConsumerFunc func(event *world.Event) ConsumerResult

// EventsConsumer drives a single cursor over one run's event log, handing
// each event to registered subscribers in registration order until one
// claims it. Events with no CorrelationID (run lifecycle events) are
// consumed internally — they are the orchestrator driver's concern, not
// any step/hook/wait consumer's.
type EventsConsumer struct {
	events      []*world.Event
	cursor      int
	subscribers []ConsumerFunc
}

// NewEventsConsumer binds a consumer to a fixed snapshot of a run's event
// log, taken once at the start of an orchestrator invocation.
func NewEventsConsumer(events []*world.Event) *EventsConsumer {
	return &EventsConsumer{events: events}
}

// Subscribe registers fn to receive events from the current cursor
// position onward.
func (c *EventsConsumer) Subscribe(fn ConsumerFunc) {
	c.subscribers = append(c.subscribers, fn)
}

// Run drives dispatch until the cursor can no longer advance: either it
// reaches end-of-log, or no registered subscriber claims the current
// event. An unclaimed event stays at the cursor, so a subscriber that a
// later call site registers can still claim it; Unconsumed reports it if
// none ever does.
func (c *EventsConsumer) Run() {
	for c.dispatchOnce() {
	}
}

func (c *EventsConsumer) dispatchOnce() bool {
	if c.cursor >= len(c.events) {
		return false
	}
	ev := c.events[c.cursor]
	if ev.CorrelationID == "" {
		c.cursor++
		return true
	}
	for i, sub := range c.subscribers {
		switch sub(ev) {
		case Consumed:
			c.cursor++
			return true
		case Finished:
			c.cursor++
			c.subscribers = append(c.subscribers[:i:i], c.subscribers[i+1:]...)
			return true
		case NotConsumed:
			continue
		}
	}
	return false
}

// Unconsumed returns the events from the cursor onward that carry a
// CorrelationID — those no subscriber has claimed — in log order. Once the
// workflow function has returned, a non-empty result means the log does
// not match what the current workflow code would deterministically
// produce — a corrupted or non-deterministic replay.
func (c *EventsConsumer) Unconsumed() []*world.Event {
	var out []*world.Event
	for _, ev := range c.events[c.cursor:] {
		if ev.CorrelationID != "" {
			out = append(out, ev)
		}
	}
	return out
}
