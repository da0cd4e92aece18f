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

import (
	"time"

	"github.com/tombee/wkf/internal/world"
	wkferrors "github.com/tombee/wkf/pkg/errors"
)

type waitResolution struct {
	hasCreatedEvent bool
	resolved        bool
	fatal           error
}

// newWaitConsumerFunc implements the §4.E.3 event table for one wait's
// correlation id.
func newWaitConsumerFunc(cid string, res *waitResolution) ConsumerFunc {
	return func(ev *world.Event) ConsumerResult {
		if ev.CorrelationID != cid {
			return NotConsumed
		}
		switch ev.EventType {
		case world.EventWaitCreated:
			res.hasCreatedEvent = true
			return Consumed
		case world.EventWaitCompleted:
			res.resolved = true
			return Finished
		default:
			res.fatal = &wkferrors.RuntimeError{Slug: "WAIT_LOG_CORRUPTION", Message: "unexpected event type on wait " + cid + ": " + string(ev.EventType)}
			return Finished
		}
	}
}

// Sleep durably suspends the run for d, resuming on or after
// Context.Now()+d of the invocation that first registered the wait. name
// identifies the call site the same way Step's name does.
func (c *Context) Sleep(name string, d time.Duration) error {
	cid := c.nextCorrelationID("wait", name)
	res := &waitResolution{}
	c.consumer.Subscribe(newWaitConsumerFunc(cid, res))
	c.consumer.Run()

	if res.fatal != nil {
		return res.fatal
	}
	if res.resolved {
		return nil
	}

	c.invocations.Upsert(&InvocationItem{
		Kind:            ItemWait,
		CorrelationID:   cid,
		ResumeAt:        c.Now().Add(d),
		HasCreatedEvent: res.hasCreatedEvent,
	})
	return &Suspension{CorrelationID: cid}
}
