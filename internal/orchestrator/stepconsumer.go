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
	"github.com/tombee/wkf/internal/serialize"
	"github.com/tombee/wkf/internal/world"
	wkferrors "github.com/tombee/wkf/pkg/errors"
)

type stepResolution struct {
	hasCreatedEvent bool
	resolved        bool
	result          []byte
	err             error
}

// newStepConsumerFunc implements the §4.E.1 event table for one step's
// correlation id.
func newStepConsumerFunc(cid string, opts serialize.Options, res *stepResolution) ConsumerFunc {
	return func(ev *world.Event) ConsumerResult {
		if ev.CorrelationID != cid {
			return NotConsumed
		}
		switch ev.EventType {
		case world.EventStepCreated:
			res.hasCreatedEvent = true
			return Consumed
		case world.EventStepCompleted:
			res.resolved = true
			res.result = ev.EventData
			return Finished
		case world.EventStepFailed:
			res.resolved = true
			res.err = decodeStepError(ev.EventData, opts)
			return Finished
		case world.EventStepRetrying:
			res.hasCreatedEvent = true
			return Consumed
		default:
			res.resolved = true
			res.err = &wkferrors.RuntimeError{Slug: "STEP_LOG_CORRUPTION", Message: "unexpected event type on step " + cid + ": " + string(ev.EventType)}
			return Finished
		}
	}
}

// Step durably memoizes the result of a side-effectful call: name
// identifies the call site, and successive Step calls with the same name
// within one invocation are distinguished by call order, matching the
// deterministic-replay contract (callers must invoke Step/Hook/Sleep in
// the same order on every replay of a given run).
//
// On the first replay that reaches this call, Step registers an
// invocation-queue item and returns a *Suspension; the caller is expected
// to propagate that error. On a later replay, once the step has reached a
// terminal event, Step returns its hydrated result (or the step's own
// failure as a *StepError).
func (c *Context) Step(name string, input []byte) ([]byte, error) {
	cid := c.nextCorrelationID("step", name)
	res := &stepResolution{}
	c.consumer.Subscribe(newStepConsumerFunc(cid, c.serializeOpts, res))
	c.consumer.Run()

	if res.resolved {
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	}

	c.invocations.Upsert(&InvocationItem{
		Kind:            ItemStep,
		CorrelationID:   cid,
		StepName:        name,
		Input:           input,
		HasCreatedEvent: res.hasCreatedEvent,
	})
	return nil, &Suspension{CorrelationID: cid}
}
