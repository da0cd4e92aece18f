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
	"fmt"

	"github.com/tombee/wkf/internal/world"
	wkferrors "github.com/tombee/wkf/pkg/errors"
)

// HookHandle is the durable handle to an externally-resumable suspension
// point. It is both "thenable" (call Next once for the next payload) and
// an async iterable (call Next repeatedly until ErrHookDisposed) over the
// same underlying subscription state.
type HookHandle struct {
	ctx      *Context
	cid      string
	token    string
	metadata []byte

	conflicted bool
}

// Hook returns the handle for a hook identified by name (the call site)
// and token (the externally-meaningful identifier resumeHook callers use).
// The correlation id is stable for this name across replays of the same
// run, so repeated Hook(name, ...) calls in the same invocation — or the
// same call on a later replay — resolve to the same underlying hook.
func (c *Context) Hook(name, token string, metadata []byte) *HookHandle {
	cid, ok := c.hookCID[name]
	if !ok {
		cid = c.nextCorrelationID("hook", name)
		if c.hookCID == nil {
			c.hookCID = make(map[string]string)
		}
		c.hookCID[name] = cid
	}
	return &HookHandle{ctx: c, cid: cid, token: token, metadata: metadata}
}

type hookResolution struct {
	created  bool
	conflict bool
	disposed bool
	resolved bool
	payload  []byte
	fatal    error
}

// newHookConsumerFunc implements the §4.E.2 event table for one hook's
// correlation id. The shared events-consumer cursor only ever advances, so
// a hook_received event already claimed by an earlier Next() call within
// this invocation is never re-presented here — each new subscription
// resolves against the next not-yet-delivered delivery, with no separate
// bookkeeping required.
func newHookConsumerFunc(cid string, res *hookResolution) ConsumerFunc {
	return func(ev *world.Event) ConsumerResult {
		if ev.CorrelationID != cid {
			return NotConsumed
		}
		switch ev.EventType {
		case world.EventHookCreated:
			res.created = true
			return Consumed
		case world.EventHookConflict:
			res.conflict = true
			return Finished
		case world.EventHookReceived:
			res.resolved = true
			res.payload = ev.EventData
			return Finished
		case world.EventHookDisposed:
			res.disposed = true
			return Finished
		default:
			res.fatal = &wkferrors.RuntimeError{Slug: "HOOK_LOG_CORRUPTION", Message: "unexpected event type on hook " + cid + ": " + string(ev.EventType)}
			return Finished
		}
	}
}

// Next returns the next payload delivered to this hook, or ErrHookDisposed
// once hook_disposed has been observed and no buffered payload remains. A
// token collision recorded against this hook (hook_conflict) fails every
// future Next call with a runtime error carrying slug HOOK_CONFLICT,
// matching the "reject all current and future awaits" requirement.
func (h *HookHandle) Next() ([]byte, error) {
	res := &hookResolution{conflict: h.conflicted}
	if !h.conflicted {
		h.ctx.consumer.Subscribe(newHookConsumerFunc(h.cid, res))
		h.ctx.consumer.Run()
	}

	switch {
	case res.conflict:
		h.conflicted = true
		return nil,&wkferrors.RuntimeError{Slug: "HOOK_CONFLICT", Message: fmt.Sprintf("hook token %q already in use", h.token)}
	case res.fatal != nil:
		return nil, res.fatal
	case res.resolved:
		return res.payload, nil
	case res.disposed:
		return nil, ErrHookDisposed
	default:
		h.ctx.invocations.Upsert(&InvocationItem{
			Kind:            ItemHook,
			CorrelationID:   h.cid,
			Token:           h.token,
			Metadata:        h.metadata,
			HasCreatedEvent: res.created,
		})
		return nil, &Suspension{CorrelationID: h.cid}
	}
}
