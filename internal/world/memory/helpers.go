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

package memory

import (
	"encoding/json"
	"time"
)

// hookCreatedPayload and waitCreatedPayload mirror the minimal envelope the
// orchestrator's consumer factories put on hook_created / wait_created
// events. The store only needs the token / resumeAt fields out of the
// otherwise-opaque, possibly-encrypted EventData; it never interprets the
// rest of the payload.
type hookCreatedPayload struct {
	Token string `json:"token"`
}

type waitCreatedPayload struct {
	ResumeAt time.Time `json:"resumeAt"`
}

// hookToken extracts the dedup token from a hook_created event's data. A
// payload that fails to decode (legacy/opaque encrypted bytes) yields an
// empty token, which never collides with a real one.
func hookToken(data []byte) string {
	var p hookCreatedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ""
	}
	return p.Token
}

// decodeResumeAt extracts the resumeAt timestamp from a wait_created
// event's data.
func decodeResumeAt(data []byte) (time.Time, error) {
	var p waitCreatedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return time.Time{}, err
	}
	return p.ResumeAt, nil
}
