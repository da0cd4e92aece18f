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

	"github.com/tombee/wkf/internal/serialize"
	"github.com/tombee/wkf/internal/world"
)

// Result decodes runID's recorded output once it has completed. Callers
// racing a still-running or suspended run get a plain error identifying the
// current status rather than a zero value that looks like success.
func Result[TOut any](ctx context.Context, w world.World, runID string) (TOut, error) {
	var out TOut
	run, err := w.GetRun(ctx, runID)
	if err != nil {
		return out, err
	}
	switch run.Status {
	case world.RunCompleted:
		key, err := w.GetEncryptionKeyForRun(ctx, runID)
		if err != nil {
			return out, fmt.Errorf("workflow: load encryption key for %s: %w", runID, err)
		}
		cipher, err := serialize.NewCipher(key)
		if err != nil {
			return out, fmt.Errorf("workflow: build cipher for %s: %w", runID, err)
		}
		if err := serialize.Deserialize(run.Output, &out, serialize.Options{SpecVersion: run.SpecVersion, Cipher: cipher}); err != nil {
			return out, fmt.Errorf("workflow: decode result for %s: %w", runID, err)
		}
		return out, nil
	case world.RunFailed:
		msg := "unknown error"
		if run.Error != nil {
			msg = run.Error.Message
		}
		return out, fmt.Errorf("workflow: run %s failed: %s", runID, msg)
	case world.RunCancelled:
		return out, fmt.Errorf("workflow: run %s was cancelled", runID)
	default:
		return out, fmt.Errorf("workflow: run %s not yet terminal (status %s)", runID, run.Status)
	}
}
