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

package stephandler

import (
	"context"
	"errors"
	"time"

	"github.com/tombee/wkf/internal/metrics"
	wkferrors "github.com/tombee/wkf/pkg/errors"
)

// RetryPolicy bounds how many times a step body may be retried before its
// step is failed permanently, and the delay schedule for server-error
// retries on World append calls.
type RetryPolicy struct {
	MaxRetries int
	Backoff    []time.Duration
}

// DefaultRetryPolicy allows 3 retries with the 500ms/1s/2s schedule, for
// both the step body's own retry budget (up to 4 runs) and the
// append-level server-error backoff (one call plus up to 3 retries).
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	Backoff:    []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second},
}

// throttleResult signals the caller should return {timeoutSeconds} rather
// than keep retrying in-process.
type throttleResult struct {
	TimeoutSeconds int
}

func (throttleResult) Error() string { return "stephandler: throttled" }

// withThrottleRetry wraps a single World append call: on a 429 with
// retryAfter <= 10s it sleeps and retries once in-process; a second 429,
// or any 429 with retryAfter >= 10s, yields a throttleResult instead of
// retrying further.
func withThrottleRetry(ctx context.Context, call func() error) error {
	err := call()
	var apiErr *wkferrors.APIError
	if err == nil || !errors.As(err, &apiErr) || !apiErr.IsThrottle() {
		return err
	}

	if apiErr.RetryAfter > 0 && apiErr.RetryAfter <= 10*time.Second {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(apiErr.RetryAfter):
		}
		err = call()
		if err == nil {
			return nil
		}
		if !errors.As(err, &apiErr) || !apiErr.IsThrottle() {
			return err
		}
	}

	seconds := 30
	if apiErr.RetryAfter > 0 {
		seconds = int(apiErr.RetryAfter.Seconds())
	}
	return throttleResult{TimeoutSeconds: seconds}
}

// withServerErrorRetry wraps a single World append call: on a 5xx it
// retries up to len(backoff) times using each entry as the delay before
// the next attempt. Any other error propagates immediately.
func withServerErrorRetry(ctx context.Context, backoff []time.Duration, call func() error) error {
	err := call()
	for attempt := 0; attempt < len(backoff); attempt++ {
		var apiErr *wkferrors.APIError
		if err == nil || !errors.As(err, &apiErr) || !apiErr.IsServerError() {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff[attempt]):
		}
		metrics.RecordRetry("server_error")
		err = call()
	}
	return err
}
