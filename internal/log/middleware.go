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

package log

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/wkf/internal/tracing"
)

// AccessRequest carries the fields RequestMiddleware logs for one HTTP
// request/response pair.
type AccessRequest struct {
	Method        string
	Path          string
	RemoteAddr    string
	CorrelationID string
	StatusCode    int
	DurationMs    int64
}

// LogAccessRequest logs one completed HTTP request at info level, or warn
// if the response was a 5xx.
func LogAccessRequest(logger *slog.Logger, req *AccessRequest) {
	attrs := []any{
		"event", "http_request",
		"method", req.Method,
		"path", req.Path,
		"remote", req.RemoteAddr,
		"status", req.StatusCode,
		DurationKey, req.DurationMs,
	}

	if req.CorrelationID != "" {
		attrs = append(attrs, CorrelationIDKey, req.CorrelationID)
	}

	level := slog.LevelInfo
	msg := "http request completed"
	if req.StatusCode >= 500 {
		level = slog.LevelWarn
		msg = "http request failed"
	}

	logger.Log(nil, level, msg, attrs...)
}

// RequestMiddleware logs one line per completed HTTP request: method,
// path, remote address, correlation ID, status code, and duration. It sits
// at the outermost layer of internal/httpapi's middleware chain so it
// still logs requests auth or rate limiting reject.
type RequestMiddleware struct {
	logger *slog.Logger
}

// NewRequestMiddleware creates a new HTTP access-log middleware.
func NewRequestMiddleware(logger *slog.Logger) *RequestMiddleware {
	return &RequestMiddleware{logger: logger}
}

// Handler wraps next, logging every request it serves.
func (m *RequestMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		LogAccessRequest(m.logger, &AccessRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			RemoteAddr:    r.RemoteAddr,
			CorrelationID: tracing.FromContextOrEmpty(r.Context()).String(),
			StatusCode:    wrapped.statusCode,
			DurationMs:    time.Since(start).Milliseconds(),
		})
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code
// written by the handlers further down the chain.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
