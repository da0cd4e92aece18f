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

package httpapi

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig controls the per-caller token bucket applied to every
// run-management request.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
}

// RateLimiter buckets by authenticated caller (the JWT subject claim, or
// the remote address for an unauthenticated request), lazily creating a
// golang.org/x/time/rate.Limiter per key.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rateLimiterEntry
	cfg      RateLimitConfig
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewRateLimiter returns a RateLimiter. A non-positive RequestsPerSecond
// or BurstSize falls back to 10 req/s, burst 20.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 20
	}
	return &RateLimiter{limiters: make(map[string]*rateLimiterEntry), cfg: cfg}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	e, ok := rl.limiters[key]
	if !ok {
		e = &rateLimiterEntry{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.BurstSize)}
		rl.limiters[key] = e
	}
	e.lastUsed = time.Now()
	return e.limiter
}

// Sweep drops limiter entries idle for longer than maxAge, bounding the
// map's growth across long-lived callers in a long-running process.
func (rl *RateLimiter) Sweep(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for key, e := range rl.limiters {
		if now.Sub(e.lastUsed) > maxAge {
			delete(rl.limiters, key)
		}
	}
}

// Allow reports whether a request keyed by key may proceed, consuming a
// token if so.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.cfg.Enabled {
		return true
	}
	if key == "" {
		key = "_anonymous_"
	}
	return rl.limiterFor(key).Allow()
}

// Middleware rejects requests over the configured rate with 429, keyed by
// the authenticated caller's subject claim if present, else remote addr.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		key := r.RemoteAddr
		if claims := ClaimsFromContext(r.Context()); claims != nil && claims.Subject != "" {
			key = claims.Subject
		}
		if !rl.Allow(key) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
