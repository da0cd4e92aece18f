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

// Package httpapi implements the run-management HTTP facade: start a run,
// cancel a run, resume a suspended hook, and poll a run's status. It sits
// in front of pkg/workflow the way a thin REST layer sits in front of any
// Go service package — this package owns transport concerns (routing,
// auth, CORS, rate limiting) and delegates all durable-state mutation to
// pkg/workflow and internal/world.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	internallog "github.com/tombee/wkf/internal/log"
	"github.com/tombee/wkf/internal/queue"
	"github.com/tombee/wkf/internal/tracing"
	"github.com/tombee/wkf/internal/world"
)

// Config is everything Server needs to build its middleware chain, on top
// of the World/Queue it serves.
type Config struct {
	BindAddress string
	JWT         JWTConfig
	CORS        CORSConfig
	RateLimit   RateLimitConfig
}

// Server manages the lifecycle of the run-management HTTP server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server

	mu sync.RWMutex
	ln net.Listener
}

// New builds a Server wired to w and q. Routes are registered at
// construction time; auth, CORS, and rate limiting wrap the whole mux.
func New(cfg Config, w world.World, q queue.Queue, logger *slog.Logger) *Server {
	if logger == nil {
		logger = internallog.WithComponent(internallog.New(internallog.FromEnv()), "httpapi")
	}

	mux := http.NewServeMux()
	registerRoutes(mux, w, q, logger)

	var handler http.Handler = mux
	handler = RequireBearer(cfg.JWT)(handler)
	handler = CORS(cfg.CORS)(handler)
	if cfg.RateLimit.Enabled {
		limiter := NewRateLimiter(RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
		})
		handler = limiter.Middleware(handler)
	}
	// Trace/correlation context is extracted before auth and rate limiting
	// run, so their own log lines (and a 401/429 response) still carry it.
	handler = tracing.TracingMiddleware(handler)
	handler = tracing.HTTPMiddleware(handler)
	handler = tracing.CorrelationMiddleware(handler)
	handler = internallog.NewRequestMiddleware(logger).Handler(handler)

	return &Server{
		cfg:    cfg,
		logger: logger,
		server: &http.Server{
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start listens on cfg.BindAddress and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("httpapi: listen on %s: %w", s.cfg.BindAddress, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("http api starting", slog.String("listen_addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("http api shutting down")
	s.server.SetKeepAlivesEnabled(false)
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("http api shutdown error", internallog.Error(err))
		return err
	}
	s.logger.Info("http api stopped")
	return nil
}

// Addr returns the listener address, or empty string if not started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
