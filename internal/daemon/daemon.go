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

// Package daemon wires World, the durable queue, the orchestrator, and the
// step handler into one long-running process: one workflow-queue consumer
// per pkg/workflow registration, one step-queue consumer per registered
// step, and the optional internal/httpapi facade in front of them all.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tombee/wkf/internal/config"
	"github.com/tombee/wkf/internal/httpapi"
	internallog "github.com/tombee/wkf/internal/log"
	"github.com/tombee/wkf/internal/orchestrator"
	"github.com/tombee/wkf/internal/queue"
	queuememory "github.com/tombee/wkf/internal/queue/memory"
	queuesqlite "github.com/tombee/wkf/internal/queue/sqlite"
	"github.com/tombee/wkf/internal/stephandler"
	"github.com/tombee/wkf/internal/tracing"
	"github.com/tombee/wkf/internal/world"
	worldmemory "github.com/tombee/wkf/internal/world/memory"
	worldpostgres "github.com/tombee/wkf/internal/world/postgres"
	worldsqlite "github.com/tombee/wkf/internal/world/sqlite"
	"github.com/tombee/wkf/pkg/observability"
	"github.com/tombee/wkf/pkg/workflow"
)

// Options carries build-time information injected via ldflags.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon runs every workflow and step queue consumer registered in the
// process, plus the HTTP facade if configured.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	world world.World
	queue queue.Queue
	steps *stephandler.Registry

	httpServer *httpapi.Server

	tracerProvider *tracing.OTelProvider
	tracer         observability.Tracer

	driver      *orchestrator.Driver
	stepHandler *stephandler.Handler
	suspension  *orchestrator.Handler

	mu       sync.Mutex
	started  bool
	draining atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	pgxPool *pgxpool.Pool
}

// New builds a Daemon from cfg. masterSecret is the resolved encryption
// master secret (nil means new runs are written unencrypted). steps is the
// process's step registry — built by the caller, which is also the one
// place a real deployment blank-imports its own step-definition packages
// for their init()-time stephandler.Registry.Register side effects.
func New(ctx context.Context, cfg *config.Config, masterSecret []byte, steps *stephandler.Registry, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	rawWorld, pool, err := buildWorld(ctx, cfg, masterSecret)
	if err != nil {
		return nil, fmt.Errorf("daemon: build world: %w", err)
	}
	w := world.NewInstrumented(rawWorld)

	q, err := buildQueue(cfg)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("daemon: build queue: %w", err)
	}

	if steps == nil {
		steps = stephandler.NewRegistry()
	}

	tracerProvider, err := tracing.NewOTelProvider(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: opts.Version,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Headers:        cfg.Tracing.Headers,
	})
	if err != nil {
		_ = w.Close()
		_ = q.Close()
		return nil, fmt.Errorf("daemon: build tracer provider: %w", err)
	}

	suspension := orchestrator.NewHandler(w, q)
	d := &Daemon{
		cfg:            cfg,
		opts:           opts,
		logger:         logger,
		world:          w,
		queue:          q,
		steps:          steps,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer("workflow-runtime"),
		driver:         orchestrator.NewDriver(w, suspension),
		suspension:     suspension,
		pgxPool:        pool,
	}
	d.stepHandler = &stephandler.Handler{
		World:    w,
		Queue:    q,
		Registry: steps,
		Retry:    stephandler.RetryPolicy{MaxRetries: cfg.Retry.MaxRetries, Backoff: cfg.RetryBackoff()},
		Logger:   internallog.WithComponent(logger, "stephandler"),
	}

	d.httpServer = httpapi.New(httpapi.Config{
		BindAddress: cfg.HTTP.BindAddress,
		JWT:         httpapi.ResolveJWTConfig(cfg.HTTP.JWT),
		CORS: httpapi.CORSConfig{
			Enabled:        cfg.HTTP.CORS.Enabled,
			AllowedOrigins: cfg.HTTP.CORS.AllowedOrigins,
		},
		RateLimit: httpapi.RateLimitConfig{
			Enabled:           cfg.HTTP.RateLimit.Enabled,
			RequestsPerSecond: cfg.HTTP.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.HTTP.RateLimit.BurstSize,
		},
	}, w, q, internallog.WithComponent(logger, "httpapi"))

	return d, nil
}

func buildWorld(ctx context.Context, cfg *config.Config, masterSecret []byte) (world.World, *pgxpool.Pool, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		store, err := worldsqlite.New(worldsqlite.Config{
			Path:         cfg.Storage.SQLite.Path,
			WAL:          cfg.Storage.SQLite.WAL,
			DeploymentID: cfg.DeploymentID,
			MasterSecret: masterSecret,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		if cfg.Storage.Postgres.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Storage.Postgres.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		store := worldpostgres.New(pool, cfg.DeploymentID, masterSecret)
		if err := store.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("init postgres schema: %w", err)
		}
		return store, pool, nil
	default:
		return worldmemory.New(cfg.DeploymentID, masterSecret), nil, nil
	}
}

func buildQueue(cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "sqlite":
		return queuesqlite.New(queuesqlite.Config{
			Path: cfg.Queue.SQLite.Path,
			WAL:  cfg.Queue.SQLite.WAL,
		})
	default:
		return queuememory.New(), nil
	}
}

// World returns the daemon's World, for a test harness that needs to seed
// or inspect runs outside the HTTP facade.
func (d *Daemon) World() world.World { return d.world }

// Queue returns the daemon's queue, for the same reason as World.
func (d *Daemon) Queue() queue.Queue { return d.queue }

// HTTPAddr returns the HTTP facade's bound address, once Start has run.
func (d *Daemon) HTTPAddr() string { return d.httpServer.Addr() }

// Start runs every consumer loop and the HTTP facade until ctx is
// cancelled or one of them returns a fatal error.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon: already started")
	}
	d.started = true
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	workflowNames := workflow.Names()
	stepNames := d.steps.Names()
	d.logger.Info("daemon starting",
		slog.String("version", d.opts.Version),
		slog.Int("workflow_consumers", len(workflowNames)),
		slog.Int("step_consumers", len(stepNames)))

	errCh := make(chan error, 1+len(workflowNames)+len(stepNames))

	if d.cfg.HTTP.BindAddress != "" {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.httpServer.Start(runCtx); err != nil {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	for _, name := range workflowNames {
		d.wg.Add(1)
		go d.runWorkflowConsumer(runCtx, name)
	}
	for _, name := range stepNames {
		d.wg.Add(1)
		go d.runStepConsumer(runCtx, name)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		cancel()
		return err
	}
}

// Shutdown stops accepting new queue messages and HTTP connections, waits
// for in-flight work to finish (bounded by cfg.DrainTimeout), and releases
// storage resources.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	d.logger.Info("graceful shutdown initiated")
	d.draining.Store(true)

	if d.cancel != nil {
		d.cancel()
	}
	if err := d.httpServer.Shutdown(ctx); err != nil {
		d.logger.Warn("http server shutdown error", internallog.Error(err))
	}

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	drainCtx, drainCancel := context.WithTimeout(ctx, d.cfg.DrainTimeout())
	defer drainCancel()

	select {
	case <-drained:
		d.logger.Info("all consumers drained")
	case <-drainCtx.Done():
		d.logger.Warn("drain timeout exceeded, proceeding with shutdown",
			slog.Duration("drain_timeout", d.cfg.DrainTimeout()))
	}

	if err := d.tracerProvider.Shutdown(ctx); err != nil {
		d.logger.Warn("tracer provider shutdown error", internallog.Error(err))
	}
	if d.pgxPool != nil {
		d.pgxPool.Close()
	}
	if err := d.world.Close(); err != nil {
		d.logger.Warn("world close error", internallog.Error(err))
	}
	if err := d.queue.Close(); err != nil {
		d.logger.Warn("queue close error", internallog.Error(err))
	}
	return nil
}
