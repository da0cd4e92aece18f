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

// Command workflowd runs the durable workflow runtime as a long-lived
// process: one queue consumer per pkg/workflow.Register'd workflow, one per
// registered step, and the internal/httpapi facade in front of them.
//
// workflowd itself registers nothing — like database/sql drivers, workflow
// and step bodies are registered by blank-importing the packages that
// define them (each calling workflow.Register / Registry.Register from an
// init()), before main's own flag parsing and daemon.New. A deployment
// vendors this file (or one like it) alongside its own workflow package
// imports.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/wkf/internal/config"
	"github.com/tombee/wkf/internal/daemon"
	"github.com/tombee/wkf/internal/log"
	"github.com/tombee/wkf/internal/stephandler"
	"github.com/tombee/wkf/pkg/secrets"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath     = flag.String("config", "", "Path to config file")
		storageBackend = flag.String("storage-backend", "", "Storage backend override (memory, sqlite, postgres)")
		postgresDSN    = flag.String("postgres-dsn", "", "PostgreSQL connection string override")
		sqlitePath     = flag.String("sqlite-path", "", "SQLite database path override")
		bindAddress    = flag.String("bind-address", "", "HTTP facade listen address override")
		showVersion    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("workflowd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, masterSecret, err := config.LoadWithSecrets(ctx, *configPath)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}

	if *storageBackend != "" {
		cfg.Storage.Backend = *storageBackend
	}
	if *postgresDSN != "" {
		cfg.Storage.Postgres.DSN = *postgresDSN
	}
	if *sqlitePath != "" {
		cfg.Storage.SQLite.Path = *sqlitePath
	}
	if *bindAddress != "" {
		cfg.HTTP.BindAddress = *bindAddress
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config after overrides", log.Error(err))
		os.Exit(1)
	}

	logStartupConfig(logger, cfg, masterSecret)

	// Real deployments replace this empty registry with one populated by
	// their own step packages' init() functions.
	steps := stephandler.NewRegistry()

	d, err := daemon.New(ctx, cfg, masterSecret, steps, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		logger.Error("failed to build daemon", log.Error(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("error during shutdown", log.Error(err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", log.Error(err))
			os.Exit(1)
		}
	}
}

// logStartupConfig logs the resolved config for operators diagnosing a bad
// deploy, with the Postgres DSN credential and master secret redacted first.
func logStartupConfig(logger *slog.Logger, cfg *config.Config, masterSecret []byte) {
	masker := secrets.NewMasker()
	masker.AddDSN(cfg.Storage.Postgres.DSN)
	if len(masterSecret) > 0 {
		masker.AddSecret(string(masterSecret))
	}

	encoded, err := json.Marshal(cfg)
	if err != nil {
		logger.Warn("failed to marshal config for startup log", log.Error(err))
		return
	}
	logger.Info("config loaded", slog.String("config", masker.MaskJSON(string(encoded))))
}
