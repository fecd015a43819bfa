// Copyright 2025 Market Spine Authors
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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marketspine/spine/internal/api"
	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/internal/core"
	"github.com/marketspine/spine/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to the YAML configuration file")
		dbURL       = flag.String("db-url", "", "Database connection string (file path for sqlite)")
		dialect     = flag.String("dialect", "", "Database dialect (sqlite, postgres, mysql)")
		listen      = flag.String("listen", "", "HTTP API listen address")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("spined %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}

	// CLI flag overrides
	if *dbURL != "" {
		cfg.Database.URL = *dbURL
	}
	if *dialect != "" {
		cfg.Database.Dialect = *dialect
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := core.New(ctx, cfg, logger, core.Options{})
	if err != nil {
		logger.Error("failed to start control plane", log.Error(err))
		os.Exit(1)
	}
	defer c.Close()

	apiServer := api.NewServer(api.Services{
		Registry:   c.Registry,
		Dispatcher: c.Dispatcher,
		Scheduler:  c.Scheduler,
		Capture:    c.Capture,
		Workflows:  c.Workflows,
		Backfill:   c.Backfill,
		Queue:      c.Queue,
		Alerts:     c.Alerts,
		Metrics:    c.Metrics,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("api listening", "addr", cfg.API.Listen, "version", version)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		errCh <- c.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("control plane error", log.Error(err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", log.Error(err))
	}
}
