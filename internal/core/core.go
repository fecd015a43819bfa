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

// Package core is the composition root of the Market Spine control plane.
// It owns every service's lifetime and the wiring between them; nothing
// here reaches for process-wide state.
package core

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marketspine/spine/internal/alert"
	"github.com/marketspine/spine/internal/backfill"
	"github.com/marketspine/spine/internal/capture"
	"github.com/marketspine/spine/internal/clock"
	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/internal/dispatch"
	"github.com/marketspine/spine/internal/lock"
	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/internal/metrics"
	"github.com/marketspine/spine/internal/registry"
	"github.com/marketspine/spine/internal/scheduler"
	"github.com/marketspine/spine/internal/storage"
	"github.com/marketspine/spine/internal/workflow"
	"github.com/marketspine/spine/internal/workqueue"
)

// alertRetryInterval is how often failed alert deliveries are re-attempted.
const alertRetryInterval = 30 * time.Second

// lockSweepInterval is how often expired concurrency locks are swept.
const lockSweepInterval = time.Minute

// Core wires every Market Spine service over one store.
type Core struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock
	IDs     clock.IDs

	Store      *storage.Store
	Registry   *registry.Registry
	Locks      *lock.Service
	Capture    *capture.Service
	Queue      *workqueue.Queue
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Service
	Workflows  *workflow.Runner
	Alerts     *alert.Bus
	Backfill   *backfill.Planner
}

// Options carries the caller-owned collaborators.
type Options struct {
	// Registry holds the pipelines registered at startup.
	Registry *registry.Registry

	// Definitions holds the workflow DAGs registered at startup.
	Definitions *workflow.Definitions

	// Clock defaults to the system clock; tests inject fakes.
	Clock clock.Clock
}

// New opens the store, runs migrations, and wires all services.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Core, error) {
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Definitions == nil {
		opts.Definitions = workflow.NewDefinitions()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	ids := clock.NewULID(clk)
	m := metrics.New()

	store, err := storage.Open(ctx, storage.Config{
		Dialect:      storage.Dialect(cfg.Database.Dialect),
		URL:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, err
	}

	locks := lock.New(store, clk, cfg.Dispatcher.LockTTL, logger)
	captureSvc := capture.New(store, clk, ids, cfg.Capture, logger)
	queue := workqueue.New(store, clk, ids, workqueue.Options{
		LeaseTTL:        time.Duration(cfg.WorkItem.LeaseTTLMS) * time.Millisecond,
		ReclaimInterval: time.Duration(cfg.WorkItem.ReclaimIntervalMS) * time.Millisecond,
	}, logger, m)

	dispatcher := dispatch.New(store, opts.Registry, locks, clk, ids, cfg, logger, m)
	alerts := alert.New(store, clk, ids, cfg.Alerts, logger, m)
	dispatcher.SetAlertSink(alerts)

	workflows := workflow.New(store, dispatcher, opts.Definitions, clk, ids, logger, m)
	sched := scheduler.New(store, dispatcher, clk, ids, cfg.Scheduler, logger, m)
	sched.SetWorkflowStarter(&asyncWorkflowStarter{
		runner: workflows,
		logger: log.WithComponent(logger, "core"),
	})

	planner := backfill.New(store, queue, dispatcher, captureSvc, clk, ids, logger, m)

	return &Core{
		Config:     cfg,
		Logger:     logger,
		Metrics:    m,
		Clock:      clk,
		IDs:        ids,
		Store:      store,
		Registry:   opts.Registry,
		Locks:      locks,
		Capture:    captureSvc,
		Queue:      queue,
		Dispatcher: dispatcher,
		Scheduler:  sched,
		Workflows:  workflows,
		Alerts:     alerts,
		Backfill:   planner,
	}, nil
}

// Run starts the background loops and blocks until ctx ends or one loop
// fails.
func (c *Core) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Dispatcher.RunWorkers(ctx) })
	g.Go(func() error {
		c.Scheduler.Run(ctx)
		return ctx.Err()
	})
	g.Go(func() error {
		c.Queue.RunReclaimer(ctx)
		return ctx.Err()
	})
	g.Go(func() error {
		c.Locks.RunSweeper(ctx, lockSweepInterval)
		return ctx.Err()
	})
	g.Go(func() error { return c.Alerts.RunRetrier(ctx, alertRetryInterval) })
	return g.Wait()
}

// Close releases the store.
func (c *Core) Close() error {
	return c.Store.Close()
}

// asyncWorkflowStarter creates scheduled workflow runs and drives them on
// their own goroutine so a long DAG never stalls the scheduler tick.
type asyncWorkflowStarter struct {
	runner *workflow.Runner
	logger *slog.Logger
}

func (s *asyncWorkflowStarter) StartRun(ctx context.Context, name string, params map[string]any, trigger string) (string, error) {
	runID, err := s.runner.StartRun(ctx, name, params, trigger)
	if err != nil {
		return "", err
	}
	execCtx := context.WithoutCancel(ctx)
	go func() {
		if err := s.runner.Execute(execCtx, runID); err != nil {
			s.logger.Error("scheduled workflow run failed",
				log.RunIDKey, runID, "workflow", name, log.Error(err))
		}
	}()
	return runID, nil
}
