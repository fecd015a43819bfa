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

package dispatch

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketspine/spine/internal/clock"
	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/internal/lock"
	"github.com/marketspine/spine/internal/metrics"
	"github.com/marketspine/spine/internal/registry"
	"github.com/marketspine/spine/internal/storage"
	spineerrors "github.com/marketspine/spine/pkg/errors"
)

type stubPipeline struct {
	spec registry.PipelineSpec
	run  func(ctx context.Context, req registry.RunRequest) registry.RunResult
}

func (p *stubPipeline) Describe() registry.PipelineSpec { return p.spec }

func (p *stubPipeline) Run(ctx context.Context, req registry.RunRequest) registry.RunResult {
	return p.run(ctx, req)
}

type captureSink struct {
	mu    sync.Mutex
	notes []Notification
}

func (s *captureSink) Notify(_ context.Context, n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
}

func (s *captureSink) all() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.notes...)
}

func pricesSpec() registry.PipelineSpec {
	return registry.PipelineSpec{
		Name:    "prices.eod_load",
		Version: 1,
		Domain:  "prices",
		Params: []registry.ParamDef{
			{Name: "trade_date", Type: registry.TypeDate, Required: true},
		},
		ConcurrencyKeyTemplate: "prices:{trade_date}",
	}
}

func testDispatcher(t *testing.T, pipe *stubPipeline) (*Dispatcher, *lock.Service, *captureSink) {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Config{
		Dialect: storage.DialectSQLite,
		URL:     filepath.Join(t.TempDir(), "spine.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	reg.MustRegister(func() registry.Pipeline { return pipe })

	cfg := config.Default()
	cfg.Dispatcher.Lanes = map[string]config.LaneConfig{
		"normal":   {MaxConcurrency: 1, MaxRetries: 2, BackoffBaseMS: 1, BackoffCapMS: 2},
		"priority": {MaxConcurrency: 1, MaxRetries: 0, BackoffBaseMS: 1, BackoffCapMS: 2, TimeoutMS: 20},
	}

	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locks := lock.New(store, clk, time.Minute, logger)
	sink := &captureSink{}

	d := New(store, reg, locks, clk, clock.NewULID(clk), cfg, logger, metrics.New())
	d.SetAlertSink(sink)
	return d, locks, sink
}

func submit(t *testing.T, d *Dispatcher) *storage.Execution {
	t.Helper()
	exec, err := d.Submit(context.Background(), SubmitRequest{
		Pipeline: "prices.eod_load",
		Params:   map[string]any{"trade_date": "2025-06-01"},
	})
	require.NoError(t, err)
	return exec
}

func eventTypes(t *testing.T, d *Dispatcher, executionID string) []string {
	t.Helper()
	events, err := d.Events(context.Background(), executionID, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestSubmitIsIdempotentWhileOpen(t *testing.T) {
	pipe := &stubPipeline{spec: pricesSpec()}
	d, _, _ := testDispatcher(t, pipe)

	first := submit(t, d)
	second := submit(t, d)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{storage.EventCreated}, eventTypes(t, d, first.ID))

	assert.Equal(t, storage.ExecutionPending, first.Status)
	assert.Equal(t, "prices:2025-06-01", first.LogicalKey)
	assert.Equal(t, 2, first.MaxRetries)
}

func TestSubmitRejectsInvalidParams(t *testing.T) {
	pipe := &stubPipeline{spec: pricesSpec()}
	d, _, _ := testDispatcher(t, pipe)

	_, err := d.Submit(context.Background(), SubmitRequest{
		Pipeline: "prices.eod_load",
		Params:   map[string]any{"trade_date": "June 1st"},
	})
	require.Error(t, err)
	assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryValidation))
}

func TestRunCompletesExecution(t *testing.T) {
	pipe := &stubPipeline{spec: pricesSpec()}
	pipe.run = func(context.Context, registry.RunRequest) registry.RunResult {
		return registry.RunResult{Status: registry.RunCompleted, RowsProcessed: 1204}
	}
	d, locks, _ := testDispatcher(t, pipe)

	exec := submit(t, d)
	require.NoError(t, d.Run(context.Background(), exec.ID))

	got, err := d.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionCompleted, got.Status)
	assert.Contains(t, got.Result, `"rows_processed":1204`)
	assert.NotNil(t, got.CompletedAt)

	assert.Equal(t,
		[]string{storage.EventCreated, storage.EventStarted, storage.EventCompleted},
		eventTypes(t, d, exec.ID))

	// The concurrency lock is released on the way out.
	holder, err := locks.Holder(context.Background(), "prices:2025-06-01")
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestRunRetriesTransientThenDeadLetters(t *testing.T) {
	pipe := &stubPipeline{spec: pricesSpec()}
	pipe.run = func(context.Context, registry.RunRequest) registry.RunResult {
		return registry.RunResult{Status: registry.RunFailed, Error: &registry.RunError{
			Category: "transient", Message: "connection reset by vendor",
		}}
	}
	d, _, sink := testDispatcher(t, pipe)

	exec := submit(t, d)
	require.NoError(t, d.Run(context.Background(), exec.ID))

	got, err := d.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionDeadLettered, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "transient", got.ErrorCategory)

	assert.Equal(t, []string{
		storage.EventCreated,
		storage.EventStarted,
		storage.EventFailed,
		storage.EventRetrying,
		storage.EventStarted,
		storage.EventFailed,
		storage.EventRetrying,
		storage.EventStarted,
		storage.EventFailed,
		storage.EventDeadLettered,
	}, eventTypes(t, d, exec.ID))

	letters, err := d.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, exec.ID, letters[0].ExecutionID)
	assert.Equal(t, "connection reset by vendor", letters[0].ErrorMessage)

	notes := sink.all()
	require.Len(t, notes, 1)
	assert.Equal(t, "CRITICAL", notes[0].Severity)
	assert.Equal(t, "dead_letter:prices.eod_load", notes[0].DedupKey)
}

func TestRunPermanentFailureDoesNotRetry(t *testing.T) {
	pipe := &stubPipeline{spec: pricesSpec()}
	pipe.run = func(context.Context, registry.RunRequest) registry.RunResult {
		return registry.RunResult{Status: registry.RunFailed, Error: &registry.RunError{
			Category: "data", Message: "malformed header row",
		}}
	}
	d, _, sink := testDispatcher(t, pipe)

	exec := submit(t, d)
	require.NoError(t, d.Run(context.Background(), exec.ID))

	got, err := d.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.NotContains(t, eventTypes(t, d, exec.ID), storage.EventRetrying)
	assert.Empty(t, sink.all())
}

func TestRunTimesOutUnderLaneBudget(t *testing.T) {
	pipe := &stubPipeline{spec: pricesSpec()}
	pipe.run = func(ctx context.Context, _ registry.RunRequest) registry.RunResult {
		<-ctx.Done()
		return registry.RunResult{Status: registry.RunFailed}
	}
	d, _, _ := testDispatcher(t, pipe)

	exec, err := d.Submit(context.Background(), SubmitRequest{
		Pipeline: "prices.eod_load",
		Params:   map[string]any{"trade_date": "2025-06-01"},
		Lane:     "priority",
	})
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), exec.ID))

	got, err := d.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionFailed, got.Status)
	assert.Equal(t, "timeout", got.ErrorCategory)
}

func TestRunRefusedWhileLockHeld(t *testing.T) {
	pipe := &stubPipeline{spec: pricesSpec()}
	pipe.run = func(context.Context, registry.RunRequest) registry.RunResult {
		return registry.RunResult{Status: registry.RunCompleted}
	}
	d, locks, _ := testDispatcher(t, pipe)

	exec, err := d.Submit(context.Background(), SubmitRequest{
		Pipeline:       "prices.eod_load",
		Params:         map[string]any{"trade_date": "2025-06-01"},
		IdempotencyKey: "manual-key-b",
	})
	require.NoError(t, err)

	acquired, err := locks.Acquire(context.Background(), "prices:2025-06-01", "01OTHER")
	require.NoError(t, err)
	require.True(t, acquired)

	err = d.Run(context.Background(), exec.ID)
	require.Error(t, err)
	assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryConflict))

	// Still pending; nothing ran.
	got, err := d.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionPending, got.Status)
}

func TestCancelPendingExecution(t *testing.T) {
	pipe := &stubPipeline{spec: pricesSpec()}
	d, _, _ := testDispatcher(t, pipe)

	exec := submit(t, d)
	require.NoError(t, d.Cancel(context.Background(), exec.ID, "superseded by backfill"))

	got, err := d.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionCancelled, got.Status)
	assert.Equal(t,
		[]string{storage.EventCreated, storage.EventCancelled},
		eventTypes(t, d, exec.ID))

	// A second cancel is a conflict, not a silent no-op.
	err = d.Cancel(context.Background(), exec.ID, "again")
	assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryConflict))
}

func TestRetryLinksNewExecutionToParent(t *testing.T) {
	pipe := &stubPipeline{spec: pricesSpec()}
	pipe.run = func(context.Context, registry.RunRequest) registry.RunResult {
		return registry.RunResult{Status: registry.RunFailed, Error: &registry.RunError{
			Category: "permanent", Message: "bad file",
		}}
	}
	d, _, _ := testDispatcher(t, pipe)

	exec := submit(t, d)
	require.NoError(t, d.Run(context.Background(), exec.ID))

	retried, err := d.Retry(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.NotEqual(t, exec.ID, retried.ID)
	assert.Equal(t, exec.ID, retried.ParentExecutionID)
	assert.Equal(t, TriggerRetry, retried.TriggerSource)
	assert.Equal(t, storage.ExecutionPending, retried.Status)

	// A pending execution cannot be retried again.
	_, err = d.Retry(context.Background(), retried.ID)
	assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryConflict))
}
