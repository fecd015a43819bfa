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

package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketspine/spine/internal/clock"
	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/internal/dispatch"
	"github.com/marketspine/spine/internal/metrics"
	"github.com/marketspine/spine/internal/storage"
)

type stubSubmitter struct {
	requests []dispatch.SubmitRequest
	err      error
}

func (s *stubSubmitter) Submit(_ context.Context, req dispatch.SubmitRequest) (*storage.Execution, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.requests = append(s.requests, req)
	return &storage.Execution{ID: fmt.Sprintf("01EX%04d", len(s.requests))}, nil
}

// mondayMorning is a Monday.
var mondayMorning = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

func testScheduler(t *testing.T, clk clock.Clock) (*Service, *stubSubmitter, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Config{
		Dialect: storage.DialectSQLite,
		URL:     filepath.Join(t.TempDir(), "spine.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sub := &stubSubmitter{}
	cfg := config.Default().Scheduler
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(store, sub, clk, clock.NewULID(clk), cfg, logger, metrics.New())
	return svc, sub, store
}

func weeklySchedule(nextRunAt time.Time, graceSeconds int) *storage.Schedule {
	return &storage.Schedule{
		Name:                "finra.weekly_ingest",
		TargetType:          TargetPipeline,
		Target:              "finra.otc.ingest_week",
		Params:              `{"tier":"T1","week_ending":"2025-05-30"}`,
		ScheduleType:        storage.ScheduleTypeCron,
		Expression:          "0 8 * * MON",
		Timezone:            "UTC",
		Enabled:             true,
		MaxInstances:        1,
		MisfireGraceSeconds: graceSeconds,
		NextRunAt:           &nextRunAt,
	}
}

func TestUpsertComputesFirstFireTime(t *testing.T) {
	clk := clock.NewFake(mondayMorning.Add(30 * time.Minute)) // 08:30 Monday
	svc, _, _ := testScheduler(t, clk)

	sched := weeklySchedule(time.Time{}, 900)
	sched.NextRunAt = nil
	require.NoError(t, svc.Upsert(context.Background(), sched))

	got, err := svc.Get(context.Background(), "finra.weekly_ingest")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(mondayMorning.AddDate(0, 0, 7)),
		"want next Monday 08:00, got %v", got.NextRunAt)
}

func TestUpsertRejectsBadExpression(t *testing.T) {
	clk := clock.NewFake(mondayMorning)
	svc, _, _ := testScheduler(t, clk)

	sched := weeklySchedule(time.Time{}, 900)
	sched.NextRunAt = nil
	sched.Expression = "0 8 * *"
	require.Error(t, svc.Upsert(context.Background(), sched))
}

func TestFireWithinGraceSubmitsWithFireTimeKey(t *testing.T) {
	clk := clock.NewFake(mondayMorning.Add(5 * time.Minute)) // 08:05, grace 900s
	svc, sub, _ := testScheduler(t, clk)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, weeklySchedule(mondayMorning, 900)))
	require.NoError(t, svc.Tick(ctx))

	require.Len(t, sub.requests, 1)
	assert.Equal(t, "finra.otc.ingest_week", sub.requests[0].Pipeline)
	assert.Equal(t, dispatch.TriggerScheduler, sub.requests[0].TriggerSource)
	assert.Equal(t, "schedule:finra.weekly_ingest:2025-06-02T08:00:00Z",
		sub.requests[0].IdempotencyKey)

	runs, err := svc.Runs(ctx, "finra.weekly_ingest", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.ScheduleRunRunning, runs[0].Status)
	assert.Equal(t, "01EX0001", runs[0].ExecutionID)

	// Schedule advanced to next Monday; the same tick does not re-fire.
	require.NoError(t, svc.Tick(ctx))
	assert.Len(t, sub.requests, 1)
}

func TestMisfireOutsideGraceIsRecordedNotRun(t *testing.T) {
	// Process down from 07:59 to 11:00; grace is 15 minutes.
	clk := clock.NewFake(mondayMorning.Add(3 * time.Hour))
	svc, sub, _ := testScheduler(t, clk)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, weeklySchedule(mondayMorning, 900)))
	require.NoError(t, svc.Tick(ctx))

	assert.Empty(t, sub.requests)
	runs, err := svc.Runs(ctx, "finra.weekly_ingest", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.ScheduleRunMissed, runs[0].Status)
	assert.Equal(t, SkipOutsideGrace, runs[0].SkipReason)
	assert.True(t, runs[0].ScheduledAt.Equal(mondayMorning))

	got, err := svc.Get(ctx, "finra.weekly_ingest")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(mondayMorning.AddDate(0, 0, 7)))
}

func TestCoalescingKeepsOnlyLatestFireTime(t *testing.T) {
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start.Add(5*time.Minute + 30*time.Second))
	svc, sub, _ := testScheduler(t, clk)
	ctx := context.Background()

	sched := &storage.Schedule{
		Name:                "prices.minutely",
		TargetType:          TargetPipeline,
		Target:              "prices.eod_load",
		Params:              `{"trade_date":"2025-06-01"}`,
		ScheduleType:        storage.ScheduleTypeInterval,
		Expression:          "60",
		Enabled:             true,
		MaxInstances:        1,
		MisfireGraceSeconds: 3600,
		NextRunAt:           &start,
	}
	require.NoError(t, svc.Upsert(ctx, sched))
	require.NoError(t, svc.Tick(ctx))

	// 09:00..09:05 were due; only 09:05 runs.
	require.Len(t, sub.requests, 1)
	assert.Equal(t, "schedule:prices.minutely:2025-06-02T09:05:00Z",
		sub.requests[0].IdempotencyKey)

	runs, err := svc.Runs(ctx, "prices.minutely", 20)
	require.NoError(t, err)
	require.Len(t, runs, 6)
	coalesced := 0
	for _, r := range runs {
		if r.SkipReason == SkipCoalesced {
			coalesced++
		}
	}
	assert.Equal(t, 5, coalesced)

	got, err := svc.Get(ctx, "prices.minutely")
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.Equal(start.Add(6*time.Minute)))
}

func TestOneShotDisablesAfterFiring(t *testing.T) {
	fireAt := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFake(fireAt.Add(time.Minute))
	svc, sub, _ := testScheduler(t, clk)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, &storage.Schedule{
		Name:                "backfill.kickoff",
		TargetType:          TargetPipeline,
		Target:              "finra.otc.ingest_week",
		Params:              `{"tier":"T1","week_ending":"2025-05-30"}`,
		ScheduleType:        storage.ScheduleTypeAt,
		Expression:          fireAt.Format(time.RFC3339),
		Enabled:             true,
		MisfireGraceSeconds: 900,
	}))
	require.NoError(t, svc.Tick(ctx))

	require.Len(t, sub.requests, 1)
	got, err := svc.Get(ctx, "backfill.kickoff")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRunAt)
}

func TestEvaluationSkippedWhileLockHeld(t *testing.T) {
	clk := clock.NewFake(mondayMorning.Add(5 * time.Minute))
	svc, sub, store := testScheduler(t, clk)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, weeklySchedule(mondayMorning, 900)))

	held, err := store.TryInsertScheduleLock(ctx, "finra.weekly_ingest", "other-instance",
		clk.Now(), clk.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, svc.Tick(ctx))
	assert.Empty(t, sub.requests)

	runs, err := svc.Runs(ctx, "finra.weekly_ingest", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestLookbackClampBoundsCatchUp(t *testing.T) {
	start := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC) // 21 weeks before now
	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	svc, _, _ := testScheduler(t, clk)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, &storage.Schedule{
		Name:                "finra.weekly_catchup",
		TargetType:          TargetPipeline,
		Target:              "finra.otc.ingest_week",
		Params:              `{}`,
		ScheduleType:        storage.ScheduleTypeInterval,
		Expression:          "604800", // weekly
		Enabled:             true,
		MaxInstances:        1,
		MisfireGraceSeconds: 900,
		NextRunAt:           &start,
	}))
	require.NoError(t, svc.Tick(ctx))

	// Only fire-times inside the 12-week window produce rows; the rest are
	// dropped by the clamp.
	runs, err := svc.Runs(ctx, "finra.weekly_catchup", 100)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(runs), 13)
	assert.Greater(t, len(runs), 0)
}

func TestTriggerNowEmitsImmediateRun(t *testing.T) {
	clk := clock.NewFake(mondayMorning)
	svc, sub, _ := testScheduler(t, clk)
	ctx := context.Background()

	next := mondayMorning.AddDate(0, 0, 7)
	require.NoError(t, svc.Upsert(ctx, weeklySchedule(next, 900)))

	run, err := svc.TriggerNow(ctx, "finra.weekly_ingest")
	require.NoError(t, err)
	assert.Equal(t, storage.ScheduleRunRunning, run.Status)
	require.Len(t, sub.requests, 1)

	// The regular cursor is untouched.
	got, err := svc.Get(ctx, "finra.weekly_ingest")
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.Equal(next))
}
