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

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spineerrors "github.com/marketspine/spine/pkg/errors"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Dialect: DialectSQLite,
		URL:     filepath.Join(t.TempDir(), "spine.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := testStore(t)

	// A fresh store must be queryable against the core schema.
	_, err := s.ListExecutions(context.Background(), ExecutionFilter{})
	assert.NoError(t, err)
}

func TestMigrationsTrackedInOwnTable(t *testing.T) {
	s := testStore(t)

	// Applied versions live in _migrations, not goose's default table.
	var applied int
	err := s.db.QueryRowContext(context.Background(),
		"SELECT count(*) FROM _migrations").Scan(&applied)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, applied, 1)
}

func TestOpenIdempotencyKeyIsUnique(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	first := &Execution{
		ID:             "01IDEM1",
		Pipeline:       "equities_eod",
		Params:         `{}`,
		Lane:           "normal",
		TriggerSource:  "manual",
		Status:         ExecutionPending,
		CreatedAt:      now,
		IdempotencyKey: "key-1",
	}
	require.NoError(t, s.InsertExecution(ctx, first))

	// A second open execution with the same key must be rejected by the
	// database, not just by the dispatcher's lookup.
	dup := *first
	dup.ID = "01IDEM2"
	err := s.InsertExecution(ctx, &dup)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	// Terminal rows release the key.
	ok, err := s.CASExecutionStatus(ctx, first.ID, ExecutionPending, ExecutionCancelled, now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.InsertExecution(ctx, &dup))

	// Keyless executions never collide.
	for _, id := range []string{"01NOKEY1", "01NOKEY2"} {
		require.NoError(t, s.InsertExecution(ctx, &Execution{
			ID:            id,
			Pipeline:      "equities_eod",
			Params:        `{}`,
			Lane:          "normal",
			TriggerSource: "manual",
			Status:        ExecutionPending,
			CreatedAt:     now,
		}))
	}
}

func TestExecutionLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	exec := &Execution{
		ID:             "01EXEC1",
		Pipeline:       "equities_eod",
		Params:         `{"date":"2025-06-02"}`,
		Lane:           "normal",
		TriggerSource:  "manual",
		Status:         ExecutionPending,
		CreatedAt:      now,
		MaxRetries:     3,
		IdempotencyKey: "abc123",
	}
	require.NoError(t, s.InsertExecution(ctx, exec))

	got, err := s.GetExecution(ctx, "01EXEC1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionPending, got.Status)
	assert.Equal(t, "equities_eod", got.Pipeline)
	assert.True(t, got.CreatedAt.Equal(now))
	assert.Nil(t, got.StartedAt)

	ok, err := s.CASExecutionStatus(ctx, "01EXEC1", ExecutionPending, ExecutionRunning, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	// Second CAS from pending must lose.
	ok, err = s.CASExecutionStatus(ctx, "01EXEC1", ExecutionPending, ExecutionRunning, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CASExecutionStatus(ctx, "01EXEC1", ExecutionRunning, ExecutionCompleted, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.MarkExecutionResult(ctx, "01EXEC1", `{"rows":42}`, "", ""))

	got, err = s.GetExecution(ctx, "01EXEC1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, got.Status)
	assert.True(t, got.IsTerminal())
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, `{"rows":42}`, got.Result)
}

func TestGetExecutionNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetExecution(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryNotFound))
}

func TestFindOpenByIdempotencyKey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := &Execution{
		ID: "01DUP1", Pipeline: "fx_rates", Params: "{}", Lane: "normal",
		TriggerSource: "manual", Status: ExecutionPending, CreatedAt: now,
		IdempotencyKey: "key1",
	}
	require.NoError(t, s.InsertExecution(ctx, e))

	open, err := s.FindOpenByIdempotencyKey(ctx, "fx_rates", "key1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "01DUP1", open.ID)

	// Once terminal the key is free again.
	_, err = s.CASExecutionStatus(ctx, "01DUP1", ExecutionPending, ExecutionCompleted, now)
	require.NoError(t, err)
	open, err = s.FindOpenByIdempotencyKey(ctx, "fx_rates", "key1")
	require.NoError(t, err)
	assert.Nil(t, open)

	// Different pipeline never matches.
	open, err = s.FindOpenByIdempotencyKey(ctx, "equities_eod", "key1")
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestExecutionEventsOrdered(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	for i, typ := range []string{EventCreated, EventStarted, EventCompleted} {
		require.NoError(t, s.AppendExecutionEvent(ctx, &ExecutionEvent{
			ExecutionID: "01EV1",
			Type:        typ,
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	events, err := s.ListExecutionEvents(ctx, "01EV1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventCreated, events[0].Type)
	assert.Equal(t, EventCompleted, events[2].Type)

	// Cursor resumes after the given sequence.
	tail, err := s.ListExecutionEvents(ctx, "01EV1", events[1].Seq)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, EventCompleted, tail[0].Type)
}

func TestDeadLetterResolveOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.InsertDeadLetter(ctx, &DeadLetter{
		ID: "01DL1", ExecutionID: "01EXEC9", Pipeline: "bonds_eod",
		Params: "{}", ErrorMessage: "boom", RetryCount: 3, CreatedAt: now,
	}))

	unresolved, err := s.ListUnresolvedDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)

	require.NoError(t, s.ResolveDeadLetter(ctx, "01EXEC9", "ops", "fixed upstream", now))

	// Second resolution fails; the snapshot is immutable.
	err = s.ResolveDeadLetter(ctx, "01EXEC9", "ops", "again", now)
	require.Error(t, err)
	assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryNotFound))
}

func TestConcurrencyLockConflict(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := s.TryInsertLock(ctx, &ConcurrencyLock{
		LockKey: "pipeline:equities_eod", ExecutionID: "01A",
		AcquiredAt: now, ExpiresAt: now.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryInsertLock(ctx, &ConcurrencyLock{
		LockKey: "pipeline:equities_eod", ExecutionID: "01B",
		AcquiredAt: now, ExpiresAt: now.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, ok)

	// Expired locks can be cleared and re-acquired.
	removed, err := s.DeleteExpiredLock(ctx, "pipeline:equities_eod", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, removed)

	ok, err = s.TryInsertLock(ctx, &ConcurrencyLock{
		LockKey: "pipeline:equities_eod", ExecutionID: "01B",
		AcquiredAt: now, ExpiresAt: now.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWorkItemLeaseAndReclaim(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	item := &WorkItem{
		ID: "01WI1", Domain: "equities", Pipeline: "equities_eod",
		PartitionKey: "2025-06-01", Params: "{}", DesiredAt: now,
		State: WorkItemPending, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.InsertWorkItem(ctx, item))

	// Duplicate natural key conflicts.
	dup := *item
	dup.ID = "01WI2"
	err := s.InsertWorkItem(ctx, &dup)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	leasable, err := s.SelectLeasable(ctx, "", "", now)
	require.NoError(t, err)
	require.NotNil(t, leasable)
	assert.Equal(t, "01WI1", leasable.ID)

	won, err := s.CASLeaseWorkItem(ctx, "01WI1", "worker-a", now)
	require.NoError(t, err)
	assert.True(t, won)

	// A second lease attempt loses the CAS.
	won, err = s.CASLeaseWorkItem(ctx, "01WI1", "worker-b", now)
	require.NoError(t, err)
	assert.False(t, won)

	// Lease expiry returns the item without charging an attempt.
	n, err := s.ReclaimExpiredLeases(ctx, 5*time.Minute, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetWorkItem(ctx, "equities", "equities_eod", "2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, WorkItemPending, got.State)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Empty(t, got.LockedBy)
}

func TestWorkItemPrioritySelection(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	low := &WorkItem{
		ID: "01LOW", Domain: "fx", Pipeline: "fx_rates", PartitionKey: "2025-06-01",
		Params: "{}", DesiredAt: now.Add(-2 * time.Hour), State: WorkItemPending,
		MaxAttempts: 3, Priority: 0, CreatedAt: now, UpdatedAt: now,
	}
	high := &WorkItem{
		ID: "01HIGH", Domain: "fx", Pipeline: "fx_rates", PartitionKey: "2025-06-02",
		Params: "{}", DesiredAt: now.Add(-time.Hour), State: WorkItemPending,
		MaxAttempts: 3, Priority: 10, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.InsertWorkItem(ctx, low))
	require.NoError(t, s.InsertWorkItem(ctx, high))

	got, err := s.SelectLeasable(ctx, "fx", "", now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "01HIGH", got.ID)
}

func TestScheduleUpsertBumpsVersion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	next := now.Add(time.Hour)

	sched := &Schedule{
		Name: "eod-nyse", TargetType: "pipeline", Target: "equities_eod",
		Params: "{}", ScheduleType: ScheduleTypeCron, Expression: "0 22 * * 1-5",
		Timezone: "America/New_York", Enabled: true, MaxInstances: 1,
		MisfireGraceSeconds: 900, NextRunAt: &next, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.UpsertSchedule(ctx, sched))

	got, err := s.GetSchedule(ctx, "eod-nyse")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	sched.Expression = "30 22 * * 1-5"
	require.NoError(t, s.UpsertSchedule(ctx, sched))

	got, err = s.GetSchedule(ctx, "eod-nyse")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "30 22 * * 1-5", got.Expression)
}

func TestScheduleRunFireTimeUnique(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	fire := time.Date(2025, 6, 2, 22, 0, 0, 0, time.UTC)

	run := &ScheduleRun{
		ID: "01RUN1", ScheduleName: "eod-nyse", ScheduledAt: fire,
		Status: ScheduleRunPending, CreatedAt: fire,
	}
	require.NoError(t, s.InsertScheduleRun(ctx, run))

	dup := *run
	dup.ID = "01RUN2"
	err := s.InsertScheduleRun(ctx, &dup)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
}

func TestManifestUpsertIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	m := &Manifest{
		Domain: "equities", PartitionKey: "2025-06-01", Stage: "normalize",
		RowCount: 100, ExecutionID: "01E1", BatchID: "01B1", UpdatedAt: now,
	}
	require.NoError(t, s.UpsertManifest(ctx, m))

	m.RowCount = 150
	m.ExecutionID = "01E2"
	require.NoError(t, s.UpsertManifest(ctx, m))

	got, err := s.GetManifest(ctx, "equities", "2025-06-01", "normalize")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(150), got.RowCount)
	assert.Equal(t, "01E2", got.ExecutionID)

	keys, err := s.ListManifestPartitions(ctx, "equities", "normalize")
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-06-01"}, keys)
}

func TestWatermarkMonotone(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	w := &Watermark{
		Domain: "equities", Source: "vendor_a", PartitionKey: "daily",
		LowWater: "2025-01-01", HighWater: "2025-06-01", Metadata: "{}", UpdatedAt: now,
	}
	require.NoError(t, s.AdvanceWatermark(ctx, w))

	// A lower high-water mark never wins.
	w.HighWater = "2025-05-01"
	require.NoError(t, s.AdvanceWatermark(ctx, w))

	got, err := s.GetWatermark(ctx, "equities", "vendor_a", "daily")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2025-06-01", got.HighWater)
	assert.Equal(t, "2025-01-01", got.LowWater)

	// Rewind is the explicit override.
	require.NoError(t, s.RewindWatermark(ctx, "equities", "vendor_a", "daily", "2025-03-01", now))
	got, err = s.GetWatermark(ctx, "equities", "vendor_a", "daily")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01", got.HighWater)
}

func TestAlertThrottleWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	window := time.Hour

	allowed, err := s.ClaimThrottle(ctx, "pipeline-failed:equities_eod", "ops-slack", window, now)
	require.NoError(t, err)
	assert.True(t, allowed)

	// Inside the window: suppressed.
	allowed, err = s.ClaimThrottle(ctx, "pipeline-failed:equities_eod", "ops-slack", window, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, allowed)

	// Other channel is throttled independently.
	allowed, err = s.ClaimThrottle(ctx, "pipeline-failed:equities_eod", "oncall-pager", window, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, allowed)

	// After the window: allowed again.
	allowed, err = s.ClaimThrottle(ctx, "pipeline-failed:equities_eod", "ops-slack", window, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestChannelAutoDisable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertAlertChannel(ctx, &AlertChannel{
		Name: "ops-slack", Kind: "slack", MinSeverity: "WARN", Domains: "[]",
		Config: "{}", Enabled: true, ThrottleMinutes: 60,
		CreatedAt: now, UpdatedAt: now,
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordChannelDeliveryOutcome(ctx, "ops-slack", false, 3, now))
	}

	got, err := s.GetAlertChannel(ctx, "ops-slack")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 3, got.ConsecutiveFailures)
	assert.NotEmpty(t, got.DisabledReason)

	// Manual re-enable clears the streak.
	require.NoError(t, s.SetAlertChannelEnabled(ctx, "ops-slack", true, now))
	got, err = s.GetAlertChannel(ctx, "ops-slack")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, 0, got.ConsecutiveFailures)
}

func TestWorkflowEventIdempotency(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ev := &WorkflowEvent{
		RunID: "01WF1", StepName: "load", EventType: "step_completed",
		IdempotencyKey: "k1", CreatedAt: now,
	}
	require.NoError(t, s.AppendWorkflowEvent(ctx, ev))
	// Replay is swallowed.
	require.NoError(t, s.AppendWorkflowEvent(ctx, ev))

	events, err := s.ListWorkflowEvents(ctx, "01WF1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestWorkflowCountersInTx(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := &WorkflowRun{
		ID: "01WF2", Workflow: "eod_chain", Version: 1, Params: "{}",
		Status: WorkflowRunPending, TriggerSource: "manual", TotalSteps: 3,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.InsertWorkflowRun(ctx, run))

	err := s.InTx(ctx, func(tx *Tx) error {
		if err := tx.InsertWorkflowStep(ctx, &WorkflowStep{
			RunID: "01WF2", StepName: "load", Attempt: 1,
			Status: StepCompleted, CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.BumpWorkflowCounters(ctx, "01WF2", 1, 0, 0, now)
	})
	require.NoError(t, err)

	got, err := s.GetWorkflowRun(ctx, "01WF2")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CompletedSteps)

	steps, err := s.ListWorkflowSteps(ctx, "01WF2")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, StepCompleted, steps[0].Status)
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := s.InTx(ctx, func(tx *Tx) error {
		if err := tx.InsertExecution(ctx, &Execution{
			ID: "01ROLL", Pipeline: "p", Params: "{}", Lane: "normal",
			TriggerSource: "manual", Status: ExecutionPending, CreatedAt: now,
		}); err != nil {
			return err
		}
		return spineerrors.New(spineerrors.CategoryPermanent, "forced failure")
	})
	require.Error(t, err)

	_, err = s.GetExecution(ctx, "01ROLL")
	assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryNotFound))
}

func TestBitemporalFactVersions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)

	fact := &BitemporalFact{
		EntityKey: "AAPL:close:2025-05-30",
		ValidFrom: t0, Payload: `{"close":195.1}`, Provenance: "vendor_a",
	}
	require.NoError(t, s.InTx(ctx, func(tx *Tx) error {
		return tx.RecordFact(ctx, fact, t0)
	}))

	restated := &BitemporalFact{
		EntityKey: "AAPL:close:2025-05-30",
		ValidFrom: t0, Payload: `{"close":195.3}`, Provenance: "vendor_a_restated",
	}
	require.NoError(t, s.InTx(ctx, func(tx *Tx) error {
		return tx.RecordFact(ctx, restated, t1)
	}))

	current, err := s.CurrentFact(ctx, "AAPL:close:2025-05-30")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, `{"close":195.3}`, current.Payload)

	asOf, err := s.FactAsOf(ctx, "AAPL:close:2025-05-30", t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, asOf)
	assert.Equal(t, `{"close":195.1}`, asOf.Payload)

	history, err := s.FactHistory(ctx, "AAPL:close:2025-05-30")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestBackfillPlanProgress(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	plan := &BackfillPlan{
		PlanID: "01PLAN1", Domain: "equities", Source: "vendor_a",
		RangeStart: "2025-05-01", RangeEnd: "2025-05-03",
		PartitionKeys: `["2025-05-01","2025-05-02","2025-05-03"]`,
		CompletedKeys: "[]", FailedKeys: "{}", Status: PlanPlanned,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.InsertBackfillPlan(ctx, plan))

	ok, err := s.CASBackfillStatus(ctx, "01PLAN1", PlanPlanned, PlanRunning, now)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.UpdateBackfillProgress(ctx, "01PLAN1",
		`["2025-05-01"]`, "{}", PlanRunning, "2025-05-01", now))

	got, err := s.GetBackfillPlan(ctx, "01PLAN1")
	require.NoError(t, err)
	assert.Equal(t, PlanRunning, got.Status)
	assert.Equal(t, "2025-05-01", got.Checkpoint)
	assert.Equal(t, `["2025-05-01"]`, got.CompletedKeys)
}
