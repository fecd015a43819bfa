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

package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketspine/spine/internal/capture"
	"github.com/marketspine/spine/internal/clock"
	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/internal/dispatch"
	"github.com/marketspine/spine/internal/metrics"
	"github.com/marketspine/spine/internal/storage"
	"github.com/marketspine/spine/internal/workqueue"
)

// stubExecutor completes every submission unless the partition key is in
// failKeys. onRun fires after each completed Run, letting tests interrupt
// the drain mid-way.
type stubExecutor struct {
	mu         sync.Mutex
	executions map[string]*storage.Execution
	keys       map[string]string // execution id -> partition key
	partitions []string          // week_ending values in submission order
	failKeys   map[string]string
	onRun      func(runs int)
	counter    int
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{
		executions: make(map[string]*storage.Execution),
		keys:       make(map[string]string),
		failKeys:   make(map[string]string),
	}
}

func (s *stubExecutor) Submit(_ context.Context, req dispatch.SubmitRequest) (*storage.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	key, _ := req.Params["week_ending"].(string)
	s.partitions = append(s.partitions, key)
	exec := &storage.Execution{
		ID:       fmt.Sprintf("01EX%04d", s.counter),
		Pipeline: req.Pipeline,
		Status:   storage.ExecutionPending,
	}
	s.keys[exec.ID] = key
	s.executions[exec.ID] = exec
	return exec, nil
}

func (s *stubExecutor) Run(_ context.Context, executionID string) error {
	s.mu.Lock()
	exec := s.executions[executionID]
	key := s.keys[executionID]
	if msg, fail := s.failKeys[key]; fail {
		exec.Status = storage.ExecutionFailed
		exec.ErrorCategory = "permanent"
		exec.ErrorMessage = msg
	} else {
		exec.Status = storage.ExecutionCompleted
	}
	runs := len(s.partitions)
	hook := s.onRun
	s.mu.Unlock()
	if hook != nil {
		hook(runs)
	}
	return nil
}

func (s *stubExecutor) Get(_ context.Context, executionID string) (*storage.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executions[executionID], nil
}

func (s *stubExecutor) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.partitions...)
}

func testPlanner(t *testing.T) (*Planner, *stubExecutor, *storage.Store, *clock.Fake) {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Config{
		Dialect: storage.DialectSQLite,
		URL:     filepath.Join(t.TempDir(), "spine.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	ids := clock.NewULID(clk)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	queue := workqueue.New(store, clk, ids, workqueue.Options{}, logger, m)
	capSvc := capture.New(store, clk, ids, config.Default().Capture, logger)
	exec := newStubExecutor()
	return New(store, queue, exec, capSvc, clk, ids, logger, m), exec, store, clk
}

func weeklyKeys(start string, weeks int) []string {
	t, _ := time.Parse(dateLayout, start)
	keys := make([]string, 0, weeks)
	for i := 0; i < weeks; i++ {
		keys = append(keys, t.AddDate(0, 0, 7*i).Format(dateLayout))
	}
	return keys
}

func yearPlan(t *testing.T, p *Planner) *storage.BackfillPlan {
	t.Helper()
	keys := weeklyKeys("2024-06-07", 52)
	plan, err := p.Plan(context.Background(), PlanRequest{
		Domain:     "finra",
		Source:     "finra_otc",
		Template:   TemplateWeekly,
		RangeStart: keys[0],
		RangeEnd:   keys[len(keys)-1],
	})
	require.NoError(t, err)
	return plan
}

func ingestRequest() ExecuteRequest {
	return ExecuteRequest{
		Pipeline:       "finra.otc.ingest_week",
		PartitionParam: "week_ending",
		Params:         map[string]any{"tier": "T1"},
	}
}

func TestPlanEnumeratesWeeklyRange(t *testing.T) {
	p, _, _, _ := testPlanner(t)

	plan := yearPlan(t, p)
	var keys []string
	require.NoError(t, json.Unmarshal([]byte(plan.PartitionKeys), &keys))
	assert.Len(t, keys, 52)
	assert.Equal(t, "2024-06-07", keys[0])
	assert.Equal(t, storage.PlanPlanned, plan.Status)
	assert.Equal(t, "2024-06-07", plan.Checkpoint)
}

func TestPlanSubtractsManifestedPartitions(t *testing.T) {
	p, _, store, clk := testPlanner(t)
	ctx := context.Background()

	for _, key := range []string{"2024-06-07", "2024-06-21"} {
		require.NoError(t, store.UpsertManifest(ctx, &storage.Manifest{
			Domain:       "finra",
			PartitionKey: key,
			Stage:        "aggregated",
			RowCount:     100,
			ExecutionID:  "01EXDONE",
			BatchID:      "b1",
			UpdatedAt:    clk.Now(),
		}))
	}

	plan, err := p.Plan(ctx, PlanRequest{
		Domain:     "finra",
		Source:     "finra_otc",
		Template:   TemplateWeekly,
		RangeStart: "2024-06-07",
		RangeEnd:   "2024-06-28",
		Stage:      "aggregated",
	})
	require.NoError(t, err)

	var keys []string
	require.NoError(t, json.Unmarshal([]byte(plan.PartitionKeys), &keys))
	assert.Equal(t, []string{"2024-06-14", "2024-06-28"}, keys)
}

func TestPlanRejectsFullyManifestedRange(t *testing.T) {
	p, _, store, clk := testPlanner(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertManifest(ctx, &storage.Manifest{
		Domain: "finra", PartitionKey: "2024-06-07", Stage: "aggregated",
		ExecutionID: "01EXDONE", BatchID: "b1", UpdatedAt: clk.Now(),
	}))
	_, err := p.Plan(ctx, PlanRequest{
		Domain: "finra", Source: "finra_otc", Template: TemplateWeekly,
		RangeStart: "2024-06-07", RangeEnd: "2024-06-07", Stage: "aggregated",
	})
	require.Error(t, err)
}

func TestExecuteDrainsPlanThroughWorkQueue(t *testing.T) {
	p, exec, store, _ := testPlanner(t)
	ctx := context.Background()

	plan := yearPlan(t, p)
	got, err := p.Execute(ctx, plan.PlanID, ingestRequest())
	require.NoError(t, err)

	assert.Equal(t, storage.PlanCompleted, got.Status)
	assert.Equal(t, "", got.Checkpoint)
	assert.InDelta(t, 1.0, Progress(got), 1e-9)
	assert.Len(t, exec.submitted(), 52)

	item, err := store.GetWorkItem(ctx, "finra", "finra.otc.ingest_week", "2024-06-07")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, storage.WorkItemCompleted, item.State)
}

func TestExecuteResumesFromCheckpoint(t *testing.T) {
	p, exec, _, _ := testPlanner(t)

	plan := yearPlan(t, p)
	keys := weeklyKeys("2024-06-07", 52)
	exec.failKeys[keys[10]] = "vendor file missing"

	// Crash mid-drain: cancel once 17 partitions have run.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec.onRun = func(runs int) {
		if runs >= 17 {
			cancel()
		}
	}

	_, err := p.Execute(ctx, plan.PlanID, ingestRequest())
	require.ErrorIs(t, err, context.Canceled)

	interrupted, err := p.GetPlan(context.Background(), plan.PlanID)
	require.NoError(t, err)
	assert.Equal(t, storage.PlanRunning, interrupted.Status)
	assert.Equal(t, keys[17], interrupted.Checkpoint)
	assert.InDelta(t, 16.0/52.0, Progress(interrupted), 1e-9)

	// Resume picks up at the checkpoint without re-running finished keys.
	exec.onRun = nil
	resumed, err := p.Execute(context.Background(), plan.PlanID, ingestRequest())
	require.NoError(t, err)

	assert.Equal(t, storage.PlanFailed, resumed.Status) // one key stays failed
	var completed []string
	require.NoError(t, json.Unmarshal([]byte(resumed.CompletedKeys), &completed))
	assert.Len(t, completed, 51)
	failed := map[string]string{}
	require.NoError(t, json.Unmarshal([]byte(resumed.FailedKeys), &failed))
	assert.Contains(t, failed, keys[10])

	submitted := exec.submitted()
	assert.Len(t, submitted, 52) // every key ran exactly once across both drains
	assert.Equal(t, keys[17], submitted[17])
}

func TestRetryKeyReopensFailedPartition(t *testing.T) {
	p, exec, _, _ := testPlanner(t)
	ctx := context.Background()

	plan := yearPlan(t, p)
	keys := weeklyKeys("2024-06-07", 52)
	exec.failKeys[keys[3]] = "vendor file missing"

	got, err := p.Execute(ctx, plan.PlanID, ingestRequest())
	require.NoError(t, err)
	assert.Equal(t, storage.PlanFailed, got.Status)

	// A finished plan short-circuits only when completed; failed plans may
	// not re-run failed keys without an explicit retry.
	again, err := p.Execute(ctx, plan.PlanID, ingestRequest())
	require.NoError(t, err)
	assert.Equal(t, storage.PlanFailed, again.Status)
	assert.Len(t, exec.submitted(), 52)

	delete(exec.failKeys, keys[3])
	reopened, err := p.RetryKey(ctx, plan.PlanID, keys[3])
	require.NoError(t, err)
	assert.Equal(t, keys[3], reopened.Checkpoint)

	final, err := p.Execute(ctx, plan.PlanID, ingestRequest())
	require.NoError(t, err)
	assert.Equal(t, storage.PlanCompleted, final.Status)
	assert.Len(t, exec.submitted(), 53)
}

func TestCancelStopsUnfinishedPlan(t *testing.T) {
	p, _, _, _ := testPlanner(t)
	ctx := context.Background()

	plan := yearPlan(t, p)
	require.NoError(t, p.Cancel(ctx, plan.PlanID))

	_, err := p.Execute(ctx, plan.PlanID, ingestRequest())
	require.Error(t, err)
	require.Error(t, p.Cancel(ctx, plan.PlanID))
}

func TestWatermarkAdvanceIsMonotone(t *testing.T) {
	p, _, _, _ := testPlanner(t)
	ctx := context.Background()

	require.NoError(t, p.AdvanceWatermark(ctx, &storage.Watermark{
		Domain: "finra", Source: "finra_otc", PartitionKey: "T1",
		LowWater: "2024-06-07", HighWater: "2024-08-30",
	}))
	// A lower advance is a no-op, not an error.
	require.NoError(t, p.AdvanceWatermark(ctx, &storage.Watermark{
		Domain: "finra", Source: "finra_otc", PartitionKey: "T1",
		HighWater: "2024-07-04",
	}))

	w, err := p.Watermark(ctx, "finra", "finra_otc", "T1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "2024-08-30", w.HighWater)
	assert.Equal(t, "2024-06-07", w.LowWater)
}

func TestRewindWatermarkRecordsAnomaly(t *testing.T) {
	p, _, store, _ := testPlanner(t)
	ctx := context.Background()

	require.NoError(t, p.AdvanceWatermark(ctx, &storage.Watermark{
		Domain: "finra", Source: "finra_otc", PartitionKey: "T1",
		HighWater: "2024-08-30",
	}))

	// Raising through Rewind is rejected.
	err := p.RewindWatermark(ctx, "finra", "finra_otc", "T1", "2024-09-05", "bad vendor file")
	require.Error(t, err)

	require.NoError(t, p.RewindWatermark(ctx, "finra", "finra_otc", "T1",
		"2024-07-04", "vendor restated July"))

	w, err := p.Watermark(ctx, "finra", "finra_otc", "T1")
	require.NoError(t, err)
	assert.Equal(t, "2024-07-04", w.HighWater)

	anomalies, err := store.ListAnomalies(ctx, storage.AnomalyFilter{Domain: "finra"})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "watermark_rewind", anomalies[0].Category)
}
