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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketspine/spine/internal/alert"
	"github.com/marketspine/spine/internal/backfill"
	"github.com/marketspine/spine/internal/capture"
	"github.com/marketspine/spine/internal/clock"
	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/internal/dispatch"
	"github.com/marketspine/spine/internal/lock"
	"github.com/marketspine/spine/internal/metrics"
	"github.com/marketspine/spine/internal/registry"
	"github.com/marketspine/spine/internal/scheduler"
	"github.com/marketspine/spine/internal/storage"
	"github.com/marketspine/spine/internal/workflow"
	"github.com/marketspine/spine/internal/workqueue"
)

type okPipeline struct{ spec registry.PipelineSpec }

func (p *okPipeline) Describe() registry.PipelineSpec { return p.spec }

func (p *okPipeline) Run(_ context.Context, _ registry.RunRequest) registry.RunResult {
	return registry.RunResult{Status: registry.RunCompleted, RowsProcessed: 10}
}

func ingestSpec() registry.PipelineSpec {
	return registry.PipelineSpec{
		Name:        "finra.otc.ingest_week",
		Description: "Ingest one FINRA OTC transparency week.",
		Version:     1,
		Domain:      "finra.otc_transparency",
		Ingest:      true,
		Params: []registry.ParamDef{
			{Name: "tier", Type: registry.TypeEnum, Required: true,
				Values:  []string{"T1", "T2", "OTC"},
				Aliases: map[string]string{"t1": "T1", "tier1": "T1", "t2": "T2", "otc": "OTC"}},
			{Name: "week_ending", Type: registry.TypeDate, Required: true},
		},
		FilePathTemplate:       "data/finra/{tier}/weekly_{week_ending}.psv",
		ConcurrencyKeyTemplate: "finra:{tier}:{week_ending}",
	}
}

func testServer(t *testing.T) (*Server, *workflow.Runner) {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Config{
		Dialect: storage.DialectSQLite,
		URL:     filepath.Join(t.TempDir(), "spine.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	reg.MustRegister(func() registry.Pipeline { return &okPipeline{spec: ingestSpec()} })

	cfg := config.Default()
	cfg.Dispatcher.Lanes["normal"] = config.LaneConfig{
		MaxConcurrency: 1, MaxRetries: 1, BackoffBaseMS: 1, BackoffCapMS: 2,
	}

	clk := clock.NewFake(time.Date(2025, 12, 22, 8, 0, 0, 0, time.UTC))
	ids := clock.NewULID(clk)
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	locks := lock.New(store, clk, time.Minute, logger)
	captureSvc := capture.New(store, clk, ids, cfg.Capture, logger)
	queue := workqueue.New(store, clk, ids, workqueue.Options{LeaseTTL: time.Minute}, logger, m)
	d := dispatch.New(store, reg, locks, clk, ids, cfg, logger, m)
	alerts := alert.New(store, clk, ids, cfg.Alerts, logger, m)
	d.SetAlertSink(alerts)

	defs := workflow.NewDefinitions()
	defs.MustRegister(workflow.Definition{
		Name:    "finra.weekly",
		Version: 1,
		Steps: []workflow.Step{
			{Name: "ingest", Type: workflow.StepPipeline, Pipeline: "finra.otc.ingest_week"},
		},
	})
	wf := workflow.New(store, d, defs, clk, ids, logger, m)
	sched := scheduler.New(store, d, clk, ids, cfg.Scheduler, logger, m)
	planner := backfill.New(store, queue, d, captureSvc, clk, ids, logger, m)

	srv := NewServer(Services{
		Registry:   reg,
		Dispatcher: d,
		Scheduler:  sched,
		Capture:    captureSvc,
		Workflows:  wf,
		Backfill:   planner,
		Queue:      queue,
		Alerts:     alerts,
		Metrics:    m,
	}, logger)
	return srv, wf
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestPipelineListAndDescribe(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/v1/pipelines?prefix=finra.", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pipelines := decodeBody[[]*Pipeline](t, rec)
	require.Len(t, pipelines, 1)
	assert.Equal(t, "finra.otc.ingest_week", pipelines[0].Name)
	assert.True(t, pipelines[0].Ingest)

	rec = doJSON(t, srv, http.MethodGet, "/v1/pipelines/finra.otc.ingest_week", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/v1/pipelines/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveSourceDerivesPath(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/pipelines/finra.otc.ingest_week/resolve-source",
		map[string]any{"params": map[string]any{"tier": "t1", "week_ending": "2025-12-26"}})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "data/finra/T1/weekly_2025-12-26.psv", body["file_path"])
	assert.Equal(t, "derived", body["mode"])
}

func TestExecutionSubmitIsIdempotent(t *testing.T) {
	srv, _ := testServer(t)
	body := map[string]any{
		"pipeline": "finra.otc.ingest_week",
		"params":   map[string]any{"tier": "OTC", "week_ending": "2025-12-26"},
	}

	rec := doJSON(t, srv, http.MethodPost, "/v1/executions", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := decodeBody[*Execution](t, rec)
	assert.Equal(t, "pending", first.Status)

	rec = doJSON(t, srv, http.MethodPost, "/v1/executions", body)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody[*Execution](t, rec)
	assert.Equal(t, first.ID, second.ID)
}

func TestExecutionSubmitValidation(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/executions", map[string]any{
		"pipeline": "finra.otc.ingest_week",
		"params":   map[string]any{"tier": "T9", "week_ending": "2025-12-26"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, "validation", body.Error.Category)

	rec = doJSON(t, srv, http.MethodPost, "/v1/executions", map[string]any{
		"pipeline": "unknown.pipeline",
		"params":   map[string]any{},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecutionEventsTail(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/executions", map[string]any{
		"pipeline": "finra.otc.ingest_week",
		"params":   map[string]any{"tier": "T1", "week_ending": "2025-12-26"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	exec := decodeBody[*Execution](t, rec)

	rec = doJSON(t, srv, http.MethodGet, "/v1/executions/"+exec.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody[[]*ExecutionEvent](t, rec)
	require.NotEmpty(t, events)
	assert.Equal(t, "created", events[0].Type)

	// Tailing past the last seq returns an empty page.
	last := events[len(events)-1].Seq
	rec = doJSON(t, srv, http.MethodGet,
		"/v1/executions/"+exec.ID+"/events?after="+itoa(last), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]*ExecutionEvent](t, rec))
}

func TestScheduleLifecycle(t *testing.T) {
	srv, _ := testServer(t)

	upsert := map[string]any{
		"target_type":   "pipeline",
		"target":        "finra.otc.ingest_week",
		"schedule_type": "cron",
		"expression":    "0 8 * * MON",
		"timezone":      "UTC",
	}
	rec := doJSON(t, srv, http.MethodPut, "/v1/schedules/finra-weekly", upsert)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sched := decodeBody[*Schedule](t, rec)
	assert.True(t, sched.Enabled)
	require.NotNil(t, sched.NextRunAt)

	// Upsert is idempotent by name; the version bumps.
	rec = doJSON(t, srv, http.MethodPut, "/v1/schedules/finra-weekly", upsert)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Greater(t, decodeBody[*Schedule](t, rec).Version, sched.Version)

	rec = doJSON(t, srv, http.MethodGet, "/v1/schedules/upcoming", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[[]*Schedule](t, rec), 1)

	rec = doJSON(t, srv, http.MethodPost, "/v1/schedules/finra-weekly/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv, http.MethodGet, "/v1/schedules/upcoming", nil)
	assert.Empty(t, decodeBody[[]*Schedule](t, rec))

	rec = doJSON(t, srv, http.MethodPost, "/v1/schedules/missing/enable", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadinessCertifyRoundTrip(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/readiness/certify", map[string]any{
		"domain":    "finra.otc_transparency",
		"partition": "T1:2025-12-26",
		"ready_for": "analytics",
		"certifier": "ops@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet,
		"/v1/readiness?domain=finra.otc_transparency&partition=T1:2025-12-26&ready_for=analytics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	readiness := decodeBody[*Readiness](t, rec)
	assert.Equal(t, "ops@example.com", readiness.CertifiedBy)

	rec = doJSON(t, srv, http.MethodGet, "/v1/readiness?domain=finra.otc_transparency", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkflowRunEndToEnd(t *testing.T) {
	srv, wf := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/workflows/finra.weekly/runs", map[string]any{
		"params": map[string]any{"tier": "T2", "week_ending": "2025-12-26"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	run := decodeBody[*WorkflowRun](t, rec)
	require.NotEmpty(t, run.ID)

	deadline := time.Now().Add(5 * time.Second)
	for {
		stored, err := wf.Get(context.Background(), run.ID)
		require.NoError(t, err)
		if stored.Status == storage.WorkflowRunCompleted {
			break
		}
		require.True(t, time.Now().Before(deadline), "run did not complete: %s", stored.Status)
		time.Sleep(10 * time.Millisecond)
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/workflow-runs/"+run.ID+"/steps", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	steps := decodeBody[[]*WorkflowStep](t, rec)
	require.Len(t, steps, 1)
	assert.Equal(t, "ingest", steps[0].StepName)
}

func TestBackfillPlanOverHTTP(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/backfills", map[string]any{
		"domain":      "finra.otc_transparency",
		"source":      "finra",
		"template":    "weekly",
		"range_start": "2025-11-07",
		"range_end":   "2025-11-28",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	plan := decodeBody[*BackfillPlan](t, rec)
	assert.Equal(t, "planned", plan.Status)
	var keys []string
	require.NoError(t, json.Unmarshal(plan.PartitionKeys, &keys))
	assert.Len(t, keys, 4)

	rec = doJSON(t, srv, http.MethodGet, "/v1/backfills/"+plan.PlanID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWatermarkAdvanceIsMonotone(t *testing.T) {
	srv, _ := testServer(t)

	put := func(high string) *Watermark {
		rec := doJSON(t, srv, http.MethodPut, "/v1/watermarks", map[string]any{
			"domain":        "prices",
			"source":        "vendor",
			"partition_key": "eod",
			"high_water":    high,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decodeBody[*Watermark](t, rec)
	}

	assert.Equal(t, "2025-12-19", put("2025-12-19").HighWater)
	// A lower value does not move the cursor back.
	assert.Equal(t, "2025-12-19", put("2025-12-12").HighWater)

	rec := doJSON(t, srv, http.MethodPost, "/v1/watermarks/rewind", map[string]any{
		"domain":        "prices",
		"source":        "vendor",
		"partition_key": "eod",
		"high_water":    "2025-12-05",
		"reason":        "vendor restated two weeks",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-12-05", decodeBody[*Watermark](t, rec).HighWater)

	// The rewind left an anomaly behind.
	rec = doJSON(t, srv, http.MethodGet, "/v1/anomalies?domain=prices&category=watermark_rewind", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]*Anomaly](t, rec), 1)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
