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

package capture

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketspine/spine/internal/clock"
	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/internal/storage"
)

func testService(t *testing.T, clk clock.Clock) (*Service, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Config{
		Dialect: storage.DialectSQLite,
		URL:     filepath.Join(t.TempDir(), "spine.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(store, clk, clock.NewULID(clk), config.Default().Capture, logger)
	return svc, store
}

func TestCaptureIDShape(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	svc, _ := testService(t, clk)

	c := svc.NewCapture("finra.otc_transparency", "OTC", "2025-12-26")
	parts := strings.Split(c.ID, ":")
	require.Len(t, parts, 4)
	assert.Equal(t, "finra.otc_transparency", parts[0])
	assert.Equal(t, "OTC", parts[1])
	assert.Equal(t, "2025-12-26", parts[2])
	assert.Len(t, parts[3], 6)
	assert.Equal(t, strings.ToLower(parts[3]), parts[3])
	assert.NotEmpty(t, c.BatchID)

	// Same captured_at hashes identically.
	again := svc.CaptureID("finra.otc_transparency", "OTC", "2025-12-26", c.CapturedAt)
	assert.Equal(t, c.ID, again)

	// A later attempt produces a different suffix.
	clk.Advance(time.Second)
	next := svc.NewCapture("finra.otc_transparency", "OTC", "2025-12-26")
	assert.NotEqual(t, c.ID, next.ID)
}

func TestReduceReadiness(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	svc, _ := testService(t, clk)
	ctx := context.Background()

	in := ReduceInput{
		Domain:         "finra.otc_transparency",
		PartitionKey:   "2025-12-26",
		ReadyFor:       "analytics",
		RequiredStages: []string{"ingest", "normalize"},
	}

	// Nothing produced yet.
	r, err := svc.Reduce(ctx, in)
	require.NoError(t, err)
	assert.False(t, r.IsReady)
	assert.False(t, r.AllPartitionsPresent)

	require.NoError(t, svc.RecordManifest(ctx, &storage.Manifest{
		Domain: in.Domain, PartitionKey: in.PartitionKey, Stage: "ingest",
		RowCount: 10, ExecutionID: "01E1", BatchID: "b1",
	}))
	r, err = svc.Reduce(ctx, in)
	require.NoError(t, err)
	assert.True(t, r.AllPartitionsPresent)
	assert.False(t, r.AllStagesComplete)
	assert.False(t, r.IsReady)

	require.NoError(t, svc.RecordManifest(ctx, &storage.Manifest{
		Domain: in.Domain, PartitionKey: in.PartitionKey, Stage: "normalize",
		RowCount: 10, ExecutionID: "01E2", BatchID: "b2",
	}))
	r, err = svc.Reduce(ctx, in)
	require.NoError(t, err)
	assert.True(t, r.AllStagesComplete)
	assert.True(t, r.IsReady)
}

func TestReduceBlocksOnCriticalAnomaly(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	svc, _ := testService(t, clk)
	ctx := context.Background()

	in := ReduceInput{
		Domain: "prices", PartitionKey: "2025-06-01", ReadyFor: "analytics",
		RequiredStages: []string{"ingest"},
	}
	require.NoError(t, svc.RecordManifest(ctx, &storage.Manifest{
		Domain: "prices", PartitionKey: "2025-06-01", Stage: "ingest",
		RowCount: 5, ExecutionID: "01E1", BatchID: "b1",
	}))

	id, err := svc.RecordAnomaly(ctx, &storage.Anomaly{
		Domain: "prices", PartitionKey: "2025-06-01",
		Severity: SeverityCritical, Category: "gap", Message: "missing closes",
	})
	require.NoError(t, err)

	r, err := svc.Reduce(ctx, in)
	require.NoError(t, err)
	assert.False(t, r.NoCriticalAnomalies)
	assert.False(t, r.IsReady)

	// Acking the anomaly restores readiness.
	ok, err := svc.AckAnomaly(ctx, id, "ops", "vendor restated")
	require.NoError(t, err)
	assert.True(t, ok)

	r, err = svc.Reduce(ctx, in)
	require.NoError(t, err)
	assert.True(t, r.IsReady)

	// Double-ack reports already resolved.
	ok, err = svc.AckAnomaly(ctx, id, "ops", "again")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReduceDependenciesAndPreliminaryWindow(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	svc, _ := testService(t, clk)
	ctx := context.Background()

	in := ReduceInput{
		Domain: "analytics", PartitionKey: "2025-06-01", ReadyFor: "reports",
		RequiredStages: []string{"aggregate"},
	}
	require.NoError(t, svc.RegisterDependency(ctx, "analytics", "prices", "normalize"))
	require.NoError(t, svc.RegisterExpectedSchedule(ctx, "analytics", "reports", time.Hour))

	require.NoError(t, svc.RecordManifest(ctx, &storage.Manifest{
		Domain: "analytics", PartitionKey: "2025-06-01", Stage: "aggregate",
		RowCount: 3, ExecutionID: "01E1", BatchID: "b1",
	}))

	// Dependency not produced; also inside the preliminary window.
	r, err := svc.Reduce(ctx, in)
	require.NoError(t, err)
	assert.False(t, r.DependenciesCurrent)
	assert.False(t, r.AgeExceedsPreliminary)
	assert.False(t, r.IsReady)

	require.NoError(t, svc.RecordManifest(ctx, &storage.Manifest{
		Domain: "prices", PartitionKey: "2025-06-01", Stage: "normalize",
		RowCount: 9, ExecutionID: "01E2", BatchID: "b2",
	}))

	clk.Advance(2 * time.Hour)
	r, err = svc.Reduce(ctx, in)
	require.NoError(t, err)
	assert.True(t, r.DependenciesCurrent)
	assert.True(t, r.AgeExceedsPreliminary)
	assert.True(t, r.IsReady)
}

func TestCertifyAndBlock(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	svc, _ := testService(t, clk)
	ctx := context.Background()

	in := ReduceInput{Domain: "prices", PartitionKey: "2025-06-01", ReadyFor: "reports"}
	_, err := svc.Reduce(ctx, in)
	require.NoError(t, err)

	require.NoError(t, svc.Certify(ctx, "prices", "2025-06-01", "reports", "analyst"))
	r, err := svc.GetReadiness(ctx, "prices", "2025-06-01", "reports")
	require.NoError(t, err)
	assert.Equal(t, "analyst", r.CertifiedBy)
	require.NotNil(t, r.CertifiedAt)

	require.NoError(t, svc.Block(ctx, "prices", "2025-06-01", "reports", "vendor outage"))
	r, err = svc.GetReadiness(ctx, "prices", "2025-06-01", "reports")
	require.NoError(t, err)
	assert.False(t, r.IsReady)
	assert.Equal(t, "vendor outage", r.BlockedReason)

	// Certifying a never-reduced partition fails.
	err = svc.Certify(ctx, "prices", "2099-01-01", "reports", "analyst")
	assert.Error(t, err)
}

func TestRecordFetchDedupsByContentHash(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	svc, store := testService(t, clk)
	ctx := context.Background()

	require.NoError(t, svc.RegisterSource(ctx, &storage.Source{
		Name: "finra-weekly", Domain: "finra.otc_transparency",
		URL: "https://example.com/weekly.psv", Enabled: true,
	}))

	payload := []byte("week|tier|shares\n2025-12-26|OTC|100\n")
	out, err := svc.RecordFetch(ctx, "finra-weekly", payload, `"etag-1"`, "")
	require.NoError(t, err)
	assert.False(t, out.Unchanged)

	cached, err := svc.CachedPayload(ctx, out.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, payload, cached)

	clk.Advance(time.Hour)
	again, err := svc.RecordFetch(ctx, "finra-weekly", payload, `"etag-1"`, "")
	require.NoError(t, err)
	assert.True(t, again.Unchanged)
	assert.Equal(t, out.ContentHash, again.ContentHash)

	last, err := store.LastSourceFetch(ctx, "finra-weekly")
	require.NoError(t, err)
	assert.Equal(t, storage.FetchNotModified, last.Status)
}
