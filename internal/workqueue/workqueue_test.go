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

package workqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketspine/spine/internal/clock"
	"github.com/marketspine/spine/internal/metrics"
	"github.com/marketspine/spine/internal/storage"
)

func testQueue(t *testing.T, clk clock.Clock) *Queue {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Config{
		Dialect: storage.DialectSQLite,
		URL:     filepath.Join(t.TempDir(), "spine.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, clk, clock.NewULID(clk), Options{
		LeaseTTL:    5 * time.Second,
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  time.Second,
	}, logger, metrics.New())
}

func enqueue(t *testing.T, q *Queue, partition string) *storage.WorkItem {
	t.Helper()
	item, err := q.Enqueue(context.Background(), EnqueueRequest{
		Domain:       "finra.otc_transparency",
		Pipeline:     "finra.otc.ingest_week",
		PartitionKey: partition,
		Params:       `{"week_ending":"` + partition + `"}`,
		MaxAttempts:  3,
	})
	require.NoError(t, err)
	return item
}

func TestEnqueueIsIdempotentByKey(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	q := testQueue(t, clk)

	a := enqueue(t, q, "2025-12-26")
	b := enqueue(t, q, "2025-12-26")
	assert.Equal(t, a.ID, b.ID)

	items, err := q.List(context.Background(), "finra.otc_transparency", "", 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestEnqueueResetsCompletedUnlessSkipped(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	q := testQueue(t, clk)
	ctx := context.Background()

	item := enqueue(t, q, "2025-12-26")
	leased, err := q.Lease(ctx, "worker-a", Filter{})
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NoError(t, q.Complete(ctx, leased.ID, "01E1"))

	// Re-enqueue resets to PENDING by default.
	again := enqueue(t, q, "2025-12-26")
	assert.Equal(t, item.ID, again.ID)
	assert.Equal(t, storage.WorkItemPending, again.State)
	assert.Equal(t, 0, again.AttemptCount)

	leased, err = q.Lease(ctx, "worker-a", Filter{})
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NoError(t, q.Complete(ctx, leased.ID, "01E2"))

	// skip_if_completed leaves the item terminal.
	skipped, err := q.Enqueue(ctx, EnqueueRequest{
		Domain: "finra.otc_transparency", Pipeline: "finra.otc.ingest_week",
		PartitionKey: "2025-12-26", Params: "{}", SkipIfCompleted: true,
	})
	require.NoError(t, err)
	assert.Equal(t, storage.WorkItemCompleted, skipped.State)
}

func TestLeaseReclaimKeepsAttemptCount(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	q := testQueue(t, clk)
	ctx := context.Background()

	enqueue(t, q, "2025-12-26")

	leased, err := q.Lease(ctx, "worker-a", Filter{})
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "worker-a", leased.LockedBy)

	// Second worker finds nothing while the lease is live.
	other, err := q.Lease(ctx, "worker-b", Filter{})
	require.NoError(t, err)
	assert.Nil(t, other)

	// Worker A crashes; the lease expires and is reclaimed.
	clk.Advance(10 * time.Second)
	n, err := q.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recovered, err := q.Lease(ctx, "worker-b", Filter{})
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, 0, recovered.AttemptCount)
	require.NoError(t, q.Complete(ctx, recovered.ID, "01E9"))
}

func TestFailRetriesWithBackoffThenDead(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	q := testQueue(t, clk)
	ctx := context.Background()

	enqueue(t, q, "2025-12-26")
	boom := errors.New("connection reset")

	for attempt := 0; attempt < 3; attempt++ {
		// Let any backoff delay elapse before leasing again.
		clk.Advance(time.Minute)
		item, err := q.Lease(ctx, "worker-a", Filter{})
		require.NoError(t, err)
		require.NotNil(t, item, "attempt %d should be leasable", attempt)
		assert.Equal(t, attempt, item.AttemptCount)
		require.NoError(t, q.Fail(ctx, item, boom, true))
	}

	final, err := q.Get(ctx, "finra.otc_transparency", "finra.otc.ingest_week", "2025-12-26")
	require.NoError(t, err)
	assert.Equal(t, storage.WorkItemDead, final.State)
	assert.Equal(t, 3, final.AttemptCount)
	assert.Equal(t, "connection reset", final.LastError)
}

func TestFailNonRetryableTerminatesImmediately(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	q := testQueue(t, clk)
	ctx := context.Background()

	enqueue(t, q, "2025-12-26")
	item, err := q.Lease(ctx, "worker-a", Filter{})
	require.NoError(t, err)
	require.NotNil(t, item)

	require.NoError(t, q.Fail(ctx, item, errors.New("bad schema"), false))

	final, err := q.Get(ctx, "finra.otc_transparency", "finra.otc.ingest_week", "2025-12-26")
	require.NoError(t, err)
	assert.Equal(t, storage.WorkItemFailed, final.State)
}

func TestLeaseFilterByDomain(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	q := testQueue(t, clk)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueRequest{
		Domain: "prices", Pipeline: "prices.eod", PartitionKey: "2025-06-01", Params: "{}",
	})
	require.NoError(t, err)
	enqueue(t, q, "2025-12-26")

	item, err := q.Lease(ctx, "worker-a", Filter{Domain: "prices"})
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "prices", item.Domain)
}
