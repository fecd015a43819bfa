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

package lock

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketspine/spine/internal/clock"
	"github.com/marketspine/spine/internal/storage"
)

func testService(t *testing.T, clk clock.Clock, ttl time.Duration) *Service {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Config{
		Dialect: storage.DialectSQLite,
		URL:     filepath.Join(t.TempDir(), "spine.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, clk, ttl, logger)
}

func TestAcquireExcludesSecondHolder(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	svc := testService(t, clk, time.Minute)
	ctx := context.Background()

	ok, err := svc.Acquire(ctx, "finra:OTC:2025-12-26", "01A")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Acquire(ctx, "finra:OTC:2025-12-26", "01B")
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := svc.Holder(ctx, "finra:OTC:2025-12-26")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "01A", holder.ExecutionID)
}

func TestAcquireSweepsExpiredHolder(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	svc := testService(t, clk, time.Minute)
	ctx := context.Background()

	ok, err := svc.Acquire(ctx, "k", "01A")
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(2 * time.Minute)

	ok, err = svc.Acquire(ctx, "k", "01B")
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err := svc.Holder(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "01B", holder.ExecutionID)
}

func TestReleaseIdempotentAndScoped(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	svc := testService(t, clk, time.Minute)
	ctx := context.Background()

	ok, err := svc.Acquire(ctx, "k", "01A")
	require.NoError(t, err)
	require.True(t, ok)

	// A non-holder release is a no-op.
	require.NoError(t, svc.Release(ctx, "k", "01B"))
	holder, err := svc.Holder(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, holder)

	require.NoError(t, svc.Release(ctx, "k", "01A"))
	require.NoError(t, svc.Release(ctx, "k", "01A"))
	holder, err = svc.Holder(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestHeartbeatExtends(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	svc := testService(t, clk, time.Minute)
	ctx := context.Background()

	ok, err := svc.Acquire(ctx, "k", "01A")
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(45 * time.Second)
	alive, err := svc.Heartbeat(ctx, "k", "01A")
	require.NoError(t, err)
	assert.True(t, alive)

	holder, err := svc.Holder(ctx, "k")
	require.NoError(t, err)
	assert.True(t, holder.ExpiresAt.After(clk.Now().Add(50*time.Second)))

	// A holder that lost its lock learns from the heartbeat.
	require.NoError(t, svc.Release(ctx, "k", "01A"))
	alive, err = svc.Heartbeat(ctx, "k", "01A")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestSweepClearsOnlyExpired(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC))
	svc := testService(t, clk, time.Minute)
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "old", "01A")
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	_, err = svc.Acquire(ctx, "fresh", "01B")
	require.NoError(t, err)

	n, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	holder, err := svc.Holder(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, holder)
}
