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

// Package workqueue is the durable partition-keyed task queue. A work item
// separates desire (what should happen for a partition) from attempt (the
// execution currently trying); exactly one item exists per
// (domain, pipeline, partition_key).
package workqueue

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/marketspine/spine/internal/clock"
	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/internal/metrics"
	"github.com/marketspine/spine/internal/storage"
)

// Options configures the queue.
type Options struct {
	// LeaseTTL is how long a worker may hold an item before it becomes
	// reclaimable.
	LeaseTTL time.Duration

	// ReclaimInterval is how often the background sweep runs.
	ReclaimInterval time.Duration

	// BackoffBase and BackoffCap bound the retry delay after a failed
	// attempt: min(base * 2^attempt, cap) plus jitter.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Queue manages durable work items.
type Queue struct {
	store   *storage.Store
	clock   clock.Clock
	ids     clock.IDs
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a work-item queue.
func New(store *storage.Store, clk clock.Clock, ids clock.IDs, opts Options, logger *slog.Logger, m *metrics.Metrics) *Queue {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = 30 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap < opts.BackoffBase {
		opts.BackoffCap = 5 * time.Minute
	}
	return &Queue{
		store:   store,
		clock:   clk,
		ids:     ids,
		opts:    opts,
		logger:  log.WithComponent(logger, "workqueue"),
		metrics: m,
	}
}

// EnqueueRequest describes the desired work.
type EnqueueRequest struct {
	Domain       string
	Pipeline     string
	PartitionKey string
	Params       string // canonical JSON
	DesiredAt    time.Time
	Priority     int
	MaxAttempts  int

	// SkipIfCompleted leaves an already COMPLETED item untouched instead
	// of resetting it to PENDING.
	SkipIfCompleted bool
}

// Enqueue upserts a work item by its natural key. An existing item is
// reset to PENDING with the new desire parameters; COMPLETED items are
// left alone when SkipIfCompleted is set.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*storage.WorkItem, error) {
	now := q.clock.Now()
	if req.DesiredAt.IsZero() {
		req.DesiredAt = now
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 3
	}

	existing, err := q.store.GetWorkItem(ctx, req.Domain, req.Pipeline, req.PartitionKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.State == storage.WorkItemCompleted && req.SkipIfCompleted {
			return existing, nil
		}
		if existing.State == storage.WorkItemLeased || existing.State == storage.WorkItemRunning {
			// An in-flight attempt keeps the item; the desire is already
			// being served.
			return existing, nil
		}
		if err := q.store.ResetWorkItem(ctx, existing.ID, req.Params, req.DesiredAt,
			req.Priority, req.MaxAttempts, now); err != nil {
			return nil, err
		}
		return q.store.GetWorkItem(ctx, req.Domain, req.Pipeline, req.PartitionKey)
	}

	item := &storage.WorkItem{
		ID:           q.ids.New(),
		Domain:       req.Domain,
		Pipeline:     req.Pipeline,
		PartitionKey: req.PartitionKey,
		Params:       req.Params,
		DesiredAt:    req.DesiredAt,
		Priority:     req.Priority,
		State:        storage.WorkItemPending,
		MaxAttempts:  req.MaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := q.store.InsertWorkItem(ctx, item); err != nil {
		if storage.IsConflict(err) {
			// Lost an insert race; retry as an update.
			return q.Enqueue(ctx, req)
		}
		return nil, err
	}
	return item, nil
}

// Filter narrows which items a worker will lease.
type Filter struct {
	Domain   string
	Pipeline string
}

// Lease atomically claims the oldest due PENDING item matching the
// filter, or returns nil when the queue is drained. Selection and the
// claim are separate statements; losing the claim CAS moves on to the
// next candidate.
func (q *Queue) Lease(ctx context.Context, workerID string, f Filter) (*storage.WorkItem, error) {
	for {
		now := q.clock.Now()
		item, err := q.store.SelectLeasable(ctx, f.Domain, f.Pipeline, now)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, nil
		}
		won, err := q.store.CASLeaseWorkItem(ctx, item.ID, workerID, now)
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}
		item.State = storage.WorkItemLeased
		item.LockedBy = workerID
		return item, nil
	}
}

// MarkRunning records the execution now attempting a leased item.
func (q *Queue) MarkRunning(ctx context.Context, itemID, executionID string) error {
	return q.store.MarkWorkItemRunning(ctx, itemID, executionID, q.clock.Now())
}

// Complete finishes an item successfully.
func (q *Queue) Complete(ctx context.Context, itemID, executionID string) error {
	if err := q.store.CompleteWorkItem(ctx, itemID, executionID, q.clock.Now()); err != nil {
		return err
	}
	q.logger.Info("work item completed", log.WorkItemKey, itemID, log.ExecutionIDKey, executionID)
	return nil
}

// Fail records a failed attempt. Retryable failures below the attempt
// limit return to PENDING with a backoff delay; the rest terminate as
// DEAD (retryable, exhausted) or FAILED (non-retryable).
func (q *Queue) Fail(ctx context.Context, item *storage.WorkItem, failure error, retryable bool) error {
	now := q.clock.Now()
	msg := failure.Error()

	if retryable && item.AttemptCount+1 < item.MaxAttempts {
		delay := q.backoff(item.AttemptCount)
		next := now.Add(delay)
		if err := q.store.RetryWorkItem(ctx, item.ID, msg, next, now); err != nil {
			return err
		}
		q.logger.Warn("work item attempt failed, retrying",
			log.WorkItemKey, item.ID,
			"attempt", item.AttemptCount+1,
			"next_attempt_in", delay.String(),
			log.Error(failure))
		return nil
	}

	state := storage.WorkItemFailed
	if retryable {
		state = storage.WorkItemDead
	}
	if err := q.store.TerminateWorkItem(ctx, item.ID, state, msg, now); err != nil {
		return err
	}
	q.logger.Error("work item terminated",
		log.WorkItemKey, item.ID,
		"state", state,
		log.Error(failure))
	return nil
}

// backoff computes min(base * 2^attempt, cap) with jitter U[0, 0.25*delay).
func (q *Queue) backoff(attempt int) time.Duration {
	delay := q.opts.BackoffBase << uint(attempt)
	if delay <= 0 || delay > q.opts.BackoffCap {
		delay = q.opts.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// Reclaim returns expired leases to PENDING without charging an attempt.
func (q *Queue) Reclaim(ctx context.Context) (int64, error) {
	n, err := q.store.ReclaimExpiredLeases(ctx, q.opts.LeaseTTL, q.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.metrics.LeaseReclaims.Add(float64(n))
		q.logger.Info("reclaimed expired leases", "count", n)
	}
	return n, nil
}

// RunReclaimer sweeps expired leases on the configured interval until ctx
// ends.
func (q *Queue) RunReclaimer(ctx context.Context) {
	ticker := time.NewTicker(q.opts.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Reclaim(ctx); err != nil {
				q.logger.Warn("lease reclaim failed", log.Error(err))
			}
		}
	}
}

// Get returns an item by natural key, or nil.
func (q *Queue) Get(ctx context.Context, domain, pipeline, partitionKey string) (*storage.WorkItem, error) {
	return q.store.GetWorkItem(ctx, domain, pipeline, partitionKey)
}

// List lists items for observability surfaces.
func (q *Queue) List(ctx context.Context, domain, state string, limit int) ([]*storage.WorkItem, error) {
	return q.store.ListWorkItems(ctx, domain, state, limit)
}
