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
	"database/sql"
	"time"
)

// Work-item states.
const (
	WorkItemPending   = "PENDING"
	WorkItemLeased    = "LEASED"
	WorkItemRunning   = "RUNNING"
	WorkItemCompleted = "COMPLETED"
	WorkItemFailed    = "FAILED"
	WorkItemDead      = "DEAD"
)

// WorkItem is a durable partition-keyed task. Exactly one row exists per
// (domain, pipeline, partition_key).
type WorkItem struct {
	ID                 string
	Domain             string
	Pipeline           string
	PartitionKey       string
	Params             string // canonical JSON
	DesiredAt          time.Time
	Priority           int
	State              string
	AttemptCount       int
	MaxAttempts        int
	LastError          string
	NextAttemptAt      *time.Time
	LockedBy           string
	LockedAt           *time.Time
	CurrentExecutionID string
	LatestExecutionID  string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

const workItemColumns = `id, domain, pipeline, partition_key, params, desired_at,
	priority, state, attempt_count, max_attempts, last_error, next_attempt_at,
	locked_by, locked_at, current_execution_id, latest_execution_id,
	created_at, updated_at`

type workItemRow struct {
	ID                 string         `db:"id"`
	Domain             string         `db:"domain"`
	Pipeline           string         `db:"pipeline"`
	PartitionKey       string         `db:"partition_key"`
	Params             string         `db:"params"`
	DesiredAt          string         `db:"desired_at"`
	Priority           int            `db:"priority"`
	State              string         `db:"state"`
	AttemptCount       int            `db:"attempt_count"`
	MaxAttempts        int            `db:"max_attempts"`
	LastError          sql.NullString `db:"last_error"`
	NextAttemptAt      sql.NullString `db:"next_attempt_at"`
	LockedBy           sql.NullString `db:"locked_by"`
	LockedAt           sql.NullString `db:"locked_at"`
	CurrentExecutionID sql.NullString `db:"current_execution_id"`
	LatestExecutionID  sql.NullString `db:"latest_execution_id"`
	CreatedAt          string         `db:"created_at"`
	UpdatedAt          string         `db:"updated_at"`
}

func (r workItemRow) toWorkItem() *WorkItem {
	return &WorkItem{
		ID:                 r.ID,
		Domain:             r.Domain,
		Pipeline:           r.Pipeline,
		PartitionKey:       r.PartitionKey,
		Params:             r.Params,
		DesiredAt:          parseTime(r.DesiredAt),
		Priority:           r.Priority,
		State:              r.State,
		AttemptCount:       r.AttemptCount,
		MaxAttempts:        r.MaxAttempts,
		LastError:          stringOf(r.LastError),
		NextAttemptAt:      parseTimePtr(r.NextAttemptAt),
		LockedBy:           stringOf(r.LockedBy),
		LockedAt:           parseTimePtr(r.LockedAt),
		CurrentExecutionID: stringOf(r.CurrentExecutionID),
		LatestExecutionID:  stringOf(r.LatestExecutionID),
		CreatedAt:          parseTime(r.CreatedAt),
		UpdatedAt:          parseTime(r.UpdatedAt),
	}
}

// InsertWorkItem inserts a fresh work item. Conflict on the natural key is
// surfaced for the queue's upsert path.
func (q queries) InsertWorkItem(ctx context.Context, w *WorkItem) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_work_items (`+workItemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Domain, w.Pipeline, w.PartitionKey, w.Params,
		formatTime(w.DesiredAt), w.Priority, w.State, w.AttemptCount, w.MaxAttempts,
		nullString(w.LastError), formatTimePtr(w.NextAttemptAt),
		nullString(w.LockedBy), formatTimePtr(w.LockedAt),
		nullString(w.CurrentExecutionID), nullString(w.LatestExecutionID),
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	return err
}

// GetWorkItem retrieves a work item by its natural key, or nil when absent.
func (q queries) GetWorkItem(ctx context.Context, domain, pipeline, partitionKey string) (*WorkItem, error) {
	var row workItemRow
	err := q.get(ctx, &row, `
		SELECT `+workItemColumns+` FROM core_work_items
		WHERE domain = ? AND pipeline = ? AND partition_key = ?`,
		domain, pipeline, partitionKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toWorkItem(), nil
}

// ResetWorkItem returns an existing item to PENDING with fresh desire
// parameters. Used by the enqueue upsert path.
func (q queries) ResetWorkItem(ctx context.Context, id, params string, desiredAt time.Time, priority, maxAttempts int, now time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_work_items
		SET params = ?, desired_at = ?, priority = ?, max_attempts = ?,
		    state = ?, attempt_count = 0, last_error = NULL, next_attempt_at = NULL,
		    locked_by = NULL, locked_at = NULL, current_execution_id = NULL,
		    updated_at = ?
		WHERE id = ?`,
		params, formatTime(desiredAt), priority, maxAttempts,
		WorkItemPending, formatTime(now), id)
	return err
}

// SelectLeasable returns the oldest due PENDING item matching the filter.
// Candidate selection and the lease CAS are separate statements; callers
// loop on CAS failure.
func (q queries) SelectLeasable(ctx context.Context, domain, pipeline string, now time.Time) (*WorkItem, error) {
	query := `
		SELECT ` + workItemColumns + ` FROM core_work_items
		WHERE state = ? AND desired_at <= ?
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)`
	args := []any{WorkItemPending, formatTime(now), formatTime(now)}
	if domain != "" {
		query += " AND domain = ?"
		args = append(args, domain)
	}
	if pipeline != "" {
		query += " AND pipeline = ?"
		args = append(args, pipeline)
	}
	query += " ORDER BY priority DESC, desired_at, id LIMIT 1"

	var row workItemRow
	err := q.get(ctx, &row, query, args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toWorkItem(), nil
}

// CASLeaseWorkItem transitions PENDING -> LEASED, stamping the worker.
// Returns false when another worker won the item.
func (q queries) CASLeaseWorkItem(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	res, err := q.exec(ctx, `
		UPDATE core_work_items
		SET state = ?, locked_by = ?, locked_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		WorkItemLeased, workerID, formatTime(now), formatTime(now),
		id, WorkItemPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkWorkItemRunning records the in-flight execution on a leased item.
func (q queries) MarkWorkItemRunning(ctx context.Context, id, executionID string, now time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_work_items
		SET state = ?, current_execution_id = ?, latest_execution_id = ?, updated_at = ?
		WHERE id = ?`,
		WorkItemRunning, executionID, executionID, formatTime(now), id)
	return err
}

// CompleteWorkItem transitions a leased or running item to COMPLETED.
func (q queries) CompleteWorkItem(ctx context.Context, id, executionID string, now time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_work_items
		SET state = ?, locked_by = NULL, locked_at = NULL,
		    current_execution_id = NULL, latest_execution_id = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?)`,
		WorkItemCompleted, nullString(executionID), formatTime(now),
		id, WorkItemLeased, WorkItemRunning)
	return err
}

// RetryWorkItem returns a failed attempt to PENDING with a backoff delay.
func (q queries) RetryWorkItem(ctx context.Context, id, lastError string, nextAttemptAt, now time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_work_items
		SET state = ?, attempt_count = attempt_count + 1, last_error = ?,
		    next_attempt_at = ?, locked_by = NULL, locked_at = NULL,
		    current_execution_id = NULL, updated_at = ?
		WHERE id = ?`,
		WorkItemPending, nullString(lastError), formatTime(nextAttemptAt),
		formatTime(now), id)
	return err
}

// TerminateWorkItem moves an item to DEAD or FAILED after its final attempt.
func (q queries) TerminateWorkItem(ctx context.Context, id, state, lastError string, now time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_work_items
		SET state = ?, attempt_count = attempt_count + 1, last_error = ?,
		    locked_by = NULL, locked_at = NULL, current_execution_id = NULL,
		    updated_at = ?
		WHERE id = ?`,
		state, nullString(lastError), formatTime(now), id)
	return err
}

// ReclaimExpiredLeases returns LEASED items whose lease lapsed back to
// PENDING without charging an attempt.
func (q queries) ReclaimExpiredLeases(ctx context.Context, leaseTTL time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-leaseTTL)
	res, err := q.exec(ctx, `
		UPDATE core_work_items
		SET state = ?, locked_by = NULL, locked_at = NULL,
		    current_execution_id = NULL, updated_at = ?
		WHERE state = ? AND locked_at <= ?`,
		WorkItemPending, formatTime(now), WorkItemLeased, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListWorkItems lists items for a domain ordered by partition key.
func (q queries) ListWorkItems(ctx context.Context, domain, state string, limit int) ([]*WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM core_work_items WHERE 1=1`
	args := []any{}
	if domain != "" {
		query += " AND domain = ?"
		args = append(args, domain)
	}
	if state != "" {
		query += " AND state = ?"
		args = append(args, state)
	}
	if limit <= 0 {
		limit = 200
	}
	query += " ORDER BY domain, pipeline, partition_key LIMIT ?"
	args = append(args, limit)

	var rows []workItemRow
	if err := q.list(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*WorkItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toWorkItem())
	}
	return out, nil
}
