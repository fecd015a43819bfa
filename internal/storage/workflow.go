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

	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// Workflow run statuses.
const (
	WorkflowRunPending   = "PENDING"
	WorkflowRunRunning   = "RUNNING"
	WorkflowRunCompleted = "COMPLETED"
	WorkflowRunFailed    = "FAILED"
	WorkflowRunCancelled = "CANCELLED"
)

// Workflow step statuses.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// WorkflowRun is one DAG execution.
type WorkflowRun struct {
	ID             string
	Workflow       string
	Version        int
	Params         string // canonical JSON
	Status         string
	TriggerSource  string
	TotalSteps     int
	CompletedSteps int
	FailedSteps    int
	SkippedSteps   int
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const workflowRunColumns = `id, workflow, version, params, status, trigger_source,
	total_steps, completed_steps, failed_steps, skipped_steps,
	started_at, completed_at, error, created_at, updated_at`

type workflowRunRow struct {
	ID             string         `db:"id"`
	Workflow       string         `db:"workflow"`
	Version        int            `db:"version"`
	Params         string         `db:"params"`
	Status         string         `db:"status"`
	TriggerSource  string         `db:"trigger_source"`
	TotalSteps     int            `db:"total_steps"`
	CompletedSteps int            `db:"completed_steps"`
	FailedSteps    int            `db:"failed_steps"`
	SkippedSteps   int            `db:"skipped_steps"`
	StartedAt      sql.NullString `db:"started_at"`
	CompletedAt    sql.NullString `db:"completed_at"`
	Error          sql.NullString `db:"error"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
}

func (r workflowRunRow) toRun() *WorkflowRun {
	return &WorkflowRun{
		ID:             r.ID,
		Workflow:       r.Workflow,
		Version:        r.Version,
		Params:         r.Params,
		Status:         r.Status,
		TriggerSource:  r.TriggerSource,
		TotalSteps:     r.TotalSteps,
		CompletedSteps: r.CompletedSteps,
		FailedSteps:    r.FailedSteps,
		SkippedSteps:   r.SkippedSteps,
		StartedAt:      parseTimePtr(r.StartedAt),
		CompletedAt:    parseTimePtr(r.CompletedAt),
		Error:          stringOf(r.Error),
		CreatedAt:      parseTime(r.CreatedAt),
		UpdatedAt:      parseTime(r.UpdatedAt),
	}
}

// InsertWorkflowRun creates a run record.
func (q queries) InsertWorkflowRun(ctx context.Context, r *WorkflowRun) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_workflow_runs (`+workflowRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Workflow, r.Version, r.Params, r.Status, r.TriggerSource,
		r.TotalSteps, r.CompletedSteps, r.FailedSteps, r.SkippedSteps,
		formatTimePtr(r.StartedAt), formatTimePtr(r.CompletedAt),
		nullString(r.Error), formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	return err
}

// GetWorkflowRun retrieves a run by id.
func (q queries) GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error) {
	var row workflowRunRow
	err := q.get(ctx, &row, `SELECT `+workflowRunColumns+` FROM core_workflow_runs WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, spineerrors.NotFound("workflow run", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toRun(), nil
}

// ListWorkflowRuns lists runs for a workflow, newest first.
func (q queries) ListWorkflowRuns(ctx context.Context, workflow string, limit int) ([]*WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + workflowRunColumns + ` FROM core_workflow_runs`
	args := []any{}
	if workflow != "" {
		query += " WHERE workflow = ?"
		args = append(args, workflow)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	var rows []workflowRunRow
	if err := q.list(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*WorkflowRun, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRun())
	}
	return out, nil
}

// CASWorkflowRunStatus transitions a run's status guarded by the current
// status. Running stamps started_at; terminal statuses stamp completed_at.
func (q queries) CASWorkflowRunStatus(ctx context.Context, id, from, to string, now time.Time) (bool, error) {
	var res sql.Result
	var err error
	switch to {
	case WorkflowRunRunning:
		res, err = q.exec(ctx, `
			UPDATE core_workflow_runs
			SET status = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			to, formatTime(now), formatTime(now), id, from)
	case WorkflowRunCompleted, WorkflowRunFailed, WorkflowRunCancelled:
		res, err = q.exec(ctx, `
			UPDATE core_workflow_runs
			SET status = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			to, formatTime(now), formatTime(now), id, from)
	default:
		res, err = q.exec(ctx, `
			UPDATE core_workflow_runs
			SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			to, formatTime(now), id, from)
	}
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetWorkflowRunError records the failure message on a run.
func (q queries) SetWorkflowRunError(ctx context.Context, id, errMsg string, now time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_workflow_runs SET error = ?, updated_at = ? WHERE id = ?`,
		nullString(errMsg), formatTime(now), id)
	return err
}

// BumpWorkflowCounters adds to the run's step counters. Counters are only
// ever advanced through this method so the run row stays consistent with
// the step rows written in the same transaction.
func (q queries) BumpWorkflowCounters(ctx context.Context, id string, completed, failed, skipped int, now time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_workflow_runs
		SET completed_steps = completed_steps + ?,
		    failed_steps = failed_steps + ?,
		    skipped_steps = skipped_steps + ?,
		    updated_at = ?
		WHERE id = ?`,
		completed, failed, skipped, formatTime(now), id)
	return err
}

// WorkflowStep is one attempt at one step of a run.
type WorkflowStep struct {
	ID          int64
	RunID       string
	StepName    string
	Attempt     int
	Status      string
	ExecutionID string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	CreatedAt   time.Time
}

// InsertWorkflowStep records a step attempt. The unique index on
// (run_id, step_name, attempt) makes replayed attempts conflict.
func (q queries) InsertWorkflowStep(ctx context.Context, s *WorkflowStep) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_workflow_steps
			(run_id, step_name, attempt, status, execution_id, started_at,
			 completed_at, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.RunID, s.StepName, s.Attempt, s.Status, nullString(s.ExecutionID),
		formatTimePtr(s.StartedAt), formatTimePtr(s.CompletedAt),
		nullString(s.Error), formatTime(s.CreatedAt))
	return err
}

// UpdateWorkflowStep records the outcome of a step attempt.
func (q queries) UpdateWorkflowStep(ctx context.Context, runID, stepName string, attempt int, status, executionID, errMsg string, completedAt *time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_workflow_steps
		SET status = ?, execution_id = COALESCE(?, execution_id),
		    error = ?, completed_at = ?
		WHERE run_id = ? AND step_name = ? AND attempt = ?`,
		status, nullString(executionID), nullString(errMsg),
		formatTimePtr(completedAt), runID, stepName, attempt)
	return err
}

// ListWorkflowSteps returns step attempts for a run in creation order.
func (q queries) ListWorkflowSteps(ctx context.Context, runID string) ([]*WorkflowStep, error) {
	var rows []struct {
		ID          int64          `db:"id"`
		RunID       string         `db:"run_id"`
		StepName    string         `db:"step_name"`
		Attempt     int            `db:"attempt"`
		Status      string         `db:"status"`
		ExecutionID sql.NullString `db:"execution_id"`
		StartedAt   sql.NullString `db:"started_at"`
		CompletedAt sql.NullString `db:"completed_at"`
		Error       sql.NullString `db:"error"`
		CreatedAt   string         `db:"created_at"`
	}
	err := q.list(ctx, &rows, `
		SELECT id, run_id, step_name, attempt, status, execution_id,
		       started_at, completed_at, error, created_at
		FROM core_workflow_steps
		WHERE run_id = ?
		ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	out := make([]*WorkflowStep, 0, len(rows))
	for _, r := range rows {
		out = append(out, &WorkflowStep{
			ID:          r.ID,
			RunID:       r.RunID,
			StepName:    r.StepName,
			Attempt:     r.Attempt,
			Status:      r.Status,
			ExecutionID: stringOf(r.ExecutionID),
			StartedAt:   parseTimePtr(r.StartedAt),
			CompletedAt: parseTimePtr(r.CompletedAt),
			Error:       stringOf(r.Error),
			CreatedAt:   parseTime(r.CreatedAt),
		})
	}
	return out, nil
}

// WorkflowEvent is an append-only audit record for a run.
type WorkflowEvent struct {
	ID             int64
	RunID          string
	StepName       string
	EventType      string
	Data           string
	IdempotencyKey string
	CreatedAt      time.Time
}

// AppendWorkflowEvent appends an event. A duplicate idempotency key means
// the event was already recorded; the duplicate is swallowed so replayed
// transitions stay single-entry.
func (q queries) AppendWorkflowEvent(ctx context.Context, e *WorkflowEvent) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_workflow_events
			(run_id, step_name, event_type, data, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, nullString(e.StepName), e.EventType, nullString(e.Data),
		e.IdempotencyKey, formatTime(e.CreatedAt))
	if err != nil && IsConflict(err) {
		return nil
	}
	return err
}

// ListWorkflowEvents returns a run's events in insertion order.
func (q queries) ListWorkflowEvents(ctx context.Context, runID string) ([]*WorkflowEvent, error) {
	var rows []struct {
		ID             int64          `db:"id"`
		RunID          string         `db:"run_id"`
		StepName       sql.NullString `db:"step_name"`
		EventType      string         `db:"event_type"`
		Data           sql.NullString `db:"data"`
		IdempotencyKey string         `db:"idempotency_key"`
		CreatedAt      string         `db:"created_at"`
	}
	err := q.list(ctx, &rows, `
		SELECT id, run_id, step_name, event_type, data, idempotency_key, created_at
		FROM core_workflow_events
		WHERE run_id = ?
		ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	out := make([]*WorkflowEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, &WorkflowEvent{
			ID:             r.ID,
			RunID:          r.RunID,
			StepName:       stringOf(r.StepName),
			EventType:      r.EventType,
			Data:           stringOf(r.Data),
			IdempotencyKey: r.IdempotencyKey,
			CreatedAt:      parseTime(r.CreatedAt),
		})
	}
	return out, nil
}
