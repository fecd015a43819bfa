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

// Schedule types.
const (
	ScheduleTypeCron     = "cron"
	ScheduleTypeInterval = "interval"
	ScheduleTypeAt       = "at"
)

// Schedule run statuses.
const (
	ScheduleRunPending   = "pending"
	ScheduleRunRunning   = "running"
	ScheduleRunCompleted = "completed"
	ScheduleRunFailed    = "failed"
	ScheduleRunSkipped   = "skipped"
	ScheduleRunMissed    = "missed"
)

// Schedule is a registered cron/interval/at specification.
type Schedule struct {
	Name                string
	TargetType          string // pipeline or workflow
	Target              string
	Params              string // canonical JSON
	ScheduleType        string
	Expression          string
	Timezone            string
	Enabled             bool
	MaxInstances        int
	MisfireGraceSeconds int
	NextRunAt           *time.Time
	LastRunAt           *time.Time
	LastRunStatus       string
	Version             int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ScheduleRun records one emission of a schedule.
type ScheduleRun struct {
	ID           string
	ScheduleName string
	ScheduledAt  time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Status       string
	ExecutionID  string
	RunID        string
	SkipReason   string
	Error        string
	CreatedAt    time.Time
}

const scheduleColumns = `name, target_type, target, params, schedule_type,
	expression, timezone, enabled, max_instances, misfire_grace_seconds,
	next_run_at, last_run_at, last_run_status, version, created_at, updated_at`

type scheduleRow struct {
	Name                string         `db:"name"`
	TargetType          string         `db:"target_type"`
	Target              string         `db:"target"`
	Params              string         `db:"params"`
	ScheduleType        string         `db:"schedule_type"`
	Expression          string         `db:"expression"`
	Timezone            string         `db:"timezone"`
	Enabled             int            `db:"enabled"`
	MaxInstances        int            `db:"max_instances"`
	MisfireGraceSeconds int            `db:"misfire_grace_seconds"`
	NextRunAt           sql.NullString `db:"next_run_at"`
	LastRunAt           sql.NullString `db:"last_run_at"`
	LastRunStatus       sql.NullString `db:"last_run_status"`
	Version             int            `db:"version"`
	CreatedAt           string         `db:"created_at"`
	UpdatedAt           string         `db:"updated_at"`
}

func (r scheduleRow) toSchedule() *Schedule {
	return &Schedule{
		Name:                r.Name,
		TargetType:          r.TargetType,
		Target:              r.Target,
		Params:              r.Params,
		ScheduleType:        r.ScheduleType,
		Expression:          r.Expression,
		Timezone:            r.Timezone,
		Enabled:             r.Enabled == 1,
		MaxInstances:        r.MaxInstances,
		MisfireGraceSeconds: r.MisfireGraceSeconds,
		NextRunAt:           parseTimePtr(r.NextRunAt),
		LastRunAt:           parseTimePtr(r.LastRunAt),
		LastRunStatus:       stringOf(r.LastRunStatus),
		Version:             r.Version,
		CreatedAt:           parseTime(r.CreatedAt),
		UpdatedAt:           parseTime(r.UpdatedAt),
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpsertSchedule inserts or replaces a schedule by name, bumping version on
// replace. Idempotent by name.
func (q queries) UpsertSchedule(ctx context.Context, s *Schedule) error {
	existing, err := q.GetSchedule(ctx, s.Name)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if existing == nil {
		_, err := q.exec(ctx, `
			INSERT INTO core_schedules (`+scheduleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.Name, s.TargetType, s.Target, s.Params, s.ScheduleType,
			s.Expression, s.Timezone, boolInt(s.Enabled), s.MaxInstances,
			s.MisfireGraceSeconds, formatTimePtr(s.NextRunAt),
			formatTimePtr(s.LastRunAt), nullString(s.LastRunStatus),
			1, formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
		return err
	}

	_, err = q.exec(ctx, `
		UPDATE core_schedules
		SET target_type = ?, target = ?, params = ?, schedule_type = ?,
		    expression = ?, timezone = ?, enabled = ?, max_instances = ?,
		    misfire_grace_seconds = ?, next_run_at = ?,
		    version = version + 1, updated_at = ?
		WHERE name = ?`,
		s.TargetType, s.Target, s.Params, s.ScheduleType,
		s.Expression, s.Timezone, boolInt(s.Enabled), s.MaxInstances,
		s.MisfireGraceSeconds, formatTimePtr(s.NextRunAt),
		formatTime(s.UpdatedAt), s.Name)
	return err
}

// GetSchedule retrieves a schedule by name.
func (q queries) GetSchedule(ctx context.Context, name string) (*Schedule, error) {
	var row scheduleRow
	err := q.get(ctx, &row, `SELECT `+scheduleColumns+` FROM core_schedules WHERE name = ?`, name)
	if err == sql.ErrNoRows {
		return nil, spineerrors.NotFound("schedule", name)
	}
	if err != nil {
		return nil, err
	}
	return row.toSchedule(), nil
}

// ListSchedules returns all schedules ordered by name.
func (q queries) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	var rows []scheduleRow
	if err := q.list(ctx, &rows, `SELECT `+scheduleColumns+` FROM core_schedules ORDER BY name`); err != nil {
		return nil, err
	}
	out := make([]*Schedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSchedule())
	}
	return out, nil
}

// ListDueSchedules returns enabled schedules with next_run_at <= now.
func (q queries) ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	var rows []scheduleRow
	err := q.list(ctx, &rows, `
		SELECT `+scheduleColumns+` FROM core_schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, formatTime(now))
	if err != nil {
		return nil, err
	}
	out := make([]*Schedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSchedule())
	}
	return out, nil
}

// SetScheduleEnabled toggles a schedule.
func (q queries) SetScheduleEnabled(ctx context.Context, name string, enabled bool, now time.Time) error {
	res, err := q.exec(ctx, `
		UPDATE core_schedules SET enabled = ?, updated_at = ? WHERE name = ?`,
		boolInt(enabled), formatTime(now), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return spineerrors.NotFound("schedule", name)
	}
	return nil
}

// AdvanceSchedule persists the post-evaluation cursor: the new next_run_at
// (nil disables one-shot schedules), last run info, and enabled flag.
func (q queries) AdvanceSchedule(ctx context.Context, name string, nextRunAt *time.Time, lastRunAt time.Time, lastRunStatus string, enabled bool, now time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_schedules
		SET next_run_at = ?, last_run_at = ?, last_run_status = ?,
		    enabled = ?, updated_at = ?
		WHERE name = ?`,
		formatTimePtr(nextRunAt), formatTime(lastRunAt), nullString(lastRunStatus),
		boolInt(enabled), formatTime(now), name)
	return err
}

// InsertScheduleRun records one schedule emission. The unique index on
// (schedule_name, scheduled_at) makes retried evaluation idempotent;
// conflicts are surfaced so the caller can skip.
func (q queries) InsertScheduleRun(ctx context.Context, r *ScheduleRun) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_schedule_runs
			(id, schedule_name, scheduled_at, started_at, completed_at, status,
			 execution_id, run_id, skip_reason, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ScheduleName, formatTime(r.ScheduledAt),
		formatTimePtr(r.StartedAt), formatTimePtr(r.CompletedAt), r.Status,
		nullString(r.ExecutionID), nullString(r.RunID),
		nullString(r.SkipReason), nullString(r.Error), formatTime(r.CreatedAt))
	return err
}

// MarkScheduleRunSubmitted binds an emitted run to the execution or
// workflow run it produced.
func (q queries) MarkScheduleRunSubmitted(ctx context.Context, id, executionID, runID string, at time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_schedule_runs
		SET status = ?, execution_id = ?, run_id = ?, started_at = ?
		WHERE id = ?`,
		ScheduleRunRunning, nullString(executionID), nullString(runID),
		formatTime(at), id)
	return err
}

// UpdateScheduleRunStatus records the outcome of an emitted run.
func (q queries) UpdateScheduleRunStatus(ctx context.Context, id, status, executionID, errMsg string, completedAt *time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_schedule_runs
		SET status = ?, execution_id = COALESCE(?, execution_id),
		    error = ?, completed_at = ?
		WHERE id = ?`,
		status, nullString(executionID), nullString(errMsg),
		formatTimePtr(completedAt), id)
	return err
}

type scheduleRunRow struct {
	ID           string         `db:"id"`
	ScheduleName string         `db:"schedule_name"`
	ScheduledAt  string         `db:"scheduled_at"`
	StartedAt    sql.NullString `db:"started_at"`
	CompletedAt  sql.NullString `db:"completed_at"`
	Status       string         `db:"status"`
	ExecutionID  sql.NullString `db:"execution_id"`
	RunID        sql.NullString `db:"run_id"`
	SkipReason   sql.NullString `db:"skip_reason"`
	Error        sql.NullString `db:"error"`
	CreatedAt    string         `db:"created_at"`
}

// ListScheduleRuns returns runs for a schedule, newest first.
func (q queries) ListScheduleRuns(ctx context.Context, scheduleName string, limit int) ([]*ScheduleRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []scheduleRunRow
	err := q.list(ctx, &rows, `
		SELECT id, schedule_name, scheduled_at, started_at, completed_at,
		       status, execution_id, run_id, skip_reason, error, created_at
		FROM core_schedule_runs
		WHERE schedule_name = ?
		ORDER BY scheduled_at DESC LIMIT ?`, scheduleName, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*ScheduleRun, 0, len(rows))
	for _, r := range rows {
		out = append(out, &ScheduleRun{
			ID:           r.ID,
			ScheduleName: r.ScheduleName,
			ScheduledAt:  parseTime(r.ScheduledAt),
			StartedAt:    parseTimePtr(r.StartedAt),
			CompletedAt:  parseTimePtr(r.CompletedAt),
			Status:       r.Status,
			ExecutionID:  stringOf(r.ExecutionID),
			RunID:        stringOf(r.RunID),
			SkipReason:   stringOf(r.SkipReason),
			Error:        stringOf(r.Error),
			CreatedAt:    parseTime(r.CreatedAt),
		})
	}
	return out, nil
}
