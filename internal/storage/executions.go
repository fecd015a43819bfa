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

// Execution statuses. Terminal statuses always carry completed_at.
const (
	ExecutionPending      = "pending"
	ExecutionRunning      = "running"
	ExecutionCompleted    = "completed"
	ExecutionFailed       = "failed"
	ExecutionCancelled    = "cancelled"
	ExecutionDeadLettered = "dead_lettered"
)

// Execution event types appended to the per-execution stream.
const (
	EventCreated      = "created"
	EventStarted      = "started"
	EventProgress     = "progress"
	EventCompleted    = "completed"
	EventFailed       = "failed"
	EventRetrying     = "retrying"
	EventCancelled    = "cancelled"
	EventDeadLettered = "dead_lettered"
	EventGeneric      = "event"
)

// Execution is the persisted state of one pipeline run.
type Execution struct {
	ID                string
	Pipeline          string
	Params            string // canonical JSON
	Lane              string
	TriggerSource     string
	Status            string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	ParentExecutionID string
	RetryCount        int
	MaxRetries        int
	IdempotencyKey    string
	LogicalKey        string
	Result            string // JSON, empty until terminal
	ErrorCategory     string
	ErrorMessage      string
}

// IsTerminal reports whether the execution reached a terminal status.
func (e *Execution) IsTerminal() bool {
	switch e.Status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionDeadLettered:
		return true
	}
	return false
}

// ExecutionEvent is one entry of the append-only per-execution stream.
type ExecutionEvent struct {
	Seq         int64
	ExecutionID string
	Type        string
	Timestamp   time.Time
	Data        string // JSON
}

// ExecutionFilter selects executions for listing.
type ExecutionFilter struct {
	Pipeline string
	Status   string
	Lane     string
	Cursor   string // exclusive upper bound on id; ids sort by time
	Limit    int
}

const executionColumns = `id, pipeline, params, lane, trigger_source, status,
	created_at, started_at, completed_at, parent_execution_id, retry_count,
	max_retries, idempotency_key, logical_key, result, error_category, error_message`

// InsertExecution persists a new execution row.
func (q queries) InsertExecution(ctx context.Context, e *Execution) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Pipeline, e.Params, e.Lane, e.TriggerSource, e.Status,
		formatTime(e.CreatedAt), formatTimePtr(e.StartedAt), formatTimePtr(e.CompletedAt),
		nullString(e.ParentExecutionID), e.RetryCount, e.MaxRetries,
		nullString(e.IdempotencyKey), nullString(e.LogicalKey),
		nullString(e.Result), nullString(e.ErrorCategory), nullString(e.ErrorMessage),
	)
	return err
}

type executionRow struct {
	ID                string         `db:"id"`
	Pipeline          string         `db:"pipeline"`
	Params            string         `db:"params"`
	Lane              string         `db:"lane"`
	TriggerSource     string         `db:"trigger_source"`
	Status            string         `db:"status"`
	CreatedAt         string         `db:"created_at"`
	StartedAt         sql.NullString `db:"started_at"`
	CompletedAt       sql.NullString `db:"completed_at"`
	ParentExecutionID sql.NullString `db:"parent_execution_id"`
	RetryCount        int            `db:"retry_count"`
	MaxRetries        int            `db:"max_retries"`
	IdempotencyKey    sql.NullString `db:"idempotency_key"`
	LogicalKey        sql.NullString `db:"logical_key"`
	Result            sql.NullString `db:"result"`
	ErrorCategory     sql.NullString `db:"error_category"`
	ErrorMessage      sql.NullString `db:"error_message"`
}

func (r executionRow) toExecution() *Execution {
	return &Execution{
		ID:                r.ID,
		Pipeline:          r.Pipeline,
		Params:            r.Params,
		Lane:              r.Lane,
		TriggerSource:     r.TriggerSource,
		Status:            r.Status,
		CreatedAt:         parseTime(r.CreatedAt),
		StartedAt:         parseTimePtr(r.StartedAt),
		CompletedAt:       parseTimePtr(r.CompletedAt),
		ParentExecutionID: stringOf(r.ParentExecutionID),
		RetryCount:        r.RetryCount,
		MaxRetries:        r.MaxRetries,
		IdempotencyKey:    stringOf(r.IdempotencyKey),
		LogicalKey:        stringOf(r.LogicalKey),
		Result:            stringOf(r.Result),
		ErrorCategory:     stringOf(r.ErrorCategory),
		ErrorMessage:      stringOf(r.ErrorMessage),
	}
}

// GetExecution retrieves an execution by id.
func (q queries) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var row executionRow
	err := q.get(ctx, &row, `SELECT `+executionColumns+` FROM core_executions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, spineerrors.NotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toExecution(), nil
}

// FindOpenByIdempotencyKey returns the newest non-terminal execution for
// (pipeline, key), or nil when none exists. Idempotency uniqueness holds
// only while an execution is open, so the lookup filters on status.
func (q queries) FindOpenByIdempotencyKey(ctx context.Context, pipeline, key string) (*Execution, error) {
	var row executionRow
	err := q.get(ctx, &row, `
		SELECT `+executionColumns+` FROM core_executions
		WHERE pipeline = ? AND idempotency_key = ?
		  AND status NOT IN ('completed', 'failed', 'cancelled', 'dead_lettered')
		ORDER BY id DESC LIMIT 1`, pipeline, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toExecution(), nil
}

// ListExecutions lists executions newest-first with cursor pagination.
func (q queries) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM core_executions WHERE 1=1`
	args := []any{}

	if f.Pipeline != "" {
		query += " AND pipeline = ?"
		args = append(args, f.Pipeline)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Lane != "" {
		query += " AND lane = ?"
		args = append(args, f.Lane)
	}
	if f.Cursor != "" {
		query += " AND id < ?"
		args = append(args, f.Cursor)
	}
	query += " ORDER BY id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var rows []executionRow
	if err := q.list(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*Execution, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toExecution())
	}
	return out, nil
}

// SelectOldestPending returns the oldest pending execution in a lane, or
// nil when the lane is drained. Workers race on the status CAS afterwards.
func (q queries) SelectOldestPending(ctx context.Context, lane string) (*Execution, error) {
	var row executionRow
	err := q.get(ctx, &row, `
		SELECT `+executionColumns+` FROM core_executions
		WHERE status = ? AND lane = ?
		ORDER BY id LIMIT 1`, ExecutionPending, lane)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toExecution(), nil
}

// CASExecutionStatus transitions id from one status to another. It returns
// false when the row was not in the expected status, which is how
// concurrent workers lose the race to run the same execution.
func (q queries) CASExecutionStatus(ctx context.Context, id, from, to string, at time.Time) (bool, error) {
	var set string
	switch to {
	case ExecutionRunning:
		set = "status = ?, started_at = ?"
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionDeadLettered:
		set = "status = ?, completed_at = ?"
	default:
		set = "status = ?, started_at = started_at"
	}
	res, err := q.exec(ctx,
		`UPDATE core_executions SET `+set+` WHERE id = ? AND status = ?`,
		to, formatTime(at), id, from)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkExecutionResult writes the terminal result and error fields.
func (q queries) MarkExecutionResult(ctx context.Context, id, result, errCategory, errMessage string) error {
	_, err := q.exec(ctx, `
		UPDATE core_executions
		SET result = ?, error_category = ?, error_message = ?
		WHERE id = ?`,
		nullString(result), nullString(errCategory), nullString(errMessage), id)
	return err
}

// RequeueExecution moves a failed attempt back to pending, incrementing
// retry_count and clearing attempt timestamps.
func (q queries) RequeueExecution(ctx context.Context, id string) error {
	_, err := q.exec(ctx, `
		UPDATE core_executions
		SET status = ?, retry_count = retry_count + 1,
		    started_at = NULL, completed_at = NULL
		WHERE id = ?`,
		ExecutionPending, id)
	return err
}

// AppendExecutionEvent appends one event to the execution's stream.
func (q queries) AppendExecutionEvent(ctx context.Context, ev *ExecutionEvent) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_execution_events (execution_id, event_type, ts, data)
		VALUES (?, ?, ?, ?)`,
		ev.ExecutionID, ev.Type, formatTime(ev.Timestamp), nullString(ev.Data))
	return err
}

type executionEventRow struct {
	Seq         int64          `db:"id"`
	ExecutionID string         `db:"execution_id"`
	Type        string         `db:"event_type"`
	TS          string         `db:"ts"`
	Data        sql.NullString `db:"data"`
}

// ListExecutionEvents returns events for an execution ordered by timestamp
// then insertion order, optionally after a cursor sequence.
func (q queries) ListExecutionEvents(ctx context.Context, executionID string, afterSeq int64) ([]*ExecutionEvent, error) {
	var rows []executionEventRow
	err := q.list(ctx, &rows, `
		SELECT id, execution_id, event_type, ts, data
		FROM core_execution_events
		WHERE execution_id = ? AND id > ?
		ORDER BY ts, id`, executionID, afterSeq)
	if err != nil {
		return nil, err
	}
	out := make([]*ExecutionEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, &ExecutionEvent{
			Seq:         r.Seq,
			ExecutionID: r.ExecutionID,
			Type:        r.Type,
			Timestamp:   parseTime(r.TS),
			Data:        stringOf(r.Data),
		})
	}
	return out, nil
}

// DeadLetter is the immutable snapshot of an execution that exhausted its
// retries.
type DeadLetter struct {
	ID             string
	ExecutionID    string
	Pipeline       string
	Params         string
	ErrorCategory  string
	ErrorMessage   string
	RetryCount     int
	CreatedAt      time.Time
	ResolvedAt     *time.Time
	ResolvedBy     string
	ResolutionNote string
}

// InsertDeadLetter persists a dead-letter snapshot.
func (q queries) InsertDeadLetter(ctx context.Context, d *DeadLetter) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_dead_letters
			(id, execution_id, pipeline, params, error_category, error_message,
			 retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ExecutionID, d.Pipeline, d.Params,
		nullString(d.ErrorCategory), nullString(d.ErrorMessage),
		d.RetryCount, formatTime(d.CreatedAt))
	return err
}

type deadLetterRow struct {
	ID             string         `db:"id"`
	ExecutionID    string         `db:"execution_id"`
	Pipeline       string         `db:"pipeline"`
	Params         string         `db:"params"`
	ErrorCategory  sql.NullString `db:"error_category"`
	ErrorMessage   sql.NullString `db:"error_message"`
	RetryCount     int            `db:"retry_count"`
	CreatedAt      string         `db:"created_at"`
	ResolvedAt     sql.NullString `db:"resolved_at"`
	ResolvedBy     sql.NullString `db:"resolved_by"`
	ResolutionNote sql.NullString `db:"resolution_note"`
}

func (r deadLetterRow) toDeadLetter() *DeadLetter {
	return &DeadLetter{
		ID:             r.ID,
		ExecutionID:    r.ExecutionID,
		Pipeline:       r.Pipeline,
		Params:         r.Params,
		ErrorCategory:  stringOf(r.ErrorCategory),
		ErrorMessage:   stringOf(r.ErrorMessage),
		RetryCount:     r.RetryCount,
		CreatedAt:      parseTime(r.CreatedAt),
		ResolvedAt:     parseTimePtr(r.ResolvedAt),
		ResolvedBy:     stringOf(r.ResolvedBy),
		ResolutionNote: stringOf(r.ResolutionNote),
	}
}

// GetDeadLetterByExecution retrieves the dead letter for an execution.
func (q queries) GetDeadLetterByExecution(ctx context.Context, executionID string) (*DeadLetter, error) {
	var row deadLetterRow
	err := q.get(ctx, &row, `
		SELECT id, execution_id, pipeline, params, error_category, error_message,
		       retry_count, created_at, resolved_at, resolved_by, resolution_note
		FROM core_dead_letters WHERE execution_id = ?`, executionID)
	if err == sql.ErrNoRows {
		return nil, spineerrors.NotFound("dead letter", executionID)
	}
	if err != nil {
		return nil, err
	}
	return row.toDeadLetter(), nil
}

// ListUnresolvedDeadLetters lists dead letters without a resolution.
func (q queries) ListUnresolvedDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []deadLetterRow
	err := q.list(ctx, &rows, `
		SELECT id, execution_id, pipeline, params, error_category, error_message,
		       retry_count, created_at, resolved_at, resolved_by, resolution_note
		FROM core_dead_letters
		WHERE resolved_at IS NULL
		ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*DeadLetter, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDeadLetter())
	}
	return out, nil
}

// ResolveDeadLetter marks a dead letter resolved. Resolution is the only
// permitted mutation of a dead letter.
func (q queries) ResolveDeadLetter(ctx context.Context, executionID, resolvedBy, note string, at time.Time) error {
	res, err := q.exec(ctx, `
		UPDATE core_dead_letters
		SET resolved_at = ?, resolved_by = ?, resolution_note = ?
		WHERE execution_id = ? AND resolved_at IS NULL`,
		formatTime(at), resolvedBy, nullString(note), executionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return spineerrors.NotFound("unresolved dead letter", executionID)
	}
	return nil
}
