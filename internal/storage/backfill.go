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

// Backfill plan statuses.
const (
	PlanPlanned   = "planned"
	PlanRunning   = "running"
	PlanCompleted = "completed"
	PlanFailed    = "failed"
	PlanCancelled = "cancelled"
)

// BackfillPlan is a resumable plan over a partition-key range.
type BackfillPlan struct {
	PlanID        string
	Domain        string
	Source        string
	RangeStart    string
	RangeEnd      string
	PartitionKeys string // JSON array of planned keys
	CompletedKeys string // JSON array
	FailedKeys    string // JSON object key -> error
	Status        string
	Checkpoint    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const backfillColumns = `plan_id, domain, source, range_start, range_end,
	partition_keys, completed_keys, failed_keys, status, checkpoint,
	created_at, updated_at`

type backfillRow struct {
	PlanID        string         `db:"plan_id"`
	Domain        string         `db:"domain"`
	Source        string         `db:"source"`
	RangeStart    string         `db:"range_start"`
	RangeEnd      string         `db:"range_end"`
	PartitionKeys string         `db:"partition_keys"`
	CompletedKeys string         `db:"completed_keys"`
	FailedKeys    string         `db:"failed_keys"`
	Status        string         `db:"status"`
	Checkpoint    sql.NullString `db:"checkpoint"`
	CreatedAt     string         `db:"created_at"`
	UpdatedAt     string         `db:"updated_at"`
}

func (r backfillRow) toPlan() *BackfillPlan {
	return &BackfillPlan{
		PlanID:        r.PlanID,
		Domain:        r.Domain,
		Source:        r.Source,
		RangeStart:    r.RangeStart,
		RangeEnd:      r.RangeEnd,
		PartitionKeys: r.PartitionKeys,
		CompletedKeys: r.CompletedKeys,
		FailedKeys:    r.FailedKeys,
		Status:        r.Status,
		Checkpoint:    stringOf(r.Checkpoint),
		CreatedAt:     parseTime(r.CreatedAt),
		UpdatedAt:     parseTime(r.UpdatedAt),
	}
}

// InsertBackfillPlan creates a plan record.
func (q queries) InsertBackfillPlan(ctx context.Context, p *BackfillPlan) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_backfill_plans (`+backfillColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PlanID, p.Domain, p.Source, p.RangeStart, p.RangeEnd,
		p.PartitionKeys, p.CompletedKeys, p.FailedKeys, p.Status,
		nullString(p.Checkpoint), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	return err
}

// GetBackfillPlan retrieves a plan by id.
func (q queries) GetBackfillPlan(ctx context.Context, planID string) (*BackfillPlan, error) {
	var row backfillRow
	err := q.get(ctx, &row, `SELECT `+backfillColumns+` FROM core_backfill_plans WHERE plan_id = ?`, planID)
	if err == sql.ErrNoRows {
		return nil, spineerrors.NotFound("backfill plan", planID)
	}
	if err != nil {
		return nil, err
	}
	return row.toPlan(), nil
}

// ListBackfillPlans lists plans, newest first, optionally by domain.
func (q queries) ListBackfillPlans(ctx context.Context, domain string, limit int) ([]*BackfillPlan, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + backfillColumns + ` FROM core_backfill_plans`
	args := []any{}
	if domain != "" {
		query += " WHERE domain = ?"
		args = append(args, domain)
	}
	query += " ORDER BY plan_id DESC LIMIT ?"
	args = append(args, limit)

	var rows []backfillRow
	if err := q.list(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*BackfillPlan, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPlan())
	}
	return out, nil
}

// UpdateBackfillProgress replaces the progress fields on a plan. The
// service layer owns the JSON manipulation; storage writes it whole.
func (q queries) UpdateBackfillProgress(ctx context.Context, planID, completedKeys, failedKeys, status, checkpoint string, now time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_backfill_plans
		SET completed_keys = ?, failed_keys = ?, status = ?, checkpoint = ?, updated_at = ?
		WHERE plan_id = ?`,
		completedKeys, failedKeys, status, nullString(checkpoint),
		formatTime(now), planID)
	return err
}

// CASBackfillStatus transitions a plan's status guarded by the current one.
func (q queries) CASBackfillStatus(ctx context.Context, planID, from, to string, now time.Time) (bool, error) {
	res, err := q.exec(ctx, `
		UPDATE core_backfill_plans SET status = ?, updated_at = ?
		WHERE plan_id = ? AND status = ?`,
		to, formatTime(now), planID, from)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
