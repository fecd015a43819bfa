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

// Watermark tracks ingestion progress for (domain, source, partition_key).
// LowWater and HighWater are partition-key-shaped strings that compare
// lexicographically (dates in YYYY-MM-DD order, zero-padded sequences).
type Watermark struct {
	Domain       string
	Source       string
	PartitionKey string
	LowWater     string
	HighWater    string
	Metadata     string // JSON
	UpdatedAt    time.Time
}

// AdvanceWatermark raises the high-water mark, never lowering it. The
// low-water mark is set only when previously empty.
func (q queries) AdvanceWatermark(ctx context.Context, w *Watermark) error {
	res, err := q.exec(ctx, `
		UPDATE core_watermarks
		SET high_water = CASE WHEN high_water IS NULL OR high_water < ? THEN ? ELSE high_water END,
		    low_water = COALESCE(low_water, ?),
		    metadata = ?, updated_at = ?
		WHERE domain = ? AND source = ? AND partition_key = ?`,
		w.HighWater, w.HighWater, nullString(w.LowWater),
		w.Metadata, formatTime(w.UpdatedAt),
		w.Domain, w.Source, w.PartitionKey)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = q.exec(ctx, `
		INSERT INTO core_watermarks
			(domain, source, partition_key, low_water, high_water, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.Domain, w.Source, w.PartitionKey, nullString(w.LowWater),
		nullString(w.HighWater), w.Metadata, formatTime(w.UpdatedAt))
	if err != nil && IsConflict(err) {
		// Lost the insert race; the monotone update applies.
		_, err = q.exec(ctx, `
			UPDATE core_watermarks
			SET high_water = CASE WHEN high_water IS NULL OR high_water < ? THEN ? ELSE high_water END,
			    updated_at = ?
			WHERE domain = ? AND source = ? AND partition_key = ?`,
			w.HighWater, w.HighWater, formatTime(w.UpdatedAt),
			w.Domain, w.Source, w.PartitionKey)
	}
	return err
}

// RewindWatermark explicitly lowers the high-water mark. Used when a
// backfill invalidates previously ingested partitions.
func (q queries) RewindWatermark(ctx context.Context, domain, source, partitionKey, highWater string, now time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_watermarks SET high_water = ?, updated_at = ?
		WHERE domain = ? AND source = ? AND partition_key = ?`,
		nullString(highWater), formatTime(now), domain, source, partitionKey)
	return err
}

type watermarkRow struct {
	Domain       string         `db:"domain"`
	Source       string         `db:"source"`
	PartitionKey string         `db:"partition_key"`
	LowWater     sql.NullString `db:"low_water"`
	HighWater    sql.NullString `db:"high_water"`
	Metadata     string         `db:"metadata"`
	UpdatedAt    string         `db:"updated_at"`
}

func (r watermarkRow) toWatermark() *Watermark {
	return &Watermark{
		Domain:       r.Domain,
		Source:       r.Source,
		PartitionKey: r.PartitionKey,
		LowWater:     stringOf(r.LowWater),
		HighWater:    stringOf(r.HighWater),
		Metadata:     r.Metadata,
		UpdatedAt:    parseTime(r.UpdatedAt),
	}
}

// GetWatermark retrieves a watermark, or nil when never advanced.
func (q queries) GetWatermark(ctx context.Context, domain, source, partitionKey string) (*Watermark, error) {
	var row watermarkRow
	err := q.get(ctx, &row, `
		SELECT domain, source, partition_key, low_water, high_water, metadata, updated_at
		FROM core_watermarks
		WHERE domain = ? AND source = ? AND partition_key = ?`,
		domain, source, partitionKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toWatermark(), nil
}

// ListWatermarks returns all watermarks for a domain.
func (q queries) ListWatermarks(ctx context.Context, domain string) ([]*Watermark, error) {
	var rows []watermarkRow
	err := q.list(ctx, &rows, `
		SELECT domain, source, partition_key, low_water, high_water, metadata, updated_at
		FROM core_watermarks
		WHERE domain = ?
		ORDER BY source, partition_key`, domain)
	if err != nil {
		return nil, err
	}
	out := make([]*Watermark, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toWatermark())
	}
	return out, nil
}
