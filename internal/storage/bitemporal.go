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

// BitemporalFact is one version of an entity on two time axes: when the
// fact was true in the market (valid time) and when the system knew it
// (system time). Open intervals have a nil end.
type BitemporalFact struct {
	ID         int64
	EntityKey  string
	ValidFrom  time.Time
	ValidTo    *time.Time
	SystemFrom time.Time
	SystemTo   *time.Time
	Payload    string // JSON
	Provenance string
}

// RecordFact closes the open system interval for the entity and opens a
// new one. Callers run this inside a transaction so the close and open
// land together.
func (q queries) RecordFact(ctx context.Context, f *BitemporalFact, now time.Time) error {
	_, err := q.exec(ctx, `
		UPDATE core_bitemporal_facts SET system_to = ?
		WHERE entity_key = ? AND system_to IS NULL`,
		formatTime(now), f.EntityKey)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `
		INSERT INTO core_bitemporal_facts
			(entity_key, valid_from, valid_to, system_from, system_to, payload, provenance)
		VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		f.EntityKey, formatTime(f.ValidFrom), formatTimePtr(f.ValidTo),
		formatTime(now), f.Payload, nullString(f.Provenance))
	return err
}

type factRow struct {
	ID         int64          `db:"id"`
	EntityKey  string         `db:"entity_key"`
	ValidFrom  string         `db:"valid_from"`
	ValidTo    sql.NullString `db:"valid_to"`
	SystemFrom string         `db:"system_from"`
	SystemTo   sql.NullString `db:"system_to"`
	Payload    string         `db:"payload"`
	Provenance sql.NullString `db:"provenance"`
}

func (r factRow) toFact() *BitemporalFact {
	return &BitemporalFact{
		ID:         r.ID,
		EntityKey:  r.EntityKey,
		ValidFrom:  parseTime(r.ValidFrom),
		ValidTo:    parseTimePtr(r.ValidTo),
		SystemFrom: parseTime(r.SystemFrom),
		SystemTo:   parseTimePtr(r.SystemTo),
		Payload:    r.Payload,
		Provenance: stringOf(r.Provenance),
	}
}

// CurrentFact returns the open-system-interval version of an entity, or
// nil when the entity has never been recorded.
func (q queries) CurrentFact(ctx context.Context, entityKey string) (*BitemporalFact, error) {
	var row factRow
	err := q.get(ctx, &row, `
		SELECT id, entity_key, valid_from, valid_to, system_from, system_to, payload, provenance
		FROM core_bitemporal_facts
		WHERE entity_key = ? AND system_to IS NULL`, entityKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toFact(), nil
}

// FactAsOf returns the version of an entity the system believed at asOf,
// or nil when no version was known then.
func (q queries) FactAsOf(ctx context.Context, entityKey string, asOf time.Time) (*BitemporalFact, error) {
	at := formatTime(asOf)
	var row factRow
	err := q.get(ctx, &row, `
		SELECT id, entity_key, valid_from, valid_to, system_from, system_to, payload, provenance
		FROM core_bitemporal_facts
		WHERE entity_key = ? AND system_from <= ?
		  AND (system_to IS NULL OR system_to > ?)`,
		entityKey, at, at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toFact(), nil
}

// FactHistory returns all versions of an entity in system order.
func (q queries) FactHistory(ctx context.Context, entityKey string) ([]*BitemporalFact, error) {
	var rows []factRow
	err := q.list(ctx, &rows, `
		SELECT id, entity_key, valid_from, valid_to, system_from, system_to, payload, provenance
		FROM core_bitemporal_facts
		WHERE entity_key = ?
		ORDER BY system_from, id`, entityKey)
	if err != nil {
		return nil, err
	}
	out := make([]*BitemporalFact, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toFact())
	}
	return out, nil
}
