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

// Source fetch statuses.
const (
	FetchOK          = "ok"
	FetchNotModified = "not_modified"
	FetchError       = "error"
)

// Source is a registered upstream data source.
type Source struct {
	Name      string
	Domain    string
	URL       string
	Kind      string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertSource registers or updates a source by name.
func (q queries) UpsertSource(ctx context.Context, s *Source) error {
	res, err := q.exec(ctx, `
		UPDATE core_sources
		SET domain = ?, url = ?, kind = ?, enabled = ?, updated_at = ?
		WHERE name = ?`,
		s.Domain, s.URL, s.Kind, boolInt(s.Enabled), formatTime(s.UpdatedAt), s.Name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = q.exec(ctx, `
		INSERT INTO core_sources (name, domain, url, kind, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.Name, s.Domain, s.URL, s.Kind, boolInt(s.Enabled),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	return err
}

type sourceRow struct {
	Name      string `db:"name"`
	Domain    string `db:"domain"`
	URL       string `db:"url"`
	Kind      string `db:"kind"`
	Enabled   int    `db:"enabled"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (r sourceRow) toSource() *Source {
	return &Source{
		Name:      r.Name,
		Domain:    r.Domain,
		URL:       r.URL,
		Kind:      r.Kind,
		Enabled:   r.Enabled == 1,
		CreatedAt: parseTime(r.CreatedAt),
		UpdatedAt: parseTime(r.UpdatedAt),
	}
}

// GetSource retrieves a source by name.
func (q queries) GetSource(ctx context.Context, name string) (*Source, error) {
	var row sourceRow
	err := q.get(ctx, &row, `
		SELECT name, domain, url, kind, enabled, created_at, updated_at
		FROM core_sources WHERE name = ?`, name)
	if err == sql.ErrNoRows {
		return nil, spineerrors.NotFound("source", name)
	}
	if err != nil {
		return nil, err
	}
	return row.toSource(), nil
}

// ListSources returns all sources, optionally filtered by domain.
func (q queries) ListSources(ctx context.Context, domain string) ([]*Source, error) {
	query := `SELECT name, domain, url, kind, enabled, created_at, updated_at FROM core_sources`
	args := []any{}
	if domain != "" {
		query += " WHERE domain = ?"
		args = append(args, domain)
	}
	query += " ORDER BY name"
	var rows []sourceRow
	if err := q.list(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*Source, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSource())
	}
	return out, nil
}

// SourceFetch records one fetch attempt against a source.
type SourceFetch struct {
	ID           int64
	SourceName   string
	FetchedAt    time.Time
	Status       string
	ContentHash  string
	ETag         string
	LastModified string
	Bytes        int64
	Error        string
}

// InsertSourceFetch appends a fetch record.
func (q queries) InsertSourceFetch(ctx context.Context, f *SourceFetch) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_source_fetches
			(source_name, fetched_at, status, content_hash, etag, last_modified, bytes, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.SourceName, formatTime(f.FetchedAt), f.Status,
		nullString(f.ContentHash), nullString(f.ETag), nullString(f.LastModified),
		f.Bytes, nullString(f.Error))
	return err
}

// LastSourceFetch returns the most recent fetch for a source, or nil.
func (q queries) LastSourceFetch(ctx context.Context, sourceName string) (*SourceFetch, error) {
	var row struct {
		ID           int64          `db:"id"`
		SourceName   string         `db:"source_name"`
		FetchedAt    string         `db:"fetched_at"`
		Status       string         `db:"status"`
		ContentHash  sql.NullString `db:"content_hash"`
		ETag         sql.NullString `db:"etag"`
		LastModified sql.NullString `db:"last_modified"`
		Bytes        int64          `db:"bytes"`
		Error        sql.NullString `db:"error"`
	}
	err := q.get(ctx, &row, `
		SELECT id, source_name, fetched_at, status, content_hash, etag,
		       last_modified, bytes, error
		FROM core_source_fetches
		WHERE source_name = ?
		ORDER BY fetched_at DESC, id DESC LIMIT 1`, sourceName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &SourceFetch{
		ID:           row.ID,
		SourceName:   row.SourceName,
		FetchedAt:    parseTime(row.FetchedAt),
		Status:       row.Status,
		ContentHash:  stringOf(row.ContentHash),
		ETag:         stringOf(row.ETag),
		LastModified: stringOf(row.LastModified),
		Bytes:        row.Bytes,
		Error:        stringOf(row.Error),
	}, nil
}

// PutSourceCache stores a fetched payload keyed by content hash. Re-storing
// the same hash is a no-op.
func (q queries) PutSourceCache(ctx context.Context, contentHash, sourceName string, payload []byte, now time.Time) error {
	_, err := q.exec(ctx, `
		INSERT INTO core_source_cache (content_hash, source_name, payload, stored_at)
		VALUES (?, ?, ?, ?)`,
		contentHash, sourceName, payload, formatTime(now))
	if err != nil && IsConflict(err) {
		return nil
	}
	return err
}

// GetSourceCache returns a cached payload, or nil when the hash is unknown.
func (q queries) GetSourceCache(ctx context.Context, contentHash string) ([]byte, error) {
	var payload []byte
	err := q.get(ctx, &payload, `
		SELECT payload FROM core_source_cache WHERE content_hash = ?`, contentHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// DatabaseConnection is a named downstream connection pipelines may target.
type DatabaseConnection struct {
	Name      string
	Dialect   string
	URL       string
	Enabled   bool
	CreatedAt time.Time
}

// UpsertDatabaseConnection registers or updates a named connection.
func (q queries) UpsertDatabaseConnection(ctx context.Context, c *DatabaseConnection) error {
	res, err := q.exec(ctx, `
		UPDATE core_database_connections SET dialect = ?, url = ?, enabled = ?
		WHERE name = ?`,
		c.Dialect, c.URL, boolInt(c.Enabled), c.Name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = q.exec(ctx, `
		INSERT INTO core_database_connections (name, dialect, url, enabled, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.Name, c.Dialect, c.URL, boolInt(c.Enabled), formatTime(c.CreatedAt))
	return err
}

// GetDatabaseConnection retrieves a named connection.
func (q queries) GetDatabaseConnection(ctx context.Context, name string) (*DatabaseConnection, error) {
	var row struct {
		Name      string `db:"name"`
		Dialect   string `db:"dialect"`
		URL       string `db:"url"`
		Enabled   int    `db:"enabled"`
		CreatedAt string `db:"created_at"`
	}
	err := q.get(ctx, &row, `
		SELECT name, dialect, url, enabled, created_at
		FROM core_database_connections WHERE name = ?`, name)
	if err == sql.ErrNoRows {
		return nil, spineerrors.NotFound("database connection", name)
	}
	if err != nil {
		return nil, err
	}
	return &DatabaseConnection{
		Name:      row.Name,
		Dialect:   row.Dialect,
		URL:       row.URL,
		Enabled:   row.Enabled == 1,
		CreatedAt: parseTime(row.CreatedAt),
	}, nil
}
