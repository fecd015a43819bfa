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

// Package storage is the SQL adapter for the Market Spine core. It exposes
// typed operations over the core_* schema; no SQL appears above this
// package. Three dialects of the same schema are supported: sqlite for
// embedded and test use, postgres, and mysql.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// Dialect identifies a supported SQL dialect.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

//go:embed migrations
var migrationsFS embed.FS

// Config contains storage connection configuration.
type Config struct {
	// Dialect selects the SQL dialect.
	Dialect Dialect

	// URL is the connection string (file path for sqlite).
	URL string

	// MaxOpenConns bounds the connection pool. SQLite is forced to 1.
	MaxOpenConns int

	// MaxIdleConns bounds idle pooled connections.
	MaxIdleConns int
}

// Store is the storage adapter. All methods are safe for concurrent use;
// the pool never holds a connection across a caller's suspension point.
type Store struct {
	queries
	db *sqlx.DB
}

// Tx is a transaction handle exposing the same typed operations as Store.
type Tx struct {
	queries
	tx *sqlx.Tx
}

// queries holds the shared executor so that every typed operation works
// identically inside and outside a transaction.
type queries struct {
	ext     sqlx.ExtContext
	dialect Dialect
}

// Open connects to the database, configures the pool, and runs migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	driver, dsn, err := driverFor(cfg.Dialect, cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, spineerrors.Wrapf(err, "opening %s database", cfg.Dialect)
	}

	if cfg.Dialect == DialectSQLite {
		// SQLite serializes writes; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, spineerrors.Transient(err, "connecting to database")
	}

	s := &Store{queries: queries{ext: db, dialect: cfg.Dialect}, db: db}

	if cfg.Dialect == DialectSQLite {
		if err := s.configurePragmas(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// driverFor maps a dialect to its driver name and DSN.
func driverFor(d Dialect, url string) (driver, dsn string, err error) {
	switch d {
	case DialectSQLite:
		return "sqlite", url, nil
	case DialectPostgres:
		return "pgx", url, nil
	case DialectMySQL:
		return "mysql", url, nil
	default:
		return "", "", spineerrors.Validation("database.dialect", fmt.Sprintf("unsupported dialect %q", d))
	}
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return spineerrors.Wrapf(err, "executing %s", pragma)
		}
	}
	return nil
}

// migrate applies the embedded schema migrations for the active dialect.
// Applied versions are tracked in the _migrations table.
func (s *Store) migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+string(s.dialect))
	if err != nil {
		return spineerrors.Wrap(err, "locating migrations")
	}

	gooseDialect := string(s.dialect)
	if s.dialect == DialectSQLite {
		gooseDialect = "sqlite3"
	}

	provider, err := goose.NewProvider(goose.Dialect(gooseDialect), s.db.DB, sub,
		goose.WithTableName("_migrations"))
	if err != nil {
		return spineerrors.Wrap(err, "creating migration provider")
	}
	if _, err := provider.Up(ctx); err != nil {
		return spineerrors.Wrap(err, "running migrations")
	}
	return nil
}

// InTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. Multi-statement invariants (execution + created event,
// terminal status + dead letter) rely on this boundary.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return normalize(err)
	}
	t := &Tx{queries: queries{ext: tx, dialect: s.dialect}, tx: tx}
	if err := fn(t); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return normalize(err)
	}
	return nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts `?` placeholders to the active dialect's form.
func (q queries) rebind(query string) string {
	return sqlx.Rebind(sqlx.BindType(bindDriver(q.dialect)), query)
}

func bindDriver(d Dialect) string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectMySQL:
		return "mysql"
	default:
		return "sqlite3"
	}
}

// exec runs a rebound statement and normalizes the error.
func (q queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := q.ext.ExecContext(ctx, q.rebind(query), args...)
	if err != nil {
		return nil, normalize(err)
	}
	return res, nil
}

// get scans a single row into dest, returning sql.ErrNoRows untouched so
// callers can translate it to a domain not_found.
func (q queries) get(ctx context.Context, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, q.ext, dest, q.rebind(query), args...)
	if err != nil && err != sql.ErrNoRows {
		return normalize(err)
	}
	return err
}

// list scans all rows into dest.
func (q queries) list(ctx context.Context, dest any, query string, args ...any) error {
	if err := sqlx.SelectContext(ctx, q.ext, dest, q.rebind(query), args...); err != nil {
		return normalize(err)
	}
	return nil
}

// Timestamps are stored as RFC3339Nano UTC strings in every dialect so the
// three schemas stay semantically equivalent.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringOf(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}
