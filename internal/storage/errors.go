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
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// normalize maps driver errors onto the bounded taxonomy surfaced by the
// adapter: constraint violations become conflict, connection and
// serialization failures become transient, everything else permanent.
// Callers re-raise conflict as the appropriate domain error.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return spineerrors.Timeout("storage operation")
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return spineerrors.Conflict(pgErr.Message)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return spineerrors.Transient(err, "postgres serialization conflict")
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" { // connection exceptions
			return spineerrors.Transient(err, "postgres connection failure")
		}
		return spineerrors.Permanent(err, "postgres error")
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062: // ER_DUP_ENTRY
			return spineerrors.Conflict(myErr.Message)
		case 1213, 1205: // deadlock, lock wait timeout
			return spineerrors.Transient(err, "mysql lock conflict")
		}
		return spineerrors.Permanent(err, "mysql error")
	}

	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() {
		case sqlitelib.SQLITE_CONSTRAINT,
			sqlitelib.SQLITE_CONSTRAINT_UNIQUE,
			sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return spineerrors.Conflict(sqErr.Error())
		case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
			return spineerrors.Transient(err, "sqlite busy")
		}
		return spineerrors.Permanent(err, "sqlite error")
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return spineerrors.Transient(err, "connection lost")
	}
	return spineerrors.Permanent(err, "storage error")
}

// IsConflict reports whether err is a constraint-conflict from the adapter.
func IsConflict(err error) bool {
	return spineerrors.IsCategory(err, spineerrors.CategoryConflict)
}

// IsNotFound reports whether err indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) ||
		spineerrors.IsCategory(err, spineerrors.CategoryNotFound)
}
