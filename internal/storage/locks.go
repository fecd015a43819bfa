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

// ConcurrencyLock is a named distributed lock row with a TTL.
type ConcurrencyLock struct {
	LockKey     string
	ExecutionID string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
}

// TryInsertLock attempts the conditional insert that backs lock
// acquisition. It returns false on a conflict with a live holder.
func (q queries) TryInsertLock(ctx context.Context, l *ConcurrencyLock) (bool, error) {
	_, err := q.exec(ctx, `
		INSERT INTO core_concurrency_locks (lock_key, execution_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		l.LockKey, l.ExecutionID, formatTime(l.AcquiredAt), formatTime(l.ExpiresAt))
	if err != nil {
		if IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetLock retrieves a lock row, or nil when absent.
func (q queries) GetLock(ctx context.Context, lockKey string) (*ConcurrencyLock, error) {
	var row struct {
		LockKey     string `db:"lock_key"`
		ExecutionID string `db:"execution_id"`
		AcquiredAt  string `db:"acquired_at"`
		ExpiresAt   string `db:"expires_at"`
	}
	err := q.get(ctx, &row, `
		SELECT lock_key, execution_id, acquired_at, expires_at
		FROM core_concurrency_locks WHERE lock_key = ?`, lockKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ConcurrencyLock{
		LockKey:     row.LockKey,
		ExecutionID: row.ExecutionID,
		AcquiredAt:  parseTime(row.AcquiredAt),
		ExpiresAt:   parseTime(row.ExpiresAt),
	}, nil
}

// DeleteLock releases a lock held by executionID. Idempotent.
func (q queries) DeleteLock(ctx context.Context, lockKey, executionID string) error {
	_, err := q.exec(ctx, `
		DELETE FROM core_concurrency_locks
		WHERE lock_key = ? AND execution_id = ?`, lockKey, executionID)
	return err
}

// DeleteExpiredLock removes a lock only if it has expired, clearing the way
// for a contender. Returns true when a row was removed.
func (q queries) DeleteExpiredLock(ctx context.Context, lockKey string, now time.Time) (bool, error) {
	res, err := q.exec(ctx, `
		DELETE FROM core_concurrency_locks
		WHERE lock_key = ? AND expires_at <= ?`, lockKey, formatTime(now))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExtendLock pushes expires_at forward for a held lock (heartbeat).
func (q queries) ExtendLock(ctx context.Context, lockKey, executionID string, expiresAt time.Time) (bool, error) {
	res, err := q.exec(ctx, `
		UPDATE core_concurrency_locks SET expires_at = ?
		WHERE lock_key = ? AND execution_id = ?`,
		formatTime(expiresAt), lockKey, executionID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SweepExpiredLocks deletes all expired lock rows and returns the count.
func (q queries) SweepExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.exec(ctx, `
		DELETE FROM core_concurrency_locks WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ScheduleLock rows have the same shape as concurrency locks, scoped to a
// schedule name so only one scheduler instance evaluates it at a time.

// TryInsertScheduleLock attempts to take the per-schedule mutex.
func (q queries) TryInsertScheduleLock(ctx context.Context, name, owner string, acquiredAt, expiresAt time.Time) (bool, error) {
	_, err := q.exec(ctx, `
		INSERT INTO core_schedule_locks (schedule_name, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		name, owner, formatTime(acquiredAt), formatTime(expiresAt))
	if err != nil {
		if IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteScheduleLock releases a schedule lock held by owner. Idempotent.
func (q queries) DeleteScheduleLock(ctx context.Context, name, owner string) error {
	_, err := q.exec(ctx, `
		DELETE FROM core_schedule_locks
		WHERE schedule_name = ? AND owner = ?`, name, owner)
	return err
}

// DeleteExpiredScheduleLock clears a stale schedule lock.
func (q queries) DeleteExpiredScheduleLock(ctx context.Context, name string, now time.Time) (bool, error) {
	res, err := q.exec(ctx, `
		DELETE FROM core_schedule_locks
		WHERE schedule_name = ? AND expires_at <= ?`, name, formatTime(now))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
