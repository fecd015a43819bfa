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

// Package lock provides named distributed locks with TTL over the storage
// adapter. Acquisition is a conditional insert; any contender may sweep an
// expired holder opportunistically.
package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/marketspine/spine/internal/clock"
	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/internal/storage"
)

// Service acquires, extends, and releases concurrency locks.
type Service struct {
	store  *storage.Store
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a lock service with the given default TTL.
func New(store *storage.Store, clk clock.Clock, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{
		store:  store,
		clock:  clk,
		ttl:    ttl,
		logger: log.WithComponent(logger, "lock"),
	}
}

// TTL returns the lease duration granted on acquire and heartbeat.
func (s *Service) TTL() time.Duration { return s.ttl }

// Acquire attempts to take the named lock for an execution. When the
// current holder has expired, the contender clears it and retries once.
// Returns false if a live holder exists.
func (s *Service) Acquire(ctx context.Context, key, executionID string) (bool, error) {
	now := s.clock.Now()
	l := &storage.ConcurrencyLock{
		LockKey:     key,
		ExecutionID: executionID,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(s.ttl),
	}

	ok, err := s.store.TryInsertLock(ctx, l)
	if err != nil || ok {
		return ok, err
	}

	// Opportunistic sweep: a dead holder should not block contenders
	// until the background sweeper notices.
	swept, err := s.store.DeleteExpiredLock(ctx, key, now)
	if err != nil {
		return false, err
	}
	if !swept {
		return false, nil
	}
	s.logger.Debug("swept expired lock during acquire", "lock_key", key)
	return s.store.TryInsertLock(ctx, l)
}

// Holder returns the current lock row, or nil when the key is free.
func (s *Service) Holder(ctx context.Context, key string) (*storage.ConcurrencyLock, error) {
	return s.store.GetLock(ctx, key)
}

// Release frees the lock if held by executionID. Idempotent.
func (s *Service) Release(ctx context.Context, key, executionID string) error {
	return s.store.DeleteLock(ctx, key, executionID)
}

// Heartbeat extends the holder's lease by the service TTL. Returns false
// when the lock is no longer held by executionID, which means the holder
// lost it to expiry and must stop assuming exclusivity.
func (s *Service) Heartbeat(ctx context.Context, key, executionID string) (bool, error) {
	return s.store.ExtendLock(ctx, key, executionID, s.clock.Now().Add(s.ttl))
}

// Sweep deletes all expired locks once.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	return s.store.SweepExpiredLocks(ctx, s.clock.Now())
}

// RunSweeper sweeps expired locks on the given interval until ctx ends.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Warn("lock sweep failed", log.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("swept expired locks", "count", n)
			}
		}
	}
}
