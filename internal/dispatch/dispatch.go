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

// Package dispatch owns the execution ledger: it admits runs through
// validation and idempotency, guards them with concurrency locks, drives
// the attempt loop with lane retry policy, and records every transition
// as an append-only event stream.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/marketspine/spine/internal/clock"
	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/internal/lock"
	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/internal/metrics"
	"github.com/marketspine/spine/internal/registry"
	"github.com/marketspine/spine/internal/storage"
	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// Trigger sources recorded on executions.
const (
	TriggerManual    = "manual"
	TriggerScheduler = "scheduler"
	TriggerBackfill  = "backfill"
	TriggerRetry     = "retry"
	TriggerWorkflow  = "workflow"
)

// Notification is the alert payload the dispatcher emits on dead letters.
// The concrete alert bus is injected behind AlertSink so this package does
// not depend on delivery machinery.
type Notification struct {
	Severity string
	Title    string
	Message  string
	Source   string
	Domain   string
	DedupKey string
	Metadata map[string]any
}

// AlertSink receives dispatcher notifications.
type AlertSink interface {
	Notify(ctx context.Context, n Notification)
}

type nopSink struct{}

func (nopSink) Notify(context.Context, Notification) {}

// Dispatcher admits and runs executions.
type Dispatcher struct {
	store   *storage.Store
	reg     *registry.Registry
	locks   *lock.Service
	clock   clock.Clock
	ids     clock.IDs
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	alerts  AlertSink

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	reasons map[string]string
}

// New creates a dispatcher. The alert sink defaults to a no-op until
// SetAlertSink wires the bus in.
func New(store *storage.Store, reg *registry.Registry, locks *lock.Service,
	clk clock.Clock, ids clock.IDs, cfg *config.Config,
	logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		store:   store,
		reg:     reg,
		locks:   locks,
		clock:   clk,
		ids:     ids,
		cfg:     cfg,
		logger:  log.WithComponent(logger, "dispatch"),
		metrics: m,
		alerts:  nopSink{},
		cancels: make(map[string]context.CancelFunc),
		reasons: make(map[string]string),
	}
}

// SetAlertSink installs the alert bus. Called once at composition time.
func (d *Dispatcher) SetAlertSink(sink AlertSink) {
	if sink != nil {
		d.alerts = sink
	}
}

// SubmitRequest describes one requested execution.
type SubmitRequest struct {
	Pipeline      string
	Params        map[string]any
	Lane          string
	TriggerSource string

	// IdempotencyKey overrides the derived sha256(pipeline, canonical
	// params) key. Schedulers use this to key on the fire time instead.
	IdempotencyKey string

	// ParentExecutionID links retries to the execution they replace.
	ParentExecutionID string

	// MaxRetries overrides the lane policy when positive.
	MaxRetries int
}

// Submit validates parameters, applies idempotency, and creates a pending
// execution. When an open execution already holds the idempotency key, it
// is returned unchanged and no new row or event is written.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*storage.Execution, error) {
	spec, err := d.reg.Get(req.Pipeline)
	if err != nil {
		return nil, err
	}
	resolved, err := registry.Validate(spec, req.Params)
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = resolved.IdempotencyKey
	}
	if open, err := d.store.FindOpenByIdempotencyKey(ctx, req.Pipeline, key); err != nil {
		return nil, err
	} else if open != nil {
		d.logger.Debug("submit joined open execution",
			log.PipelineKey, req.Pipeline, log.ExecutionIDKey, open.ID)
		return open, nil
	}

	lane := req.Lane
	if lane == "" {
		lane = "normal"
	}
	trigger := req.TriggerSource
	if trigger == "" {
		trigger = TriggerManual
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.cfg.Lane(lane).MaxRetries
	}
	logicalKey, err := registry.ConcurrencyKey(spec, resolved.Params)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()
	exec := &storage.Execution{
		ID:                d.ids.New(),
		Pipeline:          req.Pipeline,
		Params:            resolved.CanonicalJSON,
		Lane:              lane,
		TriggerSource:     trigger,
		Status:            storage.ExecutionPending,
		CreatedAt:         now,
		ParentExecutionID: req.ParentExecutionID,
		MaxRetries:        maxRetries,
		IdempotencyKey:    key,
		LogicalKey:        logicalKey,
	}

	err = d.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.InsertExecution(ctx, exec); err != nil {
			return err
		}
		return tx.AppendExecutionEvent(ctx, &storage.ExecutionEvent{
			ExecutionID: exec.ID,
			Type:        storage.EventCreated,
			Timestamp:   now,
			Data:        eventData(map[string]any{"trigger_source": trigger}),
		})
	})
	if err != nil {
		if storage.IsConflict(err) {
			// Lost a submit race on the idempotency key.
			if open, lookupErr := d.store.FindOpenByIdempotencyKey(ctx, req.Pipeline, key); lookupErr == nil && open != nil {
				return open, nil
			}
		}
		return nil, err
	}

	d.logger.Info("execution submitted",
		log.ExecutionIDKey, exec.ID,
		log.PipelineKey, exec.Pipeline,
		"lane", lane,
		"trigger_source", trigger)
	return exec, nil
}

// Run drives one execution from pending to a terminal status, including
// in-process retries with lane backoff. Returns a conflict error when the
// execution is not pending or its concurrency lock is held elsewhere.
func (d *Dispatcher) Run(ctx context.Context, executionID string) error {
	exec, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.IsTerminal() {
		return spineerrors.Conflict("execution already terminal: " + exec.Status)
	}

	pipe, err := d.reg.Build(exec.Pipeline)
	if err != nil {
		return err
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(exec.Params), &params); err != nil {
		return spineerrors.Permanent(err, "decoding stored params")
	}

	if exec.LogicalKey != "" {
		acquired, err := d.locks.Acquire(ctx, exec.LogicalKey, exec.ID)
		if err != nil {
			return err
		}
		if !acquired {
			holder, _ := d.locks.Holder(ctx, exec.LogicalKey)
			conflict := spineerrors.Conflict("concurrency lock held: " + exec.LogicalKey)
			if holder != nil {
				conflict = conflict.WithDetail("holder_execution_id", holder.ExecutionID)
			}
			return conflict
		}
		defer func() {
			releaseCtx := context.WithoutCancel(ctx)
			if err := d.locks.Release(releaseCtx, exec.LogicalKey, exec.ID); err != nil {
				d.logger.Warn("lock release failed",
					"lock_key", exec.LogicalKey, log.Error(err))
			}
		}()
	}

	now := d.clock.Now()
	won, err := d.store.CASExecutionStatus(ctx, exec.ID, storage.ExecutionPending, storage.ExecutionRunning, now)
	if err != nil {
		return err
	}
	if !won {
		return spineerrors.Conflict("execution is not pending: " + exec.ID)
	}
	if err := d.appendEvent(ctx, exec.ID, storage.EventStarted, map[string]any{"attempt": exec.RetryCount + 1}); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.trackCancel(exec.ID, cancel)
	defer d.untrackCancel(exec.ID)

	if exec.LogicalKey != "" {
		hbCtx, hbStop := context.WithCancel(runCtx)
		defer hbStop()
		go d.heartbeatLoop(hbCtx, exec.LogicalKey, exec.ID, cancel)
	}

	return d.runAttempts(runCtx, pipe, exec, params)
}

// runAttempts is the attempt loop. The execution is RUNNING on entry.
func (d *Dispatcher) runAttempts(ctx context.Context, pipe registry.Pipeline, exec *storage.Execution, params map[string]any) error {
	lane := d.cfg.Lane(exec.Lane)
	startedAt := d.clock.Now()

	for {
		res, timedOut := d.attempt(ctx, pipe, exec, params, lane)

		if reason, cancelled := d.takeCancelReason(exec.ID); cancelled || ctx.Err() != nil {
			if !cancelled {
				reason = "shutdown"
			}
			return d.finishCancelled(context.WithoutCancel(ctx), exec, reason)
		}

		if res.Status == registry.RunCompleted {
			return d.finishCompleted(ctx, exec, res, startedAt)
		}

		category, message := failureOf(res, timedOut)
		retryable := category == string(spineerrors.CategoryTransient)

		if retryable && exec.RetryCount < exec.MaxRetries {
			delay := laneBackoff(lane, exec.RetryCount)
			if err := d.scheduleRetry(ctx, exec, message, delay); err != nil {
				return err
			}
			exec.RetryCount++

			select {
			case <-ctx.Done():
				if reason, ok := d.takeCancelReason(exec.ID); ok {
					return d.cancelPending(context.WithoutCancel(ctx), exec, reason)
				}
				// Shutdown during backoff leaves the row pending for the
				// next process to pick up.
				return ctx.Err()
			case <-time.After(delay):
			}

			won, err := d.store.CASExecutionStatus(ctx, exec.ID, storage.ExecutionPending, storage.ExecutionRunning, d.clock.Now())
			if err != nil {
				return err
			}
			if !won {
				// Another worker or a cancel claimed the pending row.
				return nil
			}
			if err := d.appendEvent(ctx, exec.ID, storage.EventStarted, map[string]any{"attempt": exec.RetryCount + 1}); err != nil {
				return err
			}
			continue
		}

		if retryable {
			return d.finishDeadLettered(ctx, exec, category, message, startedAt)
		}
		return d.finishFailed(ctx, exec, category, message, startedAt)
	}
}

// attempt runs the pipeline once under the lane timeout.
func (d *Dispatcher) attempt(ctx context.Context, pipe registry.Pipeline, exec *storage.Execution, params map[string]any, lane config.LaneConfig) (registry.RunResult, bool) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if lane.TimeoutMS > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(lane.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	res := pipe.Run(attemptCtx, registry.RunRequest{
		Params:      params,
		ExecutionID: exec.ID,
		StartedAt:   d.clock.Now(),
		Logger:      d.logger.With(log.ExecutionIDKey, exec.ID, log.PipelineKey, exec.Pipeline),
	})

	timedOut := attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	return res, timedOut
}

// failureOf normalizes a failed RunResult into (category, message).
func failureOf(res registry.RunResult, timedOut bool) (string, string) {
	category := string(spineerrors.CategoryPermanent)
	message := "pipeline reported failure"
	if res.Error != nil {
		if res.Error.Category != "" {
			category = res.Error.Category
		}
		if res.Error.Message != "" {
			message = res.Error.Message
		}
	}
	if timedOut {
		category = string(spineerrors.CategoryTimeout)
		message = "attempt exceeded lane timeout"
	}
	return category, message
}

func (d *Dispatcher) finishCompleted(ctx context.Context, exec *storage.Execution, res registry.RunResult, startedAt time.Time) error {
	now := d.clock.Now()
	result := eventData(map[string]any{
		"rows_processed": res.RowsProcessed,
		"metrics":        res.Metrics,
	})
	err := d.store.InTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.CASExecutionStatus(ctx, exec.ID, storage.ExecutionRunning, storage.ExecutionCompleted, now); err != nil {
			return err
		}
		if err := tx.MarkExecutionResult(ctx, exec.ID, result, "", ""); err != nil {
			return err
		}
		return tx.AppendExecutionEvent(ctx, &storage.ExecutionEvent{
			ExecutionID: exec.ID,
			Type:        storage.EventCompleted,
			Timestamp:   now,
			Data:        result,
		})
	})
	if err != nil {
		return err
	}
	d.observeTerminal(exec, storage.ExecutionCompleted, startedAt)
	d.logger.Info("execution completed",
		log.ExecutionIDKey, exec.ID,
		log.PipelineKey, exec.Pipeline,
		"rows_processed", res.RowsProcessed)
	return nil
}

func (d *Dispatcher) finishFailed(ctx context.Context, exec *storage.Execution, category, message string, startedAt time.Time) error {
	now := d.clock.Now()
	err := d.store.InTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.CASExecutionStatus(ctx, exec.ID, storage.ExecutionRunning, storage.ExecutionFailed, now); err != nil {
			return err
		}
		if err := tx.MarkExecutionResult(ctx, exec.ID, "", category, message); err != nil {
			return err
		}
		return tx.AppendExecutionEvent(ctx, &storage.ExecutionEvent{
			ExecutionID: exec.ID,
			Type:        storage.EventFailed,
			Timestamp:   now,
			Data:        eventData(map[string]any{"category": category, "message": message, "terminal": true}),
		})
	})
	if err != nil {
		return err
	}
	d.observeTerminal(exec, storage.ExecutionFailed, startedAt)
	d.logger.Error("execution failed",
		log.ExecutionIDKey, exec.ID,
		log.PipelineKey, exec.Pipeline,
		"category", category,
		"error", message)
	return nil
}

// finishDeadLettered writes the dead letter in the same transaction as the
// terminal transition so the snapshot can never be lost between them.
func (d *Dispatcher) finishDeadLettered(ctx context.Context, exec *storage.Execution, category, message string, startedAt time.Time) error {
	now := d.clock.Now()
	err := d.store.InTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.CASExecutionStatus(ctx, exec.ID, storage.ExecutionRunning, storage.ExecutionDeadLettered, now); err != nil {
			return err
		}
		if err := tx.MarkExecutionResult(ctx, exec.ID, "", category, message); err != nil {
			return err
		}
		if err := tx.AppendExecutionEvent(ctx, &storage.ExecutionEvent{
			ExecutionID: exec.ID,
			Type:        storage.EventFailed,
			Timestamp:   now,
			Data:        eventData(map[string]any{"category": category, "message": message}),
		}); err != nil {
			return err
		}
		if err := tx.AppendExecutionEvent(ctx, &storage.ExecutionEvent{
			ExecutionID: exec.ID,
			Type:        storage.EventDeadLettered,
			Timestamp:   now,
			Data:        eventData(map[string]any{"retry_count": exec.RetryCount}),
		}); err != nil {
			return err
		}
		return tx.InsertDeadLetter(ctx, &storage.DeadLetter{
			ID:            d.ids.New(),
			ExecutionID:   exec.ID,
			Pipeline:      exec.Pipeline,
			Params:        exec.Params,
			ErrorCategory: category,
			ErrorMessage:  message,
			RetryCount:    exec.RetryCount,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return err
	}

	d.observeTerminal(exec, storage.ExecutionDeadLettered, startedAt)
	d.metrics.DeadLettersTotal.WithLabelValues(exec.Pipeline).Inc()
	d.logger.Error("execution dead-lettered",
		log.ExecutionIDKey, exec.ID,
		log.PipelineKey, exec.Pipeline,
		"retry_count", exec.RetryCount,
		"error", message)

	d.alerts.Notify(ctx, Notification{
		Severity: "CRITICAL",
		Title:    "execution dead-lettered: " + exec.Pipeline,
		Message:  message,
		Source:   "dispatcher",
		DedupKey: "dead_letter:" + exec.Pipeline,
		Metadata: map[string]any{
			"execution_id": exec.ID,
			"retry_count":  exec.RetryCount,
			"category":     category,
		},
	})
	return nil
}

func (d *Dispatcher) finishCancelled(ctx context.Context, exec *storage.Execution, reason string) error {
	now := d.clock.Now()
	err := d.store.InTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.CASExecutionStatus(ctx, exec.ID, storage.ExecutionRunning, storage.ExecutionCancelled, now); err != nil {
			return err
		}
		return tx.AppendExecutionEvent(ctx, &storage.ExecutionEvent{
			ExecutionID: exec.ID,
			Type:        storage.EventCancelled,
			Timestamp:   now,
			Data:        eventData(map[string]any{"reason": reason}),
		})
	})
	if err != nil {
		return err
	}
	d.metrics.ExecutionsTotal.WithLabelValues(exec.Pipeline, storage.ExecutionCancelled).Inc()
	d.logger.Info("execution cancelled",
		log.ExecutionIDKey, exec.ID, "reason", reason)
	return nil
}

// cancelPending handles a cancel that lands during a retry backoff, when
// the execution sits in PENDING rather than RUNNING.
func (d *Dispatcher) cancelPending(ctx context.Context, exec *storage.Execution, reason string) error {
	now := d.clock.Now()
	return d.store.InTx(ctx, func(tx *storage.Tx) error {
		won, err := tx.CASExecutionStatus(ctx, exec.ID, storage.ExecutionPending, storage.ExecutionCancelled, now)
		if err != nil || !won {
			return err
		}
		return tx.AppendExecutionEvent(ctx, &storage.ExecutionEvent{
			ExecutionID: exec.ID,
			Type:        storage.EventCancelled,
			Timestamp:   now,
			Data:        eventData(map[string]any{"reason": reason}),
		})
	})
}

// scheduleRetry appends failed and retrying events and requeues the row.
func (d *Dispatcher) scheduleRetry(ctx context.Context, exec *storage.Execution, message string, delay time.Duration) error {
	now := d.clock.Now()
	err := d.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.AppendExecutionEvent(ctx, &storage.ExecutionEvent{
			ExecutionID: exec.ID,
			Type:        storage.EventFailed,
			Timestamp:   now,
			Data:        eventData(map[string]any{"category": string(spineerrors.CategoryTransient), "message": message}),
		}); err != nil {
			return err
		}
		if err := tx.AppendExecutionEvent(ctx, &storage.ExecutionEvent{
			ExecutionID: exec.ID,
			Type:        storage.EventRetrying,
			Timestamp:   now,
			Data: eventData(map[string]any{
				"attempt":  exec.RetryCount + 1,
				"delay_ms": delay.Milliseconds(),
			}),
		}); err != nil {
			return err
		}
		return tx.RequeueExecution(ctx, exec.ID)
	})
	if err != nil {
		return err
	}
	d.metrics.RetriesTotal.WithLabelValues(exec.Pipeline, exec.Lane).Inc()
	d.logger.Warn("execution attempt failed, retrying",
		log.ExecutionIDKey, exec.ID,
		"attempt", exec.RetryCount+1,
		"delay", delay.String(),
		"error", message)
	return nil
}

// Cancel requests cancellation. Pending executions transition immediately;
// running executions are signalled through their cancellation token and
// transition when the pipeline yields.
func (d *Dispatcher) Cancel(ctx context.Context, executionID, reason string) error {
	exec, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	switch exec.Status {
	case storage.ExecutionPending:
		return d.cancelPending(ctx, exec, reason)
	case storage.ExecutionRunning:
		if d.requestCancel(executionID, reason) {
			return nil
		}
		return spineerrors.Conflict("execution is running in another process: " + executionID)
	default:
		return spineerrors.Conflict("execution already terminal: " + exec.Status)
	}
}

// Retry creates a fresh execution from a failed or dead-lettered one,
// linked through parent_execution_id.
func (d *Dispatcher) Retry(ctx context.Context, executionID string) (*storage.Execution, error) {
	exec, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != storage.ExecutionFailed && exec.Status != storage.ExecutionDeadLettered {
		return nil, spineerrors.Conflict("only failed or dead-lettered executions can be retried, got " + exec.Status)
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(exec.Params), &params); err != nil {
		return nil, spineerrors.Permanent(err, "decoding stored params")
	}
	return d.Submit(ctx, SubmitRequest{
		Pipeline:          exec.Pipeline,
		Params:            params,
		Lane:              exec.Lane,
		TriggerSource:     TriggerRetry,
		ParentExecutionID: exec.ID,
		MaxRetries:        exec.MaxRetries,
	})
}

// Get returns one execution.
func (d *Dispatcher) Get(ctx context.Context, executionID string) (*storage.Execution, error) {
	return d.store.GetExecution(ctx, executionID)
}

// List lists executions for the API surface.
func (d *Dispatcher) List(ctx context.Context, f storage.ExecutionFilter) ([]*storage.Execution, error) {
	return d.store.ListExecutions(ctx, f)
}

// Events returns the event stream for an execution.
func (d *Dispatcher) Events(ctx context.Context, executionID string, afterSeq int64) ([]*storage.ExecutionEvent, error) {
	return d.store.ListExecutionEvents(ctx, executionID, afterSeq)
}

// DeadLetters lists unresolved dead letters.
func (d *Dispatcher) DeadLetters(ctx context.Context, limit int) ([]*storage.DeadLetter, error) {
	return d.store.ListUnresolvedDeadLetters(ctx, limit)
}

// ResolveDeadLetter marks a dead letter handled.
func (d *Dispatcher) ResolveDeadLetter(ctx context.Context, executionID, resolvedBy, note string) error {
	return d.store.ResolveDeadLetter(ctx, executionID, resolvedBy, note, d.clock.Now())
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context, lockKey, executionID string, onLost context.CancelFunc) {
	interval := d.locks.TTL() / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := d.locks.Heartbeat(ctx, lockKey, executionID)
			if err != nil {
				d.logger.Warn("lock heartbeat failed", "lock_key", lockKey, log.Error(err))
				continue
			}
			if !held {
				d.logger.Error("concurrency lock lost, aborting attempt",
					"lock_key", lockKey, log.ExecutionIDKey, executionID)
				d.requestCancel(executionID, "concurrency lock lost")
				onLost()
				return
			}
		}
	}
}

func (d *Dispatcher) appendEvent(ctx context.Context, executionID, eventType string, data map[string]any) error {
	return d.store.AppendExecutionEvent(ctx, &storage.ExecutionEvent{
		ExecutionID: executionID,
		Type:        eventType,
		Timestamp:   d.clock.Now(),
		Data:        eventData(data),
	})
}

func (d *Dispatcher) observeTerminal(exec *storage.Execution, status string, startedAt time.Time) {
	d.metrics.ExecutionsTotal.WithLabelValues(exec.Pipeline, status).Inc()
	d.metrics.ExecutionSeconds.WithLabelValues(exec.Pipeline).
		Observe(d.clock.Now().Sub(startedAt).Seconds())
}

func (d *Dispatcher) trackCancel(executionID string, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels[executionID] = cancel
}

func (d *Dispatcher) untrackCancel(executionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cancels, executionID)
	delete(d.reasons, executionID)
}

// requestCancel flips the token for a running execution. Returns false
// when this process is not running it.
func (d *Dispatcher) requestCancel(executionID, reason string) bool {
	d.mu.Lock()
	cancel, ok := d.cancels[executionID]
	if ok {
		d.reasons[executionID] = reason
	}
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (d *Dispatcher) takeCancelReason(executionID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reason, ok := d.reasons[executionID]
	if ok {
		delete(d.reasons, executionID)
		if reason == "" {
			reason = "cancelled by operator"
		}
	}
	return reason, ok
}

// laneBackoff computes min(base * 2^attempt, cap) with jitter.
func laneBackoff(lane config.LaneConfig, attempt int) time.Duration {
	base := time.Duration(lane.BackoffBaseMS) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	capDelay := time.Duration(lane.BackoffCapMS) * time.Millisecond
	if capDelay < base {
		capDelay = base
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > capDelay {
		delay = capDelay
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/4+1))
}

func eventData(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}
