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

// Package scheduler evaluates cron, interval, and one-shot schedules and
// turns due fire-times into schedule runs, coalescing and misfire
// handling included. Each schedule is evaluated under a per-schedule lock
// so concurrent scheduler instances never double-emit.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/marketspine/spine/internal/clock"
	"github.com/marketspine/spine/internal/config"
	"github.com/marketspine/spine/internal/dispatch"
	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/internal/metrics"
	"github.com/marketspine/spine/internal/storage"
	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// Schedule target types.
const (
	TargetPipeline = "pipeline"
	TargetWorkflow = "workflow"
)

// Skip reasons recorded on missed schedule runs.
const (
	SkipCoalesced    = "coalesced"
	SkipOutsideGrace = "outside_grace"
)

// maxFiresPerEvaluation bounds catch-up expansion within one pass.
const maxFiresPerEvaluation = 1000

// PipelineSubmitter admits pipeline executions. Satisfied by the
// dispatcher.
type PipelineSubmitter interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (*storage.Execution, error)
}

// WorkflowStarter starts workflow runs for workflow-targeted schedules.
type WorkflowStarter interface {
	StartRun(ctx context.Context, workflow string, params map[string]any, trigger string) (string, error)
}

// Service owns schedule registration and evaluation.
type Service struct {
	store     *storage.Store
	submitter PipelineSubmitter
	workflows WorkflowStarter
	clock     clock.Clock
	ids       clock.IDs
	cfg       config.SchedulerConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// owner identifies this scheduler instance in schedule locks.
	owner string
}

// New creates a scheduler service.
func New(store *storage.Store, submitter PipelineSubmitter, clk clock.Clock,
	ids clock.IDs, cfg config.SchedulerConfig, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:     store,
		submitter: submitter,
		clock:     clk,
		ids:       ids,
		cfg:       cfg,
		logger:    log.WithComponent(logger, "scheduler"),
		metrics:   m,
		owner:     ids.New(),
	}
}

// SetWorkflowStarter wires the workflow runner in at composition time.
func (s *Service) SetWorkflowStarter(w WorkflowStarter) {
	s.workflows = w
}

// Upsert validates and registers a schedule. A nil NextRunAt is computed
// from now so the schedule becomes due at its first natural fire-time.
func (s *Service) Upsert(ctx context.Context, sched *storage.Schedule) error {
	if sched.Name == "" {
		return spineerrors.Validation("name", "must not be empty")
	}
	switch sched.TargetType {
	case TargetPipeline, TargetWorkflow:
	default:
		return spineerrors.Validation("target_type", "must be pipeline or workflow")
	}
	loc, err := s.location(sched)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	switch sched.ScheduleType {
	case storage.ScheduleTypeCron:
		cron, err := ParseCron(sched.Expression)
		if err != nil {
			return err
		}
		if sched.NextRunAt == nil {
			next := cron.Next(now.In(loc))
			sched.NextRunAt = &next
		}
	case storage.ScheduleTypeInterval:
		iv, err := intervalOf(sched.Expression)
		if err != nil {
			return err
		}
		if sched.NextRunAt == nil {
			next := now.Add(iv)
			sched.NextRunAt = &next
		}
	case storage.ScheduleTypeAt:
		at, err := time.Parse(time.RFC3339, sched.Expression)
		if err != nil {
			return spineerrors.Validation("expression",
				"at schedules take an RFC3339 time: "+err.Error())
		}
		sched.NextRunAt = &at
	default:
		return spineerrors.Validation("schedule_type", "must be cron, interval, or at")
	}

	if sched.MaxInstances <= 0 {
		sched.MaxInstances = 1
	}
	if sched.Params == "" {
		sched.Params = "{}"
	}
	sched.CreatedAt = now
	sched.UpdatedAt = now
	if err := s.store.UpsertSchedule(ctx, sched); err != nil {
		return err
	}
	s.logger.Info("schedule upserted",
		log.ScheduleKey, sched.Name,
		"type", sched.ScheduleType,
		"next_run_at", sched.NextRunAt)
	return nil
}

// Get returns one schedule.
func (s *Service) Get(ctx context.Context, name string) (*storage.Schedule, error) {
	return s.store.GetSchedule(ctx, name)
}

// List returns all schedules.
func (s *Service) List(ctx context.Context) ([]*storage.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// SetEnabled toggles a schedule.
func (s *Service) SetEnabled(ctx context.Context, name string, enabled bool) error {
	return s.store.SetScheduleEnabled(ctx, name, enabled, s.clock.Now())
}

// Runs lists recent emissions of a schedule, newest first.
func (s *Service) Runs(ctx context.Context, name string, limit int) ([]*storage.ScheduleRun, error) {
	return s.store.ListScheduleRuns(ctx, name, limit)
}

// Upcoming returns enabled schedules ordered by their next fire-time.
func (s *Service) Upcoming(ctx context.Context, limit int) ([]*storage.Schedule, error) {
	all, err := s.store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Schedule, 0, len(all))
	for _, sched := range all {
		if sched.Enabled && sched.NextRunAt != nil {
			out = append(out, sched)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRunAt.Before(*out[j].NextRunAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Overdue returns enabled schedules whose next fire-time has already
// passed. A non-empty result outside a tick means the scheduler is behind
// or stopped.
func (s *Service) Overdue(ctx context.Context) ([]*storage.Schedule, error) {
	return s.store.ListDueSchedules(ctx, s.clock.Now())
}

// Run evaluates due schedules on the configured tick until ctx ends.
func (s *Service) Run(ctx context.Context) {
	tick := time.Duration(s.cfg.TickMS) * time.Millisecond
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Warn("scheduler tick failed", log.Error(err))
			}
		}
	}
}

// Tick runs one evaluation pass over all due schedules.
func (s *Service) Tick(ctx context.Context) error {
	due, err := s.store.ListDueSchedules(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	for _, sched := range due {
		if err := s.evaluate(ctx, sched, false); err != nil {
			s.logger.Error("schedule evaluation failed",
				log.ScheduleKey, sched.Name, log.Error(err))
		}
	}
	return nil
}

// Evaluate forces one evaluation of a named schedule. force bypasses the
// catch-up lookback clamp.
func (s *Service) Evaluate(ctx context.Context, name string, force bool) error {
	sched, err := s.store.GetSchedule(ctx, name)
	if err != nil {
		return err
	}
	if !sched.Enabled {
		return spineerrors.Conflict("schedule is disabled: " + name)
	}
	return s.evaluate(ctx, sched, force)
}

// TriggerNow emits one immediate run for a schedule, outside its normal
// fire-times. The schedule cursor is not advanced.
func (s *Service) TriggerNow(ctx context.Context, name string) (*storage.ScheduleRun, error) {
	sched, err := s.store.GetSchedule(ctx, name)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	run := &storage.ScheduleRun{
		ID:           s.ids.New(),
		ScheduleName: sched.Name,
		ScheduledAt:  now,
		Status:       storage.ScheduleRunPending,
		CreatedAt:    now,
	}
	if err := s.store.InsertScheduleRun(ctx, run); err != nil {
		return nil, err
	}
	if err := s.submitRun(ctx, sched, run); err != nil {
		return run, err
	}
	return s.findRun(ctx, sched.Name, run.ID)
}

// evaluate processes one due schedule under its lock.
func (s *Service) evaluate(ctx context.Context, sched *storage.Schedule, force bool) error {
	grace := time.Duration(sched.MisfireGraceSeconds) * time.Second
	if grace <= 0 {
		grace = time.Duration(s.cfg.DefaultMisfireGraceSeconds) * time.Second
	}

	now := s.clock.Now()
	ttl := grace + 2*time.Minute
	locked, err := s.acquireLock(ctx, sched.Name, now, ttl)
	if err != nil {
		return err
	}
	if !locked {
		// Another instance is evaluating this schedule.
		return nil
	}
	defer func() {
		if err := s.store.DeleteScheduleLock(context.WithoutCancel(ctx), sched.Name, s.owner); err != nil {
			s.logger.Warn("schedule lock release failed",
				log.ScheduleKey, sched.Name, log.Error(err))
		}
	}()

	// Re-read under the lock; the row may have moved since listing.
	sched, err = s.store.GetSchedule(ctx, sched.Name)
	if err != nil {
		return err
	}
	if !sched.Enabled || sched.NextRunAt == nil || sched.NextRunAt.After(now) {
		return nil
	}
	loc, err := s.location(sched)
	if err != nil {
		return err
	}

	fires, clamped, err := s.dueFireTimes(sched, loc, now, force)
	if err != nil {
		return err
	}
	if clamped > 0 {
		s.logger.Warn("catch-up clamped by lookback limit",
			log.ScheduleKey, sched.Name,
			"dropped_fire_times", clamped,
			"max_lookback_weeks", s.cfg.MaxLookbackWeeks)
	}

	keep := fires
	if len(fires) > 1 && sched.MaxInstances <= 1 {
		for _, ft := range fires[:len(fires)-1] {
			s.recordMissed(ctx, sched, ft, SkipCoalesced, now)
		}
		keep = fires[len(fires)-1:]
	}

	lastStatus := sched.LastRunStatus
	for _, ft := range keep {
		if now.Sub(ft) > grace {
			s.recordMissed(ctx, sched, ft, SkipOutsideGrace, now)
			lastStatus = storage.ScheduleRunMissed
			continue
		}
		status, err := s.emit(ctx, sched, ft, now)
		if err != nil {
			return err
		}
		if status != "" {
			lastStatus = status
		}
	}

	lastFire := now
	if len(fires) > 0 {
		lastFire = fires[len(fires)-1]
	}
	next, enabled := s.nextAfter(sched, loc, now, lastFire)
	return s.store.AdvanceSchedule(ctx, sched.Name, next, lastFire, lastStatus, enabled, now)
}

func (s *Service) acquireLock(ctx context.Context, name string, now time.Time, ttl time.Duration) (bool, error) {
	ok, err := s.store.TryInsertScheduleLock(ctx, name, s.owner, now, now.Add(ttl))
	if err != nil || ok {
		return ok, err
	}
	swept, err := s.store.DeleteExpiredScheduleLock(ctx, name, now)
	if err != nil || !swept {
		return false, err
	}
	return s.store.TryInsertScheduleLock(ctx, name, s.owner, now, now.Add(ttl))
}

// dueFireTimes lists the fire-times in (last_run_at, now], oldest first.
// Without force, fire-times older than the lookback clamp are dropped and
// counted.
func (s *Service) dueFireTimes(sched *storage.Schedule, loc *time.Location, now time.Time, force bool) ([]time.Time, int, error) {
	var fires []time.Time

	switch sched.ScheduleType {
	case storage.ScheduleTypeCron:
		cron, err := ParseCron(sched.Expression)
		if err != nil {
			return nil, 0, err
		}
		anchor := sched.NextRunAt.Add(-time.Second)
		if sched.LastRunAt != nil {
			anchor = *sched.LastRunAt
		}
		t := anchor.In(loc)
		for len(fires) < maxFiresPerEvaluation {
			t = cron.Next(t)
			if t.IsZero() || t.After(now) {
				break
			}
			fires = append(fires, t)
		}

	case storage.ScheduleTypeInterval:
		iv, err := intervalOf(sched.Expression)
		if err != nil {
			return nil, 0, err
		}
		t := *sched.NextRunAt
		if sched.LastRunAt != nil {
			t = sched.LastRunAt.Add(iv)
		}
		for !t.After(now) && len(fires) < maxFiresPerEvaluation {
			fires = append(fires, t)
			t = t.Add(iv)
		}

	case storage.ScheduleTypeAt:
		if !sched.NextRunAt.After(now) {
			fires = append(fires, *sched.NextRunAt)
		}

	default:
		return nil, 0, spineerrors.Validation("schedule_type",
			"unknown schedule type "+sched.ScheduleType)
	}

	if force {
		return fires, 0, nil
	}
	cutoff := now.AddDate(0, 0, -7*s.cfg.MaxLookbackWeeks)
	kept := fires[:0]
	clamped := 0
	for _, ft := range fires {
		if ft.Before(cutoff) {
			clamped++
			continue
		}
		kept = append(kept, ft)
	}
	return kept, clamped, nil
}

// nextAfter computes the next fire strictly after both now and the latest
// evaluated fire-time. One-shot schedules disable instead.
func (s *Service) nextAfter(sched *storage.Schedule, loc *time.Location, now, lastFire time.Time) (*time.Time, bool) {
	after := now
	if lastFire.After(after) {
		after = lastFire
	}

	switch sched.ScheduleType {
	case storage.ScheduleTypeCron:
		cron, err := ParseCron(sched.Expression)
		if err != nil {
			return nil, false
		}
		next := cron.Next(after.In(loc))
		if next.IsZero() {
			return nil, false
		}
		return &next, sched.Enabled

	case storage.ScheduleTypeInterval:
		iv, err := intervalOf(sched.Expression)
		if err != nil {
			return nil, false
		}
		next := lastFire.Add(iv)
		for !next.After(now) {
			next = next.Add(iv)
		}
		return &next, sched.Enabled

	default: // at: one-shot
		return nil, false
	}
}

// emit records one ScheduleRun and submits its target. Insert conflicts on
// (schedule_name, scheduled_at) mean another evaluation already emitted
// this fire-time; that is not an error.
func (s *Service) emit(ctx context.Context, sched *storage.Schedule, fireAt, now time.Time) (string, error) {
	run := &storage.ScheduleRun{
		ID:           s.ids.New(),
		ScheduleName: sched.Name,
		ScheduledAt:  fireAt,
		Status:       storage.ScheduleRunPending,
		CreatedAt:    now,
	}
	if err := s.store.InsertScheduleRun(ctx, run); err != nil {
		if storage.IsConflict(err) {
			return "", nil
		}
		return "", err
	}
	if err := s.submitRun(ctx, sched, run); err != nil {
		return storage.ScheduleRunFailed, nil
	}
	return storage.ScheduleRunRunning, nil
}

// submitRun hands a pending run to its target and binds the resulting
// execution or workflow run id.
func (s *Service) submitRun(ctx context.Context, sched *storage.Schedule, run *storage.ScheduleRun) error {
	var params map[string]any
	if err := json.Unmarshal([]byte(sched.Params), &params); err != nil {
		failErr := spineerrors.Permanent(err, "decoding schedule params")
		s.failRun(ctx, run, failErr)
		return failErr
	}

	now := s.clock.Now()
	switch sched.TargetType {
	case TargetWorkflow:
		if s.workflows == nil {
			failErr := spineerrors.New(spineerrors.CategoryDependency, "no workflow runner wired")
			s.failRun(ctx, run, failErr)
			return failErr
		}
		runID, err := s.workflows.StartRun(ctx, sched.Target, params, "scheduler")
		if err != nil {
			s.failRun(ctx, run, err)
			return err
		}
		if err := s.store.MarkScheduleRunSubmitted(ctx, run.ID, "", runID, now); err != nil {
			return err
		}

	default:
		exec, err := s.submitter.Submit(ctx, dispatch.SubmitRequest{
			Pipeline:       sched.Target,
			Params:         params,
			TriggerSource:  dispatch.TriggerScheduler,
			IdempotencyKey: runIdempotencyKey(sched.Name, run.ScheduledAt),
		})
		if err != nil {
			s.failRun(ctx, run, err)
			return err
		}
		if err := s.store.MarkScheduleRunSubmitted(ctx, run.ID, exec.ID, "", now); err != nil {
			return err
		}
	}

	s.metrics.ScheduleRunsTotal.WithLabelValues(sched.Name, storage.ScheduleRunRunning).Inc()
	s.logger.Info("schedule run submitted",
		log.ScheduleKey, sched.Name,
		"scheduled_at", run.ScheduledAt)
	return nil
}

func (s *Service) failRun(ctx context.Context, run *storage.ScheduleRun, cause error) {
	now := s.clock.Now()
	if err := s.store.UpdateScheduleRunStatus(ctx, run.ID,
		storage.ScheduleRunFailed, "", cause.Error(), &now); err != nil {
		s.logger.Warn("failed to record schedule run failure", log.Error(err))
	}
	s.metrics.ScheduleRunsTotal.WithLabelValues(run.ScheduleName, storage.ScheduleRunFailed).Inc()
}

func (s *Service) recordMissed(ctx context.Context, sched *storage.Schedule, fireAt time.Time, reason string, now time.Time) {
	err := s.store.InsertScheduleRun(ctx, &storage.ScheduleRun{
		ID:           s.ids.New(),
		ScheduleName: sched.Name,
		ScheduledAt:  fireAt,
		Status:       storage.ScheduleRunMissed,
		SkipReason:   reason,
		CreatedAt:    now,
	})
	if err != nil && !storage.IsConflict(err) {
		s.logger.Warn("failed to record missed run",
			log.ScheduleKey, sched.Name, log.Error(err))
		return
	}
	s.metrics.ScheduleMisfires.WithLabelValues(sched.Name, reason).Inc()
}

func (s *Service) findRun(ctx context.Context, scheduleName, runID string) (*storage.ScheduleRun, error) {
	runs, err := s.store.ListScheduleRuns(ctx, scheduleName, 50)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if r.ID == runID {
			return r, nil
		}
	}
	return nil, spineerrors.NotFound("schedule run", runID)
}

func (s *Service) location(sched *storage.Schedule) (*time.Location, error) {
	if sched.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return nil, spineerrors.Validation("timezone", err.Error())
	}
	return loc, nil
}

func intervalOf(expression string) (time.Duration, error) {
	secs, err := strconv.Atoi(expression)
	if err != nil || secs <= 0 {
		return 0, spineerrors.Validation("expression",
			"interval schedules take a positive number of seconds")
	}
	return time.Duration(secs) * time.Second, nil
}

// runIdempotencyKey keys scheduler submissions on the fire-time so a
// re-evaluated tick joins the existing execution instead of duplicating.
func runIdempotencyKey(scheduleName string, scheduledAt time.Time) string {
	return "schedule:" + scheduleName + ":" + scheduledAt.UTC().Format(time.RFC3339)
}
