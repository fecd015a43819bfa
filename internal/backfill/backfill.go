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

// Package backfill plans and drains bounded re-ingest over partition-key
// ranges, and owns the ingestion watermarks. A plan enumerates the missing
// partitions up front; Execute drives them through the work-item queue one
// at a time and checkpoints after every key, so a crashed drain resumes
// where it stopped.
package backfill

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/marketspine/spine/internal/capture"
	"github.com/marketspine/spine/internal/clock"
	"github.com/marketspine/spine/internal/dispatch"
	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/internal/metrics"
	"github.com/marketspine/spine/internal/storage"
	"github.com/marketspine/spine/internal/workqueue"
	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// Partition templates.
const (
	TemplateDaily   = "daily"
	TemplateWeekly  = "weekly"
	TemplateMonthly = "monthly"
)

const dateLayout = "2006-01-02"

// Executor is the dispatcher surface the planner drives partitions through.
type Executor interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (*storage.Execution, error)
	Run(ctx context.Context, executionID string) error
	Get(ctx context.Context, executionID string) (*storage.Execution, error)
}

// Planner owns backfill plans and watermarks.
type Planner struct {
	store   *storage.Store
	queue   *workqueue.Queue
	exec    Executor
	capture *capture.Service
	clock   clock.Clock
	ids     clock.IDs
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a backfill planner.
func New(store *storage.Store, queue *workqueue.Queue, exec Executor,
	capSvc *capture.Service, clk clock.Clock, ids clock.IDs,
	logger *slog.Logger, m *metrics.Metrics) *Planner {
	return &Planner{
		store:   store,
		queue:   queue,
		exec:    exec,
		capture: capSvc,
		clock:   clk,
		ids:     ids,
		logger:  log.WithComponent(logger, "backfill"),
		metrics: m,
	}
}

// PlanRequest describes the range to backfill.
type PlanRequest struct {
	Domain     string
	Source     string
	Template   string // daily, weekly, monthly
	RangeStart string // YYYY-MM-DD inclusive
	RangeEnd   string // YYYY-MM-DD inclusive

	// Stage, when set, excludes partitions the manifest already records at
	// that stage.
	Stage string
}

// Plan expands the range into partition keys, subtracts partitions already
// manifested at the required stage, and persists a planned BackfillPlan
// checkpointed at the earliest unprocessed key.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (*storage.BackfillPlan, error) {
	if req.Domain == "" {
		return nil, spineerrors.Validation("domain", "must not be empty")
	}
	if req.Source == "" {
		return nil, spineerrors.Validation("source", "must not be empty")
	}
	keys, err := expandRange(req.Template, req.RangeStart, req.RangeEnd)
	if err != nil {
		return nil, err
	}

	if req.Stage != "" {
		present, err := p.store.ListManifestPartitions(ctx, req.Domain, req.Stage)
		if err != nil {
			return nil, err
		}
		keys = subtract(keys, present)
	}
	if len(keys) == 0 {
		return nil, spineerrors.Validation("range", "no missing partitions in range")
	}

	encoded, err := json.Marshal(keys)
	if err != nil {
		return nil, spineerrors.Permanent(err, "encoding partition keys")
	}
	now := p.clock.Now()
	plan := &storage.BackfillPlan{
		PlanID:        p.ids.New(),
		Domain:        req.Domain,
		Source:        req.Source,
		RangeStart:    req.RangeStart,
		RangeEnd:      req.RangeEnd,
		PartitionKeys: string(encoded),
		CompletedKeys: "[]",
		FailedKeys:    "{}",
		Status:        storage.PlanPlanned,
		Checkpoint:    keys[0],
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.store.InsertBackfillPlan(ctx, plan); err != nil {
		return nil, err
	}
	p.logger.Info("backfill plan created",
		log.PlanIDKey, plan.PlanID,
		"domain", req.Domain,
		"partitions", len(keys))
	return plan, nil
}

// ExecuteRequest names the pipeline that drains the plan's partitions.
type ExecuteRequest struct {
	// Pipeline receives one execution per partition key.
	Pipeline string

	// PartitionParam is the pipeline parameter the partition key binds to,
	// e.g. week_ending.
	PartitionParam string

	// Params are merged under the partition param on every submission.
	Params map[string]any

	// MaxAttempts bounds work-item retries per partition. Default 3.
	MaxAttempts int
}

// Execute drains the plan one partition at a time through the work-item
// queue on the backfill lane. Each key moves into completed_keys or
// failed_keys and the checkpoint advances before the next key starts, so a
// crashed Execute resumes from the checkpoint. Keys already completed or
// failed are never re-run; a failed key stays failed until RetryKey.
func (p *Planner) Execute(ctx context.Context, planID string, req ExecuteRequest) (*storage.BackfillPlan, error) {
	if req.Pipeline == "" {
		return nil, spineerrors.Validation("pipeline", "must not be empty")
	}
	if req.PartitionParam == "" {
		return nil, spineerrors.Validation("partition_param", "must not be empty")
	}

	plan, err := p.store.GetBackfillPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	switch plan.Status {
	case storage.PlanCompleted:
		return plan, nil
	case storage.PlanCancelled:
		return nil, spineerrors.Conflict("backfill plan " + planID + " is cancelled")
	}

	prog, err := decodeProgress(plan)
	if err != nil {
		return nil, err
	}

	if plan.Status != storage.PlanRunning {
		if _, err := p.store.CASBackfillStatus(ctx, planID, plan.Status, storage.PlanRunning, p.clock.Now()); err != nil {
			return nil, err
		}
		plan.Status = storage.PlanRunning
	}

	for i, key := range prog.keys {
		if prog.done(key) {
			continue
		}
		if err := ctx.Err(); err != nil {
			// Interrupted drain; the checkpoint already points at this key.
			return plan, err
		}

		if runErr := p.runPartition(ctx, plan, req, key); runErr != nil {
			prog.failed[key] = runErr.Error()
			p.logger.Warn("backfill partition failed",
				log.PlanIDKey, planID, log.PartitionKey, key, "error", runErr.Error())
		} else {
			prog.completed[key] = true
		}

		// Progress writes must land even when the drain is being cancelled,
		// or the checkpoint would lose the partition that just finished.
		checkpoint := prog.nextUnprocessed(i + 1)
		if err := p.persistProgress(context.WithoutCancel(ctx), plan, prog,
			storage.PlanRunning, checkpoint); err != nil {
			return nil, err
		}
	}

	final := storage.PlanCompleted
	if len(prog.failed) > 0 {
		final = storage.PlanFailed
	}
	if err := p.persistProgress(ctx, plan, prog, final, ""); err != nil {
		return nil, err
	}
	p.logger.Info("backfill drain finished",
		log.PlanIDKey, planID,
		"status", final,
		"completed", len(prog.completed),
		"failed", len(prog.failed))
	return p.store.GetBackfillPlan(ctx, planID)
}

// runPartition drives one partition through the queue and the dispatcher.
func (p *Planner) runPartition(ctx context.Context, plan *storage.BackfillPlan, req ExecuteRequest, key string) error {
	params := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}
	params[req.PartitionParam] = key
	encoded, err := json.Marshal(params)
	if err != nil {
		return spineerrors.Permanent(err, "encoding partition params")
	}

	item, err := p.queue.Enqueue(ctx, workqueue.EnqueueRequest{
		Domain:          plan.Domain,
		Pipeline:        req.Pipeline,
		PartitionKey:    key,
		Params:          string(encoded),
		MaxAttempts:     req.MaxAttempts,
		SkipIfCompleted: true,
	})
	if err != nil {
		return err
	}
	switch item.State {
	case storage.WorkItemCompleted:
		// A previous drain finished this key after its checkpoint write was
		// lost. Count it completed without re-running.
		return nil
	case storage.WorkItemLeased, storage.WorkItemRunning:
		return spineerrors.Conflict("work item for " + key + " is already in flight")
	}

	workerID := "backfill:" + plan.PlanID
	won, err := p.store.CASLeaseWorkItem(ctx, item.ID, workerID, p.clock.Now())
	if err != nil {
		return err
	}
	if !won {
		return spineerrors.Conflict("lost lease race for partition " + key)
	}
	item.LockedBy = workerID

	exec, err := p.exec.Submit(ctx, dispatch.SubmitRequest{
		Pipeline:       req.Pipeline,
		Params:         params,
		Lane:           "backfill",
		TriggerSource:  dispatch.TriggerBackfill,
		IdempotencyKey: "backfill:" + plan.PlanID + ":" + key,
	})
	if err != nil {
		return p.failItem(ctx, item, err)
	}
	if err := p.queue.MarkRunning(ctx, item.ID, exec.ID); err != nil {
		return err
	}

	// The item outcome is recorded on a detached context so a cancelled
	// drain still closes out the attempt it was running.
	cleanupCtx := context.WithoutCancel(ctx)
	if err := p.exec.Run(ctx, exec.ID); err != nil &&
		!spineerrors.IsCategory(err, spineerrors.CategoryConflict) {
		return p.failItem(cleanupCtx, item, err)
	}
	got, err := p.exec.Get(cleanupCtx, exec.ID)
	if err != nil {
		return err
	}
	if got.Status != storage.ExecutionCompleted {
		msg := got.ErrorMessage
		if msg == "" {
			msg = "execution " + got.Status
		}
		failure := spineerrors.New(spineerrors.CategoryPermanent, msg)
		return p.failItem(cleanupCtx, item, failure)
	}
	return p.queue.Complete(cleanupCtx, item.ID, exec.ID)
}

// failItem terminates the work item and reports the failure. The
// dispatcher already exhausted in-attempt retries, so the item is not
// requeued at this level.
func (p *Planner) failItem(ctx context.Context, item *storage.WorkItem, failure error) error {
	if err := p.queue.Fail(ctx, item, failure, false); err != nil {
		return err
	}
	return failure
}

// RetryKey clears one failed key so the next Execute re-runs it. A
// terminal plan returns to planned.
func (p *Planner) RetryKey(ctx context.Context, planID, key string) (*storage.BackfillPlan, error) {
	plan, err := p.store.GetBackfillPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	prog, err := decodeProgress(plan)
	if err != nil {
		return nil, err
	}
	if _, failed := prog.failed[key]; !failed {
		return nil, spineerrors.Conflict("partition " + key + " is not failed in plan " + planID)
	}
	delete(prog.failed, key)

	status := plan.Status
	if status == storage.PlanCompleted || status == storage.PlanFailed {
		status = storage.PlanPlanned
	}
	if err := p.persistProgress(ctx, plan, prog, status, key); err != nil {
		return nil, err
	}
	return p.store.GetBackfillPlan(ctx, planID)
}

// Cancel stops a plan that has not finished.
func (p *Planner) Cancel(ctx context.Context, planID string) error {
	now := p.clock.Now()
	for _, from := range []string{storage.PlanPlanned, storage.PlanRunning, storage.PlanFailed} {
		ok, err := p.store.CASBackfillStatus(ctx, planID, from, storage.PlanCancelled, now)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	plan, err := p.store.GetBackfillPlan(ctx, planID)
	if err != nil {
		return err
	}
	return spineerrors.Conflict("backfill plan " + planID + " is " + plan.Status)
}

// GetPlan returns one plan.
func (p *Planner) GetPlan(ctx context.Context, planID string) (*storage.BackfillPlan, error) {
	return p.store.GetBackfillPlan(ctx, planID)
}

// ListPlans lists plans, newest first.
func (p *Planner) ListPlans(ctx context.Context, domain string, limit int) ([]*storage.BackfillPlan, error) {
	return p.store.ListBackfillPlans(ctx, domain, limit)
}

// Progress reports the completed fraction of a plan.
func Progress(plan *storage.BackfillPlan) float64 {
	prog, err := decodeProgress(plan)
	if err != nil || len(prog.keys) == 0 {
		return 0
	}
	return float64(len(prog.completed)) / float64(len(prog.keys))
}

// AdvanceWatermark raises the high-water mark for a partition. Advancing
// never lowers an existing mark.
func (p *Planner) AdvanceWatermark(ctx context.Context, w *storage.Watermark) error {
	if w.Metadata == "" {
		w.Metadata = "{}"
	}
	w.UpdatedAt = p.clock.Now()
	return p.store.AdvanceWatermark(ctx, w)
}

// RewindWatermark deliberately lowers a high-water mark, recording a
// watermark_rewind anomaly alongside the change.
func (p *Planner) RewindWatermark(ctx context.Context, domain, source, partitionKey, highWater, reason string) error {
	current, err := p.store.GetWatermark(ctx, domain, source, partitionKey)
	if err != nil {
		return err
	}
	if current == nil {
		return spineerrors.NotFound("watermark", domain+"/"+source+"/"+partitionKey)
	}
	if current.HighWater != "" && highWater >= current.HighWater {
		return spineerrors.Validation("high_water",
			"rewind must lower the mark; use AdvanceWatermark to raise it")
	}

	if _, err := p.capture.RecordAnomaly(ctx, &storage.Anomaly{
		Domain:       domain,
		PartitionKey: partitionKey,
		Severity:     capture.SeverityWarn,
		Category:     "watermark_rewind",
		Message: "high_water rewound from " + current.HighWater + " to " + highWater +
			" (" + reason + ")",
	}); err != nil {
		return err
	}
	if err := p.store.RewindWatermark(ctx, domain, source, partitionKey, highWater, p.clock.Now()); err != nil {
		return err
	}
	p.logger.Warn("watermark rewound",
		"domain", domain, "source", source, log.PartitionKey, partitionKey,
		"from", current.HighWater, "to", highWater, "reason", reason)
	return nil
}

// Watermark returns one watermark, or nil when never advanced.
func (p *Planner) Watermark(ctx context.Context, domain, source, partitionKey string) (*storage.Watermark, error) {
	return p.store.GetWatermark(ctx, domain, source, partitionKey)
}

// Watermarks lists a domain's watermarks.
func (p *Planner) Watermarks(ctx context.Context, domain string) ([]*storage.Watermark, error) {
	return p.store.ListWatermarks(ctx, domain)
}

// progress is the decoded mutable state of a plan.
type progress struct {
	keys      []string
	completed map[string]bool
	failed    map[string]string
}

func (pr *progress) done(key string) bool {
	if pr.completed[key] {
		return true
	}
	_, failed := pr.failed[key]
	return failed
}

// nextUnprocessed returns the first key at or after index not yet resolved,
// or empty when the plan is drained.
func (pr *progress) nextUnprocessed(from int) string {
	for _, key := range pr.keys[min(from, len(pr.keys)):] {
		if !pr.done(key) {
			return key
		}
	}
	return ""
}

func decodeProgress(plan *storage.BackfillPlan) (*progress, error) {
	var keys, completedList []string
	failed := map[string]string{}
	if err := json.Unmarshal([]byte(plan.PartitionKeys), &keys); err != nil {
		return nil, spineerrors.Permanent(err, "decoding partition_keys")
	}
	if err := json.Unmarshal([]byte(plan.CompletedKeys), &completedList); err != nil {
		return nil, spineerrors.Permanent(err, "decoding completed_keys")
	}
	if err := json.Unmarshal([]byte(plan.FailedKeys), &failed); err != nil {
		return nil, spineerrors.Permanent(err, "decoding failed_keys")
	}
	completed := make(map[string]bool, len(completedList))
	for _, k := range completedList {
		completed[k] = true
	}
	return &progress{keys: keys, completed: completed, failed: failed}, nil
}

// persistProgress writes the whole progress state back and refreshes the
// progress gauge.
func (p *Planner) persistProgress(ctx context.Context, plan *storage.BackfillPlan, prog *progress, status, checkpoint string) error {
	completedList := make([]string, 0, len(prog.completed))
	for _, key := range prog.keys {
		if prog.completed[key] {
			completedList = append(completedList, key)
		}
	}
	completedJSON, err := json.Marshal(completedList)
	if err != nil {
		return spineerrors.Permanent(err, "encoding completed_keys")
	}
	failedJSON, err := json.Marshal(prog.failed)
	if err != nil {
		return spineerrors.Permanent(err, "encoding failed_keys")
	}
	if err := p.store.UpdateBackfillProgress(ctx, plan.PlanID,
		string(completedJSON), string(failedJSON), status, checkpoint, p.clock.Now()); err != nil {
		return err
	}
	plan.CompletedKeys = string(completedJSON)
	plan.FailedKeys = string(failedJSON)
	plan.Status = status
	plan.Checkpoint = checkpoint

	if len(prog.keys) > 0 {
		ratio := float64(len(prog.completed)) / float64(len(prog.keys))
		p.metrics.BackfillProgress.WithLabelValues(plan.PlanID).Set(ratio)
	}
	return nil
}

// expandRange enumerates partition keys from start to end inclusive.
func expandRange(template, start, end string) ([]string, error) {
	from, err := time.Parse(dateLayout, start)
	if err != nil {
		return nil, spineerrors.Validation("range_start", "must be YYYY-MM-DD")
	}
	to, err := time.Parse(dateLayout, end)
	if err != nil {
		return nil, spineerrors.Validation("range_end", "must be YYYY-MM-DD")
	}
	if to.Before(from) {
		return nil, spineerrors.Validation("range_end", "must not precede range_start")
	}

	var step func(time.Time) time.Time
	switch template {
	case TemplateDaily:
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
	case TemplateWeekly:
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }
	case TemplateMonthly:
		step = func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }
	default:
		return nil, spineerrors.Validation("template", "unknown partition template "+template)
	}

	var keys []string
	for t := from; !t.After(to); t = step(t) {
		keys = append(keys, t.Format(dateLayout))
	}
	return keys, nil
}

// subtract removes present keys, preserving order.
func subtract(keys, present []string) []string {
	have := make(map[string]bool, len(present))
	for _, k := range present {
		have[k] = true
	}
	out := keys[:0]
	for _, k := range keys {
		if !have[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
