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

package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"golang.org/x/sync/errgroup"

	"github.com/marketspine/spine/internal/clock"
	"github.com/marketspine/spine/internal/dispatch"
	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/internal/metrics"
	"github.com/marketspine/spine/internal/storage"
	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// Workflow event types.
const (
	EventRunCreated    = "run_created"
	EventRunStarted    = "run_started"
	EventRunCompleted  = "run_completed"
	EventRunFailed     = "run_failed"
	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
)

// Skip reasons recorded on skipped steps.
const (
	SkipWhenFalse = "when_false"
	SkipUpstream  = "upstream_not_satisfied"
)

// stepParallelism bounds how many ready steps run at once.
const stepParallelism = 4

// Executor is the dispatcher surface the runner delegates pipeline steps
// to.
type Executor interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (*storage.Execution, error)
	Run(ctx context.Context, executionID string) error
	Get(ctx context.Context, executionID string) (*storage.Execution, error)
}

// ExternalFunc handles an external step.
type ExternalFunc func(ctx context.Context, params map[string]any) error

// Runner executes workflow definitions.
type Runner struct {
	store   *storage.Store
	exec    Executor
	defs    *Definitions
	clock   clock.Clock
	ids     clock.IDs
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	externals map[string]ExternalFunc
}

// New creates a workflow runner.
func New(store *storage.Store, exec Executor, defs *Definitions, clk clock.Clock,
	ids clock.IDs, logger *slog.Logger, m *metrics.Metrics) *Runner {
	return &Runner{
		store:     store,
		exec:      exec,
		defs:      defs,
		clock:     clk,
		ids:       ids,
		logger:    log.WithComponent(logger, "workflow"),
		metrics:   m,
		externals: make(map[string]ExternalFunc),
	}
}

// RegisterExternal installs the handler for external steps naming it.
func (r *Runner) RegisterExternal(name string, fn ExternalFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.externals[name] = fn
}

func (r *Runner) external(name string) (ExternalFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.externals[name]
	return fn, ok
}

// StartRun creates a pending run for a workflow. Execute drives it.
func (r *Runner) StartRun(ctx context.Context, workflow string, params map[string]any, trigger string) (string, error) {
	def, err := r.defs.Get(workflow)
	if err != nil {
		return "", err
	}
	nodes, err := flatten(def)
	if err != nil {
		return "", err
	}
	if params == nil {
		params = map[string]any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", spineerrors.Permanent(err, "encoding workflow params")
	}

	now := r.clock.Now()
	run := &storage.WorkflowRun{
		ID:            r.ids.New(),
		Workflow:      def.Name,
		Version:       def.Version,
		Params:        string(encoded),
		Status:        storage.WorkflowRunPending,
		TriggerSource: trigger,
		TotalSteps:    countRealSteps(nodes),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = r.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.InsertWorkflowRun(ctx, run); err != nil {
			return err
		}
		return tx.AppendWorkflowEvent(ctx, &storage.WorkflowEvent{
			RunID:          run.ID,
			EventType:      EventRunCreated,
			Data:           eventData(map[string]any{"trigger_source": trigger}),
			IdempotencyKey: eventKey(run.ID, "", EventRunCreated, 0),
			CreatedAt:      now,
		})
	})
	if err != nil {
		return "", err
	}
	r.logger.Info("workflow run created",
		log.RunIDKey, run.ID, "workflow", def.Name, "trigger_source", trigger)
	return run.ID, nil
}

// Run creates and synchronously executes one workflow run.
func (r *Runner) Run(ctx context.Context, workflow string, params map[string]any, trigger string) (string, error) {
	runID, err := r.StartRun(ctx, workflow, params, trigger)
	if err != nil {
		return "", err
	}
	return runID, r.Execute(ctx, runID)
}

// Execute drives a run to a terminal status. It is resumable: step rows
// already recorded keep their outcomes, and only unfinished steps run.
func (r *Runner) Execute(ctx context.Context, runID string) error {
	run, err := r.store.GetWorkflowRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case storage.WorkflowRunCompleted, storage.WorkflowRunFailed, storage.WorkflowRunCancelled:
		return nil
	}

	def, err := r.defs.Get(run.Workflow)
	if err != nil {
		return err
	}
	nodes, err := flatten(def)
	if err != nil {
		return err
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(run.Params), &params); err != nil {
		return spineerrors.Permanent(err, "decoding run params")
	}

	state, err := r.loadState(ctx, runID, nodes)
	if err != nil {
		return err
	}

	if run.Status == storage.WorkflowRunPending {
		now := r.clock.Now()
		if _, err := r.store.CASWorkflowRunStatus(ctx, runID,
			storage.WorkflowRunPending, storage.WorkflowRunRunning, now); err != nil {
			return err
		}
		if err := r.store.AppendWorkflowEvent(ctx, &storage.WorkflowEvent{
			RunID:          runID,
			EventType:      EventRunStarted,
			IdempotencyKey: eventKey(runID, "", EventRunStarted, 0),
			CreatedAt:      now,
		}); err != nil {
			return err
		}
	}

	for {
		ready := r.collectReady(nodes, state)
		if len(ready) > 0 {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(stepParallelism)
			for _, n := range ready {
				state.set(n.name, storage.StepRunning)
				g.Go(func() error {
					return r.executeStep(gctx, run, n, params, state)
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
		}

		cascaded, err := r.cascadeSkips(ctx, run, nodes, state)
		if err != nil {
			return err
		}

		if r.allTerminal(nodes, state) {
			break
		}
		if len(ready) == 0 && cascaded == 0 {
			return spineerrors.New(spineerrors.CategoryPermanent,
				"workflow made no progress; definition and state disagree")
		}
	}

	return r.finalize(ctx, run, nodes, state)
}

// Get returns one run.
func (r *Runner) Get(ctx context.Context, runID string) (*storage.WorkflowRun, error) {
	return r.store.GetWorkflowRun(ctx, runID)
}

// List lists runs, optionally filtered by workflow name.
func (r *Runner) List(ctx context.Context, workflow string, limit int) ([]*storage.WorkflowRun, error) {
	return r.store.ListWorkflowRuns(ctx, workflow, limit)
}

// Steps returns the step attempts of a run.
func (r *Runner) Steps(ctx context.Context, runID string) ([]*storage.WorkflowStep, error) {
	return r.store.ListWorkflowSteps(ctx, runID)
}

// Events returns the audit trail of a run.
func (r *Runner) Events(ctx context.Context, runID string) ([]*storage.WorkflowEvent, error) {
	return r.store.ListWorkflowEvents(ctx, runID)
}

// Definitions exposes the registered workflow definitions.
func (r *Runner) Definitions() []Definition {
	return r.defs.List()
}

// runState tracks step outcomes during one Execute pass. Join nodes live
// here too, but are never persisted.
type runState struct {
	mu       sync.Mutex
	statuses map[string]string
	attempts map[string]int
}

func (s *runState) get(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[name]
}

func (s *runState) set(name, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[name] = status
}

func (s *runState) attemptsOf(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[name]
}

func (s *runState) recordAttempt(name string, attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt > s.attempts[name] {
		s.attempts[name] = attempt
	}
}

// snapshot returns step name → status for predicate evaluation.
func (s *runState) snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out
}

// loadState restores step outcomes from persisted attempts so Execute can
// resume a partially-run workflow.
func (r *Runner) loadState(ctx context.Context, runID string, nodes []node) (*runState, error) {
	state := &runState{
		statuses: make(map[string]string, len(nodes)),
		attempts: make(map[string]int),
	}
	for _, n := range nodes {
		state.statuses[n.name] = storage.StepPending
	}

	rows, err := r.store.ListWorkflowSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		// Rows are in insertion order; the last row per step wins. An
		// interrupted RUNNING attempt is retried from scratch.
		status := row.Status
		if status == storage.StepRunning {
			status = storage.StepPending
		}
		state.statuses[row.StepName] = status
		state.recordAttempt(row.StepName, row.Attempt)
	}
	return state, nil
}

func isTerminalStep(status string) bool {
	switch status {
	case storage.StepCompleted, storage.StepFailed, storage.StepSkipped:
		return true
	}
	return false
}

// depSatisfied reports whether a terminal upstream status lets the edge
// proceed.
func depSatisfied(status string, dep Dependency) bool {
	switch status {
	case storage.StepCompleted:
		return true
	case storage.StepFailed:
		return dep.RunOnFailure
	case storage.StepSkipped:
		return dep.AllowSkipped
	}
	return false
}

func (r *Runner) collectReady(nodes []node, state *runState) []node {
	var ready []node
	for _, n := range nodes {
		if state.get(n.name) != storage.StepPending {
			continue
		}
		ok := true
		for _, dep := range n.deps {
			if !depSatisfied(state.get(dep.Step), dep) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n)
		}
	}
	return ready
}

// cascadeSkips marks pending steps whose dependencies can no longer be
// satisfied. Repeats until stable so skips propagate down chains.
func (r *Runner) cascadeSkips(ctx context.Context, run *storage.WorkflowRun, nodes []node, state *runState) (int, error) {
	total := 0
	for {
		skipped := 0
		for _, n := range nodes {
			if state.get(n.name) != storage.StepPending {
				continue
			}
			doomed := false
			for _, dep := range n.deps {
				status := state.get(dep.Step)
				if isTerminalStep(status) && !depSatisfied(status, dep) {
					doomed = true
					break
				}
			}
			if !doomed {
				continue
			}
			if err := r.markSkipped(ctx, run, n, SkipUpstream, state); err != nil {
				return total, err
			}
			skipped++
		}
		total += skipped
		if skipped == 0 {
			return total, nil
		}
	}
}

func (r *Runner) allTerminal(nodes []node, state *runState) bool {
	for _, n := range nodes {
		if !isTerminalStep(state.get(n.name)) {
			return false
		}
	}
	return true
}

// executeStep runs one node, retrying pipeline and external steps per the
// step policy. Join nodes complete without persistence.
func (r *Runner) executeStep(ctx context.Context, run *storage.WorkflowRun, n node, params map[string]any, state *runState) error {
	if n.isJoin() {
		state.set(n.name, storage.StepCompleted)
		return nil
	}

	stepParams := mergeParams(params, n.params)

	if n.when != "" {
		pass, err := r.evalWhen(n.when, stepParams, state)
		if err != nil {
			return r.recordFinalFailure(ctx, run, n, state.attemptsOf(n.name)+1, "",
				"when predicate: "+err.Error(), state)
		}
		if !pass {
			return r.markSkipped(ctx, run, n, SkipWhenFalse, state)
		}
	}

	maxAttempts := n.maxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := state.attemptsOf(n.name) + 1; attempt <= maxAttempts; attempt++ {
		state.recordAttempt(n.name, attempt)
		now := r.clock.Now()
		started := now
		if err := r.store.InsertWorkflowStep(ctx, &storage.WorkflowStep{
			RunID:     run.ID,
			StepName:  n.name,
			Attempt:   attempt,
			Status:    storage.StepRunning,
			StartedAt: &started,
			CreatedAt: now,
		}); err != nil && !storage.IsConflict(err) {
			return err
		}
		if err := r.store.AppendWorkflowEvent(ctx, &storage.WorkflowEvent{
			RunID:          run.ID,
			StepName:       n.name,
			EventType:      EventStepStarted,
			IdempotencyKey: eventKey(run.ID, n.name, EventStepStarted, attempt),
			CreatedAt:      now,
		}); err != nil {
			return err
		}

		executionID, stepErr := r.runTarget(ctx, n, stepParams)

		if stepErr == nil {
			return r.recordSuccess(ctx, run, n, attempt, executionID, state)
		}
		if attempt < maxAttempts {
			if err := r.recordRetriedFailure(ctx, run, n, attempt, executionID, stepErr.Error()); err != nil {
				return err
			}
			continue
		}
		return r.recordFinalFailure(ctx, run, n, attempt, executionID, stepErr.Error(), state)
	}
	return nil
}

// runTarget performs the step's work and returns the execution id for
// pipeline steps.
func (r *Runner) runTarget(ctx context.Context, n node, stepParams map[string]any) (string, error) {
	switch n.kind {
	case StepPipeline:
		exec, err := r.exec.Submit(ctx, dispatch.SubmitRequest{
			Pipeline:      n.pipeline,
			Params:        stepParams,
			TriggerSource: dispatch.TriggerWorkflow,
		})
		if err != nil {
			return "", err
		}
		if err := r.exec.Run(ctx, exec.ID); err != nil &&
			!spineerrors.IsCategory(err, spineerrors.CategoryConflict) {
			return exec.ID, err
		}
		got, err := r.exec.Get(ctx, exec.ID)
		if err != nil {
			return exec.ID, err
		}
		if got.Status != storage.ExecutionCompleted {
			msg := got.ErrorMessage
			if msg == "" {
				msg = "execution " + got.Status
			}
			return exec.ID, spineerrors.New(spineerrors.Category(nonEmpty(got.ErrorCategory,
				string(spineerrors.CategoryPermanent))), msg)
		}
		return exec.ID, nil

	case StepExternal:
		fn, ok := r.external(n.handler)
		if !ok {
			return "", spineerrors.New(spineerrors.CategoryDependency,
				"no external handler registered: "+n.handler)
		}
		return "", fn(ctx, stepParams)

	default:
		return "", spineerrors.New(spineerrors.CategoryPermanent,
			"unrunnable step kind "+string(n.kind))
	}
}

func (r *Runner) recordSuccess(ctx context.Context, run *storage.WorkflowRun, n node, attempt int, executionID string, state *runState) error {
	now := r.clock.Now()
	err := r.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.UpdateWorkflowStep(ctx, run.ID, n.name, attempt,
			storage.StepCompleted, executionID, "", &now); err != nil {
			return err
		}
		if err := tx.BumpWorkflowCounters(ctx, run.ID, 1, 0, 0, now); err != nil {
			return err
		}
		return tx.AppendWorkflowEvent(ctx, &storage.WorkflowEvent{
			RunID:          run.ID,
			StepName:       n.name,
			EventType:      EventStepCompleted,
			Data:           eventData(map[string]any{"execution_id": executionID}),
			IdempotencyKey: eventKey(run.ID, n.name, EventStepCompleted, attempt),
			CreatedAt:      now,
		})
	})
	if err != nil {
		return err
	}
	state.set(n.name, storage.StepCompleted)
	r.metrics.WorkflowStepsRun.WithLabelValues(run.Workflow, storage.StepCompleted).Inc()
	return nil
}

// recordRetriedFailure closes a non-final attempt without touching the
// run counters; only a step's last attempt counts.
func (r *Runner) recordRetriedFailure(ctx context.Context, run *storage.WorkflowRun, n node, attempt int, executionID, msg string) error {
	now := r.clock.Now()
	if err := r.store.UpdateWorkflowStep(ctx, run.ID, n.name, attempt,
		storage.StepFailed, executionID, msg, &now); err != nil {
		return err
	}
	if err := r.store.AppendWorkflowEvent(ctx, &storage.WorkflowEvent{
		RunID:          run.ID,
		StepName:       n.name,
		EventType:      EventStepFailed,
		Data:           eventData(map[string]any{"error": msg, "retrying": true}),
		IdempotencyKey: eventKey(run.ID, n.name, EventStepFailed, attempt),
		CreatedAt:      now,
	}); err != nil {
		return err
	}
	r.logger.Warn("workflow step attempt failed, retrying",
		log.RunIDKey, run.ID, log.StepKey, n.name, "attempt", attempt, "error", msg)
	return nil
}

func (r *Runner) recordFinalFailure(ctx context.Context, run *storage.WorkflowRun, n node, attempt int, executionID, msg string, state *runState) error {
	now := r.clock.Now()
	err := r.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.UpdateWorkflowStep(ctx, run.ID, n.name, attempt,
			storage.StepFailed, executionID, msg, &now); err != nil {
			return err
		}
		if err := tx.BumpWorkflowCounters(ctx, run.ID, 0, 1, 0, now); err != nil {
			return err
		}
		return tx.AppendWorkflowEvent(ctx, &storage.WorkflowEvent{
			RunID:          run.ID,
			StepName:       n.name,
			EventType:      EventStepFailed,
			Data:           eventData(map[string]any{"error": msg}),
			IdempotencyKey: eventKey(run.ID, n.name, EventStepFailed, attempt),
			CreatedAt:      now,
		})
	})
	if err != nil {
		return err
	}
	state.set(n.name, storage.StepFailed)
	r.metrics.WorkflowStepsRun.WithLabelValues(run.Workflow, storage.StepFailed).Inc()
	r.logger.Error("workflow step failed",
		log.RunIDKey, run.ID, log.StepKey, n.name, "error", msg)
	return nil
}

func (r *Runner) markSkipped(ctx context.Context, run *storage.WorkflowRun, n node, reason string, state *runState) error {
	if n.isJoin() {
		state.set(n.name, storage.StepSkipped)
		return nil
	}
	now := r.clock.Now()
	attempt := state.attemptsOf(n.name) + 1
	state.recordAttempt(n.name, attempt)
	err := r.store.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.InsertWorkflowStep(ctx, &storage.WorkflowStep{
			RunID:       run.ID,
			StepName:    n.name,
			Attempt:     attempt,
			Status:      storage.StepSkipped,
			Error:       reason,
			CompletedAt: &now,
			CreatedAt:   now,
		}); err != nil && !storage.IsConflict(err) {
			return err
		}
		if err := tx.BumpWorkflowCounters(ctx, run.ID, 0, 0, 1, now); err != nil {
			return err
		}
		return tx.AppendWorkflowEvent(ctx, &storage.WorkflowEvent{
			RunID:          run.ID,
			StepName:       n.name,
			EventType:      EventStepSkipped,
			Data:           eventData(map[string]any{"reason": reason}),
			IdempotencyKey: eventKey(run.ID, n.name, EventStepSkipped, attempt),
			CreatedAt:      now,
		})
	})
	if err != nil {
		return err
	}
	state.set(n.name, storage.StepSkipped)
	r.metrics.WorkflowStepsRun.WithLabelValues(run.Workflow, storage.StepSkipped).Inc()
	return nil
}

// finalize writes the terminal run status: completed only when every real
// step ended completed or skipped.
func (r *Runner) finalize(ctx context.Context, run *storage.WorkflowRun, nodes []node, state *runState) error {
	failed := 0
	var failedSteps []string
	for _, n := range nodes {
		if n.isJoin() {
			continue
		}
		if state.get(n.name) == storage.StepFailed {
			failed++
			failedSteps = append(failedSteps, n.name)
		}
	}

	now := r.clock.Now()
	final := storage.WorkflowRunCompleted
	event := EventRunCompleted
	if failed > 0 {
		final = storage.WorkflowRunFailed
		event = EventRunFailed
	}

	err := r.store.InTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.CASWorkflowRunStatus(ctx, run.ID,
			storage.WorkflowRunRunning, final, now); err != nil {
			return err
		}
		if failed > 0 {
			if err := tx.SetWorkflowRunError(ctx, run.ID,
				"failed steps: "+strings.Join(failedSteps, ", "), now); err != nil {
				return err
			}
		}
		return tx.AppendWorkflowEvent(ctx, &storage.WorkflowEvent{
			RunID:          run.ID,
			EventType:      event,
			IdempotencyKey: eventKey(run.ID, "", event, 0),
			CreatedAt:      now,
		})
	})
	if err != nil {
		return err
	}
	r.logger.Info("workflow run finished",
		log.RunIDKey, run.ID, "workflow", run.Workflow, "status", final)
	return nil
}

// evalWhen evaluates a step predicate against the run params and the
// current step statuses.
func (r *Runner) evalWhen(code string, params map[string]any, state *runState) (bool, error) {
	out, err := expr.Eval(code, map[string]any{
		"params": params,
		"steps":  state.snapshot(),
	})
	if err != nil {
		return false, err
	}
	pass, ok := out.(bool)
	if !ok {
		return false, spineerrors.Validation("when", "predicate must evaluate to a boolean")
	}
	return pass, nil
}

func countRealSteps(nodes []node) int {
	n := 0
	for _, nd := range nodes {
		if !nd.isJoin() {
			n++
		}
	}
	return n
}

func mergeParams(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// eventKey derives the deterministic idempotency key for a workflow event
// so replayed transitions collapse to one row.
func eventKey(runID, step, event string, attempt int) string {
	sum := sha256.Sum256([]byte(runID + "|" + step + "|" + event + "|" + strconv.Itoa(attempt)))
	return hex.EncodeToString(sum[:])
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

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
