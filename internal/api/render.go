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

package api

import (
	"encoding/json"
	"time"

	"github.com/marketspine/spine/internal/registry"
	"github.com/marketspine/spine/internal/storage"
)

// The wire types below are shared with the CLI client. Stored JSON columns
// are passed through as json.RawMessage so payloads round-trip unchanged.

// Execution is the wire form of one execution.
type Execution struct {
	ID                string          `json:"id"`
	Pipeline          string          `json:"pipeline"`
	Params            json.RawMessage `json:"params"`
	Lane              string          `json:"lane"`
	TriggerSource     string          `json:"trigger_source"`
	Status            string          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	ErrorCategory     string          `json:"error_category,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
}

func renderExecution(e *storage.Execution) *Execution {
	return &Execution{
		ID:                e.ID,
		Pipeline:          e.Pipeline,
		Params:            rawJSON(e.Params),
		Lane:              e.Lane,
		TriggerSource:     e.TriggerSource,
		Status:            e.Status,
		CreatedAt:         e.CreatedAt,
		StartedAt:         e.StartedAt,
		CompletedAt:       e.CompletedAt,
		ParentExecutionID: e.ParentExecutionID,
		RetryCount:        e.RetryCount,
		MaxRetries:        e.MaxRetries,
		IdempotencyKey:    e.IdempotencyKey,
		Result:            rawJSON(e.Result),
		ErrorCategory:     e.ErrorCategory,
		ErrorMessage:      e.ErrorMessage,
	}
}

// ExecutionEvent is one entry of an execution's event stream.
type ExecutionEvent struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func renderEvents(events []*storage.ExecutionEvent) []*ExecutionEvent {
	out := make([]*ExecutionEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, &ExecutionEvent{
			Seq:       ev.Seq,
			Type:      ev.Type,
			Timestamp: ev.Timestamp,
			Data:      rawJSON(ev.Data),
		})
	}
	return out
}

// DeadLetter is the wire form of a dead-letter snapshot.
type DeadLetter struct {
	ID            string          `json:"id"`
	ExecutionID   string          `json:"execution_id"`
	Pipeline      string          `json:"pipeline"`
	Params        json.RawMessage `json:"params"`
	ErrorCategory string          `json:"error_category,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	RetryCount    int             `json:"retry_count"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy    string          `json:"resolved_by,omitempty"`
}

func renderDeadLetter(d *storage.DeadLetter) *DeadLetter {
	return &DeadLetter{
		ID:            d.ID,
		ExecutionID:   d.ExecutionID,
		Pipeline:      d.Pipeline,
		Params:        rawJSON(d.Params),
		ErrorCategory: d.ErrorCategory,
		ErrorMessage:  d.ErrorMessage,
		RetryCount:    d.RetryCount,
		CreatedAt:     d.CreatedAt,
		ResolvedAt:    d.ResolvedAt,
		ResolvedBy:    d.ResolvedBy,
	}
}

// Schedule is the wire form of a schedule registration.
type Schedule struct {
	Name                string          `json:"name"`
	TargetType          string          `json:"target_type"`
	Target              string          `json:"target"`
	Params              json.RawMessage `json:"params,omitempty"`
	ScheduleType        string          `json:"schedule_type"`
	Expression          string          `json:"expression"`
	Timezone            string          `json:"timezone,omitempty"`
	Enabled             bool            `json:"enabled"`
	MaxInstances        int             `json:"max_instances,omitempty"`
	MisfireGraceSeconds int             `json:"misfire_grace_seconds,omitempty"`
	NextRunAt           *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt           *time.Time      `json:"last_run_at,omitempty"`
	LastRunStatus       string          `json:"last_run_status,omitempty"`
	Version             int             `json:"version,omitempty"`
}

func renderSchedule(s *storage.Schedule) *Schedule {
	return &Schedule{
		Name:                s.Name,
		TargetType:          s.TargetType,
		Target:              s.Target,
		Params:              rawJSON(s.Params),
		ScheduleType:        s.ScheduleType,
		Expression:          s.Expression,
		Timezone:            s.Timezone,
		Enabled:             s.Enabled,
		MaxInstances:        s.MaxInstances,
		MisfireGraceSeconds: s.MisfireGraceSeconds,
		NextRunAt:           s.NextRunAt,
		LastRunAt:           s.LastRunAt,
		LastRunStatus:       s.LastRunStatus,
		Version:             s.Version,
	}
}

// ScheduleRun is the wire form of one schedule emission.
type ScheduleRun struct {
	ID           string     `json:"id"`
	ScheduleName string     `json:"schedule_name"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Status       string     `json:"status"`
	ExecutionID  string     `json:"execution_id,omitempty"`
	RunID        string     `json:"run_id,omitempty"`
	SkipReason   string     `json:"skip_reason,omitempty"`
	Error        string     `json:"error,omitempty"`
}

func renderScheduleRun(r *storage.ScheduleRun) *ScheduleRun {
	return &ScheduleRun{
		ID:           r.ID,
		ScheduleName: r.ScheduleName,
		ScheduledAt:  r.ScheduledAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		Status:       r.Status,
		ExecutionID:  r.ExecutionID,
		RunID:        r.RunID,
		SkipReason:   r.SkipReason,
		Error:        r.Error,
	}
}

// Anomaly is the wire form of a detected anomaly.
type Anomaly struct {
	ID           string          `json:"id"`
	Domain       string          `json:"domain"`
	PartitionKey string          `json:"partition_key,omitempty"`
	Severity     string          `json:"severity"`
	Category     string          `json:"category"`
	Message      string          `json:"message"`
	Sample       json.RawMessage `json:"sample,omitempty"`
	ExecutionID  string          `json:"execution_id,omitempty"`
	DetectedAt   time.Time       `json:"detected_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
	AckBy        string          `json:"ack_by,omitempty"`
	AckReason    string          `json:"ack_reason,omitempty"`
}

func renderAnomaly(a *storage.Anomaly) *Anomaly {
	return &Anomaly{
		ID:           a.ID,
		Domain:       a.Domain,
		PartitionKey: a.PartitionKey,
		Severity:     a.Severity,
		Category:     a.Category,
		Message:      a.Message,
		Sample:       rawJSON(a.Sample),
		ExecutionID:  a.ExecutionID,
		DetectedAt:   a.DetectedAt,
		ResolvedAt:   a.ResolvedAt,
		AckBy:        a.AckBy,
		AckReason:    a.AckReason,
	}
}

// Readiness is the wire form of a readiness verdict.
type Readiness struct {
	Domain                string     `json:"domain"`
	PartitionKey          string     `json:"partition_key"`
	ReadyFor              string     `json:"ready_for"`
	AllPartitionsPresent  bool       `json:"all_partitions_present"`
	AllStagesComplete     bool       `json:"all_stages_complete"`
	NoCriticalAnomalies   bool       `json:"no_critical_anomalies"`
	DependenciesCurrent   bool       `json:"dependencies_current"`
	AgeExceedsPreliminary bool       `json:"age_exceeds_preliminary"`
	IsReady               bool       `json:"is_ready"`
	CertifiedBy           string     `json:"certified_by,omitempty"`
	CertifiedAt           *time.Time `json:"certified_at,omitempty"`
	BlockedReason         string     `json:"blocked_reason,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func renderReadiness(d *storage.DataReadiness) *Readiness {
	return &Readiness{
		Domain:                d.Domain,
		PartitionKey:          d.PartitionKey,
		ReadyFor:              d.ReadyFor,
		AllPartitionsPresent:  d.AllPartitionsPresent,
		AllStagesComplete:     d.AllStagesComplete,
		NoCriticalAnomalies:   d.NoCriticalAnomalies,
		DependenciesCurrent:   d.DependenciesCurrent,
		AgeExceedsPreliminary: d.AgeExceedsPreliminary,
		IsReady:               d.IsReady,
		CertifiedBy:           d.CertifiedBy,
		CertifiedAt:           d.CertifiedAt,
		BlockedReason:         d.BlockedReason,
		UpdatedAt:             d.UpdatedAt,
	}
}

// WorkflowRun is the wire form of a DAG run.
type WorkflowRun struct {
	ID             string          `json:"id"`
	Workflow       string          `json:"workflow"`
	Version        int             `json:"version"`
	Params         json.RawMessage `json:"params,omitempty"`
	Status         string          `json:"status"`
	TriggerSource  string          `json:"trigger_source"`
	TotalSteps     int             `json:"total_steps"`
	CompletedSteps int             `json:"completed_steps"`
	FailedSteps    int             `json:"failed_steps"`
	SkippedSteps   int             `json:"skipped_steps"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func renderWorkflowRun(r *storage.WorkflowRun) *WorkflowRun {
	return &WorkflowRun{
		ID:             r.ID,
		Workflow:       r.Workflow,
		Version:        r.Version,
		Params:         rawJSON(r.Params),
		Status:         r.Status,
		TriggerSource:  r.TriggerSource,
		TotalSteps:     r.TotalSteps,
		CompletedSteps: r.CompletedSteps,
		FailedSteps:    r.FailedSteps,
		SkippedSteps:   r.SkippedSteps,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
	}
}

// WorkflowStep is the wire form of one step attempt.
type WorkflowStep struct {
	StepName    string     `json:"step_name"`
	Attempt     int        `json:"attempt"`
	Status      string     `json:"status"`
	ExecutionID string     `json:"execution_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func renderWorkflowSteps(steps []*storage.WorkflowStep) []*WorkflowStep {
	out := make([]*WorkflowStep, 0, len(steps))
	for _, st := range steps {
		out = append(out, &WorkflowStep{
			StepName:    st.StepName,
			Attempt:     st.Attempt,
			Status:      st.Status,
			ExecutionID: st.ExecutionID,
			StartedAt:   st.StartedAt,
			CompletedAt: st.CompletedAt,
			Error:       st.Error,
		})
	}
	return out
}

// WorkflowEvent is the wire form of one workflow event.
type WorkflowEvent struct {
	ID        int64           `json:"id"`
	StepName  string          `json:"step_name,omitempty"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func renderWorkflowEvents(events []*storage.WorkflowEvent) []*WorkflowEvent {
	out := make([]*WorkflowEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, &WorkflowEvent{
			ID:        ev.ID,
			StepName:  ev.StepName,
			EventType: ev.EventType,
			Data:      rawJSON(ev.Data),
			CreatedAt: ev.CreatedAt,
		})
	}
	return out
}

// BackfillPlan is the wire form of a backfill plan with derived progress.
type BackfillPlan struct {
	PlanID        string          `json:"plan_id"`
	Domain        string          `json:"domain"`
	Source        string          `json:"source"`
	RangeStart    string          `json:"range_start"`
	RangeEnd      string          `json:"range_end"`
	PartitionKeys json.RawMessage `json:"partition_keys"`
	CompletedKeys json.RawMessage `json:"completed_keys"`
	FailedKeys    json.RawMessage `json:"failed_keys"`
	Status        string          `json:"status"`
	Checkpoint    string          `json:"checkpoint,omitempty"`
	ProgressPct   float64         `json:"progress_pct"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func renderBackfillPlan(p *storage.BackfillPlan, progress float64) *BackfillPlan {
	return &BackfillPlan{
		PlanID:        p.PlanID,
		Domain:        p.Domain,
		Source:        p.Source,
		RangeStart:    p.RangeStart,
		RangeEnd:      p.RangeEnd,
		PartitionKeys: rawJSON(p.PartitionKeys),
		CompletedKeys: rawJSON(p.CompletedKeys),
		FailedKeys:    rawJSON(p.FailedKeys),
		Status:        p.Status,
		Checkpoint:    p.Checkpoint,
		ProgressPct:   progress,
		UpdatedAt:     p.UpdatedAt,
	}
}

// Watermark is the wire form of a per-source cursor.
type Watermark struct {
	Domain       string          `json:"domain"`
	Source       string          `json:"source"`
	PartitionKey string          `json:"partition_key"`
	LowWater     string          `json:"low_water,omitempty"`
	HighWater    string          `json:"high_water"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func renderWatermark(w *storage.Watermark) *Watermark {
	return &Watermark{
		Domain:       w.Domain,
		Source:       w.Source,
		PartitionKey: w.PartitionKey,
		LowWater:     w.LowWater,
		HighWater:    w.HighWater,
		Metadata:     rawJSON(w.Metadata),
		UpdatedAt:    w.UpdatedAt,
	}
}

// WorkItem is the wire form of a durable partition task.
type WorkItem struct {
	ID                string          `json:"id"`
	Domain            string          `json:"domain"`
	Pipeline          string          `json:"pipeline"`
	PartitionKey      string          `json:"partition_key"`
	Params            json.RawMessage `json:"params,omitempty"`
	DesiredAt         time.Time       `json:"desired_at"`
	Priority          int             `json:"priority"`
	State             string          `json:"state"`
	AttemptCount      int             `json:"attempt_count"`
	MaxAttempts       int             `json:"max_attempts"`
	LastError         string          `json:"last_error,omitempty"`
	NextAttemptAt     *time.Time      `json:"next_attempt_at,omitempty"`
	LockedBy          string          `json:"locked_by,omitempty"`
	LockedAt          *time.Time      `json:"locked_at,omitempty"`
	LatestExecutionID string          `json:"latest_execution_id,omitempty"`
}

func renderWorkItem(w *storage.WorkItem) *WorkItem {
	return &WorkItem{
		ID:                w.ID,
		Domain:            w.Domain,
		Pipeline:          w.Pipeline,
		PartitionKey:      w.PartitionKey,
		Params:            rawJSON(w.Params),
		DesiredAt:         w.DesiredAt,
		Priority:          w.Priority,
		State:             w.State,
		AttemptCount:      w.AttemptCount,
		MaxAttempts:       w.MaxAttempts,
		LastError:         w.LastError,
		NextAttemptAt:     w.NextAttemptAt,
		LockedBy:          w.LockedBy,
		LockedAt:          w.LockedAt,
		LatestExecutionID: w.LatestExecutionID,
	}
}

// Alert is the wire form of an emitted alert.
type Alert struct {
	ID        string          `json:"id"`
	Severity  string          `json:"severity"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Source    string          `json:"source,omitempty"`
	Domain    string          `json:"domain,omitempty"`
	DedupKey  string          `json:"dedup_key,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func renderAlert(a *storage.Alert) *Alert {
	return &Alert{
		ID:        a.ID,
		Severity:  a.Severity,
		Title:     a.Title,
		Message:   a.Message,
		Source:    a.Source,
		Domain:    a.Domain,
		DedupKey:  a.DedupKey,
		Metadata:  rawJSON(a.Metadata),
		CreatedAt: a.CreatedAt,
	}
}

// AlertDelivery is the wire form of one delivery attempt.
type AlertDelivery struct {
	AlertID     string     `json:"alert_id"`
	Channel     string     `json:"channel"`
	Attempt     int        `json:"attempt"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func renderAlertDeliveries(ds []*storage.AlertDelivery) []*AlertDelivery {
	out := make([]*AlertDelivery, 0, len(ds))
	for _, d := range ds {
		out = append(out, &AlertDelivery{
			AlertID:     d.AlertID,
			Channel:     d.Channel,
			Attempt:     d.Attempt,
			Status:      d.Status,
			Error:       d.Error,
			NextRetryAt: d.NextRetryAt,
			CreatedAt:   d.CreatedAt,
		})
	}
	return out
}

// AlertChannel is the wire form of a delivery channel.
type AlertChannel struct {
	Name                string          `json:"name"`
	Kind                string          `json:"kind"`
	MinSeverity         string          `json:"min_severity"`
	Domains             json.RawMessage `json:"domains,omitempty"`
	Config              json.RawMessage `json:"config,omitempty"`
	Enabled             bool            `json:"enabled"`
	ThrottleMinutes     int             `json:"throttle_minutes"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	DisabledReason      string          `json:"disabled_reason,omitempty"`
}

func renderAlertChannel(c *storage.AlertChannel) *AlertChannel {
	return &AlertChannel{
		Name:                c.Name,
		Kind:                c.Kind,
		MinSeverity:         c.MinSeverity,
		Domains:             rawJSON(c.Domains),
		Config:              rawJSON(c.Config),
		Enabled:             c.Enabled,
		ThrottleMinutes:     c.ThrottleMinutes,
		ConsecutiveFailures: c.ConsecutiveFailures,
		DisabledReason:      c.DisabledReason,
	}
}

// Pipeline is the wire form of a pipeline spec.
type Pipeline struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Version     int     `json:"version"`
	Ingest      bool    `json:"ingest,omitempty"`
	Domain      string  `json:"domain,omitempty"`
	Params      []Param `json:"params,omitempty"`
}

// Param is the wire form of one parameter declaration.
type Param struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Required    bool     `json:"required,omitempty"`
	Default     any      `json:"default,omitempty"`
	Values      []string `json:"values,omitempty"`
	Description string   `json:"description,omitempty"`
}

func renderPipeline(spec registry.PipelineSpec) *Pipeline {
	params := make([]Param, 0, len(spec.Params))
	for _, def := range spec.Params {
		params = append(params, Param{
			Name:        def.Name,
			Type:        string(def.Type),
			Required:    def.Required,
			Default:     def.Default,
			Values:      def.Values,
			Description: def.Description,
		})
	}
	return &Pipeline{
		Name:        spec.Name,
		Description: spec.Description,
		Version:     spec.Version,
		Ingest:      spec.Ingest,
		Domain:      spec.Domain,
		Params:      params,
	}
}

// rawJSON passes a stored JSON column through without re-encoding. Empty
// columns render as JSON null.
func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
