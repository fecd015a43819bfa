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

package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/marketspine/spine/internal/api"
)

// Pipelines lists registered pipelines, optionally by dotted prefix.
func (c *Client) Pipelines(ctx context.Context, prefix string) ([]*api.Pipeline, error) {
	q := url.Values{}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	var out []*api.Pipeline
	err := c.do(ctx, http.MethodGet, "/v1/pipelines", q, nil, &out)
	return out, err
}

// Pipeline describes one pipeline.
func (c *Client) Pipeline(ctx context.Context, name string) (*api.Pipeline, error) {
	var out api.Pipeline
	err := c.do(ctx, http.MethodGet, pathf("/v1/pipelines/%s", name), nil, nil, &out)
	return &out, err
}

// ResolveSource reports where an ingest pipeline would read from.
func (c *Client) ResolveSource(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, pathf("/v1/pipelines/%s/resolve-source", name),
		nil, map[string]any{"params": params}, &out)
	return out, err
}

// SubmitExecution submits a pipeline execution.
func (c *Client) SubmitExecution(ctx context.Context, pipeline string, params map[string]any, lane string) (*api.Execution, error) {
	var out api.Execution
	err := c.do(ctx, http.MethodPost, "/v1/executions", nil, map[string]any{
		"pipeline": pipeline,
		"params":   params,
		"lane":     lane,
	}, &out)
	return &out, err
}

// Execution fetches one execution.
func (c *Client) Execution(ctx context.Context, id string) (*api.Execution, error) {
	var out api.Execution
	err := c.do(ctx, http.MethodGet, pathf("/v1/executions/%s", id), nil, nil, &out)
	return &out, err
}

// ExecutionFilter narrows Executions listings.
type ExecutionFilter struct {
	Pipeline string
	Status   string
	Lane     string
	Cursor   string
	Limit    int
}

// Executions lists executions.
func (c *Client) Executions(ctx context.Context, f ExecutionFilter) ([]*api.Execution, error) {
	q := url.Values{}
	setIf(q, "pipeline", f.Pipeline)
	setIf(q, "status", f.Status)
	setIf(q, "lane", f.Lane)
	setIf(q, "cursor", f.Cursor)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out []*api.Execution
	err := c.do(ctx, http.MethodGet, "/v1/executions", q, nil, &out)
	return out, err
}

// ExecutionEvents tails the event stream of an execution after seq.
func (c *Client) ExecutionEvents(ctx context.Context, id string, after int64) ([]*api.ExecutionEvent, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	var out []*api.ExecutionEvent
	err := c.do(ctx, http.MethodGet, pathf("/v1/executions/%s/events", id), q, nil, &out)
	return out, err
}

// CancelExecution requests cancellation.
func (c *Client) CancelExecution(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodDelete, pathf("/v1/executions/%s", id),
		nil, map[string]any{"reason": reason}, nil)
}

// RetryExecution creates a fresh execution from a failed one.
func (c *Client) RetryExecution(ctx context.Context, id string) (*api.Execution, error) {
	var out api.Execution
	err := c.do(ctx, http.MethodPost, pathf("/v1/executions/%s/retry", id), nil, nil, &out)
	return &out, err
}

// DeadLetters lists unresolved dead letters.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]*api.DeadLetter, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []*api.DeadLetter
	err := c.do(ctx, http.MethodGet, "/v1/dead-letters", q, nil, &out)
	return out, err
}

// ResolveDeadLetter marks a dead letter handled.
func (c *Client) ResolveDeadLetter(ctx context.Context, executionID, resolvedBy, note string) error {
	return c.do(ctx, http.MethodPost, pathf("/v1/dead-letters/%s/resolve", executionID),
		nil, map[string]any{"resolved_by": resolvedBy, "note": note}, nil)
}

// ScheduleUpsert is the registration payload for UpsertSchedule.
type ScheduleUpsert struct {
	TargetType          string `json:"target_type"`
	Target              string `json:"target"`
	Params              string `json:"params,omitempty"`
	ScheduleType        string `json:"schedule_type"`
	Expression          string `json:"expression"`
	Timezone            string `json:"timezone,omitempty"`
	Enabled             *bool  `json:"enabled,omitempty"`
	MaxInstances        int    `json:"max_instances,omitempty"`
	MisfireGraceSeconds int    `json:"misfire_grace_seconds,omitempty"`
}

// UpsertSchedule registers or replaces a schedule by name.
func (c *Client) UpsertSchedule(ctx context.Context, name string, req ScheduleUpsert) (*api.Schedule, error) {
	var out api.Schedule
	err := c.do(ctx, http.MethodPut, pathf("/v1/schedules/%s", name), nil, req, &out)
	return &out, err
}

// Schedule fetches one schedule.
func (c *Client) Schedule(ctx context.Context, name string) (*api.Schedule, error) {
	var out api.Schedule
	err := c.do(ctx, http.MethodGet, pathf("/v1/schedules/%s", name), nil, nil, &out)
	return &out, err
}

// Schedules lists all schedules.
func (c *Client) Schedules(ctx context.Context) ([]*api.Schedule, error) {
	var out []*api.Schedule
	err := c.do(ctx, http.MethodGet, "/v1/schedules", nil, nil, &out)
	return out, err
}

// ScheduleRuns lists recent emissions of a schedule.
func (c *Client) ScheduleRuns(ctx context.Context, name string, limit int) ([]*api.ScheduleRun, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []*api.ScheduleRun
	err := c.do(ctx, http.MethodGet, pathf("/v1/schedules/%s/runs", name), q, nil, &out)
	return out, err
}

// SetScheduleEnabled enables or disables a schedule.
func (c *Client) SetScheduleEnabled(ctx context.Context, name string, enabled bool) error {
	action := "disable"
	if enabled {
		action = "enable"
	}
	return c.do(ctx, http.MethodPost, pathf("/v1/schedules/%s", name)+"/"+action, nil, nil, nil)
}

// TriggerSchedule emits one immediate run for a schedule.
func (c *Client) TriggerSchedule(ctx context.Context, name string) (*api.ScheduleRun, error) {
	var out api.ScheduleRun
	err := c.do(ctx, http.MethodPost, pathf("/v1/schedules/%s/trigger", name), nil, nil, &out)
	return &out, err
}

// UpcomingSchedules lists enabled schedules by next fire-time.
func (c *Client) UpcomingSchedules(ctx context.Context, limit int) ([]*api.Schedule, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []*api.Schedule
	err := c.do(ctx, http.MethodGet, "/v1/schedules/upcoming", q, nil, &out)
	return out, err
}

// OverdueSchedules lists enabled schedules whose fire-time has passed.
func (c *Client) OverdueSchedules(ctx context.Context) ([]*api.Schedule, error) {
	var out []*api.Schedule
	err := c.do(ctx, http.MethodGet, "/v1/schedules/overdue", nil, nil, &out)
	return out, err
}

// AnomalyFilter narrows Anomalies listings.
type AnomalyFilter struct {
	Domain     string
	Partition  string
	Severity   string
	Category   string
	Unresolved bool
	Limit      int
}

// Anomalies lists detected anomalies.
func (c *Client) Anomalies(ctx context.Context, f AnomalyFilter) ([]*api.Anomaly, error) {
	q := url.Values{}
	setIf(q, "domain", f.Domain)
	setIf(q, "partition", f.Partition)
	setIf(q, "severity", f.Severity)
	setIf(q, "category", f.Category)
	if f.Unresolved {
		q.Set("unresolved", "true")
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out []*api.Anomaly
	err := c.do(ctx, http.MethodGet, "/v1/anomalies", q, nil, &out)
	return out, err
}

// AckAnomaly acknowledges an anomaly.
func (c *Client) AckAnomaly(ctx context.Context, id, ackBy, reason string) error {
	return c.do(ctx, http.MethodPost, pathf("/v1/anomalies/%s/ack", id),
		nil, map[string]any{"ack_by": ackBy, "reason": reason}, nil)
}

// Readiness fetches the readiness verdict for one partition and use.
func (c *Client) Readiness(ctx context.Context, domain, partition, readyFor string) (*api.Readiness, error) {
	q := url.Values{}
	q.Set("domain", domain)
	q.Set("partition", partition)
	q.Set("ready_for", readyFor)
	var out api.Readiness
	err := c.do(ctx, http.MethodGet, "/v1/readiness", q, nil, &out)
	return &out, err
}

// CertifyReadiness certifies a partition for a downstream use.
func (c *Client) CertifyReadiness(ctx context.Context, domain, partition, readyFor, certifier string) error {
	return c.do(ctx, http.MethodPost, "/v1/readiness/certify", nil, map[string]any{
		"domain": domain, "partition": partition, "ready_for": readyFor, "certifier": certifier,
	}, nil)
}

// BlockReadiness blocks a partition for a downstream use.
func (c *Client) BlockReadiness(ctx context.Context, domain, partition, readyFor, reason string) error {
	return c.do(ctx, http.MethodPost, "/v1/readiness/block", nil, map[string]any{
		"domain": domain, "partition": partition, "ready_for": readyFor, "reason": reason,
	}, nil)
}

// Workflows lists registered workflow definitions.
func (c *Client) Workflows(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	err := c.do(ctx, http.MethodGet, "/v1/workflows", nil, nil, &out)
	return out, err
}

// RunWorkflow starts a workflow run.
func (c *Client) RunWorkflow(ctx context.Context, name string, params map[string]any) (*api.WorkflowRun, error) {
	var out api.WorkflowRun
	err := c.do(ctx, http.MethodPost, pathf("/v1/workflows/%s/runs", name),
		nil, map[string]any{"params": params}, &out)
	return &out, err
}

// WorkflowRun fetches one run.
func (c *Client) WorkflowRun(ctx context.Context, id string) (*api.WorkflowRun, error) {
	var out api.WorkflowRun
	err := c.do(ctx, http.MethodGet, pathf("/v1/workflow-runs/%s", id), nil, nil, &out)
	return &out, err
}

// WorkflowSteps lists a run's step attempts.
func (c *Client) WorkflowSteps(ctx context.Context, id string) ([]*api.WorkflowStep, error) {
	var out []*api.WorkflowStep
	err := c.do(ctx, http.MethodGet, pathf("/v1/workflow-runs/%s/steps", id), nil, nil, &out)
	return out, err
}

// WorkflowEvents lists a run's event log.
func (c *Client) WorkflowEvents(ctx context.Context, id string) ([]*api.WorkflowEvent, error) {
	var out []*api.WorkflowEvent
	err := c.do(ctx, http.MethodGet, pathf("/v1/workflow-runs/%s/events", id), nil, nil, &out)
	return out, err
}

// BackfillPlanRequest is the payload for PlanBackfill.
type BackfillPlanRequest struct {
	Domain     string `json:"domain"`
	Source     string `json:"source"`
	Template   string `json:"template"`
	RangeStart string `json:"range_start"`
	RangeEnd   string `json:"range_end"`
	Stage      string `json:"stage,omitempty"`
}

// PlanBackfill enumerates and persists a backfill plan.
func (c *Client) PlanBackfill(ctx context.Context, req BackfillPlanRequest) (*api.BackfillPlan, error) {
	var out api.BackfillPlan
	err := c.do(ctx, http.MethodPost, "/v1/backfills", nil, req, &out)
	return &out, err
}

// BackfillExecuteRequest is the payload for ExecuteBackfill.
type BackfillExecuteRequest struct {
	Pipeline       string         `json:"pipeline"`
	PartitionParam string         `json:"partition_param"`
	Params         map[string]any `json:"params,omitempty"`
	MaxAttempts    int            `json:"max_attempts,omitempty"`
}

// ExecuteBackfill drains a plan through the work-item queue.
func (c *Client) ExecuteBackfill(ctx context.Context, planID string, req BackfillExecuteRequest) (*api.BackfillPlan, error) {
	var out api.BackfillPlan
	err := c.do(ctx, http.MethodPost, pathf("/v1/backfills/%s/execute", planID), nil, req, &out)
	return &out, err
}

// Backfill fetches one plan.
func (c *Client) Backfill(ctx context.Context, planID string) (*api.BackfillPlan, error) {
	var out api.BackfillPlan
	err := c.do(ctx, http.MethodGet, pathf("/v1/backfills/%s", planID), nil, nil, &out)
	return &out, err
}

// Backfills lists plans, optionally by domain.
func (c *Client) Backfills(ctx context.Context, domain string, limit int) ([]*api.BackfillPlan, error) {
	q := url.Values{}
	setIf(q, "domain", domain)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []*api.BackfillPlan
	err := c.do(ctx, http.MethodGet, "/v1/backfills", q, nil, &out)
	return out, err
}

// CancelBackfill cancels a plan.
func (c *Client) CancelBackfill(ctx context.Context, planID string) error {
	return c.do(ctx, http.MethodPost, pathf("/v1/backfills/%s/cancel", planID), nil, nil, nil)
}

// RetryBackfillKey moves one failed partition key back to pending.
func (c *Client) RetryBackfillKey(ctx context.Context, planID, key string) (*api.BackfillPlan, error) {
	var out api.BackfillPlan
	err := c.do(ctx, http.MethodPost, pathf("/v1/backfills/%s/retry-key", planID),
		nil, map[string]any{"key": key}, &out)
	return &out, err
}

// Watermarks lists a domain's watermarks.
func (c *Client) Watermarks(ctx context.Context, domain string) ([]*api.Watermark, error) {
	q := url.Values{}
	q.Set("domain", domain)
	var out []*api.Watermark
	err := c.do(ctx, http.MethodGet, "/v1/watermarks", q, nil, &out)
	return out, err
}

// WatermarkWrite is the payload for AdvanceWatermark and RewindWatermark.
type WatermarkWrite struct {
	Domain       string `json:"domain"`
	Source       string `json:"source"`
	PartitionKey string `json:"partition_key"`
	LowWater     string `json:"low_water,omitempty"`
	HighWater    string `json:"high_water"`
	Metadata     string `json:"metadata,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// AdvanceWatermark advances a watermark; a lower high_water is a no-op.
func (c *Client) AdvanceWatermark(ctx context.Context, req WatermarkWrite) (*api.Watermark, error) {
	var out api.Watermark
	err := c.do(ctx, http.MethodPut, "/v1/watermarks", nil, req, &out)
	return &out, err
}

// RewindWatermark lowers a watermark, recording the decrease as an anomaly.
func (c *Client) RewindWatermark(ctx context.Context, req WatermarkWrite) (*api.Watermark, error) {
	var out api.Watermark
	err := c.do(ctx, http.MethodPost, "/v1/watermarks/rewind", nil, req, &out)
	return &out, err
}

// WorkItems lists work items by domain and state.
func (c *Client) WorkItems(ctx context.Context, domain, state string, limit int) ([]*api.WorkItem, error) {
	q := url.Values{}
	setIf(q, "domain", domain)
	setIf(q, "state", state)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []*api.WorkItem
	err := c.do(ctx, http.MethodGet, "/v1/work-items", q, nil, &out)
	return out, err
}

// Alerts lists emitted alerts.
func (c *Client) Alerts(ctx context.Context, severity, domain string, limit int) ([]*api.Alert, error) {
	q := url.Values{}
	setIf(q, "severity", severity)
	setIf(q, "domain", domain)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []*api.Alert
	err := c.do(ctx, http.MethodGet, "/v1/alerts", q, nil, &out)
	return out, err
}

// AlertDeliveries lists delivery attempts for one alert.
func (c *Client) AlertDeliveries(ctx context.Context, alertID string) ([]*api.AlertDelivery, error) {
	var out []*api.AlertDelivery
	err := c.do(ctx, http.MethodGet, pathf("/v1/alerts/%s/deliveries", alertID), nil, nil, &out)
	return out, err
}

// SetAlertChannelEnabled enables or disables a delivery channel.
func (c *Client) SetAlertChannelEnabled(ctx context.Context, name string, enabled bool) error {
	action := "disable"
	if enabled {
		action = "enable"
	}
	return c.do(ctx, http.MethodPost, pathf("/v1/alert-channels/%s", name)+"/"+action, nil, nil, nil)
}

// AlertChannels lists delivery channels.
func (c *Client) AlertChannels(ctx context.Context) ([]*api.AlertChannel, error) {
	var out []*api.AlertChannel
	err := c.do(ctx, http.MethodGet, "/v1/alert-channels", nil, nil, &out)
	return out, err
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
