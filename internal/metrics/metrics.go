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

// Package metrics exposes Prometheus instrumentation for the core services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector registered by the core. One instance is
// created by the composition root and shared by reference.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec // labels: pipeline, status
	ExecutionSeconds  *prometheus.HistogramVec
	RetriesTotal      *prometheus.CounterVec // labels: pipeline, lane
	DeadLettersTotal  *prometheus.CounterVec // labels: pipeline
	QueueDepth        *prometheus.GaugeVec   // labels: domain, state
	LeaseReclaims     prometheus.Counter
	ScheduleMisfires  *prometheus.CounterVec // labels: schedule, reason
	ScheduleRunsTotal *prometheus.CounterVec // labels: schedule, status
	AlertDeliveries   *prometheus.CounterVec // labels: channel, status
	WorkflowStepsRun  *prometheus.CounterVec // labels: workflow, status
	BackfillProgress  *prometheus.GaugeVec   // labels: plan_id
}

// New creates a Metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spine",
			Name:      "executions_total",
			Help:      "Executions reaching a terminal status.",
		}, []string{"pipeline", "status"}),
		ExecutionSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spine",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of completed execution attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"pipeline"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spine",
			Name:      "execution_retries_total",
			Help:      "Transient-failure retries scheduled by the dispatcher.",
		}, []string{"pipeline", "lane"}),
		DeadLettersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spine",
			Name:      "dead_letters_total",
			Help:      "Executions dead-lettered after exhausting retries.",
		}, []string{"pipeline"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spine",
			Name:      "work_items",
			Help:      "Work items by domain and state.",
		}, []string{"domain", "state"}),
		LeaseReclaims: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "spine",
			Name:      "lease_reclaims_total",
			Help:      "Expired work-item leases returned to PENDING.",
		}),
		ScheduleMisfires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spine",
			Name:      "schedule_misfires_total",
			Help:      "Schedule fire-times recorded as missed.",
		}, []string{"schedule", "reason"}),
		ScheduleRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spine",
			Name:      "schedule_runs_total",
			Help:      "Schedule runs by outcome.",
		}, []string{"schedule", "status"}),
		AlertDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spine",
			Name:      "alert_deliveries_total",
			Help:      "Alert delivery attempts by channel and outcome.",
		}, []string{"channel", "status"}),
		WorkflowStepsRun: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spine",
			Name:      "workflow_steps_total",
			Help:      "Workflow step attempts by terminal status.",
		}, []string{"workflow", "status"}),
		BackfillProgress: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spine",
			Name:      "backfill_progress_ratio",
			Help:      "Completed fraction of a backfill plan.",
		}, []string{"plan_id"}),
	}
}
