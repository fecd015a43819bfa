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

// Package api exposes the control-plane HTTP surface. Handlers translate
// between JSON and the core services; error categories map to status
// codes per the taxonomy (validation 400, not_found 404, conflict 409,
// timeout 504, everything else 500).
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marketspine/spine/internal/alert"
	"github.com/marketspine/spine/internal/backfill"
	"github.com/marketspine/spine/internal/capture"
	"github.com/marketspine/spine/internal/dispatch"
	"github.com/marketspine/spine/internal/log"
	"github.com/marketspine/spine/internal/metrics"
	"github.com/marketspine/spine/internal/registry"
	"github.com/marketspine/spine/internal/scheduler"
	"github.com/marketspine/spine/internal/workflow"
	"github.com/marketspine/spine/internal/workqueue"
	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// Services are the core collaborators the API serves. All fields are
// required except Metrics, which disables /metrics when nil.
type Services struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Service
	Capture    *capture.Service
	Workflows  *workflow.Runner
	Backfill   *backfill.Planner
	Queue      *workqueue.Queue
	Alerts     *alert.Bus
	Metrics    *metrics.Metrics
}

// Server is the HTTP API server.
type Server struct {
	svc    Services
	logger *slog.Logger
	router chi.Router
}

// NewServer builds the router over the given services.
func NewServer(svc Services, logger *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		logger: log.WithComponent(logger, "api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	if svc.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			svc.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/pipelines", func(r chi.Router) {
			r.Get("/", s.handlePipelineList)
			r.Get("/{name}", s.handlePipelineDescribe)
			r.Post("/{name}/resolve-source", s.handleResolveSource)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Post("/", s.handleExecutionSubmit)
			r.Get("/", s.handleExecutionList)
			r.Get("/{id}", s.handleExecutionGet)
			r.Get("/{id}/events", s.handleExecutionEvents)
			r.Delete("/{id}", s.handleExecutionCancel)
			r.Post("/{id}/retry", s.handleExecutionRetry)
		})

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", s.handleDeadLetterList)
			r.Post("/{execution_id}/resolve", s.handleDeadLetterResolve)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleScheduleList)
			r.Get("/upcoming", s.handleScheduleUpcoming)
			r.Get("/overdue", s.handleScheduleOverdue)
			r.Put("/{name}", s.handleScheduleUpsert)
			r.Get("/{name}", s.handleScheduleGet)
			r.Get("/{name}/runs", s.handleScheduleRuns)
			r.Post("/{name}/enable", s.handleScheduleEnable)
			r.Post("/{name}/disable", s.handleScheduleDisable)
			r.Post("/{name}/trigger", s.handleScheduleTrigger)
		})

		r.Route("/anomalies", func(r chi.Router) {
			r.Get("/", s.handleAnomalyList)
			r.Post("/{id}/ack", s.handleAnomalyAck)
		})

		r.Route("/readiness", func(r chi.Router) {
			r.Get("/", s.handleReadinessGet)
			r.Post("/certify", s.handleReadinessCertify)
			r.Post("/block", s.handleReadinessBlock)
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleWorkflowList)
			r.Post("/{name}/runs", s.handleWorkflowRun)
		})
		r.Route("/workflow-runs", func(r chi.Router) {
			r.Get("/{id}", s.handleWorkflowRunGet)
			r.Get("/{id}/steps", s.handleWorkflowRunSteps)
			r.Get("/{id}/events", s.handleWorkflowRunEvents)
		})

		r.Route("/backfills", func(r chi.Router) {
			r.Post("/", s.handleBackfillPlan)
			r.Get("/", s.handleBackfillList)
			r.Get("/{id}", s.handleBackfillGet)
			r.Post("/{id}/execute", s.handleBackfillExecute)
			r.Post("/{id}/cancel", s.handleBackfillCancel)
			r.Post("/{id}/retry-key", s.handleBackfillRetryKey)
		})

		r.Route("/watermarks", func(r chi.Router) {
			r.Get("/", s.handleWatermarkList)
			r.Put("/", s.handleWatermarkAdvance)
			r.Post("/rewind", s.handleWatermarkRewind)
		})

		r.Get("/work-items", s.handleWorkItemList)

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleAlertList)
			r.Get("/{id}/deliveries", s.handleAlertDeliveries)
		})
		r.Route("/alert-channels", func(r chi.Router) {
			r.Get("/", s.handleChannelList)
			r.Put("/{name}", s.handleChannelUpsert)
			r.Post("/{name}/enable", s.handleChannelEnable)
			r.Post("/{name}/disable", s.handleChannelDisable)
		})
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Category string         `json:"category"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error onto the taxonomy status code and envelope.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	detail := errorDetail{
		Category: string(spineerrors.CategoryOf(err)),
		Message:  err.Error(),
	}
	var e *spineerrors.Error
	if spineerrors.As(err, &e) {
		detail.Message = e.Message
		detail.Details = e.Details
	}
	status := spineerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", log.Error(err))
	}
	writeJSON(w, status, errorBody{Error: detail})
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return spineerrors.Validation("body", "invalid JSON: "+err.Error())
	}
	return nil
}
