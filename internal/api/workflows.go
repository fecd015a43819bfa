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
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marketspine/spine/internal/log"
)

// handleWorkflowList serves GET /v1/workflows.
func (s *Server) handleWorkflowList(w http.ResponseWriter, _ *http.Request) {
	defs := s.svc.Workflows.Definitions()
	out := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		out = append(out, map[string]any{
			"name":        def.Name,
			"version":     def.Version,
			"description": def.Description,
			"steps":       len(def.Steps),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// workflowRunRequest is the body for POST /v1/workflows/{name}/runs.
type workflowRunRequest struct {
	Params map[string]any `json:"params,omitempty"`
}

// handleWorkflowRun serves POST /v1/workflows/{name}/runs. The run is
// created synchronously and executed on its own goroutine; the response
// carries the pending run for polling.
func (s *Server) handleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	var req workflowRunRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	name := chi.URLParam(r, "name")
	runID, err := s.svc.Workflows.StartRun(r.Context(), name, req.Params, "api")
	if err != nil {
		s.writeError(w, err)
		return
	}

	execCtx := context.WithoutCancel(r.Context())
	go func() {
		if err := s.svc.Workflows.Execute(execCtx, runID); err != nil {
			s.logger.Error("workflow run failed",
				log.RunIDKey, runID, "workflow", name, log.Error(err))
		}
	}()

	run, err := s.svc.Workflows.Get(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, renderWorkflowRun(run))
}

// handleWorkflowRunGet serves GET /v1/workflow-runs/{id}.
func (s *Server) handleWorkflowRunGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Workflows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderWorkflowRun(run))
}

// handleWorkflowRunSteps serves GET /v1/workflow-runs/{id}/steps.
func (s *Server) handleWorkflowRunSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.svc.Workflows.Steps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderWorkflowSteps(steps))
}

// handleWorkflowRunEvents serves GET /v1/workflow-runs/{id}/events.
func (s *Server) handleWorkflowRunEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.Workflows.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderWorkflowEvents(events))
}
