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
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marketspine/spine/internal/storage"
	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// scheduleUpsertRequest is the body for PUT /v1/schedules/{name}.
type scheduleUpsertRequest struct {
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

// handleScheduleUpsert serves PUT /v1/schedules/{name}. Idempotent by
// name; replacing bumps the stored version.
func (s *Server) handleScheduleUpsert(w http.ResponseWriter, r *http.Request) {
	var req scheduleUpsertRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sched := &storage.Schedule{
		Name:                chi.URLParam(r, "name"),
		TargetType:          req.TargetType,
		Target:              req.Target,
		Params:              req.Params,
		ScheduleType:        req.ScheduleType,
		Expression:          req.Expression,
		Timezone:            req.Timezone,
		Enabled:             enabled,
		MaxInstances:        req.MaxInstances,
		MisfireGraceSeconds: req.MisfireGraceSeconds,
	}
	if err := s.svc.Scheduler.Upsert(r.Context(), sched); err != nil {
		s.writeError(w, err)
		return
	}
	stored, err := s.svc.Scheduler.Get(r.Context(), sched.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderSchedule(stored))
}

// handleScheduleList serves GET /v1/schedules.
func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.svc.Scheduler.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderSchedules(scheds))
}

// handleScheduleGet serves GET /v1/schedules/{name}.
func (s *Server) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	sched, err := s.svc.Scheduler.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderSchedule(sched))
}

// handleScheduleRuns serves GET /v1/schedules/{name}/runs?limit=.
func (s *Server) handleScheduleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.svc.Scheduler.Runs(r.Context(), chi.URLParam(r, "name"),
		intQuery(r.URL.Query().Get("limit"), 20))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]*ScheduleRun, 0, len(runs))
	for _, run := range runs {
		out = append(out, renderScheduleRun(run))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleScheduleEnable serves POST /v1/schedules/{name}/enable.
func (s *Server) handleScheduleEnable(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, true)
}

// handleScheduleDisable serves POST /v1/schedules/{name}/disable.
func (s *Server) handleScheduleDisable(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, false)
}

func (s *Server) setScheduleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := chi.URLParam(r, "name")
	if _, err := s.svc.Scheduler.Get(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.svc.Scheduler.SetEnabled(r.Context(), name, enabled); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": enabled})
}

// handleScheduleTrigger serves POST /v1/schedules/{name}/trigger. The
// emitted run is outside the schedule's fire-times; the cursor does not
// advance.
func (s *Server) handleScheduleTrigger(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Scheduler.TriggerNow(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, renderScheduleRun(run))
}

// handleScheduleUpcoming serves GET /v1/schedules/upcoming?limit=.
func (s *Server) handleScheduleUpcoming(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.svc.Scheduler.Upcoming(r.Context(),
		intQuery(r.URL.Query().Get("limit"), 20))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderSchedules(scheds))
}

// handleScheduleOverdue serves GET /v1/schedules/overdue.
func (s *Server) handleScheduleOverdue(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.svc.Scheduler.Overdue(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderSchedules(scheds))
}

func renderSchedules(scheds []*storage.Schedule) []*Schedule {
	out := make([]*Schedule, 0, len(scheds))
	for _, sched := range scheds {
		out = append(out, renderSchedule(sched))
	}
	return out
}

// requireQuery returns a validation error when the named query parameter
// is empty.
func requireQuery(r *http.Request, name string) (string, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", spineerrors.Validation(name, "query parameter is required")
	}
	return v, nil
}
