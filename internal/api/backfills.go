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

	"github.com/marketspine/spine/internal/backfill"
	"github.com/marketspine/spine/internal/storage"
	spineerrors "github.com/marketspine/spine/pkg/errors"
)

// backfillPlanRequest is the body for POST /v1/backfills.
type backfillPlanRequest struct {
	Domain     string `json:"domain"`
	Source     string `json:"source"`
	Template   string `json:"template"`
	RangeStart string `json:"range_start"`
	RangeEnd   string `json:"range_end"`
	Stage      string `json:"stage,omitempty"`
}

// handleBackfillPlan serves POST /v1/backfills.
func (s *Server) handleBackfillPlan(w http.ResponseWriter, r *http.Request) {
	var req backfillPlanRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	plan, err := s.svc.Backfill.Plan(r.Context(), backfill.PlanRequest{
		Domain:     req.Domain,
		Source:     req.Source,
		Template:   req.Template,
		RangeStart: req.RangeStart,
		RangeEnd:   req.RangeEnd,
		Stage:      req.Stage,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderBackfillPlan(plan, backfill.Progress(plan)))
}

// handleBackfillList serves GET /v1/backfills?domain=.
func (s *Server) handleBackfillList(w http.ResponseWriter, r *http.Request) {
	plans, err := s.svc.Backfill.ListPlans(r.Context(), r.URL.Query().Get("domain"),
		intQuery(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]*BackfillPlan, 0, len(plans))
	for _, p := range plans {
		out = append(out, renderBackfillPlan(p, backfill.Progress(p)))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleBackfillGet serves GET /v1/backfills/{id}.
func (s *Server) handleBackfillGet(w http.ResponseWriter, r *http.Request) {
	plan, err := s.svc.Backfill.GetPlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderBackfillPlan(plan, backfill.Progress(plan)))
}

// backfillExecuteRequest is the body for POST /v1/backfills/{id}/execute.
type backfillExecuteRequest struct {
	Pipeline       string         `json:"pipeline"`
	PartitionParam string         `json:"partition_param"`
	Params         map[string]any `json:"params,omitempty"`
	MaxAttempts    int            `json:"max_attempts,omitempty"`
}

// handleBackfillExecute serves POST /v1/backfills/{id}/execute. Execution
// drains the plan synchronously; for long plans callers should poll
// GET /v1/backfills/{id} from another request.
func (s *Server) handleBackfillExecute(w http.ResponseWriter, r *http.Request) {
	var req backfillExecuteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	plan, err := s.svc.Backfill.Execute(r.Context(), chi.URLParam(r, "id"), backfill.ExecuteRequest{
		Pipeline:       req.Pipeline,
		PartitionParam: req.PartitionParam,
		Params:         req.Params,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderBackfillPlan(plan, backfill.Progress(plan)))
}

// handleBackfillCancel serves POST /v1/backfills/{id}/cancel.
func (s *Server) handleBackfillCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Backfill.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"plan_id": id, "status": "cancelled"})
}

// retryKeyRequest is the body for POST /v1/backfills/{id}/retry-key.
type retryKeyRequest struct {
	Key string `json:"key"`
}

// handleBackfillRetryKey serves POST /v1/backfills/{id}/retry-key, moving
// one failed partition key back into the plan's pending set.
func (s *Server) handleBackfillRetryKey(w http.ResponseWriter, r *http.Request) {
	var req retryKeyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Key == "" {
		s.writeError(w, spineerrors.Validation("key", "must not be empty"))
		return
	}
	plan, err := s.svc.Backfill.RetryKey(r.Context(), chi.URLParam(r, "id"), req.Key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderBackfillPlan(plan, backfill.Progress(plan)))
}

// handleWatermarkList serves GET /v1/watermarks?domain=.
func (s *Server) handleWatermarkList(w http.ResponseWriter, r *http.Request) {
	domain, err := requireQuery(r, "domain")
	if err != nil {
		s.writeError(w, err)
		return
	}
	marks, err := s.svc.Backfill.Watermarks(r.Context(), domain)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]*Watermark, 0, len(marks))
	for _, m := range marks {
		out = append(out, renderWatermark(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// watermarkRequest is the body for watermark writes.
type watermarkRequest struct {
	Domain       string `json:"domain"`
	Source       string `json:"source"`
	PartitionKey string `json:"partition_key"`
	LowWater     string `json:"low_water,omitempty"`
	HighWater    string `json:"high_water"`
	Metadata     string `json:"metadata,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// handleWatermarkAdvance serves PUT /v1/watermarks. Advancing is monotone:
// a high_water below the stored value leaves the row unchanged.
func (s *Server) handleWatermarkAdvance(w http.ResponseWriter, r *http.Request) {
	var req watermarkRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	err := s.svc.Backfill.AdvanceWatermark(r.Context(), &storage.Watermark{
		Domain:       req.Domain,
		Source:       req.Source,
		PartitionKey: req.PartitionKey,
		LowWater:     req.LowWater,
		HighWater:    req.HighWater,
		Metadata:     req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	mark, err := s.svc.Backfill.Watermark(r.Context(), req.Domain, req.Source, req.PartitionKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderWatermark(mark))
}

// handleWatermarkRewind serves POST /v1/watermarks/rewind. The decrease is
// recorded as a watermark_rewind anomaly.
func (s *Server) handleWatermarkRewind(w http.ResponseWriter, r *http.Request) {
	var req watermarkRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Reason == "" {
		s.writeError(w, spineerrors.Validation("reason", "must not be empty"))
		return
	}
	err := s.svc.Backfill.RewindWatermark(r.Context(),
		req.Domain, req.Source, req.PartitionKey, req.HighWater, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	mark, err := s.svc.Backfill.Watermark(r.Context(), req.Domain, req.Source, req.PartitionKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderWatermark(mark))
}

// handleWorkItemList serves GET /v1/work-items?domain=&state=.
func (s *Server) handleWorkItemList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := s.svc.Queue.List(r.Context(), q.Get("domain"), q.Get("state"),
		intQuery(q.Get("limit"), 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]*WorkItem, 0, len(items))
	for _, item := range items {
		out = append(out, renderWorkItem(item))
	}
	writeJSON(w, http.StatusOK, out)
}
