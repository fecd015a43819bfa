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
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/marketspine/spine/internal/dispatch"
	"github.com/marketspine/spine/internal/storage"
)

// submitRequest is the body for POST /v1/executions.
type submitRequest struct {
	Pipeline       string         `json:"pipeline"`
	Params         map[string]any `json:"params"`
	Lane           string         `json:"lane,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
}

// handleExecutionSubmit serves POST /v1/executions. The execution is
// created pending and picked up by the dispatcher workers; an idempotency
// hit returns the open execution with 200 instead of 202.
func (s *Server) handleExecutionSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	exec, err := s.svc.Dispatcher.Submit(r.Context(), dispatch.SubmitRequest{
		Pipeline:       req.Pipeline,
		Params:         req.Params,
		Lane:           req.Lane,
		TriggerSource:  dispatch.TriggerManual,
		IdempotencyKey: req.IdempotencyKey,
		MaxRetries:     req.MaxRetries,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if exec.Status != storage.ExecutionPending || exec.RetryCount > 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, renderExecution(exec))
}

// handleExecutionList serves GET /v1/executions with filter and cursor
// query parameters.
func (s *Server) handleExecutionList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	execs, err := s.svc.Dispatcher.List(r.Context(), storage.ExecutionFilter{
		Pipeline: q.Get("pipeline"),
		Status:   q.Get("status"),
		Lane:     q.Get("lane"),
		Cursor:   q.Get("cursor"),
		Limit:    intQuery(q.Get("limit"), 50),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]*Execution, 0, len(execs))
	for _, e := range execs {
		out = append(out, renderExecution(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleExecutionGet serves GET /v1/executions/{id}.
func (s *Server) handleExecutionGet(w http.ResponseWriter, r *http.Request) {
	exec, err := s.svc.Dispatcher.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderExecution(exec))
}

// handleExecutionEvents serves GET /v1/executions/{id}/events?after=. The
// after cursor is the last seq the caller already holds, so the endpoint
// doubles as a log tail.
func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	events, err := s.svc.Dispatcher.Events(r.Context(), chi.URLParam(r, "id"), after)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderEvents(events))
}

// cancelRequest is the body for DELETE /v1/executions/{id}.
type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleExecutionCancel serves DELETE /v1/executions/{id}.
func (s *Server) handleExecutionCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}
	id := chi.URLParam(r, "id")
	if err := s.svc.Dispatcher.Cancel(r.Context(), id, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

// handleExecutionRetry serves POST /v1/executions/{id}/retry.
func (s *Server) handleExecutionRetry(w http.ResponseWriter, r *http.Request) {
	exec, err := s.svc.Dispatcher.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, renderExecution(exec))
}

// handleDeadLetterList serves GET /v1/dead-letters.
func (s *Server) handleDeadLetterList(w http.ResponseWriter, r *http.Request) {
	letters, err := s.svc.Dispatcher.DeadLetters(r.Context(),
		intQuery(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]*DeadLetter, 0, len(letters))
	for _, d := range letters {
		out = append(out, renderDeadLetter(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// resolveDeadLetterRequest is the body for dead-letter resolution.
type resolveDeadLetterRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Note       string `json:"note,omitempty"`
}

// handleDeadLetterResolve serves POST /v1/dead-letters/{execution_id}/resolve.
func (s *Server) handleDeadLetterResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveDeadLetterRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id := chi.URLParam(r, "execution_id")
	if err := s.svc.Dispatcher.ResolveDeadLetter(r.Context(), id, req.ResolvedBy, req.Note); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"execution_id": id, "status": "resolved"})
}

// intQuery parses a positive integer query value with a fallback.
func intQuery(v string, fallback int) int {
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return fallback
}
