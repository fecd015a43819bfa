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

// handleAnomalyList serves GET /v1/anomalies with filter query params.
func (s *Server) handleAnomalyList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	anomalies, err := s.svc.Capture.ListAnomalies(r.Context(), storage.AnomalyFilter{
		Domain:       q.Get("domain"),
		PartitionKey: q.Get("partition"),
		Severity:     q.Get("severity"),
		Category:     q.Get("category"),
		Unresolved:   q.Get("unresolved") == "true",
		Limit:        intQuery(q.Get("limit"), 100),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]*Anomaly, 0, len(anomalies))
	for _, a := range anomalies {
		out = append(out, renderAnomaly(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// ackRequest is the body for anomaly acknowledgement.
type ackRequest struct {
	AckBy  string `json:"ack_by"`
	Reason string `json:"reason"`
}

// handleAnomalyAck serves POST /v1/anomalies/{id}/ack.
func (s *Server) handleAnomalyAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.AckBy == "" {
		s.writeError(w, spineerrors.Validation("ack_by", "must not be empty"))
		return
	}
	id := chi.URLParam(r, "id")
	acked, err := s.svc.Capture.AckAnomaly(r.Context(), id, req.AckBy, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !acked {
		s.writeError(w, spineerrors.NotFound("anomaly", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "acknowledged"})
}

// handleReadinessGet serves GET /v1/readiness?domain=&partition=&ready_for=.
func (s *Server) handleReadinessGet(w http.ResponseWriter, r *http.Request) {
	domain, err := requireQuery(r, "domain")
	if err != nil {
		s.writeError(w, err)
		return
	}
	partition, err := requireQuery(r, "partition")
	if err != nil {
		s.writeError(w, err)
		return
	}
	readyFor, err := requireQuery(r, "ready_for")
	if err != nil {
		s.writeError(w, err)
		return
	}
	readiness, err := s.svc.Capture.GetReadiness(r.Context(), domain, partition, readyFor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderReadiness(readiness))
}

// readinessActionRequest is the body for certify and block.
type readinessActionRequest struct {
	Domain    string `json:"domain"`
	Partition string `json:"partition"`
	ReadyFor  string `json:"ready_for"`
	Certifier string `json:"certifier,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (req *readinessActionRequest) validate() error {
	if req.Domain == "" {
		return spineerrors.Validation("domain", "must not be empty")
	}
	if req.Partition == "" {
		return spineerrors.Validation("partition", "must not be empty")
	}
	if req.ReadyFor == "" {
		return spineerrors.Validation("ready_for", "must not be empty")
	}
	return nil
}

// handleReadinessCertify serves POST /v1/readiness/certify.
func (s *Server) handleReadinessCertify(w http.ResponseWriter, r *http.Request) {
	var req readinessActionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Certifier == "" {
		s.writeError(w, spineerrors.Validation("certifier", "must not be empty"))
		return
	}
	if err := s.svc.Capture.Certify(r.Context(), req.Domain, req.Partition, req.ReadyFor, req.Certifier); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "certified"})
}

// handleReadinessBlock serves POST /v1/readiness/block.
func (s *Server) handleReadinessBlock(w http.ResponseWriter, r *http.Request) {
	var req readinessActionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Reason == "" {
		s.writeError(w, spineerrors.Validation("reason", "must not be empty"))
		return
	}
	if err := s.svc.Capture.Block(r.Context(), req.Domain, req.Partition, req.ReadyFor, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}
