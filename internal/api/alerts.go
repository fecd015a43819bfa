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
)

// handleAlertList serves GET /v1/alerts?severity=&domain=.
func (s *Server) handleAlertList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	alerts, err := s.svc.Alerts.List(r.Context(), q.Get("severity"), q.Get("domain"),
		intQuery(q.Get("limit"), 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]*Alert, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, renderAlert(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAlertDeliveries serves GET /v1/alerts/{id}/deliveries.
func (s *Server) handleAlertDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := s.svc.Alerts.Deliveries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderAlertDeliveries(deliveries))
}

// handleChannelList serves GET /v1/alert-channels.
func (s *Server) handleChannelList(w http.ResponseWriter, r *http.Request) {
	channels, err := s.svc.Alerts.Channels(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]*AlertChannel, 0, len(channels))
	for _, ch := range channels {
		out = append(out, renderAlertChannel(ch))
	}
	writeJSON(w, http.StatusOK, out)
}

// channelUpsertRequest is the body for PUT /v1/alert-channels/{name}.
type channelUpsertRequest struct {
	Kind            string `json:"kind"`
	MinSeverity     string `json:"min_severity"`
	Domains         string `json:"domains,omitempty"`
	Config          string `json:"config,omitempty"`
	Enabled         *bool  `json:"enabled,omitempty"`
	ThrottleMinutes int    `json:"throttle_minutes,omitempty"`
}

// handleChannelUpsert serves PUT /v1/alert-channels/{name}.
func (s *Server) handleChannelUpsert(w http.ResponseWriter, r *http.Request) {
	var req channelUpsertRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	ch := &storage.AlertChannel{
		Name:            chi.URLParam(r, "name"),
		Kind:            req.Kind,
		MinSeverity:     req.MinSeverity,
		Domains:         req.Domains,
		Config:          req.Config,
		Enabled:         enabled,
		ThrottleMinutes: req.ThrottleMinutes,
	}
	if err := s.svc.Alerts.UpsertChannel(r.Context(), ch); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderAlertChannel(ch))
}

// handleChannelEnable serves POST /v1/alert-channels/{name}/enable.
func (s *Server) handleChannelEnable(w http.ResponseWriter, r *http.Request) {
	s.setChannelEnabled(w, r, true)
}

// handleChannelDisable serves POST /v1/alert-channels/{name}/disable.
func (s *Server) handleChannelDisable(w http.ResponseWriter, r *http.Request) {
	s.setChannelEnabled(w, r, false)
}

func (s *Server) setChannelEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := chi.URLParam(r, "name")
	if err := s.svc.Alerts.SetChannelEnabled(r.Context(), name, enabled); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": enabled})
}
