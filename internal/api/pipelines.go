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

	"github.com/marketspine/spine/internal/registry"
)

// handlePipelineList serves GET /v1/pipelines?prefix=.
func (s *Server) handlePipelineList(w http.ResponseWriter, r *http.Request) {
	specs := s.svc.Registry.List(r.URL.Query().Get("prefix"))
	out := make([]*Pipeline, 0, len(specs))
	for _, spec := range specs {
		out = append(out, renderPipeline(spec))
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePipelineDescribe serves GET /v1/pipelines/{name}.
func (s *Server) handlePipelineDescribe(w http.ResponseWriter, r *http.Request) {
	spec, err := s.svc.Registry.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPipeline(spec))
}

// resolveSourceRequest is the body for resolve-source.
type resolveSourceRequest struct {
	Params map[string]any `json:"params"`
}

// handleResolveSource serves POST /v1/pipelines/{name}/resolve-source. It
// reports where an ingest pipeline would read from for the given params
// without creating an execution.
func (s *Server) handleResolveSource(w http.ResponseWriter, r *http.Request) {
	spec, err := s.svc.Registry.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req resolveSourceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	resolved, err := registry.Validate(spec, req.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	src, err := registry.ResolveIngestSource(spec, resolved.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"file_path":   src.FilePath,
		"mode":        src.Mode,
		"substituted": src.Substituted,
	})
}
