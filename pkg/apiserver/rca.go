// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apiserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleGetRCA() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		result, err := s.store.GetLatestRCAResult(ctx, chi.URLParam(r, "cluster_id"))
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleGenerateRCA() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if s.analyzer == nil {
			s.renderError(ctx, w, fmt.Errorf("analysis is disabled: %w", errValidation))
			return
		}

		var req struct {
			ClusterID string `json:"cluster_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClusterID == "" {
			s.renderError(ctx, w, fmt.Errorf("cluster_id is required: %w", errValidation))
			return
		}

		result, err := s.analyzer.AnalyzeCluster(ctx, req.ClusterID)
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleRCAFeedback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req struct {
			Helpful *bool  `json:"helpful"`
			Comment string `json:"comment"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Helpful == nil {
			s.renderError(ctx, w, fmt.Errorf("helpful is required: %w", errValidation))
			return
		}

		clusterID := chi.URLParam(r, "cluster_id")
		if err := s.store.RecordRCAFeedback(ctx, clusterID, *req.Helpful, req.Comment); err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	}
}
