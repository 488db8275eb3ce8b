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
	"net/http"
	"time"

	"github.com/abcxyz/exception-aggregator/pkg/clusters"
)

func (s *Server) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		since, until := clusters.ParseTimeFilter(r.URL.Query().Get("time_filter"), time.Now().UTC())

		stats, err := s.store.GetOverviewStats(ctx, since, until)
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, stats)
	}
}

func (s *Server) handleTrends() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		since, until := clusters.ParseTimeFilter(r.URL.Query().Get("time_filter"), time.Now().UTC())

		trends, err := s.store.GetTrends(ctx, since, until)
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"trends": trends})
	}
}

func (s *Server) handleServiceStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		since, until := clusters.ParseTimeFilter(r.URL.Query().Get("time_filter"), time.Now().UTC())

		stats, err := s.store.GetServiceStats(ctx, since, until)
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"services": stats})
	}
}

func (s *Server) handleSeverityStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		since, until := clusters.ParseTimeFilter(r.URL.Query().Get("time_filter"), time.Now().UTC())

		stats, err := s.store.GetSeverityStats(ctx, since, until)
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"categories": stats})
	}
}
