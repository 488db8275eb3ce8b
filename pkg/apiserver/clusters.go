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
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/abcxyz/exception-aggregator/pkg/clusters"
	"github.com/abcxyz/exception-aggregator/pkg/storage"
)

var validStatuses = map[string]bool{
	storage.ClusterStatusActive:   true,
	storage.ClusterStatusSkipped:  true,
	storage.ClusterStatusResolved: true,
	"all":                         true,
}

func (s *Server) handleListClusters() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		q := r.URL.Query()

		status := q.Get("status")
		if status == "" {
			status = storage.ClusterStatusActive
		}
		if !validStatuses[status] {
			s.renderError(ctx, w, fmt.Errorf("unknown status %q: %w", status, errValidation))
			return
		}

		filter := &storage.ClusterFilter{
			ServiceID:   q.Get("service_id"),
			LogSourceID: q.Get("log_source_id"),
		}
		if status != "all" {
			filter.Status = status
		}
		filter.Since, filter.Until = clusters.ParseTimeFilter(q.Get("time_filter"), time.Now().UTC())

		list, err := s.store.ListClusters(ctx, filter)
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{
			"clusters": renderClusters(list),
			"count":    len(list),
		})
	}
}

func (s *Server) handleGetCluster() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		cluster, err := s.store.GetCluster(ctx, chi.URLParam(r, "id"))
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, renderCluster(cluster))
	}
}

func (s *Server) handleTransition(apply func(ctx context.Context, id, updatedBy string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		updatedBy := r.URL.Query().Get("updated_by")
		if updatedBy == "" {
			updatedBy = "system"
		}

		id := chi.URLParam(r, "id")
		if err := apply(ctx, id, updatedBy); err != nil {
			s.renderError(ctx, w, err)
			return
		}

		cluster, err := s.store.GetCluster(ctx, id)
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, renderCluster(cluster))
	}
}

// clusterView is the wire shape for a cluster.
type clusterView struct {
	ID                  string     `json:"id"`
	ServiceID           string     `json:"service_id"`
	LogSourceID         string     `json:"log_source_id"`
	ExceptionType       string     `json:"exception_type"`
	ExceptionMessage    string     `json:"exception_message"`
	Fingerprint         string     `json:"fingerprint"`
	ErrorCategory       string     `json:"error_category,omitempty"`
	RepresentativeLogID string     `json:"representative_log_id"`
	StackTrace          []string   `json:"stack_trace"`
	ClusterSize         int64      `json:"cluster_size"`
	FirstSeen           time.Time  `json:"first_seen"`
	LastSeen            time.Time  `json:"last_seen"`
	Frequency24h        int64      `json:"frequency_24h"`
	Frequency7d         int64      `json:"frequency_7d"`
	Status              string     `json:"status"`
	StatusUpdatedAt     *time.Time `json:"status_updated_at,omitempty"`
	StatusUpdatedBy     string     `json:"status_updated_by,omitempty"`
	HasRCA              bool       `json:"has_rca"`
	RCAGeneratedAt      *time.Time `json:"rca_generated_at,omitempty"`
}

func renderCluster(c *storage.ExceptionCluster) *clusterView {
	frames := make([]string, 0, len(c.StackTrace))
	for _, f := range c.StackTrace {
		frames = append(frames, fmt.Sprintf("%s (%s:%d)", f.Symbol, f.File, f.Line))
	}
	return &clusterView{
		ID:                  c.ID,
		ServiceID:           c.ServiceID,
		LogSourceID:         c.LogSourceID,
		ExceptionType:       c.ExceptionType,
		ExceptionMessage:    c.ExceptionMessage,
		Fingerprint:         c.Fingerprint,
		ErrorCategory:       c.ErrorCategory,
		RepresentativeLogID: c.RepresentativeLogID,
		StackTrace:          frames,
		ClusterSize:         c.ClusterSize,
		FirstSeen:           c.FirstSeen,
		LastSeen:            c.LastSeen,
		Frequency24h:        c.Frequency24h,
		Frequency7d:         c.Frequency7d,
		Status:              c.Status,
		StatusUpdatedAt:     c.StatusUpdatedAt,
		StatusUpdatedBy:     c.StatusUpdatedBy,
		HasRCA:              c.HasRCA,
		RCAGeneratedAt:      c.RCAGeneratedAt,
	}
}

func renderClusters(list []*storage.ExceptionCluster) []*clusterView {
	out := make([]*clusterView, 0, len(list))
	for _, c := range list {
		out = append(out, renderCluster(c))
	}
	return out
}
