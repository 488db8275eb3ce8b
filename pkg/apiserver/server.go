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

// Package apiserver is the REST surface: cluster triage, RCA access,
// indexing triggers, aggregates, and the push-ingestion mount.
package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/abcxyz/exception-aggregator/pkg/clusters"
	"github.com/abcxyz/exception-aggregator/pkg/indexer"
	"github.com/abcxyz/exception-aggregator/pkg/storage"
	"github.com/abcxyz/exception-aggregator/pkg/version"
	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
)

// Store is the relational slice the API reads and writes.
type Store interface {
	ListClusters(ctx context.Context, filter *storage.ClusterFilter) ([]*storage.ExceptionCluster, error)
	GetCluster(ctx context.Context, id string) (*storage.ExceptionCluster, error)
	GetService(ctx context.Context, id string) (*storage.Service, error)
	GetLatestRCAResult(ctx context.Context, clusterID string) (*storage.RCAResult, error)
	RecordRCAFeedback(ctx context.Context, clusterID string, helpful bool, comment string) error
	GetOverviewStats(ctx context.Context, since, until *time.Time) (*storage.OverviewStats, error)
	GetTrends(ctx context.Context, since, until *time.Time) ([]*storage.TrendPoint, error)
	GetServiceStats(ctx context.Context, since, until *time.Time) ([]*storage.ServiceStats, error)
	GetSeverityStats(ctx context.Context, since, until *time.Time) ([]*storage.CategoryStats, error)
}

// Lifecycle applies cluster triage transitions.
type Lifecycle interface {
	Skip(ctx context.Context, id, updatedBy string) error
	Resolve(ctx context.Context, id, updatedBy string) error
	Reactivate(ctx context.Context, id, updatedBy string) error
}

// Analyzer produces an RCA on demand.
type Analyzer interface {
	AnalyzeCluster(ctx context.Context, clusterID string) (*storage.RCAResult, error)
}

// IndexTrigger starts an indexing run for a service.
type IndexTrigger func(ctx context.Context, serviceID string, forceFull bool) (*indexer.Result, error)

// Server is the REST API server.
type Server struct {
	h         *renderer.Renderer
	store     Store
	lifecycle Lifecycle
	analyzer  Analyzer
	indexing  IndexTrigger
	ingest    http.Handler
}

// NewServer wires the API around its collaborators. analyzer, indexing,
// and ingest may be nil when the corresponding feature is disabled.
func NewServer(h *renderer.Renderer, store Store, lifecycle Lifecycle, analyzer Analyzer, indexing IndexTrigger, ingest http.Handler) *Server {
	return &Server{
		h:         h,
		store:     store,
		lifecycle: lifecycle,
		analyzer:  analyzer,
		indexing:  indexing,
		ingest:    ingest,
	}
}

// Routes builds the router for this server.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)

	r := chi.NewRouter()
	r.Handle("/healthz", healthcheck.HandleHTTPHealthCheck())
	r.Get("/version", s.handleVersion())

	r.Route("/api/v1", func(r chi.Router) {
		if s.ingest != nil {
			r.Method(http.MethodPost, "/ingest", s.ingest)
		}

		r.Get("/clusters", s.handleListClusters())
		r.Get("/clusters/{id}", s.handleGetCluster())
		r.Post("/clusters/{id}/skip", s.handleTransition(s.lifecycle.Skip))
		r.Post("/clusters/{id}/resolve", s.handleTransition(s.lifecycle.Resolve))
		r.Post("/clusters/{id}/reactivate", s.handleTransition(s.lifecycle.Reactivate))

		r.Get("/rca/{cluster_id}", s.handleGetRCA())
		r.Post("/rca/generate", s.handleGenerateRCA())
		r.Post("/rca/{cluster_id}/feedback", s.handleRCAFeedback())

		r.Post("/code-indexing/services/{service_id}/trigger", s.handleTriggerIndexing())

		r.Get("/stats", s.handleStats())
		r.Get("/trends", s.handleTrends())
		r.Get("/stats/services", s.handleServiceStats())
		r.Get("/stats/severity", s.handleSeverityStats())
	})

	return logging.HTTPInterceptor(logger, "")(r)
}

func (s *Server) handleVersion() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.h.RenderJSON(w, http.StatusOK, map[string]string{
			"version": version.HumanVersion,
		})
	}
}

// renderError maps the error kinds onto HTTP statuses.
func (s *Server) renderError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := logging.FromContext(ctx)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrAlreadyRunning),
		errors.Is(err, clusters.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, errValidation):
		status = http.StatusBadRequest
	}

	if status >= 500 {
		logger.ErrorContext(ctx, "request failed", "code", status, "error", err)
	}
	s.h.RenderJSON(w, status, err)
}

var errValidation = fmt.Errorf("validation failed")
