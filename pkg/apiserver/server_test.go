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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/abcxyz/exception-aggregator/pkg/clusters"
	"github.com/abcxyz/exception-aggregator/pkg/indexer"
	"github.com/abcxyz/exception-aggregator/pkg/storage"
	"github.com/abcxyz/pkg/renderer"
)

type mockStore struct {
	clusters map[string]*storage.ExceptionCluster
	services map[string]*storage.Service
	rca      map[string]*storage.RCAResult

	lastFilter *storage.ClusterFilter
	feedback   []string
}

func newMockStore() *mockStore {
	return &mockStore{
		clusters: map[string]*storage.ExceptionCluster{},
		services: map[string]*storage.Service{},
		rca:      map[string]*storage.RCAResult{},
	}
}

func (m *mockStore) ListClusters(ctx context.Context, filter *storage.ClusterFilter) ([]*storage.ExceptionCluster, error) {
	m.lastFilter = filter
	var out []*storage.ExceptionCluster
	for _, c := range m.clusters {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *mockStore) GetCluster(ctx context.Context, id string) (*storage.ExceptionCluster, error) {
	if c, ok := m.clusters[id]; ok {
		return c, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) GetService(ctx context.Context, id string) (*storage.Service, error) {
	if s, ok := m.services[id]; ok {
		return s, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) GetLatestRCAResult(ctx context.Context, clusterID string) (*storage.RCAResult, error) {
	if r, ok := m.rca[clusterID]; ok {
		return r, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) RecordRCAFeedback(ctx context.Context, clusterID string, helpful bool, comment string) error {
	if _, ok := m.rca[clusterID]; !ok {
		return storage.ErrNotFound
	}
	m.feedback = append(m.feedback, clusterID)
	return nil
}

func (m *mockStore) GetOverviewStats(ctx context.Context, since, until *time.Time) (*storage.OverviewStats, error) {
	return &storage.OverviewStats{TotalClusters: int64(len(m.clusters))}, nil
}

func (m *mockStore) GetTrends(ctx context.Context, since, until *time.Time) ([]*storage.TrendPoint, error) {
	return nil, nil
}

func (m *mockStore) GetServiceStats(ctx context.Context, since, until *time.Time) ([]*storage.ServiceStats, error) {
	return nil, nil
}

func (m *mockStore) GetSeverityStats(ctx context.Context, since, until *time.Time) ([]*storage.CategoryStats, error) {
	return nil, nil
}

type mockAnalyzer struct {
	result *storage.RCAResult
	err    error
}

func (m *mockAnalyzer) AnalyzeCluster(ctx context.Context, clusterID string) (*storage.RCAResult, error) {
	return m.result, m.err
}

func testServer(t *testing.T, store *mockStore, analyzer Analyzer, indexing IndexTrigger) http.Handler {
	t.Helper()

	ctx := context.Background()
	h, err := renderer.New(ctx, nil,
		renderer.WithDebug(true),
		renderer.WithOnError(func(err error) {
			t.Error(err)
		}))
	if err != nil {
		t.Fatal(err)
	}

	lifecycle := clusters.NewLifecycle(&lifecycleAdapter{store})
	return NewServer(h, store, lifecycle, analyzer, indexing, nil).Routes(ctx)
}

// lifecycleAdapter narrows the test store to the lifecycle interface.
type lifecycleAdapter struct {
	store *mockStore
}

func (a *lifecycleAdapter) GetCluster(ctx context.Context, id string) (*storage.ExceptionCluster, error) {
	return a.store.GetCluster(ctx, id)
}

func (a *lifecycleAdapter) SetClusterStatus(ctx context.Context, id, status, updatedBy string) error {
	c, err := a.store.GetCluster(ctx, id)
	if err != nil {
		return err
	}
	c.Status = status
	c.StatusUpdatedBy = updatedBy
	return nil
}

func TestListClusters(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.clusters["c-1"] = &storage.ExceptionCluster{ID: "c-1", Status: storage.ClusterStatusActive}
	store.clusters["c-2"] = &storage.ExceptionCluster{ID: "c-2", Status: storage.ClusterStatusResolved}
	srv := testServer(t, store, nil, nil)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/clusters", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	// Default listing shows active clusters only.
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/clusters?status=all", nil))
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 {
		t.Errorf("count with status=all = %d, want 2", resp.Count)
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/clusters?status=bogus", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus status: code = %d, want 400", w.Code)
	}
}

func TestListClusters_TimeFilter(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	srv := testServer(t, store, nil, nil)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/clusters?time_filter=24h", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if store.lastFilter.Since == nil {
		t.Error("preset time filter did not set a lower bound")
	}
	if store.lastFilter.Until != nil {
		t.Error("preset time filter must not set an upper bound")
	}
}

func TestClusterLifecycleEndpoints(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.clusters["c-1"] = &storage.ExceptionCluster{ID: "c-1", Status: storage.ClusterStatusActive}
	srv := testServer(t, store, nil, nil)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/clusters/c-1/skip?updated_by=alice", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("skip: status = %d, body %s", w.Code, w.Body.String())
	}
	if got := store.clusters["c-1"].Status; got != storage.ClusterStatusSkipped {
		t.Errorf("status = %q, want skipped", got)
	}
	if got := store.clusters["c-1"].StatusUpdatedBy; got != "alice" {
		t.Errorf("updated_by = %q, want alice", got)
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/clusters/missing/resolve", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing cluster: status = %d, want 404", w.Code)
	}
}

func TestGenerateRCA(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	analyzer := &mockAnalyzer{result: &storage.RCAResult{ClusterID: "c-1", RootCauseFile: "a.py"}}
	srv := testServer(t, store, analyzer, nil)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/rca/generate",
		strings.NewReader(`{"cluster_id": "c-1"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/rca/generate", strings.NewReader(`{}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing cluster_id: status = %d, want 400", w.Code)
	}
}

func TestRCAFeedback(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.rca["c-1"] = &storage.RCAResult{ID: "r-1", ClusterID: "c-1"}
	srv := testServer(t, store, nil, nil)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/rca/c-1/feedback",
		strings.NewReader(`{"helpful": true, "comment": "spot on"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if len(store.feedback) != 1 {
		t.Error("feedback not recorded")
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/rca/c-1/feedback",
		strings.NewReader(`{"comment": "no vote"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing helpful: status = %d, want 400", w.Code)
	}
}

func TestTriggerIndexing(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.services["svc-1"] = &storage.Service{ID: "svc-1", Name: "payments"}

	var gotForceFull bool
	trigger := func(ctx context.Context, serviceID string, forceFull bool) (*indexer.Result, error) {
		gotForceFull = forceFull
		return &indexer.Result{Mode: storage.IndexModeFull}, nil
	}
	srv := testServer(t, store, nil, trigger)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost,
		"/api/v1/code-indexing/services/svc-1/trigger?force_full=true", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !gotForceFull {
		t.Error("force_full not forwarded")
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost,
		"/api/v1/code-indexing/services/missing/trigger", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing service: status = %d, want 404", w.Code)
	}
}

func TestStatsEndpoints(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.clusters["c-1"] = &storage.ExceptionCluster{ID: "c-1", Status: storage.ClusterStatusActive}
	srv := testServer(t, store, nil, nil)

	for _, path := range []string{
		"/api/v1/stats",
		"/api/v1/trends",
		"/api/v1/stats/services",
		"/api/v1/stats/severity",
		"/healthz",
		"/version",
	} {
		path := path
		t.Run(path, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, body %s", w.Code, w.Body.String())
			}
		})
	}
}
