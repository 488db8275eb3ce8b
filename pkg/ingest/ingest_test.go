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

package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/abcxyz/exception-aggregator/pkg/logs"
	"github.com/abcxyz/exception-aggregator/pkg/storage"
	"github.com/abcxyz/pkg/renderer"
)

type mockResolver struct {
	sources map[string]*storage.LogSource
}

func (m *mockResolver) GetLogSourceByIngestToken(ctx context.Context, token string) (*storage.LogSource, error) {
	if s, ok := m.sources[token]; ok {
		return s, nil
	}
	return nil, storage.ErrNotFound
}

type mockSink struct {
	batches [][]*logs.Record
}

func (m *mockSink) Enqueue(ctx context.Context, logSourceID string, records []*logs.Record) error {
	m.batches = append(m.batches, records)
	return nil
}

func testService(t *testing.T, cfg *Config) (*Service, *mockSink) {
	t.Helper()

	h, err := renderer.New(context.Background(), nil,
		renderer.WithDebug(true),
		renderer.WithOnError(func(err error) {
			t.Error(err)
		}))
	if err != nil {
		t.Fatal(err)
	}

	resolver := &mockResolver{sources: map[string]*storage.LogSource{
		"token-1": {ID: "src-1", ServiceID: "svc-1", IngestToken: "token-1"},
	}}
	sink := &mockSink{}
	return NewService(cfg, h, resolver, sink), sink
}

func postBatch(t *testing.T, svc *Service, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	svc.HandleIngest().ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) *ingestResponse {
	t.Helper()

	var resp ingestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode %q: %v", w.Body.String(), err)
	}
	return &resp
}

func TestHandleIngest(t *testing.T) {
	t.Parallel()

	svc, sink := testService(t, &Config{BatchSizeLimit: 100, RateLimit: 100})

	body := `{"records": [
		{"timestamp": "2024-06-01T12:00:00Z", "level": "ERROR", "message": "java.lang.NullPointerException: boom"},
		{"timestamp": "2024-06-01T12:00:01Z", "level": "INFO", "message": "started"}
	]}`
	w := postBatch(t, svc, "token-1", body)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeResponse(t, w)
	if resp.Accepted != 2 || resp.Duplicates != 0 || resp.Rejected != 0 {
		t.Errorf("response = %+v, want 2 accepted", resp)
	}
	if len(sink.batches) != 1 || len(sink.batches[0]) != 2 {
		t.Errorf("sink got %+v, want one batch of 2", sink.batches)
	}
}

func TestHandleIngest_Unauthorized(t *testing.T) {
	t.Parallel()

	svc, _ := testService(t, &Config{})

	if w := postBatch(t, svc, "", `{"records": []}`); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}
	if w := postBatch(t, svc, "wrong", `{"records": []}`); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", w.Code)
	}
}

func TestHandleIngest_SharedTokenSourceHint(t *testing.T) {
	t.Parallel()

	svc, sink := testService(t, &Config{APIToken: "shared", RateLimit: 100})

	// Hint carried in the body.
	body := `{"source_hint": "token-1", "records": [
		{"timestamp": "2024-06-01T12:00:00Z", "level": "ERROR", "message": "boom"}
	]}`
	if w := postBatch(t, svc, "shared", body); w.Code != http.StatusOK {
		t.Fatalf("body hint: status = %d, body %s", w.Code, w.Body.String())
	}
	if len(sink.batches) != 1 {
		t.Fatalf("sink got %d batches, want 1", len(sink.batches))
	}

	// Without a hint the shared token cannot name a destination.
	noHint := `{"records": [
		{"timestamp": "2024-06-01T12:00:02Z", "level": "ERROR", "message": "boom again"}
	]}`
	if w := postBatch(t, svc, "shared", noHint); w.Code != http.StatusUnauthorized {
		t.Errorf("no hint: status = %d, want 401", w.Code)
	}

	// Query parameter still works as a fallback.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest?source_hint=token-1", strings.NewReader(noHint))
	req.Header.Set("Authorization", "Bearer shared")
	w := httptest.NewRecorder()
	svc.HandleIngest().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("query hint: status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestHandleIngest_BatchTooLarge(t *testing.T) {
	t.Parallel()

	svc, _ := testService(t, &Config{BatchSizeLimit: 1})

	body := `{"records": [
		{"timestamp": "2024-06-01T12:00:00Z", "message": "one"},
		{"timestamp": "2024-06-01T12:00:01Z", "message": "two"}
	]}`
	if w := postBatch(t, svc, "token-1", body); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestHandleIngest_RateLimit(t *testing.T) {
	t.Parallel()

	svc, sink := testService(t, &Config{RateLimit: 2})

	body := `{"records": [
		{"timestamp": "2024-06-01T12:00:00Z", "message": "a"},
		{"timestamp": "2024-06-01T12:00:01Z", "message": "b"}
	]}`
	if w := postBatch(t, svc, "token-1", body); w.Code != http.StatusOK {
		t.Fatalf("first batch: status = %d", w.Code)
	}

	// Bucket is drained: the next batch must be rejected whole, with a
	// retry hint, and nothing may reach the sink.
	w := postBatch(t, svc, "token-1", body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second batch: status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if len(sink.batches) != 1 {
		t.Errorf("sink got %d batches, want 1 (no partial acceptance)", len(sink.batches))
	}
}

func TestHandleIngest_Dedup(t *testing.T) {
	t.Parallel()

	svc, sink := testService(t, &Config{DedupWindow: 10 * time.Minute, RateLimit: 100})

	record := `{"timestamp": "2024-06-01T12:00:00Z", "level": "ERROR", "message": "java.lang.NullPointerException: boom"}`
	body := `{"records": [` + record + `]}`

	first := decodeResponse(t, postBatch(t, svc, "token-1", body))
	if first.Accepted != 1 {
		t.Fatalf("first submit = %+v, want 1 accepted", first)
	}

	second := decodeResponse(t, postBatch(t, svc, "token-1", body))
	if second.Accepted != 0 || second.Duplicates != 1 {
		t.Errorf("resubmit = %+v, want 1 duplicate", second)
	}
	if len(sink.batches) != 1 {
		t.Errorf("sink got %d batches, want 1", len(sink.batches))
	}
}

func TestHandleIngest_Validation(t *testing.T) {
	t.Parallel()

	svc, _ := testService(t, &Config{RateLimit: 100})

	body := `{"records": [
		{"message": "no timestamp"},
		{"timestamp": "2024-06-01T12:00:00Z"},
		{"timestamp": "not-a-time", "message": "x"},
		{"timestamp": "2024-06-01T12:00:00Z", "message": "valid"}
	]}`
	resp := decodeResponse(t, postBatch(t, svc, "token-1", body))
	if resp.Accepted != 1 || resp.Rejected != 3 {
		t.Errorf("response = %+v, want 1 accepted / 3 rejected", resp)
	}
}
