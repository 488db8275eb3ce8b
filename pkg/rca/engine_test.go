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

package rca

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/abcxyz/exception-aggregator/pkg/exceptions"
	"github.com/abcxyz/exception-aggregator/pkg/storage"
	"github.com/abcxyz/exception-aggregator/pkg/vectorstore"
)

type mockStore struct {
	cluster *storage.ExceptionCluster
	blocks  map[string]*storage.CodeBlock

	inserted *storage.RCAResult
	marked   bool
}

func (m *mockStore) GetCluster(ctx context.Context, id string) (*storage.ExceptionCluster, error) {
	if m.cluster == nil || m.cluster.ID != id {
		return nil, storage.ErrNotFound
	}
	return m.cluster, nil
}

func (m *mockStore) GetCodeBlocksByIDs(ctx context.Context, ids []string) ([]*storage.CodeBlock, error) {
	var out []*storage.CodeBlock
	for _, id := range ids {
		if b, ok := m.blocks[id]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockStore) InsertRCAResult(ctx context.Context, r *storage.RCAResult) error {
	m.inserted = r
	return nil
}

func (m *mockStore) MarkClusterRCA(ctx context.Context, clusterID string, at time.Time) error {
	m.marked = true
	return nil
}

type mockVectors struct {
	matches []vectorstore.Match
}

func (m *mockVectors) EnsureCollections(ctx context.Context, dimension int) error { return nil }

func (m *mockVectors) Upsert(ctx context.Context, collection string, points []vectorstore.Point) error {
	return nil
}

func (m *mockVectors) Search(ctx context.Context, collection string, vector []float32, limit int, filter *vectorstore.Filter) ([]vectorstore.Match, error) {
	return m.matches, nil
}

func (m *mockVectors) Delete(ctx context.Context, collection string, filter *vectorstore.Filter) error {
	return nil
}

type mockLLM struct {
	response string
	err      error
	prompt   string
}

func (m *mockLLM) Generate(ctx context.Context, system, prompt string) (string, error) {
	m.prompt = prompt
	return m.response, m.err
}

func (m *mockLLM) ModelName() string { return "test-model" }

type mockEmbedder struct{}

func (m *mockEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func (m *mockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func testCluster() *storage.ExceptionCluster {
	return &storage.ExceptionCluster{
		ID:               "c-1",
		ServiceID:        "svc-1",
		ExceptionType:    "java.lang.NullPointerException",
		ExceptionMessage: "user is null",
		StackTrace: []exceptions.Frame{
			{Symbol: "com.example.UserService.load", File: "UserService.java", Line: 42},
		},
	}
}

const goodResponse = `{
	"likely_root_cause": {
		"file_path": "src/UserService.java",
		"symbol": "load",
		"line_range": [40, 45],
		"confidence": 0.85,
		"explanation": "load dereferences a nil user"
	},
	"supporting_evidence": ["stack trace points at load"],
	"involved_parameters": ["userId"],
	"fix_suggestions": ["guard against missing user"],
	"tests_to_add": ["load with unknown id"]
}`

func TestAnalyzeCluster(t *testing.T) {
	t.Parallel()

	store := &mockStore{
		cluster: testCluster(),
		blocks: map[string]*storage.CodeBlock{
			"b-1": {
				ID:          "b-1",
				FilePath:    "src/UserService.java",
				SymbolName:  "UserService.load",
				SymbolType:  "method",
				LineStart:   40,
				LineEnd:     45,
				CodeSnippet: "public User load(String id) { ... }",
			},
		},
	}
	vectors := &mockVectors{matches: []vectorstore.Match{{ID: "b-1", Score: 0.9}}}
	client := &mockLLM{response: goodResponse}

	engine := New(store, vectors, client, &mockEmbedder{})
	result, err := engine.AnalyzeCluster(context.Background(), "c-1")
	if err != nil {
		t.Fatal(err)
	}

	if got, want := result.RootCauseFile, "src/UserService.java"; got != want {
		t.Errorf("RootCauseFile = %q, want %q", got, want)
	}
	if got, want := result.LineStart, 40; got != want {
		t.Errorf("LineStart = %d, want %d", got, want)
	}
	if got, want := result.ConfidenceScore, 0.85; got != want {
		t.Errorf("ConfidenceScore = %v, want %v", got, want)
	}
	if got, want := result.Model, "test-model"; got != want {
		t.Errorf("Model = %q, want %q", got, want)
	}
	if store.inserted == nil {
		t.Error("result not persisted")
	}
	if !store.marked {
		t.Error("cluster not marked as analyzed")
	}

	// The retrieved snippet must reach the model.
	if !strings.Contains(client.prompt, "public User load") {
		t.Errorf("prompt missing code snippet:\n%s", client.prompt)
	}
}

func TestAnalyzeCluster_FencedResponse(t *testing.T) {
	t.Parallel()

	store := &mockStore{cluster: testCluster(), blocks: map[string]*storage.CodeBlock{}}
	client := &mockLLM{response: "```json\n" + goodResponse + "\n```"}

	engine := New(store, &mockVectors{}, client, &mockEmbedder{})
	if _, err := engine.AnalyzeCluster(context.Background(), "c-1"); err != nil {
		t.Fatalf("fenced JSON should parse: %v", err)
	}
}

func TestAnalyzeCluster_MissingRootCause(t *testing.T) {
	t.Parallel()

	store := &mockStore{cluster: testCluster(), blocks: map[string]*storage.CodeBlock{}}
	client := &mockLLM{response: `{"fix_suggestions": ["try harder"]}`}

	engine := New(store, &mockVectors{}, client, &mockEmbedder{})
	if _, err := engine.AnalyzeCluster(context.Background(), "c-1"); err == nil {
		t.Fatal("response without likely_root_cause must be rejected")
	}
	if store.inserted != nil {
		t.Error("rejected analysis must not be persisted")
	}
}

func TestAnalyzeCluster_IncompleteVerdict(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		response string
	}{
		{
			name:     "confidence_out_of_range",
			response: `{"likely_root_cause": {"file_path": "a.java", "symbol": "run", "confidence": 7}, "fix_suggestions": ["x"]}`,
		},
		{
			name:     "negative_confidence",
			response: `{"likely_root_cause": {"file_path": "a.java", "symbol": "run", "confidence": -0.2}, "fix_suggestions": ["x"]}`,
		},
		{
			name:     "missing_file_path",
			response: `{"likely_root_cause": {"symbol": "run", "confidence": 0.9}, "fix_suggestions": ["x"]}`,
		},
		{
			name:     "missing_symbol",
			response: `{"likely_root_cause": {"file_path": "a.java", "confidence": 0.9}, "fix_suggestions": ["x"]}`,
		},
		{
			name:     "no_fix_suggestions",
			response: `{"likely_root_cause": {"file_path": "a.java", "symbol": "run", "confidence": 0.9}}`,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := &mockStore{cluster: testCluster(), blocks: map[string]*storage.CodeBlock{}}
			client := &mockLLM{response: tc.response}

			engine := New(store, &mockVectors{}, client, &mockEmbedder{})
			if _, err := engine.AnalyzeCluster(context.Background(), "c-1"); err == nil {
				t.Fatal("incomplete verdict must be rejected")
			}
			if store.inserted != nil {
				t.Error("rejected analysis must not be persisted")
			}
			if store.marked {
				t.Error("rejected analysis must not mark the cluster")
			}
		})
	}
}

func TestAnalyzeCluster_LLMError(t *testing.T) {
	t.Parallel()

	store := &mockStore{cluster: testCluster(), blocks: map[string]*storage.CodeBlock{}}
	client := &mockLLM{err: fmt.Errorf("rate limited")}

	engine := New(store, &mockVectors{}, client, &mockEmbedder{})
	if _, err := engine.AnalyzeCluster(context.Background(), "c-1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestShouldTrigger(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name          string
		cluster       *storage.ExceptionCluster
		userRequested bool
		want          bool
	}{
		{
			name:    "frequent cluster",
			cluster: &storage.ExceptionCluster{Frequency24h: 10, FirstSeen: now.Add(-48 * time.Hour)},
			want:    true,
		},
		{
			name:    "rare old cluster",
			cluster: &storage.ExceptionCluster{Frequency24h: 2, FirstSeen: now.Add(-48 * time.Hour)},
			want:    false,
		},
		{
			name:    "new cluster",
			cluster: &storage.ExceptionCluster{Frequency24h: 1, FirstSeen: now.Add(-30 * time.Minute)},
			want:    true,
		},
		{
			name:          "user request",
			cluster:       &storage.ExceptionCluster{Frequency24h: 0, FirstSeen: now.Add(-48 * time.Hour)},
			userRequested: true,
			want:          true,
		},
		{
			name:          "already analyzed",
			cluster:       &storage.ExceptionCluster{HasRCA: true, Frequency24h: 100, FirstSeen: now},
			userRequested: true,
			want:          false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ShouldTrigger(tc.cluster, tc.userRequested, now); got != tc.want {
				t.Errorf("ShouldTrigger = %t, want %t", got, tc.want)
			}
		})
	}
}
