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

package indexer

import (
	"context"
	"fmt"
	"testing"

	"github.com/abcxyz/exception-aggregator/pkg/storage"
	"github.com/abcxyz/exception-aggregator/pkg/vectorstore"
)

type fakeBackend struct {
	commit     string
	files      map[string][]byte
	changed    []string
	changedErr error

	listCalls    int
	changedCalls int
}

func (b *fakeBackend) CommitIdentity(ctx context.Context) (string, error) {
	return b.commit, nil
}

func (b *fakeBackend) ListFiles(ctx context.Context, languages []string) ([]string, error) {
	b.listCalls++
	var out []string
	for path := range b.files {
		out = append(out, path)
	}
	return out, nil
}

func (b *fakeBackend) ReadFile(ctx context.Context, path string) ([]byte, error) {
	content, ok := b.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file %q", path)
	}
	return content, nil
}

func (b *fakeBackend) ChangedFiles(ctx context.Context, oldCommit, newCommit string, languages []string) ([]string, error) {
	b.changedCalls++
	if b.changedErr != nil {
		return nil, b.changedErr
	}
	return b.changed, nil
}

func (b *fakeBackend) AccessMode() string { return storage.IndexModeLocal }

type fakeBlockStore struct {
	replaced     map[string][]*storage.CodeBlock
	wipedService bool
	metadata     *storage.IndexingMetadata
	status       string
	commitSHA    string
}

func (s *fakeBlockStore) ReplaceFileBlocks(ctx context.Context, serviceID, filePath string, blocks []*storage.CodeBlock) error {
	if s.replaced == nil {
		s.replaced = make(map[string][]*storage.CodeBlock)
	}
	s.replaced[filePath] = blocks
	return nil
}

func (s *fakeBlockStore) DeleteServiceBlocks(ctx context.Context, serviceID string) error {
	s.wipedService = true
	return nil
}

func (s *fakeBlockStore) InsertIndexingMetadata(ctx context.Context, m *storage.IndexingMetadata) error {
	s.metadata = m
	return nil
}

func (s *fakeBlockStore) UpdateServiceIndexingState(ctx context.Context, serviceID, status, commitSHA string) error {
	s.status = status
	s.commitSHA = commitSHA
	return nil
}

type fakeVectors struct {
	upserted []vectorstore.Point
	deleted  []*vectorstore.Filter
}

func (v *fakeVectors) EnsureCollections(ctx context.Context, dimension int) error { return nil }

func (v *fakeVectors) Upsert(ctx context.Context, collection string, points []vectorstore.Point) error {
	v.upserted = append(v.upserted, points...)
	return nil
}

func (v *fakeVectors) Search(ctx context.Context, collection string, vector []float32, limit int, filter *vectorstore.Filter) ([]vectorstore.Match, error) {
	return nil, nil
}

func (v *fakeVectors) Delete(ctx context.Context, collection string, filter *vectorstore.Filter) error {
	v.deleted = append(v.deleted, filter)
	return nil
}

type fakeEmbedder struct{}

func (e *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.5}
	}
	return out, nil
}

func (e *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.5}, nil
}

const pythonSource = `def handler(event):
    """Process one event."""
    return event
`

func TestIndexRepository_SkipsUnchangedCommit(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{commit: "abc123", files: map[string][]byte{"app/main.py": []byte(pythonSource)}}
	store := &fakeBlockStore{}
	vectors := &fakeVectors{}

	ix := New(backend, store, vectors, &fakeEmbedder{}, "svc-1", "org/app", "main")
	result, err := ix.IndexRepository(context.Background(), "abc123", nil, false)
	if err != nil {
		t.Fatal(err)
	}

	if result.Mode != storage.IndexModeSkip {
		t.Errorf("mode = %q, want %q", result.Mode, storage.IndexModeSkip)
	}
	if result.FilesIndexed != 0 || len(store.replaced) != 0 {
		t.Error("a skipped run must not touch blocks")
	}
	if store.metadata != nil {
		t.Error("a skipped run must not record metadata")
	}
}

func TestIndexRepository_FullWipesBeforeIndexing(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{commit: "abc123", files: map[string][]byte{
		"app/main.py":  []byte(pythonSource),
		"app/other.py": []byte(pythonSource),
	}}
	store := &fakeBlockStore{}
	vectors := &fakeVectors{}

	ix := New(backend, store, vectors, &fakeEmbedder{}, "svc-1", "org/app", "main")
	result, err := ix.IndexRepository(context.Background(), "", nil, false)
	if err != nil {
		t.Fatal(err)
	}

	if result.Mode != storage.IndexModeFull {
		t.Errorf("mode = %q, want %q", result.Mode, storage.IndexModeFull)
	}
	if !store.wipedService {
		t.Error("full run must clear existing blocks first")
	}
	if len(vectors.deleted) == 0 || vectors.deleted[0].ServiceID != "svc-1" || vectors.deleted[0].FilePath != "" {
		t.Errorf("full run must clear the service's vectors, got %+v", vectors.deleted)
	}
	if result.FilesIndexed != 2 || result.BlocksCreated == 0 {
		t.Errorf("result = %+v, want 2 files with blocks", result)
	}
	if store.metadata == nil || store.metadata.IndexingMode != storage.IndexModeFull {
		t.Errorf("metadata = %+v, want a full-mode record", store.metadata)
	}
	if store.metadata != nil && store.metadata.AccessMode != storage.IndexModeLocal {
		t.Errorf("access mode = %q, want %q", store.metadata.AccessMode, storage.IndexModeLocal)
	}
	if store.status != storage.IndexStatusCompleted || store.commitSHA != "abc123" {
		t.Errorf("service state = (%q, %q), want completed at abc123", store.status, store.commitSHA)
	}
}

func TestIndexRepository_IncrementalTouchesChangedFilesOnly(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		commit: "def456",
		files: map[string][]byte{
			"app/main.py":  []byte(pythonSource),
			"app/other.py": []byte(pythonSource),
		},
		changed: []string{"app/main.py"},
	}
	store := &fakeBlockStore{}
	vectors := &fakeVectors{}

	ix := New(backend, store, vectors, &fakeEmbedder{}, "svc-1", "org/app", "main")
	result, err := ix.IndexRepository(context.Background(), "abc123", nil, false)
	if err != nil {
		t.Fatal(err)
	}

	if result.Mode != storage.IndexModeIncremental {
		t.Errorf("mode = %q, want %q", result.Mode, storage.IndexModeIncremental)
	}
	if store.wipedService {
		t.Error("incremental run must not wipe the service's blocks")
	}
	if result.FilesIndexed != 1 {
		t.Errorf("files indexed = %d, want 1", result.FilesIndexed)
	}
	if _, ok := store.replaced["app/other.py"]; ok {
		t.Error("unchanged file must not be rewritten")
	}
	// Stale vectors for the changed file are dropped before reinsert.
	if len(vectors.deleted) != 1 || vectors.deleted[0].FilePath != "app/main.py" {
		t.Errorf("vector deletes = %+v, want one scoped to app/main.py", vectors.deleted)
	}
	if backend.listCalls != 0 {
		t.Error("incremental run must not list the whole tree")
	}
}

func TestIndexRepository_FallsBackToFullWhenDiffUnavailable(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		commit:     "def456",
		files:      map[string][]byte{"app/main.py": []byte(pythonSource)},
		changedErr: fmt.Errorf("shallow clone"),
	}
	store := &fakeBlockStore{}
	vectors := &fakeVectors{}

	ix := New(backend, store, vectors, &fakeEmbedder{}, "svc-1", "org/app", "main")
	result, err := ix.IndexRepository(context.Background(), "abc123", nil, false)
	if err != nil {
		t.Fatal(err)
	}

	if result.Mode != storage.IndexModeFull {
		t.Errorf("mode = %q, want %q", result.Mode, storage.IndexModeFull)
	}
	if backend.changedCalls != 1 || backend.listCalls != 1 {
		t.Errorf("calls = (changed %d, list %d), want one diff attempt then one listing", backend.changedCalls, backend.listCalls)
	}
	if !store.wipedService {
		t.Error("fallback must behave like a full run and clear blocks first")
	}
	if result.FilesIndexed != 1 {
		t.Errorf("files indexed = %d, want 1", result.FilesIndexed)
	}
}
