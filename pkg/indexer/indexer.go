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
	"time"

	"github.com/google/uuid"

	"github.com/abcxyz/exception-aggregator/pkg/llm"
	"github.com/abcxyz/exception-aggregator/pkg/storage"
	"github.com/abcxyz/exception-aggregator/pkg/vectorstore"
	"github.com/abcxyz/pkg/logging"
)

// DefaultLanguages is the extraction set used when a caller passes none.
var DefaultLanguages = []string{"python", "java"}

// BlockStore is the slice of relational storage the indexer writes to.
type BlockStore interface {
	ReplaceFileBlocks(ctx context.Context, serviceID, filePath string, blocks []*storage.CodeBlock) error
	DeleteServiceBlocks(ctx context.Context, serviceID string) error
	InsertIndexingMetadata(ctx context.Context, m *storage.IndexingMetadata) error
	UpdateServiceIndexingState(ctx context.Context, serviceID, status, commitSHA string) error
}

// Result summarizes one indexing run.
type Result struct {
	Mode          string `json:"mode"`
	CommitSHA     string `json:"commit_sha"`
	FilesIndexed  int    `json:"files_indexed"`
	BlocksCreated int    `json:"blocks_created"`
	Errors        int    `json:"errors"`
}

// Indexer drives one service's repository through extraction, embedding,
// and persistence.
type Indexer struct {
	backend  Backend
	store    BlockStore
	vectors  vectorstore.Store
	embedder llm.Embedder

	serviceID  string
	repository string
	version    string

	blocksCreated int
}

// New assembles an indexer for one service around an already-built
// backend.
func New(backend Backend, store BlockStore, vectors vectorstore.Store, embedder llm.Embedder, serviceID, repository, version string) *Indexer {
	return &Indexer{
		backend:    backend,
		store:      store,
		vectors:    vectors,
		embedder:   embedder,
		serviceID:  serviceID,
		repository: repository,
		version:    version,
	}
}

// BackendForService builds the right backend from the service's
// configuration. Unsupported providers are rejected here, before any
// work is claimed.
func BackendForService(ctx context.Context, svc *storage.Service, gitlabHost string) (Backend, error) {
	if !svc.UseAPIMode {
		return NewLocalBackend(svc.GitRepoPath, svc.GitBranch)
	}
	switch svc.GitProvider {
	case storage.GitProviderGitHub:
		return NewGitHubBackend(ctx, svc.RepositoryURL, svc.GitBranch, svc.AccessToken)
	case storage.GitProviderGitLab:
		return NewGitLabBackend(gitlabHost, svc.RepositoryURL, svc.GitBranch, svc.AccessToken)
	default:
		return nil, fmt.Errorf("unsupported git provider %q", svc.GitProvider)
	}
}

// IndexRepository runs one indexing pass. Per-file failures are counted
// and skipped; only metadata or vector-store persistence failures abort
// the run.
func (ix *Indexer) IndexRepository(ctx context.Context, lastIndexedCommit string, languages []string, forceFull bool) (*Result, error) {
	logger := logging.FromContext(ctx)
	if len(languages) == 0 {
		languages = DefaultLanguages
	}

	commit, err := ix.backend.CommitIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve commit: %w", err)
	}

	if commit == lastIndexedCommit && !forceFull {
		logger.InfoContext(ctx, "repository unchanged, skipping index",
			"service_id", ix.serviceID,
			"commit", commit)
		return &Result{Mode: storage.IndexModeSkip, CommitSHA: commit}, nil
	}

	var files []string
	var mode string
	incremental := false

	switch {
	case forceFull || lastIndexedCommit == "":
		mode = storage.IndexModeFull
		if err := ix.store.DeleteServiceBlocks(ctx, ix.serviceID); err != nil {
			return nil, fmt.Errorf("failed to clear existing blocks: %w", err)
		}
		if err := ix.vectors.Delete(ctx, vectorstore.CodeCollection, &vectorstore.Filter{ServiceID: ix.serviceID}); err != nil {
			return nil, fmt.Errorf("failed to clear existing vectors: %w", err)
		}
		if files, err = ix.backend.ListFiles(ctx, languages); err != nil {
			return nil, fmt.Errorf("failed to list files: %w", err)
		}
	default:
		mode = storage.IndexModeIncremental
		incremental = true
		files, err = ix.backend.ChangedFiles(ctx, lastIndexedCommit, commit, languages)
		if err != nil {
			// A backend that cannot diff falls back to a full pass.
			logger.WarnContext(ctx, "diff unavailable, falling back to full index",
				"service_id", ix.serviceID,
				"error", err)
			return ix.IndexRepository(ctx, "", languages, true)
		}
	}

	result := &Result{Mode: mode, CommitSHA: commit}

	for _, path := range files {
		if err := ix.indexFile(ctx, path, commit, languages, incremental); err != nil {
			logger.ErrorContext(ctx, "failed to index file",
				"service_id", ix.serviceID,
				"path", path,
				"error", err)
			result.Errors++
			continue
		}
		result.FilesIndexed++
	}

	// Count blocks after the per-file loop so errors are reflected.
	result.BlocksCreated = ix.blocksCreated

	meta := &storage.IndexingMetadata{
		ServiceID:         ix.serviceID,
		Repository:        ix.repository,
		CommitSHA:         commit,
		IndexedAt:         time.Now().UTC(),
		FilesIndexed:      result.FilesIndexed,
		CodeBlocksCreated: result.BlocksCreated,
		IndexingMode:      mode,
		AccessMode:        ix.backend.AccessMode(),
	}
	if err := ix.store.InsertIndexingMetadata(ctx, meta); err != nil {
		return nil, fmt.Errorf("failed to persist indexing metadata: %w", err)
	}
	if err := ix.store.UpdateServiceIndexingState(ctx, ix.serviceID, storage.IndexStatusCompleted, commit); err != nil {
		return nil, fmt.Errorf("failed to update service state: %w", err)
	}

	logger.InfoContext(ctx, "indexing complete",
		"service_id", ix.serviceID,
		"mode", mode,
		"files", result.FilesIndexed,
		"blocks", result.BlocksCreated,
		"errors", result.Errors)
	return result, nil
}

func (ix *Indexer) indexFile(ctx context.Context, path, commit string, languages []string, incremental bool) error {
	lang, ok := matchesLanguage(path, languages)
	if !ok {
		return nil
	}

	content, err := ix.backend.ReadFile(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to read: %w", err)
	}

	var extracted []*Block
	switch lang {
	case "python":
		extracted = ExtractPython(path, content)
	case "java":
		extracted = ExtractJava(path, content)
	}
	if len(extracted) == 0 {
		if incremental {
			// File may have lost all symbols; drop stale rows.
			if err := ix.deleteFile(ctx, path); err != nil {
				return err
			}
			if err := ix.store.ReplaceFileBlocks(ctx, ix.serviceID, path, nil); err != nil {
				return fmt.Errorf("failed to drop stale blocks: %w", err)
			}
		}
		return nil
	}

	if incremental {
		if err := ix.deleteFile(ctx, path); err != nil {
			return err
		}
	}

	rows := make([]*storage.CodeBlock, 0, len(extracted))
	points := make([]vectorstore.Point, 0, len(extracted))
	texts := make([]string, 0, len(extracted))

	for _, b := range extracted {
		id := uuid.NewString()
		rows = append(rows, &storage.CodeBlock{
			ID:          id,
			ServiceID:   ix.serviceID,
			Repository:  ix.repository,
			Version:     ix.version,
			CommitSHA:   commit,
			FilePath:    b.FilePath,
			SymbolName:  b.SymbolName,
			SymbolType:  b.SymbolType,
			LineStart:   b.LineStart,
			LineEnd:     b.LineEnd,
			CodeSnippet:       b.Snippet,
			Docstring:         b.Docstring,
			FunctionSignature: b.Signature,
			EmbeddingID:       id,
		})
		texts = append(texts, embeddingText(b))
		points = append(points, vectorstore.Point{
			ID: id,
			Payload: map[string]any{
				"service_id":  ix.serviceID,
				"repository":  ix.repository,
				"version":     ix.version,
				"commit_sha":  commit,
				"file_path":   b.FilePath,
				"symbol_name": b.SymbolName,
				"symbol_type": b.SymbolType,
				"line_start":  b.LineStart,
				"line_end":    b.LineEnd,
			},
		})
	}

	vectors, err := ix.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed: %w", err)
	}
	if len(vectors) != len(points) {
		return fmt.Errorf("embedder returned %d vectors for %d blocks", len(vectors), len(points))
	}
	for i := range points {
		points[i].Vector = vectors[i]
	}

	if err := ix.vectors.Upsert(ctx, vectorstore.CodeCollection, points); err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}
	if err := ix.store.ReplaceFileBlocks(ctx, ix.serviceID, path, rows); err != nil {
		return fmt.Errorf("failed to persist blocks: %w", err)
	}

	ix.blocksCreated += len(rows)
	return nil
}

func (ix *Indexer) deleteFile(ctx context.Context, path string) error {
	filter := &vectorstore.Filter{ServiceID: ix.serviceID, FilePath: path}
	if err := ix.vectors.Delete(ctx, vectorstore.CodeCollection, filter); err != nil {
		return fmt.Errorf("failed to delete stale vectors for %q: %w", path, err)
	}
	return nil
}

// embeddingText is what the vector actually encodes: identity first,
// then documentation, then the code itself.
func embeddingText(b *Block) string {
	text := b.SymbolName + " " + b.Signature
	if b.Docstring != "" {
		text += "\n" + b.Docstring
	}
	return text + "\n" + b.Snippet
}
