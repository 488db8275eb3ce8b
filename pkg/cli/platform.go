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

package cli

import (
	"context"
	"fmt"

	"github.com/abcxyz/exception-aggregator/pkg/apiserver"
	"github.com/abcxyz/exception-aggregator/pkg/config"
	"github.com/abcxyz/exception-aggregator/pkg/executions"
	"github.com/abcxyz/exception-aggregator/pkg/indexer"
	"github.com/abcxyz/exception-aggregator/pkg/llm"
	"github.com/abcxyz/exception-aggregator/pkg/rca"
	"github.com/abcxyz/exception-aggregator/pkg/storage"
	"github.com/abcxyz/exception-aggregator/pkg/vectorstore"
)

// platform holds the shared clients both processes build from one
// configuration.
type platform struct {
	cfg      *config.Config
	store    *storage.Store
	vectors  vectorstore.Store
	embedder llm.Embedder
	engine   *rca.Engine
}

func newPlatform(ctx context.Context, cfg *config.Config) (*platform, error) {
	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	p := &platform{cfg: cfg, store: store}

	if cfg.EnableCodeIndexing || cfg.EnableLLMAnalysis {
		vectors := vectorstore.NewQdrant(cfg.VectorDBURL, cfg.VectorDBAPIKey)
		if err := vectors.EnsureCollections(ctx, cfg.VectorDBDimension); err != nil {
			return nil, fmt.Errorf("failed to prepare vector collections: %w", err)
		}
		embedder, err := llm.NewEmbedder(cfg.LLMAPIKey, "")
		if err != nil {
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		p.vectors = vectors
		p.embedder = embedder
	}

	if cfg.EnableLLMAnalysis {
		client, err := llm.New(&llm.Config{
			Provider:    cfg.LLMProvider,
			Model:       cfg.LLMModel,
			APIKey:      cfg.LLMAPIKey,
			Temperature: cfg.LLMTemperature,
			MaxTokens:   cfg.LLMMaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create llm client: %w", err)
		}
		p.engine = rca.New(store, p.vectors, client, p.embedder)
	}

	return p, nil
}

// analyzer returns the RCA engine as an untyped-nil-safe interface.
func (p *platform) analyzer() apiserver.Analyzer {
	if p.engine == nil {
		return nil
	}
	return p.engine
}

// indexTrigger builds the on-demand code indexing entrypoint. Runs claim
// through the execution tracker so concurrent triggers for the same
// service collapse into one.
func (p *platform) indexTrigger(tracker *executions.Tracker) apiserver.IndexTrigger {
	if p.vectors == nil {
		return nil
	}
	return func(ctx context.Context, serviceID string, forceFull bool) (*indexer.Result, error) {
		svc, err := p.store.GetService(ctx, serviceID)
		if err != nil {
			return nil, fmt.Errorf("failed to load service %q: %w", serviceID, err)
		}
		backend, err := indexer.BackendForService(ctx, svc, p.cfg.GitLabHost)
		if err != nil {
			return nil, fmt.Errorf("failed to build code backend: %w", err)
		}

		ix := indexer.New(backend, p.store, p.vectors, p.embedder,
			svc.ID, svc.RepositoryURL, svc.GitBranch)

		var result *indexer.Result
		err = tracker.Run(ctx, svc.ID, storage.TaskCodeIndexing, func(ctx context.Context) (map[string]any, error) {
			res, err := ix.IndexRepository(ctx, svc.LastIndexedCommit, nil, forceFull)
			if err != nil {
				return nil, err
			}
			result = res
			return map[string]any{
				"mode":           res.Mode,
				"commit_sha":     res.CommitSHA,
				"files_indexed":  res.FilesIndexed,
				"blocks_created": res.BlocksCreated,
				"errors":         res.Errors,
			}, nil
		})
		if err != nil {
			return nil, err //nolint:wrapcheck // tracker adds context
		}
		return result, nil
	}
}
