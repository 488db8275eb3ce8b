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
	"net/http"

	"github.com/abcxyz/exception-aggregator/pkg/apiserver"
	"github.com/abcxyz/exception-aggregator/pkg/clusters"
	"github.com/abcxyz/exception-aggregator/pkg/config"
	"github.com/abcxyz/exception-aggregator/pkg/executions"
	"github.com/abcxyz/exception-aggregator/pkg/ingest"
	"github.com/abcxyz/exception-aggregator/pkg/notify"
	"github.com/abcxyz/exception-aggregator/pkg/processor"
	"github.com/abcxyz/exception-aggregator/pkg/version"
	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/abcxyz/pkg/serving"
)

var _ cli.Command = (*APIServerCommand)(nil)

// APIServerCommand runs the REST surface: cluster triage, RCA, stats,
// on-demand code indexing and push ingestion.
type APIServerCommand struct {
	cli.BaseCommand

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *APIServerCommand) Desc() string {
	return `Start the exception aggregator API server`
}

func (c *APIServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Start the exception aggregator API server.
`
}

func (c *APIServerCommand) Flags() *cli.FlagSet {
	return cli.NewFlagSet(c.testFlagSetOpts...)
}

func (c *APIServerCommand) Run(ctx context.Context, args []string) error {
	server, mux, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}

	return server.StartHTTPHandler(ctx, mux) //nolint:wrapcheck // Want passthrough
}

func (c *APIServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "server starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	cfg, err := config.New(ctx)
	if err != nil {
		return nil, nil, err //nolint:wrapcheck // config adds context
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	h, err := renderer.New(ctx, nil,
		renderer.WithOnError(func(err error) {
			logger.ErrorContext(ctx, "failed to render", "error", err)
		}))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	p, err := newPlatform(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	// Push ingestion feeds the same pipeline the scheduler drives, via a
	// bounded queue drained by a background worker.
	var notifier notify.Notifier = notify.NewGoogleChat(gchatURL(cfg))
	clusterer := clusters.New(p.store, cfg.ClusteringThreshold)
	proc := processor.New(&processor.Config{
		Levels:                cfg.Levels(),
		NotificationThreshold: cfg.GChatNotificationThreshold,
		RCAEnabled:            cfg.EnableLLMAnalysis,
	}, clusterer, procAnalyzer(p), notifier)
	if p.vectors != nil {
		proc.WithClusterEmbeddings(p.vectors, p.embedder)
	}
	queue := processor.NewQueue(proc, 0)
	go func() {
		if err := queue.Run(ctx); err != nil {
			logger.ErrorContext(ctx, "queue worker stopped", "error", err)
		}
	}()

	ingestHandler := ingest.NewService(&ingest.Config{
		APIToken:       cfg.FluentBitAPIToken,
		RateLimit:      cfg.FluentBitRateLimit,
		BatchSizeLimit: cfg.FluentBitBatchSizeLimit,
		DedupWindow:    cfg.DedupWindow(),
	}, h, p.store, queue).HandleIngest()

	tracker := executions.New(p.store)
	lifecycle := clusters.NewLifecycle(p.store)

	var indexing apiserver.IndexTrigger
	if cfg.EnableCodeIndexing {
		indexing = p.indexTrigger(tracker)
	}

	mux := apiserver.NewServer(h, p.store, lifecycle, p.analyzer(), indexing, ingestHandler).Routes(ctx)

	server, err := serving.New(cfg.Port)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}
	return server, mux, nil
}

// gchatURL resolves the webhook destination; an empty URL disables the
// notifier.
func gchatURL(cfg *config.Config) string {
	if !cfg.EnableGChatNotifications {
		return ""
	}
	return cfg.GChatWebhookURL
}

// procAnalyzer narrows the platform's engine for the processor, keeping
// the nil interface untyped when analysis is disabled.
func procAnalyzer(p *platform) processor.Analyzer {
	if p.engine == nil {
		return nil
	}
	return p.engine
}
