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
	"time"

	"github.com/abcxyz/exception-aggregator/pkg/clusters"
	"github.com/abcxyz/exception-aggregator/pkg/config"
	"github.com/abcxyz/exception-aggregator/pkg/executions"
	"github.com/abcxyz/exception-aggregator/pkg/logsource"
	"github.com/abcxyz/exception-aggregator/pkg/notify"
	"github.com/abcxyz/exception-aggregator/pkg/processor"
	"github.com/abcxyz/exception-aggregator/pkg/rca"
	"github.com/abcxyz/exception-aggregator/pkg/scheduler"
	"github.com/abcxyz/exception-aggregator/pkg/storage"
	"github.com/abcxyz/exception-aggregator/pkg/version"
	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
)

var _ cli.Command = (*SchedulerCommand)(nil)

// SchedulerCommand runs the per-tenant task scheduler: periodic log
// fetching and RCA generation for every active service.
type SchedulerCommand struct {
	cli.BaseCommand

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *SchedulerCommand) Desc() string {
	return `Start the exception aggregator task scheduler`
}

func (c *SchedulerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Start the exception aggregator task scheduler.
`
}

func (c *SchedulerCommand) Flags() *cli.FlagSet {
	return cli.NewFlagSet(c.testFlagSetOpts...)
}

func (c *SchedulerCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "scheduler starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	cfg, err := config.New(ctx)
	if err != nil {
		return err //nolint:wrapcheck // config adds context
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	p, err := newPlatform(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.store.Close()

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

	tracker := executions.New(p.store)

	runners := map[string]scheduler.TaskRunner{
		storage.TaskLogFetch: logFetchRunner(p, tracker, proc),
	}
	if p.engine != nil {
		runners[storage.TaskRCAGeneration] = rcaRunner(p, tracker)
	}

	sched := scheduler.New(&scheduler.Config{
		TickInterval: cfg.SchedulerTickInterval,
		Workers:      cfg.SchedulerWorkers,
	}, p.store, runners)

	return sched.Run(ctx) //nolint:wrapcheck // Want passthrough
}

// logFetchRunner pulls the window of logs since the service's last fetch
// from every fetch-enabled source and pushes it through the pipeline.
func logFetchRunner(p *platform, tracker *executions.Tracker, proc *processor.Processor) scheduler.TaskRunner {
	return func(ctx context.Context, svc *storage.Service) error {
		return tracker.Run(ctx, svc.ID, storage.TaskLogFetch, func(ctx context.Context) (map[string]any, error) { //nolint:wrapcheck // tracker adds context
			logger := logging.FromContext(ctx)

			sources, err := p.store.ListLogSources(ctx, svc.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to list log sources: %w", err)
			}

			now := time.Now().UTC()
			since := now.Add(-svc.LogFetchInterval())
			if svc.LastLogFetch != nil {
				since = *svc.LastLogFetch
			}

			total := &processor.Stats{}
			for _, src := range sources {
				if !src.FetchEnabled {
					continue
				}
				client, err := logsource.NewSearchClient(src)
				if err != nil {
					// Push-only sources have no fetchable backend.
					logger.DebugContext(ctx, "skipping source",
						"log_source_id", src.ID,
						"reason", err.Error())
					continue
				}

				records, err := client.FetchLogs(ctx, since, now)
				if err != nil {
					logger.ErrorContext(ctx, "failed to fetch logs",
						"log_source_id", src.ID,
						"error", err)
					if uerr := p.store.UpdateLogSourceFetchState(ctx, src.ID, storage.ConnectionStatusError, err.Error(), now); uerr != nil {
						logger.ErrorContext(ctx, "failed to record source state", "error", uerr)
					}
					continue
				}

				stats, err := proc.ProcessBatch(ctx, records, src.ID)
				if err != nil {
					return total.Map(), fmt.Errorf("failed to process batch for source %q: %w", src.ID, err)
				}
				total.Add(stats)

				if err := p.store.UpdateLogSourceFetchState(ctx, src.ID, storage.ConnectionStatusConnected, "", now); err != nil {
					logger.ErrorContext(ctx, "failed to record source state", "error", err)
				}
			}

			return total.Map(), nil
		})
	}
}

// rcaRunner scans a service's active clusters and analyzes the ones that
// meet the trigger conditions.
func rcaRunner(p *platform, tracker *executions.Tracker) scheduler.TaskRunner {
	return func(ctx context.Context, svc *storage.Service) error {
		return tracker.Run(ctx, svc.ID, storage.TaskRCAGeneration, func(ctx context.Context) (map[string]any, error) { //nolint:wrapcheck // tracker adds context
			logger := logging.FromContext(ctx)

			active, err := p.store.ListClusters(ctx, &storage.ClusterFilter{
				ServiceID: svc.ID,
				Status:    storage.ClusterStatusActive,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to list clusters: %w", err)
			}

			now := time.Now().UTC()
			var generated, failed int
			for _, cluster := range active {
				if !rca.ShouldTrigger(cluster, false, now) {
					continue
				}
				if _, err := p.engine.AnalyzeCluster(ctx, cluster.ID); err != nil {
					failed++
					logger.ErrorContext(ctx, "failed to analyze cluster",
						"cluster_id", cluster.ID,
						"error", err)
					continue
				}
				generated++
			}

			return map[string]any{
				"clusters_scanned": len(active),
				"rca_generated":    generated,
				"rca_failed":       failed,
			}, nil
		})
	}
}
