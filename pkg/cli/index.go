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

	"github.com/abcxyz/exception-aggregator/pkg/config"
	"github.com/abcxyz/exception-aggregator/pkg/executions"
	"github.com/abcxyz/exception-aggregator/pkg/version"
	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
)

var _ cli.Command = (*IndexJobCommand)(nil)

// IndexJobCommand runs one code-indexing pass for a single service and
// exits. The same entrypoint backs the on-demand API trigger.
type IndexJobCommand struct {
	cli.BaseCommand

	serviceID string
	forceFull bool

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *IndexJobCommand) Desc() string {
	return `Index a service's repository into searchable code blocks`
}

func (c *IndexJobCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Run one code-indexing pass for a service and exit.
`
}

func (c *IndexJobCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	f := set.NewSection("INDEX OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:   "service-id",
		Target: &c.serviceID,
		Usage:  `The id of the service whose repository to index.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:   "force-full",
		Target: &c.forceFull,
		Usage:  `Reindex the whole repository even when a previous commit is recorded.`,
	})

	return set
}

func (c *IndexJobCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}
	if c.serviceID == "" {
		return fmt.Errorf("missing -service-id")
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "running index job",
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

	trigger := p.indexTrigger(executions.New(p.store))
	if trigger == nil {
		return fmt.Errorf("code indexing is not enabled (set ENABLE_CODE_INDEXING or ENABLE_LLM_ANALYSIS)")
	}

	result, err := trigger(ctx, c.serviceID, c.forceFull)
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}

	logger.InfoContext(ctx, "index job complete",
		"service_id", c.serviceID,
		"mode", result.Mode,
		"commit_sha", result.CommitSHA,
		"files_indexed", result.FilesIndexed,
		"blocks_created", result.BlocksCreated,
		"errors", result.Errors)
	return nil
}
