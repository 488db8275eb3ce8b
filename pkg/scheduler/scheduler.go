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

// Package scheduler dispatches per-tenant tasks on a single tick timer.
// The execution tracker's running row is the only lock; the scheduler
// just decides what is due and hands it to the worker pool.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abcxyz/exception-aggregator/pkg/storage"
	"github.com/abcxyz/pkg/logging"
)

const (
	// DefaultTickInterval is how often due checks run.
	DefaultTickInterval = 30 * time.Second

	// DefaultWorkers bounds concurrent task dispatch.
	DefaultWorkers = 4

	// decayInterval is how often the frequency windows are aged.
	decayInterval = time.Hour
)

// Store is the storage slice the scheduler reads.
type Store interface {
	ListActiveServices(ctx context.Context) ([]*storage.Service, error)
	ListLogSources(ctx context.Context, serviceID string) ([]*storage.LogSource, error)
	DecayFrequencies(ctx context.Context) error
}

// TaskRunner executes one task for one service. Runners are expected
// to claim through the execution tracker themselves.
type TaskRunner func(ctx context.Context, svc *storage.Service) error

// Config tunes the scheduler.
type Config struct {
	TickInterval time.Duration
	Workers      int
}

// Scheduler owns the tick loop.
type Scheduler struct {
	store    Store
	tick     time.Duration
	workers  int
	fetchers map[string]TaskRunner

	lastDecay time.Time
}

// New creates a Scheduler. runners maps task names (storage.Task*) to
// their implementations; tasks without a runner are never dispatched.
func New(cfg *Config, store Store, runners map[string]TaskRunner) *Scheduler {
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Scheduler{
		store:    store,
		tick:     tick,
		workers:  workers,
		fetchers: runners,
	}
}

// Run ticks until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	logger.InfoContext(ctx, "scheduler starting",
		"tick", s.tick.String(),
		"workers", s.workers)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "scheduler stopping")
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				logger.ErrorContext(ctx, "tick failed", "error", err)
			}
		}
	}
}

// Tick runs one scheduling pass. Per-service failures are logged and
// do not block other services.
func (s *Scheduler) Tick(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	now := time.Now().UTC()

	if now.Sub(s.lastDecay) >= decayInterval {
		s.lastDecay = now
		if err := s.store.DecayFrequencies(ctx); err != nil {
			logger.ErrorContext(ctx, "failed to decay frequencies", "error", err)
		}
	}

	services, err := s.store.ListActiveServices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, svc := range services {
		svc := svc
		for _, task := range s.dueTasks(ctx, svc, now) {
			task := task
			runner, ok := s.fetchers[task]
			if !ok {
				continue
			}
			g.Go(func() error {
				if err := runner(gctx, svc); err != nil {
					logger.ErrorContext(gctx, "task failed",
						"service_id", svc.ID,
						"task", task,
						"error", err)
				}
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("dispatch failed: %w", err)
	}
	return nil
}

// dueTasks decides which tasks a service owes right now. Code indexing
// is on demand only and never appears here.
func (s *Scheduler) dueTasks(ctx context.Context, svc *storage.Service, now time.Time) []string {
	logger := logging.FromContext(ctx)
	var due []string

	if svc.LogProcessingEnabled {
		fetchable, err := s.hasFetchableSource(ctx, svc.ID)
		if err != nil {
			logger.ErrorContext(ctx, "failed to inspect log sources",
				"service_id", svc.ID,
				"error", err)
		} else if fetchable && intervalElapsed(svc.LastLogFetch, svc.LogFetchInterval(), now) {
			due = append(due, storage.TaskLogFetch)
		}
	}

	if svc.RCAGenerationEnabled {
		interval := time.Duration(svc.RCAIntervalMinutes) * time.Minute
		if intervalElapsed(svc.LastRCAGeneration, interval, now) {
			due = append(due, storage.TaskRCAGeneration)
		}
	}

	return due
}

func (s *Scheduler) hasFetchableSource(ctx context.Context, serviceID string) (bool, error) {
	sources, err := s.store.ListLogSources(ctx, serviceID)
	if err != nil {
		return false, err //nolint:wrapcheck // caller adds context
	}
	for _, src := range sources {
		if src.FetchEnabled {
			return true, nil
		}
	}
	return false, nil
}

func intervalElapsed(last *time.Time, interval time.Duration, now time.Time) bool {
	if last == nil {
		return true
	}
	return now.Sub(*last) >= interval
}
