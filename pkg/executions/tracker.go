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

// Package executions wraps task bodies in claim/complete bookkeeping so
// the per-(service, task) single-flight guarantee holds everywhere.
package executions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abcxyz/exception-aggregator/pkg/storage"
	"github.com/abcxyz/pkg/logging"
)

// Store is the storage slice the tracker drives.
type Store interface {
	ClaimExecution(ctx context.Context, serviceID, taskName string) (*storage.TaskExecution, error)
	CompleteExecution(ctx context.Context, executionID, status string, stats map[string]any, errorMsg string) error
	UpdateServiceLastRun(ctx context.Context, serviceID, taskName string, at time.Time) error
}

// TaskFunc is one unit of scheduled work. The returned stats are
// persisted on the execution record.
type TaskFunc func(ctx context.Context) (map[string]any, error)

// Tracker runs tasks under the single-flight lock.
type Tracker struct {
	store Store
}

// New creates a Tracker.
func New(store Store) *Tracker {
	return &Tracker{store: store}
}

// Run claims the (service, task) slot, runs fn, and records the
// outcome. A second concurrent caller gets storage.ErrAlreadyRunning
// without running fn. Context cancellation mid-task is recorded as a
// failed run.
func (t *Tracker) Run(ctx context.Context, serviceID, taskName string, fn TaskFunc) error {
	logger := logging.FromContext(ctx)

	exec, err := t.store.ClaimExecution(ctx, serviceID, taskName)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyRunning) {
			logger.InfoContext(ctx, "task already running, skipping",
				"service_id", serviceID,
				"task", taskName)
		}
		return fmt.Errorf("failed to claim %s for %q: %w", taskName, serviceID, err)
	}

	stats, runErr := fn(ctx)
	if runErr != nil {
		status := storage.ExecutionStatusFailed
		msg := runErr.Error()
		if ctx.Err() != nil {
			msg = fmt.Sprintf("canceled: %s", msg)
		}
		// Completion must outlive the canceled task context.
		completeCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer done()
		if err := t.store.CompleteExecution(completeCtx, exec.ID, status, stats, msg); err != nil {
			logger.ErrorContext(ctx, "failed to record task failure",
				"execution_id", exec.ID,
				"error", err)
		}
		return fmt.Errorf("%s failed for %q: %w", taskName, serviceID, runErr)
	}

	if err := t.store.CompleteExecution(ctx, exec.ID, storage.ExecutionStatusSuccess, stats, ""); err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}
	if err := t.store.UpdateServiceLastRun(ctx, serviceID, taskName, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to update last run: %w", err)
	}
	return nil
}
