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

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ClaimExecution inserts the running row for (service, task). The partial
// unique index on running rows is the single-flight lock: a second caller
// hits the unique violation and gets ErrAlreadyRunning. One retry on the
// violation is pointless by construction, so the conflict surfaces
// directly as "already running".
func (s *Store) ClaimExecution(ctx context.Context, serviceID, taskName string) (*TaskExecution, error) {
	exec := &TaskExecution{
		ID:        uuid.NewString(),
		ServiceID: serviceID,
		TaskName:  taskName,
		StartedAt: time.Now().UTC(),
		Status:    ExecutionStatusRunning,
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_executions (id, service_id, task_name, started_at, status)
		VALUES ($1,$2,$3,$4,$5)`,
		exec.ID, exec.ServiceID, exec.TaskName, exec.StartedAt, exec.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%s/%s: %w", serviceID, taskName, ErrAlreadyRunning)
		}
		return nil, fmt.Errorf("failed to claim execution: %w", err)
	}
	return exec, nil
}

// CompleteExecution closes a claimed run with its terminal status.
func (s *Store) CompleteExecution(ctx context.Context, executionID, status string, stats map[string]any, errorMsg string) error {
	var statsJSON []byte
	if stats != nil {
		var err error
		if statsJSON, err = json.Marshal(stats); err != nil {
			return fmt.Errorf("failed to marshal stats: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE task_executions
		SET completed_at = NOW(), status = $1, stats = $2, error_message = $3
		WHERE id = $4 AND status = $5`,
		status, statsJSON, errorMsg, executionID, ExecutionStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %q not running: %w", executionID, ErrConflict)
	}
	return nil
}

// GetLastExecution returns the most recent successful run of a task.
func (s *Store) GetLastExecution(ctx context.Context, serviceID, taskName string) (*TaskExecution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, service_id, task_name, started_at, completed_at, status, stats, error_message
		FROM task_executions
		WHERE service_id = $1 AND task_name = $2 AND status = $3
		ORDER BY started_at DESC LIMIT 1`,
		serviceID, taskName, ExecutionStatusSuccess)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no successful %s run for %q: %w", taskName, serviceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns recent runs for a service, newest first.
func (s *Store) ListExecutions(ctx context.Context, serviceID string, limit int) ([]*TaskExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, service_id, task_name, started_at, completed_at, status, stats, error_message
		FROM task_executions
		WHERE service_id = $1
		ORDER BY started_at DESC LIMIT $2`,
		serviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}
	return out, nil
}

func scanExecution(row pgx.Row) (*TaskExecution, error) {
	var exec TaskExecution
	var stats []byte
	if err := row.Scan(&exec.ID, &exec.ServiceID, &exec.TaskName, &exec.StartedAt,
		&exec.CompletedAt, &exec.Status, &stats, &exec.ErrorMsg); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &exec.Stats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
		}
	}
	return &exec, nil
}
