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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const serviceColumns = `id, name, repository_url, git_branch, git_provider,
	git_repo_path, access_token, use_api_mode,
	log_processing_enabled, rca_generation_enabled, code_indexing_enabled,
	log_fetch_duration_minutes, log_fetch_duration_hours, log_fetch_duration_days,
	rca_interval_minutes,
	last_log_fetch, last_rca_generation, last_code_indexing,
	code_indexing_status, last_indexed_commit, is_active, created_at`

// CreateService inserts a new tenant after validating its invariants.
func (s *Store) CreateService(ctx context.Context, svc *Service) error {
	if err := svc.Validate(); err != nil {
		return fmt.Errorf("invalid service: %w", err)
	}
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	if svc.CodeIndexingStatus == "" {
		svc.CodeIndexingStatus = IndexStatusNotIndexed
	}
	svc.CreatedAt = time.Now().UTC()
	svc.IsActive = true

	_, err := s.pool.Exec(ctx, `
		INSERT INTO services (
			id, name, repository_url, git_branch, git_provider,
			git_repo_path, access_token, use_api_mode,
			log_processing_enabled, rca_generation_enabled, code_indexing_enabled,
			log_fetch_duration_minutes, log_fetch_duration_hours, log_fetch_duration_days,
			rca_interval_minutes, code_indexing_status, is_active, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		svc.ID, svc.Name, svc.RepositoryURL, svc.GitBranch, svc.GitProvider,
		svc.GitRepoPath, svc.AccessToken, svc.UseAPIMode,
		svc.LogProcessingEnabled, svc.RCAGenerationEnabled, svc.CodeIndexingEnabled,
		svc.LogFetchDurationMinutes, svc.LogFetchDurationHours, svc.LogFetchDurationDays,
		svc.RCAIntervalMinutes, svc.CodeIndexingStatus, svc.IsActive, svc.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("service name %q: %w", svc.Name, ErrConflict)
		}
		return fmt.Errorf("failed to insert service: %w", err)
	}
	return nil
}

// GetService loads one service by id.
func (s *Store) GetService(ctx context.Context, serviceID string) (*Service, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE id = $1`, serviceID)
	svc, err := scanService(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("service %q: %w", serviceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load service: %w", err)
	}
	return svc, nil
}

// ListActiveServices returns the tenants the scheduler iterates.
func (s *Store) ListActiveServices(ctx context.Context) ([]*Service, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE is_active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	var out []*Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		out = append(out, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate services: %w", err)
	}
	return out, nil
}

// DeactivateService soft-deletes a service so scheduling stops.
func (s *Store) DeactivateService(ctx context.Context, serviceID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE services SET is_active = FALSE WHERE id = $1`, serviceID)
	if err != nil {
		return fmt.Errorf("failed to deactivate service: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("service %q: %w", serviceID, ErrNotFound)
	}
	return nil
}

// UpdateServiceLastRun stamps the "last run" field for a task.
func (s *Store) UpdateServiceLastRun(ctx context.Context, serviceID, taskName string, at time.Time) error {
	var column string
	switch taskName {
	case TaskLogFetch:
		column = "last_log_fetch"
	case TaskRCAGeneration:
		column = "last_rca_generation"
	case TaskCodeIndexing:
		column = "last_code_indexing"
	default:
		return fmt.Errorf("unknown task %q", taskName)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE services SET `+column+` = $1 WHERE id = $2`, at, serviceID)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("service %q: %w", serviceID, ErrNotFound)
	}
	return nil
}

// UpdateServiceIndexingState records the indexing status and, when the run
// succeeded, the commit it landed on.
func (s *Store) UpdateServiceIndexingState(ctx context.Context, serviceID, status, commitSHA string) error {
	var err error
	if commitSHA != "" {
		_, err = s.pool.Exec(ctx, `
			UPDATE services
			SET code_indexing_status = $1, last_indexed_commit = $2, last_code_indexing = NOW()
			WHERE id = $3`, status, commitSHA, serviceID)
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE services SET code_indexing_status = $1 WHERE id = $2`, status, serviceID)
	}
	if err != nil {
		return fmt.Errorf("failed to update indexing state: %w", err)
	}
	return nil
}

func scanService(row pgx.Row) (*Service, error) {
	var svc Service
	if err := row.Scan(
		&svc.ID, &svc.Name, &svc.RepositoryURL, &svc.GitBranch, &svc.GitProvider,
		&svc.GitRepoPath, &svc.AccessToken, &svc.UseAPIMode,
		&svc.LogProcessingEnabled, &svc.RCAGenerationEnabled, &svc.CodeIndexingEnabled,
		&svc.LogFetchDurationMinutes, &svc.LogFetchDurationHours, &svc.LogFetchDurationDays,
		&svc.RCAIntervalMinutes,
		&svc.LastLogFetch, &svc.LastRCAGeneration, &svc.LastCodeIndexing,
		&svc.CodeIndexingStatus, &svc.LastIndexedCommit, &svc.IsActive, &svc.CreatedAt,
	); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context
	}
	return &svc, nil
}
