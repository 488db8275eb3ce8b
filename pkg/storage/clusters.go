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

const clusterColumns = `id, service_id, log_source_id,
	exception_type, exception_message, fingerprint,
	template_fingerprint, semantic_fingerprint, category_fingerprint, error_category,
	representative_log_id, stack_trace, logger_path,
	cluster_size, first_seen, last_seen, frequency_24h, frequency_7d,
	status, status_updated_at, status_updated_by, has_rca, rca_generated_at`

// ClusterFilter narrows cluster listings.
type ClusterFilter struct {
	Status      string // active, skipped, resolved, or "" for all
	ServiceID   string
	LogSourceID string
	Since       *time.Time
	Until       *time.Time
}

// UpsertCluster atomically creates a cluster or folds a new observation
// group into the existing one. The unique key on (service_id,
// log_source_id, fingerprint) is the serialization point: racing callers
// both land on the same row and can never create a duplicate. Aggregates
// move monotonically; first_seen/last_seen use LEAST/GREATEST rather than
// assuming monotonic arrival.
func (s *Store) UpsertCluster(ctx context.Context, c *ExceptionCluster, increment int64) (*ExceptionCluster, bool, error) {
	if c.ServiceID == "" || c.LogSourceID == "" || c.Fingerprint == "" {
		return nil, false, fmt.Errorf("service_id, log_source_id, and fingerprint are required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	stack, err := json.Marshal(c.StackTrace)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal stack trace: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO exception_clusters (
			id, service_id, log_source_id,
			exception_type, exception_message, fingerprint,
			template_fingerprint, semantic_fingerprint, category_fingerprint, error_category,
			representative_log_id, stack_trace, logger_path,
			cluster_size, first_seen, last_seen, frequency_24h, frequency_7d, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15,$14,$14,$16)
		ON CONFLICT (service_id, log_source_id, fingerprint) DO UPDATE SET
			cluster_size  = exception_clusters.cluster_size + EXCLUDED.cluster_size,
			frequency_24h = exception_clusters.frequency_24h + EXCLUDED.frequency_24h,
			frequency_7d  = exception_clusters.frequency_7d + EXCLUDED.frequency_7d,
			first_seen    = LEAST(exception_clusters.first_seen, EXCLUDED.first_seen),
			last_seen     = GREATEST(exception_clusters.last_seen, EXCLUDED.last_seen)
		RETURNING `+clusterColumns+`, (xmax = 0) AS inserted`,
		c.ID, c.ServiceID, c.LogSourceID,
		c.ExceptionType, c.ExceptionMessage, c.Fingerprint,
		c.TemplateFingerprint, c.SemanticFingerprint, c.CategoryFingerprint, c.ErrorCategory,
		c.RepresentativeLogID, stack, c.LoggerPath,
		increment, now, ClusterStatusActive)

	out, inserted, err := scanClusterWithInserted(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert cluster: %w", err)
	}
	return out, inserted, nil
}

// GetCluster loads one cluster by id.
func (s *Store) GetCluster(ctx context.Context, clusterID string) (*ExceptionCluster, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+clusterColumns+` FROM exception_clusters WHERE id = $1`, clusterID)
	c, err := scanCluster(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("cluster %q: %w", clusterID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load cluster: %w", err)
	}
	return c, nil
}

// ListClusters returns clusters matching the filter, most recent first.
func (s *Store) ListClusters(ctx context.Context, filter *ClusterFilter) ([]*ExceptionCluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM exception_clusters WHERE 1=1`
	var args []any

	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}

	if filter != nil {
		if filter.Status != "" && filter.Status != "all" {
			add("status = $%d", filter.Status)
		}
		if filter.ServiceID != "" {
			add("service_id = $%d", filter.ServiceID)
		}
		if filter.LogSourceID != "" {
			add("log_source_id = $%d", filter.LogSourceID)
		}
		if filter.Since != nil {
			add("last_seen >= $%d", *filter.Since)
		}
		if filter.Until != nil {
			add("last_seen <= $%d", *filter.Until)
		}
	}
	query += " ORDER BY last_seen DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	defer rows.Close()

	var out []*ExceptionCluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate clusters: %w", err)
	}
	return out, nil
}

// SetClusterStatus records a lifecycle transition. Transition validation
// happens in the clusters package; this only persists.
func (s *Store) SetClusterStatus(ctx context.Context, clusterID, status, updatedBy string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE exception_clusters
		SET status = $1, status_updated_at = NOW(), status_updated_by = $2
		WHERE id = $3`,
		status, updatedBy, clusterID)
	if err != nil {
		return fmt.Errorf("failed to update cluster status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cluster %q: %w", clusterID, ErrNotFound)
	}
	return nil
}

// MarkClusterRCA atomically flips has_rca after an RCA result persists.
func (s *Store) MarkClusterRCA(ctx context.Context, clusterID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE exception_clusters
		SET has_rca = TRUE, rca_generated_at = $1
		WHERE id = $2`, at, clusterID)
	if err != nil {
		return fmt.Errorf("failed to mark cluster RCA: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cluster %q: %w", clusterID, ErrNotFound)
	}
	return nil
}

// DecayFrequencies recomputes the rolling frequency windows. Called by the
// scheduler housekeeping pass; clusters idle past a window drop to zero.
func (s *Store) DecayFrequencies(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE exception_clusters SET frequency_24h = 0
		WHERE last_seen < NOW() - INTERVAL '24 hours' AND frequency_24h > 0`); err != nil {
		return fmt.Errorf("failed to decay 24h frequencies: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE exception_clusters SET frequency_7d = 0
		WHERE last_seen < NOW() - INTERVAL '7 days' AND frequency_7d > 0`); err != nil {
		return fmt.Errorf("failed to decay 7d frequencies: %w", err)
	}
	return nil
}

func scanCluster(row pgx.Row) (*ExceptionCluster, error) {
	c, _, err := scanClusterFields(row, false)
	return c, err
}

func scanClusterWithInserted(row pgx.Row) (*ExceptionCluster, bool, error) {
	return scanClusterFields(row, true)
}

func scanClusterFields(row pgx.Row, withInserted bool) (*ExceptionCluster, bool, error) {
	var c ExceptionCluster
	var stack []byte
	var inserted bool

	dest := []any{
		&c.ID, &c.ServiceID, &c.LogSourceID,
		&c.ExceptionType, &c.ExceptionMessage, &c.Fingerprint,
		&c.TemplateFingerprint, &c.SemanticFingerprint, &c.CategoryFingerprint, &c.ErrorCategory,
		&c.RepresentativeLogID, &stack, &c.LoggerPath,
		&c.ClusterSize, &c.FirstSeen, &c.LastSeen, &c.Frequency24h, &c.Frequency7d,
		&c.Status, &c.StatusUpdatedAt, &c.StatusUpdatedBy, &c.HasRCA, &c.RCAGeneratedAt,
	}
	if withInserted {
		dest = append(dest, &inserted)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, false, err //nolint:wrapcheck // callers wrap with context
	}
	if len(stack) > 0 {
		if err := json.Unmarshal(stack, &c.StackTrace); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal stack trace: %w", err)
		}
	}
	return &c, inserted, nil
}
