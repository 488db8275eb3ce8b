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
	"fmt"
	"time"
)

// OverviewStats are the platform-wide aggregates for /stats.
type OverviewStats struct {
	TotalClusters    int64 `json:"total_clusters"`
	ActiveClusters   int64 `json:"active_clusters"`
	SkippedClusters  int64 `json:"skipped_clusters"`
	ResolvedClusters int64 `json:"resolved_clusters"`
	ClustersWithRCA  int64 `json:"clusters_with_rca"`
	TotalExceptions  int64 `json:"total_exceptions"`
}

// TrendPoint is one day of new-cluster counts.
type TrendPoint struct {
	Day      time.Time `json:"day"`
	Clusters int64     `json:"clusters"`
}

// ServiceStats are per-tenant aggregates.
type ServiceStats struct {
	ServiceID   string `json:"service_id"`
	ServiceName string `json:"service_name"`
	Clusters    int64  `json:"clusters"`
	Exceptions  int64  `json:"exceptions"`
}

// CategoryStats are cluster counts keyed by error category.
type CategoryStats struct {
	Category string `json:"category"`
	Clusters int64  `json:"clusters"`
}

// GetOverviewStats computes the /stats aggregates within a time window.
func (s *Store) GetOverviewStats(ctx context.Context, since, until *time.Time) (*OverviewStats, error) {
	query := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'skipped'),
			COUNT(*) FILTER (WHERE status = 'resolved'),
			COUNT(*) FILTER (WHERE has_rca),
			COALESCE(SUM(cluster_size), 0)
		FROM exception_clusters WHERE 1=1`
	query, args := appendWindow(query, nil, since, until)

	var st OverviewStats
	if err := s.pool.QueryRow(ctx, query, args...).Scan(
		&st.TotalClusters, &st.ActiveClusters, &st.SkippedClusters,
		&st.ResolvedClusters, &st.ClustersWithRCA, &st.TotalExceptions); err != nil {
		return nil, fmt.Errorf("failed to compute overview stats: %w", err)
	}
	return &st, nil
}

// GetTrends returns per-day counts of newly created clusters.
func (s *Store) GetTrends(ctx context.Context, since, until *time.Time) ([]*TrendPoint, error) {
	query := `
		SELECT date_trunc('day', first_seen) AS day, COUNT(*)
		FROM exception_clusters WHERE 1=1`
	query, args := appendWindowColumn(query, nil, "first_seen", since, until)
	query += ` GROUP BY day ORDER BY day`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to compute trends: %w", err)
	}
	defer rows.Close()

	var out []*TrendPoint
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Day, &p.Clusters); err != nil {
			return nil, fmt.Errorf("failed to scan trend point: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trends: %w", err)
	}
	return out, nil
}

// GetServiceStats returns per-service cluster and exception counts.
func (s *Store) GetServiceStats(ctx context.Context, since, until *time.Time) ([]*ServiceStats, error) {
	query := `
		SELECT s.id, s.name, COUNT(c.id), COALESCE(SUM(c.cluster_size), 0)
		FROM services s
		LEFT JOIN exception_clusters c ON c.service_id = s.id WHERE 1=1`
	query, args := appendWindowColumn(query, nil, "c.last_seen", since, until)
	query += ` GROUP BY s.id, s.name ORDER BY s.name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to compute service stats: %w", err)
	}
	defer rows.Close()

	var out []*ServiceStats
	for rows.Next() {
		var st ServiceStats
		if err := rows.Scan(&st.ServiceID, &st.ServiceName, &st.Clusters, &st.Exceptions); err != nil {
			return nil, fmt.Errorf("failed to scan service stats: %w", err)
		}
		out = append(out, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate service stats: %w", err)
	}
	return out, nil
}

// GetSeverityStats returns cluster counts grouped by error category.
func (s *Store) GetSeverityStats(ctx context.Context, since, until *time.Time) ([]*CategoryStats, error) {
	query := `
		SELECT COALESCE(NULLIF(error_category, ''), 'UNCLASSIFIED'), COUNT(*)
		FROM exception_clusters WHERE 1=1`
	query, args := appendWindow(query, nil, since, until)
	query += ` GROUP BY 1 ORDER BY 2 DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to compute severity stats: %w", err)
	}
	defer rows.Close()

	var out []*CategoryStats
	for rows.Next() {
		var st CategoryStats
		if err := rows.Scan(&st.Category, &st.Clusters); err != nil {
			return nil, fmt.Errorf("failed to scan severity stats: %w", err)
		}
		out = append(out, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate severity stats: %w", err)
	}
	return out, nil
}

func appendWindow(query string, args []any, since, until *time.Time) (string, []any) {
	return appendWindowColumn(query, args, "last_seen", since, until)
}

func appendWindowColumn(query string, args []any, column string, since, until *time.Time) (string, []any) {
	if since != nil {
		args = append(args, *since)
		query += fmt.Sprintf(" AND %s >= $%d", column, len(args))
	}
	if until != nil {
		args = append(args, *until)
		query += fmt.Sprintf(" AND %s <= $%d", column, len(args))
	}
	return query, args
}
