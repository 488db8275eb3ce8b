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

const sourceColumns = `id, service_id, source_type, host, port, username, password,
	use_ssl, verify_certs, index_pattern, query_filter, ingest_token,
	fetch_enabled, fetch_interval_minutes,
	connection_status, last_fetch_at, last_error`

// CreateLogSource inserts a backend configuration for a service.
func (s *Store) CreateLogSource(ctx context.Context, ls *LogSource) error {
	if err := ls.Validate(); err != nil {
		return fmt.Errorf("invalid log source: %w", err)
	}
	if ls.ID == "" {
		ls.ID = uuid.NewString()
	}
	if ls.ConnectionStatus == "" {
		ls.ConnectionStatus = ConnectionStatusUnknown
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO log_sources (
			id, service_id, source_type, host, port, username, password,
			use_ssl, verify_certs, index_pattern, query_filter, ingest_token,
			fetch_enabled, fetch_interval_minutes, connection_status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		ls.ID, ls.ServiceID, ls.SourceType, ls.Host, ls.Port, ls.Username, ls.Password,
		ls.UseSSL, ls.VerifyCerts, ls.IndexPattern, ls.QueryFilter, ls.IngestToken,
		ls.FetchEnabled, ls.FetchIntervalMinutes, ls.ConnectionStatus)
	if err != nil {
		return fmt.Errorf("failed to insert log source: %w", err)
	}
	return nil
}

// GetLogSource loads one source by id.
func (s *Store) GetLogSource(ctx context.Context, logSourceID string) (*LogSource, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM log_sources WHERE id = $1`, logSourceID)
	ls, err := scanLogSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("log source %q: %w", logSourceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load log source: %w", err)
	}
	return ls, nil
}

// GetLogSourceByIngestToken resolves the push-path destination from the
// authenticated bearer token.
func (s *Store) GetLogSourceByIngestToken(ctx context.Context, token string) (*LogSource, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM log_sources WHERE ingest_token = $1 AND ingest_token <> ''`, token)
	ls, err := scanLogSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("ingest token: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve ingest token: %w", err)
	}
	return ls, nil
}

// ListLogSources returns the sources of a service, fetch-enabled or not.
func (s *Store) ListLogSources(ctx context.Context, serviceID string) ([]*LogSource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sourceColumns+` FROM log_sources WHERE service_id = $1 ORDER BY id`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list log sources: %w", err)
	}
	defer rows.Close()

	var out []*LogSource
	for rows.Next() {
		ls, err := scanLogSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log source: %w", err)
		}
		out = append(out, ls)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate log sources: %w", err)
	}
	return out, nil
}

// UpdateLogSourceFetchState records the result of one pull run.
func (s *Store) UpdateLogSourceFetchState(ctx context.Context, logSourceID, connectionStatus, lastError string, fetchedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE log_sources
		SET connection_status = $1, last_error = $2, last_fetch_at = $3
		WHERE id = $4`,
		connectionStatus, lastError, fetchedAt, logSourceID)
	if err != nil {
		return fmt.Errorf("failed to update log source fetch state: %w", err)
	}
	return nil
}

func scanLogSource(row pgx.Row) (*LogSource, error) {
	var ls LogSource
	if err := row.Scan(
		&ls.ID, &ls.ServiceID, &ls.SourceType, &ls.Host, &ls.Port, &ls.Username, &ls.Password,
		&ls.UseSSL, &ls.VerifyCerts, &ls.IndexPattern, &ls.QueryFilter, &ls.IngestToken,
		&ls.FetchEnabled, &ls.FetchIntervalMinutes,
		&ls.ConnectionStatus, &ls.LastFetchAt, &ls.LastError,
	); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context
	}
	return &ls, nil
}
