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

const blockColumns = `id, service_id, repository, version, commit_sha,
	file_path, symbol_name, symbol_type, line_start, line_end,
	code_snippet, docstring, function_signature, embedding_id, indexed_at`

// ReplaceFileBlocks deletes the previous generation of blocks for one file
// and inserts the new generation in a single transaction, so readers never
// observe a half-replaced file.
func (s *Store) ReplaceFileBlocks(ctx context.Context, serviceID, filePath string, blocks []*CodeBlock) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx,
		`DELETE FROM code_blocks WHERE service_id = $1 AND file_path = $2`,
		serviceID, filePath); err != nil {
		return fmt.Errorf("failed to delete previous blocks: %w", err)
	}

	for _, b := range blocks {
		if b.ID == "" {
			b.ID = uuid.NewString()
		}
		b.IndexedAt = time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			INSERT INTO code_blocks (
				id, service_id, repository, version, commit_sha,
				file_path, symbol_name, symbol_type, line_start, line_end,
				code_snippet, docstring, function_signature, embedding_id, indexed_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			b.ID, b.ServiceID, b.Repository, b.Version, b.CommitSHA,
			b.FilePath, b.SymbolName, b.SymbolType, b.LineStart, b.LineEnd,
			b.CodeSnippet, b.Docstring, b.FunctionSignature, b.EmbeddingID, b.IndexedAt); err != nil {
			return fmt.Errorf("failed to insert code block: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit block replacement: %w", err)
	}
	return nil
}

// DeleteServiceBlocks removes every block for a service. A full re-index
// starts here.
func (s *Store) DeleteServiceBlocks(ctx context.Context, serviceID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM code_blocks WHERE service_id = $1`, serviceID); err != nil {
		return fmt.Errorf("failed to delete service blocks: %w", err)
	}
	return nil
}

// GetCodeBlocksByIDs loads full snippets for the vector-search hits.
func (s *Store) GetCodeBlocksByIDs(ctx context.Context, ids []string) ([]*CodeBlock, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+blockColumns+` FROM code_blocks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query code blocks: %w", err)
	}
	defer rows.Close()

	var out []*CodeBlock
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan code block: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate code blocks: %w", err)
	}
	return out, nil
}

// InsertIndexingMetadata persists the outcome row of one indexing run.
func (s *Store) InsertIndexingMetadata(ctx context.Context, m *IndexingMetadata) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.IndexedAt.IsZero() {
		m.IndexedAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO indexing_metadata (
			id, service_id, repository, commit_sha, indexed_at,
			files_indexed, code_blocks_created, indexing_mode, access_mode
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.ID, m.ServiceID, m.Repository, m.CommitSHA, m.IndexedAt,
		m.FilesIndexed, m.CodeBlocksCreated, m.IndexingMode, m.AccessMode); err != nil {
		return fmt.Errorf("failed to insert indexing metadata: %w", err)
	}
	return nil
}

// GetLatestIndexingMetadata returns the most recent run for a repository.
func (s *Store) GetLatestIndexingMetadata(ctx context.Context, serviceID, repository string) (*IndexingMetadata, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, service_id, repository, commit_sha, indexed_at,
			files_indexed, code_blocks_created, indexing_mode, access_mode
		FROM indexing_metadata
		WHERE service_id = $1 AND repository = $2
		ORDER BY indexed_at DESC LIMIT 1`,
		serviceID, repository)

	var m IndexingMetadata
	if err := row.Scan(&m.ID, &m.ServiceID, &m.Repository, &m.CommitSHA, &m.IndexedAt,
		&m.FilesIndexed, &m.CodeBlocksCreated, &m.IndexingMode, &m.AccessMode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("indexing metadata for %q: %w", serviceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load indexing metadata: %w", err)
	}
	return &m, nil
}

func scanBlock(row pgx.Row) (*CodeBlock, error) {
	var b CodeBlock
	if err := row.Scan(
		&b.ID, &b.ServiceID, &b.Repository, &b.Version, &b.CommitSHA,
		&b.FilePath, &b.SymbolName, &b.SymbolType, &b.LineStart, &b.LineEnd,
		&b.CodeSnippet, &b.Docstring, &b.FunctionSignature, &b.EmbeddingID, &b.IndexedAt,
	); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context
	}
	return &b, nil
}
