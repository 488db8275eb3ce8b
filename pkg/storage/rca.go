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

const rcaColumns = `id, cluster_id, root_cause_file, root_cause_symbol,
	line_start, line_end, confidence_score, explanation,
	involved_parameters, fix_suggestions, tests_to_add, supporting_evidence,
	model, tokens_used, validation_score, created_at`

// InsertRCAResult persists one analysis. History is preserved: results
// are never updated or replaced, only appended.
func (s *Store) InsertRCAResult(ctx context.Context, r *RCAResult) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO rca_results (
			id, cluster_id, root_cause_file, root_cause_symbol,
			line_start, line_end, confidence_score, explanation,
			involved_parameters, fix_suggestions, tests_to_add, supporting_evidence,
			model, tokens_used, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.ClusterID, r.RootCauseFile, r.RootCauseSymbol,
		r.LineStart, r.LineEnd, r.ConfidenceScore, r.Explanation,
		r.InvolvedParameters, r.FixSuggestions, r.TestsToAdd, r.SupportingEvidence,
		r.Model, r.TokensUsed, r.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert RCA result: %w", err)
	}
	return nil
}

// GetLatestRCAResult returns the newest analysis for a cluster.
func (s *Store) GetLatestRCAResult(ctx context.Context, clusterID string) (*RCAResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+rcaColumns+` FROM rca_results
		WHERE cluster_id = $1 ORDER BY created_at DESC LIMIT 1`, clusterID)
	r, err := scanRCA(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("RCA for cluster %q: %w", clusterID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load RCA result: %w", err)
	}
	return r, nil
}

// RecordRCAFeedback folds one helpful/unhelpful vote into the aggregated
// validation score of the latest result. The running mean lives in the
// rca_feedback table; validation_score is the only mutable RCA field.
func (s *Store) RecordRCAFeedback(ctx context.Context, clusterID string, helpful bool, comment string) error {
	latest, err := s.GetLatestRCAResult(ctx, clusterID)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, `
		INSERT INTO rca_feedback (id, rca_result_id, helpful, comment, created_at)
		VALUES ($1,$2,$3,$4,NOW())`,
		uuid.NewString(), latest.ID, helpful, comment); err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE rca_results SET validation_score = (
			SELECT AVG(CASE WHEN helpful THEN 1.0 ELSE 0.0 END)
			FROM rca_feedback WHERE rca_result_id = $1
		) WHERE id = $1`, latest.ID); err != nil {
		return fmt.Errorf("failed to update validation score: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit feedback: %w", err)
	}
	return nil
}

func scanRCA(row pgx.Row) (*RCAResult, error) {
	var r RCAResult
	if err := row.Scan(
		&r.ID, &r.ClusterID, &r.RootCauseFile, &r.RootCauseSymbol,
		&r.LineStart, &r.LineEnd, &r.ConfidenceScore, &r.Explanation,
		&r.InvolvedParameters, &r.FixSuggestions, &r.TestsToAdd, &r.SupportingEvidence,
		&r.Model, &r.TokensUsed, &r.ValidationScore, &r.CreatedAt,
	); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context
	}
	return &r, nil
}
