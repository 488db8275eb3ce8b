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

// Package rca generates root-cause analyses for exception clusters by
// retrieving relevant code blocks and asking a language model for a
// structured verdict.
package rca

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/abcxyz/exception-aggregator/pkg/exceptions"
	"github.com/abcxyz/exception-aggregator/pkg/llm"
	"github.com/abcxyz/exception-aggregator/pkg/storage"
	"github.com/abcxyz/exception-aggregator/pkg/vectorstore"
	"github.com/abcxyz/pkg/logging"
)

const (
	// topFrames is how many stack frames seed retrieval queries.
	topFrames = 5

	// maxBlocks caps the code context handed to the model.
	maxBlocks = 10
)

const systemPrompt = `You are an expert software engineer performing root cause analysis on a production exception.

You are given the exception details, its stack trace, and code blocks retrieved from the service's repository. Identify the most likely root cause.

Respond with ONLY a JSON object matching this schema:
{
  "likely_root_cause": {
    "file_path": "path of the file containing the defect",
    "symbol": "function or method name",
    "line_range": [start, end],
    "confidence": 0.0 to 1.0,
    "explanation": "why this code causes the exception"
  },
  "supporting_evidence": ["observations backing the conclusion"],
  "involved_parameters": ["variables or inputs implicated"],
  "fix_suggestions": ["concrete changes to make"],
  "tests_to_add": ["tests that would catch a regression"]
}`

// Store is the relational slice the engine needs.
type Store interface {
	GetCluster(ctx context.Context, id string) (*storage.ExceptionCluster, error)
	GetCodeBlocksByIDs(ctx context.Context, ids []string) ([]*storage.CodeBlock, error)
	InsertRCAResult(ctx context.Context, r *storage.RCAResult) error
	MarkClusterRCA(ctx context.Context, clusterID string, at time.Time) error
}

// Engine runs the retrieve-then-analyze pipeline.
type Engine struct {
	store    Store
	vectors  vectorstore.Store
	client   llm.Client
	embedder llm.Embedder
}

// New creates an Engine.
func New(store Store, vectors vectorstore.Store, client llm.Client, embedder llm.Embedder) *Engine {
	return &Engine{
		store:    store,
		vectors:  vectors,
		client:   client,
		embedder: embedder,
	}
}

// verdict is the model's response shape.
type verdict struct {
	LikelyRootCause *struct {
		FilePath    string  `json:"file_path"`
		Symbol      string  `json:"symbol"`
		LineRange   []int   `json:"line_range"`
		Confidence  float64 `json:"confidence"`
		Explanation string  `json:"explanation"`
	} `json:"likely_root_cause"`
	SupportingEvidence []string `json:"supporting_evidence"`
	InvolvedParameters []string `json:"involved_parameters"`
	FixSuggestions     []string `json:"fix_suggestions"`
	TestsToAdd         []string `json:"tests_to_add"`
}

// AnalyzeCluster produces and persists one RCA for the cluster.
func (e *Engine) AnalyzeCluster(ctx context.Context, clusterID string) (*storage.RCAResult, error) {
	logger := logging.FromContext(ctx)

	cluster, err := e.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster: %w", err)
	}

	// Snapshot everything needed from the cluster up front.
	frames := make([]exceptions.Frame, len(cluster.StackTrace))
	copy(frames, cluster.StackTrace)
	serviceID := cluster.ServiceID
	excType := cluster.ExceptionType
	excMessage := cluster.ExceptionMessage

	blocks, err := e.retrieveBlocks(ctx, serviceID, frames)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "retrieved code context",
		"cluster_id", clusterID,
		"blocks", len(blocks))

	prompt := buildPrompt(excType, excMessage, frames, blocks)

	raw, err := e.client.Generate(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	v, err := parseVerdict(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse analysis: %w", err)
	}

	result := &storage.RCAResult{
		ClusterID:          clusterID,
		RootCauseFile:      v.LikelyRootCause.FilePath,
		RootCauseSymbol:    v.LikelyRootCause.Symbol,
		ConfidenceScore:    v.LikelyRootCause.Confidence,
		Explanation:        v.LikelyRootCause.Explanation,
		SupportingEvidence: v.SupportingEvidence,
		InvolvedParameters: v.InvolvedParameters,
		FixSuggestions:     v.FixSuggestions,
		TestsToAdd:         v.TestsToAdd,
		Model:              e.client.ModelName(),
		TokensUsed:         estimateTokens(systemPrompt + prompt + raw),
	}
	if len(v.LikelyRootCause.LineRange) == 2 {
		result.LineStart = v.LikelyRootCause.LineRange[0]
		result.LineEnd = v.LikelyRootCause.LineRange[1]
	}

	if err := e.store.InsertRCAResult(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to persist analysis: %w", err)
	}
	if err := e.store.MarkClusterRCA(ctx, clusterID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to mark cluster: %w", err)
	}

	logger.InfoContext(ctx, "analysis complete",
		"cluster_id", clusterID,
		"root_cause_file", result.RootCauseFile,
		"confidence", result.ConfidenceScore)
	return result, nil
}

// retrieveBlocks queries the vector store once per top frame, unions
// the hits, and resolves full snippets from the relational store.
func (e *Engine) retrieveBlocks(ctx context.Context, serviceID string, frames []exceptions.Frame) ([]*storage.CodeBlock, error) {
	n := len(frames)
	if n > topFrames {
		n = topFrames
	}

	seen := make(map[string]bool)
	var ids []string
	filter := &vectorstore.Filter{ServiceID: serviceID}

	for _, f := range frames[:n] {
		query := f.Symbol + " " + f.File
		vec, err := e.embedder.EmbedQuery(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query %q: %w", query, err)
		}
		matches, err := e.vectors.Search(ctx, vectorstore.CodeCollection, vec, maxBlocks, filter)
		if err != nil {
			return nil, fmt.Errorf("failed to search code blocks: %w", err)
		}
		for _, m := range matches {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			ids = append(ids, m.ID)
		}
	}

	if len(ids) > maxBlocks {
		ids = ids[:maxBlocks]
	}
	if len(ids) == 0 {
		return nil, nil
	}

	blocks, err := e.store.GetCodeBlocksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load code blocks: %w", err)
	}
	return blocks, nil
}

func buildPrompt(excType, excMessage string, frames []exceptions.Frame, blocks []*storage.CodeBlock) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Exception: %s\n", excType)
	fmt.Fprintf(&sb, "Message: %s\n\n", excMessage)

	sb.WriteString("Stack trace:\n")
	for _, f := range frames {
		fmt.Fprintf(&sb, "  %s (%s:%d)\n", f.Symbol, f.File, f.Line)
	}

	if len(blocks) > 0 {
		sb.WriteString("\nRelevant code from the repository:\n")
		for _, b := range blocks {
			fmt.Fprintf(&sb, "\n--- %s:%d-%d (%s %s) ---\n", b.FilePath, b.LineStart, b.LineEnd, b.SymbolType, b.SymbolName)
			if b.Docstring != "" {
				fmt.Fprintf(&sb, "// %s\n", b.Docstring)
			}
			sb.WriteString(b.CodeSnippet)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// parseVerdict accepts bare JSON or JSON inside a markdown code fence.
// A verdict is persisted only when it is complete: a root cause naming
// file and symbol, confidence within [0, 1], and at least one fix
// suggestion.
func parseVerdict(raw string) (*verdict, error) {
	text := strings.TrimSpace(raw)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var v verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if v.LikelyRootCause == nil {
		return nil, fmt.Errorf("response missing likely_root_cause")
	}
	if v.LikelyRootCause.FilePath == "" || v.LikelyRootCause.Symbol == "" {
		return nil, fmt.Errorf("root cause missing file or symbol")
	}
	if c := v.LikelyRootCause.Confidence; c < 0 || c > 1 {
		return nil, fmt.Errorf("confidence %v outside [0, 1]", c)
	}
	if len(v.FixSuggestions) == 0 {
		return nil, fmt.Errorf("response has no fix suggestions")
	}
	return &v, nil
}

// estimateTokens approximates usage when the provider does not report
// it: roughly four characters per token for code-heavy text.
func estimateTokens(text string) int {
	return len(text) / 4
}
