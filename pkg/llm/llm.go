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

// Package llm wires up the chat model and the embedder behind small
// interfaces so the analysis code never sees a provider SDK.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// Supported providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Client generates completions. Implementations must be safe for
// concurrent use.
type Client interface {
	// Generate returns the model's completion for a system + user prompt.
	Generate(ctx context.Context, system, prompt string) (string, error)

	// ModelName reports the configured model identifier.
	ModelName() string
}

// Embedder turns text into vectors.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
}

type client struct {
	model       llms.Model
	modelName   string
	temperature float64
	maxTokens   int
}

// New builds a chat client for the configured provider.
func New(cfg *Config) (Client, error) {
	var (
		model llms.Model
		err   error
	)
	switch cfg.Provider {
	case ProviderOpenAI:
		model, err = openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		)
	case ProviderAnthropic:
		model, err = anthropic.New(
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.Model),
		)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", cfg.Provider, err)
	}

	return &client{
		model:       model,
		modelName:   cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (c *client) ModelName() string { return c.modelName }

// Generate calls the model with retry on transient failures: up to 3
// retries with exponential backoff starting at 2s.
func (c *client) Generate(ctx context.Context, system, prompt string) (string, error) {
	msgs := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, prompt),
	}

	opts := []llms.CallOption{
		llms.WithTemperature(c.temperature),
	}
	if c.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.maxTokens))
	}

	var out string
	backoff := retry.WithMaxRetries(3, retry.NewExponential(2*time.Second))
	if err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := c.model.GenerateContent(ctx, msgs, opts...)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("generation failed: %w", err))
		}
		if len(resp.Choices) == 0 {
			return retry.RetryableError(fmt.Errorf("model returned no choices"))
		}
		out = resp.Choices[0].Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to generate completion: %w", err)
	}
	return out, nil
}

// NewEmbedder builds an OpenAI-backed embedder. Embeddings always come
// from OpenAI regardless of the chat provider.
func NewEmbedder(apiKey, model string) (Embedder, error) {
	if model == "" {
		model = "text-embedding-3-small"
	}
	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}
	return &openaiEmbedder{llm: llm}, nil
}

type openaiEmbedder struct {
	llm *openai.LLM
}

func (e *openaiEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	backoff := retry.WithMaxRetries(3, retry.NewExponential(2*time.Second))
	if err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		vecs, err := e.llm.CreateEmbedding(ctx, texts)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("embedding failed: %w", err))
		}
		out = vecs
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to embed %d documents: %w", len(texts), err)
	}
	return out, nil
}

func (e *openaiEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}
