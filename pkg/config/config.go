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

// Package config loads the process configuration from the environment.
// The struct is immutable after load and passed by reference into every
// component.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config is the platform configuration shared by the API server and the
// scheduler.
type Config struct {
	Port        string `env:"PORT,default=8080"`
	DatabaseURL string `env:"DATABASE_URL"`

	VectorDBURL       string `env:"VECTOR_DB_URL,default=http://localhost:6333"`
	VectorDBAPIKey    string `env:"VECTOR_DB_API_KEY"`
	VectorDBDimension int    `env:"VECTOR_DB_DIMENSION,default=1536"`

	LLMProvider    string  `env:"LLM_PROVIDER,default=openai"`
	LLMAPIKey      string  `env:"LLM_API_KEY"`
	LLMModel       string  `env:"LLM_MODEL"`
	LLMTemperature float64 `env:"LLM_TEMPERATURE,default=0.1"`
	LLMMaxTokens   int     `env:"LLM_MAX_TOKENS,default=4096"`

	// ProcessingLogLevels is a comma list; empty means the processor's
	// default set of ERROR, CRITICAL and FATAL.
	ProcessingLogLevels string  `env:"PROCESSING_LOG_LEVELS"`
	ClusteringThreshold float64 `env:"CLUSTERING_THRESHOLD,default=0.7"`

	EnableCodeIndexing bool   `env:"ENABLE_CODE_INDEXING,default=false"`
	EnableLLMAnalysis  bool   `env:"ENABLE_LLM_ANALYSIS,default=false"`
	GitLabHost         string `env:"GITLAB_HOST,default=https://gitlab.com"`

	EnableGChatNotifications   bool   `env:"ENABLE_GCHAT_NOTIFICATIONS,default=false"`
	GChatWebhookURL            string `env:"GCHAT_WEBHOOK_URL"`
	GChatNotificationThreshold int64  `env:"GCHAT_NOTIFICATION_THRESHOLD,default=5"`

	FluentBitAPIToken           string `env:"FLUENT_BIT_API_TOKEN"`
	FluentBitRateLimit          int    `env:"FLUENT_BIT_RATE_LIMIT,default=1000"`
	FluentBitBatchSizeLimit     int    `env:"FLUENT_BIT_BATCH_SIZE_LIMIT,default=500"`
	FluentBitDedupWindowSeconds int    `env:"FLUENT_BIT_DEDUP_WINDOW_SECONDS,default=600"`

	SchedulerTickInterval time.Duration `env:"SCHEDULER_TICK_INTERVAL,default=30s"`
	SchedulerWorkers      int           `env:"SCHEDULER_WORKERS,default=4"`
}

// New loads the configuration from the environment.
func New(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &cfg, envconfig.OsLookuper()); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return &cfg, nil
}

// Validate validates the configuration after load.
func (cfg *Config) Validate() error {
	var merr error

	if cfg.DatabaseURL == "" {
		merr = errors.Join(merr, fmt.Errorf("DATABASE_URL is required"))
	}

	if cfg.VectorDBDimension <= 0 {
		merr = errors.Join(merr, fmt.Errorf("VECTOR_DB_DIMENSION must be positive"))
	}

	if cfg.EnableLLMAnalysis && cfg.LLMAPIKey == "" {
		merr = errors.Join(merr, fmt.Errorf("LLM_API_KEY is required when ENABLE_LLM_ANALYSIS is set"))
	}

	if cfg.LLMTemperature < 0 || cfg.LLMTemperature > 2 {
		merr = errors.Join(merr, fmt.Errorf("LLM_TEMPERATURE must be in [0, 2], got %v", cfg.LLMTemperature))
	}

	if cfg.ClusteringThreshold <= 0 || cfg.ClusteringThreshold > 1 {
		merr = errors.Join(merr, fmt.Errorf("CLUSTERING_THRESHOLD must be in (0, 1], got %v", cfg.ClusteringThreshold))
	}

	if cfg.EnableGChatNotifications && cfg.GChatWebhookURL == "" {
		merr = errors.Join(merr, fmt.Errorf("GCHAT_WEBHOOK_URL is required when ENABLE_GCHAT_NOTIFICATIONS is set"))
	}

	if cfg.SchedulerWorkers <= 0 {
		merr = errors.Join(merr, fmt.Errorf("SCHEDULER_WORKERS must be positive"))
	}

	return merr
}

// Levels returns the processing log levels as a list.
func (cfg *Config) Levels() []string {
	var out []string
	for _, l := range strings.Split(cfg.ProcessingLogLevels, ",") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// DedupWindow returns the push-path dedup window as a duration.
func (cfg *Config) DedupWindow() time.Duration {
	return time.Duration(cfg.FluentBitDedupWindowSeconds) * time.Second
}
