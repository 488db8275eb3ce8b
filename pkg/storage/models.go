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

// Package storage is the relational adapter for all durable state. The
// rest of the system navigates between entities by opaque identifier via
// this package; no SQL appears outside it.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/abcxyz/exception-aggregator/pkg/exceptions"
)

// Git providers supported by API-mode indexing.
const (
	GitProviderGitHub = "github"
	GitProviderGitLab = "gitlab"
)

// Code-indexing status values on a Service.
const (
	IndexStatusNotIndexed = "not_indexed"
	IndexStatusIndexing   = "indexing"
	IndexStatusCompleted  = "completed"
	IndexStatusFailed     = "failed"
)

// Cluster lifecycle states.
const (
	ClusterStatusActive   = "active"
	ClusterStatusSkipped  = "skipped"
	ClusterStatusResolved = "resolved"
)

// Task execution states.
const (
	ExecutionStatusRunning = "running"
	ExecutionStatusSuccess = "success"
	ExecutionStatusFailed  = "failed"
)

// Task names recorded in the execution log.
const (
	TaskLogFetch      = "log_fetch"
	TaskRCAGeneration = "rca_generation"
	TaskCodeIndexing  = "code_indexing"
)

// LogSource connection states.
const (
	ConnectionStatusConnected    = "connected"
	ConnectionStatusDisconnected = "disconnected"
	ConnectionStatusError        = "error"
	ConnectionStatusUnknown      = "unknown"
)

// Indexing run modes and repository access modes recorded in
// IndexingMetadata.
const (
	IndexModeFull        = "full"
	IndexModeIncremental = "incremental"
	IndexModeSkip        = "skip"

	IndexModeAPI   = "api"
	IndexModeLocal = "local"
)

// Service is a tenant: one monitored application with its code source and
// processing toggles.
type Service struct {
	ID            string
	Name          string
	RepositoryURL string
	GitBranch     string
	GitProvider   string
	GitRepoPath   string
	AccessToken   string
	UseAPIMode    bool

	LogProcessingEnabled bool
	RCAGenerationEnabled bool
	CodeIndexingEnabled  bool

	LogFetchDurationMinutes int
	LogFetchDurationHours   int
	LogFetchDurationDays    int
	RCAIntervalMinutes      int

	LastLogFetch       *time.Time
	LastRCAGeneration  *time.Time
	LastCodeIndexing   *time.Time
	CodeIndexingStatus string
	LastIndexedCommit  string

	IsActive  bool
	CreatedAt time.Time
}

// LogFetchInterval resolves the duration knobs; minutes win on tie.
func (s *Service) LogFetchInterval() time.Duration {
	switch {
	case s.LogFetchDurationMinutes > 0:
		return time.Duration(s.LogFetchDurationMinutes) * time.Minute
	case s.LogFetchDurationHours > 0:
		return time.Duration(s.LogFetchDurationHours) * time.Hour
	case s.LogFetchDurationDays > 0:
		return time.Duration(s.LogFetchDurationDays) * 24 * time.Hour
	default:
		return 5 * time.Minute
	}
}

// Validate enforces the service invariants before insert or update.
func (s *Service) Validate() error {
	var merr error

	if s.Name == "" {
		merr = errors.Join(merr, fmt.Errorf("name is required"))
	}

	if s.UseAPIMode {
		if s.AccessToken == "" {
			merr = errors.Join(merr, fmt.Errorf("access_token is required in API mode"))
		}
		if s.GitRepoPath != "" {
			merr = errors.Join(merr, fmt.Errorf("git_repo_path must be empty in API mode"))
		}
		if s.GitProvider != GitProviderGitHub && s.GitProvider != GitProviderGitLab {
			merr = errors.Join(merr, fmt.Errorf("git_provider %q is not supported in API mode", s.GitProvider))
		}
	} else if s.CodeIndexingEnabled {
		if s.GitRepoPath == "" {
			merr = errors.Join(merr, fmt.Errorf("git_repo_path is required in local mode"))
		}
		if s.AccessToken != "" {
			merr = errors.Join(merr, fmt.Errorf("access_token must be empty in local mode"))
		}
	}

	return merr
}

// LogSource is one log backend configured for a Service.
type LogSource struct {
	ID        string
	ServiceID string

	SourceType   string
	Host         string
	Port         int
	Username     string
	Password     string
	UseSSL       bool
	VerifyCerts  bool
	IndexPattern string
	QueryFilter  string

	// IngestToken authenticates the push path for agent-type sources.
	IngestToken string

	FetchEnabled         bool
	FetchIntervalMinutes int

	ConnectionStatus string
	LastFetchAt      *time.Time
	LastError        string
}

// Validate enforces the log source invariants.
func (ls *LogSource) Validate() error {
	var merr error

	if ls.ServiceID == "" {
		merr = errors.Join(merr, fmt.Errorf("service_id is required"))
	}
	if ls.SourceType == "" {
		merr = errors.Join(merr, fmt.Errorf("source_type is required"))
	}
	if ls.FetchIntervalMinutes < 1 || ls.FetchIntervalMinutes > 1440 {
		merr = errors.Join(merr, fmt.Errorf("fetch_interval_minutes must be in [1, 1440], got %d", ls.FetchIntervalMinutes))
	}

	return merr
}

// ExceptionCluster is an equivalence class of exceptions keyed by
// fingerprint, scoped to a (service, log source).
type ExceptionCluster struct {
	ID          string
	ServiceID   string
	LogSourceID string

	ExceptionType    string
	ExceptionMessage string
	Fingerprint      string

	TemplateFingerprint string
	SemanticFingerprint string
	CategoryFingerprint string
	ErrorCategory       string

	RepresentativeLogID string
	StackTrace          []exceptions.Frame
	LoggerPath          string

	ClusterSize  int64
	FirstSeen    time.Time
	LastSeen     time.Time
	Frequency24h int64
	Frequency7d  int64

	Status          string
	StatusUpdatedAt *time.Time
	StatusUpdatedBy string

	HasRCA         bool
	RCAGeneratedAt *time.Time
}

// RCAResult is one root-cause analysis produced for a cluster. Immutable
// after creation except for the aggregated validation score.
type RCAResult struct {
	ID        string
	ClusterID string

	RootCauseFile   string
	RootCauseSymbol string
	LineStart       int
	LineEnd         int
	ConfidenceScore float64
	Explanation     string

	InvolvedParameters []string
	FixSuggestions     []string
	TestsToAdd         []string
	SupportingEvidence []string

	Model      string
	TokensUsed int

	ValidationScore *float64
	CreatedAt       time.Time
}

// CodeBlock is a structural unit extracted from source.
type CodeBlock struct {
	ID         string
	ServiceID  string
	Repository string
	Version    string
	CommitSHA  string

	FilePath   string
	SymbolName string
	SymbolType string
	LineStart  int
	LineEnd    int

	CodeSnippet       string
	Docstring         string
	FunctionSignature string

	EmbeddingID string
	IndexedAt   time.Time
}

// IndexingMetadata records one indexing run per (service, repository).
type IndexingMetadata struct {
	ID                string
	ServiceID         string
	Repository        string
	CommitSHA         string
	IndexedAt         time.Time
	FilesIndexed      int
	CodeBlocksCreated int
	IndexingMode      string
	AccessMode        string
}

// TaskExecution is one append-only task-run record.
type TaskExecution struct {
	ID          string
	ServiceID   string
	TaskName    string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      string
	Stats       map[string]any
	ErrorMsg    string
}
