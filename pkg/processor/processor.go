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

// Package processor drives a batch of normalized log records through
// extraction, clustering, notification, and RCA triggering.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/abcxyz/exception-aggregator/pkg/clusters"
	"github.com/abcxyz/exception-aggregator/pkg/exceptions"
	"github.com/abcxyz/exception-aggregator/pkg/llm"
	"github.com/abcxyz/exception-aggregator/pkg/logs"
	"github.com/abcxyz/exception-aggregator/pkg/notify"
	"github.com/abcxyz/exception-aggregator/pkg/rca"
	"github.com/abcxyz/exception-aggregator/pkg/storage"
	"github.com/abcxyz/exception-aggregator/pkg/vectorstore"
	"github.com/abcxyz/pkg/logging"
)

// DefaultLevels is the processing set when none is configured.
var DefaultLevels = []string{"ERROR", "CRITICAL", "FATAL"}

// DefaultNotificationThreshold is the cluster size that triggers an
// alert when none is configured.
const DefaultNotificationThreshold = 5

// Clusterer folds descriptors into persistent clusters.
type Clusterer interface {
	Cluster(ctx context.Context, descriptors []*exceptions.Descriptor, logSourceID string) (*clusters.Outcome, error)
}

// Analyzer produces an RCA for one cluster.
type Analyzer interface {
	AnalyzeCluster(ctx context.Context, clusterID string) (*storage.RCAResult, error)
}

// Stats counts what one batch produced.
type Stats struct {
	TotalLogs           int `json:"total_logs"`
	ErrorLogs           int `json:"error_logs"`
	ExceptionsExtracted int `json:"exceptions_extracted"`
	ClustersCreated     int `json:"clusters_created"`
	RCAGenerated        int `json:"rca_generated"`
	NotificationsSent   int `json:"notifications_sent"`
}

// Add folds another batch's stats into this one.
func (s *Stats) Add(o *Stats) {
	s.TotalLogs += o.TotalLogs
	s.ErrorLogs += o.ErrorLogs
	s.ExceptionsExtracted += o.ExceptionsExtracted
	s.ClustersCreated += o.ClustersCreated
	s.RCAGenerated += o.RCAGenerated
	s.NotificationsSent += o.NotificationsSent
}

// Map renders the stats for execution records.
func (s *Stats) Map() map[string]any {
	return map[string]any{
		"total_logs":           s.TotalLogs,
		"error_logs":           s.ErrorLogs,
		"exceptions_extracted": s.ExceptionsExtracted,
		"clusters_created":     s.ClustersCreated,
		"rca_generated":        s.RCAGenerated,
		"notifications_sent":   s.NotificationsSent,
	}
}

// Config tunes one Processor.
type Config struct {
	// Levels is the processing set; empty means DefaultLevels.
	Levels []string

	// NotificationThreshold is the cluster size that triggers an alert.
	NotificationThreshold int64

	// RCAEnabled gates automatic analysis of eligible clusters.
	RCAEnabled bool
}

// Processor is safe for concurrent use.
type Processor struct {
	levels    map[string]struct{}
	threshold int64
	rca       bool

	clusterer Clusterer
	analyzer  Analyzer
	notifier  notify.Notifier

	vectors  vectorstore.Store
	embedder llm.Embedder
}

// New assembles a Processor. analyzer may be nil when RCA is disabled.
func New(cfg *Config, clusterer Clusterer, analyzer Analyzer, notifier notify.Notifier) *Processor {
	levels := cfg.Levels
	if len(levels) == 0 {
		levels = DefaultLevels
	}
	set := make(map[string]struct{}, len(levels))
	for _, l := range levels {
		set[logs.NormalizeLevel(l)] = struct{}{}
	}

	threshold := cfg.NotificationThreshold
	if threshold <= 0 {
		threshold = DefaultNotificationThreshold
	}

	return &Processor{
		levels:    set,
		threshold: threshold,
		rca:       cfg.RCAEnabled,
		clusterer: clusterer,
		analyzer:  analyzer,
		notifier:  notifier,
	}
}

// WithClusterEmbeddings turns on writing each new cluster's
// representative message into the log-embeddings collection.
func (p *Processor) WithClusterEmbeddings(vectors vectorstore.Store, embedder llm.Embedder) *Processor {
	p.vectors = vectors
	p.embedder = embedder
	return p
}

// ProcessBatch runs one batch through the pipeline. Records keep their
// input order so the first in each group stays the representative.
// Notification and RCA failures never abort the batch.
func (p *Processor) ProcessBatch(ctx context.Context, records []*logs.Record, logSourceID string) (*Stats, error) {
	logger := logging.FromContext(ctx)
	stats := &Stats{TotalLogs: len(records)}

	var descriptors []*exceptions.Descriptor
	for _, r := range records {
		if _, ok := p.levels[logs.NormalizeLevel(r.Level)]; !ok {
			continue
		}
		stats.ErrorLogs++

		d := exceptions.ExtractWithLevels(r, p.levels)
		if d == nil {
			continue
		}
		descriptors = append(descriptors, d)
	}
	stats.ExceptionsExtracted = len(descriptors)

	if len(descriptors) == 0 {
		return stats, nil
	}

	outcome, err := p.clusterer.Cluster(ctx, descriptors, logSourceID)
	if err != nil {
		return stats, fmt.Errorf("clustering failed: %w", err)
	}
	stats.ClustersCreated = outcome.ClustersCreated

	if p.vectors != nil && p.embedder != nil && len(outcome.NewClusters) > 0 {
		// Best effort: an embedding failure never blocks triage.
		if err := p.embedNewClusters(ctx, outcome.NewClusters); err != nil {
			logger.ErrorContext(ctx, "failed to embed new clusters", "error", err)
		}
	}

	now := time.Now().UTC()
	for _, cluster := range outcome.Clusters {
		if p.notifier != nil && cluster.ClusterSize >= p.threshold {
			if p.notifier.NotifyCluster(ctx, cluster) {
				stats.NotificationsSent++
			}
		}

		if !p.rca || p.analyzer == nil {
			continue
		}
		if !rca.ShouldTrigger(cluster, false, now) {
			continue
		}
		if _, err := p.analyzer.AnalyzeCluster(ctx, cluster.ID); err != nil {
			logger.ErrorContext(ctx, "analysis failed",
				"cluster_id", cluster.ID,
				"error", err)
			continue
		}
		stats.RCAGenerated++
	}

	return stats, nil
}

// embedNewClusters writes each created cluster's representative message
// into the log-embeddings collection keyed by cluster ID.
func (p *Processor) embedNewClusters(ctx context.Context, created []*storage.ExceptionCluster) error {
	texts := make([]string, 0, len(created))
	for _, cluster := range created {
		texts = append(texts, cluster.ExceptionType+" "+cluster.ExceptionMessage)
	}

	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed cluster messages: %w", err)
	}
	if len(vectors) != len(created) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(created))
	}

	points := make([]vectorstore.Point, 0, len(created))
	for i, cluster := range created {
		points = append(points, vectorstore.Point{
			ID:     cluster.ID,
			Vector: vectors[i],
			Payload: map[string]any{
				"cluster_id":     cluster.ID,
				"service_id":     cluster.ServiceID,
				"fingerprint":    cluster.Fingerprint,
				"exception_type": cluster.ExceptionType,
				"message":        cluster.ExceptionMessage,
			},
		})
	}

	if err := p.vectors.Upsert(ctx, vectorstore.LogCollection, points); err != nil {
		return fmt.Errorf("failed to upsert log embeddings: %w", err)
	}
	return nil
}
