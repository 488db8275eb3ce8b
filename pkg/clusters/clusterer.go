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

// Package clusters groups exception descriptors into persistent
// clusters and manages their triage lifecycle.
package clusters

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/abcxyz/exception-aggregator/pkg/exceptions"
	"github.com/abcxyz/exception-aggregator/pkg/storage"
	"github.com/abcxyz/pkg/logging"
)

// Store is the slice of relational storage the clusterer needs.
type Store interface {
	GetLogSource(ctx context.Context, id string) (*storage.LogSource, error)
	UpsertCluster(ctx context.Context, c *storage.ExceptionCluster, increment int64) (*storage.ExceptionCluster, bool, error)
}

// Outcome summarizes one clustering pass. Clusters holds the persisted
// state of every cluster the pass touched; NewClusters the subset this
// pass created.
type Outcome struct {
	ClustersCreated int
	ClustersUpdated int
	Clusters        []*storage.ExceptionCluster
	NewClusters     []*storage.ExceptionCluster
}

// Clusterer folds descriptors into clusters keyed by fingerprint.
type Clusterer struct {
	store     Store
	threshold float64
}

// New creates a Clusterer. threshold tunes message similarity for
// descriptors without a stack trace; zero means the default.
func New(store Store, threshold float64) *Clusterer {
	if threshold <= 0 {
		threshold = exceptions.DefaultClusterThreshold
	}
	return &Clusterer{store: store, threshold: threshold}
}

// Cluster groups the descriptors and upserts one cluster per group.
// Descriptors with a stack trace group by the static fingerprint;
// the rest group by the template fingerprint, merge with groups whose
// messages are similar, and carry the secondary fingerprints and
// category.
func (c *Clusterer) Cluster(ctx context.Context, descriptors []*exceptions.Descriptor, logSourceID string) (*Outcome, error) {
	logger := logging.FromContext(ctx)

	source, err := c.store.GetLogSource(ctx, logSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve log source %q: %w", logSourceID, err)
	}

	withStack := make(map[string][]*exceptions.Descriptor)
	withoutStack := make(map[string][]*exceptions.Descriptor)
	for _, d := range descriptors {
		if d.HasStackTrace {
			withStack[d.Fingerprint] = append(withStack[d.Fingerprint], d)
		} else {
			withoutStack[d.Fingerprint] = append(withoutStack[d.Fingerprint], d)
		}
	}

	out := &Outcome{}
	now := time.Now().UTC()

	for _, fp := range sortedKeys(withStack) {
		persisted, created, err := c.upsertGroup(ctx, source, fp, withStack[fp], now)
		if err != nil {
			return out, err
		}
		tally(out, persisted, created)
	}
	for _, g := range mergeSimilar(withoutStack, c.threshold) {
		persisted, created, err := c.upsertGroup(ctx, source, g.fingerprint, g.members, now)
		if err != nil {
			return out, err
		}
		tally(out, persisted, created)
	}

	logger.InfoContext(ctx, "clustering complete",
		"log_source_id", logSourceID,
		"descriptors", len(descriptors),
		"created", out.ClustersCreated,
		"updated", out.ClustersUpdated)
	return out, nil
}

func (c *Clusterer) upsertGroup(ctx context.Context, source *storage.LogSource, fingerprint string, group []*exceptions.Descriptor, now time.Time) (*storage.ExceptionCluster, bool, error) {
	rep := group[0]

	cluster := &storage.ExceptionCluster{
		ServiceID:           source.ServiceID,
		LogSourceID:         source.ID,
		ExceptionType:       rep.ExceptionType,
		ExceptionMessage:    rep.ExceptionMessage,
		Fingerprint:         fingerprint,
		ErrorCategory:       rep.ErrorCategory,
		RepresentativeLogID: rep.LogID,
		StackTrace:          rep.Frames,
		LoggerPath:          rep.LoggerPath,
		FirstSeen:           now,
		LastSeen:            now,
		Status:              storage.ClusterStatusActive,
	}
	if rep.Fingerprints != nil {
		cluster.TemplateFingerprint = rep.Fingerprints.Template
		cluster.SemanticFingerprint = rep.Fingerprints.Semantic
		cluster.CategoryFingerprint = rep.Fingerprints.Category
	}

	persisted, created, err := c.store.UpsertCluster(ctx, cluster, int64(len(group)))
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert cluster %q: %w", fingerprint, err)
	}
	return persisted, created, nil
}

// group is one cluster candidate: the fingerprint that will persist it
// and the descriptors folded into it.
type group struct {
	fingerprint string
	members     []*exceptions.Descriptor
}

// mergeSimilar folds fingerprint groups whose representative messages
// are similar into one group. The first group (by fingerprint order)
// survives and keeps its fingerprint.
func mergeSimilar(byFingerprint map[string][]*exceptions.Descriptor, threshold float64) []group {
	var groups []group
	for _, fp := range sortedKeys(byFingerprint) {
		members := byFingerprint[fp]
		merged := false
		for i := range groups {
			ok, _ := exceptions.ShouldClusterTogether(
				groups[i].members[0].ExceptionMessage,
				members[0].ExceptionMessage,
				threshold)
			if ok {
				groups[i].members = append(groups[i].members, members...)
				merged = true
				break
			}
		}
		if !merged {
			groups = append(groups, group{fingerprint: fp, members: members})
		}
	}
	return groups
}

func sortedKeys(m map[string][]*exceptions.Descriptor) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func tally(out *Outcome, persisted *storage.ExceptionCluster, created bool) {
	out.Clusters = append(out.Clusters, persisted)
	if created {
		out.ClustersCreated++
		out.NewClusters = append(out.NewClusters, persisted)
	} else {
		out.ClustersUpdated++
	}
}
