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

package clusters

import (
	"context"
	"fmt"

	"github.com/abcxyz/exception-aggregator/pkg/storage"
)

// ErrInvalidTransition marks a lifecycle change outside the allowed set.
var ErrInvalidTransition = fmt.Errorf("invalid status transition")

// Allowed transitions. Self-loops are idempotent successes handled
// before this table is consulted.
var allowedTransitions = map[string]map[string]bool{
	storage.ClusterStatusActive: {
		storage.ClusterStatusSkipped:  true,
		storage.ClusterStatusResolved: true,
	},
	storage.ClusterStatusSkipped: {
		storage.ClusterStatusActive:   true,
		storage.ClusterStatusResolved: true,
	},
	storage.ClusterStatusResolved: {
		storage.ClusterStatusActive:  true,
		storage.ClusterStatusSkipped: true,
	},
}

// LifecycleStore is the storage slice the lifecycle setter needs.
type LifecycleStore interface {
	GetCluster(ctx context.Context, id string) (*storage.ExceptionCluster, error)
	SetClusterStatus(ctx context.Context, id, status, updatedBy string) error
}

// Lifecycle applies triage transitions through one validated setter.
type Lifecycle struct {
	store LifecycleStore
}

// NewLifecycle creates a Lifecycle.
func NewLifecycle(store LifecycleStore) *Lifecycle {
	return &Lifecycle{store: store}
}

// Skip marks a cluster as skipped.
func (l *Lifecycle) Skip(ctx context.Context, id, updatedBy string) error {
	return l.transition(ctx, id, storage.ClusterStatusSkipped, updatedBy)
}

// Resolve marks a cluster as resolved.
func (l *Lifecycle) Resolve(ctx context.Context, id, updatedBy string) error {
	return l.transition(ctx, id, storage.ClusterStatusResolved, updatedBy)
}

// Reactivate returns a cluster to active.
func (l *Lifecycle) Reactivate(ctx context.Context, id, updatedBy string) error {
	return l.transition(ctx, id, storage.ClusterStatusActive, updatedBy)
}

// transition is the single validated setter every lifecycle operation
// goes through. Re-applying the current status is an idempotent success
// that still advances the status timestamp.
func (l *Lifecycle) transition(ctx context.Context, id, target, updatedBy string) error {
	cluster, err := l.store.GetCluster(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load cluster: %w", err)
	}

	if cluster.Status != target && !allowedTransitions[cluster.Status][target] {
		return fmt.Errorf("%s -> %s: %w", cluster.Status, target, ErrInvalidTransition)
	}

	if err := l.store.SetClusterStatus(ctx, id, target, updatedBy); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}
