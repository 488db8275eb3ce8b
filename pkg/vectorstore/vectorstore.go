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

// Package vectorstore is the embedding-store adapter. The rest of the
// system speaks in points, matches, and term filters; the wire dialect
// stays inside this package.
package vectorstore

import "context"

// Collection names used by the platform.
const (
	CodeCollection = "code_embeddings"
	LogCollection  = "log_embeddings"
)

// Point is one embedded item with its metadata payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Match is one search hit.
type Match struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Filter narrows searches and deletions by exact payload terms.
type Filter struct {
	ServiceID string
	FilePath  string
}

// Store is what the indexer and RCA engine need from a vector database.
type Store interface {
	// EnsureCollections creates the two collections if absent.
	EnsureCollections(ctx context.Context, dimension int) error

	// Upsert writes points, replacing any with the same id.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns the closest matches by cosine distance.
	Search(ctx context.Context, collection string, vector []float32, limit int, filter *Filter) ([]Match, error)

	// Delete removes every point matching the filter.
	Delete(ctx context.Context, collection string, filter *Filter) error
}
