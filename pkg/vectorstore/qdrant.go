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

package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Qdrant talks to a Qdrant server over its REST API.
type Qdrant struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewQdrant builds a client for the given base URL (e.g. http://qdrant:6333).
func NewQdrant(baseURL, apiKey string) *Qdrant {
	return &Qdrant{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// EnsureCollections creates both collections with cosine distance if they
// do not already exist. PUT on an existing collection with the same config
// is accepted by Qdrant, so the call is idempotent.
func (q *Qdrant) EnsureCollections(ctx context.Context, dimension int) error {
	for _, name := range []string{CodeCollection, LogCollection} {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     dimension,
				"distance": "Cosine",
			},
		}
		if err := q.do(ctx, http.MethodPut, "/collections/"+name, body, nil); err != nil {
			return fmt.Errorf("failed to ensure collection %q: %w", name, err)
		}
	}
	return nil
}

// Upsert writes points into a collection, replacing points with the same id.
func (q *Qdrant) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	wire := make([]map[string]any, 0, len(points))
	for _, p := range points {
		wire = append(wire, map[string]any{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": p.Payload,
		})
	}
	body := map[string]any{"points": wire}

	path := fmt.Sprintf("/collections/%s/points?wait=true", collection)
	if err := q.do(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("failed to upsert %d points into %q: %w", len(points), collection, err)
	}
	return nil
}

// Search returns the closest matches to the query vector, optionally
// constrained to exact payload terms.
func (q *Qdrant) Search(ctx context.Context, collection string, vector []float32, limit int, filter *Filter) ([]Match, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if f := buildFilter(filter); f != nil {
		body["filter"] = f
	}

	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", collection)
	if err := q.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, fmt.Errorf("failed to search %q: %w", collection, err)
	}

	out := make([]Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		out = append(out, Match{
			ID:      fmt.Sprint(r.ID),
			Score:   r.Score,
			Payload: r.Payload,
		})
	}
	return out, nil
}

// Delete removes every point matching the filter.
func (q *Qdrant) Delete(ctx context.Context, collection string, filter *Filter) error {
	f := buildFilter(filter)
	if f == nil {
		return fmt.Errorf("refusing to delete without a filter")
	}

	body := map[string]any{"filter": f}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", collection)
	if err := q.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("failed to delete points from %q: %w", collection, err)
	}
	return nil
}

func buildFilter(filter *Filter) map[string]any {
	if filter == nil {
		return nil
	}

	var must []map[string]any
	if filter.ServiceID != "" {
		must = append(must, map[string]any{
			"key":   "service_id",
			"match": map[string]any{"value": filter.ServiceID},
		})
	}
	if filter.FilePath != "" {
		must = append(must, map[string]any{
			"key":   "file_path",
			"match": map[string]any{"value": filter.FilePath},
		})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

func (q *Qdrant) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
