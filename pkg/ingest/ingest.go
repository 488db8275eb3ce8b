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

// Package ingest is the push path: authenticated batch intake from log
// shippers, with validation, per-source rate limiting, and in-memory
// deduplication ahead of the processing queue.
package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/abcxyz/exception-aggregator/pkg/logs"
	"github.com/abcxyz/exception-aggregator/pkg/storage"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
)

const maxBodyBytes = 25 * 1000000

var (
	errMissingToken   = fmt.Errorf("missing bearer token")
	errInvalidToken   = fmt.Errorf("invalid token")
	errReadingPayload = fmt.Errorf("failed to read request payload")
	errInvalidPayload = fmt.Errorf("invalid request payload")
	errBatchTooLarge  = fmt.Errorf("batch exceeds size limit")
	errRateLimited    = fmt.Errorf("rate limit exceeded")
	errUnknownSource  = fmt.Errorf("no log source for token")
	errEnqueueFailed  = fmt.Errorf("failed to enqueue records")
)

// Sink receives accepted batches. Implementations must return once the
// batch is durably enqueued, not once it is processed.
type Sink interface {
	Enqueue(ctx context.Context, logSourceID string, records []*logs.Record) error
}

// SourceResolver maps ingest tokens to their log source.
type SourceResolver interface {
	GetLogSourceByIngestToken(ctx context.Context, token string) (*storage.LogSource, error)
}

// Config tunes the push path.
type Config struct {
	// APIToken is the shared-secret fallback token for shippers that
	// are not bound to one source; batches carrying it must name the
	// destination with source_hint.
	APIToken string

	// RateLimit is the per-token bucket capacity; the bucket refills at
	// capacity per minute.
	RateLimit int

	// BatchSizeLimit bounds records per request.
	BatchSizeLimit int

	// DedupWindow is how long record identities are remembered.
	DedupWindow time.Duration
}

// Service handles push ingestion.
type Service struct {
	cfg      *Config
	h        *renderer.Renderer
	resolver SourceResolver
	sink     Sink
	dedup    *dedupRing

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewService creates the push-ingestion service.
func NewService(cfg *Config, h *renderer.Renderer, resolver SourceResolver, sink Sink) *Service {
	window := cfg.DedupWindow
	if window <= 0 {
		window = 600 * time.Second
	}
	return &Service{
		cfg:      cfg,
		h:        h,
		resolver: resolver,
		sink:     sink,
		dedup:    newDedupRing(window),
		limiters: make(map[string]*rate.Limiter),
	}
}

type ingestRequest struct {
	Records    []map[string]any `json:"records"`
	SourceHint string           `json:"source_hint,omitempty"`
}

type ingestResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// HandleIngest is the POST /api/v1/ingest handler.
func (s *Service) HandleIngest() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		token, ok := bearerToken(r)
		if !ok {
			s.h.RenderJSON(w, http.StatusUnauthorized, errMissingToken)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.h.RenderJSON(w, http.StatusInternalServerError, errReadingPayload)
			return
		}
		var req ingestRequest
		if err := json.Unmarshal(body, &req); err != nil {
			s.h.RenderJSON(w, http.StatusBadRequest, errInvalidPayload)
			return
		}

		hint := req.SourceHint
		if hint == "" {
			hint = r.URL.Query().Get("source_hint")
		}
		source, err := s.resolveSource(ctx, token, hint)
		if err != nil {
			logger.ErrorContext(ctx, "failed to authenticate ingest request",
				"code", http.StatusUnauthorized,
				"error", err)
			s.h.RenderJSON(w, http.StatusUnauthorized, errInvalidToken)
			return
		}

		if s.cfg.BatchSizeLimit > 0 && len(req.Records) > s.cfg.BatchSizeLimit {
			logger.InfoContext(ctx, "rejecting oversized batch",
				"code", http.StatusRequestEntityTooLarge,
				"records", len(req.Records),
				"limit", s.cfg.BatchSizeLimit)
			s.h.RenderJSON(w, http.StatusRequestEntityTooLarge, errBatchTooLarge)
			return
		}

		// All or nothing: an over-limit batch is rejected whole.
		if retryAfter, allowed := s.allow(token, len(req.Records)); !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			s.h.RenderJSON(w, http.StatusTooManyRequests, errRateLimited)
			return
		}

		resp := &ingestResponse{}
		now := time.Now().UTC()
		var accepted []*logs.Record

		for _, raw := range req.Records {
			ts, tsOK := stringField(raw, "timestamp")
			msg, msgOK := stringField(raw, "message")
			if !tsOK || !msgOK {
				resp.Rejected++
				continue
			}
			if _, err := time.Parse(time.RFC3339, ts); err != nil {
				if _, err := time.Parse("2006-01-02T15:04:05.999", ts); err != nil {
					resp.Rejected++
					continue
				}
			}

			if s.dedup.observe(dedupKey(source.ID, ts, msg), now) {
				resp.Duplicates++
				continue
			}

			record := logs.Normalize(raw)
			if record == nil {
				resp.Rejected++
				continue
			}
			accepted = append(accepted, record)
		}

		if len(accepted) > 0 {
			if err := s.sink.Enqueue(ctx, source.ID, accepted); err != nil {
				logger.ErrorContext(ctx, "failed to enqueue batch",
					"code", http.StatusInternalServerError,
					"log_source_id", source.ID,
					"error", err)
				s.h.RenderJSON(w, http.StatusInternalServerError, errEnqueueFailed)
				return
			}
		}
		resp.Accepted = len(accepted)

		logger.InfoContext(ctx, "ingested batch",
			"log_source_id", source.ID,
			"accepted", resp.Accepted,
			"duplicates", resp.Duplicates,
			"rejected", resp.Rejected)
		s.h.RenderJSON(w, http.StatusOK, resp)
	})
}

// resolveSource maps the bearer token to its log source. The shared
// fallback token requires a source hint naming the destination; the
// hint comes from the request body, or the source_hint query parameter
// when the body carries none.
func (s *Service) resolveSource(ctx context.Context, token, hint string) (*storage.LogSource, error) {
	source, err := s.resolver.GetLogSourceByIngestToken(ctx, token)
	if err == nil {
		return source, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to resolve token: %w", err)
	}

	if s.cfg.APIToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
		return nil, errUnknownSource
	}

	if hint == "" {
		return nil, fmt.Errorf("shared token requires source_hint")
	}
	source, err = s.resolver.GetLogSourceByIngestToken(ctx, hint)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source hint: %w", err)
	}
	return source, nil
}

// allow charges the batch against the token's bucket. The second return
// is false when the batch must be rejected; the first is the hint for
// the Retry-After header.
func (s *Service) allow(token string, n int) (time.Duration, bool) {
	if s.cfg.RateLimit <= 0 || n == 0 {
		return 0, true
	}

	s.mu.Lock()
	lim, ok := s.limiters[token]
	if !ok {
		limit := rate.Every(time.Minute / time.Duration(s.cfg.RateLimit))
		lim = rate.NewLimiter(limit, s.cfg.RateLimit)
		s.limiters[token] = lim
	}
	s.mu.Unlock()

	if n > s.cfg.RateLimit {
		return time.Minute, false
	}

	res := lim.ReserveN(time.Now(), n)
	if !res.OK() {
		return time.Minute, false
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return delay, false
	}
	return 0, true
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
