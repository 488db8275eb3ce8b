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

// Package notify posts best-effort cluster alerts to a Google Chat
// webhook. Failures are logged, never propagated.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/abcxyz/exception-aggregator/pkg/storage"
	"github.com/abcxyz/pkg/logging"
)

// Notifier sends cluster alerts.
type Notifier interface {
	// NotifyCluster alerts on one cluster. Returns whether a
	// notification was actually sent.
	NotifyCluster(ctx context.Context, cluster *storage.ExceptionCluster) bool
}

// GoogleChat posts simple text cards to a webhook URL.
type GoogleChat struct {
	webhookURL string
	client     *http.Client
}

// NewGoogleChat creates a notifier. An empty webhook URL disables it.
func NewGoogleChat(webhookURL string) *GoogleChat {
	return &GoogleChat{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifyCluster posts one alert. Best effort: any failure is logged and
// swallowed.
func (g *GoogleChat) NotifyCluster(ctx context.Context, cluster *storage.ExceptionCluster) bool {
	if g.webhookURL == "" {
		return false
	}
	logger := logging.FromContext(ctx)

	text := fmt.Sprintf("🚨 *%s*\n%s\noccurrences: %d, category: %s, first seen: %s",
		cluster.ExceptionType,
		cluster.ExceptionMessage,
		cluster.ClusterSize,
		cluster.ErrorCategory,
		cluster.FirstSeen.Format(time.RFC3339))

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		logger.ErrorContext(ctx, "failed to marshal notification", "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.webhookURL, bytes.NewReader(body))
	if err != nil {
		logger.ErrorContext(ctx, "failed to build notification request", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		logger.ErrorContext(ctx, "failed to post notification",
			"cluster_id", cluster.ID,
			"error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.ErrorContext(ctx, "notification rejected",
			"cluster_id", cluster.ID,
			"status", resp.StatusCode)
		return false
	}
	return true
}
