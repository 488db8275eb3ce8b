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

package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// dedupRing remembers record hashes for a bounded window. Process-local
// and best-effort: loss on restart is acceptable.
type dedupRing struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newDedupRing(window time.Duration) *dedupRing {
	return &dedupRing{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// key hashes the identity of one record: its source, timestamp, and a
// bounded message prefix.
func dedupKey(sourceIdentity, timestamp, message string) string {
	if len(message) > 200 {
		message = message[:200]
	}
	sum := sha256.Sum256([]byte(sourceIdentity + "|" + timestamp + "|" + message))
	return hex.EncodeToString(sum[:16])
}

// observe records the key and reports whether it was already present
// within the window.
func (d *dedupRing) observe(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := now.Add(-d.window)
	if at, ok := d.seen[key]; ok && at.After(cutoff) {
		return true
	}

	// Prune opportunistically so the map tracks the window.
	if len(d.seen)%1024 == 0 {
		for k, at := range d.seen {
			if !at.After(cutoff) {
				delete(d.seen, k)
			}
		}
	}

	d.seen[key] = now
	return false
}
