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
	"strings"
	"time"
)

var presetWindows = map[string]time.Duration{
	"5m":  5 * time.Minute,
	"10m": 10 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// ParseTimeFilter turns a filter expression into list bounds. Presets
// yield a lower bound only; "custom:<start>:<end>" yields a closed
// range. Unknown expressions are ignored, not rejected.
func ParseTimeFilter(expr string, now time.Time) (since, until *time.Time) {
	if expr == "" {
		return nil, nil
	}

	if window, ok := presetWindows[expr]; ok {
		t := now.Add(-window)
		return &t, nil
	}

	if rest, ok := strings.CutPrefix(expr, "custom:"); ok {
		// The bounds are RFC 3339, which itself contains colons, so try
		// every colon as the separator until both sides parse.
		for idx := 0; idx < len(rest); idx++ {
			if rest[idx] != ':' {
				continue
			}
			start, errS := time.Parse(time.RFC3339, rest[:idx])
			end, errE := time.Parse(time.RFC3339, rest[idx+1:])
			if errS == nil && errE == nil {
				return &start, &end
			}
		}
	}
	return nil, nil
}
