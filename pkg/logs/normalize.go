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

// Package logs normalizes heterogeneous log records from search backends
// and push agents into a single canonical shape.
package logs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Record is the canonical log record every downstream component consumes.
// Unknown source fields are preserved in Extra as opaque metadata.
type Record struct {
	LogID      string         `json:"log_id"`
	Timestamp  string         `json:"timestamp"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Logger     string         `json:"logger"`
	Thread     string         `json:"thread"`
	Service    string         `json:"service"`
	StackTrace []string       `json:"stack_trace,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// rawLinePattern matches the single-line prefix of a raw text log:
//
//	2024-01-15T10:30:00.123 [main] ERROR com.foo.Bar - something broke
var rawLinePattern = regexp.MustCompile(
	`^(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?)\s+\[([^\]]+)\]\s+(\w+)\s+(\S+)\s+-\s+(.*)$`)

// stackLinePattern matches continuation lines that belong to a stack trace.
var stackLinePattern = regexp.MustCompile(
	`^\s*(at\s+\S|Caused by:|\.{3}\s*\d+\s+more|File\s+")`)

var levelAliases = map[string]string{
	"WARN":   "WARNING",
	"ERR":    "ERROR",
	"FATAL":  "CRITICAL",
	"SEVERE": "CRITICAL",
	"TRACE":  "DEBUG",
}

// field name aliases applied in order; first present alias wins.
var fieldAliases = map[string][]string{
	"timestamp": {"@timestamp", "time", "datetime"},
	"message":   {"msg", "text", "log_message"},
	"level":     {"log_level", "severity"},
	"thread":    {"thread_name", "thread_id"},
	"service":   {"application", "app_name", "service_name"},
}

// canonical field names that never pass through to Extra.
var canonicalFields = map[string]struct{}{
	"log_id": {}, "timestamp": {}, "level": {}, "message": {},
	"logger": {}, "thread": {}, "service": {}, "stack_trace": {},
	"raw": {}, "log": {}, "exception": {}, "error": {},
}

// Normalize converts a record of arbitrary shape into the canonical form.
// Identical inputs always yield identical outputs, including LogID.
func Normalize(raw map[string]any) *Record {
	r := &Record{Extra: map[string]any{}}

	// Rule 1: raw text documents (typical of search-backend hits).
	if text := firstString(raw, "raw", "log"); text != "" {
		parseRawText(text, r)
	}

	// Rule 2: canonical and aliased fields. Explicit fields override
	// whatever the raw-text parse produced.
	for canonical, aliases := range fieldAliases {
		v := firstString(raw, canonical)
		if v == "" {
			v = firstString(raw, aliases...)
		}
		if v != "" {
			setField(r, canonical, v)
		}
	}
	if v := firstString(raw, "logger", "logger_name"); v != "" {
		r.Logger = v
	}
	if v := firstString(raw, "message"); v != "" && r.Message == "" {
		r.Message = v
	}

	// Rule 3: level normalization.
	r.Level = NormalizeLevel(r.Level)

	// Rule 5: stack traces under alternative names.
	if len(r.StackTrace) == 0 {
		r.StackTrace = coerceStackTrace(raw)
	}
	if st, ok := raw["stack_trace"]; ok && len(r.StackTrace) == 0 {
		r.StackTrace = toLines(st)
	}

	// Rule 4: derived log id.
	if v := firstString(raw, "log_id", "_id", "id"); v != "" {
		r.LogID = v
	} else {
		r.LogID = deriveLogID(r)
	}

	// Unknown fields pass through untouched.
	for k, v := range raw {
		if _, ok := canonicalFields[k]; ok {
			continue
		}
		if isAlias(k) {
			continue
		}
		r.Extra[k] = v
	}
	if len(r.Extra) == 0 {
		r.Extra = nil
	}

	return r
}

// NormalizeLevel upper-cases a level and maps known aliases.
func NormalizeLevel(level string) string {
	up := strings.ToUpper(strings.TrimSpace(level))
	if mapped, ok := levelAliases[up]; ok {
		return mapped
	}
	return up
}

// parseRawText splits a raw multi-line document into the structured prefix,
// stack-trace continuation lines, and extra message lines.
func parseRawText(text string, r *Record) {
	lines := strings.Split(text, "\n")

	if m := rawLinePattern.FindStringSubmatch(lines[0]); m != nil {
		r.Timestamp = m[1]
		r.Thread = m[2]
		r.Level = m[3]
		r.Logger = m[4]
		r.Message = m[5]
	} else {
		r.Message = lines[0]
	}

	for _, line := range lines[1:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if stackLinePattern.MatchString(line) {
			r.StackTrace = append(r.StackTrace, trimmed)
		} else {
			r.Message += "\n" + trimmed
		}
	}
}

// coerceStackTrace pulls a stack trace out of the alternative shapes some
// shippers use.
func coerceStackTrace(raw map[string]any) []string {
	if exc, ok := raw["exception"].(map[string]any); ok {
		if st := firstString(exc, "stacktrace", "stack_trace"); st != "" {
			return toLines(st)
		}
	}
	if errVal := firstString(raw, "error"); strings.Contains(errVal, "\n") {
		return toLines(errVal)
	}
	return nil
}

func toLines(v any) []string {
	switch t := v.(type) {
	case string:
		var out []string
		for _, line := range strings.Split(t, "\n") {
			if s := strings.TrimSpace(line); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

func deriveLogID(r *Record) string {
	msg := r.Message
	if len(msg) > 50 {
		msg = msg[:50]
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", r.Timestamp, r.Logger, r.Thread, msg)))
	return hex.EncodeToString(sum[:])[:16]
}

func setField(r *Record, name, value string) {
	switch name {
	case "timestamp":
		r.Timestamp = value
	case "message":
		r.Message = value
	case "level":
		r.Level = value
	case "thread":
		r.Thread = value
	case "service":
		r.Service = value
	}
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func isAlias(key string) bool {
	for _, aliases := range fieldAliases {
		for _, a := range aliases {
			if a == key {
				return true
			}
		}
	}
	return key == "logger_name" || key == "_id"
}
