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

package exceptions

import (
	"regexp"
	"strings"
)

// FingerprintSet is the multi-level fingerprint family computed for
// records that carry no stack trace.
type FingerprintSet struct {
	Exact    string `json:"exact"`
	Template string `json:"template"`
	Semantic string `json:"semantic"`
	Category string `json:"category"`
}

// substitution is one normalization rewrite applied before hashing.
type substitution struct {
	pattern     *regexp.Regexp
	placeholder string
}

// Ordered: more specific patterns run before the generic numeric ones.
var substitutions = []substitution{
	{regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`), "<UUID>"},
	{regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`), "<EMAIL>"},
	{regexp.MustCompile(`https?://[^\s"']+`), "<URL>"},
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "<IP>"},
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?`), "<TIMESTAMP>"},
	{regexp.MustCompile(`\b(?:id|user_id|order_id|request_id|session_id)=\S+`), "id=<ID>"},
	{regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`), "<ADDR>"},
	{regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w.-]+){2,}`), "<PATH>"},
	{regexp.MustCompile(`\bv?\d+\.\d+\.\d+(?:[-+][\w.]+)?\b`), "<VERSION>"},
	{regexp.MustCompile(`\b\d+(?:\.\d+)?\s*(?:ms|s|sec|seconds|m|min|minutes|h|hours)\b`), "<DURATION>"},
	{regexp.MustCompile(`\b\d+(?:\.\d+)?\s*%`), "<PERCENT>"},
	{regexp.MustCompile(`\{[^{}]{32,}\}`), "<JSON>"},
	{regexp.MustCompile(`\[[^\[\]]{32,}\]`), "<ARRAY>"},
	{regexp.MustCompile(`"[^"]{32,}"`), "<STRING>"},
	{regexp.MustCompile(`\b\d+\.\d+\b`), "<DECIMAL>"},
	{regexp.MustCompile(`\b\d{4,}\b`), "<NUMBER>"},
}

var whitespacePattern = regexp.MustCompile(`\s+`)

// NormalizeMessage rewrites variable tokens to placeholders, collapses
// whitespace, and lower-cases. It is idempotent.
func NormalizeMessage(message string) string {
	out := message
	for _, sub := range substitutions {
		out = sub.pattern.ReplaceAllString(out, sub.placeholder)
	}
	out = whitespacePattern.ReplaceAllString(out, " ")
	return strings.ToLower(strings.TrimSpace(out))
}

// Fingerprints computes the multi-level fingerprint family for an
// exception without a stack trace.
func Fingerprints(excType, message, loggerPath string) *FingerprintSet {
	normalized := NormalizeMessage(message)
	category := Categorize(excType, message)

	truncated := normalized
	if len(truncated) > 100 {
		truncated = truncated[:100]
	}

	return &FingerprintSet{
		Exact:    shortHash(message),
		Template: shortHash(normalized),
		Semantic: shortHash(excType + "|" + category + "|" + loggerPath + "|" + truncated),
		Category: shortHash(excType + "|" + category),
	}
}

// StacklessFingerprint derives the clustering key for an exception
// without frames: the template fingerprint, with logger_path mixed in
// when available so the same templated message from different loggers
// stays separate.
func StacklessFingerprint(message, loggerPath string) string {
	normalized := NormalizeMessage(message)
	if loggerPath == "" {
		return shortHash(normalized)
	}
	return shortHash(loggerPath + "|" + normalized)
}

// KeyTerms returns the distinct meaningful words of a normalized message,
// used by the similarity helper and stored with template clusters.
func KeyTerms(message string) []string {
	normalized := NormalizeMessage(message)
	seen := make(map[string]struct{})
	var terms []string
	for _, w := range strings.Fields(normalized) {
		w = strings.Trim(w, ".,:;()[]'\"")
		if len(w) < 3 || strings.HasPrefix(w, "<") {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		terms = append(terms, w)
	}
	return terms
}
