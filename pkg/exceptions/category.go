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

// UnclassifiedCategory is returned when no rule matches.
const UnclassifiedCategory = "UNCLASSIFIED"

type categoryRule struct {
	name    string
	pattern *regexp.Regexp
}

// Ordered rule list; first match wins.
var categoryRules = []categoryRule{
	{"CONNECTION_ERROR", regexp.MustCompile(`connection\s*(refused|reset|closed|aborted)|could not connect|connect(ion)? timed? ?out|broken pipe`)},
	{"TIMEOUT_ERROR", regexp.MustCompile(`timed? ?out|timeout|deadline exceeded`)},
	{"AUTH_ERROR", regexp.MustCompile(`unauthorized|forbidden|access denied|authentication|failed auth|invalid (token|credential)|permission denied`)},
	{"DATABASE_ERROR", regexp.MustCompile(`\bsql\b|database|deadlock|constraint|duplicate key|transaction|\bjdbc\b|\borm\b`)},
	{"NETWORK_ERROR", regexp.MustCompile(`network|unreachable|\bdns\b|no route to host|socket`)},
	{"FILESYSTEM_ERROR", regexp.MustCompile(`no such file|file not found|filenotfound|permission|disk|i/o error|\bioexception\b`)},
	{"MEMORY_ERROR", regexp.MustCompile(`out of memory|outofmemory|memory exhausted|heap space|allocation failed`)},
	{"NULL_ERROR", regexp.MustCompile(`nullpointer|nonetype|null reference|nil pointer|undefined is not`)},
	{"VALIDATION_ERROR", regexp.MustCompile(`validation|invalid (value|argument|input|format)|malformed|parse error|illegalargument`)},
	{"RATE_LIMIT_ERROR", regexp.MustCompile(`rate limit|too many requests|throttl|quota exceeded`)},
}

// Categorize classifies an exception into a coarse error category using
// the ordered rule list.
func Categorize(excType, message string) string {
	haystack := strings.ToLower(excType + " " + message)
	for _, rule := range categoryRules {
		if rule.pattern.MatchString(haystack) {
			return rule.name
		}
	}
	return UnclassifiedCategory
}
