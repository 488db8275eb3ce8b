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
	"strings"
	"testing"
)

func TestNormalizeMessage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "uuid",
			in:   "session 550e8400-e29b-41d4-a716-446655440000 expired",
			want: "session <uuid> expired",
		},
		{
			name: "ip",
			in:   "refused from 10.0.0.17",
			want: "refused from <ip>",
		},
		{
			name: "email",
			in:   "mail to bob@example.com bounced",
			want: "mail to <email> bounced",
		},
		{
			name: "url",
			in:   "GET https://api.example.com/v1/users failed",
			want: "get <url> failed",
		},
		{
			name: "timestamp_and_number",
			in:   "User 12345 failed authentication at 2024-01-15T10:30:00Z",
			want: "user <number> failed authentication at <timestamp>",
		},
		{
			name: "id_assignment",
			in:   "lookup failed for user_id=991",
			want: "lookup failed for id=<id>",
		},
		{
			name: "hex_literal",
			in:   "fault at 0xDEADBEEF",
			want: "fault at <addr>",
		},
		{
			name: "path",
			in:   "cannot open /var/lib/app/data.db",
			want: "cannot open <path>",
		},
		{
			name: "decimal_and_duration",
			in:   "took 1.5 s, budget 2.25",
			want: "took <duration>, budget <decimal>",
		},
		{
			name: "whitespace_and_case",
			in:   "Too    Many\tSpaces",
			want: "too many spaces",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := NormalizeMessage(tc.in); got != tc.want {
				t.Errorf("NormalizeMessage(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

// Template idempotence: normalize(normalize(m)) == normalize(m).
func TestNormalizeMessageIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"User 12345 failed authentication at 2024-01-15T10:30:00Z",
		"session 550e8400-e29b-41d4-a716-446655440000 from 10.0.0.1",
		"GET https://x.test/a?b=c took 350 ms",
	}
	for _, in := range inputs {
		once := NormalizeMessage(in)
		twice := NormalizeMessage(once)
		if once != twice {
			t.Errorf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

// Records differing only in variable tokens share a template fingerprint.
func TestTemplateFingerprintCollision(t *testing.T) {
	t.Parallel()

	a := Fingerprints("UnknownError", "User 12345 failed authentication at 2024-01-15T10:30:00Z", "auth.service")
	b := Fingerprints("UnknownError", "User 67890 failed authentication at 2024-02-02T11:00:00Z", "auth.service")

	if a.Template != b.Template {
		t.Errorf("template fingerprints differ: %q vs %q", a.Template, b.Template)
	}
	if a.Exact == b.Exact {
		t.Error("exact fingerprints collided for different raw messages")
	}
}

func TestTemplateFingerprintLoggerIndependence(t *testing.T) {
	t.Parallel()

	a := Fingerprints("UnknownError", "failed authentication", "auth.service")
	b := Fingerprints("UnknownError", "failed authentication", "billing.service")
	if a.Template != b.Template {
		t.Error("template fingerprint must not depend on the logger")
	}

	ka := StacklessFingerprint("failed authentication", "auth.service")
	kb := StacklessFingerprint("failed authentication", "billing.service")
	if ka == kb {
		t.Error("different loggers should produce different clustering keys")
	}
	if got := StacklessFingerprint("failed authentication", ""); got != a.Template {
		t.Errorf("clustering key without a logger = %q, want the template %q", got, a.Template)
	}
}

func TestCategorize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		excType string
		message string
		want    string
	}{
		{"UnknownError", "User 12345 failed authentication at 2024-01-15T10:30:00Z", "AUTH_ERROR"},
		{"ConnectException", "Connection refused to host db-1", "CONNECTION_ERROR"},
		{"TimeoutError", "request timed out after 30s", "TIMEOUT_ERROR"},
		{"SQLException", "duplicate key value violates constraint", "DATABASE_ERROR"},
		{"OutOfMemoryError", "Java heap space", "MEMORY_ERROR"},
		{"NullPointerException", "", "NULL_ERROR"},
		{"RuntimeException", "totally novel failure", UnclassifiedCategory},
	}

	for _, tc := range cases {
		if got := Categorize(tc.excType, tc.message); got != tc.want {
			t.Errorf("Categorize(%q, %q) = %q, want %q", tc.excType, tc.message, got, tc.want)
		}
	}
}

func TestKeyTerms(t *testing.T) {
	t.Parallel()

	got := KeyTerms("User 12345 failed authentication at 2024-01-15T10:30:00Z")
	joined := strings.Join(got, " ")
	for _, want := range []string{"user", "failed", "authentication"} {
		if !strings.Contains(joined, want) {
			t.Errorf("KeyTerms missing %q in %v", want, got)
		}
	}
	for _, term := range got {
		if strings.HasPrefix(term, "<") {
			t.Errorf("KeyTerms leaked placeholder %q", term)
		}
	}
}

func TestShouldClusterTogether(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		a, b   string
		want   bool
		reason SimilarityReason
	}{
		{
			name:   "exact",
			a:      "boom",
			b:      "boom",
			want:   true,
			reason: ReasonExactMatch,
		},
		{
			name:   "normalized",
			a:      "User 12345 failed login",
			b:      "User 67890 failed login",
			want:   true,
			reason: ReasonNormalizedMatch,
		},
		{
			name:   "dissimilar",
			a:      "connection refused to db",
			b:      "file not found: settings.yaml",
			want:   false,
			reason: ReasonNotSimilar,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, reason := ShouldClusterTogether(tc.a, tc.b, DefaultClusterThreshold)
			if got != tc.want || reason != tc.reason {
				t.Errorf("ShouldClusterTogether() = (%v, %s), want (%v, %s)", got, reason, tc.want, tc.reason)
			}
		})
	}
}
