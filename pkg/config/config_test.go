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

package config

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{
			name: "valid",
			cfg: &Config{
				DatabaseURL:         "postgres://localhost/app",
				VectorDBDimension:   1536,
				LLMTemperature:      0.1,
				ClusteringThreshold: 0.7,
				SchedulerWorkers:    4,
			},
		},
		{
			name: "missing database url",
			cfg: &Config{
				VectorDBDimension:   1536,
				ClusteringThreshold: 0.7,
				SchedulerWorkers:    4,
			},
			wantErr: "DATABASE_URL is required",
		},
		{
			name: "llm analysis without key",
			cfg: &Config{
				DatabaseURL:         "postgres://localhost/app",
				VectorDBDimension:   1536,
				ClusteringThreshold: 0.7,
				SchedulerWorkers:    4,
				EnableLLMAnalysis:   true,
			},
			wantErr: "LLM_API_KEY is required",
		},
		{
			name: "threshold out of range",
			cfg: &Config{
				DatabaseURL:         "postgres://localhost/app",
				VectorDBDimension:   1536,
				ClusteringThreshold: 1.5,
				SchedulerWorkers:    4,
			},
			wantErr: "CLUSTERING_THRESHOLD",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatal(err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestLevels(t *testing.T) {
	t.Parallel()

	cfg := &Config{ProcessingLogLevels: "ERROR, CRITICAL , FATAL,"}
	if diff := cmp.Diff([]string{"ERROR", "CRITICAL", "FATAL"}, cfg.Levels()); diff != "" {
		t.Errorf("levels diff (-want, +got):\n%s", diff)
	}

	empty := &Config{}
	if got := empty.Levels(); got != nil {
		t.Errorf("empty config levels = %v, want nil", got)
	}
}
