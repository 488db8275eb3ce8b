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

package cli

import (
	"context"
	"strings"
	"testing"

	"github.com/abcxyz/pkg/logging"
)

func TestIndexJobCommand(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))

	cases := []struct {
		name   string
		args   []string
		expErr string
	}{
		{
			name:   "too_many_args",
			args:   []string{"-service-id", "svc-1", "foo"},
			expErr: `unexpected arguments: ["foo"]`,
		},
		{
			name:   "missing_service_id",
			args:   []string{},
			expErr: `missing -service-id`,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var cmd IndexJobCommand
			err := cmd.Run(ctx, tc.args)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.expErr) {
				t.Errorf("error = %q, want it to contain %q", err, tc.expErr)
			}
		})
	}
}
