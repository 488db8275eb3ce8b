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

package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CalculateNextRun resolves when a task should next fire. When cronExpr
// is set it wins over the interval; a task that has never run is due
// immediately.
func CalculateNextRun(last *time.Time, intervalMinutes int, cronExpr string, now time.Time) (time.Time, error) {
	if cronExpr != "" {
		schedule, err := cron.ParseStandard(cronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
		}
		from := now
		if last != nil {
			from = *last
		}
		return schedule.Next(from), nil
	}

	if last == nil {
		return now, nil
	}
	return last.Add(time.Duration(intervalMinutes) * time.Minute), nil
}
