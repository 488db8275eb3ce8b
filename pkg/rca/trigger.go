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

package rca

import (
	"time"

	"github.com/abcxyz/exception-aggregator/pkg/storage"
)

const (
	// frequencyThreshold is the 24h hit count that makes a cluster
	// worth analyzing on its own.
	frequencyThreshold = 10

	// noveltyWindow treats clusters first seen this recently as new.
	noveltyWindow = time.Hour
)

// ShouldTrigger reports whether a cluster warrants automatic analysis.
// Clusters that already have an RCA never retrigger automatically;
// userRequested forces the decision for clusters without one.
func ShouldTrigger(cluster *storage.ExceptionCluster, userRequested bool, now time.Time) bool {
	if cluster.HasRCA {
		return false
	}
	if userRequested {
		return true
	}
	if cluster.Frequency24h >= frequencyThreshold {
		return true
	}
	return now.Sub(cluster.FirstSeen) <= noveltyWindow
}
