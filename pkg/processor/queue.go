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

package processor

import (
	"context"
	"fmt"

	"github.com/abcxyz/exception-aggregator/pkg/logs"
	"github.com/abcxyz/pkg/logging"
)

// DefaultQueueDepth bounds batches buffered between the push-ingestion
// handler and the pipeline.
const DefaultQueueDepth = 64

type queuedBatch struct {
	logSourceID string
	records     []*logs.Record
}

// Queue decouples the ingest handler from batch processing. Enqueue is
// non-blocking; a full buffer sheds load back to the shipper, which
// retries.
type Queue struct {
	proc *Processor
	ch   chan queuedBatch
}

// NewQueue creates a Queue. depth <= 0 means DefaultQueueDepth.
func NewQueue(proc *Processor, depth int) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Queue{proc: proc, ch: make(chan queuedBatch, depth)}
}

// Enqueue buffers one accepted batch for processing.
func (q *Queue) Enqueue(ctx context.Context, logSourceID string, records []*logs.Record) error {
	select {
	case q.ch <- queuedBatch{logSourceID: logSourceID, records: records}:
		return nil
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // cancellation passthrough
	default:
		return fmt.Errorf("processing queue is full")
	}
}

// Run drains the queue until the context is canceled. Batch failures are
// logged; the worker keeps going.
func (q *Queue) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-q.ch:
			if _, err := q.proc.ProcessBatch(ctx, b.records, b.logSourceID); err != nil {
				logger.ErrorContext(ctx, "failed to process queued batch",
					"log_source_id", b.logSourceID,
					"records", len(b.records),
					"error", err)
			}
		}
	}
}
