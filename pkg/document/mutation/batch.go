/*
 * Copyright 2025 The Wallaby Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package mutation

import (
	"time"

	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
)

// Batch is a group of mutations written atomically, identified by a
// monotonically increasing local ID. Batches are queued in ID order and
// sent to the server one at a time.
type Batch struct {
	// id is the position of this batch in the local mutation queue.
	id int64

	// localWriteTime is the client clock when the batch was written. It
	// anchors local server timestamp estimates.
	localWriteTime time.Time

	// baseMutations preserve the pre-write values transactions read, so
	// replaying the batch over newer remote state stays consistent.
	baseMutations []Mutation

	// mutations are the writes of this batch, at most one per document.
	mutations []Mutation
}

// NewBatch creates a new instance of Batch.
func NewBatch(id int64, localWriteTime time.Time, baseMutations, mutations []Mutation) *Batch {
	return &Batch{
		id:             id,
		localWriteTime: localWriteTime.UTC().Truncate(time.Microsecond),
		baseMutations:  baseMutations,
		mutations:      mutations,
	}
}

// ID returns the queue position of this batch.
func (b *Batch) ID() int64 {
	return b.id
}

// LocalWriteTime returns the client clock when the batch was written.
func (b *Batch) LocalWriteTime() time.Time {
	return b.localWriteTime
}

// BaseMutations returns the preserved pre-write values of this batch.
func (b *Batch) BaseMutations() []Mutation {
	return b.baseMutations
}

// Mutations returns the writes of this batch.
func (b *Batch) Mutations() []Mutation {
	return b.mutations
}

// Keys returns the set of documents this batch writes.
func (b *Batch) Keys() map[key.Key]struct{} {
	keys := make(map[key.Key]struct{}, len(b.mutations))
	for _, m := range b.mutations {
		keys[m.Key()] = struct{}{}
	}

	return keys
}

// ApplyToLocalView applies all mutations of this batch targeting the
// given document, threading the mutated field mask through them.
func (b *Batch) ApplyToLocalView(doc *document.Document, mask *field.Mask) *field.Mask {
	for _, m := range b.baseMutations {
		if m.Key() == doc.Key() {
			mask = m.ApplyToLocal(doc, mask, b.localWriteTime)
		}
	}
	for _, m := range b.mutations {
		if m.Key() == doc.Key() {
			mask = m.ApplyToLocal(doc, mask, b.localWriteTime)
		}
	}

	return mask
}

// ApplyToRemoteDocument applies the acknowledged outcome of this batch to
// the given document.
func (b *Batch) ApplyToRemoteDocument(doc *document.Document, result *BatchResult) {
	for i, m := range b.mutations {
		if m.Key() == doc.Key() && i < len(result.results) {
			m.ApplyToRemote(doc, result.results[i])
		}
	}
}

// BatchResult is the acknowledged outcome of a whole batch.
type BatchResult struct {
	// batch is the acknowledged batch.
	batch *Batch

	// commitVersion is the snapshot version at which the batch committed.
	commitVersion document.Version

	// results holds one Result per mutation of the batch, in order.
	results []Result

	// streamToken is the write stream token the acknowledging response
	// carried. It must be persisted with the acknowledgement.
	streamToken []byte
}

// NewBatchResult creates a new instance of BatchResult. Results missing
// a version fall back to the batch commit version.
func NewBatchResult(batch *Batch, commitVersion document.Version, results []Result, streamToken []byte) *BatchResult {
	for i := range results {
		if results[i].Version.IsZero() {
			results[i].Version = commitVersion
		}
	}

	return &BatchResult{
		batch:         batch,
		commitVersion: commitVersion,
		results:       results,
		streamToken:   streamToken,
	}
}

// Batch returns the acknowledged batch.
func (r *BatchResult) Batch() *Batch {
	return r.batch
}

// CommitVersion returns the snapshot version of the commit.
func (r *BatchResult) CommitVersion() document.Version {
	return r.commitVersion
}

// Results returns the per-mutation outcomes in mutation order.
func (r *BatchResult) Results() []Result {
	return r.results
}

// StreamToken returns the write stream token of the acknowledgement.
func (r *BatchResult) StreamToken() []byte {
	return r.streamToken
}
