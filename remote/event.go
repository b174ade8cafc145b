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

package remote

import (
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/key"
)

// TargetChange describes everything that happened to a single target
// between two remote events.
type TargetChange struct {
	// ResumeToken is the latest token for the target. Resuming a listen
	// with it skips everything delivered before this event.
	ResumeToken []byte

	// Current reports whether the server reached a consistent snapshot
	// for the target: everything sent before the enclosing event's
	// snapshot version has been delivered.
	Current bool

	// AddedDocuments holds the keys that newly entered the target.
	AddedDocuments map[key.Key]struct{}

	// ModifiedDocuments holds the keys that changed while already in the
	// target.
	ModifiedDocuments map[key.Key]struct{}

	// RemovedDocuments holds the keys that left the target.
	RemovedDocuments map[key.Key]struct{}
}

// NewTargetChange creates an empty change for one target.
func NewTargetChange() *TargetChange {
	return &TargetChange{
		AddedDocuments:    make(map[key.Key]struct{}),
		ModifiedDocuments: make(map[key.Key]struct{}),
		RemovedDocuments:  make(map[key.Key]struct{}),
	}
}

// HasPendingChanges reports whether the change carries anything besides
// a resume token update.
func (tc *TargetChange) HasPendingChanges() bool {
	return tc.Current ||
		len(tc.AddedDocuments) > 0 ||
		len(tc.ModifiedDocuments) > 0 ||
		len(tc.RemovedDocuments) > 0
}

// RemoteEvent is a consolidated view of everything the watch stream
// delivered up to one snapshot version. Events are produced by the
// change aggregator and consumed in a single storage transaction.
type RemoteEvent struct {
	// SnapshotVersion is the version every target in this event is
	// consistent up to.
	SnapshotVersion document.Version

	// TargetChanges maps target IDs to the accumulated change per target.
	TargetChanges map[int32]*TargetChange

	// TargetMismatches holds targets whose server-reported document count
	// contradicted the local mapping. They must be reset: local mappings
	// dropped and the listen restarted without a resume token.
	TargetMismatches map[int32]struct{}

	// DocumentUpdates maps keys to the latest document state delivered
	// with this event. Deletes appear as missing documents.
	DocumentUpdates map[key.Key]*document.Document

	// ResolvedLimboDocuments holds limbo keys the event settles, for
	// existence confirmations and deletions alike.
	ResolvedLimboDocuments map[key.Key]struct{}
}
