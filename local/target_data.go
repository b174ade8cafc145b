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

package local

import (
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/query"
)

// TargetPurpose says why a target is being listened to.
type TargetPurpose int

const (
	// PurposeListen is a target requested by a user query.
	PurposeListen TargetPurpose = iota + 1

	// PurposeExistenceFilterMismatch re-listens to a target whose cached
	// documents diverged from an existence filter.
	PurposeExistenceFilterMismatch

	// PurposeLimboResolution resolves the existence of a single document
	// the server stopped reporting.
	PurposeLimboResolution
)

// String returns the name of the purpose.
func (p TargetPurpose) String() string {
	switch p {
	case PurposeListen:
		return "listen"
	case PurposeExistenceFilterMismatch:
		return "existence-filter-mismatch"
	case PurposeLimboResolution:
		return "limbo-resolution"
	default:
		return "unknown"
	}
}

// TargetData is the locally persisted state of one watch target.
// Instances are immutable; the With methods return updated copies.
type TargetData struct {
	target         query.Query
	targetID       int32
	sequenceNumber int64
	purpose        TargetPurpose

	// snapshotVersion is the latest snapshot the server confirmed for
	// this target, zero until the first target change arrives.
	snapshotVersion document.Version

	// lastLimboFreeSnapshotVersion is the latest snapshot at which this
	// target was current with no limbo documents, used to decide whether
	// cached query results may be served.
	lastLimboFreeSnapshotVersion document.Version

	resumeToken []byte
}

// NewTargetData creates the state for a freshly allocated target.
func NewTargetData(q query.Query, targetID int32, sequenceNumber int64, purpose TargetPurpose) TargetData {
	return TargetData{
		target:         q,
		targetID:       targetID,
		sequenceNumber: sequenceNumber,
		purpose:        purpose,
	}
}

// Target returns the query this target watches.
func (t TargetData) Target() query.Query {
	return t.target
}

// TargetID returns the stream-scoped identifier of this target.
func (t TargetData) TargetID() int32 {
	return t.targetID
}

// SequenceNumber returns the listen sequence number of the last use of
// this target.
func (t TargetData) SequenceNumber() int64 {
	return t.sequenceNumber
}

// Purpose returns why this target is listened to.
func (t TargetData) Purpose() TargetPurpose {
	return t.purpose
}

// SnapshotVersion returns the last confirmed snapshot version.
func (t TargetData) SnapshotVersion() document.Version {
	return t.snapshotVersion
}

// LastLimboFreeSnapshotVersion returns the last snapshot at which the
// target had no limbo documents.
func (t TargetData) LastLimboFreeSnapshotVersion() document.Version {
	return t.lastLimboFreeSnapshotVersion
}

// ResumeToken returns the server cursor for resuming this target.
func (t TargetData) ResumeToken() []byte {
	return t.resumeToken
}

// WithResumeToken returns a copy carrying the given token and snapshot
// version.
func (t TargetData) WithResumeToken(token []byte, snapshot document.Version) TargetData {
	t.resumeToken = token
	t.snapshotVersion = snapshot

	return t
}

// WithSequenceNumber returns a copy used at the given sequence number.
func (t TargetData) WithSequenceNumber(sequenceNumber int64) TargetData {
	t.sequenceNumber = sequenceNumber

	return t
}

// WithLastLimboFreeSnapshotVersion returns a copy marking the target
// limbo free at the given version.
func (t TargetData) WithLastLimboFreeSnapshotVersion(v document.Version) TargetData {
	t.lastLimboFreeSnapshotVersion = v

	return t
}

// WithPurpose returns a copy listened to for a different reason.
func (t TargetData) WithPurpose(p TargetPurpose) TargetData {
	t.purpose = p

	return t
}
