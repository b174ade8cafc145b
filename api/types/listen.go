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

package types

import "time"

// Filter is the wire form of one query filter.
type Filter struct {
	// FieldPath is the dotted path of the filtered field.
	FieldPath string `cbor:"field_path"`

	// Op is the comparison operator, e.g. "==" or "array-contains".
	Op string `cbor:"op"`

	// Value is the operand.
	Value Value `cbor:"value"`
}

// OrderBy is the wire form of one sort clause.
type OrderBy struct {
	// FieldPath is the dotted path of the ordered field.
	FieldPath string `cbor:"field_path"`

	// Descending inverts the ordering of this clause.
	Descending bool `cbor:"descending,omitempty"`
}

// Cursor bounds a query relative to its order-by clauses.
type Cursor struct {
	// Values holds one position value per order-by clause.
	Values []Value `cbor:"values"`

	// Inclusive includes documents at exactly this position.
	Inclusive bool `cbor:"inclusive,omitempty"`
}

// QueryTarget is the wire form of a query to listen to.
type QueryTarget struct {
	// Path is the collection or document path, empty for collection
	// group queries.
	Path string `cbor:"path,omitempty"`

	// CollectionGroup matches every collection with this ID.
	CollectionGroup string `cbor:"collection_group,omitempty"`

	// Filters restrict the result set.
	Filters []Filter `cbor:"filters,omitempty"`

	// OrderBys order the result set.
	OrderBys []OrderBy `cbor:"order_bys,omitempty"`

	// Limit caps the result count; zero means no limit.
	Limit int64 `cbor:"limit,omitempty"`

	// StartAt bounds the results from below.
	StartAt *Cursor `cbor:"start_at,omitempty"`

	// EndAt bounds the results from above.
	EndAt *Cursor `cbor:"end_at,omitempty"`
}

// Target asks the backend to watch one query or document set.
type Target struct {
	// TargetID identifies this target within the stream. Client assigned,
	// never zero.
	TargetID int32 `cbor:"target_id"`

	// Query is the watched query. Unset when Documents is used.
	Query *QueryTarget `cbor:"query,omitempty"`

	// Documents lists explicit document paths to watch instead of a
	// query.
	Documents []string `cbor:"documents,omitempty"`

	// ResumeToken resumes the target from its last known state.
	ResumeToken []byte `cbor:"resume_token,omitempty"`

	// ReadTime resumes the target from a snapshot when no token is held.
	ReadTime time.Time `cbor:"read_time"`

	// ExpectedCount is the number of documents the client holds for this
	// target, used to validate existence filters.
	ExpectedCount int32 `cbor:"expected_count,omitempty"`
}

// ListenRequest is one message on the listen stream. Exactly one field
// is set.
type ListenRequest struct {
	// AddTarget starts watching a target.
	AddTarget *Target `cbor:"add_target,omitempty"`

	// RemoveTarget stops watching the target with this ID.
	RemoveTarget int32 `cbor:"remove_target,omitempty"`
}

// TargetChangeType discriminates target state transitions.
type TargetChangeType string

const (
	// TargetChangeNoChange carries only a resume token and read time.
	TargetChangeNoChange TargetChangeType = "no_change"

	// TargetChangeAdd confirms the backend watches the targets.
	TargetChangeAdd TargetChangeType = "add"

	// TargetChangeRemove reports the targets were dropped; Cause says
	// why.
	TargetChangeRemove TargetChangeType = "remove"

	// TargetChangeCurrent reports the targets have seen every change up
	// to the read time.
	TargetChangeCurrent TargetChangeType = "current"

	// TargetChangeReset tells the client to discard its state for the
	// targets and resynchronize.
	TargetChangeReset TargetChangeType = "reset"
)

// TargetChange reports a state transition for a set of targets. An
// empty TargetIDs applies to every active target.
type TargetChange struct {
	// Type is the transition kind.
	Type TargetChangeType `cbor:"type"`

	// TargetIDs names the affected targets; empty means all.
	TargetIDs []int32 `cbor:"target_ids,omitempty"`

	// Cause carries the error behind a remove.
	Cause *Status `cbor:"cause,omitempty"`

	// ResumeToken resumes the named targets after a disconnect.
	ResumeToken []byte `cbor:"resume_token,omitempty"`

	// ReadTime is the consistent snapshot time of this change.
	ReadTime time.Time `cbor:"read_time"`
}

// DocumentChange reports a new revision of a document together with the
// targets it now matches and no longer matches.
type DocumentChange struct {
	// Document is the new revision.
	Document *Document `cbor:"document"`

	// TargetIDs names the targets matching this revision.
	TargetIDs []int32 `cbor:"target_ids,omitempty"`

	// RemovedTargetIDs names the targets no longer matching it.
	RemovedTargetIDs []int32 `cbor:"removed_target_ids,omitempty"`
}

// DocumentDelete reports that a document no longer exists.
type DocumentDelete struct {
	// Document is the path of the deleted document.
	Document string `cbor:"document"`

	// RemovedTargetIDs names the targets that previously matched it.
	RemovedTargetIDs []int32 `cbor:"removed_target_ids,omitempty"`

	// ReadTime is the deletion version.
	ReadTime time.Time `cbor:"read_time"`
}

// DocumentRemove reports that a document left the named targets without
// being deleted, e.g. because it stopped matching their queries.
type DocumentRemove struct {
	// Document is the path of the removed document.
	Document string `cbor:"document"`

	// RemovedTargetIDs names the targets it left.
	RemovedTargetIDs []int32 `cbor:"removed_target_ids,omitempty"`

	// ReadTime is the removal version.
	ReadTime time.Time `cbor:"read_time"`
}

// BloomFilter is the wire form of the membership filter attached to an
// existence filter.
type BloomFilter struct {
	// Bitmap holds the filter bits, least significant bit first.
	Bitmap []byte `cbor:"bitmap"`

	// Padding is the number of unused bits in the last bitmap byte.
	Padding int32 `cbor:"padding"`

	// HashCount is the number of probes per membership test.
	HashCount int32 `cbor:"hash_count"`
}

// ExistenceFilter tells the client how many documents the backend holds
// for a target so it can detect documents it should no longer cache.
type ExistenceFilter struct {
	// TargetID names the checked target.
	TargetID int32 `cbor:"target_id"`

	// Count is the number of documents matching the target on the
	// backend.
	Count int32 `cbor:"count"`

	// UnchangedNames, when present, admits exactly the documents still
	// matching the target. Absent on older backends.
	UnchangedNames *BloomFilter `cbor:"unchanged_names,omitempty"`
}

// ListenResponse is one message from the listen stream. Exactly one
// field is set.
type ListenResponse struct {
	TargetChange   *TargetChange    `cbor:"target_change,omitempty"`
	DocumentChange *DocumentChange  `cbor:"document_change,omitempty"`
	DocumentDelete *DocumentDelete  `cbor:"document_delete,omitempty"`
	DocumentRemove *DocumentRemove  `cbor:"document_remove,omitempty"`
	Filter         *ExistenceFilter `cbor:"filter,omitempty"`
}
