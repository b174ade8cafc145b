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

// Package document provides the document model of the local cache. A
// Document records what is known about one key: whether it exists, the
// version that knowledge is based on, its field data and whether local
// writes are still reflected in it.
package document

import (
	"fmt"

	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
)

// Type describes what the cache knows about a document.
type Type int

const (
	// TypeInvalid means the key is known but nothing else is. Reads of
	// uncached documents produce invalid documents.
	TypeInvalid Type = iota

	// TypeFound means the document exists and its data is known.
	TypeFound

	// TypeMissing means the document is known not to exist.
	TypeMissing

	// TypeUnknown means the document is known to exist but its contents
	// are not known, for example after acknowledging a patch that was
	// applied to an uncached document.
	TypeUnknown
)

// String returns the name of the type.
func (t Type) String() string {
	switch t {
	case TypeFound:
		return "found"
	case TypeMissing:
		return "missing"
	case TypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// SyncState describes how a document relates to in-flight local writes.
type SyncState int

const (
	// StateSynced means the document matches the last server version the
	// cache received.
	StateSynced SyncState = iota

	// StateLocalMutations means unacknowledged local writes are reflected
	// in the document.
	StateLocalMutations

	// StateCommittedMutations means the server acknowledged local writes
	// that the cache has not yet seen through its listens.
	StateCommittedMutations
)

// String returns the name of the sync state.
func (s SyncState) String() string {
	switch s {
	case StateLocalMutations:
		return "local_mutations"
	case StateCommittedMutations:
		return "committed_mutations"
	default:
		return "synced"
	}
}

// Document is one entry of the document cache. Documents are mutable and
// converted in place as the cache learns more; use Clone before sharing
// one across goroutines or transactions.
type Document struct {
	key       key.Key
	docType   Type
	version   Version
	readTime  Version
	data      field.Object
	syncState SyncState
}

// NewInvalid creates a document representing an uncached key.
func NewInvalid(k key.Key) *Document {
	return &Document{key: k, data: field.NewObject()}
}

// NewFound creates a document that exists with the given data.
func NewFound(k key.Key, version Version, data field.Object) *Document {
	return NewInvalid(k).ConvertToFound(version, data)
}

// NewMissing creates a document that is known not to exist.
func NewMissing(k key.Key, version Version) *Document {
	return NewInvalid(k).ConvertToMissing(version)
}

// NewUnknown creates a document that exists but whose contents are not
// known.
func NewUnknown(k key.Key, version Version) *Document {
	return NewInvalid(k).ConvertToUnknown(version)
}

// ConvertToFound changes this document to one that exists with the given
// data and resets its sync state.
func (d *Document) ConvertToFound(version Version, data field.Object) *Document {
	d.docType = TypeFound
	d.version = version
	d.data = data
	d.syncState = StateSynced

	return d
}

// ConvertToMissing changes this document to one known not to exist.
func (d *Document) ConvertToMissing(version Version) *Document {
	d.docType = TypeMissing
	d.version = version
	d.data = field.NewObject()
	d.syncState = StateSynced

	return d
}

// ConvertToUnknown changes this document to one that exists with unknown
// contents. Such documents must be refetched before they can be served.
func (d *Document) ConvertToUnknown(version Version) *Document {
	d.docType = TypeUnknown
	d.version = version
	d.data = field.NewObject()
	d.syncState = StateCommittedMutations

	return d
}

// WithLocalMutations marks local writes as reflected in this document.
func (d *Document) WithLocalMutations() *Document {
	d.syncState = StateLocalMutations

	return d
}

// WithCommittedMutations marks this document as holding writes the server
// acknowledged but the cache has not observed yet.
func (d *Document) WithCommittedMutations() *Document {
	d.syncState = StateCommittedMutations

	return d
}

// WithReadTime records the snapshot version this document was read at.
func (d *Document) WithReadTime(readTime Version) *Document {
	d.readTime = readTime

	return d
}

// Key returns the key of this document.
func (d *Document) Key() key.Key {
	return d.key
}

// Type returns what the cache knows about this document.
func (d *Document) Type() Type {
	return d.docType
}

// Version returns the version this document's state is based on.
func (d *Document) Version() Version {
	return d.version
}

// ReadTime returns the snapshot version this document was read at, or the
// zero version when it was never part of a listen result.
func (d *Document) ReadTime() Version {
	return d.readTime
}

// SyncState returns how this document relates to local writes.
func (d *Document) SyncState() SyncState {
	return d.syncState
}

// Data returns the field data of this document. The returned object must
// not be modified; use Clone to obtain an editable copy.
func (d *Document) Data() field.Object {
	return d.data
}

// Field returns the value at the given path and whether it is present.
func (d *Document) Field(p field.Path) (field.Value, bool) {
	return d.data.Get(p)
}

// IsValid returns whether the cache knows anything about this key.
func (d *Document) IsValid() bool {
	return d.docType != TypeInvalid
}

// IsFound returns whether the document is known to exist.
func (d *Document) IsFound() bool {
	return d.docType == TypeFound
}

// IsMissing returns whether the document is known not to exist.
func (d *Document) IsMissing() bool {
	return d.docType == TypeMissing
}

// IsUnknown returns whether the document exists with unknown contents.
func (d *Document) IsUnknown() bool {
	return d.docType == TypeUnknown
}

// HasLocalMutations returns whether unacknowledged writes are reflected.
func (d *Document) HasLocalMutations() bool {
	return d.syncState == StateLocalMutations
}

// HasCommittedMutations returns whether acknowledged but unobserved
// writes are reflected.
func (d *Document) HasCommittedMutations() bool {
	return d.syncState == StateCommittedMutations
}

// HasPendingWrites returns whether this document differs from the last
// state confirmed by the server's listens.
func (d *Document) HasPendingWrites() bool {
	return d.syncState != StateSynced
}

// Clone returns a deep copy of this document.
func (d *Document) Clone() *Document {
	return &Document{
		key:       d.key,
		docType:   d.docType,
		version:   d.version,
		readTime:  d.readTime,
		data:      d.data.Clone(),
		syncState: d.syncState,
	}
}

// Equal reports whether two documents agree on key, type, version, sync
// state and data. Read times are ignored since they depend on when the
// cache read the document, not on its contents.
func (d *Document) Equal(other *Document) bool {
	if d == nil || other == nil {
		return d == other
	}

	return d.key == other.key &&
		d.docType == other.docType &&
		d.version.Compare(other.version) == 0 &&
		d.syncState == other.syncState &&
		d.data.Equal(other.data)
}

// String returns a short debug form of this document.
func (d *Document) String() string {
	return fmt.Sprintf("%s(%s, v%s, %s)", d.key, d.docType, d.version, d.syncState)
}
