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

// Package local provides the device-side half of the database: durable
// caches for documents, mutations, overlays and targets behind a
// transactional persistence contract, the store coordinating them, and
// the query engine serving reads from the caches.
package local

import (
	"context"
	"strings"
	"time"

	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/pkg/errors"
	"github.com/wallaby-db/wallaby/query"
)

var (
	// ErrTargetNotFound is returned when the target could not be found.
	ErrTargetNotFound = errors.NotFound("target not found")

	// ErrBatchNotFound is returned when the mutation batch could not be
	// found.
	ErrBatchNotFound = errors.NotFound("mutation batch not found")

	// ErrNestedTransaction is returned when a transaction is started from
	// inside another transaction. That is a programming error.
	ErrNestedTransaction = errors.Internal("nested persistence transaction")

	// ErrIndexNotFound is returned when the field index could not be
	// found.
	ErrIndexNotFound = errors.NotFound("field index not found")
)

// TransactionMode says whether a transaction may write.
type TransactionMode int

const (
	// ReadOnly transactions may only read.
	ReadOnly TransactionMode = iota + 1

	// ReadWrite transactions may read and write.
	ReadWrite
)

// Transaction is one atomic unit of persistence access. The facet
// methods of Persistence take the transaction they must run under;
// implementations hand out their own transaction type and downcast.
type Transaction interface {
	// Label returns the name the transaction was opened with, for
	// logging.
	Label() string

	// Mode returns whether this transaction may write.
	Mode() TransactionMode
}

// Persistence opens transactions over the device-side caches and hands
// out the cache facets. Transient failures surface as retryable status
// errors; the operation queue retries the whole transaction.
type Persistence interface {
	// RunTransaction runs fn inside one transaction. The transaction
	// commits when fn returns nil and rolls back otherwise. Transactions
	// must not be nested.
	RunTransaction(ctx context.Context, label string, mode TransactionMode, fn func(tx Transaction) error) error

	// RemoteDocuments returns the cache of server-confirmed documents.
	RemoteDocuments() RemoteDocumentCache

	// Mutations returns the queue of unacknowledged mutation batches.
	Mutations() MutationQueue

	// Overlays returns the cache of per-document net local changes.
	Overlays() OverlayCache

	// Targets returns the cache of watch target state.
	Targets() TargetCache

	// Indexes returns the manager of client-side field indexes.
	Indexes() IndexManager

	// Close releases the underlying storage.
	Close() error
}

// RemoteDocumentCache stores the latest revision of each document the
// server has confirmed, together with the local read time at which it
// was received. The cache owns its copies: documents passed in are
// stored detached from the caller and documents handed out are fresh
// clones the caller may mutate, carrying the read time they were stored
// with.
type RemoteDocumentCache interface {
	// GetEntry returns the cached revision of the document, or an invalid
	// document when none is cached.
	GetEntry(tx Transaction, k key.Key) (*document.Document, error)

	// GetEntries returns the cached revisions of the given documents,
	// invalid entries included, keyed by document key.
	GetEntries(tx Transaction, keys []key.Key) (map[key.Key]*document.Document, error)

	// SetEntry stores the given revision, overwriting any cached one.
	SetEntry(tx Transaction, doc *document.Document, readTime document.Version) error

	// RemoveEntry drops the cached revision of the document, if any.
	RemoveEntry(tx Transaction, k key.Key) error

	// GetDocumentsMatchingQuery returns the cached documents in the
	// query's collection read after sinceReadTime, plus the documents in
	// mutatedKeys regardless of read time. Query filters are not applied;
	// the caller filters.
	GetDocumentsMatchingQuery(
		tx Transaction,
		q query.Query,
		sinceReadTime document.Version,
		mutatedKeys map[key.Key]struct{},
	) (map[key.Key]*document.Document, error)

	// ForEachEntry visits every cached document. Returning an error stops
	// the walk.
	ForEachEntry(tx Transaction, fn func(doc *document.Document, readTime document.Version) error) error
}

// MutationQueue stores the batches of local writes awaiting server
// acknowledgement, in ascending batch ID order.
type MutationQueue interface {
	// AddBatch appends a new batch, allocating the next batch ID.
	AddBatch(
		tx Transaction,
		localWriteTime time.Time,
		baseMutations []mutation.Mutation,
		mutations []mutation.Mutation,
	) (*mutation.Batch, error)

	// LookupBatch returns the batch with the given ID, or nil.
	LookupBatch(tx Transaction, batchID int64) (*mutation.Batch, error)

	// NextBatchAfter returns the first batch with an ID greater than the
	// given one, or nil.
	NextBatchAfter(tx Transaction, batchID int64) (*mutation.Batch, error)

	// AllBatches returns every pending batch in ascending ID order.
	AllBatches(tx Transaction) ([]*mutation.Batch, error)

	// AllBatchesAffectingKeys returns every pending batch touching any of
	// the keys, ascending, without duplicates.
	AllBatchesAffectingKeys(tx Transaction, keys []key.Key) ([]*mutation.Batch, error)

	// RemoveBatch drops an acknowledged or rejected batch. Batches are
	// removed in FIFO order.
	RemoveBatch(tx Transaction, batch *mutation.Batch) error

	// HighestUnacknowledgedBatchID returns the largest pending batch ID,
	// or -1 when the queue is empty.
	HighestUnacknowledgedBatchID(tx Transaction) (int64, error)

	// LastStreamToken returns the write stream token of the previous
	// session.
	LastStreamToken(tx Transaction) ([]byte, error)

	// SetLastStreamToken persists the write stream token.
	SetLastStreamToken(tx Transaction, token []byte) error
}

// OverlayCache stores the precomputed net local mutation per document,
// so reads need not replay the mutation queue.
type OverlayCache interface {
	// GetOverlay returns the overlay for the document and whether one
	// exists.
	GetOverlay(tx Transaction, k key.Key) (mutation.Overlay, bool, error)

	// GetOverlays returns the overlays for the given documents, keyed by
	// document key. Documents without an overlay are absent.
	GetOverlays(tx Transaction, keys []key.Key) (map[key.Key]mutation.Overlay, error)

	// SaveOverlays stores one overlay per document, replacing existing
	// ones. A nil mutation removes the document's overlay.
	SaveOverlays(tx Transaction, largestBatchID int64, overlays map[key.Key]mutation.Mutation) error

	// RemoveOverlaysForBatchID drops every overlay whose largest batch ID
	// is the given one.
	RemoveOverlaysForBatchID(tx Transaction, batchID int64) error

	// GetOverlaysForCollection returns the overlays of documents directly
	// in the collection whose largest batch ID is greater than
	// sinceBatchID.
	GetOverlaysForCollection(tx Transaction, collectionPath string, sinceBatchID int64) (map[key.Key]mutation.Overlay, error)

	// GetOverlaysForCollectionGroup returns the overlays of documents in
	// any collection with the given ID whose largest batch ID is greater
	// than sinceBatchID.
	GetOverlaysForCollectionGroup(tx Transaction, collectionGroup string, sinceBatchID int64) (map[key.Key]mutation.Overlay, error)
}

// TargetCache stores watch target state plus the global listen
// metadata: the highest allocated target ID, the highest listen
// sequence number, and the last remote snapshot version.
type TargetCache interface {
	// AllocateTargetID reserves the next target ID.
	AllocateTargetID(tx Transaction) (int32, error)

	// NextSequenceNumber reserves the next listen sequence number.
	NextSequenceNumber(tx Transaction) (int64, error)

	// HighestSequenceNumber returns the highest listen sequence number
	// reserved so far without advancing it.
	HighestSequenceNumber(tx Transaction) (int64, error)

	// AddTarget stores a newly allocated target.
	AddTarget(tx Transaction, data TargetData) error

	// UpdateTarget overwrites the stored state of a target.
	UpdateTarget(tx Transaction, data TargetData) error

	// RemoveTarget drops a target and its matching keys.
	RemoveTarget(tx Transaction, targetID int32) error

	// GetTarget returns the stored target watching the given query, and
	// whether one exists.
	GetTarget(tx Transaction, q query.Query) (TargetData, bool, error)

	// GetTargetByID returns the stored target with the given ID, and
	// whether one exists.
	GetTargetByID(tx Transaction, targetID int32) (TargetData, bool, error)

	// AddMatchingKeys records that the documents belong to the target.
	AddMatchingKeys(tx Transaction, keys map[key.Key]struct{}, targetID int32) error

	// RemoveMatchingKeys records that the documents left the target.
	RemoveMatchingKeys(tx Transaction, keys map[key.Key]struct{}, targetID int32) error

	// RemoveMatchingKeysForTarget drops every document membership of the
	// target.
	RemoveMatchingKeysForTarget(tx Transaction, targetID int32) error

	// MatchingKeys returns the documents currently belonging to the
	// target.
	MatchingKeys(tx Transaction, targetID int32) (map[key.Key]struct{}, error)

	// ContainsKey reports whether any target holds the document.
	ContainsKey(tx Transaction, k key.Key) (bool, error)

	// TargetCount returns the number of stored targets.
	TargetCount(tx Transaction) (int64, error)

	// ForEachTarget visits every stored target. Returning an error stops
	// the walk.
	ForEachTarget(tx Transaction, fn func(data TargetData) error) error

	// LastRemoteVersion returns the snapshot version of the last
	// consistent remote event.
	LastRemoteVersion(tx Transaction) (document.Version, error)

	// SetLastRemoteVersion persists the snapshot version of a consistent
	// remote event.
	SetLastRemoteVersion(tx Transaction, v document.Version) error
}

// FieldIndex is a client-side single-field index over one collection
// group.
type FieldIndex struct {
	// ID is the index identifier, allocated by the manager.
	ID int64

	// CollectionGroup names the indexed collections.
	CollectionGroup string

	// Path is the indexed field.
	Path field.Path
}

// Covers reports whether this index can answer the query. Every filter
// and every explicit order must be on the indexed field (key ordering
// rides along for free), and at least one of them must reference it so
// the index actually constrains the result.
func (i FieldIndex) Covers(q query.Query) bool {
	referenced := false
	for _, f := range q.Filters() {
		if !f.Path.Equal(i.Path) {
			return false
		}
		referenced = true
	}
	for _, o := range q.ExplicitOrderBys() {
		if o.Path.IsKeyPath() {
			continue
		}
		if !o.Path.Equal(i.Path) {
			return false
		}
		referenced = true
	}

	return referenced
}

// QueryCollectionGroup names the collection group a query reads. For
// path-bound queries that is the last path segment.
func QueryCollectionGroup(q query.Query) string {
	if group := q.CollectionGroup(); group != "" {
		return group
	}
	path := q.Path()
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}

	return path
}

// IndexManager maintains client-side field indexes and serves queries
// they cover.
type IndexManager interface {
	// AddFieldIndex creates an index. Entries for already cached
	// documents are built immediately.
	AddFieldIndex(tx Transaction, collectionGroup string, p field.Path) (FieldIndex, error)

	// DeleteFieldIndex drops an index and its entries.
	DeleteFieldIndex(tx Transaction, indexID int64) error

	// FieldIndexes returns the indexes over the given collection group,
	// or every index when collectionGroup is empty.
	FieldIndexes(tx Transaction, collectionGroup string) ([]FieldIndex, error)

	// UpdateIndexEntries refreshes the entries of every index for the
	// given documents, typically after remote document writes.
	UpdateIndexEntries(tx Transaction, docs map[key.Key]*document.Document) error

	// KeysMatchingQuery returns the keys of documents satisfying the
	// query's filters and bounds according to an index, and whether an
	// index covering the query exists.
	KeysMatchingQuery(tx Transaction, q query.Query) ([]key.Key, bool, error)
}
