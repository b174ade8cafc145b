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

package engine

import (
	"sort"

	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/query"
	"github.com/wallaby-db/wallaby/remote"
)

// ChangeType classifies how a document moved relative to a view.
type ChangeType int

const (
	// ChangeAdded means the document entered the view's result set.
	ChangeAdded ChangeType = iota + 1

	// ChangeModified means the document changed while in the result set.
	ChangeModified

	// ChangeRemoved means the document left the result set.
	ChangeRemoved

	// ChangeMetadata means only the document's pending-write state
	// changed, not its data.
	ChangeMetadata
)

// String returns the name of the change type.
func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	case ChangeMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// order ranks change types for snapshot delivery: removals first, then
// additions, then modifications. Metadata changes sort with
// modifications since callers treat them alike.
func (t ChangeType) order() int {
	switch t {
	case ChangeRemoved:
		return 0
	case ChangeAdded:
		return 1
	default:
		return 2
	}
}

// DocumentChange is one document's transition within a snapshot.
type DocumentChange struct {
	Type     ChangeType
	Document *document.Document
}

// Snapshot is one consistent result set of a query, raised to every
// listener of that query.
type Snapshot struct {
	Query query.Query

	// Documents holds the results in query order with the limit applied.
	Documents []*document.Document

	// Changes lists the transitions since the previous snapshot, removals
	// first.
	Changes []DocumentChange

	// FromCache reports that the server has not confirmed the result set
	// yet: the target is not current or some results await verification.
	FromCache bool

	// HasPendingWrites reports whether any result carries unacknowledged
	// local writes.
	HasPendingWrites bool

	// SyncStateChanged reports that FromCache flipped with this snapshot.
	SyncStateChanged bool
}

// LimboChange reports a document entering or leaving limbo for one view.
type LimboChange struct {
	Key   key.Key
	Added bool
}

// documentSet keeps documents ordered by a query comparator with key
// lookup. The comparator must be total, which query comparators are
// since they end in the document key.
type documentSet struct {
	compare func(a, b *document.Document) int
	docs    []*document.Document
	byKey   map[key.Key]*document.Document
}

func newDocumentSet(compare func(a, b *document.Document) int) *documentSet {
	return &documentSet{
		compare: compare,
		byKey:   make(map[key.Key]*document.Document),
	}
}

func (s *documentSet) clone() *documentSet {
	docs := make([]*document.Document, len(s.docs))
	copy(docs, s.docs)
	byKey := make(map[key.Key]*document.Document, len(s.byKey))
	for k, doc := range s.byKey {
		byKey[k] = doc
	}

	return &documentSet{compare: s.compare, docs: docs, byKey: byKey}
}

// add inserts the document at its sort position, replacing any previous
// revision of the same key first since the revision may sort elsewhere.
func (s *documentSet) add(doc *document.Document) {
	s.remove(doc.Key())

	i := sort.Search(len(s.docs), func(i int) bool {
		return s.compare(s.docs[i], doc) >= 0
	})
	s.docs = append(s.docs, nil)
	copy(s.docs[i+1:], s.docs[i:])
	s.docs[i] = doc
	s.byKey[doc.Key()] = doc
}

func (s *documentSet) remove(k key.Key) {
	doc, ok := s.byKey[k]
	if !ok {
		return
	}
	delete(s.byKey, k)

	i := sort.Search(len(s.docs), func(i int) bool {
		return s.compare(s.docs[i], doc) >= 0
	})
	s.docs = append(s.docs[:i], s.docs[i+1:]...)
}

func (s *documentSet) get(k key.Key) (*document.Document, bool) {
	doc, ok := s.byKey[k]

	return doc, ok
}

func (s *documentSet) last() *document.Document {
	if len(s.docs) == 0 {
		return nil
	}

	return s.docs[len(s.docs)-1]
}

func (s *documentSet) size() int {
	return len(s.docs)
}

func (s *documentSet) slice() []*document.Document {
	out := make([]*document.Document, len(s.docs))
	copy(out, s.docs)

	return out
}

// changeSet accumulates document transitions, merging repeated changes
// to the same key into the single transition a listener should see.
type changeSet struct {
	changes map[key.Key]DocumentChange
}

func newChangeSet() *changeSet {
	return &changeSet{changes: make(map[key.Key]DocumentChange)}
}

func (c *changeSet) track(change DocumentChange) {
	k := change.Document.Key()
	old, ok := c.changes[k]
	if !ok {
		c.changes[k] = change

		return
	}

	switch {
	case change.Type != ChangeAdded && old.Type == ChangeMetadata:
		c.changes[k] = change
	case change.Type == ChangeMetadata && old.Type != ChangeRemoved:
		c.changes[k] = DocumentChange{Type: old.Type, Document: change.Document}
	case change.Type == ChangeModified && old.Type == ChangeModified:
		c.changes[k] = DocumentChange{Type: ChangeModified, Document: change.Document}
	case change.Type == ChangeModified && old.Type == ChangeAdded:
		c.changes[k] = DocumentChange{Type: ChangeAdded, Document: change.Document}
	case change.Type == ChangeRemoved && old.Type == ChangeAdded:
		// Entered and left within one snapshot window: never visible.
		delete(c.changes, k)
	case change.Type == ChangeRemoved && old.Type == ChangeModified:
		c.changes[k] = DocumentChange{Type: ChangeRemoved, Document: old.Document}
	case change.Type == ChangeAdded && old.Type == ChangeRemoved:
		c.changes[k] = DocumentChange{Type: ChangeModified, Document: change.Document}
	default:
		c.changes[k] = change
	}
}

func (c *changeSet) sorted(compare func(a, b *document.Document) int) []DocumentChange {
	out := make([]DocumentChange, 0, len(c.changes))
	for _, change := range c.changes {
		out = append(out, change)
	}
	sort.Slice(out, func(i, j int) bool {
		if a, b := out[i].Type.order(), out[j].Type.order(); a != b {
			return a < b
		}

		return compare(out[i].Document, out[j].Document) < 0
	})

	return out
}

// ViewChanges stages the outcome of folding documents into a view until
// ApplyChanges commits it.
type ViewChanges struct {
	documents   *documentSet
	changes     *changeSet
	mutatedKeys map[key.Key]struct{}
	needsRefill bool
}

// NeedsRefill reports that a limit query may have lost results that the
// cache still holds, so the query must be re-run before the staged
// changes can be applied.
func (c *ViewChanges) NeedsRefill() bool {
	return c.needsRefill
}

type viewSyncState int

const (
	viewStateNone viewSyncState = iota
	viewStateLocal
	viewStateSynced
)

// View materializes one query's result set from local document views and
// reconciles it with the server's idea of the matching documents.
type View struct {
	query   query.Query
	compare func(a, b *document.Document) int

	documents *documentSet

	// syncedDocuments holds the keys the server confirmed as results of
	// this view's target.
	syncedDocuments map[key.Key]struct{}

	// limboDocuments holds result keys whose presence the server has not
	// explained. Each needs its existence resolved before the view counts
	// as synced.
	limboDocuments map[key.Key]struct{}

	// mutatedKeys holds result keys with unacknowledged local writes.
	mutatedKeys map[key.Key]struct{}

	current bool
	state   viewSyncState
}

// NewView creates a view for the query. remoteKeys seeds the
// server-confirmed result set from the target's persisted mapping.
func NewView(q query.Query, remoteKeys map[key.Key]struct{}) *View {
	synced := make(map[key.Key]struct{}, len(remoteKeys))
	for k := range remoteKeys {
		synced[k] = struct{}{}
	}
	compare := q.Comparator()

	return &View{
		query:           q,
		compare:         compare,
		documents:       newDocumentSet(compare),
		syncedDocuments: synced,
		limboDocuments:  make(map[key.Key]struct{}),
		mutatedKeys:     make(map[key.Key]struct{}),
	}
}

// ComputeChanges folds updated documents into the view's result set
// without committing anything. Pass the previous staged changes when
// re-running after a refill query so both passes merge into one
// transition set.
func (v *View) ComputeChanges(docs map[key.Key]*document.Document, previous *ViewChanges) *ViewChanges {
	var (
		newSet  *documentSet
		changes *changeSet
		mutated map[key.Key]struct{}
	)
	if previous != nil {
		newSet = previous.documents
		changes = previous.changes
		mutated = previous.mutatedKeys
	} else {
		newSet = v.documents.clone()
		changes = newChangeSet()
		mutated = cloneKeySet(v.mutatedKeys)
	}

	// While a limit query is full, any result pushed past the current
	// edge may uncover a cached document beyond it, which only a fresh
	// query can find.
	var lastDocInLimit *document.Document
	limit := v.query.Limit()
	if limit > 0 && int64(newSet.size()) == limit {
		lastDocInLimit = newSet.last()
	}

	needsRefill := false
	for k, updated := range docs {
		oldDoc, hadOld := newSet.get(k)

		var newDoc *document.Document
		if updated != nil && v.query.Matches(updated) {
			newDoc = updated
		}

		oldHadPending := false
		if hadOld {
			_, oldHadPending = mutated[k]
		}
		newHasPending := false
		if newDoc != nil {
			// Committed mutations only count while the view still tracks
			// the key as dirty; afterwards the watch copy is authoritative.
			_, tracked := mutated[k]
			newHasPending = newDoc.HasLocalMutations() || (tracked && newDoc.HasCommittedMutations())
		}

		applied := false
		switch {
		case hadOld && newDoc != nil:
			if !oldDoc.Data().Equal(newDoc.Data()) {
				if !shouldWaitForSyncedDocument(oldDoc, newDoc) {
					changes.track(DocumentChange{Type: ChangeModified, Document: newDoc})
					applied = true

					if lastDocInLimit != nil && v.compare(newDoc, lastDocInLimit) > 0 {
						needsRefill = true
					}
				}
			} else if oldHadPending != newHasPending {
				changes.track(DocumentChange{Type: ChangeMetadata, Document: newDoc})
				applied = true
			}
		case !hadOld && newDoc != nil:
			changes.track(DocumentChange{Type: ChangeAdded, Document: newDoc})
			applied = true

			if lastDocInLimit != nil {
				needsRefill = true
			}
		case hadOld && newDoc == nil:
			changes.track(DocumentChange{Type: ChangeRemoved, Document: oldDoc})
			applied = true

			if lastDocInLimit != nil {
				needsRefill = true
			}
		}

		if applied {
			if newDoc != nil {
				newSet.add(newDoc)
				if newHasPending {
					mutated[k] = struct{}{}
				} else {
					delete(mutated, k)
				}
			} else {
				newSet.remove(k)
				delete(mutated, k)
			}
		}
	}

	if limit > 0 {
		for int64(newSet.size()) > limit {
			evicted := newSet.last()
			newSet.remove(evicted.Key())
			delete(mutated, evicted.Key())
			changes.track(DocumentChange{Type: ChangeRemoved, Document: evicted})
		}
	}

	return &ViewChanges{
		documents:   newSet,
		changes:     changes,
		mutatedKeys: mutated,
		needsRefill: needsRefill,
	}
}

// shouldWaitForSyncedDocument suppresses the intermediate state of an
// acknowledged write. The watch stream resends the document, so raising
// the committed-but-unwatched revision would surface the same data
// twice.
func shouldWaitForSyncedDocument(oldDoc, newDoc *document.Document) bool {
	return oldDoc.HasLocalMutations() &&
		newDoc.HasCommittedMutations() &&
		!newDoc.HasLocalMutations()
}

// ApplyChanges commits staged changes, folds in the target change from
// the server, and recomputes limbo membership when updateLimbo is set.
// The snapshot is nil when nothing listener-visible happened.
func (v *View) ApplyChanges(changes *ViewChanges, targetChange *remote.TargetChange, updateLimbo bool) (*Snapshot, []LimboChange) {
	v.documents = changes.documents
	v.mutatedKeys = changes.mutatedKeys

	sorted := changes.changes.sorted(v.compare)

	v.applyTargetChange(targetChange)

	var limboChanges []LimboChange
	if updateLimbo {
		limboChanges = v.updateLimboDocuments()
	}

	newState := viewStateLocal
	if v.current && len(v.limboDocuments) == 0 {
		newState = viewStateSynced
	}
	stateChanged := newState != v.state
	v.state = newState

	if len(sorted) == 0 && !stateChanged {
		return nil, limboChanges
	}

	snapshot := &Snapshot{
		Query:            v.query,
		Documents:        v.documents.slice(),
		Changes:          sorted,
		FromCache:        newState == viewStateLocal,
		HasPendingWrites: len(v.mutatedKeys) > 0,
		SyncStateChanged: stateChanged,
	}

	return snapshot, limboChanges
}

// ApplyOnlineStateChange downgrades a current view when the client goes
// offline so listeners see results as cached again. The watch stream
// re-marks the target current once connectivity returns.
func (v *View) ApplyOnlineStateChange(state remote.OnlineState) *Snapshot {
	if !v.current || state != remote.OnlineStateOffline {
		return nil
	}
	v.current = false

	snapshot, _ := v.ApplyChanges(&ViewChanges{
		documents:   v.documents,
		changes:     newChangeSet(),
		mutatedKeys: v.mutatedKeys,
	}, nil, false)

	return snapshot
}

// InitialSnapshot synthesizes the snapshot a listener joining an
// established view receives: every current result as an addition.
func (v *View) InitialSnapshot() *Snapshot {
	docs := v.documents.slice()
	changes := make([]DocumentChange, len(docs))
	for i, doc := range docs {
		changes[i] = DocumentChange{Type: ChangeAdded, Document: doc}
	}

	return &Snapshot{
		Query:            v.query,
		Documents:        docs,
		Changes:          changes,
		FromCache:        v.state != viewStateSynced,
		HasPendingWrites: len(v.mutatedKeys) > 0,
		SyncStateChanged: true,
	}
}

// SyncedKeys returns the server-confirmed result keys. The map is the
// view's live state; callers must not mutate it.
func (v *View) SyncedKeys() map[key.Key]struct{} {
	return v.syncedDocuments
}

func (v *View) applyTargetChange(targetChange *remote.TargetChange) {
	if targetChange == nil {
		return
	}
	for k := range targetChange.AddedDocuments {
		v.syncedDocuments[k] = struct{}{}
	}
	for k := range targetChange.RemovedDocuments {
		delete(v.syncedDocuments, k)
	}
	v.current = targetChange.Current
}

// updateLimboDocuments recomputes which results are in limbo and diffs
// against the previous membership. Limbo is only decidable while the
// view is current: before that, missing server confirmations are
// expected. Additions come out in result order so limbo resolutions
// queue deterministically.
func (v *View) updateLimboDocuments() []LimboChange {
	if !v.current {
		return nil
	}

	old := v.limboDocuments
	v.limboDocuments = make(map[key.Key]struct{})

	var changes []LimboChange
	for _, doc := range v.documents.docs {
		if !v.shouldBeInLimbo(doc) {
			continue
		}
		k := doc.Key()
		v.limboDocuments[k] = struct{}{}
		if _, was := old[k]; !was {
			changes = append(changes, LimboChange{Key: k, Added: true})
		}
	}
	for k := range old {
		if _, ok := v.limboDocuments[k]; !ok {
			changes = append(changes, LimboChange{Key: k, Added: false})
		}
	}

	return changes
}

// shouldBeInLimbo reports whether a result's presence is unexplained:
// the server has not confirmed it and no pending write accounts for it.
func (v *View) shouldBeInLimbo(doc *document.Document) bool {
	if _, ok := v.syncedDocuments[doc.Key()]; ok {
		return false
	}

	return !doc.HasLocalMutations()
}

func cloneKeySet(set map[key.Key]struct{}) map[key.Key]struct{} {
	out := make(map[key.Key]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}

	return out
}
