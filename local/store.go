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
	"context"
	"time"

	"github.com/wallaby-db/wallaby/logging"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/pkg/errors"
	"github.com/wallaby-db/wallaby/query"
	"github.com/wallaby-db/wallaby/remote"
)

// resumeTokenMaxAge bounds how stale a persisted resume token may grow
// before a token-only target change is persisted anyway. Restarting from
// a fresher token costs the server less re-delivery.
const resumeTokenMaxAge = 5 * time.Minute

// QueryResult is the outcome of executing a query against the caches.
type QueryResult struct {
	// Documents holds the matching local views.
	Documents map[key.Key]*document.Document

	// RemoteKeys holds the keys the server confirmed for the query's
	// target as of the last remote snapshot.
	RemoteKeys map[key.Key]struct{}
}

// ViewChange reports how an in-memory query view changed after an event,
// so the store can track which documents views still reference and at
// which snapshot a view last had no limbo documents.
type ViewChange struct {
	TargetID  int32
	FromCache bool
	Added     map[key.Key]struct{}
	Removed   map[key.Key]struct{}
}

// GCStats reports what one garbage collection pass removed.
type GCStats struct {
	TargetsRemoved   int
	DocumentsRemoved int
}

// FieldIndexSpec names one field index to keep: a collection group and
// the indexed field.
type FieldIndexSpec struct {
	CollectionGroup string
	Path            field.Path
}

// Store is the single source of truth for what the application should
// see: server-confirmed documents merged with locally queued mutations.
// Every operation runs in one persistence transaction, so partial state
// never becomes visible.
//
// Store is not safe for concurrent use. The owner serializes access
// through its operation queue.
type Store struct {
	logger      logging.Logger
	persistence Persistence

	remoteDocuments RemoteDocumentCache
	mutations       MutationQueue
	overlays        OverlayCache
	targets         TargetCache
	indexes         IndexManager

	view   *DocumentsView
	engine *QueryEngine

	// targetData mirrors the persisted state of the active targets.
	// Tracked targets accept remote events; released ones drop them.
	targetData      map[int32]TargetData
	targetIDByQuery map[string]int32

	// viewReferences holds the documents each active view currently
	// shows, pinning them against garbage collection.
	viewReferences map[int32]map[key.Key]struct{}
}

// NewStore creates a store over the given persistence.
func NewStore(p Persistence) *Store {
	view := NewDocumentsView(p)

	return &Store{
		logger:          logging.New("localstore"),
		persistence:     p,
		remoteDocuments: p.RemoteDocuments(),
		mutations:       p.Mutations(),
		overlays:        p.Overlays(),
		targets:         p.Targets(),
		indexes:         p.Indexes(),
		view:            view,
		engine:          NewQueryEngine(p, view),
		targetData:      make(map[int32]TargetData),
		targetIDByQuery: make(map[string]int32),
		viewReferences:  make(map[int32]map[key.Key]struct{}),
	}
}

// WriteLocally stores the mutations as one batch, refreshes the affected
// overlays and returns the batch with the resulting local views.
func (s *Store) WriteLocally(ctx context.Context, muts []mutation.Mutation) (*mutation.Batch, map[key.Key]*document.Document, error) {
	localWriteTime := time.Now()

	keys := make([]key.Key, 0, len(muts))
	seen := make(map[key.Key]struct{}, len(muts))
	for _, m := range muts {
		if _, ok := seen[m.Key()]; ok {
			continue
		}
		seen[m.Key()] = struct{}{}
		keys = append(keys, m.Key())
	}

	var batch *mutation.Batch
	changes := make(map[key.Key]*document.Document, len(keys))
	err := s.persistence.RunTransaction(ctx, "write locally", ReadWrite, func(tx Transaction) error {
		base, err := s.remoteDocuments.GetEntries(tx, keys)
		if err != nil {
			return err
		}

		// Documents the server has never confirmed get whole-document
		// overlays, so the set/delete alone reproduces them.
		withoutRemoteVersion := make(map[key.Key]struct{})
		for k, doc := range base {
			if !doc.IsValid() {
				withoutRemoteVersion[k] = struct{}{}
			}
		}

		overlayed, err := s.view.GetLocalViewOfDocuments(tx, base, nil)
		if err != nil {
			return err
		}

		// Transforms such as increments read the document they apply to.
		// Capture that base state so replaying the batch after an
		// acknowledgement lands on the same result.
		var baseMutations []mutation.Mutation
		for _, m := range muts {
			if bm, ok := mutation.ExtractBaseMutation(m, overlayed[m.Key()].Document); ok {
				baseMutations = append(baseMutations, bm)
			}
		}

		batch, err = s.mutations.AddBatch(tx, localWriteTime, baseMutations, muts)
		if err != nil {
			return err
		}

		overlays := make(map[key.Key]mutation.Mutation, len(keys))
		for k := range batch.Keys() {
			od := overlayed[k]
			mask := batch.ApplyToLocalView(od.Document, od.MutatedFields)
			if _, ok := withoutRemoteVersion[k]; ok {
				mask = nil
			}
			if overlay := mutation.CalculateOverlay(od.Document, mask); overlay != nil {
				overlays[k] = overlay
			}
			if !od.Document.IsValid() {
				od.Document.ConvertToMissing(document.Version{})
			}
		}
		if err := s.overlays.SaveOverlays(tx, batch.ID(), overlays); err != nil {
			return err
		}

		for k, od := range overlayed {
			changes[k] = od.Document
		}

		return s.indexes.UpdateIndexEntries(tx, changes)
	})
	if err != nil {
		return nil, nil, err
	}

	return batch, changes, nil
}

// ApplyRemoteEvent folds one consolidated watch snapshot into the caches:
// target membership and resume tokens, document revisions, the global
// remote version, and the local views of everything that changed.
func (s *Store) ApplyRemoteEvent(ctx context.Context, event *remote.RemoteEvent) (map[key.Key]*document.Document, error) {
	remoteVersion := event.SnapshotVersion

	var changes map[key.Key]*document.Document
	updatedTargets := make(map[int32]TargetData)
	err := s.persistence.RunTransaction(ctx, "apply remote event", ReadWrite, func(tx Transaction) error {
		for targetID, change := range event.TargetChanges {
			old, tracked := s.targetData[targetID]
			if !tracked {
				// Changes for released targets arrive late; drop them.
				continue
			}

			if err := s.targets.RemoveMatchingKeys(tx, change.RemovedDocuments, targetID); err != nil {
				return err
			}
			if err := s.targets.AddMatchingKeys(tx, change.AddedDocuments, targetID); err != nil {
				return err
			}

			seq, err := s.targets.NextSequenceNumber(tx)
			if err != nil {
				return err
			}
			updated := old.WithSequenceNumber(seq)
			if _, mismatched := event.TargetMismatches[targetID]; mismatched {
				// The server contradicted the local mapping. Resuming from
				// the stored token would re-converge on the same bad state.
				updated = updated.
					WithResumeToken(nil, document.Version{}).
					WithLastLimboFreeSnapshotVersion(document.Version{})
			} else if len(change.ResumeToken) > 0 {
				updated = updated.WithResumeToken(change.ResumeToken, remoteVersion)
			}

			updatedTargets[targetID] = updated
			if shouldPersistTargetData(old, updated, change) {
				if err := s.targets.UpdateTarget(tx, updated); err != nil {
					return err
				}
			}
		}

		changed, existenceChanged, err := s.applyDocumentUpdates(tx, event.DocumentUpdates, remoteVersion)
		if err != nil {
			return err
		}

		if !remoteVersion.IsZero() {
			last, err := s.targets.LastRemoteVersion(tx)
			if err != nil {
				return err
			}
			if remoteVersion.Compare(last) >= 0 {
				if err := s.targets.SetLastRemoteVersion(tx, remoteVersion); err != nil {
					return err
				}
			}
		}

		views, err := s.view.GetLocalViewOfDocuments(tx, changed, existenceChanged)
		if err != nil {
			return err
		}
		changes = make(map[key.Key]*document.Document, len(views))
		for k, od := range views {
			changes[k] = od.Document
		}

		return s.indexes.UpdateIndexEntries(tx, changes)
	})
	if err != nil {
		return nil, err
	}

	for targetID, data := range updatedTargets {
		s.targetData[targetID] = data
	}

	return changes, nil
}

// applyDocumentUpdates merges the delivered revisions into the document
// cache. The remote version wins unless it is older than the cached one;
// equal versions re-apply only over pending writes, so acknowledgements
// settle. Missing documents delivered without a version carry no server
// revision to keep and drop the cache entry instead.
func (s *Store) applyDocumentUpdates(
	tx Transaction,
	updates map[key.Key]*document.Document,
	readTime document.Version,
) (map[key.Key]*document.Document, map[key.Key]struct{}, error) {
	keys := make([]key.Key, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	existing, err := s.remoteDocuments.GetEntries(tx, keys)
	if err != nil {
		return nil, nil, err
	}

	changed := make(map[key.Key]*document.Document, len(updates))
	existenceChanged := make(map[key.Key]struct{})
	for k, doc := range updates {
		old := existing[k]
		if doc.IsFound() != old.IsFound() {
			existenceChanged[k] = struct{}{}
		}

		switch {
		case doc.IsMissing() && doc.Version().IsZero():
			if err := s.remoteDocuments.RemoveEntry(tx, k); err != nil {
				return nil, nil, err
			}
			changed[k] = doc
		case !old.IsValid() ||
			doc.Version().After(old.Version()) ||
			(doc.Version().Compare(old.Version()) == 0 && old.HasPendingWrites()):
			if err := s.remoteDocuments.SetEntry(tx, doc, readTime); err != nil {
				return nil, nil, err
			}
			changed[k] = doc
		default:
			s.logger.Debugf(
				"LOCAL: %s: ignoring outdated update (cached %s, delivered %s)",
				k, old.Version(), doc.Version(),
			)
		}
	}

	return changed, existenceChanged, nil
}

// shouldPersistTargetData says whether a target change is worth a write.
// Token-only changes are skipped until the stored token ages out, since
// re-listening with a slightly stale token is cheap.
func shouldPersistTargetData(old, updated TargetData, change *remote.TargetChange) bool {
	if len(old.ResumeToken()) == 0 {
		return true
	}
	if updated.SnapshotVersion().Micros()-old.SnapshotVersion().Micros() >= resumeTokenMaxAge.Microseconds() {
		return true
	}

	return len(change.AddedDocuments)+len(change.ModifiedDocuments)+len(change.RemovedDocuments) > 0
}

// AcknowledgeBatch folds an acknowledged batch's effect permanently into
// the document cache, drops the batch and its overlays, and returns the
// resulting local views of the documents it touched.
func (s *Store) AcknowledgeBatch(ctx context.Context, result *mutation.BatchResult) (map[key.Key]*document.Document, error) {
	var changes map[key.Key]*document.Document
	err := s.persistence.RunTransaction(ctx, "acknowledge batch", ReadWrite, func(tx Transaction) error {
		batch := result.Batch()
		if err := s.applyWriteToRemoteDocuments(tx, result); err != nil {
			return err
		}
		if err := s.mutations.SetLastStreamToken(tx, result.StreamToken()); err != nil {
			return err
		}
		if err := s.overlays.RemoveOverlaysForBatchID(tx, batch.ID()); err != nil {
			return err
		}
		// Overlays of documents the server transformed may bake in values
		// that no longer match the acknowledged state.
		if err := s.view.RecalculateAndSaveOverlaysForKeys(tx, keysWithTransformResults(result)); err != nil {
			return err
		}

		docs, err := s.view.GetDocuments(tx, keySlice(batch.Keys()))
		if err != nil {
			return err
		}
		changes = docs

		return s.indexes.UpdateIndexEntries(tx, changes)
	})
	if err != nil {
		return nil, err
	}

	return changes, nil
}

// applyWriteToRemoteDocuments merges the acknowledged outcome of each
// mutation into the document cache and removes the batch.
func (s *Store) applyWriteToRemoteDocuments(tx Transaction, result *mutation.BatchResult) error {
	batch := result.Batch()

	ackVersions := make(map[key.Key]document.Version, len(batch.Mutations()))
	for i, m := range batch.Mutations() {
		if i < len(result.Results()) {
			ackVersions[m.Key()] = result.Results()[i].Version
		}
	}

	for k := range batch.Keys() {
		doc, err := s.remoteDocuments.GetEntry(tx, k)
		if err != nil {
			return err
		}
		ackVersion, ok := ackVersions[k]
		if !ok {
			return errors.Internal("batch result missing a document version")
		}

		// A watch update at or past the acknowledged version already
		// delivered the committed state.
		if doc.Version().Compare(ackVersion) >= 0 {
			continue
		}

		batch.ApplyToRemoteDocument(doc, result)
		if doc.IsValid() {
			// The commit version serves as the read time; deleted
			// documents carry no usable update time of their own.
			if err := s.remoteDocuments.SetEntry(tx, doc, result.CommitVersion()); err != nil {
				return err
			}
		}
	}

	return s.mutations.RemoveBatch(tx, batch)
}

func keysWithTransformResults(result *mutation.BatchResult) []key.Key {
	var keys []key.Key
	seen := make(map[key.Key]struct{})
	muts := result.Batch().Mutations()
	for i, r := range result.Results() {
		if len(r.TransformResults) == 0 || i >= len(muts) {
			continue
		}
		k := muts[i].Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	return keys
}

// RejectBatch discards a rejected batch without touching the document
// cache, recomputes the overlays it contributed to and returns the
// resulting local views. Later batches stay queued untouched.
func (s *Store) RejectBatch(ctx context.Context, batchID int64) (map[key.Key]*document.Document, error) {
	var changes map[key.Key]*document.Document
	err := s.persistence.RunTransaction(ctx, "reject batch", ReadWrite, func(tx Transaction) error {
		batch, err := s.mutations.LookupBatch(tx, batchID)
		if err != nil {
			return err
		}
		if batch == nil {
			return ErrBatchNotFound
		}

		if err := s.mutations.RemoveBatch(tx, batch); err != nil {
			return err
		}
		if err := s.overlays.RemoveOverlaysForBatchID(tx, batchID); err != nil {
			return err
		}

		affected := keySlice(batch.Keys())
		if err := s.view.RecalculateAndSaveOverlaysForKeys(tx, affected); err != nil {
			return err
		}

		docs, err := s.view.GetDocuments(tx, affected)
		if err != nil {
			return err
		}
		changes = docs

		return s.indexes.UpdateIndexEntries(tx, changes)
	})
	if err != nil {
		return nil, err
	}

	return changes, nil
}

// GetHighestUnacknowledgedBatchID returns the largest queued batch ID,
// or -1 when no writes are pending.
func (s *Store) GetHighestUnacknowledgedBatchID(ctx context.Context) (int64, error) {
	var batchID int64
	err := s.persistence.RunTransaction(ctx, "get highest batch id", ReadOnly, func(tx Transaction) error {
		id, err := s.mutations.HighestUnacknowledgedBatchID(tx)
		if err != nil {
			return err
		}
		batchID = id

		return nil
	})
	if err != nil {
		return 0, err
	}

	return batchID, nil
}

// HighestListenSequenceNumber returns the highest listen sequence number
// reserved so far. Garbage collection horizons are computed against it.
func (s *Store) HighestListenSequenceNumber(ctx context.Context) (int64, error) {
	var seq int64
	err := s.persistence.RunTransaction(ctx, "highest sequence number", ReadOnly, func(tx Transaction) error {
		n, err := s.targets.HighestSequenceNumber(tx)
		if err != nil {
			return err
		}
		seq = n

		return nil
	})
	if err != nil {
		return 0, err
	}

	return seq, nil
}

// NextMutationBatch returns the first queued batch after the given ID,
// or nil when none remains.
func (s *Store) NextMutationBatch(ctx context.Context, afterBatchID int64) (*mutation.Batch, error) {
	var batch *mutation.Batch
	err := s.persistence.RunTransaction(ctx, "next mutation batch", ReadOnly, func(tx Transaction) error {
		b, err := s.mutations.NextBatchAfter(tx, afterBatchID)
		if err != nil {
			return err
		}
		batch = b

		return nil
	})
	if err != nil {
		return nil, err
	}

	return batch, nil
}

// LastStreamToken returns the persisted write stream token.
func (s *Store) LastStreamToken(ctx context.Context) ([]byte, error) {
	var token []byte
	err := s.persistence.RunTransaction(ctx, "last stream token", ReadOnly, func(tx Transaction) error {
		t, err := s.mutations.LastStreamToken(tx)
		if err != nil {
			return err
		}
		token = t

		return nil
	})
	if err != nil {
		return nil, err
	}

	return token, nil
}

// LastRemoteVersion returns the snapshot version of the last consistent
// remote event.
func (s *Store) LastRemoteVersion(ctx context.Context) (document.Version, error) {
	var version document.Version
	err := s.persistence.RunTransaction(ctx, "last remote version", ReadOnly, func(tx Transaction) error {
		v, err := s.targets.LastRemoteVersion(tx)
		if err != nil {
			return err
		}
		version = v

		return nil
	})
	if err != nil {
		return document.Version{}, err
	}

	return version, nil
}

// ReadDocument returns the current local view of one document.
func (s *Store) ReadDocument(ctx context.Context, k key.Key) (*document.Document, error) {
	var doc *document.Document
	err := s.persistence.RunTransaction(ctx, "read document", ReadOnly, func(tx Transaction) error {
		d, err := s.view.GetDocument(tx, k)
		if err != nil {
			return err
		}
		doc = d

		return nil
	})
	if err != nil {
		return nil, err
	}

	return doc, nil
}

// AllocateTarget returns the persisted target state for the query,
// creating it when the canonical target is seen for the first time. The
// target is tracked as active until released.
func (s *Store) AllocateTarget(ctx context.Context, q query.Query) (TargetData, error) {
	var data TargetData
	err := s.persistence.RunTransaction(ctx, "allocate target", ReadWrite, func(tx Transaction) error {
		cached, ok, err := s.targets.GetTarget(tx, q)
		if err != nil {
			return err
		}
		if ok {
			data = cached

			return nil
		}

		targetID, err := s.targets.AllocateTargetID(tx)
		if err != nil {
			return err
		}
		seq, err := s.targets.NextSequenceNumber(tx)
		if err != nil {
			return err
		}
		data = NewTargetData(q, targetID, seq, PurposeListen)

		return s.targets.AddTarget(tx, data)
	})
	if err != nil {
		return TargetData{}, err
	}

	s.targetData[data.TargetID()] = data
	s.targetIDByQuery[q.CanonicalID()] = data.TargetID()

	return data, nil
}

// ReleaseTarget stops tracking the target. Its persisted state stays so
// a later listen resumes from the stored token; garbage collection
// removes it once it falls behind the horizon.
func (s *Store) ReleaseTarget(ctx context.Context, targetID int32) error {
	data, ok := s.targetData[targetID]
	if !ok {
		return ErrTargetNotFound
	}

	err := s.persistence.RunTransaction(ctx, "release target", ReadWrite, func(tx Transaction) error {
		seq, err := s.targets.NextSequenceNumber(tx)
		if err != nil {
			return err
		}

		return s.targets.UpdateTarget(tx, data.WithSequenceNumber(seq))
	})
	if err != nil {
		return err
	}

	delete(s.targetData, targetID)
	delete(s.targetIDByQuery, data.Target().CanonicalID())
	delete(s.viewReferences, targetID)

	return nil
}

// ExecuteQuery runs the query against the caches. usePreviousResults
// lets the engine serve from the target's last results when they are
// still trustworthy.
func (s *Store) ExecuteQuery(ctx context.Context, q query.Query, usePreviousResults bool) (QueryResult, error) {
	var result QueryResult
	err := s.persistence.RunTransaction(ctx, "execute query", ReadOnly, func(tx Transaction) error {
		lastLimboFree := document.Version{}
		remoteKeys := make(map[key.Key]struct{})

		data, ok, err := s.getTargetData(tx, q)
		if err != nil {
			return err
		}
		if ok {
			lastLimboFree = data.LastLimboFreeSnapshotVersion()
			remoteKeys, err = s.targets.MatchingKeys(tx, data.TargetID())
			if err != nil {
				return err
			}
		}

		engineLimboFree := lastLimboFree
		engineKeys := remoteKeys
		if !usePreviousResults {
			engineLimboFree = document.Version{}
			engineKeys = nil
		}
		docs, err := s.engine.GetDocumentsMatchingQuery(tx, q, engineLimboFree, engineKeys)
		if err != nil {
			return err
		}
		result = QueryResult{Documents: docs, RemoteKeys: remoteKeys}

		return nil
	})
	if err != nil {
		return QueryResult{}, err
	}

	return result, nil
}

func (s *Store) getTargetData(tx Transaction, q query.Query) (TargetData, bool, error) {
	if targetID, ok := s.targetIDByQuery[q.CanonicalID()]; ok {
		return s.targetData[targetID], true, nil
	}

	return s.targets.GetTarget(tx, q)
}

// NotifyLocalViewChanges records which documents the active views now
// show and, for views served without cache staleness, marks the target
// limbo free at its current snapshot so later executions may reuse its
// results.
func (s *Store) NotifyLocalViewChanges(ctx context.Context, changes []ViewChange) error {
	updatedTargets := make(map[int32]TargetData)
	err := s.persistence.RunTransaction(ctx, "notify local view changes", ReadWrite, func(tx Transaction) error {
		for _, vc := range changes {
			if vc.FromCache {
				continue
			}
			data, ok := s.targetData[vc.TargetID]
			if !ok {
				continue
			}

			updated := data.WithLastLimboFreeSnapshotVersion(data.SnapshotVersion())
			if err := s.targets.UpdateTarget(tx, updated); err != nil {
				return err
			}
			updatedTargets[vc.TargetID] = updated
		}

		return nil
	})
	if err != nil {
		return err
	}

	for targetID, data := range updatedTargets {
		s.targetData[targetID] = data
	}

	for _, vc := range changes {
		refs := s.viewReferences[vc.TargetID]
		if refs == nil {
			refs = make(map[key.Key]struct{})
			s.viewReferences[vc.TargetID] = refs
		}
		for k := range vc.Added {
			refs[k] = struct{}{}
		}
		for k := range vc.Removed {
			delete(refs, k)
		}
	}

	return nil
}

// ConfigureFieldIndexes makes the stored index set equal to specs:
// missing indexes are created, indexes no longer named are dropped.
// Entries of freshly created indexes are refreshed to the local views of
// locally mutated documents, so pending writes stay queryable.
func (s *Store) ConfigureFieldIndexes(ctx context.Context, specs []FieldIndexSpec) error {
	return s.persistence.RunTransaction(ctx, "configure field indexes", ReadWrite, func(tx Transaction) error {
		existing, err := s.indexes.FieldIndexes(tx, "")
		if err != nil {
			return err
		}

		type indexName struct {
			group string
			path  string
		}
		wanted := make(map[indexName]FieldIndexSpec, len(specs))
		for _, spec := range specs {
			wanted[indexName{spec.CollectionGroup, spec.Path.String()}] = spec
		}

		for _, idx := range existing {
			name := indexName{idx.CollectionGroup, idx.Path.String()}
			if _, ok := wanted[name]; ok {
				delete(wanted, name)

				continue
			}
			if err := s.indexes.DeleteFieldIndex(tx, idx.ID); err != nil {
				return err
			}
		}

		groups := make(map[string]struct{})
		for _, spec := range wanted {
			if _, err := s.indexes.AddFieldIndex(tx, spec.CollectionGroup, spec.Path); err != nil {
				return err
			}
			groups[spec.CollectionGroup] = struct{}{}
		}

		for group := range groups {
			overlays, err := s.overlays.GetOverlaysForCollectionGroup(tx, group, -1)
			if err != nil {
				return err
			}
			if len(overlays) == 0 {
				continue
			}
			keys := make([]key.Key, 0, len(overlays))
			for k := range overlays {
				keys = append(keys, k)
			}
			docs, err := s.view.GetDocuments(tx, keys)
			if err != nil {
				return err
			}
			if err := s.indexes.UpdateIndexEntries(tx, docs); err != nil {
				return err
			}
		}

		return nil
	})
}

// CollectGarbage removes released targets last used at or before the
// sequence horizon, then evicts cached documents that no remaining
// target holds, no pending mutation touches, no view shows, no caller
// pin names, and whose read time lies before the read time horizon.
func (s *Store) CollectGarbage(
	ctx context.Context,
	activeTargets map[int32]struct{},
	pinned map[key.Key]struct{},
	sequenceHorizon int64,
	readTimeHorizon document.Version,
) (GCStats, error) {
	var stats GCStats
	err := s.persistence.RunTransaction(ctx, "collect garbage", ReadWrite, func(tx Transaction) error {
		stats = GCStats{}

		var stale []int32
		err := s.targets.ForEachTarget(tx, func(data TargetData) error {
			if _, active := activeTargets[data.TargetID()]; active {
				return nil
			}
			if data.SequenceNumber() > sequenceHorizon {
				return nil
			}
			stale = append(stale, data.TargetID())

			return nil
		})
		if err != nil {
			return err
		}
		for _, targetID := range stale {
			if err := s.targets.RemoveTarget(tx, targetID); err != nil {
				return err
			}
		}
		stats.TargetsRemoved = len(stale)

		batches, err := s.mutations.AllBatches(tx)
		if err != nil {
			return err
		}
		mutated := make(map[key.Key]struct{})
		for _, b := range batches {
			for k := range b.Keys() {
				mutated[k] = struct{}{}
			}
		}

		viewPins := make(map[key.Key]struct{})
		for _, refs := range s.viewReferences {
			for k := range refs {
				viewPins[k] = struct{}{}
			}
		}

		var evict []key.Key
		err = s.remoteDocuments.ForEachEntry(tx, func(doc *document.Document, readTime document.Version) error {
			k := doc.Key()
			if readTime.Compare(readTimeHorizon) >= 0 {
				return nil
			}
			if _, ok := pinned[k]; ok {
				return nil
			}
			if _, ok := viewPins[k]; ok {
				return nil
			}
			if _, ok := mutated[k]; ok {
				return nil
			}
			held, err := s.targets.ContainsKey(tx, k)
			if err != nil {
				return err
			}
			if held {
				return nil
			}
			evict = append(evict, k)

			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range evict {
			if err := s.remoteDocuments.RemoveEntry(tx, k); err != nil {
				return err
			}
		}
		stats.DocumentsRemoved = len(evict)

		return nil
	})
	if err != nil {
		return GCStats{}, err
	}

	if stats.TargetsRemoved > 0 || stats.DocumentsRemoved > 0 {
		s.logger.Infof(
			"garbage collection removed %d targets and %d documents",
			stats.TargetsRemoved, stats.DocumentsRemoved,
		)
	}

	return stats, nil
}

func keySlice(keys map[key.Key]struct{}) []key.Key {
	out := make([]key.Key, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}

	return out
}
