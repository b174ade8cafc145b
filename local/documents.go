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
	"sort"
	"time"

	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/query"
)

// OverlayedDocument pairs the local view of a document with the mask of
// fields the pending batches mutated. A nil mask means a set or delete
// determined the whole document; an empty mask means no pending change.
type OverlayedDocument struct {
	Document      *document.Document
	MutatedFields *field.Mask
}

// DocumentsView computes what the app should see: the server-confirmed
// document with the net effect of pending local writes applied on top.
type DocumentsView struct {
	remoteDocuments RemoteDocumentCache
	mutations       MutationQueue
	overlays        OverlayCache
}

// NewDocumentsView creates a view over the given persistence facets.
func NewDocumentsView(p Persistence) *DocumentsView {
	return &DocumentsView{
		remoteDocuments: p.RemoteDocuments(),
		mutations:       p.Mutations(),
		overlays:        p.Overlays(),
	}
}

// GetDocument returns the local view of one document. The result is
// invalid when neither the cache nor a pending write knows the key.
func (v *DocumentsView) GetDocument(tx Transaction, k key.Key) (*document.Document, error) {
	overlay, hasOverlay, err := v.overlays.GetOverlay(tx, k)
	if err != nil {
		return nil, err
	}

	doc, err := v.remoteDocuments.GetEntry(tx, k)
	if err != nil {
		return nil, err
	}

	if hasOverlay {
		overlay.Mutation().ApplyToLocal(doc, nil, time.Now())
	}

	return doc, nil
}

// GetDocuments returns the local views of the given documents, invalid
// entries included.
func (v *DocumentsView) GetDocuments(tx Transaction, keys []key.Key) (map[key.Key]*document.Document, error) {
	docs, err := v.remoteDocuments.GetEntries(tx, keys)
	if err != nil {
		return nil, err
	}

	overlayed, err := v.GetLocalViewOfDocuments(tx, docs, nil)
	if err != nil {
		return nil, err
	}

	out := make(map[key.Key]*document.Document, len(overlayed))
	for k, od := range overlayed {
		out[k] = od.Document
	}

	return out, nil
}

// GetLocalViewOfDocuments applies the stored overlays to the given base
// documents in place. existenceChanged names documents whose remote
// existence flipped with the current event; their overlays are
// recomputed from the queue since a saved patch overlay may bake in
// values read from the previous state.
func (v *DocumentsView) GetLocalViewOfDocuments(
	tx Transaction,
	docs map[key.Key]*document.Document,
	existenceChanged map[key.Key]struct{},
) (map[key.Key]*OverlayedDocument, error) {
	keys := make([]key.Key, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	overlays, err := v.overlays.GetOverlays(tx, keys)
	if err != nil {
		return nil, err
	}

	recalculate := make(map[key.Key]*document.Document)
	out := make(map[key.Key]*OverlayedDocument, len(docs))
	for k, doc := range docs {
		overlay, hasOverlay := overlays[k]
		if _, changed := existenceChanged[k]; changed && (!hasOverlay || overlay.Mutation().Type() == mutation.TypePatch) {
			recalculate[k] = doc

			continue
		}

		if hasOverlay {
			m := overlay.Mutation()
			mask := maskOf(m)
			m.ApplyToLocal(doc, mask, time.Now())
			out[k] = &OverlayedDocument{Document: doc, MutatedFields: mask}

			continue
		}

		empty := field.NewMask()
		out[k] = &OverlayedDocument{Document: doc, MutatedFields: &empty}
	}

	masks, err := v.RecalculateAndSaveOverlays(tx, recalculate)
	if err != nil {
		return nil, err
	}
	for k, doc := range recalculate {
		out[k] = &OverlayedDocument{Document: doc, MutatedFields: masks[k]}
	}

	return out, nil
}

// maskOf returns the mutated-field mask an overlay mutation implies: the
// patch's own mask, or nil for whole-document mutations.
func maskOf(m mutation.Mutation) *field.Mask {
	if patch, ok := m.(*mutation.Patch); ok {
		mask := patch.Mask()

		return &mask
	}

	return nil
}

// RecalculateAndSaveOverlays recomputes the overlays of the given base
// documents by replaying every pending batch oldest to newest, stores
// the refreshed overlays and returns the mutated-field mask per key. The
// base documents end up holding the local views.
func (v *DocumentsView) RecalculateAndSaveOverlays(
	tx Transaction,
	docs map[key.Key]*document.Document,
) (map[key.Key]*field.Mask, error) {
	masks := make(map[key.Key]*field.Mask, len(docs))
	if len(docs) == 0 {
		return masks, nil
	}

	keys := make([]key.Key, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}

	batches, err := v.mutations.AllBatchesAffectingKeys(tx, keys)
	if err != nil {
		return nil, err
	}

	// newestBatchID tracks the last batch touching each key. Overlays are
	// stored under it so acknowledging that batch invalidates them.
	newestBatchID := make(map[key.Key]int64, len(docs))
	touched := make(map[key.Key]struct{}, len(docs))
	for _, batch := range batches {
		for k := range batch.Keys() {
			doc, ok := docs[k]
			if !ok {
				continue
			}
			mask, hasMask := masks[k]
			if !hasMask {
				empty := field.NewMask()
				mask = &empty
			}
			masks[k] = batch.ApplyToLocalView(doc, mask)
			newestBatchID[k] = batch.ID()
			touched[k] = struct{}{}
		}
	}

	// Group the refreshed overlays by the batch that owns them.
	byBatch := make(map[int64]map[key.Key]mutation.Mutation)
	for k := range touched {
		id := newestBatchID[k]
		group, ok := byBatch[id]
		if !ok {
			group = make(map[key.Key]mutation.Mutation)
			byBatch[id] = group
		}
		group[k] = mutation.CalculateOverlay(docs[k], masks[k])
	}

	ids := make([]int64, 0, len(byBatch))
	for id := range byBatch {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := v.overlays.SaveOverlays(tx, id, byBatch[id]); err != nil {
			return nil, err
		}
	}

	// Keys with no remaining batches carry no pending change.
	for k := range docs {
		if _, ok := touched[k]; !ok {
			empty := field.NewMask()
			masks[k] = &empty
		}
	}

	return masks, nil
}

// RecalculateAndSaveOverlaysForKeys is RecalculateAndSaveOverlays over
// the cached base revisions of the given keys.
func (v *DocumentsView) RecalculateAndSaveOverlaysForKeys(tx Transaction, keys []key.Key) error {
	docs, err := v.remoteDocuments.GetEntries(tx, keys)
	if err != nil {
		return err
	}
	_, err = v.RecalculateAndSaveOverlays(tx, docs)

	return err
}

// QueryContext carries read statistics across one query execution.
type QueryContext struct {
	// DocumentsScanned counts the cache documents inspected before
	// filtering.
	DocumentsScanned int
}

// GetDocumentsMatchingQuery returns the local views matching the query.
// sinceReadTime restricts the scan to documents read after it, with
// locally mutated documents always included; sinceBatchID restricts
// which overlays count as "locally mutated". Zero version and batch ID
// -1 scan everything. qctx, when non-nil, accumulates scan statistics.
func (v *DocumentsView) GetDocumentsMatchingQuery(
	tx Transaction,
	q query.Query,
	sinceReadTime document.Version,
	sinceBatchID int64,
	qctx *QueryContext,
) (map[key.Key]*document.Document, error) {
	if q.IsDocumentQuery() {
		return v.getDocumentsMatchingDocumentQuery(tx, q)
	}

	var overlays map[key.Key]mutation.Overlay
	var err error
	if group := q.CollectionGroup(); group != "" {
		overlays, err = v.overlays.GetOverlaysForCollectionGroup(tx, group, sinceBatchID)
	} else {
		overlays, err = v.overlays.GetOverlaysForCollection(tx, q.Path(), sinceBatchID)
	}
	if err != nil {
		return nil, err
	}

	mutatedKeys := make(map[key.Key]struct{}, len(overlays))
	for k := range overlays {
		mutatedKeys[k] = struct{}{}
	}

	docs, err := v.remoteDocuments.GetDocumentsMatchingQuery(tx, q, sinceReadTime, mutatedKeys)
	if err != nil {
		return nil, err
	}

	// Documents may match only because of their overlay, so every overlay
	// key joins the candidate set.
	for k := range overlays {
		if _, ok := docs[k]; !ok {
			docs[k] = document.NewInvalid(k)
		}
	}

	if qctx != nil {
		qctx.DocumentsScanned += len(docs)
	}

	results := make(map[key.Key]*document.Document)
	for k, doc := range docs {
		if overlay, ok := overlays[k]; ok {
			overlay.Mutation().ApplyToLocal(doc, nil, time.Now())
		}
		if q.Matches(doc) {
			results[k] = doc
		}
	}

	return results, nil
}

func (v *DocumentsView) getDocumentsMatchingDocumentQuery(tx Transaction, q query.Query) (map[key.Key]*document.Document, error) {
	k, err := key.FromString(q.Path())
	if err != nil {
		return nil, err
	}

	doc, err := v.GetDocument(tx, k)
	if err != nil {
		return nil, err
	}

	results := make(map[key.Key]*document.Document, 1)
	if doc.IsFound() {
		results[k] = doc
	}

	return results, nil
}
