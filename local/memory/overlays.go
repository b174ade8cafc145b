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

package memory

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
)

// overlayRecord holds the net local mutation of one document.
type overlayRecord struct {
	Key             string
	Collection      string
	CollectionGroup string
	BatchID         string

	Overlay mutation.Overlay
}

type overlayCache struct{}

// GetOverlay returns the overlay for the document and whether one
// exists.
func (c *overlayCache) GetOverlay(tx local.Transaction, k key.Key) (mutation.Overlay, bool, error) {
	t, err := txnOf(tx)
	if err != nil {
		return mutation.Overlay{}, false, err
	}

	raw, err := t.txn.First(tblOverlays, "id", k.String())
	if err != nil {
		return mutation.Overlay{}, false, fmt.Errorf("fetch overlay %s: %w", k, err)
	}
	if raw == nil {
		return mutation.Overlay{}, false, nil
	}

	return raw.(*overlayRecord).Overlay, true, nil
}

// GetOverlays returns the overlays for the given documents, keyed by
// document key.
func (c *overlayCache) GetOverlays(tx local.Transaction, keys []key.Key) (map[key.Key]mutation.Overlay, error) {
	out := make(map[key.Key]mutation.Overlay, len(keys))
	for _, k := range keys {
		overlay, ok, err := c.GetOverlay(tx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = overlay
		}
	}

	return out, nil
}

// SaveOverlays stores one overlay per document, replacing existing ones.
// A nil mutation removes the document's overlay.
func (c *overlayCache) SaveOverlays(tx local.Transaction, largestBatchID int64, overlays map[key.Key]mutation.Mutation) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	for k, m := range overlays {
		if m == nil {
			if _, err := t.txn.DeleteAll(tblOverlays, "id", k.String()); err != nil {
				return fmt.Errorf("delete overlay %s: %w", k, err)
			}

			continue
		}

		record := &overlayRecord{
			Key:             k.String(),
			Collection:      k.CollectionPath(),
			CollectionGroup: k.CollectionID(),
			BatchID:         padID(largestBatchID),
			Overlay:         mutation.NewOverlay(largestBatchID, m),
		}
		if err := t.txn.Insert(tblOverlays, record); err != nil {
			return fmt.Errorf("insert overlay %s: %w", k, err)
		}
	}

	return nil
}

// RemoveOverlaysForBatchID drops every overlay whose largest batch ID is
// the given one.
func (c *overlayCache) RemoveOverlaysForBatchID(tx local.Transaction, batchID int64) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	if _, err := t.txn.DeleteAll(tblOverlays, "batch_id", padID(batchID)); err != nil {
		return fmt.Errorf("delete overlays of batch %d: %w", batchID, err)
	}

	return nil
}

// GetOverlaysForCollection returns the overlays of documents directly in
// the collection whose largest batch ID is greater than sinceBatchID.
func (c *overlayCache) GetOverlaysForCollection(
	tx local.Transaction,
	collectionPath string,
	sinceBatchID int64,
) (map[key.Key]mutation.Overlay, error) {
	return c.overlaysSince(tx, "collection", collectionPath, sinceBatchID)
}

// GetOverlaysForCollectionGroup returns the overlays of documents in any
// collection with the given ID whose largest batch ID is greater than
// sinceBatchID.
func (c *overlayCache) GetOverlaysForCollectionGroup(
	tx local.Transaction,
	collectionGroup string,
	sinceBatchID int64,
) (map[key.Key]mutation.Overlay, error) {
	return c.overlaysSince(tx, "collection_group", collectionGroup, sinceBatchID)
}

func (c *overlayCache) overlaysSince(
	tx local.Transaction,
	index, value string,
	sinceBatchID int64,
) (map[key.Key]mutation.Overlay, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	var it memdb.ResultIterator
	it, err = t.txn.Get(tblOverlays, index, value)
	if err != nil {
		return nil, fmt.Errorf("scan overlays by %s: %w", index, err)
	}

	out := make(map[key.Key]mutation.Overlay)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		record := raw.(*overlayRecord)
		if record.Overlay.LargestBatchID() <= sinceBatchID {
			continue
		}
		out[record.Overlay.Key()] = record.Overlay
	}

	return out, nil
}
