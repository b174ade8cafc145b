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

	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/query"
)

// targetRecord holds the persisted state of one watch target. TargetData
// is an immutable value, so the record shares it.
type targetRecord struct {
	ID          string
	CanonicalID string

	Data local.TargetData
}

// targetDocumentRecord marks that a target holds a document.
type targetDocumentRecord struct {
	TargetID string
	DocKey   string
}

type targetCache struct{}

// AllocateTargetID reserves the next target ID. IDs step by two so the
// odd space stays free for synthetic targets that never touch storage.
func (c *targetCache) AllocateTargetID(tx local.Transaction) (int32, error) {
	t, err := txnOf(tx)
	if err != nil {
		return 0, err
	}

	meta, err := updateMetadata(t.txn, func(meta *metadataRecord) {
		meta.HighestTargetID += 2
	})
	if err != nil {
		return 0, err
	}

	return meta.HighestTargetID, nil
}

// NextSequenceNumber reserves the next listen sequence number.
func (c *targetCache) NextSequenceNumber(tx local.Transaction) (int64, error) {
	t, err := txnOf(tx)
	if err != nil {
		return 0, err
	}

	meta, err := updateMetadata(t.txn, func(meta *metadataRecord) {
		meta.HighestSequenceNumber++
	})
	if err != nil {
		return 0, err
	}

	return meta.HighestSequenceNumber, nil
}

// HighestSequenceNumber returns the highest reserved listen sequence
// number without advancing it.
func (c *targetCache) HighestSequenceNumber(tx local.Transaction) (int64, error) {
	t, err := txnOf(tx)
	if err != nil {
		return 0, err
	}

	meta, err := getMetadata(t.txn)
	if err != nil {
		return 0, err
	}

	return meta.HighestSequenceNumber, nil
}

// AddTarget stores a newly allocated target.
func (c *targetCache) AddTarget(tx local.Transaction, data local.TargetData) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	return insertTarget(t, data)
}

// UpdateTarget overwrites the stored state of a target.
func (c *targetCache) UpdateTarget(tx local.Transaction, data local.TargetData) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	raw, err := t.txn.First(tblTargets, "id", padID(int64(data.TargetID())))
	if err != nil {
		return fmt.Errorf("fetch target %d: %w", data.TargetID(), err)
	}
	if raw == nil {
		return local.ErrTargetNotFound
	}

	return insertTarget(t, data)
}

func insertTarget(t *transaction, data local.TargetData) error {
	record := &targetRecord{
		ID:          padID(int64(data.TargetID())),
		CanonicalID: data.Target().CanonicalID(),
		Data:        data,
	}
	if err := t.txn.Insert(tblTargets, record); err != nil {
		return fmt.Errorf("insert target %d: %w", data.TargetID(), err)
	}

	return nil
}

// RemoveTarget drops a target and its matching keys.
func (c *targetCache) RemoveTarget(tx local.Transaction, targetID int32) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	id := padID(int64(targetID))
	removed, err := t.txn.DeleteAll(tblTargets, "id", id)
	if err != nil {
		return fmt.Errorf("delete target %d: %w", targetID, err)
	}
	if removed == 0 {
		return local.ErrTargetNotFound
	}

	if _, err := t.txn.DeleteAll(tblTargetDocuments, "target_id", id); err != nil {
		return fmt.Errorf("delete target membership %d: %w", targetID, err)
	}

	return nil
}

// GetTarget returns the stored target watching the given query, and
// whether one exists.
func (c *targetCache) GetTarget(tx local.Transaction, q query.Query) (local.TargetData, bool, error) {
	t, err := txnOf(tx)
	if err != nil {
		return local.TargetData{}, false, err
	}

	canonicalID := q.CanonicalID()
	it, err := t.txn.Get(tblTargets, "canonical_id", canonicalID)
	if err != nil {
		return local.TargetData{}, false, fmt.Errorf("fetch target for %s: %w", canonicalID, err)
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		record := raw.(*targetRecord)
		if record.Data.Target().CanonicalID() == canonicalID {
			return record.Data, true, nil
		}
	}

	return local.TargetData{}, false, nil
}

// GetTargetByID returns the stored target with the given ID, and whether
// one exists.
func (c *targetCache) GetTargetByID(tx local.Transaction, targetID int32) (local.TargetData, bool, error) {
	t, err := txnOf(tx)
	if err != nil {
		return local.TargetData{}, false, err
	}

	raw, err := t.txn.First(tblTargets, "id", padID(int64(targetID)))
	if err != nil {
		return local.TargetData{}, false, fmt.Errorf("fetch target %d: %w", targetID, err)
	}
	if raw == nil {
		return local.TargetData{}, false, nil
	}

	return raw.(*targetRecord).Data, true, nil
}

// AddMatchingKeys records that the documents belong to the target.
func (c *targetCache) AddMatchingKeys(tx local.Transaction, keys map[key.Key]struct{}, targetID int32) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	id := padID(int64(targetID))
	for k := range keys {
		record := &targetDocumentRecord{TargetID: id, DocKey: k.String()}
		if err := t.txn.Insert(tblTargetDocuments, record); err != nil {
			return fmt.Errorf("insert target membership %s: %w", k, err)
		}
	}

	return nil
}

// RemoveMatchingKeys records that the documents left the target.
func (c *targetCache) RemoveMatchingKeys(tx local.Transaction, keys map[key.Key]struct{}, targetID int32) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	id := padID(int64(targetID))
	for k := range keys {
		if _, err := t.txn.DeleteAll(tblTargetDocuments, "id", id, k.String()); err != nil {
			return fmt.Errorf("delete target membership %s: %w", k, err)
		}
	}

	return nil
}

// RemoveMatchingKeysForTarget drops every document membership of the
// target.
func (c *targetCache) RemoveMatchingKeysForTarget(tx local.Transaction, targetID int32) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	if _, err := t.txn.DeleteAll(tblTargetDocuments, "target_id", padID(int64(targetID))); err != nil {
		return fmt.Errorf("delete target membership %d: %w", targetID, err)
	}

	return nil
}

// MatchingKeys returns the documents currently belonging to the target.
func (c *targetCache) MatchingKeys(tx local.Transaction, targetID int32) (map[key.Key]struct{}, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	it, err := t.txn.Get(tblTargetDocuments, "target_id", padID(int64(targetID)))
	if err != nil {
		return nil, fmt.Errorf("scan target membership %d: %w", targetID, err)
	}

	out := make(map[key.Key]struct{})
	for raw := it.Next(); raw != nil; raw = it.Next() {
		k, err := key.FromString(raw.(*targetDocumentRecord).DocKey)
		if err != nil {
			return nil, err
		}
		out[k] = struct{}{}
	}

	return out, nil
}

// ContainsKey reports whether any target holds the document.
func (c *targetCache) ContainsKey(tx local.Transaction, k key.Key) (bool, error) {
	t, err := txnOf(tx)
	if err != nil {
		return false, err
	}

	raw, err := t.txn.First(tblTargetDocuments, "doc_key", k.String())
	if err != nil {
		return false, fmt.Errorf("fetch target membership %s: %w", k, err)
	}

	return raw != nil, nil
}

// TargetCount returns the number of stored targets.
func (c *targetCache) TargetCount(tx local.Transaction) (int64, error) {
	t, err := txnOf(tx)
	if err != nil {
		return 0, err
	}

	it, err := t.txn.Get(tblTargets, "id")
	if err != nil {
		return 0, fmt.Errorf("scan targets: %w", err)
	}

	var count int64
	for raw := it.Next(); raw != nil; raw = it.Next() {
		count++
	}

	return count, nil
}

// ForEachTarget visits every stored target.
func (c *targetCache) ForEachTarget(tx local.Transaction, fn func(data local.TargetData) error) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	it, err := t.txn.Get(tblTargets, "id")
	if err != nil {
		return fmt.Errorf("scan targets: %w", err)
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if err := fn(raw.(*targetRecord).Data); err != nil {
			return err
		}
	}

	return nil
}

// LastRemoteVersion returns the snapshot version of the last consistent
// remote event.
func (c *targetCache) LastRemoteVersion(tx local.Transaction) (document.Version, error) {
	t, err := txnOf(tx)
	if err != nil {
		return document.Version{}, err
	}

	meta, err := getMetadata(t.txn)
	if err != nil {
		return document.Version{}, err
	}

	return meta.LastRemoteVersion, nil
}

// SetLastRemoteVersion persists the snapshot version of a consistent
// remote event.
func (c *targetCache) SetLastRemoteVersion(tx local.Transaction, v document.Version) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	_, err = updateMetadata(t.txn, func(meta *metadataRecord) {
		meta.LastRemoteVersion = v
	})

	return err
}
