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
	"sort"

	"github.com/hashicorp/go-memdb"

	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/query"
)

// fieldIndexRecord describes one single-field index.
type fieldIndexRecord struct {
	ID              string
	IndexID         int64
	CollectionGroup string
	Path            field.Path
}

// indexEntryRecord holds the indexed value of one document under one
// index. Collection keeps the parent collection path so queries bound to
// a concrete collection can skip sibling collections of the same group.
type indexEntryRecord struct {
	IndexID    string
	DocKey     string
	Collection string
	Value      field.Value
}

type indexManager struct{}

// AddFieldIndex creates an index over the collection group and builds
// entries for the documents already cached.
func (m *indexManager) AddFieldIndex(tx local.Transaction, collectionGroup string, p field.Path) (local.FieldIndex, error) {
	t, err := txnOf(tx)
	if err != nil {
		return local.FieldIndex{}, err
	}

	meta, err := updateMetadata(t.txn, func(meta *metadataRecord) {
		meta.HighestFieldIndexID++
	})
	if err != nil {
		return local.FieldIndex{}, err
	}

	record := &fieldIndexRecord{
		ID:              padID(meta.HighestFieldIndexID),
		IndexID:         meta.HighestFieldIndexID,
		CollectionGroup: collectionGroup,
		Path:            p,
	}
	if err := t.txn.Insert(tblFieldIndexes, record); err != nil {
		return local.FieldIndex{}, fmt.Errorf("insert field index %s.%s: %w", collectionGroup, p, err)
	}

	if err := m.backfill(t, record); err != nil {
		return local.FieldIndex{}, err
	}

	return local.FieldIndex{
		ID:              record.IndexID,
		CollectionGroup: record.CollectionGroup,
		Path:            record.Path,
	}, nil
}

func (m *indexManager) backfill(t *transaction, idx *fieldIndexRecord) error {
	it, err := t.txn.Get(tblDocuments, "collection_group", idx.CollectionGroup)
	if err != nil {
		return fmt.Errorf("scan documents of %s: %w", idx.CollectionGroup, err)
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		record := raw.(*documentRecord)
		if err := m.writeEntry(t, idx, record.Doc); err != nil {
			return err
		}
	}

	return nil
}

// DeleteFieldIndex drops an index and its entries.
func (m *indexManager) DeleteFieldIndex(tx local.Transaction, indexID int64) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	id := padID(indexID)
	removed, err := t.txn.DeleteAll(tblFieldIndexes, "id", id)
	if err != nil {
		return fmt.Errorf("delete field index %d: %w", indexID, err)
	}
	if removed == 0 {
		return local.ErrIndexNotFound
	}

	if _, err := t.txn.DeleteAll(tblIndexEntries, "index_id", id); err != nil {
		return fmt.Errorf("delete index entries %d: %w", indexID, err)
	}

	return nil
}

// FieldIndexes returns the indexes over the collection group, or every
// index when collectionGroup is empty, ordered by ID.
func (m *indexManager) FieldIndexes(tx local.Transaction, collectionGroup string) ([]local.FieldIndex, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	records, err := m.fieldIndexRecords(t, collectionGroup)
	if err != nil {
		return nil, err
	}

	out := make([]local.FieldIndex, 0, len(records))
	for _, record := range records {
		out = append(out, local.FieldIndex{
			ID:              record.IndexID,
			CollectionGroup: record.CollectionGroup,
			Path:            record.Path,
		})
	}

	return out, nil
}

func (m *indexManager) fieldIndexRecords(t *transaction, collectionGroup string) ([]*fieldIndexRecord, error) {
	var it memdb.ResultIterator
	var err error
	if collectionGroup == "" {
		it, err = t.txn.Get(tblFieldIndexes, "id")
	} else {
		it, err = t.txn.Get(tblFieldIndexes, "collection_group", collectionGroup)
	}
	if err != nil {
		return nil, fmt.Errorf("scan field indexes: %w", err)
	}

	var records []*fieldIndexRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		records = append(records, raw.(*fieldIndexRecord))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].IndexID < records[j].IndexID })

	return records, nil
}

// UpdateIndexEntries refreshes the entries of every index covering the
// given documents.
func (m *indexManager) UpdateIndexEntries(tx local.Transaction, docs map[key.Key]*document.Document) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	for k, doc := range docs {
		records, err := m.fieldIndexRecords(t, k.CollectionID())
		if err != nil {
			return err
		}
		for _, idx := range records {
			if _, err := t.txn.DeleteAll(tblIndexEntries, "id", idx.ID, k.String()); err != nil {
				return fmt.Errorf("delete index entry %s: %w", k, err)
			}
			if err := m.writeEntry(t, idx, doc); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *indexManager) writeEntry(t *transaction, idx *fieldIndexRecord, doc *document.Document) error {
	if doc == nil || !doc.IsFound() {
		return nil
	}
	v, ok := doc.Field(idx.Path)
	if !ok {
		return nil
	}

	record := &indexEntryRecord{
		IndexID:    idx.ID,
		DocKey:     doc.Key().String(),
		Collection: doc.Key().CollectionPath(),
		Value:      v.Clone(),
	}
	if err := t.txn.Insert(tblIndexEntries, record); err != nil {
		return fmt.Errorf("insert index entry %s: %w", doc.Key(), err)
	}

	return nil
}

// KeysMatchingQuery returns the keys of cached documents whose indexed
// value passes the query's filters. The result may be a superset of the
// final matches; callers re-evaluate the full query against the
// documents. The second return is false when no index covers the query.
func (m *indexManager) KeysMatchingQuery(tx local.Transaction, q query.Query) ([]key.Key, bool, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, false, err
	}
	if q.IsDocumentQuery() {
		return nil, false, nil
	}

	records, err := m.fieldIndexRecords(t, local.QueryCollectionGroup(q))
	if err != nil {
		return nil, false, err
	}

	var idx *fieldIndexRecord
	for _, record := range records {
		candidate := local.FieldIndex{
			ID:              record.IndexID,
			CollectionGroup: record.CollectionGroup,
			Path:            record.Path,
		}
		if candidate.Covers(q) {
			idx = record
			break
		}
	}
	if idx == nil {
		return nil, false, nil
	}

	it, err := t.txn.Get(tblIndexEntries, "index_id", idx.ID)
	if err != nil {
		return nil, false, fmt.Errorf("scan index entries %d: %w", idx.IndexID, err)
	}

	var keys []key.Key
	for raw := it.Next(); raw != nil; raw = it.Next() {
		entry := raw.(*indexEntryRecord)
		if q.CollectionGroup() == "" && entry.Collection != q.Path() {
			continue
		}
		if !entryMatchesFilters(q, entry.Value) {
			continue
		}
		k, err := key.FromString(entry.DocKey)
		if err != nil {
			return nil, false, err
		}
		keys = append(keys, k)
	}

	return keys, true, nil
}

func entryMatchesFilters(q query.Query, v field.Value) bool {
	for _, f := range q.Filters() {
		if !f.MatchesValue(v, true) {
			return false
		}
	}

	return true
}
