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

package sqlite

import (
	"fmt"

	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/errors"
	"github.com/wallaby-db/wallaby/query"
)

type indexManager struct{}

// AddFieldIndex creates an index over the collection group and builds
// entries for the documents already cached.
func (m *indexManager) AddFieldIndex(tx local.Transaction, collectionGroup string, p field.Path) (local.FieldIndex, error) {
	t, err := txnOf(tx)
	if err != nil {
		return local.FieldIndex{}, err
	}

	meta, err := updateMetadata(t, func(meta *metadataRow) {
		meta.HighestFieldIndexID++
	})
	if err != nil {
		return local.FieldIndex{}, err
	}

	idx := local.FieldIndex{
		ID:              meta.HighestFieldIndexID,
		CollectionGroup: collectionGroup,
		Path:            p,
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO field_indexes (index_id, collection_group, field_path) VALUES (?, ?, ?)`,
		idx.ID, idx.CollectionGroup, idx.Path.String(),
	); err != nil {
		return local.FieldIndex{}, errors.WrapRetryable(fmt.Errorf("insert field index %s.%s: %w", collectionGroup, p, err))
	}

	if err := m.backfill(t, idx); err != nil {
		return local.FieldIndex{}, err
	}

	return idx, nil
}

func (m *indexManager) backfill(t *transaction, idx local.FieldIndex) error {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT contents FROM remote_documents WHERE collection_id = ?`,
		idx.CollectionGroup,
	)
	if err != nil {
		return errors.WrapRetryable(fmt.Errorf("scan documents of %s: %w", idx.CollectionGroup, err))
	}
	defer rows.Close()

	var docs []*document.Document
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return errors.WrapRetryable(fmt.Errorf("scan document row: %w", err))
		}
		doc, err := decodeDocument(blob)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return errors.WrapRetryable(fmt.Errorf("iterate documents of %s: %w", idx.CollectionGroup, err))
	}

	for _, doc := range docs {
		if err := m.writeEntry(t, idx, doc); err != nil {
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

	result, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM field_indexes WHERE index_id = ?`, indexID,
	)
	if err != nil {
		return errors.WrapRetryable(fmt.Errorf("delete field index %d: %w", indexID, err))
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return errors.WrapRetryable(fmt.Errorf("delete field index %d: %w", indexID, err))
	}
	if removed == 0 {
		return local.ErrIndexNotFound
	}

	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM index_entries WHERE index_id = ?`, indexID,
	); err != nil {
		return errors.WrapRetryable(fmt.Errorf("delete index entries %d: %w", indexID, err))
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

	return m.fieldIndexes(t, collectionGroup)
}

func (m *indexManager) fieldIndexes(t *transaction, collectionGroup string) ([]local.FieldIndex, error) {
	stmt := `SELECT index_id, collection_group, field_path FROM field_indexes ORDER BY index_id`
	args := []any{}
	if collectionGroup != "" {
		stmt = `SELECT index_id, collection_group, field_path FROM field_indexes
		 WHERE collection_group = ? ORDER BY index_id`
		args = append(args, collectionGroup)
	}

	rows, err := t.tx.QueryContext(t.ctx, stmt, args...)
	if err != nil {
		return nil, errors.WrapRetryable(fmt.Errorf("scan field indexes: %w", err))
	}
	defer rows.Close()

	var out []local.FieldIndex
	for rows.Next() {
		var idx local.FieldIndex
		var fieldPath string
		if err := rows.Scan(&idx.ID, &idx.CollectionGroup, &fieldPath); err != nil {
			return nil, errors.WrapRetryable(fmt.Errorf("scan field index row: %w", err))
		}
		p, err := field.ParsePath(fieldPath)
		if err != nil {
			return nil, err
		}
		idx.Path = p
		out = append(out, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapRetryable(fmt.Errorf("iterate field indexes: %w", err))
	}

	return out, nil
}

// UpdateIndexEntries refreshes the entries of every index covering the
// given documents.
func (m *indexManager) UpdateIndexEntries(tx local.Transaction, docs map[key.Key]*document.Document) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	for k, doc := range docs {
		indexes, err := m.fieldIndexes(t, k.CollectionID())
		if err != nil {
			return err
		}
		for _, idx := range indexes {
			if _, err := t.tx.ExecContext(t.ctx,
				`DELETE FROM index_entries WHERE index_id = ? AND doc_key = ?`,
				idx.ID, k.String(),
			); err != nil {
				return errors.WrapRetryable(fmt.Errorf("delete index entry %s: %w", k, err))
			}
			if err := m.writeEntry(t, idx, doc); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *indexManager) writeEntry(t *transaction, idx local.FieldIndex, doc *document.Document) error {
	if doc == nil || !doc.IsFound() {
		return nil
	}
	v, ok := doc.Field(idx.Path)
	if !ok {
		return nil
	}

	blob, err := encodeValue(v)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO index_entries (index_id, doc_key, collection_path, value)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(index_id, doc_key) DO UPDATE SET
			collection_path = excluded.collection_path,
			value = excluded.value`,
		idx.ID, doc.Key().String(), doc.Key().CollectionPath(), blob,
	); err != nil {
		return errors.WrapRetryable(fmt.Errorf("insert index entry %s: %w", doc.Key(), err))
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

	indexes, err := m.fieldIndexes(t, local.QueryCollectionGroup(q))
	if err != nil {
		return nil, false, err
	}

	covering := -1
	for i, idx := range indexes {
		if idx.Covers(q) {
			covering = i
			break
		}
	}
	if covering < 0 {
		return nil, false, nil
	}
	idx := indexes[covering]

	stmt := `SELECT doc_key, value FROM index_entries WHERE index_id = ? ORDER BY doc_key`
	args := []any{idx.ID}
	if q.CollectionGroup() == "" {
		stmt = `SELECT doc_key, value FROM index_entries
		 WHERE index_id = ? AND collection_path = ? ORDER BY doc_key`
		args = append(args, q.Path())
	}

	rows, err := t.tx.QueryContext(t.ctx, stmt, args...)
	if err != nil {
		return nil, false, errors.WrapRetryable(fmt.Errorf("scan index entries %d: %w", idx.ID, err))
	}
	defer rows.Close()

	var keys []key.Key
	for rows.Next() {
		var docKey string
		var blob []byte
		if err := rows.Scan(&docKey, &blob); err != nil {
			return nil, false, errors.WrapRetryable(fmt.Errorf("scan index entry row: %w", err))
		}
		v, err := decodeValue(blob)
		if err != nil {
			return nil, false, err
		}
		if !entryMatchesFilters(q, v) {
			continue
		}
		k, err := key.FromString(docKey)
		if err != nil {
			return nil, false, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, false, errors.WrapRetryable(fmt.Errorf("iterate index entries %d: %w", idx.ID, err))
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
