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
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/query"
)

// documentRecord holds one server-confirmed document revision.
type documentRecord struct {
	Key             string
	Collection      string
	CollectionGroup string

	ReadTime document.Version
	Doc      *document.Document
}

type remoteDocumentCache struct{}

// GetEntry returns the cached revision of the document, or an invalid
// document when none is cached.
func (c *remoteDocumentCache) GetEntry(tx local.Transaction, k key.Key) (*document.Document, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	raw, err := t.txn.First(tblDocuments, "id", k.String())
	if err != nil {
		return nil, fmt.Errorf("fetch document %s: %w", k, err)
	}
	if raw == nil {
		return document.NewInvalid(k), nil
	}
	record := raw.(*documentRecord)

	return record.Doc.Clone().WithReadTime(record.ReadTime), nil
}

// GetEntries returns the cached revisions of the given documents,
// invalid entries included, keyed by document key.
func (c *remoteDocumentCache) GetEntries(tx local.Transaction, keys []key.Key) (map[key.Key]*document.Document, error) {
	out := make(map[key.Key]*document.Document, len(keys))
	for _, k := range keys {
		doc, err := c.GetEntry(tx, k)
		if err != nil {
			return nil, err
		}
		out[k] = doc
	}

	return out, nil
}

// SetEntry stores the given revision, overwriting any cached one.
func (c *remoteDocumentCache) SetEntry(tx local.Transaction, doc *document.Document, readTime document.Version) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	k := doc.Key()
	record := &documentRecord{
		Key:             k.String(),
		Collection:      k.CollectionPath(),
		CollectionGroup: k.CollectionID(),
		ReadTime:        readTime,
		Doc:             doc.Clone(),
	}
	if err := t.txn.Insert(tblDocuments, record); err != nil {
		return fmt.Errorf("insert document %s: %w", k, err)
	}

	return nil
}

// RemoveEntry drops the cached revision of the document, if any.
func (c *remoteDocumentCache) RemoveEntry(tx local.Transaction, k key.Key) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	if _, err := t.txn.DeleteAll(tblDocuments, "id", k.String()); err != nil {
		return fmt.Errorf("delete document %s: %w", k, err)
	}

	return nil
}

// GetDocumentsMatchingQuery returns the cached documents in the query's
// collection read after sinceReadTime, plus the documents in mutatedKeys
// regardless of read time. Query filters are not applied.
func (c *remoteDocumentCache) GetDocumentsMatchingQuery(
	tx local.Transaction,
	q query.Query,
	sinceReadTime document.Version,
	mutatedKeys map[key.Key]struct{},
) (map[key.Key]*document.Document, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	var it memdb.ResultIterator
	if group := q.CollectionGroup(); group != "" {
		it, err = t.txn.Get(tblDocuments, "collection_group", group)
	} else {
		it, err = t.txn.Get(tblDocuments, "collection", q.Path())
	}
	if err != nil {
		return nil, fmt.Errorf("scan documents for %s: %w", q, err)
	}

	out := make(map[key.Key]*document.Document)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		record := raw.(*documentRecord)
		k := record.Doc.Key()
		if _, mutated := mutatedKeys[k]; !mutated && record.ReadTime.Compare(sinceReadTime) <= 0 {
			continue
		}
		out[k] = record.Doc.Clone().WithReadTime(record.ReadTime)
	}

	return out, nil
}

// ForEachEntry visits every cached document.
func (c *remoteDocumentCache) ForEachEntry(
	tx local.Transaction,
	fn func(doc *document.Document, readTime document.Version) error,
) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	it, err := t.txn.Get(tblDocuments, "id")
	if err != nil {
		return fmt.Errorf("scan documents: %w", err)
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		record := raw.(*documentRecord)
		if err := fn(record.Doc.Clone().WithReadTime(record.ReadTime), record.ReadTime); err != nil {
			return err
		}
	}

	return nil
}
