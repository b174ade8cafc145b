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
	"database/sql"
	goerrors "errors"
	"fmt"

	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/errors"
	"github.com/wallaby-db/wallaby/query"
)

type remoteDocumentCache struct{}

// GetEntry returns the cached revision of the document, or an invalid
// document when none is cached.
func (c *remoteDocumentCache) GetEntry(tx local.Transaction, k key.Key) (*document.Document, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	var blob []byte
	var readTimeMicros int64
	err = t.tx.QueryRowContext(t.ctx,
		`SELECT contents, read_time_micros FROM remote_documents WHERE doc_key = ?`,
		k.String(),
	).Scan(&blob, &readTimeMicros)
	if goerrors.Is(err, sql.ErrNoRows) {
		return document.NewInvalid(k), nil
	}
	if err != nil {
		return nil, errors.WrapRetryable(fmt.Errorf("fetch document %s: %w", k, err))
	}

	doc, err := decodeDocument(blob)
	if err != nil {
		return nil, err
	}

	return doc.WithReadTime(versionFromMicros(readTimeMicros)), nil
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

	blob, err := encodeDocument(doc)
	if err != nil {
		return err
	}

	k := doc.Key()
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO remote_documents (doc_key, collection_path, collection_id, read_time_micros, contents)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(doc_key) DO UPDATE SET
			collection_path = excluded.collection_path,
			collection_id = excluded.collection_id,
			read_time_micros = excluded.read_time_micros,
			contents = excluded.contents`,
		k.String(), k.CollectionPath(), k.CollectionID(), readTime.Micros(), blob,
	); err != nil {
		return errors.WrapRetryable(fmt.Errorf("insert document %s: %w", k, err))
	}

	return nil
}

// RemoveEntry drops the cached revision of the document, if any.
func (c *remoteDocumentCache) RemoveEntry(tx local.Transaction, k key.Key) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM remote_documents WHERE doc_key = ?`, k.String(),
	); err != nil {
		return errors.WrapRetryable(fmt.Errorf("delete document %s: %w", k, err))
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

	stmt := `SELECT doc_key, read_time_micros, contents FROM remote_documents
		 WHERE collection_path = ? AND read_time_micros > ?`
	arg := q.Path()
	if group := q.CollectionGroup(); group != "" {
		stmt = `SELECT doc_key, read_time_micros, contents FROM remote_documents
		 WHERE collection_id = ? AND read_time_micros > ?`
		arg = group
	}

	rows, err := t.tx.QueryContext(t.ctx, stmt, arg, sinceReadTime.Micros())
	if err != nil {
		return nil, errors.WrapRetryable(fmt.Errorf("scan documents for %s: %w", q, err))
	}
	defer rows.Close()

	out := make(map[key.Key]*document.Document)
	for rows.Next() {
		var docKey string
		var readTimeMicros int64
		var blob []byte
		if err := rows.Scan(&docKey, &readTimeMicros, &blob); err != nil {
			return nil, errors.WrapRetryable(fmt.Errorf("scan document row: %w", err))
		}
		doc, err := decodeDocument(blob)
		if err != nil {
			return nil, err
		}
		out[doc.Key()] = doc.WithReadTime(versionFromMicros(readTimeMicros))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapRetryable(fmt.Errorf("iterate documents for %s: %w", q, err))
	}

	// Mutated documents are included regardless of read time so pending
	// writes always see their base revision.
	for k := range mutatedKeys {
		if _, ok := out[k]; ok {
			continue
		}
		doc, err := c.GetEntry(tx, k)
		if err != nil {
			return nil, err
		}
		if doc.IsValid() {
			out[k] = doc
		}
	}

	return out, nil
}

// ForEachEntry visits every cached document. Rows are drained before fn
// runs so fn may issue further statements on the same transaction.
func (c *remoteDocumentCache) ForEachEntry(
	tx local.Transaction,
	fn func(doc *document.Document, readTime document.Version) error,
) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT read_time_micros, contents FROM remote_documents`,
	)
	if err != nil {
		return errors.WrapRetryable(fmt.Errorf("scan documents: %w", err))
	}
	defer rows.Close()

	type entry struct {
		doc      *document.Document
		readTime document.Version
	}
	var entries []entry
	for rows.Next() {
		var readTimeMicros int64
		var blob []byte
		if err := rows.Scan(&readTimeMicros, &blob); err != nil {
			return errors.WrapRetryable(fmt.Errorf("scan document row: %w", err))
		}
		doc, err := decodeDocument(blob)
		if err != nil {
			return err
		}
		readTime := versionFromMicros(readTimeMicros)
		entries = append(entries, entry{doc: doc.WithReadTime(readTime), readTime: readTime})
	}
	if err := rows.Err(); err != nil {
		return errors.WrapRetryable(fmt.Errorf("iterate documents: %w", err))
	}

	for _, e := range entries {
		if err := fn(e.doc, e.readTime); err != nil {
			return err
		}
	}

	return nil
}
