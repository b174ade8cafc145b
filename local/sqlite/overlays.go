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
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/pkg/errors"
)

type overlayCache struct{}

// GetOverlay returns the overlay for the document and whether one
// exists.
func (c *overlayCache) GetOverlay(tx local.Transaction, k key.Key) (mutation.Overlay, bool, error) {
	t, err := txnOf(tx)
	if err != nil {
		return mutation.Overlay{}, false, err
	}

	var largestBatchID int64
	var blob []byte
	err = t.tx.QueryRowContext(t.ctx,
		`SELECT largest_batch_id, contents FROM document_overlays WHERE doc_key = ?`,
		k.String(),
	).Scan(&largestBatchID, &blob)
	if goerrors.Is(err, sql.ErrNoRows) {
		return mutation.Overlay{}, false, nil
	}
	if err != nil {
		return mutation.Overlay{}, false, errors.WrapRetryable(fmt.Errorf("fetch overlay %s: %w", k, err))
	}

	m, err := decodeMutation(blob)
	if err != nil {
		return mutation.Overlay{}, false, err
	}

	return mutation.NewOverlay(largestBatchID, m), true, nil
}

// GetOverlays returns the overlays for the given documents, keyed by
// document key. Documents without an overlay are absent.
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
			if _, err := t.tx.ExecContext(t.ctx,
				`DELETE FROM document_overlays WHERE doc_key = ?`, k.String(),
			); err != nil {
				return errors.WrapRetryable(fmt.Errorf("delete overlay %s: %w", k, err))
			}
			continue
		}

		blob, err := encodeMutation(m)
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO document_overlays (doc_key, collection_path, collection_id, largest_batch_id, contents)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(doc_key) DO UPDATE SET
				collection_path = excluded.collection_path,
				collection_id = excluded.collection_id,
				largest_batch_id = excluded.largest_batch_id,
				contents = excluded.contents`,
			k.String(), k.CollectionPath(), k.CollectionID(), largestBatchID, blob,
		); err != nil {
			return errors.WrapRetryable(fmt.Errorf("insert overlay %s: %w", k, err))
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

	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM document_overlays WHERE largest_batch_id = ?`, batchID,
	); err != nil {
		return errors.WrapRetryable(fmt.Errorf("delete overlays for batch %d: %w", batchID, err))
	}

	return nil
}

// GetOverlaysForCollection returns the overlays of documents directly in
// the collection whose largest batch ID is greater than sinceBatchID.
func (c *overlayCache) GetOverlaysForCollection(tx local.Transaction, collectionPath string, sinceBatchID int64) (map[key.Key]mutation.Overlay, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	return c.queryOverlays(t,
		`SELECT largest_batch_id, contents FROM document_overlays
		 WHERE collection_path = ? AND largest_batch_id > ?`,
		collectionPath, sinceBatchID)
}

// GetOverlaysForCollectionGroup returns the overlays of documents in any
// collection with the given ID whose largest batch ID is greater than
// sinceBatchID.
func (c *overlayCache) GetOverlaysForCollectionGroup(tx local.Transaction, collectionGroup string, sinceBatchID int64) (map[key.Key]mutation.Overlay, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	return c.queryOverlays(t,
		`SELECT largest_batch_id, contents FROM document_overlays
		 WHERE collection_id = ? AND largest_batch_id > ?`,
		collectionGroup, sinceBatchID)
}

func (c *overlayCache) queryOverlays(t *transaction, stmt string, args ...any) (map[key.Key]mutation.Overlay, error) {
	rows, err := t.tx.QueryContext(t.ctx, stmt, args...)
	if err != nil {
		return nil, errors.WrapRetryable(fmt.Errorf("scan overlays: %w", err))
	}
	defer rows.Close()

	out := make(map[key.Key]mutation.Overlay)
	for rows.Next() {
		var largestBatchID int64
		var blob []byte
		if err := rows.Scan(&largestBatchID, &blob); err != nil {
			return nil, errors.WrapRetryable(fmt.Errorf("scan overlay row: %w", err))
		}
		m, err := decodeMutation(blob)
		if err != nil {
			return nil, err
		}
		overlay := mutation.NewOverlay(largestBatchID, m)
		out[overlay.Key()] = overlay
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapRetryable(fmt.Errorf("iterate overlays: %w", err))
	}

	return out, nil
}
