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

type targetCache struct{}

// AllocateTargetID reserves the next target ID. IDs step by two so the
// odd space stays free for synthetic targets that never touch storage.
func (c *targetCache) AllocateTargetID(tx local.Transaction) (int32, error) {
	t, err := txnOf(tx)
	if err != nil {
		return 0, err
	}

	meta, err := updateMetadata(t, func(meta *metadataRow) {
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

	meta, err := updateMetadata(t, func(meta *metadataRow) {
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

	meta, err := getMetadata(t)
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

	var exists int
	err = t.tx.QueryRowContext(t.ctx,
		`SELECT 1 FROM targets WHERE target_id = ?`, data.TargetID(),
	).Scan(&exists)
	if goerrors.Is(err, sql.ErrNoRows) {
		return local.ErrTargetNotFound
	}
	if err != nil {
		return errors.WrapRetryable(fmt.Errorf("fetch target %d: %w", data.TargetID(), err))
	}

	return insertTarget(t, data)
}

func insertTarget(t *transaction, data local.TargetData) error {
	blob, err := encodeTarget(data)
	if err != nil {
		return err
	}

	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO targets (target_id, canonical_id, sequence_number, contents)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(target_id) DO UPDATE SET
			canonical_id = excluded.canonical_id,
			sequence_number = excluded.sequence_number,
			contents = excluded.contents`,
		data.TargetID(), data.Target().CanonicalID(), data.SequenceNumber(), blob,
	); err != nil {
		return errors.WrapRetryable(fmt.Errorf("insert target %d: %w", data.TargetID(), err))
	}

	return nil
}

// RemoveTarget drops a target and its matching keys.
func (c *targetCache) RemoveTarget(tx local.Transaction, targetID int32) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	result, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM targets WHERE target_id = ?`, targetID,
	)
	if err != nil {
		return errors.WrapRetryable(fmt.Errorf("delete target %d: %w", targetID, err))
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return errors.WrapRetryable(fmt.Errorf("delete target %d: %w", targetID, err))
	}
	if removed == 0 {
		return local.ErrTargetNotFound
	}

	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM target_documents WHERE target_id = ?`, targetID,
	); err != nil {
		return errors.WrapRetryable(fmt.Errorf("delete target membership %d: %w", targetID, err))
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
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT target_id, sequence_number, contents FROM targets WHERE canonical_id = ?`,
		canonicalID,
	)
	if err != nil {
		return local.TargetData{}, false, errors.WrapRetryable(fmt.Errorf("fetch target for %s: %w", canonicalID, err))
	}
	defer rows.Close()

	for rows.Next() {
		var targetID int32
		var sequenceNumber int64
		var blob []byte
		if err := rows.Scan(&targetID, &sequenceNumber, &blob); err != nil {
			return local.TargetData{}, false, errors.WrapRetryable(fmt.Errorf("scan target row: %w", err))
		}
		data, err := decodeTarget(targetID, sequenceNumber, blob)
		if err != nil {
			return local.TargetData{}, false, err
		}
		if data.Target().CanonicalID() == canonicalID {
			return data, true, nil
		}
	}

	return local.TargetData{}, false, rows.Err()
}

// GetTargetByID returns the stored target with the given ID, and whether
// one exists.
func (c *targetCache) GetTargetByID(tx local.Transaction, targetID int32) (local.TargetData, bool, error) {
	t, err := txnOf(tx)
	if err != nil {
		return local.TargetData{}, false, err
	}

	var sequenceNumber int64
	var blob []byte
	err = t.tx.QueryRowContext(t.ctx,
		`SELECT sequence_number, contents FROM targets WHERE target_id = ?`, targetID,
	).Scan(&sequenceNumber, &blob)
	if goerrors.Is(err, sql.ErrNoRows) {
		return local.TargetData{}, false, nil
	}
	if err != nil {
		return local.TargetData{}, false, errors.WrapRetryable(fmt.Errorf("fetch target %d: %w", targetID, err))
	}

	data, err := decodeTarget(targetID, sequenceNumber, blob)
	if err != nil {
		return local.TargetData{}, false, err
	}

	return data, true, nil
}

// AddMatchingKeys records that the documents belong to the target.
func (c *targetCache) AddMatchingKeys(tx local.Transaction, keys map[key.Key]struct{}, targetID int32) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	for k := range keys {
		if _, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO target_documents (target_id, doc_key) VALUES (?, ?)
			 ON CONFLICT(target_id, doc_key) DO NOTHING`,
			targetID, k.String(),
		); err != nil {
			return errors.WrapRetryable(fmt.Errorf("insert target membership %s: %w", k, err))
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

	for k := range keys {
		if _, err := t.tx.ExecContext(t.ctx,
			`DELETE FROM target_documents WHERE target_id = ? AND doc_key = ?`,
			targetID, k.String(),
		); err != nil {
			return errors.WrapRetryable(fmt.Errorf("delete target membership %s: %w", k, err))
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

	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM target_documents WHERE target_id = ?`, targetID,
	); err != nil {
		return errors.WrapRetryable(fmt.Errorf("delete target membership %d: %w", targetID, err))
	}

	return nil
}

// MatchingKeys returns the documents currently belonging to the target.
func (c *targetCache) MatchingKeys(tx local.Transaction, targetID int32) (map[key.Key]struct{}, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT doc_key FROM target_documents WHERE target_id = ?`, targetID,
	)
	if err != nil {
		return nil, errors.WrapRetryable(fmt.Errorf("scan target membership %d: %w", targetID, err))
	}
	defer rows.Close()

	out := make(map[key.Key]struct{})
	for rows.Next() {
		var docKey string
		if err := rows.Scan(&docKey); err != nil {
			return nil, errors.WrapRetryable(fmt.Errorf("scan membership row: %w", err))
		}
		k, err := key.FromString(docKey)
		if err != nil {
			return nil, err
		}
		out[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapRetryable(fmt.Errorf("iterate target membership %d: %w", targetID, err))
	}

	return out, nil
}

// ContainsKey reports whether any target holds the document.
func (c *targetCache) ContainsKey(tx local.Transaction, k key.Key) (bool, error) {
	t, err := txnOf(tx)
	if err != nil {
		return false, err
	}

	var exists int
	err = t.tx.QueryRowContext(t.ctx,
		`SELECT 1 FROM target_documents WHERE doc_key = ? LIMIT 1`, k.String(),
	).Scan(&exists)
	if goerrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapRetryable(fmt.Errorf("fetch target membership %s: %w", k, err))
	}

	return true, nil
}

// TargetCount returns the number of stored targets.
func (c *targetCache) TargetCount(tx local.Transaction) (int64, error) {
	t, err := txnOf(tx)
	if err != nil {
		return 0, err
	}

	var count int64
	err = t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM targets`).Scan(&count)
	if err != nil {
		return 0, errors.WrapRetryable(fmt.Errorf("count targets: %w", err))
	}

	return count, nil
}

// ForEachTarget visits every stored target. Rows are drained before fn
// runs so fn may issue further statements on the same transaction.
func (c *targetCache) ForEachTarget(tx local.Transaction, fn func(data local.TargetData) error) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT target_id, sequence_number, contents FROM targets`,
	)
	if err != nil {
		return errors.WrapRetryable(fmt.Errorf("scan targets: %w", err))
	}
	defer rows.Close()

	var targets []local.TargetData
	for rows.Next() {
		var targetID int32
		var sequenceNumber int64
		var blob []byte
		if err := rows.Scan(&targetID, &sequenceNumber, &blob); err != nil {
			return errors.WrapRetryable(fmt.Errorf("scan target row: %w", err))
		}
		data, err := decodeTarget(targetID, sequenceNumber, blob)
		if err != nil {
			return err
		}
		targets = append(targets, data)
	}
	if err := rows.Err(); err != nil {
		return errors.WrapRetryable(fmt.Errorf("iterate targets: %w", err))
	}

	for _, data := range targets {
		if err := fn(data); err != nil {
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

	meta, err := getMetadata(t)
	if err != nil {
		return document.Version{}, err
	}

	return versionFromMicros(meta.LastRemoteVersionMicros), nil
}

// SetLastRemoteVersion persists the snapshot version of a consistent
// remote event.
func (c *targetCache) SetLastRemoteVersion(tx local.Transaction, v document.Version) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	_, err = updateMetadata(t, func(meta *metadataRow) {
		meta.LastRemoteVersionMicros = v.Micros()
	})

	return err
}
