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
	"strings"
	"time"

	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/pkg/errors"
)

type mutationQueue struct{}

// AddBatch appends a new batch, allocating the next batch ID.
func (q *mutationQueue) AddBatch(
	tx local.Transaction,
	localWriteTime time.Time,
	baseMutations []mutation.Mutation,
	mutations []mutation.Mutation,
) (*mutation.Batch, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	meta, err := updateMetadata(t, func(meta *metadataRow) {
		meta.HighestBatchID++
	})
	if err != nil {
		return nil, err
	}

	batch := mutation.NewBatch(meta.HighestBatchID, localWriteTime, baseMutations, mutations)
	blob, err := encodeBatch(batch)
	if err != nil {
		return nil, err
	}

	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO mutation_batches (batch_id, contents) VALUES (?, ?)`,
		batch.ID(), blob,
	); err != nil {
		return nil, errors.WrapRetryable(fmt.Errorf("insert batch %d: %w", batch.ID(), err))
	}
	for k := range batch.Keys() {
		if _, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO document_mutations (doc_key, batch_id) VALUES (?, ?)`,
			k.String(), batch.ID(),
		); err != nil {
			return nil, errors.WrapRetryable(fmt.Errorf("insert batch membership %s: %w", k, err))
		}
	}

	return batch, nil
}

// LookupBatch returns the batch with the given ID, or nil.
func (q *mutationQueue) LookupBatch(tx local.Transaction, batchID int64) (*mutation.Batch, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	var blob []byte
	err = t.tx.QueryRowContext(t.ctx,
		`SELECT contents FROM mutation_batches WHERE batch_id = ?`, batchID,
	).Scan(&blob)
	if goerrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapRetryable(fmt.Errorf("fetch batch %d: %w", batchID, err))
	}

	return decodeBatch(batchID, blob)
}

// NextBatchAfter returns the first batch with an ID greater than the
// given one, or nil.
func (q *mutationQueue) NextBatchAfter(tx local.Transaction, batchID int64) (*mutation.Batch, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	var nextID int64
	var blob []byte
	err = t.tx.QueryRowContext(t.ctx,
		`SELECT batch_id, contents FROM mutation_batches WHERE batch_id > ?
		 ORDER BY batch_id LIMIT 1`, batchID,
	).Scan(&nextID, &blob)
	if goerrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapRetryable(fmt.Errorf("fetch batch after %d: %w", batchID, err))
	}

	return decodeBatch(nextID, blob)
}

// AllBatches returns every pending batch in ascending ID order.
func (q *mutationQueue) AllBatches(tx local.Transaction) ([]*mutation.Batch, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	return q.queryBatches(t,
		`SELECT batch_id, contents FROM mutation_batches ORDER BY batch_id`)
}

// AllBatchesAffectingKeys returns every pending batch touching any of
// the keys, ascending, without duplicates.
func (q *mutationQueue) AllBatchesAffectingKeys(tx local.Transaction, keys []key.Key) ([]*mutation.Batch, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		args = append(args, k.String())
	}

	return q.queryBatches(t,
		`SELECT DISTINCT b.batch_id, b.contents
		 FROM mutation_batches b
		 JOIN document_mutations dm ON dm.batch_id = b.batch_id
		 WHERE dm.doc_key IN (`+placeholders+`)
		 ORDER BY b.batch_id`, args...)
}

func (q *mutationQueue) queryBatches(t *transaction, stmt string, args ...any) ([]*mutation.Batch, error) {
	rows, err := t.tx.QueryContext(t.ctx, stmt, args...)
	if err != nil {
		return nil, errors.WrapRetryable(fmt.Errorf("scan batches: %w", err))
	}
	defer rows.Close()

	var batches []*mutation.Batch
	for rows.Next() {
		var batchID int64
		var blob []byte
		if err := rows.Scan(&batchID, &blob); err != nil {
			return nil, errors.WrapRetryable(fmt.Errorf("scan batch row: %w", err))
		}
		batch, err := decodeBatch(batchID, blob)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapRetryable(fmt.Errorf("iterate batches: %w", err))
	}

	return batches, nil
}

// RemoveBatch drops an acknowledged or rejected batch.
func (q *mutationQueue) RemoveBatch(tx local.Transaction, batch *mutation.Batch) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	result, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM mutation_batches WHERE batch_id = ?`, batch.ID(),
	)
	if err != nil {
		return errors.WrapRetryable(fmt.Errorf("delete batch %d: %w", batch.ID(), err))
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return errors.WrapRetryable(fmt.Errorf("delete batch %d: %w", batch.ID(), err))
	}
	if removed == 0 {
		return local.ErrBatchNotFound
	}

	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM document_mutations WHERE batch_id = ?`, batch.ID(),
	); err != nil {
		return errors.WrapRetryable(fmt.Errorf("delete batch membership %d: %w", batch.ID(), err))
	}

	return nil
}

// HighestUnacknowledgedBatchID returns the largest pending batch ID, or
// -1 when the queue is empty.
func (q *mutationQueue) HighestUnacknowledgedBatchID(tx local.Transaction) (int64, error) {
	t, err := txnOf(tx)
	if err != nil {
		return 0, err
	}

	var highest int64
	err = t.tx.QueryRowContext(t.ctx,
		`SELECT COALESCE(MAX(batch_id), -1) FROM mutation_batches`,
	).Scan(&highest)
	if err != nil {
		return 0, errors.WrapRetryable(fmt.Errorf("fetch highest batch ID: %w", err))
	}

	return highest, nil
}

// LastStreamToken returns the write stream token of the previous
// session.
func (q *mutationQueue) LastStreamToken(tx local.Transaction) ([]byte, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	meta, err := getMetadata(t)
	if err != nil {
		return nil, err
	}

	return meta.LastStreamToken, nil
}

// SetLastStreamToken persists the write stream token.
func (q *mutationQueue) SetLastStreamToken(tx local.Transaction, token []byte) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	_, err = updateMetadata(t, func(meta *metadataRow) {
		meta.LastStreamToken = token
	})

	return err
}
