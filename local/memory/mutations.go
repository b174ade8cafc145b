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
	"time"

	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
)

// batchRecord holds one pending mutation batch. Batches are immutable
// once created, so the record shares the instance.
type batchRecord struct {
	ID    string
	Batch *mutation.Batch
}

// documentMutationRecord marks that a batch touches a document.
type documentMutationRecord struct {
	DocKey  string
	BatchID string
}

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

	meta, err := updateMetadata(t.txn, func(meta *metadataRecord) {
		meta.HighestBatchID++
	})
	if err != nil {
		return nil, err
	}

	batch := mutation.NewBatch(meta.HighestBatchID, localWriteTime, baseMutations, mutations)
	record := &batchRecord{ID: padID(batch.ID()), Batch: batch}
	if err := t.txn.Insert(tblMutations, record); err != nil {
		return nil, fmt.Errorf("insert batch %d: %w", batch.ID(), err)
	}

	for k := range batch.Keys() {
		membership := &documentMutationRecord{DocKey: k.String(), BatchID: record.ID}
		if err := t.txn.Insert(tblDocumentMutations, membership); err != nil {
			return nil, fmt.Errorf("insert batch membership %s: %w", k, err)
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

	raw, err := t.txn.First(tblMutations, "id", padID(batchID))
	if err != nil {
		return nil, fmt.Errorf("fetch batch %d: %w", batchID, err)
	}
	if raw == nil {
		return nil, nil
	}

	return raw.(*batchRecord).Batch, nil
}

// NextBatchAfter returns the first batch with an ID greater than the
// given one, or nil.
func (q *mutationQueue) NextBatchAfter(tx local.Transaction, batchID int64) (*mutation.Batch, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	it, err := t.txn.LowerBound(tblMutations, "id", padID(batchID+1))
	if err != nil {
		return nil, fmt.Errorf("seek batch after %d: %w", batchID, err)
	}
	raw := it.Next()
	if raw == nil {
		return nil, nil
	}

	return raw.(*batchRecord).Batch, nil
}

// AllBatches returns every pending batch in ascending ID order.
func (q *mutationQueue) AllBatches(tx local.Transaction) ([]*mutation.Batch, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	it, err := t.txn.Get(tblMutations, "id")
	if err != nil {
		return nil, fmt.Errorf("scan batches: %w", err)
	}

	var batches []*mutation.Batch
	for raw := it.Next(); raw != nil; raw = it.Next() {
		batches = append(batches, raw.(*batchRecord).Batch)
	}

	return batches, nil
}

// AllBatchesAffectingKeys returns every pending batch touching any of
// the keys, ascending, without duplicates.
func (q *mutationQueue) AllBatchesAffectingKeys(tx local.Transaction, keys []key.Key) ([]*mutation.Batch, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]struct{})
	for _, k := range keys {
		it, err := t.txn.Get(tblDocumentMutations, "doc_key", k.String())
		if err != nil {
			return nil, fmt.Errorf("scan batches for %s: %w", k, err)
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			ids[raw.(*documentMutationRecord).BatchID] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	batches := make([]*mutation.Batch, 0, len(sorted))
	for _, id := range sorted {
		raw, err := t.txn.First(tblMutations, "id", id)
		if err != nil {
			return nil, fmt.Errorf("fetch batch %s: %w", id, err)
		}
		if raw == nil {
			continue
		}
		batches = append(batches, raw.(*batchRecord).Batch)
	}

	return batches, nil
}

// RemoveBatch drops an acknowledged or rejected batch.
func (q *mutationQueue) RemoveBatch(tx local.Transaction, batch *mutation.Batch) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	id := padID(batch.ID())
	removed, err := t.txn.DeleteAll(tblMutations, "id", id)
	if err != nil {
		return fmt.Errorf("delete batch %d: %w", batch.ID(), err)
	}
	if removed == 0 {
		return local.ErrBatchNotFound
	}

	if _, err := t.txn.DeleteAll(tblDocumentMutations, "batch_id", id); err != nil {
		return fmt.Errorf("delete batch membership %d: %w", batch.ID(), err)
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

	it, err := t.txn.GetReverse(tblMutations, "id")
	if err != nil {
		return 0, fmt.Errorf("scan batches: %w", err)
	}
	raw := it.Next()
	if raw == nil {
		return -1, nil
	}

	return raw.(*batchRecord).Batch.ID(), nil
}

// LastStreamToken returns the write stream token of the previous
// session.
func (q *mutationQueue) LastStreamToken(tx local.Transaction) ([]byte, error) {
	t, err := txnOf(tx)
	if err != nil {
		return nil, err
	}

	meta, err := getMetadata(t.txn)
	if err != nil {
		return nil, err
	}

	return append([]byte(nil), meta.LastStreamToken...), nil
}

// SetLastStreamToken persists the write stream token.
func (q *mutationQueue) SetLastStreamToken(tx local.Transaction, token []byte) error {
	t, err := txnOf(tx)
	if err != nil {
		return err
	}

	_, err = updateMetadata(t.txn, func(meta *metadataRecord) {
		meta.LastStreamToken = append([]byte(nil), token...)
	})

	return err
}
