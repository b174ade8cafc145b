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

// Package memory implements the persistence contracts using an in-memory
// database. State does not survive the process; it suits tests and
// cache-only clients.
package memory

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-memdb"

	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/errors"
)

const metadataID = "metadata"

// metadataRecord is the single row of global counters and watermarks.
type metadataRecord struct {
	ID string

	HighestTargetID       int32
	HighestSequenceNumber int64
	HighestBatchID        int64
	HighestFieldIndexID   int64

	LastRemoteVersion document.Version
	LastStreamToken   []byte
}

func (r *metadataRecord) deepCopy() *metadataRecord {
	c := *r
	c.LastStreamToken = append([]byte(nil), r.LastStreamToken...)

	return &c
}

// DB is an in-memory implementation of local.Persistence.
type DB struct {
	db *memdb.MemDB

	// inTx is the single serialization point. The operation queue is the
	// only legal caller, so a failed claim means a nested transaction.
	inTx atomic.Bool
}

// New returns a new in-memory database.
func New() (*DB, error) {
	memDB, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("new memdb: %w", err)
	}

	txn := memDB.Txn(true)
	if err := txn.Insert(tblMetadata, &metadataRecord{ID: metadataID}); err != nil {
		txn.Abort()

		return nil, fmt.Errorf("insert metadata: %w", err)
	}
	txn.Commit()

	return &DB{db: memDB}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return nil
}

// transaction implements local.Transaction over one memdb transaction.
type transaction struct {
	label string
	mode  local.TransactionMode
	txn   *memdb.Txn
}

// Label returns the name the transaction was opened with.
func (t *transaction) Label() string {
	return t.label
}

// Mode returns whether this transaction may write.
func (t *transaction) Mode() local.TransactionMode {
	return t.mode
}

// txnOf downcasts the contract transaction to this package's own.
func txnOf(tx local.Transaction) (*transaction, error) {
	t, ok := tx.(*transaction)
	if !ok {
		return nil, errors.Internal("transaction does not belong to the memory database")
	}

	return t, nil
}

// RunTransaction runs fn inside one transaction, committing when fn
// returns nil and rolling back otherwise.
func (d *DB) RunTransaction(
	ctx context.Context,
	label string,
	mode local.TransactionMode,
	fn func(tx local.Transaction) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.inTx.CompareAndSwap(false, true) {
		return local.ErrNestedTransaction
	}
	defer d.inTx.Store(false)

	txn := d.db.Txn(mode == local.ReadWrite)
	if err := fn(&transaction{label: label, mode: mode, txn: txn}); err != nil {
		txn.Abort()

		return err
	}

	if mode == local.ReadWrite {
		txn.Commit()
	} else {
		txn.Abort()
	}

	return nil
}

// RemoteDocuments returns the cache of server-confirmed documents.
func (d *DB) RemoteDocuments() local.RemoteDocumentCache {
	return &remoteDocumentCache{}
}

// Mutations returns the queue of unacknowledged mutation batches.
func (d *DB) Mutations() local.MutationQueue {
	return &mutationQueue{}
}

// Overlays returns the cache of per-document net local changes.
func (d *DB) Overlays() local.OverlayCache {
	return &overlayCache{}
}

// Targets returns the cache of watch target state.
func (d *DB) Targets() local.TargetCache {
	return &targetCache{}
}

// Indexes returns the manager of client-side field indexes.
func (d *DB) Indexes() local.IndexManager {
	return &indexManager{}
}

// padID renders a numeric ID so lexicographic order equals numeric
// order. IDs here are never negative.
func padID(id int64) string {
	return fmt.Sprintf("%020d", id)
}

func getMetadata(txn *memdb.Txn) (*metadataRecord, error) {
	raw, err := txn.First(tblMetadata, "id", metadataID)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	if raw == nil {
		return nil, errors.Internal("metadata row missing")
	}

	return raw.(*metadataRecord), nil
}

// updateMetadata applies fn to a copy of the metadata row and stores it.
// Rows handed out by memdb are shared with readers and must not be
// mutated in place.
func updateMetadata(txn *memdb.Txn, fn func(meta *metadataRecord)) (*metadataRecord, error) {
	meta, err := getMetadata(txn)
	if err != nil {
		return nil, err
	}

	updated := meta.deepCopy()
	fn(updated)
	if err := txn.Insert(tblMetadata, updated); err != nil {
		return nil, fmt.Errorf("update metadata: %w", err)
	}

	return updated, nil
}
