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

// Package sqlite provides durable client persistence backed by an
// embedded SQLite database. Model objects travel in and out of storage
// as CBOR blobs; columns carry only the attributes queries filter on.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/pkg/errors"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS metadata (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	highest_target_id INTEGER NOT NULL DEFAULT 0,
	highest_sequence_number INTEGER NOT NULL DEFAULT 0,
	highest_batch_id INTEGER NOT NULL DEFAULT 0,
	highest_field_index_id INTEGER NOT NULL DEFAULT 0,
	last_remote_version_micros INTEGER NOT NULL DEFAULT 0,
	last_stream_token BLOB
);

CREATE TABLE IF NOT EXISTS remote_documents (
	doc_key TEXT PRIMARY KEY,
	collection_path TEXT NOT NULL,
	collection_id TEXT NOT NULL,
	read_time_micros INTEGER NOT NULL,
	contents BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_remote_documents_collection
	ON remote_documents(collection_path, read_time_micros);
CREATE INDEX IF NOT EXISTS idx_remote_documents_collection_id
	ON remote_documents(collection_id, read_time_micros);

CREATE TABLE IF NOT EXISTS mutation_batches (
	batch_id INTEGER PRIMARY KEY,
	contents BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS document_mutations (
	doc_key TEXT NOT NULL,
	batch_id INTEGER NOT NULL,
	PRIMARY KEY (doc_key, batch_id)
);
CREATE INDEX IF NOT EXISTS idx_document_mutations_batch
	ON document_mutations(batch_id);

CREATE TABLE IF NOT EXISTS document_overlays (
	doc_key TEXT PRIMARY KEY,
	collection_path TEXT NOT NULL,
	collection_id TEXT NOT NULL,
	largest_batch_id INTEGER NOT NULL,
	contents BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_overlays_batch
	ON document_overlays(largest_batch_id);
CREATE INDEX IF NOT EXISTS idx_overlays_collection
	ON document_overlays(collection_path, largest_batch_id);
CREATE INDEX IF NOT EXISTS idx_overlays_collection_id
	ON document_overlays(collection_id, largest_batch_id);

CREATE TABLE IF NOT EXISTS targets (
	target_id INTEGER PRIMARY KEY,
	canonical_id TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	contents BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_targets_canonical
	ON targets(canonical_id);

CREATE TABLE IF NOT EXISTS target_documents (
	target_id INTEGER NOT NULL,
	doc_key TEXT NOT NULL,
	PRIMARY KEY (target_id, doc_key)
);
CREATE INDEX IF NOT EXISTS idx_target_documents_key
	ON target_documents(doc_key);

CREATE TABLE IF NOT EXISTS field_indexes (
	index_id INTEGER PRIMARY KEY,
	collection_group TEXT NOT NULL,
	field_path TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_field_indexes_group
	ON field_indexes(collection_group);

CREATE TABLE IF NOT EXISTS index_entries (
	index_id INTEGER NOT NULL,
	doc_key TEXT NOT NULL,
	collection_path TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (index_id, doc_key)
);
`

// DB is a Persistence backed by an embedded SQLite file.
type DB struct {
	conn *sql.DB
	path string

	// inTx guards against nested transactions. The owning client
	// serializes access through its operation queue, so this only trips
	// on programming errors.
	inTx atomic.Bool
}

// Open opens or creates the database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps every statement of a transaction on the
	// same SQLite handle and sidesteps writer contention.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()

		return nil, errors.WrapRetryable(fmt.Errorf("ping database: %w", err))
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()

			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schemaDDL); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if _, err := conn.Exec(
		`INSERT INTO metadata (id) VALUES (1) ON CONFLICT(id) DO NOTHING`,
	); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("seed metadata: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Close checkpoints the WAL and closes the database.
func (d *DB) Close() error {
	if d.conn == nil {
		return nil
	}

	_, _ = d.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := d.conn.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	d.conn = nil

	return nil
}

// transaction wraps one SQL transaction. The context is request scoped;
// it lives exactly as long as the RunTransaction call that created it.
type transaction struct {
	label string
	mode  local.TransactionMode

	ctx context.Context
	tx  *sql.Tx
}

// Label returns the operation name this transaction runs under.
func (t *transaction) Label() string {
	return t.label
}

// Mode returns whether this transaction may write.
func (t *transaction) Mode() local.TransactionMode {
	return t.mode
}

func txnOf(tx local.Transaction) (*transaction, error) {
	t, ok := tx.(*transaction)
	if !ok {
		return nil, errors.Internal("transaction does not belong to the sqlite database")
	}

	return t, nil
}

// RunTransaction runs fn inside one SQL transaction. Read-only
// transactions always roll back.
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

	sqlTx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapRetryable(fmt.Errorf("begin %s: %w", label, err))
	}

	t := &transaction{label: label, mode: mode, ctx: ctx, tx: sqlTx}
	if err := fn(t); err != nil {
		_ = sqlTx.Rollback()

		return err
	}
	if mode == local.ReadOnly {
		return sqlTx.Rollback()
	}
	if err := sqlTx.Commit(); err != nil {
		return errors.WrapRetryable(fmt.Errorf("commit %s: %w", label, err))
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

type metadataRow struct {
	HighestTargetID         int32
	HighestSequenceNumber   int64
	HighestBatchID          int64
	HighestFieldIndexID     int64
	LastRemoteVersionMicros int64
	LastStreamToken         []byte
}

func getMetadata(t *transaction) (*metadataRow, error) {
	var meta metadataRow
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT highest_target_id, highest_sequence_number, highest_batch_id,
		        highest_field_index_id, last_remote_version_micros, last_stream_token
		 FROM metadata WHERE id = 1`,
	).Scan(
		&meta.HighestTargetID,
		&meta.HighestSequenceNumber,
		&meta.HighestBatchID,
		&meta.HighestFieldIndexID,
		&meta.LastRemoteVersionMicros,
		&meta.LastStreamToken,
	)
	if err != nil {
		return nil, errors.WrapRetryable(fmt.Errorf("fetch metadata: %w", err))
	}

	return &meta, nil
}

func updateMetadata(t *transaction, fn func(meta *metadataRow)) (*metadataRow, error) {
	meta, err := getMetadata(t)
	if err != nil {
		return nil, err
	}
	fn(meta)

	if _, err := t.tx.ExecContext(t.ctx,
		`UPDATE metadata SET highest_target_id = ?, highest_sequence_number = ?,
		        highest_batch_id = ?, highest_field_index_id = ?,
		        last_remote_version_micros = ?, last_stream_token = ?
		 WHERE id = 1`,
		meta.HighestTargetID,
		meta.HighestSequenceNumber,
		meta.HighestBatchID,
		meta.HighestFieldIndexID,
		meta.LastRemoteVersionMicros,
		meta.LastStreamToken,
	); err != nil {
		return nil, errors.WrapRetryable(fmt.Errorf("update metadata: %w", err))
	}

	return meta, nil
}
