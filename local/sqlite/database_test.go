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

package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/local/sqlite"
	"github.com/wallaby-db/wallaby/local/storetest"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
)

func TestDB(t *testing.T) {
	newDB := func(t *testing.T) local.Persistence {
		t.Helper()

		db, err := sqlite.Open(filepath.Join(t.TempDir(), "wallaby.db"))
		assert.NoError(t, err)
		t.Cleanup(func() {
			assert.NoError(t, db.Close())
		})

		return db
	}

	t.Run("Transaction test", func(t *testing.T) {
		storetest.RunTransactionTest(t, newDB(t))
	})

	t.Run("RemoteDocumentCache test", func(t *testing.T) {
		storetest.RunRemoteDocumentCacheTest(t, newDB(t))
	})

	t.Run("MutationQueue test", func(t *testing.T) {
		storetest.RunMutationQueueTest(t, newDB(t))
	})

	t.Run("OverlayCache test", func(t *testing.T) {
		storetest.RunOverlayCacheTest(t, newDB(t))
	})

	t.Run("TargetCache test", func(t *testing.T) {
		storetest.RunTargetCacheTest(t, newDB(t))
	})

	t.Run("IndexManager test", func(t *testing.T) {
		storetest.RunIndexManagerTest(t, newDB(t))
	})
}

// TestReopen checks that documents, metadata counters and stream tokens
// survive closing and reopening the same database file.
func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallaby.db")
	ctx := context.Background()

	db, err := sqlite.Open(path)
	assert.NoError(t, err)
	assert.Equal(t, path, db.Path())

	k := key.MustFromString("rooms/r1")
	data, err := field.ObjectFromInterface(map[string]any{"name": "A"})
	assert.NoError(t, err)
	stored := document.NewFound(k, document.NewVersion(time.UnixMicro(1000)), data)

	var batchID int64
	err = db.RunTransaction(ctx, "seed", local.ReadWrite, func(tx local.Transaction) error {
		if err := db.RemoteDocuments().SetEntry(tx, stored, document.NewVersion(time.UnixMicro(2000))); err != nil {
			return err
		}
		if err := db.Mutations().SetLastStreamToken(tx, []byte("token")); err != nil {
			return err
		}

		batch, err := db.Mutations().AddBatch(tx, time.Unix(10, 0), nil, []mutation.Mutation{
			mutation.NewDelete(k),
		})
		if err != nil {
			return err
		}
		batchID = batch.ID()

		return nil
	})
	assert.NoError(t, err)
	assert.NoError(t, db.Close())

	reopened, err := sqlite.Open(path)
	assert.NoError(t, err)
	defer func() {
		assert.NoError(t, reopened.Close())
	}()

	err = reopened.RunTransaction(ctx, "verify", local.ReadWrite, func(tx local.Transaction) error {
		doc, err := reopened.RemoteDocuments().GetEntry(tx, k)
		assert.NoError(t, err)
		assert.True(t, doc.Equal(stored))

		token, err := reopened.Mutations().LastStreamToken(tx)
		assert.NoError(t, err)
		assert.Equal(t, []byte("token"), token)

		pending, err := reopened.Mutations().LookupBatch(tx, batchID)
		assert.NoError(t, err)
		assert.Equal(t, batchID, pending.ID())

		// Counters continue where the previous session stopped.
		next, err := reopened.Mutations().AddBatch(tx, time.Unix(20, 0), nil, []mutation.Mutation{
			mutation.NewDelete(k),
		})
		assert.NoError(t, err)
		assert.Equal(t, batchID+1, next.ID())

		return nil
	})
	assert.NoError(t, err)
}
