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

package memory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/local/memory"
	"github.com/wallaby-db/wallaby/local/storetest"
)

func TestDB(t *testing.T) {
	newDB := func(t *testing.T) local.Persistence {
		t.Helper()

		db, err := memory.New()
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
