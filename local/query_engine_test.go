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

package local_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/query"
)

// newEngine builds a query engine over a fresh store's persistence. The
// store seeds pending writes; the engine reads the same caches.
func newEngine(t *testing.T) (*local.QueryEngine, *local.Store, local.Persistence) {
	t.Helper()

	store, p := newStore(t)

	return local.NewQueryEngine(p, local.NewDocumentsView(p)), store, p
}

// seedCache stores server revisions with the given read time.
func seedCache(t *testing.T, p local.Persistence, readTime document.Version, docs ...*document.Document) {
	t.Helper()

	write(t, p, func(tx local.Transaction) error {
		for _, doc := range docs {
			if err := p.RemoteDocuments().SetEntry(tx, doc, readTime); err != nil {
				return err
			}
		}

		return nil
	})
}

// runQuery executes the query through the engine in one transaction.
func runQuery(
	t *testing.T,
	p local.Persistence,
	engine *local.QueryEngine,
	q query.Query,
	limboFree document.Version,
	remoteKeys map[key.Key]struct{},
) map[key.Key]*document.Document {
	t.Helper()

	var docs map[key.Key]*document.Document
	read(t, p, func(tx local.Transaction) error {
		got, err := engine.GetDocumentsMatchingQuery(tx, q, limboFree, remoteKeys)
		assert.NoError(t, err)
		docs = got

		return nil
	})

	return docs
}

func keysOf(keys ...key.Key) map[key.Key]struct{} {
	out := make(map[key.Key]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}

	return out
}

func TestQueryEngine(t *testing.T) {
	ctx := context.Background()
	size := field.MustParsePath("size")
	sized := func(t *testing.T, n int) field.Object {
		t.Helper()

		return testData(t, map[string]any{"size": n})
	}

	t.Run("document lookups bypass the strategies test", func(t *testing.T) {
		engine, _, p := newEngine(t)
		k := key.MustFromString("rooms/r1")
		seedCache(t, p, version(100), document.NewFound(k, version(10), sized(t, 1)))

		docs := runQuery(t, p, engine, query.MustNew("rooms/r1"), document.Version{}, nil)
		assert.Len(t, docs, 1)
		assert.True(t, docs[k].IsFound())

		docs = runQuery(t, p, engine, query.MustNew("rooms/absent"), document.Version{}, nil)
		assert.Empty(t, docs)
	})

	t.Run("covering index serves the query test", func(t *testing.T) {
		engine, _, p := newEngine(t)
		r1 := key.MustFromString("rooms/r1")
		r2 := key.MustFromString("rooms/r2")
		r3 := key.MustFromString("rooms/r3")

		seedCache(t, p, version(100),
			document.NewFound(r1, version(10), sized(t, 3)),
			document.NewFound(r2, version(20), sized(t, 5)))

		write(t, p, func(tx local.Transaction) error {
			_, err := p.Indexes().AddFieldIndex(tx, "rooms", size)

			return err
		})

		// Stored behind the index's back. A covering index is
		// authoritative, so the entry stays invisible until the index
		// learns about it.
		seedCache(t, p, version(100), document.NewFound(r3, version(30), sized(t, 7)))

		q := query.MustNew("rooms").Where(size, query.OpGreaterThanOrEqual, field.Integer(4))
		docs := runQuery(t, p, engine, q, document.Version{}, nil)
		assert.Len(t, docs, 1)
		assert.Contains(t, docs, r2)

		write(t, p, func(tx local.Transaction) error {
			return p.Indexes().UpdateIndexEntries(tx, map[key.Key]*document.Document{
				r3: document.NewFound(r3, version(30), sized(t, 7)),
			})
		})

		docs = runQuery(t, p, engine, q, document.Version{}, nil)
		assert.Len(t, docs, 2)
		assert.Contains(t, docs, r3)
	})

	t.Run("previous results are reused for filtered queries test", func(t *testing.T) {
		engine, _, p := newEngine(t)
		r1 := key.MustFromString("rooms/r1")
		r2 := key.MustFromString("rooms/r2")
		r4 := key.MustFromString("rooms/r4")
		r5 := key.MustFromString("rooms/r5")

		seedCache(t, p, version(50),
			document.NewFound(r1, version(10), sized(t, 1)),
			document.NewFound(r2, version(20), sized(t, 2)),
			document.NewFound(r4, version(5), sized(t, 4)))
		seedCache(t, p, version(150), document.NewFound(r5, version(150), sized(t, 9)))

		q := query.MustNew("rooms").Where(size, query.OpGreaterThan, field.Integer(0))

		// Previous results plus everything read after the snapshot. r4
		// was read before it and is not part of the previous results, so
		// only a full scan would surface it.
		docs := runQuery(t, p, engine, q, version(100), keysOf(r1, r2))
		assert.Len(t, docs, 3)
		assert.Contains(t, docs, r1)
		assert.Contains(t, docs, r2)
		assert.Contains(t, docs, r5)
		assert.NotContains(t, docs, r4)

		// Without a limbo-free snapshot the engine cannot trust the
		// previous results and scans.
		docs = runQuery(t, p, engine, q, document.Version{}, keysOf(r1, r2))
		assert.Len(t, docs, 4)
		assert.Contains(t, docs, r4)
	})

	t.Run("limit queries refill when previous results shrink test", func(t *testing.T) {
		engine, _, p := newEngine(t)
		r1 := key.MustFromString("rooms/r1")
		r2 := key.MustFromString("rooms/r2")
		r4 := key.MustFromString("rooms/r4")

		seedCache(t, p, version(50),
			document.NewFound(r1, version(10), sized(t, -1)),
			document.NewFound(r2, version(20), sized(t, 2)),
			document.NewFound(r4, version(5), sized(t, 4)))

		q := query.MustNew("rooms").
			Where(size, query.OpGreaterThan, field.Integer(0)).
			OrderBy(size, query.Ascending).
			WithLimit(2)

		// r1 dropped out of the result set, so a document outside the
		// previous results may take the freed slot.
		docs := runQuery(t, p, engine, q, version(100), keysOf(r1, r2))
		assert.Len(t, docs, 2)
		assert.NotContains(t, docs, r1)
		assert.Contains(t, docs, r2)
		assert.Contains(t, docs, r4)
	})

	t.Run("limit queries refill when the edge is pending test", func(t *testing.T) {
		engine, store, p := newEngine(t)
		r1 := key.MustFromString("rooms/r1")
		r2 := key.MustFromString("rooms/r2")
		r4 := key.MustFromString("rooms/r4")

		seedCache(t, p, version(50),
			document.NewFound(r1, version(10), sized(t, 1)),
			document.NewFound(r2, version(20), sized(t, 2)),
			document.NewFound(r4, version(5), sized(t, 4)))

		_, _, err := store.WriteLocally(ctx, []mutation.Mutation{
			mutation.NewPatch(r2, sized(t, 2), field.NewMask(size)),
		})
		assert.NoError(t, err)

		q := query.MustNew("rooms").
			Where(size, query.OpGreaterThan, field.Integer(0)).
			OrderBy(size, query.Ascending).
			WithLimit(2)

		// A pending write on the limit edge may reorder once acknowledged.
		docs := runQuery(t, p, engine, q, version(100), keysOf(r1, r2))
		assert.Len(t, docs, 3)
		assert.Contains(t, docs, r4)
	})

	t.Run("limit queries refill when the edge outruns the snapshot test", func(t *testing.T) {
		engine, _, p := newEngine(t)
		r1 := key.MustFromString("rooms/r1")
		r2 := key.MustFromString("rooms/r2")
		r4 := key.MustFromString("rooms/r4")

		seedCache(t, p, version(50),
			document.NewFound(r1, version(10), sized(t, 1)),
			document.NewFound(r2, version(200), sized(t, 2)),
			document.NewFound(r4, version(5), sized(t, 4)))

		q := query.MustNew("rooms").
			Where(size, query.OpGreaterThan, field.Integer(0)).
			OrderBy(size, query.Ascending).
			WithLimit(2)

		docs := runQuery(t, p, engine, q, version(100), keysOf(r1, r2))
		assert.Len(t, docs, 3)
		assert.Contains(t, docs, r4)
	})

	t.Run("limit queries reuse trusted previous results test", func(t *testing.T) {
		engine, _, p := newEngine(t)
		r1 := key.MustFromString("rooms/r1")
		r2 := key.MustFromString("rooms/r2")
		r4 := key.MustFromString("rooms/r4")

		seedCache(t, p, version(50),
			document.NewFound(r1, version(10), sized(t, 1)),
			document.NewFound(r2, version(20), sized(t, 2)),
			document.NewFound(r4, version(5), sized(t, 4)))

		q := query.MustNew("rooms").
			Where(size, query.OpGreaterThan, field.Integer(0)).
			OrderBy(size, query.Ascending).
			WithLimit(2)

		docs := runQuery(t, p, engine, q, version(100), keysOf(r1, r2))
		assert.Len(t, docs, 2)
		assert.Contains(t, docs, r1)
		assert.Contains(t, docs, r2)
		assert.NotContains(t, docs, r4)
	})

	t.Run("unfiltered queries always scan test", func(t *testing.T) {
		engine, _, p := newEngine(t)
		r1 := key.MustFromString("rooms/r1")
		r4 := key.MustFromString("rooms/r4")

		seedCache(t, p, version(50),
			document.NewFound(r1, version(10), sized(t, 1)),
			document.NewFound(r4, version(5), sized(t, 4)))

		docs := runQuery(t, p, engine, query.MustNew("rooms"), version(100), keysOf(r1))
		assert.Len(t, docs, 2)
		assert.Contains(t, docs, r4)
	})
}
