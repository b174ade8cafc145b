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

// Package storetest contains testcases for the persistence contract. It
// is used by persistence implementations to test their own
// implementations with the same testcases. Every Run function expects a
// freshly opened store.
package storetest

import (
	"context"
	goerrors "errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/query"
)

// write runs fn inside a read-write transaction and expects it to
// commit.
func write(t *testing.T, p local.Persistence, fn func(tx local.Transaction) error) {
	t.Helper()

	assert.NoError(t, p.RunTransaction(context.Background(), t.Name(), local.ReadWrite, fn))
}

// read runs fn inside a read-only transaction.
func read(t *testing.T, p local.Persistence, fn func(tx local.Transaction) error) {
	t.Helper()

	assert.NoError(t, p.RunTransaction(context.Background(), t.Name(), local.ReadOnly, fn))
}

func testData(t *testing.T, fields map[string]any) field.Object {
	t.Helper()

	data, err := field.ObjectFromInterface(fields)
	assert.NoError(t, err)

	return data
}

// version builds a document version from a microsecond offset. Offsets
// start at one; zero is the unknown version.
func version(micros int64) document.Version {
	return document.NewVersion(time.UnixMicro(micros))
}

// RunTransactionTest runs the transaction semantics tests for the given
// persistence.
func RunTransactionTest(t *testing.T, p local.Persistence) {
	t.Run("transaction metadata test", func(t *testing.T) {
		err := p.RunTransaction(context.Background(), "metadata", local.ReadOnly, func(tx local.Transaction) error {
			assert.Equal(t, "metadata", tx.Label())
			assert.Equal(t, local.ReadOnly, tx.Mode())

			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("failed transaction rolls back test", func(t *testing.T) {
		k := key.MustFromString("txn/rollback")
		boom := goerrors.New("boom")

		err := p.RunTransaction(context.Background(), t.Name(), local.ReadWrite, func(tx local.Transaction) error {
			doc := document.NewFound(k, version(10), testData(t, map[string]any{"name": "A"}))
			if err := p.RemoteDocuments().SetEntry(tx, doc, version(10)); err != nil {
				return err
			}

			return boom
		})
		assert.ErrorIs(t, err, boom)

		read(t, p, func(tx local.Transaction) error {
			doc, err := p.RemoteDocuments().GetEntry(tx, k)
			assert.NoError(t, err)
			assert.False(t, doc.IsValid())

			return nil
		})
	})

	t.Run("committed transaction persists test", func(t *testing.T) {
		k := key.MustFromString("txn/commit")
		stored := document.NewFound(k, version(20), testData(t, map[string]any{"name": "B"}))

		write(t, p, func(tx local.Transaction) error {
			return p.RemoteDocuments().SetEntry(tx, stored, version(20))
		})

		read(t, p, func(tx local.Transaction) error {
			doc, err := p.RemoteDocuments().GetEntry(tx, k)
			assert.NoError(t, err)
			assert.True(t, doc.Equal(stored))

			return nil
		})
	})

	t.Run("nested transaction test", func(t *testing.T) {
		ctx := context.Background()

		err := p.RunTransaction(ctx, "outer", local.ReadWrite, func(local.Transaction) error {
			return p.RunTransaction(ctx, "inner", local.ReadOnly, func(local.Transaction) error {
				return nil
			})
		})
		assert.ErrorIs(t, err, local.ErrNestedTransaction)

		// The store accepts transactions again after the outer rollback.
		assert.NoError(t, p.RunTransaction(ctx, "after", local.ReadOnly, func(local.Transaction) error {
			return nil
		}))
	})

	t.Run("canceled context test", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := p.RunTransaction(ctx, "canceled", local.ReadWrite, func(local.Transaction) error {
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// RunRemoteDocumentCacheTest runs the remote document cache tests for
// the given persistence.
func RunRemoteDocumentCacheTest(t *testing.T, p local.Persistence) {
	docs := p.RemoteDocuments()

	t.Run("document round trip test", func(t *testing.T) {
		k := key.MustFromString("docs/d1")
		stored := document.NewFound(k, version(1000), testData(t, map[string]any{
			"name":  "A",
			"size":  3,
			"open":  true,
			"score": 1.5,
		}))

		write(t, p, func(tx local.Transaction) error {
			return docs.SetEntry(tx, stored, version(2000))
		})

		read(t, p, func(tx local.Transaction) error {
			got, err := docs.GetEntry(tx, k)
			assert.NoError(t, err)
			assert.True(t, got.Equal(stored))
			assert.Equal(t, 0, got.Version().Compare(version(1000)))
			assert.Equal(t, 0, got.ReadTime().Compare(version(2000)))

			name, ok := got.Field(field.MustParsePath("name"))
			assert.True(t, ok)
			assert.True(t, field.Equal(field.String("A"), name))

			return nil
		})
	})

	t.Run("handed out documents are detached test", func(t *testing.T) {
		k := key.MustFromString("docs/detached")
		stored := document.NewFound(k, version(1), testData(t, map[string]any{"name": "A"}))

		write(t, p, func(tx local.Transaction) error {
			return docs.SetEntry(tx, stored, version(1))
		})

		// Mutating the caller's document after SetEntry must not reach
		// the cache, and neither must mutating a handed out copy.
		stored.WithLocalMutations()

		read(t, p, func(tx local.Transaction) error {
			first, err := docs.GetEntry(tx, k)
			assert.NoError(t, err)
			assert.False(t, first.HasLocalMutations())
			first.WithLocalMutations()

			second, err := docs.GetEntry(tx, k)
			assert.NoError(t, err)
			assert.False(t, second.HasLocalMutations())

			return nil
		})
	})

	t.Run("missing entry test", func(t *testing.T) {
		k := key.MustFromString("docs/absent")

		read(t, p, func(tx local.Transaction) error {
			got, err := docs.GetEntry(tx, k)
			assert.NoError(t, err)
			assert.False(t, got.IsValid())
			assert.False(t, got.IsFound())
			assert.Equal(t, k, got.Key())

			return nil
		})
	})

	t.Run("get entries test", func(t *testing.T) {
		k1 := key.MustFromString("entries/e1")
		k2 := key.MustFromString("entries/e2")
		k3 := key.MustFromString("entries/absent")
		d1 := document.NewFound(k1, version(1), testData(t, map[string]any{"n": 1}))
		d2 := document.NewFound(k2, version(2), testData(t, map[string]any{"n": 2}))

		write(t, p, func(tx local.Transaction) error {
			if err := docs.SetEntry(tx, d1, version(1)); err != nil {
				return err
			}

			return docs.SetEntry(tx, d2, version(2))
		})

		read(t, p, func(tx local.Transaction) error {
			got, err := docs.GetEntries(tx, []key.Key{k1, k2, k3})
			assert.NoError(t, err)
			assert.Len(t, got, 3)
			assert.True(t, got[k1].Equal(d1))
			assert.True(t, got[k2].Equal(d2))
			assert.False(t, got[k3].IsValid())

			return nil
		})
	})

	t.Run("remove entry test", func(t *testing.T) {
		k := key.MustFromString("docs/removed")

		write(t, p, func(tx local.Transaction) error {
			doc := document.NewFound(k, version(1), testData(t, map[string]any{"n": 1}))
			if err := docs.SetEntry(tx, doc, version(1)); err != nil {
				return err
			}

			return docs.RemoveEntry(tx, k)
		})

		read(t, p, func(tx local.Transaction) error {
			got, err := docs.GetEntry(tx, k)
			assert.NoError(t, err)
			assert.False(t, got.IsValid())

			return nil
		})

		// Removing an uncached entry is a no-op.
		write(t, p, func(tx local.Transaction) error {
			return docs.RemoveEntry(tx, k)
		})
	})

	t.Run("document states round trip test", func(t *testing.T) {
		missing := document.NewMissing(key.MustFromString("states/missing"), version(5))
		unknown := document.NewUnknown(key.MustFromString("states/unknown"), version(6))
		committed := document.NewFound(
			key.MustFromString("states/committed"),
			version(7),
			testData(t, map[string]any{"n": 7}),
		).WithCommittedMutations()

		write(t, p, func(tx local.Transaction) error {
			for _, doc := range []*document.Document{missing, unknown, committed} {
				if err := docs.SetEntry(tx, doc, version(10)); err != nil {
					return err
				}
			}

			return nil
		})

		read(t, p, func(tx local.Transaction) error {
			got, err := docs.GetEntry(tx, missing.Key())
			assert.NoError(t, err)
			assert.True(t, got.IsMissing())
			assert.True(t, got.Equal(missing))

			got, err = docs.GetEntry(tx, unknown.Key())
			assert.NoError(t, err)
			assert.True(t, got.IsUnknown())
			assert.True(t, got.Equal(unknown))

			got, err = docs.GetEntry(tx, committed.Key())
			assert.NoError(t, err)
			assert.True(t, got.IsFound())
			assert.True(t, got.HasCommittedMutations())
			assert.True(t, got.HasPendingWrites())
			assert.True(t, got.Equal(committed))

			return nil
		})
	})

	t.Run("documents matching query test", func(t *testing.T) {
		r1 := key.MustFromString("match-rooms/r1")
		r2 := key.MustFromString("match-rooms/r2")
		gone := key.MustFromString("match-rooms/gone")
		sub := key.MustFromString("match-rooms/r1/messages/m1")
		other := key.MustFromString("match-other/o1")

		write(t, p, func(tx local.Transaction) error {
			entries := map[key.Key]document.Version{
				r1:    version(100),
				r2:    version(200),
				sub:   version(300),
				other: version(100),
			}
			for k, readTime := range entries {
				doc := document.NewFound(k, version(1), testData(t, map[string]any{"n": 1}))
				if err := docs.SetEntry(tx, doc, readTime); err != nil {
					return err
				}
			}

			// Deletions stay visible to collection scans as tombstones.
			return docs.SetEntry(tx, document.NewMissing(gone, version(150)), version(150))
		})

		q := query.MustNew("match-rooms")

		read(t, p, func(tx local.Transaction) error {
			got, err := docs.GetDocumentsMatchingQuery(tx, q, document.Version{}, nil)
			assert.NoError(t, err)
			assert.Len(t, got, 3)
			assert.Contains(t, got, r1)
			assert.Contains(t, got, r2)
			assert.Contains(t, got, gone)
			assert.True(t, got[gone].IsMissing())

			// Only documents read strictly after the given read time.
			got, err = docs.GetDocumentsMatchingQuery(tx, q, version(150), nil)
			assert.NoError(t, err)
			assert.Len(t, got, 1)
			assert.Contains(t, got, r2)

			// Mutated documents are included regardless of read time.
			got, err = docs.GetDocumentsMatchingQuery(tx, q, version(300), map[key.Key]struct{}{r1: {}})
			assert.NoError(t, err)
			assert.Len(t, got, 1)
			assert.Contains(t, got, r1)

			// Mutated documents without a cached base are not invented.
			ghost := key.MustFromString("match-rooms/ghost")
			got, err = docs.GetDocumentsMatchingQuery(tx, q, version(300), map[key.Key]struct{}{ghost: {}})
			assert.NoError(t, err)
			assert.Empty(t, got)

			return nil
		})
	})

	t.Run("collection group query test", func(t *testing.T) {
		m1 := key.MustFromString("group-a/p1/match-msg/m1")
		m2 := key.MustFromString("group-b/p2/match-msg/m2")

		write(t, p, func(tx local.Transaction) error {
			for _, k := range []key.Key{m1, m2} {
				doc := document.NewFound(k, version(1), testData(t, map[string]any{"n": 1}))
				if err := docs.SetEntry(tx, doc, version(50)); err != nil {
					return err
				}
			}

			return nil
		})

		q, err := query.NewCollectionGroup("match-msg")
		assert.NoError(t, err)

		read(t, p, func(tx local.Transaction) error {
			got, err := docs.GetDocumentsMatchingQuery(tx, q, document.Version{}, nil)
			assert.NoError(t, err)
			assert.Len(t, got, 2)
			assert.Contains(t, got, m1)
			assert.Contains(t, got, m2)

			return nil
		})
	})

	t.Run("for each entry test", func(t *testing.T) {
		keys := []key.Key{
			key.MustFromString("each/e1"),
			key.MustFromString("each/e2"),
			key.MustFromString("each/e3"),
		}

		write(t, p, func(tx local.Transaction) error {
			for i, k := range keys {
				doc := document.NewFound(k, version(int64(i+1)), testData(t, map[string]any{"n": i}))
				if err := docs.SetEntry(tx, doc, version(int64(i+1)*10)); err != nil {
					return err
				}
			}

			return nil
		})

		read(t, p, func(tx local.Transaction) error {
			visited := 0
			err := docs.ForEachEntry(tx, func(doc *document.Document, readTime document.Version) error {
				if doc.Key().CollectionPath() == "each" {
					visited++
					assert.Equal(t, 0, doc.ReadTime().Compare(readTime))
				}

				return nil
			})
			assert.NoError(t, err)
			assert.Equal(t, len(keys), visited)

			boom := goerrors.New("stop")
			visited = 0
			err = docs.ForEachEntry(tx, func(*document.Document, document.Version) error {
				visited++

				return boom
			})
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, 1, visited)

			return nil
		})
	})
}

// RunMutationQueueTest runs the mutation queue tests for the given
// persistence.
func RunMutationQueueTest(t *testing.T, p local.Persistence) {
	queue := p.Mutations()

	t.Run("empty queue test", func(t *testing.T) {
		read(t, p, func(tx local.Transaction) error {
			highest, err := queue.HighestUnacknowledgedBatchID(tx)
			assert.NoError(t, err)
			assert.Equal(t, int64(-1), highest)

			batches, err := queue.AllBatches(tx)
			assert.NoError(t, err)
			assert.Empty(t, batches)

			batch, err := queue.LookupBatch(tx, 1)
			assert.NoError(t, err)
			assert.Nil(t, batch)

			batch, err = queue.NextBatchAfter(tx, -1)
			assert.NoError(t, err)
			assert.Nil(t, batch)

			return nil
		})
	})

	t.Run("batch lifecycle test", func(t *testing.T) {
		k1 := key.MustFromString("queue/a")
		k2 := key.MustFromString("queue/b")
		k3 := key.MustFromString("queue/c")
		writeTime := time.Unix(100, 2000)

		var b1, b2, b3 *mutation.Batch
		write(t, p, func(tx local.Transaction) error {
			base := []mutation.Mutation{
				mutation.NewPatch(k1, testData(t, map[string]any{"size": 1}), field.NewMask(field.MustParsePath("size"))),
			}
			muts := []mutation.Mutation{
				mutation.NewSet(k1, testData(t, map[string]any{"size": 2}),
					mutation.NewServerTimestampTransform(field.MustParsePath("updatedAt"))),
			}

			var err error
			if b1, err = queue.AddBatch(tx, writeTime, base, muts); err != nil {
				return err
			}
			if b2, err = queue.AddBatch(tx, writeTime, nil, []mutation.Mutation{mutation.NewDelete(k2)}); err != nil {
				return err
			}
			b3, err = queue.AddBatch(tx, writeTime, nil, []mutation.Mutation{
				mutation.NewSet(k3, testData(t, map[string]any{"n": 3})),
			})

			return err
		})

		assert.Equal(t, int64(1), b1.ID())
		assert.Equal(t, b1.ID()+1, b2.ID())
		assert.Equal(t, b2.ID()+1, b3.ID())

		read(t, p, func(tx local.Transaction) error {
			got, err := queue.LookupBatch(tx, b1.ID())
			assert.NoError(t, err)
			assert.Equal(t, b1.ID(), got.ID())
			assert.True(t, got.LocalWriteTime().Equal(b1.LocalWriteTime()))
			assert.Len(t, got.BaseMutations(), 1)
			assert.Equal(t, mutation.TypePatch, got.BaseMutations()[0].Type())
			assert.Len(t, got.Mutations(), 1)
			assert.Equal(t, mutation.TypeSet, got.Mutations()[0].Type())
			assert.Equal(t, k1, got.Mutations()[0].Key())
			assert.Len(t, got.Mutations()[0].Transforms(), 1)
			assert.Contains(t, got.Keys(), k1)

			next, err := queue.NextBatchAfter(tx, 0)
			assert.NoError(t, err)
			assert.Equal(t, b1.ID(), next.ID())

			next, err = queue.NextBatchAfter(tx, b1.ID())
			assert.NoError(t, err)
			assert.Equal(t, b2.ID(), next.ID())

			next, err = queue.NextBatchAfter(tx, b3.ID())
			assert.NoError(t, err)
			assert.Nil(t, next)

			batches, err := queue.AllBatches(tx)
			assert.NoError(t, err)
			ids := make([]int64, 0, len(batches))
			for _, b := range batches {
				ids = append(ids, b.ID())
			}
			assert.Equal(t, []int64{b1.ID(), b2.ID(), b3.ID()}, ids)

			highest, err := queue.HighestUnacknowledgedBatchID(tx)
			assert.NoError(t, err)
			assert.Equal(t, b3.ID(), highest)

			return nil
		})

		// Batches acknowledge in FIFO order; removing one twice is a bug.
		write(t, p, func(tx local.Transaction) error {
			if err := queue.RemoveBatch(tx, b1); err != nil {
				return err
			}

			got, err := queue.LookupBatch(tx, b1.ID())
			assert.NoError(t, err)
			assert.Nil(t, got)

			assert.ErrorIs(t, queue.RemoveBatch(tx, b1), local.ErrBatchNotFound)

			highest, err := queue.HighestUnacknowledgedBatchID(tx)
			assert.NoError(t, err)
			assert.Equal(t, b3.ID(), highest)

			if err := queue.RemoveBatch(tx, b2); err != nil {
				return err
			}

			return queue.RemoveBatch(tx, b3)
		})

		read(t, p, func(tx local.Transaction) error {
			highest, err := queue.HighestUnacknowledgedBatchID(tx)
			assert.NoError(t, err)
			assert.Equal(t, int64(-1), highest)

			batches, err := queue.AllBatches(tx)
			assert.NoError(t, err)
			assert.Empty(t, batches)

			return nil
		})
	})

	t.Run("batches affecting keys test", func(t *testing.T) {
		k1 := key.MustFromString("affect/a")
		k2 := key.MustFromString("affect/b")
		writeTime := time.Unix(200, 0)

		var b1, b2, b3 *mutation.Batch
		write(t, p, func(tx local.Transaction) error {
			var err error
			if b1, err = queue.AddBatch(tx, writeTime, nil, []mutation.Mutation{
				mutation.NewSet(k1, testData(t, map[string]any{"n": 1})),
			}); err != nil {
				return err
			}
			if b2, err = queue.AddBatch(tx, writeTime, nil, []mutation.Mutation{
				mutation.NewSet(k2, testData(t, map[string]any{"n": 2})),
			}); err != nil {
				return err
			}
			b3, err = queue.AddBatch(tx, writeTime, nil, []mutation.Mutation{
				mutation.NewPatch(k1, testData(t, map[string]any{"n": 3}), field.NewMask(field.MustParsePath("n"))),
				mutation.NewDelete(k2),
			})

			return err
		})

		read(t, p, func(tx local.Transaction) error {
			ids := func(batches []*mutation.Batch) []int64 {
				out := make([]int64, 0, len(batches))
				for _, b := range batches {
					out = append(out, b.ID())
				}

				return out
			}

			batches, err := queue.AllBatchesAffectingKeys(tx, []key.Key{k1})
			assert.NoError(t, err)
			assert.Equal(t, []int64{b1.ID(), b3.ID()}, ids(batches))

			batches, err = queue.AllBatchesAffectingKeys(tx, []key.Key{k2})
			assert.NoError(t, err)
			assert.Equal(t, []int64{b2.ID(), b3.ID()}, ids(batches))

			// A batch touching several of the keys appears once.
			batches, err = queue.AllBatchesAffectingKeys(tx, []key.Key{k1, k2})
			assert.NoError(t, err)
			assert.Equal(t, []int64{b1.ID(), b2.ID(), b3.ID()}, ids(batches))

			batches, err = queue.AllBatchesAffectingKeys(tx, []key.Key{key.MustFromString("affect/none")})
			assert.NoError(t, err)
			assert.Empty(t, batches)

			batches, err = queue.AllBatchesAffectingKeys(tx, nil)
			assert.NoError(t, err)
			assert.Empty(t, batches)

			return nil
		})
	})

	t.Run("stream token test", func(t *testing.T) {
		read(t, p, func(tx local.Transaction) error {
			token, err := queue.LastStreamToken(tx)
			assert.NoError(t, err)
			assert.Empty(t, token)

			return nil
		})

		write(t, p, func(tx local.Transaction) error {
			return queue.SetLastStreamToken(tx, []byte("token-1"))
		})

		write(t, p, func(tx local.Transaction) error {
			token, err := queue.LastStreamToken(tx)
			assert.NoError(t, err)
			assert.Equal(t, []byte("token-1"), token)

			return queue.SetLastStreamToken(tx, []byte("token-2"))
		})

		read(t, p, func(tx local.Transaction) error {
			token, err := queue.LastStreamToken(tx)
			assert.NoError(t, err)
			assert.Equal(t, []byte("token-2"), token)

			return nil
		})
	})
}

// RunOverlayCacheTest runs the overlay cache tests for the given
// persistence.
func RunOverlayCacheTest(t *testing.T, p local.Persistence) {
	overlays := p.Overlays()

	t.Run("overlay round trip test", func(t *testing.T) {
		k := key.MustFromString("ovl/d1")

		read(t, p, func(tx local.Transaction) error {
			_, ok, err := overlays.GetOverlay(tx, k)
			assert.NoError(t, err)
			assert.False(t, ok)

			return nil
		})

		write(t, p, func(tx local.Transaction) error {
			return overlays.SaveOverlays(tx, 3, map[key.Key]mutation.Mutation{
				k: mutation.NewSet(k, testData(t, map[string]any{"n": 1})),
			})
		})

		read(t, p, func(tx local.Transaction) error {
			got, ok, err := overlays.GetOverlay(tx, k)
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, int64(3), got.LargestBatchID())
			assert.Equal(t, k, got.Key())
			assert.Equal(t, mutation.TypeSet, got.Mutation().Type())

			return nil
		})

		// Saving again replaces, a nil mutation removes.
		write(t, p, func(tx local.Transaction) error {
			return overlays.SaveOverlays(tx, 4, map[key.Key]mutation.Mutation{
				k: mutation.NewDelete(k),
			})
		})

		read(t, p, func(tx local.Transaction) error {
			got, ok, err := overlays.GetOverlay(tx, k)
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, int64(4), got.LargestBatchID())
			assert.Equal(t, mutation.TypeDelete, got.Mutation().Type())

			return nil
		})

		write(t, p, func(tx local.Transaction) error {
			return overlays.SaveOverlays(tx, 5, map[key.Key]mutation.Mutation{k: nil})
		})

		read(t, p, func(tx local.Transaction) error {
			_, ok, err := overlays.GetOverlay(tx, k)
			assert.NoError(t, err)
			assert.False(t, ok)

			return nil
		})
	})

	t.Run("overlays by keys test", func(t *testing.T) {
		k1 := key.MustFromString("ovlkeys/a")
		k2 := key.MustFromString("ovlkeys/b")
		k3 := key.MustFromString("ovlkeys/absent")

		write(t, p, func(tx local.Transaction) error {
			return overlays.SaveOverlays(tx, 1, map[key.Key]mutation.Mutation{
				k1: mutation.NewSet(k1, testData(t, map[string]any{"n": 1})),
				k2: mutation.NewDelete(k2),
			})
		})

		read(t, p, func(tx local.Transaction) error {
			got, err := overlays.GetOverlays(tx, []key.Key{k1, k2, k3})
			assert.NoError(t, err)
			assert.Len(t, got, 2)
			assert.Equal(t, mutation.TypeSet, got[k1].Mutation().Type())
			assert.Equal(t, mutation.TypeDelete, got[k2].Mutation().Type())
			assert.NotContains(t, got, k3)

			return nil
		})
	})

	t.Run("remove overlays for batch test", func(t *testing.T) {
		k1 := key.MustFromString("ovlbatch/a")
		k2 := key.MustFromString("ovlbatch/b")
		k3 := key.MustFromString("ovlbatch/c")

		write(t, p, func(tx local.Transaction) error {
			if err := overlays.SaveOverlays(tx, 7, map[key.Key]mutation.Mutation{
				k1: mutation.NewSet(k1, testData(t, map[string]any{"n": 1})),
				k2: mutation.NewSet(k2, testData(t, map[string]any{"n": 2})),
			}); err != nil {
				return err
			}

			return overlays.SaveOverlays(tx, 8, map[key.Key]mutation.Mutation{
				k3: mutation.NewSet(k3, testData(t, map[string]any{"n": 3})),
			})
		})

		write(t, p, func(tx local.Transaction) error {
			return overlays.RemoveOverlaysForBatchID(tx, 7)
		})

		read(t, p, func(tx local.Transaction) error {
			got, err := overlays.GetOverlays(tx, []key.Key{k1, k2, k3})
			assert.NoError(t, err)
			assert.Len(t, got, 1)
			assert.Contains(t, got, k3)

			return nil
		})
	})

	t.Run("collection overlays test", func(t *testing.T) {
		r1 := key.MustFromString("ovlcoll/r1")
		r2 := key.MustFromString("ovlcoll/r2")
		sub := key.MustFromString("ovlcoll/r1/ovlsub/m1")
		other := key.MustFromString("ovlother/o1")

		write(t, p, func(tx local.Transaction) error {
			if err := overlays.SaveOverlays(tx, 1, map[key.Key]mutation.Mutation{
				r1: mutation.NewSet(r1, testData(t, map[string]any{"n": 1})),
			}); err != nil {
				return err
			}

			return overlays.SaveOverlays(tx, 2, map[key.Key]mutation.Mutation{
				r2:    mutation.NewSet(r2, testData(t, map[string]any{"n": 2})),
				sub:   mutation.NewSet(sub, testData(t, map[string]any{"n": 3})),
				other: mutation.NewSet(other, testData(t, map[string]any{"n": 4})),
			})
		})

		read(t, p, func(tx local.Transaction) error {
			got, err := overlays.GetOverlaysForCollection(tx, "ovlcoll", 0)
			assert.NoError(t, err)
			assert.Len(t, got, 2)
			assert.Contains(t, got, r1)
			assert.Contains(t, got, r2)

			got, err = overlays.GetOverlaysForCollection(tx, "ovlcoll", 1)
			assert.NoError(t, err)
			assert.Len(t, got, 1)
			assert.Contains(t, got, r2)

			got, err = overlays.GetOverlaysForCollection(tx, "ovlcoll", 2)
			assert.NoError(t, err)
			assert.Empty(t, got)

			return nil
		})
	})

	t.Run("collection group overlays test", func(t *testing.T) {
		m1 := key.MustFromString("ovlga/p1/ovlmsg/m1")
		m2 := key.MustFromString("ovlgb/p2/ovlmsg/m2")

		write(t, p, func(tx local.Transaction) error {
			if err := overlays.SaveOverlays(tx, 1, map[key.Key]mutation.Mutation{
				m1: mutation.NewSet(m1, testData(t, map[string]any{"n": 1})),
			}); err != nil {
				return err
			}

			return overlays.SaveOverlays(tx, 2, map[key.Key]mutation.Mutation{
				m2: mutation.NewSet(m2, testData(t, map[string]any{"n": 2})),
			})
		})

		read(t, p, func(tx local.Transaction) error {
			got, err := overlays.GetOverlaysForCollectionGroup(tx, "ovlmsg", 0)
			assert.NoError(t, err)
			assert.Len(t, got, 2)
			assert.Contains(t, got, m1)
			assert.Contains(t, got, m2)

			got, err = overlays.GetOverlaysForCollectionGroup(tx, "ovlmsg", 1)
			assert.NoError(t, err)
			assert.Len(t, got, 1)
			assert.Contains(t, got, m2)

			return nil
		})
	})
}

// RunTargetCacheTest runs the target cache tests for the given
// persistence.
func RunTargetCacheTest(t *testing.T, p local.Persistence) {
	targets := p.Targets()

	t.Run("target id allocation test", func(t *testing.T) {
		var first, second int32
		write(t, p, func(tx local.Transaction) error {
			var err error
			if first, err = targets.AllocateTargetID(tx); err != nil {
				return err
			}
			second, err = targets.AllocateTargetID(tx)

			return err
		})

		// Persisted target IDs are even and step by two, leaving the odd
		// space to synthetic targets that never touch storage.
		assert.Equal(t, int32(2), first)
		assert.Equal(t, int32(4), second)
		assert.Zero(t, first%2)
	})

	t.Run("sequence number test", func(t *testing.T) {
		var first, second int64
		write(t, p, func(tx local.Transaction) error {
			var err error
			if first, err = targets.NextSequenceNumber(tx); err != nil {
				return err
			}
			second, err = targets.NextSequenceNumber(tx)

			return err
		})

		assert.Equal(t, int64(1), first)
		assert.Equal(t, first+1, second)
	})

	t.Run("target lifecycle test", func(t *testing.T) {
		q := query.MustNew("tgt-rooms").
			Where(field.MustParsePath("open"), query.OpEqual, field.Boolean(true))

		var data local.TargetData
		write(t, p, func(tx local.Transaction) error {
			id, err := targets.AllocateTargetID(tx)
			if err != nil {
				return err
			}
			seq, err := targets.NextSequenceNumber(tx)
			if err != nil {
				return err
			}

			data = local.NewTargetData(q, id, seq, local.PurposeListen).
				WithResumeToken([]byte("tok-1"), version(500)).
				WithLastLimboFreeSnapshotVersion(version(400))

			return targets.AddTarget(tx, data)
		})

		read(t, p, func(tx local.Transaction) error {
			got, ok, err := targets.GetTarget(tx, q)
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, data.TargetID(), got.TargetID())
			assert.Equal(t, data.SequenceNumber(), got.SequenceNumber())
			assert.Equal(t, local.PurposeListen, got.Purpose())
			assert.Equal(t, []byte("tok-1"), got.ResumeToken())
			assert.Equal(t, 0, got.SnapshotVersion().Compare(version(500)))
			assert.Equal(t, 0, got.LastLimboFreeSnapshotVersion().Compare(version(400)))
			assert.Equal(t, q.CanonicalID(), got.Target().CanonicalID())

			byID, ok, err := targets.GetTargetByID(tx, data.TargetID())
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, q.CanonicalID(), byID.Target().CanonicalID())

			// A query with different filters is a different target even
			// on the same collection.
			_, ok, err = targets.GetTarget(tx, query.MustNew("tgt-rooms"))
			assert.NoError(t, err)
			assert.False(t, ok)

			_, ok, err = targets.GetTargetByID(tx, 999)
			assert.NoError(t, err)
			assert.False(t, ok)

			return nil
		})

		write(t, p, func(tx local.Transaction) error {
			seq, err := targets.NextSequenceNumber(tx)
			if err != nil {
				return err
			}
			updated := data.
				WithResumeToken([]byte("tok-2"), version(600)).
				WithSequenceNumber(seq).
				WithPurpose(local.PurposeExistenceFilterMismatch)

			return targets.UpdateTarget(tx, updated)
		})

		read(t, p, func(tx local.Transaction) error {
			got, ok, err := targets.GetTargetByID(tx, data.TargetID())
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("tok-2"), got.ResumeToken())
			assert.Equal(t, 0, got.SnapshotVersion().Compare(version(600)))
			assert.Equal(t, local.PurposeExistenceFilterMismatch, got.Purpose())

			return nil
		})

		write(t, p, func(tx local.Transaction) error {
			unknown := local.NewTargetData(query.MustNew("tgt-unknown"), 998, 1, local.PurposeListen)
			assert.ErrorIs(t, targets.UpdateTarget(tx, unknown), local.ErrTargetNotFound)

			if err := targets.RemoveTarget(tx, data.TargetID()); err != nil {
				return err
			}

			_, ok, err := targets.GetTargetByID(tx, data.TargetID())
			assert.NoError(t, err)
			assert.False(t, ok)

			assert.ErrorIs(t, targets.RemoveTarget(tx, data.TargetID()), local.ErrTargetNotFound)

			return nil
		})
	})

	t.Run("matching keys test", func(t *testing.T) {
		k1 := key.MustFromString("tgtkeys/a")
		k2 := key.MustFromString("tgtkeys/b")

		var id1, id2 int32
		write(t, p, func(tx local.Transaction) error {
			var err error
			if id1, err = targets.AllocateTargetID(tx); err != nil {
				return err
			}
			if id2, err = targets.AllocateTargetID(tx); err != nil {
				return err
			}

			if err := targets.AddTarget(tx, local.NewTargetData(query.MustNew("tgtkeys"), id1, 1, local.PurposeListen)); err != nil {
				return err
			}
			if err := targets.AddTarget(tx, local.NewTargetData(query.MustNew("tgtkeys-b"), id2, 2, local.PurposeListen)); err != nil {
				return err
			}

			if err := targets.AddMatchingKeys(tx, map[key.Key]struct{}{k1: {}, k2: {}}, id1); err != nil {
				return err
			}
			// Re-adding a member is a no-op.
			if err := targets.AddMatchingKeys(tx, map[key.Key]struct{}{k1: {}}, id1); err != nil {
				return err
			}

			return targets.AddMatchingKeys(tx, map[key.Key]struct{}{k2: {}}, id2)
		})

		read(t, p, func(tx local.Transaction) error {
			keys, err := targets.MatchingKeys(tx, id1)
			assert.NoError(t, err)
			assert.Len(t, keys, 2)
			assert.Contains(t, keys, k1)
			assert.Contains(t, keys, k2)

			keys, err = targets.MatchingKeys(tx, id2)
			assert.NoError(t, err)
			assert.Len(t, keys, 1)
			assert.Contains(t, keys, k2)

			held, err := targets.ContainsKey(tx, k1)
			assert.NoError(t, err)
			assert.True(t, held)

			return nil
		})

		write(t, p, func(tx local.Transaction) error {
			return targets.RemoveMatchingKeys(tx, map[key.Key]struct{}{k1: {}}, id1)
		})

		read(t, p, func(tx local.Transaction) error {
			keys, err := targets.MatchingKeys(tx, id1)
			assert.NoError(t, err)
			assert.Len(t, keys, 1)
			assert.Contains(t, keys, k2)

			held, err := targets.ContainsKey(tx, k1)
			assert.NoError(t, err)
			assert.False(t, held)

			return nil
		})

		write(t, p, func(tx local.Transaction) error {
			return targets.RemoveMatchingKeysForTarget(tx, id1)
		})

		read(t, p, func(tx local.Transaction) error {
			keys, err := targets.MatchingKeys(tx, id1)
			assert.NoError(t, err)
			assert.Empty(t, keys)

			// k2 is still held through the second target.
			held, err := targets.ContainsKey(tx, k2)
			assert.NoError(t, err)
			assert.True(t, held)

			return nil
		})

		// Removing a target sweeps its memberships with it.
		write(t, p, func(tx local.Transaction) error {
			return targets.RemoveTarget(tx, id2)
		})

		read(t, p, func(tx local.Transaction) error {
			held, err := targets.ContainsKey(tx, k2)
			assert.NoError(t, err)
			assert.False(t, held)

			return nil
		})
	})

	t.Run("target enumeration test", func(t *testing.T) {
		var before int64
		read(t, p, func(tx local.Transaction) error {
			var err error
			before, err = targets.TargetCount(tx)
			assert.NoError(t, err)

			return nil
		})

		var id1, id2 int32
		write(t, p, func(tx local.Transaction) error {
			var err error
			if id1, err = targets.AllocateTargetID(tx); err != nil {
				return err
			}
			if id2, err = targets.AllocateTargetID(tx); err != nil {
				return err
			}

			if err := targets.AddTarget(tx, local.NewTargetData(query.MustNew("tgtenum-a"), id1, 5, local.PurposeListen)); err != nil {
				return err
			}

			return targets.AddTarget(tx, local.NewTargetData(query.MustNew("tgtenum-b"), id2, 6, local.PurposeListen))
		})

		read(t, p, func(tx local.Transaction) error {
			count, err := targets.TargetCount(tx)
			assert.NoError(t, err)
			assert.Equal(t, before+2, count)

			seen := map[int32]bool{}
			err = targets.ForEachTarget(tx, func(data local.TargetData) error {
				seen[data.TargetID()] = true

				return nil
			})
			assert.NoError(t, err)
			assert.True(t, seen[id1])
			assert.True(t, seen[id2])

			boom := goerrors.New("stop")
			visited := 0
			err = targets.ForEachTarget(tx, func(local.TargetData) error {
				visited++

				return boom
			})
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, 1, visited)

			return nil
		})
	})

	t.Run("last remote version test", func(t *testing.T) {
		read(t, p, func(tx local.Transaction) error {
			v, err := targets.LastRemoteVersion(tx)
			assert.NoError(t, err)
			assert.Equal(t, 0, v.Compare(document.Version{}))

			return nil
		})

		write(t, p, func(tx local.Transaction) error {
			return targets.SetLastRemoteVersion(tx, version(123456))
		})

		read(t, p, func(tx local.Transaction) error {
			v, err := targets.LastRemoteVersion(tx)
			assert.NoError(t, err)
			assert.Equal(t, 0, v.Compare(version(123456)))

			return nil
		})
	})
}

// RunIndexManagerTest runs the field index tests for the given
// persistence.
func RunIndexManagerTest(t *testing.T, p local.Persistence) {
	indexes := p.Indexes()
	docs := p.RemoteDocuments()
	sizePath := field.MustParsePath("size")

	matchingKeys := func(t *testing.T, tx local.Transaction, q query.Query) []key.Key {
		t.Helper()

		keys, ok, err := indexes.KeysMatchingQuery(tx, q)
		assert.NoError(t, err)
		assert.True(t, ok)
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

		return keys
	}

	t.Run("index backfill test", func(t *testing.T) {
		r1 := key.MustFromString("idxrooms/r1")
		r2 := key.MustFromString("idxrooms/r2")
		r3 := key.MustFromString("idxrooms/r3")
		gone := key.MustFromString("idxrooms/gone")

		var idx local.FieldIndex
		write(t, p, func(tx local.Transaction) error {
			entries := map[key.Key]*document.Document{
				r1: document.NewFound(r1, version(1), testData(t, map[string]any{"size": 3})),
				r2: document.NewFound(r2, version(2), testData(t, map[string]any{"size": 5})),
				r3: document.NewFound(r3, version(3), testData(t, map[string]any{"name": "no size"})),
				gone: document.NewMissing(gone, version(4)),
			}
			for _, doc := range entries {
				if err := docs.SetEntry(tx, doc, version(10)); err != nil {
					return err
				}
			}

			var err error
			idx, err = indexes.AddFieldIndex(tx, "idxrooms", sizePath)

			return err
		})

		assert.Equal(t, int64(1), idx.ID)
		assert.Equal(t, "idxrooms", idx.CollectionGroup)
		assert.True(t, idx.Path.Equal(sizePath))

		read(t, p, func(tx local.Transaction) error {
			// Already cached documents were indexed on creation.
			keys := matchingKeys(t, tx, query.MustNew("idxrooms").
				Where(sizePath, query.OpGreaterThan, field.Integer(3)))
			assert.Equal(t, []key.Key{r2}, keys)

			keys = matchingKeys(t, tx, query.MustNew("idxrooms").
				Where(sizePath, query.OpGreaterThanOrEqual, field.Integer(3)))
			assert.Equal(t, []key.Key{r1, r2}, keys)

			// Ordering by the field also rides on the index; documents
			// without the field have no entry.
			keys = matchingKeys(t, tx, query.MustNew("idxrooms").
				OrderBy(sizePath, query.Ascending))
			assert.Equal(t, []key.Key{r1, r2}, keys)

			return nil
		})
	})

	t.Run("uncovered query test", func(t *testing.T) {
		read(t, p, func(tx local.Transaction) error {
			// A bare collection query does not reference the indexed
			// field and needs a scan.
			_, ok, err := indexes.KeysMatchingQuery(tx, query.MustNew("idxrooms"))
			assert.NoError(t, err)
			assert.False(t, ok)

			_, ok, err = indexes.KeysMatchingQuery(tx, query.MustNew("idxrooms").
				Where(field.MustParsePath("name"), query.OpEqual, field.String("A")))
			assert.NoError(t, err)
			assert.False(t, ok)

			_, ok, err = indexes.KeysMatchingQuery(tx, query.MustNew("idxrooms/r1"))
			assert.NoError(t, err)
			assert.False(t, ok)

			_, ok, err = indexes.KeysMatchingQuery(tx, query.MustNew("idxnothing").
				Where(sizePath, query.OpEqual, field.Integer(1)))
			assert.NoError(t, err)
			assert.False(t, ok)

			return nil
		})
	})

	t.Run("index entries update test", func(t *testing.T) {
		r1 := key.MustFromString("idxrooms/r1")
		r2 := key.MustFromString("idxrooms/r2")
		r3 := key.MustFromString("idxrooms/r3")
		over3 := query.MustNew("idxrooms").Where(sizePath, query.OpGreaterThan, field.Integer(3))

		write(t, p, func(tx local.Transaction) error {
			return indexes.UpdateIndexEntries(tx, map[key.Key]*document.Document{
				r1: document.NewFound(r1, version(20), testData(t, map[string]any{"size": 10})),
			})
		})

		read(t, p, func(tx local.Transaction) error {
			assert.Equal(t, []key.Key{r1, r2}, matchingKeys(t, tx, over3))

			return nil
		})

		// A deleted document loses its entry, a document gaining the
		// field earns one.
		write(t, p, func(tx local.Transaction) error {
			return indexes.UpdateIndexEntries(tx, map[key.Key]*document.Document{
				r2: document.NewMissing(r2, version(21)),
				r3: document.NewFound(r3, version(22), testData(t, map[string]any{"size": 7})),
			})
		})

		read(t, p, func(tx local.Transaction) error {
			assert.Equal(t, []key.Key{r1, r3}, matchingKeys(t, tx, over3))

			return nil
		})
	})

	t.Run("collection scoping test", func(t *testing.T) {
		m1 := key.MustFromString("sc-a/p1/idxmsg/m1")
		m2 := key.MustFromString("sc-b/p2/idxmsg/m2")

		write(t, p, func(tx local.Transaction) error {
			if _, err := indexes.AddFieldIndex(tx, "idxmsg", sizePath); err != nil {
				return err
			}

			return indexes.UpdateIndexEntries(tx, map[key.Key]*document.Document{
				m1: document.NewFound(m1, version(1), testData(t, map[string]any{"size": 1})),
				m2: document.NewFound(m2, version(2), testData(t, map[string]any{"size": 2})),
			})
		})

		groupQuery, err := query.NewCollectionGroup("idxmsg")
		assert.NoError(t, err)
		groupQuery = groupQuery.Where(sizePath, query.OpGreaterThanOrEqual, field.Integer(1))

		read(t, p, func(tx local.Transaction) error {
			assert.Equal(t, []key.Key{m1, m2}, matchingKeys(t, tx, groupQuery))

			// A path-bound query sees only its own parent even though
			// the index spans the whole group.
			bound := query.MustNew("sc-a/p1/idxmsg").
				Where(sizePath, query.OpGreaterThanOrEqual, field.Integer(1))
			assert.Equal(t, []key.Key{m1}, matchingKeys(t, tx, bound))

			return nil
		})
	})

	t.Run("nested field index test", func(t *testing.T) {
		k1 := key.MustFromString("idxnested/n1")
		k2 := key.MustFromString("idxnested/n2")
		countPath := field.MustParsePath("meta.count")

		write(t, p, func(tx local.Transaction) error {
			if _, err := indexes.AddFieldIndex(tx, "idxnested", countPath); err != nil {
				return err
			}

			return indexes.UpdateIndexEntries(tx, map[key.Key]*document.Document{
				k1: document.NewFound(k1, version(1), testData(t, map[string]any{
					"meta": map[string]any{"count": 4},
				})),
				k2: document.NewFound(k2, version(2), testData(t, map[string]any{
					"meta": map[string]any{"label": "no count"},
				})),
			})
		})

		read(t, p, func(tx local.Transaction) error {
			keys := matchingKeys(t, tx, query.MustNew("idxnested").
				Where(countPath, query.OpEqual, field.Integer(4)))
			assert.Equal(t, []key.Key{k1}, keys)

			return nil
		})
	})

	t.Run("index listing and delete test", func(t *testing.T) {
		var before int
		read(t, p, func(tx local.Transaction) error {
			all, err := indexes.FieldIndexes(tx, "")
			assert.NoError(t, err)
			before = len(all)

			return nil
		})

		k := key.MustFromString("idxdel/d1")
		var idx local.FieldIndex
		write(t, p, func(tx local.Transaction) error {
			doc := document.NewFound(k, version(1), testData(t, map[string]any{"size": 9}))
			if err := docs.SetEntry(tx, doc, version(1)); err != nil {
				return err
			}

			var err error
			idx, err = indexes.AddFieldIndex(tx, "idxdel", sizePath)

			return err
		})

		read(t, p, func(tx local.Transaction) error {
			all, err := indexes.FieldIndexes(tx, "")
			assert.NoError(t, err)
			assert.Len(t, all, before+1)

			listed, err := indexes.FieldIndexes(tx, "idxdel")
			assert.NoError(t, err)
			assert.Len(t, listed, 1)
			assert.Equal(t, idx.ID, listed[0].ID)
			assert.Equal(t, "idxdel", listed[0].CollectionGroup)
			assert.True(t, listed[0].Path.Equal(sizePath))

			q := query.MustNew("idxdel").Where(sizePath, query.OpEqual, field.Integer(9))
			assert.Equal(t, []key.Key{k}, matchingKeys(t, tx, q))

			return nil
		})

		write(t, p, func(tx local.Transaction) error {
			return indexes.DeleteFieldIndex(tx, idx.ID)
		})

		read(t, p, func(tx local.Transaction) error {
			listed, err := indexes.FieldIndexes(tx, "idxdel")
			assert.NoError(t, err)
			assert.Empty(t, listed)

			q := query.MustNew("idxdel").Where(sizePath, query.OpEqual, field.Integer(9))
			_, ok, err := indexes.KeysMatchingQuery(tx, q)
			assert.NoError(t, err)
			assert.False(t, ok)

			return nil
		})

		write(t, p, func(tx local.Transaction) error {
			assert.ErrorIs(t, indexes.DeleteFieldIndex(tx, idx.ID), local.ErrIndexNotFound)

			return nil
		})
	})
}
