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

package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/engine"
	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/local/memory"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/pkg/errors"
	"github.com/wallaby-db/wallaby/query"
	"github.com/wallaby-db/wallaby/remote"
)

// fakeRemote records what the engine asks of the remote store.
type fakeRemote struct {
	listens   []remote.WatchTarget
	unlistens []int32
	fills     int
}

func (f *fakeRemote) Listen(target remote.WatchTarget) {
	f.listens = append(f.listens, target)
}

func (f *fakeRemote) Unlisten(targetID int32) {
	f.unlistens = append(f.unlistens, targetID)
}

func (f *fakeRemote) FillWritePipeline() error {
	f.fills++

	return nil
}

func newEngine(t *testing.T, maxLimbo int) (*engine.Engine, *fakeRemote) {
	t.Helper()

	db, err := memory.New()
	assert.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, db.Close()) })

	eng := engine.New(local.NewStore(db), maxLimbo)
	fake := &fakeRemote{}
	eng.SetRemote(fake)

	return eng, fake
}

// recorder collects what one listener observes. Setting snapErr makes
// the next snapshot delivery fail.
type recorder struct {
	snapshots []*engine.Snapshot
	causes    []error
	snapErr   error
}

func (r *recorder) listener(q query.Query) *engine.Listener {
	return engine.NewListener(q,
		func(s *engine.Snapshot) error {
			if r.snapErr != nil {
				return r.snapErr
			}
			r.snapshots = append(r.snapshots, s)

			return nil
		},
		func(err error) {
			r.causes = append(r.causes, err)
		},
	)
}

func (r *recorder) last(t *testing.T) *engine.Snapshot {
	t.Helper()

	if !assert.NotEmpty(t, r.snapshots) {
		t.FailNow()
	}

	return r.snapshots[len(r.snapshots)-1]
}

// watchEvent builds a remote event delivering the documents as current
// results of the target.
func watchEvent(snapshot document.Version, targetID int32, docs ...*document.Document) *remote.RemoteEvent {
	event := &remote.RemoteEvent{
		SnapshotVersion: snapshot,
		TargetChanges:   make(map[int32]*remote.TargetChange),
		DocumentUpdates: make(map[key.Key]*document.Document),
	}
	change := remote.NewTargetChange()
	change.ResumeToken = []byte("rt")
	change.Current = true
	for _, doc := range docs {
		event.DocumentUpdates[doc.Key()] = doc
		change.AddedDocuments[doc.Key()] = struct{}{}
	}
	event.TargetChanges[targetID] = change

	return event
}

// targetRemovalEvent builds a remote event dropping the keys from the
// target without delivering document updates, the way a server-side
// filter change surfaces.
func targetRemovalEvent(snapshot document.Version, targetID int32, keys ...key.Key) *remote.RemoteEvent {
	event := &remote.RemoteEvent{
		SnapshotVersion: snapshot,
		TargetChanges:   make(map[int32]*remote.TargetChange),
		DocumentUpdates: make(map[key.Key]*document.Document),
	}
	change := remote.NewTargetChange()
	change.Current = true
	for _, k := range keys {
		change.RemovedDocuments[k] = struct{}{}
	}
	event.TargetChanges[targetID] = change

	return event
}

func TestEngineListen(t *testing.T) {
	ctx := context.Background()

	t.Run("the first listener allocates a target and starts a watch test", func(t *testing.T) {
		eng, fake := newEngine(t, 0)
		var _ remote.Syncer = eng

		q := mustQuery(t, "rooms")
		rec := &recorder{}
		assert.NoError(t, eng.Listen(ctx, rec.listener(q)))

		assert.Len(t, fake.listens, 1)
		assert.Equal(t, int32(2), fake.listens[0].TargetID)
		assert.Equal(t, q.CanonicalID(), fake.listens[0].Query.CanonicalID())
		assert.False(t, fake.listens[0].Limbo)

		assert.Len(t, rec.snapshots, 1)
		assert.True(t, rec.snapshots[0].FromCache)
		assert.Empty(t, rec.snapshots[0].Documents)
	})

	t.Run("later listeners share the view test", func(t *testing.T) {
		eng, fake := newEngine(t, 0)
		q := mustQuery(t, "rooms")

		first := &recorder{}
		assert.NoError(t, eng.Listen(ctx, first.listener(q)))
		assert.NoError(t, eng.Write(ctx, []mutation.Mutation{
			mutation.NewSet(key.MustFromString("rooms/r1"), testData(t, map[string]any{"name": "lounge"})),
		}, nil))

		second := &recorder{}
		assert.NoError(t, eng.Listen(ctx, second.listener(q)))

		// No second watch: the query is already listened to.
		assert.Len(t, fake.listens, 1)
		assert.Len(t, second.snapshots, 1)
		assert.Len(t, second.snapshots[0].Documents, 1)
		assert.Len(t, second.snapshots[0].Changes, 1)
		assert.Equal(t, engine.ChangeAdded, second.snapshots[0].Changes[0].Type)
		assert.True(t, second.snapshots[0].HasPendingWrites)
	})

	t.Run("the last unlisten releases the target and stops the watch test", func(t *testing.T) {
		eng, fake := newEngine(t, 0)
		q := mustQuery(t, "rooms")

		first := &recorder{}
		second := &recorder{}
		firstListener := first.listener(q)
		secondListener := second.listener(q)
		assert.NoError(t, eng.Listen(ctx, firstListener))
		assert.NoError(t, eng.Listen(ctx, secondListener))

		assert.NoError(t, eng.Unlisten(ctx, firstListener))
		assert.Empty(t, fake.unlistens)

		assert.NoError(t, eng.Unlisten(ctx, secondListener))
		assert.Equal(t, []int32{2}, fake.unlistens)
	})
}

func TestEngineWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("local writes raise pending snapshots and fill the pipeline test", func(t *testing.T) {
		eng, fake := newEngine(t, 0)
		q := mustQuery(t, "rooms")
		rec := &recorder{}
		assert.NoError(t, eng.Listen(ctx, rec.listener(q)))

		called := false
		assert.NoError(t, eng.Write(ctx, []mutation.Mutation{
			mutation.NewSet(key.MustFromString("rooms/r1"), testData(t, map[string]any{"name": "lounge"})),
		}, func(error) { called = true }))

		assert.Equal(t, 1, fake.fills)
		// The backend has not answered, so the callback is still pending.
		assert.False(t, called)

		s := rec.last(t)
		assert.True(t, s.HasPendingWrites)
		assert.True(t, s.FromCache)
		assert.Len(t, s.Changes, 1)
		assert.Equal(t, engine.ChangeAdded, s.Changes[0].Type)
	})

	t.Run("acknowledgements resolve the callback and settle on the watch copy test", func(t *testing.T) {
		eng, _ := newEngine(t, 0)
		q := mustQuery(t, "rooms")
		rec := &recorder{}
		assert.NoError(t, eng.Listen(ctx, rec.listener(q)))

		acked := false
		assert.NoError(t, eng.Write(ctx, []mutation.Mutation{
			mutation.NewSet(key.MustFromString("rooms/r1"), testData(t, map[string]any{"name": "lounge"})),
		}, func(err error) {
			assert.NoError(t, err)
			acked = true
		}))

		batch, err := eng.NextMutationBatch(-1)
		assert.NoError(t, err)
		assert.NotNil(t, batch)

		raised := len(rec.snapshots)
		assert.NoError(t, eng.ApplySuccessfulWrite(mutation.NewBatchResult(
			batch, version(500), []mutation.Result{{}}, []byte("st-1"))))
		assert.True(t, acked)
		// The acknowledged revision waits for the watch copy, so the ack
		// itself raises nothing.
		assert.Len(t, rec.snapshots, raised)
		assert.True(t, rec.last(t).HasPendingWrites)

		assert.NoError(t, eng.ApplyRemoteEvent(watchEvent(version(500), 2,
			foundDoc(t, "rooms/r1", 500, map[string]any{"name": "lounge"}))))
		s := rec.last(t)
		assert.False(t, s.HasPendingWrites)
		assert.False(t, s.FromCache)
		assert.Len(t, s.Changes, 1)
		assert.Equal(t, engine.ChangeMetadata, s.Changes[0].Type)
	})

	t.Run("rejected writes roll back their local effects test", func(t *testing.T) {
		eng, _ := newEngine(t, 0)
		q := mustQuery(t, "rooms")
		rec := &recorder{}
		assert.NoError(t, eng.Listen(ctx, rec.listener(q)))

		var got error
		assert.NoError(t, eng.Write(ctx, []mutation.Mutation{
			mutation.NewSet(key.MustFromString("rooms/r1"), testData(t, map[string]any{"name": "lounge"})),
		}, func(err error) { got = err }))

		batch, err := eng.NextMutationBatch(-1)
		assert.NoError(t, err)

		cause := errors.PermissionDenied("rooms are read only")
		assert.NoError(t, eng.RejectFailedWrite(batch.ID(), cause))
		assert.ErrorIs(t, got, cause)

		s := rec.last(t)
		assert.Empty(t, s.Documents)
		assert.False(t, s.HasPendingWrites)
		assert.Len(t, s.Changes, 1)
		assert.Equal(t, engine.ChangeRemoved, s.Changes[0].Type)
	})
}

func TestEnginePendingWritesBarrier(t *testing.T) {
	ctx := context.Background()

	t.Run("barriers wait for every batch pending at registration test", func(t *testing.T) {
		eng, _ := newEngine(t, 0)

		assert.NoError(t, eng.Write(ctx, []mutation.Mutation{
			mutation.NewSet(key.MustFromString("rooms/r1"), testData(t, map[string]any{"name": "a"})),
		}, nil))
		assert.NoError(t, eng.Write(ctx, []mutation.Mutation{
			mutation.NewSet(key.MustFromString("rooms/r2"), testData(t, map[string]any{"name": "b"})),
		}, nil))

		resolved := 0
		assert.NoError(t, eng.RegisterPendingWritesCallback(ctx, func(err error) {
			assert.NoError(t, err)
			resolved++
		}))
		assert.Equal(t, 0, resolved)

		first, err := eng.NextMutationBatch(-1)
		assert.NoError(t, err)
		assert.NoError(t, eng.ApplySuccessfulWrite(mutation.NewBatchResult(
			first, version(100), []mutation.Result{{}}, nil)))
		assert.Equal(t, 0, resolved)

		second, err := eng.NextMutationBatch(-1)
		assert.NoError(t, err)
		assert.NoError(t, eng.ApplySuccessfulWrite(mutation.NewBatchResult(
			second, version(200), []mutation.Result{{}}, nil)))
		assert.Equal(t, 1, resolved)
	})

	t.Run("barriers resolve immediately without pending writes test", func(t *testing.T) {
		eng, _ := newEngine(t, 0)

		resolved := 0
		assert.NoError(t, eng.RegisterPendingWritesCallback(ctx, func(err error) {
			assert.NoError(t, err)
			resolved++
		}))
		assert.Equal(t, 1, resolved)
	})

	t.Run("shutdown fails outstanding callbacks test", func(t *testing.T) {
		eng, _ := newEngine(t, 0)

		var writeErr, barrierErr error
		assert.NoError(t, eng.Write(ctx, []mutation.Mutation{
			mutation.NewSet(key.MustFromString("rooms/r1"), testData(t, map[string]any{"name": "a"})),
		}, func(err error) { writeErr = err }))
		assert.NoError(t, eng.RegisterPendingWritesCallback(ctx, func(err error) { barrierErr = err }))

		eng.Shutdown()
		assert.True(t, errors.IsStatus(writeErr, errors.ErrCodeUnavailable))
		assert.True(t, errors.IsStatus(barrierErr, errors.ErrCodeUnavailable))
	})
}

func TestEngineRemoteEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("watch events flow into listener snapshots test", func(t *testing.T) {
		eng, _ := newEngine(t, 0)
		q := mustQuery(t, "rooms")
		rec := &recorder{}
		assert.NoError(t, eng.Listen(ctx, rec.listener(q)))

		doc := foundDoc(t, "rooms/r1", 100, map[string]any{"name": "lounge"})
		assert.NoError(t, eng.ApplyRemoteEvent(watchEvent(version(100), 2, doc)))

		s := rec.last(t)
		assert.Len(t, s.Documents, 1)
		assert.Len(t, s.Changes, 1)
		assert.Equal(t, engine.ChangeAdded, s.Changes[0].Type)
		assert.False(t, s.FromCache)
		assert.True(t, s.SyncStateChanged)

		assert.Contains(t, eng.GetRemoteKeysForTarget(2), doc.Key())
	})

	t.Run("unconfirmed documents spawn limbo resolution targets test", func(t *testing.T) {
		eng, fake := newEngine(t, 0)
		q := mustQuery(t, "rooms")
		rec := &recorder{}
		assert.NoError(t, eng.Listen(ctx, rec.listener(q)))

		doc1 := foundDoc(t, "rooms/r1", 100, map[string]any{"name": "a"})
		doc2 := foundDoc(t, "rooms/r2", 100, map[string]any{"name": "b"})
		assert.NoError(t, eng.ApplyRemoteEvent(watchEvent(version(100), 2, doc1, doc2)))
		assert.False(t, rec.last(t).FromCache)

		// The server drops r2 from the target without saying why: the
		// cached copy still matches, so its existence needs resolving.
		assert.NoError(t, eng.ApplyRemoteEvent(targetRemovalEvent(version(200), 2, doc2.Key())))

		assert.Len(t, fake.listens, 2)
		limboTarget := fake.listens[1]
		assert.Equal(t, int32(1), limboTarget.TargetID)
		assert.True(t, limboTarget.Limbo)
		assert.True(t, limboTarget.Query.IsDocumentQuery())
		assert.Equal(t, mustQuery(t, "rooms/r2").CanonicalID(), limboTarget.Query.CanonicalID())

		// The view is cached again until the limbo document resolves.
		assert.True(t, rec.last(t).FromCache)
		// Nothing received on the limbo target yet.
		assert.Empty(t, eng.GetRemoteKeysForTarget(1))
	})

	t.Run("rejected limbo targets resolve the document as deleted test", func(t *testing.T) {
		eng, _ := newEngine(t, 0)
		q := mustQuery(t, "rooms")
		rec := &recorder{}
		assert.NoError(t, eng.Listen(ctx, rec.listener(q)))

		doc1 := foundDoc(t, "rooms/r1", 100, map[string]any{"name": "a"})
		doc2 := foundDoc(t, "rooms/r2", 100, map[string]any{"name": "b"})
		assert.NoError(t, eng.ApplyRemoteEvent(watchEvent(version(100), 2, doc1, doc2)))
		assert.NoError(t, eng.ApplyRemoteEvent(targetRemovalEvent(version(200), 2, doc2.Key())))

		assert.NoError(t, eng.RejectListen(1, errors.PermissionDenied("document is private")))

		s := rec.last(t)
		assert.Len(t, s.Documents, 1)
		assert.Equal(t, doc1.Key(), s.Documents[0].Key())
		assert.Len(t, s.Changes, 1)
		assert.Equal(t, engine.ChangeRemoved, s.Changes[0].Type)
		assert.Equal(t, doc2.Key(), s.Changes[0].Document.Key())
		// With the limbo resolved the view is synced again.
		assert.False(t, s.FromCache)
	})

	t.Run("limbo resolutions beyond the cap queue in order test", func(t *testing.T) {
		eng, fake := newEngine(t, 1)
		q := mustQuery(t, "rooms")
		rec := &recorder{}
		assert.NoError(t, eng.Listen(ctx, rec.listener(q)))

		doc1 := foundDoc(t, "rooms/r1", 100, map[string]any{"name": "a"})
		doc2 := foundDoc(t, "rooms/r2", 100, map[string]any{"name": "b"})
		doc3 := foundDoc(t, "rooms/r3", 100, map[string]any{"name": "c"})
		assert.NoError(t, eng.ApplyRemoteEvent(watchEvent(version(100), 2, doc1, doc2, doc3)))
		assert.NoError(t, eng.ApplyRemoteEvent(targetRemovalEvent(version(200), 2, doc2.Key(), doc3.Key())))

		// Only one slot: r2 resolves first, r3 waits.
		assert.Len(t, fake.listens, 2)
		assert.Equal(t, int32(1), fake.listens[1].TargetID)
		assert.Equal(t, mustQuery(t, "rooms/r2").CanonicalID(), fake.listens[1].Query.CanonicalID())

		assert.NoError(t, eng.RejectListen(1, errors.NotFound("document gone")))

		assert.Len(t, fake.listens, 3)
		assert.Equal(t, int32(3), fake.listens[2].TargetID)
		assert.True(t, fake.listens[2].Limbo)
		assert.Equal(t, mustQuery(t, "rooms/r3").CanonicalID(), fake.listens[2].Query.CanonicalID())
	})
}

func TestEngineRejectListen(t *testing.T) {
	ctx := context.Background()

	t.Run("query rejections fan out to listeners test", func(t *testing.T) {
		eng, fake := newEngine(t, 0)
		q := mustQuery(t, "rooms")

		first := &recorder{}
		second := &recorder{}
		assert.NoError(t, eng.Listen(ctx, first.listener(q)))
		assert.NoError(t, eng.Listen(ctx, second.listener(q)))

		cause := errors.PermissionDenied("query denied")
		assert.NoError(t, eng.RejectListen(2, cause))

		assert.Len(t, first.causes, 1)
		assert.ErrorIs(t, first.causes[0], cause)
		assert.Len(t, second.causes, 1)
		// The remote store already dropped the target before reporting the
		// rejection, so the engine must not unlisten again.
		assert.Empty(t, fake.unlistens)

		// Listening again starts from scratch with a fresh target.
		third := &recorder{}
		assert.NoError(t, eng.Listen(ctx, third.listener(q)))
		assert.Len(t, fake.listens, 2)
		assert.Equal(t, int32(4), fake.listens[1].TargetID)
	})
}

func TestEngineListenerIsolation(t *testing.T) {
	ctx := context.Background()

	t.Run("failing listeners detach without stopping the query test", func(t *testing.T) {
		eng, fake := newEngine(t, 0)
		q := mustQuery(t, "rooms")

		flaky := &recorder{}
		steady := &recorder{}
		assert.NoError(t, eng.Listen(ctx, flaky.listener(q)))
		assert.NoError(t, eng.Listen(ctx, steady.listener(q)))

		flaky.snapErr = assert.AnError
		assert.NoError(t, eng.ApplyRemoteEvent(watchEvent(version(100), 2,
			foundDoc(t, "rooms/r1", 100, map[string]any{"name": "a"}))))
		assert.Len(t, flaky.snapshots, 1)
		assert.Len(t, steady.snapshots, 2)

		// The flaky listener is gone; the steady one keeps the query alive.
		flaky.snapErr = nil
		assert.NoError(t, eng.ApplyRemoteEvent(watchEvent(version(200), 2,
			foundDoc(t, "rooms/r2", 200, map[string]any{"name": "b"}))))
		assert.Len(t, flaky.snapshots, 1)
		assert.Len(t, steady.snapshots, 3)
		assert.Empty(t, fake.unlistens)

		// Once the last listener fails the query stops.
		steady.snapErr = assert.AnError
		assert.NoError(t, eng.ApplyRemoteEvent(watchEvent(version(300), 2,
			foundDoc(t, "rooms/r3", 300, map[string]any{"name": "c"}))))
		assert.Equal(t, []int32{2}, fake.unlistens)
	})
}

func TestEngineOnlineState(t *testing.T) {
	ctx := context.Background()

	t.Run("going offline downgrades current views test", func(t *testing.T) {
		eng, _ := newEngine(t, 0)
		q := mustQuery(t, "rooms")
		rec := &recorder{}
		assert.NoError(t, eng.Listen(ctx, rec.listener(q)))

		assert.NoError(t, eng.ApplyRemoteEvent(watchEvent(version(100), 2,
			foundDoc(t, "rooms/r1", 100, map[string]any{"name": "a"}))))
		assert.False(t, rec.last(t).FromCache)

		eng.HandleOnlineStateChange(remote.OnlineStateOffline)
		s := rec.last(t)
		assert.True(t, s.FromCache)
		assert.True(t, s.SyncStateChanged)

		// Coming back online alone does not mark results synced; only the
		// watch stream can.
		raised := len(rec.snapshots)
		eng.HandleOnlineStateChange(remote.OnlineStateOnline)
		assert.Len(t, rec.snapshots, raised)
	})
}
