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

package remote_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/pkg/bloom"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/query"
	"github.com/wallaby-db/wallaby/remote"
)

// targetMap is a fixed TargetMetadataProvider standing in for the sync
// engine.
type targetMap struct {
	targets    map[int32]remote.WatchTarget
	remoteKeys map[int32]map[key.Key]struct{}
}

func newTargetMap() *targetMap {
	return &targetMap{
		targets:    make(map[int32]remote.WatchTarget),
		remoteKeys: make(map[int32]map[key.Key]struct{}),
	}
}

func (m *targetMap) watch(targetID int32, q query.Query) {
	m.targets[targetID] = remote.WatchTarget{TargetID: targetID, Query: q}
}

func (m *targetMap) watchLimbo(targetID int32, q query.Query) {
	m.targets[targetID] = remote.WatchTarget{TargetID: targetID, Query: q, Limbo: true}
}

// hold marks paths as documents the client already maps to the target.
func (m *targetMap) hold(targetID int32, paths ...string) {
	keys, ok := m.remoteKeys[targetID]
	if !ok {
		keys = make(map[key.Key]struct{})
		m.remoteKeys[targetID] = keys
	}
	for _, path := range paths {
		keys[key.MustFromString(path)] = struct{}{}
	}
}

func (m *targetMap) GetRemoteKeysForTarget(targetID int32) map[key.Key]struct{} {
	return m.remoteKeys[targetID]
}

func (m *targetMap) GetActiveTarget(targetID int32) (remote.WatchTarget, bool) {
	target, ok := m.targets[targetID]

	return target, ok
}

func mustQuery(t *testing.T, path string) query.Query {
	t.Helper()

	q, err := query.New(path)
	assert.NoError(t, err)

	return q
}

func version(micros int64) document.Version {
	return document.NewVersion(time.UnixMicro(micros))
}

func foundDoc(t *testing.T, path string, micros int64, fields map[string]any) *document.Document {
	t.Helper()

	data, err := field.ObjectFromInterface(fields)
	assert.NoError(t, err)

	return document.NewFound(key.MustFromString(path), version(micros), data)
}

func TestWatchChangeAggregator(t *testing.T) {
	t.Run("documents accumulate into one consistent snapshot test", func(t *testing.T) {
		targets := newTargetMap()
		targets.watch(1, mustQuery(t, "rooms"))
		agg := remote.NewWatchChangeAggregator(targets)

		lounge := foundDoc(t, "rooms/r1", 100, map[string]any{"name": "lounge"})
		hall := foundDoc(t, "rooms/r2", 100, map[string]any{"name": "hall"})
		agg.HandleDocumentChange(&remote.DocumentWatchChange{
			UpdatedTargetIDs: []int32{1},
			Key:              lounge.Key(),
			Document:         lounge,
		})
		agg.HandleDocumentChange(&remote.DocumentWatchChange{
			UpdatedTargetIDs: []int32{1},
			Key:              hall.Key(),
			Document:         hall,
		})
		agg.HandleTargetChange(&remote.WatchTargetChange{
			State:       remote.WatchTargetCurrent,
			TargetIDs:   []int32{1},
			ResumeToken: []byte("token-1"),
		})

		event := agg.CreateRemoteEvent(version(200))
		assert.Equal(t, version(200), event.SnapshotVersion)
		assert.Len(t, event.TargetChanges, 1)
		tc := event.TargetChanges[1]
		assert.True(t, tc.Current)
		assert.Equal(t, []byte("token-1"), tc.ResumeToken)
		assert.Contains(t, tc.AddedDocuments, lounge.Key())
		assert.Contains(t, tc.AddedDocuments, hall.Key())
		assert.Empty(t, tc.ModifiedDocuments)
		assert.Empty(t, tc.RemovedDocuments)
		assert.Equal(t, lounge, event.DocumentUpdates[lounge.Key()])
		assert.Equal(t, hall, event.DocumentUpdates[hall.Key()])
		assert.Empty(t, event.TargetMismatches)
		assert.Empty(t, event.ResolvedLimboDocuments)

		// Cutting the event resets the aggregation window.
		next := agg.CreateRemoteEvent(version(300))
		assert.Empty(t, next.TargetChanges)
		assert.Empty(t, next.DocumentUpdates)
	})

	t.Run("an already held document becomes a modification test", func(t *testing.T) {
		targets := newTargetMap()
		targets.watch(1, mustQuery(t, "rooms"))
		targets.hold(1, "rooms/r1")
		agg := remote.NewWatchChangeAggregator(targets)

		renamed := foundDoc(t, "rooms/r1", 200, map[string]any{"name": "annex"})
		agg.HandleDocumentChange(&remote.DocumentWatchChange{
			UpdatedTargetIDs: []int32{1},
			Key:              renamed.Key(),
			Document:         renamed,
		})

		event := agg.CreateRemoteEvent(version(300))
		tc := event.TargetChanges[1]
		assert.NotNil(t, tc)
		assert.Empty(t, tc.AddedDocuments)
		assert.Contains(t, tc.ModifiedDocuments, renamed.Key())
	})

	t.Run("a document entering and leaving within one window stays invisible test", func(t *testing.T) {
		targets := newTargetMap()
		targets.watch(1, mustQuery(t, "rooms"))
		agg := remote.NewWatchChangeAggregator(targets)

		visitor := foundDoc(t, "rooms/r9", 100, map[string]any{"name": "pop-up"})
		agg.HandleDocumentChange(&remote.DocumentWatchChange{
			UpdatedTargetIDs: []int32{1},
			Key:              visitor.Key(),
			Document:         visitor,
		})
		agg.HandleDocumentChange(&remote.DocumentWatchChange{
			RemovedTargetIDs: []int32{1},
			Key:              visitor.Key(),
		})

		event := agg.CreateRemoteEvent(version(200))
		tc := event.TargetChanges[1]
		assert.NotNil(t, tc)
		assert.Empty(t, tc.AddedDocuments)
		assert.Empty(t, tc.ModifiedDocuments)
		assert.Empty(t, tc.RemovedDocuments)
	})

	t.Run("pending target requests mute changes until the server responds test", func(t *testing.T) {
		targets := newTargetMap()
		targets.watch(1, mustQuery(t, "rooms"))
		agg := remote.NewWatchChangeAggregator(targets)
		agg.RecordPendingTargetRequest(1)

		stale := foundDoc(t, "rooms/r1", 100, map[string]any{"name": "stale"})
		agg.HandleDocumentChange(&remote.DocumentWatchChange{
			UpdatedTargetIDs: []int32{1},
			Key:              stale.Key(),
			Document:         stale,
		})

		agg.HandleTargetChange(&remote.WatchTargetChange{
			State:     remote.WatchTargetAdded,
			TargetIDs: []int32{1},
		})

		fresh := foundDoc(t, "rooms/r2", 200, map[string]any{"name": "fresh"})
		agg.HandleDocumentChange(&remote.DocumentWatchChange{
			UpdatedTargetIDs: []int32{1},
			Key:              fresh.Key(),
			Document:         fresh,
		})

		event := agg.CreateRemoteEvent(version(300))
		assert.NotContains(t, event.DocumentUpdates, stale.Key())
		assert.Contains(t, event.DocumentUpdates, fresh.Key())
		tc := event.TargetChanges[1]
		assert.NotNil(t, tc)
		assert.Contains(t, tc.AddedDocuments, fresh.Key())
		assert.NotContains(t, tc.AddedDocuments, stale.Key())
	})

	t.Run("a reset synthesizes removals for every held document test", func(t *testing.T) {
		targets := newTargetMap()
		targets.watch(1, mustQuery(t, "rooms"))
		targets.hold(1, "rooms/r1", "rooms/r2")
		agg := remote.NewWatchChangeAggregator(targets)

		agg.HandleTargetChange(&remote.WatchTargetChange{
			State:     remote.WatchTargetReset,
			TargetIDs: []int32{1},
		})

		event := agg.CreateRemoteEvent(version(200))
		tc := event.TargetChanges[1]
		assert.NotNil(t, tc)
		assert.Len(t, tc.RemovedDocuments, 2)
		assert.Contains(t, tc.RemovedDocuments, key.MustFromString("rooms/r1"))
		assert.Contains(t, tc.RemovedDocuments, key.MustFromString("rooms/r2"))
		assert.Empty(t, event.TargetMismatches)
	})
}

func TestExistenceFilterHandling(t *testing.T) {
	t.Run("a matching count leaves the target alone test", func(t *testing.T) {
		targets := newTargetMap()
		targets.watch(1, mustQuery(t, "rooms"))
		targets.hold(1, "rooms/r1", "rooms/r2")
		agg := remote.NewWatchChangeAggregator(targets)

		agg.HandleExistenceFilter(&remote.ExistenceFilterWatchChange{TargetID: 1, Count: 2})

		event := agg.CreateRemoteEvent(version(100))
		assert.Empty(t, event.TargetMismatches)
		tc := event.TargetChanges[1]
		assert.NotNil(t, tc)
		assert.Empty(t, tc.RemovedDocuments)
	})

	t.Run("a mismatch without a bloom filter resets the target test", func(t *testing.T) {
		targets := newTargetMap()
		targets.watch(1, mustQuery(t, "rooms"))
		targets.hold(1, "rooms/r1", "rooms/r2")
		agg := remote.NewWatchChangeAggregator(targets)

		agg.HandleExistenceFilter(&remote.ExistenceFilterWatchChange{TargetID: 1, Count: 1})

		event := agg.CreateRemoteEvent(version(100))
		assert.Contains(t, event.TargetMismatches, int32(1))
		tc := event.TargetChanges[1]
		assert.NotNil(t, tc)
		assert.Len(t, tc.RemovedDocuments, 2)
	})

	t.Run("a bloom filter prunes documents the server dropped test", func(t *testing.T) {
		targets := newTargetMap()
		targets.watch(1, mustQuery(t, "rooms"))
		targets.hold(1, "rooms/r1", "rooms/r2", "rooms/r3")
		agg := remote.NewWatchChangeAggregator(targets)

		unchanged := bloom.NewOptimal(2, 0.000001)
		unchanged.Insert("rooms/r1")
		unchanged.Insert("rooms/r2")
		agg.HandleExistenceFilter(&remote.ExistenceFilterWatchChange{
			TargetID:       1,
			Count:          2,
			UnchangedNames: unchanged,
		})

		event := agg.CreateRemoteEvent(version(100))
		assert.Empty(t, event.TargetMismatches)
		tc := event.TargetChanges[1]
		assert.NotNil(t, tc)
		assert.Len(t, tc.RemovedDocuments, 1)
		assert.Contains(t, tc.RemovedDocuments, key.MustFromString("rooms/r3"))
	})

	t.Run("an unreconciled bloom filter still resets the target test", func(t *testing.T) {
		targets := newTargetMap()
		targets.watch(1, mustQuery(t, "rooms"))
		targets.hold(1, "rooms/r1", "rooms/r2", "rooms/r3")
		agg := remote.NewWatchChangeAggregator(targets)

		// Every held key passes the filter, so pruning cannot explain the
		// count the server reported.
		unchanged := bloom.NewOptimal(3, 0.000001)
		unchanged.Insert("rooms/r1")
		unchanged.Insert("rooms/r2")
		unchanged.Insert("rooms/r3")
		agg.HandleExistenceFilter(&remote.ExistenceFilterWatchChange{
			TargetID:       1,
			Count:          1,
			UnchangedNames: unchanged,
		})

		event := agg.CreateRemoteEvent(version(100))
		assert.Contains(t, event.TargetMismatches, int32(1))
		tc := event.TargetChanges[1]
		assert.NotNil(t, tc)
		assert.Len(t, tc.RemovedDocuments, 3)
	})

	t.Run("a zero count for a document target synthesizes the delete test", func(t *testing.T) {
		targets := newTargetMap()
		targets.watch(1, mustQuery(t, "rooms/r1"))
		targets.hold(1, "rooms/r1")
		agg := remote.NewWatchChangeAggregator(targets)

		agg.HandleExistenceFilter(&remote.ExistenceFilterWatchChange{TargetID: 1, Count: 0})

		event := agg.CreateRemoteEvent(version(100))
		assert.Empty(t, event.TargetMismatches)
		k := key.MustFromString("rooms/r1")
		tc := event.TargetChanges[1]
		assert.NotNil(t, tc)
		assert.Contains(t, tc.RemovedDocuments, k)
		update := event.DocumentUpdates[k]
		assert.NotNil(t, update)
		assert.True(t, update.IsMissing())
	})
}

func TestLimboResolution(t *testing.T) {
	t.Run("a current limbo target without the document resolves it as missing test", func(t *testing.T) {
		targets := newTargetMap()
		targets.watchLimbo(2, mustQuery(t, "rooms/r9"))
		agg := remote.NewWatchChangeAggregator(targets)

		agg.HandleTargetChange(&remote.WatchTargetChange{
			State:     remote.WatchTargetCurrent,
			TargetIDs: []int32{2},
		})

		event := agg.CreateRemoteEvent(version(500))
		k := key.MustFromString("rooms/r9")
		update := event.DocumentUpdates[k]
		assert.NotNil(t, update)
		assert.True(t, update.IsMissing())
		assert.Equal(t, version(500), update.Version())
		assert.Contains(t, event.ResolvedLimboDocuments, k)
	})

	t.Run("documents also held by a listening target are not limbo resolutions test", func(t *testing.T) {
		targets := newTargetMap()
		targets.watch(1, mustQuery(t, "rooms"))
		targets.watchLimbo(2, mustQuery(t, "rooms/r1"))
		agg := remote.NewWatchChangeAggregator(targets)

		doc := foundDoc(t, "rooms/r1", 100, map[string]any{"name": "lounge"})
		agg.HandleDocumentChange(&remote.DocumentWatchChange{
			UpdatedTargetIDs: []int32{1, 2},
			Key:              doc.Key(),
			Document:         doc,
		})

		event := agg.CreateRemoteEvent(version(200))
		assert.Contains(t, event.DocumentUpdates, doc.Key())
		assert.Empty(t, event.ResolvedLimboDocuments)
	})
}
