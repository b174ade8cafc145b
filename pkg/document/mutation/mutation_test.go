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

package mutation_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
)

var (
	docKey    = key.MustFromString("rooms/r1/messages/m1")
	writeTime = time.Unix(1000, 0).UTC()
)

func foundDoc(n int64) *document.Document {
	return document.NewFound(
		docKey,
		document.NewVersion(time.Unix(100, 0)),
		field.Object{"n": field.Integer(n), "text": field.String("hi")},
	)
}

func TestMutationApplyToLocal(t *testing.T) {
	t.Run("set replaces document test", func(t *testing.T) {
		doc := foundDoc(1)
		m := mutation.NewSet(docKey, field.Object{"fresh": field.Boolean(true)})
		mask := m.ApplyToLocal(doc, &field.Mask{}, writeTime)

		assert.Nil(t, mask, "set takes over the whole document")
		assert.True(t, doc.HasLocalMutations())
		_, ok := doc.Field(field.Path{"n"})
		assert.False(t, ok)
		v, _ := doc.Field(field.Path{"fresh"})
		assert.True(t, v.Bool())
	})

	t.Run("patch merges masked fields test", func(t *testing.T) {
		doc := foundDoc(1)
		m := mutation.NewPatch(
			docKey,
			field.Object{"text": field.String("bye")},
			field.NewMask(field.Path{"text"}, field.Path{"gone"}),
		)
		prev := field.NewMask()
		mask := m.ApplyToLocal(doc, &prev, writeTime)

		assert.NotNil(t, mask)
		assert.True(t, mask.Covers(field.Path{"text"}))
		v, _ := doc.Field(field.Path{"text"})
		assert.Equal(t, "bye", v.Text())
		v, _ = doc.Field(field.Path{"n"})
		assert.Equal(t, int64(1), v.Int(), "unmasked fields survive")
		_, ok := doc.Field(field.Path{"gone"})
		assert.False(t, ok, "mask paths absent from the patch delete the field")
	})

	t.Run("patch on missing document is skipped test", func(t *testing.T) {
		doc := document.NewInvalid(docKey)
		m := mutation.NewPatch(docKey, field.Object{"text": field.String("x")}, field.NewMask(field.Path{"text"}))
		prev := field.NewMask()
		mask := m.ApplyToLocal(doc, &prev, writeTime)

		assert.Equal(t, &prev, mask)
		assert.False(t, doc.IsValid())
		assert.False(t, doc.HasLocalMutations())
	})

	t.Run("delete keeps version test", func(t *testing.T) {
		doc := foundDoc(1)
		version := doc.Version()
		mask := mutation.NewDelete(docKey).ApplyToLocal(doc, nil, writeTime)

		assert.Nil(t, mask)
		assert.True(t, doc.IsMissing())
		assert.True(t, doc.HasLocalMutations())
		assert.Equal(t, 0, doc.Version().Compare(version))
	})

	t.Run("verify leaves document untouched test", func(t *testing.T) {
		doc := foundDoc(1)
		m := mutation.NewVerify(docKey, mutation.PreconditionExists(true))
		prev := field.NewMask(field.Path{"n"})
		mask := m.ApplyToLocal(doc, &prev, writeTime)

		assert.Equal(t, &prev, mask)
		assert.False(t, doc.HasPendingWrites())
	})
}

func TestFieldTransforms(t *testing.T) {
	t.Run("server timestamp estimate test", func(t *testing.T) {
		doc := foundDoc(1)
		m := mutation.NewPatch(
			docKey,
			field.NewObject(),
			field.NewMask(),
			mutation.NewServerTimestampTransform(field.Path{"updatedAt"}),
		)
		mask := m.ApplyToLocal(doc, nil, writeTime)
		assert.Nil(t, mask)

		v, ok := doc.Field(field.Path{"updatedAt"})
		assert.True(t, ok)
		assert.Equal(t, field.KindServerTimestamp, v.Kind())
		assert.Equal(t, writeTime, v.Time())
	})

	t.Run("array union and remove test", func(t *testing.T) {
		doc := document.NewFound(docKey, document.NewVersion(time.Unix(100, 0)), field.Object{
			"tags": field.Array(field.String("a"), field.String("b")),
		})
		m := mutation.NewPatch(
			docKey,
			field.NewObject(),
			field.NewMask(),
			mutation.NewArrayUnionTransform(field.Path{"tags"}, field.String("b"), field.String("c")),
			mutation.NewArrayRemoveTransform(field.Path{"gone"}, field.String("x")),
		)
		m.ApplyToLocal(doc, nil, writeTime)

		tags, _ := doc.Field(field.Path{"tags"})
		assert.Equal(t, "[\"a\",\"b\",\"c\"]", tags.String())
		gone, _ := doc.Field(field.Path{"gone"})
		assert.Equal(t, field.KindArray, gone.Kind())
		assert.Empty(t, gone.Elements(), "remove on non-array yields empty array")
	})

	t.Run("increment test", func(t *testing.T) {
		ft := mutation.NewIncrementTransform(field.Path{"n"}, field.Integer(5))
		assert.Equal(t, int64(6), ft.ApplyToLocal(field.Integer(1), writeTime).Int())
		assert.Equal(t, int64(5), ft.ApplyToLocal(field.String("not a number"), writeTime).Int())
		assert.Equal(t, 6.5, ft.ApplyToLocal(field.Double(1.5), writeTime).Float())

		saturating := mutation.NewIncrementTransform(field.Path{"n"}, field.Integer(1))
		assert.Equal(t, int64(math.MaxInt64), saturating.ApplyToLocal(field.Integer(math.MaxInt64), writeTime).Int())
	})
}

func TestMutationApplyToRemote(t *testing.T) {
	commit := document.NewVersion(time.Unix(500, 0))

	t.Run("set acknowledgement test", func(t *testing.T) {
		doc := foundDoc(1)
		m := mutation.NewSet(docKey, field.Object{"fresh": field.Boolean(true)})
		m.ApplyToRemote(doc, mutation.Result{Version: commit})

		assert.True(t, doc.HasCommittedMutations())
		assert.Equal(t, 0, doc.Version().Compare(commit))
	})

	t.Run("patch acknowledgement on uncached document test", func(t *testing.T) {
		doc := document.NewInvalid(docKey)
		m := mutation.NewPatch(docKey, field.Object{"text": field.String("x")}, field.NewMask(field.Path{"text"}))
		m.ApplyToRemote(doc, mutation.Result{Version: commit})

		assert.True(t, doc.IsUnknown(), "patched contents are unknowable without the base document")
		assert.True(t, doc.HasCommittedMutations())
	})

	t.Run("server transform result replaces estimate test", func(t *testing.T) {
		doc := foundDoc(1)
		m := mutation.NewPatch(
			docKey,
			field.NewObject(),
			field.NewMask(),
			mutation.NewServerTimestampTransform(field.Path{"updatedAt"}),
		)
		m.ApplyToLocal(doc, nil, writeTime)

		serverTime := field.Timestamp(time.Unix(555, 0))
		m.ApplyToRemote(doc, mutation.Result{Version: commit, TransformResults: []field.Value{serverTime}})

		v, _ := doc.Field(field.Path{"updatedAt"})
		assert.Equal(t, field.KindTimestamp, v.Kind())
		assert.True(t, field.Equal(serverTime, v))
	})
}

func TestBatchAndOverlay(t *testing.T) {
	t.Run("batches fold oldest to newest test", func(t *testing.T) {
		doc := foundDoc(1)
		b1 := mutation.NewBatch(1, writeTime, nil, []mutation.Mutation{
			mutation.NewSet(docKey, field.Object{"n": field.Integer(10)}),
		})
		b2 := mutation.NewBatch(2, writeTime.Add(time.Second), nil, []mutation.Mutation{
			mutation.NewPatch(docKey, field.Object{"n": field.Integer(20)}, field.NewMask(field.Path{"n"})),
		})

		var mask *field.Mask = &field.Mask{}
		mask = b1.ApplyToLocalView(doc, mask)
		mask = b2.ApplyToLocalView(doc, mask)

		v, _ := doc.Field(field.Path{"n"})
		assert.Equal(t, int64(20), v.Int())
		assert.Nil(t, mask, "set keeps the overlay a whole document one")
	})

	t.Run("recomputation from the same base repeats itself test", func(t *testing.T) {
		b := mutation.NewBatch(3, writeTime, nil, []mutation.Mutation{
			mutation.NewPatch(
				docKey,
				field.Object{"text": field.String("bye")},
				field.NewMask(field.Path{"text"}),
				mutation.NewIncrementTransform(field.Path{"n"}, field.Integer(2)),
			),
		})

		first := foundDoc(1)
		firstMask := b.ApplyToLocalView(first, &field.Mask{})
		second := foundDoc(1)
		secondMask := b.ApplyToLocalView(second, &field.Mask{})

		assert.True(t, first.Equal(second))
		assert.Equal(t, firstMask, secondMask)

		firstOv, ok := mutation.CalculateOverlay(first, firstMask).(*mutation.Patch)
		assert.True(t, ok)
		secondOv, ok := mutation.CalculateOverlay(second, secondMask).(*mutation.Patch)
		assert.True(t, ok)
		assert.True(t, firstOv.Value().Equal(secondOv.Value()))
		assert.Equal(t, firstOv.Mask(), secondOv.Mask())
	})

	t.Run("overlay for replaced document test", func(t *testing.T) {
		doc := foundDoc(1)
		mutation.NewSet(docKey, field.Object{"n": field.Integer(10)}).ApplyToLocal(doc, nil, writeTime)

		ov := mutation.CalculateOverlay(doc, nil)
		set, ok := ov.(*mutation.Set)
		assert.True(t, ok)
		assert.Equal(t, int64(10), set.Value()["n"].Int())
	})

	t.Run("overlay for deleted document test", func(t *testing.T) {
		doc := foundDoc(1)
		mutation.NewDelete(docKey).ApplyToLocal(doc, nil, writeTime)

		ov := mutation.CalculateOverlay(doc, nil)
		_, ok := ov.(*mutation.Delete)
		assert.True(t, ok)
	})

	t.Run("overlay patch widens deleted nested field test", func(t *testing.T) {
		doc := document.NewFound(docKey, document.NewVersion(time.Unix(100, 0)), field.Object{
			"a": field.Map(map[string]field.Value{"keep": field.Integer(1)}),
		})
		patch := mutation.NewPatch(
			docKey,
			field.NewObject(),
			field.NewMask(field.MustParsePath("a.b")),
		)
		prev := field.NewMask()
		mask := patch.ApplyToLocal(doc, &prev, writeTime)

		ov := mutation.CalculateOverlay(doc, mask)
		p, ok := ov.(*mutation.Patch)
		assert.True(t, ok)
		assert.True(t, p.Mask().Covers(field.Path{"a"}), "deletion of a.b is reproduced through parent a")
	})

	t.Run("no overlay without local mutations test", func(t *testing.T) {
		doc := foundDoc(1)
		assert.Nil(t, mutation.CalculateOverlay(doc, nil))

		empty := field.NewMask()
		assert.Nil(t, mutation.CalculateOverlay(doc.Clone().WithLocalMutations(), &empty))
	})

	t.Run("batch result fills missing versions test", func(t *testing.T) {
		b := mutation.NewBatch(7, writeTime, nil, []mutation.Mutation{mutation.NewDelete(docKey)})
		commit := document.NewVersion(time.Unix(900, 0))
		r := mutation.NewBatchResult(b, commit, []mutation.Result{{}}, []byte("token-1"))

		assert.Equal(t, 0, r.Results()[0].Version.Compare(commit))
		assert.Equal(t, int64(7), r.Batch().ID())
		assert.Equal(t, []byte("token-1"), r.StreamToken())
		assert.Contains(t, b.Keys(), docKey)
	})
}
