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

package field_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/pkg/document/field"
)

func TestValueCompare(t *testing.T) {
	t.Run("cross type order test", func(t *testing.T) {
		ordered := []field.Value{
			field.Null(),
			field.Boolean(false),
			field.Boolean(true),
			field.Double(math.NaN()),
			field.Integer(-1),
			field.Integer(1),
			field.Double(1.5),
			field.Integer(2),
			field.Timestamp(time.Unix(10, 0)),
			field.String("a"),
			field.String("b"),
			field.Bytes([]byte{0x01}),
			field.Array(field.Integer(1)),
			field.Array(field.Integer(1), field.Integer(0)),
			field.Map(map[string]field.Value{"a": field.Integer(1)}),
		}
		for i := 0; i < len(ordered)-1; i++ {
			assert.Negative(t, field.Compare(ordered[i], ordered[i+1]),
				"%s should sort before %s", ordered[i], ordered[i+1])
		}
	})

	t.Run("numeric cross type equality in ordering test", func(t *testing.T) {
		assert.Equal(t, 0, field.Compare(field.Integer(1), field.Double(1.0)))
		assert.Equal(t, 0, field.Compare(field.Double(math.NaN()), field.Double(math.NaN())))
		assert.False(t, field.Equal(field.Integer(1), field.Double(1.0)))
		assert.True(t, field.Equal(field.Double(math.NaN()), field.Double(math.NaN())))
	})

	t.Run("map order by sorted entries test", func(t *testing.T) {
		a := field.Map(map[string]field.Value{"a": field.Integer(1)})
		b := field.Map(map[string]field.Value{"a": field.Integer(1), "b": field.Integer(2)})
		c := field.Map(map[string]field.Value{"b": field.Integer(0)})
		assert.Negative(t, field.Compare(a, b))
		assert.Negative(t, field.Compare(b, c))
	})

	t.Run("server timestamp sorts after timestamps test", func(t *testing.T) {
		ts := field.Timestamp(time.Unix(100, 0))
		st := field.ServerTimestamp(time.Unix(1, 0), nil)
		assert.Positive(t, field.Compare(st, ts))
	})
}

func TestValueConversion(t *testing.T) {
	t.Run("from interface round trip test", func(t *testing.T) {
		v, err := field.FromInterface(map[string]any{
			"name":   "alice",
			"age":    int64(30),
			"score":  1.5,
			"tags":   []any{"a", "b"},
			"nested": map[string]any{"ok": true},
			"blob":   []byte{0xDE, 0xAD},
			"gone":   nil,
		})
		assert.NoError(t, err)
		assert.Equal(t, field.KindMap, v.Kind())

		back, ok := v.Interface().(map[string]any)
		assert.True(t, ok)
		assert.Equal(t, "alice", back["name"])
		assert.Equal(t, int64(30), back["age"])
		assert.Equal(t, 1.5, back["score"])
		assert.Equal(t, []any{"a", "b"}, back["tags"])
		assert.Nil(t, back["gone"])
	})

	t.Run("unsupported type test", func(t *testing.T) {
		_, err := field.FromInterface(struct{}{})
		assert.Error(t, err)
	})

	t.Run("clone isolates nested data test", func(t *testing.T) {
		orig := field.Map(map[string]field.Value{"a": field.Array(field.Integer(1))})
		cloned := orig.Clone()
		cloned.Fields()["a"] = field.Integer(9)
		assert.Equal(t, field.KindArray, orig.Fields()["a"].Kind())
	})
}

func TestObject(t *testing.T) {
	t.Run("nested get set delete test", func(t *testing.T) {
		obj := field.NewObject()
		obj.Set(field.MustParsePath("author.name"), field.String("alice"))
		obj.Set(field.MustParsePath("author.age"), field.Integer(30))

		v, ok := obj.Get(field.MustParsePath("author.name"))
		assert.True(t, ok)
		assert.Equal(t, "alice", v.Text())

		obj.Delete(field.MustParsePath("author.name"))
		_, ok = obj.Get(field.MustParsePath("author.name"))
		assert.False(t, ok)

		_, ok = obj.Get(field.MustParsePath("author.age"))
		assert.True(t, ok)
	})

	t.Run("set overwrites non-map intermediate test", func(t *testing.T) {
		obj := field.NewObject()
		obj.Set(field.Path{"a"}, field.Integer(1))
		obj.Set(field.MustParsePath("a.b"), field.Integer(2))

		v, ok := obj.Get(field.MustParsePath("a.b"))
		assert.True(t, ok)
		assert.Equal(t, int64(2), v.Int())
	})
}

func TestMask(t *testing.T) {
	t.Run("covers test", func(t *testing.T) {
		m := field.NewMask(field.MustParsePath("a.b"), field.Path{"c"})
		assert.True(t, m.Covers(field.MustParsePath("a.b")))
		assert.True(t, m.Covers(field.MustParsePath("a.b.c")), "mask path covers its descendants")
		assert.True(t, m.Covers(field.MustParsePath("c.d")))
		assert.False(t, m.Covers(field.Path{"a"}), "parent of a mask path is not covered")
		assert.False(t, m.Covers(field.Path{"d"}))
	})

	t.Run("canonical form test", func(t *testing.T) {
		m := field.NewMask(field.Path{"b"}, field.Path{"a"}, field.Path{"b"})
		assert.Equal(t, "a,b", m.String())
		assert.Equal(t, 2, m.Len())

		u := m.Union(field.NewMask(field.Path{"c"}))
		assert.Equal(t, "a,b,c", u.String())
	})
}
