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

package key_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/pkg/document/key"
)

func TestKey(t *testing.T) {
	t.Run("parse valid path test", func(t *testing.T) {
		k, err := key.FromString("rooms/r1/messages/m1")
		assert.NoError(t, err)
		assert.Equal(t, "rooms/r1/messages/m1", k.String())
		assert.Equal(t, "m1", k.ID())
		assert.Equal(t, "messages", k.CollectionID())
		assert.Equal(t, "rooms/r1/messages", k.CollectionPath())
		assert.Equal(t, []string{"rooms", "r1", "messages", "m1"}, k.Segments())
	})

	t.Run("parse invalid path test", func(t *testing.T) {
		_, err := key.FromString("rooms/r1/messages")
		assert.Error(t, err, "odd segment count should be rejected")

		_, err = key.FromString("")
		assert.Error(t, err)

		_, err = key.FromString("rooms//m1/x")
		assert.Error(t, err, "empty segment should be rejected")

		_, err = key.FromSegments()
		assert.Error(t, err)
	})

	t.Run("top level collection test", func(t *testing.T) {
		k := key.MustFromString("users/alice")
		assert.Equal(t, "alice", k.ID())
		assert.Equal(t, "users", k.CollectionID())
		assert.Equal(t, "users", k.CollectionPath())
		assert.True(t, k.HasCollectionID("users"))
		assert.False(t, k.HasCollectionID("rooms"))
	})

	t.Run("segment-wise ordering test", func(t *testing.T) {
		keys := []key.Key{
			key.MustFromString("users/b"),
			key.MustFromString("users/a/pets/p1"),
			key.MustFromString("users/a"),
			key.MustFromString("rooms/r1"),
		}
		sort.Slice(keys, func(i, j int) bool { return key.Less(keys[i], keys[j]) })

		assert.Equal(t, "rooms/r1", keys[0].String())
		assert.Equal(t, "users/a", keys[1].String())
		assert.Equal(t, "users/a/pets/p1", keys[2].String())
		assert.Equal(t, "users/b", keys[3].String())

		// A prefix sorts before any longer path sharing it.
		assert.Equal(t, 0, key.Compare(keys[1], keys[1]))
		assert.Equal(t, -1, key.Compare(keys[1], keys[2]))
		assert.Equal(t, 1, key.Compare(keys[2], keys[1]))
	})

	t.Run("map key identity test", func(t *testing.T) {
		seen := map[key.Key]struct{}{}
		seen[key.MustFromString("users/a")] = struct{}{}
		seen[key.MustFromString("users/a")] = struct{}{}
		assert.Len(t, seen, 1)

		assert.True(t, key.Key{}.IsZero())
		assert.False(t, key.MustFromString("users/a").IsZero())
	})
}
