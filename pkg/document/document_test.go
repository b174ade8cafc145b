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

package document_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
)

func TestDocument(t *testing.T) {
	k := key.MustFromString("rooms/r1/messages/m1")
	v1 := document.NewVersion(time.Unix(100, 0))
	v2 := document.NewVersion(time.Unix(200, 0))

	t.Run("conversions test", func(t *testing.T) {
		doc := document.NewInvalid(k)
		assert.False(t, doc.IsValid())
		assert.False(t, doc.HasPendingWrites())

		doc.ConvertToFound(v1, field.Object{"text": field.String("hi")})
		assert.True(t, doc.IsFound())
		assert.Equal(t, document.StateSynced, doc.SyncState())
		val, ok := doc.Field(field.Path{"text"})
		assert.True(t, ok)
		assert.Equal(t, "hi", val.Text())

		doc.ConvertToMissing(v2)
		assert.True(t, doc.IsMissing())
		assert.Empty(t, doc.Data())
		assert.Equal(t, 0, doc.Version().Compare(v2))

		doc.ConvertToUnknown(v2)
		assert.True(t, doc.IsUnknown())
		assert.True(t, doc.HasCommittedMutations(), "unknown documents await their refetch")
	})

	t.Run("sync state test", func(t *testing.T) {
		doc := document.NewFound(k, v1, field.Object{"n": field.Integer(1)})
		assert.False(t, doc.HasPendingWrites())

		doc.WithLocalMutations()
		assert.True(t, doc.HasLocalMutations())
		assert.True(t, doc.HasPendingWrites())

		doc.WithCommittedMutations()
		assert.True(t, doc.HasCommittedMutations())
		assert.True(t, doc.HasPendingWrites())
	})

	t.Run("clone isolation test", func(t *testing.T) {
		doc := document.NewFound(k, v1, field.Object{"n": field.Integer(1)})
		cloned := doc.Clone()
		cloned.Data().Set(field.Path{"n"}, field.Integer(9))

		val, _ := doc.Field(field.Path{"n"})
		assert.Equal(t, int64(1), val.Int())
		assert.True(t, doc.Equal(doc.Clone()))
		assert.False(t, doc.Equal(cloned))
	})

	t.Run("version ordering test", func(t *testing.T) {
		assert.True(t, v2.After(v1))
		assert.True(t, v1.After(document.Version{}))
		assert.Equal(t, -1, document.Version{}.Compare(v1))
		assert.Equal(t, 0, document.VersionFromMicros(v1.Micros()).Compare(v1))
		assert.True(t, document.Version{}.IsZero())
	})
}
