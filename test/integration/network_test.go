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

package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/client"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/test/helper"
)

func TestNetworkToggle(t *testing.T) {
	t.Run("disabling the network downgrades snapshots to the cache test", func(t *testing.T) {
		ctx := testContext(t)
		b := helper.NewBackend(t)
		b.Put("rooms/r1", field.Object{"title": field.String("standup")})
		c := newTestClient(t, b)

		responses := listenTo(t, c, mustQuery(t, "rooms"))
		helper.WaitForSnapshot(t, responses, syncedWith("rooms/r1"))

		assert.NoError(t, c.DisableNetwork(ctx))
		downgraded := helper.WaitForSnapshot(t, responses, func(s *client.Snapshot) bool {
			return s.FromCache
		})
		assert.Len(t, downgraded.Documents, 1)
		assert.True(t, downgraded.SyncStateChanged)

		assert.NoError(t, c.EnableNetwork(ctx))
		helper.WaitForSnapshot(t, responses, syncedWith("rooms/r1"))
	})

	t.Run("offline reads serve the cache test", func(t *testing.T) {
		ctx := testContext(t)
		b := helper.NewBackend(t)
		b.Put("rooms/r1", field.Object{"title": field.String("standup")})
		c := newTestClient(t, b)

		responses := listenTo(t, c, mustQuery(t, "rooms"))
		helper.WaitForSnapshot(t, responses, syncedWith("rooms/r1"))

		assert.NoError(t, c.DisableNetwork(ctx))

		doc, err := c.Get(ctx, "rooms/r1")
		assert.NoError(t, err)
		assert.True(t, doc.IsFound())
		assert.Equal(t, "standup", textField(t, doc, "title"))
	})

	t.Run("backend changes made while offline arrive on reconnect test", func(t *testing.T) {
		ctx := testContext(t)
		b := helper.NewBackend(t)
		b.Put("rooms/r1", field.Object{"title": field.String("standup")})
		c := newTestClient(t, b)

		responses := listenTo(t, c, mustQuery(t, "rooms"))
		helper.WaitForSnapshot(t, responses, syncedWith("rooms/r1"))

		assert.NoError(t, c.DisableNetwork(ctx))
		b.Put("rooms/r2", field.Object{"title": field.String("retro")})
		assert.NoError(t, c.EnableNetwork(ctx))

		helper.WaitForSnapshot(t, responses, syncedWith("rooms/r1", "rooms/r2"))
	})
}
