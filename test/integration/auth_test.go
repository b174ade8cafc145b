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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/auth"
	"github.com/wallaby-db/wallaby/client"
	"github.com/wallaby-db/wallaby/test/helper"
)

func TestAuth(t *testing.T) {
	t.Run("self signed tokens authenticate both streams test", func(t *testing.T) {
		ctx := testContext(t)
		b := helper.NewBackend(t)
		manager := auth.NewTokenManager("wallaby-secret", time.Hour)
		b.RequireAuth(manager)

		source := auth.NewSelfSignedTokenSource(manager, "alice")
		c := newTestClient(t, b, client.WithTokenSource(source))

		responses := listenTo(t, c, mustQuery(t, "rooms"))
		helper.WaitForSnapshot(t, responses, synced)

		assert.NoError(t, c.Set(ctx, "rooms/r1", map[string]any{"title": "standup"}))
		assert.NoError(t, c.WaitForPendingWrites(ctx))
		assert.Equal(t, 1, b.DocumentCount())
	})

	t.Run("rejected credentials keep the client on its cache test", func(t *testing.T) {
		ctx := testContext(t)
		b := helper.NewBackend(t)
		manager := auth.NewTokenManager("wallaby-secret", time.Hour)
		b.RequireAuth(manager)
		c := newTestClient(t, b, client.WithTokenSource(auth.NewStaticTokenSource("garbage")))

		responses := listenTo(t, c, mustQuery(t, "rooms"))
		snapshot := helper.NextSnapshot(t, responses)
		assert.True(t, snapshot.FromCache)

		// Writes queue locally but can never reach the backend.
		assert.NoError(t, c.Set(ctx, "rooms/r1", map[string]any{"title": "standup"}))

		waitCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, c.WaitForPendingWrites(waitCtx), context.DeadlineExceeded)
		assert.Equal(t, 0, b.DocumentCount())
	})
}
