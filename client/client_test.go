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

package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/client"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/errors"
	"github.com/wallaby-db/wallaby/query"
	"github.com/wallaby-db/wallaby/transport"
)

// refusingConnector fails every dial so the client stays offline.
type refusingConnector struct{}

func (refusingConnector) Connect(context.Context, string, string) (transport.Channel, error) {
	return nil, errors.Unavailable("no backend")
}

func newOfflineClient(t *testing.T) *client.Client {
	t.Helper()

	c, err := client.New("ws://127.0.0.1:1", client.WithConnector(refusingConnector{}))
	assert.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, c.Close())
	})

	return c
}

func nextSnapshot(t *testing.T, responses <-chan client.ListenResponse) *client.Snapshot {
	t.Helper()

	select {
	case r, ok := <-responses:
		assert.True(t, ok)
		assert.NoError(t, r.Err)

		return r.Snapshot
	case <-time.After(5 * time.Second):
		assert.FailNow(t, "timed out waiting for a snapshot")

		return nil
	}
}

func TestClientConfiguration(t *testing.T) {
	t.Run("an invalid base url is rejected test", func(t *testing.T) {
		_, err := client.New("not a url")
		assert.Error(t, err)
	})

	t.Run("out of range options are rejected test", func(t *testing.T) {
		_, err := client.New("ws://127.0.0.1:1",
			client.WithConnector(refusingConnector{}),
			client.WithMaxTransactionAttempts(-1),
		)
		assert.Error(t, err)

		_, err = client.New("ws://127.0.0.1:1",
			client.WithConnector(refusingConnector{}),
			client.WithGCRetention(-1, time.Hour),
		)
		assert.Error(t, err)
	})

	t.Run("a fresh client gets a generated key test", func(t *testing.T) {
		c := newOfflineClient(t)
		assert.NotEmpty(t, c.Key())
	})

	t.Run("an explicit key is kept test", func(t *testing.T) {
		c, err := client.New("ws://127.0.0.1:1",
			client.WithConnector(refusingConnector{}),
			client.WithKey("client-alpha"),
		)
		assert.NoError(t, err)
		defer func() { assert.NoError(t, c.Close()) }()

		assert.Equal(t, "client-alpha", c.Key())
	})
}

func TestClientLifecycle(t *testing.T) {
	t.Run("close is idempotent test", func(t *testing.T) {
		c, err := client.New("ws://127.0.0.1:1", client.WithConnector(refusingConnector{}))
		assert.NoError(t, err)

		assert.NoError(t, c.Close())
		assert.NoError(t, c.Close())
	})

	t.Run("operations on a closed client fail test", func(t *testing.T) {
		c, err := client.New("ws://127.0.0.1:1", client.WithConnector(refusingConnector{}))
		assert.NoError(t, err)
		assert.NoError(t, c.Close())

		ctx := context.Background()
		_, err = c.Get(ctx, "rooms/r1")
		assert.Error(t, err)

		err = c.Set(ctx, "rooms/r1", map[string]any{"name": "lounge"})
		assert.Error(t, err)

		assert.ErrorIs(t, c.WaitForPendingWrites(ctx), client.ErrClientClosed)
	})
}

func TestOfflineReadsAndWrites(t *testing.T) {
	ctx := context.Background()

	t.Run("a write is immediately readable test", func(t *testing.T) {
		c := newOfflineClient(t)

		assert.NoError(t, c.Set(ctx, "rooms/r1", map[string]any{"name": "lounge", "size": int64(4)}))

		doc, err := c.Get(ctx, "rooms/r1")
		assert.NoError(t, err)
		assert.True(t, doc.IsFound())
		assert.True(t, doc.HasLocalMutations())
		name, ok := doc.Field(field.MustParsePath("name"))
		assert.True(t, ok)
		assert.Equal(t, field.String("lounge"), name)
	})

	t.Run("updates merge into the stored document test", func(t *testing.T) {
		c := newOfflineClient(t)

		assert.NoError(t, c.Set(ctx, "rooms/r1", map[string]any{
			"name": "lounge",
			"meta": map[string]any{"floor": int64(2), "wing": "north"},
		}))
		assert.NoError(t, c.Update(ctx, "rooms/r1", map[string]any{
			"meta.floor": int64(3),
			"name":       client.Delete,
		}))

		doc, err := c.Get(ctx, "rooms/r1")
		assert.NoError(t, err)
		floor, ok := doc.Field(field.MustParsePath("meta.floor"))
		assert.True(t, ok)
		assert.Equal(t, field.Integer(3), floor)
		wing, ok := doc.Field(field.MustParsePath("meta.wing"))
		assert.True(t, ok)
		assert.Equal(t, field.String("north"), wing)
		_, ok = doc.Field(field.MustParsePath("name"))
		assert.False(t, ok)
	})

	t.Run("increments apply to the local copy test", func(t *testing.T) {
		c := newOfflineClient(t)

		assert.NoError(t, c.Set(ctx, "counters/c1", map[string]any{"hits": int64(1)}))
		assert.NoError(t, c.Update(ctx, "counters/c1", map[string]any{"hits": client.Increment(int64(4))}))

		doc, err := c.Get(ctx, "counters/c1")
		assert.NoError(t, err)
		hits, ok := doc.Field(field.MustParsePath("hits"))
		assert.True(t, ok)
		assert.Equal(t, field.Integer(5), hits)
	})

	t.Run("deleting a document hides it from reads test", func(t *testing.T) {
		c := newOfflineClient(t)

		assert.NoError(t, c.Set(ctx, "rooms/r1", map[string]any{"name": "lounge"}))
		assert.NoError(t, c.Delete(ctx, "rooms/r1"))

		doc, err := c.Get(ctx, "rooms/r1")
		assert.NoError(t, err)
		assert.False(t, doc.IsFound())
		assert.True(t, doc.IsMissing())
	})

	t.Run("a batch applies all of its writes at once test", func(t *testing.T) {
		c := newOfflineClient(t)

		assert.NoError(t, c.Set(ctx, "rooms/r9", map[string]any{"name": "closet"}))

		err := c.Batch().
			Set("rooms/r1", map[string]any{"name": "lounge"}).
			Set("rooms/r2", map[string]any{"name": "hall"}).
			Delete("rooms/r9").
			Commit(ctx)
		assert.NoError(t, err)

		doc, err := c.Get(ctx, "rooms/r1")
		assert.NoError(t, err)
		assert.True(t, doc.IsFound())
		doc, err = c.Get(ctx, "rooms/r2")
		assert.NoError(t, err)
		assert.True(t, doc.IsFound())
		doc, err = c.Get(ctx, "rooms/r9")
		assert.NoError(t, err)
		assert.True(t, doc.IsMissing())
	})

	t.Run("an invalid write poisons the whole batch test", func(t *testing.T) {
		c := newOfflineClient(t)

		err := c.Batch().
			Set("rooms/r1", map[string]any{"name": "lounge"}).
			Set("rooms", map[string]any{"name": "odd"}).
			Commit(ctx)
		assert.Error(t, err)

		doc, err := c.Get(ctx, "rooms/r1")
		assert.NoError(t, err)
		assert.False(t, doc.IsFound())
	})
}

func TestOfflineListen(t *testing.T) {
	ctx := context.Background()

	t.Run("listeners see the cache first and local writes after test", func(t *testing.T) {
		c := newOfflineClient(t)

		listenCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		q, err := query.New("rooms")
		assert.NoError(t, err)
		responses, err := c.Listen(listenCtx, q)
		assert.NoError(t, err)

		first := nextSnapshot(t, responses)
		assert.NotNil(t, first)
		assert.Empty(t, first.Documents)
		assert.True(t, first.FromCache)

		assert.NoError(t, c.Set(ctx, "rooms/r1", map[string]any{"name": "lounge"}))

		second := nextSnapshot(t, responses)
		assert.NotNil(t, second)
		assert.Len(t, second.Documents, 1)
		assert.True(t, second.FromCache)
		assert.True(t, second.HasPendingWrites)
	})

	t.Run("canceling the context ends the stream test", func(t *testing.T) {
		c := newOfflineClient(t)

		listenCtx, cancel := context.WithCancel(ctx)
		q, err := query.New("rooms")
		assert.NoError(t, err)
		responses, err := c.Listen(listenCtx, q)
		assert.NoError(t, err)

		nextSnapshot(t, responses)
		cancel()

		deadline := time.After(5 * time.Second)
		for {
			select {
			case _, ok := <-responses:
				if !ok {
					return
				}
			case <-deadline:
				assert.FailNow(t, "listen channel did not close")

				return
			}
		}
	})
}

func TestWaitForPendingWrites(t *testing.T) {
	t.Run("returns immediately when nothing is pending test", func(t *testing.T) {
		c := newOfflineClient(t)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, c.WaitForPendingWrites(ctx))
	})

	t.Run("blocks while the client is offline test", func(t *testing.T) {
		c := newOfflineClient(t)

		assert.NoError(t, c.Set(context.Background(), "rooms/r1", map[string]any{"name": "lounge"}))

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, c.WaitForPendingWrites(ctx), context.DeadlineExceeded)
	})
}

func TestTransactionValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("reads after writes are rejected test", func(t *testing.T) {
		c := newOfflineClient(t)

		err := c.RunTransaction(ctx, func(tx *client.Transaction) error {
			tx.Set("rooms/r1", map[string]any{"name": "lounge"})
			_, err := tx.Get(ctx, "rooms/r1")

			return err
		})
		assert.True(t, errors.IsStatus(err, errors.ErrCodeInvalidArgument))
	})

	t.Run("updating a missing document fails without retrying test", func(t *testing.T) {
		c := newOfflineClient(t)

		err := c.RunTransaction(ctx, func(tx *client.Transaction) error {
			_, err := tx.Get(ctx, "rooms/missing")
			assert.NoError(t, err)
			tx.Update("rooms/missing", map[string]any{"name": "ghost"})

			return nil
		})
		assert.True(t, errors.IsStatus(err, errors.ErrCodeNotFound))
	})

	t.Run("a transaction without reads or writes commits test", func(t *testing.T) {
		c := newOfflineClient(t)

		err := c.RunTransaction(ctx, func(tx *client.Transaction) error {
			return nil
		})
		assert.NoError(t, err)
	})
}
