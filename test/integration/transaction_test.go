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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/client"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/errors"
	"github.com/wallaby-db/wallaby/test/helper"
)

func TestTransaction(t *testing.T) {
	t.Run("transaction reads then writes atomically test", func(t *testing.T) {
		ctx := testContext(t)
		b := helper.NewBackend(t)
		b.Put("tables/t1", field.Object{"seats": field.Integer(4)})
		c := newTestClient(t, b)

		responses := listenTo(t, c, mustQuery(t, "tables"))
		helper.WaitForSnapshot(t, responses, syncedWith("tables/t1"))

		attempts := 0
		err := c.RunTransaction(ctx, func(tx *client.Transaction) error {
			attempts++
			doc, err := tx.Get(ctx, "tables/t1")
			if err != nil {
				return err
			}
			tx.Update("tables/t1", map[string]any{"seats": intField(t, doc, "seats") + 1})

			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)

		stored := b.Document("tables/t1")
		assert.NotNil(t, stored)
		assert.Equal(t, int64(5), intField(t, stored, "seats"))

		snapshot := helper.WaitForSnapshot(t, responses, func(s *client.Snapshot) bool {
			return synced(s) && len(s.Documents) == 1 &&
				intField(t, s.Documents[0], "seats") == 5
		})
		assert.False(t, snapshot.Documents[0].HasPendingWrites())
	})

	t.Run("reads pin revisions without writing them test", func(t *testing.T) {
		ctx := testContext(t)
		b := helper.NewBackend(t)
		b.Put("tables/t1", field.Object{"seats": field.Integer(4)})
		c := newTestClient(t, b)

		responses := listenTo(t, c, mustQuery(t, "tables"))
		helper.WaitForSnapshot(t, responses, syncedWith("tables/t1"))

		err := c.RunTransaction(ctx, func(tx *client.Transaction) error {
			doc, err := tx.Get(ctx, "tables/t1")
			if err != nil {
				return err
			}
			tx.Set("tables/t2", map[string]any{"seats": intField(t, doc, "seats")})

			return nil
		})
		assert.NoError(t, err)

		stored := b.Document("tables/t2")
		assert.NotNil(t, stored)
		assert.Equal(t, int64(4), intField(t, stored, "seats"))
		assert.Equal(t, 2, b.DocumentCount())
	})

	t.Run("conflicting write forces a retry test", func(t *testing.T) {
		ctx := testContext(t)
		b := helper.NewBackend(t)
		b.Put("tables/t1", field.Object{"seats": field.Integer(4)})
		c := newTestClient(t, b)

		responses := listenTo(t, c, mustQuery(t, "tables"))
		helper.WaitForSnapshot(t, responses, syncedWith("tables/t1"))

		attempts := 0
		err := c.RunTransaction(ctx, func(tx *client.Transaction) error {
			attempts++
			doc, err := tx.Get(ctx, "tables/t1")
			if err != nil {
				return err
			}
			seats := intField(t, doc, "seats")

			if attempts == 1 {
				// A competing writer lands between the read and the
				// commit, so the pinned revision is stale by the time the
				// batch reaches the backend.
				b.Put("tables/t1", field.Object{"seats": field.Integer(9)})
				helper.WaitForSnapshot(t, responses, func(s *client.Snapshot) bool {
					return len(s.Documents) == 1 && intField(t, s.Documents[0], "seats") == 9
				})
			}

			tx.Update("tables/t1", map[string]any{"seats": seats + 1})

			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, attempts)

		stored := b.Document("tables/t1")
		assert.NotNil(t, stored)
		assert.Equal(t, int64(10), intField(t, stored, "seats"))
	})

	t.Run("gives up after the attempt limit test", func(t *testing.T) {
		ctx := testContext(t)
		b := helper.NewBackend(t)
		b.Put("tables/t1", field.Object{"seats": field.Integer(4)})
		c := newTestClient(t, b, client.WithMaxTransactionAttempts(1))

		responses := listenTo(t, c, mustQuery(t, "tables"))
		helper.WaitForSnapshot(t, responses, syncedWith("tables/t1"))

		attempts := 0
		err := c.RunTransaction(ctx, func(tx *client.Transaction) error {
			attempts++
			doc, err := tx.Get(ctx, "tables/t1")
			if err != nil {
				return err
			}
			b.Put("tables/t1", field.Object{"seats": field.Integer(9)})
			tx.Update("tables/t1", map[string]any{"seats": intField(t, doc, "seats") + 1})

			return nil
		})
		assert.True(t, errors.IsStatus(err, errors.ErrCodeFailedPrecondition))
		assert.Equal(t, 1, attempts)

		stored := b.Document("tables/t1")
		assert.NotNil(t, stored)
		assert.Equal(t, int64(9), intField(t, stored, "seats"))
	})

	t.Run("function errors abort without retrying test", func(t *testing.T) {
		ctx := testContext(t)
		b := helper.NewBackend(t)
		c := newTestClient(t, b)

		errBoom := fmt.Errorf("boom")
		attempts := 0
		err := c.RunTransaction(ctx, func(tx *client.Transaction) error {
			attempts++
			tx.Set("tables/t1", map[string]any{"seats": 1})

			return errBoom
		})
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 0, b.DocumentCount())
	})

	t.Run("updating a document never seen fails without retrying test", func(t *testing.T) {
		ctx := testContext(t)
		b := helper.NewBackend(t)
		c := newTestClient(t, b)

		err := c.RunTransaction(ctx, func(tx *client.Transaction) error {
			if _, err := tx.Get(ctx, "tables/ghost"); err != nil {
				return err
			}
			tx.Update("tables/ghost", map[string]any{"seats": 1})

			return nil
		})
		assert.True(t, errors.IsStatus(err, errors.ErrCodeNotFound))
	})
}
