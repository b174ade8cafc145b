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

package pq_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/pkg/pq"
)

func setUpTestNums() *pq.PriorityQueue[int] {
	queue := pq.New[int](func(a, b int) bool { return a < b })
	for _, n := range []int{10, 7, 1, 9, 4, 11, 5, 3, 6, 12, 8, 2} {
		queue.Push(n)
	}

	return queue
}

func TestPQ(t *testing.T) {
	t.Run("priority queue push test", func(t *testing.T) {
		queue := setUpTestNums()
		assert.Equal(t, 12, queue.Len())
		assert.ElementsMatch(t,
			[]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
			queue.Values(),
		)
	})

	t.Run("priority queue pop order test", func(t *testing.T) {
		queue := setUpTestNums()

		for want := 1; want <= 12; want++ {
			peeked, ok := queue.Peek()
			assert.True(t, ok)
			assert.Equal(t, want, peeked)

			popped, ok := queue.Pop()
			assert.True(t, ok)
			assert.Equal(t, want, popped)
		}

		_, ok := queue.Pop()
		assert.False(t, ok)
		_, ok = queue.Peek()
		assert.False(t, ok)
	})

	t.Run("priority queue remove test", func(t *testing.T) {
		queue := pq.New[int](func(a, b int) bool { return a < b })
		one := queue.Push(1)
		queue.Push(2)
		three := queue.Push(3)

		assert.True(t, queue.Remove(three))
		assert.False(t, queue.Remove(three), "removing twice is a no-op")
		assert.Equal(t, 1, one.Value())

		popped, _ := queue.Pop()
		assert.Equal(t, 1, popped)
		assert.False(t, queue.Remove(one), "popped handles cannot be removed")

		popped, _ = queue.Pop()
		assert.Equal(t, 2, popped)
		assert.Equal(t, 0, queue.Len())
	})
}
