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

package cmap_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/pkg/cmap"
)

func TestMap(t *testing.T) {
	t.Run("set and get", func(t *testing.T) {
		m := cmap.New[string, int]()

		m.Set("a", 1)
		v, exists := m.Get("a")
		assert.True(t, exists)
		assert.Equal(t, 1, v)

		v, exists = m.Get("b")
		assert.False(t, exists)
		assert.Equal(t, 0, v)
	})

	t.Run("struct keys", func(t *testing.T) {
		type target struct {
			id  int
			gen int
		}
		m := cmap.New[target, string]()

		m.Set(target{id: 1, gen: 2}, "x")
		v, exists := m.Get(target{id: 1, gen: 2})
		assert.True(t, exists)
		assert.Equal(t, "x", v)
		assert.False(t, m.Has(target{id: 1, gen: 3}))
	})

	t.Run("upsert", func(t *testing.T) {
		m := cmap.New[string, int]()

		up := func(val int, exists bool) int {
			if exists {
				return val + 1
			}
			return 1
		}
		assert.Equal(t, 1, m.Upsert("a", up))
		assert.Equal(t, 2, m.Upsert("a", up))
	})

	t.Run("delete", func(t *testing.T) {
		m := cmap.New[string, int]()

		m.Set("a", 1)
		exists := m.Delete("a", func(val int, exists bool) bool {
			assert.Equal(t, 1, val)
			return exists
		})
		assert.True(t, exists)

		_, exists = m.Get("a")
		assert.False(t, exists)
	})

	t.Run("range", func(t *testing.T) {
		m := cmap.New[int, int]()
		for i := 0; i < 100; i++ {
			m.Set(i, i*i)
		}

		sum := 0
		m.Range(func(k, v int) bool {
			sum += v
			return true
		})
		assert.Equal(t, 328350, sum)

		visited := 0
		m.Range(func(k, v int) bool {
			visited++
			return false
		})
		assert.Equal(t, 1, visited, "range stops when fn returns false")
	})
}

func TestConcurrentMap(t *testing.T) {
	t.Run("concurrent set and get", func(t *testing.T) {
		m := cmap.New[string, int]()
		const numRoutines = 50
		const numOperations = 100

		var wg sync.WaitGroup
		wg.Add(numRoutines)
		for i := 0; i < numRoutines; i++ {
			go func(routineID int) {
				defer wg.Done()
				for j := 0; j < numOperations; j++ {
					key := fmt.Sprintf("key-%d-%d", routineID, j)
					m.Set(key, j)
					if v, ok := m.Get(key); !ok || v != j {
						t.Errorf("lost write for %s", key)
					}
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, numRoutines*numOperations, m.Len())
		assert.Len(t, m.Keys(), numRoutines*numOperations)
		assert.Len(t, m.Values(), numRoutines*numOperations)
	})
}
