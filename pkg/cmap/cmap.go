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

// Package cmap provides a sharded concurrent map. It is used where user
// goroutines and the operation queue touch the same registry, such as the
// client's active listens.
package cmap

import (
	"hash/maphash"
	"sync"
)

// numShards is the number of shards.
const numShards = 32

var hashSeed = maphash.MakeSeed()

type shard[K comparable, V any] struct {
	sync.RWMutex
	items map[K]V
}

// Map is a concurrent map that is safe for multiple goroutines. Sharding
// keeps lock contention low when many keys are touched concurrently.
type Map[K comparable, V any] struct {
	shards [numShards]shard[K, V]
}

// New creates a new Map.
func New[K comparable, V any]() *Map[K, V] {
	m := &Map[K, V]{}
	for i := 0; i < numShards; i++ {
		m.shards[i].items = make(map[K]V)
	}

	return m
}

// shardForKey returns the shard for the given key.
func (m *Map[K, V]) shardForKey(key K) *shard[K, V] {
	return &m.shards[maphash.Comparable(hashSeed, key)%numShards]
}

// Set sets a key-value pair.
func (m *Map[K, V]) Set(key K, value V) {
	shard := m.shardForKey(key)

	shard.Lock()
	defer shard.Unlock()

	shard.items[key] = value
}

// UpsertFunc is a function to insert or update a key-value pair.
type UpsertFunc[K comparable, V any] func(value V, exists bool) V

// Upsert inserts or updates a key-value pair under the shard lock and
// returns the stored result.
func (m *Map[K, V]) Upsert(key K, upsertFunc UpsertFunc[K, V]) V {
	shard := m.shardForKey(key)

	shard.Lock()
	defer shard.Unlock()

	v, exists := shard.items[key]
	res := upsertFunc(v, exists)
	shard.items[key] = res

	return res
}

// Get retrieves a value from the map.
func (m *Map[K, V]) Get(key K) (V, bool) {
	shard := m.shardForKey(key)

	shard.RLock()
	defer shard.RUnlock()

	value, exists := shard.items[key]

	return value, exists
}

// DeleteFunc decides under the shard lock whether the value should be
// removed.
type DeleteFunc[K comparable, V any] func(value V, exists bool) bool

// Delete removes a value from the map when deleteFunc approves it.
func (m *Map[K, V]) Delete(key K, deleteFunc DeleteFunc[K, V]) bool {
	shard := m.shardForKey(key)

	shard.Lock()
	defer shard.Unlock()

	value, exists := shard.items[key]
	del := deleteFunc(value, exists)
	if del && exists {
		delete(shard.items, key)
	}

	return del
}

// Has checks if a key exists in the map.
func (m *Map[K, V]) Has(key K) bool {
	shard := m.shardForKey(key)

	shard.RLock()
	defer shard.RUnlock()

	_, exists := shard.items[key]

	return exists
}

// Len returns the number of items in the map.
func (m *Map[K, V]) Len() int {
	count := 0
	for i := 0; i < numShards; i++ {
		shard := &m.shards[i]

		shard.RLock()
		count += len(shard.items)
		shard.RUnlock()
	}

	return count
}

// Keys returns a slice of all keys in the map.
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0)
	for i := 0; i < numShards; i++ {
		shard := &m.shards[i]

		shard.RLock()
		for k := range shard.items {
			keys = append(keys, k)
		}
		shard.RUnlock()
	}

	return keys
}

// Values returns a slice of all values in the map.
func (m *Map[K, V]) Values() []V {
	values := make([]V, 0)
	for i := 0; i < numShards; i++ {
		shard := &m.shards[i]

		shard.RLock()
		for _, v := range shard.items {
			values = append(values, v)
		}
		shard.RUnlock()
	}

	return values
}

// Range calls fn for a snapshot of every entry, outside the shard locks
// so fn may call back into the map. Entries added or removed while Range
// runs may or may not be visited.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	type entry struct {
		k K
		v V
	}

	for i := 0; i < numShards; i++ {
		shard := &m.shards[i]

		shard.RLock()
		entries := make([]entry, 0, len(shard.items))
		for k, v := range shard.items {
			entries = append(entries, entry{k: k, v: v})
		}
		shard.RUnlock()

		for _, e := range entries {
			if !fn(e.k, e.v) {
				return
			}
		}
	}
}
