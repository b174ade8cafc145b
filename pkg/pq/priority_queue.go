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

// Package pq provides a priority queue with removable entries. The
// operation queue schedules its delayed tasks with it.
package pq

import (
	"container/heap"
)

// PriorityQueue is a priority queue implemented with a min heap over a
// caller supplied ordering.
type PriorityQueue[V any] struct {
	queue *internalQueue[V]
}

// New creates an instance of PriorityQueue. less must describe a strict
// weak ordering; the element for which less holds against all others is
// popped first.
func New[V any](less func(a, b V) bool) *PriorityQueue[V] {
	q := &internalQueue[V]{less: less}
	heap.Init(q)

	return &PriorityQueue[V]{queue: q}
}

// Item is the handle of a pushed value. It allows removing the value
// without scanning the queue.
type Item[V any] struct {
	value V
	index int
}

// Value returns the value this handle was created for.
func (i *Item[V]) Value() V {
	return i.value
}

// Push pushes the value onto this PriorityQueue and returns its handle.
func (pq *PriorityQueue[V]) Push(value V) *Item[V] {
	item := &Item[V]{value: value, index: -1}
	heap.Push(pq.queue, item)

	return item
}

// Peek returns the minimum element without removing it.
func (pq *PriorityQueue[V]) Peek() (V, bool) {
	if pq.queue.Len() == 0 {
		var zero V
		return zero, false
	}

	return pq.queue.items[0].value, true
}

// Pop removes and returns the minimum element.
func (pq *PriorityQueue[V]) Pop() (V, bool) {
	if pq.queue.Len() == 0 {
		var zero V
		return zero, false
	}

	return heap.Pop(pq.queue).(*Item[V]).value, true
}

// Remove removes the element behind the given handle in place. It returns
// false when the element was already popped or removed.
func (pq *PriorityQueue[V]) Remove(item *Item[V]) bool {
	if item.index < 0 || item.index >= pq.queue.Len() || pq.queue.items[item.index] != item {
		return false
	}
	heap.Remove(pq.queue, item.index)

	return true
}

// Len is the number of elements in this PriorityQueue.
func (pq *PriorityQueue[V]) Len() int {
	return pq.queue.Len()
}

// Values returns the values of this PriorityQueue in heap order.
func (pq *PriorityQueue[V]) Values() []V {
	values := make([]V, 0, pq.queue.Len())
	for _, item := range pq.queue.items {
		values = append(values, item.value)
	}

	return values
}

// internalQueue implements heap.Interface.
type internalQueue[V any] struct {
	items []*Item[V]
	less  func(a, b V) bool
}

func (q internalQueue[V]) Len() int { return len(q.items) }

func (q internalQueue[V]) Less(i, j int) bool {
	return q.less(q.items[i].value, q.items[j].value)
}

func (q internalQueue[V]) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *internalQueue[V]) Push(x any) {
	item := x.(*Item[V])
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *internalQueue[V]) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	q.items = old[:n-1]

	return item
}
