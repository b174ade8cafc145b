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

package client

import (
	"context"

	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
)

// Set writes data as the complete new contents of the document at path,
// creating it when it does not exist. Set returns once the write is
// queued and locally visible; use WaitForPendingWrites to wait for the
// backend acknowledgement.
func (c *Client) Set(ctx context.Context, path string, data map[string]any) error {
	m, err := setMutation(path, data)
	if err != nil {
		return err
	}

	return c.write(ctx, []mutation.Mutation{m}, nil)
}

// Update writes the given fields of the document at path, leaving the
// rest untouched. Keys of updates are dotted field paths; the Delete
// marker removes a field. The update is rejected by the backend when
// the document does not exist.
func (c *Client) Update(ctx context.Context, path string, updates map[string]any) error {
	m, err := updateMutation(path, updates)
	if err != nil {
		return err
	}

	return c.write(ctx, []mutation.Mutation{m}, nil)
}

// Delete removes the document at path. Deleting a document that does
// not exist is not an error.
func (c *Client) Delete(ctx context.Context, path string) error {
	k, err := key.FromString(path)
	if err != nil {
		return err
	}

	return c.write(ctx, []mutation.Mutation{mutation.NewDelete(k)}, nil)
}

// Batch returns an empty write batch. All writes added to it are
// applied together as one atomic unit when Commit is called.
func (c *Client) Batch() *WriteBatch {
	return &WriteBatch{client: c}
}

// WriteBatch collects writes that commit atomically: the backend
// applies either all of them or none. Its methods return the batch for
// chaining, and the first invalid write poisons the whole batch.
type WriteBatch struct {
	client    *Client
	mutations []mutation.Mutation
	err       error
}

// Set adds a set of the document at path to the batch.
func (b *WriteBatch) Set(path string, data map[string]any) *WriteBatch {
	if b.err != nil {
		return b
	}
	m, err := setMutation(path, data)
	if err != nil {
		b.err = err

		return b
	}
	b.mutations = append(b.mutations, m)

	return b
}

// Update adds an update of the document at path to the batch.
func (b *WriteBatch) Update(path string, updates map[string]any) *WriteBatch {
	if b.err != nil {
		return b
	}
	m, err := updateMutation(path, updates)
	if err != nil {
		b.err = err

		return b
	}
	b.mutations = append(b.mutations, m)

	return b
}

// Delete adds a delete of the document at path to the batch.
func (b *WriteBatch) Delete(path string) *WriteBatch {
	if b.err != nil {
		return b
	}
	k, err := key.FromString(path)
	if err != nil {
		b.err = err

		return b
	}
	b.mutations = append(b.mutations, mutation.NewDelete(k))

	return b
}

// Commit queues the batch. Like Set, it returns once the writes are
// locally visible.
func (b *WriteBatch) Commit(ctx context.Context) error {
	if b.err != nil {
		return b.err
	}
	if len(b.mutations) == 0 {
		return nil
	}

	return b.client.write(ctx, b.mutations, nil)
}

// setMutation builds the mutation of a Set call.
func setMutation(path string, data map[string]any) (mutation.Mutation, error) {
	k, err := key.FromString(path)
	if err != nil {
		return nil, err
	}
	value, transforms, err := parseSetData(data)
	if err != nil {
		return nil, err
	}

	return mutation.NewSet(k, value, transforms...), nil
}

// updateMutation builds the mutation of an Update call.
func updateMutation(path string, updates map[string]any) (mutation.Mutation, error) {
	k, err := key.FromString(path)
	if err != nil {
		return nil, err
	}
	value, mask, transforms, err := parseUpdateData(updates)
	if err != nil {
		return nil, err
	}

	return mutation.NewPatch(k, value, mask, transforms...), nil
}
