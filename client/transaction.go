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

	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/pkg/errors"
)

// Transaction is the handle passed to a RunTransaction function. It
// records the revision every read observed and stages writes that the
// backend applies only when those revisions are still current.
//
// All reads must happen before the first write.
type Transaction struct {
	client *Client

	readVersions map[key.Key]document.Version
	writtenKeys  map[key.Key]struct{}
	mutations    []mutation.Mutation
	err          error
}

// RunTransaction runs fn, commits its staged writes, and retries the
// whole function when another writer invalidated what it read. fn may
// run multiple times and must only touch data through tx. An error
// returned by fn aborts the transaction with that error.
//
// Committing requires the backend: RunTransaction blocks while the
// client is offline until ctx ends.
func (c *Client) RunTransaction(ctx context.Context, fn func(tx *Transaction) error) error {
	var lastErr error
	for attempt := 0; attempt < c.conf.MaxTransactionAttempts; attempt++ {
		if attempt > 0 {
			// Let the writes that beat us settle so the next read sees
			// their acknowledged state instead of racing it again.
			if err := c.WaitForPendingWrites(ctx); err != nil {
				return err
			}
		}

		tx := &Transaction{
			client:       c,
			readVersions: make(map[key.Key]document.Version),
			writtenKeys:  make(map[key.Key]struct{}),
		}
		if err := fn(tx); err != nil {
			return err
		}
		if tx.err != nil {
			return tx.err
		}

		lastErr = tx.commit(ctx)
		if lastErr == nil {
			return nil
		}
		if !isTransactionRetryable(lastErr) {
			return lastErr
		}
		c.logger.Debugf("transaction attempt %d lost a conflict: %v", attempt+1, lastErr)
	}

	return lastErr
}

// Get reads the current local view of the document at path and records
// the observed revision for the commit-time conflict check.
func (tx *Transaction) Get(ctx context.Context, path string) (*document.Document, error) {
	if tx.err != nil {
		return nil, tx.err
	}
	if len(tx.mutations) > 0 {
		tx.err = errors.InvalidArgument("transactions require all reads before all writes")

		return nil, tx.err
	}

	k, err := key.FromString(path)
	if err != nil {
		tx.err = err

		return nil, err
	}

	doc, err := tx.client.Get(ctx, path)
	if err != nil {
		tx.err = err

		return nil, err
	}

	if _, seen := tx.readVersions[k]; !seen {
		if doc.IsFound() {
			tx.readVersions[k] = doc.Version()
		} else {
			tx.readVersions[k] = document.Version{}
		}
	}

	return doc, nil
}

// Set stages a set of the document at path.
func (tx *Transaction) Set(path string, data map[string]any) {
	if tx.err != nil {
		return
	}
	k, err := key.FromString(path)
	if err != nil {
		tx.err = err

		return
	}
	value, transforms, err := parseSetData(data)
	if err != nil {
		tx.err = err

		return
	}

	m := mutation.NewSet(k, value, transforms...)
	if v, read := tx.readVersions[k]; read {
		m = m.WithPrecondition(preconditionFor(v))
	}
	tx.stage(k, m)
}

// Update stages an update of the given fields of the document at path.
// The document must exist and, when it was read in this transaction,
// must still be at the revision the read observed.
func (tx *Transaction) Update(path string, updates map[string]any) {
	if tx.err != nil {
		return
	}
	k, err := key.FromString(path)
	if err != nil {
		tx.err = err

		return
	}
	value, mask, transforms, err := parseUpdateData(updates)
	if err != nil {
		tx.err = err

		return
	}

	m := mutation.NewPatch(k, value, mask, transforms...)
	if v, read := tx.readVersions[k]; read {
		if v.IsZero() {
			tx.err = errors.NotFound("cannot update a document that does not exist")

			return
		}
		m = m.WithPrecondition(mutation.PreconditionUpdateTime(v))
	}
	tx.stage(k, m)
}

// Delete stages a delete of the document at path.
func (tx *Transaction) Delete(path string) {
	if tx.err != nil {
		return
	}
	k, err := key.FromString(path)
	if err != nil {
		tx.err = err

		return
	}

	m := mutation.NewDelete(k)
	if v, read := tx.readVersions[k]; read {
		m = m.WithPrecondition(preconditionFor(v))
	}
	tx.stage(k, m)
}

func (tx *Transaction) stage(k key.Key, m mutation.Mutation) {
	tx.mutations = append(tx.mutations, m)
	tx.writtenKeys[k] = struct{}{}
}

// commit sends the staged writes as one atomic batch, preceded by a
// verify for every document that was read but not written, and waits
// for the backend's verdict.
func (tx *Transaction) commit(ctx context.Context) error {
	muts := make([]mutation.Mutation, 0, len(tx.readVersions)+len(tx.mutations))
	for k, v := range tx.readVersions {
		if _, written := tx.writtenKeys[k]; written {
			continue
		}
		muts = append(muts, mutation.NewVerify(k, preconditionFor(v)))
	}
	muts = append(muts, tx.mutations...)
	if len(muts) == 0 {
		return nil
	}

	done := make(chan error, 1)
	err := tx.client.write(ctx, muts, func(cause error) {
		done <- cause
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// preconditionFor turns an observed revision into the precondition that
// detects any change to it: a read that saw the document pins its
// update time, a read that missed it requires it to still be absent.
func preconditionFor(v document.Version) mutation.Precondition {
	if v.IsZero() {
		return mutation.PreconditionExists(false)
	}

	return mutation.PreconditionUpdateTime(v)
}

// isTransactionRetryable reports whether a commit failure means the
// transaction lost a conflict and rerunning it may succeed.
func isTransactionRetryable(err error) bool {
	switch errors.StatusOf(err) {
	case errors.ErrCodeAborted, errors.ErrCodeFailedPrecondition:
		return true
	default:
		return false
	}
}
