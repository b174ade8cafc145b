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

// Package integration runs client scenarios end to end against the
// in-process backend double: real websockets, both streams, the full
// sync pipeline.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/wallaby-db/wallaby/client"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/query"
	"github.com/wallaby-db/wallaby/test/helper"
)

const testTimeout = 10 * time.Second

// newTestClient connects a fresh client to the backend double and closes
// it when the test finishes.
func newTestClient(t *testing.T, b *helper.Backend, opts ...client.Option) *client.Client {
	t.Helper()

	c, err := client.New(b.URL(), opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	return c
}

// listenTo starts a listen on the query and stops it when the test
// finishes.
func listenTo(t *testing.T, c *client.Client, q query.Query) <-chan client.ListenResponse {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	responses, err := c.Listen(ctx, q)
	if err != nil {
		t.Fatalf("listen %s: %v", q.CanonicalID(), err)
	}

	return responses
}

func mustQuery(t *testing.T, path string) query.Query {
	t.Helper()

	q, err := query.New(path)
	if err != nil {
		t.Fatalf("query %s: %v", path, err)
	}

	return q
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	return ctx
}

// synced matches snapshots the backend has fully confirmed.
func synced(s *client.Snapshot) bool {
	return !s.FromCache && !s.HasPendingWrites
}

// syncedWith matches synced snapshots holding exactly the given paths.
func syncedWith(paths ...string) func(*client.Snapshot) bool {
	return func(s *client.Snapshot) bool {
		if !synced(s) || len(s.Documents) != len(paths) {
			return false
		}
		for i, doc := range s.Documents {
			if doc.Key().String() != paths[i] {
				return false
			}
		}

		return true
	}
}

func intField(t *testing.T, doc *document.Document, path string) int64 {
	t.Helper()

	v, ok := doc.Field(field.MustParsePath(path))
	if !ok {
		t.Fatalf("document %s has no field %s", doc.Key(), path)
	}

	return v.Int()
}

func textField(t *testing.T, doc *document.Document, path string) string {
	t.Helper()

	v, ok := doc.Field(field.MustParsePath(path))
	if !ok {
		t.Fatalf("document %s has no field %s", doc.Key(), path)
	}

	return v.Text()
}
