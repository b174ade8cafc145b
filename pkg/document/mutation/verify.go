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

package mutation

import (
	"time"

	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
)

// Verify is a mutation asserting a precondition on a document without
// changing it. Transactions emit verifies for documents that were read
// but not written so concurrent modifications abort the commit.
type Verify struct {
	// key is the document being checked.
	key key.Key

	// precond is the condition the server enforces at commit time.
	precond Precondition
}

// NewVerify creates a new instance of Verify.
func NewVerify(k key.Key, p Precondition) *Verify {
	return &Verify{key: k, precond: p}
}

// Type returns the kind of this mutation.
func (m *Verify) Type() Type {
	return TypeVerify
}

// Key returns the key of the document this mutation checks.
func (m *Verify) Key() key.Key {
	return m.key
}

// Precondition returns the precondition of this mutation.
func (m *Verify) Precondition() Precondition {
	return m.precond
}

// Transforms returns nil since verifies carry no transforms.
func (m *Verify) Transforms() []FieldTransform {
	return nil
}

// ApplyToLocal leaves the document untouched. Verifies only matter at
// commit time on the server.
func (m *Verify) ApplyToLocal(_ *document.Document, previousMask *field.Mask, _ time.Time) *field.Mask {
	return previousMask
}

// ApplyToRemote leaves the document untouched.
func (m *Verify) ApplyToRemote(_ *document.Document, _ Result) {}
