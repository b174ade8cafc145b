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

// Set is a mutation replacing a document's data entirely, creating the
// document when it does not exist.
type Set struct {
	// key is the document being written.
	key key.Key

	// value is the complete new data of the document.
	value field.Object

	// precond restricts when the set may be applied.
	precond Precondition

	// transforms are evaluated together with the set.
	transforms []FieldTransform
}

// NewSet creates a new instance of Set.
func NewSet(k key.Key, value field.Object, transforms ...FieldTransform) *Set {
	return &Set{key: k, value: value, transforms: transforms}
}

// WithPrecondition attaches a precondition to this set. Transactions use
// update time preconditions on their writes.
func (m *Set) WithPrecondition(p Precondition) *Set {
	m.precond = p

	return m
}

// Type returns the kind of this mutation.
func (m *Set) Type() Type {
	return TypeSet
}

// Key returns the key of the document this mutation writes.
func (m *Set) Key() key.Key {
	return m.key
}

// Precondition returns the precondition of this mutation.
func (m *Set) Precondition() Precondition {
	return m.precond
}

// Transforms returns the field transforms of this mutation.
func (m *Set) Transforms() []FieldTransform {
	return m.transforms
}

// Value returns the data this mutation writes.
func (m *Set) Value() field.Object {
	return m.value
}

// ApplyToLocal replaces the document's data with the set value plus local
// transform estimates. It returns a nil mask since the whole document is
// now determined by local writes.
func (m *Set) ApplyToLocal(
	doc *document.Document,
	previousMask *field.Mask,
	localWriteTime time.Time,
) *field.Mask {
	if !m.precond.IsValidFor(doc) {
		return previousMask
	}

	data := m.value.Clone()
	applyLocalTransforms(data, doc, m.transforms, localWriteTime)
	doc.ConvertToFound(doc.Version(), data).WithLocalMutations()

	return nil
}

// ApplyToRemote replaces the document with the acknowledged data at the
// commit version.
func (m *Set) ApplyToRemote(doc *document.Document, result Result) {
	data := m.value.Clone()
	applyServerTransforms(data, m.transforms, result.TransformResults)
	doc.ConvertToFound(result.Version, data).WithCommittedMutations()
}
