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

// Delete is a mutation removing a document.
type Delete struct {
	// key is the document being removed.
	key key.Key

	// precond restricts when the delete may be applied.
	precond Precondition
}

// NewDelete creates a new instance of Delete.
func NewDelete(k key.Key) *Delete {
	return &Delete{key: k}
}

// WithPrecondition attaches a precondition to this delete.
func (m *Delete) WithPrecondition(p Precondition) *Delete {
	m.precond = p

	return m
}

// Type returns the kind of this mutation.
func (m *Delete) Type() Type {
	return TypeDelete
}

// Key returns the key of the document this mutation removes.
func (m *Delete) Key() key.Key {
	return m.key
}

// Precondition returns the precondition of this mutation.
func (m *Delete) Precondition() Precondition {
	return m.precond
}

// Transforms returns nil since deletes carry no transforms.
func (m *Delete) Transforms() []FieldTransform {
	return nil
}

// ApplyToLocal converts the document to missing at its current version.
// It returns a nil mask since the whole document is now determined by the
// delete.
func (m *Delete) ApplyToLocal(
	doc *document.Document,
	previousMask *field.Mask,
	_ time.Time,
) *field.Mask {
	if !m.precond.IsValidFor(doc) {
		return previousMask
	}

	doc.ConvertToMissing(doc.Version()).WithLocalMutations()

	return nil
}

// ApplyToRemote converts the document to missing at the commit version.
func (m *Delete) ApplyToRemote(doc *document.Document, result Result) {
	doc.ConvertToMissing(result.Version).WithCommittedMutations()
}
