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

// Patch is a mutation writing only the fields named by its mask. Mask
// paths absent from the patch value are deleted from the document.
type Patch struct {
	// key is the document being written.
	key key.Key

	// value holds the new values of the masked fields.
	value field.Object

	// mask names the fields this patch writes or deletes.
	mask field.Mask

	// precond restricts when the patch may be applied. User level patches
	// require the document to exist; overlay patches are unconditional.
	precond Precondition

	// transforms are evaluated together with the patch.
	transforms []FieldTransform
}

// NewPatch creates a new instance of Patch requiring the target document
// to exist.
func NewPatch(k key.Key, value field.Object, mask field.Mask, transforms ...FieldTransform) *Patch {
	return &Patch{
		key:        k,
		value:      value,
		mask:       mask,
		precond:    PreconditionExists(true),
		transforms: transforms,
	}
}

// NewUnconditionalPatch creates a patch that applies regardless of the
// target document's state. Overlays are stored in this form.
func NewUnconditionalPatch(k key.Key, value field.Object, mask field.Mask, transforms ...FieldTransform) *Patch {
	return &Patch{key: k, value: value, mask: mask, transforms: transforms}
}

// WithPrecondition replaces the precondition of this patch.
func (m *Patch) WithPrecondition(p Precondition) *Patch {
	m.precond = p

	return m
}

// Type returns the kind of this mutation.
func (m *Patch) Type() Type {
	return TypePatch
}

// Key returns the key of the document this mutation writes.
func (m *Patch) Key() key.Key {
	return m.key
}

// Precondition returns the precondition of this mutation.
func (m *Patch) Precondition() Precondition {
	return m.precond
}

// Transforms returns the field transforms of this mutation.
func (m *Patch) Transforms() []FieldTransform {
	return m.transforms
}

// Value returns the masked data this mutation writes.
func (m *Patch) Value() field.Object {
	return m.value
}

// Mask returns the mask naming the fields this patch touches.
func (m *Patch) Mask() field.Mask {
	return m.mask
}

// applyPatch writes the masked fields into data, deleting mask paths that
// are absent from the patch value.
func (m *Patch) applyPatch(data field.Object) {
	for _, p := range m.mask.Paths() {
		if v, ok := m.value.Get(p); ok {
			data.Set(p, v)
		} else {
			data.Delete(p)
		}
	}
}

// ApplyToLocal merges the patch into the document's data plus local
// transform estimates. The returned mask extends previousMask with the
// fields this patch touched; a nil previousMask stays nil since the whole
// document remains determined by an earlier set or delete.
func (m *Patch) ApplyToLocal(
	doc *document.Document,
	previousMask *field.Mask,
	localWriteTime time.Time,
) *field.Mask {
	if !m.precond.IsValidFor(doc) {
		return previousMask
	}

	data := doc.Data().Clone()
	m.applyPatch(data)
	transformMask := applyLocalTransforms(data, doc, m.transforms, localWriteTime)
	doc.ConvertToFound(doc.Version(), data).WithLocalMutations()

	if previousMask == nil {
		return nil
	}
	merged := previousMask.Union(m.mask).Union(transformMask)

	return &merged
}

// ApplyToRemote merges the acknowledged patch at the commit version. When
// the local cache has no data for the document, its contents after the
// patch are unknowable and the document converts to unknown until a listen
// refetches it.
func (m *Patch) ApplyToRemote(doc *document.Document, result Result) {
	if !doc.IsFound() {
		doc.ConvertToUnknown(result.Version)

		return
	}

	data := doc.Data().Clone()
	m.applyPatch(data)
	applyServerTransforms(data, m.transforms, result.TransformResults)
	doc.ConvertToFound(result.Version, data).WithCommittedMutations()
}
