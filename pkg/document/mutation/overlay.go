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
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
)

// Overlay is the squashed effect of all pending batches on one document.
// Reads apply the overlay to the server's base document instead of
// replaying every batch.
type Overlay struct {
	// largestBatchID is the newest batch folded into this overlay. The
	// overlay must be recomputed when that batch completes.
	largestBatchID int64

	// mut reproduces the combined local changes in a single mutation.
	mut Mutation
}

// NewOverlay creates a new instance of Overlay.
func NewOverlay(largestBatchID int64, m Mutation) Overlay {
	return Overlay{largestBatchID: largestBatchID, mut: m}
}

// LargestBatchID returns the newest batch folded into this overlay.
func (o Overlay) LargestBatchID() int64 {
	return o.largestBatchID
}

// Mutation returns the squashed mutation.
func (o Overlay) Mutation() Mutation {
	return o.mut
}

// Key returns the document this overlay applies to.
func (o Overlay) Key() key.Key {
	return o.mut.Key()
}

// CalculateOverlay squashes the local changes reflected in doc into a
// single mutation. mask carries the fields mutated by the pending batches
// as returned by ApplyToLocalView; nil means the whole document was
// replaced. It returns nil when the document needs no overlay.
func CalculateOverlay(doc *document.Document, mask *field.Mask) Mutation {
	if !doc.HasLocalMutations() || (mask != nil && mask.Len() == 0) {
		return nil
	}

	if mask == nil {
		if doc.IsMissing() {
			return NewDelete(doc.Key())
		}

		return NewSet(doc.Key(), doc.Data().Clone())
	}

	docData := doc.Data()
	patchValue := field.NewObject()
	var paths []field.Path
	seen := map[string]struct{}{}
	for _, p := range mask.Paths() {
		if _, ok := seen[p.String()]; ok {
			continue
		}
		v, found := docData.Get(p)
		// A deleted nested field widens to its parent so the overlay
		// reproduces the deletion even when the parent map survives.
		if !found && len(p) > 1 {
			p = p[:len(p)-1]
			if _, ok := seen[p.String()]; ok {
				continue
			}
			v, found = docData.Get(p)
		}
		if found {
			patchValue.Set(p, v)
		}
		paths = append(paths, p)
		seen[p.String()] = struct{}{}
	}

	return NewUnconditionalPatch(doc.Key(), patchValue, field.NewMask(paths...))
}
