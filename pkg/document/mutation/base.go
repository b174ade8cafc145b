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
)

// ExtractBaseMutation captures the field values an increment transform of
// m would read from doc. Replaying the batch on top of an acknowledged
// document must not increment twice, so the captured base values are
// written back before the batch is reapplied. Only increments need this:
// the other transforms are idempotent against any base.
//
// The second return value reports whether m carries any increment.
func ExtractBaseMutation(m Mutation, doc *document.Document) (Mutation, bool) {
	base := field.NewObject()
	paths := make([]field.Path, 0, len(m.Transforms()))

	for _, ft := range m.Transforms() {
		if ft.TransformType() != TransformIncrement {
			continue
		}

		prev, ok := doc.Field(ft.Path())
		if !ok || !prev.IsNumber() {
			prev = field.Integer(0)
		}
		base.Set(ft.Path(), prev)
		paths = append(paths, ft.Path())
	}

	if len(paths) == 0 {
		return nil, false
	}

	return NewPatch(m.Key(), base, field.NewMask(paths...)).
		WithPrecondition(PreconditionExists(true)), true
}
