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

package field

import "sort"

// Mask is a set of field paths naming the fields a patch mutation writes.
// Paths are kept sorted and deduplicated so masks have a canonical form.
type Mask struct {
	paths []Path
}

// NewMask creates a mask over the given paths.
func NewMask(paths ...Path) Mask {
	out := make([]Path, 0, len(paths))
	out = append(out, paths...)
	sort.Slice(out, func(i, j int) bool { return ComparePaths(out[i], out[j]) < 0 })

	deduped := out[:0]
	for i, p := range out {
		if i == 0 || ComparePaths(deduped[len(deduped)-1], p) != 0 {
			deduped = append(deduped, p)
		}
	}

	return Mask{paths: deduped}
}

// Paths returns the mask's paths in canonical order. The returned slice
// must not be modified.
func (m Mask) Paths() []Path {
	return m.paths
}

// Len returns the number of paths in the mask.
func (m Mask) Len() int {
	return len(m.paths)
}

// Covers reports whether the mask writes the given field, either directly
// or by writing one of its ancestors.
func (m Mask) Covers(p Path) bool {
	for _, mp := range m.paths {
		if mp.IsPrefixOf(p) {
			return true
		}
	}

	return false
}

// Union returns a mask covering the paths of both masks.
func (m Mask) Union(other Mask) Mask {
	return NewMask(append(append([]Path{}, m.paths...), other.paths...)...)
}

// String returns the canonical textual form of the mask.
func (m Mask) String() string {
	s := ""
	for i, p := range m.paths {
		if i > 0 {
			s += ","
		}
		s += p.String()
	}

	return s
}
