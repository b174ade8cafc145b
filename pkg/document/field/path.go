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

import (
	"fmt"
	"strings"

	"github.com/wallaby-db/wallaby/pkg/errors"
)

// KeyFieldName is the reserved field name that refers to the document key
// instead of a field of its data. It is used by order clauses and bounds.
const KeyFieldName = "__name__"

// Path addresses a field inside a document's data, possibly nested.
type Path []string

// KeyPath is the path referring to the document key.
var KeyPath = Path{KeyFieldName}

// ParsePath parses a dot separated field path such as "author.name".
func ParsePath(dotted string) (Path, error) {
	segments := strings.Split(dotted, ".")
	for _, seg := range segments {
		if seg == "" {
			return nil, errors.InvalidArgument(fmt.Sprintf("field path must not contain empty segments: %q", dotted))
		}
	}

	return Path(segments), nil
}

// MustParsePath is ParsePath that panics on malformed paths. It is
// intended for statically known paths and tests.
func MustParsePath(dotted string) Path {
	p, err := ParsePath(dotted)
	if err != nil {
		panic(err)
	}

	return p
}

// String returns the dot separated form of this path.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// IsKeyPath returns whether this path refers to the document key.
func (p Path) IsKeyPath() bool {
	return len(p) == 1 && p[0] == KeyFieldName
}

// Equal reports whether two paths address the same field.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}

	return true
}

// IsPrefixOf reports whether this path is the other path or one of its
// ancestors.
func (p Path) IsPrefixOf(other Path) bool {
	if len(p) > len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}

	return true
}

// ComparePaths orders paths segment by segment, shorter paths first.
func ComparePaths(a, b Path) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := strings.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}

	return compareInts(int64(len(a)), int64(len(b)))
}
