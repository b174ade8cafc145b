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

// Package key provides hierarchical document keys. A key is a slash
// separated path with an even number of segments, alternating between
// collection IDs and document IDs: "rooms/r1/messages/m1".
package key

import (
	"fmt"
	"strings"

	"github.com/wallaby-db/wallaby/pkg/errors"
)

// Splitter separates the segments of a document path.
const Splitter = "/"

// Key is the immutable identity of a document. The zero Key is invalid;
// construct keys with FromString or FromSegments. Key is comparable and
// can be used directly as a map key.
type Key struct {
	path string
}

// FromString creates a Key from its slash separated path form.
func FromString(path string) (Key, error) {
	segments := strings.Split(path, Splitter)
	if err := validateSegments(segments); err != nil {
		return Key{}, err
	}

	return Key{path: path}, nil
}

// FromSegments creates a Key from alternating collection and document IDs.
func FromSegments(segments ...string) (Key, error) {
	if err := validateSegments(segments); err != nil {
		return Key{}, err
	}

	return Key{path: strings.Join(segments, Splitter)}, nil
}

// MustFromString is FromString that panics on malformed paths. It is
// intended for statically known paths and tests.
func MustFromString(path string) Key {
	k, err := FromString(path)
	if err != nil {
		panic(err)
	}

	return k
}

func validateSegments(segments []string) error {
	if len(segments) == 0 || len(segments)%2 != 0 {
		return errors.InvalidArgument(
			fmt.Sprintf("document path must have an even number of segments: %q", strings.Join(segments, Splitter)),
		)
	}
	for _, seg := range segments {
		if seg == "" {
			return errors.InvalidArgument(
				fmt.Sprintf("document path must not contain empty segments: %q", strings.Join(segments, Splitter)),
			)
		}
	}

	return nil
}

// String returns the canonical path of this key.
func (k Key) String() string {
	return k.path
}

// IsZero returns whether this key is the invalid zero value.
func (k Key) IsZero() bool {
	return k.path == ""
}

// Segments returns the path segments of this key.
func (k Key) Segments() []string {
	if k.IsZero() {
		return nil
	}

	return strings.Split(k.path, Splitter)
}

// ID returns the document ID, the last segment of the path.
func (k Key) ID() string {
	idx := strings.LastIndex(k.path, Splitter)

	return k.path[idx+1:]
}

// CollectionPath returns the path of the collection containing this
// document, that is every segment but the last.
func (k Key) CollectionPath() string {
	idx := strings.LastIndex(k.path, Splitter)
	if idx < 0 {
		return ""
	}

	return k.path[:idx]
}

// CollectionID returns the ID of the collection containing this document,
// the second to last segment of the path.
func (k Key) CollectionID() string {
	segments := k.Segments()
	if len(segments) < 2 {
		return ""
	}

	return segments[len(segments)-2]
}

// HasCollectionID returns whether this key lives in a collection with the
// given ID at any nesting depth.
func (k Key) HasCollectionID(id string) bool {
	return k.CollectionID() == id
}

// Compare orders keys segment by segment. Segment-wise ordering differs
// from ordering on the joined path when segments contain characters that
// sort below the splitter.
func Compare(a, b Key) int {
	as, bs := a.Segments(), b.Segments()
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := strings.Compare(as[i], bs[i]); c != 0 {
			return c
		}
	}

	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts before b.
func Less(a, b Key) bool {
	return Compare(a, b) < 0
}
