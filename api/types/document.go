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

package types

import "time"

// Document is the wire form of one stored document.
type Document struct {
	// Name is the full document path, e.g. "rooms/r1/messages/m1".
	Name string `cbor:"name"`

	// Fields holds the document contents.
	Fields map[string]Value `cbor:"fields,omitempty"`

	// UpdateTime is the version at which this revision was committed.
	UpdateTime time.Time `cbor:"update_time"`
}

// DocumentMask names the field paths a patch write touches. Dotted
// paths address nested fields.
type DocumentMask struct {
	FieldPaths []string `cbor:"field_paths"`
}

// Precondition guards a write. At most one of Exists and UpdateTime is
// set; a zero UpdateTime means no version restriction.
type Precondition struct {
	Exists     *bool     `cbor:"exists,omitempty"`
	UpdateTime time.Time `cbor:"update_time"`
}
