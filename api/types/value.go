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

// Package types provides the wire representation of the backend protocol.
// The structs in this package carry CBOR tags and are what actually
// crosses the stream; api/converter translates between them and the
// model types.
package types

import "time"

// ValueKind discriminates the Value union on the wire.
type ValueKind string

const (
	// KindNull is an explicit null value.
	KindNull ValueKind = "null"

	// KindBoolean is a boolean value.
	KindBoolean ValueKind = "boolean"

	// KindInteger is a 64-bit integer value.
	KindInteger ValueKind = "integer"

	// KindDouble is a 64-bit floating point value.
	KindDouble ValueKind = "double"

	// KindTimestamp is a point in time with microsecond precision.
	KindTimestamp ValueKind = "timestamp"

	// KindString is a UTF-8 string value.
	KindString ValueKind = "string"

	// KindBytes is an opaque byte string value.
	KindBytes ValueKind = "bytes"

	// KindArray is an ordered list of values.
	KindArray ValueKind = "array"

	// KindMap is a set of named values.
	KindMap ValueKind = "map"
)

// Value is one field value on the wire. Kind names the variant; only
// the field matching the kind is meaningful.
type Value struct {
	Kind      ValueKind        `cbor:"kind"`
	Boolean   bool             `cbor:"boolean,omitempty"`
	Integer   int64            `cbor:"integer,omitempty"`
	Double    float64          `cbor:"double,omitempty"`
	Timestamp time.Time        `cbor:"timestamp"`
	String    string           `cbor:"string,omitempty"`
	Bytes     []byte           `cbor:"bytes,omitempty"`
	Array     []Value          `cbor:"array,omitempty"`
	Map       map[string]Value `cbor:"map,omitempty"`
}
