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

// TransformKind discriminates the FieldTransform union on the wire.
type TransformKind string

const (
	// TransformServerTimestamp sets the field to the commit time.
	TransformServerTimestamp TransformKind = "server_timestamp"

	// TransformArrayUnion appends the elements missing from the field.
	TransformArrayUnion TransformKind = "array_union"

	// TransformArrayRemove removes every occurrence of the elements.
	TransformArrayRemove TransformKind = "array_remove"

	// TransformIncrement adds the operand to the field.
	TransformIncrement TransformKind = "increment"
)

// FieldTransform is one server-evaluated transform attached to a write.
type FieldTransform struct {
	// FieldPath is the dotted path of the transformed field.
	FieldPath string `cbor:"field_path"`

	// Kind names the transform variant.
	Kind TransformKind `cbor:"kind"`

	// Elements carries the operands of array transforms.
	Elements []Value `cbor:"elements,omitempty"`

	// Operand carries the numeric operand of an increment.
	Operand *Value `cbor:"operand,omitempty"`
}

// Write is the wire form of one mutation. Exactly one of Update, Delete
// and Verify is set; Update with an UpdateMask patches only the masked
// fields, without a mask it replaces the whole document.
type Write struct {
	// Update carries the document contents for set and patch writes.
	Update *Document `cbor:"update,omitempty"`

	// Delete is the path of the document to delete.
	Delete string `cbor:"delete,omitempty"`

	// Verify is the path of the document whose precondition is checked
	// without writing.
	Verify string `cbor:"verify,omitempty"`

	// UpdateMask restricts an Update to the named field paths.
	UpdateMask *DocumentMask `cbor:"update_mask,omitempty"`

	// UpdateTransforms are evaluated by the backend after the update.
	UpdateTransforms []FieldTransform `cbor:"update_transforms,omitempty"`

	// CurrentDocument must hold for the write to be applied.
	CurrentDocument *Precondition `cbor:"current_document,omitempty"`
}

// WriteRequest is one message on the write stream. The first message of
// a stream carries no writes; it opens the session with the token of
// the previous session, if any.
type WriteRequest struct {
	// StreamToken acknowledges the server state the client has persisted.
	StreamToken []byte `cbor:"stream_token,omitempty"`

	// Writes is one mutation batch, in order.
	Writes []Write `cbor:"writes,omitempty"`
}

// WriteResult is the acknowledged outcome of a single write.
type WriteResult struct {
	// UpdateTime is the document version after the write. Zero means the
	// write did not change the document; the commit time applies.
	UpdateTime time.Time `cbor:"update_time"`

	// TransformResults holds the value the backend computed for each
	// field transform of the write, in order.
	TransformResults []Value `cbor:"transform_results,omitempty"`
}

// WriteResponse is the reply to one WriteRequest. The handshake reply
// carries only the stream token.
type WriteResponse struct {
	// StreamToken replaces the client's session token. It must be
	// persisted before the next request.
	StreamToken []byte `cbor:"stream_token"`

	// CommitTime is the time the batch was committed.
	CommitTime time.Time `cbor:"commit_time"`

	// WriteResults has one entry per write of the request, in order.
	WriteResults []WriteResult `cbor:"write_results,omitempty"`
}
