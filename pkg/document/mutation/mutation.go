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

// Package mutation implements the local writes that can be applied to
// documents. A mutation applies twice: optimistically to the local view
// while the write is in flight, and authoritatively once the server
// acknowledges it.
package mutation

import (
	"time"

	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
)

// Type identifies the kind of a mutation on the wire and in storage.
type Type int

const (
	// TypeSet replaces a document's data entirely.
	TypeSet Type = iota + 1

	// TypePatch merges data into the named fields of a document.
	TypePatch

	// TypeDelete removes a document.
	TypeDelete

	// TypeVerify asserts a precondition without changing anything. It is
	// produced by transactions for documents that were read but not
	// written.
	TypeVerify
)

// String returns the name of the type.
func (t Type) String() string {
	switch t {
	case TypeSet:
		return "set"
	case TypePatch:
		return "patch"
	case TypeDelete:
		return "delete"
	case TypeVerify:
		return "verify"
	default:
		return "unknown"
	}
}

// Mutation represents a single local write to one document.
type Mutation interface {
	// Type returns the kind of this mutation.
	Type() Type

	// Key returns the key of the document this mutation writes.
	Key() key.Key

	// Precondition returns the condition the target document must meet
	// for the server to apply this mutation.
	Precondition() Precondition

	// Transforms returns the field transforms applied together with this
	// mutation, if any.
	Transforms() []FieldTransform

	// ApplyToLocal applies this mutation to the local view of the target
	// document. previousMask carries the fields mutated by earlier batches
	// on the same document, or nil when an earlier mutation replaced the
	// whole document; the returned mask follows the same convention and
	// feeds overlay computation.
	ApplyToLocal(doc *document.Document, previousMask *field.Mask, localWriteTime time.Time) *field.Mask

	// ApplyToRemote applies the acknowledged outcome of this mutation.
	// Preconditions are not rechecked since the server already enforced
	// them before acknowledging.
	ApplyToRemote(doc *document.Document, result Result)
}

// Result is the acknowledged outcome of a single mutation.
type Result struct {
	// Version is the commit version of the document after the mutation.
	Version document.Version

	// TransformResults holds the server computed value for each field
	// transform of the mutation, in declaration order.
	TransformResults []field.Value
}

// Precondition restricts when a mutation may be applied. The zero value
// places no restriction.
type Precondition struct {
	updateTime *document.Version
	exists     *bool
}

// PreconditionExists requires the target document to exist, or to not
// exist when e is false.
func PreconditionExists(e bool) Precondition {
	return Precondition{exists: &e}
}

// PreconditionUpdateTime requires the target document to exist at exactly
// the given version. Transactions use it to detect concurrent writes.
func PreconditionUpdateTime(v document.Version) Precondition {
	return Precondition{updateTime: &v}
}

// IsNone returns whether this precondition places no restriction.
func (p Precondition) IsNone() bool {
	return p.updateTime == nil && p.exists == nil
}

// UpdateTime returns the required version and whether one is set.
func (p Precondition) UpdateTime() (document.Version, bool) {
	if p.updateTime == nil {
		return document.Version{}, false
	}

	return *p.updateTime, true
}

// Exists returns the required existence and whether one is set.
func (p Precondition) Exists() (bool, bool) {
	if p.exists == nil {
		return false, false
	}

	return *p.exists, true
}

// IsValidFor reports whether the given document meets this precondition.
func (p Precondition) IsValidFor(doc *document.Document) bool {
	if p.updateTime != nil {
		return doc.IsFound() && doc.Version().Compare(*p.updateTime) == 0
	}
	if p.exists != nil {
		return *p.exists == doc.IsFound()
	}

	return true
}

// serverTransformValues pairs the server's transform results with their
// field paths.
func serverTransformValues(transforms []FieldTransform, results []field.Value) map[string]field.Value {
	out := make(map[string]field.Value, len(transforms))
	for i, ft := range transforms {
		if i < len(results) {
			out[ft.Path().String()] = results[i]
		}
	}

	return out
}

// applyServerTransforms writes the server's transform results into data.
func applyServerTransforms(data field.Object, transforms []FieldTransform, results []field.Value) {
	values := serverTransformValues(transforms, results)
	for _, ft := range transforms {
		if v, ok := values[ft.Path().String()]; ok {
			data.Set(ft.Path(), v)
		}
	}
}

// applyLocalTransforms evaluates transforms against the document's current
// fields and writes the local estimates into data.
func applyLocalTransforms(
	data field.Object,
	doc *document.Document,
	transforms []FieldTransform,
	localWriteTime time.Time,
) field.Mask {
	paths := make([]field.Path, 0, len(transforms))
	for _, ft := range transforms {
		prev, _ := doc.Field(ft.Path())
		data.Set(ft.Path(), ft.ApplyToLocal(prev, localWriteTime))
		paths = append(paths, ft.Path())
	}

	return field.NewMask(paths...)
}
