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
	"math"
	"time"

	"github.com/wallaby-db/wallaby/pkg/document/field"
)

// TransformType identifies a field transform.
type TransformType int

const (
	// TransformServerTimestamp sets the field to the server's commit time.
	TransformServerTimestamp TransformType = iota + 1

	// TransformArrayUnion appends elements not already present.
	TransformArrayUnion

	// TransformArrayRemove removes all occurrences of elements.
	TransformArrayRemove

	// TransformIncrement adds a number to the field.
	TransformIncrement
)

// String returns the name of the transform type.
func (t TransformType) String() string {
	switch t {
	case TransformServerTimestamp:
		return "server_timestamp"
	case TransformArrayUnion:
		return "array_union"
	case TransformArrayRemove:
		return "array_remove"
	case TransformIncrement:
		return "increment"
	default:
		return "unknown"
	}
}

// FieldTransform is a server evaluated computation on one field, carried
// alongside a set or patch mutation. The client computes a local estimate
// while the write is pending; the server result replaces the estimate on
// acknowledgement.
type FieldTransform struct {
	// path is the field being transformed.
	path field.Path

	// transformType selects the computation.
	transformType TransformType

	// elements are the operands of array transforms.
	elements []field.Value

	// operand is the addend of increment transforms.
	operand field.Value
}

// NewServerTimestampTransform creates a transform setting the field to
// the server's commit time.
func NewServerTimestampTransform(p field.Path) FieldTransform {
	return FieldTransform{path: p, transformType: TransformServerTimestamp}
}

// NewArrayUnionTransform creates a transform appending the elements that
// are not already present in the field's array.
func NewArrayUnionTransform(p field.Path, elements ...field.Value) FieldTransform {
	return FieldTransform{path: p, transformType: TransformArrayUnion, elements: elements}
}

// NewArrayRemoveTransform creates a transform removing all occurrences of
// the elements from the field's array.
func NewArrayRemoveTransform(p field.Path, elements ...field.Value) FieldTransform {
	return FieldTransform{path: p, transformType: TransformArrayRemove, elements: elements}
}

// NewIncrementTransform creates a transform adding the operand to the
// field. Non-numeric or absent fields count as zero.
func NewIncrementTransform(p field.Path, operand field.Value) FieldTransform {
	return FieldTransform{path: p, transformType: TransformIncrement, operand: operand}
}

// Path returns the field this transform writes.
func (ft FieldTransform) Path() field.Path {
	return ft.path
}

// TransformType returns the computation of this transform.
func (ft FieldTransform) TransformType() TransformType {
	return ft.transformType
}

// Elements returns the operands of array transforms.
func (ft FieldTransform) Elements() []field.Value {
	return ft.elements
}

// Operand returns the addend of increment transforms.
func (ft FieldTransform) Operand() field.Value {
	return ft.operand
}

// ApplyToLocal computes the local estimate of this transform against the
// field's value before the write.
func (ft FieldTransform) ApplyToLocal(previous field.Value, localWriteTime time.Time) field.Value {
	switch ft.transformType {
	case TransformServerTimestamp:
		var prev *field.Value
		if previous.IsValid() {
			prev = &previous
		}

		return field.ServerTimestamp(localWriteTime, prev)
	case TransformArrayUnion:
		return applyUnion(previous, ft.elements)
	case TransformArrayRemove:
		return applyRemove(previous, ft.elements)
	case TransformIncrement:
		return applyIncrement(previous, ft.operand)
	default:
		return previous
	}
}

// applyUnion treats non-array previous values as empty and keeps element
// order stable: existing elements first, new elements in operand order.
func applyUnion(previous field.Value, elements []field.Value) field.Value {
	out := make([]field.Value, 0, len(previous.Elements())+len(elements))
	out = append(out, previous.Elements()...)
	for _, e := range elements {
		if !containsValue(out, e) {
			out = append(out, e)
		}
	}

	return field.Array(out...)
}

func applyRemove(previous field.Value, elements []field.Value) field.Value {
	out := make([]field.Value, 0, len(previous.Elements()))
	for _, e := range previous.Elements() {
		if !containsValue(elements, e) {
			out = append(out, e)
		}
	}

	return field.Array(out...)
}

func containsValue(haystack []field.Value, needle field.Value) bool {
	for _, v := range haystack {
		if field.Equal(v, needle) {
			return true
		}
	}

	return false
}

// applyIncrement adds the operand to the previous value. Integer addition
// saturates at the int64 bounds; mixing integers and doubles produces a
// double.
func applyIncrement(previous, operand field.Value) field.Value {
	if !previous.IsNumber() {
		previous = field.Integer(0)
	}

	if previous.Kind() == field.KindInteger && operand.Kind() == field.KindInteger {
		return field.Integer(saturatedAdd(previous.Int(), operand.Int()))
	}

	return field.Double(previous.Float() + operand.Float())
}

func saturatedAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	if b < 0 && a < math.MinInt64-b {
		return math.MinInt64
	}

	return a + b
}
