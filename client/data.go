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

package client

import (
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/pkg/errors"
)

// sentinelKind enumerates the marker values recognized inside write
// data.
type sentinelKind int

const (
	sentinelServerTimestamp sentinelKind = iota + 1
	sentinelDelete
	sentinelIncrement
	sentinelArrayUnion
	sentinelArrayRemove
)

// sentinel is a marker placed in write data instead of a plain value. It
// is turned into a field transform or a deletion while the data is
// parsed, before the remaining values are converted.
type sentinel struct {
	kind     sentinelKind
	operand  any
	elements []any
}

// ServerTimestamp is a value that sets the field to the commit time of
// the write. Until the backend acknowledges the write, readers see the
// local write time in its place.
var ServerTimestamp = sentinel{kind: sentinelServerTimestamp}

// Delete is a value that removes the field from the document. It may
// only be used as an update value.
var Delete = sentinel{kind: sentinelDelete}

// Increment returns a value that adds n to the current numeric value of
// the field. n must be an integer or a floating point number. A missing
// or non-numeric field is treated as zero.
func Increment(n any) sentinel {
	return sentinel{kind: sentinelIncrement, operand: n}
}

// ArrayUnion returns a value that appends the given elements to the
// field's array unless they are already present.
func ArrayUnion(elements ...any) sentinel {
	return sentinel{kind: sentinelArrayUnion, elements: elements}
}

// ArrayRemove returns a value that removes the given elements from the
// field's array wherever they occur.
func ArrayRemove(elements ...any) sentinel {
	return sentinel{kind: sentinelArrayRemove, elements: elements}
}

// parseSetData converts the data of a set into the stored object and the
// field transforms riding along with the write. Delete markers are
// rejected.
func parseSetData(data map[string]any) (field.Object, []mutation.FieldTransform, error) {
	clean, transforms, err := extractTransforms(nil, data)
	if err != nil {
		return nil, nil, err
	}

	obj, err := field.ObjectFromInterface(clean)
	if err != nil {
		return nil, nil, err
	}

	return obj, transforms, nil
}

// parseUpdateData converts the data of an update, keyed by dotted field
// paths, into the patch object, the field mask, and the field
// transforms. Delete markers become mask entries without a value, so the
// patch removes those fields.
func parseUpdateData(updates map[string]any) (field.Object, field.Mask, []mutation.FieldTransform, error) {
	if len(updates) == 0 {
		return nil, field.Mask{}, nil, errors.InvalidArgument("update requires at least one field")
	}

	obj := field.NewObject()
	var maskPaths []field.Path
	var transforms []mutation.FieldTransform
	for dotted, v := range updates {
		p, err := field.ParsePath(dotted)
		if err != nil {
			return nil, field.Mask{}, nil, err
		}

		if s, ok := v.(sentinel); ok {
			if s.kind == sentinelDelete {
				maskPaths = append(maskPaths, p)

				continue
			}
			t, err := transformOf(p, s)
			if err != nil {
				return nil, field.Mask{}, nil, err
			}
			transforms = append(transforms, t)

			continue
		}

		value, err := updateValue(p, v, &transforms)
		if err != nil {
			return nil, field.Mask{}, nil, err
		}
		obj.Set(p, value)
		maskPaths = append(maskPaths, p)
	}
	if len(maskPaths) == 0 && len(transforms) == 0 {
		return nil, field.Mask{}, nil, errors.InvalidArgument("update requires at least one field")
	}

	return obj, field.NewMask(maskPaths...), transforms, nil
}

// updateValue converts one update value, allowing transform markers
// nested inside map values but not Delete, which only makes sense as a
// top level update value.
func updateValue(p field.Path, v any, transforms *[]mutation.FieldTransform) (field.Value, error) {
	if m, ok := v.(map[string]any); ok {
		clean, nested, err := extractTransforms(p, m)
		if err != nil {
			return field.Value{}, err
		}
		*transforms = append(*transforms, nested...)

		return field.FromInterface(clean)
	}
	if err := rejectSentinels(v); err != nil {
		return field.Value{}, err
	}

	return field.FromInterface(v)
}

// extractTransforms walks user data rooted at prefix, splitting it into
// a copy with the transform markers removed and the transforms they
// stand for. Parent maps whose fields are all markers survive as empty
// maps.
func extractTransforms(prefix field.Path, data map[string]any) (map[string]any, []mutation.FieldTransform, error) {
	clean := make(map[string]any, len(data))
	var transforms []mutation.FieldTransform
	for k, v := range data {
		if k == "" {
			return nil, nil, errors.InvalidArgument("field names must not be empty")
		}
		p := childPath(prefix, k)

		switch val := v.(type) {
		case sentinel:
			t, err := transformOf(p, val)
			if err != nil {
				return nil, nil, err
			}
			transforms = append(transforms, t)
		case map[string]any:
			sub, nested, err := extractTransforms(p, val)
			if err != nil {
				return nil, nil, err
			}
			clean[k] = sub
			transforms = append(transforms, nested...)
		default:
			if err := rejectSentinels(v); err != nil {
				return nil, nil, err
			}
			clean[k] = v
		}
	}

	return clean, transforms, nil
}

// transformOf converts a non-Delete marker into its field transform.
func transformOf(p field.Path, s sentinel) (mutation.FieldTransform, error) {
	switch s.kind {
	case sentinelServerTimestamp:
		return mutation.NewServerTimestampTransform(p), nil
	case sentinelIncrement:
		operand, err := field.FromInterface(s.operand)
		if err != nil {
			return mutation.FieldTransform{}, err
		}
		if !operand.IsNumber() {
			return mutation.FieldTransform{}, errors.InvalidArgument(
				"increment operand must be an integer or a double")
		}

		return mutation.NewIncrementTransform(p, operand), nil
	case sentinelArrayUnion, sentinelArrayRemove:
		elements := make([]field.Value, 0, len(s.elements))
		for _, e := range s.elements {
			if _, ok := e.(sentinel); ok {
				return mutation.FieldTransform{}, errors.InvalidArgument(
					"array transform elements must be plain values")
			}
			value, err := field.FromInterface(e)
			if err != nil {
				return mutation.FieldTransform{}, err
			}
			elements = append(elements, value)
		}
		if s.kind == sentinelArrayUnion {
			return mutation.NewArrayUnionTransform(p, elements...), nil
		}

		return mutation.NewArrayRemoveTransform(p, elements...), nil
	case sentinelDelete:
		return mutation.FieldTransform{}, errors.InvalidArgument(
			"Delete may only be used as an update value")
	default:
		return mutation.FieldTransform{}, errors.InvalidArgument("unknown marker value")
	}
}

// rejectSentinels fails when a marker value hides inside an array, where
// no field transform could reach it.
func rejectSentinels(v any) error {
	switch val := v.(type) {
	case sentinel:
		return errors.InvalidArgument("marker values are not allowed inside arrays")
	case []any:
		for _, e := range val {
			if err := rejectSentinels(e); err != nil {
				return err
			}
		}

		return nil
	case map[string]any:
		for _, e := range val {
			if err := rejectSentinels(e); err != nil {
				return err
			}
		}

		return nil
	default:
		return nil
	}
}

func childPath(prefix field.Path, segment string) field.Path {
	p := make(field.Path, 0, len(prefix)+1)
	p = append(p, prefix...)

	return append(p, segment)
}
