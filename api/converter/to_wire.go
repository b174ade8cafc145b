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

package converter

import (
	"fmt"
	"time"

	"github.com/wallaby-db/wallaby/api/types"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/pkg/errors"
	"github.com/wallaby-db/wallaby/query"
)

// ToValue converts the given model value to its wire form. Server
// timestamp sentinels have no wire form; the transform that created
// them crosses the wire instead.
func ToValue(v field.Value) (types.Value, error) {
	switch v.Kind() {
	case field.KindNull:
		return types.Value{Kind: types.KindNull}, nil
	case field.KindBoolean:
		return types.Value{Kind: types.KindBoolean, Boolean: v.Bool()}, nil
	case field.KindInteger:
		return types.Value{Kind: types.KindInteger, Integer: v.Int()}, nil
	case field.KindDouble:
		return types.Value{Kind: types.KindDouble, Double: v.Float()}, nil
	case field.KindTimestamp:
		return types.Value{Kind: types.KindTimestamp, Timestamp: v.Time()}, nil
	case field.KindString:
		return types.Value{Kind: types.KindString, String: v.Text()}, nil
	case field.KindBytes:
		return types.Value{Kind: types.KindBytes, Bytes: v.Blob()}, nil
	case field.KindArray:
		return toArrayValue(v.Elements())
	case field.KindMap:
		fields, err := ToFields(v.Fields())
		if err != nil {
			return types.Value{}, err
		}
		return types.Value{Kind: types.KindMap, Map: fields}, nil
	default:
		return types.Value{}, fmt.Errorf("%s: %w", v.Kind(), ErrUnsupportedValueType)
	}
}

func toArrayValue(elems []field.Value) (types.Value, error) {
	converted := make([]types.Value, 0, len(elems))
	for _, elem := range elems {
		wireElem, err := ToValue(elem)
		if err != nil {
			return types.Value{}, err
		}
		converted = append(converted, wireElem)
	}

	return types.Value{Kind: types.KindArray, Array: converted}, nil
}

// ToValues converts the given model values to their wire form.
func ToValues(values []field.Value) ([]types.Value, error) {
	wireValues := make([]types.Value, 0, len(values))
	for _, v := range values {
		wireValue, err := ToValue(v)
		if err != nil {
			return nil, err
		}
		wireValues = append(wireValues, wireValue)
	}

	return wireValues, nil
}

// ToFields converts the given document contents to their wire form.
func ToFields(fields map[string]field.Value) (map[string]types.Value, error) {
	wireFields := make(map[string]types.Value, len(fields))
	for name, v := range fields {
		wireValue, err := ToValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		wireFields[name] = wireValue
	}

	return wireFields, nil
}

// ToPrecondition converts the given precondition to its wire form, or
// nil when it places no restriction.
func ToPrecondition(p mutation.Precondition) *types.Precondition {
	if p.IsNone() {
		return nil
	}

	wirePrecond := &types.Precondition{}
	if exists, ok := p.Exists(); ok {
		wirePrecond.Exists = &exists
	}
	if version, ok := p.UpdateTime(); ok {
		wirePrecond.UpdateTime = version.Time()
	}

	return wirePrecond
}

// ToFieldTransform converts the given field transform to its wire form.
func ToFieldTransform(ft mutation.FieldTransform) (types.FieldTransform, error) {
	wireTransform := types.FieldTransform{FieldPath: ft.Path().String()}

	switch ft.TransformType() {
	case mutation.TransformServerTimestamp:
		wireTransform.Kind = types.TransformServerTimestamp
	case mutation.TransformArrayUnion, mutation.TransformArrayRemove:
		if ft.TransformType() == mutation.TransformArrayUnion {
			wireTransform.Kind = types.TransformArrayUnion
		} else {
			wireTransform.Kind = types.TransformArrayRemove
		}
		elements, err := ToValues(ft.Elements())
		if err != nil {
			return types.FieldTransform{}, err
		}
		wireTransform.Elements = elements
	case mutation.TransformIncrement:
		wireTransform.Kind = types.TransformIncrement
		operand, err := ToValue(ft.Operand())
		if err != nil {
			return types.FieldTransform{}, err
		}
		wireTransform.Operand = &operand
	default:
		return types.FieldTransform{}, fmt.Errorf("%s: %w", ft.TransformType(), ErrUnsupportedTransformType)
	}

	return wireTransform, nil
}

// ToWrite converts the given mutation to its wire form.
func ToWrite(m mutation.Mutation) (types.Write, error) {
	var write types.Write

	switch m.Type() {
	case mutation.TypeSet:
		set := m.(*mutation.Set)
		fields, err := ToFields(set.Value())
		if err != nil {
			return types.Write{}, err
		}
		write.Update = &types.Document{Name: m.Key().String(), Fields: fields}
	case mutation.TypePatch:
		patch := m.(*mutation.Patch)
		fields, err := ToFields(patch.Value())
		if err != nil {
			return types.Write{}, err
		}
		mask := patch.Mask()
		fieldPaths := make([]string, 0, mask.Len())
		for _, p := range mask.Paths() {
			fieldPaths = append(fieldPaths, p.String())
		}
		write.Update = &types.Document{Name: m.Key().String(), Fields: fields}
		write.UpdateMask = &types.DocumentMask{FieldPaths: fieldPaths}
	case mutation.TypeDelete:
		write.Delete = m.Key().String()
	case mutation.TypeVerify:
		write.Verify = m.Key().String()
	default:
		return types.Write{}, fmt.Errorf("%s: %w", m.Type(), ErrUnsupportedMutationType)
	}

	for _, ft := range m.Transforms() {
		wireTransform, err := ToFieldTransform(ft)
		if err != nil {
			return types.Write{}, err
		}
		write.UpdateTransforms = append(write.UpdateTransforms, wireTransform)
	}
	write.CurrentDocument = ToPrecondition(m.Precondition())

	return write, nil
}

// ToWrites converts the given mutations to their wire form.
func ToWrites(mutations []mutation.Mutation) ([]types.Write, error) {
	writes := make([]types.Write, 0, len(mutations))
	for _, m := range mutations {
		write, err := ToWrite(m)
		if err != nil {
			return nil, err
		}
		writes = append(writes, write)
	}

	return writes, nil
}

// ToQueryTarget converts the given query to its wire form.
func ToQueryTarget(q query.Query) (*types.QueryTarget, error) {
	target := &types.QueryTarget{
		Path:            q.Path(),
		CollectionGroup: q.CollectionGroup(),
		Limit:           q.Limit(),
	}

	for _, f := range q.Filters() {
		operand, err := ToValue(f.Value)
		if err != nil {
			return nil, err
		}
		target.Filters = append(target.Filters, types.Filter{
			FieldPath: f.Path.String(),
			Op:        string(f.Op),
			Value:     operand,
		})
	}
	for _, o := range q.ExplicitOrderBys() {
		target.OrderBys = append(target.OrderBys, types.OrderBy{
			FieldPath:  o.Path.String(),
			Descending: o.Direction == query.Descending,
		})
	}

	var err error
	if target.StartAt, err = toCursor(q.StartAt()); err != nil {
		return nil, err
	}
	if target.EndAt, err = toCursor(q.EndAt()); err != nil {
		return nil, err
	}

	return target, nil
}

func toCursor(b *query.Bound) (*types.Cursor, error) {
	if b == nil {
		return nil, nil
	}

	values, err := ToValues(b.Values)
	if err != nil {
		return nil, err
	}

	return &types.Cursor{Values: values, Inclusive: b.Inclusive}, nil
}

// ToTarget builds the wire target for a listen. Single document queries
// are sent as explicit document lists. readTime is only consulted when no
// resume token is held.
func ToTarget(
	targetID int32,
	q query.Query,
	resumeToken []byte,
	readTime time.Time,
	expectedCount int32,
) (*types.Target, error) {
	target := &types.Target{
		TargetID:      targetID,
		ResumeToken:   resumeToken,
		ExpectedCount: expectedCount,
	}
	if len(resumeToken) == 0 {
		target.ReadTime = readTime
	}

	if q.IsDocumentQuery() {
		target.Documents = []string{q.Path()}
		return target, nil
	}

	queryTarget, err := ToQueryTarget(q)
	if err != nil {
		return nil, err
	}
	target.Query = queryTarget

	return target, nil
}

// ToStatus converts the given error to its wire form. Errors without a
// status code map to internal.
func ToStatus(err error) *types.Status {
	if err == nil {
		return nil
	}

	code := errors.StatusOf(err)
	if code == 0 {
		code = errors.ErrCodeInternal
	}

	return &types.Status{Code: int32(code), Message: err.Error()}
}

// ToDocument converts the given found document to its wire form.
func ToDocument(doc *document.Document) (*types.Document, error) {
	fields, err := ToFields(doc.Data())
	if err != nil {
		return nil, err
	}

	return &types.Document{
		Name:       doc.Key().String(),
		Fields:     fields,
		UpdateTime: doc.Version().Time(),
	}, nil
}
