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

	"github.com/wallaby-db/wallaby/api/types"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/pkg/errors"
	"github.com/wallaby-db/wallaby/query"
)

// FromValue converts the given wire value to a model value.
func FromValue(v types.Value) (field.Value, error) {
	switch v.Kind {
	case types.KindNull:
		return field.Null(), nil
	case types.KindBoolean:
		return field.Boolean(v.Boolean), nil
	case types.KindInteger:
		return field.Integer(v.Integer), nil
	case types.KindDouble:
		return field.Double(v.Double), nil
	case types.KindTimestamp:
		return field.Timestamp(v.Timestamp), nil
	case types.KindString:
		return field.String(v.String), nil
	case types.KindBytes:
		return field.Bytes(v.Bytes), nil
	case types.KindArray:
		elems, err := FromValues(v.Array)
		if err != nil {
			return field.Value{}, err
		}
		return field.Array(elems...), nil
	case types.KindMap:
		fields, err := fromFieldMap(v.Map)
		if err != nil {
			return field.Value{}, err
		}
		return field.Map(fields), nil
	default:
		return field.Value{}, fmt.Errorf("kind %q: %w", v.Kind, ErrMalformedValue)
	}
}

// FromValues converts the given wire values to model values.
func FromValues(wireValues []types.Value) ([]field.Value, error) {
	values := make([]field.Value, 0, len(wireValues))
	for _, wireValue := range wireValues {
		v, err := FromValue(wireValue)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	return values, nil
}

func fromFieldMap(wireFields map[string]types.Value) (map[string]field.Value, error) {
	fields := make(map[string]field.Value, len(wireFields))
	for name, wireValue := range wireFields {
		v, err := FromValue(wireValue)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		fields[name] = v
	}

	return fields, nil
}

// FromFields converts the given wire fields to document contents.
func FromFields(wireFields map[string]types.Value) (field.Object, error) {
	fields, err := fromFieldMap(wireFields)
	if err != nil {
		return nil, err
	}

	return field.Object(fields), nil
}

// FromDocument converts the given wire document to a found document in
// the synced state.
func FromDocument(wireDoc *types.Document) (*document.Document, error) {
	k, err := key.FromString(wireDoc.Name)
	if err != nil {
		return nil, err
	}

	data, err := FromFields(wireDoc.Fields)
	if err != nil {
		return nil, err
	}

	return document.NewFound(k, document.NewVersion(wireDoc.UpdateTime), data), nil
}

// FromPrecondition converts the given wire precondition to its model
// form.
func FromPrecondition(wirePrecond *types.Precondition) mutation.Precondition {
	if wirePrecond == nil {
		return mutation.Precondition{}
	}
	if wirePrecond.Exists != nil {
		return mutation.PreconditionExists(*wirePrecond.Exists)
	}
	if !wirePrecond.UpdateTime.IsZero() {
		return mutation.PreconditionUpdateTime(document.NewVersion(wirePrecond.UpdateTime))
	}

	return mutation.Precondition{}
}

// FromFieldTransform converts the given wire transform to its model
// form.
func FromFieldTransform(wireTransform types.FieldTransform) (mutation.FieldTransform, error) {
	p, err := field.ParsePath(wireTransform.FieldPath)
	if err != nil {
		return mutation.FieldTransform{}, err
	}

	switch wireTransform.Kind {
	case types.TransformServerTimestamp:
		return mutation.NewServerTimestampTransform(p), nil
	case types.TransformArrayUnion, types.TransformArrayRemove:
		elements, err := FromValues(wireTransform.Elements)
		if err != nil {
			return mutation.FieldTransform{}, err
		}
		if wireTransform.Kind == types.TransformArrayUnion {
			return mutation.NewArrayUnionTransform(p, elements...), nil
		}
		return mutation.NewArrayRemoveTransform(p, elements...), nil
	case types.TransformIncrement:
		if wireTransform.Operand == nil {
			return mutation.FieldTransform{}, fmt.Errorf("increment without operand: %w", ErrMalformedWrite)
		}
		operand, err := FromValue(*wireTransform.Operand)
		if err != nil {
			return mutation.FieldTransform{}, err
		}
		return mutation.NewIncrementTransform(p, operand), nil
	default:
		return mutation.FieldTransform{}, fmt.Errorf("kind %q: %w", wireTransform.Kind, ErrUnsupportedTransformType)
	}
}

// FromWrite converts the given wire write to a mutation. It is used by
// backends serving the write protocol.
func FromWrite(write types.Write) (mutation.Mutation, error) {
	transforms := make([]mutation.FieldTransform, 0, len(write.UpdateTransforms))
	for _, wireTransform := range write.UpdateTransforms {
		ft, err := FromFieldTransform(wireTransform)
		if err != nil {
			return nil, err
		}
		transforms = append(transforms, ft)
	}
	precond := FromPrecondition(write.CurrentDocument)

	switch {
	case write.Update != nil && write.Delete == "" && write.Verify == "":
		k, err := key.FromString(write.Update.Name)
		if err != nil {
			return nil, err
		}
		data, err := FromFields(write.Update.Fields)
		if err != nil {
			return nil, err
		}
		if write.UpdateMask == nil {
			return mutation.NewSet(k, data, transforms...).WithPrecondition(precond), nil
		}
		paths := make([]field.Path, 0, len(write.UpdateMask.FieldPaths))
		for _, fieldPath := range write.UpdateMask.FieldPaths {
			p, err := field.ParsePath(fieldPath)
			if err != nil {
				return nil, err
			}
			paths = append(paths, p)
		}
		patch := mutation.NewUnconditionalPatch(k, data, field.NewMask(paths...), transforms...)
		return patch.WithPrecondition(precond), nil
	case write.Delete != "" && write.Update == nil && write.Verify == "":
		k, err := key.FromString(write.Delete)
		if err != nil {
			return nil, err
		}
		return mutation.NewDelete(k).WithPrecondition(precond), nil
	case write.Verify != "" && write.Update == nil && write.Delete == "":
		k, err := key.FromString(write.Verify)
		if err != nil {
			return nil, err
		}
		return mutation.NewVerify(k, precond), nil
	default:
		return nil, ErrMalformedWrite
	}
}

// FromWriteResult converts the given wire result to its model form.
// Results without an update time take the commit version.
func FromWriteResult(wireResult types.WriteResult, commit document.Version) (mutation.Result, error) {
	version := commit
	if !wireResult.UpdateTime.IsZero() {
		version = document.NewVersion(wireResult.UpdateTime)
	}

	transformResults, err := FromValues(wireResult.TransformResults)
	if err != nil {
		return mutation.Result{}, err
	}

	return mutation.Result{Version: version, TransformResults: transformResults}, nil
}

// FromWriteResults converts the given wire results to their model form.
func FromWriteResults(
	wireResults []types.WriteResult,
	commit document.Version,
) ([]mutation.Result, error) {
	results := make([]mutation.Result, 0, len(wireResults))
	for _, wireResult := range wireResults {
		result, err := FromWriteResult(wireResult, commit)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}

	return results, nil
}

// FromQueryTarget converts the given wire query to its model form. It
// is used by backends serving the listen protocol.
func FromQueryTarget(target *types.QueryTarget) (query.Query, error) {
	var q query.Query
	var err error
	if target.CollectionGroup != "" {
		q, err = query.NewCollectionGroup(target.CollectionGroup)
	} else {
		q, err = query.New(target.Path)
	}
	if err != nil {
		return query.Query{}, err
	}

	for _, f := range target.Filters {
		p, err := field.ParsePath(f.FieldPath)
		if err != nil {
			return query.Query{}, err
		}
		operand, err := FromValue(f.Value)
		if err != nil {
			return query.Query{}, err
		}
		q = q.Where(p, query.Operator(f.Op), operand)
	}
	for _, o := range target.OrderBys {
		p, err := field.ParsePath(o.FieldPath)
		if err != nil {
			return query.Query{}, err
		}
		dir := query.Ascending
		if o.Descending {
			dir = query.Descending
		}
		q = q.OrderBy(p, dir)
	}

	if target.Limit > 0 {
		q = q.WithLimit(target.Limit)
	}
	if target.StartAt != nil {
		b, err := fromCursor(target.StartAt)
		if err != nil {
			return query.Query{}, err
		}
		q = q.StartingAt(b)
	}
	if target.EndAt != nil {
		b, err := fromCursor(target.EndAt)
		if err != nil {
			return query.Query{}, err
		}
		q = q.EndingAt(b)
	}

	return q, nil
}

func fromCursor(cursor *types.Cursor) (query.Bound, error) {
	values, err := FromValues(cursor.Values)
	if err != nil {
		return query.Bound{}, err
	}

	return query.Bound{Values: values, Inclusive: cursor.Inclusive}, nil
}

// FromTarget converts the given wire target to its model form. Explicit
// document targets come back as single document queries.
func FromTarget(target *types.Target) (query.Query, error) {
	switch {
	case target.Query != nil:
		return FromQueryTarget(target.Query)
	case len(target.Documents) == 1:
		return query.New(target.Documents[0])
	default:
		return query.Query{}, ErrMalformedTarget
	}
}

// FromStatus converts the given wire status to an error.
func FromStatus(status *types.Status) error {
	if status == nil {
		return nil
	}

	return errors.FromCode(errors.StatusCode(status.Code), status.Message)
}
