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

package query

import (
	"strings"

	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
)

// Operator is a filter comparison operator.
type Operator string

// The filter operators.
const (
	OpLessThan           Operator = "<"
	OpLessThanOrEqual    Operator = "<="
	OpEqual              Operator = "=="
	OpNotEqual           Operator = "!="
	OpGreaterThanOrEqual Operator = ">="
	OpGreaterThan        Operator = ">"
	OpArrayContains      Operator = "array-contains"
	OpArrayContainsAny   Operator = "array-contains-any"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not-in"
)

// IsInequality reports whether the operator constrains an ordering range.
// Queries sort by their inequality field first so ranges stay contiguous.
func (op Operator) IsInequality() bool {
	switch op {
	case OpLessThan, OpLessThanOrEqual, OpGreaterThanOrEqual, OpGreaterThan, OpNotEqual, OpNotIn:
		return true
	default:
		return false
	}
}

// Filter constrains the documents a query matches to those whose field
// compares against the value under the operator.
type Filter struct {
	// Path is the field being compared.
	Path field.Path

	// Op is the comparison operator.
	Op Operator

	// Value is the comparison operand. For in, not-in and
	// array-contains-any it is an array of candidates.
	Value field.Value
}

// Matches reports whether the document passes this filter.
func (f Filter) Matches(doc *document.Document) bool {
	v, ok := doc.Field(f.Path)

	return f.MatchesValue(v, ok)
}

// MatchesValue reports whether a field value passes this filter. ok says
// whether the document has the field at all; no operator matches a
// missing field.
func (f Filter) MatchesValue(v field.Value, ok bool) bool {
	switch f.Op {
	case OpNotEqual:
		// Missing and null fields never match a not-equal.
		return ok && v.Kind() != field.KindNull && field.Compare(v, f.Value) != 0
	case OpArrayContains:
		return ok && v.Kind() == field.KindArray && containsEqual(v.Elements(), f.Value)
	case OpIn:
		return ok && containsEqual(f.Value.Elements(), v)
	case OpNotIn:
		return ok && v.Kind() != field.KindNull && !containsEqual(f.Value.Elements(), v)
	case OpArrayContainsAny:
		if !ok || v.Kind() != field.KindArray {
			return false
		}
		for _, candidate := range f.Value.Elements() {
			if containsEqual(v.Elements(), candidate) {
				return true
			}
		}

		return false
	default:
		// Range operators only compare values of the same type; a string
		// is never "greater than" a number, it just sorts elsewhere.
		if !ok || field.TypeOrder(v.Kind()) != field.TypeOrder(f.Value.Kind()) {
			return false
		}

		return matchesComparison(f.Op, field.Compare(v, f.Value))
	}
}

func matchesComparison(op Operator, comp int) bool {
	switch op {
	case OpLessThan:
		return comp < 0
	case OpLessThanOrEqual:
		return comp <= 0
	case OpEqual:
		return comp == 0
	case OpGreaterThanOrEqual:
		return comp >= 0
	case OpGreaterThan:
		return comp > 0
	default:
		return false
	}
}

func containsEqual(haystack []field.Value, needle field.Value) bool {
	for _, v := range haystack {
		if field.Equal(v, needle) {
			return true
		}
	}

	return false
}

// canonicalString returns the canonical form used in query IDs.
func (f Filter) canonicalString() string {
	var sb strings.Builder
	sb.WriteString(f.Path.String())
	sb.WriteString(string(f.Op))
	sb.WriteString(f.Value.String())

	return sb.String()
}
