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
	"github.com/wallaby-db/wallaby/pkg/document/key"
)

// Direction is a sort direction.
type Direction int

const (
	// Ascending sorts smallest first.
	Ascending Direction = 1

	// Descending sorts largest first.
	Descending Direction = -1
)

// String returns the canonical name of the direction.
func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}

	return "asc"
}

// OrderBy is one sort clause of a query.
type OrderBy struct {
	// Path is the field to sort by. The reserved key path sorts by
	// document key.
	Path field.Path

	// Direction is the sort direction.
	Direction Direction
}

// compareDocs orders two documents by this clause.
func (o OrderBy) compareDocs(a, b *document.Document) int {
	if o.Path.IsKeyPath() {
		return int(o.Direction) * key.Compare(a.Key(), b.Key())
	}

	av, _ := a.Field(o.Path)
	bv, _ := b.Field(o.Path)

	return int(o.Direction) * field.Compare(av, bv)
}

func (o OrderBy) canonicalString() string {
	return o.Path.String() + " " + o.Direction.String()
}

// Bound restricts a query to a position in its order. Values line up with
// the normalized order-by clauses; positions on the key path hold the
// document path as a string value.
type Bound struct {
	// Values is the position, one value per order-by clause prefix.
	Values []field.Value

	// Inclusive reports whether a document exactly at the position is
	// included.
	Inclusive bool
}

// compareToDocument orders the bound position against a document under
// the given order-by clauses. A negative result means the bound sits
// before the document.
func (b Bound) compareToDocument(orderBys []OrderBy, doc *document.Document) int {
	for i, v := range b.Values {
		if i >= len(orderBys) {
			break
		}
		o := orderBys[i]

		var comp int
		if o.Path.IsKeyPath() {
			boundKey, err := key.FromString(v.Text())
			if err != nil {
				comp = -1
			} else {
				comp = key.Compare(boundKey, doc.Key())
			}
		} else {
			dv, _ := doc.Field(o.Path)
			comp = field.Compare(v, dv)
		}
		if comp != 0 {
			return int(o.Direction) * comp
		}
	}

	return 0
}

// SatisfiedAsStart reports whether a document is at or past this bound
// when it is used as a start position.
func (b Bound) SatisfiedAsStart(orderBys []OrderBy, doc *document.Document) bool {
	comp := b.compareToDocument(orderBys, doc)
	if b.Inclusive {
		return comp <= 0
	}

	return comp < 0
}

// SatisfiedAsEnd reports whether a document is at or before this bound
// when it is used as an end position.
func (b Bound) SatisfiedAsEnd(orderBys []OrderBy, doc *document.Document) bool {
	comp := b.compareToDocument(orderBys, doc)
	if b.Inclusive {
		return comp >= 0
	}

	return comp > 0
}

func (b Bound) canonicalString() string {
	var sb strings.Builder
	if b.Inclusive {
		sb.WriteString("b:")
	} else {
		sb.WriteString("a:")
	}
	for i, v := range b.Values {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(v.String())
	}

	return sb.String()
}
