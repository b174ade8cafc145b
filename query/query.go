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

// Package query provides the query model: which documents a listen is
// interested in and how its results are ordered. Queries are immutable;
// the builder methods return modified copies.
package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/errors"
)

// Query describes a set of documents: a collection or collection group,
// filters, an ordering, bounds and a limit. Two queries with the same
// CanonicalID watch the same documents.
type Query struct {
	path            string
	collectionGroup string
	filters         []Filter
	orderBys        []OrderBy
	limit           int64
	startAt         *Bound
	endAt           *Bound
}

// New creates a query over the given path. An odd number of segments
// queries a collection; an even number pins a single document.
func New(path string) (Query, error) {
	segments := strings.Split(path, "/")
	for _, seg := range segments {
		if seg == "" {
			return Query{}, errors.InvalidArgument(fmt.Sprintf("query path must not contain empty segments: %q", path))
		}
	}

	return Query{path: path}, nil
}

// MustNew is New that panics on malformed paths. It is intended for
// statically known paths and tests.
func MustNew(path string) Query {
	q, err := New(path)
	if err != nil {
		panic(err)
	}

	return q
}

// NewCollectionGroup creates a query over every collection with the given
// ID, regardless of nesting.
func NewCollectionGroup(collectionID string) (Query, error) {
	if collectionID == "" || strings.Contains(collectionID, "/") {
		return Query{}, errors.InvalidArgument(fmt.Sprintf("invalid collection group ID: %q", collectionID))
	}

	return Query{collectionGroup: collectionID}, nil
}

// Path returns the collection or document path of this query.
func (q Query) Path() string {
	return q.path
}

// CollectionGroup returns the collection group ID, or "".
func (q Query) CollectionGroup() string {
	return q.collectionGroup
}

// Filters returns the filters of this query.
func (q Query) Filters() []Filter {
	return q.filters
}

// ExplicitOrderBys returns the order-by clauses the caller added.
func (q Query) ExplicitOrderBys() []OrderBy {
	return q.orderBys
}

// Limit returns the maximum result count, or 0 for no limit.
func (q Query) Limit() int64 {
	return q.limit
}

// StartAt returns the start bound, or nil.
func (q Query) StartAt() *Bound {
	return q.startAt
}

// EndAt returns the end bound, or nil.
func (q Query) EndAt() *Bound {
	return q.endAt
}

// Where returns a copy of this query with an added filter.
func (q Query) Where(p field.Path, op Operator, v field.Value) Query {
	filters := make([]Filter, 0, len(q.filters)+1)
	filters = append(filters, q.filters...)
	q.filters = append(filters, Filter{Path: p, Op: op, Value: v})

	return q
}

// OrderBy returns a copy of this query with an added sort clause.
func (q Query) OrderBy(p field.Path, dir Direction) Query {
	orderBys := make([]OrderBy, 0, len(q.orderBys)+1)
	orderBys = append(orderBys, q.orderBys...)
	q.orderBys = append(orderBys, OrderBy{Path: p, Direction: dir})

	return q
}

// WithLimit returns a copy of this query returning at most n documents.
func (q Query) WithLimit(n int64) Query {
	q.limit = n

	return q
}

// StartingAt returns a copy of this query bounded below.
func (q Query) StartingAt(b Bound) Query {
	q.startAt = &b

	return q
}

// EndingAt returns a copy of this query bounded above.
func (q Query) EndingAt(b Bound) Query {
	q.endAt = &b

	return q
}

// IsDocumentQuery reports whether this query pins a single document.
func (q Query) IsDocumentQuery() bool {
	if q.collectionGroup != "" || len(q.filters) > 0 {
		return false
	}

	return len(strings.Split(q.path, "/"))%2 == 0
}

// InequalityFilterPath returns the field constrained by a range filter,
// or nil when there is none.
func (q Query) InequalityFilterPath() *field.Path {
	for _, f := range q.filters {
		if f.Op.IsInequality() {
			p := f.Path

			return &p
		}
	}

	return nil
}

// NormalizedOrderBys returns the effective ordering: the explicit clauses
// or, absent those, the inequality field, always ending in the document
// key so the order is total.
func (q Query) NormalizedOrderBys() []OrderBy {
	out := make([]OrderBy, 0, len(q.orderBys)+1)
	if len(q.orderBys) > 0 {
		out = append(out, q.orderBys...)
	} else if p := q.InequalityFilterPath(); p != nil && !p.IsKeyPath() {
		out = append(out, OrderBy{Path: *p, Direction: Ascending})
	}

	for _, o := range out {
		if o.Path.IsKeyPath() {
			return out
		}
	}

	lastDir := Ascending
	if len(out) > 0 {
		lastDir = out[len(out)-1].Direction
	}

	return append(out, OrderBy{Path: field.KeyPath, Direction: lastDir})
}

// Comparator returns the document ordering of this query.
func (q Query) Comparator() func(a, b *document.Document) int {
	orderBys := q.NormalizedOrderBys()

	return func(a, b *document.Document) int {
		for _, o := range orderBys {
			if c := o.compareDocs(a, b); c != 0 {
				return c
			}
		}

		return 0
	}
}

// Matches reports whether the document belongs to this query's results.
func (q Query) Matches(doc *document.Document) bool {
	if !doc.IsFound() {
		return false
	}

	return q.matchesPath(doc) &&
		q.matchesOrderBys(doc) &&
		q.matchesFilters(doc) &&
		q.matchesBounds(doc)
}

func (q Query) matchesPath(doc *document.Document) bool {
	if q.collectionGroup != "" {
		return doc.Key().HasCollectionID(q.collectionGroup)
	}
	if q.IsDocumentQuery() {
		return doc.Key().String() == q.path
	}

	return doc.Key().CollectionPath() == q.path
}

// matchesOrderBys requires every ordered field to be present, since
// documents without the field have no position in the order.
func (q Query) matchesOrderBys(doc *document.Document) bool {
	for _, o := range q.NormalizedOrderBys() {
		if o.Path.IsKeyPath() {
			continue
		}
		if _, ok := doc.Field(o.Path); !ok {
			return false
		}
	}

	return true
}

func (q Query) matchesFilters(doc *document.Document) bool {
	for _, f := range q.filters {
		if !f.Matches(doc) {
			return false
		}
	}

	return true
}

func (q Query) matchesBounds(doc *document.Document) bool {
	orderBys := q.NormalizedOrderBys()
	if q.startAt != nil && !q.startAt.SatisfiedAsStart(orderBys, doc) {
		return false
	}
	if q.endAt != nil && !q.endAt.SatisfiedAsEnd(orderBys, doc) {
		return false
	}

	return true
}

// CanonicalID returns a string that is equal for queries watching the
// same documents in the same order. Listens are multiplexed by it.
func (q Query) CanonicalID() string {
	var sb strings.Builder
	sb.WriteString(q.path)
	if q.collectionGroup != "" {
		sb.WriteString("|cg:")
		sb.WriteString(q.collectionGroup)
	}

	sb.WriteString("|f:")
	for _, f := range q.filters {
		sb.WriteString(f.canonicalString())
	}

	sb.WriteString("|ob:")
	for _, o := range q.NormalizedOrderBys() {
		sb.WriteString(o.canonicalString())
	}

	if q.limit > 0 {
		sb.WriteString("|l:")
		sb.WriteString(strconv.FormatInt(q.limit, 10))
	}
	if q.startAt != nil {
		sb.WriteString("|lb:")
		sb.WriteString(q.startAt.canonicalString())
	}
	if q.endAt != nil {
		sb.WriteString("|ub:")
		sb.WriteString(q.endAt.canonicalString())
	}

	return sb.String()
}

// String returns the canonical ID for debugging.
func (q Query) String() string {
	return q.CanonicalID()
}
