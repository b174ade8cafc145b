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

package local

import (
	"sort"

	"github.com/wallaby-db/wallaby/logging"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/query"
)

const (
	// defaultIndexHintMinScanSize is the scan size below which the index
	// hint stays quiet. Tiny collections scan fast either way.
	defaultIndexHintMinScanSize = 100

	// defaultIndexHintScanRatio is how many documents a query may scan
	// per returned document before the engine suggests an index.
	defaultIndexHintScanRatio = 2
)

// QueryEngine serves queries from the caches using the cheapest usable
// strategy: a covering field index, the query's previous results, or a
// full collection scan.
type QueryEngine struct {
	logger  logging.Logger
	view    *DocumentsView
	indexes IndexManager

	indexHintMinScanSize int
	indexHintScanRatio   int
}

// NewQueryEngine creates a query engine reading through the given view.
func NewQueryEngine(p Persistence, view *DocumentsView) *QueryEngine {
	return &QueryEngine{
		logger:               logging.New("queryengine"),
		view:                 view,
		indexes:              p.Indexes(),
		indexHintMinScanSize: defaultIndexHintMinScanSize,
		indexHintScanRatio:   defaultIndexHintScanRatio,
	}
}

// GetDocumentsMatchingQuery returns the local views matching the query.
// remoteKeys and lastLimboFreeVersion describe the query's previous
// results, enabling their reuse; both may be empty.
func (e *QueryEngine) GetDocumentsMatchingQuery(
	tx Transaction,
	q query.Query,
	lastLimboFreeVersion document.Version,
	remoteKeys map[key.Key]struct{},
) (map[key.Key]*document.Document, error) {
	// Single document lookups bypass the strategies.
	if q.IsDocumentQuery() {
		return e.view.GetDocumentsMatchingQuery(tx, q, document.Version{}, -1, nil)
	}

	if docs, served, err := e.queryUsingIndex(tx, q); err != nil || served {
		return docs, err
	}
	if docs, served, err := e.queryUsingRemoteKeys(tx, q, lastLimboFreeVersion, remoteKeys); err != nil || served {
		return docs, err
	}

	return e.executeFullScan(tx, q)
}

// queryUsingIndex serves the query from a field index when one covers
// its filters and ordering.
func (e *QueryEngine) queryUsingIndex(tx Transaction, q query.Query) (map[key.Key]*document.Document, bool, error) {
	keys, covered, err := e.indexes.KeysMatchingQuery(tx, q)
	if err != nil || !covered {
		return nil, false, err
	}

	docs, err := e.view.GetDocuments(tx, keys)
	if err != nil {
		return nil, false, err
	}

	return toDocumentMap(applyQuery(q, docs)), true, nil
}

// queryUsingRemoteKeys re-serves the documents of the query's previous
// results, extended by everything written since the snapshot at which
// those results were complete.
func (e *QueryEngine) queryUsingRemoteKeys(
	tx Transaction,
	q query.Query,
	lastLimboFreeVersion document.Version,
	remoteKeys map[key.Key]struct{},
) (map[key.Key]*document.Document, bool, error) {
	// Queries matching whole collections gain nothing from key lookups.
	if matchesAllDocuments(q) {
		return nil, false, nil
	}
	// Without a limbo-free snapshot the previous results may hold
	// documents the server no longer vouches for.
	if lastLimboFreeVersion.IsZero() {
		return nil, false, nil
	}

	keys := make([]key.Key, 0, len(remoteKeys))
	for k := range remoteKeys {
		keys = append(keys, k)
	}
	docs, err := e.view.GetDocuments(tx, keys)
	if err != nil {
		return nil, false, err
	}
	previous := applyQuery(q, docs)

	if e.needsRefill(q, previous, remoteKeys, lastLimboFreeVersion) {
		return nil, false, nil
	}

	e.logger.Debugf("re-using previous results from %s to execute query %s", lastLimboFreeVersion, q)

	// Pick up everything read or written after the limbo-free snapshot.
	updated, err := e.view.GetDocumentsMatchingQuery(tx, q, lastLimboFreeVersion, -1, nil)
	if err != nil {
		return nil, false, err
	}
	for _, doc := range previous {
		updated[doc.Key()] = doc
	}

	return updated, true, nil
}

// needsRefill reports whether a limit query's previous results cannot be
// trusted: a formerly matching document is gone, or a document at the
// limit edge may since have been displaced by one the cache saw later.
func (e *QueryEngine) needsRefill(
	q query.Query,
	previous []*document.Document,
	remoteKeys map[key.Key]struct{},
	lastLimboFreeVersion document.Version,
) bool {
	if q.Limit() <= 0 {
		return false
	}
	if len(remoteKeys) != len(previous) {
		return true
	}
	if len(previous) == 0 {
		return false
	}

	edge := previous[len(previous)-1]

	return edge.HasPendingWrites() || edge.Version().Compare(lastLimboFreeVersion) > 0
}

func (e *QueryEngine) executeFullScan(tx Transaction, q query.Query) (map[key.Key]*document.Document, error) {
	var qctx QueryContext
	results, err := e.view.GetDocumentsMatchingQuery(tx, q, document.Version{}, -1, &qctx)
	if err != nil {
		return nil, err
	}

	e.maybeSuggestIndex(q, qctx.DocumentsScanned, len(results))

	return results, nil
}

// maybeSuggestIndex logs once per execution when a scan inspected far
// more documents than it returned. Informational only.
func (e *QueryEngine) maybeSuggestIndex(q query.Query, scanned, returned int) {
	if scanned < e.indexHintMinScanSize {
		return
	}
	if returned > 0 && scanned < returned*e.indexHintScanRatio {
		return
	}

	e.logger.Infof(
		"query %q scanned %d documents to return %d; a field index would avoid the scan",
		q, scanned, returned,
	)
}

// applyQuery filters the documents through the query and sorts them in
// query order. Previously matching documents do not necessarily still
// match.
func applyQuery(q query.Query, docs map[key.Key]*document.Document) []*document.Document {
	matched := make([]*document.Document, 0, len(docs))
	for _, doc := range docs {
		if q.Matches(doc) {
			matched = append(matched, doc)
		}
	}

	cmp := q.Comparator()
	sort.Slice(matched, func(i, j int) bool { return cmp(matched[i], matched[j]) < 0 })

	return matched
}

func toDocumentMap(docs []*document.Document) map[key.Key]*document.Document {
	out := make(map[key.Key]*document.Document, len(docs))
	for _, doc := range docs {
		out[doc.Key()] = doc
	}

	return out
}

// matchesAllDocuments reports whether the query returns its collection
// unfiltered, in default order.
func matchesAllDocuments(q query.Query) bool {
	if len(q.Filters()) > 0 || q.Limit() > 0 || q.StartAt() != nil || q.EndAt() != nil {
		return false
	}
	obs := q.ExplicitOrderBys()

	return len(obs) == 0 || (len(obs) == 1 && obs[0].Path.IsKeyPath())
}
