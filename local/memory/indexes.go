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

package memory

import "github.com/hashicorp/go-memdb"

var (
	tblDocuments         = "documents"
	tblMutations         = "mutations"
	tblDocumentMutations = "documentmutations"
	tblOverlays          = "overlays"
	tblTargets           = "targets"
	tblTargetDocuments   = "targetdocuments"
	tblMetadata          = "metadata"
	tblFieldIndexes      = "fieldindexes"
	tblIndexEntries      = "indexentries"
)

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tblDocuments: {
			Name: tblDocuments,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Key"},
				},
				"collection": {
					Name:    "collection",
					Indexer: &memdb.StringFieldIndex{Field: "Collection"},
				},
				"collection_group": {
					Name:    "collection_group",
					Indexer: &memdb.StringFieldIndex{Field: "CollectionGroup"},
				},
			},
		},
		tblMutations: {
			Name: tblMutations,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		},
		tblDocumentMutations: {
			Name: tblDocumentMutations,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "DocKey"},
							&memdb.StringFieldIndex{Field: "BatchID"},
						},
					},
				},
				"doc_key": {
					Name:    "doc_key",
					Indexer: &memdb.StringFieldIndex{Field: "DocKey"},
				},
				"batch_id": {
					Name:    "batch_id",
					Indexer: &memdb.StringFieldIndex{Field: "BatchID"},
				},
			},
		},
		tblOverlays: {
			Name: tblOverlays,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Key"},
				},
				"collection": {
					Name:    "collection",
					Indexer: &memdb.StringFieldIndex{Field: "Collection"},
				},
				"collection_group": {
					Name:    "collection_group",
					Indexer: &memdb.StringFieldIndex{Field: "CollectionGroup"},
				},
				"batch_id": {
					Name:    "batch_id",
					Indexer: &memdb.StringFieldIndex{Field: "BatchID"},
				},
			},
		},
		tblTargets: {
			Name: tblTargets,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"canonical_id": {
					Name:    "canonical_id",
					Indexer: &memdb.StringFieldIndex{Field: "CanonicalID"},
				},
			},
		},
		tblTargetDocuments: {
			Name: tblTargetDocuments,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "TargetID"},
							&memdb.StringFieldIndex{Field: "DocKey"},
						},
					},
				},
				"target_id": {
					Name:    "target_id",
					Indexer: &memdb.StringFieldIndex{Field: "TargetID"},
				},
				"doc_key": {
					Name:    "doc_key",
					Indexer: &memdb.StringFieldIndex{Field: "DocKey"},
				},
			},
		},
		tblMetadata: {
			Name: tblMetadata,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		},
		tblFieldIndexes: {
			Name: tblFieldIndexes,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"collection_group": {
					Name:    "collection_group",
					Indexer: &memdb.StringFieldIndex{Field: "CollectionGroup"},
				},
			},
		},
		tblIndexEntries: {
			Name: tblIndexEntries,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "IndexID"},
							&memdb.StringFieldIndex{Field: "DocKey"},
						},
					},
				},
				"index_id": {
					Name:    "index_id",
					Indexer: &memdb.StringFieldIndex{Field: "IndexID"},
				},
			},
		},
	},
}
