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

package sqlite

import (
	"fmt"
	"time"

	"github.com/wallaby-db/wallaby/api/converter"
	"github.com/wallaby-db/wallaby/api/types"
	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/transport"
)

// Stored blobs reuse the wire structs so one CBOR configuration covers
// transport and persistence.

const (
	docStateFound   = 1
	docStateMissing = 2
	docStateUnknown = 3
)

// storedDocument is the blob form of one cached document revision.
type storedDocument struct {
	State              int8            `cbor:"state"`
	CommittedMutations bool            `cbor:"committed_mutations,omitempty"`
	Document           *types.Document `cbor:"document"`
}

func encodeDocument(doc *document.Document) ([]byte, error) {
	stored := storedDocument{CommittedMutations: doc.HasCommittedMutations()}

	switch doc.Type() {
	case document.TypeFound:
		stored.State = docStateFound
		wire, err := converter.ToDocument(doc)
		if err != nil {
			return nil, err
		}
		stored.Document = wire
	case document.TypeMissing, document.TypeUnknown:
		if doc.Type() == document.TypeMissing {
			stored.State = docStateMissing
		} else {
			stored.State = docStateUnknown
		}
		stored.Document = &types.Document{
			Name:       doc.Key().String(),
			UpdateTime: doc.Version().Time(),
		}
	default:
		return nil, fmt.Errorf("cannot store %s document %s", doc.Type(), doc.Key())
	}

	blob, err := transport.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encode document %s: %w", doc.Key(), err)
	}

	return blob, nil
}

func decodeDocument(blob []byte) (*document.Document, error) {
	var stored storedDocument
	if err := transport.Unmarshal(blob, &stored); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	var doc *document.Document
	switch stored.State {
	case docStateFound:
		found, err := converter.FromDocument(stored.Document)
		if err != nil {
			return nil, err
		}
		doc = found
	case docStateMissing, docStateUnknown:
		k, err := key.FromString(stored.Document.Name)
		if err != nil {
			return nil, err
		}
		version := document.NewVersion(stored.Document.UpdateTime)
		if stored.State == docStateMissing {
			doc = document.NewMissing(k, version)
		} else {
			doc = document.NewUnknown(k, version)
		}
	default:
		return nil, fmt.Errorf("decode document: unknown state %d", stored.State)
	}

	if stored.CommittedMutations {
		doc.WithCommittedMutations()
	}

	return doc, nil
}

// storedBatch is the blob form of one mutation batch. The batch ID lives
// in its column.
type storedBatch struct {
	LocalWriteTime time.Time     `cbor:"local_write_time"`
	BaseWrites     []types.Write `cbor:"base_writes,omitempty"`
	Writes         []types.Write `cbor:"writes"`
}

func encodeBatch(batch *mutation.Batch) ([]byte, error) {
	baseWrites, err := converter.ToWrites(batch.BaseMutations())
	if err != nil {
		return nil, err
	}
	writes, err := converter.ToWrites(batch.Mutations())
	if err != nil {
		return nil, err
	}

	blob, err := transport.Marshal(storedBatch{
		LocalWriteTime: batch.LocalWriteTime(),
		BaseWrites:     baseWrites,
		Writes:         writes,
	})
	if err != nil {
		return nil, fmt.Errorf("encode batch %d: %w", batch.ID(), err)
	}

	return blob, nil
}

func decodeBatch(batchID int64, blob []byte) (*mutation.Batch, error) {
	var stored storedBatch
	if err := transport.Unmarshal(blob, &stored); err != nil {
		return nil, fmt.Errorf("decode batch %d: %w", batchID, err)
	}

	baseMutations, err := fromWrites(stored.BaseWrites)
	if err != nil {
		return nil, err
	}
	mutations, err := fromWrites(stored.Writes)
	if err != nil {
		return nil, err
	}

	return mutation.NewBatch(batchID, stored.LocalWriteTime, baseMutations, mutations), nil
}

func fromWrites(writes []types.Write) ([]mutation.Mutation, error) {
	if len(writes) == 0 {
		return nil, nil
	}

	out := make([]mutation.Mutation, 0, len(writes))
	for _, write := range writes {
		m, err := converter.FromWrite(write)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}

	return out, nil
}

func encodeMutation(m mutation.Mutation) ([]byte, error) {
	write, err := converter.ToWrite(m)
	if err != nil {
		return nil, err
	}

	blob, err := transport.Marshal(write)
	if err != nil {
		return nil, fmt.Errorf("encode mutation %s: %w", m.Key(), err)
	}

	return blob, nil
}

func decodeMutation(blob []byte) (mutation.Mutation, error) {
	var write types.Write
	if err := transport.Unmarshal(blob, &write); err != nil {
		return nil, fmt.Errorf("decode mutation: %w", err)
	}

	return converter.FromWrite(write)
}

// storedTarget is the blob form of one watch target. Target ID and
// sequence number live in their columns.
type storedTarget struct {
	Query           *types.QueryTarget `cbor:"query"`
	Purpose         int8               `cbor:"purpose"`
	SnapshotMicros  int64              `cbor:"snapshot_micros"`
	LimboFreeMicros int64              `cbor:"limbo_free_micros"`
	ResumeToken     []byte             `cbor:"resume_token,omitempty"`
}

func encodeTarget(data local.TargetData) ([]byte, error) {
	queryTarget, err := converter.ToQueryTarget(data.Target())
	if err != nil {
		return nil, err
	}

	blob, err := transport.Marshal(storedTarget{
		Query:           queryTarget,
		Purpose:         int8(data.Purpose()),
		SnapshotMicros:  data.SnapshotVersion().Micros(),
		LimboFreeMicros: data.LastLimboFreeSnapshotVersion().Micros(),
		ResumeToken:     data.ResumeToken(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode target %d: %w", data.TargetID(), err)
	}

	return blob, nil
}

func decodeTarget(targetID int32, sequenceNumber int64, blob []byte) (local.TargetData, error) {
	var stored storedTarget
	if err := transport.Unmarshal(blob, &stored); err != nil {
		return local.TargetData{}, fmt.Errorf("decode target %d: %w", targetID, err)
	}

	q, err := converter.FromQueryTarget(stored.Query)
	if err != nil {
		return local.TargetData{}, err
	}

	data := local.NewTargetData(q, targetID, sequenceNumber, local.TargetPurpose(stored.Purpose)).
		WithResumeToken(stored.ResumeToken, versionFromMicros(stored.SnapshotMicros)).
		WithLastLimboFreeSnapshotVersion(versionFromMicros(stored.LimboFreeMicros))

	return data, nil
}

func encodeValue(v field.Value) ([]byte, error) {
	wire, err := converter.ToValue(v)
	if err != nil {
		return nil, err
	}

	blob, err := transport.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}

	return blob, nil
}

func decodeValue(blob []byte) (field.Value, error) {
	var wire types.Value
	if err := transport.Unmarshal(blob, &wire); err != nil {
		return field.Value{}, fmt.Errorf("decode value: %w", err)
	}

	return converter.FromValue(wire)
}

// versionFromMicros maps the stored integer back to a version, keeping
// zero as the unknown version.
func versionFromMicros(micros int64) document.Version {
	if micros == 0 {
		return document.Version{}
	}

	return document.VersionFromMicros(micros)
}
