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

package remote

import (
	"errors"

	"github.com/wallaby-db/wallaby/api/converter"
	"github.com/wallaby-db/wallaby/api/types"
	"github.com/wallaby-db/wallaby/pkg/bloom"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/key"
)

// ErrMalformedListenResponse is returned when a listen response carries
// none of the expected payloads or an undecodable one.
var ErrMalformedListenResponse = errors.New("malformed listen response")

// WatchChange is a single decoded message from the listen stream. It is
// one of WatchTargetChange, DocumentWatchChange or
// ExistenceFilterWatchChange.
type WatchChange interface {
	isWatchChange()
}

// WatchTargetState is the lifecycle signal of a WatchTargetChange.
type WatchTargetState int

const (
	// WatchTargetNoChange carries only a resume token update.
	WatchTargetNoChange WatchTargetState = iota

	// WatchTargetAdded confirms the server started the target.
	WatchTargetAdded

	// WatchTargetRemoved reports the server stopped the target, possibly
	// with an error cause.
	WatchTargetRemoved

	// WatchTargetCurrent reports the target caught up with the server
	// state as of the accompanying read time.
	WatchTargetCurrent

	// WatchTargetReset orders the client to drop the target's document
	// mapping and rebuild it from the following changes.
	WatchTargetReset
)

// String returns the name of the state.
func (s WatchTargetState) String() string {
	switch s {
	case WatchTargetNoChange:
		return "no-change"
	case WatchTargetAdded:
		return "added"
	case WatchTargetRemoved:
		return "removed"
	case WatchTargetCurrent:
		return "current"
	case WatchTargetReset:
		return "reset"
	default:
		return "unknown"
	}
}

// WatchTargetChange is a target-level signal from the listen stream.
type WatchTargetChange struct {
	// State is the lifecycle signal.
	State WatchTargetState

	// TargetIDs lists the affected targets. Empty means every active
	// target.
	TargetIDs []int32

	// ResumeToken is the latest token for the affected targets, if the
	// server attached one.
	ResumeToken []byte

	// ReadTime is the consistent snapshot version the signal refers to,
	// when the server attached one.
	ReadTime document.Version

	// Cause carries the removal error for WatchTargetRemoved.
	Cause error
}

func (*WatchTargetChange) isWatchChange() {}

// DocumentWatchChange is a document-level change from the listen stream.
type DocumentWatchChange struct {
	// UpdatedTargetIDs lists the targets the document now matches.
	UpdatedTargetIDs []int32

	// RemovedTargetIDs lists the targets the document no longer matches.
	RemovedTargetIDs []int32

	// Key identifies the changed document.
	Key key.Key

	// Document is the new state: found for updates, missing for deletes
	// and nil when the server only detached the document from targets
	// without asserting its state.
	Document *document.Document
}

func (*DocumentWatchChange) isWatchChange() {}

// ExistenceFilterWatchChange carries the server-reported document count
// for one target, optionally with a bloom filter over the keys the
// target still matches.
type ExistenceFilterWatchChange struct {
	// TargetID identifies the filtered target.
	TargetID int32

	// Count is the number of documents the server holds for the target.
	Count int32

	// UnchangedNames is a filter over the full document names the target
	// still matches, or nil when the server sent none.
	UnchangedNames *bloom.Filter
}

func (*ExistenceFilterWatchChange) isWatchChange() {}

// DecodeListenResponse converts one wire-level listen response into the
// watch change the aggregator consumes.
func DecodeListenResponse(res *types.ListenResponse) (WatchChange, error) {
	switch {
	case res.TargetChange != nil:
		return decodeTargetChange(res.TargetChange)
	case res.DocumentChange != nil:
		return decodeDocumentChange(res.DocumentChange)
	case res.DocumentDelete != nil:
		return decodeDocumentDelete(res.DocumentDelete)
	case res.DocumentRemove != nil:
		return decodeDocumentRemove(res.DocumentRemove)
	case res.Filter != nil:
		return decodeExistenceFilter(res.Filter)
	default:
		return nil, ErrMalformedListenResponse
	}
}

func decodeTargetChange(tc *types.TargetChange) (*WatchTargetChange, error) {
	change := &WatchTargetChange{
		TargetIDs:   tc.TargetIDs,
		ResumeToken: tc.ResumeToken,
	}

	switch tc.Type {
	case types.TargetChangeNoChange, "":
		change.State = WatchTargetNoChange
	case types.TargetChangeAdd:
		change.State = WatchTargetAdded
	case types.TargetChangeRemove:
		change.State = WatchTargetRemoved
	case types.TargetChangeCurrent:
		change.State = WatchTargetCurrent
	case types.TargetChangeReset:
		change.State = WatchTargetReset
	default:
		return nil, ErrMalformedListenResponse
	}

	if !tc.ReadTime.IsZero() {
		change.ReadTime = document.NewVersion(tc.ReadTime)
	}
	if tc.Cause != nil {
		change.Cause = converter.FromStatus(tc.Cause)
	}

	return change, nil
}

func decodeDocumentChange(dc *types.DocumentChange) (*DocumentWatchChange, error) {
	if dc.Document == nil {
		return nil, ErrMalformedListenResponse
	}

	doc, err := converter.FromDocument(dc.Document)
	if err != nil {
		return nil, err
	}

	return &DocumentWatchChange{
		UpdatedTargetIDs: dc.TargetIDs,
		RemovedTargetIDs: dc.RemovedTargetIDs,
		Key:              doc.Key(),
		Document:         doc,
	}, nil
}

func decodeDocumentDelete(dd *types.DocumentDelete) (*DocumentWatchChange, error) {
	k, err := key.FromString(dd.Document)
	if err != nil {
		return nil, err
	}

	return &DocumentWatchChange{
		RemovedTargetIDs: dd.RemovedTargetIDs,
		Key:              k,
		Document:         document.NewMissing(k, document.NewVersion(dd.ReadTime)),
	}, nil
}

func decodeDocumentRemove(dr *types.DocumentRemove) (*DocumentWatchChange, error) {
	k, err := key.FromString(dr.Document)
	if err != nil {
		return nil, err
	}

	return &DocumentWatchChange{
		RemovedTargetIDs: dr.RemovedTargetIDs,
		Key:              k,
	}, nil
}

func decodeExistenceFilter(f *types.ExistenceFilter) (*ExistenceFilterWatchChange, error) {
	change := &ExistenceFilterWatchChange{
		TargetID: f.TargetID,
		Count:    f.Count,
	}

	if f.UnchangedNames != nil {
		filter, err := bloom.New(
			f.UnchangedNames.Bitmap,
			int(f.UnchangedNames.Padding),
			int(f.UnchangedNames.HashCount),
		)
		if err != nil {
			// A bloom filter the client cannot decode is treated the same
			// as no filter at all.
			return change, nil
		}
		change.UnchangedNames = filter
	}

	return change, nil
}
