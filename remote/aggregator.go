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
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/key"
)

// TargetMetadataProvider supplies the aggregator with the client-side
// view of each target. The sync engine is the canonical implementation.
type TargetMetadataProvider interface {
	// GetRemoteKeysForTarget returns the keys the client currently maps
	// to the target.
	GetRemoteKeysForTarget(targetID int32) map[key.Key]struct{}

	// GetActiveTarget returns the target watched under the given ID. The
	// second result is false when the target is not (or no longer)
	// active.
	GetActiveTarget(targetID int32) (WatchTarget, bool)
}

// WatchChangeAggregator folds individual watch stream messages into
// consolidated remote events, one per consistent snapshot.
type WatchChangeAggregator struct {
	provider TargetMetadataProvider

	targetStates map[int32]*targetState

	// pendingDocumentUpdates holds the newest delivered state per
	// document since the last event.
	pendingDocumentUpdates map[key.Key]*document.Document

	// pendingDocumentTargetMapping records which targets referenced each
	// updated document, for limbo resolution bookkeeping.
	pendingDocumentTargetMapping map[key.Key]map[int32]struct{}

	// pendingTargetResets holds targets whose existence filter could not
	// be reconciled. They restart without a resume token.
	pendingTargetResets map[int32]struct{}
}

// NewWatchChangeAggregator creates an aggregator backed by the given
// metadata provider.
func NewWatchChangeAggregator(provider TargetMetadataProvider) *WatchChangeAggregator {
	return &WatchChangeAggregator{
		provider:                     provider,
		targetStates:                 make(map[int32]*targetState),
		pendingDocumentUpdates:       make(map[key.Key]*document.Document),
		pendingDocumentTargetMapping: make(map[key.Key]map[int32]struct{}),
		pendingTargetResets:          make(map[int32]struct{}),
	}
}

// HandleDocumentChange folds one document-level change into the pending
// state of every target it names.
func (a *WatchChangeAggregator) HandleDocumentChange(change *DocumentWatchChange) {
	for _, targetID := range change.UpdatedTargetIDs {
		if change.Document != nil && change.Document.IsFound() {
			a.addDocumentToTarget(targetID, change.Document)
		} else {
			a.removeDocumentFromTarget(targetID, change.Key, change.Document)
		}
	}
	for _, targetID := range change.RemovedTargetIDs {
		a.removeDocumentFromTarget(targetID, change.Key, change.Document)
	}
}

// HandleTargetChange folds one target-level signal into the pending
// state of the named targets, or of every active target when none are
// named.
func (a *WatchChangeAggregator) HandleTargetChange(change *WatchTargetChange) {
	a.forEachTarget(change.TargetIDs, func(targetID int32) {
		state := a.ensureTargetState(targetID)

		switch change.State {
		case WatchTargetNoChange:
			if a.isActiveTarget(targetID) {
				state.updateResumeToken(change.ResumeToken)
			}
		case WatchTargetAdded:
			state.recordResponse()
			if !state.isPending() {
				// The previous incarnation's changes no longer apply.
				state.clearChanges()
			}
			state.updateResumeToken(change.ResumeToken)
		case WatchTargetRemoved:
			// Removals with a cause are handled before aggregation; a
			// clean removal just settles the pending unlisten.
			state.recordResponse()
			if !state.isPending() {
				a.RemoveTarget(targetID)
			}
		case WatchTargetCurrent:
			if a.isActiveTarget(targetID) {
				state.markCurrent()
				state.updateResumeToken(change.ResumeToken)
			}
		case WatchTargetReset:
			if a.isActiveTarget(targetID) {
				a.resetTarget(targetID)
				state.updateResumeToken(change.ResumeToken)
			}
		}
	})
}

// HandleExistenceFilter validates the server-reported document count for
// one target against the local mapping. Mismatched targets are pruned
// via the attached bloom filter when possible and fully reset otherwise.
func (a *WatchChangeAggregator) HandleExistenceFilter(change *ExistenceFilterWatchChange) {
	target, ok := a.activeTarget(change.TargetID)
	if !ok {
		return
	}

	if target.Query.IsDocumentQuery() {
		if change.Count != 0 {
			return
		}
		// The target watches one document and the server holds none: the
		// document was deleted out from under the client.
		k, err := key.FromString(target.Query.Path())
		if err != nil {
			return
		}
		a.removeDocumentFromTarget(change.TargetID, k, document.NewMissing(k, document.Version{}))

		return
	}

	currentCount := a.currentDocumentCount(change.TargetID)
	if currentCount == int(change.Count) {
		return
	}

	if change.UnchangedNames == nil || !a.applyBloomFilter(change, currentCount) {
		a.resetTarget(change.TargetID)
		a.pendingTargetResets[change.TargetID] = struct{}{}
	}
}

// applyBloomFilter removes every held key the filter proves absent and
// reports whether that fully explains the count mismatch.
func (a *WatchChangeAggregator) applyBloomFilter(change *ExistenceFilterWatchChange, currentCount int) bool {
	removed := 0
	for k := range a.provider.GetRemoteKeysForTarget(change.TargetID) {
		if !change.UnchangedNames.MightContain(k.String()) {
			a.removeDocumentFromTarget(change.TargetID, k, nil)
			removed++
		}
	}

	return int(change.Count) == currentCount-removed
}

// CreateRemoteEvent cuts a consolidated event at the given snapshot
// version and resets the aggregation state for the next window.
func (a *WatchChangeAggregator) CreateRemoteEvent(snapshotVersion document.Version) *RemoteEvent {
	targetChanges := make(map[int32]*TargetChange)

	for targetID, state := range a.targetStates {
		target, ok := a.activeTarget(targetID)
		if !ok {
			continue
		}

		if state.current && target.Query.IsDocumentQuery() {
			// An empty result set for a document target means the document
			// does not exist. Synthesize the delete the server never sends.
			k, err := key.FromString(target.Query.Path())
			if err == nil && a.pendingDocumentUpdates[k] == nil && !a.targetContainsDocument(targetID, k) {
				a.removeDocumentFromTarget(targetID, k, document.NewMissing(k, snapshotVersion))
			}
		}

		if state.hasChanges {
			targetChanges[targetID] = state.toTargetChange()
			state.clearChanges()
		}
	}

	resolvedLimboDocuments := make(map[key.Key]struct{})
	for k, targets := range a.pendingDocumentTargetMapping {
		onlyLimbo := true
		for targetID := range targets {
			if target, ok := a.activeTarget(targetID); ok && !target.Limbo {
				onlyLimbo = false
				break
			}
		}
		if onlyLimbo {
			resolvedLimboDocuments[k] = struct{}{}
		}
	}

	event := &RemoteEvent{
		SnapshotVersion:        snapshotVersion,
		TargetChanges:          targetChanges,
		TargetMismatches:       a.pendingTargetResets,
		DocumentUpdates:        a.pendingDocumentUpdates,
		ResolvedLimboDocuments: resolvedLimboDocuments,
	}

	a.pendingDocumentUpdates = make(map[key.Key]*document.Document)
	a.pendingDocumentTargetMapping = make(map[key.Key]map[int32]struct{})
	a.pendingTargetResets = make(map[int32]struct{})

	return event
}

// RecordPendingTargetRequest marks that a listen or unlisten request for
// the target is in flight. Server responses settle it.
func (a *WatchChangeAggregator) RecordPendingTargetRequest(targetID int32) {
	a.ensureTargetState(targetID).recordPendingRequest()
}

// RemoveTarget drops all aggregation state for the target.
func (a *WatchChangeAggregator) RemoveTarget(targetID int32) {
	delete(a.targetStates, targetID)
}

func (a *WatchChangeAggregator) addDocumentToTarget(targetID int32, doc *document.Document) {
	if !a.isActiveTarget(targetID) {
		return
	}

	change := documentAdded
	if a.targetContainsDocument(targetID, doc.Key()) {
		change = documentModified
	}
	a.ensureTargetState(targetID).addDocumentChange(doc.Key(), change)

	a.pendingDocumentUpdates[doc.Key()] = doc
	a.ensureDocumentTargetMapping(doc.Key())[targetID] = struct{}{}
}

func (a *WatchChangeAggregator) removeDocumentFromTarget(targetID int32, k key.Key, doc *document.Document) {
	if !a.isActiveTarget(targetID) {
		return
	}

	state := a.ensureTargetState(targetID)
	if a.targetContainsDocument(targetID, k) {
		state.removeDocumentChange(k)
	} else {
		// The document entered and left the target within this window;
		// the client never saw it.
		state.forgetDocumentChange(k)
	}

	a.ensureDocumentTargetMapping(k)[targetID] = struct{}{}
	if doc != nil {
		a.pendingDocumentUpdates[k] = doc
	}
}

// resetTarget clears the target's state and synthesizes removals for
// every currently held key. Keys the server resends become part of the
// next snapshot; the rest stay removed.
func (a *WatchChangeAggregator) resetTarget(targetID int32) {
	a.targetStates[targetID] = newTargetState()

	for k := range a.provider.GetRemoteKeysForTarget(targetID) {
		a.removeDocumentFromTarget(targetID, k, nil)
	}
}

// currentDocumentCount is the held key count adjusted by the changes
// accumulated in the current window.
func (a *WatchChangeAggregator) currentDocumentCount(targetID int32) int {
	change := a.ensureTargetState(targetID).toTargetChange()

	return len(a.provider.GetRemoteKeysForTarget(targetID)) +
		len(change.AddedDocuments) -
		len(change.RemovedDocuments)
}

func (a *WatchChangeAggregator) forEachTarget(targetIDs []int32, fn func(targetID int32)) {
	if len(targetIDs) > 0 {
		for _, targetID := range targetIDs {
			fn(targetID)
		}
		return
	}

	for targetID := range a.targetStates {
		if a.isActiveTarget(targetID) {
			fn(targetID)
		}
	}
}

func (a *WatchChangeAggregator) ensureTargetState(targetID int32) *targetState {
	state, ok := a.targetStates[targetID]
	if !ok {
		state = newTargetState()
		a.targetStates[targetID] = state
	}

	return state
}

func (a *WatchChangeAggregator) ensureDocumentTargetMapping(k key.Key) map[int32]struct{} {
	mapping, ok := a.pendingDocumentTargetMapping[k]
	if !ok {
		mapping = make(map[int32]struct{})
		a.pendingDocumentTargetMapping[k] = mapping
	}

	return mapping
}

// activeTarget returns the target watched under the ID unless a request
// for it is still in flight.
func (a *WatchChangeAggregator) activeTarget(targetID int32) (WatchTarget, bool) {
	if state, ok := a.targetStates[targetID]; ok && state.isPending() {
		return WatchTarget{}, false
	}

	return a.provider.GetActiveTarget(targetID)
}

func (a *WatchChangeAggregator) isActiveTarget(targetID int32) bool {
	_, ok := a.activeTarget(targetID)
	return ok
}

func (a *WatchChangeAggregator) targetContainsDocument(targetID int32, k key.Key) bool {
	_, ok := a.provider.GetRemoteKeysForTarget(targetID)[k]
	return ok
}
