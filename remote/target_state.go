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
	"github.com/wallaby-db/wallaby/pkg/document/key"
)

// documentChangeType classifies how a document moved relative to one
// target within the current aggregation window.
type documentChangeType int

const (
	documentAdded documentChangeType = iota + 1
	documentModified
	documentRemoved
)

// targetState accumulates the watch stream's signals for one target
// until the next remote event is cut.
type targetState struct {
	// pendingResponses counts listen requests the server has not
	// acknowledged yet. Changes arriving while requests are outstanding
	// belong to a previous incarnation of the target and are dropped.
	pendingResponses int

	documentChanges map[key.Key]documentChangeType
	resumeToken     []byte
	current         bool

	// hasChanges starts true so a freshly added target produces an event
	// even when its result set is empty.
	hasChanges bool
}

func newTargetState() *targetState {
	return &targetState{
		documentChanges: make(map[key.Key]documentChangeType),
		hasChanges:      true,
	}
}

func (s *targetState) isPending() bool {
	return s.pendingResponses != 0
}

func (s *targetState) recordPendingRequest() {
	s.pendingResponses++
}

func (s *targetState) recordResponse() {
	s.pendingResponses--
}

// updateResumeToken stores the token if the server attached one. Empty
// tokens keep the previous token.
func (s *targetState) updateResumeToken(token []byte) {
	if len(token) > 0 {
		s.hasChanges = true
		s.resumeToken = token
	}
}

func (s *targetState) markCurrent() {
	s.hasChanges = true
	s.current = true
}

func (s *targetState) addDocumentChange(k key.Key, change documentChangeType) {
	s.hasChanges = true
	s.documentChanges[k] = change
}

func (s *targetState) removeDocumentChange(k key.Key) {
	s.hasChanges = true
	s.documentChanges[k] = documentRemoved
}

// forgetDocumentChange drops a change that entered and left the target
// within the same aggregation window.
func (s *targetState) forgetDocumentChange(k key.Key) {
	s.hasChanges = true
	delete(s.documentChanges, k)
}

func (s *targetState) clearChanges() {
	s.hasChanges = false
	s.documentChanges = make(map[key.Key]documentChangeType)
}

// toTargetChange snapshots the accumulated state as a remote event
// fragment.
func (s *targetState) toTargetChange() *TargetChange {
	tc := NewTargetChange()
	tc.Current = s.current
	tc.ResumeToken = s.resumeToken

	for k, change := range s.documentChanges {
		switch change {
		case documentAdded:
			tc.AddedDocuments[k] = struct{}{}
		case documentModified:
			tc.ModifiedDocuments[k] = struct{}{}
		case documentRemoved:
			tc.RemovedDocuments[k] = struct{}{}
		}
	}

	return tc
}
