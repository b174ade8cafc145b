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

// Package helper provides an in-memory backend double for client tests.
// The double speaks the listen and write protocols over real websocket
// connections and applies write batches with the same mutation model the
// client uses, so acknowledged contents, versions and transform results
// match a real backend.
package helper

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wallaby-db/wallaby/api/converter"
	"github.com/wallaby-db/wallaby/api/types"
	"github.com/wallaby-db/wallaby/auth"
	"github.com/wallaby-db/wallaby/client"
	"github.com/wallaby-db/wallaby/pkg/bloom"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/field"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/pkg/errors"
	"github.com/wallaby-db/wallaby/query"
	"github.com/wallaby-db/wallaby/remote"
	"github.com/wallaby-db/wallaby/transport"
)

const (
	// SnapshotTimeout bounds one wait for a listener snapshot.
	SnapshotTimeout = 10 * time.Second

	// sendTimeout bounds one frame write to a connected client.
	sendTimeout = 5 * time.Second

	// existenceFilterFPRate sizes the membership filter attached to
	// existence filters.
	existenceFilterFPRate = 0.0001
)

// Backend is the backend double. Documents live in memory, versioned by
// a microsecond commit clock; every commit is streamed to the watch
// sessions holding a matching target, the way a real backend fans out
// changes.
type Backend struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	documents map[key.Key]*document.Document
	micros    int64
	tokenSeq  int64
	sessions  map[*watchSession]struct{}
	conns     map[*websocket.Conn]struct{}

	verifier      *auth.TokenManager
	bloomDisabled bool
	rejections    map[string]error

	listenConnects int
	writeConnects  int
	resumes        int
}

// watchSession is one live listen stream and the targets it watches.
// The target map is guarded by the backend mutex; sends are serialized
// by sendMu since commits broadcast from other goroutines.
type watchSession struct {
	conn    *websocket.Conn
	targets map[int32]query.Query

	sendMu sync.Mutex
}

func (s *watchSession) send(res *types.ListenResponse) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	return writeMessage(s.conn, res)
}

// docUpdate is one committed document transition. A nil after means the
// document was deleted; a nil before means it did not exist.
type docUpdate struct {
	key    key.Key
	before *document.Document
	after  *document.Document
}

// NewBackend starts a backend double on a random local port and shuts
// it down when the test finishes.
func NewBackend(t *testing.T) *Backend {
	b := &Backend{
		t:          t,
		documents:  make(map[key.Key]*document.Document),
		micros:     time.Now().UnixMicro(),
		sessions:   make(map[*watchSession]struct{}),
		conns:      make(map[*websocket.Conn]struct{}),
		rejections: make(map[string]error),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(remote.EndpointListen, b.serveListen)
	mux.HandleFunc(remote.EndpointWrite, b.serveWrite)
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.Close)

	return b
}

// URL returns the websocket base URL clients should dial.
func (b *Backend) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

// Close severs every stream and stops the server.
func (b *Backend) Close() {
	b.DropConnections()
	b.server.Close()
}

// DropConnections severs every live stream without a close frame, the
// way a network failure would.
func (b *Backend) DropConnections() {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// RequireAuth makes the backend reject connections whose bearer token
// the manager cannot verify.
func (b *Backend) RequireAuth(manager *auth.TokenManager) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.verifier = manager
}

// DisableBloomFilters sends existence filters without a membership
// filter, forcing clients to resolve mismatches with a full requery.
func (b *Backend) DisableBloomFilters() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bloomDisabled = true
}

// RejectQueriesAt fails every future listen target whose query path
// matches the given path with the cause.
func (b *Backend) RejectQueriesAt(path string, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejections[path] = cause
}

// Put stores a document revision directly on the backend, as another
// writer would, and streams it to every matching target.
func (b *Backend) Put(path string, data field.Object) document.Version {
	k := key.MustFromString(path)

	b.mu.Lock()
	defer b.mu.Unlock()

	commit := b.nextVersionLocked()
	before := b.documents[k]
	after := document.NewFound(k, commit, data.Clone())
	b.documents[k] = after
	b.broadcastLocked([]docUpdate{{key: k, before: before, after: after}}, commit)

	return commit
}

// Delete removes a document directly on the backend and streams the
// deletion to every target that held it.
func (b *Backend) Delete(path string) document.Version {
	k := key.MustFromString(path)

	b.mu.Lock()
	defer b.mu.Unlock()

	commit := b.nextVersionLocked()
	before := b.documents[k]
	delete(b.documents, k)
	b.broadcastLocked([]docUpdate{{key: k, before: before}}, commit)

	return commit
}

// Document returns a copy of the stored revision at path, or nil when
// the backend holds none.
func (b *Backend) Document(path string) *document.Document {
	k := key.MustFromString(path)

	b.mu.Lock()
	defer b.mu.Unlock()

	doc, ok := b.documents[k]
	if !ok {
		return nil
	}

	return doc.Clone()
}

// DocumentCount returns the number of documents the backend holds.
func (b *Backend) DocumentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.documents)
}

// ListenConnects reports how many listen streams were opened.
func (b *Backend) ListenConnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.listenConnects
}

// WriteConnects reports how many write streams were opened.
func (b *Backend) WriteConnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.writeConnects
}

// ResumeCount reports how many listen targets arrived carrying a resume
// token.
func (b *Backend) ResumeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.resumes
}

func (b *Backend) authorize(r *http.Request) bool {
	b.mu.Lock()
	verifier := b.verifier
	b.mu.Unlock()
	if verifier == nil {
		return true
	}

	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		return false
	}
	_, err := verifier.Verify(token)

	return err == nil
}

// serveListen runs one listen stream: targets are registered against
// the session and answered with the add, replay, current, no-change
// sequence; commits elsewhere broadcast into the session concurrently.
func (b *Backend) serveListen(w http.ResponseWriter, r *http.Request) {
	if !b.authorize(r) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &watchSession{conn: conn, targets: make(map[int32]query.Query)}
	b.mu.Lock()
	b.sessions[sess] = struct{}{}
	b.conns[conn] = struct{}{}
	b.listenConnects++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.sessions, sess)
		delete(b.conns, conn)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var req types.ListenRequest
		if err := readMessage(conn, &req); err != nil {
			return
		}
		switch {
		case req.AddTarget != nil:
			b.addTarget(sess, req.AddTarget)
		case req.RemoveTarget != 0:
			b.removeTarget(sess, req.RemoveTarget)
		}
	}
}

// addTarget answers one add-target request. Resumed targets replay only
// the documents that changed past the resume point and get an existence
// filter when the client's document count disagrees with the backend.
func (b *Backend) addTarget(sess *watchSession, target *types.Target) {
	q, err := converter.FromTarget(target)
	if err != nil {
		_ = sess.send(rejection(target.TargetID, errors.InvalidArgument(fmt.Sprintf("malformed target: %v", err))))
		return
	}

	// Holding the lock across the whole answer keeps concurrent commits
	// from slipping between the snapshot read and the current marker.
	b.mu.Lock()
	defer b.mu.Unlock()

	if cause, ok := b.rejections[q.Path()]; ok {
		_ = sess.send(rejection(target.TargetID, cause))
		return
	}

	resumeVersion, resumed := resumePoint(target)
	if len(target.ResumeToken) > 0 {
		b.resumes++
	}
	sess.targets[target.TargetID] = q

	matches := b.matchingDocumentsLocked(q)
	snapshot := b.versionLocked()
	ids := []int32{target.TargetID}

	_ = sess.send(&types.ListenResponse{TargetChange: &types.TargetChange{
		Type:      types.TargetChangeAdd,
		TargetIDs: ids,
	}})

	for _, doc := range matches {
		if resumed && !doc.Version().After(resumeVersion) {
			continue
		}
		wireDoc, err := converter.ToDocument(doc)
		if err != nil {
			b.t.Errorf("encode document %s: %v", doc.Key(), err)
			continue
		}
		_ = sess.send(&types.ListenResponse{DocumentChange: &types.DocumentChange{
			Document:  wireDoc,
			TargetIDs: ids,
		}})
	}

	_ = sess.send(&types.ListenResponse{TargetChange: &types.TargetChange{
		Type:      types.TargetChangeCurrent,
		TargetIDs: ids,
		ReadTime:  snapshot.Time(),
	}})

	if resumed && int(target.ExpectedCount) != len(matches) {
		_ = sess.send(&types.ListenResponse{Filter: b.existenceFilterLocked(target.TargetID, matches)})
	}

	_ = sess.send(&types.ListenResponse{TargetChange: &types.TargetChange{
		Type:        types.TargetChangeNoChange,
		ResumeToken: tokenForVersion(snapshot),
		ReadTime:    snapshot.Time(),
	}})
}

func (b *Backend) existenceFilterLocked(targetID int32, matches []*document.Document) *types.ExistenceFilter {
	filter := &types.ExistenceFilter{TargetID: targetID, Count: int32(len(matches))}
	if b.bloomDisabled {
		return filter
	}

	f := bloom.NewOptimal(int64(len(matches)), existenceFilterFPRate)
	for _, doc := range matches {
		f.Insert(doc.Key().String())
	}
	filter.UnchangedNames = &types.BloomFilter{
		Bitmap:    f.Bitmap(),
		Padding:   int32(f.Padding()),
		HashCount: int32(f.HashCount()),
	}

	return filter
}

func (b *Backend) removeTarget(sess *watchSession, targetID int32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(sess.targets, targetID)
	_ = sess.send(&types.ListenResponse{TargetChange: &types.TargetChange{
		Type:      types.TargetChangeRemove,
		TargetIDs: []int32{targetID},
	}})
}

// serveWrite runs one write stream: a handshake echoing a fresh stream
// token, then one commit per request. A failed batch closes the stream
// with the failure status, leaving the committed state untouched.
func (b *Backend) serveWrite(w http.ResponseWriter, r *http.Request) {
	if !b.authorize(r) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.writeConnects++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	var req types.WriteRequest
	if err := readMessage(conn, &req); err != nil {
		return
	}
	if len(req.Writes) > 0 {
		_ = transport.CloseWithStatus(conn, errors.ErrCodeInvalidArgument, "handshake carries writes")
		return
	}
	if err := writeMessage(conn, &types.WriteResponse{StreamToken: b.nextStreamToken()}); err != nil {
		return
	}

	for {
		if err := readMessage(conn, &req); err != nil {
			return
		}
		res, err := b.commitBatch(req.Writes)
		if err != nil {
			_ = transport.CloseWithStatus(conn, errors.StatusOf(err), err.Error())
			return
		}
		if err := writeMessage(conn, res); err != nil {
			return
		}
	}
}

// commitBatch applies one write batch atomically. Writes apply in order
// against a staging view, so a later precondition sees the effects of
// earlier writes in the same batch and any failure discards them all.
func (b *Backend) commitBatch(writes []types.Write) (*types.WriteResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := make([]mutation.Mutation, len(writes))
	for i, w := range writes {
		m, err := converter.FromWrite(w)
		if err != nil {
			return nil, errors.InvalidArgument(fmt.Sprintf("malformed write %d: %v", i, err))
		}
		batch[i] = m
	}

	commit := b.nextVersionLocked()
	staged := make(map[key.Key]*document.Document)
	var order []key.Key
	results := make([]types.WriteResult, len(batch))

	for i, m := range batch {
		k := m.Key()
		before := b.stagedLocked(staged, k)
		if !m.Precondition().IsValidFor(before) {
			return nil, errors.FailedPrecond(fmt.Sprintf("precondition failed for %s", k))
		}

		switch m.(type) {
		case *mutation.Verify:
			continue
		case *mutation.Delete:
			if _, ok := staged[k]; !ok {
				order = append(order, k)
			}
			staged[k] = nil
			continue
		}

		transforms := m.Transforms()
		var values []field.Value
		var wireValues []types.Value
		if len(transforms) > 0 {
			values = make([]field.Value, len(transforms))
			for ti, ft := range transforms {
				prev, _ := before.Field(ft.Path())
				values[ti] = serverTransformValue(ft, prev, commit)
			}
			var err error
			wireValues, err = converter.ToValues(values)
			if err != nil {
				return nil, errors.Internal(fmt.Sprintf("encode transform results: %v", err))
			}
		}

		scratch := before.Clone()
		if !scratch.IsFound() {
			// Merge writes may create the document they patch.
			scratch.ConvertToFound(document.Version{}, field.NewObject())
		}
		m.ApplyToRemote(scratch, mutation.Result{Version: commit, TransformResults: values})

		if _, ok := staged[k]; !ok {
			order = append(order, k)
		}
		staged[k] = document.NewFound(k, commit, scratch.Data())
		results[i] = types.WriteResult{UpdateTime: commit.Time(), TransformResults: wireValues}
	}

	updates := make([]docUpdate, 0, len(order))
	for _, k := range order {
		before := b.documents[k]
		after := staged[k]
		if after == nil {
			delete(b.documents, k)
		} else {
			b.documents[k] = after
		}
		updates = append(updates, docUpdate{key: k, before: before, after: after})
	}
	b.broadcastLocked(updates, commit)

	return &types.WriteResponse{
		StreamToken:  b.nextStreamTokenLocked(),
		CommitTime:   commit.Time(),
		WriteResults: results,
	}, nil
}

// stagedLocked returns the batch-local view of a document: the staged
// revision when the batch already wrote it, the stored one otherwise.
func (b *Backend) stagedLocked(staged map[key.Key]*document.Document, k key.Key) *document.Document {
	if doc, ok := staged[k]; ok {
		if doc == nil {
			return document.NewInvalid(k)
		}
		return doc
	}
	if doc, ok := b.documents[k]; ok {
		return doc
	}

	return document.NewInvalid(k)
}

// serverTransformValue computes the authoritative value of one field
// transform at commit time. Server timestamps resolve to the commit
// time itself instead of a local estimate.
func serverTransformValue(ft mutation.FieldTransform, prev field.Value, commit document.Version) field.Value {
	if ft.TransformType() == mutation.TransformServerTimestamp {
		return field.Timestamp(commit.Time())
	}

	return ft.ApplyToLocal(prev, commit.Time())
}

// broadcastLocked streams committed document transitions to every watch
// session, each followed by a global snapshot marker carrying a fresh
// resume token.
func (b *Backend) broadcastLocked(updates []docUpdate, commit document.Version) {
	for sess := range b.sessions {
		for _, u := range updates {
			var matched, removed []int32
			for id, q := range sess.targets {
				was := u.before != nil && u.before.IsFound() && q.Matches(u.before)
				is := u.after != nil && u.after.IsFound() && q.Matches(u.after)
				switch {
				case is:
					matched = append(matched, id)
				case was:
					removed = append(removed, id)
				}
			}
			if len(matched) == 0 && len(removed) == 0 {
				continue
			}

			switch {
			case u.after != nil && len(matched) > 0:
				wireDoc, err := converter.ToDocument(u.after)
				if err != nil {
					b.t.Errorf("encode document %s: %v", u.key, err)
					continue
				}
				_ = sess.send(&types.ListenResponse{DocumentChange: &types.DocumentChange{
					Document:         wireDoc,
					TargetIDs:        matched,
					RemovedTargetIDs: removed,
				}})
			case u.after != nil:
				// Still exists but stopped matching this session's targets.
				_ = sess.send(&types.ListenResponse{DocumentRemove: &types.DocumentRemove{
					Document:         u.key.String(),
					RemovedTargetIDs: removed,
					ReadTime:         commit.Time(),
				}})
			default:
				_ = sess.send(&types.ListenResponse{DocumentDelete: &types.DocumentDelete{
					Document:         u.key.String(),
					RemovedTargetIDs: removed,
					ReadTime:         commit.Time(),
				}})
			}
		}

		_ = sess.send(&types.ListenResponse{TargetChange: &types.TargetChange{
			Type:        types.TargetChangeNoChange,
			ResumeToken: tokenForVersion(commit),
			ReadTime:    commit.Time(),
		}})
	}
}

// matchingDocumentsLocked evaluates a target query over the stored
// documents, in query order and capped to the query limit.
func (b *Backend) matchingDocumentsLocked(q query.Query) []*document.Document {
	var matches []*document.Document
	for _, doc := range b.documents {
		if q.Matches(doc) {
			matches = append(matches, doc)
		}
	}
	cmp := q.Comparator()
	sort.Slice(matches, func(i, j int) bool {
		return cmp(matches[i], matches[j]) < 0
	})
	if limit := q.Limit(); limit > 0 && int64(len(matches)) > limit {
		matches = matches[:limit]
	}

	return matches
}

func (b *Backend) versionLocked() document.Version {
	return document.VersionFromMicros(b.micros)
}

func (b *Backend) nextVersionLocked() document.Version {
	b.micros++

	return document.VersionFromMicros(b.micros)
}

func (b *Backend) nextStreamToken() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.nextStreamTokenLocked()
}

func (b *Backend) nextStreamTokenLocked() []byte {
	b.tokenSeq++

	return []byte(fmt.Sprintf("stream-token-%d", b.tokenSeq))
}

func rejection(targetID int32, cause error) *types.ListenResponse {
	return &types.ListenResponse{TargetChange: &types.TargetChange{
		Type:      types.TargetChangeRemove,
		TargetIDs: []int32{targetID},
		Cause:     converter.ToStatus(cause),
	}}
}

// resumePoint extracts the version a target resumes from: the token
// when the client holds one, the read time otherwise.
func resumePoint(target *types.Target) (document.Version, bool) {
	if len(target.ResumeToken) > 0 {
		return versionFromToken(target.ResumeToken), true
	}
	if !target.ReadTime.IsZero() {
		return document.NewVersion(target.ReadTime), true
	}

	return document.Version{}, false
}

// tokenForVersion encodes a snapshot version as a resume token. The
// token is opaque to clients; the double round-trips the version
// through it.
func tokenForVersion(v document.Version) []byte {
	token := make([]byte, 8)
	binary.BigEndian.PutUint64(token, uint64(v.Micros()))

	return token
}

func versionFromToken(token []byte) document.Version {
	if len(token) != 8 {
		return document.Version{}
	}

	return document.VersionFromMicros(int64(binary.BigEndian.Uint64(token)))
}

func readMessage(conn *websocket.Conn, v any) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		return transport.Unmarshal(data, v)
	}
}

func writeMessage(conn *websocket.Conn, v any) error {
	data, err := transport.Marshal(v)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}

	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// NextSnapshot waits for the next snapshot on a listen channel.
func NextSnapshot(t *testing.T, responses <-chan client.ListenResponse) *client.Snapshot {
	t.Helper()

	select {
	case res, ok := <-responses:
		if !ok {
			t.Fatalf("listen channel closed while waiting for a snapshot")
		}
		if res.Err != nil {
			t.Fatalf("listen failed: %v", res.Err)
		}
		return res.Snapshot
	case <-time.After(SnapshotTimeout):
		t.Fatalf("no snapshot within %v", SnapshotTimeout)
	}

	return nil
}

// WaitForSnapshot drains a listen channel until a snapshot satisfies
// match, skipping the intermediate states a sync passes through.
func WaitForSnapshot(
	t *testing.T,
	responses <-chan client.ListenResponse,
	match func(*client.Snapshot) bool,
) *client.Snapshot {
	t.Helper()

	deadline := time.After(SnapshotTimeout)
	for {
		select {
		case res, ok := <-responses:
			if !ok {
				t.Fatalf("listen channel closed while waiting for a snapshot")
			}
			if res.Err != nil {
				t.Fatalf("listen failed: %v", res.Err)
			}
			if match(res.Snapshot) {
				return res.Snapshot
			}
		case <-deadline:
			t.Fatalf("no matching snapshot within %v", SnapshotTimeout)
		}
	}
}

// WaitForListenError drains a listen channel until its terminal error.
func WaitForListenError(t *testing.T, responses <-chan client.ListenResponse) error {
	t.Helper()

	deadline := time.After(SnapshotTimeout)
	for {
		select {
		case res, ok := <-responses:
			if !ok {
				t.Fatalf("listen channel closed without an error")
			}
			if res.Err != nil {
				return res.Err
			}
		case <-deadline:
			t.Fatalf("no listen error within %v", SnapshotTimeout)
		}
	}
}
