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

// Package engine coordinates the local store, the remote store, and the
// query listeners of a client. It owns the query views, tracks limbo
// documents, and fans write acknowledgements out to their waiters.
package engine

import (
	"context"

	"github.com/rs/xid"

	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/logging"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/pkg/errors"
	"github.com/wallaby-db/wallaby/query"
	"github.com/wallaby-db/wallaby/remote"
)

// DefaultMaxConcurrentLimboResolutions caps how many limbo documents are
// resolved against the backend at once. Further limbo documents queue
// until a slot frees up.
const DefaultMaxConcurrentLimboResolutions = 100

// RemoteStore is the part of the remote store the engine drives.
type RemoteStore interface {
	// Listen starts watching the target.
	Listen(target remote.WatchTarget)

	// Unlisten stops watching the target.
	Unlisten(targetID int32)

	// FillWritePipeline sends enqueued mutation batches to the backend.
	FillWritePipeline() error
}

// Listener receives the snapshots of one query.
type Listener struct {
	id    string
	query query.Query

	onSnapshot func(*Snapshot) error
	onError    func(error)
}

// NewListener creates a listener for the query. onSnapshot runs for
// every new snapshot; returning an error detaches the listener. onError
// runs when the backend rejects the query and may be nil.
func NewListener(q query.Query, onSnapshot func(*Snapshot) error, onError func(error)) *Listener {
	return &Listener{
		id:         xid.New().String(),
		query:      q,
		onSnapshot: onSnapshot,
		onError:    onError,
	}
}

// Query returns the query this listener observes.
func (l *Listener) Query() query.Query {
	return l.query
}

// queryView ties a query to its allocated target, its view, and the
// listeners observing it. Queries with the same canonical ID share one
// queryView.
type queryView struct {
	query     query.Query
	targetID  int32
	view      *View
	listeners []*Listener
}

// limboResolution tracks one active limbo document query.
// receivedDocument records whether the backend has sent the document,
// which decides the expected count when the watch stream resumes.
type limboResolution struct {
	key              key.Key
	receivedDocument bool
}

// referenceSet is a two-way mapping between limbo document keys and the
// targets whose views hold them.
type referenceSet struct {
	byKey    map[key.Key]map[int32]struct{}
	byTarget map[int32]map[key.Key]struct{}
}

func newReferenceSet() *referenceSet {
	return &referenceSet{
		byKey:    make(map[key.Key]map[int32]struct{}),
		byTarget: make(map[int32]map[key.Key]struct{}),
	}
}

func (r *referenceSet) add(k key.Key, targetID int32) {
	if r.byKey[k] == nil {
		r.byKey[k] = make(map[int32]struct{})
	}
	r.byKey[k][targetID] = struct{}{}

	if r.byTarget[targetID] == nil {
		r.byTarget[targetID] = make(map[key.Key]struct{})
	}
	r.byTarget[targetID][k] = struct{}{}
}

func (r *referenceSet) remove(k key.Key, targetID int32) {
	if targets, ok := r.byKey[k]; ok {
		delete(targets, targetID)
		if len(targets) == 0 {
			delete(r.byKey, k)
		}
	}
	if keys, ok := r.byTarget[targetID]; ok {
		delete(keys, k)
		if len(keys) == 0 {
			delete(r.byTarget, targetID)
		}
	}
}

// removeTarget drops every reference held by the target and returns the
// keys that were referenced.
func (r *referenceSet) removeTarget(targetID int32) []key.Key {
	keys := make([]key.Key, 0, len(r.byTarget[targetID]))
	for k := range r.byTarget[targetID] {
		keys = append(keys, k)
	}
	for _, k := range keys {
		r.remove(k, targetID)
	}

	return keys
}

func (r *referenceSet) containsKey(k key.Key) bool {
	return len(r.byKey[k]) > 0
}

// Engine is the client's synchronization engine. It applies user writes
// and remote events to the local store, recomputes the affected query
// views, and raises the resulting snapshots to listeners. It also
// resolves limbo documents by watching them individually.
//
// An Engine is not safe for concurrent use. The client drives every
// method from its operation queue, which is also where the remote store
// invokes the Syncer callbacks.
type Engine struct {
	logger     logging.Logger
	localStore *local.Store
	remote     RemoteStore

	// queryViews indexes views by canonical query ID, queryViewsByTarget
	// by the target the view is allocated to.
	queryViews         map[string]*queryView
	queryViewsByTarget map[int32]*queryView

	// limboTargetsByKey and activeLimboResolutions track the limbo
	// documents currently being resolved. Keys beyond the concurrency cap
	// wait in enqueuedLimboKeys in arrival order.
	limboTargetsByKey             map[key.Key]int32
	activeLimboResolutions        map[int32]*limboResolution
	enqueuedLimboKeys             []key.Key
	enqueuedLimboSet              map[key.Key]struct{}
	maxConcurrentLimboResolutions int

	// nextLimboTargetID generates odd target IDs so limbo targets can
	// never collide with the even IDs the target cache allocates.
	nextLimboTargetID int32

	// limboDocumentRefs counts which views still hold each limbo
	// document. A limbo resolution stops once no view references the key.
	limboDocumentRefs *referenceSet

	// writeCallbacks resolve one pending user write each,
	// pendingWritesCallbacks resolve write barriers once every batch up
	// to their registration point is acknowledged or rejected.
	writeCallbacks         map[int64]func(error)
	pendingWritesCallbacks map[int64][]func(error)
}

// New creates an engine on top of the local store.
// maxConcurrentLimboResolutions values of zero or less fall back to
// DefaultMaxConcurrentLimboResolutions. SetRemote must be called before
// any other method.
func New(localStore *local.Store, maxConcurrentLimboResolutions int) *Engine {
	if maxConcurrentLimboResolutions <= 0 {
		maxConcurrentLimboResolutions = DefaultMaxConcurrentLimboResolutions
	}

	return &Engine{
		logger:                        logging.New("syncengine"),
		localStore:                    localStore,
		queryViews:                    make(map[string]*queryView),
		queryViewsByTarget:            make(map[int32]*queryView),
		limboTargetsByKey:             make(map[key.Key]int32),
		activeLimboResolutions:        make(map[int32]*limboResolution),
		enqueuedLimboSet:              make(map[key.Key]struct{}),
		maxConcurrentLimboResolutions: maxConcurrentLimboResolutions,
		nextLimboTargetID:             1,
		limboDocumentRefs:             newReferenceSet(),
		writeCallbacks:                make(map[int64]func(error)),
		pendingWritesCallbacks:        make(map[int64][]func(error)),
	}
}

// SetRemote wires the remote store. The engine and the remote store
// reference each other, so one side has to be attached after
// construction.
func (e *Engine) SetRemote(remote RemoteStore) {
	e.remote = remote
}

// Listen attaches the listener to its query. The first listener of a
// query allocates a target, builds the view from cached documents, and
// starts the remote watch; later listeners share the view and receive
// its current results immediately.
func (e *Engine) Listen(ctx context.Context, listener *Listener) error {
	canonicalID := listener.query.CanonicalID()
	if qv, ok := e.queryViews[canonicalID]; ok {
		qv.listeners = append(qv.listeners, listener)
		e.logger.Debugf("listener %s joined query %s", listener.id, canonicalID)

		return e.raiseToListener(ctx, qv, listener, qv.view.InitialSnapshot())
	}

	targetData, err := e.localStore.AllocateTarget(ctx, listener.query)
	if err != nil {
		return err
	}
	result, err := e.localStore.ExecuteQuery(ctx, listener.query, true)
	if err != nil {
		return err
	}

	view := NewView(listener.query, result.RemoteKeys)
	changes := view.ComputeChanges(result.Documents, nil)
	snapshot, _ := view.ApplyChanges(changes, nil, true)

	qv := &queryView{
		query:     listener.query,
		targetID:  targetData.TargetID(),
		view:      view,
		listeners: []*Listener{listener},
	}
	e.queryViews[canonicalID] = qv
	e.queryViewsByTarget[qv.targetID] = qv
	e.logger.Debugf("listener %s started query %s as target %d", listener.id, canonicalID, qv.targetID)

	e.remote.Listen(remote.WatchTarget{
		TargetID:        qv.targetID,
		Query:           listener.query,
		ResumeToken:     targetData.ResumeToken(),
		SnapshotVersion: targetData.SnapshotVersion(),
	})

	return e.raiseToListener(ctx, qv, listener, snapshot)
}

// Unlisten detaches the listener. The last listener of a query releases
// the target and stops the remote watch.
func (e *Engine) Unlisten(ctx context.Context, listener *Listener) error {
	qv, ok := e.queryViews[listener.query.CanonicalID()]
	if !ok {
		return nil
	}

	kept := qv.listeners[:0]
	for _, l := range qv.listeners {
		if l != listener {
			kept = append(kept, l)
		}
	}
	qv.listeners = kept
	if len(qv.listeners) > 0 {
		return nil
	}

	return e.stopListening(ctx, qv)
}

func (e *Engine) stopListening(ctx context.Context, qv *queryView) error {
	if err := e.localStore.ReleaseTarget(ctx, qv.targetID); err != nil {
		return err
	}
	e.removeView(qv)
	e.remote.Unlisten(qv.targetID)

	return nil
}

// removeView drops the view from the registries and stops limbo
// resolutions no other view still needs.
func (e *Engine) removeView(qv *queryView) {
	delete(e.queryViews, qv.query.CanonicalID())
	delete(e.queryViewsByTarget, qv.targetID)
	for _, k := range e.limboDocumentRefs.removeTarget(qv.targetID) {
		if !e.limboDocumentRefs.containsKey(k) {
			e.removeLimboTarget(k)
		}
	}
}

// Write applies the mutations locally, raises the updated snapshots,
// and queues the batch for the backend. done resolves once the backend
// acknowledges or rejects the batch and may be nil.
func (e *Engine) Write(ctx context.Context, mutations []mutation.Mutation, done func(error)) error {
	batch, changes, err := e.localStore.WriteLocally(ctx, mutations)
	if err != nil {
		return err
	}
	if done != nil {
		e.writeCallbacks[batch.ID()] = done
	}

	if err := e.emitNewSnapshots(ctx, changes, nil); err != nil {
		return err
	}

	return e.remote.FillWritePipeline()
}

// RegisterPendingWritesCallback resolves cb once every write pending at
// the time of the call has been acknowledged or rejected. With no
// pending writes cb resolves immediately.
func (e *Engine) RegisterPendingWritesCallback(ctx context.Context, cb func(error)) error {
	highest, err := e.localStore.GetHighestUnacknowledgedBatchID(ctx)
	if err != nil {
		return err
	}
	if highest < 0 {
		cb(nil)

		return nil
	}
	e.pendingWritesCallbacks[highest] = append(e.pendingWritesCallbacks[highest], cb)

	return nil
}

// ApplyRemoteEvent applies a watch stream event to the local store and
// recomputes every view. Limbo resolution targets additionally track
// whether the backend has sent their document yet.
func (e *Engine) ApplyRemoteEvent(event *remote.RemoteEvent) error {
	ctx := context.Background()

	for targetID, targetChange := range event.TargetChanges {
		resolution, ok := e.activeLimboResolutions[targetID]
		if !ok {
			continue
		}
		// Limbo queries watch a single document, so the change sets hold
		// at most one key.
		if len(targetChange.AddedDocuments) > 0 {
			resolution.receivedDocument = true
		} else if len(targetChange.RemovedDocuments) > 0 {
			resolution.receivedDocument = false
		}
	}

	changes, err := e.localStore.ApplyRemoteEvent(ctx, event)
	if err != nil {
		return err
	}

	return e.emitNewSnapshots(ctx, changes, event)
}

// RejectListen handles the backend rejecting a target. A limbo target
// resolves its document as deleted; a query target is torn down and the
// error fans out to its listeners.
func (e *Engine) RejectListen(targetID int32, cause error) error {
	if resolution, ok := e.activeLimboResolutions[targetID]; ok {
		k := resolution.key
		delete(e.activeLimboResolutions, targetID)
		delete(e.limboTargetsByKey, k)
		e.pumpEnqueuedLimboResolutions()

		// A rejected limbo query means the document is inaccessible, which
		// the client treats the same as deleted. The zero version keeps a
		// later resurrection at any version visible.
		e.logger.Debugf("limbo target %d for %s rejected: %v", targetID, k, cause)

		return e.ApplyRemoteEvent(&remote.RemoteEvent{
			DocumentUpdates: map[key.Key]*document.Document{
				k: document.NewMissing(k, document.Version{}),
			},
			ResolvedLimboDocuments: map[key.Key]struct{}{k: {}},
		})
	}

	qv, ok := e.queryViewsByTarget[targetID]
	if !ok {
		return nil
	}
	e.logger.Warnf("target %d for query %s rejected: %v", targetID, qv.query.CanonicalID(), cause)

	if err := e.localStore.ReleaseTarget(context.Background(), targetID); err != nil {
		return err
	}
	listeners := qv.listeners
	e.removeView(qv)
	for _, l := range listeners {
		if l.onError != nil {
			l.onError(cause)
		}
	}

	return nil
}

// ApplySuccessfulWrite applies a write acknowledgement. The write's
// callback resolves before snapshots are raised so waiters observe
// their write as acknowledged when the snapshot arrives.
func (e *Engine) ApplySuccessfulWrite(result *mutation.BatchResult) error {
	ctx := context.Background()
	batchID := result.Batch().ID()

	changes, err := e.localStore.AcknowledgeBatch(ctx, result)
	if err != nil {
		return err
	}
	e.resolveWriteCallback(batchID, nil)
	e.triggerPendingWritesCallbacks(batchID)

	return e.emitNewSnapshots(ctx, changes, nil)
}

// RejectFailedWrite applies a write rejection. The batch's local
// effects are rolled back and its callback resolves with the cause.
func (e *Engine) RejectFailedWrite(batchID int64, cause error) error {
	ctx := context.Background()

	changes, err := e.localStore.RejectBatch(ctx, batchID)
	if err != nil {
		return err
	}
	e.resolveWriteCallback(batchID, cause)
	e.triggerPendingWritesCallbacks(batchID)

	return e.emitNewSnapshots(ctx, changes, nil)
}

func (e *Engine) resolveWriteCallback(batchID int64, cause error) {
	if cb, ok := e.writeCallbacks[batchID]; ok {
		delete(e.writeCallbacks, batchID)
		cb(cause)
	}
}

// triggerPendingWritesCallbacks resolves the write barriers registered
// at this batch. Barriers resolve successfully even when the batch was
// rejected: the write is no longer pending either way.
func (e *Engine) triggerPendingWritesCallbacks(batchID int64) {
	for _, cb := range e.pendingWritesCallbacks[batchID] {
		cb(nil)
	}
	delete(e.pendingWritesCallbacks, batchID)
}

// GetRemoteKeysForTarget returns the keys the backend has confirmed for
// the target, used to resume its watch with an expected count.
func (e *Engine) GetRemoteKeysForTarget(targetID int32) map[key.Key]struct{} {
	if resolution, ok := e.activeLimboResolutions[targetID]; ok {
		if resolution.receivedDocument {
			return map[key.Key]struct{}{resolution.key: {}}
		}

		return nil
	}
	if qv, ok := e.queryViewsByTarget[targetID]; ok {
		return qv.view.SyncedKeys()
	}

	return nil
}

// ActiveTargetIDs returns the IDs of the store-allocated targets the
// engine still listens to. Garbage collection must not remove them.
func (e *Engine) ActiveTargetIDs() map[int32]struct{} {
	ids := make(map[int32]struct{}, len(e.queryViewsByTarget))
	for id := range e.queryViewsByTarget {
		ids[id] = struct{}{}
	}

	return ids
}

// LimboDocumentKeys returns the keys of every document currently in
// limbo, resolving or queued. Their cache entries must survive garbage
// collection until the resolution settles them.
func (e *Engine) LimboDocumentKeys() map[key.Key]struct{} {
	keys := make(map[key.Key]struct{}, len(e.limboTargetsByKey)+len(e.enqueuedLimboSet))
	for k := range e.limboTargetsByKey {
		keys[k] = struct{}{}
	}
	for k := range e.enqueuedLimboSet {
		keys[k] = struct{}{}
	}

	return keys
}

// HandleOnlineStateChange downgrades current views to cached while the
// client is offline so listeners are not left waiting on a snapshot
// that cannot arrive.
func (e *Engine) HandleOnlineStateChange(state remote.OnlineState) {
	ctx := context.Background()
	for _, qv := range e.queryViews {
		if snapshot := qv.view.ApplyOnlineStateChange(state); snapshot != nil {
			e.raiseSnapshot(ctx, qv, snapshot)
		}
	}
}

// NextMutationBatch returns the first pending batch after afterBatchID.
func (e *Engine) NextMutationBatch(afterBatchID int64) (*mutation.Batch, error) {
	return e.localStore.NextMutationBatch(context.Background(), afterBatchID)
}

// LastRemoteVersion returns the last snapshot version persisted from
// the watch stream.
func (e *Engine) LastRemoteVersion() (document.Version, error) {
	return e.localStore.LastRemoteVersion(context.Background())
}

// LastStreamToken returns the persisted write stream token.
func (e *Engine) LastStreamToken() ([]byte, error) {
	return e.localStore.LastStreamToken(context.Background())
}

// Shutdown fails every pending write callback and write barrier. The
// writes themselves stay queued in the local store and are sent when a
// client starts again.
func (e *Engine) Shutdown() {
	cause := errors.Unavailable("client is shut down")
	for batchID, cb := range e.writeCallbacks {
		delete(e.writeCallbacks, batchID)
		cb(cause)
	}
	for batchID, cbs := range e.pendingWritesCallbacks {
		delete(e.pendingWritesCallbacks, batchID)
		for _, cb := range cbs {
			cb(cause)
		}
	}
}

// emitNewSnapshots folds changed documents into every view, raises the
// resulting snapshots, and reports the view transitions back to the
// local store. event carries the target changes when the documents came
// from the watch stream.
func (e *Engine) emitNewSnapshots(ctx context.Context, changes map[key.Key]*document.Document, event *remote.RemoteEvent) error {
	var viewChanges []local.ViewChange
	for _, qv := range e.queryViews {
		staged := qv.view.ComputeChanges(changes, nil)
		if staged.NeedsRefill() {
			// The view may have evicted results that are still in the
			// cache. Only re-running the query can find them.
			result, err := e.localStore.ExecuteQuery(ctx, qv.query, false)
			if err != nil {
				return err
			}
			staged = qv.view.ComputeChanges(result.Documents, staged)
		}

		var targetChange *remote.TargetChange
		updateLimbo := true
		if event != nil {
			targetChange = event.TargetChanges[qv.targetID]
			// While a reset is pending the synced keys are in flux, so
			// limbo membership cannot be decided from them.
			if _, pendingReset := event.TargetMismatches[qv.targetID]; pendingReset {
				updateLimbo = false
			}
		}

		snapshot, limboChanges := qv.view.ApplyChanges(staged, targetChange, updateLimbo)
		e.updateTrackedLimbos(qv.targetID, limboChanges)
		if snapshot == nil {
			continue
		}

		viewChanges = append(viewChanges, viewChangeOf(qv.targetID, snapshot))
		e.raiseSnapshot(ctx, qv, snapshot)
	}

	if len(viewChanges) == 0 {
		return nil
	}

	return e.localStore.NotifyLocalViewChanges(ctx, viewChanges)
}

func viewChangeOf(targetID int32, snapshot *Snapshot) local.ViewChange {
	change := local.ViewChange{
		TargetID:  targetID,
		FromCache: snapshot.FromCache,
		Added:     make(map[key.Key]struct{}),
		Removed:   make(map[key.Key]struct{}),
	}
	for _, c := range snapshot.Changes {
		switch c.Type {
		case ChangeAdded:
			change.Added[c.Document.Key()] = struct{}{}
		case ChangeRemoved:
			change.Removed[c.Document.Key()] = struct{}{}
		}
	}

	return change
}

// raiseSnapshot delivers the snapshot to every listener of the view.
// Listeners that fail are detached; when none remain the query is
// stopped.
func (e *Engine) raiseSnapshot(ctx context.Context, qv *queryView, snapshot *Snapshot) {
	kept := qv.listeners[:0]
	for _, l := range qv.listeners {
		if err := l.onSnapshot(snapshot); err != nil {
			e.logger.Warnf("detaching listener %s: %v", l.id, err)
			continue
		}
		kept = append(kept, l)
	}
	for i := len(kept); i < len(qv.listeners); i++ {
		qv.listeners[i] = nil
	}
	qv.listeners = kept

	if len(qv.listeners) == 0 {
		if err := e.stopListening(ctx, qv); err != nil {
			e.logger.Errorf("stopping query %s: %v", qv.query.CanonicalID(), err)
		}
	}
}

// raiseToListener delivers a snapshot to a single listener, detaching
// it on failure the same way raiseSnapshot does.
func (e *Engine) raiseToListener(ctx context.Context, qv *queryView, listener *Listener, snapshot *Snapshot) error {
	if err := listener.onSnapshot(snapshot); err == nil {
		return nil
	}

	return e.Unlisten(ctx, listener)
}

// updateTrackedLimbos starts and stops limbo resolutions as view
// membership changes. A key stays in resolution while any view still
// references it.
func (e *Engine) updateTrackedLimbos(targetID int32, limboChanges []LimboChange) {
	for _, lc := range limboChanges {
		if lc.Added {
			e.limboDocumentRefs.add(lc.Key, targetID)
			e.trackLimboChange(lc.Key)
			continue
		}

		e.limboDocumentRefs.remove(lc.Key, targetID)
		if !e.limboDocumentRefs.containsKey(lc.Key) {
			e.removeLimboTarget(lc.Key)
		}
	}
}

func (e *Engine) trackLimboChange(k key.Key) {
	if _, active := e.limboTargetsByKey[k]; active {
		return
	}
	if _, queued := e.enqueuedLimboSet[k]; queued {
		return
	}
	e.logger.Debugf("new document in limbo: %s", k)
	e.enqueuedLimboKeys = append(e.enqueuedLimboKeys, k)
	e.enqueuedLimboSet[k] = struct{}{}
	e.pumpEnqueuedLimboResolutions()
}

// pumpEnqueuedLimboResolutions starts queued limbo resolutions until
// the concurrency cap is reached.
func (e *Engine) pumpEnqueuedLimboResolutions() {
	for len(e.enqueuedLimboKeys) > 0 && len(e.limboTargetsByKey) < e.maxConcurrentLimboResolutions {
		k := e.enqueuedLimboKeys[0]
		e.enqueuedLimboKeys = e.enqueuedLimboKeys[1:]
		delete(e.enqueuedLimboSet, k)

		q, err := query.New(k.String())
		if err != nil {
			e.logger.Errorf("limbo document key %s does not form a query: %v", k, err)
			continue
		}

		targetID := e.nextLimboTargetID
		e.nextLimboTargetID += 2
		e.activeLimboResolutions[targetID] = &limboResolution{key: k}
		e.limboTargetsByKey[k] = targetID
		e.logger.Debugf("resolving limbo document %s as target %d", k, targetID)

		e.remote.Listen(remote.WatchTarget{
			TargetID: targetID,
			Query:    q,
			Limbo:    true,
		})
	}
}

// removeLimboTarget stops resolving the key, whether it is queued or
// already active.
func (e *Engine) removeLimboTarget(k key.Key) {
	if _, queued := e.enqueuedLimboSet[k]; queued {
		delete(e.enqueuedLimboSet, k)
		for i, queuedKey := range e.enqueuedLimboKeys {
			if queuedKey == k {
				e.enqueuedLimboKeys = append(e.enqueuedLimboKeys[:i], e.enqueuedLimboKeys[i+1:]...)
				break
			}
		}

		return
	}

	targetID, ok := e.limboTargetsByKey[k]
	if !ok {
		return
	}
	e.remote.Unlisten(targetID)
	delete(e.limboTargetsByKey, k)
	delete(e.activeLimboResolutions, targetID)
	e.pumpEnqueuedLimboResolutions()
}
