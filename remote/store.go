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
	"github.com/wallaby-db/wallaby/logging"
	"github.com/wallaby-db/wallaby/pkg/async"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/pkg/errors"
	"github.com/wallaby-db/wallaby/query"
	"github.com/wallaby-db/wallaby/transport"
)

// maxPendingWrites caps how many mutation batches ride the write stream
// at once. The rest stay in the mutation queue until a slot frees up.
const maxPendingWrites = 10

// WatchTarget describes one listen target as the backend sees it.
type WatchTarget struct {
	TargetID        int32
	Query           query.Query
	ResumeToken     []byte
	SnapshotVersion document.Version
	ExpectedCount   int32

	// Limbo marks targets allocated to resolve a single document's
	// existence rather than to serve a listener.
	Limbo bool
}

// Syncer is the surface the store drives when remote events arrive. The
// sync engine is the canonical implementation; tests substitute fakes.
type Syncer interface {
	// ApplyRemoteEvent applies a consolidated snapshot to the local
	// store and raises the affected views.
	ApplyRemoteEvent(event *RemoteEvent) error

	// RejectListen handles a target the backend refused to serve.
	RejectListen(targetID int32, cause error) error

	// ApplySuccessfulWrite handles a batch the backend committed.
	ApplySuccessfulWrite(result *mutation.BatchResult) error

	// RejectFailedWrite handles a batch the backend rejected with a
	// permanent error. The batch must not be sent again.
	RejectFailedWrite(batchID int64, cause error) error

	// GetRemoteKeysForTarget returns the keys currently synced to the
	// target.
	GetRemoteKeysForTarget(targetID int32) map[key.Key]struct{}

	// HandleOnlineStateChange fans a connectivity verdict out to every
	// registered view.
	HandleOnlineStateChange(state OnlineState)

	// NextMutationBatch returns the first pending batch after the given
	// batch ID, or nil when the queue holds none.
	NextMutationBatch(afterBatchID int64) (*mutation.Batch, error)

	// LastRemoteVersion returns the version of the last consistent
	// snapshot the local store applied.
	LastRemoteVersion() (document.Version, error)

	// LastStreamToken returns the write stream token persisted with the
	// most recent acknowledgement.
	LastStreamToken() ([]byte, error)
}

// Store keeps the client in sync with the backend over one watch stream
// and one write stream. Every method and callback runs on the operation
// queue; the Store itself holds no locks.
type Store struct {
	logger logging.Logger
	queue  *async.Queue
	syncer Syncer

	watchStream *watchStream
	writeStream *writeStream

	listenTargets map[int32]WatchTarget

	// writePipeline holds the batches currently sent to the backend,
	// oldest first. Acknowledgements arrive in the same order.
	writePipeline []*mutation.Batch

	// aggregator folds the current watch session's messages into remote
	// events. Nil while the stream is down; each session starts fresh.
	aggregator *WatchChangeAggregator

	// networkEnabled is the caller's wish; storageFailed vetoes it while
	// local persistence is unusable.
	networkEnabled bool
	storageFailed  bool

	onlineState *onlineStateTracker
}

// NewStore creates a remote store. maxWatchFailures sets how many
// consecutive watch stream failures flip the client offline; zero means
// the default.
func NewStore(
	queue *async.Queue,
	syncer Syncer,
	connector transport.Connector,
	credentials CredentialsProvider,
	maxWatchFailures int,
) *Store {
	s := &Store{
		logger:        logging.New("remotestore"),
		queue:         queue,
		syncer:        syncer,
		listenTargets: make(map[int32]WatchTarget),
	}
	s.onlineState = newOnlineStateTracker(queue, maxWatchFailures, syncer.HandleOnlineStateChange)
	s.watchStream = newWatchStream(queue, connector, credentials, s.onWatchStreamOpen, s.onWatchChange, s.onWatchStreamClose)
	s.writeStream = newWriteStream(queue, connector, credentials, s.onWriteStreamOpen, s.onWriteHandshakeComplete, s.onMutationResult, s.onWriteStreamClose)

	credentials.OnChange(func() {
		queue.Enqueue(s.handleCredentialChange)
	})

	return s
}

// Start brings the network up.
func (s *Store) Start() error {
	return s.EnableNetwork()
}

// Shutdown tears both streams down. Unlike DisableNetwork it leaves the
// online state at unknown since nobody will observe it anymore.
func (s *Store) Shutdown() {
	s.networkEnabled = false
	s.disableNetworkInternal()
	s.onlineState.set(OnlineStateUnknown)
}

// EnableNetwork lets the streams connect whenever they have work.
func (s *Store) EnableNetwork() error {
	s.networkEnabled = true

	return s.enableNetworkInternal()
}

// DisableNetwork stops both streams and reports offline so listeners
// are served from cache. Pending writes stay queued and go out when the
// network comes back.
func (s *Store) DisableNetwork() {
	s.networkEnabled = false
	s.disableNetworkInternal()
	s.onlineState.set(OnlineStateOffline)
}

func (s *Store) enableNetworkInternal() error {
	if !s.canUseNetwork() {
		return nil
	}

	if s.shouldStartWatchStream() {
		s.startWatchStream()
	} else {
		s.onlineState.set(OnlineStateUnknown)
	}

	return s.FillWritePipeline()
}

func (s *Store) disableNetworkInternal() {
	s.writeStream.stop()
	s.watchStream.stop()

	if len(s.writePipeline) > 0 {
		s.logger.Infof("stopping write stream with %d pending writes", len(s.writePipeline))
	}

	s.cleanUpWatchStreamState()
}

func (s *Store) canUseNetwork() bool {
	return s.networkEnabled && !s.storageFailed
}

// Listen registers interest in a target and starts streaming its
// changes.
func (s *Store) Listen(target WatchTarget) {
	if _, ok := s.listenTargets[target.TargetID]; ok {
		return
	}
	s.listenTargets[target.TargetID] = target

	if s.shouldStartWatchStream() {
		s.startWatchStream()
	} else if s.watchStream.isOpen() {
		s.sendWatchRequest(target)
	}
}

// Unlisten stops streaming the target.
func (s *Store) Unlisten(targetID int32) {
	if _, ok := s.listenTargets[targetID]; !ok {
		return
	}
	delete(s.listenTargets, targetID)

	if s.watchStream.isOpen() {
		s.sendUnwatchRequest(targetID)
	}

	if len(s.listenTargets) == 0 {
		if s.watchStream.isOpen() {
			s.watchStream.markIdle()
		} else if s.canUseNetwork() {
			// With no targets there is no traffic to prove connectivity
			// either way.
			s.onlineState.set(OnlineStateUnknown)
		}
	}
}

// GetRemoteKeysForTarget implements TargetMetadataProvider for the
// aggregator by delegating to the sync engine.
func (s *Store) GetRemoteKeysForTarget(targetID int32) map[key.Key]struct{} {
	return s.syncer.GetRemoteKeysForTarget(targetID)
}

// GetActiveTarget implements TargetMetadataProvider for the aggregator.
func (s *Store) GetActiveTarget(targetID int32) (WatchTarget, bool) {
	target, ok := s.listenTargets[targetID]

	return target, ok
}

func (s *Store) shouldStartWatchStream() bool {
	return s.canUseNetwork() && !s.watchStream.isStarted() && len(s.listenTargets) > 0
}

func (s *Store) startWatchStream() {
	s.aggregator = NewWatchChangeAggregator(s)
	s.watchStream.start()
	s.onlineState.handleWatchStreamStart()
}

func (s *Store) sendWatchRequest(target WatchTarget) {
	s.aggregator.RecordPendingTargetRequest(target.TargetID)

	// A resuming target reports how many documents the client holds so
	// the backend can audit it with an existence filter.
	if len(target.ResumeToken) > 0 || !target.SnapshotVersion.IsZero() {
		target.ExpectedCount = int32(len(s.syncer.GetRemoteKeysForTarget(target.TargetID)))
	}

	s.logger.Debugf("WATCH: %d: listen", target.TargetID)
	if err := s.watchStream.watch(target); err != nil {
		s.logger.Errorf("dropping unencodable target %d: %v", target.TargetID, err)
	}
}

func (s *Store) sendUnwatchRequest(targetID int32) {
	s.aggregator.RecordPendingTargetRequest(targetID)
	s.logger.Debugf("WATCH: %d: unlisten", targetID)
	s.watchStream.unwatch(targetID)
}

func (s *Store) cleanUpWatchStreamState() {
	s.aggregator = nil
}

func (s *Store) onWatchStreamOpen() {
	for _, target := range s.listenTargets {
		s.sendWatchRequest(target)
	}
}

func (s *Store) onWatchStreamClose(err error) {
	s.cleanUpWatchStreamState()

	// A session that should be running died on its own. Count the
	// failure and reconnect; the stream already ran its backoff.
	if s.shouldStartWatchStream() {
		s.onlineState.handleWatchStreamFailure(err)
		s.startWatchStream()

		return
	}
	s.onlineState.set(OnlineStateUnknown)
}

func (s *Store) onWatchChange(change WatchChange, snapshotVersion document.Version) error {
	// Hearing anything from the backend proves the connection works.
	s.onlineState.set(OnlineStateOnline)

	if tc, ok := change.(*WatchTargetChange); ok && tc.State == WatchTargetRemoved && tc.Cause != nil {
		// The backend refused one or more targets. Surface the error
		// without waiting for a consistent snapshot.
		return s.executeWithRecovery(func() error {
			return s.handleTargetError(tc)
		})
	}

	switch c := change.(type) {
	case *DocumentWatchChange:
		s.aggregator.HandleDocumentChange(c)
	case *ExistenceFilterWatchChange:
		s.aggregator.HandleExistenceFilter(c)
	case *WatchTargetChange:
		s.aggregator.HandleTargetChange(c)
	}

	if snapshotVersion.IsZero() {
		return nil
	}

	return s.executeWithRecovery(func() error {
		lastRemoteVersion, err := s.syncer.LastRemoteVersion()
		if err != nil {
			return err
		}
		if snapshotVersion.Compare(lastRemoteVersion) >= 0 {
			// The snapshot version is comprehensive: everything up to
			// it is now consistent, so the batched changes can go out.
			return s.raiseWatchSnapshot(snapshotVersion)
		}

		return nil
	})
}

// handleTargetError removes every target the error names and hands the
// cause to the sync engine.
func (s *Store) handleTargetError(change *WatchTargetChange) error {
	for _, targetID := range change.TargetIDs {
		// The target might have been unlistened already.
		if _, ok := s.listenTargets[targetID]; !ok {
			continue
		}
		delete(s.listenTargets, targetID)
		s.aggregator.RemoveTarget(targetID)

		if err := s.syncer.RejectListen(targetID, change.Cause); err != nil {
			return err
		}
	}

	return nil
}

// raiseWatchSnapshot closes the current aggregation window and applies
// the resulting remote event.
func (s *Store) raiseWatchSnapshot(snapshotVersion document.Version) error {
	event := s.aggregator.CreateRemoteEvent(snapshotVersion)

	// Track fresh resume tokens in memory. The local store persists
	// them while applying the event.
	for targetID, change := range event.TargetChanges {
		if len(change.ResumeToken) == 0 {
			continue
		}
		if target, ok := s.listenTargets[targetID]; ok {
			target.ResumeToken = change.ResumeToken
			target.SnapshotVersion = snapshotVersion
			s.listenTargets[targetID] = target
		}
	}

	// Restart targets whose existence filter did not reconcile. Sending
	// no resume token forces the backend to replay the full result set.
	for targetID := range event.TargetMismatches {
		target, ok := s.listenTargets[targetID]
		if !ok {
			// The target might have been unlistened already.
			continue
		}
		target.ResumeToken = nil
		s.listenTargets[targetID] = target

		s.sendUnwatchRequest(targetID)
		s.sendWatchRequest(WatchTarget{
			TargetID: targetID,
			Query:    target.Query,
			Limbo:    target.Limbo,
		})
	}

	return s.syncer.ApplyRemoteEvent(event)
}

// FillWritePipeline pulls batches from the mutation queue into the
// pipeline until it is full or the queue runs dry. The sync engine
// calls this after every local write and every acknowledgement.
func (s *Store) FillWritePipeline() error {
	lastBatchID := int64(-1)
	if n := len(s.writePipeline); n > 0 {
		lastBatchID = s.writePipeline[n-1].ID()
	}

	for s.canAddToWritePipeline() {
		batch, err := s.syncer.NextMutationBatch(lastBatchID)
		if err != nil {
			if errors.IsRetryable(err) {
				s.disableNetworkUntilRecovery(err)

				return nil
			}

			return err
		}
		if batch == nil {
			if len(s.writePipeline) == 0 {
				s.writeStream.markIdle()
			}
			break
		}

		lastBatchID = batch.ID()
		if err := s.addToWritePipeline(batch); err != nil {
			return err
		}
	}

	if s.shouldStartWriteStream() {
		return s.startWriteStream()
	}

	return nil
}

func (s *Store) canAddToWritePipeline() bool {
	return s.canUseNetwork() && len(s.writePipeline) < maxPendingWrites
}

func (s *Store) addToWritePipeline(batch *mutation.Batch) error {
	s.writePipeline = append(s.writePipeline, batch)
	s.logger.Debugf("WRITE: %d: queued %d mutations", batch.ID(), len(batch.Mutations()))

	if s.writeStream.isOpen() && s.writeStream.handshakeComplete {
		return s.writeStream.writeMutations(batch.Mutations())
	}

	return nil
}

func (s *Store) shouldStartWriteStream() bool {
	return s.canUseNetwork() && !s.writeStream.isStarted() && len(s.writePipeline) > 0
}

func (s *Store) startWriteStream() error {
	token, err := s.syncer.LastStreamToken()
	if err != nil {
		if errors.IsRetryable(err) {
			s.disableNetworkUntilRecovery(err)

			return nil
		}

		return err
	}

	s.writeStream.start(token)

	return nil
}

func (s *Store) onWriteStreamOpen() {
	s.writeStream.writeHandshake()
}

func (s *Store) onWriteHandshakeComplete() error {
	// Send the backlog now that the stream is established.
	for _, batch := range s.writePipeline {
		if err := s.writeStream.writeMutations(batch.Mutations()); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) onMutationResult(commitVersion document.Version, results []mutation.Result, streamToken []byte) error {
	if len(s.writePipeline) == 0 {
		return errors.Internal("write response without a pending batch")
	}

	batch := s.writePipeline[0]
	s.writePipeline = s.writePipeline[1:]
	result := mutation.NewBatchResult(batch, commitVersion, results, streamToken)
	s.logger.Debugf("WRITE: %d: acked at %s", batch.ID(), commitVersion)

	if err := s.executeWithRecovery(func() error {
		return s.syncer.ApplySuccessfulWrite(result)
	}); err != nil {
		return err
	}

	// The acknowledgement freed a pipeline slot.
	return s.FillWritePipeline()
}

func (s *Store) onWriteStreamClose(err error) {
	// A rejected write surfaces as a stream error after the handshake.
	// Transient codes leave the batch in place for the resend.
	if err != nil && s.writeStream.handshakeComplete && len(s.writePipeline) > 0 && isPermanentWriteError(err) {
		s.rejectOldestWrite(err)
	}

	// Rejecting a write refills the pipeline, which may want the stream
	// back up.
	if s.shouldStartWriteStream() {
		if startErr := s.startWriteStream(); startErr != nil {
			s.logger.Errorf("failed to restart write stream: %v", startErr)
		}
	}
}

// rejectOldestWrite drops the batch the backend refused and tells the
// sync engine so callers see the failure.
func (s *Store) rejectOldestWrite(cause error) {
	batch := s.writePipeline[0]
	s.writePipeline = s.writePipeline[1:]

	// The request itself was the problem, not the backend's health, so
	// the next attempt should not wait out a backoff.
	s.writeStream.inhibitBackoff()

	err := s.executeWithRecovery(func() error {
		if rejectErr := s.syncer.RejectFailedWrite(batch.ID(), cause); rejectErr != nil {
			return rejectErr
		}

		return s.FillWritePipeline()
	})
	if err != nil {
		s.logger.Errorf("failed to reject write batch %d: %v", batch.ID(), err)
	}
}

// handleCredentialChange restarts both streams so the next sessions
// carry the new token.
func (s *Store) handleCredentialChange() {
	if !s.canUseNetwork() {
		return
	}
	s.logger.Info("restarting streams for new credentials")

	s.disableNetworkInternal()
	s.onlineState.set(OnlineStateUnknown)

	if err := s.enableNetworkInternal(); err != nil {
		s.logger.Errorf("failed to restart streams: %v", err)
	}
}

// executeWithRecovery runs a storage-dependent operation. A transient
// storage failure takes the client offline until storage recovers
// instead of tearing the streams down over and over.
func (s *Store) executeWithRecovery(op func() error) error {
	err := op()
	if err == nil || !errors.IsRetryable(err) {
		return err
	}
	s.disableNetworkUntilRecovery(err)

	return nil
}

// disableNetworkUntilRecovery raises offline snapshots and probes
// storage through the retryable lane. Once a probe succeeds the network
// comes back up.
func (s *Store) disableNetworkUntilRecovery(cause error) {
	if s.storageFailed {
		return
	}
	s.storageFailed = true
	s.logger.Warnf("going offline until storage recovers: %v", cause)

	s.disableNetworkInternal()
	s.onlineState.set(OnlineStateOffline)

	s.queue.EnqueueRetryable(func() error {
		if _, err := s.syncer.LastRemoteVersion(); err != nil {
			return err
		}
		s.logger.Info("storage recovered, going back online")
		s.storageFailed = false

		return s.enableNetworkInternal()
	})
}

// isPermanentWriteError reports whether resending the write could ever
// succeed. Aborted counts as permanent elsewhere but writes resend on
// it, matching transaction semantics.
func isPermanentWriteError(err error) bool {
	switch errors.StatusOf(err) {
	case errors.ErrCodeInvalidArgument,
		errors.ErrCodeNotFound,
		errors.ErrCodeAlreadyExists,
		errors.ErrCodePermissionDenied,
		errors.ErrCodeFailedPrecondition:
		return true
	default:
		return false
	}
}
