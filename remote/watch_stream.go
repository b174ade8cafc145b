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
	"github.com/wallaby-db/wallaby/api/converter"
	"github.com/wallaby-db/wallaby/api/types"
	"github.com/wallaby-db/wallaby/pkg/async"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/transport"
)

// EndpointListen is the backend endpoint carrying the listen stream.
const EndpointListen = "/listen"

// watchStream multiplexes every listen target over one channel. Target
// additions and removals go out as listen requests; decoded watch
// changes come back through the onChange callback.
type watchStream struct {
	*stream[types.ListenRequest, types.ListenResponse]

	onOpen   func()
	onChange func(change WatchChange, snapshotVersion document.Version) error
	onClose  func(err error)
}

func newWatchStream(
	queue *async.Queue,
	connector transport.Connector,
	credentials CredentialsProvider,
	onOpen func(),
	onChange func(change WatchChange, snapshotVersion document.Version) error,
	onClose func(err error),
) *watchStream {
	s := &watchStream{
		onOpen:   onOpen,
		onChange: onChange,
		onClose:  onClose,
	}
	s.stream = newStream[types.ListenRequest, types.ListenResponse](
		"watchstream",
		queue,
		connector,
		credentials,
		EndpointListen,
		async.TimerIDWatchStreamConnection,
		async.TimerIDWatchStreamIdle,
		async.TimerIDWatchStreamHealth,
		s,
	)

	return s
}

// watch asks the backend to start sending changes for the target.
func (s *watchStream) watch(target WatchTarget) error {
	wireTarget, err := converter.ToTarget(
		target.TargetID,
		target.Query,
		target.ResumeToken,
		target.SnapshotVersion.Time(),
		target.ExpectedCount,
	)
	if err != nil {
		return err
	}
	s.send(&types.ListenRequest{AddTarget: wireTarget})

	return nil
}

// unwatch asks the backend to stop the target.
func (s *watchStream) unwatch(targetID int32) {
	s.send(&types.ListenRequest{RemoveTarget: targetID})
}

func (s *watchStream) onStreamOpen() {
	s.onOpen()
}

func (s *watchStream) onStreamMessage(res *types.ListenResponse) error {
	// Any message on an open stream proves the connection works.
	s.backoff.Reset()

	change, err := DecodeListenResponse(res)
	if err != nil {
		return err
	}

	return s.onChange(change, snapshotVersionFromResponse(res))
}

func (s *watchStream) onStreamClose(err error) {
	s.onClose(err)
}

// snapshotVersionFromResponse extracts the global snapshot version: the
// read time of a target change addressed to every target. Other
// messages return the zero version, meaning no consistent snapshot yet.
func snapshotVersionFromResponse(res *types.ListenResponse) document.Version {
	tc := res.TargetChange
	if tc == nil || len(tc.TargetIDs) > 0 || tc.ReadTime.IsZero() {
		return document.Version{}
	}

	return document.NewVersion(tc.ReadTime)
}
