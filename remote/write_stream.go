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
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/pkg/errors"
	"github.com/wallaby-db/wallaby/transport"
)

// EndpointWrite is the backend endpoint carrying the write stream.
const EndpointWrite = "/write"

// writeStream commits mutation batches in order. Every session starts
// with a handshake carrying the persisted stream token and no writes;
// only after the backend answers may batches flow.
type writeStream struct {
	*stream[types.WriteRequest, types.WriteResponse]

	// handshakeComplete reports whether the current session finished its
	// handshake. It resets on every start.
	handshakeComplete bool

	// streamToken is the token to attach to the next request. Seeded
	// from persistence before the handshake, then updated from every
	// response.
	streamToken []byte

	onOpen      func()
	onHandshake func() error
	onResponse  func(commitVersion document.Version, results []mutation.Result, streamToken []byte) error
	onClose     func(err error)
}

func newWriteStream(
	queue *async.Queue,
	connector transport.Connector,
	credentials CredentialsProvider,
	onOpen func(),
	onHandshake func() error,
	onResponse func(commitVersion document.Version, results []mutation.Result, streamToken []byte) error,
	onClose func(err error),
) *writeStream {
	s := &writeStream{
		onOpen:      onOpen,
		onHandshake: onHandshake,
		onResponse:  onResponse,
		onClose:     onClose,
	}
	s.stream = newStream[types.WriteRequest, types.WriteResponse](
		"writestream",
		queue,
		connector,
		credentials,
		EndpointWrite,
		async.TimerIDWriteStreamConnection,
		async.TimerIDWriteStreamIdle,
		async.TimerIDWriteStreamHealth,
		s,
	)

	return s
}

// start resets the session state and connects.
func (s *writeStream) start(streamToken []byte) {
	s.handshakeComplete = false
	s.streamToken = streamToken
	s.stream.start()
}

// writeHandshake sends the session opener: the prior stream token and
// no writes.
func (s *writeStream) writeHandshake() {
	s.send(&types.WriteRequest{StreamToken: s.streamToken})
}

// writeMutations sends one batch. The handshake must have completed.
func (s *writeStream) writeMutations(mutations []mutation.Mutation) error {
	writes, err := converter.ToWrites(mutations)
	if err != nil {
		return err
	}
	s.send(&types.WriteRequest{StreamToken: s.streamToken, Writes: writes})

	return nil
}

func (s *writeStream) onStreamOpen() {
	s.onOpen()
}

func (s *writeStream) onStreamMessage(res *types.WriteResponse) error {
	// Every response carries the token that must accompany the next
	// request.
	s.streamToken = res.StreamToken

	if !s.handshakeComplete {
		if len(res.WriteResults) > 0 {
			return errors.Internal("write handshake response carried write results")
		}
		s.handshakeComplete = true

		return s.onHandshake()
	}

	// A write response past the handshake proves the backend accepted
	// our writes and token.
	s.backoff.Reset()

	commit := document.NewVersion(res.CommitTime)
	results, err := converter.FromWriteResults(res.WriteResults, commit)
	if err != nil {
		return err
	}

	return s.onResponse(commit, results, res.StreamToken)
}

func (s *writeStream) onStreamClose(err error) {
	s.onClose(err)
}
