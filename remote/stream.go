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
	"context"
	goerrors "errors"
	"io"
	"time"

	"github.com/wallaby-db/wallaby/logging"
	"github.com/wallaby-db/wallaby/pkg/async"
	"github.com/wallaby-db/wallaby/pkg/backoff"
	"github.com/wallaby-db/wallaby/pkg/errors"
	"github.com/wallaby-db/wallaby/transport"
)

const (
	// healthyWait is how long a stream must stay open before it counts
	// as healthy. Failures on healthy streams do not invalidate tokens.
	healthyWait = 10 * time.Second

	// idleWait is how long an unused stream stays open before it is
	// closed to free the connection.
	idleWait = time.Minute

	// sendBufferSize bounds the frames queued towards a stalled
	// connection before the stream is declared broken.
	sendBufferSize = 128
)

// CredentialsProvider supplies bearer tokens for backend streams.
type CredentialsProvider interface {
	// Token returns the current token, fetching one if needed. An empty
	// token with nil error means unauthenticated access.
	Token(ctx context.Context) (string, error)

	// Invalidate drops any cached token so the next Token call fetches a
	// fresh one. Streams call it when the backend rejects the token.
	Invalidate()

	// OnChange registers fn to run whenever the active credentials
	// change. Registration is permanent.
	OnChange(fn func())
}

// streamState tracks where a stream is in its lifecycle.
type streamState int

const (
	// streamInitial means the stream has never started or was cleanly
	// stopped and can start without backoff.
	streamInitial streamState = iota

	// streamStarting means token fetch plus dial are in flight.
	streamStarting

	// streamBackoff means the stream waits out a delay before the next
	// attempt.
	streamBackoff

	// streamOpen means the channel is connected and exchanging messages.
	streamOpen

	// streamHealthy means the channel stayed open past the healthy wait.
	streamHealthy

	// streamError means the last attempt failed; the next start performs
	// backoff first.
	streamError
)

// streamHandler receives stream lifecycle callbacks. All callbacks run
// on the operation queue.
type streamHandler[Res any] interface {
	// onStreamOpen fires once the channel is connected, before any
	// message.
	onStreamOpen()

	// onStreamMessage fires per received message. Returning an error
	// tears the stream down with that error.
	onStreamMessage(res *Res) error

	// onStreamClose fires exactly once per established or attempted
	// session, with the terminal error or nil for clean closes.
	onStreamClose(err error)
}

// stream is the shared state machine beneath the watch and write
// streams: token fetch, dial, per-session send and receive loops,
// idle shutdown and exponential backoff between attempts. All methods
// must be called from the operation queue; channel I/O happens on
// helper goroutines that re-enter through the queue with a generation
// check so stale callbacks of a superseded session are dropped.
type stream[Req any, Res any] struct {
	logger      logging.Logger
	queue       *async.Queue
	connector   transport.Connector
	credentials CredentialsProvider
	endpoint    string

	connectTimerID async.TimerID
	idleTimerID    async.TimerID
	healthTimerID  async.TimerID

	backoff *backoff.Backoff
	handler streamHandler[Res]

	state streamState

	// closeCount is the stream generation. Every close increments it;
	// callbacks carrying an older generation are ignored.
	closeCount int

	channel transport.Channel
	sendCh  chan *Req

	idleTask    *async.DelayedTask
	healthTask  *async.DelayedTask
	backoffTask *async.DelayedTask
}

func newStream[Req any, Res any](
	name string,
	queue *async.Queue,
	connector transport.Connector,
	credentials CredentialsProvider,
	endpoint string,
	connectTimerID async.TimerID,
	idleTimerID async.TimerID,
	healthTimerID async.TimerID,
	handler streamHandler[Res],
) *stream[Req, Res] {
	return &stream[Req, Res]{
		logger:         logging.New(name),
		queue:          queue,
		connector:      connector,
		credentials:    credentials,
		endpoint:       endpoint,
		connectTimerID: connectTimerID,
		idleTimerID:    idleTimerID,
		healthTimerID:  healthTimerID,
		backoff:        backoff.NewDefault(),
		handler:        handler,
	}
}

// isStarted reports whether the stream is connecting, waiting to
// reconnect or open.
func (s *stream[Req, Res]) isStarted() bool {
	return s.state == streamStarting || s.state == streamBackoff || s.isOpen()
}

// isOpen reports whether the channel is connected.
func (s *stream[Req, Res]) isOpen() bool {
	return s.state == streamOpen || s.state == streamHealthy
}

// start connects the stream. Starting from the error state waits out
// the backoff delay first.
func (s *stream[Req, Res]) start() {
	if s.state == streamError {
		s.performBackoff()
		return
	}

	s.connect()
}

// stop closes the stream cleanly. The handler still receives
// onStreamClose with a nil error.
func (s *stream[Req, Res]) stop() {
	if s.isStarted() {
		s.close(streamInitial, nil)
	}
}

// inhibitBackoff clears the backoff state so the next start connects
// immediately. Used when the cause of the last failure is known to be
// gone, e.g. after the network came back.
func (s *stream[Req, Res]) inhibitBackoff() {
	s.state = streamInitial
	s.backoff.Reset()
}

// markIdle schedules a clean shutdown unless new messages are sent
// before the idle wait elapses.
func (s *stream[Req, Res]) markIdle() {
	if !s.isOpen() || s.idleTask != nil {
		return
	}

	closeCount := s.closeCount
	s.idleTask = s.queue.Schedule(s.idleTimerID, idleWait, func() {
		s.idleTask = nil
		if s.closeCount == closeCount && s.isOpen() {
			s.close(streamInitial, nil)
		}
	})
}

// send queues one message towards the backend in FIFO order.
func (s *stream[Req, Res]) send(req *Req) {
	if !s.isOpen() {
		return
	}
	s.cancelIdleCheck()

	select {
	case s.sendCh <- req:
	default:
		s.close(streamError, errors.Unavailable("stream send buffer overflow"))
	}
}

func (s *stream[Req, Res]) connect() {
	s.state = streamStarting
	closeCount := s.closeCount

	go func() {
		token, err := s.credentials.Token(context.Background())
		if err == nil {
			var ch transport.Channel
			if ch, err = s.connector.Connect(context.Background(), s.endpoint, token); err == nil {
				s.queue.Enqueue(func() {
					if s.closeCount != closeCount {
						_ = ch.Close()
						return
					}
					s.onChannelOpen(ch)
				})

				return
			}
		}

		s.queue.Enqueue(func() {
			if s.closeCount != closeCount {
				return
			}
			s.close(streamError, err)
		})
	}()
}

func (s *stream[Req, Res]) onChannelOpen(ch transport.Channel) {
	s.state = streamOpen
	s.channel = ch
	s.sendCh = make(chan *Req, sendBufferSize)

	closeCount := s.closeCount
	s.healthTask = s.queue.Schedule(s.healthTimerID, healthyWait, func() {
		s.healthTask = nil
		if s.closeCount == closeCount && s.isOpen() {
			s.state = streamHealthy
		}
	})

	go s.sendLoop(ch, s.sendCh, closeCount)
	go s.receiveLoop(ch, closeCount)

	s.handler.onStreamOpen()
}

// sendLoop writes queued frames until the send channel closes or a
// write fails.
func (s *stream[Req, Res]) sendLoop(ch transport.Channel, sendCh chan *Req, closeCount int) {
	for req := range sendCh {
		if err := ch.Send(req); err != nil {
			s.queue.Enqueue(func() {
				if s.closeCount != closeCount {
					return
				}
				s.close(streamError, err)
			})

			return
		}
	}
}

// receiveLoop reads frames until the channel dies and reports each one
// back on the queue.
func (s *stream[Req, Res]) receiveLoop(ch transport.Channel, closeCount int) {
	for {
		res := new(Res)
		if err := ch.Recv(res); err != nil {
			cause := err
			if goerrors.Is(err, io.EOF) {
				cause = nil
			}
			s.queue.Enqueue(func() {
				if s.closeCount != closeCount {
					return
				}
				s.close(streamError, cause)
			})

			return
		}

		s.queue.Enqueue(func() {
			if s.closeCount != closeCount {
				return
			}
			s.handleMessage(res)
		})
	}
}

func (s *stream[Req, Res]) handleMessage(res *Res) {
	if !s.isOpen() {
		return
	}
	if err := s.handler.onStreamMessage(res); err != nil {
		s.close(streamError, err)
	}
}

func (s *stream[Req, Res]) performBackoff() {
	s.state = streamBackoff
	delay := s.backoff.NextDelay()
	s.logger.Debugf("stream backing off for %s", delay)

	closeCount := s.closeCount
	s.backoffTask = s.queue.Schedule(s.connectTimerID, delay, func() {
		s.backoffTask = nil
		if s.closeCount != closeCount || s.state != streamBackoff {
			return
		}
		s.state = streamInitial
		s.start()
	})
}

// close ends the current session and moves the stream to finalState.
// A final error state steps up the backoff; resource exhaustion jumps
// it to the maximum, and a token rejection before the stream was
// healthy invalidates the cached token.
func (s *stream[Req, Res]) close(finalState streamState, cause error) {
	s.cancelIdleCheck()
	if s.healthTask != nil {
		s.healthTask.Cancel()
		s.healthTask = nil
	}
	if s.backoffTask != nil {
		s.backoffTask.Cancel()
		s.backoffTask = nil
	}

	s.closeCount++

	switch {
	case finalState != streamError:
		s.backoff.Reset()
	case errors.IsStatus(cause, errors.ErrCodeResourceExhausted):
		s.logger.Warnf("stream closed with resource exhausted: %v", cause)
		s.backoff.ResetToMax()
	case errors.IsStatus(cause, errors.ErrCodeUnauthenticated) && s.state != streamHealthy:
		// The token was rejected right away; it is stale rather than
		// merely expired mid-session.
		s.credentials.Invalidate()
	}

	if s.sendCh != nil {
		close(s.sendCh)
		s.sendCh = nil
	}
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}

	s.state = finalState
	s.handler.onStreamClose(cause)
}

func (s *stream[Req, Res]) cancelIdleCheck() {
	if s.idleTask != nil {
		s.idleTask.Cancel()
		s.idleTask = nil
	}
}
