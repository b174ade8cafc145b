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
	"time"

	"github.com/wallaby-db/wallaby/logging"
	"github.com/wallaby-db/wallaby/pkg/async"
)

// OnlineState describes whether the client can reach the backend.
// Listeners use it to flag snapshots as served from cache.
type OnlineState int

const (
	// OnlineStateUnknown means no conclusion yet: the client just
	// started, just enabled the network or is between attempts.
	OnlineStateUnknown OnlineState = iota

	// OnlineStateOnline means the backend answered on the watch stream.
	OnlineStateOnline

	// OnlineStateOffline means enough consecutive stream failures
	// happened that snapshots should be served from cache.
	OnlineStateOffline
)

// String returns the name of the state.
func (s OnlineState) String() string {
	switch s {
	case OnlineStateUnknown:
		return "unknown"
	case OnlineStateOnline:
		return "online"
	case OnlineStateOffline:
		return "offline"
	default:
		return "invalid"
	}
}

const (
	// DefaultMaxWatchStreamFailures is how many consecutive watch stream
	// failures flip the state to offline.
	DefaultMaxWatchStreamFailures = 1

	// onlineStateTimeout flips an unanswered connection attempt to
	// offline so listeners get cached results instead of hanging.
	onlineStateTimeout = 10 * time.Second
)

// onlineStateTracker derives the online state from watch stream
// activity. It runs on the operation queue.
type onlineStateTracker struct {
	logger logging.Logger
	queue  *async.Queue

	state       OnlineState
	maxFailures int
	failures    int
	timeoutTask *async.DelayedTask

	// warnedOffline dedupes the offline warning until the client gets
	// back online.
	warnedOffline bool

	onChange func(state OnlineState)
}

func newOnlineStateTracker(queue *async.Queue, maxFailures int, onChange func(state OnlineState)) *onlineStateTracker {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxWatchStreamFailures
	}

	return &onlineStateTracker{
		logger:      logging.New("onlinestate"),
		queue:       queue,
		maxFailures: maxFailures,
		onChange:    onChange,
	}
}

// handleWatchStreamStart arms the offline timeout when a connection
// attempt begins without a verdict yet.
func (t *onlineStateTracker) handleWatchStreamStart() {
	if t.state != OnlineStateUnknown || t.timeoutTask != nil {
		return
	}

	t.timeoutTask = t.queue.Schedule(async.TimerIDOnlineStateTimeout, onlineStateTimeout, func() {
		t.timeoutTask = nil
		if t.state == OnlineStateUnknown {
			t.warnOffline("backend did not answer within %s", onlineStateTimeout)
			t.updateState(OnlineStateOffline)
		}
	})
}

// handleWatchStreamFailure counts a failed session. An online client
// drops to unknown first; repeated failures from there go offline.
func (t *onlineStateTracker) handleWatchStreamFailure(err error) {
	if t.state == OnlineStateOnline {
		t.updateState(OnlineStateUnknown)

		return
	}

	t.failures++
	if t.failures >= t.maxFailures {
		t.clearTimeout()
		t.warnOffline("watch stream failed %d times: %v", t.failures, err)
		t.updateState(OnlineStateOffline)
	}
}

// set forces the state, clearing failure counters and pending timeouts.
// The remote store uses it for verdicts that do not come from failures:
// a received message, a disabled network.
func (t *onlineStateTracker) set(state OnlineState) {
	t.clearTimeout()
	t.failures = 0
	if state == OnlineStateOnline {
		t.warnedOffline = false
	}
	t.updateState(state)
}

func (t *onlineStateTracker) current() OnlineState {
	return t.state
}

func (t *onlineStateTracker) updateState(state OnlineState) {
	if state == t.state {
		return
	}
	t.state = state
	t.onChange(state)
}

func (t *onlineStateTracker) clearTimeout() {
	if t.timeoutTask != nil {
		t.timeoutTask.Cancel()
		t.timeoutTask = nil
	}
}

func (t *onlineStateTracker) warnOffline(format string, args ...any) {
	if t.warnedOffline {
		return
	}
	t.warnedOffline = true
	t.logger.Warnf("client is offline: "+format, args...)
}
