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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/pkg/async"
)

func TestOnlineStateTracker(t *testing.T) {
	errStream := errors.New("stream broke")

	t.Run("repeated failures flip the state to offline test", func(t *testing.T) {
		queue := async.NewQueue()
		defer queue.Shutdown()

		var states []OnlineState
		tracker := newOnlineStateTracker(queue, 2, func(s OnlineState) {
			states = append(states, s)
		})

		tracker.handleWatchStreamFailure(errStream)
		assert.Equal(t, OnlineStateUnknown, tracker.current())
		assert.Empty(t, states)

		tracker.handleWatchStreamFailure(errStream)
		assert.Equal(t, OnlineStateOffline, tracker.current())
		assert.Equal(t, []OnlineState{OnlineStateOffline}, states)
	})

	t.Run("an online client drops to unknown before offline test", func(t *testing.T) {
		queue := async.NewQueue()
		defer queue.Shutdown()

		var states []OnlineState
		tracker := newOnlineStateTracker(queue, 1, func(s OnlineState) {
			states = append(states, s)
		})

		tracker.set(OnlineStateOnline)
		tracker.handleWatchStreamFailure(errStream)
		assert.Equal(t, OnlineStateUnknown, tracker.current())

		tracker.handleWatchStreamFailure(errStream)
		assert.Equal(t, []OnlineState{OnlineStateOnline, OnlineStateUnknown, OnlineStateOffline}, states)
	})

	t.Run("going online resets the failure count test", func(t *testing.T) {
		queue := async.NewQueue()
		defer queue.Shutdown()

		tracker := newOnlineStateTracker(queue, 2, func(OnlineState) {})

		tracker.handleWatchStreamFailure(errStream)
		tracker.set(OnlineStateOnline)

		// The earlier failure no longer counts toward the limit.
		tracker.handleWatchStreamFailure(errStream)
		assert.Equal(t, OnlineStateUnknown, tracker.current())

		tracker.handleWatchStreamFailure(errStream)
		assert.Equal(t, OnlineStateUnknown, tracker.current())

		tracker.handleWatchStreamFailure(errStream)
		assert.Equal(t, OnlineStateOffline, tracker.current())
	})
}
