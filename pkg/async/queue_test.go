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

package async_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/pkg/async"
	"github.com/wallaby-db/wallaby/pkg/errors"
)

func TestQueue(t *testing.T) {
	t.Run("tasks run in order test", func(t *testing.T) {
		q := async.NewQueue()
		defer q.Shutdown()

		var got []int
		for i := 0; i < 100; i++ {
			i := i
			q.Enqueue(func() { got = append(got, i) })
		}
		q.Drain()

		assert.Len(t, got, 100)
		for i, v := range got {
			assert.Equal(t, i, v)
		}
	})

	t.Run("tasks enqueued by tasks keep order test", func(t *testing.T) {
		q := async.NewQueue()
		defer q.Shutdown()

		var got []string
		q.Enqueue(func() {
			got = append(got, "outer")
			q.Enqueue(func() { got = append(got, "inner") })
			got = append(got, "outer-end")
		})
		q.Drain()

		assert.Equal(t, []string{"outer", "outer-end", "inner"}, got)
	})

	t.Run("call returns the task result test", func(t *testing.T) {
		q := async.NewQueue()
		defer q.Shutdown()

		v, err := async.Call(context.Background(), q, func() (int, error) {
			return 42, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 42, v)

		_, err = async.Call(context.Background(), q, func() (int, error) {
			return 0, errors.NotFound("nothing here")
		})
		assert.True(t, errors.IsStatus(err, errors.ErrCodeNotFound))
	})

	t.Run("call respects context test", func(t *testing.T) {
		q := async.NewQueue()
		defer q.Shutdown()

		release := make(chan struct{})
		q.Enqueue(func() { <-release })

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := async.Call(ctx, q, func() (int, error) { return 1, nil })
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		close(release)
	})

	t.Run("shutdown drains and rejects test", func(t *testing.T) {
		q := async.NewQueue()

		var ran atomic.Int32
		for i := 0; i < 10; i++ {
			q.Enqueue(func() { ran.Add(1) })
		}
		q.Shutdown()

		assert.Equal(t, int32(10), ran.Load(), "queued tasks finish before shutdown returns")
		assert.True(t, q.IsShutdown())
		assert.False(t, q.Enqueue(func() { ran.Add(1) }))

		_, err := async.Call(context.Background(), q, func() (int, error) { return 1, nil })
		assert.True(t, errors.IsStatus(err, errors.ErrCodeFailedPrecondition))

		q.Shutdown()
	})
}

func TestDelayedTasks(t *testing.T) {
	t.Run("delayed task runs after delay test", func(t *testing.T) {
		q := async.NewQueue()
		defer q.Shutdown()

		done := make(chan struct{})
		q.Schedule(async.TimerIDGarbageCollection, 5*time.Millisecond, func() { close(done) })
		assert.True(t, q.IsScheduled(async.TimerIDGarbageCollection))

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("delayed task did not run")
		}
	})

	t.Run("cancel prevents execution test", func(t *testing.T) {
		q := async.NewQueue()
		defer q.Shutdown()

		var ran atomic.Bool
		task := q.Schedule(async.TimerIDOnlineStateTimeout, 10*time.Millisecond, func() { ran.Store(true) })
		task.Cancel()
		task.Cancel()

		time.Sleep(30 * time.Millisecond)
		q.Drain()
		assert.False(t, ran.Load())
		assert.False(t, q.IsScheduled(async.TimerIDOnlineStateTimeout))
	})

	t.Run("skip delay runs immediately test", func(t *testing.T) {
		q := async.NewQueue()
		defer q.Shutdown()

		var ran atomic.Bool
		task := q.Schedule(async.TimerIDWatchStreamIdle, time.Hour, func() { ran.Store(true) })
		task.SkipDelay()
		q.Drain()

		assert.True(t, ran.Load())
	})

	t.Run("force run executes in scheduled order test", func(t *testing.T) {
		q := async.NewQueue()
		defer q.Shutdown()

		var got []string
		q.Schedule(async.TimerIDWriteStreamIdle, time.Hour, func() { got = append(got, "later") })
		q.Schedule(async.TimerIDWatchStreamIdle, time.Minute, func() { got = append(got, "sooner") })
		q.ForceRunDelayedTasks()

		assert.Equal(t, []string{"sooner", "later"}, got)
	})

	t.Run("non-positive delay enqueues immediately test", func(t *testing.T) {
		q := async.NewQueue()
		defer q.Shutdown()

		var ran atomic.Bool
		q.Schedule(async.TimerIDOnlineStateTimeout, 0, func() { ran.Store(true) })
		q.Drain()
		assert.True(t, ran.Load())
	})
}

func TestRetryableLane(t *testing.T) {
	t.Run("failed head blocks and preserves order test", func(t *testing.T) {
		q := async.NewQueue()
		defer q.Shutdown()

		var got []string
		attempts := 0
		q.EnqueueRetryable(func() error {
			attempts++
			if attempts < 3 {
				return errors.RetryableStorage("transient failure")
			}
			got = append(got, "first")
			return nil
		})
		q.EnqueueRetryable(func() error {
			got = append(got, "second")
			return nil
		})

		for i := 0; i < 4 && len(got) < 2; i++ {
			q.ForceRunDelayedTasks()
		}

		assert.Equal(t, []string{"first", "second"}, got)
		assert.Equal(t, 3, attempts)
	})

	t.Run("successes do not back off test", func(t *testing.T) {
		q := async.NewQueue()
		defer q.Shutdown()

		var ran atomic.Int32
		for i := 0; i < 5; i++ {
			q.EnqueueRetryable(func() error {
				ran.Add(1)
				return nil
			})
		}
		q.Drain()
		q.Drain()

		assert.Eventually(t, func() bool { return ran.Load() == 5 }, time.Second, time.Millisecond)
	})
}
