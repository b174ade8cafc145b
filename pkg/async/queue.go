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

// Package async provides the operation queue every stateful component
// runs on. All local store, sync engine and remote store work is executed
// by a single goroutine, so none of those components lock; user facing
// calls hop onto the queue and wait for their result.
package async

import (
	"context"
	"sync"
	"time"

	"github.com/wallaby-db/wallaby/logging"
	"github.com/wallaby-db/wallaby/pkg/backoff"
	"github.com/wallaby-db/wallaby/pkg/errors"
	"github.com/wallaby-db/wallaby/pkg/pq"
)

// TimerID labels a delayed task so tests and owners can find it.
type TimerID string

// Timer IDs of the delayed tasks the client schedules.
const (
	TimerIDWatchStreamConnection TimerID = "watch_stream_connection_backoff"
	TimerIDWriteStreamConnection TimerID = "write_stream_connection_backoff"
	TimerIDWatchStreamIdle       TimerID = "watch_stream_idle"
	TimerIDWriteStreamIdle       TimerID = "write_stream_idle"
	TimerIDWatchStreamHealth     TimerID = "watch_stream_health"
	TimerIDWriteStreamHealth     TimerID = "write_stream_health"
	TimerIDOnlineStateTimeout    TimerID = "online_state_timeout"
	TimerIDRetryableQueue        TimerID = "retryable_queue_retry"
	TimerIDGarbageCollection     TimerID = "garbage_collection"
	TimerIDTransactionRetry      TimerID = "transaction_retry"
)

type delayedState int

const (
	delayedPending delayedState = iota
	delayedFired
	delayedCanceled
)

// DelayedTask is a task scheduled to run after a delay. Its owner may
// cancel it or skip the remaining delay.
type DelayedTask struct {
	queue *Queue
	id    TimerID
	runAt time.Time
	seq   int64
	fn    func()
	timer *time.Timer
	state delayedState
	item  *pq.Item[*DelayedTask]
}

// ID returns the timer ID of this task.
func (t *DelayedTask) ID() TimerID {
	return t.id
}

// Cancel drops the task if it has not started running yet.
func (t *DelayedTask) Cancel() {
	q := t.queue

	q.mu.Lock()
	defer q.mu.Unlock()

	if t.state != delayedPending {
		return
	}
	t.timer.Stop()
	t.state = delayedCanceled
	q.delayed.Remove(t.item)
}

// SkipDelay runs the task as soon as the queue gets to it instead of
// waiting out the remaining delay.
func (t *DelayedTask) SkipDelay() {
	q := t.queue

	q.mu.Lock()
	defer q.mu.Unlock()

	if t.state != delayedPending {
		return
	}
	t.timer.Stop()
	q.delayed.Remove(t.item)
	q.fire(t)
}

// Queue is a single goroutine task executor with FIFO ordering,
// cancellable delayed tasks and a retrying lane for operations that may
// fail transiently.
type Queue struct {
	logger logging.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	tasks      []func()
	delayed    *pq.PriorityQueue[*DelayedTask]
	retryables []func() error
	seq        int64
	closed     bool

	retryBackoff *backoff.Backoff
	done         chan struct{}
}

// NewQueue creates a queue and starts its goroutine.
func NewQueue() *Queue {
	q := &Queue{
		logger: logging.New("queue"),
		delayed: pq.New[*DelayedTask](func(a, b *DelayedTask) bool {
			if !a.runAt.Equal(b.runAt) {
				return a.runAt.Before(b.runAt)
			}
			return a.seq < b.seq
		}),
		retryBackoff: backoff.NewDefault(),
		done:         make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()

	return q
}

func (q *Queue) loop() {
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			close(q.done)

			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		task()
	}
}

// Enqueue appends a task to run after everything already queued. It
// reports false when the queue is shut down, in which case the task is
// dropped.
func (q *Queue) Enqueue(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()

	return true
}

// Schedule runs fn after the given delay. A non-positive delay enqueues
// immediately. It returns nil when the queue is shut down.
func (q *Queue) Schedule(id TimerID, delay time.Duration, fn func()) *DelayedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.seq++
	t := &DelayedTask{
		queue: q,
		id:    id,
		runAt: time.Now().Add(delay),
		seq:   q.seq,
		fn:    fn,
	}
	if delay <= 0 {
		t.state = delayedFired
		q.tasks = append(q.tasks, fn)
		q.cond.Signal()

		return t
	}

	t.item = q.delayed.Push(t)
	t.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		if t.state != delayedPending {
			return
		}
		q.delayed.Remove(t.item)
		q.fire(t)
	})

	return t
}

// fire moves a delayed task into the FIFO. Callers hold q.mu.
func (q *Queue) fire(t *DelayedTask) {
	t.state = delayedFired
	if q.closed {
		return
	}
	q.tasks = append(q.tasks, t.fn)
	q.cond.Signal()
}

// IsScheduled reports whether a pending delayed task carries the given
// timer ID.
func (q *Queue) IsScheduled(id TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.delayed.Values() {
		if t.id == id {
			return true
		}
	}

	return false
}

// EnqueueRetryable appends an operation to the retrying lane. Operations
// in the lane run in order; a failing head is retried with backoff and
// blocks the operations behind it, preserving their order.
func (q *Queue) EnqueueRetryable(fn func() error) bool {
	return q.Enqueue(func() {
		q.mu.Lock()
		q.retryables = append(q.retryables, fn)
		first := len(q.retryables) == 1
		q.mu.Unlock()

		if first {
			q.runNextRetryable()
		}
	})
}

// runNextRetryable runs on the queue goroutine.
func (q *Queue) runNextRetryable() {
	q.mu.Lock()
	if len(q.retryables) == 0 || q.closed {
		q.mu.Unlock()

		return
	}
	fn := q.retryables[0]
	q.mu.Unlock()

	if err := fn(); err != nil {
		delay := q.retryBackoff.NextDelay()
		q.logger.Warnf("RETRY: operation failed, next attempt in %s: %v", delay, err)
		q.Schedule(TimerIDRetryableQueue, delay, q.runNextRetryable)

		return
	}

	q.retryBackoff.Reset()
	q.mu.Lock()
	q.retryables = q.retryables[1:]
	more := len(q.retryables) > 0
	q.mu.Unlock()

	if more {
		q.Enqueue(q.runNextRetryable)
	}
}

// ForceRunDelayedTasks cancels every pending delay and runs the tasks in
// their scheduled order. Tests use it to step through timers without
// waiting. It blocks until the tasks have run and must not be called from
// the queue goroutine.
func (q *Queue) ForceRunDelayedTasks() {
	q.mu.Lock()
	for {
		t, ok := q.delayed.Pop()
		if !ok {
			break
		}
		if t.state != delayedPending {
			continue
		}
		t.timer.Stop()
		q.fire(t)
	}
	q.mu.Unlock()

	q.Drain()
}

// Drain blocks until every task enqueued so far has run. It must not be
// called from the queue goroutine.
func (q *Queue) Drain() {
	done := make(chan struct{})
	if !q.Enqueue(func() { close(done) }) {
		return
	}
	<-done
}

// Shutdown stops accepting tasks, cancels pending delays, drains the
// remaining FIFO and waits for the goroutine to exit. It is idempotent
// and must not be called from the queue goroutine.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done

		return
	}
	q.closed = true
	for {
		t, ok := q.delayed.Pop()
		if !ok {
			break
		}
		if t.state == delayedPending {
			t.timer.Stop()
			t.state = delayedCanceled
		}
	}
	q.retryables = nil
	q.cond.Signal()
	q.mu.Unlock()

	<-q.done
}

// IsShutdown reports whether Shutdown was called.
func (q *Queue) IsShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.closed
}

// Call runs fn on the queue and returns its result. It is how user
// goroutines read or write state owned by the queue. The context guards
// only the wait; a task already queued runs regardless.
func Call[T any](ctx context.Context, q *Queue, fn func() (T, error)) (T, error) {
	var zero T

	type result struct {
		v   T
		err error
	}
	resCh := make(chan result, 1)
	ok := q.Enqueue(func() {
		v, err := fn()
		resCh <- result{v: v, err: err}
	})
	if !ok {
		return zero, errors.FailedPrecond("operation queue is shut down")
	}

	select {
	case r := <-resCh:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
