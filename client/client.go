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

// Package client provides the user-facing handle of a Wallaby database.
// A client reads and writes documents through a local store that works
// offline, listens to queries for live snapshots, and keeps the local
// state synchronized with the backend over resilient streams.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wallaby-db/wallaby/auth"
	"github.com/wallaby-db/wallaby/engine"
	"github.com/wallaby-db/wallaby/internal/validation"
	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/local/memory"
	"github.com/wallaby-db/wallaby/logging"
	"github.com/wallaby-db/wallaby/pkg/async"
	"github.com/wallaby-db/wallaby/pkg/cmap"
	"github.com/wallaby-db/wallaby/pkg/document"
	"github.com/wallaby-db/wallaby/pkg/document/key"
	"github.com/wallaby-db/wallaby/pkg/document/mutation"
	"github.com/wallaby-db/wallaby/pkg/errors"
	"github.com/wallaby-db/wallaby/query"
	"github.com/wallaby-db/wallaby/remote"
	"github.com/wallaby-db/wallaby/transport"
)

// ErrClientClosed occurs when an operation reaches a client that has
// been closed.
var ErrClientClosed = errors.Unavailable("client is closed")

// gcTimerID names the periodic garbage collection task on the
// operation queue.
const gcTimerID async.TimerID = "client-gc"

// Snapshot is the state of a listened query at one point in time.
type Snapshot = engine.Snapshot

// DocumentChange describes how one document changed between two
// snapshots of the same query.
type DocumentChange = engine.DocumentChange

// ListenResponse carries one snapshot of a listened query, or the
// terminal error that ended the listen.
type ListenResponse struct {
	Snapshot *Snapshot
	Err      error
}

// config carries the validated settings of a client.
type config struct {
	BaseURL                       string        `validate:"required,url"`
	Key                           string        `validate:"required"`
	MaxConcurrentLimboResolutions int           `validate:"min=1"`
	MaxWatchStreamFailures        int           `validate:"min=1"`
	MaxTransactionAttempts        int           `validate:"min=1"`
	GCInterval                    time.Duration `validate:"min=1"`
	GCSequenceRetention           int64         `validate:"min=0"`
	GCReadTimeRetention           time.Duration `validate:"min=0"`
}

// Client is a handle to a Wallaby database. All reads and writes go
// through a local store first, so they work offline; a background sync
// keeps the store consistent with the backend whenever the network
// allows. A client is safe for concurrent use.
type Client struct {
	conf        config
	logger      logging.Logger
	queue       *async.Queue
	persistence local.Persistence
	localStore  *local.Store
	engine      *engine.Engine
	remoteStore *remote.Store
	credentials auth.TokenSource

	subscriptions *cmap.Map[string, *subscription]

	closeMu sync.Mutex
	closed  bool
}

// New creates a client talking to the backend at baseURL and starts its
// network. The returned client is ready for reads, writes and listens,
// online or not.
func New(baseURL string, opts ...Option) (*Client, error) {
	var options Options
	for _, opt := range opts {
		opt(&options)
	}

	conf := config{
		BaseURL:                       baseURL,
		Key:                           options.Key,
		MaxConcurrentLimboResolutions: options.MaxConcurrentLimboResolutions,
		MaxWatchStreamFailures:        options.MaxWatchStreamFailures,
		MaxTransactionAttempts:        options.MaxTransactionAttempts,
		GCInterval:                    options.GCInterval,
		GCSequenceRetention:           options.GCSequenceRetention,
		GCReadTimeRetention:           options.GCReadTimeRetention,
	}
	if conf.Key == "" {
		conf.Key = uuid.New().String()
	}
	if conf.MaxConcurrentLimboResolutions == 0 {
		conf.MaxConcurrentLimboResolutions = engine.DefaultMaxConcurrentLimboResolutions
	}
	if conf.MaxWatchStreamFailures == 0 {
		conf.MaxWatchStreamFailures = remote.DefaultMaxWatchStreamFailures
	}
	if conf.MaxTransactionAttempts == 0 {
		conf.MaxTransactionAttempts = DefaultMaxTransactionAttempts
	}
	if conf.GCInterval == 0 {
		conf.GCInterval = DefaultGCInterval
	}
	if conf.GCSequenceRetention == 0 {
		conf.GCSequenceRetention = DefaultGCSequenceRetention
	}
	if conf.GCReadTimeRetention == 0 {
		conf.GCReadTimeRetention = DefaultGCReadTimeRetention
	}
	if err := validation.ValidateStruct(&conf); err != nil {
		return nil, err
	}

	logger := logging.New("client", logging.NewField("key", conf.Key))
	if options.Logger != nil {
		logger = options.Logger.Sugar().Named("client").With("key", conf.Key)
	}

	persistence := options.Persistence
	if persistence == nil {
		db, err := memory.New()
		if err != nil {
			return nil, err
		}
		persistence = db
	}

	credentials := options.TokenSource
	if credentials == nil {
		credentials = auth.NewStaticTokenSource("")
	}

	connector := options.Connector
	if connector == nil {
		connector = transport.NewWebSocketConnector(conf.BaseURL)
	}

	c := &Client{
		conf:          conf,
		logger:        logger,
		queue:         async.NewQueue(),
		persistence:   persistence,
		credentials:   credentials,
		subscriptions: cmap.New[string, *subscription](),
	}
	c.localStore = local.NewStore(persistence)
	c.engine = engine.New(c.localStore, conf.MaxConcurrentLimboResolutions)
	c.remoteStore = remote.NewStore(c.queue, c.engine, connector, credentials, conf.MaxWatchStreamFailures)
	c.engine.SetRemote(c.remoteStore)

	started := c.queue.Enqueue(func() {
		if err := c.remoteStore.Start(); err != nil {
			c.logger.Warnf("network start failed, staying offline: %v", err)
		}
		c.scheduleGC()
	})
	if !started {
		return nil, ErrClientClosed
	}

	return c, nil
}

// Key returns the key identifying this client instance.
func (c *Client) Key() string {
	return c.conf.Key
}

// Close stops synchronization, detaches every listener, and releases
// the local storage. Pending writes stay queued in the store and go out
// when a client reopens it.
func (c *Client) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()

		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	c.queue.Enqueue(func() {
		c.remoteStore.Shutdown()
		c.engine.Shutdown()
	})
	c.queue.Shutdown()

	c.subscriptions.Range(func(id string, sub *subscription) bool {
		sub.stop()

		return true
	})

	return c.persistence.Close()
}

// Listen starts watching a query and returns a channel of its
// snapshots. The first response replays the current result from the
// local store; later ones follow local writes and backend changes. The
// listen stops when ctx is canceled, and the channel closes after a
// terminal error.
func (c *Client) Listen(ctx context.Context, q query.Query) (<-chan ListenResponse, error) {
	sub := newSubscription()
	listener := engine.NewListener(q,
		func(snapshot *engine.Snapshot) error {
			sub.push(ListenResponse{Snapshot: snapshot})

			return nil
		},
		func(cause error) {
			sub.fail(cause)
		},
	)
	sub.listener = listener

	_, err := async.Call(ctx, c.queue, func() (struct{}, error) {
		return struct{}{}, c.engine.Listen(context.Background(), listener)
	})
	if err != nil {
		sub.stop()

		return nil, err
	}

	c.subscriptions.Set(sub.id, sub)
	go sub.run()
	go c.reapSubscription(ctx, sub)

	return sub.out, nil
}

// reapSubscription tears the subscription down once its context ends or
// the subscription fails on its own.
func (c *Client) reapSubscription(ctx context.Context, sub *subscription) {
	select {
	case <-ctx.Done():
		c.queue.Enqueue(func() {
			if err := c.engine.Unlisten(context.Background(), sub.listener); err != nil {
				c.logger.Warnf("unlisten failed: %v", err)
			}
		})
		sub.stop()
	case <-sub.done:
	}

	c.subscriptions.Delete(sub.id, func(*subscription, bool) bool { return true })
}

// Get returns the current local view of the document at path. The
// returned document reports IsFound false when it does not exist and
// IsValid false when nothing about it is known yet.
func (c *Client) Get(ctx context.Context, path string) (*document.Document, error) {
	k, err := key.FromString(path)
	if err != nil {
		return nil, err
	}

	return async.Call(ctx, c.queue, func() (*document.Document, error) {
		return c.localStore.ReadDocument(context.Background(), k)
	})
}

// WaitForPendingWrites blocks until the backend has acknowledged or
// rejected every write that was pending when it was called. It returns
// immediately when nothing is pending and fails with ctx when the
// caller gives up waiting, typically because the client is offline.
func (c *Client) WaitForPendingWrites(ctx context.Context) error {
	done := make(chan error, 1)
	enqueued := c.queue.Enqueue(func() {
		err := c.engine.RegisterPendingWritesCallback(context.Background(), func(cause error) {
			done <- cause
		})
		if err != nil {
			done <- err
		}
	})
	if !enqueued {
		return ErrClientClosed
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnableNetwork lets the client connect to the backend again after
// DisableNetwork.
func (c *Client) EnableNetwork(ctx context.Context) error {
	_, err := async.Call(ctx, c.queue, func() (struct{}, error) {
		return struct{}{}, c.remoteStore.EnableNetwork()
	})

	return err
}

// DisableNetwork stops all backend traffic. Reads, writes and listens
// keep working against the local store, and queued writes go out once
// the network is enabled again.
func (c *Client) DisableNetwork(ctx context.Context) error {
	_, err := async.Call(ctx, c.queue, func() (struct{}, error) {
		c.remoteStore.DisableNetwork()

		return struct{}{}, nil
	})

	return err
}

// ConfigureFieldIndexes declares the field indexes the local store
// should maintain for query execution. Existing indexes not named are
// dropped.
func (c *Client) ConfigureFieldIndexes(ctx context.Context, specs []local.FieldIndexSpec) error {
	_, err := async.Call(ctx, c.queue, func() (struct{}, error) {
		return struct{}{}, c.localStore.ConfigureFieldIndexes(context.Background(), specs)
	})

	return err
}

// CollectGarbage removes watch targets released long enough ago and
// cached documents nothing references anymore. It also runs
// periodically; calling it directly is only needed to reclaim space
// eagerly.
func (c *Client) CollectGarbage(ctx context.Context) (local.GCStats, error) {
	return async.Call(ctx, c.queue, func() (local.GCStats, error) {
		return c.collectGarbage()
	})
}

// collectGarbage runs one collection cycle on the operation queue.
func (c *Client) collectGarbage() (local.GCStats, error) {
	ctx := context.Background()

	seq, err := c.localStore.HighestListenSequenceNumber(ctx)
	if err != nil {
		return local.GCStats{}, err
	}
	horizon := seq - c.conf.GCSequenceRetention
	readTimeHorizon := document.NewVersion(time.Now().Add(-c.conf.GCReadTimeRetention))

	return c.localStore.CollectGarbage(ctx,
		c.engine.ActiveTargetIDs(), c.engine.LimboDocumentKeys(),
		horizon, readTimeHorizon)
}

// scheduleGC arms the next periodic collection. It reschedules itself
// after every run, so collection keeps pace with a long-lived client.
func (c *Client) scheduleGC() {
	c.queue.Schedule(gcTimerID, c.conf.GCInterval, func() {
		stats, err := c.collectGarbage()
		if err != nil {
			c.logger.Warnf("garbage collection failed: %v", err)
		} else if stats.TargetsRemoved > 0 || stats.DocumentsRemoved > 0 {
			c.logger.Infof("garbage collected %d targets and %d documents",
				stats.TargetsRemoved, stats.DocumentsRemoved)
		}
		c.scheduleGC()
	})
}

// write applies the mutations on the operation queue and returns once
// they are locally visible. ack, when not nil, later receives the
// backend's verdict for the batch.
func (c *Client) write(ctx context.Context, mutations []mutation.Mutation, ack func(error)) error {
	_, err := async.Call(ctx, c.queue, func() (struct{}, error) {
		return struct{}{}, c.engine.Write(context.Background(), mutations, ack)
	})

	return err
}

// subscription pumps snapshots from the operation queue to a consumer
// channel. Listener callbacks run on the queue and must never block, so
// responses are buffered here and delivered by a dedicated goroutine.
type subscription struct {
	id       string
	listener *engine.Listener
	out      chan ListenResponse

	mu        sync.Mutex
	pending   []ListenResponse
	finishing bool
	stopped   bool

	signal chan struct{}
	done   chan struct{}
}

func newSubscription() *subscription {
	return &subscription{
		id:     uuid.New().String(),
		out:    make(chan ListenResponse, 1),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push queues one response for delivery. It never blocks.
func (s *subscription) push(r ListenResponse) {
	s.mu.Lock()
	if s.stopped || s.finishing {
		s.mu.Unlock()

		return
	}
	s.pending = append(s.pending, r)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// fail queues the terminal error and lets the pump drain what came
// before it, then close the channel.
func (s *subscription) fail(cause error) {
	s.mu.Lock()
	if s.stopped || s.finishing {
		s.mu.Unlock()

		return
	}
	s.pending = append(s.pending, ListenResponse{Err: cause})
	s.finishing = true
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// stop ends delivery immediately. Queued responses are dropped.
func (s *subscription) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()

		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.done)
}

// run delivers queued responses in order until the subscription stops
// or, after a terminal error, the backlog is drained.
func (s *subscription) run() {
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				finished := s.finishing
				s.mu.Unlock()
				if finished {
					return
				}

				break
			}
			r := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case s.out <- r:
			case <-s.done:
				return
			}
		}
	}
}
