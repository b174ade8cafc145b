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

package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/wallaby-db/wallaby/auth"
	"github.com/wallaby-db/wallaby/local"
	"github.com/wallaby-db/wallaby/transport"
)

const (
	// DefaultMaxTransactionAttempts is how many times RunTransaction
	// retries a contended transaction before giving up.
	DefaultMaxTransactionAttempts = 5

	// DefaultGCInterval is how often the client collects released
	// targets and orphaned documents.
	DefaultGCInterval = 5 * time.Minute

	// DefaultGCSequenceRetention is how many of the most recently used
	// listen sequence numbers stay protected from collection, so a
	// recently released query can resume from its cached state.
	DefaultGCSequenceRetention = 10

	// DefaultGCReadTimeRetention is how long a cached document revision
	// stays protected from collection after it was last read.
	DefaultGCReadTimeRetention = time.Hour
)

// Option configures Options.
type Option func(*Options)

// Options configures how we set up the client.
type Options struct {
	// Key is the key of the client. It identifies this client instance
	// across restarts. A fresh UUID is generated when left empty.
	Key string

	// TokenSource supplies bearer tokens for the backend streams. Each
	// stream handshake is authenticated with the current token. Defaults
	// to unauthenticated access.
	TokenSource auth.TokenSource

	// Persistence is the local storage backing the client. Defaults to
	// the in-memory database, which loses state on restart.
	Persistence local.Persistence

	// Connector dials the backend streams. Defaults to a WebSocket
	// connector for the base URL.
	Connector transport.Connector

	// Logger is the Logger of the client.
	Logger *zap.Logger

	// MaxConcurrentLimboResolutions bounds how many unverified documents
	// the client checks against the backend at once.
	MaxConcurrentLimboResolutions int

	// MaxWatchStreamFailures is how many consecutive watch stream
	// failures flip the client to the offline state.
	MaxWatchStreamFailures int

	// MaxTransactionAttempts is how many times RunTransaction retries a
	// contended transaction before giving up.
	MaxTransactionAttempts int

	// GCInterval is how often the client collects released targets and
	// orphaned documents. Defaults to DefaultGCInterval.
	GCInterval time.Duration

	// GCSequenceRetention is how many of the most recently used listen
	// sequence numbers stay protected from collection.
	GCSequenceRetention int64

	// GCReadTimeRetention is how long a cached document revision stays
	// protected from collection after it was last read.
	GCReadTimeRetention time.Duration
}

// WithKey configures the key of the client.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = key }
}

// WithTokenSource configures the token source of the client.
func WithTokenSource(source auth.TokenSource) Option {
	return func(o *Options) { o.TokenSource = source }
}

// WithPersistence configures the local storage of the client.
func WithPersistence(p local.Persistence) Option {
	return func(o *Options) { o.Persistence = p }
}

// WithConnector configures how the client dials backend streams.
func WithConnector(c transport.Connector) Option {
	return func(o *Options) { o.Connector = c }
}

// WithLogger configures the Logger of the client.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithMaxConcurrentLimboResolutions configures how many unverified
// documents the client checks against the backend at once.
func WithMaxConcurrentLimboResolutions(n int) Option {
	return func(o *Options) { o.MaxConcurrentLimboResolutions = n }
}

// WithMaxWatchStreamFailures configures how many consecutive watch
// stream failures flip the client to the offline state.
func WithMaxWatchStreamFailures(n int) Option {
	return func(o *Options) { o.MaxWatchStreamFailures = n }
}

// WithMaxTransactionAttempts configures how many times RunTransaction
// retries a contended transaction.
func WithMaxTransactionAttempts(n int) Option {
	return func(o *Options) { o.MaxTransactionAttempts = n }
}

// WithGCInterval configures how often the client collects released
// targets and orphaned documents.
func WithGCInterval(d time.Duration) Option {
	return func(o *Options) { o.GCInterval = d }
}

// WithGCRetention configures how much recently used state garbage
// collection leaves alone: the sequences most recent listen sequence
// numbers and every document read within readTime.
func WithGCRetention(sequences int64, readTime time.Duration) Option {
	return func(o *Options) {
		o.GCSequenceRetention = sequences
		o.GCReadTimeRetention = readTime
	}
}
