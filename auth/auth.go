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

// Package auth provides token sources that authenticate the client
// against the backend.
package auth

import (
	"context"
	"sync"
)

// TokenSource supplies bearer tokens for backend requests and streams.
type TokenSource interface {
	// Token returns the current token, fetching one if needed. An empty
	// token with nil error means unauthenticated access.
	Token(ctx context.Context) (string, error)

	// Invalidate drops any cached token so the next Token call fetches a
	// fresh one.
	Invalidate()

	// OnChange registers fn to run whenever the active credentials
	// change. Registration is permanent.
	OnChange(fn func())
}

// StaticTokenSource serves a fixed token. An empty token makes the
// client connect unauthenticated.
type StaticTokenSource struct {
	mu        sync.Mutex
	token     string
	listeners []func()
}

// NewStaticTokenSource creates a StaticTokenSource serving the given
// token.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

// Token returns the configured token.
func (s *StaticTokenSource) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.token, nil
}

// Invalidate does nothing. A static token cannot be refreshed.
func (s *StaticTokenSource) Invalidate() {}

// OnChange registers fn to run when SetToken swaps the token.
func (s *StaticTokenSource) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, fn)
}

// SetToken replaces the served token and notifies listeners when the
// token actually changed.
func (s *StaticTokenSource) SetToken(token string) {
	s.mu.Lock()
	if s.token == token {
		s.mu.Unlock()
		return
	}
	s.token = token
	listeners := make([]func(), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
