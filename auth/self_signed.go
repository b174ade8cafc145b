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

package auth

import (
	"context"
	"sync"
	"time"
)

// SelfSignedTokenSource mints its own tokens with a TokenManager. It is
// meant for development and test deployments where the client holds the
// signing secret.
type SelfSignedTokenSource struct {
	manager  *TokenManager
	username string

	mu      sync.Mutex
	token   string
	staleAt time.Time
}

// NewSelfSignedTokenSource creates a SelfSignedTokenSource minting
// tokens for the given user.
func NewSelfSignedTokenSource(manager *TokenManager, username string) *SelfSignedTokenSource {
	return &SelfSignedTokenSource{
		manager:  manager,
		username: username,
	}
}

// Token returns the cached token, minting a new one when none is cached
// or the cached one is close to expiry. A token handed to a dialing
// stream must stay valid through the handshake, so tokens are treated
// as stale at three quarters of their lifetime.
func (s *SelfSignedTokenSource) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.staleAt) {
		return s.token, nil
	}

	token, err := s.manager.Generate(s.username)
	if err != nil {
		return "", err
	}
	s.token = token
	lifetime := s.manager.tokenDuration
	s.staleAt = time.Now().Add(lifetime - lifetime/4)

	return token, nil
}

// Invalidate drops the cached token. The next Token call mints a fresh
// one.
func (s *SelfSignedTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = ""
	s.staleAt = time.Time{}
}

// OnChange registers fn to run when the credentials change. The signing
// secret and user of a self-signed source are fixed, so fn never runs.
func (s *SelfSignedTokenSource) OnChange(fn func()) {}
