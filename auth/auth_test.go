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

package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/auth"
	"github.com/wallaby-db/wallaby/remote"
)

func TestTokenManager(t *testing.T) {
	t.Run("token round trip test", func(t *testing.T) {
		manager := auth.NewTokenManager("wallaby-secret", time.Minute)

		token, err := manager.Generate("alice")
		assert.NoError(t, err)
		assert.NotEmpty(t, token)

		claims, err := manager.Verify(token)
		assert.NoError(t, err)
		assert.Equal(t, "alice", claims.Username)
		assert.NotEmpty(t, claims.ID)
	})

	t.Run("expired tokens are rejected test", func(t *testing.T) {
		manager := auth.NewTokenManager("wallaby-secret", -time.Minute)

		token, err := manager.Generate("alice")
		assert.NoError(t, err)

		_, err = manager.Verify(token)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("foreign secrets are rejected test", func(t *testing.T) {
		manager := auth.NewTokenManager("wallaby-secret", time.Minute)
		other := auth.NewTokenManager("other-secret", time.Minute)

		token, err := manager.Generate("alice")
		assert.NoError(t, err)

		_, err = other.Verify(token)
		assert.Error(t, err)
	})

	t.Run("unexpected signing methods are rejected test", func(t *testing.T) {
		manager := auth.NewTokenManager("wallaby-secret", time.Minute)

		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, auth.UserClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
			Username: "alice",
		})
		token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		assert.NoError(t, err)

		_, err = manager.Verify(token)
		assert.ErrorIs(t, err, auth.ErrUnexpectedSigningMethod)
	})
}

func TestStaticTokenSource(t *testing.T) {
	t.Run("static tokens survive invalidation test", func(t *testing.T) {
		src := auth.NewStaticTokenSource("fixed-token")
		var _ remote.CredentialsProvider = src

		token, err := src.Token(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, "fixed-token", token)

		src.Invalidate()

		token, err = src.Token(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, "fixed-token", token)
	})

	t.Run("empty tokens mean unauthenticated access test", func(t *testing.T) {
		src := auth.NewStaticTokenSource("")

		token, err := src.Token(context.Background())
		assert.NoError(t, err)
		assert.Empty(t, token)
	})

	t.Run("token swaps notify listeners test", func(t *testing.T) {
		src := auth.NewStaticTokenSource("first")

		fired := 0
		src.OnChange(func() { fired++ })

		src.SetToken("first")
		assert.Equal(t, 0, fired)

		src.SetToken("second")
		assert.Equal(t, 1, fired)

		token, err := src.Token(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, "second", token)
	})
}

func TestSelfSignedTokenSource(t *testing.T) {
	t.Run("tokens are cached until invalidated test", func(t *testing.T) {
		manager := auth.NewTokenManager("wallaby-secret", time.Minute)
		src := auth.NewSelfSignedTokenSource(manager, "alice")
		var _ remote.CredentialsProvider = src

		first, err := src.Token(context.Background())
		assert.NoError(t, err)

		second, err := src.Token(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, first, second)

		src.Invalidate()

		third, err := src.Token(context.Background())
		assert.NoError(t, err)
		assert.NotEqual(t, first, third)

		claims, err := manager.Verify(third)
		assert.NoError(t, err)
		assert.Equal(t, "alice", claims.Username)
	})

	t.Run("stale tokens are replaced test", func(t *testing.T) {
		manager := auth.NewTokenManager("wallaby-secret", 40*time.Millisecond)
		src := auth.NewSelfSignedTokenSource(manager, "alice")

		first, err := src.Token(context.Background())
		assert.NoError(t, err)

		time.Sleep(60 * time.Millisecond)

		second, err := src.Token(context.Background())
		assert.NoError(t, err)
		assert.NotEqual(t, first, second)
	})
}
