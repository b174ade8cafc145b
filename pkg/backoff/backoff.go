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

// Package backoff provides the exponential delay policy used when
// reopening streams and retrying transient failures.
package backoff

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultInitial is the base delay after the first failure.
	DefaultInitial = time.Second

	// DefaultMax caps the base delay.
	DefaultMax = 60 * time.Second

	// DefaultFactor grows the base delay per failure.
	DefaultFactor = 1.5

	// DefaultJitter scatters each delay by this fraction of the base in
	// both directions, so clients that failed together do not retry
	// together.
	DefaultJitter = 0.5
)

// Option configures a Backoff.
type Option func(*Backoff)

// WithFactor overrides the growth factor.
func WithFactor(factor float64) Option {
	return func(b *Backoff) { b.factor = factor }
}

// WithJitter overrides the jitter fraction.
func WithJitter(jitter float64) Option {
	return func(b *Backoff) { b.jitter = jitter }
}

// WithRand overrides the jitter randomness source. Tests use it to make
// delays deterministic.
func WithRand(randFloat func() float64) Option {
	return func(b *Backoff) { b.randFloat = randFloat }
}

// Backoff computes retry delays. The first delay after a reset is zero;
// each subsequent delay grows by the factor up to the maximum, with
// jitter applied on top. Backoff is not safe for concurrent use; every
// instance belongs to a single operation queue.
type Backoff struct {
	initial   time.Duration
	max       time.Duration
	factor    float64
	jitter    float64
	base      time.Duration
	randFloat func() float64
}

// New creates a Backoff with the given initial and maximum base delays.
func New(initial, max time.Duration, opts ...Option) *Backoff {
	b := &Backoff{
		initial:   initial,
		max:       max,
		factor:    DefaultFactor,
		jitter:    DefaultJitter,
		randFloat: rand.Float64,
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// NewDefault creates a Backoff with the default policy.
func NewDefault() *Backoff {
	return New(DefaultInitial, DefaultMax)
}

// NextDelay returns the delay to wait before the next attempt and
// advances the base delay.
func (b *Backoff) NextDelay() time.Duration {
	delay := time.Duration(float64(b.base) + b.jitterFor(b.base))
	if delay < 0 {
		delay = 0
	}

	b.base = time.Duration(float64(b.base) * b.factor)
	if b.base < b.initial {
		b.base = b.initial
	}
	if b.base > b.max {
		b.base = b.max
	}

	return delay
}

// Reset restores the immediate-retry state after a success.
func (b *Backoff) Reset() {
	b.base = 0
}

// ResetToMax jumps straight to the maximum base delay. It is used when
// the server signals overload, where fast retries only make things worse.
func (b *Backoff) ResetToMax() {
	b.base = b.max
}

// Base returns the current base delay.
func (b *Backoff) Base() time.Duration {
	return b.base
}

func (b *Backoff) jitterFor(base time.Duration) float64 {
	return (b.randFloat() - 0.5) * b.jitter * 2 * float64(base)
}
