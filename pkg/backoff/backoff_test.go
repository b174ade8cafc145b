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

package backoff_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wallaby-db/wallaby/pkg/backoff"
)

// center makes jitter deterministic by always landing in the middle.
func center() float64 { return 0.5 }

func TestBackoff(t *testing.T) {
	t.Run("growth and cap test", func(t *testing.T) {
		b := backoff.New(time.Second, 10*time.Second, backoff.WithRand(center))

		assert.Equal(t, time.Duration(0), b.NextDelay(), "first attempt is immediate")
		assert.Equal(t, time.Second, b.NextDelay())
		assert.Equal(t, 1500*time.Millisecond, b.NextDelay())
		assert.Equal(t, 2250*time.Millisecond, b.NextDelay())

		for i := 0; i < 10; i++ {
			b.NextDelay()
		}
		assert.Equal(t, 10*time.Second, b.NextDelay(), "base delay is capped")
	})

	t.Run("reset on success test", func(t *testing.T) {
		b := backoff.New(time.Second, 10*time.Second, backoff.WithRand(center))
		b.NextDelay()
		b.NextDelay()
		assert.Positive(t, b.Base())

		b.Reset()
		assert.Equal(t, time.Duration(0), b.NextDelay())
	})

	t.Run("reset to max on overload test", func(t *testing.T) {
		b := backoff.New(time.Second, 10*time.Second, backoff.WithRand(center))
		b.ResetToMax()
		assert.Equal(t, 10*time.Second, b.NextDelay())
	})

	t.Run("jitter bounds test", func(t *testing.T) {
		low := backoff.New(time.Second, 10*time.Second, backoff.WithRand(func() float64 { return 0 }))
		high := backoff.New(time.Second, 10*time.Second, backoff.WithRand(func() float64 { return 0.999 }))
		low.NextDelay()
		high.NextDelay()

		d := low.NextDelay()
		assert.Equal(t, 500*time.Millisecond, d, "lowest jitter halves the base")

		d = high.NextDelay()
		assert.InDelta(t, float64(1500*time.Millisecond), float64(d), float64(5*time.Millisecond),
			"highest jitter roughly doubles half the spread")

		noJitter := backoff.New(time.Second, 10*time.Second,
			backoff.WithJitter(0), backoff.WithRand(func() float64 { return 0 }))
		noJitter.NextDelay()
		assert.Equal(t, time.Second, noJitter.NextDelay())
	})
}
