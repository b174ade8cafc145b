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

// Package bloom implements the bloom filter carried by existence filter
// messages. The server encodes the keys of a target into a filter so the
// client can detect deleted documents without refetching the whole
// target.
package bloom

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zeebo/blake3"

	"github.com/wallaby-db/wallaby/pkg/errors"
)

// Filter is a bloom filter over document paths. Bits are addressed least
// significant first within each byte. Membership hashing derives two
// 64-bit values from the first 16 bytes of a BLAKE3 digest and combines
// them with double hashing.
type Filter struct {
	bitmap    []byte
	hashCount int
	bitCount  int
}

// New creates a filter from its wire form: the bitmap, the number of
// unused bits in the last byte and the number of hashes per element.
func New(bitmap []byte, padding, hashCount int) (*Filter, error) {
	if padding < 0 || padding > 7 {
		return nil, errors.InvalidArgument(fmt.Sprintf("invalid bloom filter padding: %d", padding))
	}
	if hashCount < 0 {
		return nil, errors.InvalidArgument(fmt.Sprintf("invalid bloom filter hash count: %d", hashCount))
	}
	if len(bitmap) > 0 && hashCount == 0 {
		return nil, errors.InvalidArgument("invalid bloom filter hash count: 0 with non-empty bitmap")
	}
	if len(bitmap) == 0 && padding != 0 {
		return nil, errors.InvalidArgument(fmt.Sprintf("invalid bloom filter padding on empty bitmap: %d", padding))
	}

	return &Filter{
		bitmap:    bitmap,
		hashCount: hashCount,
		bitCount:  len(bitmap)*8 - padding,
	}, nil
}

// NewOptimal creates an empty filter sized for the expected number of
// entries at the given false positive rate. The sender side of existence
// filters uses it.
func NewOptimal(expectedEntries int64, fpRate float64) *Filter {
	if expectedEntries <= 0 {
		return &Filter{bitmap: []byte{}}
	}

	bits := int(math.Ceil(-float64(expectedEntries) * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	if bits < 1 {
		bits = 1
	}
	hashes := int(math.Round(float64(bits) / float64(expectedEntries) * math.Ln2))
	if hashes < 1 {
		hashes = 1
	}

	return &Filter{
		bitmap:    make([]byte, (bits+7)/8),
		hashCount: hashes,
		bitCount:  bits,
	}
}

// Bitmap returns the raw bitmap of this filter.
func (f *Filter) Bitmap() []byte {
	return f.bitmap
}

// Padding returns the number of unused bits in the last bitmap byte.
func (f *Filter) Padding() int {
	return len(f.bitmap)*8 - f.bitCount
}

// HashCount returns the number of hashes per element.
func (f *Filter) HashCount() int {
	return f.hashCount
}

// BitCount returns the number of addressable bits.
func (f *Filter) BitCount() int {
	return f.bitCount
}

// Insert adds a value to the filter.
func (f *Filter) Insert(value string) {
	if f.bitCount == 0 {
		return
	}

	h1, h2 := hashValue(value)
	for i := 0; i < f.hashCount; i++ {
		idx := bitIndex(h1, h2, uint64(i), uint64(f.bitCount))
		f.bitmap[idx/8] |= 1 << (idx % 8)
	}
}

// MightContain reports whether the value may have been inserted. False
// means definitely absent; true may be a false positive.
func (f *Filter) MightContain(value string) bool {
	if f.bitCount == 0 {
		return false
	}

	h1, h2 := hashValue(value)
	for i := 0; i < f.hashCount; i++ {
		idx := bitIndex(h1, h2, uint64(i), uint64(f.bitCount))
		if f.bitmap[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}

	return true
}

// hashValue splits the first 16 digest bytes into two little-endian
// 64-bit halves.
func hashValue(value string) (uint64, uint64) {
	sum := blake3.Sum256([]byte(value))

	return binary.LittleEndian.Uint64(sum[0:8]), binary.LittleEndian.Uint64(sum[8:16])
}

// bitIndex combines the two halves with double hashing. The arithmetic
// wraps around at 64 bits on purpose.
func bitIndex(h1, h2, i, bitCount uint64) uint64 {
	return (h1 + i*h2) % bitCount
}
