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

package field

import (
	"bytes"
	"math"
	"sort"
	"strings"
)

// TypeOrder returns the cross-type sort position of a kind. Integers and
// doubles share one position so that numbers order by numeric value.
func TypeOrder(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindBoolean:
		return 1
	case KindInteger, KindDouble:
		return 2
	case KindTimestamp:
		return 3
	case KindServerTimestamp:
		return 4
	case KindString:
		return 5
	case KindBytes:
		return 6
	case KindArray:
		return 7
	case KindMap:
		return 8
	default:
		return -1
	}
}

// Compare gives a total order over all values. Values of different types
// order by TypeOrder; values of the same type order by their content. NaN
// sorts before every other number and equal to itself.
func Compare(a, b Value) int {
	at, bt := TypeOrder(a.kind), TypeOrder(b.kind)
	if at != bt {
		return compareInts(int64(at), int64(bt))
	}

	switch a.kind {
	case KindNull:
		return 0
	case KindBoolean:
		return compareInts(a.num, b.num)
	case KindInteger, KindDouble:
		return compareNumbers(a, b)
	case KindTimestamp, KindServerTimestamp:
		return a.t.Compare(b.t)
	case KindString:
		return strings.Compare(a.str, b.str)
	case KindBytes:
		return bytes.Compare(a.raw, b.raw)
	case KindArray:
		return compareArrays(a.arr, b.arr)
	case KindMap:
		return compareMaps(a.obj, b.obj)
	default:
		return 0
	}
}

func compareInts(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareNumbers(a, b Value) int {
	if a.kind == KindInteger && b.kind == KindInteger {
		return compareInts(a.num, b.num)
	}

	af, bf := a.Float(), b.Float()
	switch {
	case math.IsNaN(af) && math.IsNaN(bf):
		return 0
	case math.IsNaN(af):
		return -1
	case math.IsNaN(bf):
		return 1
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func compareArrays(a, b []Value) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}

	return compareInts(int64(len(a)), int64(len(b)))
}

// compareMaps orders maps by their sorted entries, comparing keys before
// values and shorter maps before longer ones sharing a prefix.
func compareMaps(a, b map[string]Value) int {
	ak, bk := sortedKeys(a), sortedKeys(b)
	for i := 0; i < len(ak) && i < len(bk); i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := Compare(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}

	return compareInts(int64(len(ak)), int64(len(bk)))
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// Equal reports deep equality of two values. Unlike Compare it never
// treats an integer as equal to a double, so changing 1 to 1.0 counts as
// a document change. NaN equals NaN.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}

	switch a.kind {
	case KindInvalid, KindNull:
		return true
	case KindBoolean, KindInteger:
		return a.num == b.num
	case KindDouble:
		return math.Float64bits(a.dbl) == math.Float64bits(b.dbl)
	case KindTimestamp:
		return a.t.Equal(b.t)
	case KindServerTimestamp:
		if !a.t.Equal(b.t) {
			return false
		}
		switch {
		case a.prev == nil && b.prev == nil:
			return true
		case a.prev == nil || b.prev == nil:
			return false
		default:
			return Equal(*a.prev, *b.prev)
		}
	case KindString:
		return a.str == b.str
	case KindBytes:
		return bytes.Equal(a.raw, b.raw)
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}

		return true
	case KindMap:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, av := range a.obj {
			bv, ok := b.obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}

		return true
	default:
		return false
	}
}
