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

// Package field provides the value model of documents. A document's data
// is an Object, a map of field names to Values. Value is a closed union
// over the types the database can store and order.
package field

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wallaby-db/wallaby/pkg/errors"
)

// Kind identifies the type held by a Value.
type Kind int

// The kinds of values a document field can hold. The declaration order of
// the comparable kinds is also their cross-type sort order.
const (
	KindInvalid Kind = iota
	KindNull
	KindBoolean
	KindInteger
	KindDouble
	KindTimestamp
	KindServerTimestamp
	KindString
	KindBytes
	KindArray
	KindMap
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBoolean:
		return "boolean"
	case KindInteger:
		return "integer"
	case KindDouble:
		return "double"
	case KindTimestamp:
		return "timestamp"
	case KindServerTimestamp:
		return "server_timestamp"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is a single field value. The zero Value has KindInvalid and is
// returned by lookups of absent fields. Values are treated as immutable;
// use Clone before mutating nested arrays or maps.
type Value struct {
	kind Kind
	num  int64
	dbl  float64
	str  string
	raw  []byte
	t    time.Time
	arr  []Value
	obj  map[string]Value
	prev *Value
}

// Null returns the null value.
func Null() Value {
	return Value{kind: KindNull}
}

// Boolean returns a boolean value.
func Boolean(b bool) Value {
	v := Value{kind: KindBoolean}
	if b {
		v.num = 1
	}

	return v
}

// Integer returns a 64-bit integer value.
func Integer(i int64) Value {
	return Value{kind: KindInteger, num: i}
}

// Double returns a 64-bit floating point value.
func Double(f float64) Value {
	return Value{kind: KindDouble, dbl: f}
}

// String returns a string value.
func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// Bytes returns a byte string value. The given slice is copied.
func Bytes(b []byte) Value {
	raw := make([]byte, len(b))
	copy(raw, b)

	return Value{kind: KindBytes, raw: raw}
}

// Timestamp returns a timestamp value. Timestamps are stored in UTC with
// microsecond precision, matching the precision of document versions.
func Timestamp(t time.Time) Value {
	return Value{kind: KindTimestamp, t: t.UTC().Truncate(time.Microsecond)}
}

// Array returns an array value holding the given elements.
func Array(elems ...Value) Value {
	arr := make([]Value, len(elems))
	copy(arr, elems)

	return Value{kind: KindArray, arr: arr}
}

// Map returns a map value holding the given fields.
func Map(fields map[string]Value) Value {
	obj := make(map[string]Value, len(fields))
	for k, v := range fields {
		obj[k] = v
	}

	return Value{kind: KindMap, obj: obj}
}

// ServerTimestamp returns the local sentinel for a pending server supplied
// timestamp. localWriteTime is the client clock at write time and prev is
// the field's value before the write, if any. The sentinel is replaced by
// the authoritative timestamp once the write is acknowledged.
func ServerTimestamp(localWriteTime time.Time, prev *Value) Value {
	v := Value{
		kind: KindServerTimestamp,
		t:    localWriteTime.UTC().Truncate(time.Microsecond),
	}
	if prev != nil {
		p := prev.Clone()
		v.prev = &p
	}

	return v
}

// Kind returns the kind of this value.
func (v Value) Kind() Kind {
	return v.kind
}

// IsValid returns whether this value holds any kind at all.
func (v Value) IsValid() bool {
	return v.kind != KindInvalid
}

// Bool returns the boolean held by this value, or false for other kinds.
func (v Value) Bool() bool {
	return v.kind == KindBoolean && v.num != 0
}

// Int returns the integer held by this value, or 0 for other kinds.
func (v Value) Int() int64 {
	if v.kind != KindInteger {
		return 0
	}

	return v.num
}

// Float returns the numeric content of this value as a float64. Integers
// are widened so callers can treat integer and double fields uniformly.
func (v Value) Float() float64 {
	switch v.kind {
	case KindInteger:
		return float64(v.num)
	case KindDouble:
		return v.dbl
	default:
		return 0
	}
}

// IsNumber returns whether this value is an integer or a double.
func (v Value) IsNumber() bool {
	return v.kind == KindInteger || v.kind == KindDouble
}

// Text returns the string held by this value, or "" for other kinds.
func (v Value) Text() string {
	if v.kind != KindString {
		return ""
	}

	return v.str
}

// Blob returns the bytes held by this value. The returned slice must not
// be modified.
func (v Value) Blob() []byte {
	return v.raw
}

// Time returns the timestamp held by this value. For server timestamp
// sentinels it returns the local write time.
func (v Value) Time() time.Time {
	return v.t
}

// Elements returns the elements of an array value. The returned slice
// must not be modified.
func (v Value) Elements() []Value {
	return v.arr
}

// Fields returns the fields of a map value. The returned map must not be
// modified.
func (v Value) Fields() map[string]Value {
	return v.obj
}

// Previous returns the value a server timestamp sentinel replaced, or an
// invalid value when there was none.
func (v Value) Previous() Value {
	if v.prev == nil {
		return Value{}
	}

	return *v.prev
}

// Clone returns a deep copy of this value.
func (v Value) Clone() Value {
	switch v.kind {
	case KindBytes:
		return Bytes(v.raw)
	case KindArray:
		arr := make([]Value, len(v.arr))
		for i, e := range v.arr {
			arr[i] = e.Clone()
		}

		return Value{kind: KindArray, arr: arr}
	case KindMap:
		obj := make(map[string]Value, len(v.obj))
		for k, e := range v.obj {
			obj[k] = e.Clone()
		}

		return Value{kind: KindMap, obj: obj}
	case KindServerTimestamp:
		out := Value{kind: KindServerTimestamp, t: v.t}
		if v.prev != nil {
			p := v.prev.Clone()
			out.prev = &p
		}

		return out
	default:
		return v
	}
}

// String returns a canonical textual form of this value. Equal values
// produce equal strings, which query canonicalization relies on.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBoolean:
		return strconv.FormatBool(v.Bool())
	case KindInteger:
		return strconv.FormatInt(v.num, 10)
	case KindDouble:
		return strconv.FormatFloat(v.dbl, 'g', -1, 64)
	case KindTimestamp:
		return v.t.Format(time.RFC3339Nano)
	case KindServerTimestamp:
		return "server_timestamp(" + v.t.Format(time.RFC3339Nano) + ")"
	case KindString:
		return strconv.Quote(v.str)
	case KindBytes:
		return "0x" + hex.EncodeToString(v.raw)
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, e := range v.arr {
			parts[i] = e.String()
		}

		return "[" + strings.Join(parts, ",") + "]"
	case KindMap:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ":" + v.obj[k].String()
		}

		return "{" + strings.Join(parts, ",") + "}"
	default:
		return "invalid"
	}
}

// FromInterface converts plain Go data into a Value. It accepts nil,
// booleans, Go integer and float types, strings, []byte, time.Time,
// []any, map[string]any and Value itself.
func FromInterface(data any) (Value, error) {
	switch d := data.(type) {
	case nil:
		return Null(), nil
	case Value:
		return d.Clone(), nil
	case bool:
		return Boolean(d), nil
	case int:
		return Integer(int64(d)), nil
	case int32:
		return Integer(int64(d)), nil
	case int64:
		return Integer(d), nil
	case float32:
		return Double(float64(d)), nil
	case float64:
		return Double(d), nil
	case string:
		return String(d), nil
	case []byte:
		return Bytes(d), nil
	case time.Time:
		return Timestamp(d), nil
	case []any:
		elems := make([]Value, len(d))
		for i, e := range d {
			v, err := FromInterface(e)
			if err != nil {
				return Value{}, err
			}
			elems[i] = v
		}

		return Value{kind: KindArray, arr: elems}, nil
	case map[string]any:
		obj := make(map[string]Value, len(d))
		for k, e := range d {
			v, err := FromInterface(e)
			if err != nil {
				return Value{}, err
			}
			obj[k] = v
		}

		return Value{kind: KindMap, obj: obj}, nil
	default:
		return Value{}, errors.InvalidArgument(fmt.Sprintf("unsupported field value type %T", data))
	}
}

// Interface converts this value back to plain Go data. Pending server
// timestamps convert to nil since their final value is not known yet.
func (v Value) Interface() any {
	switch v.kind {
	case KindNull, KindServerTimestamp:
		return nil
	case KindBoolean:
		return v.Bool()
	case KindInteger:
		return v.num
	case KindDouble:
		return v.dbl
	case KindTimestamp:
		return v.t
	case KindString:
		return v.str
	case KindBytes:
		raw := make([]byte, len(v.raw))
		copy(raw, v.raw)

		return raw
	case KindArray:
		elems := make([]any, len(v.arr))
		for i, e := range v.arr {
			elems[i] = e.Interface()
		}

		return elems
	case KindMap:
		obj := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			obj[k] = e.Interface()
		}

		return obj
	default:
		return nil
	}
}
