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

// Object is the top-level field map of a document. Unlike Value, an
// Object is mutable; the store hands out clones so callers can edit them
// freely.
type Object map[string]Value

// NewObject creates an empty object.
func NewObject() Object {
	return Object{}
}

// ObjectFromInterface converts a plain map into an Object.
func ObjectFromInterface(data map[string]any) (Object, error) {
	v, err := FromInterface(data)
	if err != nil {
		return nil, err
	}

	return Object(v.Fields()), nil
}

// Get returns the value at the given path and whether it is present.
func (o Object) Get(p Path) (Value, bool) {
	if len(p) == 0 {
		return Value{}, false
	}

	fields := map[string]Value(o)
	for i := 0; i < len(p)-1; i++ {
		next, ok := fields[p[i]]
		if !ok || next.Kind() != KindMap {
			return Value{}, false
		}
		fields = next.Fields()
	}
	v, ok := fields[p[len(p)-1]]

	return v, ok
}

// Set writes the value at the given path, creating intermediate maps and
// overwriting intermediate values of other kinds.
func (o Object) Set(p Path, v Value) {
	if len(p) == 0 {
		return
	}

	fields := map[string]Value(o)
	for i := 0; i < len(p)-1; i++ {
		next, ok := fields[p[i]]
		if !ok || next.Kind() != KindMap {
			next = Value{kind: KindMap, obj: map[string]Value{}}
			fields[p[i]] = next
		}
		fields = next.Fields()
	}
	fields[p[len(p)-1]] = v
}

// Delete removes the value at the given path. Missing paths are ignored.
func (o Object) Delete(p Path) {
	if len(p) == 0 {
		return
	}

	fields := map[string]Value(o)
	for i := 0; i < len(p)-1; i++ {
		next, ok := fields[p[i]]
		if !ok || next.Kind() != KindMap {
			return
		}
		fields = next.Fields()
	}
	delete(fields, p[len(p)-1])
}

// Clone returns a deep copy of this object.
func (o Object) Clone() Object {
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = v.Clone()
	}

	return out
}

// Value wraps this object as a map value without copying. The object must
// not be modified afterwards.
func (o Object) Value() Value {
	return Value{kind: KindMap, obj: o}
}

// Equal reports deep equality of two objects.
func (o Object) Equal(other Object) bool {
	return Equal(o.Value(), other.Value())
}
