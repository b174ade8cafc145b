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

package document

import "time"

// Version is a server supplied document or snapshot timestamp with
// microsecond precision. The zero Version orders before every other
// version and means "unknown".
type Version struct {
	t time.Time
}

// NewVersion creates a version from the given time.
func NewVersion(t time.Time) Version {
	return Version{t: t.UTC().Truncate(time.Microsecond)}
}

// VersionFromMicros creates a version from microseconds since the Unix
// epoch, the wire form versions travel in.
func VersionFromMicros(micros int64) Version {
	return Version{t: time.UnixMicro(micros).UTC()}
}

// Time returns the time of this version.
func (v Version) Time() time.Time {
	return v.t
}

// Micros returns this version as microseconds since the Unix epoch.
func (v Version) Micros() int64 {
	if v.IsZero() {
		return 0
	}

	return v.t.UnixMicro()
}

// IsZero returns whether this is the unknown version.
func (v Version) IsZero() bool {
	return v.t.IsZero()
}

// Compare orders versions chronologically. The zero version orders first.
func (v Version) Compare(other Version) int {
	switch {
	case v.IsZero() && other.IsZero():
		return 0
	case v.IsZero():
		return -1
	case other.IsZero():
		return 1
	default:
		return v.t.Compare(other.t)
	}
}

// After reports whether this version is strictly newer than the other.
func (v Version) After(other Version) bool {
	return v.Compare(other) > 0
}

// String returns the RFC 3339 form of this version, or "zero" for the
// unknown version.
func (v Version) String() string {
	if v.IsZero() {
		return "zero"
	}

	return v.t.Format(time.RFC3339Nano)
}
