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

// Package converter provides the converter for converting model to
// wire messages and vice versa.
package converter

import "errors"

var (
	// ErrUnsupportedValueType is returned when a value cannot be sent over
	// the wire, e.g. an unevaluated server timestamp.
	ErrUnsupportedValueType = errors.New("unsupported value type")

	// ErrUnsupportedMutationType is returned when the given mutation kind
	// has no wire form.
	ErrUnsupportedMutationType = errors.New("unsupported mutation type")

	// ErrUnsupportedTransformType is returned when the given field
	// transform kind has no wire form.
	ErrUnsupportedTransformType = errors.New("unsupported transform type")

	// ErrMalformedValue is returned when a wire value names an unknown
	// kind.
	ErrMalformedValue = errors.New("malformed wire value")

	// ErrMalformedWrite is returned when a wire write sets none or several
	// of its operation fields.
	ErrMalformedWrite = errors.New("malformed wire write")

	// ErrMalformedTarget is returned when a wire target carries neither a
	// query nor documents.
	ErrMalformedTarget = errors.New("malformed wire target")
)
