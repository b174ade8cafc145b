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

package errors

import (
	"errors"
)

// MetadataError represents an error with additional metadata, e.g. the
// target id of a failed watch target or the batch id of a rejected write.
type MetadataError struct {
	err      error
	metadata map[string]string
}

// Error returns the error message.
func (e MetadataError) Error() string {
	return e.err.Error()
}

// Status returns the error code from the underlying error.
func (e MetadataError) Status() StatusCode {
	return StatusOf(e.err)
}

// Unwrap returns the underlying error for error chain compatibility.
func (e MetadataError) Unwrap() error {
	return e.err
}

// Metadata returns a copy of the metadata associated with the error.
func (e MetadataError) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// WithMetadata wraps an error with additional metadata. If the error already
// carries metadata, the maps are merged with the new entries winning.
func WithMetadata(err error, metadata map[string]string) error {
	if err == nil {
		return nil
	}
	if len(metadata) == 0 {
		return err
	}

	finalMeta := make(map[string]string)
	if existing := Metadata(err); existing != nil {
		for k, v := range existing {
			finalMeta[k] = v
		}
		if metaErr, ok := err.(MetadataError); ok {
			err = metaErr.err
		}
	}
	for k, v := range metadata {
		finalMeta[k] = v
	}

	return MetadataError{
		err:      err,
		metadata: finalMeta,
	}
}

// Metadata extracts metadata from an error if it has any. Returns nil when
// the error chain carries none.
func Metadata(err error) map[string]string {
	if err == nil {
		return nil
	}

	if metaErr, ok := err.(MetadataError); ok {
		return metaErr.Metadata()
	}

	var metaErr MetadataError
	if errors.As(err, &metaErr) {
		return metaErr.Metadata()
	}

	return nil
}
