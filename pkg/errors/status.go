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

// Package errors provides structured error codes shared by the local store,
// the sync engine and the remote protocol. The codes mirror the backend's
// status codes so that stream errors map onto the same taxonomy the caller
// sees for local failures.
package errors

import "fmt"

// StatusCode represents the error codes used throughout the engine. The
// numbering is compatible with gRPC/Connect codes so wire errors convert
// without a mapping table.
type StatusCode int

const (
	// ErrCodeInvalidArgument indicates that the caller specified an invalid
	// argument, regardless of the state of the system.
	ErrCodeInvalidArgument StatusCode = 3

	// ErrCodeNotFound indicates that a requested entity was not found.
	ErrCodeNotFound StatusCode = 5

	// ErrCodeAlreadyExists indicates that the entity a caller attempted to
	// create already exists.
	ErrCodeAlreadyExists StatusCode = 6

	// ErrCodePermissionDenied indicates that the caller does not have
	// permission to execute the specified operation.
	ErrCodePermissionDenied StatusCode = 7

	// ErrCodeResourceExhausted indicates that some resource has been
	// exhausted, perhaps a per-user quota.
	ErrCodeResourceExhausted StatusCode = 8

	// ErrCodeFailedPrecondition indicates that the operation was rejected
	// because the system is not in a state required for its execution, e.g.
	// an update-time precondition that no longer holds.
	ErrCodeFailedPrecondition StatusCode = 9

	// ErrCodeAborted indicates that the operation was aborted because of a
	// concurrency conflict. Interactive transactions retry on this code.
	ErrCodeAborted StatusCode = 10

	// ErrCodeInternal indicates that some invariants expected by the
	// underlying system have been broken.
	ErrCodeInternal StatusCode = 13

	// ErrCodeUnavailable indicates that the service or the local storage is
	// currently unavailable. This is usually temporary.
	ErrCodeUnavailable StatusCode = 14

	// ErrCodeUnauthenticated indicates that the request does not have valid
	// authentication credentials.
	ErrCodeUnauthenticated StatusCode = 16
)

// String returns the string representation of the error code. It matches the
// Connect protocol's string representation for consistency.
func (c StatusCode) String() string {
	switch c {
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeAlreadyExists:
		return "already_exists"
	case ErrCodePermissionDenied:
		return "permission_denied"
	case ErrCodeResourceExhausted:
		return "resource_exhausted"
	case ErrCodeFailedPrecondition:
		return "failed_precondition"
	case ErrCodeAborted:
		return "aborted"
	case ErrCodeInternal:
		return "internal"
	case ErrCodeUnavailable:
		return "unavailable"
	case ErrCodeUnauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

// FromString returns the StatusCode for the given wire string, or
// ErrCodeInternal when the string is unknown.
func FromString(s string) StatusCode {
	switch s {
	case "invalid_argument":
		return ErrCodeInvalidArgument
	case "not_found":
		return ErrCodeNotFound
	case "already_exists":
		return ErrCodeAlreadyExists
	case "permission_denied":
		return ErrCodePermissionDenied
	case "resource_exhausted":
		return ErrCodeResourceExhausted
	case "failed_precondition":
		return ErrCodeFailedPrecondition
	case "aborted":
		return ErrCodeAborted
	case "unavailable":
		return ErrCodeUnavailable
	case "unauthenticated":
		return ErrCodeUnauthenticated
	default:
		return ErrCodeInternal
	}
}

// IsClientError returns true if the error code represents a caller-side
// error that will not succeed on retry without a state change.
func (c StatusCode) IsClientError() bool {
	switch c {
	case ErrCodeInvalidArgument, ErrCodeNotFound, ErrCodeAlreadyExists,
		ErrCodePermissionDenied, ErrCodeResourceExhausted, ErrCodeFailedPrecondition,
		ErrCodeUnauthenticated:
		return true
	default:
		return false
	}
}

// IsServerError returns true if the error code represents a server-side or
// infrastructure error.
func (c StatusCode) IsServerError() bool {
	switch c {
	case ErrCodeInternal, ErrCodeUnavailable, ErrCodeAborted:
		return true
	default:
		return false
	}
}
