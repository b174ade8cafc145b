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

// StatusError represents an error that carries an error status.
// This interface allows for type-safe error handling with structured
// status codes across the local store, sync engine and remote streams.
type StatusError interface {
	error
	Status() StatusCode
}

// errorWithStatus is the internal implementation of StatusError.
type errorWithStatus struct {
	err       error
	status    StatusCode
	retryable bool
}

// Error returns the error message.
func (e errorWithStatus) Error() string {
	return e.err.Error()
}

// Status returns the error status.
func (e errorWithStatus) Status() StatusCode {
	return e.status
}

// Unwrap returns the underlying error for error chain compatibility.
func (e errorWithStatus) Unwrap() error {
	return e.err
}

// newErrorWithStatus creates a new error with the specified status.
func newErrorWithStatus(err error, status StatusCode) StatusError {
	return errorWithStatus{
		err:    err,
		status: status,
	}
}

// NotFound creates a new "not found" error.
// Use this when a requested resource does not exist.
func NotFound(message string) StatusError {
	return newErrorWithStatus(errors.New(message), ErrCodeNotFound)
}

// InvalidArgument creates a new "invalid argument" error.
// Use this when the caller provides invalid input parameters.
func InvalidArgument(message string) StatusError {
	return newErrorWithStatus(errors.New(message), ErrCodeInvalidArgument)
}

// AlreadyExists creates a new "already exists" error.
// Use this when attempting to create a resource that already exists.
func AlreadyExists(message string) StatusError {
	return newErrorWithStatus(errors.New(message), ErrCodeAlreadyExists)
}

// PermissionDenied creates a new "permission denied" error.
// Use this when the caller lacks necessary permissions.
func PermissionDenied(message string) StatusError {
	return newErrorWithStatus(errors.New(message), ErrCodePermissionDenied)
}

// ResourceExhausted creates a new "resource exhausted" error.
// Use this when quotas or rate limits are exceeded.
func ResourceExhausted(message string) StatusError {
	return newErrorWithStatus(errors.New(message), ErrCodeResourceExhausted)
}

// FailedPrecond creates a new "failed precondition" error.
// Use this when the system is not in the required state for the operation.
func FailedPrecond(message string) StatusError {
	return newErrorWithStatus(errors.New(message), ErrCodeFailedPrecondition)
}

// Aborted creates a new "aborted" error.
// Use this for concurrency conflicts that are safe to retry at the
// transaction level.
func Aborted(message string) StatusError {
	return newErrorWithStatus(errors.New(message), ErrCodeAborted)
}

// Unauthenticated creates a new "unauthenticated" error.
// Use this when authentication is required but not provided or invalid.
func Unauthenticated(message string) StatusError {
	return newErrorWithStatus(errors.New(message), ErrCodeUnauthenticated)
}

// Internal creates a new "internal" error.
// Use this for unexpected engine-side failures.
func Internal(message string) StatusError {
	return newErrorWithStatus(errors.New(message), ErrCodeInternal)
}

// Unavailable creates a new "unavailable" error.
// Use this when the backend or storage is temporarily unavailable.
func Unavailable(message string) StatusError {
	return newErrorWithStatus(errors.New(message), ErrCodeUnavailable)
}

// FromCode creates an error carrying the given status code. It is used
// when reconstructing errors received from the backend.
func FromCode(code StatusCode, message string) StatusError {
	return newErrorWithStatus(errors.New(message), code)
}

// RetryableStorage creates a transient persistence failure. Operations that
// hit this error kind are retried transparently by the operation queue.
func RetryableStorage(message string) StatusError {
	return errorWithStatus{
		err:       errors.New(message),
		status:    ErrCodeUnavailable,
		retryable: true,
	}
}

// WrapRetryable marks an existing error as a transient persistence failure
// while preserving its chain.
func WrapRetryable(err error) error {
	if err == nil {
		return nil
	}
	return errorWithStatus{
		err:       err,
		status:    ErrCodeUnavailable,
		retryable: true,
	}
}

// IsRetryable reports whether the error is a transient failure that the
// operation queue may retry without surfacing it to the caller.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var statusErr errorWithStatus
	if errors.As(err, &statusErr) {
		return statusErr.retryable
	}
	return false
}

// StatusOf extracts the error status from an error. If the error or any
// error in its chain carries a status, that status is returned; otherwise 0
// to indicate no status is available.
func StatusOf(err error) StatusCode {
	if err == nil {
		return 0
	}

	if statusErr, ok := err.(StatusError); ok {
		return statusErr.Status()
	}

	var statusErr StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status()
	}

	return 0
}

// IsStatus checks if the given error has the specified error status.
func IsStatus(err error, code StatusCode) bool {
	return StatusOf(err) == code
}

// IsClientError checks if the error represents a caller-side error.
func IsClientError(err error) bool {
	return StatusOf(err).IsClientError()
}

// IsServerError checks if the error represents a server-side error.
func IsServerError(err error) bool {
	return StatusOf(err).IsServerError()
}
