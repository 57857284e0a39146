// Copyright 2025 The Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// ReflectionErrorDetails holds optional debugging fields on the reflection
// API error wire format.
type ReflectionErrorDetails struct {
	Stack   *string `json:"stack,omitempty"`
	TraceID *string `json:"traceId,omitempty"`
}

// ReflectionError is the wire format for errors returned by the dev
// reflection server.
type ReflectionError struct {
	Details *ReflectionErrorDetails `json:"details,omitempty"`
	Message string                  `json:"message"`
	Code    int                     `json:"code"`
}

// HTTPError is the wire format for error details returned by flow handlers.
type HTTPError struct {
	Details any        `json:"details,omitempty"`
	Message string     `json:"message"`
	Status  StatusName `json:"status"`
}

// Error is the base error type for errors raised by the runtime. The Details
// map carries arbitrary debugging payload, such as the stack trace and the
// trace ID of the failed run.
type Error struct {
	Message string         `json:"message"`
	Status  StatusName     `json:"status"`
	Details map[string]any `json:"details"`
}

// NewError creates a new Error with a formatted message, capturing the stack
// trace of the caller.
func NewError(status StatusName, message string, args ...any) *Error {
	msg := message
	if len(args) > 0 {
		msg = fmt.Sprintf(message, args...)
	}
	return &Error{
		Status:  status,
		Message: msg,
		Details: map[string]any{
			"stack": string(debug.Stack()),
		},
	}
}

// Error implements the standard error interface.
func (e *Error) Error() string {
	return e.Message
}

// ToReflectionError returns a JSON-serializable representation for reflection
// API responses.
func (e *Error) ToReflectionError() ReflectionError {
	details := &ReflectionErrorDetails{}
	if stack, ok := e.Details["stack"].(string); ok {
		details.Stack = &stack
	}
	if traceID, ok := e.Details["traceId"].(string); ok {
		details.TraceID = &traceID
	}
	return ReflectionError{
		Details: details,
		Code:    HTTPStatusCode(e.Status),
		Message: e.Message,
	}
}

// UserFacingError is an error whose message is safe to return to callers over
// HTTP. Other error kinds result in a generic 500 message to avoid leaking
// internals.
type UserFacingError struct {
	Message string         `json:"message"`
	Status  StatusName     `json:"status"`
	Details map[string]any `json:"details"`
}

// NewPublicError creates a UserFacingError.
func NewPublicError(status StatusName, message string, details map[string]any) *UserFacingError {
	return &UserFacingError{
		Status:  status,
		Message: message,
		Details: details,
	}
}

// Error implements the standard error interface.
func (e *UserFacingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// ToCallableError returns a JSON-serializable representation for flow handler
// responses.
func (e *UserFacingError) ToCallableError() HTTPError {
	return HTTPError{
		Details: e.Details,
		Status:  e.Status,
		Message: e.Message,
	}
}

// ToReflectionError gets the JSON representation for reflection API error
// responses. Errors that are not (or do not wrap) an *Error default to
// INTERNAL with the current stack attached.
func ToReflectionError(err error) ReflectionError {
	var e *Error
	if errors.As(err, &e) {
		return e.ToReflectionError()
	}
	stack := string(debug.Stack())
	return ReflectionError{
		Message: err.Error(),
		Code:    HTTPStatusCode(INTERNAL),
		Details: &ReflectionErrorDetails{Stack: &stack},
	}
}
