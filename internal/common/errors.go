/*******************************************************************************
* Copyright (C) 2025 the OpenFoundry Authors
*
* Permission is hereby granted, free of charge, to any person obtaining
* a copy of this software and associated documentation files (the
* "Software"), to deal in the Software without restriction, including
* without limitation the rights to use, copy, modify, merge, publish,
* distribute, sublicense, and/or sell copies of the Software, and to
* permit persons to whom the Software is furnished to do so, subject to
* the following conditions:
*
* The above copyright notice and this permission notice shall be
* included in all copies or substantial portions of the Software.
*
* THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
* EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
* MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND
* NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE
* LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION
* OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION
* WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
*
* SPDX-License-Identifier: MIT
******************************************************************************/

package common

import (
	"errors"
	"fmt"
	"net/http"
)

// ApplicationError is the error type carried through the request pipeline.
// Code is the HTTP-equivalent status the response envelope reports.
type ApplicationError struct {
	Code    int
	Message string
	Err     error
}

func (e *ApplicationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}

// NewErrBadRequest reports malformed input: unknown operators, invalid sort
// columns, malformed batch documents, unresolvable references.
func NewErrBadRequest(format string, args ...any) *ApplicationError {
	return &ApplicationError{Code: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// NewErrUnauthorized reports missing claims where claims are required.
func NewErrUnauthorized(format string, args ...any) *ApplicationError {
	return &ApplicationError{Code: http.StatusUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// NewErrForbidden reports a failed permission check.
func NewErrForbidden(format string, args ...any) *ApplicationError {
	return &ApplicationError{Code: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

// NewErrNotFound reports that an update or delete affected zero rows.
func NewErrNotFound(format string, args ...any) *ApplicationError {
	return &ApplicationError{Code: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewErrConflict reports a concurrency-control mismatch.
func NewErrConflict(format string, args ...any) *ApplicationError {
	return &ApplicationError{Code: http.StatusConflict, Message: fmt.Sprintf(format, args...)}
}

// NewSpecError reports a malformed API document at load time.
func NewSpecError(format string, args ...any) *ApplicationError {
	return &ApplicationError{Code: http.StatusInternalServerError, Message: fmt.Sprintf(format, args...)}
}

// NewInternalServerError wraps a driver or otherwise unexpected failure.
// The wrapped error is logged by the caller, never surfaced to the client.
func NewInternalServerError(message string, err error) *ApplicationError {
	return &ApplicationError{Code: http.StatusInternalServerError, Message: message, Err: err}
}

// StatusOf maps any error to the status code the response envelope reports.
// Errors that are not ApplicationError become 500.
func StatusOf(err error) int {
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return http.StatusInternalServerError
}

func IsErrNotFound(err error) bool {
	return StatusOf(err) == http.StatusNotFound
}

func IsErrBadRequest(err error) bool {
	return StatusOf(err) == http.StatusBadRequest
}

func IsErrForbidden(err error) bool {
	return StatusOf(err) == http.StatusForbidden
}

func IsErrConflict(err error) bool {
	return StatusOf(err) == http.StatusConflict
}
