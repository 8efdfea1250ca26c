// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nftables

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrorCode classifies an error returned by an administrative operation.
type ErrorCode int

const (
	// CodeInvalidLength is returned for data whose length is not allowed for
	// its kind.
	CodeInvalidLength ErrorCode = iota + 1

	// CodeInvalidKind is returned for data of an unknown kind.
	CodeInvalidKind

	// CodeTypeMismatch is returned when a value disagrees with the declared
	// type of the register or set that should hold it.
	CodeTypeMismatch

	// CodeNotFound is returned for a reference to a missing object.
	CodeNotFound

	// CodeExists is returned for a duplicate name, handle or set key.
	CodeExists

	// CodeStackOverflow marks a jump that would exceed the jump stack. It is
	// absorbed by the evaluation engine and never returned to callers.
	CodeStackOverflow

	// CodeLoop is returned when linking a jump target would create a cycle or
	// exceed the maximum jump depth.
	CodeLoop

	// CodeBusy is returned when deleting an object that is still referenced.
	CodeBusy

	// CodeInvalidArgument is returned for malformed parameters.
	CodeInvalidArgument

	// CodeNotSupported is returned for valid but unimplemented requests.
	CodeNotSupported

	// CodeRange is returned when a counter or handle space is exhausted.
	CodeRange
)

var errorCodeStrings = map[ErrorCode]string{
	CodeInvalidLength:   "invalid length",
	CodeInvalidKind:     "invalid data kind",
	CodeTypeMismatch:    "type mismatch",
	CodeNotFound:        "not found",
	CodeExists:          "already exists",
	CodeStackOverflow:   "jump stack overflow",
	CodeLoop:            "cycle or jump depth exceeded",
	CodeBusy:            "busy",
	CodeInvalidArgument: "invalid argument",
	CodeNotSupported:    "not supported",
	CodeRange:           "out of range",
}

// String for ErrorCode returns a short description of the code.
func (c ErrorCode) String() string {
	if s, ok := errorCodeStrings[c]; ok {
		return s
	}
	panic(fmt.Sprintf("invalid error code: %d", int(c)))
}

// errorCodeErrnos maps each code to the errno the kernel returns for it.
var errorCodeErrnos = map[ErrorCode]unix.Errno{
	CodeInvalidLength:   unix.EINVAL,
	CodeInvalidKind:     unix.EINVAL,
	CodeTypeMismatch:    unix.EINVAL,
	CodeNotFound:        unix.ENOENT,
	CodeExists:          unix.EEXIST,
	CodeStackOverflow:   unix.ELOOP,
	CodeLoop:            unix.ELOOP,
	CodeBusy:            unix.EBUSY,
	CodeInvalidArgument: unix.EINVAL,
	CodeNotSupported:    unix.EOPNOTSUPP,
	CodeRange:           unix.ERANGE,
}

// Error is an error code together with an annotation describing the object
// that caused it.
type Error struct {
	code ErrorCode
	msg  string
}

// Sentinel errors for use with errors.Is. Any *Error matches the sentinel that
// carries the same code.
var (
	ErrInvalidLength   = &Error{code: CodeInvalidLength}
	ErrInvalidKind     = &Error{code: CodeInvalidKind}
	ErrTypeMismatch    = &Error{code: CodeTypeMismatch}
	ErrNotFound        = &Error{code: CodeNotFound}
	ErrExists          = &Error{code: CodeExists}
	ErrStackOverflow   = &Error{code: CodeStackOverflow}
	ErrLoop            = &Error{code: CodeLoop}
	ErrBusy            = &Error{code: CodeBusy}
	ErrInvalidArgument = &Error{code: CodeInvalidArgument}
	ErrNotSupported    = &Error{code: CodeNotSupported}
	ErrRange           = &Error{code: CodeRange}
)

// newError creates an annotated error with the given code.
func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// Error implements error.Error.
func (e *Error) Error() string {
	if e.msg == "" {
		return e.code.String()
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Errno returns the errno the kernel reports for the same condition.
func (e *Error) Errno() unix.Errno {
	return errorCodeErrnos[e.code]
}

// Is implements the interface used by errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code
}
