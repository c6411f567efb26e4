// Copyright 2024 The iommufd Authors.
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

// Package errors holds the standardized error definition for iommufd.
package errors

// Code enumerates the error conditions the I/O page table can report.
// Comparisons should be made against the sentinel errors in the iopterr
// package rather than against Codes directly.
type Code uint32

// Error codes, mirroring the errno values a kernel implementation
// would return.
const (
	CodeNone Code = iota
	CodeNoMemory
	CodeAddressFault
	CodePermissionDenied
	CodeOverflow
	CodeInvalidRange
	CodeBusy
	CodeIncompatible
	CodeNotFound
)

// Error represents an error code with a descriptive message.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the underlying Code value.
func (e *Error) Code() Code { return e.code }

// Retryable returns true if the condition is transient: the caller may
// succeed by retrying with a different resource (e.g. another hardware
// domain) or at a later time.
func (e *Error) Retryable() bool {
	return e.code == CodeBusy || e.code == CodeIncompatible
}
