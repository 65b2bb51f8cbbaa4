// Copyright 2018-2021 CERN
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
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package status defines the error taxonomy every storage element reports
// and translates internal failures into it.
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/cs3org/digs/pkg/errtypes"
)

// Code is the kind of outcome of a storage element operation.
type Code int

// The taxonomy shared by all backends.
const (
	Success Code = iota
	NoService
	NoResponse
	NoServiceProxy
	NoUserProxy
	AuthFailed
	NoConnection
	UnspecifiedServerError
	FileNotFound
	InvalidChecksum
	UnsupportedChecksumType
	FileIsDirectory
	NoInbox
	UnknownError
)

var codeNames = [...]string{
	Success:                 "SUCCESS",
	NoService:               "NO_SERVICE",
	NoResponse:              "NO_RESPONSE",
	NoServiceProxy:          "NO_SERVICE_PROXY",
	NoUserProxy:             "NO_USER_PROXY",
	AuthFailed:              "AUTH_FAILED",
	NoConnection:            "NO_CONNECTION",
	UnspecifiedServerError:  "UNSPECIFIED_SERVER_ERROR",
	FileNotFound:            "FILE_NOT_FOUND",
	InvalidChecksum:         "INVALID_CHECKSUM",
	UnsupportedChecksumType: "UNSUPPORTED_CHECKSUM_TYPE",
	FileIsDirectory:         "FILE_IS_DIRECTORY",
	NoInbox:                 "NO_INBOX",
	UnknownError:            "UNKNOWN_ERROR",
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return fmt.Sprintf("CODE(%d)", int(c))
	}
	return codeNames[c]
}

// Error is the only error type that crosses the storage element boundary.
type Error struct {
	Code Code
	Msg  string

	// kind is the errtypes value the failure was classified from, if any.
	kind error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Msg
}

// Unwrap exposes the semantic error kind, never a backend specific type.
func (e *Error) Unwrap() error { return e.kind }

// New returns a new status error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Newf returns a new status error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code carried by err. nil is Success and anything that
// was not translated is UnknownError.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return UnknownError
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Translate maps an internal failure to a *Error. Errors that already are
// status errors pass through untouched so translation happens once.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	code, kind := classify(err)
	return &Error{Code: code, Msg: err.Error(), kind: kind}
}

// classify applies the precedence rule: connection and transport failures
// win over anything reported by the protocol.
func classify(err error) (Code, error) {
	var (
		unavailable  errtypes.IsUnavailable
		timeout      errtypes.IsTimeout
		noProxy      errtypes.IsMissingCredentials
		untrusted    errtypes.IsUntrustedPeer
		credentials  errtypes.IsInvalidCredentials
		notFound     errtypes.IsNotFound
		notAFile     errtypes.IsNotAFile
		mismatch     errtypes.IsChecksumMismatch
		exists       errtypes.IsAlreadyExists
		denied       errtypes.IsPermissionDenied
		notSupported errtypes.IsNotSupported
		badRequest   errtypes.IsBadRequest
		internal     errtypes.IsInternalError
		aborted      errtypes.IsAborted
	)
	switch {
	case errors.As(err, &unavailable):
		return NoConnection, unavailable.(error)
	case errors.As(err, &timeout):
		return NoResponse, timeout.(error)
	case errors.Is(err, context.DeadlineExceeded):
		return NoResponse, nil
	case errors.As(err, &noProxy):
		return NoUserProxy, noProxy.(error)
	case errors.As(err, &untrusted):
		return NoServiceProxy, untrusted.(error)
	case errors.As(err, &credentials):
		return AuthFailed, credentials.(error)
	case errors.As(err, &notFound):
		return FileNotFound, notFound.(error)
	case errors.As(err, &notAFile):
		return FileIsDirectory, notAFile.(error)
	case errors.As(err, &mismatch):
		return InvalidChecksum, mismatch.(error)
	case errors.As(err, &exists):
		return UnspecifiedServerError, exists.(error)
	case errors.As(err, &denied):
		return UnspecifiedServerError, denied.(error)
	case errors.As(err, &notSupported):
		return UnspecifiedServerError, notSupported.(error)
	case errors.As(err, &badRequest):
		return UnspecifiedServerError, badRequest.(error)
	case errors.As(err, &internal):
		return UnspecifiedServerError, internal.(error)
	case errors.As(err, &aborted):
		return UnknownError, aborted.(error)
	}
	return UnknownError, nil
}
