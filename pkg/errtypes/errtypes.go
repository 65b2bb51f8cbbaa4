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

// Package errtypes contains definitons for common errors.
// It would have nice to call this package errors, err or error
// but errors clashes with github.com/pkg/errors, err is used for any error variable
// and error is a reserved word :)
package errtypes

import "errors"

// NotFound is the error to use when a resource something is not found.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound implements the IsNotFound interface.
func (e NotFound) IsNotFound() {}

// AlreadyExists is the error to use when a resource something is not found.
type AlreadyExists string

func (e AlreadyExists) Error() string { return "error: already exists: " + string(e) }

// IsAlreadyExists implements the IsAlreadyExists interface.
func (e AlreadyExists) IsAlreadyExists() {}

// NotAFile is the error to use when a file operation hits a directory.
type NotAFile string

func (e NotAFile) Error() string { return "error: is a directory: " + string(e) }

// IsNotAFile implements the IsNotAFile interface.
func (e NotAFile) IsNotAFile() {}

// PermissionDenied is the error to use when a resource cannot be access because of missing permissions.
type PermissionDenied string

func (e PermissionDenied) Error() string { return "error: permission denied: " + string(e) }

// IsPermissionDenied implements the IsPermissionDenied interface.
func (e PermissionDenied) IsPermissionDenied() {}

// InvalidCredentials is the error to use when receiving invalid credentials.
type InvalidCredentials string

func (e InvalidCredentials) Error() string { return "error: invalid credentials: " + string(e) }

// IsInvalidCredentials implements the IsInvalidCredentials interface.
func (e InvalidCredentials) IsInvalidCredentials() {}

// NotSupported is the error to use when an action is not supported.
type NotSupported string

func (e NotSupported) Error() string { return "error: not supported: " + string(e) }

// IsNotSupported implements the IsNotSupported interface.
func (e NotSupported) IsNotSupported() {}

// BadRequest is the error to use when the request is malformed or out of order.
type BadRequest string

func (e BadRequest) Error() string { return "error: bad request: " + string(e) }

// IsBadRequest implements the IsBadRequest interface.
func (e BadRequest) IsBadRequest() {}

// InternalError is the error to use when we really don't know what happened. Use with care
type InternalError string

func (e InternalError) Error() string { return "internal error: " + string(e) }

// IsInternalError implements the IsInternalError interface.
func (e InternalError) IsInternalError() {}

// ChecksumMismatch is the error to use when the receiver checksum differs from the sender checksum.
type ChecksumMismatch string

func (e ChecksumMismatch) Error() string { return "error: checksum mismatch: " + string(e) }

// IsChecksumMismatch implements the IsChecksumMismatch interface.
func (e ChecksumMismatch) IsChecksumMismatch() {}

// Timeout is the error to use when a remote operation did not answer in time.
type Timeout string

func (e Timeout) Error() string { return "error: timeout: " + string(e) }

// IsTimeout implements the IsTimeout interface.
func (e Timeout) IsTimeout() {}

// Unavailable is the error to use when the remote endpoint cannot be reached.
type Unavailable string

func (e Unavailable) Error() string { return "error: unavailable: " + string(e) }

// IsUnavailable implements the IsUnavailable interface.
func (e Unavailable) IsUnavailable() {}

// Aborted is the error to use when an operation was cancelled before it finished.
type Aborted string

func (e Aborted) Error() string { return "error: aborted: " + string(e) }

// IsAborted implements the IsAborted interface.
func (e Aborted) IsAborted() {}

// MissingCredentials is the error to use when the local credentials, e.g. a proxy
// certificate, cannot be loaded.
type MissingCredentials string

func (e MissingCredentials) Error() string { return "error: missing credentials: " + string(e) }

// IsMissingCredentials implements the IsMissingCredentials interface.
func (e MissingCredentials) IsMissingCredentials() {}

// UntrustedPeer is the error to use when the certificate of a remote endpoint
// cannot be verified.
type UntrustedPeer string

func (e UntrustedPeer) Error() string { return "error: untrusted peer: " + string(e) }

// IsUntrustedPeer implements the IsUntrustedPeer interface.
func (e UntrustedPeer) IsUntrustedPeer() {}

// IsNotFound is the interface to implement
// to specify that an a resource is not found.
type IsNotFound interface {
	IsNotFound()
}

// IsAlreadyExists is the interface to implement
// to specify that a resource already exists.
type IsAlreadyExists interface {
	IsAlreadyExists()
}

// IsNotAFile is the interface to implement
// to specify that a directory was found where a file was expected.
type IsNotAFile interface {
	IsNotAFile()
}

// IsPermissionDenied is the interface to implement
// to specify that an action is denied.
type IsPermissionDenied interface {
	IsPermissionDenied()
}

// IsInvalidCredentials is the interface to implement
// to specify that credentials were wrong.
type IsInvalidCredentials interface {
	IsInvalidCredentials()
}

// IsNotSupported is the interface to implement
// to specify that an action is not supported.
type IsNotSupported interface {
	IsNotSupported()
}

// IsBadRequest is the interface to implement
// to specify that a request was malformed.
type IsBadRequest interface {
	IsBadRequest()
}

// IsInternalError is the interface to implement
// to specify that there was some internal error
type IsInternalError interface {
	IsInternalError()
}

// IsChecksumMismatch is the interface to implement
// to specify that a checksum does not match.
type IsChecksumMismatch interface {
	IsChecksumMismatch()
}

// IsTimeout is the interface to implement
// to specify that an operation timed out.
type IsTimeout interface {
	IsTimeout()
}

// IsUnavailable is the interface to implement
// to specify that a remote endpoint is unreachable.
type IsUnavailable interface {
	IsUnavailable()
}

// IsAborted is the interface to implement
// to specify that an operation was aborted.
type IsAborted interface {
	IsAborted()
}

// IsMissingCredentials is the interface to implement
// to specify that local credentials are missing.
type IsMissingCredentials interface {
	IsMissingCredentials()
}

// IsUntrustedPeer is the interface to implement
// to specify that a remote certificate was rejected.
type IsUntrustedPeer interface {
	IsUntrustedPeer()
}

// Is reports whether err, or any error it wraps, implements the marker
// interface T, e.g. errtypes.Is[errtypes.IsNotFound](err).
func Is[T any](err error) bool {
	var t T
	return errors.As(err, &t)
}
