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

package srm

import (
	"strings"

	"github.com/cs3org/digs/pkg/errtypes"
)

// StatusCode is an SRM v2.2 TStatusCode.
type StatusCode int

// The TStatusCode values, in the order of the SRM v2.2 schema.
const (
	Success StatusCode = iota
	Failure
	AuthenticationFailure
	AuthorizationFailure
	InvalidRequest
	InvalidPath
	FileLifetimeExpired
	SpaceLifetimeExpired
	ExceedAllocation
	NoUserSpace
	NoFreeSpace
	DuplicationError
	NonEmptyDirectory
	TooManyResults
	InternalError
	FatalInternalError
	NotSupported
	RequestQueued
	RequestInProgress
	RequestSuspended
	Aborted
	Released
	FilePinned
	FileInCache
	SpaceAvailable
	LowerSpaceGranted
	Done
	PartialSuccess
	RequestTimedOut
	LastCopy
	FileBusy
	FileLost
	FileUnavailable
	CustomStatus
)

var statusNames = [...]string{
	Success:               "SRM_SUCCESS",
	Failure:               "SRM_FAILURE",
	AuthenticationFailure: "SRM_AUTHENTICATION_FAILURE",
	AuthorizationFailure:  "SRM_AUTHORIZATION_FAILURE",
	InvalidRequest:        "SRM_INVALID_REQUEST",
	InvalidPath:           "SRM_INVALID_PATH",
	FileLifetimeExpired:   "SRM_FILE_LIFETIME_EXPIRED",
	SpaceLifetimeExpired:  "SRM_SPACE_LIFETIME_EXPIRED",
	ExceedAllocation:      "SRM_EXCEED_ALLOCATION",
	NoUserSpace:           "SRM_NO_USER_SPACE",
	NoFreeSpace:           "SRM_NO_FREE_SPACE",
	DuplicationError:      "SRM_DUPLICATION_ERROR",
	NonEmptyDirectory:     "SRM_NON_EMPTY_DIRECTORY",
	TooManyResults:        "SRM_TOO_MANY_RESULTS",
	InternalError:         "SRM_INTERNAL_ERROR",
	FatalInternalError:    "SRM_FATAL_INTERNAL_ERROR",
	NotSupported:          "SRM_NOT_SUPPORTED",
	RequestQueued:         "SRM_REQUEST_QUEUED",
	RequestInProgress:     "SRM_REQUEST_INPROGRESS",
	RequestSuspended:      "SRM_REQUEST_SUSPENDED",
	Aborted:               "SRM_ABORTED",
	Released:              "SRM_RELEASED",
	FilePinned:            "SRM_FILE_PINNED",
	FileInCache:           "SRM_FILE_IN_CACHE",
	SpaceAvailable:        "SRM_SPACE_AVAILABLE",
	LowerSpaceGranted:     "SRM_LOWER_SPACE_GRANTED",
	Done:                  "SRM_DONE",
	PartialSuccess:        "SRM_PARTIAL_SUCCESS",
	RequestTimedOut:       "SRM_REQUEST_TIMED_OUT",
	LastCopy:              "SRM_LAST_COPY",
	FileBusy:              "SRM_FILE_BUSY",
	FileLost:              "SRM_FILE_LOST",
	FileUnavailable:       "SRM_FILE_UNAVAILABLE",
	CustomStatus:          "SRM_CUSTOM_STATUS",
}

// Clamp maps codes outside the table to CustomStatus.
func (c StatusCode) Clamp() StatusCode {
	if c < 0 || int(c) >= len(statusNames) {
		return CustomStatus
	}
	return c
}

func (c StatusCode) String() string {
	return statusNames[c.Clamp()]
}

// ParseStatusCode returns the code named s. Unknown names are CustomStatus.
func ParseStatusCode(s string) StatusCode {
	s = strings.TrimSpace(s)
	for i, n := range statusNames {
		if n == s {
			return StatusCode(i)
		}
	}
	return CustomStatus
}

type bucket int

const (
	pending bucket = iota
	granted
	failed
)

// requestBucket classifies the status of a prepare request being polled.
func requestBucket(c StatusCode) bucket {
	switch c.Clamp() {
	case RequestQueued, RequestInProgress:
		return pending
	case Success, SpaceAvailable, LowerSpaceGranted, FilePinned, FileInCache, Done:
		return granted
	}
	return failed
}

// isSuccess tells whether a synchronous call went through.
func isSuccess(c StatusCode) bool {
	switch c.Clamp() {
	case Success, Done, Released:
		return true
	}
	return false
}

// statusError turns a failed SRM status into the errtypes vocabulary.
func statusError(c StatusCode, explanation, what string) error {
	c = c.Clamp()
	msg := what + ": " + c.String()
	if explanation != "" {
		msg += ": " + explanation
	}
	switch c {
	case AuthenticationFailure:
		return errtypes.InvalidCredentials(msg)
	case AuthorizationFailure:
		return errtypes.PermissionDenied(msg)
	case InvalidPath:
		return errtypes.NotFound(msg)
	case DuplicationError:
		return errtypes.AlreadyExists(msg)
	case InvalidRequest, NonEmptyDirectory, TooManyResults:
		return errtypes.BadRequest(msg)
	case NotSupported:
		return errtypes.NotSupported(msg)
	case RequestTimedOut:
		return errtypes.Timeout(msg)
	case Aborted:
		return errtypes.Aborted(msg)
	}
	return errtypes.InternalError(msg)
}
