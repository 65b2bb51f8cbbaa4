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

package gridftp

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"

	"github.com/cs3org/digs/pkg/errtypes"
)

// classify turns a transport failure into the errtypes vocabulary. Errors
// already expressed in errtypes are kept as they are.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	if isErrtype(err) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return errtypes.Aborted(what)
	case errors.Is(err, context.DeadlineExceeded):
		return errtypes.Timeout(what)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return errtypes.Unavailable(what + ": " + err.Error())
	case errors.As(err, &netErr) && netErr.Timeout():
		return errtypes.Timeout(what + ": " + err.Error())
	case os.IsNotExist(err):
		return errtypes.NotFound(what)
	case os.IsExist(err):
		return errtypes.AlreadyExists(what)
	case os.IsPermission(err):
		return errtypes.PermissionDenied(what)
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return errtypes.Unavailable(what + ": " + err.Error())
	}
	return errtypes.InternalError(what + ": " + err.Error())
}

func isErrtype(err error) bool {
	return errtypes.Is[errtypes.IsNotFound](err) ||
		errtypes.Is[errtypes.IsAlreadyExists](err) ||
		errtypes.Is[errtypes.IsNotAFile](err) ||
		errtypes.Is[errtypes.IsPermissionDenied](err) ||
		errtypes.Is[errtypes.IsInvalidCredentials](err) ||
		errtypes.Is[errtypes.IsNotSupported](err) ||
		errtypes.Is[errtypes.IsBadRequest](err) ||
		errtypes.Is[errtypes.IsInternalError](err) ||
		errtypes.Is[errtypes.IsChecksumMismatch](err) ||
		errtypes.Is[errtypes.IsTimeout](err) ||
		errtypes.Is[errtypes.IsUnavailable](err) ||
		errtypes.Is[errtypes.IsAborted](err)
}
