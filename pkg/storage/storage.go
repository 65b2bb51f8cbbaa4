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

package storage

import (
	"context"
	"time"

	"github.com/cs3org/digs/pkg/gridftp"
	"github.com/cs3org/digs/pkg/node"
	"github.com/cs3org/digs/pkg/remotecmd"
	"github.com/cs3org/digs/pkg/storage/utils/listing"
	"github.com/cs3org/digs/pkg/transaction"
)

// Handle identifies an asynchronous transfer.
type Handle = transaction.Handle

// TransferStatus is the coarse state reported by MonitorTransfer.
type TransferStatus int

// Transfer states.
const (
	TransferInProgress TransferStatus = iota
	TransferDone
	TransferFailed
)

func (s TransferStatus) String() string {
	switch s {
	case TransferInProgress:
		return "DIGS_TRANSFER_IN_PROGRESS"
	case TransferDone:
		return "DIGS_TRANSFER_DONE"
	case TransferFailed:
		return "DIGS_TRANSFER_FAILED"
	}
	return "DIGS_TRANSFER_UNKNOWN"
}

// Progress is the result of a non-blocking transfer poll.
type Progress struct {
	Status  TransferStatus
	Percent int
}

// Backend is the operation set every storage element type implements.
// Paths are absolute paths on the given host.
type Backend interface {
	// GetLength returns the size of a file. Directories are rejected.
	GetLength(ctx context.Context, host, path string) (int64, error)
	DoesExist(ctx context.Context, host, path string) (bool, error)
	IsDirectory(ctx context.Context, host, path string) (bool, error)
	GetOwner(ctx context.Context, host, path string) (string, error)
	GetGroup(ctx context.Context, host, path string) (string, error)
	// GetPermissions returns the permission bits in octal, e.g. 0640.
	GetPermissions(ctx context.Context, host, path string) (string, error)
	SetGroup(ctx context.Context, host, path, group string) error
	SetPermissions(ctx context.Context, host, path, perms string) error
	GetModificationTime(ctx context.Context, host, path string) (time.Time, error)
	// GetChecksum returns the MD5 of a file as 32 uppercase hex digits.
	GetChecksum(ctx context.Context, host, path string) (string, error)

	// StartPutTransfer copies a local file to the host and returns at once.
	StartPutTransfer(ctx context.Context, host, local, remote string) (Handle, error)
	// StartGetTransfer copies a file from the host to a local path and
	// returns at once.
	StartGetTransfer(ctx context.Context, host, remote, local string) (Handle, error)
	MonitorTransfer(ctx context.Context, h Handle) (Progress, error)
	// EndTransfer verifies and commits a finished transfer and forgets h.
	EndTransfer(ctx context.Context, h Handle) error
	// CancelTransfer aborts h and removes what it left behind. Cancelling a
	// handle that is unknown or already cancelled succeeds.
	CancelTransfer(ctx context.Context, h Handle) error

	Mkdir(ctx context.Context, host, path string) error
	Rm(ctx context.Context, host, path string) error
	Rmdir(ctx context.Context, host, path string) error
	Mv(ctx context.Context, host, from, to string) error
	// List returns the entries of a directory, one level deep.
	List(ctx context.Context, host, path string) ([]listing.Entry, error)
	// Ping checks that the host answers.
	Ping(ctx context.Context, host string) error
}

// MaxLockedAger is implemented by backends that keep locked files longer
// than the default before housekeeping removes them.
type MaxLockedAger interface {
	MaxLockedAge() time.Duration
}

// Closer is implemented by backends holding connections.
type Closer interface {
	Close() error
}

// Services are the collaborators shared by the backends of a process.
type Services struct {
	Registry *transaction.Registry
	Engine   *gridftp.Engine
	Nodes    node.Registry
	Runner   remotecmd.Runner
}
