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

// Package lockedfile implements the commit protocol of every transfer that
// moves bytes: data is written under "<final>-LOCKED" and renamed to its
// final name only once the receiver has verified the sender checksum.
package lockedfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cs3org/digs/pkg/appctx"
	"github.com/cs3org/digs/pkg/checksum"
	"github.com/cs3org/digs/pkg/errtypes"
	"github.com/cs3org/digs/pkg/storage/utils/filelocks"
	"github.com/pkg/errors"
)

// Suffix marks a file in transit.
const Suffix = "-LOCKED"

// Name returns the locked alias of a final path.
func Name(final string) string {
	return final + Suffix
}

// IsLocked reports whether name is the locked alias of some file.
func IsLocked(name string) bool {
	return strings.HasSuffix(name, Suffix)
}

// Final returns the final path a locked alias stands for.
func Final(locked string) string {
	return strings.TrimSuffix(locked, Suffix)
}

// Ops are the primitives of the receiving side of a transfer.
type Ops interface {
	// Checksum returns the MD5 of path as computed by the receiver.
	Checksum(ctx context.Context, path string) (string, error)
	Rename(ctx context.Context, from, to string) error
	Remove(ctx context.Context, path string) error
}

// Commit verifies the locked copy of final against the sender checksum and
// renames it into place. On mismatch the locked copy is removed and a
// ChecksumMismatch error is returned.
func Commit(ctx context.Context, ops Ops, final, senderSum string) error {
	log := appctx.GetLogger(ctx)
	locked := Name(final)

	receiverSum, err := ops.Checksum(ctx, locked)
	if err != nil {
		return errors.Wrapf(err, "lockedfile: error computing checksum of %s", locked)
	}

	if !checksum.Equal(senderSum, receiverSum) {
		log.Warn().Str("path", final).Str("sender", senderSum).Str("receiver", receiverSum).Msg("checksum mismatch, dropping locked file")
		if err := ops.Remove(ctx, locked); err != nil && !errtypes.Is[errtypes.IsNotFound](err) {
			log.Error().Err(err).Str("path", locked).Msg("error removing locked file")
		}
		return errtypes.ChecksumMismatch(final + ": sender " + senderSum + ", receiver " + receiverSum)
	}

	if err := ops.Rename(ctx, locked, final); err != nil {
		return errors.Wrapf(err, "lockedfile: error renaming %s", locked)
	}
	log.Debug().Str("path", final).Str("checksum", receiverSum).Msg("transfer committed")
	return nil
}

// Cleanup removes both the locked and the final variant of a destination.
// Missing files are not an error, so Cleanup can be repeated.
func Cleanup(ctx context.Context, ops Ops, final string) error {
	var errs []error
	for _, p := range []string{Name(final), final} {
		if err := ops.Remove(ctx, p); err != nil && !errtypes.Is[errtypes.IsNotFound](err) {
			errs = append(errs, err)
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return errtypes.Join(errs...)
}

// Discard removes only the locked variant of a destination, leaving a
// previous version under the final name alone.
func Discard(ctx context.Context, ops Ops, final string) error {
	if err := ops.Remove(ctx, Name(final)); err != nil && !errtypes.Is[errtypes.IsNotFound](err) {
		return err
	}
	return nil
}

// Local is the receiving side of gets: the local filesystem.
type Local struct{}

// Checksum implements Ops.
func (Local) Checksum(_ context.Context, path string) (string, error) {
	return checksum.File(path)
}

// Rename implements Ops. The final path is flocked so that concurrent
// commits onto the same file are serialised.
func (Local) Rename(ctx context.Context, from, to string) error {
	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return errors.Wrap(err, "lockedfile: error creating parent")
	}
	return filelocks.WithWriteLock(ctx, to, func() error {
		return os.Rename(from, to)
	})
}

// Remove implements Ops.
func (Local) Remove(_ context.Context, path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return errtypes.NotFound(path)
	}
	return err
}
