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

// Package gridftp is the storage backend talking to the nodes directly
// through the transfer engine.
package gridftp

import (
	"context"
	"net"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/cs3org/digs/pkg/appctx"
	"github.com/cs3org/digs/pkg/checksum"
	"github.com/cs3org/digs/pkg/errtypes"
	"github.com/cs3org/digs/pkg/gridftp"
	"github.com/cs3org/digs/pkg/node"
	"github.com/cs3org/digs/pkg/remotecmd"
	"github.com/cs3org/digs/pkg/storage"
	"github.com/cs3org/digs/pkg/storage/registry"
	"github.com/cs3org/digs/pkg/storage/utils/listing"
	"github.com/cs3org/digs/pkg/storage/utils/lockedfile"
	"github.com/cs3org/digs/pkg/storage/utils/tree"
	"github.com/cs3org/digs/pkg/utils/cfg"
	"github.com/pkg/errors"
)

func init() {
	registry.Register("gridftp", New)
}

type config struct {
	// Scheme of the URLs handed to the engine.
	Scheme string `mapstructure:"scheme"`
	// Port of the data service on the nodes, 0 for the scheme default.
	Port int `mapstructure:"port"`
	// ChgrpCommand is run on the node to change the group of a path.
	ChgrpCommand string `mapstructure:"chgrp_command"`
}

func (c *config) ApplyDefaults() {
	if c.Scheme == "" {
		c.Scheme = "gsiftp"
	}
	if c.ChgrpCommand == "" {
		c.ChgrpCommand = "chgrp"
	}
}

// Backend implements storage.Backend on top of the transfer engine.
type Backend struct {
	c      config
	engine *gridftp.Engine
	nodes  node.Registry
	runner remotecmd.Runner
}

// New returns a gridftp backend.
func New(ctx context.Context, m map[string]interface{}, s *storage.Services) (storage.Backend, error) {
	c := config{}
	if err := cfg.Decode(m, &c); err != nil {
		return nil, errors.Wrap(err, "gridftp: error decoding conf")
	}
	if s == nil || s.Engine == nil || s.Nodes == nil {
		return nil, errtypes.InternalError("gridftp: engine and node registry are required")
	}
	return &Backend{
		c:      c,
		engine: s.Engine,
		nodes:  s.Nodes,
		runner: s.Runner,
	}, nil
}

func (b *Backend) url(host, p string) string {
	h := host
	if b.c.Port > 0 {
		h = net.JoinHostPort(host, strconv.Itoa(b.c.Port))
	}
	u := url.URL{Scheme: b.c.Scheme, Host: h, Path: path.Clean("/" + p)}
	return u.String()
}

func (b *Backend) timeout(ctx context.Context, host string) time.Duration {
	t, err := b.nodes.FTPTimeoutForHost(host)
	if err != nil || t <= 0 {
		appctx.GetLogger(ctx).Debug().Err(err).Str("host", host).Msg("no ftp timeout for host, using default")
		return gridftp.DefaultTimeout
	}
	return t
}

func (b *Backend) stat(ctx context.Context, host, p string) (*listing.Entry, error) {
	return b.engine.Stat(ctx, b.url(host, p), b.timeout(ctx, host))
}

// GetLength implements storage.Backend.
func (b *Backend) GetLength(ctx context.Context, host, p string) (int64, error) {
	st, err := b.stat(ctx, host, p)
	if err != nil {
		return -1, err
	}
	if st.IsDir() {
		return -1, errtypes.NotAFile(p)
	}
	return st.Size, nil
}

// DoesExist implements storage.Backend. A missing path is not an error.
func (b *Backend) DoesExist(ctx context.Context, host, p string) (bool, error) {
	_, err := b.stat(ctx, host, p)
	if err != nil {
		if errtypes.Is[errtypes.IsNotFound](err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsDirectory implements storage.Backend. A missing path is an error.
func (b *Backend) IsDirectory(ctx context.Context, host, p string) (bool, error) {
	st, err := b.stat(ctx, host, p)
	if err != nil {
		return false, err
	}
	return st.IsDir(), nil
}

// GetOwner implements storage.Backend.
func (b *Backend) GetOwner(ctx context.Context, host, p string) (string, error) {
	st, err := b.stat(ctx, host, p)
	if err != nil {
		return "", err
	}
	return st.Owner, nil
}

// GetGroup implements storage.Backend.
func (b *Backend) GetGroup(ctx context.Context, host, p string) (string, error) {
	st, err := b.stat(ctx, host, p)
	if err != nil {
		return "", err
	}
	return st.Group, nil
}

// GetPermissions implements storage.Backend.
func (b *Backend) GetPermissions(ctx context.Context, host, p string) (string, error) {
	st, err := b.stat(ctx, host, p)
	if err != nil {
		return "", err
	}
	return st.Permissions(), nil
}

// GetModificationTime implements storage.Backend.
func (b *Backend) GetModificationTime(ctx context.Context, host, p string) (time.Time, error) {
	st, err := b.stat(ctx, host, p)
	if err != nil {
		return time.Time{}, err
	}
	return st.ModTime, nil
}

// GetChecksum implements storage.Backend.
func (b *Backend) GetChecksum(ctx context.Context, host, p string) (string, error) {
	return b.engine.Checksum(ctx, b.url(host, p), checksum.MD5, b.timeout(ctx, host))
}

// SetGroup runs chgrp on the node, the data channel having no verb for it.
func (b *Backend) SetGroup(ctx context.Context, host, p, group string) error {
	if b.runner == nil {
		return errtypes.NotSupported("gridftp: no remote command runner configured")
	}
	_, err := b.runner.Run(ctx, host, []string{b.c.ChgrpCommand, group, p})
	return err
}

// SetPermissions implements storage.Backend.
func (b *Backend) SetPermissions(ctx context.Context, host, p, perms string) error {
	mode, err := listing.ParseMode(perms)
	if err != nil {
		return err
	}
	return b.engine.Chmod(ctx, b.url(host, p), mode, b.timeout(ctx, host))
}

// Mkdir implements storage.Backend.
func (b *Backend) Mkdir(ctx context.Context, host, p string) error {
	return b.engine.Mkdir(ctx, b.url(host, p), b.timeout(ctx, host))
}

// Rm implements storage.Backend.
func (b *Backend) Rm(ctx context.Context, host, p string) error {
	return b.engine.Delete(ctx, b.url(host, p), b.timeout(ctx, host))
}

// Rmdir implements storage.Backend.
func (b *Backend) Rmdir(ctx context.Context, host, p string) error {
	return b.engine.Rmdir(ctx, b.url(host, p), b.timeout(ctx, host))
}

// Mv implements storage.Backend.
func (b *Backend) Mv(ctx context.Context, host, from, to string) error {
	return b.engine.Move(ctx, b.url(host, from), b.url(host, to), b.timeout(ctx, host))
}

// List implements storage.Backend.
func (b *Backend) List(ctx context.Context, host, p string) ([]listing.Entry, error) {
	return b.engine.List(ctx, b.url(host, p), b.timeout(ctx, host))
}

// Ping stats the storage root of the host.
func (b *Backend) Ping(ctx context.Context, host string) error {
	root, err := b.nodes.PathForHost(host)
	if err != nil {
		return err
	}
	_, err = b.stat(ctx, host, root)
	return err
}

// StartPutTransfer writes local to the locked name of remote. The sender
// checksum is computed here, before any byte moves.
func (b *Backend) StartPutTransfer(ctx context.Context, host, local, remote string) (storage.Handle, error) {
	sum, err := checksum.File(local)
	if err != nil {
		return 0, err
	}

	if parent := path.Dir(path.Clean(remote)); parent != "/" {
		if err := tree.Mkdirtree(ctx, storage.OnHost(b, host), parent); err != nil && !errtypes.Is[errtypes.IsAlreadyExists](err) {
			return 0, errors.Wrapf(err, "gridftp: error creating %s", parent)
		}
	}

	return b.engine.StartWrite(ctx, gridftp.Transfer{
		Local:    local,
		URL:      b.url(host, lockedfile.Name(remote)),
		Checksum: sum,
		DestPath: remote,
		Hostname: host,
	})
}

// StartGetTransfer reads remote into the locked name of local. The sender
// checksum is asked from the node before the transfer starts.
func (b *Backend) StartGetTransfer(ctx context.Context, host, remote, local string) (storage.Handle, error) {
	st, err := b.stat(ctx, host, remote)
	if err != nil {
		return 0, err
	}
	if st.IsDir() {
		return 0, errtypes.NotAFile(remote)
	}
	sum, err := b.GetChecksum(ctx, host, remote)
	if err != nil {
		return 0, err
	}

	return b.engine.StartRead(ctx, gridftp.Transfer{
		Local:    lockedfile.Name(local),
		URL:      b.url(host, remote),
		Checksum: sum,
		DestPath: local,
		Hostname: host,
	}, st.Size)
}

// MonitorTransfer implements storage.Backend.
func (b *Backend) MonitorTransfer(ctx context.Context, h storage.Handle) (storage.Progress, error) {
	p, err := b.engine.Progress(h)
	if err != nil {
		return storage.Progress{Status: storage.TransferFailed}, err
	}
	return progress(p), nil
}

func progress(p gridftp.Progress) storage.Progress {
	switch {
	case p.Done && p.Succeeded:
		return storage.Progress{Status: storage.TransferDone, Percent: 100}
	case p.Done:
		return storage.Progress{Status: storage.TransferFailed, Percent: p.Percent()}
	}
	return storage.Progress{Status: storage.TransferInProgress, Percent: p.Percent()}
}

// EndTransfer commits a finished transfer: the receiver checksums the
// locked file and renames it when it matches the sender checksum.
func (b *Backend) EndTransfer(ctx context.Context, h storage.Handle) error {
	p, err := b.engine.Progress(h)
	if err != nil {
		return err
	}
	if !p.Done {
		return errtypes.BadRequest("transfer " + h.String() + " still in progress")
	}
	b.engine.Release(h)

	ops := b.ops(p)
	if !p.Succeeded {
		if err := lockedfile.Discard(ctx, ops, p.DestPath); err != nil {
			appctx.GetLogger(ctx).Error().Err(err).Str("path", p.DestPath).Msg("error cleaning up failed transfer")
		}
		return p.Err
	}
	return lockedfile.Commit(ctx, ops, p.DestPath, p.Checksum)
}

// CancelTransfer aborts h and removes both variants of its destination.
// A handle that is already gone has nothing left to cancel.
func (b *Backend) CancelTransfer(ctx context.Context, h storage.Handle) error {
	p, err := b.engine.Progress(h)
	if errtypes.Is[errtypes.IsNotFound](err) {
		return nil
	}
	if err != nil {
		return err
	}
	b.engine.Cancel(h)
	return lockedfile.Cleanup(ctx, b.ops(p), p.DestPath)
}

// ops returns the receiving side of a transfer.
func (b *Backend) ops(p gridftp.Progress) lockedfile.Ops {
	if p.Writing {
		return remote{b: b, host: p.Hostname}
	}
	return lockedfile.Local{}
}

// remote is the receiving side of puts.
type remote struct {
	b    *Backend
	host string
}

func (r remote) Checksum(ctx context.Context, p string) (string, error) {
	return r.b.GetChecksum(ctx, r.host, p)
}

func (r remote) Rename(ctx context.Context, from, to string) error {
	return r.b.Mv(ctx, r.host, from, to)
}

func (r remote) Remove(ctx context.Context, p string) error {
	return r.b.Rm(ctx, r.host, p)
}
