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

// Package element binds a storage backend to the node registry and exposes
// the operations of a storage element in logical paths. Every error leaving
// this package is a *status.Error.
package element

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cs3org/digs/pkg/appctx"
	"github.com/cs3org/digs/pkg/errtypes"
	"github.com/cs3org/digs/pkg/metrics"
	"github.com/cs3org/digs/pkg/node"
	"github.com/cs3org/digs/pkg/storage"
	"github.com/cs3org/digs/pkg/storage/registry"
	"github.com/cs3org/digs/pkg/storage/status"
	"github.com/cs3org/digs/pkg/storage/utils/listing"
	"github.com/cs3org/digs/pkg/storage/utils/lockedfile"
	"github.com/cs3org/digs/pkg/storage/utils/tree"
)

// DirMarker replaces the slashes of a logical path in inbox file names.
const DirMarker = "-DIR-"

// DefaultMaxLockedAge is how old a locked file gets before housekeeping
// removes it, unless the backend says otherwise.
const DefaultMaxLockedAge = 24 * time.Hour

// Element is a named storage element of a given backend type.
type Element struct {
	name    string
	typ     string
	backend storage.Backend
	nodes   node.Registry

	// direction of the transfers started through this element
	transfers sync.Map
}

// New builds the element name with the backend registered as typ.
func New(ctx context.Context, name, typ string, m map[string]interface{}, s *storage.Services) (*Element, error) {
	f, ok := registry.NewFuncs[typ]
	if !ok {
		return nil, status.Newf(status.NoService, "element %s: unknown backend type %q", name, typ)
	}
	if s == nil || s.Nodes == nil {
		return nil, status.Newf(status.NoService, "element %s: no node registry", name)
	}
	b, err := f(ctx, m, s)
	if err != nil {
		return nil, status.Translate(err)
	}
	return NewWithBackend(name, typ, b, s.Nodes), nil
}

// NewWithBackend wraps an already built backend.
func NewWithBackend(name, typ string, b storage.Backend, nodes node.Registry) *Element {
	return &Element{name: name, typ: typ, backend: b, nodes: nodes}
}

// Name returns the name of the element.
func (e *Element) Name() string { return e.name }

// Type returns the backend type of the element.
func (e *Element) Type() string { return e.typ }

// Backend returns the operations bound to the element.
func (e *Element) Backend() storage.Backend { return e.backend }

// MaxLockedAge returns the housekeeping threshold of the element.
func (e *Element) MaxLockedAge() time.Duration {
	if a, ok := e.backend.(storage.MaxLockedAger); ok {
		return a.MaxLockedAge()
	}
	return DefaultMaxLockedAge
}

// Close releases the connections held by the backend.
func (e *Element) Close() error {
	if c, ok := e.backend.(storage.Closer); ok {
		return status.Translate(c.Close())
	}
	return nil
}

func (e *Element) ctx(ctx context.Context, op, host string) context.Context {
	ctx, _ = appctx.WithFields(ctx, "element", e.name, "op", op, "host", host)
	return ctx
}

// fail translates err once, logging what crossed the boundary.
func (e *Element) fail(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	serr := status.Translate(err)
	appctx.GetLogger(ctx).Debug().Err(err).Str("code", status.CodeOf(serr).String()).Msg("operation failed")
	return serr
}

// full turns a logical path into the absolute path on host.
func (e *Element) full(host, logical string) (string, error) {
	root, err := e.nodes.PathForHost(host)
	if err != nil {
		return "", err
	}
	return path.Join(root, path.Clean("/"+logical)), nil
}

func (e *Element) inbox(host string) (string, error) {
	inbox, err := e.nodes.InboxForHost(host)
	if err != nil {
		if errtypes.Is[errtypes.IsNotFound](err) {
			return "", status.Newf(status.NoInbox, "no inbox on %s", host)
		}
		return "", err
	}
	if inbox == "" {
		return "", status.Newf(status.NoInbox, "no inbox on %s", host)
	}
	return path.Clean(inbox), nil
}

// InboxName flattens a logical path into a single inbox file name.
func InboxName(logical string) string {
	return strings.ReplaceAll(strings.TrimPrefix(logical, "/"), "/", DirMarker)
}

// LogicalFromInbox reverses InboxName.
func LogicalFromInbox(name string) string {
	return "/" + strings.ReplaceAll(name, DirMarker, "/")
}

// GetLength returns the size of the file at logical.
func (e *Element) GetLength(ctx context.Context, host, logical string) (int64, error) {
	ctx = e.ctx(ctx, "getLength", host)
	p, err := e.full(host, logical)
	if err != nil {
		return -1, e.fail(ctx, err)
	}
	n, err := e.backend.GetLength(ctx, host, p)
	if err != nil {
		return -1, e.fail(ctx, err)
	}
	return n, nil
}

// DoesExist reports whether logical exists on host.
func (e *Element) DoesExist(ctx context.Context, host, logical string) (bool, error) {
	ctx = e.ctx(ctx, "doesExist", host)
	p, err := e.full(host, logical)
	if err != nil {
		return false, e.fail(ctx, err)
	}
	ok, err := e.backend.DoesExist(ctx, host, p)
	return ok, e.fail(ctx, err)
}

// IsDirectory reports whether logical is a directory.
func (e *Element) IsDirectory(ctx context.Context, host, logical string) (bool, error) {
	ctx = e.ctx(ctx, "isDirectory", host)
	p, err := e.full(host, logical)
	if err != nil {
		return false, e.fail(ctx, err)
	}
	ok, err := e.backend.IsDirectory(ctx, host, p)
	return ok, e.fail(ctx, err)
}

func (e *Element) query(ctx context.Context, op, host, logical string, fn func(ctx context.Context, host, path string) (string, error)) (string, error) {
	ctx = e.ctx(ctx, op, host)
	p, err := e.full(host, logical)
	if err != nil {
		return "", e.fail(ctx, err)
	}
	v, err := fn(ctx, host, p)
	if err != nil {
		return "", e.fail(ctx, err)
	}
	return v, nil
}

// GetOwner returns the owner of logical.
func (e *Element) GetOwner(ctx context.Context, host, logical string) (string, error) {
	return e.query(ctx, "getOwner", host, logical, e.backend.GetOwner)
}

// GetGroup returns the group of logical.
func (e *Element) GetGroup(ctx context.Context, host, logical string) (string, error) {
	return e.query(ctx, "getGroup", host, logical, e.backend.GetGroup)
}

// GetPermissions returns the permissions of logical, e.g. 0640.
func (e *Element) GetPermissions(ctx context.Context, host, logical string) (string, error) {
	return e.query(ctx, "getPermissions", host, logical, e.backend.GetPermissions)
}

// GetChecksum returns the MD5 of logical.
func (e *Element) GetChecksum(ctx context.Context, host, logical string) (string, error) {
	return e.query(ctx, "getChecksum", host, logical, e.backend.GetChecksum)
}

// SetGroup changes the group of logical.
func (e *Element) SetGroup(ctx context.Context, host, logical, group string) error {
	return e.mutate(ctx, "setGroup", host, logical, func(ctx context.Context, p string) error {
		return e.backend.SetGroup(ctx, host, p, group)
	})
}

// SetPermissions changes the permissions of logical; perms is octal.
func (e *Element) SetPermissions(ctx context.Context, host, logical, perms string) error {
	return e.mutate(ctx, "setPermissions", host, logical, func(ctx context.Context, p string) error {
		return e.backend.SetPermissions(ctx, host, p, perms)
	})
}

// GetModificationTime returns when logical was last written.
func (e *Element) GetModificationTime(ctx context.Context, host, logical string) (time.Time, error) {
	ctx = e.ctx(ctx, "getModificationTime", host)
	p, err := e.full(host, logical)
	if err != nil {
		return time.Time{}, e.fail(ctx, err)
	}
	t, err := e.backend.GetModificationTime(ctx, host, p)
	if err != nil {
		return time.Time{}, e.fail(ctx, err)
	}
	return t, nil
}

func (e *Element) mutate(ctx context.Context, op, host, logical string, fn func(ctx context.Context, path string) error) error {
	ctx = e.ctx(ctx, op, host)
	p, err := e.full(host, logical)
	if err != nil {
		return e.fail(ctx, err)
	}
	return e.fail(ctx, fn(ctx, p))
}

// Mkdir creates a single directory.
func (e *Element) Mkdir(ctx context.Context, host, logical string) error {
	return e.mutate(ctx, "mkdir", host, logical, func(ctx context.Context, p string) error {
		return e.backend.Mkdir(ctx, host, p)
	})
}

// Mkdirtree creates logical and its missing parents.
func (e *Element) Mkdirtree(ctx context.Context, host, logical string) error {
	return e.mutate(ctx, "mkdirtree", host, logical, func(ctx context.Context, p string) error {
		return tree.Mkdirtree(ctx, storage.OnHost(e.backend, host), p)
	})
}

// Rm removes a file.
func (e *Element) Rm(ctx context.Context, host, logical string) error {
	return e.mutate(ctx, "rm", host, logical, func(ctx context.Context, p string) error {
		return e.backend.Rm(ctx, host, p)
	})
}

// Rmdir removes an empty directory.
func (e *Element) Rmdir(ctx context.Context, host, logical string) error {
	return e.mutate(ctx, "rmdir", host, logical, func(ctx context.Context, p string) error {
		return e.backend.Rmdir(ctx, host, p)
	})
}

// Rmr removes logical and everything below it.
func (e *Element) Rmr(ctx context.Context, host, logical string) error {
	return e.mutate(ctx, "rmr", host, logical, func(ctx context.Context, p string) error {
		return tree.RecursiveRemove(ctx, storage.OnHost(e.backend, host), p)
	})
}

// Mv renames from into to on the same host.
func (e *Element) Mv(ctx context.Context, host, from, to string) error {
	ctx = e.ctx(ctx, "mv", host)
	src, err := e.full(host, from)
	if err != nil {
		return e.fail(ctx, err)
	}
	dst, err := e.full(host, to)
	if err != nil {
		return e.fail(ctx, err)
	}
	return e.fail(ctx, e.backend.Mv(ctx, host, src, dst))
}

// List returns the entries of the directory logical.
func (e *Element) List(ctx context.Context, host, logical string) ([]listing.Entry, error) {
	ctx = e.ctx(ctx, "list", host)
	p, err := e.full(host, logical)
	if err != nil {
		return nil, e.fail(ctx, err)
	}
	entries, err := e.backend.List(ctx, host, p)
	if err != nil {
		return nil, e.fail(ctx, err)
	}
	return entries, nil
}

// Ping checks that host answers.
func (e *Element) Ping(ctx context.Context, host string) error {
	ctx = e.ctx(ctx, "ping", host)
	return e.fail(ctx, e.backend.Ping(ctx, host))
}

// ScanNode returns the logical paths of every file stored on host, across
// all of its data disks.
func (e *Element) ScanNode(ctx context.Context, host string, includeLocked bool) ([]string, error) {
	ctx = e.ctx(ctx, "scanNode", host)
	root, err := e.nodes.PathForHost(host)
	if err != nil {
		return nil, e.fail(ctx, err)
	}
	files, err := tree.ScanDisks(ctx, storage.OnHost(e.backend, host), root, includeLocked)
	if err != nil {
		return nil, e.fail(ctx, err)
	}
	return files, nil
}

// ScanInbox returns the names of the files in the inbox of host.
func (e *Element) ScanInbox(ctx context.Context, host string, includeLocked bool) ([]string, error) {
	ctx = e.ctx(ctx, "scanInbox", host)
	inbox, err := e.inbox(host)
	if err != nil {
		return nil, e.fail(ctx, err)
	}
	if !e.present(ctx, host, inbox) {
		return []string{}, nil
	}
	files, err := tree.Scan(ctx, storage.OnHost(e.backend, host), inbox, includeLocked)
	if err != nil {
		return nil, e.fail(ctx, err)
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, strings.TrimPrefix(f, "/"))
	}
	return names, nil
}

// StartPutTransfer copies a local file to logical on host.
func (e *Element) StartPutTransfer(ctx context.Context, host, local, logical string) (storage.Handle, error) {
	ctx = e.ctx(ctx, "startPutTransfer", host)
	p, err := e.full(host, logical)
	if err != nil {
		return 0, e.fail(ctx, err)
	}
	return e.startPut(ctx, host, local, p)
}

func (e *Element) startPut(ctx context.Context, host, local, remote string) (storage.Handle, error) {
	h, err := e.backend.StartPutTransfer(ctx, host, local, remote)
	if err != nil {
		return 0, e.fail(ctx, err)
	}
	e.started(h, "put")
	appctx.GetLogger(ctx).Info().Int64("handle", int64(h)).Str("local", local).Str("remote", remote).Msg("put started")
	return h, nil
}

// StartGetTransfer copies logical on host to a local file.
func (e *Element) StartGetTransfer(ctx context.Context, host, logical, local string) (storage.Handle, error) {
	ctx = e.ctx(ctx, "startGetTransfer", host)
	p, err := e.full(host, logical)
	if err != nil {
		return 0, e.fail(ctx, err)
	}
	h, err := e.backend.StartGetTransfer(ctx, host, p, local)
	if err != nil {
		return 0, e.fail(ctx, err)
	}
	e.started(h, "get")
	appctx.GetLogger(ctx).Info().Int64("handle", int64(h)).Str("remote", p).Str("local", local).Msg("get started")
	return h, nil
}

// StartCopyToInbox copies a local file into the inbox of host, under the
// flattened form of logical.
func (e *Element) StartCopyToInbox(ctx context.Context, host, local, logical string) (storage.Handle, error) {
	ctx = e.ctx(ctx, "startCopyToInbox", host)
	inbox, err := e.inbox(host)
	if err != nil {
		return 0, e.fail(ctx, err)
	}
	return e.startPut(ctx, host, local, path.Join(inbox, InboxName(logical)))
}

// CopyFromInbox moves the inbox file holding logical to its place in the
// storage of host.
func (e *Element) CopyFromInbox(ctx context.Context, host, logical string) error {
	ctx = e.ctx(ctx, "copyFromInbox", host)
	inbox, err := e.inbox(host)
	if err != nil {
		return e.fail(ctx, err)
	}
	dst, err := e.full(host, logical)
	if err != nil {
		return e.fail(ctx, err)
	}
	if parent := path.Dir(dst); parent != "/" {
		if err := tree.Mkdirtree(ctx, storage.OnHost(e.backend, host), parent); err != nil && !errtypes.Is[errtypes.IsAlreadyExists](err) {
			return e.fail(ctx, err)
		}
	}
	return e.fail(ctx, e.backend.Mv(ctx, host, path.Join(inbox, InboxName(logical)), dst))
}

// MonitorTransfer polls h without blocking.
func (e *Element) MonitorTransfer(ctx context.Context, h storage.Handle) (storage.Progress, error) {
	ctx = e.ctx(ctx, "monitorTransfer", "")
	p, err := e.backend.MonitorTransfer(ctx, h)
	if err != nil {
		return storage.Progress{Status: storage.TransferFailed}, e.fail(ctx, err)
	}
	return p, nil
}

// EndTransfer verifies and commits h.
func (e *Element) EndTransfer(ctx context.Context, h storage.Handle) error {
	ctx = e.ctx(ctx, "endTransfer", "")
	err := e.fail(ctx, e.backend.EndTransfer(ctx, h))
	e.finished(h, status.CodeOf(err).String())
	if status.Is(err, status.InvalidChecksum) {
		metrics.Get().ChecksumMismatches.WithLabelValues(e.typ).Inc()
	}
	if err == nil {
		appctx.GetLogger(ctx).Info().Int64("handle", int64(h)).Msg("transfer committed")
	}
	return err
}

// CancelTransfer aborts h and removes its artifacts.
func (e *Element) CancelTransfer(ctx context.Context, h storage.Handle) error {
	ctx = e.ctx(ctx, "cancelTransfer", "")
	err := e.fail(ctx, e.backend.CancelTransfer(ctx, h))
	e.finished(h, "CANCELLED")
	return err
}

func (e *Element) started(h storage.Handle, direction string) {
	e.transfers.Store(h, direction)
	metrics.Get().TransfersStarted.WithLabelValues(e.typ, direction).Inc()
}

func (e *Element) finished(h storage.Handle, code string) {
	v, ok := e.transfers.LoadAndDelete(h)
	if !ok {
		return
	}
	metrics.Get().TransfersFinished.WithLabelValues(e.typ, v.(string), code).Inc()
}

// Housekeeping removes the locked files on host that are older than the
// element threshold. It goes on after a failed removal and reports the
// first failure.
func (e *Element) Housekeeping(ctx context.Context, host string) error {
	ctx = e.ctx(ctx, "housekeeping", host)
	log := appctx.GetLogger(ctx)

	root, err := e.nodes.PathForHost(host)
	if err != nil {
		return e.fail(ctx, err)
	}
	var locked []string
	files, err := tree.ScanDisks(ctx, storage.OnHost(e.backend, host), root, true)
	if err != nil {
		return e.fail(ctx, err)
	}
	for _, f := range files {
		if lockedfile.IsLocked(f) {
			locked = append(locked, path.Join(root, f))
		}
	}
	if inbox, err := e.inbox(host); err == nil && e.present(ctx, host, inbox) {
		files, err := tree.Scan(ctx, storage.OnHost(e.backend, host), inbox, true)
		if err != nil {
			return e.fail(ctx, err)
		}
		for _, f := range files {
			if lockedfile.IsLocked(f) {
				locked = append(locked, path.Join(inbox, f))
			}
		}
	}

	cutoff := time.Now().Add(-e.MaxLockedAge())
	removed := metrics.Get().LockedFilesRemoved.WithLabelValues(e.name)
	var first error
	for _, p := range locked {
		mtime, err := e.backend.GetModificationTime(ctx, host, p)
		if err != nil {
			log.Warn().Err(err).Str("path", p).Msg("cannot stat locked file")
			continue
		}
		if mtime.After(cutoff) {
			continue
		}
		if err := e.backend.Rm(ctx, host, p); err != nil && !errtypes.Is[errtypes.IsNotFound](err) {
			log.Error().Err(err).Str("path", p).Msg("error removing stale locked file")
			if first == nil {
				first = err
			}
			continue
		}
		removed.Inc()
		log.Info().Str("path", p).Time("mtime", mtime).Msg("removed stale locked file")
	}
	return e.fail(ctx, first)
}

// present is a guard check: a failing query counts as absent.
func (e *Element) present(ctx context.Context, host, p string) bool {
	ok, err := e.backend.DoesExist(ctx, host, p)
	return err == nil && ok
}
