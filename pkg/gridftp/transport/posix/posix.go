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

// Package posix is a transport for file:// URLs, used for nodes whose
// storage is mounted locally and for tests.
package posix

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cs3org/digs/pkg/checksum"
	"github.com/cs3org/digs/pkg/errtypes"
	"github.com/cs3org/digs/pkg/gridftp"
	"github.com/cs3org/digs/pkg/storage/utils/listing"
	"github.com/cs3org/digs/pkg/utils/cfg"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func init() {
	gridftp.RegisterTransport("posix", New)
}

type config struct {
	// Root is prepended to every URL path.
	Root string `mapstructure:"root"`
}

type transport struct {
	c config
}

// New returns a transport working on the local filesystem.
func New(m map[string]interface{}) (gridftp.Transport, error) {
	c := config{}
	if err := cfg.Decode(m, &c); err != nil {
		return nil, errors.Wrap(err, "posix: error decoding conf")
	}
	return &transport{c: c}, nil
}

func (t *transport) path(u *url.URL) string {
	return filepath.Join(t.c.Root, filepath.Clean("/"+u.Path))
}

func (t *transport) Get(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	p := t.path(u)
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.IsDir() {
		f.Close()
		return nil, errtypes.NotAFile(u.Path)
	}
	return f, nil
}

func (t *transport) Put(ctx context.Context, u *url.URL, size int64) (io.WriteCloser, error) {
	p := t.path(u)
	if fi, err := os.Stat(p); err == nil && fi.IsDir() {
		return nil, errtypes.NotAFile(u.Path)
	}
	return os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
}

func (t *transport) List(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	p := t.path(u)
	fi, err := os.Stat(p)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	if !fi.IsDir() {
		b.WriteString(listing.Format(entry(fi.Name(), fi)))
		return io.NopCloser(strings.NewReader(b.String())), nil
	}

	des, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	for _, de := range des {
		info, err := de.Info()
		if err != nil {
			// gone since ReadDir
			continue
		}
		b.WriteString(listing.Format(entry(de.Name(), info)))
	}
	return io.NopCloser(strings.NewReader(b.String())), nil
}

func (t *transport) Stat(ctx context.Context, u *url.URL) (*listing.Entry, error) {
	fi, err := os.Lstat(t.path(u))
	if err != nil {
		return nil, err
	}
	e := entry(fi.Name(), fi)
	return &e, nil
}

func (t *transport) Mkdir(ctx context.Context, u *url.URL) error {
	return os.Mkdir(t.path(u), 0755)
}

func (t *transport) Rmdir(ctx context.Context, u *url.URL) error {
	p := t.path(u)
	fi, err := os.Lstat(p)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return errtypes.BadRequest("not a directory: " + u.Path)
	}
	if err := unix.Rmdir(p); err != nil {
		if err == unix.ENOTEMPTY || err == unix.EEXIST {
			return errtypes.BadRequest("directory not empty: " + u.Path)
		}
		return &os.PathError{Op: "rmdir", Path: p, Err: err}
	}
	return nil
}

func (t *transport) Delete(ctx context.Context, u *url.URL) error {
	p := t.path(u)
	fi, err := os.Lstat(p)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return errtypes.NotAFile(u.Path)
	}
	return os.Remove(p)
}

func (t *transport) Move(ctx context.Context, from, to *url.URL) error {
	src := t.path(from)
	if _, err := os.Lstat(src); err != nil {
		return err
	}
	return os.Rename(src, t.path(to))
}

func (t *transport) Checksum(ctx context.Context, u *url.URL, algorithm string) (string, error) {
	if !strings.EqualFold(algorithm, checksum.MD5) {
		return "", errtypes.NotSupported("checksum algorithm " + algorithm)
	}
	p := t.path(u)
	fi, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if fi.IsDir() {
		return "", errtypes.NotAFile(u.Path)
	}
	return checksum.File(p)
}

func (t *transport) Chmod(ctx context.Context, u *url.URL, mode os.FileMode) error {
	return os.Chmod(t.path(u), mode.Perm())
}

func entry(name string, fi os.FileInfo) listing.Entry {
	e := listing.Entry{
		Name:    name,
		Kind:    listing.File,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		Mode:    fi.Mode().Perm(),
	}
	switch {
	case fi.IsDir():
		e.Kind = listing.Dir
	case fi.Mode()&os.ModeSymlink != 0:
		e.Kind = listing.Link
	case !fi.Mode().IsRegular():
		e.Kind = listing.Other
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		e.Owner = lookupUser(st.Uid)
		e.Group = lookupGroup(st.Gid)
	}
	return e
}

func lookupUser(uid uint32) string {
	id := fmt.Sprint(uid)
	if u, err := user.LookupId(id); err == nil {
		return u.Username
	}
	return id
}

func lookupGroup(gid uint32) string {
	id := fmt.Sprint(gid)
	if g, err := user.LookupGroupId(id); err == nil {
		return g.Name
	}
	return id
}
