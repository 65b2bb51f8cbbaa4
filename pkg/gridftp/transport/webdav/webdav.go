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

// Package webdav is a transport for http(s) and dav(s) URLs backed by a
// WebDAV endpoint.
package webdav

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"github.com/cs3org/digs/pkg/checksum"
	"github.com/cs3org/digs/pkg/errtypes"
	"github.com/cs3org/digs/pkg/gridftp"
	"github.com/cs3org/digs/pkg/storage/utils/listing"
	"github.com/cs3org/digs/pkg/utils/cfg"
	"github.com/pkg/errors"
	"github.com/studio-b12/gowebdav"
)

func init() {
	gridftp.RegisterTransport("webdav", New)
}

type config struct {
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// MaxClients bounds the number of endpoints a client is kept for.
	MaxClients int `mapstructure:"max_clients"`
}

func (c *config) ApplyDefaults() {
	if c.MaxClients <= 0 {
		c.MaxClients = 64
	}
}

type transport struct {
	c       config
	clients gcache.Cache
}

// New returns a transport talking WebDAV.
func New(m map[string]interface{}) (gridftp.Transport, error) {
	c := config{}
	if err := cfg.Decode(m, &c); err != nil {
		return nil, errors.Wrap(err, "webdav: error decoding conf")
	}
	t := &transport{c: c}
	t.clients = gcache.New(c.MaxClients).LRU().LoaderFunc(func(key interface{}) (interface{}, error) {
		cl := gowebdav.NewClient(key.(string), c.User, c.Password)
		if c.Token != "" {
			cl.SetHeader("Authorization", "Bearer "+c.Token)
		}
		if c.Timeout > 0 {
			cl.SetTimeout(c.Timeout)
		}
		return cl, nil
	}).Build()
	return t, nil
}

// endpoint returns the base URL of the server behind u.
func endpoint(u *url.URL) string {
	scheme := u.Scheme
	switch scheme {
	case "dav":
		scheme = "http"
	case "davs":
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func (t *transport) client(u *url.URL) (*gowebdav.Client, error) {
	v, err := t.clients.Get(endpoint(u))
	if err != nil {
		return nil, errors.Wrap(err, "webdav: error getting client")
	}
	return v.(*gowebdav.Client), nil
}

func notFound(err error, p string) error {
	if gowebdav.IsErrNotFound(err) {
		return errtypes.NotFound(p)
	}
	return err
}

func (t *transport) Get(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	c, err := t.client(u)
	if err != nil {
		return nil, err
	}
	fi, err := c.Stat(u.Path)
	if err != nil {
		return nil, notFound(err, u.Path)
	}
	if fi.IsDir() {
		return nil, errtypes.NotAFile(u.Path)
	}
	r, err := c.ReadStream(u.Path)
	if err != nil {
		return nil, notFound(err, u.Path)
	}
	return r, nil
}

// upload is the writing end of a streamed PUT.
type upload struct {
	pw   *io.PipeWriter
	err  error
	done chan struct{}
}

func (w *upload) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *upload) Close() error {
	_ = w.pw.Close()
	<-w.done
	return w.err
}

func (t *transport) Put(ctx context.Context, u *url.URL, size int64) (io.WriteCloser, error) {
	c, err := t.client(u)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	w := &upload{pw: pw, done: make(chan struct{})}
	go func() {
		w.err = c.WriteStream(u.Path, pr, 0644)
		_ = pr.CloseWithError(w.err)
		close(w.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = pw.CloseWithError(ctx.Err())
		case <-w.done:
		}
	}()
	return w, nil
}

func (t *transport) List(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	c, err := t.client(u)
	if err != nil {
		return nil, err
	}
	fi, err := c.Stat(u.Path)
	if err != nil {
		return nil, notFound(err, u.Path)
	}
	var b strings.Builder
	if !fi.IsDir() {
		b.WriteString(listing.Format(entry(fi)))
		return io.NopCloser(strings.NewReader(b.String())), nil
	}
	infos, err := c.ReadDir(u.Path)
	if err != nil {
		return nil, notFound(err, u.Path)
	}
	for _, info := range infos {
		b.WriteString(listing.Format(entry(info)))
	}
	return io.NopCloser(strings.NewReader(b.String())), nil
}

func (t *transport) Stat(ctx context.Context, u *url.URL) (*listing.Entry, error) {
	c, err := t.client(u)
	if err != nil {
		return nil, err
	}
	fi, err := c.Stat(u.Path)
	if err != nil {
		return nil, notFound(err, u.Path)
	}
	e := entry(fi)
	return &e, nil
}

func (t *transport) Mkdir(ctx context.Context, u *url.URL) error {
	c, err := t.client(u)
	if err != nil {
		return err
	}
	if _, err := c.Stat(u.Path); err == nil {
		return errtypes.AlreadyExists(u.Path)
	}
	return c.Mkdir(u.Path, 0755)
}

func (t *transport) Rmdir(ctx context.Context, u *url.URL) error {
	c, err := t.client(u)
	if err != nil {
		return err
	}
	fi, err := c.Stat(u.Path)
	if err != nil {
		return notFound(err, u.Path)
	}
	if !fi.IsDir() {
		return errtypes.BadRequest("not a directory: " + u.Path)
	}
	children, err := c.ReadDir(u.Path)
	if err != nil {
		return notFound(err, u.Path)
	}
	if len(children) > 0 {
		return errtypes.BadRequest("directory not empty: " + u.Path)
	}
	return notFound(c.Remove(u.Path), u.Path)
}

func (t *transport) Delete(ctx context.Context, u *url.URL) error {
	c, err := t.client(u)
	if err != nil {
		return err
	}
	fi, err := c.Stat(u.Path)
	if err != nil {
		return notFound(err, u.Path)
	}
	if fi.IsDir() {
		return errtypes.NotAFile(u.Path)
	}
	return notFound(c.Remove(u.Path), u.Path)
}

func (t *transport) Move(ctx context.Context, from, to *url.URL) error {
	if endpoint(from) != endpoint(to) {
		return errtypes.NotSupported("move across endpoints")
	}
	c, err := t.client(from)
	if err != nil {
		return err
	}
	return notFound(c.Rename(from.Path, to.Path, true), from.Path)
}

// Checksum reads the file back since plain WebDAV has no checksum verb.
func (t *transport) Checksum(ctx context.Context, u *url.URL, algorithm string) (string, error) {
	if !strings.EqualFold(algorithm, checksum.MD5) {
		return "", errtypes.NotSupported("checksum algorithm " + algorithm)
	}
	r, err := t.Get(ctx, u)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return checksum.Reader(r)
}

func (t *transport) Chmod(ctx context.Context, u *url.URL, mode os.FileMode) error {
	return errtypes.NotSupported("chmod over webdav")
}

func entry(fi os.FileInfo) listing.Entry {
	e := listing.Entry{
		Name:    fi.Name(),
		Kind:    listing.File,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		Mode:    fi.Mode().Perm(),
	}
	if fi.IsDir() {
		e.Kind = listing.Dir
		e.Size = 0
	}
	return e
}
