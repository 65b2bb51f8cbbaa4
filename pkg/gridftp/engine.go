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

// Package gridftp is the transfer engine shared by the gridftp and srm
// backends. It streams files in bounded chunks through a Transport and
// tracks every operation as a transaction in the registry.
package gridftp

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cs3org/digs/pkg/appctx"
	"github.com/cs3org/digs/pkg/errtypes"
	"github.com/cs3org/digs/pkg/metrics"
	"github.com/cs3org/digs/pkg/storage/utils/listing"
	"github.com/cs3org/digs/pkg/transaction"
	"github.com/cs3org/digs/pkg/utils/cfg"
	"github.com/pkg/errors"
)

// DefaultTimeout bounds metadata operations when the caller gives none.
const DefaultTimeout = 30 * time.Second

// Options configures the engine.
type Options struct {
	// ChunkSize is the size of a single read or write on the data channel.
	ChunkSize int `mapstructure:"chunk_size"`
	// Schemes maps an URL scheme to the transport driving it.
	Schemes map[string]string `mapstructure:"schemes"`
	// Transports holds the configuration of each transport.
	Transports map[string]map[string]interface{} `mapstructure:"transports"`
}

// ApplyDefaults sets the default options.
func (o *Options) ApplyDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1 << 20
	}
	defaults := map[string]string{
		"file":  "posix",
		"http":  "webdav",
		"https": "webdav",
		"dav":   "webdav",
		"davs":  "webdav",
	}
	if o.Schemes == nil {
		o.Schemes = map[string]string{}
	}
	for k, v := range defaults {
		if _, ok := o.Schemes[k]; !ok {
			o.Schemes[k] = v
		}
	}
}

// Engine runs transfers and metadata operations through transports.
type Engine struct {
	reg  *transaction.Registry
	opts Options

	mu        sync.Mutex
	instances map[string]Transport
}

// New returns an engine recording its operations in reg.
func New(reg *transaction.Registry, m map[string]interface{}) (*Engine, error) {
	o := Options{}
	if err := cfg.Decode(m, &o); err != nil {
		return nil, errors.Wrap(err, "gridftp: error decoding conf")
	}
	return &Engine{
		reg:       reg,
		opts:      o,
		instances: map[string]Transport{},
	}, nil
}

// Registry returns the transaction registry of the engine.
func (e *Engine) Registry() *transaction.Registry {
	return e.reg
}

func (e *Engine) resolve(rawurl string) (*url.URL, Transport, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, nil, errtypes.BadRequest("gridftp: invalid url " + rawurl)
	}
	name, ok := e.opts.Schemes[u.Scheme]
	if !ok {
		return nil, nil, errtypes.NotSupported("gridftp: no transport for scheme " + u.Scheme)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.instances[name]; ok {
		return u, t, nil
	}
	f, ok := Transports[name]
	if !ok {
		return nil, nil, errtypes.NotSupported("gridftp: transport not registered: " + name)
	}
	t, err := f(e.opts.Transports[name])
	if err != nil {
		return nil, nil, errors.Wrapf(err, "gridftp: error creating transport %s", name)
	}
	e.instances[name] = t
	return u, t, nil
}

// detach returns a context that survives the caller's request but keeps
// its logger.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(appctx.WithLogger(context.Background(), appctx.GetLogger(ctx)))
}

// Transfer describes one streaming transfer between a local file and an URL.
type Transfer struct {
	Local    string
	URL      string
	Checksum string
	DestPath string
	Hostname string
}

// StartWrite streams the local file to the remote URL and returns at once.
func (e *Engine) StartWrite(ctx context.Context, t Transfer) (transaction.Handle, error) {
	u, tr, err := e.resolve(t.URL)
	if err != nil {
		return 0, err
	}

	f, err := os.Open(t.Local)
	if err != nil {
		return 0, classify(err, t.Local)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, classify(err, t.Local)
	}
	if fi.IsDir() {
		f.Close()
		return 0, errtypes.NotAFile(t.Local)
	}
	local := &onceCloser{c: f}

	opCtx, cancel := detach(ctx)
	h, err := e.create("put "+t.URL, func(tx *transaction.Transaction) {
		tx.Writing = true
		tx.Length = fi.Size()
		tx.Checksum = t.Checksum
		tx.DestPath = t.DestPath
		tx.Hostname = t.Hostname
		tx.Buffer = make([]byte, e.opts.ChunkSize)
		tx.SetAbort(cancel)
		tx.SetRelease(func() {
			cancel()
			_ = local.Close()
		})
	})
	if err != nil {
		cancel()
		local.Close()
		return 0, err
	}

	w, err := tr.Put(opCtx, u, fi.Size())
	if err != nil {
		e.reg.Destroy(h)
		return 0, classify(err, t.URL)
	}

	appctx.GetLogger(ctx).Debug().Int64("handle", int64(h)).Str("url", t.URL).Int64("size", fi.Size()).Msg("put started")
	go e.pump(opCtx, h, local, w, "put", func(err error) error {
		local.Close()
		if err != nil {
			cancel()
		}
		return classify(w.Close(), t.URL)
	})
	return h, nil
}

// StartRead streams the remote URL into the local file and returns at
// once. length is the expected size, or -1 if unknown.
func (e *Engine) StartRead(ctx context.Context, t Transfer, length int64) (transaction.Handle, error) {
	u, tr, err := e.resolve(t.URL)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(t.Local), 0755); err != nil {
		return 0, classify(err, t.Local)
	}
	f, err := os.OpenFile(t.Local, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, classify(err, t.Local)
	}
	local := &onceCloser{c: f}

	opCtx, cancel := detach(ctx)
	h, err := e.create("get "+t.URL, func(tx *transaction.Transaction) {
		tx.Length = length
		tx.Checksum = t.Checksum
		tx.DestPath = t.DestPath
		tx.Hostname = t.Hostname
		tx.Buffer = make([]byte, e.opts.ChunkSize)
		tx.SetAbort(cancel)
		tx.SetRelease(func() {
			cancel()
			_ = local.Close()
		})
	})
	if err != nil {
		cancel()
		local.Close()
		return 0, err
	}

	r, err := tr.Get(opCtx, u)
	if err != nil {
		e.reg.Destroy(h)
		return 0, classify(err, t.URL)
	}

	appctx.GetLogger(ctx).Debug().Int64("handle", int64(h)).Str("url", t.URL).Msg("get started")
	go e.pump(opCtx, h, r, f, "get", func(err error) error {
		rerr := r.Close()
		cerr := local.Close()
		if err != nil {
			return nil
		}
		if cerr != nil {
			return classify(cerr, t.Local)
		}
		return classify(rerr, t.URL)
	})
	return h, nil
}

// StartReadToBuffer reads the listing of the remote URL into the
// transaction's big buffer and returns at once.
func (e *Engine) StartReadToBuffer(ctx context.Context, rawurl string) (transaction.Handle, error) {
	u, tr, err := e.resolve(rawurl)
	if err != nil {
		return 0, err
	}

	opCtx, cancel := detach(ctx)
	h, err := e.create("list "+rawurl, func(tx *transaction.Transaction) {
		tx.ReadToBuffer = true
		tx.Length = -1
		tx.Buffer = make([]byte, e.opts.ChunkSize)
		tx.SetAbort(cancel)
		tx.SetRelease(cancel)
	})
	if err != nil {
		cancel()
		return 0, err
	}

	r, err := tr.List(opCtx, u)
	if err != nil {
		e.reg.Destroy(h)
		return 0, classify(err, rawurl)
	}
	go e.pump(opCtx, h, r, nil, "list", func(error) error {
		return classify(r.Close(), rawurl)
	})
	return h, nil
}

func (e *Engine) create(name string, init func(tx *transaction.Transaction)) (transaction.Handle, error) {
	e.reg.Lock()
	defer e.reg.Unlock()
	tx, err := e.reg.CreateLocked(name)
	if err != nil {
		return 0, err
	}
	init(tx)
	return tx.ID(), nil
}

// pump moves the data of one transaction chunk by chunk. finish closes the
// channel; it gets the failure, if any, and returns the outcome of the close.
func (e *Engine) pump(ctx context.Context, h transaction.Handle, src io.Reader, dst io.Writer, direction string, finish func(error) error) {
	var buf []byte
	if err := e.reg.Locked(h, func(tx *transaction.Transaction) error {
		buf = tx.Buffer
		return nil
	}); err != nil {
		_ = finish(err)
		return
	}

	bytesMoved := metrics.Get().BytesMoved.WithLabelValues(direction)
	for {
		n, rerr := src.Read(buf)
		var err error
		if n > 0 && dst != nil {
			_, err = dst.Write(buf[:n])
		}
		if err == nil && rerr != nil && rerr != io.EOF {
			err = rerr
		}
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			err = classify(err, direction)
		}
		bytesMoved.Add(float64(n))

		if !e.step(ctx, h, buf[:n], err, rerr == io.EOF, finish) {
			return
		}
	}
}

// step records one completed chunk. The transport failure is looked at
// before anything else. It returns false once the transaction is over.
func (e *Engine) step(ctx context.Context, h transaction.Handle, chunk []byte, err error, eof bool, finish func(error) error) bool {
	e.reg.Lock()
	tx, ok := e.reg.FindLocked(h)
	if !ok {
		e.reg.Unlock()
		_ = finish(errtypes.Aborted("transaction destroyed"))
		return false
	}
	if err != nil {
		e.reg.Unlock()
		_ = finish(err)
		appctx.GetLogger(ctx).Debug().Err(err).Int64("handle", int64(h)).Msg("transfer failed")
		e.reg.Complete(h, err)
		return false
	}
	tx.Offset += int64(len(chunk))
	if tx.ReadToBuffer {
		tx.BigBuffer = append(tx.BigBuffer, chunk...)
	}
	e.reg.Unlock()

	if !eof {
		return true
	}
	ferr := finish(nil)
	appctx.GetLogger(ctx).Debug().Err(ferr).Int64("handle", int64(h)).Msg("transfer finished")
	e.reg.Complete(h, ferr)
	return false
}

// Progress is a snapshot of a transaction.
type Progress struct {
	Done      bool
	Succeeded bool
	Err       error
	Offset    int64
	Length    int64
	Writing   bool
	Checksum  string
	DestPath  string
	Hostname  string
}

// Percent returns how much of the data moved, 0 to 100.
func (p Progress) Percent() int {
	if p.Done && p.Succeeded {
		return 100
	}
	if p.Length <= 0 {
		return 0
	}
	pc := int(p.Offset * 100 / p.Length)
	if pc > 100 {
		pc = 100
	}
	return pc
}

// Progress returns the state of h without blocking on the transfer.
func (e *Engine) Progress(h transaction.Handle) (Progress, error) {
	var p Progress
	err := e.reg.Locked(h, func(tx *transaction.Transaction) error {
		p = Progress{
			Done:      tx.Done(),
			Succeeded: tx.Succeeded(),
			Err:       tx.Err(),
			Offset:    tx.Offset,
			Length:    tx.Length,
			Writing:   tx.Writing,
			Checksum:  tx.Checksum,
			DestPath:  tx.DestPath,
			Hostname:  tx.Hostname,
		}
		return nil
	})
	return p, err
}

// WaitFor blocks until h completes or the timeout expires. After false
// the handle must not be used again.
func (e *Engine) WaitFor(h transaction.Handle, timeout time.Duration) bool {
	return e.reg.Wait(h, timeout)
}

// Release destroys a completed transaction.
func (e *Engine) Release(h transaction.Handle) bool {
	return e.reg.Destroy(h)
}

// Cancel aborts h. A running transfer is reaped by its completion.
func (e *Engine) Cancel(h transaction.Handle) bool {
	return e.reg.Abandon(h)
}

// do runs a metadata operation as a transaction and waits for it.
func (e *Engine) do(ctx context.Context, name, rawurl string, timeout time.Duration, fn func(ctx context.Context, tr Transport, u *url.URL) (interface{}, error)) (interface{}, error) {
	u, tr, err := e.resolve(rawurl)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	opCtx, cancel := detach(ctx)
	h, err := e.create(name+" "+rawurl, func(tx *transaction.Transaction) {
		tx.SetAbort(cancel)
		tx.SetRelease(cancel)
	})
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		res, err := fn(opCtx, tr, u)
		e.reg.Lock()
		defer e.reg.Unlock()
		if tx, ok := e.reg.FindLocked(h); ok {
			tx.Result = res
		}
		e.reg.CompleteLocked(h, classify(err, rawurl))
	}()

	if !e.reg.Wait(h, timeout) {
		return nil, errtypes.Timeout(name + " " + rawurl)
	}

	e.reg.Lock()
	defer e.reg.Unlock()
	tx, ok := e.reg.FindLocked(h)
	if !ok {
		return nil, errtypes.Aborted(name + " " + rawurl)
	}
	res, rerr := tx.Result, tx.Err()
	e.reg.DestroyLocked(h)
	return res, rerr
}

// Stat returns the listing entry of the remote path.
func (e *Engine) Stat(ctx context.Context, rawurl string, timeout time.Duration) (*listing.Entry, error) {
	res, err := e.do(ctx, "stat", rawurl, timeout, func(ctx context.Context, tr Transport, u *url.URL) (interface{}, error) {
		return tr.Stat(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	return res.(*listing.Entry), nil
}

// Mkdir creates a single directory.
func (e *Engine) Mkdir(ctx context.Context, rawurl string, timeout time.Duration) error {
	_, err := e.do(ctx, "mkdir", rawurl, timeout, func(ctx context.Context, tr Transport, u *url.URL) (interface{}, error) {
		return nil, tr.Mkdir(ctx, u)
	})
	return err
}

// Rmdir removes an empty directory.
func (e *Engine) Rmdir(ctx context.Context, rawurl string, timeout time.Duration) error {
	_, err := e.do(ctx, "rmdir", rawurl, timeout, func(ctx context.Context, tr Transport, u *url.URL) (interface{}, error) {
		return nil, tr.Rmdir(ctx, u)
	})
	return err
}

// Delete removes a file.
func (e *Engine) Delete(ctx context.Context, rawurl string, timeout time.Duration) error {
	_, err := e.do(ctx, "delete", rawurl, timeout, func(ctx context.Context, tr Transport, u *url.URL) (interface{}, error) {
		return nil, tr.Delete(ctx, u)
	})
	return err
}

// Move renames a remote path. Both URLs must use the same transport.
func (e *Engine) Move(ctx context.Context, from, to string, timeout time.Duration) error {
	dst, err := url.Parse(to)
	if err != nil {
		return errtypes.BadRequest("gridftp: invalid url " + to)
	}
	_, err = e.do(ctx, "move", from, timeout, func(ctx context.Context, tr Transport, u *url.URL) (interface{}, error) {
		return nil, tr.Move(ctx, u, dst)
	})
	return err
}

// Checksum returns the checksum of the remote file in uppercase hex.
func (e *Engine) Checksum(ctx context.Context, rawurl, algorithm string, timeout time.Duration) (string, error) {
	res, err := e.do(ctx, "checksum", rawurl, timeout, func(ctx context.Context, tr Transport, u *url.URL) (interface{}, error) {
		return tr.Checksum(ctx, u, algorithm)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// Chmod changes the permission bits of a remote path.
func (e *Engine) Chmod(ctx context.Context, rawurl string, mode os.FileMode, timeout time.Duration) error {
	_, err := e.do(ctx, "chmod", rawurl, timeout, func(ctx context.Context, tr Transport, u *url.URL) (interface{}, error) {
		return nil, tr.Chmod(ctx, u, mode)
	})
	return err
}

// List returns the entries of a remote directory. The listing is read into
// a buffer through the data channel and parsed once complete.
func (e *Engine) List(ctx context.Context, rawurl string, timeout time.Duration) ([]listing.Entry, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	h, err := e.StartReadToBuffer(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	if !e.WaitFor(h, timeout) {
		return nil, errtypes.Timeout("list " + rawurl)
	}

	var data []byte
	err = e.reg.Locked(h, func(tx *transaction.Transaction) error {
		if !tx.Succeeded() {
			return tx.Err()
		}
		data = tx.BigBuffer
		return nil
	})
	e.reg.Destroy(h)
	if err != nil {
		return nil, err
	}
	return listing.Parse(bytes.NewReader(data))
}

type onceCloser struct {
	once sync.Once
	c    io.ReadWriteCloser
	err  error
}

func (o *onceCloser) Read(p []byte) (int, error)  { return o.c.Read(p) }
func (o *onceCloser) Write(p []byte) (int, error) { return o.c.Write(p) }

func (o *onceCloser) Close() error {
	o.once.Do(func() {
		o.err = o.c.Close()
	})
	return o.err
}
