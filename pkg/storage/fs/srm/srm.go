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

// Package srm is the storage backend brokering transfers through an SRM
// v2.2 storage resource manager. The manager hands out a transfer URL and
// the data itself moves through the transfer engine.
package srm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cs3org/digs/pkg/appctx"
	"github.com/cs3org/digs/pkg/checksum"
	"github.com/cs3org/digs/pkg/errtypes"
	"github.com/cs3org/digs/pkg/gridftp"
	"github.com/cs3org/digs/pkg/node"
	"github.com/cs3org/digs/pkg/storage"
	"github.com/cs3org/digs/pkg/storage/registry"
	"github.com/cs3org/digs/pkg/storage/status"
	"github.com/cs3org/digs/pkg/storage/utils/listing"
	"github.com/cs3org/digs/pkg/storage/utils/lockedfile"
	"github.com/cs3org/digs/pkg/transaction"
	"github.com/cs3org/digs/pkg/utils/cfg"
	"github.com/jellydator/ttlcache/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

func init() {
	registry.Register("srm", New)
}

// FirstHandle is where SRM transfer handles start, far above the handles
// of the transfer engine.
const FirstHandle storage.Handle = 1_000_000_000

// lastHandle is shared by every SRM backend of the process, so handles stay
// unique when several elements use the same registry.
var lastHandle atomic.Int64

func init() {
	lastHandle.Store(int64(FirstHandle) - 1)
}

type config struct {
	// Endpoint of the manager; %s is replaced by the host name.
	Endpoint string `mapstructure:"endpoint"`
	// SURLPort and SURLPath are used to build storage URLs.
	SURLPort int    `mapstructure:"surl_port"`
	SURLPath string `mapstructure:"surl_path"`
	// Protocols offered to the manager for the transfer URL.
	Protocols []string `mapstructure:"protocols"`
	// Retries of idempotent calls while the manager is unreachable; -1
	// disables them.
	Retries int `mapstructure:"retries"`
	// MetadataTTL is how long srmLs answers are reused; -1 disables it.
	MetadataTTL time.Duration `mapstructure:"metadata_ttl"`
	// PingOnConnect checks a manager before its client is first used.
	PingOnConnect bool `mapstructure:"ping_on_connect"`
	// Proxy is the PEM file holding the user proxy, certificate and key.
	Proxy string `mapstructure:"proxy"`
	// CAPath is a CA bundle, or a directory of them, trusted for managers.
	CAPath   string `mapstructure:"ca_path"`
	Insecure bool   `mapstructure:"insecure"`
}

func (c *config) ApplyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "https://%s:8446/srm/managerv2"
	}
	if c.SURLPort == 0 {
		c.SURLPort = 8446
	}
	if c.SURLPath == "" {
		c.SURLPath = "/srm/managerv2"
	}
	if len(c.Protocols) == 0 {
		c.Protocols = []string{"gsiftp"}
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.MetadataTTL == 0 {
		c.MetadataTTL = 2 * time.Second
	}
}

type state int

const (
	waitingForTURL state = iota
	waitingForGridftp
	finished
	failedState
)

func (s state) String() string {
	switch s {
	case waitingForTURL:
		return "WAITING_FOR_TURL"
	case waitingForGridftp:
		return "WAITING_FOR_GRIDFTP"
	case finished:
		return "FINISHED"
	}
	return "ERROR"
}

// transfer is one brokered put or get. It lives in the transfer table,
// which is guarded by the registry lock.
type transfer struct {
	handle     storage.Handle
	token      string
	turl       string
	gridftp    transaction.Handle
	started    bool
	hostname   string
	localFile  string
	remoteFile string
	put        bool
	state      state
	err        error
	checksum   string
	size       int64
	// polling is set while a monitor call talks to the manager; idle is
	// closed when it is done.
	polling bool
	idle    chan struct{}
	// cancelled stops a poll in flight from starting the data transfer.
	cancelled bool
}

// settle ends the poll of t. The registry lock must be held.
func (t *transfer) settle() {
	t.polling = false
	if t.idle != nil {
		close(t.idle)
		t.idle = nil
	}
}

func (t *transfer) progress() storage.Progress {
	switch t.state {
	case waitingForTURL:
		return storage.Progress{Status: storage.TransferInProgress}
	case waitingForGridftp:
		return storage.Progress{Status: storage.TransferInProgress, Percent: 50}
	case finished:
		return storage.Progress{Status: storage.TransferDone, Percent: 100}
	}
	p := storage.Progress{Status: storage.TransferFailed}
	if t.started {
		p.Percent = 50
	}
	return p
}

// Backend implements storage.Backend for SRM managers.
type Backend struct {
	c      config
	reg    *transaction.Registry
	engine *gridftp.Engine
	nodes  node.Registry
	md     *ttlcache.Cache

	group   singleflight.Group
	mu      sync.Mutex
	clients map[string]*Client

	// guarded by the registry lock
	transfers map[storage.Handle]*transfer
}

// New returns an SRM backend.
func New(ctx context.Context, m map[string]interface{}, s *storage.Services) (storage.Backend, error) {
	c := config{}
	if err := cfg.Decode(m, &c); err != nil {
		return nil, errors.Wrap(err, "srm: error decoding conf")
	}
	if s == nil || s.Engine == nil || s.Nodes == nil {
		return nil, errtypes.InternalError("srm: engine and node registry are required")
	}

	b := &Backend{
		c:         c,
		reg:       s.Engine.Registry(),
		engine:    s.Engine,
		nodes:     s.Nodes,
		clients:   map[string]*Client{},
		transfers: map[storage.Handle]*transfer{},
	}
	if c.MetadataTTL > 0 {
		b.md = ttlcache.NewCache()
		if err := b.md.SetTTL(c.MetadataTTL); err != nil {
			return nil, errors.Wrap(err, "srm: error setting metadata ttl")
		}
		b.md.SkipTTLExtensionOnHit(true)
	}
	return b, nil
}

// Close stops the metadata cache.
func (b *Backend) Close() error {
	if b.md != nil {
		return b.md.Close()
	}
	return nil
}

// surl returns the storage URL of p on host.
func (b *Backend) surl(host, p string) string {
	return fmt.Sprintf("srm://%s:%d%s?SFN=%s", host, b.c.SURLPort, b.c.SURLPath, path.Clean("/"+p))
}

func (b *Backend) endpoint(host string) string {
	if strings.Contains(b.c.Endpoint, "%s") {
		return fmt.Sprintf(b.c.Endpoint, host)
	}
	return b.c.Endpoint
}

// client returns the client of host, creating it on first use.
func (b *Backend) client(ctx context.Context, host string) (*Client, error) {
	b.mu.Lock()
	cl, ok := b.clients[host]
	b.mu.Unlock()
	if ok {
		return cl, nil
	}

	v, err, _ := b.group.Do(host, func() (interface{}, error) {
		b.mu.Lock()
		cl, ok := b.clients[host]
		b.mu.Unlock()
		if ok {
			return cl, nil
		}

		hc, err := b.httpClient()
		if err != nil {
			return nil, err
		}
		cl = newClient(b.endpoint(host), hc, b.c.Retries, b.c.Protocols)
		if b.c.PingOnConnect {
			cctx, cancel := b.withTimeout(ctx, host)
			defer cancel()
			v, err := cl.Ping(cctx)
			if err != nil {
				return nil, err
			}
			appctx.GetLogger(ctx).Info().Str("host", host).Str("version", v).Msg("srm manager answered")
		}

		b.mu.Lock()
		b.clients[host] = cl
		b.mu.Unlock()
		return cl, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

// httpClient loads the user proxy and the trusted CAs. It runs for every new
// manager client so that a renewed proxy is picked up.
func (b *Backend) httpClient() (*http.Client, error) {
	tc := &tls.Config{InsecureSkipVerify: b.c.Insecure} //nolint:gosec
	if b.c.Proxy != "" {
		cert, err := tls.LoadX509KeyPair(b.c.Proxy, b.c.Proxy)
		if err != nil {
			return nil, errtypes.MissingCredentials("srm: error loading proxy " + b.c.Proxy + ": " + err.Error())
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	if b.c.CAPath != "" {
		pool, err := certPool(b.c.CAPath)
		if err != nil {
			return nil, err
		}
		tc.RootCAs = pool
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tc,
		},
	}, nil
}

// certPool adds the certificates found at p, a PEM file or a directory of
// them, to the system pool.
func certPool(p string) (*x509.CertPool, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return nil, errtypes.UntrustedPeer("srm: error reading ca path: " + err.Error())
	}
	files := []string{p}
	if fi.IsDir() {
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, errtypes.UntrustedPeer("srm: error reading ca path: " + err.Error())
		}
		files = files[:0]
		for _, e := range entries {
			if !e.IsDir() {
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	found := false
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		if pool.AppendCertsFromPEM(data) {
			found = true
		}
	}
	if !found {
		return nil, errtypes.UntrustedPeer("srm: no certificates in " + p)
	}
	return pool, nil
}

func (b *Backend) withTimeout(ctx context.Context, host string) (context.Context, context.CancelFunc) {
	t, err := b.nodes.FTPTimeoutForHost(host)
	if err != nil || t <= 0 {
		t = gridftp.DefaultTimeout
	}
	return context.WithTimeout(ctx, t)
}

// do runs fn with the client of host and the per host timeout.
func (b *Backend) do(ctx context.Context, host string, fn func(ctx context.Context, cl *Client) error) error {
	cl, err := b.client(ctx, host)
	if err != nil {
		return err
	}
	cctx, cancel := b.withTimeout(ctx, host)
	defer cancel()
	return fn(cctx, cl)
}

// ls returns the details of p, from the cache when fresh.
func (b *Backend) ls(ctx context.Context, host, p string) (*pathDetail, error) {
	key := b.surl(host, p)
	if b.md != nil {
		if v, err := b.md.Get(key); err == nil {
			return v.(*pathDetail), nil
		}
	}

	var d *pathDetail
	err := b.do(ctx, host, func(ctx context.Context, cl *Client) error {
		var err error
		d, err = cl.Ls(ctx, key, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	if b.md != nil {
		_ = b.md.Set(key, d)
	}
	return d, nil
}

// forget drops cached details after a change.
func (b *Backend) forget(host string, paths ...string) {
	if b.md == nil {
		return
	}
	for _, p := range paths {
		_ = b.md.Remove(b.surl(host, p))
	}
}

// GetLength implements storage.Backend.
func (b *Backend) GetLength(ctx context.Context, host, p string) (int64, error) {
	d, err := b.ls(ctx, host, p)
	if err != nil {
		return -1, err
	}
	if d.isDir() {
		return -1, errtypes.NotAFile(p)
	}
	return d.Size, nil
}

// DoesExist implements storage.Backend. A missing path is not an error.
func (b *Backend) DoesExist(ctx context.Context, host, p string) (bool, error) {
	if _, err := b.ls(ctx, host, p); err != nil {
		if errtypes.Is[errtypes.IsNotFound](err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsDirectory implements storage.Backend. A missing path is an error.
func (b *Backend) IsDirectory(ctx context.Context, host, p string) (bool, error) {
	d, err := b.ls(ctx, host, p)
	if err != nil {
		return false, err
	}
	return d.isDir(), nil
}

// GetOwner implements storage.Backend.
func (b *Backend) GetOwner(ctx context.Context, host, p string) (string, error) {
	d, err := b.ls(ctx, host, p)
	if err != nil {
		return "", err
	}
	return d.Owner, nil
}

// GetGroup implements storage.Backend.
func (b *Backend) GetGroup(ctx context.Context, host, p string) (string, error) {
	d, err := b.ls(ctx, host, p)
	if err != nil {
		return "", err
	}
	return d.Group, nil
}

// GetPermissions implements storage.Backend.
func (b *Backend) GetPermissions(ctx context.Context, host, p string) (string, error) {
	d, err := b.ls(ctx, host, p)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04o", d.Mode.Perm()), nil
}

// GetModificationTime implements storage.Backend.
func (b *Backend) GetModificationTime(ctx context.Context, host, p string) (time.Time, error) {
	d, err := b.ls(ctx, host, p)
	if err != nil {
		return time.Time{}, err
	}
	return d.Modified, nil
}

// GetChecksum returns the MD5 the manager keeps for p.
func (b *Backend) GetChecksum(ctx context.Context, host, p string) (string, error) {
	d, err := b.ls(ctx, host, p)
	if err != nil {
		return "", err
	}
	return fileChecksum(d, p)
}

func fileChecksum(d *pathDetail, p string) (string, error) {
	if d.isDir() {
		return "", errtypes.NotAFile(p)
	}
	if !strings.EqualFold(d.ChecksumType, checksum.MD5) || d.ChecksumValue == "" {
		return "", status.Newf(status.UnsupportedChecksumType, "%s: checksum type %q", p, d.ChecksumType)
	}
	return checksum.Normalize(d.ChecksumValue), nil
}

// SetGroup is not part of SRM.
func (b *Backend) SetGroup(ctx context.Context, host, p, group string) error {
	return errtypes.NotSupported("srm: set group")
}

// SetPermissions implements storage.Backend. The group bits are granted to
// the current group of p.
func (b *Backend) SetPermissions(ctx context.Context, host, p, perms string) error {
	mode, err := listing.ParseMode(perms)
	if err != nil {
		return err
	}
	group := ""
	if d, err := b.ls(ctx, host, p); err == nil {
		group = d.Group
	}
	defer b.forget(host, p)
	return b.do(ctx, host, func(ctx context.Context, cl *Client) error {
		return cl.SetPermission(ctx, b.surl(host, p), mode, group)
	})
}

// Mkdir implements storage.Backend.
func (b *Backend) Mkdir(ctx context.Context, host, p string) error {
	defer b.forget(host, p)
	return b.do(ctx, host, func(ctx context.Context, cl *Client) error {
		return cl.Mkdir(ctx, b.surl(host, p))
	})
}

// Rm implements storage.Backend.
func (b *Backend) Rm(ctx context.Context, host, p string) error {
	defer b.forget(host, p)
	return b.do(ctx, host, func(ctx context.Context, cl *Client) error {
		return cl.Rm(ctx, b.surl(host, p))
	})
}

// Rmdir implements storage.Backend.
func (b *Backend) Rmdir(ctx context.Context, host, p string) error {
	defer b.forget(host, p)
	return b.do(ctx, host, func(ctx context.Context, cl *Client) error {
		return cl.Rmdir(ctx, b.surl(host, p))
	})
}

// Mv implements storage.Backend.
func (b *Backend) Mv(ctx context.Context, host, from, to string) error {
	defer b.forget(host, from, to)
	return b.do(ctx, host, func(ctx context.Context, cl *Client) error {
		return cl.Mv(ctx, b.surl(host, from), b.surl(host, to))
	})
}

// List implements storage.Backend.
func (b *Backend) List(ctx context.Context, host, p string) ([]listing.Entry, error) {
	var d *pathDetail
	err := b.do(ctx, host, func(ctx context.Context, cl *Client) error {
		var err error
		d, err = cl.Ls(ctx, b.surl(host, p), 1)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !d.isDir() {
		return nil, errtypes.BadRequest("srm: not a directory: " + p)
	}

	entries := make([]listing.Entry, 0, len(d.Children))
	for _, c := range d.Children {
		e := listing.Entry{
			Name:    path.Base(c.Path),
			Kind:    listing.File,
			Size:    c.Size,
			ModTime: c.Modified,
			Mode:    c.Mode,
			Owner:   c.Owner,
			Group:   c.Group,
		}
		switch c.Type {
		case "DIRECTORY":
			e.Kind = listing.Dir
		case "LINK":
			e.Kind = listing.Link
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Ping asks the manager of host for its version.
func (b *Backend) Ping(ctx context.Context, host string) error {
	return b.do(ctx, host, func(ctx context.Context, cl *Client) error {
		_, err := cl.Ping(ctx)
		return err
	})
}

// mkdirs creates dir one level at a time from the top, the manager only
// knowing single level mkdir.
func (b *Backend) mkdirs(ctx context.Context, host, dir string) error {
	dir = path.Clean("/" + dir)
	if dir == "/" {
		return nil
	}
	cur := ""
	for _, part := range strings.Split(strings.TrimPrefix(dir, "/"), "/") {
		cur += "/" + part
		if err := b.Mkdir(ctx, host, cur); err != nil && !errtypes.Is[errtypes.IsAlreadyExists](err) {
			return err
		}
	}
	return nil
}

// remote is the receiving side of puts, as seen through the manager.
type remote struct {
	b    *Backend
	host string
}

func (r remote) Checksum(ctx context.Context, p string) (string, error) {
	r.b.forget(r.host, p)
	return r.b.GetChecksum(ctx, r.host, p)
}

// Rename replaces an existing destination, srmMv refusing to.
func (r remote) Rename(ctx context.Context, from, to string) error {
	err := r.b.Mv(ctx, r.host, from, to)
	if errtypes.Is[errtypes.IsAlreadyExists](err) {
		if err := r.b.Rm(ctx, r.host, to); err != nil && !errtypes.Is[errtypes.IsNotFound](err) {
			return err
		}
		err = r.b.Mv(ctx, r.host, from, to)
	}
	return err
}

func (r remote) Remove(ctx context.Context, p string) error {
	return r.b.Rm(ctx, r.host, p)
}

// receiver returns the side that commits t.
func (b *Backend) receiver(t *transfer) (lockedfile.Ops, string) {
	if t.put {
		return remote{b: b, host: t.hostname}, t.remoteFile
	}
	return lockedfile.Local{}, t.localFile
}

// register adds t to the transfer table and returns its handle.
func (b *Backend) register(t *transfer) storage.Handle {
	t.handle = storage.Handle(lastHandle.Add(1))
	b.reg.Lock()
	defer b.reg.Unlock()
	b.transfers[t.handle] = t
	return t.handle
}

// take removes the transfer h from the table. Running transfers are only
// given out when force is set.
func (b *Backend) take(h storage.Handle, force bool) (*transfer, error) {
	b.reg.Lock()
	defer b.reg.Unlock()
	t, ok := b.transfers[h]
	if !ok {
		return nil, errtypes.NotFound("srm transfer " + h.String())
	}
	if !force && (t.polling || (t.state != finished && t.state != failedState)) {
		return nil, errtypes.BadRequest("srm transfer " + h.String() + " still in progress")
	}
	delete(b.transfers, h)
	return t, nil
}

// StartPutTransfer asks the manager for space for the locked name of
// remote. The data moves once a monitor call finds a transfer URL.
func (b *Backend) StartPutTransfer(ctx context.Context, host, local, remote string) (storage.Handle, error) {
	fi, err := os.Stat(local)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errtypes.NotFound(local)
		}
		return 0, errors.Wrap(err, "srm: error reading local file")
	}
	if fi.IsDir() {
		return 0, errtypes.NotAFile(local)
	}
	sum, err := checksum.File(local)
	if err != nil {
		return 0, err
	}

	if err := b.mkdirs(ctx, host, path.Dir(path.Clean(remote))); err != nil {
		return 0, err
	}

	var token string
	err = b.do(ctx, host, func(ctx context.Context, cl *Client) error {
		var err error
		token, _, err = cl.PrepareToPut(ctx, b.surl(host, lockedfile.Name(remote)), fi.Size())
		return err
	})
	if err != nil {
		return 0, err
	}

	h := b.register(&transfer{
		token:      token,
		hostname:   host,
		localFile:  local,
		remoteFile: remote,
		put:        true,
		state:      waitingForTURL,
		checksum:   sum,
		size:       fi.Size(),
	})
	appctx.GetLogger(ctx).Debug().Int64("handle", int64(h)).Str("token", token).Msg("srm put requested")
	return h, nil
}

// StartGetTransfer asks the manager to stage remote.
func (b *Backend) StartGetTransfer(ctx context.Context, host, remote, local string) (storage.Handle, error) {
	b.forget(host, remote)
	d, err := b.ls(ctx, host, remote)
	if err != nil {
		return 0, err
	}
	sum, err := fileChecksum(d, remote)
	if err != nil {
		return 0, err
	}

	var token string
	err = b.do(ctx, host, func(ctx context.Context, cl *Client) error {
		var err error
		token, _, err = cl.PrepareToGet(ctx, b.surl(host, remote))
		return err
	})
	if err != nil {
		return 0, err
	}

	h := b.register(&transfer{
		token:      token,
		hostname:   host,
		localFile:  local,
		remoteFile: remote,
		state:      waitingForTURL,
		checksum:   sum,
		size:       d.Size,
	})
	appctx.GetLogger(ctx).Debug().Int64("handle", int64(h)).Str("token", token).Msg("srm get requested")
	return h, nil
}

// MonitorTransfer advances the transfer by at most one step.
func (b *Backend) MonitorTransfer(ctx context.Context, h storage.Handle) (storage.Progress, error) {
	b.reg.Lock()
	t, ok := b.transfers[h]
	if !ok {
		b.reg.Unlock()
		return storage.Progress{Status: storage.TransferFailed}, errtypes.NotFound("srm transfer " + h.String())
	}
	if t.polling || t.cancelled || t.state == finished || t.state == failedState {
		p := t.progress()
		b.reg.Unlock()
		return p, nil
	}
	t.polling = true
	t.idle = make(chan struct{})
	snapshot := *t
	b.reg.Unlock()

	switch snapshot.state {
	case waitingForTURL:
		b.pollTURL(ctx, &snapshot)
	case waitingForGridftp:
		b.pollGridftp(&snapshot)
	}

	b.reg.Lock()
	defer b.reg.Unlock()
	t, ok = b.transfers[h]
	if !ok {
		return storage.Progress{Status: storage.TransferFailed}, errtypes.NotFound("srm transfer " + h.String())
	}
	return t.progress(), nil
}

// pollTURL asks the manager whether the transfer URL is granted and, if
// so, hands the data over to the engine.
func (b *Backend) pollTURL(ctx context.Context, s *transfer) {
	log := appctx.GetLogger(ctx)

	var st fileStatus
	err := b.do(ctx, s.hostname, func(ctx context.Context, cl *Client) error {
		var err error
		if s.put {
			st, err = cl.StatusOfPutRequest(ctx, s.token, b.surl(s.hostname, lockedfile.Name(s.remoteFile)))
		} else {
			st, err = cl.StatusOfGetRequest(ctx, s.token, b.surl(s.hostname, s.remoteFile))
		}
		return err
	})

	next, gh, started := waitingForTURL, transaction.Handle(0), false
	switch {
	case err != nil:
		next = failedState
	case requestBucket(st.Code) == failed:
		next = failedState
		err = statusError(st.Code, st.Explanation, "srm transfer "+s.handle.String())
	case requestBucket(st.Code) == granted && st.TURL != "":
		if b.cancelling(s.handle) {
			break
		}
		log.Debug().Int64("handle", int64(s.handle)).Str("turl", st.TURL).Msg("transfer url granted")
		gh, err = b.startData(ctx, s, st.TURL)
		if err != nil {
			next = failedState
		} else {
			next, started = waitingForGridftp, true
		}
	}

	b.reg.Lock()
	defer b.reg.Unlock()
	t, ok := b.transfers[s.handle]
	if !ok {
		// cancelled meanwhile
		if started {
			b.reg.AbandonLocked(gh)
		}
		return
	}
	t.settle()
	t.state = next
	t.err = err
	if started {
		t.gridftp, t.started, t.turl = gh, true, st.TURL
	}
	if next == failedState {
		log.Warn().Err(err).Int64("handle", int64(s.handle)).Msg("srm transfer failed")
	}
}

func (b *Backend) cancelling(h storage.Handle) bool {
	b.reg.Lock()
	defer b.reg.Unlock()
	t, ok := b.transfers[h]
	return !ok || t.cancelled
}

func (b *Backend) startData(ctx context.Context, s *transfer, turl string) (transaction.Handle, error) {
	if s.put {
		return b.engine.StartWrite(ctx, gridftp.Transfer{
			Local:    s.localFile,
			URL:      turl,
			Checksum: s.checksum,
			DestPath: s.remoteFile,
			Hostname: s.hostname,
		})
	}
	return b.engine.StartRead(ctx, gridftp.Transfer{
		Local:    lockedfile.Name(s.localFile),
		URL:      turl,
		Checksum: s.checksum,
		DestPath: s.localFile,
		Hostname: s.hostname,
	}, s.size)
}

// pollGridftp maps the state of the data transfer.
func (b *Backend) pollGridftp(s *transfer) {
	p, err := b.engine.Progress(s.gridftp)
	next := waitingForGridftp
	switch {
	case err != nil:
		next = failedState
	case p.Done && p.Succeeded:
		next = finished
	case p.Done:
		next, err = failedState, p.Err
	}

	b.reg.Lock()
	defer b.reg.Unlock()
	if t, ok := b.transfers[s.handle]; ok {
		t.settle()
		t.state = next
		t.err = err
	}
}

// EndTransfer commits a finished transfer: puts are declared done to the
// manager, then the locked copy is verified and renamed on the receiving
// side. A failed transfer only has its locked copy removed.
func (b *Backend) EndTransfer(ctx context.Context, h storage.Handle) error {
	log := appctx.GetLogger(ctx)
	t, err := b.take(h, false)
	if err != nil {
		return err
	}
	if t.started {
		b.engine.Release(t.gridftp)
	}

	ops, final := b.receiver(t)
	if t.state == failedState {
		b.abort(ctx, t)
		if err := lockedfile.Discard(ctx, ops, final); err != nil {
			log.Error().Err(err).Str("path", final).Msg("error removing locked copy")
		}
		return t.err
	}

	if t.put {
		locked := lockedfile.Name(t.remoteFile)
		err := b.do(ctx, t.hostname, func(ctx context.Context, cl *Client) error {
			return cl.PutDone(ctx, t.token, b.surl(t.hostname, locked))
		})
		b.forget(t.hostname, locked)
		if err != nil {
			if err := lockedfile.Discard(ctx, ops, final); err != nil {
				log.Error().Err(err).Str("path", final).Msg("error removing locked copy")
			}
			return err
		}
	} else {
		err := b.do(ctx, t.hostname, func(ctx context.Context, cl *Client) error {
			return cl.ReleaseFiles(ctx, t.token, b.surl(t.hostname, t.remoteFile))
		})
		if err != nil {
			log.Warn().Err(err).Str("token", t.token).Msg("error releasing files")
		}
	}
	return lockedfile.Commit(ctx, ops, final, t.checksum)
}

// CancelTransfer aborts the data transfer if it started, aborts the
// request in any state and removes both variants of the destination. A
// status poll in flight is waited for, so that it cannot start the data
// transfer behind the cleanup. Unknown handles are already cancelled.
func (b *Backend) CancelTransfer(ctx context.Context, h storage.Handle) error {
	b.reg.Lock()
	t, ok := b.transfers[h]
	if !ok {
		b.reg.Unlock()
		return nil
	}
	t.cancelled = true
	idle := t.idle
	b.reg.Unlock()

	if idle != nil {
		select {
		case <-idle:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "srm: waiting for status poll")
		}
	}

	t, err := b.take(h, true)
	if errtypes.Is[errtypes.IsNotFound](err) {
		return nil
	}
	if err != nil {
		return err
	}
	if t.started {
		b.engine.Cancel(t.gridftp)
	}
	b.abort(ctx, t)
	ops, final := b.receiver(t)
	return lockedfile.Cleanup(ctx, ops, final)
}

func (b *Backend) abort(ctx context.Context, t *transfer) {
	err := b.do(ctx, t.hostname, func(ctx context.Context, cl *Client) error {
		return cl.AbortRequest(ctx, t.token)
	})
	if err != nil {
		appctx.GetLogger(ctx).Warn().Err(err).Str("token", t.token).Msg("error aborting srm request")
	}
}
