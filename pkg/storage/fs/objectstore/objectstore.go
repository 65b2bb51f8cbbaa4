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

// Package objectstore is a synchronous storage backend on an S3 compatible
// object store. Directories are zero length marker objects whose key ends
// with a slash.
package objectstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cs3org/digs/pkg/appctx"
	"github.com/cs3org/digs/pkg/checksum"
	"github.com/cs3org/digs/pkg/errtypes"
	"github.com/cs3org/digs/pkg/storage"
	"github.com/cs3org/digs/pkg/storage/registry"
	"github.com/cs3org/digs/pkg/storage/status"
	"github.com/cs3org/digs/pkg/storage/utils/listing"
	"github.com/cs3org/digs/pkg/storage/utils/lockedfile"
	"github.com/cs3org/digs/pkg/transaction"
	"github.com/cs3org/digs/pkg/utils/cfg"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

func init() {
	registry.Register("objectstore", New)
}

// DefaultMaxLockedAge is the age after which housekeeping removes locked
// objects. Uploads land in inboxes that are drained slowly.
const DefaultMaxLockedAge = 48 * time.Hour

const (
	metaOwner = "Owner"
	metaGroup = "Group"
	metaMode  = "Mode"

	putName = "objectstore put"
	getName = "objectstore get"
)

type config struct {
	// Endpoint of the store; %s is replaced by the host name.
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket" validate:"required"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Insecure  bool   `mapstructure:"insecure"`
	// MaxConnections bounds the number of distinct endpoints. Asking for
	// one more fails instead of replacing a live connection.
	MaxConnections int           `mapstructure:"max_connections"`
	MaxLockedAge   time.Duration `mapstructure:"max_locked_age"`
	// Owner, Group and Mode are recorded on objects written here.
	Owner string `mapstructure:"owner"`
	Group string `mapstructure:"group"`
	Mode  string `mapstructure:"mode"`
}

func (c *config) ApplyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "http://%s:9000"
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 1
	}
	if c.MaxLockedAge == 0 {
		c.MaxLockedAge = DefaultMaxLockedAge
	}
	if c.Owner == "" {
		c.Owner = "digs"
	}
	if c.Group == "" {
		c.Group = "digs"
	}
	if c.Mode == "" {
		c.Mode = "0644"
	}
}

// Backend implements storage.Backend on an object store.
type Backend struct {
	c    config
	reg  *transaction.Registry
	http http.RoundTripper

	mu    sync.Mutex
	conns map[string]*minio.Client
}

// New returns an object store backend.
func New(ctx context.Context, m map[string]interface{}, s *storage.Services) (storage.Backend, error) {
	c := config{}
	if err := cfg.Decode(m, &c); err != nil {
		return nil, errors.Wrap(err, "objectstore: error decoding conf")
	}
	if _, err := listing.ParseMode(c.Mode); err != nil {
		return nil, errors.Wrap(err, "objectstore: error decoding conf")
	}

	b := &Backend{
		c:     c,
		reg:   transaction.Default(),
		conns: map[string]*minio.Client{},
		http: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: c.Insecure}, //nolint:gosec
		},
	}
	if s != nil && s.Registry != nil {
		b.reg = s.Registry
	}
	return b, nil
}

// MaxLockedAge implements storage.MaxLockedAger.
func (b *Backend) MaxLockedAge() time.Duration {
	return b.c.MaxLockedAge
}

// client returns the connection to the store serving host.
func (b *Backend) client(host string) (*minio.Client, error) {
	endpoint := b.c.Endpoint
	if strings.Contains(endpoint, "%s") {
		endpoint = fmt.Sprintf(endpoint, host)
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, status.Newf(status.NoService, "objectstore: invalid endpoint %q", endpoint)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cl, ok := b.conns[u.Host]; ok {
		return cl, nil
	}
	if len(b.conns) >= b.c.MaxConnections {
		return nil, status.Newf(status.NoService, "objectstore: %d connection(s) in use, refusing %s", len(b.conns), u.Host)
	}

	cl, err := minio.New(u.Host, &minio.Options{
		Region:    b.c.Region,
		Creds:     credentials.NewStaticV4(b.c.AccessKey, b.c.SecretKey, ""),
		Secure:    u.Scheme != "http",
		Transport: b.http,
	})
	if err != nil {
		return nil, errors.Wrap(err, "objectstore: failed to setup s3 client")
	}
	b.conns[u.Host] = cl
	return cl, nil
}

// key maps an absolute path to an object key.
func key(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func dirKey(p string) string {
	if k := key(p); k != "" {
		return k + "/"
	}
	return ""
}

// convert maps store failures to errtypes.
func convert(err error, what string) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return errtypes.NotFound(what)
	case "AccessDenied":
		return errtypes.PermissionDenied(what + ": " + resp.Message)
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return errtypes.InvalidCredentials(what + ": " + resp.Message)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errtypes.NotFound(what)
	case resp.StatusCode == http.StatusForbidden:
		return errtypes.PermissionDenied(what)
	case resp.StatusCode >= 500:
		return errtypes.Unavailable(what + ": " + err.Error())
	case resp.StatusCode == 0:
		// no answer at all
		if errors.Is(err, context.DeadlineExceeded) {
			return errtypes.Timeout(what)
		}
		return errtypes.Unavailable(what + ": " + err.Error())
	}
	return errtypes.InternalError(what + ": " + err.Error())
}

type object struct {
	dir  bool
	info minio.ObjectInfo
}

// stat finds the object or directory at p. Directories without a marker
// are recognised by their children.
func (b *Backend) stat(ctx context.Context, host, p string) (*object, error) {
	cl, err := b.client(host)
	if err != nil {
		return nil, err
	}
	k := key(p)
	if k == "" {
		return &object{dir: true}, nil
	}

	oi, err := cl.StatObject(ctx, b.c.Bucket, k, minio.StatObjectOptions{})
	if err == nil {
		return &object{info: oi}, nil
	}
	if err := convert(err, p); !errtypes.Is[errtypes.IsNotFound](err) {
		return nil, err
	}

	oi, err = cl.StatObject(ctx, b.c.Bucket, k+"/", minio.StatObjectOptions{})
	if err == nil {
		return &object{dir: true, info: oi}, nil
	}
	if err := convert(err, p); !errtypes.Is[errtypes.IsNotFound](err) {
		return nil, err
	}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for o := range cl.ListObjects(lctx, b.c.Bucket, minio.ListObjectsOptions{Prefix: k + "/", MaxKeys: 1}) {
		if o.Err != nil {
			return nil, convert(o.Err, p)
		}
		return &object{dir: true}, nil
	}
	return nil, errtypes.NotFound(p)
}

func (b *Backend) meta(o *object, name, def string) string {
	if o.info.Metadata != nil {
		if v := o.info.Metadata.Get("X-Amz-Meta-" + name); v != "" {
			return v
		}
	}
	if v := o.info.UserMetadata[name]; v != "" {
		return v
	}
	return def
}

func (b *Backend) userMetadata(o *object) map[string]string {
	if o == nil {
		o = &object{}
	}
	return map[string]string{
		metaOwner: b.meta(o, metaOwner, b.c.Owner),
		metaGroup: b.meta(o, metaGroup, b.c.Group),
		metaMode:  b.meta(o, metaMode, b.c.Mode),
	}
}

// GetLength implements storage.Backend.
func (b *Backend) GetLength(ctx context.Context, host, p string) (int64, error) {
	o, err := b.stat(ctx, host, p)
	if err != nil {
		return -1, err
	}
	if o.dir {
		return -1, errtypes.NotAFile(p)
	}
	return o.info.Size, nil
}

// DoesExist implements storage.Backend. A missing path is not an error.
func (b *Backend) DoesExist(ctx context.Context, host, p string) (bool, error) {
	if _, err := b.stat(ctx, host, p); err != nil {
		if errtypes.Is[errtypes.IsNotFound](err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsDirectory implements storage.Backend.
func (b *Backend) IsDirectory(ctx context.Context, host, p string) (bool, error) {
	o, err := b.stat(ctx, host, p)
	if err != nil {
		return false, err
	}
	return o.dir, nil
}

// GetOwner implements storage.Backend.
func (b *Backend) GetOwner(ctx context.Context, host, p string) (string, error) {
	o, err := b.stat(ctx, host, p)
	if err != nil {
		return "", err
	}
	return b.meta(o, metaOwner, b.c.Owner), nil
}

// GetGroup implements storage.Backend.
func (b *Backend) GetGroup(ctx context.Context, host, p string) (string, error) {
	o, err := b.stat(ctx, host, p)
	if err != nil {
		return "", err
	}
	return b.meta(o, metaGroup, b.c.Group), nil
}

// GetPermissions implements storage.Backend.
func (b *Backend) GetPermissions(ctx context.Context, host, p string) (string, error) {
	o, err := b.stat(ctx, host, p)
	if err != nil {
		return "", err
	}
	mode, err := listing.ParseMode(b.meta(o, metaMode, b.c.Mode))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04o", mode), nil
}

// GetModificationTime implements storage.Backend. Directories without a
// marker have no time of their own.
func (b *Backend) GetModificationTime(ctx context.Context, host, p string) (time.Time, error) {
	o, err := b.stat(ctx, host, p)
	if err != nil {
		return time.Time{}, err
	}
	return o.info.LastModified, nil
}

// GetChecksum implements storage.Backend.
func (b *Backend) GetChecksum(ctx context.Context, host, p string) (string, error) {
	o, err := b.stat(ctx, host, p)
	if err != nil {
		return "", err
	}
	if o.dir {
		return "", errtypes.NotAFile(p)
	}
	return b.checksum(ctx, host, p, o)
}

// checksum uses the ETag when it is a plain MD5 and reads the object
// otherwise, e.g. after a multipart upload.
func (b *Backend) checksum(ctx context.Context, host, p string, o *object) (string, error) {
	etag := strings.Trim(o.info.ETag, `"`)
	if len(etag) == 32 && !strings.Contains(etag, "-") {
		return checksum.Normalize(etag), nil
	}

	cl, err := b.client(host)
	if err != nil {
		return "", err
	}
	r, err := cl.GetObject(ctx, b.c.Bucket, key(p), minio.GetObjectOptions{})
	if err != nil {
		return "", convert(err, p)
	}
	defer r.Close()
	sum, err := checksum.Reader(r)
	if err != nil {
		return "", convert(err, p)
	}
	return sum, nil
}

// replaceMetadata rewrites the metadata of p, in place for files and on
// the marker for directories.
func (b *Backend) replaceMetadata(ctx context.Context, host, p string, set func(md map[string]string)) error {
	cl, err := b.client(host)
	if err != nil {
		return err
	}
	o, err := b.stat(ctx, host, p)
	if err != nil {
		return err
	}
	md := b.userMetadata(o)
	set(md)

	if o.dir {
		_, err := cl.PutObject(ctx, b.c.Bucket, dirKey(p), strings.NewReader(""), 0, minio.PutObjectOptions{UserMetadata: md})
		return convert(err, p)
	}
	_, err = cl.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: b.c.Bucket, Object: key(p), UserMetadata: md, ReplaceMetadata: true},
		minio.CopySrcOptions{Bucket: b.c.Bucket, Object: key(p)})
	return convert(err, p)
}

// SetGroup implements storage.Backend.
func (b *Backend) SetGroup(ctx context.Context, host, p, group string) error {
	return b.replaceMetadata(ctx, host, p, func(md map[string]string) {
		md[metaGroup] = group
	})
}

// SetPermissions implements storage.Backend.
func (b *Backend) SetPermissions(ctx context.Context, host, p, perms string) error {
	mode, err := listing.ParseMode(perms)
	if err != nil {
		return err
	}
	return b.replaceMetadata(ctx, host, p, func(md map[string]string) {
		md[metaMode] = fmt.Sprintf("%04o", mode)
	})
}

// Mkdir implements storage.Backend.
func (b *Backend) Mkdir(ctx context.Context, host, p string) error {
	cl, err := b.client(host)
	if err != nil {
		return err
	}
	if _, err := b.stat(ctx, host, p); err == nil {
		return errtypes.AlreadyExists(p)
	} else if !errtypes.Is[errtypes.IsNotFound](err) {
		return err
	}
	_, err = cl.PutObject(ctx, b.c.Bucket, dirKey(p), strings.NewReader(""), 0, minio.PutObjectOptions{UserMetadata: b.userMetadata(nil)})
	return convert(err, p)
}

// Rm implements storage.Backend.
func (b *Backend) Rm(ctx context.Context, host, p string) error {
	o, err := b.stat(ctx, host, p)
	if err != nil {
		return err
	}
	if o.dir {
		return errtypes.NotAFile(p)
	}
	cl, err := b.client(host)
	if err != nil {
		return err
	}
	return convert(cl.RemoveObject(ctx, b.c.Bucket, key(p), minio.RemoveObjectOptions{}), p)
}

// Rmdir implements storage.Backend.
func (b *Backend) Rmdir(ctx context.Context, host, p string) error {
	o, err := b.stat(ctx, host, p)
	if err != nil {
		return err
	}
	if !o.dir {
		return errtypes.BadRequest("objectstore: not a directory: " + p)
	}
	entries, err := b.List(ctx, host, p)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return errtypes.BadRequest("objectstore: directory not empty: " + p)
	}
	cl, err := b.client(host)
	if err != nil {
		return err
	}
	return convert(cl.RemoveObject(ctx, b.c.Bucket, dirKey(p), minio.RemoveObjectOptions{}), p)
}

func (b *Backend) copyObject(ctx context.Context, cl *minio.Client, from, to string) error {
	_, err := cl.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: b.c.Bucket, Object: to},
		minio.CopySrcOptions{Bucket: b.c.Bucket, Object: from})
	if err != nil {
		return convert(err, from)
	}
	return convert(cl.RemoveObject(ctx, b.c.Bucket, from, minio.RemoveObjectOptions{}), from)
}

// Mv implements storage.Backend. Directories are moved object by object.
func (b *Backend) Mv(ctx context.Context, host, from, to string) error {
	o, err := b.stat(ctx, host, from)
	if err != nil {
		return err
	}
	cl, err := b.client(host)
	if err != nil {
		return err
	}
	if !o.dir {
		return b.copyObject(ctx, cl, key(from), key(to))
	}

	src, dst := dirKey(from), dirKey(to)
	if src == "" {
		return errtypes.BadRequest("objectstore: cannot move the root")
	}
	var keys []string
	for obj := range cl.ListObjects(ctx, b.c.Bucket, minio.ListObjectsOptions{Prefix: src, Recursive: true}) {
		if obj.Err != nil {
			return convert(obj.Err, from)
		}
		keys = append(keys, obj.Key)
	}
	for _, k := range keys {
		if err := b.copyObject(ctx, cl, k, dst+strings.TrimPrefix(k, src)); err != nil {
			return err
		}
	}
	return nil
}

// List implements storage.Backend.
func (b *Backend) List(ctx context.Context, host, p string) ([]listing.Entry, error) {
	o, err := b.stat(ctx, host, p)
	if err != nil {
		return nil, err
	}
	if !o.dir {
		return nil, errtypes.BadRequest("objectstore: not a directory: " + p)
	}
	cl, err := b.client(host)
	if err != nil {
		return nil, err
	}

	prefix := dirKey(p)
	entries := []listing.Entry{}
	for obj := range cl.ListObjects(ctx, b.c.Bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, convert(obj.Err, p)
		}
		if obj.Key == prefix {
			continue
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		e := listing.Entry{
			Name:    strings.TrimSuffix(name, "/"),
			Kind:    listing.File,
			Size:    obj.Size,
			ModTime: obj.LastModified,
		}
		if strings.HasSuffix(name, "/") {
			e.Kind = listing.Dir
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Ping checks that the bucket is reachable.
func (b *Backend) Ping(ctx context.Context, host string) error {
	cl, err := b.client(host)
	if err != nil {
		return err
	}
	ok, err := cl.BucketExists(ctx, b.c.Bucket)
	if err != nil {
		return convert(err, b.c.Bucket)
	}
	if !ok {
		return errtypes.NotFound("bucket " + b.c.Bucket)
	}
	return nil
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
	cl, err := r.b.client(r.host)
	if err != nil {
		return err
	}
	return r.b.copyObject(ctx, cl, key(from), key(to))
}

func (r remote) Remove(ctx context.Context, p string) error {
	return r.b.Rm(ctx, r.host, p)
}

// track records a finished synchronous transfer in the registry so that it
// is monitored and ended like the asynchronous ones.
func (b *Backend) track(name string, t func(tx *transaction.Transaction)) (storage.Handle, error) {
	b.reg.Lock()
	defer b.reg.Unlock()
	tx, err := b.reg.CreateLocked(name)
	if err != nil {
		return 0, err
	}
	t(tx)
	tx.Offset = tx.Length
	b.reg.CompleteLocked(tx.ID(), nil)
	return tx.ID(), nil
}

// StartPutTransfer uploads local under the locked name of remote. The
// upload is over when this returns.
func (b *Backend) StartPutTransfer(ctx context.Context, host, local, remotePath string) (storage.Handle, error) {
	log := appctx.GetLogger(ctx)
	fi, err := os.Stat(local)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errtypes.NotFound(local)
		}
		return 0, errors.Wrap(err, "objectstore: error reading local file")
	}
	if fi.IsDir() {
		return 0, errtypes.NotAFile(local)
	}
	sum, err := checksum.File(local)
	if err != nil {
		return 0, err
	}
	cl, err := b.client(host)
	if err != nil {
		return 0, err
	}

	locked := lockedfile.Name(remotePath)
	_, err = cl.FPutObject(ctx, b.c.Bucket, key(locked), local, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: b.userMetadata(nil),
	})
	if err != nil {
		err = convert(err, locked)
		if derr := lockedfile.Discard(ctx, remote{b: b, host: host}, remotePath); derr != nil {
			log.Error().Err(derr).Str("path", locked).Msg("error removing locked object")
		}
		return 0, err
	}

	return b.track(putName, func(tx *transaction.Transaction) {
		tx.Writing = true
		tx.Length = fi.Size()
		tx.Checksum = sum
		tx.DestPath = remotePath
		tx.Hostname = host
	})
}

// StartGetTransfer downloads remote to the locked name of local.
func (b *Backend) StartGetTransfer(ctx context.Context, host, remotePath, local string) (storage.Handle, error) {
	o, err := b.stat(ctx, host, remotePath)
	if err != nil {
		return 0, err
	}
	if o.dir {
		return 0, errtypes.NotAFile(remotePath)
	}
	sum, err := b.checksum(ctx, host, remotePath, o)
	if err != nil {
		return 0, err
	}
	cl, err := b.client(host)
	if err != nil {
		return 0, err
	}

	locked := lockedfile.Name(local)
	if err := os.MkdirAll(filepath.Dir(locked), 0755); err != nil {
		return 0, errors.Wrap(err, "objectstore: error creating local directory")
	}
	if err := cl.FGetObject(ctx, b.c.Bucket, key(remotePath), locked, minio.GetObjectOptions{}); err != nil {
		_ = os.Remove(locked)
		return 0, convert(err, remotePath)
	}

	return b.track(getName, func(tx *transaction.Transaction) {
		tx.Length = o.info.Size
		tx.Checksum = sum
		tx.DestPath = local
		tx.Hostname = host
	})
}

// MonitorTransfer implements storage.Backend.
func (b *Backend) MonitorTransfer(ctx context.Context, h storage.Handle) (storage.Progress, error) {
	var p storage.Progress
	err := b.reg.Locked(h, func(tx *transaction.Transaction) error {
		if !owned(tx) {
			return errtypes.NotFound("objectstore transfer " + h.String())
		}
		switch {
		case !tx.Done():
			p = storage.Progress{Status: storage.TransferInProgress}
		case tx.Succeeded():
			p = storage.Progress{Status: storage.TransferDone, Percent: 100}
		default:
			p = storage.Progress{Status: storage.TransferFailed}
		}
		return nil
	})
	if err != nil {
		return storage.Progress{Status: storage.TransferFailed}, err
	}
	return p, nil
}

func owned(tx *transaction.Transaction) bool {
	return tx.Name() == putName || tx.Name() == getName
}

type finished struct {
	put       bool
	succeeded bool
	err       error
	dest      string
	host      string
	checksum  string
}

// take removes the transfer h from the registry.
func (b *Backend) take(h storage.Handle) (finished, error) {
	b.reg.Lock()
	defer b.reg.Unlock()
	tx, ok := b.reg.FindLocked(h)
	if !ok || !owned(tx) {
		return finished{}, errtypes.NotFound("objectstore transfer " + h.String())
	}
	f := finished{
		put:       tx.Writing,
		succeeded: tx.Succeeded(),
		err:       tx.Err(),
		dest:      tx.DestPath,
		host:      tx.Hostname,
		checksum:  tx.Checksum,
	}
	b.reg.DestroyLocked(h)
	return f, nil
}

func (b *Backend) receiver(f finished) lockedfile.Ops {
	if f.put {
		return remote{b: b, host: f.host}
	}
	return lockedfile.Local{}
}

// EndTransfer verifies the locked copy and renames it into place.
func (b *Backend) EndTransfer(ctx context.Context, h storage.Handle) error {
	f, err := b.take(h)
	if err != nil {
		return err
	}
	ops := b.receiver(f)
	if !f.succeeded {
		if err := lockedfile.Discard(ctx, ops, f.dest); err != nil {
			appctx.GetLogger(ctx).Error().Err(err).Str("path", f.dest).Msg("error removing locked copy")
		}
		return f.err
	}
	return lockedfile.Commit(ctx, ops, f.dest, f.checksum)
}

// CancelTransfer removes both variants of the destination. Unknown
// handles are already cancelled.
func (b *Backend) CancelTransfer(ctx context.Context, h storage.Handle) error {
	f, err := b.take(h)
	if errtypes.Is[errtypes.IsNotFound](err) {
		return nil
	}
	if err != nil {
		return err
	}
	return lockedfile.Cleanup(ctx, b.receiver(f), f.dest)
}

// Close forgets the connections.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns = map[string]*minio.Client{}
	return nil
}
