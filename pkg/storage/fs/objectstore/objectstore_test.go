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

package objectstore_test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cs3org/digs/pkg/node/static"
	"github.com/cs3org/digs/pkg/storage"
	"github.com/cs3org/digs/pkg/storage/element"
	_ "github.com/cs3org/digs/pkg/storage/fs/objectstore"
	"github.com/cs3org/digs/pkg/storage/status"
	"github.com/cs3org/digs/pkg/transaction"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Objectstore", func() {
	var (
		ctx      context.Context
		tmpRoot  string
		s3       *s3Server
		server   *httptest.Server
		services *storage.Services
		se       *element.Element
	)

	const host = "node1.grid.example.org"

	write := func(p, content string) string {
		Expect(os.MkdirAll(filepath.Dir(p), 0755)).To(Succeed())
		Expect(os.WriteFile(p, []byte(content), 0644)).To(Succeed())
		return p
	}

	exists := func(key string) bool {
		_, ok := s3.get(key)
		return ok
	}

	newElement := func(extra map[string]interface{}) *element.Element {
		m := map[string]interface{}{
			"endpoint":   server.URL,
			"bucket":     "digs",
			"access_key": "digs",
			"secret_key": "secret",
			"insecure":   true,
		}
		for k, v := range extra {
			m[k] = v
		}
		e, err := element.New(ctx, "se-s3", "objectstore", m, services)
		Expect(err).ToNot(HaveOccurred())
		return e
	}

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		tmpRoot, err = os.MkdirTemp("", "digs-objectstore-test")
		Expect(err).ToNot(HaveOccurred())

		s3 = newS3Server("digs")
		server = httptest.NewTLSServer(s3)

		nodes, err := static.New(map[string]interface{}{
			"nodes": map[string]interface{}{
				host: map[string]interface{}{"path": "/store", "inbox": "/inbox"},
			},
			"default": map[string]interface{}{"path": "/store"},
		})
		Expect(err).ToNot(HaveOccurred())
		services = &storage.Services{Registry: transaction.NewRegistry(), Nodes: nodes}

		se = newElement(nil)
	})

	AfterEach(func() {
		if se != nil {
			Expect(se.Close()).To(Succeed())
		}
		if server != nil {
			server.Close()
		}
		if tmpRoot != "" {
			os.RemoveAll(tmpRoot)
		}
	})

	Describe("transfers", func() {
		It("uploads under the locked name and commits on end", func() {
			local := write(filepath.Join(tmpRoot, "a.txt"), "object content")

			h, err := se.StartPutTransfer(ctx, host, local, "/vo/a.txt")
			Expect(err).ToNot(HaveOccurred())
			p, err := se.MonitorTransfer(ctx, h)
			Expect(err).ToNot(HaveOccurred())
			Expect(p).To(Equal(storage.Progress{Status: storage.TransferDone, Percent: 100}))

			Expect(exists("store/vo/a.txt")).To(BeFalse())
			Expect(exists("store/vo/a.txt-LOCKED")).To(BeTrue())
			ok, err := se.DoesExist(ctx, host, "/vo/a.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())

			Expect(se.EndTransfer(ctx, h)).To(Succeed())
			data, ok := s3.get("store/vo/a.txt")
			Expect(ok).To(BeTrue())
			Expect(data).To(Equal("object content"))
			Expect(exists("store/vo/a.txt-LOCKED")).To(BeFalse())
		})

		It("drops the upload on a checksum mismatch", func() {
			s3.corrupt = true
			local := write(filepath.Join(tmpRoot, "a.txt"), "flipped in flight")

			h, err := se.StartPutTransfer(ctx, host, local, "/vo/a.txt")
			Expect(err).ToNot(HaveOccurred())
			err = se.EndTransfer(ctx, h)
			Expect(status.CodeOf(err)).To(Equal(status.InvalidChecksum))
			Expect(exists("store/vo/a.txt")).To(BeFalse())
			Expect(exists("store/vo/a.txt-LOCKED")).To(BeFalse())
		})

		It("reports a refused upload right away", func() {
			s3.deny = true
			local := write(filepath.Join(tmpRoot, "a.txt"), "denied")

			_, err := se.StartPutTransfer(ctx, host, local, "/vo/a.txt")
			Expect(status.CodeOf(err)).To(Equal(status.UnspecifiedServerError))
			Expect(s3.keys()).To(BeEmpty())
		})

		It("downloads and commits locally", func() {
			s3.put("store/vo/b.txt", "downloaded")
			local := filepath.Join(tmpRoot, "out", "b.txt")

			h, err := se.StartGetTransfer(ctx, host, "/vo/b.txt", local)
			Expect(err).ToNot(HaveOccurred())
			_, err = os.Stat(local)
			Expect(os.IsNotExist(err)).To(BeTrue())

			Expect(se.EndTransfer(ctx, h)).To(Succeed())
			data, err := os.ReadFile(local)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(data)).To(Equal("downloaded"))
			_, err = os.Stat(local + "-LOCKED")
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("verifies downloads of multipart objects by reading them", func() {
			s3.multipart = true
			s3.put("store/vo/big.bin", strings.Repeat("z", 1000))
			local := filepath.Join(tmpRoot, "big.bin")

			h, err := se.StartGetTransfer(ctx, host, "/vo/big.bin", local)
			Expect(err).ToNot(HaveOccurred())
			Expect(se.EndTransfer(ctx, h)).To(Succeed())
			Expect(local).To(BeARegularFile())
		})

		It("refuses to download a directory", func() {
			s3.put("store/vo/dir/", "")
			_, err := se.StartGetTransfer(ctx, host, "/vo/dir", filepath.Join(tmpRoot, "dir"))
			Expect(status.CodeOf(err)).To(Equal(status.FileIsDirectory))
		})

		It("cancels by removing both variants", func() {
			s3.put("store/vo/c.txt", "previous")
			local := write(filepath.Join(tmpRoot, "c.txt"), "next")

			h, err := se.StartPutTransfer(ctx, host, local, "/vo/c.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(se.CancelTransfer(ctx, h)).To(Succeed())
			Expect(exists("store/vo/c.txt")).To(BeFalse())
			Expect(exists("store/vo/c.txt-LOCKED")).To(BeFalse())

			_, err = se.MonitorTransfer(ctx, h)
			Expect(status.CodeOf(err)).To(Equal(status.FileNotFound))
			Expect(status.CodeOf(se.EndTransfer(ctx, h))).To(Equal(status.FileNotFound))
			Expect(se.CancelTransfer(ctx, h)).To(Succeed())
		})

		It("hands out distinct handles from the shared registry", func() {
			local := write(filepath.Join(tmpRoot, "d.txt"), "d")
			h1, err := se.StartPutTransfer(ctx, host, local, "/vo/d1.txt")
			Expect(err).ToNot(HaveOccurred())
			h2, err := se.StartPutTransfer(ctx, host, local, "/vo/d2.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(h1).ToNot(Equal(h2))
			Expect(services.Registry.Len()).To(Equal(2))

			Expect(se.EndTransfer(ctx, h1)).To(Succeed())
			Expect(exists("store/vo/d1.txt")).To(BeTrue())
			Expect(exists("store/vo/d2.txt")).To(BeFalse())
			Expect(se.EndTransfer(ctx, h2)).To(Succeed())
			Expect(services.Registry.Len()).To(Equal(0))
		})

		It("does not end transactions it did not start", func() {
			h, err := services.Registry.Create("something else")
			Expect(err).ToNot(HaveOccurred())
			err = se.EndTransfer(ctx, h)
			Expect(status.CodeOf(err)).To(Equal(status.FileNotFound))
			Expect(services.Registry.Len()).To(Equal(1))
		})
	})

	Describe("metadata", func() {
		BeforeEach(func() {
			s3.put("store/vo/m.txt", "abc")
		})

		It("answers queries", func() {
			n, err := se.GetLength(ctx, host, "/vo/m.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(int64(3)))

			owner, err := se.GetOwner(ctx, host, "/vo/m.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(owner).To(Equal("digs"))

			perms, err := se.GetPermissions(ctx, host, "/vo/m.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(perms).To(Equal("0644"))

			sum, err := se.GetChecksum(ctx, host, "/vo/m.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(sum).To(Equal("900150983CD24FB0D6963F7D28E17F72"))

			mtime, err := se.GetModificationTime(ctx, host, "/vo/m.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(mtime).To(BeTemporally("~", time.Now(), time.Minute))

			_, err = se.GetLength(ctx, host, "/vo/none")
			Expect(status.CodeOf(err)).To(Equal(status.FileNotFound))
			ok, err := se.DoesExist(ctx, host, "/vo/none")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("computes the checksum when the etag is not an md5", func() {
			s3.multipart = true
			s3.put("store/vo/mp.txt", "abc")
			sum, err := se.GetChecksum(ctx, host, "/vo/mp.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(sum).To(Equal("900150983CD24FB0D6963F7D28E17F72"))
		})

		It("keeps group and permissions in object metadata", func() {
			Expect(se.SetGroup(ctx, host, "/vo/m.txt", "atlas")).To(Succeed())
			Expect(se.SetPermissions(ctx, host, "/vo/m.txt", "600")).To(Succeed())

			group, err := se.GetGroup(ctx, host, "/vo/m.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(group).To(Equal("atlas"))
			perms, err := se.GetPermissions(ctx, host, "/vo/m.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(perms).To(Equal("0600"))

			data, _ := s3.get("store/vo/m.txt")
			Expect(data).To(Equal("abc"))

			err = se.SetPermissions(ctx, host, "/vo/m.txt", "rwx")
			Expect(status.CodeOf(err)).To(Equal(status.UnspecifiedServerError))
		})
	})

	Describe("namespace", func() {
		It("treats key prefixes as directories", func() {
			s3.put("store/implicit/f.txt", "f")
			ok, err := se.IsDirectory(ctx, host, "/implicit")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())

			ok, err = se.IsDirectory(ctx, host, "/implicit/f.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())

			_, err = se.IsDirectory(ctx, host, "/nothing")
			Expect(status.CodeOf(err)).To(Equal(status.FileNotFound))
		})

		It("builds, lists, moves and removes trees", func() {
			Expect(se.Mkdirtree(ctx, host, "/vo/x/y")).To(Succeed())
			Expect(se.Mkdirtree(ctx, host, "/vo/x/y")).ToNot(Succeed())
			Expect(exists("store/vo/x/y/")).To(BeTrue())

			s3.put("store/vo/x/one", "1")
			s3.put("store/vo/x/y/two", "2")

			entries, err := se.List(ctx, host, "/vo/x")
			Expect(err).ToNot(HaveOccurred())
			kinds := map[string]bool{}
			for _, e := range entries {
				kinds[e.Name] = e.IsDir()
			}
			Expect(kinds).To(Equal(map[string]bool{"one": false, "y": true}))

			Expect(se.Rmdir(ctx, host, "/vo/x")).ToNot(Succeed())

			Expect(se.Mv(ctx, host, "/vo/x", "/vo/moved")).To(Succeed())
			Expect(exists("store/vo/moved/y/two")).To(BeTrue())
			Expect(exists("store/vo/x/one")).To(BeFalse())

			Expect(se.Rmr(ctx, host, "/vo/moved")).To(Succeed())
			ok, err := se.DoesExist(ctx, host, "/vo/moved")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("scans data disks and the inbox", func() {
			s3.put("store/data/a", "a")
			s3.put("store/data/b-LOCKED", "b")
			s3.put("store/data1/sub/c", "c")
			s3.put("store/data3/ignored", "x")
			s3.put("inbox/vo-DIR-in.txt", "in")

			files, err := se.ScanNode(ctx, host, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(files).To(ConsistOf("/data/a", "/data1/sub/c"))

			files, err = se.ScanNode(ctx, host, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(files).To(ConsistOf("/data/a", "/data/b-LOCKED", "/data1/sub/c"))

			names, err := se.ScanInbox(ctx, host, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(names).To(ConsistOf("vo-DIR-in.txt"))
		})

		It("moves files through the inbox", func() {
			local := write(filepath.Join(tmpRoot, "in.txt"), "via inbox")
			h, err := se.StartCopyToInbox(ctx, host, local, "/vo/in.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(se.EndTransfer(ctx, h)).To(Succeed())
			Expect(exists("inbox/vo-DIR-in.txt")).To(BeTrue())

			Expect(se.CopyFromInbox(ctx, host, "/vo/in.txt")).To(Succeed())
			data, ok := s3.get("store/vo/in.txt")
			Expect(ok).To(BeTrue())
			Expect(data).To(Equal("via inbox"))
			Expect(exists("inbox/vo-DIR-in.txt")).To(BeFalse())
		})

		It("removes locked objects older than two days", func() {
			Expect(se.MaxLockedAge()).To(Equal(48 * time.Hour))
			s3.put("store/data/old-LOCKED", "old")
			s3.put("store/data/recent-LOCKED", "recent")
			s3.put("store/data/final", "final")
			s3.put("inbox/stale-LOCKED", "stale")
			s3.age("store/data/old-LOCKED", 49*time.Hour)
			s3.age("store/data/recent-LOCKED", 47*time.Hour)
			s3.age("store/data/final", 100*time.Hour)
			s3.age("inbox/stale-LOCKED", 72*time.Hour)

			Expect(se.Housekeeping(ctx, host)).To(Succeed())
			Expect(s3.keys()).To(Equal([]string{"store/data/final", "store/data/recent-LOCKED"}))
		})
	})

	Describe("connections", func() {
		It("pings the bucket", func() {
			Expect(se.Ping(ctx, host)).To(Succeed())

			other := newElement(map[string]interface{}{"bucket": "missing"})
			defer other.Close()
			Expect(status.CodeOf(other.Ping(ctx, host))).To(Equal(status.FileNotFound))
		})

		It("fails fast past the connection limit", func() {
			addr := strings.TrimPrefix(server.URL, "https://")
			_, port, _ := strings.Cut(addr, ":")
			pooled := newElement(map[string]interface{}{"endpoint": "https://%s:" + port})
			defer pooled.Close()

			Expect(pooled.Ping(ctx, "127.0.0.1")).To(Succeed())
			Expect(pooled.Ping(ctx, "127.0.0.1")).To(Succeed())
			err := pooled.Ping(ctx, "localhost")
			Expect(status.CodeOf(err)).To(Equal(status.NoService))
		})
	})
})
