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

package srm_test

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cs3org/digs/pkg/checksum"
	engine "github.com/cs3org/digs/pkg/gridftp"
	_ "github.com/cs3org/digs/pkg/gridftp/transport/posix"
	"github.com/cs3org/digs/pkg/node/static"
	"github.com/cs3org/digs/pkg/storage"
	"github.com/cs3org/digs/pkg/storage/element"
	"github.com/cs3org/digs/pkg/storage/fs/srm"
	"github.com/cs3org/digs/pkg/storage/status"
	"github.com/cs3org/digs/pkg/transaction"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Srm", func() {
	var (
		ctx      context.Context
		tmpRoot  string
		mockRoot string
		mgr      *manager
		server   *httptest.Server
		services *storage.Services
		se       *element.Element
	)

	const (
		host = "se.grid.example.org"
		base = "/pnfs/example.org/data"
	)

	write := func(p, content string) string {
		Expect(os.MkdirAll(filepath.Dir(p), 0755)).To(Succeed())
		Expect(os.WriteFile(p, []byte(content), 0644)).To(Succeed())
		return p
	}

	remote := func(logical string) string {
		return filepath.Join(mockRoot, base, logical)
	}

	exists := func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
	}

	newElement := func(extra map[string]interface{}) *element.Element {
		m := map[string]interface{}{
			"endpoint":     server.URL,
			"retries":      -1,
			"metadata_ttl": -1,
		}
		for k, v := range extra {
			m[k] = v
		}
		e, err := element.New(ctx, "se-srm", "srm", m, services)
		Expect(err).ToNot(HaveOccurred())
		return e
	}

	waitFor := func(h storage.Handle) storage.Progress {
		var p storage.Progress
		Eventually(func() storage.TransferStatus {
			var err error
			p, err = se.MonitorTransfer(ctx, h)
			Expect(err).ToNot(HaveOccurred())
			return p.Status
		}, "5s", "5ms").ShouldNot(Equal(storage.TransferInProgress))
		return p
	}

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		tmpRoot, err = os.MkdirTemp("", "digs-srm-test")
		Expect(err).ToNot(HaveOccurred())
		mockRoot = filepath.Join(tmpRoot, "manager")
		Expect(os.MkdirAll(mockRoot, 0755)).To(Succeed())

		mgr = newManager(mockRoot)
		server = httptest.NewServer(mgr)

		nodes, err := static.New(map[string]interface{}{
			"default": map[string]interface{}{
				"path":        base,
				"ftp_timeout": "5s",
			},
		})
		Expect(err).ToNot(HaveOccurred())

		reg := transaction.NewRegistry()
		eng, err := engine.New(reg, map[string]interface{}{"chunk_size": 16})
		Expect(err).ToNot(HaveOccurred())
		services = &storage.Services{Registry: reg, Engine: eng, Nodes: nodes}

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
		It("negotiates a transfer url and puts the file", func() {
			mgr.queued = 1
			local := write(filepath.Join(tmpRoot, "a.txt"), "brokered through the manager")

			h, err := se.StartPutTransfer(ctx, host, local, "/vo/run1/a.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(h).To(BeNumerically(">=", srm.FirstHandle))

			p, err := se.MonitorTransfer(ctx, h)
			Expect(err).ToNot(HaveOccurred())
			Expect(p).To(Equal(storage.Progress{Status: storage.TransferInProgress, Percent: 0}))

			p, err = se.MonitorTransfer(ctx, h)
			Expect(err).ToNot(HaveOccurred())
			Expect(p).To(Equal(storage.Progress{Status: storage.TransferInProgress, Percent: 50}))

			Expect(waitFor(h)).To(Equal(storage.Progress{Status: storage.TransferDone, Percent: 100}))
			Expect(exists(remote("/vo/run1/a.txt"))).To(BeFalse())

			Expect(se.EndTransfer(ctx, h)).To(Succeed())
			data, err := os.ReadFile(remote("/vo/run1/a.txt"))
			Expect(err).ToNot(HaveOccurred())
			Expect(string(data)).To(Equal("brokered through the manager"))
			Expect(exists(remote("/vo/run1/a.txt-LOCKED"))).To(BeFalse())
			Expect(mgr.called("srmPutDone")).To(Equal(1))
		})

		It("replaces an existing file on commit", func() {
			write(remote("/vo/a.txt"), "old")
			local := write(filepath.Join(tmpRoot, "a.txt"), "new content")

			h, err := se.StartPutTransfer(ctx, host, local, "/vo/a.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(waitFor(h).Status).To(Equal(storage.TransferDone))
			Expect(se.EndTransfer(ctx, h)).To(Succeed())

			data, err := os.ReadFile(remote("/vo/a.txt"))
			Expect(err).ToNot(HaveOccurred())
			Expect(string(data)).To(Equal("new content"))
		})

		It("gets a file", func() {
			write(remote("/vo/b.txt"), "staged by the manager")
			local := filepath.Join(tmpRoot, "out", "b.txt")

			h, err := se.StartGetTransfer(ctx, host, "/vo/b.txt", local)
			Expect(err).ToNot(HaveOccurred())
			Expect(waitFor(h).Status).To(Equal(storage.TransferDone))
			Expect(exists(local)).To(BeFalse())

			Expect(se.EndTransfer(ctx, h)).To(Succeed())
			data, err := os.ReadFile(local)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(data)).To(Equal("staged by the manager"))
			Expect(mgr.called("srmReleaseFiles")).To(Equal(1))
		})

		It("refuses to get a directory", func() {
			Expect(os.MkdirAll(remote("/vo/dir"), 0755)).To(Succeed())
			_, err := se.StartGetTransfer(ctx, host, "/vo/dir", filepath.Join(tmpRoot, "dir"))
			Expect(status.CodeOf(err)).To(Equal(status.FileIsDirectory))
		})

		It("reports a missing source", func() {
			_, err := se.StartGetTransfer(ctx, host, "/vo/missing", filepath.Join(tmpRoot, "missing"))
			Expect(status.CodeOf(err)).To(Equal(status.FileNotFound))
		})

		DescribeTable("fails when the manager refuses the transfer url",
			func(code string, expected status.Code) {
				mgr.failWith = code
				local := write(filepath.Join(tmpRoot, "c.txt"), "never sent")

				h, err := se.StartPutTransfer(ctx, host, local, "/vo/c.txt")
				Expect(err).ToNot(HaveOccurred())

				p, err := se.MonitorTransfer(ctx, h)
				Expect(err).ToNot(HaveOccurred())
				Expect(p).To(Equal(storage.Progress{Status: storage.TransferFailed, Percent: 0}))
				Expect(p.Status.String()).To(Equal("DIGS_TRANSFER_FAILED"))

				err = se.EndTransfer(ctx, h)
				Expect(status.CodeOf(err)).To(Equal(expected))
				Expect(mgr.abortedTokens()).To(HaveLen(1))
				Expect(exists(remote("/vo/c.txt"))).To(BeFalse())
				Expect(exists(remote("/vo/c.txt-LOCKED"))).To(BeFalse())
			},
			Entry("generic failure", "SRM_FAILURE", status.UnspecifiedServerError),
			Entry("invalid path", "SRM_INVALID_PATH", status.FileNotFound),
			Entry("authorization", "SRM_AUTHORIZATION_FAILURE", status.UnspecifiedServerError),
		)

		It("does not end a transfer still waiting for its url", func() {
			mgr.queued = 1000
			local := write(filepath.Join(tmpRoot, "d.txt"), "waiting")

			h, err := se.StartPutTransfer(ctx, host, local, "/vo/d.txt")
			Expect(err).ToNot(HaveOccurred())
			err = se.EndTransfer(ctx, h)
			Expect(status.CodeOf(err)).To(Equal(status.UnspecifiedServerError))

			Expect(se.CancelTransfer(ctx, h)).To(Succeed())
		})

		It("cancels a waiting transfer and aborts the request", func() {
			mgr.queued = 1000
			local := write(filepath.Join(tmpRoot, "e.txt"), "cancelled")

			h, err := se.StartPutTransfer(ctx, host, local, "/vo/e.txt")
			Expect(err).ToNot(HaveOccurred())
			p, err := se.MonitorTransfer(ctx, h)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Status).To(Equal(storage.TransferInProgress))

			Expect(se.CancelTransfer(ctx, h)).To(Succeed())
			Expect(mgr.abortedTokens()).To(HaveLen(1))

			_, err = se.MonitorTransfer(ctx, h)
			Expect(status.CodeOf(err)).To(Equal(status.FileNotFound))
			Expect(se.CancelTransfer(ctx, h)).To(Succeed())
			Expect(mgr.abortedTokens()).To(HaveLen(1))
		})

		It("cancels a get once the data moves", func() {
			write(remote("/vo/f.txt"), strings.Repeat("x", 4096))
			local := filepath.Join(tmpRoot, "f.txt")

			h, err := se.StartGetTransfer(ctx, host, "/vo/f.txt", local)
			Expect(err).ToNot(HaveOccurred())
			_, err = se.MonitorTransfer(ctx, h)
			Expect(err).ToNot(HaveOccurred())

			Expect(se.CancelTransfer(ctx, h)).To(Succeed())
			Eventually(func() bool { return exists(local + "-LOCKED") }, "2s", "10ms").Should(BeFalse())
			Expect(exists(local)).To(BeFalse())
			Expect(exists(remote("/vo/f.txt"))).To(BeTrue())
		})

		It("waits for a status poll in flight before cleaning up", func() {
			mgr.hold = make(chan struct{})
			mgr.entered = make(chan struct{}, 1)
			local := write(filepath.Join(tmpRoot, "h.txt"), strings.Repeat("h", 4096))

			h, err := se.StartPutTransfer(ctx, host, local, "/vo/h.txt")
			Expect(err).ToNot(HaveOccurred())

			monitored := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, err := se.MonitorTransfer(ctx, h)
				monitored <- err
			}()
			Eventually(mgr.entered, "2s").Should(Receive())

			cancelled := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				cancelled <- se.CancelTransfer(ctx, h)
			}()
			Consistently(cancelled, "100ms", "10ms").ShouldNot(Receive())

			// the manager grants the transfer url only now
			close(mgr.hold)
			Eventually(cancelled, "2s").Should(Receive(BeNil()))
			Eventually(monitored, "2s").Should(Receive())

			Consistently(func() bool { return exists(remote("/vo/h.txt-LOCKED")) }, "200ms", "10ms").Should(BeFalse())
			Expect(exists(remote("/vo/h.txt"))).To(BeFalse())
			Expect(mgr.abortedTokens()).To(HaveLen(1))

			_, err = se.MonitorTransfer(ctx, h)
			Expect(status.CodeOf(err)).To(Equal(status.FileNotFound))
		})

		It("drops a put whose copy does not match", func() {
			local := write(filepath.Join(tmpRoot, "k.txt"), "what was sent")

			h, err := se.StartPutTransfer(ctx, host, local, "/vo/k.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(waitFor(h).Status).To(Equal(storage.TransferDone))
			write(remote("/vo/k.txt-LOCKED"), "what arrived instead")

			err = se.EndTransfer(ctx, h)
			Expect(status.CodeOf(err)).To(Equal(status.InvalidChecksum))
			Expect(exists(remote("/vo/k.txt"))).To(BeFalse())
			Expect(exists(remote("/vo/k.txt-LOCKED"))).To(BeFalse())
		})

		It("refuses checksums other than MD5", func() {
			write(remote("/vo/u.txt"), "adler")
			mgr.checksumType = "ADLER32"

			_, err := se.GetChecksum(ctx, host, "/vo/u.txt")
			Expect(status.CodeOf(err)).To(Equal(status.UnsupportedChecksumType))

			_, err = se.StartGetTransfer(ctx, host, "/vo/u.txt", filepath.Join(tmpRoot, "u.txt"))
			Expect(status.CodeOf(err)).To(Equal(status.UnsupportedChecksumType))
			Expect(mgr.called("srmPrepareToGet")).To(Equal(0))
		})

		It("keeps handles unique across elements", func() {
			mgr.queued = 1000
			local := write(filepath.Join(tmpRoot, "i.txt"), "i")
			other := newElement(nil)
			defer other.Close()

			h1, err := se.StartPutTransfer(ctx, host, local, "/vo/i1.txt")
			Expect(err).ToNot(HaveOccurred())
			h2, err := other.StartPutTransfer(ctx, host, local, "/vo/i2.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(h1).ToNot(Equal(h2))
			Expect(h2).To(BeNumerically(">", srm.FirstHandle))

			Expect(se.CancelTransfer(ctx, h1)).To(Succeed())
			Expect(other.CancelTransfer(ctx, h2)).To(Succeed())
		})

		It("hands out distinct handles", func() {
			mgr.queued = 1000
			local := write(filepath.Join(tmpRoot, "g.txt"), "g")
			seen := map[storage.Handle]bool{}
			for i := 0; i < 3; i++ {
				h, err := se.StartPutTransfer(ctx, host, local, "/vo/g.txt")
				Expect(err).ToNot(HaveOccurred())
				Expect(seen).ToNot(HaveKey(h))
				seen[h] = true
			}
			for h := range seen {
				Expect(se.CancelTransfer(ctx, h)).To(Succeed())
			}
		})
	})

	Describe("metadata", func() {
		BeforeEach(func() {
			write(remote("/vo/m.txt"), "abc")
			Expect(os.Chmod(remote("/vo/m.txt"), 0640)).To(Succeed())
		})

		It("answers queries from srmLs", func() {
			n, err := se.GetLength(ctx, host, "/vo/m.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(int64(3)))

			ok, err := se.DoesExist(ctx, host, "/vo/m.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())

			ok, err = se.DoesExist(ctx, host, "/vo/none")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())

			_, err = se.IsDirectory(ctx, host, "/vo/none")
			Expect(status.CodeOf(err)).To(Equal(status.FileNotFound))

			ok, err = se.IsDirectory(ctx, host, "/vo")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())

			owner, err := se.GetOwner(ctx, host, "/vo/m.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(owner).To(Equal("dteam001"))

			group, err := se.GetGroup(ctx, host, "/vo/m.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(group).To(Equal("dteam"))

			perms, err := se.GetPermissions(ctx, host, "/vo/m.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(perms).To(Equal("0640"))

			sum, err := se.GetChecksum(ctx, host, "/vo/m.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(checksum.Equal(sum, "900150983CD24FB0D6963F7D28E17F72")).To(BeTrue())

			mtime, err := se.GetModificationTime(ctx, host, "/vo/m.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(mtime).To(BeTemporally("~", time.Now(), time.Minute))
		})

		It("changes permissions but not groups", func() {
			Expect(se.SetPermissions(ctx, host, "/vo/m.txt", "0600")).To(Succeed())
			perms, err := se.GetPermissions(ctx, host, "/vo/m.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(perms).To(Equal("0600"))

			err = se.SetGroup(ctx, host, "/vo/m.txt", "atlas")
			Expect(status.CodeOf(err)).To(Equal(status.UnspecifiedServerError))
		})

		It("caches srmLs answers until the path changes", func() {
			Expect(se.Close()).To(Succeed())
			se = newElement(map[string]interface{}{"metadata_ttl": "1m"})

			for i := 0; i < 3; i++ {
				_, err := se.GetLength(ctx, host, "/vo/m.txt")
				Expect(err).ToNot(HaveOccurred())
			}
			Expect(mgr.called("srmLs")).To(Equal(1))

			Expect(se.Rm(ctx, host, "/vo/m.txt")).To(Succeed())
			ok, err := se.DoesExist(ctx, host, "/vo/m.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("namespace", func() {
		It("builds, lists and removes trees", func() {
			Expect(se.Mkdirtree(ctx, host, "/vo/x/y/z")).To(Succeed())
			// only the deepest level reports that it exists
			Expect(se.Mkdirtree(ctx, host, "/vo/x/y/z")).ToNot(Succeed())
			Expect(remote("/vo/x/y/z")).To(BeADirectory())

			write(remote("/vo/x/y/one"), "1")
			write(remote("/vo/x/two"), "2")

			entries, err := se.List(ctx, host, "/vo/x")
			Expect(err).ToNot(HaveOccurred())
			names := []string{}
			for _, e := range entries {
				names = append(names, e.Name)
			}
			Expect(names).To(ConsistOf("y", "two"))

			err = se.Rmdir(ctx, host, "/vo/x")
			Expect(err).To(HaveOccurred())

			Expect(se.Mv(ctx, host, "/vo/x/two", "/vo/x/three")).To(Succeed())
			Expect(remote("/vo/x/three")).To(BeARegularFile())

			Expect(se.Rmr(ctx, host, "/vo/x")).To(Succeed())
			Expect(exists(remote("/vo/x"))).To(BeFalse())
		})

		It("pings the manager", func() {
			Expect(se.Ping(ctx, host)).To(Succeed())
			Expect(mgr.called("srmPing")).To(Equal(1))
		})

		It("reports a manager refusing the caller", func() {
			refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			}))
			defer refusing.Close()
			e := newElement(map[string]interface{}{"endpoint": refusing.URL})
			defer e.Close()

			Expect(status.CodeOf(e.Ping(ctx, host))).To(Equal(status.AuthFailed))
		})

		It("reports an unreachable manager", func() {
			server.Close()
			_, err := se.GetLength(ctx, host, "/vo/m.txt")
			Expect(status.CodeOf(err)).To(Equal(status.NoConnection))
		})
	})

	Describe("credentials", func() {
		var secure *httptest.Server

		BeforeEach(func() {
			secure = httptest.NewTLSServer(mgr)
		})

		AfterEach(func() {
			secure.Close()
		})

		writePEM := func(p string, blocks ...*pem.Block) string {
			var data []byte
			for _, b := range blocks {
				data = append(data, pem.EncodeToMemory(b)...)
			}
			return write(p, string(data))
		}

		serverCert := func() *pem.Block {
			return &pem.Block{Type: "CERTIFICATE", Bytes: secure.Certificate().Raw}
		}

		ping := func(extra map[string]interface{}) error {
			extra["endpoint"] = secure.URL
			e := newElement(extra)
			defer e.Close()
			return e.Ping(ctx, host)
		}

		It("reports a manager it cannot verify", func() {
			err := ping(map[string]interface{}{})
			Expect(status.CodeOf(err)).To(Equal(status.NoServiceProxy))
		})

		It("trusts the configured certificate authorities", func() {
			dir := filepath.Join(tmpRoot, "certificates")
			writePEM(filepath.Join(dir, "server.pem"), serverCert())
			write(filepath.Join(dir, "server.signing_policy"), "access_id_CA X509 '/CN=test'")

			Expect(ping(map[string]interface{}{"ca_path": dir})).To(Succeed())
			Expect(ping(map[string]interface{}{"ca_path": filepath.Join(dir, "server.pem")})).To(Succeed())
		})

		It("reports a ca path without certificates", func() {
			err := ping(map[string]interface{}{"ca_path": write(filepath.Join(tmpRoot, "empty.pem"), "nothing")})
			Expect(status.CodeOf(err)).To(Equal(status.NoServiceProxy))
		})

		It("reports a missing user proxy", func() {
			err := ping(map[string]interface{}{
				"insecure": true,
				"proxy":    filepath.Join(tmpRoot, "x509up_u1000"),
			})
			Expect(status.CodeOf(err)).To(Equal(status.NoUserProxy))

			err = ping(map[string]interface{}{
				"insecure": true,
				"proxy":    write(filepath.Join(tmpRoot, "garbage"), "not a proxy"),
			})
			Expect(status.CodeOf(err)).To(Equal(status.NoUserProxy))
		})

		It("presents the user proxy", func() {
			key, err := x509.MarshalPKCS8PrivateKey(secure.TLS.Certificates[0].PrivateKey)
			Expect(err).ToNot(HaveOccurred())
			proxy := writePEM(filepath.Join(tmpRoot, "x509up_u1000"), serverCert(), &pem.Block{Type: "PRIVATE KEY", Bytes: key})
			ca := writePEM(filepath.Join(tmpRoot, "ca.pem"), serverCert())

			Expect(ping(map[string]interface{}{"proxy": proxy, "ca_path": ca})).To(Succeed())
		})
	})
})
