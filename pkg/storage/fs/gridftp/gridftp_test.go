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

package gridftp_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cs3org/digs/pkg/checksum"
	engine "github.com/cs3org/digs/pkg/gridftp"
	_ "github.com/cs3org/digs/pkg/gridftp/transport/posix"
	"github.com/cs3org/digs/pkg/node/static"
	"github.com/cs3org/digs/pkg/storage"
	"github.com/cs3org/digs/pkg/storage/element"
	_ "github.com/cs3org/digs/pkg/storage/fs/gridftp"
	"github.com/cs3org/digs/pkg/storage/status"
	"github.com/cs3org/digs/pkg/transaction"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingRunner) Run(_ context.Context, host string, argv []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{host}, argv...))
	return "", nil
}

var _ = Describe("Gridftp", func() {
	var (
		ctx     context.Context
		tmpRoot string
		nodeDir string
		inbox   string
		runner  *recordingRunner
		reg     *transaction.Registry
		se      *element.Element
	)

	const host = "node1.grid.example.org"

	write := func(p, content string) string {
		Expect(os.MkdirAll(filepath.Dir(p), 0755)).To(Succeed())
		Expect(os.WriteFile(p, []byte(content), 0644)).To(Succeed())
		return p
	}

	exists := func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
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
		tmpRoot, err = os.MkdirTemp("", "digs-gridftp-test")
		Expect(err).ToNot(HaveOccurred())
		nodeDir = filepath.Join(tmpRoot, "node")
		inbox = filepath.Join(tmpRoot, "inbox")
		Expect(os.MkdirAll(filepath.Join(nodeDir, "data"), 0755)).To(Succeed())

		nodes, err := static.New(map[string]interface{}{
			"nodes": map[string]interface{}{
				host: map[string]interface{}{"inbox": inbox},
			},
			"default": map[string]interface{}{
				"path":        nodeDir,
				"ftp_timeout": "5s",
			},
		})
		Expect(err).ToNot(HaveOccurred())

		reg = transaction.NewRegistry()
		eng, err := engine.New(reg, map[string]interface{}{"chunk_size": 16})
		Expect(err).ToNot(HaveOccurred())

		runner = &recordingRunner{}
		se, err = element.New(ctx, "se1", "gridftp", map[string]interface{}{"scheme": "file"}, &storage.Services{
			Registry: reg,
			Engine:   eng,
			Nodes:    nodes,
			Runner:   runner,
		})
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		if tmpRoot != "" {
			os.RemoveAll(tmpRoot)
		}
	})

	Describe("transfers", func() {
		It("puts a file and verifies it", func() {
			local := write(filepath.Join(tmpRoot, "a.txt"), "hello")
			sum, err := checksum.File(local)
			Expect(err).ToNot(HaveOccurred())

			h, err := se.StartPutTransfer(ctx, host, local, "/data/x/a.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(waitFor(h)).To(Equal(storage.Progress{Status: storage.TransferDone, Percent: 100}))

			// nothing under the final name before the commit
			ok, err := se.DoesExist(ctx, host, "/data/x/a.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
			ok, err = se.DoesExist(ctx, host, "/data/x/a.txt-LOCKED")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())

			Expect(se.EndTransfer(ctx, h)).To(Succeed())
			Expect(se.GetChecksum(ctx, host, "/data/x/a.txt")).To(Equal(sum))
			Expect(exists(filepath.Join(nodeDir, "data/x/a.txt-LOCKED"))).To(BeFalse())
			Expect(reg.Len()).To(Equal(0))
		})

		It("refuses a commit when the content changed in flight", func() {
			local := write(filepath.Join(tmpRoot, "a.txt"), "hello")
			h, err := se.StartPutTransfer(ctx, host, local, "/data/x/a.txt")
			Expect(err).ToNot(HaveOccurred())
			waitFor(h)

			write(filepath.Join(nodeDir, "data/x/a.txt-LOCKED"), "jello")

			err = se.EndTransfer(ctx, h)
			Expect(status.CodeOf(err)).To(Equal(status.InvalidChecksum))
			Expect(se.DoesExist(ctx, host, "/data/x/a.txt")).To(BeFalse())
			Expect(se.DoesExist(ctx, host, "/data/x/a.txt-LOCKED")).To(BeFalse())
		})

		It("gets a file into a locked local copy and commits it", func() {
			write(filepath.Join(nodeDir, "data/run/b.dat"), strings.Repeat("b", 100))
			local := filepath.Join(tmpRoot, "out", "b.dat")

			h, err := se.StartGetTransfer(ctx, host, "/data/run/b.dat", local)
			Expect(err).ToNot(HaveOccurred())
			Expect(waitFor(h).Status).To(Equal(storage.TransferDone))
			Expect(exists(local)).To(BeFalse())
			Expect(exists(local + "-LOCKED")).To(BeTrue())

			Expect(se.EndTransfer(ctx, h)).To(Succeed())
			content, err := os.ReadFile(local)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(content)).To(Equal(strings.Repeat("b", 100)))
			Expect(exists(local + "-LOCKED")).To(BeFalse())
		})

		It("does not get a directory", func() {
			_, err := se.StartGetTransfer(ctx, host, "/data", filepath.Join(tmpRoot, "d"))
			Expect(status.CodeOf(err)).To(Equal(status.FileIsDirectory))
		})

		It("cleans up both variants on cancel", func() {
			local := write(filepath.Join(tmpRoot, "big"), strings.Repeat("x", 1<<16))
			write(filepath.Join(nodeDir, "data/big"), "previous")

			h, err := se.StartPutTransfer(ctx, host, local, "/data/big")
			Expect(err).ToNot(HaveOccurred())
			Expect(se.CancelTransfer(ctx, h)).To(Succeed())

			Expect(exists(filepath.Join(nodeDir, "data/big"))).To(BeFalse())
			Expect(exists(filepath.Join(nodeDir, "data/big-LOCKED"))).To(BeFalse())
			Eventually(reg.Len, "2s", "5ms").Should(Equal(0))

			// again, nothing left to do
			Expect(se.CancelTransfer(ctx, h)).To(Succeed())
		})

		It("cleans up the local side of a cancelled get", func() {
			write(filepath.Join(nodeDir, "data/g"), strings.Repeat("g", 1<<16))
			local := filepath.Join(tmpRoot, "g")

			h, err := se.StartGetTransfer(ctx, host, "/data/g", local)
			Expect(err).ToNot(HaveOccurred())
			Expect(se.CancelTransfer(ctx, h)).To(Succeed())
			Expect(exists(local)).To(BeFalse())
			Expect(exists(local + "-LOCKED")).To(BeFalse())
		})

		It("keeps concurrent transfers apart", func() {
			a := write(filepath.Join(tmpRoot, "a"), "aaaa")
			b := write(filepath.Join(tmpRoot, "b"), "bbbb")
			ha, err := se.StartPutTransfer(ctx, host, a, "/data/a")
			Expect(err).ToNot(HaveOccurred())
			hb, err := se.StartPutTransfer(ctx, host, b, "/data/b")
			Expect(err).ToNot(HaveOccurred())
			Expect(ha).ToNot(Equal(hb))

			waitFor(ha)
			Expect(se.CancelTransfer(ctx, hb)).To(Succeed())
			Expect(se.EndTransfer(ctx, ha)).To(Succeed())
			Expect(exists(filepath.Join(nodeDir, "data/a"))).To(BeTrue())
			Expect(exists(filepath.Join(nodeDir, "data/b"))).To(BeFalse())
		})

		It("reports unknown handles", func() {
			_, err := se.MonitorTransfer(ctx, 4242)
			Expect(status.CodeOf(err)).To(Equal(status.FileNotFound))
		})
	})

	Describe("metadata", func() {
		BeforeEach(func() {
			write(filepath.Join(nodeDir, "data/f"), "12345")
		})

		It("reads length and mode", func() {
			Expect(se.GetLength(ctx, host, "/data/f")).To(Equal(int64(5)))
			_, err := se.GetLength(ctx, host, "/data")
			Expect(status.CodeOf(err)).To(Equal(status.FileIsDirectory))

			Expect(se.SetPermissions(ctx, host, "/data/f", "640")).To(Succeed())
			Expect(se.GetPermissions(ctx, host, "/data/f")).To(Equal("0640"))

			err = se.SetPermissions(ctx, host, "/data/f", "rwx")
			Expect(status.CodeOf(err)).To(Equal(status.UnspecifiedServerError))
		})

		It("treats a missing path as false for existence only", func() {
			Expect(se.DoesExist(ctx, host, "/data/nope")).To(BeFalse())
			_, err := se.IsDirectory(ctx, host, "/data/nope")
			Expect(status.CodeOf(err)).To(Equal(status.FileNotFound))
			Expect(se.IsDirectory(ctx, host, "/data")).To(BeTrue())
		})

		It("changes the group on the node", func() {
			Expect(se.SetGroup(ctx, host, "/data/f", "atlas")).To(Succeed())
			Expect(runner.calls).To(Equal([][]string{{host, "chgrp", "atlas", filepath.Join(nodeDir, "data/f")}}))
		})

		It("knows the modification time", func() {
			old := time.Now().Add(-time.Hour).Truncate(time.Second)
			Expect(os.Chtimes(filepath.Join(nodeDir, "data/f"), old, old)).To(Succeed())
			mtime, err := se.GetModificationTime(ctx, host, "/data/f")
			Expect(err).ToNot(HaveOccurred())
			Expect(mtime.Equal(old)).To(BeTrue())
		})

		It("pings the node", func() {
			Expect(se.Ping(ctx, host)).To(Succeed())
		})
	})

	Describe("trees", func() {
		It("creates a tree twice", func() {
			Expect(se.Mkdirtree(ctx, host, "/data/a/b/c")).To(Succeed())
			Expect(se.IsDirectory(ctx, host, "/data/a/b/c")).To(BeTrue())

			err := se.Mkdirtree(ctx, host, "/data/a/b/c")
			Expect(err).To(HaveOccurred())
			Expect(se.IsDirectory(ctx, host, "/data/a/b/c")).To(BeTrue())
		})

		It("removes mixed content", func() {
			write(filepath.Join(nodeDir, "data/t/f1"), "1")
			write(filepath.Join(nodeDir, "data/t/d1/f2"), "2")
			Expect(se.Rmr(ctx, host, "/data/t")).To(Succeed())
			Expect(se.DoesExist(ctx, host, "/data/t")).To(BeFalse())
		})

		It("moves files", func() {
			write(filepath.Join(nodeDir, "data/m"), "m")
			Expect(se.Mv(ctx, host, "/data/m", "/data/n")).To(Succeed())
			Expect(exists(filepath.Join(nodeDir, "data/n"))).To(BeTrue())
			Expect(se.Rm(ctx, host, "/data/n")).To(Succeed())
			Expect(se.Mkdir(ctx, host, "/data/e")).To(Succeed())
			Expect(se.Rmdir(ctx, host, "/data/e")).To(Succeed())
		})

		It("scans every data disk", func() {
			write(filepath.Join(nodeDir, "data/x/1"), "1")
			write(filepath.Join(nodeDir, "data/x/2-LOCKED"), "2")
			write(filepath.Join(nodeDir, "data1/3"), "3")
			write(filepath.Join(nodeDir, "data3/4"), "4")

			files, err := se.ScanNode(ctx, host, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(files).To(ConsistOf("/data/x/1", "/data1/3"))

			files, err = se.ScanNode(ctx, host, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(files).To(ConsistOf("/data/x/1", "/data/x/2-LOCKED", "/data1/3"))
		})

		It("lists a directory", func() {
			write(filepath.Join(nodeDir, "data/l/1"), "1")
			Expect(os.MkdirAll(filepath.Join(nodeDir, "data/l/sub"), 0755)).To(Succeed())
			entries, err := se.List(ctx, host, "/data/l")
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(HaveLen(2))
		})
	})

	Describe("inbox", func() {
		It("copies through the inbox", func() {
			local := write(filepath.Join(tmpRoot, "c.txt"), "inbox")
			h, err := se.StartCopyToInbox(ctx, host, local, "/data/y/c.txt")
			Expect(err).ToNot(HaveOccurred())
			waitFor(h)
			Expect(se.EndTransfer(ctx, h)).To(Succeed())

			names, err := se.ScanInbox(ctx, host, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(names).To(ConsistOf("data-DIR-y-DIR-c.txt"))

			Expect(se.CopyFromInbox(ctx, host, "/data/y/c.txt")).To(Succeed())
			content, err := os.ReadFile(filepath.Join(nodeDir, "data/y/c.txt"))
			Expect(err).ToNot(HaveOccurred())
			Expect(string(content)).To(Equal("inbox"))
		})

		It("fails without an inbox", func() {
			_, err := se.StartCopyToInbox(ctx, "other.example.org", filepath.Join(tmpRoot, "c"), "/c")
			Expect(status.CodeOf(err)).To(Equal(status.NoInbox))
			_, err = se.ScanInbox(ctx, "other.example.org", false)
			Expect(status.CodeOf(err)).To(Equal(status.NoInbox))
		})
	})

	Describe("housekeeping", func() {
		It("removes stale locked files only", func() {
			stale := write(filepath.Join(nodeDir, "data/s-LOCKED"), "s")
			fresh := write(filepath.Join(nodeDir, "data/f-LOCKED"), "f")
			plain := write(filepath.Join(nodeDir, "data/p"), "p")
			staleInbox := write(filepath.Join(inbox, "i-LOCKED"), "i")
			old := time.Now().Add(-25 * time.Hour)
			Expect(os.Chtimes(stale, old, old)).To(Succeed())
			Expect(os.Chtimes(plain, old, old)).To(Succeed())
			Expect(os.Chtimes(staleInbox, old, old)).To(Succeed())

			Expect(se.Housekeeping(ctx, host)).To(Succeed())
			Expect(exists(stale)).To(BeFalse())
			Expect(exists(staleInbox)).To(BeFalse())
			Expect(exists(fresh)).To(BeTrue())
			Expect(exists(plain)).To(BeTrue())
		})
	})
})
