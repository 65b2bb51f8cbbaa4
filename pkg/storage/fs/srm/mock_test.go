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
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/cs3org/digs/pkg/checksum"
)

// manager is an in-process SRM endpoint serving a directory. Transfer URLs
// point straight at the files, so the posix transport moves the data.
type manager struct {
	root string

	mu sync.Mutex
	// queued is the number of status polls answered with
	// SRM_REQUEST_QUEUED before a transfer URL is granted.
	queued int
	// failWith, when set, is the file status of every status poll.
	failWith string
	// hold, when set, blocks status polls until it is closed; entered
	// receives a value as each poll starts waiting.
	hold    chan struct{}
	entered chan struct{}
	// checksumType replaces MD5 in srmLs answers.
	checksumType string
	polls        map[string]int
	tokens       map[string]string
	aborted      []string
	calls        []string
	next         int
}

func newManager(root string) *manager {
	return &manager{
		root:   root,
		polls:  map[string]int{},
		tokens: map[string]string{},
	}
}

func (m *manager) called(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (m *manager) abortedTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.aborted...)
}

func (m *manager) local(surl string) string {
	sfn := surl
	if i := strings.Index(surl, "?SFN="); i >= 0 {
		sfn = surl[i+len("?SFN="):]
	}
	return filepath.Join(m.root, path.Clean("/"+sfn))
}

func (m *manager) sfn(surl string) string {
	if i := strings.Index(surl, "?SFN="); i >= 0 {
		return surl[i+len("?SFN="):]
	}
	return surl
}

func returnStatus(parent *etree.Element, code, explanation string) {
	rs := parent.CreateElement("returnStatus")
	rs.CreateElement("statusCode").SetText(code)
	if explanation != "" {
		rs.CreateElement("explanation").SetText(explanation)
	}
}

func fileStatus(parent *etree.Element, code, turl string) {
	st := parent.CreateElement("arrayOfFileStatuses").CreateElement("statusArray")
	st.CreateElement("status").CreateElement("statusCode").SetText(code)
	if turl != "" {
		st.CreateElement("transferURL").SetText(turl)
	}
}

func errStatus(err error) string {
	switch {
	case os.IsNotExist(err):
		return "SRM_INVALID_PATH"
	case os.IsExist(err):
		return "SRM_DUPLICATION_ERROR"
	}
	return "SRM_FAILURE"
}

func (m *manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	in := etree.NewDocument()
	if err := in.ReadFromBytes(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b := in.FindElement("//Body")
	if b == nil || len(b.ChildElements()) == 0 {
		http.Error(w, "no body", http.StatusBadRequest)
		return
	}
	op := b.ChildElements()[0]
	method := op.Tag
	req := op.SelectElement(method + "Request")
	if req == nil {
		req = op
	}

	m.mu.Lock()
	m.calls = append(m.calls, method)
	m.mu.Unlock()

	out := etree.NewDocument()
	out.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := out.CreateElement("soapenv:Envelope")
	env.CreateAttr("xmlns:soapenv", "http://schemas.xmlsoap.org/soap/envelope/")
	env.CreateAttr("xmlns:srm", "http://srm.lbl.gov/StorageResourceManager")
	res := env.CreateElement("soapenv:Body").CreateElement("srm:" + method + "Response").CreateElement(method + "Response")

	m.handle(method, req, res)

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	data, _ := out.WriteToBytes()
	_, _ = w.Write(data)
}

func text(e *etree.Element, p string) string {
	if c := e.FindElement(p); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

func (m *manager) handle(method string, req, res *etree.Element) {
	switch method {
	case "srmPing":
		returnStatus(res, "SRM_SUCCESS", "")
		res.CreateElement("versionInfo").SetText("v2.2")

	case "srmPrepareToPut", "srmPrepareToGet":
		surl := text(req, "arrayOfFileRequests/requestArray/targetSURL")
		if method == "srmPrepareToGet" {
			surl = text(req, "arrayOfFileRequests/requestArray/sourceSURL")
			if _, err := os.Stat(m.local(surl)); err != nil {
				returnStatus(res, "SRM_FAILURE", "")
				fileStatus(res, errStatus(err), "")
				return
			}
		}
		m.mu.Lock()
		m.next++
		token := "token-" + strconv.Itoa(m.next)
		m.tokens[token] = surl
		m.mu.Unlock()
		returnStatus(res, "SRM_REQUEST_QUEUED", "")
		res.CreateElement("requestToken").SetText(token)
		fileStatus(res, "SRM_REQUEST_QUEUED", "")

	case "srmStatusOfPutRequest", "srmStatusOfGetRequest":
		token := text(req, "requestToken")
		m.mu.Lock()
		surl, ok := m.tokens[token]
		failWith := m.failWith
		wait := m.polls[token] < m.queued
		m.polls[token]++
		hold, entered := m.hold, m.entered
		m.mu.Unlock()
		if hold != nil {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-hold
		}
		switch {
		case !ok:
			returnStatus(res, "SRM_INVALID_REQUEST", "unknown token")
		case failWith != "":
			returnStatus(res, "SRM_FAILURE", "")
			fileStatus(res, failWith, "")
		case wait:
			returnStatus(res, "SRM_REQUEST_QUEUED", "")
			fileStatus(res, "SRM_REQUEST_QUEUED", "")
		case method == "srmStatusOfPutRequest":
			returnStatus(res, "SRM_SUCCESS", "")
			fileStatus(res, "SRM_SPACE_AVAILABLE", "file://"+m.local(surl))
		default:
			returnStatus(res, "SRM_SUCCESS", "")
			fileStatus(res, "SRM_FILE_PINNED", "file://"+m.local(surl))
		}

	case "srmPutDone", "srmReleaseFiles":
		returnStatus(res, "SRM_SUCCESS", "")
		fileStatus(res, "SRM_SUCCESS", "")

	case "srmAbortRequest":
		m.mu.Lock()
		m.aborted = append(m.aborted, text(req, "requestToken"))
		m.mu.Unlock()
		returnStatus(res, "SRM_SUCCESS", "")

	case "srmLs":
		surl := text(req, "arrayOfSURLs/urlArray")
		levels, _ := strconv.Atoi(text(req, "numOfLevels"))
		pda := res.CreateElement("details").CreateElement("pathDetailArray")
		fi, err := os.Stat(m.local(surl))
		if err != nil {
			returnStatus(res, "SRM_FAILURE", "")
			pda.CreateElement("path").SetText(m.sfn(surl))
			pda.CreateElement("status").CreateElement("statusCode").SetText(errStatus(err))
			return
		}
		returnStatus(res, "SRM_SUCCESS", "")
		m.detail(pda, m.sfn(surl), m.local(surl), fi)
		if fi.IsDir() && levels > 0 {
			sub := pda.CreateElement("arrayOfSubPaths")
			entries, _ := os.ReadDir(m.local(surl))
			for _, e := range entries {
				info, err := e.Info()
				if err != nil {
					continue
				}
				m.detail(sub.CreateElement("pathDetailArray"), path.Join(m.sfn(surl), e.Name()), filepath.Join(m.local(surl), e.Name()), info)
			}
		}

	case "srmMkdir":
		if err := os.Mkdir(m.local(text(req, "SURL")), 0755); err != nil {
			returnStatus(res, errStatus(err), "")
			return
		}
		returnStatus(res, "SRM_SUCCESS", "")

	case "srmRmdir":
		p := m.local(text(req, "SURL"))
		fi, err := os.Stat(p)
		if err != nil {
			returnStatus(res, errStatus(err), "")
			return
		}
		if !fi.IsDir() {
			returnStatus(res, "SRM_INVALID_PATH", "not a directory")
			return
		}
		if entries, _ := os.ReadDir(p); len(entries) > 0 {
			returnStatus(res, "SRM_NON_EMPTY_DIRECTORY", "")
			return
		}
		_ = os.Remove(p)
		returnStatus(res, "SRM_SUCCESS", "")

	case "srmRm":
		p := m.local(text(req, "arrayOfSURLs/urlArray"))
		fi, err := os.Stat(p)
		if err == nil && fi.IsDir() {
			returnStatus(res, "SRM_FAILURE", "")
			fileStatus(res, "SRM_INVALID_PATH", "")
			return
		}
		if err == nil {
			err = os.Remove(p)
		}
		if err != nil {
			returnStatus(res, "SRM_FAILURE", "")
			fileStatus(res, errStatus(err), "")
			return
		}
		returnStatus(res, "SRM_SUCCESS", "")
		fileStatus(res, "SRM_SUCCESS", "")

	case "srmMv":
		from, to := m.local(text(req, "fromSURL")), m.local(text(req, "toSURL"))
		if _, err := os.Stat(to); err == nil {
			returnStatus(res, "SRM_DUPLICATION_ERROR", "")
			return
		}
		if err := os.Rename(from, to); err != nil {
			returnStatus(res, errStatus(err), "")
			return
		}
		returnStatus(res, "SRM_SUCCESS", "")

	case "srmSetPermission":
		mode := bits(text(req, "ownerPermission"))<<6 |
			bits(text(req, "arrayOfGroupPermissions/groupPermissionArray/mode"))<<3 |
			bits(text(req, "otherPermission"))
		if err := os.Chmod(m.local(text(req, "SURL")), mode); err != nil {
			returnStatus(res, errStatus(err), "")
			return
		}
		returnStatus(res, "SRM_SUCCESS", "")

	default:
		returnStatus(res, "SRM_NOT_SUPPORTED", method)
	}
}

func (m *manager) detail(el *etree.Element, sfn, local string, fi os.FileInfo) {
	el.CreateElement("path").SetText(sfn)
	el.CreateElement("status").CreateElement("statusCode").SetText("SRM_SUCCESS")
	el.CreateElement("size").SetText(strconv.FormatInt(fi.Size(), 10))
	el.CreateElement("lastModificationTime").SetText(fi.ModTime().UTC().Format(time.RFC3339))
	owner := el.CreateElement("ownerPermission")
	owner.CreateElement("userID").SetText("dteam001")
	owner.CreateElement("mode").SetText(perm(fi.Mode() >> 6))
	group := el.CreateElement("groupPermission")
	group.CreateElement("groupID").SetText("dteam")
	group.CreateElement("mode").SetText(perm(fi.Mode() >> 3))
	el.CreateElement("otherPermission").SetText(perm(fi.Mode()))
	if fi.IsDir() {
		el.CreateElement("type").SetText("DIRECTORY")
		return
	}
	el.CreateElement("type").SetText("FILE")
	m.mu.Lock()
	typ := m.checksumType
	m.mu.Unlock()
	if typ == "" {
		typ = "MD5"
	}
	if sum, err := checksum.File(local); err == nil {
		el.CreateElement("checkSumType").SetText(typ)
		el.CreateElement("checkSumValue").SetText(strings.ToLower(sum))
	}
}

func perm(m os.FileMode) string {
	s := ""
	for i, c := range "RWX" {
		if m&(4>>i) != 0 {
			s += string(c)
		}
	}
	if s == "" {
		return "NONE"
	}
	return s
}

func bits(s string) os.FileMode {
	var m os.FileMode
	for i, c := range "RWX" {
		if strings.ContainsRune(s, c) {
			m |= 4 >> i
		}
	}
	return m
}
