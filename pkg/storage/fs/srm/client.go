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

package srm

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/cenkalti/backoff"
	"github.com/cs3org/digs/pkg/appctx"
	"github.com/cs3org/digs/pkg/errtypes"
)

const (
	soapNS = "http://schemas.xmlsoap.org/soap/envelope/"
	srmNS  = "http://srm.lbl.gov/StorageResourceManager"
)

// Client talks SRM v2.2 to one storage resource manager.
type Client struct {
	endpoint  string
	http      *http.Client
	retries   uint64
	protocols []string
}

func newClient(endpoint string, hc *http.Client, retries int, protocols []string) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		endpoint:  endpoint,
		http:      hc,
		retries:   uint64(retries),
		protocols: protocols,
	}
}

// fileStatus is the per file part of a request status.
type fileStatus struct {
	Code        StatusCode
	Explanation string
	TURL        string
	Size        int64
}

// pathDetail is one entry of an srmLs answer.
type pathDetail struct {
	Path          string
	Size          int64
	Type          string
	Modified      time.Time
	Owner         string
	Group         string
	Mode          os.FileMode
	ChecksumType  string
	ChecksumValue string
	Code          StatusCode
	Explanation   string
	Children      []pathDetail
}

func (d *pathDetail) isDir() bool {
	return d.Type == "DIRECTORY"
}

// call sends one SOAP request and returns the body of the response
// element. Idempotent calls are retried while the endpoint is unreachable.
func (c *Client) call(ctx context.Context, method string, req *etree.Element, idempotent bool) (*etree.Element, error) {
	log := appctx.GetLogger(ctx)

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("soapenv:Envelope")
	env.CreateAttr("xmlns:soapenv", soapNS)
	env.CreateAttr("xmlns:srm", srmNS)
	op := env.CreateElement("soapenv:Body").CreateElement("srm:" + method)
	op.AddChild(req)
	payload, err := doc.WriteToBytes()
	if err != nil {
		return nil, errtypes.InternalError("srm: error encoding " + method + ": " + err.Error())
	}

	var res *etree.Element
	attempt := func() error {
		var err error
		res, err = c.roundTrip(ctx, method, payload)
		if err != nil && (!idempotent || !errtypes.Is[errtypes.IsUnavailable](err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	err = backoff.RetryNotify(attempt, b, func(err error, d time.Duration) {
		log.Warn().Err(err).Str("method", method).Dur("backoff", d).Msg("srm endpoint unreachable, retrying")
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) roundTrip(ctx context.Context, method string, payload []byte) (*etree.Element, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errtypes.BadRequest("srm: " + err.Error())
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"`+method+`"`)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(err, method)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errtypes.InvalidCredentials("srm: " + method + ": " + resp.Status)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, errtypes.Unavailable("srm: " + method + ": " + resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err, method)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, errtypes.InternalError(fmt.Sprintf("srm: %s: unparsable answer (%s)", method, resp.Status))
	}
	if fault := doc.FindElement("//Fault"); fault != nil {
		return nil, errtypes.InternalError("srm: " + method + ": " + text(fault, "faultstring"))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errtypes.InternalError("srm: " + method + ": " + resp.Status)
	}

	outer := doc.FindElement("//" + method + "Response")
	if outer == nil {
		return nil, errtypes.InternalError("srm: " + method + ": no response element")
	}
	if inner := outer.SelectElement(method + "Response"); inner != nil {
		return inner, nil
	}
	return outer, nil
}

func transportError(err error, method string) error {
	var (
		netErr    net.Error
		verify    *tls.CertificateVerificationError
		authority x509.UnknownAuthorityError
		invalid   x509.CertificateInvalidError
		hostname  x509.HostnameError
	)
	switch {
	case errors.As(err, &verify), errors.As(err, &authority), errors.As(err, &invalid), errors.As(err, &hostname):
		return errtypes.UntrustedPeer("srm: " + method + ": " + err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return errtypes.Timeout("srm: " + method)
	case errors.Is(err, context.Canceled):
		return errtypes.Aborted("srm: " + method)
	case errors.As(err, &netErr) && netErr.Timeout():
		return errtypes.Timeout("srm: " + method + ": " + err.Error())
	}
	return errtypes.Unavailable("srm: " + method + ": " + err.Error())
}

// text returns the trimmed text of the child found at path, or "".
func text(e *etree.Element, path string) string {
	if e == nil {
		return ""
	}
	if c := e.FindElement(path); c != nil {
		return strings.TrimSpace(c.Text())
	}
	return ""
}

func returnStatus(res *etree.Element) (StatusCode, string) {
	return ParseStatusCode(text(res, "returnStatus/statusCode")), text(res, "returnStatus/explanation")
}

// check fails unless the request level status is a success.
func check(res *etree.Element, what string) error {
	code, expl := returnStatus(res)
	if !isSuccess(code) {
		return statusError(code, expl, what)
	}
	return nil
}

func urlArray(parent *etree.Element, name string, surls ...string) {
	arr := parent.CreateElement(name)
	for _, s := range surls {
		arr.CreateElement("urlArray").SetText(s)
	}
}

func (c *Client) transferParameters(req *etree.Element) {
	tp := req.CreateElement("transferParameters")
	tp.CreateElement("accessPattern").SetText("TRANSFER_MODE")
	tp.CreateElement("connectionType").SetText("WAN")
	protos := tp.CreateElement("arrayOfTransferProtocols")
	for _, p := range c.protocols {
		protos.CreateElement("stringArray").SetText(p)
	}
}

// fileLevel returns the first per file status, if the answer carries one.
func fileLevel(res *etree.Element) (fileStatus, bool) {
	st := res.FindElement("arrayOfFileStatuses/statusArray")
	if st == nil || text(st, "status/statusCode") == "" {
		return fileStatus{}, false
	}
	fs := fileStatus{
		Code:        ParseStatusCode(text(st, "status/statusCode")),
		Explanation: text(st, "status/explanation"),
		TURL:        text(st, "transferURL"),
	}
	if n, err := strconv.ParseInt(text(st, "fileSize"), 10, 64); err == nil {
		fs.Size = n
	}
	return fs, true
}

// requestStatus prefers the file level status over the request level one.
func requestStatus(res *etree.Element) fileStatus {
	if fs, ok := fileLevel(res); ok {
		return fs
	}
	code, expl := returnStatus(res)
	return fileStatus{Code: code, Explanation: expl}
}

// PrepareToPut asks for a TURL to write surl and returns the request token.
func (c *Client) PrepareToPut(ctx context.Context, surl string, size int64) (string, fileStatus, error) {
	req := etree.NewElement("srmPrepareToPutRequest")
	fr := req.CreateElement("arrayOfFileRequests").CreateElement("requestArray")
	fr.CreateElement("targetSURL").SetText(surl)
	fr.CreateElement("expectedFileSize").SetText(strconv.FormatInt(size, 10))
	c.transferParameters(req)

	res, err := c.call(ctx, "srmPrepareToPut", req, false)
	if err != nil {
		return "", fileStatus{}, err
	}
	return c.prepared(res, "srmPrepareToPut "+surl)
}

// PrepareToGet asks for a TURL to read surl and returns the request token.
func (c *Client) PrepareToGet(ctx context.Context, surl string) (string, fileStatus, error) {
	req := etree.NewElement("srmPrepareToGetRequest")
	req.CreateElement("arrayOfFileRequests").CreateElement("requestArray").CreateElement("sourceSURL").SetText(surl)
	c.transferParameters(req)

	res, err := c.call(ctx, "srmPrepareToGet", req, false)
	if err != nil {
		return "", fileStatus{}, err
	}
	return c.prepared(res, "srmPrepareToGet "+surl)
}

func (c *Client) prepared(res *etree.Element, what string) (string, fileStatus, error) {
	st := requestStatus(res)
	if requestBucket(st.Code) == failed {
		return "", st, statusError(st.Code, st.Explanation, what)
	}
	token := text(res, "requestToken")
	if token == "" {
		return "", st, errtypes.InternalError(what + ": no request token")
	}
	return token, st, nil
}

// StatusOfPutRequest polls a put request.
func (c *Client) StatusOfPutRequest(ctx context.Context, token, surl string) (fileStatus, error) {
	req := etree.NewElement("srmStatusOfPutRequestRequest")
	req.CreateElement("requestToken").SetText(token)
	urlArray(req, "arrayOfTargetSURLs", surl)
	res, err := c.call(ctx, "srmStatusOfPutRequest", req, true)
	if err != nil {
		return fileStatus{}, err
	}
	return requestStatus(res), nil
}

// StatusOfGetRequest polls a get request.
func (c *Client) StatusOfGetRequest(ctx context.Context, token, surl string) (fileStatus, error) {
	req := etree.NewElement("srmStatusOfGetRequestRequest")
	req.CreateElement("requestToken").SetText(token)
	urlArray(req, "arrayOfSourceSURLs", surl)
	res, err := c.call(ctx, "srmStatusOfGetRequest", req, true)
	if err != nil {
		return fileStatus{}, err
	}
	return requestStatus(res), nil
}

func (c *Client) tokenCall(ctx context.Context, method, token string, surls ...string) error {
	req := etree.NewElement(method + "Request")
	req.CreateElement("requestToken").SetText(token)
	if len(surls) > 0 {
		urlArray(req, "arrayOfSURLs", surls...)
	}
	res, err := c.call(ctx, method, req, false)
	if err != nil {
		return err
	}
	st := requestStatus(res)
	if !isSuccess(st.Code) {
		return statusError(st.Code, st.Explanation, method+" "+token)
	}
	return nil
}

// PutDone tells the manager that the data of surl is in place.
func (c *Client) PutDone(ctx context.Context, token, surl string) error {
	return c.tokenCall(ctx, "srmPutDone", token, surl)
}

// ReleaseFiles unpins surl after a get.
func (c *Client) ReleaseFiles(ctx context.Context, token, surl string) error {
	return c.tokenCall(ctx, "srmReleaseFiles", token, surl)
}

// AbortRequest aborts the whole request.
func (c *Client) AbortRequest(ctx context.Context, token string) error {
	return c.tokenCall(ctx, "srmAbortRequest", token)
}

// Ls returns the details of surl; levels > 0 also lists its children.
func (c *Client) Ls(ctx context.Context, surl string, levels int) (*pathDetail, error) {
	req := etree.NewElement("srmLsRequest")
	urlArray(req, "arrayOfSURLs", surl)
	req.CreateElement("fullDetailedList").SetText("true")
	req.CreateElement("numOfLevels").SetText(strconv.Itoa(levels))

	res, err := c.call(ctx, "srmLs", req, true)
	if err != nil {
		return nil, err
	}

	el := res.FindElement("details/pathDetailArray")
	if el != nil && text(el, "status/statusCode") != "" {
		if code := ParseStatusCode(text(el, "status/statusCode")); !isSuccess(code) {
			return nil, statusError(code, text(el, "status/explanation"), "srmLs "+surl)
		}
	}
	if err := check(res, "srmLs "+surl); err != nil {
		return nil, err
	}
	if el == nil {
		return nil, errtypes.InternalError("srmLs " + surl + ": no details")
	}
	d := parseDetail(el)
	return &d, nil
}

func parseDetail(el *etree.Element) pathDetail {
	d := pathDetail{
		Path:          text(el, "path"),
		Type:          strings.ToUpper(text(el, "type")),
		Owner:         text(el, "ownerPermission/userID"),
		Group:         text(el, "groupPermission/groupID"),
		ChecksumType:  text(el, "checkSumType"),
		ChecksumValue: text(el, "checkSumValue"),
		Code:          ParseStatusCode(text(el, "status/statusCode")),
		Explanation:   text(el, "status/explanation"),
	}
	if n, err := strconv.ParseInt(text(el, "size"), 10, 64); err == nil {
		d.Size = n
	}
	if t, err := time.Parse(time.RFC3339, text(el, "lastModificationTime")); err == nil {
		d.Modified = t
	}
	d.Mode = parsePermission(text(el, "ownerPermission/mode"))<<6 |
		parsePermission(text(el, "groupPermission/mode"))<<3 |
		parsePermission(text(el, "otherPermission"))
	if sub := el.SelectElement("arrayOfSubPaths"); sub != nil {
		for _, c := range sub.SelectElements("pathDetailArray") {
			d.Children = append(d.Children, parseDetail(c))
		}
	}
	return d
}

// parsePermission reads a TPermissionMode such as RWX or RX.
func parsePermission(s string) os.FileMode {
	var m os.FileMode
	if strings.Contains(s, "R") {
		m |= 4
	}
	if strings.Contains(s, "W") {
		m |= 2
	}
	if strings.Contains(s, "X") {
		m |= 1
	}
	return m
}

// formatPermission renders the three low bits of m as a TPermissionMode.
func formatPermission(m os.FileMode) string {
	s := ""
	if m&4 != 0 {
		s += "R"
	}
	if m&2 != 0 {
		s += "W"
	}
	if m&1 != 0 {
		s += "X"
	}
	if s == "" {
		return "NONE"
	}
	return s
}

func (c *Client) simple(ctx context.Context, method, what string, build func(req *etree.Element)) error {
	req := etree.NewElement(method + "Request")
	build(req)
	res, err := c.call(ctx, method, req, false)
	if err != nil {
		return err
	}
	if st, ok := fileLevel(res); ok && !isSuccess(st.Code) {
		return statusError(st.Code, st.Explanation, method+" "+what)
	}
	return check(res, method+" "+what)
}

// Mkdir creates one directory level.
func (c *Client) Mkdir(ctx context.Context, surl string) error {
	return c.simple(ctx, "srmMkdir", surl, func(req *etree.Element) {
		req.CreateElement("SURL").SetText(surl)
	})
}

// Rmdir removes an empty directory.
func (c *Client) Rmdir(ctx context.Context, surl string) error {
	return c.simple(ctx, "srmRmdir", surl, func(req *etree.Element) {
		req.CreateElement("SURL").SetText(surl)
		req.CreateElement("recursive").SetText("false")
	})
}

// Rm removes a file.
func (c *Client) Rm(ctx context.Context, surl string) error {
	return c.simple(ctx, "srmRm", surl, func(req *etree.Element) {
		urlArray(req, "arrayOfSURLs", surl)
	})
}

// Mv renames from into to.
func (c *Client) Mv(ctx context.Context, from, to string) error {
	return c.simple(ctx, "srmMv", from, func(req *etree.Element) {
		req.CreateElement("fromSURL").SetText(from)
		req.CreateElement("toSURL").SetText(to)
	})
}

// SetPermission replaces the permissions of surl. The group bits apply to
// group, if known.
func (c *Client) SetPermission(ctx context.Context, surl string, mode os.FileMode, group string) error {
	return c.simple(ctx, "srmSetPermission", surl, func(req *etree.Element) {
		req.CreateElement("SURL").SetText(surl)
		req.CreateElement("permissionType").SetText("CHANGE")
		req.CreateElement("ownerPermission").SetText(formatPermission(mode >> 6))
		if group != "" {
			gp := req.CreateElement("arrayOfGroupPermissions").CreateElement("groupPermissionArray")
			gp.CreateElement("groupID").SetText(group)
			gp.CreateElement("mode").SetText(formatPermission(mode >> 3))
		}
		req.CreateElement("otherPermission").SetText(formatPermission(mode))
	})
}

// Ping checks that the manager answers and returns its version.
func (c *Client) Ping(ctx context.Context) (string, error) {
	res, err := c.call(ctx, "srmPing", etree.NewElement("srmPingRequest"), true)
	if err != nil {
		return "", err
	}
	v := text(res, "versionInfo")
	if v == "" {
		return "", errtypes.InternalError("srmPing: no version")
	}
	return v, nil
}
