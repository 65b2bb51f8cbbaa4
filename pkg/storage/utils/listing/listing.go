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

// Package listing parses and produces machine readable directory listings
// in the MLSD facts format:
//
//	type=file;size=5;modify=20240101120000;UNIX.mode=0644;UNIX.owner=bob;UNIX.group=grid; a.txt
package listing

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cs3org/digs/pkg/errtypes"
)

// Kind is the type fact of an entry.
type Kind int

// Entry kinds.
const (
	File Kind = iota
	Dir
	Link
	CurrentDir
	ParentDir
	Other
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Dir:
		return "dir"
	case Link:
		return "OS.unix=slink"
	case CurrentDir:
		return "cdir"
	case ParentDir:
		return "pdir"
	}
	return "other"
}

const modifyLayout = "20060102150405"

// Entry is one line of a listing.
type Entry struct {
	Name    string
	Kind    Kind
	Size    int64
	ModTime time.Time
	Mode    os.FileMode
	Owner   string
	Group   string
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Kind == Dir }

// Permissions returns the mode in the four digit octal form, e.g. 0640.
func (e Entry) Permissions() string {
	return fmt.Sprintf("%04o", e.Mode.Perm())
}

// ParseMode parses octal permission bits such as 0640 or 755.
func ParseMode(perms string) (os.FileMode, error) {
	v, err := strconv.ParseUint(perms, 8, 32)
	if err != nil || v > 07777 {
		return 0, errtypes.BadRequest("invalid permissions " + strconv.Quote(perms))
	}
	return os.FileMode(v), nil
}

// ParseLine parses a single listing line.
func ParseLine(line string) (Entry, error) {
	line = strings.TrimRight(line, "\r\n")
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return Entry{}, errtypes.BadRequest("listing: no name in line: " + line)
	}
	e := Entry{Name: line[i+1:], Kind: Other}
	if e.Name == "" {
		return Entry{}, errtypes.BadRequest("listing: empty name in line: " + line)
	}

	for _, fact := range strings.Split(line[:i], ";") {
		if fact == "" {
			continue
		}
		k, v, ok := strings.Cut(fact, "=")
		if !ok {
			return Entry{}, errtypes.BadRequest("listing: malformed fact: " + fact)
		}
		if err := e.setFact(strings.ToLower(k), v); err != nil {
			return Entry{}, err
		}
	}
	return e, nil
}

func (e *Entry) setFact(k, v string) error {
	switch k {
	case "type":
		e.Kind = parseKind(v)
	case "size":
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errtypes.BadRequest("listing: bad size: " + v)
		}
		e.Size = n
	case "modify":
		// fractional seconds are optional
		v, _, _ = strings.Cut(v, ".")
		t, err := time.ParseInLocation(modifyLayout, v, time.UTC)
		if err != nil {
			return errtypes.BadRequest("listing: bad modify: " + v)
		}
		e.ModTime = t
	case "unix.mode":
		m, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return errtypes.BadRequest("listing: bad mode: " + v)
		}
		e.Mode = os.FileMode(m)
	case "unix.owner", "unix.uid":
		if e.Owner == "" || k == "unix.owner" {
			e.Owner = v
		}
	case "unix.group", "unix.gid":
		if e.Group == "" || k == "unix.group" {
			e.Group = v
		}
	}
	return nil
}

func parseKind(v string) Kind {
	switch strings.ToLower(v) {
	case "file":
		return File
	case "dir":
		return Dir
	case "cdir":
		return CurrentDir
	case "pdir":
		return ParentDir
	}
	if strings.HasPrefix(strings.ToLower(v), "os.unix=slink") {
		return Link
	}
	return Other
}

// Parse reads a whole listing. The current and parent directory entries
// are dropped.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		// names may end in blanks, only the line terminator goes
		line := strings.TrimRight(s.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			return nil, err
		}
		if e.Kind == CurrentDir || e.Kind == ParentDir {
			continue
		}
		entries = append(entries, e)
	}
	if err := s.Err(); err != nil {
		return nil, errtypes.InternalError("listing: " + err.Error())
	}
	return entries, nil
}

// Format renders the entry as a listing line, terminated by CRLF.
func Format(e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "type=%s;size=%d;", e.Kind, e.Size)
	if !e.ModTime.IsZero() {
		fmt.Fprintf(&b, "modify=%s;", e.ModTime.UTC().Format(modifyLayout))
	}
	fmt.Fprintf(&b, "UNIX.mode=%04o;", e.Mode.Perm())
	if e.Owner != "" {
		fmt.Fprintf(&b, "UNIX.owner=%s;", e.Owner)
	}
	if e.Group != "" {
		fmt.Fprintf(&b, "UNIX.group=%s;", e.Group)
	}
	b.WriteString(" ")
	b.WriteString(e.Name)
	b.WriteString("\r\n")
	return b.String()
}
