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

// Package remotecmd runs commands on storage nodes.
package remotecmd

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"syscall"

	"github.com/cs3org/digs/pkg/appctx"
	"github.com/cs3org/digs/pkg/errtypes"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
)

// Runner executes argv on host and returns its standard output.
type Runner interface {
	Run(ctx context.Context, host string, argv []string) (string, error)
}

// exit status ssh reports for its own failures
const sshFailure = 255

// SSH runs commands through the ssh binary.
type SSH struct {
	// Binary is the ssh client, "ssh" when empty.
	Binary string
	// User to log in as; the ssh default when empty.
	User string
	// Options are passed before the destination, e.g. -o BatchMode=yes.
	Options []string
}

// Run implements Runner.
func (s *SSH) Run(ctx context.Context, host string, argv []string) (string, error) {
	log := appctx.GetLogger(ctx)
	if len(argv) == 0 {
		return "", errtypes.BadRequest("remotecmd: empty command")
	}

	bin := s.Binary
	if bin == "" {
		bin = "ssh"
	}
	dest := host
	if s.User != "" {
		dest = s.User + "@" + host
	}

	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}

	args := append(append([]string{}, s.Options...), dest, shellquote.Join(argv...))
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = outBuf
	cmd.Stderr = errBuf

	err := cmd.Run()

	var exitStatus int
	if exiterr, ok := err.(*exec.ExitError); ok {
		if status, ok := exiterr.Sys().(syscall.WaitStatus); ok {
			exitStatus = status.ExitStatus()
			stderr := strings.TrimSpace(errBuf.String())
			switch exitStatus {
			case 0:
				err = nil
			case sshFailure:
				err = errtypes.Unavailable(host + ": " + stderr)
			case int(syscall.ENOENT):
				err = errtypes.NotFound(stderr)
			case int(syscall.EPERM), int(syscall.EACCES):
				err = errtypes.PermissionDenied(stderr)
			default:
				err = errtypes.InternalError(argv[0] + " on " + host + ": " + stderr)
			}
		}
	}

	log.Info().Str("host", host).Strs("argv", argv).Int("exit", exitStatus).Str("err", errBuf.String()).Msg("remote cmd")

	if err != nil {
		var ee *exec.Error
		if errors.As(err, &ee) {
			return "", errors.Wrap(err, "remotecmd: error starting "+bin)
		}
		return "", err
	}
	return outBuf.String(), nil
}
