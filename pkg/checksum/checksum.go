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

// Package checksum computes the MD5 checksums used by the locked-file
// commit protocol.
package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/cs3org/digs/pkg/errtypes"
	"github.com/pkg/errors"
)

// MD5 is the only checksum type the storage elements verify.
const MD5 = "MD5"

// File returns the MD5 of a local file as 32 uppercase hex digits.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errtypes.NotFound(path)
		}
		return "", errors.Wrapf(err, "checksum: error opening %s", path)
	}
	defer f.Close()

	return Reader(f)
}

// Reader returns the MD5 of everything left in r.
func Reader(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", errors.Wrap(err, "checksum: error reading data")
	}
	return Normalize(hex.EncodeToString(h.Sum(nil))), nil
}

// Normalize brings a hex checksum reported by a remote into the canonical
// uppercase form, dropping quotes and surrounding blanks.
func Normalize(sum string) string {
	return strings.ToUpper(strings.Trim(strings.TrimSpace(sum), `"`))
}

// Equal compares two checksums in canonical form.
func Equal(a, b string) bool {
	a, b = Normalize(a), Normalize(b)
	return a != "" && a == b
}
