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

package gridftp

import (
	"context"
	"io"
	"net/url"
	"os"

	"github.com/cs3org/digs/pkg/storage/utils/listing"
)

// Transport is the data and control channel to one kind of endpoint. The
// engine drives it one chunk at a time and never holds the registry lock
// while calling it.
type Transport interface {
	// Get opens the remote file for reading.
	Get(ctx context.Context, u *url.URL) (io.ReadCloser, error)
	// Put opens the remote file for writing. Close reports the outcome of
	// the upload. Cancelling ctx aborts it.
	Put(ctx context.Context, u *url.URL, size int64) (io.WriteCloser, error)
	// List returns a machine readable listing of the remote directory.
	List(ctx context.Context, u *url.URL) (io.ReadCloser, error)
	Stat(ctx context.Context, u *url.URL) (*listing.Entry, error)
	Mkdir(ctx context.Context, u *url.URL) error
	Rmdir(ctx context.Context, u *url.URL) error
	Delete(ctx context.Context, u *url.URL) error
	Move(ctx context.Context, from, to *url.URL) error
	// Checksum returns the checksum of the remote file computed on the
	// remote side of the channel.
	Checksum(ctx context.Context, u *url.URL, algorithm string) (string, error)
	Chmod(ctx context.Context, u *url.URL, mode os.FileMode) error
}

// TransportFunc is the function that transports
// should register at init time.
type TransportFunc func(m map[string]interface{}) (Transport, error)

// Transports is a map containing all the registered transports.
var Transports = map[string]TransportFunc{}

// RegisterTransport registers a new transport new function.
// Not safe for concurrent use. Safe for use from package init.
func RegisterTransport(name string, f TransportFunc) {
	Transports[name] = f
}
