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

package storage

import (
	"context"

	"github.com/cs3org/digs/pkg/storage/utils/listing"
	"github.com/cs3org/digs/pkg/storage/utils/tree"
)

// OnHost exposes the backend operations on one host as tree primitives.
func OnHost(b Backend, host string) tree.Primitives {
	return onHost{b: b, host: host}
}

type onHost struct {
	b    Backend
	host string
}

func (o onHost) DoesExist(ctx context.Context, p string) (bool, error) {
	return o.b.DoesExist(ctx, o.host, p)
}

func (o onHost) IsDirectory(ctx context.Context, p string) (bool, error) {
	return o.b.IsDirectory(ctx, o.host, p)
}

func (o onHost) List(ctx context.Context, p string) ([]listing.Entry, error) {
	return o.b.List(ctx, o.host, p)
}

func (o onHost) Mkdir(ctx context.Context, p string) error {
	return o.b.Mkdir(ctx, o.host, p)
}

func (o onHost) Rm(ctx context.Context, p string) error {
	return o.b.Rm(ctx, o.host, p)
}

func (o onHost) Rmdir(ctx context.Context, p string) error {
	return o.b.Rmdir(ctx, o.host, p)
}
