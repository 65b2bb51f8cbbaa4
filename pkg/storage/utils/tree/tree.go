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

// Package tree implements the recursive directory operations once for all
// backends, on top of their single level primitives.
package tree

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/cs3org/digs/pkg/errtypes"
	"github.com/cs3org/digs/pkg/storage/utils/listing"
	"github.com/cs3org/digs/pkg/storage/utils/lockedfile"
)

// Primitives are the single level operations a backend offers on one host.
type Primitives interface {
	DoesExist(ctx context.Context, path string) (bool, error)
	IsDirectory(ctx context.Context, path string) (bool, error)
	// List returns the entries directly below path.
	List(ctx context.Context, path string) ([]listing.Entry, error)
	Mkdir(ctx context.Context, path string) error
	Rm(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string) error
}

// WalkFunc is the type of function called by Walk to visit each file or directory
//
// Each time the Walk function meet a file/folder path is set to the full path of this.
// The err argument reports an error related to the path, and the function can decide the action to
// do with this.
//
// The error result returned by the function controls how Walk continues. If the function returns the special value SkipDir, Walk skips the current directory.
// Otherwise, if the function returns a non-nil error, Walk stops entirely and returns that error.
type WalkFunc func(path string, entry *listing.Entry, err error) error

// Walk walks the tree rooted at root, calling fn for each file or folder in the tree, including the root.
func Walk(ctx context.Context, p Primitives, root string, fn WalkFunc) error {
	root = path.Clean(root)
	isDir, err := p.IsDirectory(ctx, root)
	if err != nil {
		return fn(root, nil, err)
	}

	entry := &listing.Entry{Name: path.Base(root), Kind: listing.File}
	if isDir {
		entry.Kind = listing.Dir
	}

	err = walkRecursively(ctx, p, root, entry, fn)
	if err == filepath.SkipDir {
		return nil
	}
	return err
}

func walkRecursively(ctx context.Context, p Primitives, dir string, entry *listing.Entry, fn WalkFunc) error {
	if !entry.IsDir() {
		return fn(dir, entry, nil)
	}

	list, err := p.List(ctx, dir)
	errFn := fn(dir, entry, err)
	if err != nil || errFn != nil {
		return errFn
	}

	for i := range list {
		child := &list[i]
		err = walkRecursively(ctx, p, path.Join(dir, child.Name), child, fn)
		if err != nil && (!child.IsDir() || err != filepath.SkipDir) {
			return err
		}
	}
	return nil
}

// Mkdirtree creates dir and any missing parent. An already existing
// directory is only reported for dir itself, never for a parent.
func Mkdirtree(ctx context.Context, p Primitives, dir string) error {
	dir = path.Clean(dir)
	parent := path.Dir(dir)
	if parent != dir && parent != "/" && parent != "." {
		// a failing check counts as "does not exist"
		if ok, err := p.DoesExist(ctx, parent); err != nil || !ok {
			if err := Mkdirtree(ctx, p, parent); err != nil && !errtypes.Is[errtypes.IsAlreadyExists](err) {
				return err
			}
		}
	}
	return p.Mkdir(ctx, dir)
}

// RecursiveRemove removes target, descending into directories first.
func RecursiveRemove(ctx context.Context, p Primitives, target string) error {
	target = path.Clean(target)
	// a failing check counts as "not a directory"
	if isDir, err := p.IsDirectory(ctx, target); err != nil || !isDir {
		return p.Rm(ctx, target)
	}

	entries, err := p.List(ctx, target)
	if err != nil {
		return err
	}
	for _, e := range entries {
		child := path.Join(target, e.Name)
		if e.IsDir() {
			err = RecursiveRemove(ctx, p, child)
		} else {
			err = p.Rm(ctx, child)
		}
		if err != nil {
			return err
		}
	}
	return p.Rmdir(ctx, target)
}

// Scan returns every file below root, as paths relative to root with a
// leading slash. Locked files are left out unless includeLocked is set.
func Scan(ctx context.Context, p Primitives, root string, includeLocked bool) ([]string, error) {
	root = path.Clean(root)
	files := []string{}
	err := Walk(ctx, p, root, func(fn string, e *listing.Entry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() || e.Kind != listing.File {
			return nil
		}
		if !includeLocked && lockedfile.IsLocked(e.Name) {
			return nil
		}
		rel := fn[len(root):]
		if root == "/" {
			rel = fn
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// DataDir returns the name of the n-th data directory: data, data1, data2...
func DataDir(n int) string {
	if n == 0 {
		return "data"
	}
	return fmt.Sprintf("data%d", n)
}

// ScanDisks scans base/data, base/data1, ... until one of them does not
// exist. Paths are returned relative to base, e.g. /data1/run/f.dat.
func ScanDisks(ctx context.Context, p Primitives, base string, includeLocked bool) ([]string, error) {
	base = path.Clean(base)
	files := []string{}
	for n := 0; ; n++ {
		dir := path.Join(base, DataDir(n))
		if ok, err := p.DoesExist(ctx, dir); err != nil || !ok {
			break
		}
		found, err := Scan(ctx, p, dir, includeLocked)
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			files = append(files, "/"+DataDir(n)+f)
		}
	}
	return files, nil
}
