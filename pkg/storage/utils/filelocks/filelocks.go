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

// Package filelocks serialises local commits that target the same file,
// both between goroutines of this process and between processes.
package filelocks

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// RetryDelay is the pause between two attempts to take a lock.
var RetryDelay = 3 * time.Millisecond

// Locks stores the local Flock structs in a map by their file names.
// gofrs/flock keeps a mutex inside each struct, so there must only be one
// Flock struct per file.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*flock.Flock
}

var localLocks = Locks{locks: make(map[string]*flock.Flock)}

// getMutexedFlock returns a new Flock for the given lock file, or nil if
// another goroutine currently owns it.
func getMutexedFlock(file string) *flock.Flock {
	localLocks.mu.Lock()
	defer localLocks.mu.Unlock()

	if _, ok := localLocks.locks[file]; ok {
		return nil
	}
	localLocks.locks[file] = flock.New(file)
	return localLocks.locks[file]
}

func releaseMutexedFlock(file string) {
	localLocks.mu.Lock()
	defer localLocks.mu.Unlock()
	delete(localLocks.locks, file)
}

// FlockFile returns the flock filename for a given file name
// it returns an empty string if the input is empty
func FlockFile(file string) string {
	var n string
	if len(file) > 0 {
		n = file + ".flock"
	}
	return n
}

func acquireLock(ctx context.Context, file string, write bool) (*flock.Flock, error) {
	n := FlockFile(file)
	if len(n) == 0 {
		return nil, errors.New("filelocks: lock path is empty")
	}

	var fl *flock.Flock
	for i := 1; ; i++ {
		if fl = getMutexedFlock(n); fl != nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "filelocks: waiting for "+n)
		case <-time.After(time.Duration(i) * RetryDelay):
		}
	}

	var (
		ok  bool
		err error
	)
	if write {
		ok, err = fl.TryLockContext(ctx, RetryDelay)
	} else {
		ok, err = fl.TryRLockContext(ctx, RetryDelay)
	}
	if err == nil && !ok {
		err = errors.New("could not acquire lock after wait")
	}
	if err != nil {
		releaseMutexedFlock(n)
		return nil, errors.Wrap(err, "filelocks: locking "+n)
	}
	return fl, nil
}

// AcquireReadLock takes a shared lock on file, waiting until ctx is done.
func AcquireReadLock(ctx context.Context, file string) (*flock.Flock, error) {
	return acquireLock(ctx, file, false)
}

// AcquireWriteLock takes an exclusive lock on file, waiting until ctx is done.
func AcquireWriteLock(ctx context.Context, file string) (*flock.Flock, error) {
	return acquireLock(ctx, file, true)
}

// ReleaseLock releases a lock from a file that was previously created
// by AcquireReadLock or AcquireWriteLock.
func ReleaseLock(lock *flock.Flock) error {
	n := lock.Path()
	err := lock.Unlock()
	if err == nil {
		// a missing lock file means another holder already cleaned up
		if rerr := os.Remove(n); rerr != nil && !os.IsNotExist(rerr) {
			err = rerr
		}
	}
	releaseMutexedFlock(n)
	return err
}

// WithWriteLock runs fn while holding the exclusive lock of file.
func WithWriteLock(ctx context.Context, file string, fn func() error) error {
	l, err := AcquireWriteLock(ctx, file)
	if err != nil {
		return err
	}
	defer func() {
		_ = ReleaseLock(l)
	}()
	return fn()
}
