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

// Package transaction keeps the in-flight operations of the storage layer.
//
// All backends of a process share one Registry and therefore one lock.
// Callers follow a two-phase discipline: take the lock, mutate, release it,
// do the network I/O, then take the lock again to look at the outcome. The
// lock is never held across a network call.
package transaction

import (
	"sync"
	"time"

	"github.com/cs3org/digs/pkg/errtypes"
	"github.com/cs3org/digs/pkg/metrics"
	"github.com/google/uuid"
)

// Handle identifies a transaction within the registry that issued it.
type Handle int64

// Transaction is one in-flight primitive operation or transfer.
//
// Exported fields must only be read or written with the registry lock held.
// A Transaction is dropped exclusively through its Registry.
type Transaction struct {
	id      Handle
	name    string
	traceID string

	done      bool
	succeeded bool
	waiting   bool
	err       error
	finished  chan struct{}
	abort     func()
	release   func()

	// Buffer is the bounded chunk buffer of a streaming transfer.
	Buffer []byte
	// BigBuffer accumulates the data of a read-to-buffer operation.
	BigBuffer []byte
	Offset    int64
	Length    int64
	// Writing is true for puts and false for gets.
	Writing      bool
	ReadToBuffer bool
	// Checksum is the sender checksum taken before the transfer started.
	Checksum string
	DestPath string
	Hostname string
	// Result carries the outcome of metadata operations.
	Result interface{}
}

// ID returns the handle of the transaction.
func (t *Transaction) ID() Handle { return t.id }

// Name returns the operation name, for diagnostics.
func (t *Transaction) Name() string { return t.name }

// TraceID returns a random id used to correlate log lines.
func (t *Transaction) TraceID() string { return t.traceID }

// Done reports whether the transaction completed. Lock must be held.
func (t *Transaction) Done() bool { return t.done }

// Succeeded reports whether the transaction completed without error. Lock must be held.
func (t *Transaction) Succeeded() bool { return t.succeeded }

// Waiting reports whether the initiating caller still waits for the result. Lock must be held.
func (t *Transaction) Waiting() bool { return t.waiting }

// Err returns the failure captured at completion. Lock must be held.
func (t *Transaction) Err() error { return t.err }

// Finished returns a channel closed on completion. It is safe to use
// without the lock once obtained.
func (t *Transaction) Finished() <-chan struct{} { return t.finished }

// SetAbort installs the function that interrupts the backend operation.
// It is called with the lock held and must not take it. Lock must be held.
func (t *Transaction) SetAbort(fn func()) { t.abort = fn }

// SetRelease installs the function that frees the backend resources when
// the transaction is destroyed. It is called with the lock held. Lock must be held.
func (t *Transaction) SetRelease(fn func()) { t.release = fn }

// Registry is a lock protected map from handle to transaction.
type Registry struct {
	mu   sync.Mutex
	next Handle
	max  int
	txs  map[Handle]*Transaction
}

// Option configures a Registry.
type Option func(r *Registry)

// FirstHandle sets the first handle the registry hands out.
func FirstHandle(h Handle) Option {
	return func(r *Registry) {
		r.next = h
	}
}

// MaxTransactions bounds the number of live transactions. Zero means unbounded.
func MaxTransactions(n int) Option {
	return func(r *Registry) {
		r.max = n
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		next: 1,
		txs:  make(map[Handle]*Transaction),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry shared by the backends of this process.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Lock acquires the registry lock.
func (r *Registry) Lock() { r.mu.Lock() }

// Unlock releases the registry lock.
func (r *Registry) Unlock() { r.mu.Unlock() }

// Create registers a new transaction and returns its handle. It acquires the lock.
func (r *Registry) Create(name string) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, err := r.CreateLocked(name)
	if err != nil {
		return 0, err
	}
	return tx.id, nil
}

// CreateLocked registers a new transaction. Lock must be held.
func (r *Registry) CreateLocked(name string) (*Transaction, error) {
	if r.max > 0 && len(r.txs) >= r.max {
		return nil, errtypes.InternalError("transaction registry is full")
	}
	tx := &Transaction{
		id:       r.next,
		name:     name,
		traceID:  uuid.New().String(),
		waiting:  true,
		finished: make(chan struct{}),
	}
	r.next++
	r.txs[tx.id] = tx
	metrics.Get().Transactions.Inc()
	return tx, nil
}

// FindLocked returns the transaction for h. Lock must be held.
func (r *Registry) FindLocked(h Handle) (*Transaction, bool) {
	tx, ok := r.txs[h]
	return tx, ok
}

// Locked runs fn on the transaction for h with the lock held. It acquires the lock.
func (r *Registry) Locked(h Handle, fn func(tx *Transaction) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[h]
	if !ok {
		return errtypes.NotFound("transaction handle " + h.String())
	}
	return fn(tx)
}

// DestroyLocked removes the transaction after releasing its backend
// resources. It reports whether h was still registered. Lock must be held.
func (r *Registry) DestroyLocked(h Handle) bool {
	tx, ok := r.txs[h]
	if !ok {
		return false
	}
	if !tx.done && tx.abort != nil {
		tx.abort()
	}
	if tx.release != nil {
		tx.release()
		tx.release = nil
	}
	delete(r.txs, h)
	metrics.Get().Transactions.Dec()
	return true
}

// Destroy removes the transaction. It acquires the lock.
func (r *Registry) Destroy(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.DestroyLocked(h)
}

// Complete marks the transaction done. A transaction nobody waits for any
// more is destroyed here. It acquires the lock.
func (r *Registry) Complete(h Handle, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CompleteLocked(h, err)
}

// CompleteLocked is Complete for callers holding the lock. Lock must be held.
func (r *Registry) CompleteLocked(h Handle, err error) {
	tx, ok := r.txs[h]
	if !ok || tx.done {
		return
	}
	tx.done = true
	tx.succeeded = err == nil
	tx.err = err
	close(tx.finished)
	if !tx.waiting {
		r.DestroyLocked(h)
	}
}

// Wait blocks until the transaction completes or the timeout expires. On
// timeout the backend operation is aborted and the transaction is left to
// its completion to reap; the caller must not use h again. It acquires the lock.
func (r *Registry) Wait(h Handle, timeout time.Duration) bool {
	r.mu.Lock()
	tx, ok := r.txs[h]
	if !ok {
		r.mu.Unlock()
		return false
	}
	finished := tx.finished
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-finished:
		return true
	case <-timer.C:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok = r.txs[h]
	if !ok {
		return false
	}
	if tx.done {
		return true
	}
	tx.waiting = false
	if tx.abort != nil {
		tx.abort()
	}
	return false
}

// Abandon gives up on a transaction: a completed one is destroyed, a
// running one is aborted and reaped by its completion. It acquires the lock.
func (r *Registry) Abandon(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.AbandonLocked(h)
}

// AbandonLocked is Abandon for callers holding the lock. Lock must be held.
func (r *Registry) AbandonLocked(h Handle) bool {
	tx, ok := r.txs[h]
	if !ok {
		return false
	}
	if tx.done {
		return r.DestroyLocked(h)
	}
	tx.waiting = false
	if tx.abort != nil {
		tx.abort()
	}
	return true
}

// Len returns the number of live transactions. It acquires the lock.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.txs)
}
