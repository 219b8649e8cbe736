package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/liveframe/liveframe/pkg/lww"
	"github.com/liveframe/liveframe/pkg/queryshape"
	"github.com/liveframe/liveframe/pkg/storage"
)

// txState is the Transaction state machine spec.md §9's "Coroutine
// control flow" note calls for: Open -> Committed | RolledBack. Both
// terminal states are sinks; a second Commit or Rollback from a terminal
// state is a no-op returning nil, while Insert/Update/Find/FindOne from a
// terminal state return ErrTransactionClosed.
type txState int

const (
	txOpen txState = iota
	txCommitted
	txRolledBack
)

// ErrTransactionClosed is returned by Insert, Update, Find and FindOne once
// the transaction has left the Open state.
var ErrTransactionClosed = errors.New("session: transaction already closed")

// pendingWrite is a buffered insert/update, applied to the real backend
// only on Commit. Buffering here — rather than delegating to the
// backend's own transaction support — keeps custom procedures atomic
// uniformly across every storage.Storage implementation, including
// memstore, which has no native transaction concept.
type pendingWrite struct {
	resource string
	id       string
	insert   bool
	row      lww.Payload
}

// Transaction is the transactional storage view custom procedure handlers
// run against (spec.md §4.6): insert, update, find, findOne, all staged in
// memory until commit, at which point they are applied to the underlying
// storage.Storage in submission order. If the handler returns an error,
// the framework rolls back instead: nothing it wrote is ever persisted.
type Transaction struct {
	mu      sync.Mutex
	state   txState
	backend storage.Storage
	pending []pendingWrite
}

func newTransaction(backend storage.Storage) *Transaction {
	return &Transaction{state: txOpen, backend: backend}
}

// Insert stages a row for the resource. Staged rows are not visible to
// Find/FindOne (this transaction's or any other) until Commit.
func (t *Transaction) Insert(ctx context.Context, resource, id string, row lww.Payload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txOpen {
		return ErrTransactionClosed
	}
	t.pending = append(t.pending, pendingWrite{resource: resource, id: id, insert: true, row: row})
	return nil
}

// Update stages a patch for the resource/id.
func (t *Transaction) Update(ctx context.Context, resource, id string, patch lww.Payload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txOpen {
		return ErrTransactionClosed
	}
	t.pending = append(t.pending, pendingWrite{resource: resource, id: id, insert: false, row: patch})
	return nil
}

// Find reads through to the underlying storage; staged-but-uncommitted
// writes are not yet visible to Find (the underlying backend is the only
// source of truth until Commit), matching the "transactional view"
// contract: reads inside a transaction see committed state only.
func (t *Transaction) Find(ctx context.Context, resource string, filter queryshape.Where) (map[string]lww.Payload, error) {
	t.mu.Lock()
	closed := t.state != txOpen
	t.mu.Unlock()
	if closed {
		return nil, ErrTransactionClosed
	}
	return t.backend.Get(ctx, resource, filter)
}

// FindOne reads a single row through to the underlying storage.
func (t *Transaction) FindOne(ctx context.Context, resource, id string) (lww.Payload, bool, error) {
	t.mu.Lock()
	closed := t.state != txOpen
	t.mu.Unlock()
	if closed {
		return nil, false, ErrTransactionClosed
	}
	return t.backend.GetOne(ctx, resource, id)
}

// Commit applies every staged write to the backend, in submission order,
// and transitions the transaction to Committed. Commit is idempotent:
// once the transaction has left the Open state (committed or rolled
// back), further calls do nothing and return nil.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.state != txOpen {
		t.mu.Unlock()
		return nil
	}
	t.state = txCommitted
	pending := t.pending
	t.mu.Unlock()

	for _, w := range pending {
		var err error
		if w.insert {
			err = t.backend.Insert(ctx, w.resource, w.id, w.row)
		} else {
			err = t.backend.Update(ctx, w.resource, w.id, w.row)
		}
		if err != nil {
			return fmt.Errorf("session: transaction commit: %w", err)
		}
	}
	return nil
}

// Rollback discards every staged write and transitions to RolledBack.
// Safe to call after the handler has already returned an error; calling
// it a second time, or after Commit, does nothing and returns nil.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txOpen {
		return nil
	}
	t.state = txRolledBack
	t.pending = nil
	return nil
}
