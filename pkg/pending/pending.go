// Package pending tracks operations a session is waiting on an outside
// party to finish, such as commands run on the operator's machine.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTimeout is returned by Await when no result arrives in time.
	ErrTimeout = errors.New("pending: timed out waiting for result")

	// ErrUnknown is returned by Resolve for an id that is not pending.
	ErrUnknown = errors.New("pending: unknown operation")
)

// Result is what the outside party reports back.
type Result struct {
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
}

// Table holds the pending operations of one session. An entry lives from
// Register until its Await returns, so a result that arrives before the
// waiter starts is kept.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ch       chan Result
	resolved bool
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Register creates a pending entry and returns its id.
func (t *Table) Register() string {
	id := uuid.NewString()
	t.mu.Lock()
	t.entries[id] = &entry{ch: make(chan Result, 1)}
	t.mu.Unlock()
	return id
}

// Resolve delivers r to the waiter of id. Each id resolves once.
func (t *Table) Resolve(id string, r Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.resolved {
		return ErrUnknown
	}
	e.resolved = true
	e.ch <- r
	return nil
}

// Await blocks until id is resolved, timeout passes or ctx is done. The
// entry is gone when Await returns.
func (t *Table) Await(ctx context.Context, id string, timeout time.Duration) (Result, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return Result{}, ErrUnknown
	}
	defer t.remove(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-e.ch:
		return r, nil
	case <-timer.C:
		return Result{}, ErrTimeout
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (t *Table) remove(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// Len returns the number of pending operations.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
