package waiters

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrExists  = errors.New("waiter already registered")
	ErrTimeout = errors.New("wait timed out")
)

// Result is what a waiter receives. Err is set when the account could not
// be made ready.
type Result[T any] struct {
	Value T
	Err   error
}

// Table maps an email to a single-shot completion channel.
type Table[T any] struct {
	mu      sync.Mutex
	pending map[string]chan Result[T]
}

// New returns an empty table.
func New[T any]() *Table[T] {
	return &Table[T]{pending: make(map[string]chan Result[T])}
}

// Waiter is a registration returned by [Table.Register].
type Waiter[T any] struct {
	table *Table[T]
	key   string
	ch    chan Result[T]
}

// Register reserves key. It must happen before anything that could trigger
// the signal, so an early signal is not lost.
func (t *Table[T]) Register(key string) (*Waiter[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[key]; ok {
		return nil, ErrExists
	}
	ch := make(chan Result[T], 1)
	t.pending[key] = ch
	return &Waiter[T]{table: t, key: key, ch: ch}, nil
}

// Signal delivers res to key's waiter and removes it. It reports whether a
// waiter was present.
func (t *Table[T]) Signal(key string, res Result[T]) bool {
	t.mu.Lock()
	ch, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

// Len returns the number of registered waiters.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Wait blocks until the waiter is signalled, timeout elapses or ctx is done.
// On timeout or cancellation the registration is removed.
func (w *Waiter[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.Value, res.Err
	case <-timer.C:
		return w.abandon(ErrTimeout)
	case <-ctx.Done():
		return w.abandon(ctx.Err())
	}
}

// Cancel removes the registration without waiting.
func (w *Waiter[T]) Cancel() {
	w.table.mu.Lock()
	defer w.table.mu.Unlock()
	if cur, ok := w.table.pending[w.key]; ok && cur == w.ch {
		delete(w.table.pending, w.key)
	}
}

// abandon removes the registration if it is still ours. A signal that won
// the race is honoured instead of err.
func (w *Waiter[T]) abandon(err error) (T, error) {
	w.table.mu.Lock()
	if cur, ok := w.table.pending[w.key]; ok && cur == w.ch {
		delete(w.table.pending, w.key)
		w.table.mu.Unlock()
		var zero T
		return zero, err
	}
	w.table.mu.Unlock()

	res := <-w.ch
	return res.Value, res.Err
}
