package swapbuf

import (
	"sync"
	"sync/atomic"
)

// slot is one lockable position of a SwapBuffer. The store it points to moves
// between slots on every swap; the lock stays with the slot.
type slot[T any] struct {
	mu    sync.Mutex
	store *KeyedStore[T]
}

// SwapBuffer hands the entries written since the previous Read to the reader
// while writers keep filling a fresh store.
//
// Lock order is head then tail everywhere both are taken. Writers only ever
// take head, so a drain in progress on tail never blocks them.
//
// All methods are safe for concurrent use.
type SwapBuffer[T any] struct {
	head  slot[T]
	tail  slot[T]
	clone func(T) T

	poisoned atomic.Bool
}

// New returns an empty SwapBuffer.
func New[T any](opts ...Option[T]) *SwapBuffer[T] {
	b := &SwapBuffer[T]{clone: identity[T]}
	b.head.store = NewKeyedStore[T]()
	b.tail.store = NewKeyedStore[T]()
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Save duplicates each entry and inserts it into the current write target in
// the given order, so a later entry in entries overrides an earlier one with
// the same key.
//
// The head lock is held for the whole call: a concurrent Read sees either all
// of entries or none of them.
func (b *SwapBuffer[T]) Save(entries ...Entry[T]) error {
	b.head.mu.Lock()
	defer b.head.mu.Unlock()

	if b.poisoned.Load() {
		return ErrPoisoned
	}

	b.guard(func() {
		for _, e := range entries {
			b.head.store.Insert(Entry[T]{Key: e.Key, Value: b.clone(e.Value)})
		}
	})
	return nil
}

// Read swaps the write and drain targets, then drains the store writers had
// been filling. It returns every key saved since the previous Read with its
// latest value, in unspecified order. The result is empty, not nil, when
// nothing was saved.
//
// Concurrent Reads are serialized; each entry is returned by exactly one.
func (b *SwapBuffer[T]) Read() ([]Entry[T], error) {
	if err := b.swap(); err != nil {
		return nil, err
	}
	defer b.tail.mu.Unlock()

	var out []Entry[T]
	b.guard(func() {
		out = b.tail.store.Drain()
	})
	return out, nil
}

// Pending returns the number of distinct keys waiting for the next Read.
func (b *SwapBuffer[T]) Pending() (int, error) {
	b.head.mu.Lock()
	defer b.head.mu.Unlock()
	if b.poisoned.Load() {
		return 0, ErrPoisoned
	}
	return b.head.store.Len(), nil
}

// swap exchanges the stores held by head and tail. It takes head then tail,
// releases head as soon as the exchange is done and returns with tail still
// locked, so no other reader can swap again before the caller has drained.
// On error no lock is held.
func (b *SwapBuffer[T]) swap() error {
	b.head.mu.Lock()
	b.tail.mu.Lock()

	if b.poisoned.Load() {
		b.tail.mu.Unlock()
		b.head.mu.Unlock()
		return ErrPoisoned
	}

	b.head.store, b.tail.store = b.tail.store, b.head.store
	b.head.mu.Unlock()
	return nil
}

// guard runs fn and poisons the buffer if fn does not return normally.
// It must be called with the relevant lock held so the flag is set before
// the lock is released.
func (b *SwapBuffer[T]) guard(fn func()) {
	done := false
	defer func() {
		if !done {
			b.poisoned.Store(true)
		}
	}()
	fn()
	done = true
}

// Poisoned reports whether a panic inside a critical section has left the
// buffer unusable.
func (b *SwapBuffer[T]) Poisoned() bool {
	return b.poisoned.Load()
}
