package swapbuf

// KeyedStore is an unordered mapping from key to Entry with last-write-wins
// inserts and a single destructive read.
//
// KeyedStore is not safe for concurrent use. SwapBuffer guards each of its
// stores with a dedicated lock.
type KeyedStore[T any] struct {
	entries map[string]Entry[T]
}

// NewKeyedStore returns an empty store.
func NewKeyedStore[T any]() *KeyedStore[T] {
	return &KeyedStore[T]{entries: make(map[string]Entry[T])}
}

// Insert stores e under e.Key, replacing any entry already held for that key.
func (s *KeyedStore[T]) Insert(e Entry[T]) {
	s.entries[e.Key] = e
}

// Drain returns every entry currently held and leaves the store empty.
// The result is never nil; its order is unspecified.
func (s *KeyedStore[T]) Drain() []Entry[T] {
	out := make([]Entry[T], 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	// A fresh map releases the buckets of a large window instead of keeping
	// them for the next one.
	s.entries = make(map[string]Entry[T])
	return out
}

// Len returns the number of keys held.
func (s *KeyedStore[T]) Len() int {
	return len(s.entries)
}
