// Package swapbuf implements a double-buffered hand-off between concurrent
// writers and a periodic reader.
//
// A SwapBuffer owns two KeyedStores. Writers always insert into the head
// store; Read exchanges head and tail, then drains the tail (the store the
// writers had been filling) and returns its contents. Writers and the reader
// only ever contend for a lock acquisition, never for the duration of a drain.
//
// Entries are keyed by string. Within one read window a key holds exactly
// one entry: a later Save for the same key replaces the earlier value.
// The order of entries returned by Read is unspecified.
//
// Payloads are duplicated on Save with the clone function configured through
// WithClone or WithCloner, so drained entries never alias anything a writer
// still holds. Plain value types need no clone function.
//
// If a critical section panics (typically a clone function), the buffer is
// poisoned: the panic propagates to the caller that triggered it and every
// later Save, Read or Pending returns ErrPoisoned itself.
package swapbuf
