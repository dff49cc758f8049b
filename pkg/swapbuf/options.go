package swapbuf

// Cloner is implemented by payloads that carry reference-typed fields and
// know how to produce an independent copy of themselves.
type Cloner[T any] interface {
	Clone() T
}

// Option configures a SwapBuffer.
type Option[T any] func(*SwapBuffer[T])

// WithClone sets the function used to duplicate payloads on Save.
// A nil fn keeps the default, which is plain value assignment.
func WithClone[T any](fn func(T) T) Option[T] {
	return func(b *SwapBuffer[T]) {
		if fn != nil {
			b.clone = fn
		}
	}
}

// WithCloner duplicates payloads with their own Clone method.
func WithCloner[T Cloner[T]]() Option[T] {
	return WithClone(func(v T) T { return v.Clone() })
}

func identity[T any](v T) T { return v }
