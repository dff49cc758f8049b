package swapbuf

// Entry is a key together with an application payload.
type Entry[T any] struct {
	Key   string
	Value T
}

// NewEntry returns an Entry for key holding value.
func NewEntry[T any](key string, value T) Entry[T] {
	return Entry[T]{Key: key, Value: value}
}
