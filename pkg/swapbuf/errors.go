package swapbuf

import "errors"

// ErrPoisoned is returned by every operation on a SwapBuffer after a critical
// section panicked while holding one of its locks. The buffer contents are
// undefined from that point on and the instance must be discarded.
var ErrPoisoned = errors.New("swapbuf: buffer poisoned by panic in critical section")
