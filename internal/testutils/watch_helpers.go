package testutils

import (
	"time"
)

// TryRecv attempts to receive a value from a channel within the specified timeout. Returns the
// value and true if successful, or the zero value and false if timeout occurs.
func TryRecv[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}
