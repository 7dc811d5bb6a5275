// Package instance keeps a second `wslusb serve` from running next to the
// first one for the same user.
package instance

import "errors"

// ErrAlreadyRunning is returned by Acquire when another process holds the
// lock.
var ErrAlreadyRunning = errors.New("another wslusb instance is already running")

// Name identifies the lock across processes.
const Name = "WSL_USB_MANAGER_SINGLE_INSTANCE_LOCK"

// Lock is held until Release is called or the process exits.
type Lock struct {
	release func() error
}

// Release gives up the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.release == nil {
		return nil
	}
	fn := l.release
	l.release = nil
	return fn()
}
