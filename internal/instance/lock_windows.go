//go:build windows

package instance

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

// DefaultDir is unused on Windows; the lock is a named mutex.
func DefaultDir() string { return "" }

// Acquire creates the named mutex. dir is ignored.
func Acquire(string) (*Lock, error) {
	name, err := windows.UTF16PtrFromString(Name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateMutex(nil, false, name)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		if h != 0 {
			windows.CloseHandle(h)
		}
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, fmt.Errorf("create mutex: %w", err)
	}
	return &Lock{release: func() error { return windows.CloseHandle(h) }}, nil
}
