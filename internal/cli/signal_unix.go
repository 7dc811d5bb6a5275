//go:build !windows

package cli

import (
	"os"
	"syscall"
)

// signalsToNotify returns the signals that end a foreground command.
func signalsToNotify() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
}
