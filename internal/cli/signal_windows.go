//go:build windows

package cli

import (
	"os"
)

// signalsToNotify returns the signals that end a foreground command.
// On Windows, we only handle Interrupt (Ctrl+C).
func signalsToNotify() []os.Signal {
	return []os.Signal{os.Interrupt}
}
