package usbipd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wslusb/wslusb/internal/tool"
)

var (
	// ErrToolNotFound means usbipd is not installed or not on PATH.
	ErrToolNotFound = tool.ErrToolNotFound
	// ErrElevationDeclined means the user cancelled the privilege prompt.
	ErrElevationDeclined = tool.ErrElevationDeclined
	// ErrDeviceNotBound is returned when an operation needs a shared device.
	ErrDeviceNotBound = errors.New("device is not bound")
	// ErrDeviceNotFound is returned for a locator absent from the device list.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrNotConnected is returned for operations that need a bus ID on a
	// device that is only persisted.
	ErrNotConnected = errors.New("device is not connected")
)

// CommandError reports that usbipd ran but exited with a nonzero status.
type CommandError struct {
	Op       string
	Locator  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = fmt.Sprintf("exit status %d", e.ExitCode)
	}
	if e.Locator == "" {
		return fmt.Sprintf("usbipd %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("usbipd %s %s: %s", e.Op, e.Locator, msg)
}

// ParseError reports output that does not have the expected shape.
type ParseError struct {
	Line    int // 1-based; 0 when the error is not tied to a line
	Content string
	Reason  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse usbipd output: line %d: %s: %q", e.Line, e.Reason, e.Content)
	}
	if e.Content != "" {
		return fmt.Sprintf("parse usbipd output: %s: %q", e.Reason, truncate(e.Content, 120))
	}
	return "parse usbipd output: " + e.Reason
}

// Warning is a row that was dropped while parsing a device list.
type Warning struct {
	Line    int
	Content string
	Reason  string
}

func (w Warning) String() string {
	if w.Line > 0 {
		return fmt.Sprintf("line %d: %s: %q", w.Line, w.Reason, w.Content)
	}
	return fmt.Sprintf("%s: %q", w.Reason, w.Content)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
