package cli

import (
	"errors"
	"fmt"

	"github.com/wslusb/wslusb/internal/instance"
	"github.com/wslusb/wslusb/internal/usbipd"
)

// Exit codes for command layer failures. A usbipd command failure exits
// with usbipd's own status.
const (
	exitToolNotFound      = 3
	exitElevationDeclined = 4
	exitParse             = 5
	exitNotBound          = 6
	exitNotFound          = 7
	exitAlreadyRunning    = 8
)

// ExitError is returned by commands that want to control the process exit code
// without necessarily printing an additional error message.
type ExitError struct {
	code    int
	message string
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *ExitError) Code() int {
	if e == nil {
		return 1
	}
	return e.code
}

func (e *ExitError) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// exitErrorFor maps err to an ExitError carrying its exit code. nil stays nil.
func exitErrorFor(err error) error {
	if err == nil {
		return nil
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return err
	}
	code := 1
	var ce *usbipd.CommandError
	var pe *usbipd.ParseError
	switch {
	case errors.Is(err, usbipd.ErrToolNotFound):
		code = exitToolNotFound
	case errors.Is(err, usbipd.ErrElevationDeclined):
		code = exitElevationDeclined
	case errors.Is(err, usbipd.ErrDeviceNotBound), errors.Is(err, usbipd.ErrNotConnected):
		code = exitNotBound
	case errors.Is(err, usbipd.ErrDeviceNotFound):
		code = exitNotFound
	case errors.Is(err, instance.ErrAlreadyRunning):
		code = exitAlreadyRunning
	case errors.As(err, &ce):
		if ce.ExitCode > 0 {
			code = ce.ExitCode
		}
	case errors.As(err, &pe):
		code = exitParse
	}
	return &ExitError{code: code, message: err.Error()}
}
