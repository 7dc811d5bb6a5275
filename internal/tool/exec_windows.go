//go:build windows

package tool

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
}

// runElevated shows the UAC prompt through ShellExecuteEx with the runas verb
// and blocks until the elevated process exits.
func (r *ExecRunner) runElevated(_ context.Context, c Command) (Result, error) {
	verb, err := windows.UTF16PtrFromString("runas")
	if err != nil {
		return Result{}, err
	}
	file, err := windows.UTF16PtrFromString(c.Name)
	if err != nil {
		return Result{}, err
	}
	params, err := windows.UTF16PtrFromString(JoinArgs(c.Args))
	if err != nil {
		return Result{}, err
	}

	info := &windows.SHELLEXECUTEINFO{
		Mask:       windows.SEE_MASK_NOCLOSEPROCESS,
		Verb:       verb,
		File:       file,
		Parameters: params,
		Show:       windows.SW_HIDE,
	}
	info.Size = uint32(unsafe.Sizeof(*info))

	if err := windows.ShellExecuteEx(info); err != nil {
		switch {
		case errors.Is(err, windows.ERROR_CANCELLED):
			return Result{}, ErrElevationDeclined
		case errors.Is(err, windows.ERROR_FILE_NOT_FOUND), errors.Is(err, windows.ERROR_PATH_NOT_FOUND):
			return Result{}, fmt.Errorf("%w: %s: %v", ErrToolNotFound, c.Name, err)
		default:
			return Result{}, fmt.Errorf("ShellExecuteEx(%s): %w", c.Name, err)
		}
	}
	if info.Process == 0 {
		// The shell handed the request to an existing process; nothing to wait on.
		return Result{}, nil
	}
	defer windows.CloseHandle(info.Process)

	if _, err := windows.WaitForSingleObject(info.Process, windows.INFINITE); err != nil {
		return Result{}, fmt.Errorf("wait for elevated %s: %w", c.Name, err)
	}
	var code uint32
	if err := windows.GetExitCodeProcess(info.Process, &code); err != nil {
		return Result{}, fmt.Errorf("exit code of elevated %s: %w", c.Name, err)
	}
	return Result{ExitCode: int(code)}, nil
}
