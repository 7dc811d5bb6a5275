//go:build !windows

package tool

import (
	"context"
	"fmt"
	"os/exec"
)

// Exit statuses pkexec uses when the authentication dialog was dismissed or
// the user is not authorized.
const (
	pkexecDismissed     = 126
	pkexecNotAuthorized = 127
)

func hideWindow(*exec.Cmd) {}

func (r *ExecRunner) runElevated(ctx context.Context, c Command) (Result, error) {
	elevator := r.Elevator
	if elevator == "" {
		elevator = "pkexec"
	}
	path, err := exec.LookPath(c.Name)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrToolNotFound, c.Name, err)
	}

	args := append([]string{path}, c.Args...)
	if elevator == "sudo" {
		args = append([]string{"--non-interactive"}, args...)
	}
	res, err := r.runDirect(ctx, Command{Name: elevator, Args: args})
	if err != nil {
		return res, fmt.Errorf("elevate with %s: %w", elevator, err)
	}
	if elevator == "pkexec" && (res.ExitCode == pkexecDismissed || res.ExitCode == pkexecNotAuthorized) {
		return res, ErrElevationDeclined
	}
	return res, nil
}
