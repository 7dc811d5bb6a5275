// Package tool launches the external usbipd executable and captures its
// output. Every call spawns exactly one OS process.
package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

var (
	// ErrToolNotFound is returned when the executable cannot be launched.
	ErrToolNotFound = errors.New("usbipd executable not found")
	// ErrElevationDeclined is returned when the user cancels the privilege prompt.
	ErrElevationDeclined = errors.New("elevation declined")
)

// Command is a single invocation of the external tool.
type Command struct {
	Name     string
	Args     []string
	Elevated bool
}

// Verb returns the first non-flag argument, used for logging and metrics.
func (c Command) Verb() string {
	for _, a := range c.Args {
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	if len(c.Args) > 0 {
		return c.Args[0]
	}
	return ""
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + JoinArgs(c.Args)
}

// Result holds what a finished invocation produced. Elevated invocations on
// Windows cannot capture output, so Stdout and Stderr are empty there.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Success reports whether the tool exited with status 0.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Process is a long-running child started with Runner.Start.
type Process interface {
	PID() int
	Wait() error
	Kill() error
}

// Runner abstracts process spawning so callers can substitute a fake tool.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	Start(ctx context.Context, cmd Command) (Process, error)
}

// Observer is notified after every completed Run. Used for metrics.
type Observer interface {
	ObserveInvocation(verb string, exitCode int, err error)
}

// JoinArgs builds the single parameter string handed to the elevation prompt.
// Arguments are produced internally, so no shell quoting is applied.
func JoinArgs(args []string) string {
	return strings.Join(args, " ")
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// Elevator is the helper used for elevated runs on unix (pkexec, sudo).
	// Ignored on Windows, where the runas verb is used.
	Elevator string
	Logger   *slog.Logger
	Observer Observer
}

// NewExecRunner returns a runner that elevates through the given helper.
func NewExecRunner(elevator string, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{Elevator: elevator, Logger: logger}
}

func (r *ExecRunner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Run launches the command, waits for it and returns its exit status and
// captured output. A nonzero exit status is not an error.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	var (
		res Result
		err error
	)
	if c.Elevated {
		res, err = r.runElevated(ctx, c)
	} else {
		res, err = r.runDirect(ctx, c)
	}
	r.logger().Debug("tool invocation finished",
		"command", c.String(),
		"elevated", c.Elevated,
		"exit_code", res.ExitCode,
		"error", err)
	if r.Observer != nil {
		r.Observer.ObserveInvocation(c.Verb(), res.ExitCode, err)
	}
	return res, err
}

func (r *ExecRunner) runDirect(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	hideWindow(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if isNotFound(err) {
		return res, fmt.Errorf("%w: %s: %v", ErrToolNotFound, c.Name, err)
	}
	return res, fmt.Errorf("run %s: %w", c.Name, err)
}

// Start launches a long-running child. Its output is discarded except for the
// tail of stderr, which is logged when the child exits with an error.
func (r *ExecRunner) Start(ctx context.Context, c Command) (Process, error) {
	if c.Elevated {
		return nil, fmt.Errorf("start %s: elevated background processes are not supported", c.Name)
	}
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	hideWindow(cmd)

	tail := &tailBuffer{max: 4096}
	cmd.Stdout = io.Discard
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrToolNotFound, c.Name, err)
		}
		return nil, fmt.Errorf("start %s: %w", c.Name, err)
	}
	r.logger().Debug("tool process started", "command", c.String(), "pid", cmd.Process.Pid)
	return &execProcess{cmd: cmd, stderr: tail}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *tailBuffer

	waitOnce sync.Once
	waitErr  error
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		if p.waitErr != nil {
			if msg := strings.TrimSpace(p.stderr.String()); msg != "" {
				p.waitErr = fmt.Errorf("%w: %s", p.waitErr, msg)
			}
		}
	})
	return p.waitErr
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
