//go:build unix

package tool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu    sync.Mutex
	verbs []string
	codes []int
}

func (o *recordingObserver) ObserveInvocation(verb string, exitCode int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.verbs = append(o.verbs, verb)
	o.codes = append(o.codes, exitCode)
}

func newTestRunner() *ExecRunner {
	return NewExecRunner("", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExecRunnerCapturesOutputAndExitCode(t *testing.T) {
	r := newTestRunner()
	obs := &recordingObserver{}
	r.Observer = obs

	res, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2; exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Success())
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))
	assert.Equal(t, []int{3}, obs.codes)
}

func TestExecRunnerToolNotFound(t *testing.T) {
	r := newTestRunner()
	_, err := r.Run(context.Background(), Command{Name: "wslusb-definitely-not-installed", Args: []string{"state"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolNotFound), "got %v", err)
}

func TestExecRunnerElevatedToolNotFound(t *testing.T) {
	r := newTestRunner()
	_, err := r.Run(context.Background(), Command{Name: "wslusb-definitely-not-installed", Args: []string{"bind"}, Elevated: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolNotFound), "got %v", err)
}

func TestExecRunnerStartAndKill(t *testing.T) {
	r := newTestRunner()
	p, err := r.Start(context.Background(), Command{Name: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	assert.Greater(t, p.PID(), 0)

	require.NoError(t, p.Kill())
	assert.Error(t, p.Wait())
	// Wait is safe to call again and killing an exited process is not an error.
	assert.Error(t, p.Wait())
	assert.NoError(t, p.Kill())
}

func TestExecRunnerStartRejectsElevated(t *testing.T) {
	r := newTestRunner()
	_, err := r.Start(context.Background(), Command{Name: "sleep", Args: []string{"1"}, Elevated: true})
	assert.Error(t, err)
}
