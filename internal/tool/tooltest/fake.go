// Package tooltest provides a scripted fake usbipd for tests.
package tooltest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/wslusb/wslusb/internal/tool"
)

// Response is the canned outcome of a matching invocation.
type Response struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
	// Gate, when set, blocks the invocation until it is closed.
	Gate <-chan struct{}
}

// Fake implements tool.Runner. Responses are matched by the longest
// registered prefix of the space-joined arguments.
type Fake struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     []tool.Command
	procs     []*Process
	inFlight  int
	maxFlight int

	// StartErr is returned from Start when set.
	StartErr error
	// KillHangs makes started processes ignore Kill until Exit is called.
	KillHangs bool

	nextPID atomic.Int64
}

// New returns an empty fake. Unmatched invocations exit with status 1.
func New() *Fake {
	return &Fake{responses: make(map[string]Response)}
}

// On registers the response for invocations whose arguments start with args.
func (f *Fake) On(args string, r Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[args] = r
	return f
}

func (f *Fake) match(c tool.Command) (Response, bool) {
	joined := tool.JoinArgs(c.Args)
	keys := make([]string, 0, len(f.responses))
	for k := range f.responses {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		if joined == k || strings.HasPrefix(joined, k+" ") {
			return f.responses[k], true
		}
	}
	return Response{}, false
}

// Run implements tool.Runner.
func (f *Fake) Run(ctx context.Context, c tool.Command) (tool.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	resp, ok := f.match(c)
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if !ok {
		return tool.Result{ExitCode: 1, Stderr: []byte("unexpected command: " + c.String())}, nil
	}
	if resp.Gate != nil {
		select {
		case <-resp.Gate:
		case <-ctx.Done():
			return tool.Result{}, ctx.Err()
		}
	}
	if resp.Err != nil {
		return tool.Result{}, resp.Err
	}
	return tool.Result{
		ExitCode: resp.ExitCode,
		Stdout:   []byte(resp.Stdout),
		Stderr:   []byte(resp.Stderr),
	}, nil
}

// Start implements tool.Runner. The returned process runs until it is killed
// or Exit is called on it.
func (f *Fake) Start(_ context.Context, c tool.Command) (tool.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	p := &Process{
		Command: c,
		pid:     int(f.nextPID.Add(1)) + 1000,
		done:    make(chan struct{}),
		hang:    f.KillHangs,
	}
	f.procs = append(f.procs, p)
	return p, nil
}

// Calls returns every recorded invocation in order.
func (f *Fake) Calls() []tool.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tool.Command, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count returns how many invocations had arguments starting with prefix.
func (f *Fake) Count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		joined := tool.JoinArgs(c.Args)
		if joined == prefix || strings.HasPrefix(joined, prefix+" ") {
			n++
		}
	}
	return n
}

// MaxInFlight returns the highest number of concurrent Run calls observed.
func (f *Fake) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxFlight
}

// Processes returns the processes created by Start.
func (f *Fake) Processes() []*Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Process, len(f.procs))
	copy(out, f.procs)
	return out
}

// ErrKilled is what Wait returns for a killed fake process.
var ErrKilled = errors.New("killed")

// Process is a fake long-running child.
type Process struct {
	Command tool.Command

	pid    int
	done   chan struct{}
	once   sync.Once
	err    error
	hang   bool
	killed atomic.Bool
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Wait() error {
	<-p.done
	return p.err
}

func (p *Process) Kill() error {
	p.killed.Store(true)
	if !p.hang {
		p.finish(ErrKilled)
	}
	return nil
}

// Exit makes the process terminate on its own with err.
func (p *Process) Exit(err error) { p.finish(err) }

// Killed reports whether Kill was called.
func (p *Process) Killed() bool { return p.killed.Load() }

// Done is closed once the process has terminated.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}
