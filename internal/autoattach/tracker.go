// Package autoattach keeps track of the usbipd auto-attach watchers started
// by this process. usbipd itself does not remember them, so sessions live in
// memory only and end with the process.
package autoattach

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wslusb/wslusb/internal/tool"
	"github.com/wslusb/wslusb/internal/usbipd"
)

// Session describes one auto-attach watcher. Locator is the session key
// returned by Key; BusID is where the device was when the session started.
type Session struct {
	ID            string    `json:"id" yaml:"id"`
	Locator       string    `json:"locator" yaml:"locator"`
	BusID         string    `json:"bus_id,omitempty" yaml:"bus_id,omitempty"`
	PersistedGUID string    `json:"persisted_guid,omitempty" yaml:"persisted_guid,omitempty"`
	Description   string    `json:"description,omitempty" yaml:"description,omitempty"`
	StartedAt     time.Time `json:"started_at" yaml:"started_at"`
	StoppedAt     time.Time `json:"stopped_at,omitzero" yaml:"stopped_at,omitempty"`
	Active        bool      `json:"active" yaml:"active"`
	PID           int       `json:"pid,omitempty" yaml:"pid,omitempty"`
}

// Key returns the identity sessions are stored under. The persisted GUID
// survives unplugging and bus ID changes; the bus ID is only used when usbipd
// did not report a GUID.
func Key(d usbipd.Device) string {
	if d.PersistedGUID != "" {
		return strings.ToLower(d.PersistedGUID)
	}
	return d.BusID
}

type entry struct {
	session  Session
	proc     tool.Process
	stopping bool
	done     chan struct{}
}

// Tracker owns the auto-attach child processes.
type Tracker struct {
	runner   tool.Runner
	name     string
	versions *usbipd.VersionCache
	log      *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*entry
	locks    map[string]*sync.Mutex
}

// NewTracker returns a tracker with no sessions.
func NewTracker(runner tool.Runner, name string, versions *usbipd.VersionCache, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		runner:   runner,
		name:     name,
		versions: versions,
		log:      logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*entry),
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing Start and Stop for one session key.
// Keys only come from bound devices, so the map stays as small as the set of
// devices usbipd persists.
func (t *Tracker) lockFor(key string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	return l
}

// lookup finds the session key for locator, which may be the key itself, the
// device's GUID or the bus ID it had when the session started. Active
// sessions win over ended ones. Callers hold t.mu.
func (t *Tracker) lookup(locator string) (string, bool) {
	if e, ok := t.sessions[strings.ToLower(locator)]; ok && e.session.Active {
		return e.session.Locator, true
	}
	found := ""
	for key, e := range t.sessions {
		s := e.session
		if !strings.EqualFold(key, locator) && !strings.EqualFold(s.PersistedGUID, locator) && s.BusID != locator {
			continue
		}
		if s.Active {
			return key, true
		}
		found = key
	}
	return found, found != ""
}

// Lookup returns the session key matching locator.
func (t *Tracker) Lookup(locator string) (string, bool) {
	if locator == "" {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(locator)
}

// Start launches the auto-attach watcher for a bound device. Starting a
// device that already has an active session returns that session.
func (t *Tracker) Start(d usbipd.Device) (Session, error) {
	locator := Key(d)
	if !d.Bound {
		return Session{}, fmt.Errorf("auto-attach %s: %w", d.Locator(), usbipd.ErrDeviceNotBound)
	}

	l := t.lockFor(locator)
	l.Lock()
	defer l.Unlock()

	t.mu.Lock()
	if e, ok := t.sessions[locator]; ok && e.session.Active {
		s := e.session
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	v, err := t.versions.Get()
	if err != nil {
		return Session{}, fmt.Errorf("auto-attach %s: %w", locator, err)
	}
	proc, err := t.runner.Start(t.ctx, tool.Command{Name: t.name, Args: usbipd.AutoAttachArgs(v, d.BusID)})
	if err != nil {
		return Session{}, fmt.Errorf("auto-attach %s: %w", locator, err)
	}

	e := &entry{
		session: Session{
			ID:            uuid.NewString(),
			Locator:       locator,
			BusID:         d.BusID,
			PersistedGUID: strings.ToLower(d.PersistedGUID),
			Description:   d.Description,
			StartedAt:     t.now(),
			Active:        true,
			PID:           proc.PID(),
		},
		proc: proc,
		done: make(chan struct{}),
	}
	s := e.session
	t.mu.Lock()
	t.sessions[locator] = e
	t.mu.Unlock()

	go t.watch(e)

	t.log.Info("auto-attach started", "locator", locator, "bus_id", s.BusID, "session_id", s.ID, "pid", s.PID)
	return s, nil
}

// watch marks the session inactive once its process ends.
func (t *Tracker) watch(e *entry) {
	err := e.proc.Wait()

	t.mu.Lock()
	stopping := e.stopping
	e.session.Active = false
	e.session.StoppedAt = t.now()
	t.mu.Unlock()
	close(e.done)

	if !stopping {
		t.log.Warn("auto-attach process exited", "locator", e.session.Locator, "session_id", e.session.ID, "error", err)
	}
}

// Stop terminates the watcher matching locator and waits for it to exit or
// for ctx to end. Stopping an unknown or inactive session is a no-op.
func (t *Tracker) Stop(ctx context.Context, locator string) error {
	key, ok := t.Lookup(locator)
	if !ok {
		return nil
	}
	l := t.lockFor(key)
	l.Lock()
	defer l.Unlock()

	t.mu.Lock()
	e := t.sessions[key]
	if !e.session.Active {
		t.mu.Unlock()
		return nil
	}
	e.stopping = true
	t.mu.Unlock()

	if err := e.proc.Kill(); err != nil {
		t.mu.Lock()
		e.stopping = false
		t.mu.Unlock()
		return fmt.Errorf("stop auto-attach %s: %w", key, err)
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return fmt.Errorf("stop auto-attach %s: %w", key, ctx.Err())
	}

	t.log.Info("auto-attach stopped", "locator", key, "session_id", e.session.ID)
	return nil
}

// Active reports whether locator has a running watcher.
func (t *Tracker) Active(locator string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.lookup(locator)
	return ok && t.sessions[key].session.Active
}

// ActiveCount returns the number of running watchers.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.sessions {
		if e.session.Active {
			n++
		}
	}
	return n
}

// Sessions returns every session known to this process, ordered by locator.
func (t *Tracker) Sessions() []Session {
	t.mu.Lock()
	out := make([]Session, 0, len(t.sessions))
	for _, e := range t.sessions {
		out = append(out, e.session)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Locator < out[j].Locator })
	return out
}

// Shutdown stops every active watcher.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	var active []string
	for key, e := range t.sessions {
		if e.session.Active {
			active = append(active, key)
		}
	}
	t.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range active {
		key := key
		g.Go(func() error { return t.Stop(gctx, key) })
	}
	err := g.Wait()
	t.cancel()
	return err
}
