// Package manager is the command layer collaborators talk to. It resolves
// locators against the device store, runs usbipd for each mutation and
// refreshes the store afterwards. It never writes the store directly.
package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wslusb/wslusb/internal/autoattach"
	"github.com/wslusb/wslusb/internal/devstate"
	"github.com/wslusb/wslusb/internal/tool"
	"github.com/wslusb/wslusb/internal/usbipd"
)

// ErrAttachTimeout is returned by StartAutoAttach when the device is not
// reported as attached within the configured timeout.
var ErrAttachTimeout = errors.New("timed out waiting for device to attach")

// Elevation controls how bind and unbind acquire administrator rights.
type Elevation string

const (
	ElevateAlways Elevation = "always"
	// ElevateAuto runs unelevated and retries elevated when usbipd asks for
	// administrator rights.
	ElevateAuto  Elevation = "auto"
	ElevateNever Elevation = "never"
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	ToolPath      string
	Elevation     Elevation
	Listing       devstate.ListingMode
	AttachTimeout time.Duration
	PollInterval  time.Duration
	Logger        *slog.Logger
	Recorder      devstate.Recorder
}

// Manager owns the device store, the version cache and the auto-attach
// tracker for one usbipd installation.
type Manager struct {
	runner    tool.Runner
	name      string
	elevation Elevation
	timeout   time.Duration
	interval  time.Duration
	log       *slog.Logger

	versions *usbipd.VersionCache
	store    *devstate.Store
	tracker  *autoattach.Tracker
}

// New wires a Manager around runner. Nothing is invoked until the first
// Refresh or command.
func New(runner tool.Runner, opts Options) *Manager {
	if opts.ToolPath == "" {
		opts.ToolPath = "usbipd"
	}
	if opts.Elevation == "" {
		opts.Elevation = ElevateAlways
	}
	if opts.Listing == "" {
		opts.Listing = devstate.ListingAuto
	}
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	versions := usbipd.NewVersionCache(runner, opts.ToolPath)
	store := devstate.New(
		devstate.ToolFetcher(runner, opts.ToolPath, versions, opts.Listing),
		devstate.Options{Logger: opts.Logger.With("component", "devstate"), Recorder: opts.Recorder},
	)
	return &Manager{
		runner:    runner,
		name:      opts.ToolPath,
		elevation: opts.Elevation,
		timeout:   opts.AttachTimeout,
		interval:  opts.PollInterval,
		log:       opts.Logger,
		versions:  versions,
		store:     store,
		tracker:   autoattach.NewTracker(runner, opts.ToolPath, versions, opts.Logger.With("component", "autoattach")),
	}
}

// Version returns the cached usbipd version.
func (m *Manager) Version() (usbipd.Version, error) {
	return m.versions.Get()
}

// Refresh fetches a new device list. Overlapping calls are coalesced.
func (m *Manager) Refresh(ctx context.Context) (usbipd.DeviceList, error) {
	return m.store.Refresh(ctx)
}

// Snapshot returns the current device list without invoking usbipd.
func (m *Manager) Snapshot() usbipd.DeviceList {
	return m.store.Snapshot()
}

// LastError returns the error of the most recent refresh.
func (m *Manager) LastError() error {
	return m.store.LastError()
}

// Subscribe returns a channel receiving every new device list. Slow readers
// only ever see the newest one.
func (m *Manager) Subscribe(buf int) <-chan usbipd.DeviceList {
	return m.store.Subscribe(buf)
}

func (m *Manager) Unsubscribe(ch <-chan usbipd.DeviceList) {
	m.store.Unsubscribe(ch)
}

// Bind shares a connected device. force binds even when another driver
// claims the device.
func (m *Manager) Bind(ctx context.Context, locator string, force bool) error {
	d, err := m.resolve(ctx, locator)
	if err != nil {
		return err
	}
	if err := m.bind(ctx, d, force); err != nil {
		return err
	}
	m.refreshAfter(ctx, usbipd.OpBind)
	return nil
}

func (m *Manager) bind(ctx context.Context, d usbipd.Device, force bool) error {
	if d.BusID == "" {
		return fmt.Errorf("bind %s: %w", d.Locator(), usbipd.ErrNotConnected)
	}
	return m.run(ctx, usbipd.OpBind, d.Locator(), usbipd.BindArgs(d.BusID, force))
}

// Unbind stops sharing a device. Persisted-only devices are unbound by GUID.
func (m *Manager) Unbind(ctx context.Context, locator string) error {
	d, err := m.resolve(ctx, locator)
	if err != nil {
		return err
	}
	if err := m.run(ctx, usbipd.OpUnbind, d.Locator(), usbipd.UnbindArgs(d)); err != nil {
		return err
	}
	m.refreshAfter(ctx, usbipd.OpUnbind)
	return nil
}

// Attach connects a device to WSL, binding it first if needed.
func (m *Manager) Attach(ctx context.Context, locator string) error {
	d, err := m.resolve(ctx, locator)
	if err != nil {
		return err
	}
	if err := m.attach(ctx, d); err != nil {
		return err
	}
	m.refreshAfter(ctx, usbipd.OpAttach)
	return nil
}

func (m *Manager) attach(ctx context.Context, d usbipd.Device) error {
	if d.BusID == "" {
		return fmt.Errorf("attach %s: %w", d.Locator(), usbipd.ErrNotConnected)
	}
	v, err := m.versions.Get()
	if err != nil {
		return err
	}
	if !d.Bound {
		m.log.Info("binding device before attach", "locator", d.Locator())
		if err := m.bind(ctx, d, false); err != nil {
			return err
		}
	}
	return m.run(ctx, usbipd.OpAttach, d.Locator(), usbipd.AttachArgs(v, d.BusID))
}

// Detach disconnects a device from WSL.
func (m *Manager) Detach(ctx context.Context, locator string) error {
	d, err := m.resolve(ctx, locator)
	if err != nil {
		return err
	}
	if d.BusID == "" {
		return fmt.Errorf("detach %s: %w", d.Locator(), usbipd.ErrNotConnected)
	}
	v, err := m.versions.Get()
	if err != nil {
		return err
	}
	if err := m.run(ctx, usbipd.OpDetach, d.Locator(), usbipd.DetachArgs(v, d.BusID)); err != nil {
		return err
	}
	m.refreshAfter(ctx, usbipd.OpDetach)
	return nil
}

// StartAutoAttach attaches a bound device and keeps a usbipd watcher running
// that re-attaches it whenever it reconnects. The device must already be
// bound. Starting a locator that already has an active session returns it.
func (m *Manager) StartAutoAttach(ctx context.Context, locator string) (autoattach.Session, error) {
	d, err := m.resolve(ctx, locator)
	if err != nil {
		return autoattach.Session{}, err
	}
	if !d.Bound {
		return autoattach.Session{}, fmt.Errorf("auto-attach %s: %w", d.Locator(), usbipd.ErrDeviceNotBound)
	}
	if m.tracker.Active(autoattach.Key(d)) {
		return m.tracker.Start(d)
	}
	if !d.Attached {
		if err := m.attach(ctx, d); err != nil {
			return autoattach.Session{}, err
		}
		if d, err = m.waitAttached(ctx, d.Locator()); err != nil {
			return autoattach.Session{}, err
		}
	}
	s, err := m.tracker.Start(d)
	if err != nil {
		return autoattach.Session{}, err
	}
	m.refreshAfter(ctx, usbipd.OpAutoAttach)
	return s, nil
}

// waitAttached polls the device list until locator is attached.
func (m *Manager) waitAttached(ctx context.Context, locator string) (usbipd.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		list, err := m.store.Refresh(ctx)
		if err == nil {
			if d, ok := list.Find(locator); ok && d.Attached {
				return d, nil
			}
		} else if !errors.Is(err, context.DeadlineExceeded) {
			return usbipd.Device{}, err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return usbipd.Device{}, fmt.Errorf("auto-attach %s: %w after %s", locator, ErrAttachTimeout, m.timeout)
			}
			return usbipd.Device{}, ctx.Err()
		}
	}
}

// StopAutoAttach ends the watcher for locator, which may be the device's bus
// ID or persisted GUID, including after the device was unplugged. Stopping a
// known device without a running watcher is a no-op; a locator that matches
// neither a session nor a device is ErrDeviceNotFound.
func (m *Manager) StopAutoAttach(ctx context.Context, locator string) error {
	key, ok := m.sessionKey(locator)
	if !ok {
		_, err := m.resolve(ctx, locator)
		return err
	}
	if err := m.tracker.Stop(ctx, key); err != nil {
		return err
	}
	m.refreshAfter(ctx, usbipd.OpAutoAttach)
	return nil
}

// sessionKey maps locator to an auto-attach session. A device in the current
// snapshot is matched by its stable key first, so a bus ID now used by a
// different device does not hit an older session.
func (m *Manager) sessionKey(locator string) (string, bool) {
	if d, ok := m.store.Snapshot().Find(locator); ok {
		if key, ok := m.tracker.Lookup(autoattach.Key(d)); ok {
			return key, true
		}
		if d.PersistedGUID != "" {
			return "", false
		}
	}
	return m.tracker.Lookup(locator)
}

// AutoAttachSessions lists the sessions started by this process.
func (m *Manager) AutoAttachSessions() []autoattach.Session {
	return m.tracker.Sessions()
}

// ActiveAutoAttach returns the number of running auto-attach watchers.
func (m *Manager) ActiveAutoAttach() int {
	return m.tracker.ActiveCount()
}

// Close stops every auto-attach watcher and shuts the store down.
func (m *Manager) Close(ctx context.Context) error {
	err := m.tracker.Shutdown(ctx)
	m.store.Close()
	return err
}

// resolve finds locator in the current snapshot, loading the list first if
// nothing has been fetched yet.
func (m *Manager) resolve(ctx context.Context, locator string) (usbipd.Device, error) {
	list := m.store.Snapshot()
	if !list.Initialized() {
		var err error
		if list, err = m.store.Refresh(ctx); err != nil {
			return usbipd.Device{}, err
		}
	}
	d, ok := list.Find(locator)
	if !ok {
		return usbipd.Device{}, fmt.Errorf("%s: %w", locator, usbipd.ErrDeviceNotFound)
	}
	return d, nil
}

// run executes one usbipd mutation according to the elevation policy.
func (m *Manager) run(ctx context.Context, op usbipd.Op, locator string, args []string) error {
	elevate := op.Elevated() && m.elevation == ElevateAlways
	res, err := m.runner.Run(ctx, tool.Command{Name: m.name, Args: args, Elevated: elevate})
	if err == nil && !res.Success() && op.Elevated() && m.elevation == ElevateAuto && needsAdministrator(res.Stderr) {
		m.log.Info("usbipd requires administrator rights, retrying elevated", "op", op, "locator", locator)
		res, err = m.runner.Run(ctx, tool.Command{Name: m.name, Args: args, Elevated: true})
	}
	if err != nil {
		return fmt.Errorf("usbipd %s %s: %w", op, locator, err)
	}
	if !res.Success() {
		return &usbipd.CommandError{
			Op:       string(op),
			Locator:  locator,
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(strings.ReplaceAll(string(res.Stderr), "\x00", "")),
		}
	}
	m.log.Info("usbipd command succeeded", "op", op, "locator", locator)
	return nil
}

func (m *Manager) refreshAfter(ctx context.Context, op usbipd.Op) {
	if _, err := m.store.Refresh(ctx); err != nil {
		m.log.Warn("refresh after command failed", "op", op, "error", err)
	}
}

func needsAdministrator(stderr []byte) bool {
	return bytes.Contains(bytes.ToLower(stderr), []byte("administrator"))
}
