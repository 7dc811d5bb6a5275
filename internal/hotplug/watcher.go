// Package hotplug reports USB arrival and removal so the device list can be
// refreshed. Notifications arrive in bursts, one per interface of a composite
// device, and are debounced into a single OnChange call.
package hotplug

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Action is the kind of device notification.
type Action int

const (
	Arrival Action = iota
	Removal
)

func (a Action) String() string {
	switch a {
	case Arrival:
		return "arrival"
	case Removal:
		return "removal"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Event is one raw notification from the platform source.
type Event struct {
	Action Action
	Path   string
	At     time.Time
}

// Config configures a Watcher.
type Config struct {
	// Dir is the device tree watched on unix systems. Ignored on Windows.
	Dir      string
	Debounce time.Duration
	// OnChange is called once per burst of notifications, from the
	// watcher's own goroutine.
	OnChange func()
	Logger   *slog.Logger
}

// Stats counts notifications seen by a Watcher.
type Stats struct {
	Events    int64     `json:"events"`
	Bursts    int64     `json:"bursts"`
	Dropped   int64     `json:"dropped"`
	LastEvent time.Time `json:"last_event,omitzero"`
}

// source is a platform notification subscription.
type source interface {
	Close() error
}

// Watcher turns platform device notifications into debounced callbacks.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange func()
	log      *slog.Logger

	running atomic.Bool
	queue   chan Event
	src     source
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	received  atomic.Int64
	bursts    atomic.Int64
	dropped   atomic.Int64
	lastEvent atomic.Int64
}

// NewWatcher validates cfg and returns a stopped watcher.
func NewWatcher(cfg Config) (*Watcher, error) {
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("hotplug: OnChange is required")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		dir:      cfg.Dir,
		debounce: debounce,
		onChange: cfg.OnChange,
		log:      cfg.Logger,
		queue:    make(chan Event, 64),
	}, nil
}

// Start subscribes to device notifications until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("hotplug watcher already running")
	}
	src, err := w.openSource()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("hotplug: %w", err)
	}
	w.src = src

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.processEvents(ctx)
	}()
	w.log.Info("watching for USB hotplug", "debounce", w.debounce)
	return nil
}

// notify queues a raw event. It never blocks, so it is safe to call from an
// OS callback.
func (w *Watcher) notify(ev Event) {
	w.received.Add(1)
	w.lastEvent.Store(ev.At.UnixNano())
	select {
	case w.queue <- ev:
	default:
		// A burst is already queued; it covers this event.
		w.dropped.Add(1)
	}
}

// processEvents fires onChange once no event has arrived for the debounce
// period.
func (w *Watcher) processEvents(ctx context.Context) {
	tick := w.debounce / 4
	if tick > 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var pending bool
	var lastChange time.Time
	for {
		select {
		case ev := <-w.queue:
			w.log.Debug("usb device notification", "action", ev.Action, "path", ev.Path)
			pending = true
			lastChange = time.Now()

		case <-ticker.C:
			if pending && time.Since(lastChange) >= w.debounce {
				pending = false
				w.bursts.Add(1)
				w.onChange()
			}

		case <-ctx.Done():
			return
		}
	}
}

// Stop releases the platform subscription and waits for the event loop.
func (w *Watcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	err := w.src.Close()
	w.cancel()
	w.wg.Wait()
	return err
}

// Stats returns notification counters.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Events:  w.received.Load(),
		Bursts:  w.bursts.Load(),
		Dropped: w.dropped.Load(),
	}
	if ns := w.lastEvent.Load(); ns != 0 {
		s.LastEvent = time.Unix(0, ns)
	}
	return s
}
