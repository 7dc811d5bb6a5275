// Package devstate holds the single authoritative device list. Refreshes are
// coalesced so overlapping requests cause one usbipd invocation, and readers
// take lock-free snapshots.
package devstate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wslusb/wslusb/internal/usbipd"
)

// ErrClosed is returned by Refresh after Close.
var ErrClosed = errors.New("device store closed")

// FetchFunc produces a freshly parsed device list. It is called by at most
// one goroutine at a time.
type FetchFunc func(ctx context.Context) (usbipd.ParseResult, error)

// Recorder receives store metrics. A nil Recorder is allowed.
type Recorder interface {
	IncRefresh()
	IncRefreshCoalesced()
	IncRefreshFailure()
	AddParseWarnings(n int)
	IncSubscriberReplaced()
}

// Options configures a Store.
type Options struct {
	Logger   *slog.Logger
	Recorder Recorder
	Now      func() time.Time
}

// call is one device-list fetch shared by every Refresh caller waiting on it.
type call struct {
	done chan struct{}
	list usbipd.DeviceList
	err  error
}

func newCall() *call { return &call{done: make(chan struct{})} }

// Store is the single source of truth for the device list.
type Store struct {
	fetch  FetchFunc
	log    *slog.Logger
	rec    Recorder
	now    func() time.Time
	broker *Broker

	ctx    context.Context
	cancel context.CancelFunc

	current atomic.Pointer[usbipd.DeviceList]

	mu       sync.Mutex
	inflight *call
	pending  *call
	lastErr  error
	closed   bool
}

// New returns an empty store. Snapshot reports an uninitialized list until
// the first successful Refresh.
func New(fetch FetchFunc, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		fetch:  fetch,
		log:    opts.Logger,
		rec:    opts.Recorder,
		now:    opts.Now,
		broker: NewBroker(),
		ctx:    ctx,
		cancel: cancel,
	}
	if s.rec != nil {
		s.broker.onReplace = s.rec.IncSubscriberReplaced
	}
	return s
}

// Snapshot returns the last complete device list without invoking usbipd.
func (s *Store) Snapshot() usbipd.DeviceList {
	if p := s.current.Load(); p != nil {
		return *p
	}
	return usbipd.DeviceList{}
}

// Refresh fetches a new device list and returns it. If a fetch is already
// running the caller waits for the next one, which starts when the running
// one ends and is shared by everyone who asked in the meantime. The returned
// list is therefore never older than the call. On failure the previous
// snapshot stays in place and the error is returned.
func (s *Store) Refresh(ctx context.Context) (usbipd.DeviceList, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.Snapshot(), ErrClosed
	}
	var c *call
	switch {
	case s.inflight == nil:
		c = newCall()
		s.inflight = c
		go s.run(c)
	case s.pending == nil:
		c = newCall()
		s.pending = c
	default:
		c = s.pending
		if s.rec != nil {
			s.rec.IncRefreshCoalesced()
		}
	}
	s.mu.Unlock()

	select {
	case <-c.done:
		return c.list, c.err
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// run executes c and then any fetch that was queued while it ran.
func (s *Store) run(c *call) {
	for c != nil {
		c.list, c.err = s.fetchOnce()

		s.mu.Lock()
		next := s.pending
		s.pending = nil
		s.inflight = next
		s.mu.Unlock()

		close(c.done)
		c = next
	}
}

func (s *Store) fetchOnce() (usbipd.DeviceList, error) {
	if s.rec != nil {
		s.rec.IncRefresh()
	}
	res, err := s.fetch(s.ctx)
	if err != nil {
		if s.rec != nil {
			s.rec.IncRefreshFailure()
		}
		s.log.Warn("device refresh failed, keeping last snapshot", "error", err)
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return s.Snapshot(), err
	}

	for _, w := range res.Warnings {
		s.log.Warn("dropped unreadable usbipd row", "line", w.Line, "reason", w.Reason, "content", w.Content)
	}
	if s.rec != nil && len(res.Warnings) > 0 {
		s.rec.AddParseWarnings(len(res.Warnings))
	}

	prev := s.Snapshot()
	list := usbipd.DeviceList{
		Devices:     res.Devices,
		Generation:  prev.Generation + 1,
		RefreshedAt: s.now(),
	}
	s.current.Store(&list)

	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()

	s.log.Debug("device list refreshed", "generation", list.Generation, "devices", len(list.Devices))
	s.broker.Publish(list)
	return list, nil
}

// LastError returns the error of the most recent fetch, or nil if it
// succeeded.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Subscribe returns a channel that receives every new device list.
func (s *Store) Subscribe(buf int) <-chan usbipd.DeviceList {
	return s.broker.Subscribe(buf)
}

// Unsubscribe stops delivery to ch and closes it.
func (s *Store) Unsubscribe(ch <-chan usbipd.DeviceList) {
	s.broker.Unsubscribe(ch)
}

// Subscribers returns the number of subscribed views.
func (s *Store) Subscribers() int { return s.broker.Subscribers() }

// Close cancels any running fetch and closes subscriber channels.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.broker.Close()
}
