package devstate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wslusb/wslusb/internal/usbipd"
)

type countingRecorder struct {
	refreshes, coalesced, failures, warnings, replaced atomic.Int64
}

func (r *countingRecorder) IncRefresh()            { r.refreshes.Add(1) }
func (r *countingRecorder) IncRefreshCoalesced()   { r.coalesced.Add(1) }
func (r *countingRecorder) IncRefreshFailure()     { r.failures.Add(1) }
func (r *countingRecorder) AddParseWarnings(n int) { r.warnings.Add(int64(n)) }
func (r *countingRecorder) IncSubscriberReplaced() { r.replaced.Add(1) }

// scriptedFetch hands out device lists, optionally blocking each call until
// released.
type scriptedFetch struct {
	mu        sync.Mutex
	calls     int
	inFlight  int
	maxFlight int
	block     bool
	started   chan struct{}
	release   chan struct{}
	err       error
	warnings  []usbipd.Warning
}

func newScriptedFetch() *scriptedFetch {
	return &scriptedFetch{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (f *scriptedFetch) fetch(ctx context.Context) (usbipd.ParseResult, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	block, err, warnings := f.block, f.err, f.warnings
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	f.started <- struct{}{}
	if block {
		select {
		case <-f.release:
		case <-ctx.Done():
			return usbipd.ParseResult{}, ctx.Err()
		}
	}
	if err != nil {
		return usbipd.ParseResult{}, err
	}
	return usbipd.ParseResult{
		Devices:  []usbipd.Device{{BusID: "1-" + string(rune('0'+n)), Connected: true}},
		Warnings: warnings,
	}, nil
}

func (f *scriptedFetch) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSnapshotBeforeRefresh(t *testing.T) {
	f := newScriptedFetch()
	s := New(f.fetch, Options{Logger: quietLogger()})
	defer s.Close()

	snap := s.Snapshot()
	assert.False(t, snap.Initialized())
	assert.Empty(t, snap.Devices)
	assert.Equal(t, 0, f.callCount())
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	f := newScriptedFetch()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(f.fetch, Options{Logger: quietLogger(), Now: func() time.Time { return fixed }})
	defer s.Close()

	list, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), list.Generation)
	assert.Equal(t, fixed, list.RefreshedAt)
	assert.Equal(t, list, s.Snapshot())

	list, err = s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), list.Generation)
	assert.Equal(t, "1-2", list.Devices[0].BusID)
}

func TestOverlappingRefreshesAreCoalesced(t *testing.T) {
	f := newScriptedFetch()
	f.block = true
	rec := &countingRecorder{}
	s := New(f.fetch, Options{Logger: quietLogger(), Recorder: rec})
	defer s.Close()

	firstDone := make(chan usbipd.DeviceList, 1)
	go func() {
		l, _ := s.Refresh(context.Background())
		firstDone <- l
	}()
	<-f.started

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]usbipd.DeviceList, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := s.Refresh(context.Background())
			assert.NoError(t, err)
			results[i] = l
		}(i)
	}
	require.Eventually(t, func() bool { return rec.coalesced.Load() == waiters-1 }, 2*time.Second, time.Millisecond)

	// Snapshot does not block while a fetch is running.
	assert.False(t, s.Snapshot().Initialized())

	f.release <- struct{}{}
	first := <-firstDone
	assert.Equal(t, uint64(1), first.Generation)

	<-f.started
	f.release <- struct{}{}
	wg.Wait()

	for _, l := range results {
		assert.Equal(t, uint64(2), l.Generation, "waiters must see a fetch that started after they asked")
	}
	assert.Equal(t, 2, f.callCount())
	assert.Equal(t, 1, f.maxFlight)
	assert.Equal(t, int64(2), rec.refreshes.Load())
}

func TestFailedRefreshKeepsLastSnapshot(t *testing.T) {
	f := newScriptedFetch()
	rec := &countingRecorder{}
	s := New(f.fetch, Options{Logger: quietLogger(), Recorder: rec})
	defer s.Close()

	good, err := s.Refresh(context.Background())
	require.NoError(t, err)

	boom := errors.New("usbipd exploded")
	f.mu.Lock()
	f.err = boom
	f.mu.Unlock()

	got, err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, good, got)
	assert.Equal(t, good, s.Snapshot())
	assert.ErrorIs(t, s.LastError(), boom)
	assert.Equal(t, int64(1), rec.failures.Load())

	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
	_, err = s.Refresh(context.Background())
	require.NoError(t, err)
	assert.NoError(t, s.LastError())
}

func TestRefreshCountsParseWarnings(t *testing.T) {
	f := newScriptedFetch()
	f.warnings = []usbipd.Warning{{Line: 3, Content: "junk", Reason: "bad"}}
	rec := &countingRecorder{}
	s := New(f.fetch, Options{Logger: quietLogger(), Recorder: rec})
	defer s.Close()

	list, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, list.Devices, 1)
	assert.Equal(t, int64(1), rec.warnings.Load())
}

func TestRefreshWaiterCancellation(t *testing.T) {
	f := newScriptedFetch()
	f.block = true
	s := New(f.fetch, Options{Logger: quietLogger()})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.started
		cancel()
	}()
	list, err := s.Refresh(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, list.Initialized())

	// The fetch itself keeps running and completes for later callers.
	f.release <- struct{}{}
	require.Eventually(t, func() bool { return s.Snapshot().Initialized() }, 2*time.Second, time.Millisecond)
}

func TestSubscribersReceiveSnapshots(t *testing.T) {
	f := newScriptedFetch()
	rec := &countingRecorder{}
	s := New(f.fetch, Options{Logger: quietLogger(), Recorder: rec})

	a := s.Subscribe(1)
	b := s.Subscribe(1)
	assert.Equal(t, 2, s.Subscribers())

	list, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, list, <-a)
	assert.Equal(t, list, <-b)

	// b falls behind: the newest list replaces the queued one.
	_, err = s.Refresh(context.Background())
	require.NoError(t, err)
	latest, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, latest, <-b)
	assert.Equal(t, latest, <-a)
	assert.Equal(t, int64(2), rec.replaced.Load(), "a and b each had one list replaced")

	s.Unsubscribe(a)
	_, ok := <-a
	assert.False(t, ok)
	assert.Equal(t, 1, s.Subscribers())

	s.Close()
	_, ok = <-b
	assert.False(t, ok)
}

func TestRefreshAfterClose(t *testing.T) {
	f := newScriptedFetch()
	s := New(f.fetch, Options{Logger: quietLogger()})
	s.Close()
	s.Close()

	_, err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, f.callCount())
}
