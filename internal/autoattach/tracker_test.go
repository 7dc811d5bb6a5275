package autoattach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wslusb/wslusb/internal/tool/tooltest"
	"github.com/wslusb/wslusb/internal/usbipd"
)

var boundDevice = usbipd.Device{
	BusID:         "2-4",
	PersistedGUID: "0b1c2d3e-4f50-6172-8394-a5b6c7d8e9f0",
	Description:   "Smartcard Reader",
	Connected:     true,
	Bound:         true,
	Persisted:     true,
}

func newTestTracker(t *testing.T, version string) (*Tracker, *tooltest.Fake) {
	t.Helper()
	fake := tooltest.New().On("--version", tooltest.Response{Stdout: version})
	tr := NewTracker(fake, "usbipd", usbipd.NewVersionCache(fake, "usbipd"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })
	return tr, fake
}

func TestStartRequiresBoundDevice(t *testing.T) {
	tr, fake := newTestTracker(t, "4.3.0")

	d := boundDevice
	d.Bound = false
	_, err := tr.Start(d)
	require.ErrorIs(t, err, usbipd.ErrDeviceNotBound)
	assert.Empty(t, tr.Sessions())
	assert.Empty(t, fake.Processes())
}

func TestStartIsIdempotent(t *testing.T) {
	tr, fake := newTestTracker(t, "4.3.0")

	first, err := tr.Start(boundDevice)
	require.NoError(t, err)
	second, err := tr.Start(boundDevice)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.Active)
	require.Len(t, fake.Processes(), 1)
	assert.Equal(t, []string{"attach", "--wsl", "--auto-attach", "--busid", "2-4"}, fake.Processes()[0].Command.Args)
	assert.Equal(t, 1, tr.ActiveCount())
	assert.Len(t, tr.Sessions(), 1)
}

func TestStartUsesLegacyArgs(t *testing.T) {
	tr, fake := newTestTracker(t, "3.1.0")

	_, err := tr.Start(boundDevice)
	require.NoError(t, err)
	require.Len(t, fake.Processes(), 1)
	assert.Equal(t, []string{"wsl", "attach", "--auto-attach", "--busid", "2-4"}, fake.Processes()[0].Command.Args)
}

func TestStopKillsProcess(t *testing.T) {
	tr, fake := newTestTracker(t, "4.3.0")

	_, err := tr.Start(boundDevice)
	require.NoError(t, err)
	require.NoError(t, tr.Stop(context.Background(), "2-4"))

	p := fake.Processes()[0]
	assert.True(t, p.Killed())
	assert.False(t, tr.Active("2-4"))

	sessions := tr.Sessions()
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Active)
	assert.False(t, sessions[0].StoppedAt.IsZero())

	// Stopping again, or stopping something unknown, is a no-op.
	assert.NoError(t, tr.Stop(context.Background(), "2-4"))
	assert.NoError(t, tr.Stop(context.Background(), "9-9"))

	// A stopped session can be started again with a new process.
	again, err := tr.Start(boundDevice)
	require.NoError(t, err)
	assert.NotEqual(t, sessions[0].ID, again.ID)
	assert.Len(t, fake.Processes(), 2)
}

func TestProcessExitMarksSessionInactive(t *testing.T) {
	tr, fake := newTestTracker(t, "4.3.0")

	_, err := tr.Start(boundDevice)
	require.NoError(t, err)
	fake.Processes()[0].Exit(errors.New("exit status 1"))

	require.Eventually(t, func() bool { return !tr.Active("2-4") }, 2*time.Second, time.Millisecond)
	assert.False(t, fake.Processes()[0].Killed())
}

func TestStartErrors(t *testing.T) {
	tr, fake := newTestTracker(t, "4.3.0")
	fake.StartErr = usbipd.ErrToolNotFound

	_, err := tr.Start(boundDevice)
	assert.ErrorIs(t, err, usbipd.ErrToolNotFound)
	assert.Empty(t, tr.Sessions())
}

func TestConcurrentStartStopSameLocator(t *testing.T) {
	tr, fake := newTestTracker(t, "4.3.0")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = tr.Start(boundDevice)
		}()
		go func() {
			defer wg.Done()
			_ = tr.Stop(context.Background(), "2-4")
		}()
	}
	wg.Wait()

	active := 0
	for _, p := range fake.Processes() {
		select {
		case <-p.Done():
		default:
			active++
		}
	}
	assert.LessOrEqual(t, active, 1, "at most one watcher may be running per locator")
	assert.Equal(t, active, tr.ActiveCount())
}

func TestShutdownStopsEverything(t *testing.T) {
	tr, fake := newTestTracker(t, "4.3.0")

	other := boundDevice
	other.BusID = "3-1"
	other.PersistedGUID = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	_, err := tr.Start(boundDevice)
	require.NoError(t, err)
	_, err = tr.Start(other)
	require.NoError(t, err)

	require.NoError(t, tr.Shutdown(context.Background()))
	for _, p := range fake.Processes() {
		assert.True(t, p.Killed())
	}
	assert.Equal(t, 0, tr.ActiveCount())
	assert.Len(t, fake.Processes(), 2)
}

func TestSessionsAreKeyedByPersistedGUID(t *testing.T) {
	tr, fake := newTestTracker(t, "4.3.0")

	s, err := tr.Start(boundDevice)
	require.NoError(t, err)
	assert.Equal(t, boundDevice.PersistedGUID, s.Locator)
	assert.Equal(t, "2-4", s.BusID)

	// The same device on another port is the same session.
	moved := boundDevice
	moved.BusID = "1-7"
	again, err := tr.Start(moved)
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)
	assert.Len(t, fake.Processes(), 1)

	for _, loc := range []string{"2-4", boundDevice.PersistedGUID, "0B1C2D3E-4F50-6172-8394-A5B6C7D8E9F0"} {
		key, ok := tr.Lookup(loc)
		require.True(t, ok, loc)
		assert.Equal(t, s.Locator, key)
		assert.True(t, tr.Active(loc), loc)
	}

	require.NoError(t, tr.Stop(context.Background(), "0B1C2D3E-4F50-6172-8394-A5B6C7D8E9F0"))
	assert.True(t, fake.Processes()[0].Killed())
	assert.Equal(t, 0, tr.ActiveCount())
}

func TestKeyFallsBackToBusID(t *testing.T) {
	d := boundDevice
	d.PersistedGUID = ""
	assert.Equal(t, "2-4", Key(d))
	assert.Equal(t, boundDevice.PersistedGUID, Key(boundDevice))
}

func TestStopUnknownDoesNotGrowLocks(t *testing.T) {
	tr, _ := newTestTracker(t, "4.3.0")

	for i := 0; i < 50; i++ {
		require.NoError(t, tr.Stop(context.Background(), fmt.Sprintf("9-%d", i)))
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Empty(t, tr.locks)
}

func TestShutdownHonorsDeadline(t *testing.T) {
	tr, fake := newTestTracker(t, "4.3.0")
	fake.KillHangs = true

	_, err := tr.Start(boundDevice)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = tr.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, fake.Processes()[0].Killed())

	fake.Processes()[0].Exit(nil)
	require.Eventually(t, func() bool { return tr.ActiveCount() == 0 }, 2*time.Second, time.Millisecond)
}
