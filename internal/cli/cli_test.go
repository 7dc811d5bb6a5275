package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wslusb/wslusb/internal/config"
	"github.com/wslusb/wslusb/internal/instance"
	"github.com/wslusb/wslusb/internal/tool"
	"github.com/wslusb/wslusb/internal/tool/tooltest"
	"github.com/wslusb/wslusb/internal/usbipd"
)

const stateJSON = `{"Devices":[
  {"BusId":"2-1","Description":"USB Input Device","InstanceId":"USB\\VID_046D&PID_C077\\5&2C1F8A9E&0&1"},
  {"BusId":"2-3","Description":"Smartcard Reader","InstanceId":"USB\\VID_1050&PID_0407\\000001","PersistedGuid":"0b1c2d3e-4f50-6172-8394-a5b6c7d8e9f0","ClientIPAddress":"172.21.64.1"},
  {"BusId":null,"Description":"Arduino Uno","PersistedGuid":"c0ffee00-1234-5678-9abc-def012345678"}
]}`

func defaultFake() *tooltest.Fake {
	return tooltest.New().
		On("--version", tooltest.Response{Stdout: "4.3.0"}).
		On("state", tooltest.Response{Stdout: stateJSON})
}

func useFake(t *testing.T, fake *tooltest.Fake) {
	t.Helper()
	t.Setenv("WSLUSB_TOOL", "")
	t.Setenv("WSLUSB_LOG_LEVEL", "")
	t.Setenv("WSLUSB_API_ADDR", "")
	orig := newRunner
	newRunner = func(*config.Config, *slog.Logger, tool.Observer) tool.Runner { return fake }
	t.Cleanup(func() { newRunner = orig })
}

func runCLI(ctx context.Context, t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRoot("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	base := []string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "--log-level", "error"}
	root.SetArgs(append(base, args...))
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var ee *ExitError
	require.True(t, errors.As(err, &ee), "expected ExitError, got %v", err)
	return ee.Code()
}

func TestVersionFlag(t *testing.T) {
	useFake(t, defaultFake())
	out, err := runCLI(context.Background(), t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "wslusb test\n", out)
}

func TestListTable(t *testing.T) {
	useFake(t, defaultFake())
	out, err := runCLI(context.Background(), t, "list")
	require.NoError(t, err)

	assert.Contains(t, out, "Connected:")
	assert.Contains(t, out, "BUSID")
	assert.Regexp(t, `2-1\s+046d:c077\s+USB Input Device\s+Not shared`, out)
	assert.Regexp(t, `2-3\s+1050:0407\s+Smartcard Reader\s+Attached`, out)
	assert.Contains(t, out, "Persisted:")
	assert.Regexp(t, `c0ffee00-1234-5678-9abc-def012345678\s+Arduino Uno`, out)
}

func TestListJSONAndYAML(t *testing.T) {
	useFake(t, defaultFake())

	out, err := runCLI(context.Background(), t, "list", "-o", "json")
	require.NoError(t, err)
	var list usbipd.DeviceList
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, uint64(1), list.Generation)
	assert.Len(t, list.Devices, 3)

	out, err = runCLI(context.Background(), t, "list", "--output", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "bus_id: 2-1")
	assert.Contains(t, out, "generation: 1")

	_, err = runCLI(context.Background(), t, "list", "-o", "xml")
	assert.Error(t, err)
}

func TestToolVersionCmd(t *testing.T) {
	useFake(t, defaultFake())
	out, err := runCLI(context.Background(), t, "tool-version")
	require.NoError(t, err)
	assert.Equal(t, "usbipd 4.3.0\n", out)
}

func TestDeviceCommands(t *testing.T) {
	fake := defaultFake().
		On("bind", tooltest.Response{}).
		On("unbind", tooltest.Response{}).
		On("detach", tooltest.Response{})
	useFake(t, fake)
	ctx := context.Background()

	out, err := runCLI(ctx, t, "bind", "--force", "2-1")
	require.NoError(t, err)
	assert.Equal(t, "bound 2-1\n", out)
	assert.Equal(t, 1, fake.Count("bind --force --busid 2-1"))

	out, err = runCLI(ctx, t, "unbind", "c0ffee00-1234-5678-9abc-def012345678")
	require.NoError(t, err)
	assert.Equal(t, "unbound c0ffee00-1234-5678-9abc-def012345678\n", out)

	out, err = runCLI(ctx, t, "detach", "2-3")
	require.NoError(t, err)
	assert.Equal(t, "detached 2-3\n", out)

	_, err = runCLI(ctx, t, "attach")
	assert.Error(t, err, "locator is required")
}

func TestExitCodes(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		useFake(t, defaultFake())
		_, err := runCLI(ctx, t, "attach", "9-9")
		assert.Equal(t, 7, exitCode(t, err))
	})

	t.Run("tool missing", func(t *testing.T) {
		useFake(t, tooltest.New().On("--version", tooltest.Response{Err: usbipd.ErrToolNotFound}))
		_, err := runCLI(ctx, t, "tool-version")
		assert.Equal(t, 3, exitCode(t, err))
	})

	t.Run("elevation declined", func(t *testing.T) {
		useFake(t, defaultFake().On("bind", tooltest.Response{Err: usbipd.ErrElevationDeclined}))
		_, err := runCLI(ctx, t, "bind", "2-1")
		assert.Equal(t, 4, exitCode(t, err))
	})

	t.Run("usbipd status", func(t *testing.T) {
		useFake(t, defaultFake().On("detach", tooltest.Response{ExitCode: 2, Stderr: "usbipd: error: nope"}))
		_, err := runCLI(ctx, t, "detach", "2-3")
		assert.Equal(t, 2, exitCode(t, err))
		assert.Contains(t, err.Error(), "usbipd: error: nope")
	})

	t.Run("not bound", func(t *testing.T) {
		useFake(t, defaultFake())
		_, err := runCLI(ctx, t, "auto-attach", "2-1")
		assert.Equal(t, 6, exitCode(t, err))
	})

	t.Run("parse", func(t *testing.T) {
		useFake(t, defaultFake().On("state", tooltest.Response{Stdout: "<html>"}))
		_, err := runCLI(ctx, t, "list")
		assert.Equal(t, 5, exitCode(t, err))
	})
}

func TestExitErrorFor(t *testing.T) {
	assert.NoError(t, exitErrorFor(nil))

	ee := &ExitError{code: 9, message: "x"}
	assert.Same(t, ee, exitErrorFor(ee))

	err := exitErrorFor(fmt.Errorf("serve: %w", instance.ErrAlreadyRunning))
	assert.Equal(t, 8, exitCode(t, err))

	err = exitErrorFor(&usbipd.CommandError{Op: "bind", ExitCode: -1})
	assert.Equal(t, 1, exitCode(t, err))

	err = exitErrorFor(errors.New("boom"))
	assert.Equal(t, 1, exitCode(t, err))
	assert.Equal(t, "boom", err.Error())
}

func TestAutoAttachRunsUntilInterrupted(t *testing.T) {
	fake := defaultFake()
	useFake(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		assert.Eventually(t, func() bool { return len(fake.Processes()) == 1 }, 5*time.Second, time.Millisecond)
		cancel()
	}()

	out, err := runCLI(ctx, t, "auto-attach", "2-3")
	require.NoError(t, err)
	assert.Contains(t, out, "auto-attaching 2-3")
	assert.Contains(t, out, "stopped auto-attach for 2-3")
	assert.True(t, fake.Processes()[0].Killed())
}

func TestAutoAttachReportsExitedWatcher(t *testing.T) {
	fake := defaultFake()
	useFake(t, fake)
	orig := sessionCheckInterval
	sessionCheckInterval = 5 * time.Millisecond
	t.Cleanup(func() { sessionCheckInterval = orig })

	go func() {
		if assert.Eventually(t, func() bool { return len(fake.Processes()) == 1 }, 5*time.Second, time.Millisecond) {
			fake.Processes()[0].Exit(errors.New("exit status 1"))
		}
	}()

	_, err := runCLI(context.Background(), t, "auto-attach", "2-3")
	assert.Equal(t, 1, exitCode(t, err))
	assert.Contains(t, err.Error(), "exited")
}

func TestServeRefreshesAndStops(t *testing.T) {
	fake := defaultFake()
	useFake(t, fake)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("hotplug:\n  enabled: false\nlogging:\n  level: error\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		root := NewRoot("test")
		root.SetOut(&bytes.Buffer{})
		root.SetArgs([]string{"--config", cfgPath, "serve", "--lock-dir", dir})
		done <- root.ExecuteContext(ctx)
	}()

	require.Eventually(t, func() bool { return fake.Count("state") >= 1 }, 5*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServeRejectsPublicListen(t *testing.T) {
	useFake(t, defaultFake())
	dir := t.TempDir()
	_, err := runCLI(context.Background(), t, "serve", "--lock-dir", dir, "--listen", "0.0.0.0:7797")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "loopback"), err.Error())
}
