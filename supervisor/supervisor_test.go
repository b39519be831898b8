package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// writeScript writes an executable shell script standing in for the
// hypervisor binary. The supervisor always passes "--api-sock <path>" first,
// so $2 is the socket path inside the script.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-hypervisor.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestStartCleanExit(t *testing.T) {
	bin := writeScript(t, "exit 0")
	s := New(bin, filepath.Join(t.TempDir(), "api.sock"))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	assert.Greater(t, s.Pid(), 0)

	status, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, CleanExit, status.Class)
	assert.Equal(t, 0, status.Code)
	assert.True(t, s.Exited())
}

func TestStartCrashExit(t *testing.T) {
	bin := writeScript(t, "exit 3")
	s := New(bin, filepath.Join(t.TempDir(), "api.sock"))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	status, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, CrashExit, status.Class)
	assert.Equal(t, 3, status.Code)
}

func TestTerminateSignalsProcess(t *testing.T) {
	bin := writeScript(t, "exec sleep 60")
	s := New(bin, filepath.Join(t.TempDir(), "api.sock"))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	status, err := s.Terminate(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, UserSignal, status.Class)
	assert.Equal(t, unix.SIGTERM, status.Signal)
	assert.Equal(t, -1, status.Code)
}

func TestTerminateAfterExitReturnsStatus(t *testing.T) {
	bin := writeScript(t, "exit 0")
	s := New(bin, filepath.Join(t.TempDir(), "api.sock"))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	_, err := s.Wait(ctx)
	require.NoError(t, err)

	status, err := s.Terminate(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, CleanExit, status.Class)
}

func TestWaitBeforeStart(t *testing.T) {
	s := New("/bin/true", filepath.Join(t.TempDir(), "api.sock"))
	_, err := s.Wait(context.Background())
	require.ErrorIs(t, err, ErrNotStarted)

	_, err = s.Terminate(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestStartTwice(t *testing.T) {
	bin := writeScript(t, "exec sleep 60")
	s := New(bin, filepath.Join(t.TempDir(), "api.sock"))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.Error(t, s.Start(ctx))

	_, err := s.Terminate(ctx, 0)
	require.NoError(t, err)
}

func TestStartRemovesStaleSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "api.sock")
	require.NoError(t, os.WriteFile(socketPath, nil, 0o600))

	// The script reports whether the stale file survived spawn.
	bin := writeScript(t, `[ -e "$2" ] && exit 7; exit 0`)
	s := New(bin, socketPath)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	status, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, CleanExit, status.Class)
}

func TestWaitSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "api.sock")
	bin := writeScript(t, `touch "$2"; exec sleep 60`)
	s := New(bin, socketPath)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.WaitSocket(ctx, 5*time.Second))

	_, err := s.Terminate(ctx, 0)
	require.NoError(t, err)
}

func TestWaitSocketProcessDied(t *testing.T) {
	bin := writeScript(t, "exit 1")
	s := New(bin, filepath.Join(t.TempDir(), "api.sock"))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	err := s.WaitSocket(ctx, 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited before creating control socket")
}

func TestWaitSocketTimeout(t *testing.T) {
	bin := writeScript(t, "exec sleep 60")
	s := New(bin, filepath.Join(t.TempDir(), "api.sock"))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	err := s.WaitSocket(ctx, 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout waiting for control socket")

	_, err = s.Terminate(ctx, 0)
	require.NoError(t, err)
}

func TestCleanup(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "api.sock")
	require.NoError(t, os.WriteFile(socketPath, nil, 0o600))

	s := New("/bin/true", socketPath)
	ctx := context.Background()
	require.NoError(t, s.Cleanup(ctx))
	_, err := os.Stat(socketPath)
	require.True(t, os.IsNotExist(err))

	// Second call is a no-op, missing file is fine.
	require.NoError(t, s.Cleanup(ctx))
}
