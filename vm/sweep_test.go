package vm

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledbf/firebox/store"
)

// deadPid returns the pid of a process that has already been reaped.
func deadPid(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("/bin/true")
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())
	return cmd.Process.Pid
}

func TestSweepReapsDeadInstances(t *testing.T) {
	dir := t.TempDir()
	reg, err := store.OpenRegistry(filepath.Join(dir, "instances.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	ctx := context.Background()

	// A dead instance with leftovers on disk.
	deadDir := filepath.Join(dir, "dead-vm")
	require.NoError(t, os.MkdirAll(deadDir, 0o750))
	deadSock := filepath.Join(deadDir, "fc.sock")
	require.NoError(t, os.WriteFile(deadSock, nil, 0o600))
	require.NoError(t, reg.Put(ctx, &store.InstanceRecord{
		ID:         "dead-vm",
		Pid:        deadPid(t),
		SocketPath: deadSock,
		StateDir:   deadDir,
		State:      "running",
	}))

	// A live instance: this test process itself.
	require.NoError(t, reg.Put(ctx, &store.InstanceRecord{
		ID:    "live-vm",
		Pid:   os.Getpid(),
		State: "running",
	}))

	res, err := Sweep(ctx, reg)
	require.NoError(t, err)

	require.Len(t, res.Removed, 1)
	assert.Equal(t, "dead-vm", res.Removed[0].ID)
	require.Len(t, res.Alive, 1)
	assert.Equal(t, "live-vm", res.Alive[0].ID)

	// The dead instance's record and files are gone, the live one stays.
	_, err = reg.Get(ctx, "dead-vm")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = os.Stat(deadDir)
	assert.True(t, os.IsNotExist(err))

	_, err = reg.Get(ctx, "live-vm")
	require.NoError(t, err)
}

func TestSweepEmptyRegistry(t *testing.T) {
	reg, err := store.OpenRegistry(filepath.Join(t.TempDir(), "instances.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	res, err := Sweep(context.Background(), reg)
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	assert.Empty(t, res.Alive)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(deadPid(t)))
	assert.False(t, processAlive(0))
	assert.False(t, processAlive(-1))
}
