package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirDefaults(t *testing.T) {
	t.Setenv("FIREBOX_SHARE_DIR", "")
	t.Setenv("FIREBOX_STATE_DIR", "")
	t.Setenv("FIREBOX_LOG_DIR", "")

	assert.Equal(t, ShareDir, GetShareDir())
	assert.Equal(t, StateDir, GetStateDir())
	assert.Equal(t, LogDir, GetLogDir())
}

func TestDirEnvOverrides(t *testing.T) {
	t.Setenv("FIREBOX_SHARE_DIR", "/opt/fb/share")
	t.Setenv("FIREBOX_STATE_DIR", "/opt/fb/state")
	t.Setenv("FIREBOX_LOG_DIR", "/opt/fb/log")

	assert.Equal(t, "/opt/fb/share", GetShareDir())
	assert.Equal(t, "/opt/fb/state", GetStateDir())
	assert.Equal(t, "/opt/fb/log", GetLogDir())
}

func TestDerivedPaths(t *testing.T) {
	t.Setenv("FIREBOX_STATE_DIR", "/opt/fb/state")
	assert.Equal(t, "/opt/fb/state/instances.db", RegistryDBPath())
	assert.Equal(t, "/opt/fb/state/instances/vm-1", InstanceDir("vm-1"))

	t.Setenv("FIREBOX_SHARE_DIR", "/opt/fb/share")
	assert.Equal(t, "/opt/fb/share/kernel/firebox-vmlinux-x86_64", KernelPath())
	assert.Equal(t, "/opt/fb/share/kernel/firebox-initrd", InitrdPath())
}

func TestFirecrackerPathEnvOverride(t *testing.T) {
	t.Setenv("FIREBOX_FIRECRACKER_PATH", "/custom/firecracker")
	assert.Equal(t, "/custom/firecracker", FirecrackerPath())
}

func TestFirecrackerPathShareDir(t *testing.T) {
	t.Setenv("FIREBOX_FIRECRACKER_PATH", "")
	dir := t.TempDir()
	t.Setenv("FIREBOX_SHARE_DIR", dir)

	binDir := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	bin := filepath.Join(binDir, "firecracker")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	assert.Equal(t, bin, FirecrackerPath())
}
