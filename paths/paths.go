// Package paths provides standard filesystem paths used by firebox.
package paths

import (
	"os"
	"os/exec"
	"path/filepath"
)

const (
	// ShareDir is the binaries and config directory.
	ShareDir = "/usr/share/firebox"

	// StateDir is the state files directory.
	StateDir = "/var/lib/firebox"

	// LogDir is the logs directory.
	LogDir = "/var/log/firebox"
)

// GetShareDir returns the firebox share directory, checking environment variables first
func GetShareDir() string {
	if dir := os.Getenv("FIREBOX_SHARE_DIR"); dir != "" {
		return dir
	}
	return ShareDir
}

// GetStateDir returns the firebox state directory, checking environment variables first
func GetStateDir() string {
	if dir := os.Getenv("FIREBOX_STATE_DIR"); dir != "" {
		return dir
	}
	return StateDir
}

// GetLogDir returns the firebox log directory, checking environment variables first
func GetLogDir() string {
	if dir := os.Getenv("FIREBOX_LOG_DIR"); dir != "" {
		return dir
	}
	return LogDir
}

// RegistryDBPath returns the path to the instance registry database.
func RegistryDBPath() string {
	return filepath.Join(GetStateDir(), "instances.db")
}

// InstanceDir returns the per-instance state directory for the given id.
func InstanceDir(id string) string {
	return filepath.Join(GetStateDir(), "instances", id)
}

// KernelPath returns the full path to the default kernel image
func KernelPath() string {
	return filepath.Join(GetShareDir(), "kernel", "firebox-vmlinux-x86_64")
}

// InitrdPath returns the full path to the default initrd image
func InitrdPath() string {
	return filepath.Join(GetShareDir(), "kernel", "firebox-initrd")
}

// FirecrackerPath returns the full path to the firecracker binary
func FirecrackerPath() string {
	// Check custom path first
	if path := os.Getenv("FIREBOX_FIRECRACKER_PATH"); path != "" {
		return path
	}

	// Check firebox share directory
	customPath := filepath.Join(GetShareDir(), "bin", "firecracker")
	if _, err := os.Stat(customPath); err == nil {
		return customPath
	}

	// Fall back to the system binary
	if path, err := exec.LookPath("firecracker"); err == nil {
		return path
	}
	return "/usr/bin/firecracker"
}

// JailerPath returns the full path to the jailer binary
func JailerPath() string {
	if path := os.Getenv("FIREBOX_JAILER_PATH"); path != "" {
		return path
	}

	customPath := filepath.Join(GetShareDir(), "bin", "jailer")
	if _, err := os.Stat(customPath); err == nil {
		return customPath
	}

	if path, err := exec.LookPath("jailer"); err == nil {
		return path
	}
	return "/usr/bin/jailer"
}
