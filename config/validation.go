package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.StateDir, "state_dir"); err != nil {
		return err
	}

	if c.Paths.LogDir == "" {
		return fmt.Errorf("log_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.LogDir, "log_dir"); err != nil {
		return err
	}

	if c.Paths.FirecrackerPath != "" {
		if err := validateExecutable(c.Paths.FirecrackerPath, "firecracker_path"); err != nil {
			return err
		}
	}
	if c.Paths.KernelPath != "" {
		if err := validateFileExists(c.Paths.KernelPath, "kernel_path"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	fields := map[string]string{
		"socket_wait":    c.Timeouts.SocketWait,
		"api_request":    c.Timeouts.APIRequest,
		"shutdown_grace": c.Timeouts.ShutdownGrace,
	}

	for name, val := range fields {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
		if d > time.Hour {
			return fmt.Errorf("%s: too large (%s), max is 1h", name, d)
		}
	}
	return nil
}

// Helper functions

func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return resolved, nil
	}
	if os.IsNotExist(err) {
		return cleaned, nil
	}
	return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
}

func ensureDirWritable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, statErr := os.Stat(canonical)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			if err := os.MkdirAll(canonical, 0750); err != nil {
				return fmt.Errorf("%s: cannot create directory %s: %w", name, canonical, err)
			}
		} else {
			return fmt.Errorf("%s: cannot access %s: %w", name, canonical, statErr)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %s", name, canonical)
	}

	if err := unix.Access(canonical, unix.W_OK); err != nil {
		return fmt.Errorf("%s: not writable: %s", name, canonical)
	}
	return nil
}

func validateFileExists(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: file not found: %s", name, canonical)
		}
		return fmt.Errorf("%s: cannot access: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory: %s", name, canonical)
	}
	return nil
}

func validateExecutable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: file not found: %s", name, canonical)
		}
		return fmt.Errorf("%s: cannot access: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory, not executable: %s", name, canonical)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("%s: not executable: %s", name, canonical)
	}
	return nil
}
