// Package config provides centralized configuration management for firebox.
// All configuration is loaded from a JSON file at /etc/firebox/config.json
// (overridable via FIREBOX_CONFIG environment variable).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aledbf/firebox/paths"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/firebox/config.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "FIREBOX_CONFIG"
)

// Config is the root configuration structure
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Timeouts TimeoutsConfig `json:"timeouts"`
}

// PathsConfig defines filesystem paths for firebox components
type PathsConfig struct {
	StateDir        string `json:"state_dir"`        // State files directory
	LogDir          string `json:"log_dir"`          // Logs directory
	FirecrackerPath string `json:"firecracker_path"` // Hypervisor binary location (auto-discovered if empty)
	KernelPath      string `json:"kernel_path"`      // Default kernel image (optional)
}

// TimeoutsConfig defines timeout durations for lifecycle operations.
// All values are duration strings (e.g., "5s", "2m", "500ms").
type TimeoutsConfig struct {
	// SocketWait is how long to wait for the API socket after spawning
	// the hypervisor. Default: 10s. Increase for loaded hosts.
	SocketWait string `json:"socket_wait"`

	// APIRequest is the per-request timeout for control API calls.
	// Default: 10s.
	APIRequest string `json:"api_request"`

	// ShutdownGrace is how long to wait for guest OS shutdown before SIGKILL.
	// Default: 2s. Increase for guests with slow shutdown handlers.
	ShutdownGrace string `json:"shutdown_grace"`
}

// GetSocketWait returns the socket wait timeout as a time.Duration.
// Panics if the configuration is invalid (should be caught by validation).
func (t *TimeoutsConfig) GetSocketWait() time.Duration {
	return mustParseDuration(t.SocketWait)
}

// GetAPIRequest returns the API request timeout as a time.Duration.
func (t *TimeoutsConfig) GetAPIRequest() time.Duration {
	return mustParseDuration(t.APIRequest)
}

// GetShutdownGrace returns the shutdown grace period as a time.Duration.
func (t *TimeoutsConfig) GetShutdownGrace() time.Duration {
	return mustParseDuration(t.ShutdownGrace)
}

// mustParseDuration parses a duration string, panicking on error.
// This is safe because validation should have already verified the format.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to reload.
// This is intended for testing only. Callers must ensure no concurrent Get()
// calls are in progress when calling Reset().
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Load loads configuration from FIREBOX_CONFIG env var or
// /etc/firebox/config.json. A missing file yields the defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	return LoadFrom(configPath)
}

// LoadFrom loads configuration from a specific path. A missing file is not
// an error: firebox is usable without a config file, so defaults apply.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid default configuration: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir:        paths.GetStateDir(),
			LogDir:          paths.GetLogDir(),
			FirecrackerPath: "", // Auto-discovered
			KernelPath:      "",
		},
		Timeouts: TimeoutsConfig{
			SocketWait:    "10s",
			APIRequest:    "10s",
			ShutdownGrace: "2s",
		},
	}
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaults.Paths.StateDir
	}
	if c.Paths.LogDir == "" {
		c.Paths.LogDir = defaults.Paths.LogDir
	}
	// FirecrackerPath and KernelPath are intentionally left empty for
	// auto-discovery.

	if c.Timeouts.SocketWait == "" {
		c.Timeouts.SocketWait = defaults.Timeouts.SocketWait
	}
	if c.Timeouts.APIRequest == "" {
		c.Timeouts.APIRequest = defaults.Timeouts.APIRequest
	}
	if c.Timeouts.ShutdownGrace == "" {
		c.Timeouts.ShutdownGrace = defaults.Timeouts.ShutdownGrace
	}
}

// FirecrackerBinary resolves the hypervisor binary path, preferring the
// configured path over discovery.
func (c *Config) FirecrackerBinary() string {
	if c.Paths.FirecrackerPath != "" {
		return c.Paths.FirecrackerPath
	}
	return paths.FirecrackerPath()
}
