package supervisor

import (
	"fmt"
	"strconv"
	"strings"
)

// Log levels the hypervisor accepts for --level.
var logLevels = map[string]bool{
	"error":   true,
	"warning": true,
	"info":    true,
	"debug":   true,
	"trace":   true,
}

// CommandOpts is the hypervisor command-line surface beyond the api socket
// and id, mirroring what the binary itself accepts. The zero value adds no
// flags.
type CommandOpts struct {
	// LogPath routes the hypervisor's own log to a file or named pipe.
	LogPath string
	// LogLevel is one of Error, Warning, Info, Debug, Trace.
	LogLevel string
	// ShowLevel includes the level in each log line.
	ShowLevel bool
	// ShowLogOrigin includes the source file in each log line.
	ShowLogOrigin bool
	// MetricsPath routes JSON metrics to a file or named pipe.
	MetricsPath string
	// BootTimer makes the hypervisor report guest boot time.
	BootTimer bool
	// MmdsSizeLimit caps the metadata store size in bytes, 0 for default.
	MmdsSizeLimit int64
	// NoSeccomp disables the hypervisor's seccomp filters. Only for
	// debugging.
	NoSeccomp bool
	// ConfigFile points at a hypervisor-side JSON config. The API socket
	// stays authoritative for everything firebox configures itself.
	ConfigFile string
}

// Args renders the flags, rejecting values the binary would refuse at spawn
// time rather than asynchronously.
func (o CommandOpts) Args() ([]string, error) {
	var args []string

	if o.LogPath != "" {
		args = append(args, "--log-path", o.LogPath)
	}
	if o.LogLevel != "" {
		if !logLevels[strings.ToLower(o.LogLevel)] {
			return nil, fmt.Errorf("invalid log level %q", o.LogLevel)
		}
		args = append(args, "--level", o.LogLevel)
	}
	if o.ShowLevel {
		args = append(args, "--show-level")
	}
	if o.ShowLogOrigin {
		args = append(args, "--show-log-origin")
	}
	if o.MetricsPath != "" {
		args = append(args, "--metrics-path", o.MetricsPath)
	}
	if o.BootTimer {
		args = append(args, "--boot-timer")
	}
	if o.MmdsSizeLimit < 0 {
		return nil, fmt.Errorf("mmds size limit must be non-negative, got %d", o.MmdsSizeLimit)
	}
	if o.MmdsSizeLimit > 0 {
		args = append(args, "--mmds-size-limit", strconv.FormatInt(o.MmdsSizeLimit, 10))
	}
	if o.NoSeccomp {
		args = append(args, "--no-seccomp")
	}
	if o.ConfigFile != "" {
		args = append(args, "--config-file", o.ConfigFile)
	}
	return args, nil
}
