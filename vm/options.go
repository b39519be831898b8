package vm

import (
	"io"
	"time"

	"github.com/aledbf/firebox/store"
	"github.com/aledbf/firebox/supervisor"
)

const (
	defaultSocketWaitTimeout = 10 * time.Second
	defaultAPIRequestTimeout = 10 * time.Second
	defaultDestroyGrace      = 2 * time.Second
)

type options struct {
	binaryPath    string
	id            string
	socketPath    string
	stateDir      string
	extraArgs     []string
	commandOpts   *supervisor.CommandOpts
	stderr        io.Writer
	registry      *store.Registry
	socketTimeout time.Duration
	apiTimeout    time.Duration
	destroyGrace  time.Duration

	logFifoPath     string
	logFifoSink     io.Writer
	metricsFifoPath string
	metricsFifoSink io.Writer
}

// Opt customizes an Instance at creation time.
type Opt func(*options)

// WithID sets the instance id. A random one is generated when unset.
func WithID(id string) Opt {
	return func(o *options) {
		o.id = id
	}
}

// WithSocketPath overrides the control socket location. Defaults to
// <stateDir>/<id>/firecracker.sock.
func WithSocketPath(path string) Opt {
	return func(o *options) {
		o.socketPath = path
	}
}

// WithStateDir sets the directory holding the instance's socket and
// ephemeral files.
func WithStateDir(dir string) Opt {
	return func(o *options) {
		o.stateDir = dir
	}
}

// WithExtraArgs appends hypervisor command-line arguments beyond the control
// socket wiring, e.g. --boot-timer or --no-seccomp.
func WithExtraArgs(args ...string) Opt {
	return func(o *options) {
		o.extraArgs = append(o.extraArgs, args...)
	}
}

// WithCommandOpts sets the hypervisor's own command-line flags (log path and
// level, metrics path, boot timer, mmds size limit). Rendered and validated
// during Create.
func WithCommandOpts(co supervisor.CommandOpts) Opt {
	return func(o *options) {
		o.commandOpts = &co
	}
}

// WithStderr captures hypervisor stderr for diagnostics.
func WithStderr(w io.Writer) Opt {
	return func(o *options) {
		o.stderr = w
	}
}

// WithRegistry records the instance in a persistent registry so leftovers
// can be found and swept after a host process restart.
func WithRegistry(reg *store.Registry) Opt {
	return func(o *options) {
		o.registry = reg
	}
}

// WithSocketWaitTimeout bounds the post-spawn poll for the control socket.
func WithSocketWaitTimeout(d time.Duration) Opt {
	return func(o *options) {
		o.socketTimeout = d
	}
}

// WithAPIRequestTimeout bounds each control API request.
func WithAPIRequestTimeout(d time.Duration) Opt {
	return func(o *options) {
		o.apiTimeout = d
	}
}

// WithDestroyGrace sets how long Destroy waits after SIGTERM before
// force-killing.
func WithDestroyGrace(d time.Duration) Opt {
	return func(o *options) {
		o.destroyGrace = d
	}
}

// WithLogFifo drains the hypervisor's log output through a named pipe at
// path into w. The pipe is created, registered as the logger sink during
// Configure, and removed on destroy.
func WithLogFifo(path string, w io.Writer) Opt {
	return func(o *options) {
		o.logFifoPath = path
		o.logFifoSink = w
	}
}

// WithMetricsFifo drains the hypervisor's JSON metrics through a named pipe
// at path into w.
func WithMetricsFifo(path string, w io.Writer) Opt {
	return func(o *options) {
		o.metricsFifoPath = path
		o.metricsFifoSink = w
	}
}
