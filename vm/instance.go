// Package vm ties the configuration builder, process supervisor, and API
// client into the microVM lifecycle: create, configure, boot, pause, resume,
// stop, destroy. One Instance owns one hypervisor process and one control
// channel; instances share nothing and need no cross-instance locking.
package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/aledbf/firebox/client"
	"github.com/aledbf/firebox/store"
	"github.com/aledbf/firebox/supervisor"
)

// Instance is the live handle of a microVM. All lifecycle operations on the
// same Instance are serialized; the zero value is not usable, construct via
// New or NewFromConfig.
type Instance struct {
	id   string
	spec *Spec
	opts options

	sup *supervisor.Supervisor
	api *client.Client

	// opMu serializes lifecycle operations so two calls can never
	// interleave their API sequences on the synchronous protocol.
	opMu  sync.Mutex
	state atomic.Uint32

	// expectExit is set before a deliberate shutdown so the exit watcher
	// does not classify it as a crash.
	expectExit atomic.Bool

	teardownOnce sync.Once
	teardownErr  error

	drains []*fifoDrain

	exitMu     sync.Mutex
	exitStatus *supervisor.ExitStatus
}

// New prepares an instance for the given validated spec. Nothing is spawned
// until Create. The spec must come from SpecBuilder.Build; it is treated as
// immutable from here on.
func New(binaryPath string, spec *Spec, opts ...Opt) (*Instance, error) {
	if spec == nil {
		return nil, errors.New("vm: nil spec")
	}

	o := options{
		binaryPath:    binaryPath,
		socketTimeout: defaultSocketWaitTimeout,
		apiTimeout:    defaultAPIRequestTimeout,
		destroyGrace:  defaultDestroyGrace,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.stateDir == "" {
		o.stateDir = filepath.Join(os.TempDir(), "firebox", o.id)
	}
	if o.socketPath == "" {
		o.socketPath = filepath.Join(o.stateDir, "firecracker.sock")
	}

	inst := &Instance{
		id:   o.id,
		spec: spec.clone(),
		opts: o,
	}
	inst.state.Store(uint32(StateCreated))
	return inst, nil
}

// ID returns the instance id.
func (i *Instance) ID() string {
	return i.id
}

// Spec returns the originating spec, kept for diagnostics. Callers must not
// mutate it; it is never re-submitted.
func (i *Instance) Spec() *Spec {
	return i.spec
}

// SocketPath returns the control socket path.
func (i *Instance) SocketPath() string {
	return i.opts.socketPath
}

// State returns the current lifecycle state. It reflects asynchronous
// failure detection: after an unexpected process exit it reports
// StateFailed even if no operation has been called since.
func (i *Instance) State() State {
	return State(i.state.Load())
}

// ExitStatus returns the hypervisor's classified exit status once it has
// exited, or nil while it is running.
func (i *Instance) ExitStatus() *supervisor.ExitStatus {
	i.exitMu.Lock()
	defer i.exitMu.Unlock()
	return i.exitStatus
}

// Client exposes the typed API client for calls the lifecycle surface does
// not cover (balloon resize, live drive patches, mmds updates). Nil before
// Create.
func (i *Instance) Client() *client.Client {
	return i.api
}

// transition moves the state machine, returning InvalidTransitionError when
// the edge does not exist. Callers hold opMu.
func (i *Instance) transition(op string, to State) error {
	from := State(i.state.Load())
	if !canTransition(from, to) {
		return &InvalidTransitionError{Op: op, From: from, To: to}
	}
	i.state.Store(uint32(to))
	return nil
}

// Create spawns the hypervisor process, waits for its control socket, and
// opens the control channel. On any failure, including context
// cancellation, the process is terminated and the socket removed before the
// error is returned; a rejected create never leaks a child.
func (i *Instance) Create(ctx context.Context) error {
	i.opMu.Lock()
	defer i.opMu.Unlock()

	if i.sup != nil {
		return &InvalidTransitionError{Op: "create", From: i.State(), To: StateCreated}
	}

	if err := os.MkdirAll(i.opts.stateDir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	args := append([]string{"--id", i.id}, i.opts.extraArgs...)
	if i.opts.commandOpts != nil {
		rendered, err := i.opts.commandOpts.Args()
		if err != nil {
			return fmt.Errorf("hypervisor command options: %w", err)
		}
		args = append(args, rendered...)
	}

	sup := supervisor.New(i.opts.binaryPath, i.opts.socketPath,
		supervisor.WithArgs(args...),
		supervisor.WithStderr(i.opts.stderr),
	)

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("spawn hypervisor: %w", err)
	}
	i.sup = sup

	success := false
	defer func() {
		if !success {
			i.failAndTeardown(ctx)
		}
	}()

	if err := sup.WaitSocket(ctx, i.opts.socketTimeout); err != nil {
		return fmt.Errorf("wait for control socket: %w", err)
	}

	transport := client.NewTransport(i.opts.socketPath, i.opts.apiTimeout)
	if err := i.connectWithRetry(ctx, transport); err != nil {
		return err
	}
	i.api = client.New(transport)

	if err := i.setupFifos(ctx); err != nil {
		return err
	}

	go i.watchExit()

	i.recordRegistry(ctx)

	log.G(ctx).WithFields(log.Fields{
		"id":     i.id,
		"pid":    sup.Pid(),
		"socket": i.opts.socketPath,
	}).Info("vm: instance created")
	success = true
	return nil
}

// connectWithRetry dials the control socket until it accepts a connection.
// The socket file appears when the hypervisor binds it, but listen may not
// have happened yet, so early dials can be refused. Retry until the socket
// wait deadline, giving up early if the process dies.
func (i *Instance) connectWithRetry(ctx context.Context, transport *client.Transport) error {
	deadline := time.After(i.opts.socketTimeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		err := transport.Connect(ctx)
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.sup.ExitCh():
			return fmt.Errorf("hypervisor exited before accepting connections: %w", err)
		case <-deadline:
			return fmt.Errorf("connect control socket: %w", err)
		case <-ticker.C:
		}
	}
}

// Configure stages the full boot-time configuration in the order the
// hypervisor requires: sinks first, then machine and boot source, then
// drives in their declared order (the root drive must be in place before
// boot), then network interfaces and optional devices. The first rejected
// call aborts the sequence, fails the instance, and tears the process down;
// retry with a fresh Create.
func (i *Instance) Configure(ctx context.Context) error {
	i.opMu.Lock()
	defer i.opMu.Unlock()

	if i.api == nil {
		return fmt.Errorf("configure: no control channel, call Create first: %w", errdefs.ErrFailedPrecondition)
	}
	if err := i.transition("configure", StateConfiguring); err != nil {
		return err
	}

	if err := i.applyConfig(ctx); err != nil {
		i.failAndTeardown(ctx)
		return err
	}

	// Configuration accepted; the instance is ready to boot.
	i.state.Store(uint32(StateBooting))
	i.recordRegistry(ctx)

	log.G(ctx).WithField("id", i.id).Info("vm: configuration applied")
	return nil
}

func (i *Instance) applyConfig(ctx context.Context) error {
	logger := i.spec.Logger
	if i.opts.logFifoPath != "" {
		merged := client.Logger{}
		if logger != nil {
			merged = *logger
		}
		merged.LogPath = i.opts.logFifoPath
		logger = &merged
	}
	if logger != nil {
		if err := i.api.PutLogger(ctx, logger); err != nil {
			return fmt.Errorf("configure logger: %w", err)
		}
	}

	metrics := i.spec.Metrics
	if i.opts.metricsFifoPath != "" {
		metrics = &client.Metrics{MetricsPath: i.opts.metricsFifoPath}
	}
	if metrics != nil {
		if err := i.api.PutMetrics(ctx, metrics); err != nil {
			return fmt.Errorf("configure metrics: %w", err)
		}
	}

	if err := i.api.PutMachineConfig(ctx, &i.spec.Machine); err != nil {
		return fmt.Errorf("configure machine: %w", err)
	}
	if err := i.api.PutBootSource(ctx, &i.spec.Boot); err != nil {
		return fmt.Errorf("configure boot source: %w", err)
	}

	for idx := range i.spec.Drives {
		drive := &i.spec.Drives[idx]
		if err := i.api.PutDrive(ctx, drive); err != nil {
			return fmt.Errorf("configure drive %q: %w", drive.DriveID, err)
		}
		log.G(ctx).WithFields(log.Fields{
			"id":    i.id,
			"drive": drive.DriveID,
			"root":  drive.IsRootDevice,
		}).Debug("vm: drive attached")
	}

	for idx := range i.spec.NetworkInterfaces {
		iface := &i.spec.NetworkInterfaces[idx]
		if err := i.api.PutNetworkInterface(ctx, iface); err != nil {
			return fmt.Errorf("configure network interface %q: %w", iface.IfaceID, err)
		}
		log.G(ctx).WithFields(log.Fields{
			"id":    i.id,
			"iface": iface.IfaceID,
			"tap":   iface.HostDevName,
		}).Debug("vm: network interface attached")
	}

	if i.spec.Balloon != nil {
		if err := i.api.PutBalloon(ctx, i.spec.Balloon); err != nil {
			return fmt.Errorf("configure balloon: %w", err)
		}
	}
	if i.spec.Vsock != nil {
		if err := i.api.PutVsock(ctx, i.spec.Vsock); err != nil {
			return fmt.Errorf("configure vsock: %w", err)
		}
	}
	if i.spec.Entropy != nil {
		if err := i.api.PutEntropy(ctx, i.spec.Entropy); err != nil {
			return fmt.Errorf("configure entropy: %w", err)
		}
	}
	if i.spec.MmdsConfig != nil {
		if err := i.api.PutMmdsConfig(ctx, i.spec.MmdsConfig); err != nil {
			return fmt.Errorf("configure mmds: %w", err)
		}
		if i.spec.Metadata != nil {
			if err := i.api.PutMmds(ctx, i.spec.Metadata); err != nil {
				return fmt.Errorf("store mmds metadata: %w", err)
			}
		}
	}
	return nil
}

// Boot issues the InstanceStart action. Repeating it against a running
// instance surfaces ErrAlreadyBooted and leaves the state untouched.
func (i *Instance) Boot(ctx context.Context) error {
	i.opMu.Lock()
	defer i.opMu.Unlock()

	from := State(i.state.Load())
	if from == StateRunning {
		return client.ErrAlreadyBooted
	}
	if from != StateBooting {
		return &InvalidTransitionError{Op: "boot", From: from, To: StateRunning}
	}

	if err := i.api.PutGuestAction(ctx, client.ActionInstanceStart); err != nil {
		if client.IsAlreadyBooted(err) {
			// Lost a race against an earlier boot on this handle.
			i.state.Store(uint32(StateRunning))
			return client.ErrAlreadyBooted
		}
		i.failAndTeardown(ctx)
		return fmt.Errorf("boot: %w", err)
	}

	i.state.Store(uint32(StateRunning))
	i.recordRegistry(ctx)
	log.G(ctx).WithField("id", i.id).Info("vm: guest running")
	return nil
}

// Pause stops the vCPUs. Valid only while running.
func (i *Instance) Pause(ctx context.Context) error {
	i.opMu.Lock()
	defer i.opMu.Unlock()

	from := State(i.state.Load())
	if from != StateRunning {
		return &InvalidTransitionError{Op: "pause", From: from, To: StatePaused}
	}
	if err := i.api.PatchVM(ctx, client.VMStatePaused); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	i.state.Store(uint32(StatePaused))
	i.recordRegistry(ctx)
	return nil
}

// Resume restarts the vCPUs of a paused instance.
func (i *Instance) Resume(ctx context.Context) error {
	i.opMu.Lock()
	defer i.opMu.Unlock()

	from := State(i.state.Load())
	if from != StatePaused {
		return &InvalidTransitionError{Op: "resume", From: from, To: StateRunning}
	}
	if err := i.api.PatchVM(ctx, client.VMStateResumed); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	i.state.Store(uint32(StateRunning))
	i.recordRegistry(ctx)
	return nil
}

// CreateSnapshot snapshots the instance. The hypervisor requires the guest
// to be paused.
func (i *Instance) CreateSnapshot(ctx context.Context, params *client.SnapshotCreateParams) error {
	i.opMu.Lock()
	defer i.opMu.Unlock()

	if from := State(i.state.Load()); from != StatePaused {
		return &InvalidTransitionError{Op: "snapshot", From: from, To: StatePaused}
	}
	if err := i.api.CreateSnapshot(ctx, params); err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores the microVM from a snapshot instead of configuring
// and booting it. Valid only on a fresh instance: the hypervisor rejects a
// load after any configuration. The instance ends up Paused, or Running when
// params request an immediate resume.
func (i *Instance) LoadSnapshot(ctx context.Context, params *client.SnapshotLoadParams) error {
	i.opMu.Lock()
	defer i.opMu.Unlock()

	from := State(i.state.Load())
	if i.api == nil || from != StateCreated {
		return &InvalidTransitionError{Op: "load snapshot", From: from, To: StatePaused}
	}

	if err := i.api.LoadSnapshot(ctx, params); err != nil {
		i.failAndTeardown(ctx)
		return fmt.Errorf("load snapshot: %w", err)
	}

	to := StatePaused
	if params.ResumeVM {
		to = StateRunning
	}
	i.state.Store(uint32(to))
	i.recordRegistry(ctx)
	log.G(ctx).WithFields(log.Fields{
		"id":       i.id,
		"snapshot": params.SnapshotPath,
		"state":    to.String(),
	}).Info("vm: restored from snapshot")
	return nil
}

// Stop asks the guest to shut down and waits up to grace for the hypervisor
// process to exit; if the guest does not cooperate the process is
// terminated. The instance ends in StateStopped either way.
func (i *Instance) Stop(ctx context.Context, grace time.Duration) error {
	i.opMu.Lock()
	defer i.opMu.Unlock()

	if err := i.transition("stop", StateStopping); err != nil {
		return err
	}
	i.expectExit.Store(true)

	// Best effort: the transport may already be gone, in which case the
	// fallback below still applies.
	if err := i.api.PutGuestAction(ctx, client.ActionSendCtrlAltDel); err != nil {
		log.G(ctx).WithError(err).WithField("id", i.id).Debug("vm: graceful shutdown action failed, will terminate")
	}

	waitCtx, cancel := context.WithTimeout(ctx, grace)
	exit, err := i.sup.Wait(waitCtx)
	cancel()
	if err != nil {
		log.G(ctx).WithField("id", i.id).WithField("grace", grace).Info("vm: guest did not exit in time, terminating")
		exit, err = i.sup.Terminate(ctx, 0)
		if err != nil {
			i.failAndTeardown(ctx)
			return fmt.Errorf("terminate hypervisor: %w", err)
		}
	}
	i.setExitStatus(exit)

	i.api.Transport().MarkDisconnected()
	i.closeFifos(ctx)
	if err := i.sup.Cleanup(ctx); err != nil {
		// Cleanup is unconditional and best-effort; never escalated.
		log.G(ctx).WithError(err).WithField("id", i.id).Warn("vm: socket cleanup failed")
	}

	i.state.Store(uint32(StateStopped))
	i.recordRegistry(ctx)
	log.G(ctx).WithFields(log.Fields{"id": i.id, "exit": exit.String()}).Info("vm: stopped")
	return nil
}

// Destroy releases the process and socket exactly once, regardless of the
// current state or how many times it is called. It succeeds even when the
// process is already gone or the instance already failed.
func (i *Instance) Destroy(ctx context.Context) error {
	i.opMu.Lock()
	defer i.opMu.Unlock()

	i.expectExit.Store(true)
	i.teardownOnce.Do(func() {
		i.teardownErr = i.teardown(ctx)
	})

	// Only report Stopped when a process was actually spawned; an instance
	// that was never created stays Created.
	st := State(i.state.Load())
	if st != StateFailed && i.sup != nil {
		i.state.Store(uint32(StateStopped))
	}
	i.deleteRegistry(ctx)
	return i.teardownErr
}

// failAndTeardown marks the instance failed and releases its resources.
// Used on every error path so a rejected configure or boot never leaves an
// orphaned child. Callers hold opMu.
func (i *Instance) failAndTeardown(ctx context.Context) {
	if !State(i.state.Load()).terminal() {
		i.state.Store(uint32(StateFailed))
	}
	i.expectExit.Store(true)
	i.teardownOnce.Do(func() {
		i.teardownErr = i.teardown(ctx)
	})
	i.recordRegistry(ctx)
}

// teardown terminates the process and removes the socket. Absence of either
// is not an error.
func (i *Instance) teardown(ctx context.Context) error {
	var errs []error

	if i.api != nil {
		i.api.Transport().MarkDisconnected()
	}
	i.closeFifos(ctx)

	if i.sup != nil {
		exit, err := i.sup.Terminate(ctx, i.opts.destroyGrace)
		switch {
		case err == nil:
			i.setExitStatus(exit)
		case errors.Is(err, supervisor.ErrNotStarted):
			// Nothing spawned, nothing to reap.
		default:
			errs = append(errs, fmt.Errorf("terminate: %w", err))
		}
		if err := i.sup.Cleanup(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		log.G(ctx).WithError(err).WithField("id", i.id).Warn("vm: teardown incomplete")
		return err
	}
	log.G(ctx).WithField("id", i.id).Debug("vm: resources released")
	return nil
}

// watchExit observes the hypervisor process in the background. An exit
// nobody asked for forces the instance into StateFailed and latches the
// transport disconnected so in-flight calls fail instead of hanging.
func (i *Instance) watchExit() {
	<-i.sup.ExitCh()
	exit, _ := i.sup.Wait(context.Background())
	i.setExitStatus(exit)

	if i.expectExit.Load() {
		return
	}

	ctx := context.Background()
	log.G(ctx).WithFields(log.Fields{
		"id":   i.id,
		"exit": exit.String(),
	}).Error("vm: hypervisor exited unexpectedly")

	// Force Failed unless a deliberate shutdown already completed.
	for {
		cur := State(i.state.Load())
		if cur.terminal() {
			break
		}
		if i.state.CompareAndSwap(uint32(cur), uint32(StateFailed)) {
			break
		}
	}

	i.api.Transport().MarkDisconnected()
	i.closeFifos(ctx)
	if err := i.sup.Cleanup(ctx); err != nil {
		log.G(ctx).WithError(err).WithField("id", i.id).Warn("vm: socket cleanup failed after crash")
	}
	i.recordRegistry(ctx)
}

func (i *Instance) setExitStatus(exit supervisor.ExitStatus) {
	i.exitMu.Lock()
	defer i.exitMu.Unlock()
	if i.exitStatus == nil {
		i.exitStatus = &exit
	}
}

// Info queries the hypervisor for its view of the instance.
func (i *Instance) Info(ctx context.Context) (*client.InstanceInfo, error) {
	if i.api == nil {
		return nil, &InvalidTransitionError{Op: "info", From: i.State(), To: i.State()}
	}
	return i.api.GetInstanceInfo(ctx)
}

// recordRegistry persists the instance's current shape. Registry failures
// are logged, never escalated: the registry is a recovery aid, not part of
// the lifecycle contract.
func (i *Instance) recordRegistry(ctx context.Context) {
	if i.opts.registry == nil {
		return
	}
	rec := &store.InstanceRecord{
		ID:         i.id,
		Pid:        i.pid(),
		SocketPath: i.opts.socketPath,
		StateDir:   i.opts.stateDir,
		State:      i.State().String(),
	}
	if err := i.opts.registry.Put(ctx, rec); err != nil {
		log.G(ctx).WithError(err).WithField("id", i.id).Warn("vm: registry update failed")
	}
}

func (i *Instance) deleteRegistry(ctx context.Context) {
	if i.opts.registry == nil {
		return
	}
	if err := i.opts.registry.Delete(ctx, i.id); err != nil {
		log.G(ctx).WithError(err).WithField("id", i.id).Warn("vm: registry delete failed")
	}
}

func (i *Instance) pid() int {
	if i.sup == nil {
		return -1
	}
	return i.sup.Pid()
}
