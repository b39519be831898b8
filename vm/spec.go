package vm

import (
	"fmt"
	"os"
	"strings"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"

	"github.com/aledbf/firebox/client"
)

// MinMemorySizeMib is the smallest guest memory the builder accepts.
const MinMemorySizeMib = 128

// Spec is the validated, immutable boot-time description of a microVM. It is
// produced by SpecBuilder and must not be mutated after an Instance accepts
// it; the instance keeps it for diagnostics only.
type Spec struct {
	Machine           client.MachineConfig
	Boot              client.BootSource
	Drives            []client.Drive
	NetworkInterfaces []client.NetworkInterface

	// Optional devices and sinks, applied during Configure when set.
	Balloon    *client.Balloon
	Vsock      *client.Vsock
	Entropy    *client.EntropyDevice
	Logger     *client.Logger
	Metrics    *client.Metrics
	MmdsConfig *client.MmdsConfig
	Metadata   map[string]any
}

// clone returns a deep enough copy that later builder reuse cannot alias the
// accepted spec's collections.
func (s *Spec) clone() *Spec {
	out := *s
	out.Drives = append([]client.Drive(nil), s.Drives...)
	out.NetworkInterfaces = append([]client.NetworkInterface(nil), s.NetworkInterfaces...)
	return &out
}

// ValidationError reports one rejected field of a spec under construction.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error {
	return errdefs.ErrInvalidArgument
}

// ValidationErrors is the complete list of problems found in one validation
// pass. The builder never returns a partial spec alongside it.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("invalid spec: %s", strings.Join(msgs, "; "))
}

func (e ValidationErrors) Unwrap() error {
	return errdefs.ErrInvalidArgument
}

// SpecBuilder assembles and validates a Spec. It is stateless with respect
// to the outside world: validation only reads the filesystem, it spawns
// nothing and opens no sockets.
type SpecBuilder struct {
	spec         Spec
	validateTaps bool
}

// NewSpecBuilder starts a spec with the given vCPU count and memory size.
func NewSpecBuilder(vcpuCount, memSizeMib int64) *SpecBuilder {
	return &SpecBuilder{
		spec: Spec{
			Machine: client.MachineConfig{
				VcpuCount:  vcpuCount,
				MemSizeMib: memSizeMib,
			},
		},
	}
}

// WithCPUTemplate sets the CPU template tag.
func (b *SpecBuilder) WithCPUTemplate(template string) *SpecBuilder {
	b.spec.Machine.CPUTemplate = template
	return b
}

// WithSmt toggles simultaneous multithreading.
func (b *SpecBuilder) WithSmt(enabled bool) *SpecBuilder {
	b.spec.Machine.Smt = &enabled
	return b
}

// WithBootSource sets the kernel image and boot arguments.
func (b *SpecBuilder) WithBootSource(kernelImagePath, bootArgs string) *SpecBuilder {
	b.spec.Boot.KernelImagePath = kernelImagePath
	b.spec.Boot.BootArgs = bootArgs
	return b
}

// WithInitrd sets the optional initrd image.
func (b *SpecBuilder) WithInitrd(path string) *SpecBuilder {
	b.spec.Boot.InitrdPath = path
	return b
}

// DriveOpt customizes a drive added to the spec.
type DriveOpt func(*client.Drive)

// WithDriveRateLimiter bounds the drive's I/O.
func WithDriveRateLimiter(rl *client.RateLimiter) DriveOpt {
	return func(d *client.Drive) {
		d.RateLimiter = rl
	}
}

// WithDriveCacheType selects the block cache strategy.
func WithDriveCacheType(cacheType string) DriveOpt {
	return func(d *client.Drive) {
		d.CacheType = cacheType
	}
}

// AddDrive appends a drive. readOnly drives only need read access on the
// host path; writable drives are checked for write access during Build.
func (b *SpecBuilder) AddDrive(id, pathOnHost string, isRoot, readOnly bool, opts ...DriveOpt) *SpecBuilder {
	drive := client.Drive{
		DriveID:      id,
		PathOnHost:   pathOnHost,
		IsRootDevice: isRoot,
		IsReadOnly:   readOnly,
	}
	for _, o := range opts {
		o(&drive)
	}
	b.spec.Drives = append(b.spec.Drives, drive)
	return b
}

// NetIfOpt customizes a network interface added to the spec.
type NetIfOpt func(*client.NetworkInterface)

// WithGuestMac overrides the generated guest MAC address.
func WithGuestMac(mac string) NetIfOpt {
	return func(n *client.NetworkInterface) {
		n.GuestMac = mac
	}
}

// WithRxRateLimiter bounds inbound traffic.
func WithRxRateLimiter(rl *client.RateLimiter) NetIfOpt {
	return func(n *client.NetworkInterface) {
		n.RxRateLimiter = rl
	}
}

// WithTxRateLimiter bounds outbound traffic.
func WithTxRateLimiter(rl *client.RateLimiter) NetIfOpt {
	return func(n *client.NetworkInterface) {
		n.TxRateLimiter = rl
	}
}

// AddNetworkInterface appends an interface backed by the named host tap
// device. Tap naming is the caller's business; the SDK never creates taps.
func (b *SpecBuilder) AddNetworkInterface(id, hostDevName string, opts ...NetIfOpt) *SpecBuilder {
	iface := client.NetworkInterface{
		IfaceID:     id,
		HostDevName: hostDevName,
	}
	for _, o := range opts {
		o(&iface)
	}
	b.spec.NetworkInterfaces = append(b.spec.NetworkInterfaces, iface)
	return b
}

// WithBalloon adds a balloon device.
func (b *SpecBuilder) WithBalloon(balloon *client.Balloon) *SpecBuilder {
	b.spec.Balloon = balloon
	return b
}

// WithVsock adds a vsock device.
func (b *SpecBuilder) WithVsock(vsock *client.Vsock) *SpecBuilder {
	b.spec.Vsock = vsock
	return b
}

// WithEntropy adds an entropy device.
func (b *SpecBuilder) WithEntropy(device *client.EntropyDevice) *SpecBuilder {
	b.spec.Entropy = device
	return b
}

// WithLogger configures the hypervisor log sink.
func (b *SpecBuilder) WithLogger(logger *client.Logger) *SpecBuilder {
	b.spec.Logger = logger
	return b
}

// WithMetrics configures the hypervisor metrics sink.
func (b *SpecBuilder) WithMetrics(metrics *client.Metrics) *SpecBuilder {
	b.spec.Metrics = metrics
	return b
}

// WithMmds configures the metadata service and optional initial contents.
func (b *SpecBuilder) WithMmds(cfg *client.MmdsConfig, metadata map[string]any) *SpecBuilder {
	b.spec.MmdsConfig = cfg
	b.spec.Metadata = metadata
	return b
}

// ValidateNetwork enables checking that every referenced host tap device
// actually exists. Off by default so specs can be built on hosts that do not
// carry the devices (tests, dry runs).
func (b *SpecBuilder) ValidateNetwork(enabled bool) *SpecBuilder {
	b.validateTaps = enabled
	return b
}

// Build validates the assembled spec. On failure it returns the complete
// ValidationErrors list and no spec.
func (b *SpecBuilder) Build() (*Spec, error) {
	var errs ValidationErrors

	errs = append(errs, b.validateMachine()...)
	errs = append(errs, b.validateBoot()...)
	errs = append(errs, b.validateDrives()...)
	errs = append(errs, b.validateNetworkInterfaces()...)
	errs = append(errs, b.validateRateLimiters()...)

	if len(errs) > 0 {
		return nil, errs
	}
	return b.spec.clone(), nil
}

func (b *SpecBuilder) validateMachine() ValidationErrors {
	var errs ValidationErrors
	if b.spec.Machine.VcpuCount < 1 {
		errs = append(errs, &ValidationError{
			Field: "machine.vcpu_count",
			Msg:   fmt.Sprintf("must be at least 1, got %d", b.spec.Machine.VcpuCount),
		})
	}
	if b.spec.Machine.MemSizeMib < MinMemorySizeMib {
		errs = append(errs, &ValidationError{
			Field: "machine.mem_size_mib",
			Msg:   fmt.Sprintf("must be at least %d MiB, got %d", MinMemorySizeMib, b.spec.Machine.MemSizeMib),
		})
	}
	return errs
}

func (b *SpecBuilder) validateBoot() ValidationErrors {
	var errs ValidationErrors
	if b.spec.Boot.KernelImagePath == "" {
		errs = append(errs, &ValidationError{Field: "boot.kernel_image_path", Msg: "required"})
	} else if err := checkReadableFile(b.spec.Boot.KernelImagePath); err != nil {
		errs = append(errs, &ValidationError{Field: "boot.kernel_image_path", Msg: err.Error()})
	}
	if b.spec.Boot.InitrdPath != "" {
		if err := checkReadableFile(b.spec.Boot.InitrdPath); err != nil {
			errs = append(errs, &ValidationError{Field: "boot.initrd_path", Msg: err.Error()})
		}
	}
	return errs
}

func (b *SpecBuilder) validateDrives() ValidationErrors {
	var errs ValidationErrors

	seen := make(map[string]bool)
	rootCount := 0
	for i, d := range b.spec.Drives {
		field := fmt.Sprintf("drives[%d]", i)
		if d.DriveID == "" {
			errs = append(errs, &ValidationError{Field: field + ".drive_id", Msg: "required"})
		} else if seen[d.DriveID] {
			errs = append(errs, &ValidationError{
				Field: field + ".drive_id",
				Msg:   fmt.Sprintf("duplicate id %q", d.DriveID),
			})
		}
		seen[d.DriveID] = true

		if d.IsRootDevice {
			rootCount++
		}

		if d.PathOnHost == "" {
			errs = append(errs, &ValidationError{Field: field + ".path_on_host", Msg: "required"})
			continue
		}
		if err := checkReadableFile(d.PathOnHost); err != nil {
			errs = append(errs, &ValidationError{Field: field + ".path_on_host", Msg: err.Error()})
		} else if !d.IsReadOnly {
			if err := unix.Access(d.PathOnHost, unix.W_OK); err != nil {
				errs = append(errs, &ValidationError{
					Field: field + ".path_on_host",
					Msg:   fmt.Sprintf("not writable: %s", d.PathOnHost),
				})
			}
		}
	}

	if rootCount != 1 {
		errs = append(errs, &ValidationError{
			Field: "drives",
			Msg:   fmt.Sprintf("exactly one root drive required, got %d", rootCount),
		})
	}
	return errs
}

func (b *SpecBuilder) validateNetworkInterfaces() ValidationErrors {
	var errs ValidationErrors

	seen := make(map[string]bool)
	for i, n := range b.spec.NetworkInterfaces {
		field := fmt.Sprintf("network_interfaces[%d]", i)
		if n.IfaceID == "" {
			errs = append(errs, &ValidationError{Field: field + ".iface_id", Msg: "required"})
		} else if seen[n.IfaceID] {
			errs = append(errs, &ValidationError{
				Field: field + ".iface_id",
				Msg:   fmt.Sprintf("duplicate id %q", n.IfaceID),
			})
		}
		seen[n.IfaceID] = true

		if n.HostDevName == "" {
			errs = append(errs, &ValidationError{Field: field + ".host_dev_name", Msg: "required"})
			continue
		}
		if b.validateTaps {
			if err := checkTapDevice(n.HostDevName); err != nil {
				errs = append(errs, &ValidationError{Field: field + ".host_dev_name", Msg: err.Error()})
			}
		}
	}
	return errs
}

func (b *SpecBuilder) validateRateLimiters() ValidationErrors {
	var errs ValidationErrors

	check := func(field string, rl *client.RateLimiter) {
		if rl == nil {
			return
		}
		for name, tb := range map[string]*client.TokenBucket{"bandwidth": rl.Bandwidth, "ops": rl.Ops} {
			if tb == nil {
				continue
			}
			if tb.Size < 0 {
				errs = append(errs, &ValidationError{
					Field: fmt.Sprintf("%s.%s.size", field, name),
					Msg:   fmt.Sprintf("must be non-negative, got %d", tb.Size),
				})
			}
			if tb.RefillTime <= 0 {
				errs = append(errs, &ValidationError{
					Field: fmt.Sprintf("%s.%s.refill_time", field, name),
					Msg:   fmt.Sprintf("must be positive milliseconds, got %d", tb.RefillTime),
				})
			}
			if tb.OneTimeBurst != nil && *tb.OneTimeBurst < 0 {
				errs = append(errs, &ValidationError{
					Field: fmt.Sprintf("%s.%s.one_time_burst", field, name),
					Msg:   fmt.Sprintf("must be non-negative, got %d", *tb.OneTimeBurst),
				})
			}
		}
	}

	for i, d := range b.spec.Drives {
		check(fmt.Sprintf("drives[%d].rate_limiter", i), d.RateLimiter)
	}
	for i, n := range b.spec.NetworkInterfaces {
		check(fmt.Sprintf("network_interfaces[%d].rx_rate_limiter", i), n.RxRateLimiter)
		check(fmt.Sprintf("network_interfaces[%d].tx_rate_limiter", i), n.TxRateLimiter)
	}
	if b.spec.Entropy != nil {
		check("entropy.rate_limiter", b.spec.Entropy.RateLimiter)
	}
	return errs
}

func checkReadableFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file not found: %s", path)
		}
		return fmt.Errorf("cannot access %s: %v", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("is a directory: %s", path)
	}
	if err := unix.Access(path, unix.R_OK); err != nil {
		return fmt.Errorf("not readable: %s", path)
	}
	return nil
}
