package client

// Wire types for the Firecracker control API. Field names follow the
// hypervisor's snake_case JSON; optional fields use pointers with omitempty so
// an unset value is not serialized as a zero.

// MachineConfig describes the vCPU count, memory size and CPU features of the
// microVM. It can only be submitted before boot.
type MachineConfig struct {
	VcpuCount       int64  `json:"vcpu_count"`
	MemSizeMib      int64  `json:"mem_size_mib"`
	CPUTemplate     string `json:"cpu_template,omitempty"`
	Smt             *bool  `json:"smt,omitempty"`
	TrackDirtyPages *bool  `json:"track_dirty_pages,omitempty"`
	HugePages       string `json:"huge_pages,omitempty"`
}

// BootSource points at the kernel image (and optional initrd) on the host.
type BootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	InitrdPath      string `json:"initrd_path,omitempty"`
	BootArgs        string `json:"boot_args,omitempty"`
}

// Drive attaches a host-backed block device to the guest.
type Drive struct {
	DriveID      string       `json:"drive_id"`
	PathOnHost   string       `json:"path_on_host"`
	IsRootDevice bool         `json:"is_root_device"`
	IsReadOnly   bool         `json:"is_read_only"`
	Partuuid     string       `json:"partuuid,omitempty"`
	CacheType    string       `json:"cache_type,omitempty"`
	IoEngine     string       `json:"io_engine,omitempty"`
	RateLimiter  *RateLimiter `json:"rate_limiter,omitempty"`
}

// PartialDrive updates the host path or rate limiter of an attached drive
// after boot.
type PartialDrive struct {
	DriveID     string       `json:"drive_id"`
	PathOnHost  string       `json:"path_on_host,omitempty"`
	RateLimiter *RateLimiter `json:"rate_limiter,omitempty"`
}

// NetworkInterface attaches a host tap device to the guest.
type NetworkInterface struct {
	IfaceID       string       `json:"iface_id"`
	HostDevName   string       `json:"host_dev_name"`
	GuestMac      string       `json:"guest_mac,omitempty"`
	RxRateLimiter *RateLimiter `json:"rx_rate_limiter,omitempty"`
	TxRateLimiter *RateLimiter `json:"tx_rate_limiter,omitempty"`
}

// PartialNetworkInterface updates the rate limiters of an attached interface
// after boot.
type PartialNetworkInterface struct {
	IfaceID       string       `json:"iface_id"`
	RxRateLimiter *RateLimiter `json:"rx_rate_limiter,omitempty"`
	TxRateLimiter *RateLimiter `json:"tx_rate_limiter,omitempty"`
}

// RateLimiter bounds I/O with independent bandwidth and operations token
// buckets. A nil bucket leaves that dimension unlimited.
type RateLimiter struct {
	Bandwidth *TokenBucket `json:"bandwidth,omitempty"`
	Ops       *TokenBucket `json:"ops,omitempty"`
}

// TokenBucket with a maximum capacity, optional initial burst, and a refill
// interval in milliseconds.
type TokenBucket struct {
	Size         int64  `json:"size"`
	RefillTime   int64  `json:"refill_time"`
	OneTimeBurst *int64 `json:"one_time_burst,omitempty"`
}

// Balloon device configuration.
type Balloon struct {
	AmountMib             int64  `json:"amount_mib"`
	DeflateOnOom          bool   `json:"deflate_on_oom"`
	StatsPollingIntervalS *int64 `json:"stats_polling_interval_s,omitempty"`
}

// BalloonUpdate changes the balloon target size after boot.
type BalloonUpdate struct {
	AmountMib int64 `json:"amount_mib"`
}

// BalloonStats as reported by the balloon device.
type BalloonStats struct {
	TargetPages     int64  `json:"target_pages"`
	ActualPages     int64  `json:"actual_pages"`
	TargetMib       int64  `json:"target_mib"`
	ActualMib       int64  `json:"actual_mib"`
	SwapIn          *int64 `json:"swap_in,omitempty"`
	SwapOut         *int64 `json:"swap_out,omitempty"`
	MajorFaults     *int64 `json:"major_faults,omitempty"`
	MinorFaults     *int64 `json:"minor_faults,omitempty"`
	FreeMemory      *int64 `json:"free_memory,omitempty"`
	TotalMemory     *int64 `json:"total_memory,omitempty"`
	AvailableMemory *int64 `json:"available_memory,omitempty"`
}

// Vsock defines a virtio-vsock device backed by a host unix socket.
type Vsock struct {
	GuestCID int64  `json:"guest_cid"`
	UdsPath  string `json:"uds_path"`
}

// EntropyDevice defines a virtio-rng device.
type EntropyDevice struct {
	RateLimiter *RateLimiter `json:"rate_limiter,omitempty"`
}

// Logger configures the hypervisor's own log output. LogPath may be a named
// pipe; see vm.WithLogFifo.
type Logger struct {
	LogPath       string `json:"log_path,omitempty"`
	Level         string `json:"level,omitempty"`
	ShowLevel     *bool  `json:"show_level,omitempty"`
	ShowLogOrigin *bool  `json:"show_log_origin,omitempty"`
	Module        string `json:"module,omitempty"`
}

// Metrics configures the path the hypervisor flushes JSON metrics to.
type Metrics struct {
	MetricsPath string `json:"metrics_path"`
}

// MmdsConfig configures the microVM metadata service.
type MmdsConfig struct {
	Version           string   `json:"version,omitempty"`
	NetworkInterfaces []string `json:"network_interfaces"`
	IPv4Address       string   `json:"ipv4_address,omitempty"`
}

// InstanceActionInfo wraps a guest action request.
type InstanceActionInfo struct {
	ActionType string `json:"action_type"`
}

// Guest action types accepted by the actions endpoint.
const (
	ActionInstanceStart  = "InstanceStart"
	ActionSendCtrlAltDel = "SendCtrlAltDel"
	ActionFlushMetrics   = "FlushMetrics"
)

// InstanceInfo describes the hypervisor-side view of the instance.
type InstanceInfo struct {
	AppName    string `json:"app_name"`
	ID         string `json:"id"`
	State      string `json:"state"`
	VmmVersion string `json:"vmm_version"`
}

// Instance states reported in InstanceInfo.
const (
	InstanceStateNotStarted = "Not started"
	InstanceStateRunning    = "Running"
	InstanceStatePaused     = "Paused"
)

// VM is the body of a PATCH /vm request toggling the paused state.
type VM struct {
	State string `json:"state"`
}

// States accepted by PATCH /vm.
const (
	VMStatePaused  = "Paused"
	VMStateResumed = "Resumed"
)

// SnapshotCreateParams requests a snapshot of a paused microVM.
type SnapshotCreateParams struct {
	SnapshotType string `json:"snapshot_type,omitempty"`
	SnapshotPath string `json:"snapshot_path"`
	MemFilePath  string `json:"mem_file_path"`
}

// MemoryBackend selects how guest memory is restored on snapshot load.
type MemoryBackend struct {
	BackendType string `json:"backend_type"`
	BackendPath string `json:"backend_path"`
}

// SnapshotLoadParams restores a microVM from a snapshot.
type SnapshotLoadParams struct {
	SnapshotPath        string         `json:"snapshot_path"`
	MemBackend          *MemoryBackend `json:"mem_backend,omitempty"`
	EnableDiffSnapshots bool           `json:"enable_diff_snapshots,omitempty"`
	ResumeVM            bool           `json:"resume_vm,omitempty"`
}

// FirecrackerVersion is the response of the version endpoint.
type FirecrackerVersion struct {
	FirecrackerVersion string `json:"firecracker_version"`
}

// FullVMConfiguration is the hypervisor's complete view of the configured
// microVM, as returned by GET /vm/config.
type FullVMConfiguration struct {
	MachineConfig     *MachineConfig     `json:"machine-config,omitempty"`
	BootSource        *BootSource        `json:"boot-source,omitempty"`
	Drives            []Drive            `json:"drives,omitempty"`
	NetworkInterfaces []NetworkInterface `json:"network-interfaces,omitempty"`
	Balloon           *Balloon           `json:"balloon,omitempty"`
	Vsock             *Vsock             `json:"vsock,omitempty"`
	Logger            *Logger            `json:"logger,omitempty"`
	Metrics           *Metrics           `json:"metrics,omitempty"`
	MmdsConfig        *MmdsConfig        `json:"mmds-config,omitempty"`
	Entropy           *EntropyDevice     `json:"entropy,omitempty"`
}

// apiFault is the error body returned by the hypervisor on non-2xx responses.
type apiFault struct {
	FaultMessage string `json:"fault_message"`
}
