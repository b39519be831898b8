package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/containerd/log"
)

// Client is the typed request/response layer over a Transport. All methods
// are synchronous and safe for concurrent use; the underlying transport
// serializes them onto the single connection.
type Client struct {
	transport *Transport
}

// New wraps an existing transport.
func New(transport *Transport) *Client {
	return &Client{transport: transport}
}

// Transport exposes the underlying transport, mainly so the owning instance
// can latch the disconnected state on process exit.
func (c *Client) Transport() *Transport {
	return c.transport
}

// do builds a request, sends it, and maps the response. A non-nil out is
// decoded from a 2xx body; non-2xx responses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = bytes.NewReader(data)
	}

	// The host is ignored by the unix dialer but required by net/http.
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, payload)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.transport.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			// Drain so the connection can be reused.
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Class: ServerFault}
	if resp.StatusCode < 500 {
		apiErr.Class = ClientFault
	}

	var fault apiFault
	if err := json.NewDecoder(resp.Body).Decode(&fault); err == nil {
		apiErr.FaultMessage = fault.FaultMessage
	}

	log.G(ctx).WithFields(log.Fields{
		"method": method,
		"path":   path,
		"status": resp.StatusCode,
		"fault":  apiErr.FaultMessage,
	}).Debug("client: api request rejected")

	if isAlreadyBooted(apiErr) {
		return fmt.Errorf("%s %s: %w", method, path, ErrAlreadyBooted)
	}
	return fmt.Errorf("%s %s: %w", method, path, apiErr)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) put(ctx context.Context, path string, body any) error {
	return c.do(ctx, http.MethodPut, path, body, nil)
}

func (c *Client) patch(ctx context.Context, path string, body any) error {
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

// GetInstanceInfo returns the hypervisor's view of the instance.
func (c *Client) GetInstanceInfo(ctx context.Context) (*InstanceInfo, error) {
	var info InstanceInfo
	if err := c.get(ctx, "/", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetVersion returns the hypervisor build version.
func (c *Client) GetVersion(ctx context.Context) (*FirecrackerVersion, error) {
	var v FirecrackerVersion
	if err := c.get(ctx, "/version", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetMachineConfig returns the current machine configuration.
func (c *Client) GetMachineConfig(ctx context.Context) (*MachineConfig, error) {
	var mc MachineConfig
	if err := c.get(ctx, "/machine-config", &mc); err != nil {
		return nil, err
	}
	return &mc, nil
}

// GetFullVMConfig returns the complete configuration the hypervisor holds.
func (c *Client) GetFullVMConfig(ctx context.Context) (*FullVMConfiguration, error) {
	var cfg FullVMConfiguration
	if err := c.get(ctx, "/vm/config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PutMachineConfig submits the machine configuration. Pre-boot only.
func (c *Client) PutMachineConfig(ctx context.Context, cfg *MachineConfig) error {
	return c.put(ctx, "/machine-config", cfg)
}

// PatchMachineConfig updates parts of the machine configuration pre-boot.
func (c *Client) PatchMachineConfig(ctx context.Context, cfg *MachineConfig) error {
	return c.patch(ctx, "/machine-config", cfg)
}

// PutBootSource submits the kernel/initrd boot source. Pre-boot only.
func (c *Client) PutBootSource(ctx context.Context, src *BootSource) error {
	return c.put(ctx, "/boot-source", src)
}

// PutDrive attaches or replaces a drive by id. Idempotent per id.
func (c *Client) PutDrive(ctx context.Context, drive *Drive) error {
	return c.put(ctx, "/drives/"+url.PathEscape(drive.DriveID), drive)
}

// PatchDrive updates a drive after boot.
func (c *Client) PatchDrive(ctx context.Context, drive *PartialDrive) error {
	return c.patch(ctx, "/drives/"+url.PathEscape(drive.DriveID), drive)
}

// PutNetworkInterface attaches or replaces a network interface by id.
// Idempotent per id.
func (c *Client) PutNetworkInterface(ctx context.Context, iface *NetworkInterface) error {
	return c.put(ctx, "/network-interfaces/"+url.PathEscape(iface.IfaceID), iface)
}

// PatchNetworkInterface updates an interface's rate limiters after boot.
func (c *Client) PatchNetworkInterface(ctx context.Context, iface *PartialNetworkInterface) error {
	return c.patch(ctx, "/network-interfaces/"+url.PathEscape(iface.IfaceID), iface)
}

// PutGuestAction sends a guest action. The boot action is not idempotent:
// repeating it yields ErrAlreadyBooted.
func (c *Client) PutGuestAction(ctx context.Context, actionType string) error {
	return c.put(ctx, "/actions", &InstanceActionInfo{ActionType: actionType})
}

// PatchVM pauses or resumes the running microVM.
func (c *Client) PatchVM(ctx context.Context, state string) error {
	return c.patch(ctx, "/vm", &VM{State: state})
}

// PutLogger configures the hypervisor log output. Pre-boot only.
func (c *Client) PutLogger(ctx context.Context, logger *Logger) error {
	return c.put(ctx, "/logger", logger)
}

// PutMetrics configures the metrics sink. Pre-boot only.
func (c *Client) PutMetrics(ctx context.Context, metrics *Metrics) error {
	return c.put(ctx, "/metrics", metrics)
}

// PutBalloon configures the balloon device. Pre-boot only.
func (c *Client) PutBalloon(ctx context.Context, balloon *Balloon) error {
	return c.put(ctx, "/balloon", balloon)
}

// PatchBalloon resizes the balloon after boot.
func (c *Client) PatchBalloon(ctx context.Context, update *BalloonUpdate) error {
	return c.patch(ctx, "/balloon", update)
}

// GetBalloonStats returns balloon statistics, if polling is enabled.
func (c *Client) GetBalloonStats(ctx context.Context) (*BalloonStats, error) {
	var stats BalloonStats
	if err := c.get(ctx, "/balloon/statistics", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// PutVsock configures the vsock device. Pre-boot only.
func (c *Client) PutVsock(ctx context.Context, vsock *Vsock) error {
	return c.put(ctx, "/vsock", vsock)
}

// PutEntropy configures the entropy device. Pre-boot only.
func (c *Client) PutEntropy(ctx context.Context, device *EntropyDevice) error {
	return c.put(ctx, "/entropy", device)
}

// PutMmds replaces the metadata store contents.
func (c *Client) PutMmds(ctx context.Context, contents map[string]any) error {
	return c.put(ctx, "/mmds", contents)
}

// PatchMmds merges into the metadata store contents.
func (c *Client) PatchMmds(ctx context.Context, contents map[string]any) error {
	return c.patch(ctx, "/mmds", contents)
}

// GetMmds returns the metadata store contents.
func (c *Client) GetMmds(ctx context.Context) (map[string]any, error) {
	var contents map[string]any
	if err := c.get(ctx, "/mmds", &contents); err != nil {
		return nil, err
	}
	return contents, nil
}

// PutMmdsConfig configures the metadata service. Pre-boot only.
func (c *Client) PutMmdsConfig(ctx context.Context, cfg *MmdsConfig) error {
	return c.put(ctx, "/mmds/config", cfg)
}

// CreateSnapshot snapshots a paused microVM.
func (c *Client) CreateSnapshot(ctx context.Context, params *SnapshotCreateParams) error {
	return c.put(ctx, "/snapshot/create", params)
}

// LoadSnapshot restores a microVM from a snapshot. Pre-boot only.
func (c *Client) LoadSnapshot(ctx context.Context, params *SnapshotLoadParams) error {
	return c.put(ctx, "/snapshot/load", params)
}
