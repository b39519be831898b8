package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	socketPath := serveUnix(t, handler)
	return New(NewTransport(socketPath, time.Second))
}

func TestGetInstanceInfo(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/", r.URL.Path)
		fmt.Fprint(w, `{"id":"vm-1","state":"Running","vmm_version":"1.7.0","app_name":"Firecracker"}`)
	}))

	info, err := c.GetInstanceInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "vm-1", info.ID)
	assert.Equal(t, InstanceStateRunning, info.State)
	assert.Equal(t, "1.7.0", info.VmmVersion)
}

func TestPutMachineConfigWireFormat(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/machine-config", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))

	smt := true
	err := c.PutMachineConfig(context.Background(), &MachineConfig{
		VcpuCount:  2,
		MemSizeMib: 512,
		Smt:        &smt,
	})
	require.NoError(t, err)

	// Field names on the wire are snake_case.
	assert.Equal(t, float64(2), got["vcpu_count"])
	assert.Equal(t, float64(512), got["mem_size_mib"])
	assert.Equal(t, true, got["smt"])
	assert.NotContains(t, got, "cpu_template")
	assert.NotContains(t, got, "track_dirty_pages")
}

func TestDriveEndpointsUseID(t *testing.T) {
	var paths []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))

	ctx := context.Background()
	require.NoError(t, c.PutDrive(ctx, &Drive{DriveID: "rootfs", PathOnHost: "/img/root.ext4", IsRootDevice: true}))
	require.NoError(t, c.PatchDrive(ctx, &PartialDrive{DriveID: "rootfs", PathOnHost: "/img/new.ext4"}))
	require.NoError(t, c.PutNetworkInterface(ctx, &NetworkInterface{IfaceID: "eth0", HostDevName: "tap0"}))
	require.NoError(t, c.PatchNetworkInterface(ctx, &PartialNetworkInterface{IfaceID: "eth0"}))

	assert.Equal(t, []string{
		"PUT /drives/rootfs",
		"PATCH /drives/rootfs",
		"PUT /network-interfaces/eth0",
		"PATCH /network-interfaces/eth0",
	}, paths)
}

func TestActionAndVMState(t *testing.T) {
	var bodies []map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusNoContent)
	}))

	ctx := context.Background()
	require.NoError(t, c.PutGuestAction(ctx, ActionInstanceStart))
	require.NoError(t, c.PatchVM(ctx, VMStatePaused))

	require.Len(t, bodies, 2)
	assert.Equal(t, "InstanceStart", bodies[0]["action_type"])
	assert.Equal(t, "Paused", bodies[1]["state"])
}

func TestClientFaultMapping(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"fault_message":"The kernel file cannot be opened"}`)
	}))

	err := c.PutBootSource(context.Background(), &BootSource{KernelImagePath: "/nope"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, ClientFault, apiErr.Class)
	assert.Equal(t, "The kernel file cannot be opened", apiErr.FaultMessage)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestServerFaultMapping(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"fault_message":"Internal error"}`)
	}))

	err := c.PutGuestAction(context.Background(), ActionInstanceStart)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ServerFault, apiErr.Class)
	assert.True(t, errdefs.IsInternal(err))
}

func TestAlreadyBootedFault(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"fault_message":"The requested operation is not supported after starting the microVM: the instance already started"}`)
	}))

	err := c.PutGuestAction(context.Background(), ActionInstanceStart)
	require.Error(t, err)
	assert.True(t, IsAlreadyBooted(err))
	assert.True(t, errdefs.IsConflict(err))
}

func TestSnapshotEndpoints(t *testing.T) {
	var paths []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))

	ctx := context.Background()
	require.NoError(t, c.CreateSnapshot(ctx, &SnapshotCreateParams{
		SnapshotPath: "/snap/vmstate",
		MemFilePath:  "/snap/mem",
	}))
	require.NoError(t, c.LoadSnapshot(ctx, &SnapshotLoadParams{
		SnapshotPath: "/snap/vmstate",
		MemBackend:   &MemoryBackend{BackendType: "File", BackendPath: "/snap/mem"},
	}))

	assert.Equal(t, []string{"PUT /snapshot/create", "PUT /snapshot/load"}, paths)
}

func TestBalloonStats(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "GET /balloon/statistics", r.Method+" "+r.URL.Path)
		fmt.Fprint(w, `{"target_mib":256,"actual_mib":250}`)
	}))

	stats, err := c.GetBalloonStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(256), stats.TargetMib)
	assert.Equal(t, int64(250), stats.ActualMib)
}

func TestMmdsRoundTrip(t *testing.T) {
	var stored map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut, http.MethodPatch:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&stored))
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			require.NoError(t, json.NewEncoder(w).Encode(stored))
		}
	}))

	ctx := context.Background()
	require.NoError(t, c.PutMmds(ctx, map[string]any{"role": "worker"}))

	got, err := c.GetMmds(ctx)
	require.NoError(t, err)
	assert.Equal(t, "worker", got["role"])
}
