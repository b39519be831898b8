// Package client implements the HTTP-over-unix-socket control channel of a
// Firecracker-compatible hypervisor and a typed API on top of it.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/log"
)

const defaultRequestTimeout = 10 * time.Second

// Transport owns the single connection to a hypervisor's API socket. The
// protocol is strictly synchronous request/response, so the transport keeps
// exactly one connection and serializes requests on it.
//
// Once a request fails at the connection level the transport becomes sticky
// disconnected: the hypervisor process may be gone, and reconnecting to a
// stale socket path would attach to nothing. Every later call returns
// ErrDisconnected until a fresh Transport (and process) is created.
type Transport struct {
	socketPath string
	httpc      *http.Client

	// reqMu enforces one outstanding request at a time.
	reqMu        sync.Mutex
	disconnected atomic.Bool
}

// NewTransport creates a transport for the given unix socket path. The
// timeout bounds each individual request; zero selects a default.
func NewTransport(socketPath string, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	dialer := &net.Dialer{}
	return &Transport{
		socketPath: socketPath,
		httpc: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socketPath)
				},
				// One VM, one connection. The request/response protocol
				// has no multiplexing.
				MaxIdleConns:        1,
				MaxIdleConnsPerHost: 1,
				DisableCompression:  true,
			},
		},
	}
}

// SocketPath returns the unix socket path this transport dials.
func (t *Transport) SocketPath() string {
	return t.socketPath
}

// Connect verifies the socket accepts connections. The supervisor polls for
// the socket file before handing over, but file existence does not imply the
// listener is up yet.
func (t *Transport) Connect(ctx context.Context) error {
	if t.disconnected.Load() {
		return ErrDisconnected
	}

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", t.socketPath)
	if err != nil {
		return fmt.Errorf("connect %s: %w", t.socketPath, err)
	}
	return conn.Close()
}

// Do sends one request and returns the raw response. Callers own the body.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	if t.disconnected.Load() {
		return nil, ErrDisconnected
	}

	t.reqMu.Lock()
	defer t.reqMu.Unlock()

	// Re-check under the lock: a concurrent caller may have observed the
	// disconnect while we were waiting.
	if t.disconnected.Load() {
		return nil, ErrDisconnected
	}

	resp, err := t.httpc.Do(req)
	if err != nil {
		if isConnectionError(err) {
			t.markDisconnected(req.Context())
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, ErrDisconnected)
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// MarkDisconnected forces the transport into the disconnected state. The
// orchestrator calls this when it observes the hypervisor process exit so
// in-flight and future calls fail instead of hanging on a dead socket.
func (t *Transport) MarkDisconnected() {
	t.markDisconnected(context.Background())
}

// Disconnected reports whether the transport has latched the disconnected
// state.
func (t *Transport) Disconnected() bool {
	return t.disconnected.Load()
}

func (t *Transport) markDisconnected(ctx context.Context) {
	if t.disconnected.CompareAndSwap(false, true) {
		log.G(ctx).WithField("socket", t.socketPath).Debug("transport: connection lost, latching disconnected state")
		t.httpc.CloseIdleConnections()
	}
}

// isConnectionError reports whether err indicates the connection (or the
// peer) is gone, as opposed to a timeout, a malformed exchange, or a caller
// mistake. Timeouts do not latch the disconnected state: the process may
// simply be slow, and the caller decides whether to tear down.
func isConnectionError(err error) bool {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if uerr.Timeout() {
			return false
		}
		err = uerr.Err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}

	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ENOENT):
		return true
	}

	var operr *net.OpError
	return errors.As(err, &operr)
}
