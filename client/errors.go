package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// FaultClass distinguishes requests the hypervisor rejected from requests it
// failed to serve.
type FaultClass int

const (
	// ClientFault covers 4xx responses: the request itself was invalid.
	ClientFault FaultClass = iota
	// ServerFault covers 5xx responses: the hypervisor could not act on an
	// otherwise valid request.
	ServerFault
)

func (c FaultClass) String() string {
	if c == ClientFault {
		return "client fault"
	}
	return "server fault"
}

// APIError is a structured rejection from the control API.
type APIError struct {
	// StatusCode is the HTTP status the hypervisor answered with.
	StatusCode int
	// Class is derived from the status code.
	Class FaultClass
	// FaultMessage is the machine-readable fault description from the
	// response body, empty if the body could not be parsed.
	FaultMessage string
}

func (e *APIError) Error() string {
	if e.FaultMessage == "" {
		return fmt.Sprintf("api %s (status %d)", e.Class, e.StatusCode)
	}
	return fmt.Sprintf("api %s (status %d): %s", e.Class, e.StatusCode, e.FaultMessage)
}

// Unwrap maps the fault onto errdefs sentinels so callers can classify
// without inspecting status codes.
func (e *APIError) Unwrap() error {
	switch {
	case isAlreadyBooted(e):
		return errdefs.ErrConflict
	case e.Class == ClientFault:
		return errdefs.ErrInvalidArgument
	default:
		return errdefs.ErrInternal
	}
}

var (
	// ErrDisconnected is returned by every call on a transport whose
	// connection was lost. The transport never reconnects; the owning
	// instance must be recreated.
	ErrDisconnected = fmt.Errorf("control channel disconnected: %w", errdefs.ErrUnavailable)

	// ErrAlreadyBooted is surfaced when InstanceStart is issued against a
	// microVM that already booted.
	ErrAlreadyBooted = fmt.Errorf("microVM already booted: %w", errdefs.ErrConflict)
)

// isAlreadyBooted matches the fault message the hypervisor emits when the
// start action is repeated. The message text is version-dependent, so the
// match is deliberately loose.
func isAlreadyBooted(e *APIError) bool {
	msg := strings.ToLower(e.FaultMessage)
	return e.Class == ClientFault &&
		(strings.Contains(msg, "already started") || strings.Contains(msg, "already booted"))
}

// IsAlreadyBooted reports whether err is the hypervisor's rejection of a
// duplicate boot action.
func IsAlreadyBooted(err error) bool {
	if errors.Is(err, ErrAlreadyBooted) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && isAlreadyBooted(apiErr)
}
