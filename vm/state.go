package vm

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// State is the lifecycle state of an Instance. Transitions are monotonic
// except Running ⇄ Paused; StateFailed is terminal and reachable from any
// non-terminal state.
type State uint32

const (
	// StateCreated: process spawned, control channel open, nothing
	// configured yet.
	StateCreated State = iota
	// StateConfiguring: configuration calls in flight.
	StateConfiguring
	// StateBooting: configuration accepted, boot not yet issued or still
	// in flight.
	StateBooting
	// StateRunning: the guest is executing.
	StateRunning
	// StatePaused: vCPUs stopped, resumable.
	StatePaused
	// StateStopping: graceful shutdown in progress.
	StateStopping
	// StateStopped: the guest exited and the process was reaped.
	StateStopped
	// StateFailed: a configuration call, boot, transport loss, or
	// unexpected process exit ended the instance. Terminal except for
	// Destroy.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfiguring:
		return "configuring"
	case StateBooting:
		return "booting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// terminal reports whether no further transitions except Destroy apply.
func (s State) terminal() bool {
	return s == StateStopped || s == StateFailed
}

// canTransition is the closed transition table. Keeping it a switch means a
// missing case is visible right here rather than scattered over callers.
func canTransition(from, to State) bool {
	if to == StateFailed {
		return !from.terminal()
	}

	switch from {
	case StateCreated:
		return to == StateConfiguring
	case StateConfiguring:
		return to == StateBooting
	case StateBooting:
		return to == StateRunning
	case StateRunning:
		return to == StatePaused || to == StateStopping
	case StatePaused:
		return to == StateRunning || to == StateStopping
	case StateStopping:
		return to == StateStopped
	case StateStopped, StateFailed:
		return false
	default:
		return false
	}
}

// InvalidTransitionError reports a lifecycle operation attempted from the
// wrong state.
type InvalidTransitionError struct {
	Op   string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s from state %q (would be %q)", e.Op, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return errdefs.ErrFailedPrecondition
}
