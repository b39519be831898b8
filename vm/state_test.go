package vm

import (
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateStrings(t *testing.T) {
	tests := map[State]string{
		StateCreated:     "created",
		StateConfiguring: "configuring",
		StateBooting:     "booting",
		StateRunning:     "running",
		StatePaused:      "paused",
		StateStopping:    "stopping",
		StateStopped:     "stopped",
		StateFailed:      "failed",
	}
	for state, want := range tests {
		assert.Equal(t, want, state.String())
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		ok   bool
	}{
		{"create to configure", StateCreated, StateConfiguring, true},
		{"configure to boot", StateConfiguring, StateBooting, true},
		{"boot to running", StateBooting, StateRunning, true},
		{"running to paused", StateRunning, StatePaused, true},
		{"paused to running", StatePaused, StateRunning, true},
		{"running to stopping", StateRunning, StateStopping, true},
		{"paused to stopping", StatePaused, StateStopping, true},
		{"stopping to stopped", StateStopping, StateStopped, true},
		{"running fails", StateRunning, StateFailed, true},
		{"created fails", StateCreated, StateFailed, true},

		{"skip configure", StateCreated, StateBooting, false},
		{"skip boot", StateConfiguring, StateRunning, false},
		{"pause before boot", StateBooting, StatePaused, false},
		{"stopped is terminal", StateStopped, StateRunning, false},
		{"failed is terminal", StateFailed, StateConfiguring, false},
		{"failed stays failed", StateFailed, StateFailed, false},
		{"no reboot", StateStopped, StateBooting, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, canTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateCreated, StateConfiguring, StateBooting, StateRunning, StatePaused, StateStopping} {
		assert.False(t, s.terminal(), s.String())
	}
	assert.True(t, StateStopped.terminal())
	assert.True(t, StateFailed.terminal())
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{Op: "pause", From: StateBooting, To: StatePaused}
	require.True(t, errdefs.IsFailedPrecondition(err))
	assert.Contains(t, err.Error(), "pause")
	assert.Contains(t, err.Error(), "booting")
	assert.Contains(t, err.Error(), "paused")
}
