package vm

import (
	"path/filepath"

	"github.com/google/uuid"

	"github.com/aledbf/firebox/config"
)

// NewFromConfig prepares an instance wired from the host configuration:
// binary discovery, state directory layout, and lifecycle timeouts all come
// from cfg. Explicit opts still win over configured values.
func NewFromConfig(cfg *config.Config, spec *Spec, opts ...Opt) (*Instance, error) {
	// Resolve the id up front so the configured state root can be laid out
	// per instance before New applies its temp-dir fallback.
	var probe options
	for _, opt := range opts {
		opt(&probe)
	}
	id := probe.id
	if id == "" {
		id = uuid.NewString()
	}

	base := []Opt{
		WithID(id),
		WithStateDir(filepath.Join(cfg.Paths.StateDir, "instances", id)),
		WithSocketWaitTimeout(cfg.Timeouts.GetSocketWait()),
		WithAPIRequestTimeout(cfg.Timeouts.GetAPIRequest()),
		WithDestroyGrace(cfg.Timeouts.GetShutdownGrace()),
	}
	return New(cfg.FirecrackerBinary(), spec, append(base, opts...)...)
}
