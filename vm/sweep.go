package vm

import (
	"context"
	"errors"
	"os"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/aledbf/firebox/store"
)

// SweepResult reports what a registry sweep found and removed.
type SweepResult struct {
	// Alive holds records whose hypervisor process is still running.
	Alive []*store.InstanceRecord
	// Removed holds records whose process is gone and whose leftovers
	// were cleaned up.
	Removed []*store.InstanceRecord
}

// Sweep walks the registry and reaps instances whose hypervisor process no
// longer exists: their socket and state directory are removed and the
// record deleted. Records with a live process are left alone and returned
// so the caller can decide what to do with them.
func Sweep(ctx context.Context, reg *store.Registry) (*SweepResult, error) {
	recs, err := reg.List(ctx)
	if err != nil {
		return nil, err
	}

	res := &SweepResult{}
	var errs []error
	for _, rec := range recs {
		if processAlive(rec.Pid) {
			res.Alive = append(res.Alive, rec)
			continue
		}

		log.G(ctx).WithFields(log.Fields{
			"id":  rec.ID,
			"pid": rec.Pid,
		}).Info("vm: reaping dead instance")

		if rec.SocketPath != "" {
			if err := os.Remove(rec.SocketPath); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
		if rec.StateDir != "" {
			if err := os.RemoveAll(rec.StateDir); err != nil {
				errs = append(errs, err)
			}
		}
		if err := reg.Delete(ctx, rec.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Removed = append(res.Removed, rec)
	}
	return res, errors.Join(errs...)
}

// processAlive reports whether a process with the given pid exists. Signal 0
// performs the permission and existence checks without delivering anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, unix.EPERM)
}
