package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/containerd/fifo"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// fifoDrain pumps one named pipe written by the hypervisor (log or metrics
// sink) into a caller-supplied writer.
type fifoDrain struct {
	path string
	pipe io.ReadCloser
	done chan struct{}

	closeOnce sync.Once
}

// setupFifos creates the configured log/metrics pipes and starts draining
// them. The pipes must exist before Configure registers them with the
// hypervisor. Callers hold opMu.
func (i *Instance) setupFifos(ctx context.Context) error {
	type sink struct {
		name string
		path string
		w    io.Writer
	}
	sinks := []sink{
		{"log", i.opts.logFifoPath, i.opts.logFifoSink},
		{"metrics", i.opts.metricsFifoPath, i.opts.metricsFifoSink},
	}

	for _, s := range sinks {
		if s.path == "" {
			continue
		}
		d, err := newFifoDrain(ctx, s.path, s.w)
		if err != nil {
			return fmt.Errorf("create %s fifo: %w", s.name, err)
		}
		i.drains = append(i.drains, d)
		log.G(ctx).WithFields(log.Fields{
			"id":   i.id,
			"sink": s.name,
			"path": s.path,
		}).Debug("vm: draining hypervisor output")
	}
	return nil
}

func newFifoDrain(ctx context.Context, path string, w io.Writer) (*fifoDrain, error) {
	pipe, err := fifo.OpenFifo(ctx, path, unix.O_CREAT|unix.O_RDONLY|unix.O_NONBLOCK, 0o600)
	if err != nil {
		return nil, err
	}

	d := &fifoDrain{
		path: path,
		pipe: pipe,
		done: make(chan struct{}),
	}
	if w == nil {
		w = io.Discard
	}
	go func() {
		defer close(d.done)
		// Copy until the fifo is closed on teardown; a write-side close
		// by a crashing hypervisor ends the copy with EOF.
		if _, err := io.Copy(w, pipe); err != nil {
			log.G(ctx).WithError(err).WithField("fifo", path).Debug("vm: fifo drain ended")
		}
	}()
	return d, nil
}

func (d *fifoDrain) close(ctx context.Context) {
	d.closeOnce.Do(func() {
		if err := d.pipe.Close(); err != nil {
			log.G(ctx).WithError(err).WithField("fifo", d.path).Debug("vm: fifo close failed")
		}
		<-d.done
		if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
			log.G(ctx).WithError(err).WithField("fifo", d.path).Warn("vm: fifo remove failed")
		}
	})
}

// closeFifos stops the drains and removes the pipes. Safe to call multiple
// times and from the exit watcher.
func (i *Instance) closeFifos(ctx context.Context) {
	for _, d := range i.drains {
		d.close(ctx)
	}
}
