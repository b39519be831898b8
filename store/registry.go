package store

import (
	"context"
	"fmt"
	"time"
)

const instancesBucket = "instances"

// InstanceRecord is the persisted shape of a running (or once-running)
// microVM: enough to reconnect to its API socket or clean up after it.
type InstanceRecord struct {
	ID         string    `json:"id"`
	Pid        int       `json:"pid"`
	SocketPath string    `json:"socket_path"`
	StateDir   string    `json:"state_dir"`
	State      string    `json:"state"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Registry tracks instances spawned by this host across process restarts.
type Registry struct {
	store *Store[InstanceRecord]
}

// OpenRegistry opens the registry database at dbPath.
func OpenRegistry(dbPath string) (*Registry, error) {
	s, err := Open[InstanceRecord](dbPath, instancesBucket)
	if err != nil {
		return nil, fmt.Errorf("open instance registry: %w", err)
	}
	return &Registry{store: s}, nil
}

// Put records the instance, stamping UpdatedAt.
func (r *Registry) Put(ctx context.Context, rec *InstanceRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("instance record has no id")
	}
	rec.UpdatedAt = time.Now().UTC()
	return r.store.Set(ctx, rec.ID, rec)
}

// Get retrieves a record by instance id, ErrNotFound when absent.
func (r *Registry) Get(ctx context.Context, id string) (*InstanceRecord, error) {
	return r.store.Get(ctx, id)
}

// Delete removes a record by instance id.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, id)
}

// List returns all known records.
func (r *Registry) List(ctx context.Context) ([]*InstanceRecord, error) {
	var out []*InstanceRecord
	err := r.store.Scan(ctx, "", func(_ string, rec *InstanceRecord) error {
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the registry database.
func (r *Registry) Close() error {
	return r.store.Close()
}
