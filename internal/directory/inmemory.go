package directory

import (
	"context"
	"sync"

	"github.com/yuuki/ubft-rdma-core/internal/rdmaerr"
)

// InMemoryDirectory is a process-local Directory backed by a mutex
// protected map. It is the explicitly injected stand-in for a real
// store in tests and single-process deployments; unlike a package
// level map, it carries no state beyond its own lifetime and two
// processes never share one.
type InMemoryDirectory struct {
	mu      sync.Mutex
	entries map[string]string
	counts  map[string]uint64
}

// NewInMemoryDirectory returns an empty InMemoryDirectory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		entries: make(map[string]string),
		counts:  make(map[string]uint64),
	}
}

func (d *InMemoryDirectory) Announce(ctx context.Context, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[key]; ok {
		return rdmaerr.New(rdmaerr.Config, "directory.Announce", "key already exists: "+key)
	}
	d.entries[key] = value
	return nil
}

func (d *InMemoryDirectory) Resolve(ctx context.Context, key string) (string, error) {
	for {
		d.mu.Lock()
		value, ok := d.entries[key]
		d.mu.Unlock()
		if ok {
			return value, nil
		}
		if err := sleepOrDone(ctx, RetryInterval); err != nil {
			return "", err
		}
	}
}

// Barrier increments key's counter by exactly one, for this call, then
// polls the counter (without incrementing further) until it reaches n.
func (d *InMemoryDirectory) Barrier(ctx context.Context, key string, n uint64) error {
	d.mu.Lock()
	d.counts[key]++
	count := d.counts[key]
	d.mu.Unlock()

	for {
		if count > n {
			return rdmaerr.New(rdmaerr.Config, "directory.Barrier", "barrier count exceeded its target")
		}
		if count == n {
			return nil
		}
		if err := sleepOrDone(ctx, RetryInterval); err != nil {
			return err
		}
		d.mu.Lock()
		count = d.counts[key]
		d.mu.Unlock()
	}
}
