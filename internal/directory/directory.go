// Package directory implements the process directory: a small
// key-value store every process in a deployment uses to announce its
// own address and resolve its peers', plus a counting barrier used to
// synchronize startup across a cohort of processes.
//
// Keys are set once: announcing a key that already exists is an error,
// mirroring the external store's last-writer-wins semantics being
// deliberately not relied upon here. Resolving a key that doesn't exist
// yet polls every RetryInterval rather than failing immediately,
// since peers commonly race to announce and resolve each other.
package directory

import (
	"context"
	"time"

	"github.com/yuuki/ubft-rdma-core/internal/rdmaerr"
)

// RetryInterval is how often Resolve and Barrier poll the store while
// waiting for a key to appear or a counter to reach its target. 20ms
// mirrors the polling cadence of the source this package is modeled
// on.
const RetryInterval = 20 * time.Millisecond

// Directory is the process directory's interface: announce-once,
// resolve-with-retry, and a counting barrier.
type Directory interface {
	// Announce sets key to value. It fails with a Config error if key
	// already exists.
	Announce(ctx context.Context, key, value string) error
	// Resolve polls for key until it is set, or ctx is done.
	Resolve(ctx context.Context, key string) (string, error)
	// Barrier adds one to a named counter for this caller, then blocks
	// until the counter reaches n, i.e. until every participant has
	// arrived.
	Barrier(ctx context.Context, key string, n uint64) error
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return rdmaerr.Wrap(rdmaerr.IO, "directory", "context canceled while waiting", ctx.Err())
	}
}
