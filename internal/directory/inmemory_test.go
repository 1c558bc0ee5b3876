package directory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/yuuki/ubft-rdma-core/internal/rdmaerr"
)

func TestAnnounceThenResolve(t *testing.T) {
	d := NewInMemoryDirectory()
	ctx := context.Background()

	if err := d.Announce(ctx, "PID-1", "host1:9000"); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	value, err := d.Resolve(ctx, "PID-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "host1:9000" {
		t.Fatalf("Resolve = %q, want %q", value, "host1:9000")
	}
}

func TestAnnounceRejectsDuplicateKey(t *testing.T) {
	d := NewInMemoryDirectory()
	ctx := context.Background()

	if err := d.Announce(ctx, "PID-1", "host1:9000"); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if err := d.Announce(ctx, "PID-1", "host2:9001"); !rdmaerr.Is(err, rdmaerr.Config) {
		t.Fatalf("expected Config error on duplicate key, got %v", err)
	}
}

func TestResolveWaitsForAnnounce(t *testing.T) {
	d := NewInMemoryDirectory()
	ctx := context.Background()

	go func() {
		time.Sleep(3 * RetryInterval)
		_ = d.Announce(ctx, "PID-2", "host2:9001")
	}()

	value, err := d.Resolve(ctx, "PID-2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "host2:9001" {
		t.Fatalf("Resolve = %q, want %q", value, "host2:9001")
	}
}

func TestResolveRespectsContextCancellation(t *testing.T) {
	d := NewInMemoryDirectory()
	ctx, cancel := context.WithTimeout(context.Background(), 2*RetryInterval)
	defer cancel()

	if _, err := d.Resolve(ctx, "PID-never-announced"); err == nil {
		t.Fatalf("expected Resolve to fail once the context is done")
	}
}

func TestBarrierReleasesOnceEveryoneArrives(t *testing.T) {
	d := NewInMemoryDirectory()
	ctx := context.Background()
	const n = 4

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.Barrier(ctx, "phase1", n)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("participant %d: Barrier: %v", i, err)
		}
	}
}

func TestBarrierSingleParticipant(t *testing.T) {
	d := NewInMemoryDirectory()
	ctx := context.Background()

	if err := d.Barrier(ctx, "solo", 1); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
}
