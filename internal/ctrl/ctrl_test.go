package ctrl

import (
	"context"
	"testing"

	"github.com/yuuki/ubft-rdma-core/internal/rdmaerr"
	"github.com/yuuki/ubft-rdma-core/internal/verbs"
	"github.com/yuuki/ubft-rdma-core/internal/verbs/sim"
)

func newTestControlBlock(t *testing.T) *ControlBlock {
	t.Helper()
	vctx := sim.NewContext("sim0")
	port, err := ResolvePort(context.Background(), vctx, "sim0", 0, verbs.LinkLayerUnspecified)
	if err != nil {
		t.Fatalf("ResolvePort: %v", err)
	}
	return New(vctx, port)
}

func TestResolvePortBindsFirstActivePort(t *testing.T) {
	vctx := sim.NewContext("sim0")
	port, err := ResolvePort(context.Background(), vctx, "sim0", 0, verbs.LinkLayerUnspecified)
	if err != nil {
		t.Fatalf("ResolvePort: %v", err)
	}
	if port.PortID != 1 {
		t.Errorf("PortID = %d, want 1", port.PortID)
	}
}

func TestResolvePortRejectsWrongLinkLayer(t *testing.T) {
	vctx := sim.NewContext("sim0")
	_, err := ResolvePort(context.Background(), vctx, "sim0", 0, verbs.LinkLayerInfiniBand)
	if !rdmaerr.Is(err, rdmaerr.Resource) {
		t.Fatalf("expected Resource error, got %v", err)
	}
}

func TestResolvePortRejectsOutOfRangeIndex(t *testing.T) {
	vctx := sim.NewContext("sim0")
	_, err := ResolvePort(context.Background(), vctx, "sim0", 5, verbs.LinkLayerUnspecified)
	if !rdmaerr.Is(err, rdmaerr.Resource) {
		t.Fatalf("expected Resource error, got %v", err)
	}
}

func TestRegisterPdDuplicateName(t *testing.T) {
	cb := newTestControlBlock(t)
	if err := cb.RegisterPd("primary"); err != nil {
		t.Fatalf("RegisterPd: %v", err)
	}
	if err := cb.RegisterPd("primary"); !rdmaerr.Is(err, rdmaerr.Config) {
		t.Fatalf("expected Config error on duplicate, got %v", err)
	}
}

func TestPdNotFound(t *testing.T) {
	cb := newTestControlBlock(t)
	if _, err := cb.Pd("missing"); !rdmaerr.Is(err, rdmaerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRegisterMrFullRoundTrip(t *testing.T) {
	cb := newTestControlBlock(t)
	if err := cb.RegisterPd("primary"); err != nil {
		t.Fatalf("RegisterPd: %v", err)
	}
	if err := cb.AllocateBuffer("buf", 4096); err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	if err := cb.RegisterMrFull("mr", "primary", "buf", verbs.AccessLocalWrite); err != nil {
		t.Fatalf("RegisterMrFull: %v", err)
	}
	mr, err := cb.Mr("mr")
	if err != nil {
		t.Fatalf("Mr: %v", err)
	}
	if mr.Size() != 4096 {
		t.Errorf("Size() = %d, want 4096", mr.Size())
	}
}

func TestRegisterMrRejectsOutOfRangeSlice(t *testing.T) {
	cb := newTestControlBlock(t)
	if err := cb.RegisterPd("primary"); err != nil {
		t.Fatalf("RegisterPd: %v", err)
	}
	if err := cb.AllocateBuffer("buf", 64); err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	if err := cb.RegisterMr("mr", "primary", "buf", 32, 64, verbs.AccessLocalWrite); !rdmaerr.Is(err, rdmaerr.Config) {
		t.Fatalf("expected Config error, got %v", err)
	}
}

func TestRegisterCqAndPoll(t *testing.T) {
	cb := newTestControlBlock(t)
	if err := cb.RegisterCq("main"); err != nil {
		t.Fatalf("RegisterCq: %v", err)
	}
	cq, err := cb.Cq("main")
	if err != nil {
		t.Fatalf("Cq: %v", err)
	}
	if err := sim.PushCQ(cq, verbs.WorkCompletion{WrID: 42}); err != nil {
		t.Fatalf("PushCQ: %v", err)
	}

	out := make([]verbs.WorkCompletion, 4)
	n, err := cb.PollCq("main", out)
	if err != nil {
		t.Fatalf("PollCq: %v", err)
	}
	if n != 1 || out[0].WrID != 42 {
		t.Fatalf("PollCq = %d, %+v, want one entry wr_id 42", n, out[:n])
	}
}

func TestAllocateDeviceMemoryUnsupported(t *testing.T) {
	cb := newTestControlBlock(t)
	if err := cb.AllocateDeviceMemory("scratch", 1024); !rdmaerr.Is(err, rdmaerr.Resource) {
		t.Fatalf("expected Resource error, got %v", err)
	}
}
