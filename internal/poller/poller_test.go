package poller

import (
	"testing"

	"github.com/yuuki/ubft-rdma-core/internal/identifier"
	"github.com/yuuki/ubft-rdma-core/internal/rdmaerr"
	"github.com/yuuki/ubft-rdma-core/internal/verbs"
	"github.com/yuuki/ubft-rdma-core/internal/verbs/sim"
)

type testKind uint8

const (
	kindA testKind = iota
	kindB
	kindC
)

func newTestManager(t *testing.T, depth int) (*Manager[testKind, uint, uint], verbs.CompletionQueue) {
	t.Helper()
	packer, err := identifier.NewPacker[testKind, uint, uint](kindC, 8)
	if err != nil {
		t.Fatalf("NewPacker: %v", err)
	}
	vctx := sim.NewContext("sim0")
	cq, err := vctx.CreateCQ(depth)
	if err != nil {
		t.Fatalf("CreateCQ: %v", err)
	}
	return NewManager(cq, packer), cq
}

func push(t *testing.T, cq verbs.CompletionQueue, packer interface {
	Pack(testKind, uint, uint) (uint64, error)
}, kind testKind, peer, seq uint) {
	t.Helper()
	wrID, err := packer.Pack(kind, peer, seq)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if err := sim.PushCQ(cq, verbs.WorkCompletion{WrID: wrID}); err != nil {
		t.Fatalf("PushCQ: %v", err)
	}
}

func registerThreeKinds(t *testing.T, m *Manager[testKind, uint, uint]) {
	t.Helper()
	for _, k := range []testKind{kindA, kindB, kindC} {
		if err := m.RegisterContext(k); err != nil {
			t.Fatalf("RegisterContext(%v): %v", k, err)
		}
	}
	if err := m.EndRegistrations(3); err != nil {
		t.Fatalf("EndRegistrations: %v", err)
	}
}

func TestRegisterContextRejectsDuplicate(t *testing.T) {
	m, _ := newTestManager(t, 512)
	if err := m.RegisterContext(kindA); err != nil {
		t.Fatalf("RegisterContext: %v", err)
	}
	if err := m.RegisterContext(kindA); !rdmaerr.Is(err, rdmaerr.Config) {
		t.Fatalf("expected Config error on duplicate registration, got %v", err)
	}
}

func TestEndRegistrationsRejectsCountMismatch(t *testing.T) {
	m, _ := newTestManager(t, 512)
	if err := m.RegisterContext(kindA); err != nil {
		t.Fatalf("RegisterContext: %v", err)
	}
	if err := m.EndRegistrations(2); !rdmaerr.Is(err, rdmaerr.Config) {
		t.Fatalf("expected Config error on count mismatch, got %v", err)
	}
}

func TestGetRejectsUnfrozenManager(t *testing.T) {
	m, _ := newTestManager(t, 512)
	if err := m.RegisterContext(kindA); err != nil {
		t.Fatalf("RegisterContext: %v", err)
	}
	if _, err := m.Get(kindA); !rdmaerr.Is(err, rdmaerr.NotFound) {
		t.Fatalf("expected NotFound before EndRegistrations, got %v", err)
	}
}

func TestGetRejectsUnregisteredKind(t *testing.T) {
	m, _ := newTestManager(t, 512)
	registerThreeKinds(t, m)
	if _, err := m.Get(testKind(99)); !rdmaerr.Is(err, rdmaerr.NotFound) {
		t.Fatalf("expected NotFound for unregistered kind, got %v", err)
	}
}

// TestThreeKindInterleave drains a three-kind interleaved stream,
// completions arriving in two waves rather than all at once, one
// kind's poller at a time. It reproduces the worked example of A, B,
// and C consumers sharing completions tagged [A1, B2, C3, A4, B5]:
// A's first call (capacity 2) returns [A1], its second returns [];
// B's first call (capacity 3) returns [B2, B5] in one call (B2 served
// from holdover, B5 found by topping up the remaining capacity with a
// raw poll), its second returns []; C's first call (capacity 2)
// returns [C3], its second returns []. A third call on A then drains
// the A4 left in its holdover, confirming nothing was dropped.
func TestThreeKindInterleave(t *testing.T) {
	m, cq := newTestManager(t, 512)
	registerThreeKinds(t, m)
	packer, err := identifier.NewPacker[testKind, uint, uint](kindC, 8)
	if err != nil {
		t.Fatalf("NewPacker: %v", err)
	}

	pollerA, err := m.Get(kindA)
	if err != nil {
		t.Fatalf("Get(A): %v", err)
	}
	pollerB, err := m.Get(kindB)
	if err != nil {
		t.Fatalf("Get(B): %v", err)
	}
	pollerC, err := m.Get(kindC)
	if err != nil {
		t.Fatalf("Get(C): %v", err)
	}

	// First wave: A1, B2. A's first call raw-polls both; only A1
	// matches, B2 is set aside in its holdover FIFO.
	push(t, cq, packer, kindA, 1, 1)
	push(t, cq, packer, kindB, 2, 2)

	out := make([]verbs.WorkCompletion, 2)
	n, err := pollerA.Poll(out)
	if err != nil {
		t.Fatalf("A.Poll (1st): %v", err)
	}
	if n != 1 {
		t.Fatalf("A.Poll (1st) n = %d, want 1", n)
	}
	if _, peer, seq := packer.UnpackAll(out[0].WrID); peer != 1 || seq != 1 {
		t.Fatalf("A.Poll (1st) entry = (peer=%d,seq=%d), want (1,1)", peer, seq)
	}

	// Second wave: just C3. A's holdover is empty, so A's second call
	// raw-polls for up to 2 more but only C3 has arrived so far; C3 is
	// set aside for C and nothing matches A.
	push(t, cq, packer, kindC, 3, 3)

	n, err = pollerA.Poll(out)
	if err != nil {
		t.Fatalf("A.Poll (2nd): %v", err)
	}
	if n != 0 {
		t.Fatalf("A.Poll (2nd) n = %d, want 0", n)
	}

	// Third wave: A4, B5. B's holdover already has B2 from the first
	// wave; the fast path serves it, and since that doesn't fill the
	// requested capacity of 3, a supplemental raw poll for the
	// remaining 2 slots finds A4 (set aside for A) and B5 (matches),
	// delivering both B completions in this one call.
	push(t, cq, packer, kindA, 4, 4)
	push(t, cq, packer, kindB, 5, 5)

	outB := make([]verbs.WorkCompletion, 3)
	n, err = pollerB.Poll(outB)
	if err != nil {
		t.Fatalf("B.Poll (1st): %v", err)
	}
	if n != 2 {
		t.Fatalf("B.Poll (1st) n = %d, want 2", n)
	}
	if _, peer, seq := packer.UnpackAll(outB[0].WrID); peer != 2 || seq != 2 {
		t.Fatalf("B.Poll (1st) first entry = (peer=%d,seq=%d), want (2,2)", peer, seq)
	}
	if _, peer, seq := packer.UnpackAll(outB[1].WrID); peer != 5 || seq != 5 {
		t.Fatalf("B.Poll (1st) second entry = (peer=%d,seq=%d), want (5,5)", peer, seq)
	}

	// B's holdover and the raw queue are both now empty.
	n, err = pollerB.Poll(outB)
	if err != nil {
		t.Fatalf("B.Poll (2nd): %v", err)
	}
	if n != 0 {
		t.Fatalf("B.Poll (2nd) n = %d, want 0", n)
	}

	// C's holdover has the entry set aside during A's second call.
	outC := make([]verbs.WorkCompletion, 2)
	n, err = pollerC.Poll(outC)
	if err != nil {
		t.Fatalf("C.Poll (1st): %v", err)
	}
	if n != 1 {
		t.Fatalf("C.Poll (1st) n = %d, want 1", n)
	}
	if _, peer, seq := packer.UnpackAll(outC[0].WrID); peer != 3 || seq != 3 {
		t.Fatalf("C.Poll (1st) entry = (peer=%d,seq=%d), want (3,3)", peer, seq)
	}

	n, err = pollerC.Poll(outC)
	if err != nil {
		t.Fatalf("C.Poll (2nd): %v", err)
	}
	if n != 0 {
		t.Fatalf("C.Poll (2nd) n = %d, want 0", n)
	}

	// Nothing was dropped: A4, set aside in A's holdover during B's
	// first call, is still there waiting to be drained.
	n, err = pollerA.Poll(out)
	if err != nil {
		t.Fatalf("A.Poll (3rd): %v", err)
	}
	if n != 1 {
		t.Fatalf("A.Poll (3rd) n = %d, want 1", n)
	}
	if _, peer, seq := packer.UnpackAll(out[0].WrID); peer != 4 || seq != 4 {
		t.Fatalf("A.Poll (3rd) entry = (peer=%d,seq=%d), want (4,4)", peer, seq)
	}
}

func TestHoldoverPreservesPerKindOrder(t *testing.T) {
	m, cq := newTestManager(t, 512)
	registerThreeKinds(t, m)
	packer, err := identifier.NewPacker[testKind, uint, uint](kindC, 8)
	if err != nil {
		t.Fatalf("NewPacker: %v", err)
	}

	push(t, cq, packer, kindB, 1, 10)
	push(t, cq, packer, kindB, 2, 11)
	push(t, cq, packer, kindA, 3, 12)

	pollerA, err := m.Get(kindA)
	if err != nil {
		t.Fatalf("Get(A): %v", err)
	}
	out := make([]verbs.WorkCompletion, 3)
	n, err := pollerA.Poll(out)
	if err != nil {
		t.Fatalf("A.Poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("A.Poll n = %d, want 1", n)
	}

	pollerB, err := m.Get(kindB)
	if err != nil {
		t.Fatalf("Get(B): %v", err)
	}
	outB := make([]verbs.WorkCompletion, 3)
	n, err = pollerB.Poll(outB)
	if err != nil {
		t.Fatalf("B.Poll: %v", err)
	}
	if n != 2 {
		t.Fatalf("B.Poll n = %d, want 2", n)
	}
	if _, _, seq0 := packer.UnpackAll(outB[0].WrID); seq0 != 10 {
		t.Fatalf("B.Poll out-of-order: first seq = %d, want 10", seq0)
	}
	if _, _, seq1 := packer.UnpackAll(outB[1].WrID); seq1 != 11 {
		t.Fatalf("B.Poll out-of-order: second seq = %d, want 11", seq1)
	}
}
