// Package poller multiplexes one shared completion queue across
// kind-tagged consumers without dropping, duplicating, or reordering
// completions within a kind.
//
// Each registered kind gets a ContextedPoller: calling it first drains
// anything already set aside for that kind (the "holdover" FIFO), and
// only falls back to polling the raw completion queue when the
// holdover is empty. Completions meant for other kinds are pushed onto
// their holdover FIFOs instead of being dropped.
//
// Per the upstream design, holdover FIFOs and the underlying
// completion queue are not mutex-protected: exactly one goroutine ("the
// owner") is expected to invoke a given kind's poller, and no two
// kinds' pollers may run concurrently over the shared queue. Only the
// one-time registration protocol is guarded by a mutex.
package poller

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/yuuki/ubft-rdma-core/internal/identifier"
	"github.com/yuuki/ubft-rdma-core/internal/rdmaerr"
	"github.com/yuuki/ubft-rdma-core/internal/verbs"
)

// Manager owns a shared completion queue and fans its completions out
// to one ContextedPoller per registered kind.
type Manager[K identifier.Kind, P identifier.Unsigned, S identifier.Unsigned] struct {
	cq     verbs.CompletionQueue
	packer *identifier.Packer[K, P, S]

	mu         sync.Mutex
	registered map[K]bool
	order      []K
	frozen     bool

	holdover  map[K][]verbs.WorkCompletion
	delivered map[K]*atomic.Uint64
}

// NewManager builds a Manager over cq, decoding work-request kinds with
// packer.
func NewManager[K identifier.Kind, P identifier.Unsigned, S identifier.Unsigned](cq verbs.CompletionQueue, packer *identifier.Packer[K, P, S]) *Manager[K, P, S] {
	return &Manager[K, P, S]{
		cq:         cq,
		packer:     packer,
		registered: make(map[K]bool),
		holdover:   make(map[K][]verbs.WorkCompletion),
		delivered:  make(map[K]*atomic.Uint64),
	}
}

// RegisterContext declares that kind will be consumed. It fails with a
// Config error (DoubleRegistration) if kind is already registered, or
// if registration has already been closed by EndRegistrations.
func (m *Manager[K, P, S]) RegisterContext(kind K) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return rdmaerr.New(rdmaerr.Config, "poller.RegisterContext", "registration is already closed")
	}
	if m.registered[kind] {
		return rdmaerr.New(rdmaerr.Config, "poller.RegisterContext", "kind already registered")
	}
	m.registered[kind] = true
	m.order = append(m.order, kind)
	m.holdover[kind] = nil
	m.delivered[kind] = &atomic.Uint64{}
	return nil
}

// EndRegistrations closes registration, asserting that exactly
// expectedCount kinds were registered. It fails with a Config error
// (RegistrationMismatch) otherwise.
func (m *Manager[K, P, S]) EndRegistrations(expectedCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return rdmaerr.New(rdmaerr.Config, "poller.EndRegistrations", "registration is already closed")
	}
	if len(m.registered) != expectedCount {
		return rdmaerr.New(rdmaerr.Config, "poller.EndRegistrations", "registered kind count does not match expected count")
	}
	m.frozen = true
	return nil
}

// Get returns the ContextedPoller bound to kind. It fails with a
// NotFound error if registration isn't closed yet or kind was never
// registered.
func (m *Manager[K, P, S]) Get(kind K) (*ContextedPoller[K, P, S], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.frozen {
		return nil, rdmaerr.New(rdmaerr.NotFound, "poller.Get", "registration is not closed yet")
	}
	if !m.registered[kind] {
		return nil, rdmaerr.New(rdmaerr.NotFound, "poller.Get", "kind was never registered")
	}
	return &ContextedPoller[K, P, S]{mgr: m, kind: kind}, nil
}

// ContextedPoller is the per-kind handle returned by Manager.Get. It is
// designed to be invoked by exactly one goroutine.
type ContextedPoller[K identifier.Kind, P identifier.Unsigned, S identifier.Unsigned] struct {
	mgr  *Manager[K, P, S]
	kind K
}

// Poll drains up to len(out) completions of this poller's kind into
// out, returning how many were written. It first serves from the
// holdover FIFO; if that doesn't fill out, it tops up the remaining
// capacity with a raw poll of the completion queue, routing mismatched
// completions onto the holdover FIFO of their own kind.
func (cp *ContextedPoller[K, P, S]) Poll(out []verbs.WorkCompletion) (int, error) {
	served := 0
	if hd := cp.mgr.holdover[cp.kind]; len(hd) > 0 {
		served = copy(out, hd)
		cp.mgr.holdover[cp.kind] = hd[served:]
	}
	if served == len(out) {
		cp.mgr.delivered[cp.kind].Add(uint64(served))
		return served, nil
	}

	remaining := out[served:]
	scratch := make([]verbs.WorkCompletion, len(remaining))
	n, err := cp.mgr.cq.Poll(scratch)
	if err != nil {
		if served > 0 {
			cp.mgr.delivered[cp.kind].Add(uint64(served))
		}
		return served, rdmaerr.Wrap(rdmaerr.IO, "poller.Poll", "raw completion queue poll failed", err)
	}

	written := served
	for i := 0; i < n; i++ {
		wc := scratch[i]
		k := cp.mgr.packer.UnpackKind(wc.WrID)
		if k == cp.kind {
			out[written] = wc
			written++
		} else {
			cp.mgr.holdover[k] = append(cp.mgr.holdover[k], wc)
		}
	}
	cp.mgr.delivered[cp.kind].Add(uint64(written))
	return written, nil
}

// HoldoverDepths reports, for each registered kind (rendered via
// fmt.Sprint), how many completions currently sit in that kind's
// holdover FIFO. Intended for metrics reporting; since Poll mutates
// the holdover map without synchronization by design (see the package
// doc), a concurrent call can observe a slightly stale snapshot.
func (m *Manager[K, P, S]) HoldoverDepths() map[string]int {
	m.mu.Lock()
	order := append([]K(nil), m.order...)
	m.mu.Unlock()

	depths := make(map[string]int, len(order))
	for _, k := range order {
		depths[fmt.Sprint(k)] = len(m.holdover[k])
	}
	return depths
}

// CompletionsDelivered reports, for each registered kind, the total
// number of completions ContextedPoller.Poll has handed back to a
// caller so far.
func (m *Manager[K, P, S]) CompletionsDelivered() map[string]uint64 {
	m.mu.Lock()
	order := append([]K(nil), m.order...)
	m.mu.Unlock()

	counts := make(map[string]uint64, len(order))
	for _, k := range order {
		counts[fmt.Sprint(k)] = m.delivered[k].Load()
	}
	return counts
}
