// Package sim implements a software-simulated verbs.Context good enough
// to exercise the control block, poller and RPC layers without real RDMA
// hardware. It allocates Go byte slices in place of pinned/registered
// memory and a channel-free bounded FIFO in place of a completion queue;
// "work completions" are pushed explicitly by whatever loopback transport
// sits above it (there is no wire-level RDMA simulation here).
package sim

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/yuuki/ubft-rdma-core/internal/rdmaerr"
	"github.com/yuuki/ubft-rdma-core/internal/verbs"
)

// DeviceLister returns a single fixed simulated device, regardless of
// what (if any) real hardware is present on the host.
type DeviceLister struct {
	Name string
}

// NewDeviceLister returns a DeviceLister exposing one simulated device
// named name (or "sim0" if name is empty).
func NewDeviceLister(name string) *DeviceLister {
	if name == "" {
		name = "sim0"
	}
	return &DeviceLister{Name: name}
}

func (d *DeviceLister) ListDevices(ctx context.Context) ([]verbs.DeviceInfo, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return []verbs.DeviceInfo{{
		Name:          d.Name,
		GUID:          0x0,
		NodeType:      verbs.NodeCA,
		TransportType: verbs.TransportIB,
	}}, nil
}

// Context is an in-process, single-port simulated device context.
type Context struct {
	deviceName string
	mu         sync.Mutex
	closed     bool
}

// NewContext opens a simulated context for the named device, matching
// the one DeviceLister reports.
func NewContext(deviceName string) *Context {
	return &Context{deviceName: deviceName}
}

func (c *Context) Ports(ctx context.Context) ([]verbs.PortInfo, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return []verbs.PortInfo{{
		PortID:    1,
		LID:       1,
		State:     verbs.PortStateActive,
		LinkLayer: verbs.LinkLayerEthernet,
	}}, nil
}

func (c *Context) AllocPD() (verbs.ProtectionDomain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, rdmaerr.New(rdmaerr.Resource, "sim.Context.AllocPD", "context is closed")
	}
	return &protectionDomain{}, nil
}

func (c *Context) CreateCQ(depth int) (verbs.CompletionQueue, error) {
	if depth <= 0 {
		return nil, rdmaerr.New(rdmaerr.Config, "sim.Context.CreateCQ", "depth must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, rdmaerr.New(rdmaerr.Resource, "sim.Context.CreateCQ", "context is closed")
	}
	return newCompletionQueue(depth), nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var mrKeySeq uint64

type protectionDomain struct {
	mu     sync.Mutex
	closed bool
}

func (pd *protectionDomain) RegisterMR(buf []byte, rights verbs.AccessFlags) (verbs.MemoryRegion, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.closed {
		return nil, rdmaerr.New(rdmaerr.Resource, "sim.ProtectionDomain.RegisterMR", "protection domain is closed")
	}
	key := uint32(atomic.AddUint64(&mrKeySeq, 1))
	return &memoryRegion{buf: buf, lkey: key, rkey: key}, nil
}

func (pd *protectionDomain) RegisterDMMR(dm verbs.DeviceMemory, offset, length uint64, rights verbs.AccessFlags) (verbs.MemoryRegion, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.closed {
		return nil, rdmaerr.New(rdmaerr.Resource, "sim.ProtectionDomain.RegisterDMMR", "protection domain is closed")
	}
	if offset+length > dm.Size() {
		return nil, rdmaerr.New(rdmaerr.Config, "sim.ProtectionDomain.RegisterDMMR", "offset+length exceeds device memory size")
	}
	key := uint32(atomic.AddUint64(&mrKeySeq, 1))
	return &memoryRegion{dm: dm, dmOffset: offset, dmLength: length, lkey: key, rkey: key}, nil
}

func (pd *protectionDomain) Close() error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.closed = true
	return nil
}

type memoryRegion struct {
	buf      []byte
	dm       verbs.DeviceMemory
	dmOffset uint64
	dmLength uint64
	lkey     uint32
	rkey     uint32
}

func (m *memoryRegion) Addr() uintptr {
	if m.buf != nil && len(m.buf) > 0 {
		return uintptr(0) // no stable, comparable address for a Go slice; simulated backend only.
	}
	return 0
}

func (m *memoryRegion) Size() uint64 {
	if m.dm != nil {
		return m.dmLength
	}
	return uint64(len(m.buf))
}

func (m *memoryRegion) LKey() uint32 { return m.lkey }
func (m *memoryRegion) RKey() uint32 { return m.rkey }
func (m *memoryRegion) Close() error { return nil }

// completionQueue is a fixed-capacity FIFO of work completions. Push is
// exposed so a loopback transport built on top of this package can
// deliver simulated completions; it is not part of verbs.CompletionQueue.
type completionQueue struct {
	mu      sync.Mutex
	entries []verbs.WorkCompletion
	depth   int
	closed  bool
}

func newCompletionQueue(depth int) *completionQueue {
	return &completionQueue{depth: depth}
}

// Push appends a completion, dropping it if the queue is at depth
// capacity (mirroring a real CQ overrun).
func (q *completionQueue) Push(wc verbs.WorkCompletion) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return rdmaerr.New(rdmaerr.Resource, "sim.CompletionQueue.Push", "completion queue is closed")
	}
	if len(q.entries) >= q.depth {
		return rdmaerr.New(rdmaerr.Overflow, "sim.CompletionQueue.Push", "completion queue depth exceeded")
	}
	q.entries = append(q.entries, wc)
	return nil
}

func (q *completionQueue) Poll(out []verbs.WorkCompletion) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, rdmaerr.New(rdmaerr.Resource, "sim.CompletionQueue.Poll", "completion queue is closed")
	}
	n := copy(out, q.entries)
	q.entries = q.entries[n:]
	return n, nil
}

func (q *completionQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// PushCQ exposes Push on the verbs.CompletionQueue interface value
// returned by Context.CreateCQ, for tests driving the simulated
// backend directly.
func PushCQ(cq verbs.CompletionQueue, wc verbs.WorkCompletion) error {
	sq, ok := cq.(*completionQueue)
	if !ok {
		return rdmaerr.New(rdmaerr.Config, "sim.PushCQ", "not a simulated completion queue")
	}
	return sq.Push(wc)
}
