// Package ctrl implements the control block: a name-keyed registry of
// protection domains, buffers, memory regions, completion queues and
// device memory built over the internal/verbs consumed interface.
//
// It mirrors dory::ctrl::ControlBlock: every resource is registered
// under a caller-chosen name and looked up by that name later, so
// unrelated components can share one control block without passing
// raw handles to each other.
package ctrl

import (
	"context"
	"sync"

	"github.com/yuuki/ubft-rdma-core/internal/rdmaerr"
	"github.com/yuuki/ubft-rdma-core/internal/verbs"
)

// CqDepth is the fixed completion queue depth used by every queue this
// control block creates, matching the upstream ControlBlock::CqDepth.
const CqDepth = 512

// ResolvedPort names the physical port a control block is bound to.
type ResolvedPort struct {
	DeviceName string
	PortID     uint8
	LID        uint16
	LinkLayer  verbs.LinkLayer
}

// ResolvePort walks vctx's active ports in order and binds to the
// index-th one (0-based), matching ResolvedPort::bindTo. requiredLayer,
// when not LinkLayerUnspecified, rejects a port whose link layer
// doesn't match. Returns a Resource error tagged NoActivePort-style
// when fewer than index+1 active ports exist, or when the matched
// port's link layer is wrong.
func ResolvePort(ctx context.Context, vctx verbs.Context, deviceName string, portIndex int, requiredLayer verbs.LinkLayer) (ResolvedPort, error) {
	ports, err := vctx.Ports(ctx)
	if err != nil {
		return ResolvedPort{}, rdmaerr.Wrap(rdmaerr.IO, "ctrl.ResolvePort", "querying ports", err)
	}

	skipped := 0
	for _, p := range ports {
		if p.State != verbs.PortStateActive && p.State != verbs.PortStateActiveDefer {
			continue
		}
		if skipped == portIndex {
			if requiredLayer != verbs.LinkLayerUnspecified && p.LinkLayer != requiredLayer {
				return ResolvedPort{}, rdmaerr.New(rdmaerr.Resource, "ctrl.ResolvePort",
					"required link layer "+requiredLayer.String()+" but port link layer is "+p.LinkLayer.String())
			}
			return ResolvedPort{
				DeviceName: deviceName,
				PortID:     p.PortID,
				LID:        p.LID,
				LinkLayer:  p.LinkLayer,
			}, nil
		}
		skipped++
	}

	return ResolvedPort{}, rdmaerr.New(rdmaerr.Resource, "ctrl.ResolvePort", "no active port at the requested index")
}

// ControlBlock is the name-keyed resource registry for one bound port.
// All methods are safe for concurrent use.
type ControlBlock struct {
	vctx verbs.Context
	port ResolvedPort

	mu      sync.Mutex
	pds     map[string]verbs.ProtectionDomain
	buffers map[string][]byte
	mrs     map[string]verbs.MemoryRegion
	cqs     map[string]verbs.CompletionQueue
	dms     map[string]verbs.DeviceMemory
}

// New builds a ControlBlock over an already-resolved port.
func New(vctx verbs.Context, port ResolvedPort) *ControlBlock {
	return &ControlBlock{
		vctx:    vctx,
		port:    port,
		pds:     make(map[string]verbs.ProtectionDomain),
		buffers: make(map[string][]byte),
		mrs:     make(map[string]verbs.MemoryRegion),
		cqs:     make(map[string]verbs.CompletionQueue),
		dms:     make(map[string]verbs.DeviceMemory),
	}
}

// Port reports the bound port this control block was built over.
func (cb *ControlBlock) Port() ResolvedPort { return cb.port }

func nameCollision(op, name string) error {
	return rdmaerr.New(rdmaerr.Config, op, "name already registered: "+name)
}

func notFound(op, name string) error {
	return rdmaerr.New(rdmaerr.NotFound, op, "no such name: "+name)
}

// RegisterPd allocates a protection domain and registers it under name.
func (cb *ControlBlock) RegisterPd(name string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if _, ok := cb.pds[name]; ok {
		return nameCollision("ctrl.RegisterPd", name)
	}
	pd, err := cb.vctx.AllocPD()
	if err != nil {
		return rdmaerr.Wrap(rdmaerr.Resource, "ctrl.RegisterPd", "allocating protection domain", err)
	}
	cb.pds[name] = pd
	return nil
}

// Pd looks up a previously registered protection domain.
func (cb *ControlBlock) Pd(name string) (verbs.ProtectionDomain, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	pd, ok := cb.pds[name]
	if !ok {
		return nil, notFound("ctrl.Pd", name)
	}
	return pd, nil
}

// AllocateBuffer allocates a plain, unpinned buffer of length bytes and
// registers it under name. The buffer is not itself RDMA-addressable
// until RegisterMr wraps (a slice of) it in a memory region.
func (cb *ControlBlock) AllocateBuffer(name string, length int) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if _, ok := cb.buffers[name]; ok {
		return nameCollision("ctrl.AllocateBuffer", name)
	}
	cb.buffers[name] = make([]byte, length)
	return nil
}

// Buffer looks up a previously allocated buffer.
func (cb *ControlBlock) Buffer(name string) ([]byte, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	buf, ok := cb.buffers[name]
	if !ok {
		return nil, notFound("ctrl.Buffer", name)
	}
	return buf, nil
}

// AllocateDeviceMemory allocates on-device scratch memory and registers
// it under name. It fails with a Resource error if the underlying
// context does not support device memory.
func (cb *ControlBlock) AllocateDeviceMemory(name string, size uint64) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if _, ok := cb.dms[name]; ok {
		return nameCollision("ctrl.AllocateDeviceMemory", name)
	}
	alloc, ok := cb.vctx.(verbs.DeviceMemoryAllocator)
	if !ok {
		return rdmaerr.New(rdmaerr.Resource, "ctrl.AllocateDeviceMemory", "device does not support device memory")
	}
	dm, err := alloc.AllocDM(size)
	if err != nil {
		return rdmaerr.Wrap(rdmaerr.Resource, "ctrl.AllocateDeviceMemory", "allocating device memory", err)
	}
	cb.dms[name] = dm
	return nil
}

// DeviceMemory looks up previously allocated device memory.
func (cb *ControlBlock) DeviceMemory(name string) (verbs.DeviceMemory, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	dm, ok := cb.dms[name]
	if !ok {
		return nil, notFound("ctrl.DeviceMemory", name)
	}
	return dm, nil
}

// RegisterMr registers buffers[bufferName][offset:offset+length] as a
// memory region under name, using protection domain pdName.
func (cb *ControlBlock) RegisterMr(name, pdName, bufferName string, offset, length int, rights verbs.AccessFlags) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if _, ok := cb.mrs[name]; ok {
		return nameCollision("ctrl.RegisterMr", name)
	}
	pd, ok := cb.pds[pdName]
	if !ok {
		return notFound("ctrl.RegisterMr", pdName)
	}
	buf, ok := cb.buffers[bufferName]
	if !ok {
		return notFound("ctrl.RegisterMr", bufferName)
	}
	if offset < 0 || length < 0 || offset+length > len(buf) {
		return rdmaerr.New(rdmaerr.Config, "ctrl.RegisterMr", "offset+length exceeds buffer size")
	}

	mr, err := pd.RegisterMR(buf[offset:offset+length], rights)
	if err != nil {
		return rdmaerr.Wrap(rdmaerr.Resource, "ctrl.RegisterMr", "registering memory region", err)
	}
	cb.mrs[name] = mr
	return nil
}

// RegisterMrFull is RegisterMr over the entire named buffer.
func (cb *ControlBlock) RegisterMrFull(name, pdName, bufferName string, rights verbs.AccessFlags) error {
	cb.mu.Lock()
	buf, ok := cb.buffers[bufferName]
	cb.mu.Unlock()
	if !ok {
		return notFound("ctrl.RegisterMrFull", bufferName)
	}
	return cb.RegisterMr(name, pdName, bufferName, 0, len(buf), rights)
}

// RegisterDmMr registers a span of previously allocated device memory
// as a memory region under name.
func (cb *ControlBlock) RegisterDmMr(name, pdName, dmName string, offset, length uint64, rights verbs.AccessFlags) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if _, ok := cb.mrs[name]; ok {
		return nameCollision("ctrl.RegisterDmMr", name)
	}
	pd, ok := cb.pds[pdName]
	if !ok {
		return notFound("ctrl.RegisterDmMr", pdName)
	}
	dm, ok := cb.dms[dmName]
	if !ok {
		return notFound("ctrl.RegisterDmMr", dmName)
	}

	mr, err := pd.RegisterDMMR(dm, offset, length, rights)
	if err != nil {
		return rdmaerr.Wrap(rdmaerr.Resource, "ctrl.RegisterDmMr", "registering device memory region", err)
	}
	cb.mrs[name] = mr
	return nil
}

// Mr looks up a previously registered memory region.
func (cb *ControlBlock) Mr(name string) (verbs.MemoryRegion, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	mr, ok := cb.mrs[name]
	if !ok {
		return nil, notFound("ctrl.Mr", name)
	}
	return mr, nil
}

// RegisterCq creates a completion queue of depth CqDepth and registers
// it under name.
func (cb *ControlBlock) RegisterCq(name string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if _, ok := cb.cqs[name]; ok {
		return nameCollision("ctrl.RegisterCq", name)
	}
	cq, err := cb.vctx.CreateCQ(CqDepth)
	if err != nil {
		return rdmaerr.Wrap(rdmaerr.Resource, "ctrl.RegisterCq", "creating completion queue", err)
	}
	cb.cqs[name] = cq
	return nil
}

// Cq looks up a previously registered completion queue.
func (cb *ControlBlock) Cq(name string) (verbs.CompletionQueue, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cq, ok := cb.cqs[name]
	if !ok {
		return nil, notFound("ctrl.Cq", name)
	}
	return cq, nil
}

// PollCq polls the named completion queue into entries, the Go
// analogue of ControlBlock::pollCqIsOk, except that overrun ("more
// completions than entries can hold") is not an error: Poll simply
// leaves the rest queued for the next call.
func (cb *ControlBlock) PollCq(name string, entries []verbs.WorkCompletion) (int, error) {
	cq, err := cb.Cq(name)
	if err != nil {
		return 0, err
	}
	n, err := cq.Poll(entries)
	if err != nil {
		return 0, rdmaerr.Wrap(rdmaerr.IO, "ctrl.PollCq", "polling completion queue "+name, err)
	}
	return n, nil
}

// ResourceCounts reports how many names are registered under each
// resource kind, for metrics reporting.
func (cb *ControlBlock) ResourceCounts() map[string]int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]int{
		"pd":     len(cb.pds),
		"buffer": len(cb.buffers),
		"mr":     len(cb.mrs),
		"cq":     len(cb.cqs),
		"dm":     len(cb.dms),
	}
}
