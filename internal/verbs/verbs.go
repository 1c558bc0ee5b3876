// Package verbs defines the consumed interface boundary onto RDMA verbs:
// device enumeration, context open, protection domains, memory regions,
// completion queues and, optionally, device memory.
//
// Driving real hardware through these interfaces is out of scope (no
// verbs driver is part of this module); internal/verbs/sim provides a
// software-simulated Context good enough to exercise every other
// component end to end, and internal/verbs/rdmadiscovery supplies the
// real device/port enumeration that a hardware-backed Context would
// need for ResolvePort.
package verbs

import "context"

// NodeType mirrors ibv_node_type's CA/RNIC distinction.
type NodeType int8

const (
	NodeUnknown NodeType = -1
	NodeCA      NodeType = 1
	NodeRNIC    NodeType = 4
)

func (t NodeType) String() string {
	switch t {
	case NodeCA:
		return "CA"
	case NodeRNIC:
		return "RNIC"
	default:
		return "UNKNOWN"
	}
}

// TransportType mirrors ibv_transport_type's IB/iWARP distinction.
type TransportType int8

const (
	TransportUnknown TransportType = -1
	TransportIB      TransportType = 0
	TransportIWARP   TransportType = 1
)

func (t TransportType) String() string {
	switch t {
	case TransportIB:
		return "IB"
	case TransportIWARP:
		return "IWARP"
	default:
		return "UNKNOWN"
	}
}

// LinkLayer mirrors ibv_port_attr.link_layer.
type LinkLayer int8

const (
	LinkLayerUnspecified LinkLayer = iota
	LinkLayerInfiniBand
	LinkLayerEthernet
	LinkLayerInvalid
)

func (l LinkLayer) String() string {
	switch l {
	case LinkLayerInfiniBand:
		return "InfiniBand"
	case LinkLayerEthernet:
		return "Ethernet"
	case LinkLayerUnspecified:
		return "Unspecified"
	default:
		return "Invalid"
	}
}

// PortState mirrors ib_port_state.
type PortState int

const (
	PortStateNop PortState = iota
	PortStateDown
	PortStateInit
	PortStateArmed
	PortStateActive
	PortStateActiveDefer
)

// DeviceInfo describes one enumerated RDMA device, independent of
// whether it is backed by real hardware or the simulated context.
type DeviceInfo struct {
	Name          string
	GUID          uint64
	NodeType      NodeType
	TransportType TransportType
}

// PortInfo describes one physical port of a device.
type PortInfo struct {
	PortID    uint8
	LID       uint16
	State     PortState
	LinkLayer LinkLayer
}

// DeviceLister enumerates the RDMA devices visible to this process. It
// is the Go analogue of the C++ source's Devices::list().
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]DeviceInfo, error)
}

// Context is an opened device context, the Go analogue of the C++
// source's OpenDevice. It exposes the device's whole port table;
// ctrl.ResolvePort picks and validates one port from it.
type Context interface {
	// Ports returns the device's port table; PortID is 1-based, matching
	// ibv_query_port semantics.
	Ports(ctx context.Context) ([]PortInfo, error)

	AllocPD() (ProtectionDomain, error)
	CreateCQ(depth int) (CompletionQueue, error)

	Close() error
}

// AccessFlags mirrors ControlBlock::MemoryRights. REMOTE_WRITE implies
// LOCAL_WRITE must also be set; callers are responsible for that, the
// simulated backend does not enforce it since no real protection
// domain is present to violate.
type AccessFlags uint32

const (
	AccessLocalRead   AccessFlags = 0
	AccessLocalWrite  AccessFlags = 1 << 0
	AccessRemoteWrite AccessFlags = 1 << 1
	AccessRemoteRead  AccessFlags = 1 << 2
	AccessRemoteAtomic AccessFlags = 1 << 3
)

// ProtectionDomain registers memory regions and, where supported,
// device memory.
type ProtectionDomain interface {
	RegisterMR(buf []byte, rights AccessFlags) (MemoryRegion, error)
	RegisterDMMR(dm DeviceMemory, offset, length uint64, rights AccessFlags) (MemoryRegion, error)
	Close() error
}

// MemoryRegion is a registered, lockable span of memory with local and
// remote keys, the Go analogue of ControlBlock::MemoryRegion.
type MemoryRegion interface {
	Addr() uintptr
	Size() uint64
	LKey() uint32
	RKey() uint32
	Close() error
}

// WorkCompletion is the Go analogue of struct ibv_wc: the minimal set
// of fields the poller and control block need.
type WorkCompletion struct {
	WrID   uint64
	Status uint32
	Opcode uint32
}

// CompletionQueue polls for completed work requests.
type CompletionQueue interface {
	// Poll drains up to len(entries) completions into entries, returning
	// the number written. It never blocks and never grows entries.
	Poll(entries []WorkCompletion) (int, error)
	Close() error
}

// DeviceMemory is on-device scratch memory accessible via copyTo/copyFrom
// without going through the PCIe DMA engine for every access. Optional:
// a Context that does not support it returns an error from AllocDM.
type DeviceMemory interface {
	Size() uint64
	CopyTo(offset uint64, src []byte) error
	CopyFrom(offset uint64, dst []byte) error
	Close() error
}

// DeviceMemoryAllocator is implemented by contexts that support device
// memory allocation; not all do.
type DeviceMemoryAllocator interface {
	AllocDM(size uint64) (DeviceMemory, error)
}
