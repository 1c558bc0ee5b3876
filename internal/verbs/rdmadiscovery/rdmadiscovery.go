// Package rdmadiscovery supplies real RDMA device and port enumeration
// sourced from sysfs, feeding the port id/LID/link-layer that
// internal/ctrl.ResolvePort needs regardless of whether real RDMA
// hardware is present on the host.
//
// Device names come from github.com/Mellanox/rdmamap.GetRdmaDeviceList
// when available; port attributes (state, phys_state, link layer, lid,
// net device binding) are read directly from
// /sys/class/infiniband/<device>/ports/<n>/*, the same tree the
// in-kernel RDMA stack exposes them under.
package rdmadiscovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/Mellanox/rdmamap"

	"github.com/yuuki/ubft-rdma-core/internal/rdmaerr"
	"github.com/yuuki/ubft-rdma-core/internal/verbs"
	"github.com/yuuki/ubft-rdma-core/internal/verbs/sim"
)

const (
	defaultSysfsRoot = "/sys"

	classInfinibandPath = "class/infiniband"
	portsDirName         = "ports"
	gidAttrsDirName      = "gid_attrs"
	ndevsDirName         = "ndevs"
	countersDirName      = "counters"
	hwCountersDirName    = "hw_counters"
	linkLayerFile        = "link_layer"
	stateFile            = "state"
	physStateFile        = "phys_state"
	linkWidthFile        = "link_width"
	rateFile             = "rate"
	lidFile              = "lid"
)

var (
	// ref. https://codebrowser.dev/linux/linux/include/rdma/ib_verbs.h.html#ib_port_state
	portStateNames = map[int]string{
		0: "NOP",
		1: "DOWN",
		2: "INIT",
		3: "ARMED",
		4: "ACTIVE",
		5: "ACTIVE_DEFER",
	}
	// ref. https://codebrowser.dev/linux/linux/include/rdma/ib_verbs.h.html#ib_port_phys_state
	portPhysStateNames = map[int]string{
		1: "SLEEP",
		2: "POLLING",
		3: "DISABLED",
		4: "PORT_CONFIGURATION_TRAINING",
		5: "LINK_UP",
		6: "LINK_ERROR_RECOVERY",
		7: "PHY_TEST",
	}
)

// Device represents a single RDMA Host Channel Adapter as enumerated
// from sysfs.
type Device struct {
	Name  string
	Ports []Port
}

// Port contains counters and metadata for a single HCA port.
type Port struct {
	ID         int
	LID        uint16
	Stats      map[string]uint64
	HwStats    map[string]uint64
	Attributes PortAttributes
}

// PortAttributes captures descriptive metadata exposed by sysfs.
type PortAttributes struct {
	LinkLayer string
	State     string
	PhysState string
	LinkWidth string
	LinkSpeed string
	NetDev    string
}

// SysfsProvider reads RDMA device and port information from a sysfs
// tree (normally /sys, overridable for tests).
type SysfsProvider struct {
	mu             sync.RWMutex
	sysfsRoot      string
	excludeDevices map[string]bool
}

// NewSysfsProvider returns a SysfsProvider using the default sysfs root.
func NewSysfsProvider() *SysfsProvider {
	return &SysfsProvider{sysfsRoot: defaultSysfsRoot}
}

// SetSysfsRoot overrides the root directory used to read sysfs.
// Passing an empty string resets the provider to the default.
func (p *SysfsProvider) SetSysfsRoot(root string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if root == "" {
		p.sysfsRoot = defaultSysfsRoot
		return
	}
	p.sysfsRoot = filepath.Clean(root)
}

// SetExcludeDevices configures which devices should be completely skipped.
func (p *SysfsProvider) SetExcludeDevices(devices []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.excludeDevices = make(map[string]bool, len(devices))
	for _, dev := range devices {
		p.excludeDevices[dev] = true
	}
}

func (p *SysfsProvider) isExcluded(device string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.excludeDevices[device]
}

func (p *SysfsProvider) root() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sysfsRoot
}

// Devices returns a snapshot of every RDMA device and its ports found
// under the configured sysfs root.
func (p *SysfsProvider) Devices(ctx context.Context) ([]Device, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return p.devicesFromRoot(ctx, p.root())
}

// DevicePorts returns the ports of a single named device.
func (p *SysfsProvider) DevicePorts(ctx context.Context, name string) ([]Port, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return p.portsFromRoot(ctx, p.root(), name)
}

func (p *SysfsProvider) deviceFromRoot(ctx context.Context, root, deviceName string) (Device, error) {
	if ctx.Err() != nil {
		return Device{}, ctx.Err()
	}

	ports, err := p.portsFromRoot(ctx, root, deviceName)
	if err != nil {
		return Device{}, fmt.Errorf("collect ports for %s: %w", deviceName, err)
	}

	return Device{Name: deviceName, Ports: ports}, nil
}

func (p *SysfsProvider) devicesFromRoot(ctx context.Context, root string) ([]Device, error) {
	classDir := filepath.Join(root, classInfinibandPath)
	entries, err := os.ReadDir(classDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	devices := make([]Device, 0, len(entries))
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !entry.IsDir() {
			if entry.Type()&fs.ModeSymlink == 0 {
				continue
			}
			info, err := os.Stat(filepath.Join(classDir, entry.Name()))
			if err != nil || !info.IsDir() {
				continue
			}
		}

		name := entry.Name()
		if p.isExcluded(name) {
			continue
		}

		device, err := p.deviceFromRoot(ctx, root, name)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, nil
}

func (p *SysfsProvider) portsFromRoot(ctx context.Context, root, device string) ([]Port, error) {
	dir := filepath.Join(root, classInfinibandPath, device, portsDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	ports := make([]Port, 0, len(entries))
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !entry.IsDir() {
			continue
		}
		portID, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		stats, err := p.readCounterDir(filepath.Join(dir, entry.Name(), countersDirName))
		if err != nil {
			return nil, fmt.Errorf("read counters for %s port %d: %w", device, portID, err)
		}
		hwStats, err := p.readCounterDir(filepath.Join(dir, entry.Name(), hwCountersDirName))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read hw counters for %s port %d: %w", device, portID, err)
		}

		attr, lid := p.readPortAttributes(root, device, portID)

		ports = append(ports, Port{
			ID:         portID,
			LID:        lid,
			Stats:      stats,
			HwStats:    hwStats,
			Attributes: attr,
		})
	}
	return ports, nil
}

func (p *SysfsProvider) readPortAttributes(root, device string, port int) (PortAttributes, uint16) {
	portDir := filepath.Join(root, classInfinibandPath, device, portsDirName, strconv.Itoa(port))

	readRaw := func(name string) string {
		data, err := os.ReadFile(filepath.Join(portDir, name))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}

	read := func(name string) string {
		value := readRaw(name)
		if idx := strings.Index(value, "("); idx > 0 {
			value = strings.TrimSpace(value[:idx])
		}
		return value
	}

	state := normalizePortState(readRaw(stateFile), portStateNames)
	physState := normalizePortState(readRaw(physStateFile), portPhysStateNames)
	netDev := readPortNetDev(portDir)
	lid := parseLid(readRaw(lidFile))

	return PortAttributes{
		LinkLayer: read(linkLayerFile),
		State:     state,
		PhysState: physState,
		LinkWidth: read(linkWidthFile),
		LinkSpeed: read(rateFile),
		NetDev:    netDev,
	}, lid
}

func parseLid(value string) uint16 {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	if value == "" {
		return 0
	}
	n, err := strconv.ParseUint(value, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}

func readPortNetDev(portDir string) string {
	ndevsPath := filepath.Join(portDir, gidAttrsDirName, ndevsDirName)
	entries, err := os.ReadDir(ndevsPath)
	if err != nil {
		return ""
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(ndevsPath, entry.Name()))
		if err != nil {
			continue
		}
		value := strings.TrimSpace(string(data))
		if value != "" {
			return value
		}
	}
	return ""
}

func normalizePortState(value string, names map[int]string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}

	if number, ok := extractFirstNumber(value); ok {
		if label, found := names[number]; found {
			return label
		}
	}

	if idx := strings.Index(value, ":"); idx >= 0 {
		if label := canonicalFromLabel(value[idx+1:], names); label != "" {
			return label
		}
	}

	if label := canonicalFromLabel(value, names); label != "" {
		return label
	}

	return value
}

func canonicalFromLabel(label string, names map[int]string) string {
	normalized := normalizeLabelKey(label)
	if normalized == "" {
		return ""
	}

	for _, name := range names {
		if normalizeLabelKey(name) == normalized {
			return name
		}
	}

	return ""
}

func normalizeLabelKey(label string) string {
	var b strings.Builder
	for _, r := range label {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

func extractFirstNumber(value string) (int, bool) {
	start := -1
	for i, r := range value {
		if r >= '0' && r <= '9' {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 {
			num, err := strconv.Atoi(value[start:i])
			if err == nil {
				return num, true
			}
			start = -1
		}
	}

	if start != -1 {
		num, err := strconv.Atoi(value[start:])
		if err == nil {
			return num, true
		}
	}

	return 0, false
}

func (p *SysfsProvider) readCounterDir(path string) (map[string]uint64, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	counters := make(map[string]uint64, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, err
		}
		value, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse counter %s: %w", entry.Name(), err)
		}
		counters[entry.Name()] = value
	}
	return counters, nil
}

func linkLayerFromString(s string) verbs.LinkLayer {
	switch s {
	case "InfiniBand":
		return verbs.LinkLayerInfiniBand
	case "Ethernet":
		return verbs.LinkLayerEthernet
	case "Unspecified", "":
		return verbs.LinkLayerUnspecified
	default:
		return verbs.LinkLayerInvalid
	}
}

func portStateFromString(s string) verbs.PortState {
	switch s {
	case "DOWN":
		return verbs.PortStateDown
	case "INIT":
		return verbs.PortStateInit
	case "ARMED":
		return verbs.PortStateArmed
	case "ACTIVE":
		return verbs.PortStateActive
	case "ACTIVE_DEFER":
		return verbs.PortStateActiveDefer
	default:
		return verbs.PortStateNop
	}
}

// DeviceLister implements verbs.DeviceLister, naming devices via
// rdmamap.GetRdmaDeviceList. ListDevices reads nothing from sysfs: every
// device is reported as an InfiniBand CA with a zero GUID.
type DeviceLister struct {
	provider        *SysfsProvider
	listDeviceNames func() []string
}

// NewDeviceLister returns a DeviceLister reading the host's real sysfs
// tree, naming devices via rdmamap.
func NewDeviceLister() *DeviceLister {
	return &DeviceLister{
		provider:        NewSysfsProvider(),
		listDeviceNames: rdmamap.GetRdmaDeviceList,
	}
}

func (d *DeviceLister) ListDevices(ctx context.Context) ([]verbs.DeviceInfo, error) {
	names := d.listDeviceNames()
	infos := make([]verbs.DeviceInfo, 0, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		infos = append(infos, verbs.DeviceInfo{
			Name:          name,
			NodeType:      verbs.NodeCA,
			TransportType: verbs.TransportIB,
		})
	}
	return infos, nil
}

// Context is a verbs.Context for a real device name: port enumeration
// (state, LID, link layer) is sourced from sysfs, while protection
// domain, memory region and completion queue management is delegated
// to a software-simulated backend, since no libibverbs binding ships
// with this module.
type Context struct {
	deviceName string
	provider   *SysfsProvider
	sim        *sim.Context
}

// NewContext builds a Context for deviceName, reading port attributes
// from provider's sysfs root.
func NewContext(deviceName string, provider *SysfsProvider) *Context {
	if provider == nil {
		provider = NewSysfsProvider()
	}
	return &Context{deviceName: deviceName, provider: provider, sim: sim.NewContext(deviceName)}
}

func (c *Context) Ports(ctx context.Context) ([]verbs.PortInfo, error) {
	ports, err := c.provider.DevicePorts(ctx, c.deviceName)
	if err != nil {
		return nil, rdmaerr.Wrap(rdmaerr.IO, "rdmadiscovery.Context.Ports", "reading sysfs port table", err)
	}
	if len(ports) == 0 {
		return nil, rdmaerr.New(rdmaerr.Resource, "rdmadiscovery.Context.Ports", "device "+c.deviceName+" exposes no ports")
	}

	infos := make([]verbs.PortInfo, 0, len(ports))
	for _, p := range ports {
		if p.ID <= 0 || p.ID > 255 {
			return nil, rdmaerr.New(rdmaerr.Resource, "rdmadiscovery.Context.Ports", "port id out of range")
		}
		infos = append(infos, verbs.PortInfo{
			PortID:    uint8(p.ID),
			LID:       p.LID,
			State:     portStateFromString(p.Attributes.State),
			LinkLayer: linkLayerFromString(p.Attributes.LinkLayer),
		})
	}
	return infos, nil
}

func (c *Context) AllocPD() (verbs.ProtectionDomain, error) { return c.sim.AllocPD() }
func (c *Context) CreateCQ(depth int) (verbs.CompletionQueue, error) { return c.sim.CreateCQ(depth) }
func (c *Context) Close() error                               { return c.sim.Close() }
