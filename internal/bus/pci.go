package bus

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	typeZeroBAROffset = 0x10
	typeZeroBARCount  = 6
	typeZeroBARStride = 4

	// BAR attribute bits exposed to config space.
	BARSpaceIO     uint32 = 0x1
	BARMemPrefetch uint32 = 0x8
)

// ConfigSpace models config access for a single bus/device/function tuple.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Endpoint is a function behind the host bridge.
type Endpoint interface {
	ConfigSpace() ConfigSpace

	// OnBARReprogram fires after the guest rewrites a BAR with a concrete
	// address (sizing writes of all-ones are filtered out).
	OnBARReprogram(index int, value uint32) error
}

type deviceKey struct {
	bus uint8
	dev uint8
	fn  uint8
}

type deviceSlot struct {
	endpoint Endpoint
	provider ConfigSpace
}

func (s *deviceSlot) barWrite(offset uint16, size uint8, value uint32) (int, bool) {
	if s == nil || s.endpoint == nil || size != 4 {
		return 0, false
	}
	if offset < typeZeroBAROffset || offset >= typeZeroBAROffset+typeZeroBARCount*typeZeroBARStride {
		return 0, false
	}
	if offset%typeZeroBARStride != 0 || value == 0xffff_ffff {
		return 0, false
	}
	return int((offset - typeZeroBAROffset) / typeZeroBARStride), true
}

// HostBridgeConfig describes the config-access window and root identity.
type HostBridgeConfig struct {
	ConfigBase   uint64
	ConfigSize   uint64 // defaults to 1 MiB, covering bus 0
	RootVendorID uint16
	RootDeviceID uint16
	MaxBus       uint8
}

// HostBridge is a minimal ECAM-style root complex: it decodes config-space
// accesses and forwards them to registered endpoints. Window placement is the
// Manager's job; the bridge only tracks config state.
type HostBridge struct {
	configBase   uint64
	configSize   uint64
	rootVendorID uint16
	rootDeviceID uint16
	maxBus       uint8

	mu      sync.Mutex
	devices map[deviceKey]*deviceSlot
}

func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	h := &HostBridge{
		configBase:   cfg.ConfigBase,
		configSize:   cfg.ConfigSize,
		rootVendorID: cfg.RootVendorID,
		rootDeviceID: cfg.RootDeviceID,
		maxBus:       cfg.MaxBus,
		devices:      make(map[deviceKey]*deviceSlot),
	}
	if h.configSize == 0 {
		h.configSize = 1 << 20
	}
	if h.rootVendorID == 0 {
		h.rootVendorID = 0x1af4
	}
	if h.rootDeviceID == 0 {
		h.rootDeviceID = 0x0001
	}
	return h
}

// Init implements Device.
func (*HostBridge) Init(*Manager) error { return nil }

// MMIORegions implements MemoryMappedIODevice.
func (h *HostBridge) MMIORegions() []MMIORegion {
	return []MMIORegion{{Address: h.configBase, Size: h.configSize}}
}

// ReadMMIO implements MemoryMappedIODevice.
func (h *HostBridge) ReadMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if offset >= h.configSize {
		return fmt.Errorf("pci host bridge: read outside config space %#x", addr)
	}

	remaining := len(data)
	cursor := 0
	for remaining > 0 {
		key, reg, ok := h.decodeConfigAddress(offset)
		if !ok {
			data[cursor] = 0xff
			cursor++
			offset++
			remaining--
			continue
		}
		chunk := pickConfigAccessSize(reg, remaining)
		value := h.readConfig(key, reg, chunk)
		for i := 0; i < int(chunk); i++ {
			data[cursor+i] = byte(value >> (8 * i))
		}
		cursor += int(chunk)
		offset += uint64(chunk)
		remaining -= int(chunk)
	}
	return nil
}

// WriteMMIO implements MemoryMappedIODevice.
func (h *HostBridge) WriteMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	offset := addr - h.configBase
	if offset >= h.configSize {
		return fmt.Errorf("pci host bridge: write outside config space %#x", addr)
	}

	remaining := len(data)
	cursor := 0
	for remaining > 0 {
		key, reg, ok := h.decodeConfigAddress(offset)
		if !ok {
			break
		}
		chunk := pickConfigAccessSize(reg, remaining)
		value := uint32(0)
		for i := 0; i < int(chunk); i++ {
			value |= uint32(data[cursor+i]) << (8 * i)
		}
		h.writeConfig(key, reg, chunk, value)
		cursor += int(chunk)
		offset += uint64(chunk)
		remaining -= int(chunk)
	}
	return nil
}

func (h *HostBridge) decodeConfigAddress(offset uint64) (deviceKey, uint16, bool) {
	busNum := uint8((offset >> 20) & 0xff)
	device := uint8((offset >> 15) & 0x1f)
	function := uint8((offset >> 12) & 0x7)
	if busNum > h.maxBus {
		return deviceKey{}, 0, false
	}
	return deviceKey{bus: busNum, dev: device, fn: function}, uint16(offset & 0xfff), true
}

func (h *HostBridge) readConfig(key deviceKey, offset uint16, size uint8) uint32 {
	if key.bus == 0 && key.dev == 0 && key.fn == 0 {
		return h.readRootConfig(offset, size)
	}
	provider := h.provider(key)
	if provider == nil {
		return 0xffff_ffff
	}
	value, err := provider.ReadConfig(offset, size)
	if err != nil {
		return 0xffff_ffff
	}
	return maskConfigValue(value, size)
}

func (h *HostBridge) writeConfig(key deviceKey, offset uint16, size uint8, value uint32) {
	if key.bus == 0 && key.dev == 0 && key.fn == 0 {
		return
	}
	provider := h.provider(key)
	if provider == nil {
		return
	}
	if err := provider.WriteConfig(offset, size, value); err != nil {
		return
	}

	var (
		endpoint Endpoint
		barIdx   int
		notify   bool
	)
	h.mu.Lock()
	if slot := h.devices[key]; slot != nil {
		if barIdx, notify = slot.barWrite(offset, size, value); notify {
			endpoint = slot.endpoint
		}
	}
	h.mu.Unlock()

	if notify && endpoint != nil {
		_ = endpoint.OnBARReprogram(barIdx, value)
	}
}

func (h *HostBridge) readRootConfig(offset uint16, size uint8) uint32 {
	if size == 0 || size > 4 || int(offset)+int(size) > 256 {
		return 0xffff_ffff
	}
	var buf [256]byte
	binary.LittleEndian.PutUint16(buf[0:], h.rootVendorID)
	binary.LittleEndian.PutUint16(buf[2:], h.rootDeviceID)
	buf[0x0b] = 0x06 // bridge class
	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(buf[int(offset)+int(i)]) << (8 * i)
	}
	return value
}

// RegisterEndpoint places an endpoint at the supplied location on bus 0.
func (h *HostBridge) RegisterEndpoint(busNum, device, function uint8, endpoint Endpoint) error {
	if endpoint == nil {
		return fmt.Errorf("pci endpoint cannot be nil")
	}
	if busNum != 0 {
		return fmt.Errorf("only bus 0 supported (got %d)", busNum)
	}
	provider := endpoint.ConfigSpace()
	if provider == nil {
		return fmt.Errorf("endpoint must expose config space")
	}

	key := deviceKey{bus: busNum, dev: device, fn: function}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.devices[key]; exists {
		return fmt.Errorf("device already registered at %02x:%02x.%x", busNum, device, function)
	}
	h.devices[key] = &deviceSlot{endpoint: endpoint, provider: provider}
	return nil
}

func (h *HostBridge) provider(key deviceKey) ConfigSpace {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot := h.devices[key]; slot != nil {
		return slot.provider
	}
	return nil
}

func maskConfigValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	case 4:
		return value
	default:
		return 0xffff_ffff
	}
}

func pickConfigAccessSize(reg uint16, remaining int) uint8 {
	if reg%4 == 0 && remaining >= 4 {
		return 4
	}
	if reg%2 == 0 && remaining >= 2 {
		return 2
	}
	return 1
}

var (
	_ Device               = (*HostBridge)(nil)
	_ MemoryMappedIODevice = (*HostBridge)(nil)
)
