package bus

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// DeviceTemplate describes a device type. Templates are registered with a
// Registry explicitly at startup; no device type is registered as a side
// effect of package initialization.
type DeviceTemplate interface {
	TypeName() string
	Create(m *Manager) (Device, error)
}

// Registry maps device type names to templates.
type Registry struct {
	mu        sync.Mutex
	templates map[string]DeviceTemplate
}

func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]DeviceTemplate)}
}

// Register adds a device type. Registering the same name twice is an error.
func (r *Registry) Register(t DeviceTemplate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.TypeName()
	if _, exists := r.templates[name]; exists {
		return fmt.Errorf("%w: %s", ErrDeviceTypeRegistered, name)
	}
	r.templates[name] = t
	return nil
}

func (r *Registry) lookup(name string) (DeviceTemplate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.templates[name]
	return t, ok
}

type mmioBinding struct {
	region MMIORegion
	dev    MemoryMappedIODevice
}

type snapshotEntry struct {
	name        string
	participant SnapshotParticipant
}

// Manager owns the devices attached to one bus instance. Device construction
// and teardown are tied to the Manager's lifecycle: CreateDevice builds and
// attaches, Close tears down in reverse order.
type Manager struct {
	registry *Registry
	space    *AddressSpace

	mu           sync.Mutex
	devices      []Device
	bindings     []mmioBinding
	participants []snapshotEntry
}

func NewManager(registry *Registry, space *AddressSpace) *Manager {
	return &Manager{registry: registry, space: space}
}

// AddressSpace returns the bus address allocator devices draw windows from.
func (m *Manager) AddressSpace() *AddressSpace { return m.space }

// CreateDevice instantiates a registered device type and attaches it.
func (m *Manager) CreateDevice(typeName string) (Device, error) {
	t, ok := m.registry.lookup(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceTypeUnknown, typeName)
	}

	dev, err := t.Create(m)
	if err != nil {
		return nil, fmt.Errorf("bus: create %s: %w", typeName, err)
	}
	if err := m.AddDevice(dev); err != nil {
		if c, ok := dev.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}
	return dev, nil
}

// AddDevice initializes a device and claims its bus windows.
func (m *Manager) AddDevice(dev Device) error {
	if err := dev.Init(m); err != nil {
		return fmt.Errorf("bus: device init: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if mmio, ok := dev.(MemoryMappedIODevice); ok {
		for _, region := range mmio.MMIORegions() {
			for _, b := range m.bindings {
				if region.Address < b.region.Address+b.region.Size &&
					b.region.Address < region.Address+region.Size {
					return fmt.Errorf("bus: window [0x%x,+0x%x) overlaps %v",
						region.Address, region.Size, b.region)
				}
			}
			m.bindings = append(m.bindings, mmioBinding{region: region, dev: mmio})
		}
	}
	m.devices = append(m.devices, dev)
	return nil
}

func (m *Manager) route(addr uint64, length int) (MemoryMappedIODevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bindings {
		if b.region.Contains(addr, length) {
			return b.dev, true
		}
	}
	return nil, false
}

// ReadMMIO routes a bus read to the device claiming the address.
func (m *Manager) ReadMMIO(addr uint64, data []byte) error {
	dev, ok := m.route(addr, len(data))
	if !ok {
		return fmt.Errorf("bus: unhandled read from 0x%X", addr)
	}
	return dev.ReadMMIO(addr, data)
}

// WriteMMIO routes a bus write to the device claiming the address.
func (m *Manager) WriteMMIO(addr uint64, data []byte) error {
	dev, ok := m.route(addr, len(data))
	if !ok {
		return fmt.Errorf("bus: unhandled write to 0x%X", addr)
	}
	return dev.WriteMMIO(addr, data)
}

// RegisterSnapshotParticipant adds a device to save/restore traversal.
func (m *Manager) RegisterSnapshotParticipant(name string, p SnapshotParticipant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants = append(m.participants, snapshotEntry{name: name, participant: p})
}

// Close tears down attached devices in reverse attach order.
func (m *Manager) Close() error {
	m.mu.Lock()
	devices := m.devices
	m.devices = nil
	m.bindings = nil
	m.participants = nil
	m.mu.Unlock()

	var errs []error
	for i := len(devices) - 1; i >= 0; i-- {
		if c, ok := devices[i].(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
