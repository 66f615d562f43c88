// Package bus models the PCI-like bus fabric a virtual display adapter
// attaches to: device registration, bus address allocation, memory-mapped
// access routing, config space, and snapshot participation.
package bus

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceTypeUnknown    = errors.New("bus: unknown device type")
	ErrDeviceTypeRegistered = errors.New("bus: device type already registered")
)

// Device is anything attachable to a Manager.
type Device interface {
	Init(m *Manager) error
}

// MMIORegion is a bus-addressable window claimed by a device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether an access of the given length falls inside the region.
func (r MMIORegion) Contains(addr uint64, length int) bool {
	if length < 0 {
		return false
	}
	end := addr + uint64(length)
	return addr >= r.Address && end >= addr && end <= r.Address+r.Size
}

// MemoryMappedIODevice is a Device that claims bus address windows.
//
// ReadMMIO and WriteMMIO receive absolute bus addresses. The access width is
// len(data); devices with fixed-width windows are expected to treat a wrong
// width as an integration bug, not a guest-recoverable condition.
type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// SimpleMMIODevice wires plain functions into the MemoryMappedIODevice shape.
type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) Init(*Manager) error       { return nil }
func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }

func (d SimpleMMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("unhandled read from bus address 0x%X", addr)
}

func (d SimpleMMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("unhandled write to bus address 0x%X", addr)
}

var _ MemoryMappedIODevice = SimpleMMIODevice{}
