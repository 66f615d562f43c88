package bus

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Identity is the fixed identification block of a type-0 config header.
type Identity struct {
	VendorID          uint16
	DeviceID          uint16
	SubsystemVendorID uint16
	SubsystemID       uint16
	ClassCode         uint32 // 24-bit base/sub/interface
	Revision          uint8
}

type configBAR struct {
	value      uint32
	size       uint32
	attributes uint32
	sizing     bool
}

// TypeZeroConfig is a 256-byte type-0 config space with BAR sizing support.
// It serves endpoints whose capabilities fit the plain header: identity,
// command/status, and up to six 32-bit BARs.
type TypeZeroConfig struct {
	mu      sync.Mutex
	raw     [256]byte
	bars    [typeZeroBARCount]configBAR
	command uint16
}

func NewTypeZeroConfig(id Identity) *TypeZeroConfig {
	c := &TypeZeroConfig{}
	binary.LittleEndian.PutUint16(c.raw[0x00:], id.VendorID)
	binary.LittleEndian.PutUint16(c.raw[0x02:], id.DeviceID)
	c.raw[0x08] = id.Revision
	c.raw[0x09] = byte(id.ClassCode)
	c.raw[0x0a] = byte(id.ClassCode >> 8)
	c.raw[0x0b] = byte(id.ClassCode >> 16)
	binary.LittleEndian.PutUint16(c.raw[0x2c:], id.SubsystemVendorID)
	binary.LittleEndian.PutUint16(c.raw[0x2e:], id.SubsystemID)
	return c
}

// SetBAR programs a BAR's base value, decode size and attribute bits.
func (c *TypeZeroConfig) SetBAR(index int, base uint64, size uint32, attributes uint32) error {
	if index < 0 || index >= typeZeroBARCount {
		return fmt.Errorf("BAR index %d out of range", index)
	}
	if base > uint64(^uint32(0)) {
		return fmt.Errorf("BAR %d base 0x%x exceeds 32-bit decode", index, base)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bars[index] = configBAR{
		value:      uint32(base) | attributes,
		size:       size,
		attributes: attributes,
	}
	return nil
}

// BARValue returns the current decoded value of a BAR.
func (c *TypeZeroConfig) BARValue(index int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= typeZeroBARCount {
		return 0
	}
	return c.bars[index].value
}

func (c *TypeZeroConfig) barRegister(offset uint16) (int, bool) {
	if offset < typeZeroBAROffset || offset >= typeZeroBAROffset+typeZeroBARCount*typeZeroBARStride {
		return 0, false
	}
	if offset%typeZeroBARStride != 0 {
		return 0, false
	}
	return int((offset - typeZeroBAROffset) / typeZeroBARStride), true
}

// ReadConfig implements ConfigSpace.
func (c *TypeZeroConfig) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if size == 0 || size > 4 || int(offset)+int(size) > len(c.raw) {
		return 0, fmt.Errorf("config read of %d bytes at 0x%x out of range", size, offset)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if index, ok := c.barRegister(offset); ok && size == 4 {
		bar := c.bars[index]
		if bar.sizing && bar.size != 0 {
			mask := ^(bar.size - 1)
			if bar.attributes&BARSpaceIO != 0 {
				return mask&^0x3 | bar.attributes, nil
			}
			return mask&^0xf | bar.attributes, nil
		}
		return bar.value, nil
	}

	if offset == 0x04 && size >= 2 {
		return uint32(c.command), nil
	}

	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(c.raw[int(offset)+int(i)]) << (8 * i)
	}
	return value, nil
}

// WriteConfig implements ConfigSpace.
func (c *TypeZeroConfig) WriteConfig(offset uint16, size uint8, value uint32) error {
	if size == 0 || size > 4 || int(offset)+int(size) > len(c.raw) {
		return fmt.Errorf("config write of %d bytes at 0x%x out of range", size, offset)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if index, ok := c.barRegister(offset); ok && size == 4 {
		bar := &c.bars[index]
		if value == 0xffff_ffff {
			bar.sizing = true
			return nil
		}
		bar.sizing = false
		if bar.size != 0 {
			bar.value = value&^(bar.size-1) | bar.attributes
		}
		return nil
	}

	if offset == 0x04 && size >= 2 {
		c.command = uint16(value)
	}
	// Other header fields are read-only from the guest's point of view.
	return nil
}

var _ ConfigSpace = (*TypeZeroConfig)(nil)
