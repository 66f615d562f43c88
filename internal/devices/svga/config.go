package svga

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults match the reference device: 32 MiB of VRAM and a 2 MiB command
// queue.
const (
	DefaultVRAMSize = 32 << 20
	DefaultFIFOSize = 2 << 20

	minFIFOSize = 4 << 10
)

// Config sizes the adapter's memory windows.
type Config struct {
	// VRAMSize is the framebuffer window size in bytes.
	VRAMSize uint64 `yaml:"vram_size"`
	// FIFOSize is the command-queue window size in bytes.
	FIFOSize uint64 `yaml:"fifo_size"`
}

// ApplyDefaults fills zero fields with device defaults.
func (c *Config) ApplyDefaults() {
	if c.VRAMSize == 0 {
		c.VRAMSize = DefaultVRAMSize
	}
	if c.FIFOSize == 0 {
		c.FIFOSize = DefaultFIFOSize
	}
}

// Validate rejects window sizes the device cannot operate with.
func (c *Config) Validate() error {
	if c.VRAMSize == 0 {
		return fmt.Errorf("svga: vram_size must be non-zero")
	}
	// Window sizes become BAR sizing masks, so they must be powers of two
	// that decode within 32 bits.
	if c.VRAMSize&(c.VRAMSize-1) != 0 || c.VRAMSize > 1<<30 {
		return fmt.Errorf("svga: vram_size %d must be a power of two up to 1GiB", c.VRAMSize)
	}
	if c.FIFOSize < minFIFOSize {
		return fmt.Errorf("svga: fifo_size %d below minimum %d", c.FIFOSize, minFIFOSize)
	}
	if c.FIFOSize&(c.FIFOSize-1) != 0 || c.FIFOSize > 1<<30 {
		return fmt.Errorf("svga: fifo_size %d must be a power of two up to 1GiB", c.FIFOSize)
	}
	return nil
}

// LoadConfig reads a yaml config file, applying defaults for absent fields.
func LoadConfig(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("svga: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("svga: parse config %s: %w", path, err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}
