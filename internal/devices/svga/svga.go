// Package svga implements a virtual display adapter in the VMware SVGA II
// mould: a PCI-identified controller that runs either as a legacy text
// display (compatibility mode) or as an accelerated display whose pixels are
// produced by an opaque rendering backend and sampled into a scanout buffer
// each refresh.
package svga

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/vsvga/internal/bus"
	"github.com/tinyrange/vsvga/internal/devices/vga"
	"github.com/tinyrange/vsvga/internal/display"
	"github.com/tinyrange/vsvga/internal/hostmem"
	"github.com/tinyrange/vsvga/internal/renderer"
	"github.com/tinyrange/vsvga/internal/renderer/soft"
)

// PCI identity of the adapter.
const (
	VendorID    uint16 = 0x15ad // VMware
	DeviceID    uint16 = 0x0405 // SVGA II
	ClassVGA    uint32 = 0x030000
	TypeName           = "vmware-svga"
	DefaultSlot uint8  = 2
)

// The register window is 16 bytes of I/O space, accessed in 4-byte units at
// possibly unaligned offsets.
const ioWindowSize = 16

// maxScanoutBytes caps a single frame; geometries beyond it are reported as
// device faults rather than attempted.
const maxScanoutBytes = 256 << 20

// CompatDisplay is the legacy display core the adapter delegates to whenever
// the backend reports compatibility mode. Cores that can export a character
// grid additionally implement display.TextUpdater.
type CompatDisplay interface {
	Invalidate()
	Update()
	Reset()
}

// RendererFactory builds the accelerated backend from the adapter's
// configuration record at attach time.
type RendererFactory func(cfg renderer.Config) (renderer.Renderer, error)

// CompatFactory builds the compatibility core over the framebuffer window.
type CompatFactory func(vram []byte, console display.Console) CompatDisplay

// Template describes the adapter device type for a bus registry.
type Template struct {
	Config  Config
	Console display.Console

	// Bridge, when set, gets the adapter registered as a PCI endpoint at
	// Slot (device number, function 0) on bus 0.
	Bridge *bus.HostBridge
	Slot   uint8

	// NewRenderer defaults to the software backend.
	NewRenderer RendererFactory
	// NewCompat defaults to the text-mode core.
	NewCompat CompatFactory
}

// TypeName implements bus.DeviceTemplate.
func (t Template) TypeName() string { return TypeName }

// Create implements bus.DeviceTemplate: it attaches a fresh adapter.
//
// Attach registers the three windows with the bus (16-byte register window,
// framebuffer sized to configured VRAM, command queue sized to configured
// capacity), initializes the compatibility core against the framebuffer
// window, builds the renderer configuration record and constructs the
// backend. Failure of any required window is fatal to the attach and
// reported to the caller.
func (t Template) Create(m *bus.Manager) (bus.Device, error) {
	if t.Console == nil {
		return nil, fmt.Errorf("svga: console is required")
	}

	cfg := t.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	newRenderer := t.NewRenderer
	if newRenderer == nil {
		newRenderer = func(rc renderer.Config) (renderer.Renderer, error) {
			return soft.New(rc)
		}
	}
	newCompat := t.NewCompat
	if newCompat == nil {
		newCompat = func(vram []byte, console display.Console) CompatDisplay {
			return vga.New(vram, console)
		}
	}

	a := &Adapter{cfg: cfg, console: t.Console}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	space := m.AddressSpace()

	ioAlloc, err := space.Allocate(bus.AllocationRequest{
		Name: "svga.io", Size: ioWindowSize, Alignment: 0x1000,
	})
	if err != nil {
		return nil, fmt.Errorf("svga: place register window: %w", err)
	}
	a.ioRegion = bus.MMIORegion{Address: ioAlloc.Base, Size: ioWindowSize}

	if a.vram, err = hostmem.Alloc("svga.vram", cfg.VRAMSize); err != nil {
		return nil, fmt.Errorf("svga: framebuffer window: %w", err)
	}
	vramAlloc, err := space.Allocate(bus.AllocationRequest{
		Name: "svga.vram", Size: cfg.VRAMSize, Alignment: 1 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("svga: place framebuffer window: %w", err)
	}
	a.vramRegion = bus.MMIORegion{Address: vramAlloc.Base, Size: cfg.VRAMSize}

	if a.fifo, err = hostmem.Alloc("svga.fifo", cfg.FIFOSize); err != nil {
		return nil, fmt.Errorf("svga: command-queue window: %w", err)
	}
	fifoAlloc, err := space.Allocate(bus.AllocationRequest{
		Name: "svga.fifo", Size: cfg.FIFOSize, Alignment: 1 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("svga: place command-queue window: %w", err)
	}
	a.fifoRegion = bus.MMIORegion{Address: fifoAlloc.Base, Size: cfg.FIFOSize}

	a.compat = newCompat(a.vram.Bytes(), a.console)

	rc := renderer.DefaultConfig()
	rc.FIFO = a.fifo.Bytes()
	rc.Framebuffer = a.vram.Bytes()
	if a.rend, err = newRenderer(rc); err != nil {
		return nil, fmt.Errorf("svga: construct renderer: %w", err)
	}

	if t.Bridge != nil {
		slot := t.Slot
		if slot == 0 {
			slot = DefaultSlot
		}
		if err := a.initConfigSpace(); err != nil {
			return nil, err
		}
		if err := t.Bridge.RegisterEndpoint(0, slot, 0, a); err != nil {
			return nil, fmt.Errorf("svga: register endpoint: %w", err)
		}
	}

	slog.Info("svga: attached",
		"io", fmt.Sprintf("0x%x", a.ioRegion.Address),
		"vram", fmt.Sprintf("0x%x+0x%x", a.vramRegion.Address, a.vramRegion.Size),
		"fifo", fmt.Sprintf("0x%x+0x%x", a.fifoRegion.Address, a.fifoRegion.Size))
	ok = true
	return a, nil
}

// Adapter is the attached device instance.
//
// The active mode is never stored: every refresh entry queries the renderer
// and dispatches to exactly one of the compatibility or accelerated paths.
type Adapter struct {
	cfg     Config
	console display.Console
	compat  CompatDisplay
	rend    renderer.Renderer

	vram *hostmem.Window
	fifo *hostmem.Window

	ioRegion   bus.MMIORegion
	vramRegion bus.MMIORegion
	fifoRegion bus.MMIORegion

	confspace *bus.TypeZeroConfig

	// scanout stages accelerated output before presentation. Its length
	// always equals stride*height for the last geometry used, or zero when
	// unallocated. The presented surface aliases it zero-copy; a dropped
	// buffer stays reachable through the old surface until replacement.
	scanout []byte
}

// Init implements bus.Device: the adapter joins snapshot traversal so that
// save/restore visibly reports unsupported instead of silently skipping it.
func (a *Adapter) Init(m *bus.Manager) error {
	m.RegisterSnapshotParticipant(TypeName, a)
	return nil
}

// MMIORegions implements bus.MemoryMappedIODevice.
func (a *Adapter) MMIORegions() []bus.MMIORegion {
	return []bus.MMIORegion{a.ioRegion, a.vramRegion, a.fifoRegion}
}

// ReadMMIO implements bus.MemoryMappedIODevice.
func (a *Adapter) ReadMMIO(addr uint64, data []byte) error {
	switch {
	case a.ioRegion.Contains(addr, len(data)):
		if len(data) != 4 {
			panic(fmt.Sprintf("svga: %d-byte register read at 0x%x; bus must issue 4-byte accesses", len(data), addr))
		}
		binary.LittleEndian.PutUint32(data, a.ReadRegister(addr-a.ioRegion.Address))
		return nil
	case a.vramRegion.Contains(addr, len(data)):
		_, err := a.vram.ReadAt(data, int64(addr-a.vramRegion.Address))
		return err
	case a.fifoRegion.Contains(addr, len(data)):
		_, err := a.fifo.ReadAt(data, int64(addr-a.fifoRegion.Address))
		return err
	}
	return fmt.Errorf("svga: read outside windows at 0x%x", addr)
}

// WriteMMIO implements bus.MemoryMappedIODevice.
func (a *Adapter) WriteMMIO(addr uint64, data []byte) error {
	switch {
	case a.ioRegion.Contains(addr, len(data)):
		if len(data) != 4 {
			panic(fmt.Sprintf("svga: %d-byte register write at 0x%x; bus must issue 4-byte accesses", len(data), addr))
		}
		a.WriteRegister(addr-a.ioRegion.Address, binary.LittleEndian.Uint32(data))
		return nil
	case a.vramRegion.Contains(addr, len(data)):
		_, err := a.vram.WriteAt(data, int64(addr-a.vramRegion.Address))
		return err
	case a.fifoRegion.Contains(addr, len(data)):
		_, err := a.fifo.WriteAt(data, int64(addr-a.fifoRegion.Address))
		return err
	}
	return fmt.Errorf("svga: write outside windows at 0x%x", addr)
}

// ReadRegister forwards a 4-byte register read. offset is the raw byte
// offset within the 16-byte window and may be unaligned; it reaches the
// renderer unmodified.
func (a *Adapter) ReadRegister(offset uint64) uint32 {
	return a.rend.ReadIO4(offset)
}

// WriteRegister forwards a 4-byte register write, offset rules as for
// ReadRegister.
func (a *Adapter) WriteRegister(offset uint64, value uint32) {
	a.rend.WriteIO4(offset, value)
}

// Invalidate implements display.DisplayOps.
//
// In accelerated mode the scanout buffer is discarded outright and the
// renderer told to recompute, so the next Update starts from a clean
// geometry query instead of stale pixels.
func (a *Adapter) Invalidate() {
	if a.rend.Mode() == renderer.ModeCompat {
		a.compat.Invalidate()
		return
	}
	a.releaseScanout()
	a.rend.Invalidate()
}

// Update implements display.DisplayOps.
func (a *Adapter) Update() {
	if a.rend.Mode() == renderer.ModeCompat {
		a.compat.Update()
		return
	}

	// Geometry is queried exactly once and its three values used as a unit
	// for sizing, surface comparison and read-back; a second query could
	// race a backend geometry change.
	geo := a.rend.OutputGeometry()
	need := uint64(geo.Stride) * uint64(geo.Height)
	if need == 0 {
		// 0x0 is a valid transient geometry; nothing to allocate or present.
		a.releaseScanout()
		return
	}

	realloc := need != uint64(len(a.scanout))
	if err := a.ensureScanout(need); err != nil {
		a.console.Fault(err)
		return
	}

	// A reallocated buffer forces a replacement even at unchanged dimensions:
	// the presented surface still aliases the dropped buffer otherwise.
	if cur := a.console.Surface(); realloc || !cur.SameSize(geo.Width, geo.Height) {
		a.console.ReplaceSurface(display.NewSurface(
			geo.Width, geo.Height, geo.Stride, display.FormatBGRX, a.scanout))
	}

	if !a.rend.ReadOutput(a.scanout) {
		// Best-effort degrade: keep whatever frame the buffer already holds.
		slog.Debug("svga: output read-back failed, presenting stale frame")
	}

	a.console.UpdateFull()
}

// TextUpdate implements display.TextUpdater by passing through to the
// compatibility core when it defines the hook. Accelerated mode has no
// character-cell semantics, so nothing is exported there.
func (a *Adapter) TextUpdate(cells []display.TextCell) (cols, rows int) {
	if a.rend.Mode() != renderer.ModeCompat {
		return 0, 0
	}
	if tu, ok := a.compat.(display.TextUpdater); ok {
		return tu.TextUpdate(cells)
	}
	return 0, 0
}

// ensureScanout makes the buffer length exactly need bytes. Matching length
// is a no-op; otherwise the old buffer is dropped (never resized in place)
// and a zeroed replacement allocated.
func (a *Adapter) ensureScanout(need uint64) error {
	if need == uint64(len(a.scanout)) {
		return nil
	}
	if need > maxScanoutBytes {
		return fmt.Errorf("svga: scanout of %d bytes exceeds %d byte limit", need, uint64(maxScanoutBytes))
	}
	a.scanout = make([]byte, need)
	return nil
}

func (a *Adapter) releaseScanout() {
	a.scanout = nil
}

// ScanoutLen reports the current scanout buffer length in bytes.
func (a *Adapter) ScanoutLen() int { return len(a.scanout) }

// Reset forwards to the compatibility core only. The renderer is
// attach-scoped: it is constructed once at attach and deliberately not
// reinitialized on reset.
func (a *Adapter) Reset() {
	if a.compat != nil {
		a.compat.Reset()
	}
}

// Close detaches the adapter: the renderer is destroyed first (releasing
// backend resources), then the scanout buffer and windows. Safe to call
// after a partially failed attach and safe to call twice.
func (a *Adapter) Close() error {
	var errs []error
	if a.rend != nil {
		if err := a.rend.Close(); err != nil {
			errs = append(errs, err)
		}
		a.rend = nil
	}
	a.releaseScanout()
	if err := a.fifo.Free(); err != nil {
		errs = append(errs, err)
	}
	a.fifo = nil
	if err := a.vram.Free(); err != nil {
		errs = append(errs, err)
	}
	a.vram = nil
	return errors.Join(errs...)
}

// SaveState implements bus.SnapshotParticipant. Serializing renderer state,
// scanout contents and window contents is an unmet contract, so snapshot
// participation reports unsupported instead of writing a hollow record.
func (a *Adapter) SaveState(io.Writer) error {
	return fmt.Errorf("%s: %w", TypeName, bus.ErrSnapshotUnsupported)
}

// LoadState implements bus.SnapshotParticipant.
func (a *Adapter) LoadState(io.Reader) error {
	return fmt.Errorf("%s: %w", TypeName, bus.ErrSnapshotUnsupported)
}

func (a *Adapter) initConfigSpace() error {
	c := bus.NewTypeZeroConfig(bus.Identity{
		VendorID:          VendorID,
		DeviceID:          DeviceID,
		SubsystemVendorID: VendorID,
		SubsystemID:       DeviceID,
		ClassCode:         ClassVGA,
	})
	if err := c.SetBAR(0, a.ioRegion.Address, ioWindowSize, bus.BARSpaceIO); err != nil {
		return err
	}
	if err := c.SetBAR(1, a.vramRegion.Address, uint32(a.vramRegion.Size), bus.BARMemPrefetch); err != nil {
		return err
	}
	if err := c.SetBAR(2, a.fifoRegion.Address, uint32(a.fifoRegion.Size), bus.BARMemPrefetch); err != nil {
		return err
	}
	a.confspace = c
	return nil
}

// ConfigSpace implements bus.Endpoint.
func (a *Adapter) ConfigSpace() bus.ConfigSpace { return a.confspace }

// OnBARReprogram implements bus.Endpoint. Window placement is probe-only:
// the bus layout is fixed at attach, so reprogram attempts are ignored.
func (a *Adapter) OnBARReprogram(index int, value uint32) error {
	slog.Warn("svga: ignoring BAR reprogram", "bar", index, "value", value)
	return nil
}

var (
	_ bus.Device               = (*Adapter)(nil)
	_ bus.MemoryMappedIODevice = (*Adapter)(nil)
	_ bus.Endpoint             = (*Adapter)(nil)
	_ bus.SnapshotParticipant  = (*Adapter)(nil)
	_ display.DisplayOps       = (*Adapter)(nil)
	_ display.TextUpdater      = (*Adapter)(nil)
	_ bus.DeviceTemplate       = Template{}
)
