// Package soft is a pure-Go accelerated backend implementing the SVGA
// register and command-queue protocol. It composites output from the
// framebuffer scratch region instead of running a 3D pipeline, which is
// enough to exercise the full adapter contract end to end.
package soft

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vsvga/internal/renderer"
)

// Byte offsets of the index/value port pair inside the adapter's 16-byte
// register window. The value port sits at offset 1, so correct guests issue
// unaligned 4-byte accesses; the dispatcher forwards them untouched.
const (
	IndexPort uint64 = 0
	ValuePort uint64 = 1
)

// SVGA device version IDs. Negotiation clamps to the highest common version.
const (
	VersionID uint32 = 0x90000002
)

// Register file indices.
const (
	RegID           uint32 = 0
	RegEnable       uint32 = 1
	RegWidth        uint32 = 2
	RegHeight       uint32 = 3
	RegMaxWidth     uint32 = 4
	RegMaxHeight    uint32 = 5
	RegDepth        uint32 = 6
	RegBitsPerPixel uint32 = 7
	RegBytesPerLine uint32 = 12
	RegFBSize       uint32 = 16
	RegCapabilities uint32 = 17
	RegMemSize      uint32 = 19
	RegConfigDone   uint32 = 20
	RegSync         uint32 = 21
	RegBusy         uint32 = 22
	RegGuestID      uint32 = 23
)

// Command-queue opcodes.
const (
	CmdUpdate uint32 = 1
	CmdFence  uint32 = 30
)

// Command-queue header words (byte offsets).
const (
	FIFOMin        = 0
	FIFOMax        = 4
	FIFONextCmd    = 8
	FIFOStop       = 12
	FIFOHeaderSize = 16
)

// Backend implements renderer.Renderer in software.
type Backend struct {
	fifo []byte
	fb   []byte

	vramLimit uint64

	version    uint32
	enabled    bool
	configDone bool
	busy       bool
	pending    uint32 // register index latched through the index port

	width  uint32
	height uint32

	guestID uint32

	out   []byte
	dirty bool
}

// New constructs a backend from the adapter's configuration record.
// The fifo and framebuffer slices are borrowed, not copied; they stay owned
// by the adapter and must outlive the backend.
func New(cfg renderer.Config) (*Backend, error) {
	if cfg.Framebuffer == nil {
		return nil, fmt.Errorf("soft: framebuffer region is nil")
	}
	if cfg.FIFO == nil {
		return nil, fmt.Errorf("soft: command queue region is nil")
	}
	if len(cfg.FIFO) <= 32 {
		return nil, fmt.Errorf("soft: command queue too small (%d bytes)", len(cfg.FIFO))
	}
	if len(cfg.FIFO)%4 != 0 {
		return nil, fmt.Errorf("soft: command queue size %d not a multiple of 4", len(cfg.FIFO))
	}

	limit := cfg.VRAMLimit
	if limit == 0 {
		limit = renderer.DefaultVRAMLimit
	}

	b := &Backend{
		fifo:      cfg.FIFO,
		fb:        cfg.Framebuffer,
		vramLimit: limit,
		version:   VersionID,
	}
	// Fresh queue: an empty ring covering everything past the header. Guests
	// may re-initialize it before setting CONFIG_DONE.
	clear(b.fifo)
	binary.LittleEndian.PutUint32(b.fifo[FIFOMin:], FIFOHeaderSize)
	binary.LittleEndian.PutUint32(b.fifo[FIFOMax:], uint32(len(b.fifo)))
	binary.LittleEndian.PutUint32(b.fifo[FIFONextCmd:], FIFOHeaderSize)
	binary.LittleEndian.PutUint32(b.fifo[FIFOStop:], FIFOHeaderSize)
	return b, nil
}

// Mode implements renderer.Renderer. The device is accelerated exactly while
// the guest holds the enable register set.
func (b *Backend) Mode() renderer.Mode {
	if b.enabled {
		return renderer.ModeAccelerated
	}
	return renderer.ModeCompat
}

// OutputGeometry implements renderer.Renderer.
func (b *Backend) OutputGeometry() renderer.Geometry {
	return renderer.Geometry{
		Width:  b.width,
		Height: b.height,
		Stride: b.width * 4,
	}
}

// ReadIO4 implements renderer.Renderer.
func (b *Backend) ReadIO4(offset uint64) uint32 {
	switch offset {
	case ValuePort:
		return b.readRegister(b.pending)
	default:
		slog.Warn("soft: read from unknown port", "offset", offset)
		return 0
	}
}

// WriteIO4 implements renderer.Renderer.
func (b *Backend) WriteIO4(offset uint64, value uint32) {
	switch offset {
	case IndexPort:
		b.pending = value
	case ValuePort:
		b.writeRegister(b.pending, value)
	default:
		slog.Warn("soft: write to unknown port", "offset", offset, "value", value)
	}
}

func (b *Backend) readRegister(reg uint32) uint32 {
	switch reg {
	case RegID:
		return b.version
	case RegEnable:
		if b.enabled {
			return 1
		}
		return 0
	case RegBytesPerLine:
		return b.width * 4
	case RegFBSize:
		return uint32(len(b.fb))
	case RegCapabilities:
		return 0
	case RegMemSize:
		return uint32(len(b.fifo))
	case RegBusy:
		if b.busy {
			return 1
		}
		return 0
	default:
		slog.Warn("soft: unknown register read", "reg", reg)
		return 0
	}
}

func (b *Backend) writeRegister(reg, value uint32) {
	switch reg {
	case RegID:
		if value < b.version {
			b.version = value
		}
	case RegEnable:
		b.enabled = value != 0
		if b.enabled {
			b.dirty = true
		}
	case RegWidth:
		if b.configDone {
			slog.Error("soft: width change while command queue configured", "width", value)
			return
		}
		b.width = value
	case RegHeight:
		if b.configDone {
			slog.Error("soft: height change while command queue configured", "height", value)
			return
		}
		b.height = value
	case RegBitsPerPixel:
		if value != 32 {
			slog.Error("soft: unsupported bits per pixel", "bpp", value)
		}
	case RegSync:
		b.busy = true
		b.processQueue()
		b.busy = false
	case RegConfigDone:
		b.configDone = value != 0
		if b.configDone {
			b.processQueue()
		}
	case RegGuestID:
		b.guestID = value
	default:
		slog.Warn("soft: unknown register write", "reg", reg, "value", value)
	}
}

// processQueue drains the command ring between STOP and NEXT_CMD, advancing
// the STOP word as it consumes. Incomplete trailing commands are left queued.
func (b *Backend) processQueue() {
	if !b.configDone {
		return
	}

	min := binary.LittleEndian.Uint32(b.fifo[FIFOMin:])
	max := binary.LittleEndian.Uint32(b.fifo[FIFOMax:])
	next := binary.LittleEndian.Uint32(b.fifo[FIFONextCmd:])
	stop := binary.LittleEndian.Uint32(b.fifo[FIFOStop:])

	if min < FIFOHeaderSize || max > uint32(len(b.fifo)) || min >= max ||
		min%4 != 0 || max%4 != 0 || next%4 != 0 || stop%4 != 0 ||
		next < min || next >= max || stop < min || stop >= max {
		slog.Warn("soft: command queue header invalid",
			"min", min, "max", max, "next", next, "stop", stop)
		return
	}

	r := queueReader{fifo: b.fifo, min: min, max: max, next: next, pos: stop}
	for r.pos != r.next {
		op, ok := r.word()
		if !ok {
			break
		}
		switch op {
		case CmdUpdate:
			args, ok := r.words(4)
			if !ok {
				return // incomplete, leave for the next sync
			}
			b.update(args[0], args[1], args[2], args[3])
		case CmdFence:
			if _, ok := r.words(1); !ok {
				return
			}
		default:
			slog.Error("soft: unknown command queue opcode", "op", op)
			r.pos = r.next // drop the rest of the queue
		}
		binary.LittleEndian.PutUint32(b.fifo[FIFOStop:], r.pos)
	}
}

type queueReader struct {
	fifo []byte
	min  uint32
	max  uint32
	next uint32
	pos  uint32
}

func (r *queueReader) word() (uint32, bool) {
	if r.pos == r.next {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(r.fifo[r.pos:])
	r.pos += 4
	if r.pos >= r.max {
		r.pos = r.min
	}
	return v, true
}

func (r *queueReader) words(n int) ([]uint32, bool) {
	out := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		v, ok := r.word()
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

// update marks a framebuffer rect as needing recomposition. Rect granularity
// is not tracked; any update dirties the whole output.
func (b *Backend) update(x, y, w, h uint32) {
	slog.Debug("soft: update", "x", x, "y", y, "w", w, "h", h)
	b.dirty = true
}

// composite rebuilds the output image by sampling the framebuffer scratch.
func (b *Backend) composite() {
	geo := b.OutputGeometry()
	need := uint64(geo.Stride) * uint64(geo.Height)
	if need == 0 || need > b.vramLimit {
		b.out = nil
		return
	}
	if uint64(len(b.out)) != need {
		b.out = make([]byte, need)
	}
	copy(b.out, b.fb)
	b.dirty = false
}

// ReadOutput implements renderer.Renderer.
func (b *Backend) ReadOutput(buf []byte) bool {
	if !b.enabled {
		return false
	}
	if b.out == nil || b.dirty {
		b.composite()
	}
	if b.out == nil || len(buf) != len(b.out) {
		slog.Warn("soft: output buffer size mismatch",
			"got", len(buf), "want", len(b.out))
		return false
	}
	copy(buf, b.out)
	return true
}

// Invalidate implements renderer.Renderer.
func (b *Backend) Invalidate() {
	b.out = nil
	b.dirty = true
}

// Close implements renderer.Renderer. The borrowed regions are released;
// the backend must not be used afterwards.
func (b *Backend) Close() error {
	b.fifo = nil
	b.fb = nil
	b.out = nil
	b.enabled = false
	return nil
}

var _ renderer.Renderer = (*Backend)(nil)
