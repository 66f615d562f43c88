// Package renderer defines the capability boundary between the display
// adapter and its accelerated rendering backend. The adapter never looks
// inside a backend; it queries mode and geometry, forwards register traffic,
// and samples output pixels. Alternate backends (or a test fake) slot in
// behind the Renderer interface without touching the refresh path.
package renderer

// Mode selects which display path is active.
type Mode int

const (
	// ModeCompat means the legacy display core owns the output.
	ModeCompat Mode = iota
	// ModeAccelerated means the backend produces the output pixels.
	ModeAccelerated
)

func (m Mode) String() string {
	switch m {
	case ModeCompat:
		return "compat"
	case ModeAccelerated:
		return "accelerated"
	default:
		return "invalid"
	}
}

// Geometry is the backend-chosen output size. Stride is in bytes and may
// exceed Width*4 when the backend pads rows; the three values are queried
// together and must be used together.
type Geometry struct {
	Width  uint32
	Height uint32
	Stride uint32
}

// Config is the construction record handed to a backend.
//
// The slices alias memory owned by the adapter (the command-queue window and
// the framebuffer window). A backend must not retain them past Close.
type Config struct {
	// FIFO is the guest-to-backend command queue region.
	FIFO []byte
	// Framebuffer is the compatibility-mode pixel storage, offered to the
	// backend as scratch.
	Framebuffer []byte
	// VRAMLimit caps backend-side surface memory.
	VRAMLimit uint64
}

// DefaultVRAMLimit is the backend surface memory cap used when a Config
// leaves VRAMLimit zero.
const DefaultVRAMLimit = 128 << 20

// DefaultConfig returns a Config with backend defaults filled in.
func DefaultConfig() Config {
	return Config{VRAMLimit: DefaultVRAMLimit}
}

// Renderer is the capability set of an accelerated backend.
//
// Implementations are not required to be safe for concurrent use: every call
// arrives from the adapter's single refresh/register path.
type Renderer interface {
	// Mode reports which display path currently owns the output. The adapter
	// re-queries this on every refresh entry and never caches it.
	Mode() Mode

	// OutputGeometry reports the current output size. Valid only in
	// ModeAccelerated; a backend may report 0x0 transiently.
	OutputGeometry() Geometry

	// ReadIO4 and WriteIO4 carry 4-byte register traffic. offset is the raw
	// byte offset within the adapter's register window, possibly unaligned.
	ReadIO4(offset uint64) uint32
	WriteIO4(offset uint64, value uint32)

	// ReadOutput copies the most recent frame into buf, which must be exactly
	// stride*height bytes for the last reported geometry. It reports false
	// when no frame is available or the length does not match; the caller
	// keeps buf's previous contents in that case.
	ReadOutput(buf []byte) bool

	// Invalidate discards cached output so the next read-back recomputes it.
	Invalidate()

	// Close releases backend resources. Safe to call once after construction
	// regardless of how far the adapter's attach got.
	Close() error
}
