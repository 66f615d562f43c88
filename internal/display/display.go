// Package display defines the host-side display consumer contract: the
// presentable surface, the console that owns it, and the refresh callbacks a
// display device registers with its console.
package display

// Format identifies the pixel layout of a surface, 4 bytes per pixel.
type Format int

const (
	// FormatBGRX is the accelerated backend's native layout.
	FormatBGRX Format = iota
	// FormatRGBX is used by cores that render through image.RGBA.
	FormatRGBX
)

// Surface is a presentable pixel buffer.
//
// Pixels aliases memory owned by whoever created the surface (zero-copy);
// the owner must keep that memory alive for as long as the surface is
// presented. A console never mutates a surface's identity: it swaps whole
// surfaces via ReplaceSurface and nothing else.
type Surface struct {
	Width  uint32
	Height uint32
	Stride uint32 // bytes per row; >= Width*4
	Format Format
	Pixels []byte // Stride*Height bytes
}

// NewSurface wraps pixel memory in a surface description.
func NewSurface(width, height, stride uint32, format Format, pixels []byte) *Surface {
	return &Surface{
		Width:  width,
		Height: height,
		Stride: stride,
		Format: format,
		Pixels: pixels,
	}
}

// SameSize reports whether another surface has identical dimensions.
// Stride is deliberately excluded: surface replacement is keyed on visible
// size only.
func (s *Surface) SameSize(width, height uint32) bool {
	return s != nil && s.Width == width && s.Height == height
}

// Console is the host display consumer a device presents through.
//
// Implementations are driven from the same single-threaded scheduler that
// drives device refresh, except where an implementation documents otherwise.
type Console interface {
	// Surface returns the currently presented surface, nil before the first
	// ReplaceSurface.
	Surface() *Surface

	// ReplaceSurface swaps the presented surface for a new one.
	ReplaceSurface(s *Surface)

	// UpdateFull marks the entire presented surface dirty.
	UpdateFull()

	// Fault reports a device-level fault (e.g. scanout allocation failure).
	// The console decides policy: tear down, log, or surface to the user.
	Fault(err error)
}

// DisplayOps are the refresh entry points a display device hands its console.
// The console's scheduler guarantees the calls never overlap.
type DisplayOps interface {
	// Invalidate tells the device its presented output is stale and must be
	// rebuilt from scratch on the next Update.
	Invalidate()

	// Update asks the device to refresh the presented surface.
	Update()
}

// TextCell is one character cell exported by a text-capable display core.
type TextCell struct {
	Rune rune
	Attr uint8 // legacy attribute byte: low nibble foreground, high nibble background
}

// TextUpdater is implemented by cores that can export their character grid.
// Consoles probe for it with a type assertion; absence means the device has
// no character-cell semantics.
type TextUpdater interface {
	// TextUpdate fills cells row-major and returns the grid size actually
	// written. cells is reused across calls by the console.
	TextUpdate(cells []TextCell) (cols, rows int)
}
