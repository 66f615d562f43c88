// Package vga implements the legacy compatibility-mode display core used
// while the accelerated path is disabled: an 80x25 character grid stored in
// the framebuffer window, rendered to a fixed-size surface.
package vga

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/tinyrange/vsvga/internal/display"
)

const (
	Columns = 80
	Rows    = 25

	// Each cell is a character byte followed by an attribute byte, starting
	// at offset 0 of the framebuffer window.
	cellBytes = 2
	gridBytes = Columns * Rows * cellBytes

	// DefaultAttr is light grey on black.
	DefaultAttr = 0x07
)

var face = basicfont.Face7x13

// palette is the classic 16-color text palette indexed by attribute nibble.
var palette = [16]color.RGBA{
	{0x00, 0x00, 0x00, 0xff}, {0x00, 0x00, 0xaa, 0xff},
	{0x00, 0xaa, 0x00, 0xff}, {0x00, 0xaa, 0xaa, 0xff},
	{0xaa, 0x00, 0x00, 0xff}, {0xaa, 0x00, 0xaa, 0xff},
	{0xaa, 0x55, 0x00, 0xff}, {0xaa, 0xaa, 0xaa, 0xff},
	{0x55, 0x55, 0x55, 0xff}, {0x55, 0x55, 0xff, 0xff},
	{0x55, 0xff, 0x55, 0xff}, {0x55, 0xff, 0xff, 0xff},
	{0xff, 0x55, 0x55, 0xff}, {0xff, 0x55, 0xff, 0xff},
	{0xff, 0xff, 0x55, 0xff}, {0xff, 0xff, 0xff, 0xff},
}

// TextCore renders the character grid into its own surface. The surface's
// pixel memory is owned by the core (it aliases the backing image), so it
// stays valid for as long as the core lives.
type TextCore struct {
	vram    []byte
	console display.Console

	img     *image.RGBA
	surface *display.Surface

	// shadow holds the cell bytes as of the last render; matching contents
	// make Update a no-op.
	shadow []byte
}

// New creates a text core over the framebuffer window's backing memory.
func New(vram []byte, console display.Console) *TextCore {
	return &TextCore{
		vram:    vram,
		console: console,
	}
}

// SurfaceSize returns the fixed pixel size of the rendered grid.
func SurfaceSize() (width, height uint32) {
	return Columns * uint32(face.Advance), Rows * uint32(face.Height)
}

func (c *TextCore) cells() []byte {
	if len(c.vram) < gridBytes {
		return nil
	}
	return c.vram[:gridBytes]
}

// Invalidate drops the shadow copy so the next Update redraws every cell.
func (c *TextCore) Invalidate() {
	c.shadow = nil
}

// Update renders the grid and presents it. The surface is replaced only when
// none is presented yet or the presented one has different dimensions.
func (c *TextCore) Update() {
	cells := c.cells()
	if cells == nil {
		return
	}

	width, height := SurfaceSize()
	if c.img == nil {
		c.img = image.NewRGBA(image.Rect(0, 0, int(width), int(height)))
		c.surface = display.NewSurface(width, height, uint32(c.img.Stride),
			display.FormatRGBX, c.img.Pix)
	}

	if c.shadow != nil && bytes.Equal(c.shadow, cells) {
		// Nothing changed; the presented frame is still current.
		return
	}
	c.render(cells)
	c.shadow = append(c.shadow[:0], cells...)

	if cur := c.console.Surface(); !cur.SameSize(width, height) {
		c.console.ReplaceSurface(c.surface)
	}
	c.console.UpdateFull()
}

func (c *TextCore) render(cells []byte) {
	d := font.Drawer{
		Dst:  c.img,
		Face: face,
	}
	for row := 0; row < Rows; row++ {
		for col := 0; col < Columns; col++ {
			i := (row*Columns + col) * cellBytes
			ch := cells[i]
			attr := cells[i+1]

			fg := palette[attr&0x0f]
			bg := palette[attr>>4&0x0f]

			cell := image.Rect(
				col*face.Advance, row*face.Height,
				(col+1)*face.Advance, (row+1)*face.Height)
			draw.Draw(c.img, cell, image.NewUniform(bg), image.Point{}, draw.Src)

			if ch == 0 || ch == ' ' {
				continue
			}
			d.Src = image.NewUniform(fg)
			d.Dot = fixed.P(col*face.Advance, row*face.Height+face.Ascent)
			d.DrawString(string(rune(ch)))
		}
	}
}

// Reset clears the grid to blank cells with the default attribute.
func (c *TextCore) Reset() {
	cells := c.cells()
	if cells == nil {
		return
	}
	for i := 0; i < len(cells); i += cellBytes {
		cells[i] = ' '
		cells[i+1] = DefaultAttr
	}
	c.Invalidate()
}

// TextUpdate implements display.TextUpdater: it exports the grid row-major.
func (c *TextCore) TextUpdate(out []display.TextCell) (cols, rows int) {
	cells := c.cells()
	if cells == nil {
		return 0, 0
	}
	n := min(len(out), Columns*Rows)
	for i := 0; i < n; i++ {
		ch := cells[i*cellBytes]
		if ch == 0 {
			ch = ' '
		}
		out[i] = display.TextCell{
			Rune: rune(ch),
			Attr: cells[i*cellBytes+1],
		}
	}
	return Columns, n / Columns
}

var _ display.TextUpdater = (*TextCore)(nil)
