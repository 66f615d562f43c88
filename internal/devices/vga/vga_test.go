package vga

import (
	"testing"

	"github.com/tinyrange/vsvga/internal/display"
)

func newCore() (*TextCore, *display.Headless, []byte) {
	vram := make([]byte, gridBytes)
	console := display.NewHeadless()
	return New(vram, console), console, vram
}

func TestSurfaceSize(t *testing.T) {
	w, h := SurfaceSize()
	if w != Columns*uint32(face.Advance) || h != Rows*uint32(face.Height) {
		t.Errorf("SurfaceSize() = %dx%d, want %dx%d", w, h,
			Columns*face.Advance, Rows*face.Height)
	}
}

func TestUpdatePresentsGrid(t *testing.T) {
	c, console, vram := newCore()
	copy(vram, []byte{'H', 0x0f, 'i', 0x0f})

	c.Update()

	s := console.Surface()
	if s == nil {
		t.Fatal("no surface presented")
	}
	w, h := SurfaceSize()
	if !s.SameSize(w, h) {
		t.Errorf("surface size = %dx%d, want %dx%d", s.Width, s.Height, w, h)
	}
	if console.Updates() != 1 || console.Replaces() != 1 {
		t.Errorf("updates/replaces = %d/%d, want 1/1", console.Updates(), console.Replaces())
	}
}

func TestUpdateRendersBackground(t *testing.T) {
	c, console, vram := newCore()
	// Third cell: space on a green background.
	vram[4] = ' '
	vram[5] = 0x20

	c.Update()

	s := console.Surface()
	off := 2 * face.Advance * 4 // top-left pixel of the third cell
	r, g, b := s.Pixels[off], s.Pixels[off+1], s.Pixels[off+2]
	if r != 0x00 || g != 0xaa || b != 0x00 {
		t.Errorf("background pixel = #%02x%02x%02x, want #00aa00", r, g, b)
	}
}

func TestUpdateSkipsUnchangedGrid(t *testing.T) {
	c, console, vram := newCore()
	vram[0] = 'x'

	c.Update()
	c.Update()

	if console.Updates() != 1 {
		t.Errorf("updates = %d for unchanged grid, want 1", console.Updates())
	}

	vram[0] = 'y'
	c.Update()
	if console.Updates() != 2 {
		t.Errorf("updates = %d after a cell change, want 2", console.Updates())
	}
	if console.Replaces() != 1 {
		t.Errorf("replaces = %d, want 1 (surface is stable)", console.Replaces())
	}
}

func TestInvalidateForcesRedraw(t *testing.T) {
	c, console, _ := newCore()

	c.Update()
	c.Invalidate()
	c.Update()

	if console.Updates() != 2 {
		t.Errorf("updates = %d after invalidate, want 2", console.Updates())
	}
}

func TestResetClearsGrid(t *testing.T) {
	c, _, vram := newCore()
	copy(vram, []byte{'a', 0x1f, 'b', 0x2e})

	c.Reset()

	cells := make([]display.TextCell, Columns*Rows)
	cols, rows := c.TextUpdate(cells)
	if cols != Columns || rows != Rows {
		t.Fatalf("TextUpdate = %dx%d, want %dx%d", cols, rows, Columns, Rows)
	}
	for i, cell := range cells {
		if cell.Rune != ' ' || cell.Attr != DefaultAttr {
			t.Fatalf("cell %d = %q/0x%02x after reset, want space with default attr", i, cell.Rune, cell.Attr)
		}
	}
}

func TestTextUpdateMapsNulToSpace(t *testing.T) {
	c, _, _ := newCore()

	cells := make([]display.TextCell, Columns)
	cols, rows := c.TextUpdate(cells)
	if cols != Columns || rows != 1 {
		t.Fatalf("TextUpdate = %dx%d, want %dx1", cols, rows, Columns)
	}
	if cells[0].Rune != ' ' {
		t.Errorf("NUL cell exported as %q, want space", cells[0].Rune)
	}
}

func TestShortWindowIsInert(t *testing.T) {
	console := display.NewHeadless()
	c := New(make([]byte, 16), console)

	c.Update()
	c.Reset()
	if cols, rows := c.TextUpdate(make([]display.TextCell, 8)); cols != 0 || rows != 0 {
		t.Errorf("TextUpdate = %dx%d on a short window, want 0x0", cols, rows)
	}
	if console.Updates() != 0 {
		t.Errorf("updates = %d on a short window, want 0", console.Updates())
	}
}
