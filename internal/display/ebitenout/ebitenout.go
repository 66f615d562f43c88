// Package ebitenout presents display surfaces in a desktop window.
package ebitenout

import (
	"errors"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"

	"github.com/tinyrange/vsvga/internal/display"
)

const (
	fallbackWidth  = 640
	fallbackHeight = 480
)

// Window is a windowed console. The device side drives it through
// display.Console; ebiten drives it as a Game from the render loop. The two
// sides meet under one mutex, so surface replacement while a frame is being
// drawn is safe.
type Window struct {
	ops   display.DisplayOps
	title string

	mu      sync.Mutex
	surface *display.Surface
	dirty   bool
	fault   error

	tex *ebiten.Image
	pix []byte
}

func New(title string, ops display.DisplayOps) *Window {
	return &Window{ops: ops, title: title}
}

// SetOps binds the refresh hooks after construction. The console has to
// exist before the device that drives it, so the binding arrives late.
func (w *Window) SetOps(ops display.DisplayOps) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ops = ops
}

// Surface implements display.Console.
func (w *Window) Surface() *display.Surface {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.surface
}

// ReplaceSurface implements display.Console.
func (w *Window) ReplaceSurface(s *display.Surface) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.surface = s
	w.dirty = true
}

// UpdateFull implements display.Console.
func (w *Window) UpdateFull() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirty = true
}

// Fault implements display.Console: the error surfaces on the next game tick
// and terminates the window loop.
func (w *Window) Fault(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fault == nil {
		w.fault = err
	}
}

// Update implements ebiten.Game. Each tick runs one device refresh, so the
// display keeps pace with the window's tick rate.
func (w *Window) Update() error {
	w.mu.Lock()
	fault := w.fault
	ops := w.ops
	w.mu.Unlock()
	if fault != nil {
		return fault
	}
	if ops != nil {
		ops.Update()
	}
	return nil
}

// Draw implements ebiten.Game.
func (w *Window) Draw(screen *ebiten.Image) {
	w.mu.Lock()
	s := w.surface
	redraw := w.dirty
	w.dirty = false
	w.mu.Unlock()

	if s == nil || len(s.Pixels) == 0 {
		screen.Clear()
		return
	}

	if w.tex == nil || w.tex.Bounds().Dx() != int(s.Width) || w.tex.Bounds().Dy() != int(s.Height) {
		w.tex = ebiten.NewImage(int(s.Width), int(s.Height))
		redraw = true
	}
	if redraw {
		w.uploadSurface(s)
	}
	screen.DrawImage(w.tex, nil)
}

func (w *Window) uploadSurface(s *display.Surface) {
	need := int(s.Width) * int(s.Height) * 4
	if len(w.pix) != need {
		w.pix = make([]byte, need)
	}
	for y := 0; y < int(s.Height); y++ {
		row := s.Pixels[y*int(s.Stride):]
		out := w.pix[y*int(s.Width)*4:]
		for x := 0; x < int(s.Width); x++ {
			src := row[x*4 : x*4+4]
			dst := out[x*4 : x*4+4]
			if s.Format == display.FormatBGRX {
				dst[0], dst[1], dst[2] = src[2], src[1], src[0]
			} else {
				dst[0], dst[1], dst[2] = src[0], src[1], src[2]
			}
			dst[3] = 0xff
		}
	}
	w.tex.WritePixels(w.pix)
}

// Layout implements ebiten.Game: the logical size follows the presented
// surface, so mode changes resize the drawing area.
func (w *Window) Layout(int, int) (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.surface == nil || w.surface.Width == 0 || w.surface.Height == 0 {
		return fallbackWidth, fallbackHeight
	}
	return int(w.surface.Width), int(w.surface.Height)
}

// Run blocks in the window loop until the window closes or a device fault
// ends it. A normal window close reports nil.
func (w *Window) Run() error {
	ebiten.SetWindowTitle(w.title)
	ebiten.SetWindowSize(fallbackWidth, fallbackHeight)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	if err := ebiten.RunGame(w); err != nil {
		if errors.Is(err, ebiten.Termination) {
			return nil
		}
		return err
	}
	return nil
}

var _ display.Console = (*Window)(nil)
var _ ebiten.Game = (*Window)(nil)
