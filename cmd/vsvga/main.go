// Command vsvga hosts the virtual display adapter standalone: it brings the
// device up on an emulated bus, runs a small built-in guest against it, and
// presents the result headless, in a window, or as a PNG capture.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/vsvga/internal/bus"
	"github.com/tinyrange/vsvga/internal/devices/svga"
	"github.com/tinyrange/vsvga/internal/devices/vga"
	"github.com/tinyrange/vsvga/internal/display"
	"github.com/tinyrange/vsvga/internal/display/ebitenout"
	"github.com/tinyrange/vsvga/internal/renderer/soft"
)

const (
	busBase  = 0x8000_0000
	busSize  = 0x4000_0000
	ecamBase = 0xe000_0000

	demoWidth  = 1024
	demoHeight = 768
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vsvga: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML configuration file")
	windowFlag := flag.Bool("window", false, "Present output in a desktop window")
	frames := flag.Int("frames", 3, "Refresh passes to run when headless")
	capture := flag.String("capture", "", "Write a PNG of the final frame to this path")
	textFlag := flag.Bool("text", false, "Print the text-mode screen before switching modes")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	var cfg svga.Config
	if *configPath != "" {
		loaded, err := svga.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg.ApplyDefaults()
	}

	registry := bus.NewRegistry()
	m := bus.NewManager(registry, bus.NewAddressSpace(busBase, busSize))
	defer func() { _ = m.Close() }()

	bridge := bus.NewHostBridge(bus.HostBridgeConfig{ConfigBase: ecamBase})
	if err := m.AddDevice(bridge); err != nil {
		return fmt.Errorf("attach host bridge: %w", err)
	}

	var (
		console  display.Console
		win      *ebitenout.Window
		headless *display.Headless
	)
	if *windowFlag {
		win = ebitenout.New("vsvga", nil)
		console = win
	} else {
		headless = display.NewHeadless()
		console = headless
	}

	if err := registry.Register(svga.Template{
		Config:  cfg,
		Console: console,
		Bridge:  bridge,
	}); err != nil {
		return err
	}
	dev, err := m.CreateDevice(svga.TypeName)
	if err != nil {
		return err
	}
	adapter := dev.(*svga.Adapter)

	regions := adapter.MMIORegions()
	guest := &demoGuest{m: m, io: regions[0], vram: regions[1], fifo: regions[2]}

	// Phase one: legacy text mode.
	if err := guest.bootText("vsvga: adapter online, switching modes..."); err != nil {
		return fmt.Errorf("guest text boot: %w", err)
	}
	adapter.Update()
	if *textFlag {
		printTextScreen(adapter)
	}

	// Phase two: accelerated mode with a test pattern.
	if err := guest.enableAccelerated(demoWidth, demoHeight); err != nil {
		return fmt.Errorf("guest mode switch: %w", err)
	}

	if win != nil {
		win.SetOps(adapter)
		return win.Run()
	}

	for i := 0; i < *frames; i++ {
		adapter.Update()
	}
	if faults := headless.Faults(); len(faults) > 0 {
		return fmt.Errorf("device fault: %v", faults[0])
	}

	if *capture != "" {
		f, err := os.Create(*capture)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := display.CapturePNG(headless.Surface(), f, 1); err != nil {
			return err
		}
		slog.Info("vsvga: captured frame", "path", *capture)
	}

	slog.Info("vsvga: done", "updates", headless.Updates(), "replaces", headless.Replaces())
	return nil
}

// demoGuest drives the adapter the way a guest driver would: through bus
// reads and writes only, never by touching the device structs.
type demoGuest struct {
	m    *bus.Manager
	io   bus.MMIORegion
	vram bus.MMIORegion
	fifo bus.MMIORegion
}

func (g *demoGuest) write32(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return g.m.WriteMMIO(addr, buf[:])
}

func (g *demoGuest) read32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := g.m.ReadMMIO(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (g *demoGuest) writeReg(reg, value uint32) error {
	if err := g.write32(g.io.Address+soft.IndexPort, reg); err != nil {
		return err
	}
	return g.write32(g.io.Address+soft.ValuePort, value)
}

func (g *demoGuest) readReg(reg uint32) (uint32, error) {
	if err := g.write32(g.io.Address+soft.IndexPort, reg); err != nil {
		return 0, err
	}
	return g.read32(g.io.Address + soft.ValuePort)
}

// bootText writes a message into the character grid at the top left.
func (g *demoGuest) bootText(msg string) error {
	cells := make([]byte, len(msg)*2)
	for i, ch := range []byte(msg) {
		cells[i*2] = ch
		cells[i*2+1] = 0x0a // bright green on black
	}
	return g.m.WriteMMIO(g.vram.Address, cells)
}

// enableAccelerated negotiates the device version, programs a mode, brings
// the command queue up, paints a test pattern and queues a full-screen
// update.
func (g *demoGuest) enableAccelerated(width, height uint32) error {
	if err := g.writeReg(soft.RegID, soft.VersionID); err != nil {
		return err
	}
	id, err := g.readReg(soft.RegID)
	if err != nil {
		return err
	}
	if id != soft.VersionID {
		return fmt.Errorf("device negotiated version 0x%x, want 0x%x", id, soft.VersionID)
	}

	if err := g.writeReg(soft.RegGuestID, 0x5010); err != nil {
		return err
	}
	if err := g.writeReg(soft.RegWidth, width); err != nil {
		return err
	}
	if err := g.writeReg(soft.RegHeight, height); err != nil {
		return err
	}
	if err := g.writeReg(soft.RegBitsPerPixel, 32); err != nil {
		return err
	}

	// Ring covering everything past the header, initially empty.
	queueSize, err := g.readReg(soft.RegMemSize)
	if err != nil {
		return err
	}
	header := []struct {
		off uint64
		val uint32
	}{
		{soft.FIFOMin, soft.FIFOHeaderSize},
		{soft.FIFOMax, queueSize},
		{soft.FIFONextCmd, soft.FIFOHeaderSize},
		{soft.FIFOStop, soft.FIFOHeaderSize},
	}
	for _, w := range header {
		if err := g.write32(g.fifo.Address+w.off, w.val); err != nil {
			return err
		}
	}
	if err := g.writeReg(soft.RegConfigDone, 1); err != nil {
		return err
	}
	if err := g.writeReg(soft.RegEnable, 1); err != nil {
		return err
	}

	if err := g.paintGradient(width, height); err != nil {
		return err
	}

	// Queue a full-screen update followed by a fence, then drain.
	words := []uint32{soft.CmdUpdate, 0, 0, width, height, soft.CmdFence, 1}
	next := uint64(soft.FIFOHeaderSize)
	for _, w := range words {
		if err := g.write32(g.fifo.Address+next, w); err != nil {
			return err
		}
		next += 4
	}
	if err := g.write32(g.fifo.Address+soft.FIFONextCmd, uint32(next)); err != nil {
		return err
	}
	return g.writeReg(soft.RegSync, 1)
}

// paintGradient fills the framebuffer with a gradient test pattern, row by
// row through the memory window.
func (g *demoGuest) paintGradient(width, height uint32) error {
	row := make([]byte, width*4)
	for y := uint32(0); y < height; y++ {
		for x := uint32(0); x < width; x++ {
			// BGRX
			row[x*4+0] = byte(255 * y / height)
			row[x*4+1] = byte((x ^ y) & 0xff)
			row[x*4+2] = byte(255 * x / width)
			row[x*4+3] = 0
		}
		if err := g.m.WriteMMIO(g.vram.Address+uint64(y)*uint64(width)*4, row); err != nil {
			return err
		}
	}
	return nil
}

// vgaPalette maps the 16 VGA colors onto the terminal's basic palette.
var vgaPalette = [16]ansi.BasicColor{
	ansi.Black, ansi.Blue, ansi.Green, ansi.Cyan,
	ansi.Red, ansi.Magenta, ansi.Yellow, ansi.White,
	ansi.BrightBlack, ansi.BrightBlue, ansi.BrightGreen, ansi.BrightCyan,
	ansi.BrightRed, ansi.BrightMagenta, ansi.BrightYellow, ansi.BrightWhite,
}

// printTextScreen dumps the exported character grid to stdout, styled when
// stdout is a terminal.
func printTextScreen(tu display.TextUpdater) {
	cells := make([]display.TextCell, vga.Columns*vga.Rows)
	cols, rows := tu.TextUpdate(cells)
	if cols == 0 || rows == 0 {
		return
	}
	styled := term.IsTerminal(int(os.Stdout.Fd()))

	var sb strings.Builder
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			cell := cells[row*cols+col]
			if !styled {
				sb.WriteRune(cell.Rune)
				continue
			}
			style := ansi.Style{}.
				ForegroundColor(vgaPalette[cell.Attr&0x0f]).
				BackgroundColor(vgaPalette[cell.Attr>>4&0x07])
			sb.WriteString(style.Styled(string(cell.Rune)))
		}
		sb.WriteString("\n")
	}
	fmt.Print(sb.String())
}
