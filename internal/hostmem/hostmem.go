// Package hostmem allocates host-backed memory windows exposed to the guest
// bus: the display adapter's framebuffer and command-queue regions.
package hostmem

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Window is a contiguous host-allocated region visible to the guest.
// The backing memory is an anonymous mapping so large windows (tens of MiB of
// VRAM) stay out of the Go heap and can be handed to a renderer backend as
// raw scratch.
type Window struct {
	name string
	mem  []byte
}

// Alloc maps a zero-filled window of the given size.
func Alloc(name string, size uint64) (*Window, error) {
	if size == 0 {
		return nil, fmt.Errorf("hostmem: zero-size window %q", name)
	}
	if size > uint64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("hostmem: window %q too large (%d bytes)", name, size)
	}

	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("hostmem: map %q (%d bytes): %w", name, size, err)
	}
	return &Window{name: name, mem: mem}, nil
}

// Name returns the tag the window was allocated with.
func (w *Window) Name() string { return w.name }

// Size returns the window length in bytes.
func (w *Window) Size() uint64 {
	if w == nil {
		return 0
	}
	return uint64(len(w.mem))
}

// Bytes returns the backing memory. The slice stays valid until Free.
func (w *Window) Bytes() []byte {
	if w == nil {
		return nil
	}
	return w.mem
}

// ReadAt implements io.ReaderAt over the window contents.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	if w == nil || off < 0 || off > int64(len(w.mem)) {
		return 0, fmt.Errorf("hostmem: read outside window at %d", off)
	}
	n := copy(p, w.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt over the window contents.
func (w *Window) WriteAt(p []byte, off int64) (int, error) {
	if w == nil || off < 0 || off > int64(len(w.mem)) {
		return 0, fmt.Errorf("hostmem: write outside window at %d", off)
	}
	n := copy(w.mem[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Free unmaps the window. Safe on nil and after a prior Free; any slice
// previously returned by Bytes must no longer be used.
func (w *Window) Free() error {
	if w == nil || w.mem == nil {
		return nil
	}
	mem := w.mem
	w.mem = nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("hostmem: unmap %q: %w", w.name, err)
	}
	return nil
}
