package display

import "log/slog"

// Headless is a console without a window: it tracks the presented surface,
// counts full-frame updates, and records faults. It backs tests and the
// demo binary's capture mode.
type Headless struct {
	surface  *Surface
	updates  uint64
	replaces uint64
	faults   []error
}

func NewHeadless() *Headless {
	return &Headless{}
}

// Surface implements Console.
func (h *Headless) Surface() *Surface { return h.surface }

// ReplaceSurface implements Console.
func (h *Headless) ReplaceSurface(s *Surface) {
	h.surface = s
	h.replaces++
}

// UpdateFull implements Console.
func (h *Headless) UpdateFull() {
	h.updates++
}

// Fault implements Console.
func (h *Headless) Fault(err error) {
	slog.Error("display: device fault", "err", err)
	h.faults = append(h.faults, err)
}

// Updates returns the number of full-frame dirty notifications seen.
func (h *Headless) Updates() uint64 { return h.updates }

// Replaces returns the number of surface replacements seen.
func (h *Headless) Replaces() uint64 { return h.replaces }

// Faults returns recorded device faults.
func (h *Headless) Faults() []error { return h.faults }

var _ Console = (*Headless)(nil)
