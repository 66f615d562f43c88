package bus

import (
	"fmt"
	"sync"
)

// Allocation is a named bus address range handed to a device window.
type Allocation struct {
	Name string
	Base uint64
	Size uint64
}

// AllocationRequest describes a window a device wants placed on the bus.
type AllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64 // power of two; defaults to 4 KiB
}

// AddressSpace hands out non-overlapping bus address ranges above a base.
// Windows are never returned to the allocator; the bus layout is attach-time
// state and lives for the Manager's lifetime.
type AddressSpace struct {
	mu sync.Mutex

	next        uint64
	limit       uint64
	allocations []Allocation
}

// NewAddressSpace creates an allocator covering [base, base+size).
func NewAddressSpace(base, size uint64) *AddressSpace {
	return &AddressSpace{
		next:  base,
		limit: base + size,
	}
}

// Allocate places a window and returns its bus address range.
func (a *AddressSpace) Allocate(req AllocationRequest) (Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return Allocation{}, fmt.Errorf("bus: cannot allocate zero-size window for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = 0x1000
	}
	if alignment&(alignment-1) != 0 {
		return Allocation{}, fmt.Errorf("bus: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	base := alignUp(a.next, alignment)
	end := base + req.Size
	if end < base || end > a.limit {
		return Allocation{}, fmt.Errorf("bus: address space exhausted allocating %s (%d bytes)", req.Name, req.Size)
	}

	alloc := Allocation{Name: req.Name, Base: base, Size: req.Size}
	a.allocations = append(a.allocations, alloc)
	a.next = end
	return alloc, nil
}

// Allocations returns a copy of every window placed so far.
func (a *AddressSpace) Allocations() []Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Allocation, len(a.allocations))
	copy(out, a.allocations)
	return out
}

func alignUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}
