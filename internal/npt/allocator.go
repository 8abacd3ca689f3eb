//go:build amd64 || arm64

package npt

import (
	"gvisor.dev/gvisor/pkg/ring0/pagetables"
)

// allocator hands out page table pages from the Go heap. Table pages are
// addressed by their host virtual address, which is what the nested tables
// store as "physical" for this host-side representation.
type allocator struct {
	base *pagetables.RuntimeAllocator
}

func newAllocator() allocator {
	return allocator{
		base: pagetables.NewRuntimeAllocator(),
	}
}

// NewPTEs implements pagetables.Allocator.NewPTEs.
func (a allocator) NewPTEs() *pagetables.PTEs {
	return a.base.NewPTEs()
}

// PhysicalFor implements pagetables.Allocator.PhysicalFor.
func (a allocator) PhysicalFor(ptes *pagetables.PTEs) uintptr {
	return a.base.PhysicalFor(ptes)
}

// LookupPTEs implements pagetables.Allocator.LookupPTEs.
func (a allocator) LookupPTEs(physical uintptr) *pagetables.PTEs {
	return a.base.LookupPTEs(physical)
}

// FreePTEs implements pagetables.Allocator.FreePTEs.
func (a allocator) FreePTEs(ptes *pagetables.PTEs) {
	a.base.FreePTEs(ptes)
}

// Recycle implements pagetables.Allocator.Recycle.
func (a allocator) Recycle() {
	a.base.Recycle()
}

var (
	_ pagetables.Allocator = allocator{}
)
