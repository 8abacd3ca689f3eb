//go:build amd64 || arm64

// Package npt builds the nested page tables that translate guest physical
// addresses to host memory.
package npt

import (
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/cpuid"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/ring0/pagetables"
)

const PageSize = hostarch.PageSize

// Table is a four level nested page table.
type Table struct {
	mu    sync.RWMutex
	alloc allocator
	pt    *pagetables.PageTables
	size  uint64
}

// New returns an empty table. The host feature set is read on first use;
// the table layout depends on it.
func New() *Table {
	cpuid.Initialize()

	a := newAllocator()
	return &Table{
		alloc: a,
		pt:    pagetables.New(a),
	}
}

// Map maps [gpa, gpa+length) to host memory starting at host. All three
// values must be page aligned.
func (t *Table) Map(gpa uint64, length uint64, host uintptr) error {
	if gpa%PageSize != 0 || length%PageSize != 0 || uint64(host)%PageSize != 0 {
		return fmt.Errorf("npt: unaligned mapping gpa=0x%x len=0x%x host=0x%x", gpa, length, host)
	}
	if length == 0 {
		return fmt.Errorf("npt: zero length mapping at gpa=0x%x", gpa)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isEmptyLocked(gpa, length) {
		return fmt.Errorf("npt: gpa range [0x%x, 0x%x) already mapped", gpa, gpa+length)
	}

	t.pt.Map(hostarch.Addr(gpa), uintptr(length), pagetables.MapOpts{
		AccessType: hostarch.AnyAccess,
		User:       true,
	}, host)
	t.size += length

	return nil
}

func (t *Table) isEmptyLocked(gpa, length uint64) bool {
	virtual, _, size, _ := t.pt.Lookup(hostarch.Addr(gpa), true)
	return size == 0 || uint64(virtual) >= gpa+length
}

// Translate returns the host address backing gpa.
func (t *Table) Translate(gpa uint64) (uintptr, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	virtual, physical, size, _ := t.pt.Lookup(hostarch.Addr(gpa), false)
	if size == 0 {
		return 0, false
	}
	return physical + uintptr(gpa-uint64(virtual)), true
}

// Mapping is one contiguous leaf mapping found by Walk.
type Mapping struct {
	GuestPhys uint64
	Host      uintptr
	Length    uint64
}

// Walk visits every mapping in ascending guest physical order, merging
// leaves that are contiguous in both address spaces.
func (t *Table) Walk(fn func(m Mapping) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		cur  Mapping
		have bool
		addr hostarch.Addr
	)
	for {
		virtual, physical, size, _ := t.pt.Lookup(addr, true)
		if size == 0 {
			break
		}
		if have && cur.GuestPhys+cur.Length == uint64(virtual) && cur.Host+uintptr(cur.Length) == physical {
			cur.Length += uint64(size)
		} else {
			if have && !fn(cur) {
				return
			}
			cur = Mapping{GuestPhys: uint64(virtual), Host: physical, Length: uint64(size)}
			have = true
		}
		next := virtual + hostarch.Addr(size)
		if next <= addr {
			break
		}
		addr = next
	}
	if have {
		fn(cur)
	}
}

// MappedBytes is the total length of all mappings.
func (t *Table) MappedBytes() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}
