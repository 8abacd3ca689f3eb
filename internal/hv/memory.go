package hv

import "unsafe"

// SliceMemory is HostMemory backed by an ordinary Go allocation.
type SliceMemory []byte

func (m SliceMemory) Bytes() []byte { return m }
func (m SliceMemory) Close() error  { return nil }

// NewSliceMemory allocates size bytes rounded up to a page, starting on a
// page boundary.
func NewSliceMemory(size uint64) SliceMemory {
	size = PageAlign(size)
	if size == 0 {
		return SliceMemory{}
	}
	buf := make([]byte, size+pageSize)
	base := uint64(uintptr(unsafe.Pointer(&buf[0])))
	off := alignUp(base, pageSize) - base
	return SliceMemory(buf[off : off+size : off+size])
}

var (
	_ HostMemory = SliceMemory(nil)
)

const pageSize = 0x1000

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// PageAlign rounds size up to the 4KiB page size.
func PageAlign(size uint64) uint64 {
	return alignUp(size, pageSize)
}
