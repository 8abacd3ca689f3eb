// Package guestmem provisions guest physical address spaces.
package guestmem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/tinyrange/hvboot/internal/firmware"
	"github.com/tinyrange/hvboot/internal/hv"
	"github.com/tinyrange/hvboot/internal/npt"
)

// DefaultSize is the guest RAM size used when none is configured.
const DefaultSize uint64 = 2 << 20

// Root is one guest's physical address space: a single RAM region starting
// at guest physical 0, the nested page table describing it, and the host
// memory backing it.
type Root struct {
	mu     sync.RWMutex
	id     hv.GuestID
	mem    hv.HostMemory
	ram    []byte
	table  *npt.Table
	closed bool
}

func (r *Root) ID() hv.GuestID { return r.id }

// Root implements hv.MemoryRoot.
func (r *Root) Root() uint64 { return r.table.Root() }

// Size implements hv.MemoryRoot.
func (r *Root) Size() uint64 { return uint64(len(r.ram)) }

// Regions implements hv.MemoryRoot.
func (r *Root) Regions() []hv.MemoryRegion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil
	}
	return []hv.MemoryRegion{{GuestPhys: 0, Host: r.ram}}
}

// Translate implements hv.MemoryRoot. The returned slice runs from gpa to
// the end of the backing region.
func (r *Root) Translate(gpa uint64) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, false
	}
	host, ok := r.table.Translate(gpa)
	if !ok {
		return nil, false
	}
	base := uintptr(unsafe.Pointer(&r.ram[0]))
	if host < base || host >= base+uintptr(len(r.ram)) {
		return nil, false
	}
	return r.ram[host-base:], true
}

// ReadAt implements io.ReaderAt.
func (r *Root) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("guestmem: negative offset %d", off)
	}
	host, ok := r.Translate(uint64(off))
	if !ok {
		return 0, fmt.Errorf("guestmem: read of unmapped gpa 0x%x", off)
	}
	n := copy(p, host)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (r *Root) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("guestmem: negative offset %d", off)
	}
	host, ok := r.Translate(uint64(off))
	if !ok {
		return 0, fmt.Errorf("guestmem: write to unmapped gpa 0x%x", off)
	}
	if len(p) > len(host) {
		return 0, fmt.Errorf("guestmem: write of %d bytes at 0x%x crosses end of memory", len(p), off)
	}
	return copy(host, p), nil
}

// Close releases the host memory backing the root.
func (r *Root) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.mem.Close()
}

var (
	_ hv.MemoryRoot = &Root{}
)

type Allocator interface {
	AllocateMemory(size uint64) (hv.HostMemory, error)
}

// Provisioner builds a Root per guest, loads the firmware at the entry point
// and writes the guest's boot info.
type Provisioner struct {
	alloc Allocator
	size  uint64
	entry uint64
	log   *slog.Logger
}

type Option func(*Provisioner)

func WithSize(size uint64) Option {
	return func(p *Provisioner) { p.size = size }
}

func WithEntry(entry uint64) Option {
	return func(p *Provisioner) { p.entry = entry }
}

func WithLogger(log *slog.Logger) Option {
	return func(p *Provisioner) { p.log = log }
}

func NewProvisioner(alloc Allocator, opts ...Option) *Provisioner {
	p := &Provisioner{
		alloc: alloc,
		size:  DefaultSize,
		entry: firmware.BIOSEntry,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision builds the address space for guest id.
func (p *Provisioner) Provision(ctx context.Context, id hv.GuestID) (*Root, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := hv.PageAlign(p.size)
	if need := p.entry + firmware.Size(); size < need {
		return nil, fmt.Errorf("guestmem: %d bytes of memory cannot hold firmware ending at 0x%x", size, need)
	}
	bootEnd := firmware.BootInfoAddr + firmware.BootInfoSize
	if size < bootEnd {
		return nil, fmt.Errorf("guestmem: %d bytes of memory cannot hold boot info ending at 0x%x", size, bootEnd)
	}
	if p.entry < bootEnd && firmware.BootInfoAddr < p.entry+firmware.Size() {
		return nil, fmt.Errorf("guestmem: firmware at 0x%x overlaps boot info at 0x%x", p.entry, firmware.BootInfoAddr)
	}

	mem, err := p.alloc.AllocateMemory(size)
	if err != nil {
		return nil, fmt.Errorf("allocate guest memory: %w", err)
	}
	ram := mem.Bytes()
	if uint64(len(ram)) < size {
		mem.Close()
		return nil, fmt.Errorf("guestmem: allocator returned %d bytes, want %d", len(ram), size)
	}
	ram = ram[:size]

	table := npt.New()
	if err := table.Map(0, size, uintptr(unsafe.Pointer(&ram[0]))); err != nil {
		mem.Close()
		return nil, fmt.Errorf("map guest memory: %w", err)
	}

	root := &Root{id: id, mem: mem, ram: ram, table: table}

	if err := firmware.Load(root, p.entry); err != nil {
		root.Close()
		return nil, err
	}
	if err := firmware.WriteBootInfo(root, id); err != nil {
		root.Close()
		return nil, err
	}

	p.log.Debug("guest memory provisioned",
		"guest", id,
		"size", size,
		"mapped", table.MappedBytes(),
		"root", fmt.Sprintf("0x%x", root.Root()),
	)
	if p.log.Enabled(ctx, slog.LevelDebug) {
		table.Walk(func(m npt.Mapping) bool {
			p.log.Debug("guest memory mapping",
				"guest", id,
				"gpa", fmt.Sprintf("0x%x", m.GuestPhys),
				"length", m.Length,
			)
			return true
		})
	}

	return root, nil
}
