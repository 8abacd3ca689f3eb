// Package guest wraps a platform machine as a guest VM with its virtual CPUs.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/hvboot/internal/hv"
)

var (
	ErrVCPUNotFound = errors.New("vcpu not found")
	ErrVCPUBusy     = errors.New("vcpu already running")
	ErrMemoryRoot   = errors.New("guest already has a different memory root")
	ErrClosed       = errors.New("guest closed")
)

// VM is one guest machine. It owns exactly one memory root, attached when
// the first vCPU is added.
type VM struct {
	platform hv.Platform
	machine  hv.Machine
	log      *slog.Logger

	mu     sync.Mutex
	root   hv.MemoryRoot
	vcpus  map[hv.VCPUID]*VCPU
	nextID hv.VCPUID
	closed bool
}

// New creates guest id on core.
func New(platform hv.Platform, id hv.GuestID, core int) (*VM, error) {
	machine, err := platform.NewMachine(id, core)
	if err != nil {
		return nil, fmt.Errorf("create guest %d: %w", id, err)
	}
	return &VM{
		platform: platform,
		machine:  machine,
		log:      slog.Default().With("guest", int(id)),
		vcpus:    make(map[hv.VCPUID]*VCPU),
	}, nil
}

func (vm *VM) ID() hv.GuestID      { return vm.machine.ID() }
func (vm *VM) Core() int           { return vm.machine.Core() }
func (vm *VM) Machine() hv.Machine { return vm.machine }

// Memory returns the guest's memory root, or nil before the first vCPU.
func (vm *VM) Memory() hv.MemoryRoot {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.root
}

func (vm *VM) AddDevice(dev hv.Device) error {
	if err := vm.machine.AddDevice(dev); err != nil {
		return fmt.Errorf("guest %d: add device: %w", vm.ID(), err)
	}
	return nil
}

// AddVCPU creates the next virtual CPU of the guest, stamped with rev and
// starting at entry with root as its address space.
func (vm *VM) AddVCPU(rev hv.RevisionID, entry uint64, root hv.MemoryRoot) (hv.VCPUID, error) {
	if root == nil {
		return 0, fmt.Errorf("guest %d: nil memory root", vm.ID())
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return 0, ErrClosed
	}

	if vm.root == nil {
		if err := vm.machine.AttachMemory(root); err != nil {
			return 0, fmt.Errorf("guest %d: attach memory: %w", vm.ID(), err)
		}
		vm.root = root
	} else if vm.root != root {
		return 0, fmt.Errorf("guest %d: %w", vm.ID(), ErrMemoryRoot)
	}

	id := vm.nextID
	cpu, err := vm.machine.NewVirtualCPU(id, hv.VCPUConfig{
		Revision:   rev,
		EntryPoint: entry,
		Memory:     root,
	})
	if err != nil {
		return 0, fmt.Errorf("guest %d: vcpu %d: %w", vm.ID(), id, err)
	}
	vm.nextID++

	vm.vcpus[id] = &VCPU{
		vm:       vm,
		cpu:      cpu,
		revision: rev,
		entry:    entry,
		root:     root,
	}

	vm.log.Debug("vcpu added", "vcpu", int(id), "revision", rev.String(), "entry", fmt.Sprintf("0x%x", entry))

	return id, nil
}

// VCPU returns the vCPU with id.
func (vm *VM) VCPU(id hv.VCPUID) (*VCPU, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	v, ok := vm.vcpus[id]
	if !ok {
		return nil, fmt.Errorf("guest %d: vcpu %d: %w", vm.ID(), id, ErrVCPUNotFound)
	}
	return v, nil
}

// Close releases every vCPU and the machine. The memory root is owned by
// whoever provisioned it.
func (vm *VM) Close() error {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return nil
	}
	vm.closed = true
	vcpus := vm.vcpus
	vm.vcpus = nil
	vm.mu.Unlock()

	var errs []error
	for _, v := range vcpus {
		if err := v.cpu.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close vcpu %d: %w", v.ID(), err))
		}
	}
	if err := vm.machine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close machine: %w", err))
	}
	return errors.Join(errs...)
}

// VCPU is one guest execution context. Its revision, entry point and memory
// root never change after creation.
type VCPU struct {
	vm       *VM
	cpu      hv.VirtualCPU
	revision hv.RevisionID
	entry    uint64
	root     hv.MemoryRoot

	running atomic.Bool
}

func (v *VCPU) ID() hv.VCPUID           { return v.cpu.ID() }
func (v *VCPU) Guest() hv.GuestID       { return v.vm.ID() }
func (v *VCPU) Revision() hv.RevisionID { return v.revision }
func (v *VCPU) EntryPoint() uint64      { return v.entry }
func (v *VCPU) Memory() hv.MemoryRoot   { return v.root }

// Outcome describes how a Run ended.
type Outcome struct {
	Guest    hv.GuestID
	VCPU     hv.VCPUID
	Exit     hv.ExitReason
	Exits    int
	Duration time.Duration
	Err      error
}

// Normal reports whether the guest stopped on its own without error.
func (o Outcome) Normal() bool { return o.Err == nil && o.Exit.Normal() }

// Run drives the vCPU until the guest halts, faults or ctx is canceled.
// Only one Run may be active at a time.
func (v *VCPU) Run(ctx context.Context) (out Outcome) {
	out = Outcome{Guest: v.Guest(), VCPU: v.ID()}

	if !v.running.CompareAndSwap(false, true) {
		out.Exit = hv.ExitInternalError
		out.Err = fmt.Errorf("guest %d: vcpu %d: %w", out.Guest, out.VCPU, ErrVCPUBusy)
		return out
	}
	defer v.running.Store(false)

	start := time.Now()
	defer func() { out.Duration = time.Since(start) }()

	for {
		err := v.cpu.Run(ctx)
		out.Exits++
		if err == nil {
			continue
		}

		var exit *hv.ExitError
		switch {
		case errors.As(err, &exit):
			out.Exit = exit.Reason
			if !exit.Reason.Normal() {
				out.Err = err
			}
		case errors.Is(err, hv.ErrVMHalted):
			out.Exit = hv.ExitHalt
		case ctx.Err() != nil:
			out.Exit = hv.ExitCanceled
			out.Err = err
		default:
			out.Exit = hv.ExitInternalError
			out.Err = err
		}
		return out
	}
}
