package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrVMHalted              = errors.New("virtual machine halted")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")

	ErrHardwareUnsupported = errors.New("core lacks hardware virtualization support")
	ErrAlreadyActive       = errors.New("virtualization already active on core")
	ErrNotActive           = errors.New("virtualization not active on core")
	ErrGuestSetupFailed    = errors.New("guest setup failed")
	ErrVCPUCreationFailed  = errors.New("vCPU creation failed")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// GuestID identifies a guest machine among the guests live on one core.
type GuestID int

// VCPUID identifies a virtual CPU within its owning guest.
type VCPUID int

// RevisionID is the hardware-reported tag every vCPU control structure created
// on a core must carry (the VMCS revision identifier on VMX hardware).
type RevisionID uint32

func (r RevisionID) String() string { return fmt.Sprintf("0x%08x", uint32(r)) }

// ExitReason categorises why a vCPU stopped running.
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	ExitHalt
	ExitShutdown
	ExitCanceled
	ExitFault
	ExitInternalError
)

func (r ExitReason) String() string {
	switch r {
	case ExitHalt:
		return "halt"
	case ExitShutdown:
		return "shutdown"
	case ExitCanceled:
		return "canceled"
	case ExitFault:
		return "fault"
	case ExitInternalError:
		return "internal-error"
	default:
		return "unknown"
	}
}

// Normal reports whether the exit is an orderly guest stop.
func (r ExitReason) Normal() bool {
	return r == ExitHalt || r == ExitShutdown
}

// ExitError is returned by VirtualCPU.Run when the guest stops for any reason
// other than a handled exit. Halts unwrap to ErrVMHalted.
type ExitError struct {
	Reason ExitReason
	Err    error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return "vcpu exit: " + e.Reason.String()
	}
	return fmt.Sprintf("vcpu exit: %s: %v", e.Reason, e.Err)
}

func (e *ExitError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.Reason.Normal() {
		return ErrVMHalted
	}
	return nil
}

// MemoryRegion is a contiguous run of guest physical memory backed by host memory.
type MemoryRegion struct {
	GuestPhys uint64
	Host      []byte
}

func (r MemoryRegion) Size() uint64 { return uint64(len(r.Host)) }

// MemoryRoot is a provisioned guest physical address space. Root returns the
// physical address of the top-level nested page table.
type MemoryRoot interface {
	io.ReaderAt
	io.WriterAt

	Root() uint64
	Size() uint64
	Regions() []MemoryRegion
	Translate(gpa uint64) (host []byte, ok bool)
}

// HostMemory is host memory handed out by a platform for guest use.
type HostMemory interface {
	io.Closer
	Bytes() []byte
}

type Device interface {
	Init(m Machine) error
}

type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

type SimpleX86IOPortDevice struct {
	Ports []uint16

	ReadFunc  func(port uint16, data []byte) error
	WriteFunc func(port uint16, data []byte) error
}

func (d SimpleX86IOPortDevice) IOPorts() []uint16 { return d.Ports }
func (d SimpleX86IOPortDevice) ReadIOPort(port uint16, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(port, data)
	}
	return fmt.Errorf("unhandled read from I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) WriteIOPort(port uint16, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(port, data)
	}
	return fmt.Errorf("unhandled write to I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) Init(m Machine) error {
	return nil
}

var (
	_ X86IOPortDevice = SimpleX86IOPortDevice{}
)

// DispatchIOPort routes a port access to the first device claiming the port.
func DispatchIOPort(devices []Device, port uint16, write bool, data []byte) error {
	for _, dev := range devices {
		ioDev, ok := dev.(X86IOPortDevice)
		if !ok {
			continue
		}
		for _, p := range ioDev.IOPorts() {
			if p != port {
				continue
			}
			if write {
				if err := ioDev.WriteIOPort(port, data); err != nil {
					return fmt.Errorf("I/O port 0x%04x write: %w", port, err)
				}
				return nil
			}
			if err := ioDev.ReadIOPort(port, data); err != nil {
				return fmt.Errorf("I/O port 0x%04x read: %w", port, err)
			}
			return nil
		}
	}
	return fmt.Errorf("no device handles I/O port 0x%04x", port)
}

// VCPUConfig is the immutable state a vCPU is created with.
type VCPUConfig struct {
	Revision   RevisionID
	EntryPoint uint64
	Memory     MemoryRoot
}

type VirtualCPU interface {
	io.Closer

	Machine() Machine
	ID() VCPUID

	// Run enters the guest and returns after one exit. A handled exit returns
	// nil; a halt returns an error wrapping ErrVMHalted.
	Run(ctx context.Context) error
}

type Machine interface {
	io.Closer

	Platform() Platform
	ID() GuestID
	Core() int

	// AttachMemory binds the guest's physical address space. A machine owns
	// exactly one memory root.
	AttachMemory(root MemoryRoot) error
	AddDevice(dev Device) error
	Devices() []Device

	NewVirtualCPU(id VCPUID, cfg VCPUConfig) (VirtualCPU, error)
}

// Platform is the capability set a hardware binding provides. Per-core
// primitives are raw: state bookkeeping belongs to the per-core controller.
type Platform interface {
	io.Closer

	Name() string
	Architecture() CpuArchitecture
	NumCores() int

	// CheckSupport returns an error wrapping ErrHardwareUnsupported when the
	// core cannot enter virtualization mode.
	CheckSupport(core int) error
	EnableCore(core int) error
	DisableCore(core int) error
	RevisionID(core int) (RevisionID, error)

	AllocateMemory(size uint64) (HostMemory, error)
	NewMachine(id GuestID, core int) (Machine, error)
}
