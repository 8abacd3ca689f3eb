//go:build linux && amd64

// Package kvm is the Linux /dev/kvm binding of hv.Platform.
//
// KVM owns the hardware virtualization mode of every core, so per-core
// enable and disable are tracked here rather than issued to hardware. What
// is real is the placement: every vCPU runs on an OS thread pinned to its
// guest's core, and vCPUs are only created while that core is enabled and
// carry the core's revision identifier.
package kvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/hvboot/internal/hv"
	"github.com/tinyrange/hvboot/internal/timeslice"
)

var ErrRevisionMismatch = errors.New("kvm: vcpu revision does not match core")

var (
	tsKvmCreateVm            = timeslice.RegisterKind("kvm_create_vm", timeslice.SliceFlagSetup)
	tsKvmArchVMInit          = timeslice.RegisterKind("kvm_arch_vm_init", timeslice.SliceFlagSetup)
	tsKvmSetUserMemoryRegion = timeslice.RegisterKind("kvm_set_user_memory_region", timeslice.SliceFlagSetup)
	tsKvmCreateVCPU          = timeslice.RegisterKind("kvm_create_vcpu", timeslice.SliceFlagSetup)
	tsKvmMmapVCPU            = timeslice.RegisterKind("kvm_mmap_vcpu", timeslice.SliceFlagSetup)
	tsKvmArchVCPUInit        = timeslice.RegisterKind("kvm_arch_vcpu_init", timeslice.SliceFlagSetup)
	tsKvmHostTime            = timeslice.RegisterKind("kvm_host_time", 0)
	tsKvmGuestTime           = timeslice.RegisterKind("kvm_guest_time", timeslice.SliceFlagGuestTime)
)

type coreState struct {
	enabled  bool
	revision hv.RevisionID
	live     map[hv.GuestID]*virtualMachine
}

type hypervisor struct {
	fd       int
	cores    int
	mmapSize int

	mu    sync.Mutex
	state map[int]*coreState
}

// implements hv.Platform.
func (h *hypervisor) Name() string  { return "kvm" }
func (h *hypervisor) NumCores() int { return h.cores }

func (h *hypervisor) coreLocked(core int) *coreState {
	st, ok := h.state[core]
	if !ok {
		st = &coreState{live: make(map[hv.GuestID]*virtualMachine)}
		h.state[core] = st
	}
	return st
}

func (h *hypervisor) checkCore(core int) error {
	if core < 0 || core >= h.cores {
		return fmt.Errorf("kvm: core %d out of range [0, %d)", core, h.cores)
	}
	return nil
}

// CheckSupport implements hv.Platform.
func (h *hypervisor) CheckSupport(core int) error {
	if err := h.checkCore(core); err != nil {
		return err
	}
	return checkCoreSupport(core)
}

// EnableCore implements hv.Platform.
func (h *hypervisor) EnableCore(core int) error {
	if err := h.CheckSupport(core); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.coreLocked(core)
	if st.enabled {
		return fmt.Errorf("kvm: core %d: %w", core, hv.ErrAlreadyActive)
	}
	st.enabled = true
	st.revision = readRevision(h.fd, core)
	return nil
}

// DisableCore implements hv.Platform.
func (h *hypervisor) DisableCore(core int) error {
	if err := h.checkCore(core); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.coreLocked(core)
	if !st.enabled {
		return fmt.Errorf("kvm: core %d: %w", core, hv.ErrNotActive)
	}
	st.enabled = false
	st.revision = 0
	return nil
}

// RevisionID implements hv.Platform.
func (h *hypervisor) RevisionID(core int) (hv.RevisionID, error) {
	if err := h.checkCore(core); err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.coreLocked(core)
	if !st.enabled {
		return 0, fmt.Errorf("kvm: core %d: %w", core, hv.ErrNotActive)
	}
	return st.revision, nil
}

type mmapMemory struct {
	mem []byte
}

func (m *mmapMemory) Bytes() []byte { return m.mem }

func (m *mmapMemory) Close() error {
	if m.mem == nil {
		return nil
	}
	mem := m.mem
	m.mem = nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("kvm: munmap guest memory: %w", err)
	}
	return nil
}

// AllocateMemory implements hv.Platform.
func (h *hypervisor) AllocateMemory(size uint64) (hv.HostMemory, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size == 0 || size > maxInt {
		return nil, fmt.Errorf("kvm: invalid allocation size %d", size)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(hv.PageAlign(size)),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("kvm: mmap guest memory: %w", err)
	}

	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("kvm: madvise guest memory: %w", err)
	}

	return &mmapMemory{mem: mem}, nil
}

// NewMachine implements hv.Platform.
func (h *hypervisor) NewMachine(id hv.GuestID, core int) (hv.Machine, error) {
	if err := h.checkCore(core); err != nil {
		return nil, err
	}

	h.mu.Lock()
	st := h.coreLocked(core)
	if _, ok := st.live[id]; ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("kvm: guest %d already live on core %d", id, core)
	}
	// reserve the id before the slow ioctls
	st.live[id] = nil
	h.mu.Unlock()

	vm, err := h.newMachine(id, core)
	if err != nil {
		h.mu.Lock()
		delete(st.live, id)
		h.mu.Unlock()
		return nil, err
	}

	h.mu.Lock()
	st.live[id] = vm
	h.mu.Unlock()

	return vm, nil
}

func (h *hypervisor) newMachine(id hv.GuestID, core int) (*virtualMachine, error) {
	rec := timeslice.NewGuestRecorder(int(id))

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}
	rec.Record(tsKvmCreateVm)

	vm := &virtualMachine{
		hv:    h,
		id:    id,
		core:  core,
		vmFd:  vmFd,
		vcpus: make(map[hv.VCPUID]*virtualCPU),
	}

	if err := h.archVMInit(vm); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: initialize VM: %w", err)
	}
	rec.Record(tsKvmArchVMInit)

	return vm, nil
}

func (h *hypervisor) release(vm *virtualMachine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.coreLocked(vm.core)
	if st.live[vm.id] == vm {
		delete(st.live, vm.id)
	}
}

// Close implements hv.Platform.
func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

var (
	_ hv.Platform = &hypervisor{}
)

type virtualMachine struct {
	hv   *hypervisor
	id   hv.GuestID
	core int
	vmFd int

	mu       sync.Mutex
	memory   hv.MemoryRoot
	devices  []hv.Device
	vcpus    map[hv.VCPUID]*virtualCPU
	nextSlot uint32
	closed   bool
}

// implements hv.Machine.
func (v *virtualMachine) Platform() hv.Platform { return v.hv }
func (v *virtualMachine) ID() hv.GuestID        { return v.id }
func (v *virtualMachine) Core() int             { return v.core }

// AttachMemory implements hv.Machine. Every region of the root becomes one
// KVM memory slot.
func (v *virtualMachine) AttachMemory(root hv.MemoryRoot) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.memory != nil {
		return fmt.Errorf("kvm: guest %d already has a memory root", v.id)
	}

	start := time.Now()
	for _, region := range root.Regions() {
		if region.Size() == 0 {
			continue
		}
		if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
			Slot:          v.nextSlot,
			Flags:         0,
			GuestPhysAddr: region.GuestPhys,
			MemorySize:    region.Size(),
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&region.Host[0]))),
		}); err != nil {
			return fmt.Errorf("kvm: set user memory region at 0x%x: %w", region.GuestPhys, err)
		}
		v.nextSlot++
	}
	timeslice.RecordGuest(tsKvmSetUserMemoryRegion, int32(v.id), time.Since(start))

	v.memory = root
	return nil
}

// AddDevice implements hv.Machine.
func (v *virtualMachine) AddDevice(dev hv.Device) error {
	v.mu.Lock()
	v.devices = append(v.devices, dev)
	v.mu.Unlock()

	return dev.Init(v)
}

// Devices implements hv.Machine.
func (v *virtualMachine) Devices() []hv.Device {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]hv.Device(nil), v.devices...)
}

// NewVirtualCPU implements hv.Machine.
func (v *virtualMachine) NewVirtualCPU(id hv.VCPUID, cfg hv.VCPUConfig) (hv.VirtualCPU, error) {
	rev, err := v.hv.RevisionID(v.core)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vcpu %d: %w", id, err)
	}
	if cfg.Revision != rev {
		return nil, fmt.Errorf("%w: vcpu has %s, core %d has %s", ErrRevisionMismatch, cfg.Revision, v.core, rev)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, fmt.Errorf("kvm: guest %d closed", v.id)
	}
	if v.memory == nil || cfg.Memory != v.memory {
		return nil, fmt.Errorf("kvm: vcpu %d memory root is not guest %d's", id, v.id)
	}
	if _, ok := v.vcpus[id]; ok {
		return nil, fmt.Errorf("kvm: guest %d already has vcpu %d", v.id, id)
	}

	rec := timeslice.NewGuestRecorder(int(v.id))

	vcpuFd, err := createVCPU(v.vmFd, int(id))
	if err != nil {
		return nil, fmt.Errorf("kvm: create vCPU %d: %w", id, err)
	}
	rec.Record(tsKvmCreateVCPU)

	run, err := unix.Mmap(
		vcpuFd,
		0,
		v.hv.mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("kvm: mmap vCPU %d kvm_run: %w", id, err)
	}
	rec.Record(tsKvmMmapVCPU)

	vcpu := &virtualCPU{
		vm:       v,
		id:       id,
		fd:       vcpuFd,
		run:      run,
		runQueue: make(chan func(), 16),
		lastExit: time.Now(),
	}

	started := make(chan error, 1)
	go vcpu.start(v.core, started)
	if err := <-started; err != nil {
		close(vcpu.runQueue)
		vcpu.closeFds()
		return nil, fmt.Errorf("kvm: start vCPU %d thread: %w", id, err)
	}

	if err := vcpu.call(func() error { return v.hv.archVCPUInit(vcpu, cfg) }); err != nil {
		close(vcpu.runQueue)
		vcpu.closeFds()
		return nil, fmt.Errorf("kvm: initialize vCPU %d: %w", id, err)
	}
	rec.Record(tsKvmArchVCPUInit)

	v.vcpus[id] = vcpu

	return vcpu, nil
}

// Close implements hv.Machine. The memory root is not released here.
func (v *virtualMachine) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	vcpus := v.vcpus
	v.vcpus = nil
	v.mu.Unlock()

	var errs []error
	for _, vcpu := range vcpus {
		if err := vcpu.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := unix.Close(v.vmFd); err != nil {
		errs = append(errs, fmt.Errorf("kvm: close vm fd: %w", err))
	}

	v.hv.release(v)

	return errors.Join(errs...)
}

var (
	_ hv.Machine = &virtualMachine{}
)

type virtualCPU struct {
	vm       *virtualMachine
	id       hv.VCPUID
	fd       int
	run      []byte
	runQueue chan func()
	tid      int
	lastExit time.Time

	closeOnce sync.Once
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() hv.VCPUID       { return v.id }
func (v *virtualCPU) Machine() hv.Machine { return v.vm }

// start locks the vCPU thread to core and serves the run queue. KVM
// requires every ioctl on a vCPU to come from the same thread.
func (v *virtualCPU) start(core int, started chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var set unix.CPUSet
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		started <- fmt.Errorf("pin thread to core %d: %w", core, err)
		return
	}
	v.tid = unix.Gettid()
	started <- nil

	for fn := range v.runQueue {
		fn()
	}
}

func (v *virtualCPU) call(fn func() error) error {
	done := make(chan error, 1)
	v.runQueue <- func() {
		done <- fn()
	}
	return <-done
}

// Run implements hv.VirtualCPU.
func (v *virtualCPU) Run(ctx context.Context) error {
	return v.call(func() error { return v.runOnThread(ctx) })
}

func (v *virtualCPU) requestImmediateExit() error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	run.immediate_exit = 1

	// kick the vCPU thread out of KVM_RUN
	if err := unix.Tgkill(unix.Getpid(), v.tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

func (v *virtualCPU) closeFds() {
	if err := unix.Munmap(v.run); err != nil {
		slog.Error("kvm: munmap vcpu run", "error", err)
	}
	if err := unix.Close(v.fd); err != nil {
		slog.Error("kvm: close vcpu fd", "error", err)
	}
}

// Close implements hv.VirtualCPU.
func (v *virtualCPU) Close() error {
	v.closeOnce.Do(func() {
		close(v.runQueue)
		v.closeFds()
	})
	return nil
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

// Open opens /dev/kvm and checks the API version.
func Open() (hv.Platform, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	if ok, err := checkExtension(fd, kvmCapUserMemory); err != nil || ok == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: user memory regions unsupported: %w", hv.ErrHypervisorUnsupported)
	}

	mmapSize, err := getVcpuMmapSize(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get kvm_run mmap size: %w", err)
	}

	return &hypervisor{
		fd:       fd,
		cores:    runtime.NumCPU(),
		mmapSize: mmapSize,
		state:    make(map[int]*coreState),
	}, nil
}
