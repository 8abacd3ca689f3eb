//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/hvboot/internal/hv"
	"github.com/tinyrange/hvboot/internal/timeslice"
)

// identity-mapped TSS just below the 4GiB boundary
const tssAddr = 0xfffbd000

func (h *hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

func (h *hypervisor) archVMInit(vm *virtualMachine) error {
	if err := setTSSAddr(vm.vmFd, tssAddr); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}
	return nil
}

// archVCPUInit puts the vCPU in real mode with flat segments and the
// instruction pointer at the entry point. Runs on the vCPU thread.
func (h *hypervisor) archVCPUInit(vcpu *virtualCPU, cfg hv.VCPUConfig) error {
	if cfg.EntryPoint > 0xffff {
		return fmt.Errorf("entry point 0x%x outside the real-mode code segment", cfg.EntryPoint)
	}

	cpuId, err := getSupportedCpuId(h.fd)
	if err != nil {
		return fmt.Errorf("getting supported CPUID: %w", err)
	}
	if err := setVCPUID(vcpu.fd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU CPUID: %w", err)
	}

	sregs, err := getSRegs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("get special registers: %w", err)
	}

	flat := func(seg kvmSegment) kvmSegment {
		seg.Base = 0
		seg.Selector = 0
		return seg
	}
	sregs.Cs = flat(sregs.Cs)
	sregs.Ds = flat(sregs.Ds)
	sregs.Es = flat(sregs.Es)
	sregs.Fs = flat(sregs.Fs)
	sregs.Gs = flat(sregs.Gs)
	sregs.Ss = flat(sregs.Ss)

	if err := setSRegs(vcpu.fd, &sregs); err != nil {
		return fmt.Errorf("set special registers: %w", err)
	}

	regs := kvmRegs{
		Rip:    cfg.EntryPoint,
		Rflags: 0x2,
	}
	if err := setRegisters(vcpu.fd, &regs); err != nil {
		return fmt.Errorf("set registers: %w", err)
	}

	return nil
}

// runOnThread enters the guest once. Must be called on the vCPU thread.
func (v *virtualCPU) runOnThread(ctx context.Context) error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// clear immediate_exit in case it was set
	run.immediate_exit = 0

	if err := ctx.Err(); err != nil {
		return &hv.ExitError{Reason: hv.ExitCanceled, Err: err}
	}

	stop := context.AfterFunc(ctx, func() {
		if err := v.requestImmediateExit(); err != nil {
			slog.Warn("kvm: kick vcpu", "guest", v.vm.id, "vcpu", v.id, "error", err)
		}
	})
	defer stop()

	start := time.Now()
	timeslice.RecordGuest(tsKvmHostTime, int32(v.vm.id), start.Sub(v.lastExit))
	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return &hv.ExitError{Reason: hv.ExitCanceled, Err: ctxErr}
			}
			continue
		} else if err != nil {
			return fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		break
	}
	v.lastExit = time.Now()
	timeslice.RecordGuest(tsKvmGuestTime, int32(v.vm.id), v.lastExit.Sub(start))

	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitHlt:
		return &hv.ExitError{Reason: hv.ExitHalt}
	case kvmExitShutdown:
		return &hv.ExitError{Reason: hv.ExitShutdown}
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		return v.handleIO(ioData)
	case kvmExitIntr:
		if err := ctx.Err(); err != nil {
			return &hv.ExitError{Reason: hv.ExitCanceled, Err: err}
		}
		return nil
	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))
		return &hv.ExitError{
			Reason: hv.ExitInternalError,
			Err:    fmt.Errorf("kvm: vCPU %d internal error: %s", v.id, ie.Suberror),
		}
	case kvmExitFailEntry:
		fail := (*kvmFailEntry)(unsafe.Pointer(&run.anon0[0]))
		return &hv.ExitError{
			Reason: hv.ExitFault,
			Err:    fmt.Errorf("kvm: vCPU %d entry failed: reason 0x%x on cpu %d", v.id, fail.hardwareEntryFailureReason, fail.cpu),
		}
	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		if system.typ == kvmSystemEventShutdown {
			return &hv.ExitError{Reason: hv.ExitShutdown}
		}
		return &hv.ExitError{
			Reason: hv.ExitFault,
			Err:    fmt.Errorf("kvm: vCPU %d system event %d", v.id, system.typ),
		}
	default:
		return &hv.ExitError{
			Reason: hv.ExitFault,
			Err:    fmt.Errorf("kvm: vCPU %d exited with %s", v.id, reason),
		}
	}
}

func (v *virtualCPU) handleIO(ioData *kvmExitIoData) error {
	end := ioData.dataOffset + uint64(ioData.size)*uint64(ioData.count)
	if end > uint64(len(v.run)) {
		return &hv.ExitError{
			Reason: hv.ExitInternalError,
			Err:    fmt.Errorf("kvm: I/O data for port 0x%04x outside kvm_run", ioData.port),
		}
	}
	data := v.run[ioData.dataOffset:end]

	if err := hv.DispatchIOPort(v.vm.Devices(), ioData.port, ioData.direction == kvmExitIoOut, data); err != nil {
		return &hv.ExitError{Reason: hv.ExitFault, Err: err}
	}
	return nil
}
