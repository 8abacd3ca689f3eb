//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/hvboot/internal/console"
	"github.com/tinyrange/hvboot/internal/firmware"
	"github.com/tinyrange/hvboot/internal/guest"
	"github.com/tinyrange/hvboot/internal/guestmem"
	"github.com/tinyrange/hvboot/internal/hv"
)

const testCore = 0

func openKVM(t testing.TB) hv.Platform {
	t.Helper()

	p, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("Close KVM hypervisor: %v", err)
		}
	})

	if err := p.CheckSupport(testCore); err != nil {
		t.Skipf("core %d cannot host guests: %v", testCore, err)
	}
	return p
}

func enableCore(t testing.TB, p hv.Platform) hv.RevisionID {
	t.Helper()

	if err := p.EnableCore(testCore); err != nil {
		t.Fatalf("EnableCore: %v", err)
	}
	t.Cleanup(func() {
		if err := p.DisableCore(testCore); err != nil {
			t.Errorf("DisableCore: %v", err)
		}
	})

	rev, err := p.RevisionID(testCore)
	if err != nil {
		t.Fatalf("RevisionID: %v", err)
	}
	return rev
}

func TestSystemIoctls(t *testing.T) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	defer unix.Close(fd)

	if v, err := getApiVersion(fd); err != nil || v != kvmApiVersion {
		t.Fatalf("getApiVersion = %d, %v", v, err)
	}
	if ok, err := checkExtension(fd, kvmCapUserMemory); err != nil || ok == 0 {
		t.Fatalf("checkExtension(user memory) = %d, %v", ok, err)
	}
	vm, err := createVm(fd)
	if err != nil {
		t.Fatalf("createVm: %v", err)
	}
	unix.Close(vm)
}

func TestCoreFlags(t *testing.T) {
	cpuinfo := strings.Join([]string{
		"processor\t: 0",
		"vendor_id\t: GenuineIntel",
		"flags\t\t: fpu vme de pse msr vmx ept",
		"",
		"processor\t: 1",
		"flags\t\t: fpu vme de pse msr",
		"",
	}, "\n")

	flags, err := coreFlags(strings.NewReader(cpuinfo), 0)
	if err != nil {
		t.Fatalf("coreFlags(0): %v", err)
	}
	if !strings.Contains(strings.Join(flags, " "), "vmx") {
		t.Fatalf("core 0 flags = %v, want vmx", flags)
	}

	flags, err = coreFlags(strings.NewReader(cpuinfo), 1)
	if err != nil {
		t.Fatalf("coreFlags(1): %v", err)
	}
	if len(flags) != 5 {
		t.Fatalf("core 1 flags = %v", flags)
	}

	if _, err := coreFlags(strings.NewReader(cpuinfo), 7); !errors.Is(err, hv.ErrHardwareUnsupported) {
		t.Fatalf("coreFlags(7) error = %v, want ErrHardwareUnsupported", err)
	}
}

func TestCoreOutOfRange(t *testing.T) {
	p := openKVM(t)

	if err := p.EnableCore(p.NumCores()); err == nil {
		t.Fatalf("EnableCore(%d) succeeded", p.NumCores())
	}
	if _, err := p.RevisionID(-1); err == nil {
		t.Fatalf("RevisionID(-1) succeeded")
	}
}

func TestEnableDisableCore(t *testing.T) {
	p := openKVM(t)

	if _, err := p.RevisionID(testCore); !errors.Is(err, hv.ErrNotActive) {
		t.Fatalf("RevisionID before enable = %v, want ErrNotActive", err)
	}

	if err := p.EnableCore(testCore); err != nil {
		t.Fatalf("EnableCore: %v", err)
	}
	if err := p.EnableCore(testCore); !errors.Is(err, hv.ErrAlreadyActive) {
		t.Fatalf("second EnableCore = %v, want ErrAlreadyActive", err)
	}

	first, err := p.RevisionID(testCore)
	if err != nil {
		t.Fatalf("RevisionID: %v", err)
	}
	second, err := p.RevisionID(testCore)
	if err != nil {
		t.Fatalf("RevisionID: %v", err)
	}
	if first != second {
		t.Fatalf("revision changed between reads: %s != %s", first, second)
	}

	if err := p.DisableCore(testCore); err != nil {
		t.Fatalf("DisableCore: %v", err)
	}
	if err := p.DisableCore(testCore); !errors.Is(err, hv.ErrNotActive) {
		t.Fatalf("second DisableCore = %v, want ErrNotActive", err)
	}
}

func provision(t testing.TB, p hv.Platform, id hv.GuestID) *guestmem.Root {
	t.Helper()

	root, err := guestmem.NewProvisioner(p).Provision(context.Background(), id)
	if err != nil {
		t.Fatalf("Provision guest %d: %v", id, err)
	}
	t.Cleanup(func() { root.Close() })
	return root
}

func TestRevisionMismatchRejected(t *testing.T) {
	p := openKVM(t)
	rev := enableCore(t, p)

	vm, err := guest.New(p, 0, testCore)
	if err != nil {
		t.Fatalf("guest.New: %v", err)
	}
	defer vm.Close()

	root := provision(t, p, 0)
	if _, err := vm.AddVCPU(rev+1, firmware.BIOSEntry, root); !errors.Is(err, ErrRevisionMismatch) {
		t.Fatalf("AddVCPU with wrong revision = %v, want ErrRevisionMismatch", err)
	}
}

func TestRunFirmwareBanner(t *testing.T) {
	p := openKVM(t)
	rev := enableCore(t, p)

	for _, id := range []hv.GuestID{0, 1, 12} {
		vm, err := guest.New(p, id, testCore)
		if err != nil {
			t.Fatalf("guest.New(%d): %v", id, err)
		}
		defer vm.Close()

		con := console.New(id)
		if err := vm.AddDevice(con); err != nil {
			t.Fatalf("AddDevice: %v", err)
		}

		vcpuID, err := vm.AddVCPU(rev, firmware.BIOSEntry, provision(t, p, id))
		if err != nil {
			t.Fatalf("AddVCPU: %v", err)
		}
		vcpu, err := vm.VCPU(vcpuID)
		if err != nil {
			t.Fatalf("VCPU: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		out := vcpu.Run(ctx)
		cancel()

		if !out.Normal() {
			t.Fatalf("guest %d outcome: exit=%s err=%v", id, out.Exit, out.Err)
		}
		con.Flush()
		lines := con.Lines()
		if len(lines) != 1 || lines[0] != strconv.Itoa(int(id)) {
			t.Fatalf("guest %d console = %q", id, lines)
		}
	}
}

func TestRunCanceled(t *testing.T) {
	p := openKVM(t)
	rev := enableCore(t, p)

	vm, err := guest.New(p, 0, testCore)
	if err != nil {
		t.Fatalf("guest.New: %v", err)
	}
	defer vm.Close()

	root := provision(t, p, 0)
	// jmp $ keeps the guest spinning until it is kicked
	if _, err := root.WriteAt([]byte{0xeb, 0xfe}, int64(firmware.BIOSEntry)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	vcpuID, err := vm.AddVCPU(rev, firmware.BIOSEntry, root)
	if err != nil {
		t.Fatalf("AddVCPU: %v", err)
	}
	vcpu, err := vm.VCPU(vcpuID)
	if err != nil {
		t.Fatalf("VCPU: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	out := vcpu.Run(ctx)
	if out.Exit != hv.ExitCanceled {
		t.Fatalf("exit = %s (err %v), want canceled", out.Exit, out.Err)
	}
}
