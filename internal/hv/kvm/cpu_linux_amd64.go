//go:build linux && amd64

package kvm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/hvboot/internal/hv"
)

// IA32_VMX_BASIC; bits 30:0 hold the VMCS revision identifier.
const msrVMXBasic = 0x480

var cpuinfoPath = "/proc/cpuinfo"

// checkCoreSupport looks for the vmx or svm flag on the core's cpuinfo entry
// and verifies the process may schedule on the core.
func checkCoreSupport(core int) error {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err == nil && !set.IsSet(core) {
		return fmt.Errorf("core %d: not in process affinity: %w", core, hv.ErrHardwareUnsupported)
	}

	f, err := os.Open(cpuinfoPath)
	if err != nil {
		return fmt.Errorf("read cpu flags: %w", err)
	}
	defer f.Close()

	flags, err := coreFlags(f, core)
	if err != nil {
		return err
	}
	for _, flag := range flags {
		if flag == "vmx" || flag == "svm" {
			return nil
		}
	}
	return fmt.Errorf("core %d: no vmx or svm flag: %w", core, hv.ErrHardwareUnsupported)
}

func coreFlags(r io.Reader, core int) ([]string, error) {
	current := -1
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "processor":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("parse cpuinfo processor %q: %w", value, err)
			}
			current = n
		case "flags":
			if current == core {
				return strings.Fields(value), nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan cpuinfo: %w", err)
	}
	return nil, fmt.Errorf("core %d: not listed in cpuinfo: %w", core, hv.ErrHardwareUnsupported)
}

// readRevision reads the VMCS revision identifier of core through the msr
// driver. Without access to it (no msr module, not root, AMD hardware) the
// KVM API version stands in so every vCPU on the core still agrees.
func readRevision(kvmFd int, core int) hv.RevisionID {
	if rev, err := readVMXRevision(core); err == nil {
		return rev
	}
	version, err := getApiVersion(kvmFd)
	if err != nil {
		return hv.RevisionID(kvmApiVersion)
	}
	return hv.RevisionID(version)
}

func readVMXRevision(core int) (hv.RevisionID, error) {
	fd, err := unix.Open(fmt.Sprintf("/dev/cpu/%d/msr", core), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var buf [8]byte
	n, err := unix.Pread(fd, buf[:], msrVMXBasic)
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short msr read: %d bytes", n)
	}
	return hv.RevisionID(binary.LittleEndian.Uint64(buf[:]) & 0x7fffffff), nil
}
