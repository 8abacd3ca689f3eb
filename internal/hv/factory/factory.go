// Package factory selects a hypervisor binding by name.
package factory

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/tinyrange/hvboot/internal/hv"
	"github.com/tinyrange/hvboot/internal/hv/kvm"
	"github.com/tinyrange/hvboot/internal/hv/sim"
)

const (
	Auto = "auto"
	KVM  = "kvm"
	Sim  = "sim"
)

// Names lists the bindings Open accepts.
func Names() []string { return []string{Auto, KVM, Sim} }

var openKVM = kvm.Open

// Open returns the named binding. Auto prefers KVM and falls back to the
// simulated platform when the host cannot run guests.
func Open(name string) (hv.Platform, error) {
	switch name {
	case KVM:
		return openKVM()
	case Sim:
		return sim.New(sim.WithCores(runtime.NumCPU())), nil
	case Auto, "":
		p, err := openKVM()
		if err == nil {
			return p, nil
		}
		slog.Warn("kvm unavailable, using simulated platform", "error", err)
		return sim.New(sim.WithCores(runtime.NumCPU())), nil
	default:
		return nil, fmt.Errorf("unknown platform %q: %w", name, errors.ErrUnsupported)
	}
}

// OpenWithArchitecture is Open restricted to bindings running guests of arch.
// An invalid architecture means the host default.
func OpenWithArchitecture(name string, arch hv.CpuArchitecture) (hv.Platform, error) {
	p, err := Open(name)
	if err != nil {
		return nil, err
	}
	if arch == hv.ArchitectureInvalid || p.Architecture() == arch {
		return p, nil
	}
	got := p.Architecture()
	p.Close()
	return nil, fmt.Errorf("platform %s runs %s guests, want %s: %w", p.Name(), got, arch, hv.ErrHypervisorUnsupported)
}
