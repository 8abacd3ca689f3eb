// Package sim is an in-process hv.Platform. It models per-core
// virtualization state and the revision identifier checks hardware performs,
// and runs each guest as a Go function instead of executing guest code.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hvboot/internal/firmware"
	"github.com/tinyrange/hvboot/internal/hv"
)

// DefaultRevision is reported by every core unless overridden.
const DefaultRevision hv.RevisionID = 0x00000004

var (
	ErrRevisionMismatch = errors.New("sim: vcpu revision does not match core")
	ErrGuestIDInUse     = errors.New("sim: guest id already live on core")
	ErrVCPUBusy         = errors.New("sim: vcpu already running")
)

// Program stands in for guest code. It returns the reason the guest stopped.
type Program func(ctx context.Context, g *Guest) (hv.ExitReason, error)

// Firmware behaves like the real-mode firmware image: it prints the guest id
// from boot info on the console port and halts.
func Firmware(ctx context.Context, g *Guest) (hv.ExitReason, error) {
	id, err := firmware.ReadBootInfo(g.Memory())
	if err != nil {
		return hv.ExitFault, err
	}
	for _, b := range firmware.Banner(id) {
		if err := g.Out(firmware.ConsolePort, []byte{b}); err != nil {
			return hv.ExitInternalError, err
		}
	}
	return hv.ExitHalt, nil
}

type Option func(*Platform)

func WithCores(n int) Option {
	return func(p *Platform) { p.cores = n }
}

// WithRevision sets the revision identifier every core reports.
func WithRevision(rev hv.RevisionID) Option {
	return func(p *Platform) { p.revision = func(int) hv.RevisionID { return rev } }
}

// WithRevisionFunc computes a core's revision identifier.
func WithRevisionFunc(fn func(core int) hv.RevisionID) Option {
	return func(p *Platform) { p.revision = fn }
}

// WithUnsupportedCores marks cores as lacking virtualization extensions.
func WithUnsupportedCores(cores ...int) Option {
	return func(p *Platform) {
		for _, c := range cores {
			p.unsupported[c] = true
		}
	}
}

// WithRevisionError makes every revision read fail with err.
func WithRevisionError(err error) Option {
	return func(p *Platform) { p.revisionErr = err }
}

// WithProgram replaces the guest program run by every vCPU.
func WithProgram(prog Program) Option {
	return func(p *Platform) { p.program = prog }
}

func WithLogger(log *slog.Logger) Option {
	return func(p *Platform) { p.log = log }
}

type coreState struct {
	enabled bool
	live    map[hv.GuestID]*machine
}

// Stats counts platform calls.
type Stats struct {
	Enables       int
	Disables      int
	RevisionReads int
	Machines      int
	VCPUs         int
	Runs          int
}

type Platform struct {
	cores       int
	revision    func(core int) hv.RevisionID
	revisionErr error
	unsupported map[int]bool
	program     Program
	log         *slog.Logger

	mu     sync.Mutex
	state  map[int]*coreState
	stats  Stats
	closed bool
}

func New(opts ...Option) *Platform {
	p := &Platform{
		cores:       1,
		revision:    func(int) hv.RevisionID { return DefaultRevision },
		unsupported: make(map[int]bool),
		program:     Firmware,
		log:         slog.Default(),
		state:       make(map[int]*coreState),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// implements hv.Platform.
func (p *Platform) Name() string                     { return "sim" }
func (p *Platform) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }
func (p *Platform) NumCores() int                    { return p.cores }

func (p *Platform) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Enabled reports the raw virtualization state of core.
func (p *Platform) Enabled(core int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[core]
	return ok && st.enabled
}

func (p *Platform) checkCore(core int) error {
	if core < 0 || core >= p.cores {
		return fmt.Errorf("sim: core %d out of range [0, %d)", core, p.cores)
	}
	return nil
}

func (p *Platform) coreLocked(core int) *coreState {
	st, ok := p.state[core]
	if !ok {
		st = &coreState{live: make(map[hv.GuestID]*machine)}
		p.state[core] = st
	}
	return st
}

// CheckSupport implements hv.Platform.
func (p *Platform) CheckSupport(core int) error {
	if err := p.checkCore(core); err != nil {
		return err
	}
	if p.unsupported[core] {
		return fmt.Errorf("sim: core %d: %w", core, hv.ErrHardwareUnsupported)
	}
	return nil
}

// EnableCore implements hv.Platform.
func (p *Platform) EnableCore(core int) error {
	if err := p.CheckSupport(core); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("sim: platform closed")
	}
	st := p.coreLocked(core)
	if st.enabled {
		return fmt.Errorf("sim: core %d: %w", core, hv.ErrAlreadyActive)
	}
	st.enabled = true
	p.stats.Enables++
	return nil
}

// DisableCore implements hv.Platform.
func (p *Platform) DisableCore(core int) error {
	if err := p.checkCore(core); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.coreLocked(core)
	if !st.enabled {
		return fmt.Errorf("sim: core %d: %w", core, hv.ErrNotActive)
	}
	st.enabled = false
	p.stats.Disables++
	return nil
}

// RevisionID implements hv.Platform.
func (p *Platform) RevisionID(core int) (hv.RevisionID, error) {
	if err := p.checkCore(core); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.RevisionReads++
	if p.revisionErr != nil {
		return 0, p.revisionErr
	}
	if !p.coreLocked(core).enabled {
		return 0, fmt.Errorf("sim: core %d: %w", core, hv.ErrNotActive)
	}
	return p.revision(core), nil
}

// activeRevision is what the hardware checks a new control structure
// against. It is not counted as a revision read.
func (p *Platform) activeRevision(core int) (hv.RevisionID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.coreLocked(core).enabled {
		return 0, fmt.Errorf("sim: core %d: %w", core, hv.ErrNotActive)
	}
	return p.revision(core), nil
}

// AllocateMemory implements hv.Platform.
func (p *Platform) AllocateMemory(size uint64) (hv.HostMemory, error) {
	if size == 0 {
		return nil, fmt.Errorf("sim: zero sized allocation")
	}
	return hv.NewSliceMemory(size), nil
}

// NewMachine implements hv.Platform.
func (p *Platform) NewMachine(id hv.GuestID, core int) (hv.Machine, error) {
	if err := p.checkCore(core); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.coreLocked(core)
	if _, ok := st.live[id]; ok {
		return nil, fmt.Errorf("%w: guest %d on core %d", ErrGuestIDInUse, id, core)
	}

	m := &machine{
		p:     p,
		id:    id,
		core:  core,
		vcpus: make(map[hv.VCPUID]*vcpu),
	}
	st.live[id] = m
	p.stats.Machines++
	return m, nil
}

func (p *Platform) release(m *machine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.coreLocked(m.core)
	if st.live[m.id] == m {
		delete(st.live, m.id)
	}
}

// Close implements hv.Platform.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

var (
	_ hv.Platform = &Platform{}
)

type machine struct {
	p    *Platform
	id   hv.GuestID
	core int

	mu      sync.Mutex
	memory  hv.MemoryRoot
	devices []hv.Device
	vcpus   map[hv.VCPUID]*vcpu
	closed  bool
}

// implements hv.Machine.
func (m *machine) Platform() hv.Platform { return m.p }
func (m *machine) ID() hv.GuestID        { return m.id }
func (m *machine) Core() int             { return m.core }

// AttachMemory implements hv.Machine.
func (m *machine) AttachMemory(root hv.MemoryRoot) error {
	if root == nil {
		return fmt.Errorf("sim: nil memory root")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.memory != nil {
		return fmt.Errorf("sim: guest %d already has a memory root", m.id)
	}
	m.memory = root
	return nil
}

// AddDevice implements hv.Machine.
func (m *machine) AddDevice(dev hv.Device) error {
	m.mu.Lock()
	m.devices = append(m.devices, dev)
	m.mu.Unlock()

	return dev.Init(m)
}

// Devices implements hv.Machine.
func (m *machine) Devices() []hv.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hv.Device(nil), m.devices...)
}

// NewVirtualCPU implements hv.Machine.
func (m *machine) NewVirtualCPU(id hv.VCPUID, cfg hv.VCPUConfig) (hv.VirtualCPU, error) {
	rev, err := m.p.activeRevision(m.core)
	if err != nil {
		return nil, fmt.Errorf("sim: create vcpu %d: %w", id, err)
	}
	if cfg.Revision != rev {
		return nil, fmt.Errorf("%w: vcpu has %s, core %d has %s", ErrRevisionMismatch, cfg.Revision, m.core, rev)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("sim: guest %d closed", m.id)
	}
	if m.memory == nil {
		return nil, fmt.Errorf("sim: guest %d has no memory root", m.id)
	}
	if cfg.Memory != m.memory {
		return nil, fmt.Errorf("sim: vcpu %d memory root differs from guest %d", id, m.id)
	}
	if _, ok := m.vcpus[id]; ok {
		return nil, fmt.Errorf("sim: guest %d already has vcpu %d", m.id, id)
	}
	if cfg.EntryPoint >= cfg.Memory.Size() {
		return nil, fmt.Errorf("sim: entry point 0x%x outside guest memory", cfg.EntryPoint)
	}

	v := &vcpu{m: m, id: id, cfg: cfg}
	m.vcpus[id] = v

	m.p.mu.Lock()
	m.p.stats.VCPUs++
	m.p.mu.Unlock()

	return v, nil
}

// Close implements hv.Machine.
func (m *machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.p.release(m)
	return nil
}

var (
	_ hv.Machine = &machine{}
)

type vcpu struct {
	m   *machine
	id  hv.VCPUID
	cfg hv.VCPUConfig

	running atomic.Bool
	halted  atomic.Bool
}

// implements hv.VirtualCPU.
func (v *vcpu) Machine() hv.Machine { return v.m }
func (v *vcpu) ID() hv.VCPUID       { return v.id }
func (v *vcpu) Close() error        { return nil }

// Run implements hv.VirtualCPU. The guest program runs to completion within
// a single call.
func (v *vcpu) Run(ctx context.Context) error {
	if !v.running.CompareAndSwap(false, true) {
		return ErrVCPUBusy
	}
	defer v.running.Store(false)

	if v.halted.Load() {
		return &hv.ExitError{Reason: hv.ExitHalt}
	}
	if err := ctx.Err(); err != nil {
		return &hv.ExitError{Reason: hv.ExitCanceled, Err: err}
	}

	v.m.p.mu.Lock()
	v.m.p.stats.Runs++
	prog := v.m.p.program
	v.m.p.mu.Unlock()

	reason, err := prog(ctx, &Guest{v: v})
	if reason.Normal() {
		v.halted.Store(true)
	}
	if reason == hv.ExitUnknown && err == nil {
		// program returned without stopping the guest: a handled exit
		return nil
	}
	return &hv.ExitError{Reason: reason, Err: err}
}

var (
	_ hv.VirtualCPU = &vcpu{}
)

// Guest is the view a Program has of the running vCPU.
type Guest struct {
	v *vcpu
}

func (g *Guest) ID() hv.GuestID          { return g.v.m.id }
func (g *Guest) VCPU() hv.VCPUID         { return g.v.id }
func (g *Guest) Core() int               { return g.v.m.core }
func (g *Guest) EntryPoint() uint64      { return g.v.cfg.EntryPoint }
func (g *Guest) Revision() hv.RevisionID { return g.v.cfg.Revision }
func (g *Guest) Memory() hv.MemoryRoot   { return g.v.cfg.Memory }

// Out performs a port write through the guest's devices.
func (g *Guest) Out(port uint16, data []byte) error {
	return hv.DispatchIOPort(g.v.m.Devices(), port, true, data)
}

// In performs a port read through the guest's devices.
func (g *Guest) In(port uint16, data []byte) error {
	return hv.DispatchIOPort(g.v.m.Devices(), port, false, data)
}
