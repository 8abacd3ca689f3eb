// Package bringup brings a core into virtualization mode and runs a set of
// single-vCPU guests on it concurrently.
package bringup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nrednav/cuid2"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/hvboot/internal/console"
	"github.com/tinyrange/hvboot/internal/firmware"
	"github.com/tinyrange/hvboot/internal/guest"
	"github.com/tinyrange/hvboot/internal/guestmem"
	"github.com/tinyrange/hvboot/internal/hv"
	"github.com/tinyrange/hvboot/internal/percore"
	"github.com/tinyrange/hvboot/internal/sched"
	"github.com/tinyrange/hvboot/internal/timeslice"
)

var (
	tsProvision = timeslice.RegisterKind("guest_provision", timeslice.SliceFlagSetup)
	tsCreateVM  = timeslice.RegisterKind("guest_create_vm", timeslice.SliceFlagSetup)
	tsAddVCPU   = timeslice.RegisterKind("guest_add_vcpu", timeslice.SliceFlagSetup)
	tsDispatch  = timeslice.RegisterKind("guest_dispatch", timeslice.SliceFlagSetup)
	tsGuestRun  = timeslice.RegisterKind("guest_run", timeslice.SliceFlagGuestTime)
	tsJoin      = timeslice.RegisterKind("guests_join", timeslice.SliceFlagTeardown)
)

// DefaultGuestCount is the number of guests run when none is configured.
const DefaultGuestCount = 2

type Config struct {
	GuestCount    int
	EntryPoint    uint64
	MemorySize    uint64
	DisablePolicy DisablePolicy

	// Console receives every guest console line. Nil discards them.
	Console io.Writer
}

func DefaultConfig() Config {
	return Config{
		GuestCount:    DefaultGuestCount,
		EntryPoint:    firmware.BIOSEntry,
		MemorySize:    guestmem.DefaultSize,
		DisablePolicy: DisableAfterJoin,
	}
}

func (c Config) Validate() error {
	if c.GuestCount < 0 {
		return fmt.Errorf("guest count %d is negative", c.GuestCount)
	}
	if c.MemorySize == 0 {
		return fmt.Errorf("memory size is zero")
	}
	if c.EntryPoint >= c.MemorySize {
		return fmt.Errorf("entry point 0x%x outside %d bytes of guest memory", c.EntryPoint, c.MemorySize)
	}
	switch c.DisablePolicy {
	case DisableAfterJoin, DisableAfterDispatch, DisableNever:
	default:
		return fmt.Errorf("invalid disable policy %d", c.DisablePolicy)
	}
	return nil
}

// GuestMemory is a provisioned address space the run releases when the
// guest is done with it.
type GuestMemory interface {
	hv.MemoryRoot
	io.Closer
}

// Provisioner builds the address space of one guest.
type Provisioner interface {
	Provision(ctx context.Context, id hv.GuestID) (GuestMemory, error)
}

// ProvisionerFunc adapts a function to Provisioner.
type ProvisionerFunc func(ctx context.Context, id hv.GuestID) (GuestMemory, error)

func (f ProvisionerFunc) Provision(ctx context.Context, id hv.GuestID) (GuestMemory, error) {
	return f(ctx, id)
}

// FromGuestMem adapts a guestmem.Provisioner.
func FromGuestMem(p *guestmem.Provisioner) Provisioner {
	return ProvisionerFunc(func(ctx context.Context, id hv.GuestID) (GuestMemory, error) {
		root, err := p.Provision(ctx, id)
		if err != nil {
			return nil, err
		}
		return root, nil
	})
}

// ProgressFunc is called from guest tasks as each one finishes.
type ProgressFunc func(completed uint64, total int)

type Option func(*Orchestrator)

func WithProvisioner(p Provisioner) Option {
	return func(o *Orchestrator) { o.provisioner = p }
}

func WithSpawner(s sched.Spawner) Option {
	return func(o *Orchestrator) { o.spawner = s }
}

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

type Orchestrator struct {
	platform    hv.Platform
	cfg         Config
	provisioner Provisioner
	spawner     sched.Spawner
	log         *slog.Logger
	progress    ProgressFunc
	runID       string
}

func New(platform hv.Platform, cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bringup config: %w", err)
	}

	o := &Orchestrator{
		platform: platform,
		cfg:      cfg,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.provisioner == nil {
		o.provisioner = FromGuestMem(guestmem.NewProvisioner(platform,
			guestmem.WithSize(cfg.MemorySize),
			guestmem.WithEntry(cfg.EntryPoint),
			guestmem.WithLogger(o.log),
		))
	}
	if o.spawner == nil {
		o.spawner = sched.New(o.log)
	}
	return o, nil
}

// slot is one guest of a run. The task writes outcome and console before it
// returns, so both are readable once task.Done is closed.
type slot struct {
	id      hv.GuestID
	memory  GuestMemory
	vm      *guest.VM
	vcpu    *guest.VCPU
	console *console.Console
	task    *sched.Task

	outcome guest.Outcome
	lines   []string
}

func (s *slot) release(log *slog.Logger) {
	if s.vm != nil {
		if err := s.vm.Close(); err != nil {
			log.Error("close guest", "guest", int(s.id), "error", err)
		}
	}
	if s.memory != nil {
		if err := s.memory.Close(); err != nil {
			log.Error("release guest memory", "guest", int(s.id), "error", err)
		}
	}
}

// Run performs the bring-up on core. A setup failure for guest k stops the
// sequence: guests below k stay dispatched, the core is still disabled per
// the policy, and the error is returned together with the partial report.
// Guest exits, normal or not, are reported per guest and never fail Run.
func (o *Orchestrator) Run(ctx context.Context, core int) (*Report, error) {
	start := time.Now()

	runID := o.runID
	if runID == "" {
		runID = cuid2.Generate()
	}
	log := o.log.With("run", runID, "core", core)

	ctrl := percore.New(o.platform, core).WithLogger(log)
	if err := ctrl.Enable(); err != nil {
		return nil, err
	}

	rev, err := ctrl.RevisionIdentifier()
	if err != nil {
		if _, derr := ctrl.Disable(); derr != nil {
			log.Error("disable after revision read failure", "error", derr)
		}
		return nil, err
	}

	rt := newRuntime(runID)
	report := &Report{
		RunID:      runID,
		Core:       core,
		Revision:   rev,
		Policy:     o.cfg.DisablePolicy,
		Controller: ctrl,
	}

	log.Info("bring-up started",
		"guests", o.cfg.GuestCount,
		"revision", rev.String(),
		"policy", o.cfg.DisablePolicy.String(),
	)

	var slots []*slot
	rec := timeslice.NewRecorder()

	for i := range o.cfg.GuestCount {
		s, err := o.setupGuest(ctx, hv.GuestID(i), core, rev, rec)
		if err != nil {
			report.SetupErr = err
			log.Error("guest setup failed", "guest", i, "error", err)
			break
		}

		if err := ctrl.Pin(); err != nil {
			s.release(log)
			report.SetupErr = &hv.GuestSetupError{ID: s.id, Err: err}
			break
		}
		s.task = o.spawner.Spawn(fmt.Sprintf("guest-%d", s.id), o.guestTask(ctx, ctrl, rt, s, log))
		rec.Record(tsDispatch)

		slots = append(slots, s)
	}
	report.Dispatched = len(slots)

	switch o.cfg.DisablePolicy {
	case DisableAfterJoin:
		o.join(ctx, slots, log)
		o.disable(ctrl, report, log)
	case DisableAfterDispatch:
		o.disable(ctrl, report, log)
		o.join(ctx, slots, log)
	case DisableNever:
		o.join(ctx, slots, log)
	}
	rec.Record(tsJoin)

	report.Completed = rt.Completed()
	for _, s := range slots {
		gr := GuestReport{
			ID:         s.id,
			VCPU:       s.vcpu.ID(),
			Revision:   s.vcpu.Revision(),
			EntryPoint: s.vcpu.EntryPoint(),
			Dispatched: true,
		}
		select {
		case <-s.task.Done():
			gr.Finished = true
			gr.Outcome = s.outcome
			gr.Console = s.lines
			if err := s.task.Err(); err != nil && gr.Outcome.Err == nil {
				// the task died before recording an outcome
				gr.Outcome.Guest = s.id
				gr.Outcome.VCPU = gr.VCPU
				gr.Outcome.Exit = hv.ExitInternalError
				gr.Outcome.Err = err
				log.Warn("guest task failed", "guest", int(s.id), "error", err)
			}
		default:
		}
		report.Guests = append(report.Guests, gr)
	}
	report.Duration = time.Since(start)

	log.Info("bring-up finished",
		"dispatched", report.Dispatched,
		"completed", report.Completed,
		"failed", len(report.Failed()),
		"duration", report.Duration,
	)

	if report.SetupErr != nil {
		return report, report.SetupErr
	}
	return report, nil
}

func (o *Orchestrator) setupGuest(ctx context.Context, id hv.GuestID, core int, rev hv.RevisionID, rec *timeslice.Recorder) (*slot, error) {
	s := &slot{id: id}

	mem, err := o.provisioner.Provision(ctx, id)
	if err != nil {
		return nil, &hv.GuestSetupError{ID: id, Err: fmt.Errorf("provision memory: %w", err)}
	}
	s.memory = mem
	rec.Record(tsProvision)

	vm, err := guest.New(o.platform, id, core)
	if err != nil {
		s.release(o.log)
		return nil, &hv.GuestSetupError{ID: id, Err: err}
	}
	s.vm = vm
	rec.Record(tsCreateVM)

	s.console = console.New(id, console.WithSink(o.cfg.Console), console.WithLogger(o.log))
	if err := vm.AddDevice(s.console); err != nil {
		s.release(o.log)
		return nil, &hv.GuestSetupError{ID: id, Err: err}
	}

	vcpuID, err := vm.AddVCPU(rev, o.cfg.EntryPoint, mem)
	if err != nil {
		s.release(o.log)
		return nil, &hv.VCPUCreationError{ID: id, Err: err}
	}
	s.vcpu, err = vm.VCPU(vcpuID)
	if err != nil {
		s.release(o.log)
		return nil, &hv.VCPUCreationError{ID: id, Err: err}
	}
	rec.Record(tsAddVCPU)

	return s, nil
}

func (o *Orchestrator) guestTask(ctx context.Context, ctrl *percore.Controller, rt *Runtime, s *slot, log *slog.Logger) func() error {
	return func() error {
		defer ctrl.Unpin()
		defer s.release(log)
		defer func() {
			n := rt.complete()
			if o.progress != nil {
				o.progress(n, o.cfg.GuestCount)
			}
		}()

		rec := timeslice.NewGuestRecorder(int(s.id))
		out := s.vcpu.Run(ctx)
		rec.Record(tsGuestRun)

		s.console.Flush()
		s.outcome = out
		s.lines = s.console.Lines()

		if out.Normal() {
			log.Info("guest returned", "guest", int(s.id), "exit", out.Exit.String(), "exits", out.Exits)
			return nil
		}
		log.Warn("guest stopped abnormally", "guest", int(s.id), "exit", out.Exit.String(), "error", out.Err)
		return out.Err
	}
}

// join waits for every dispatched guest or for ctx.
func (o *Orchestrator) join(ctx context.Context, slots []*slot, log *slog.Logger) {
	var g errgroup.Group
	for _, s := range slots {
		g.Go(func() error {
			return s.task.Wait(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, ctx.Err()) {
			log.Warn("join abandoned", "error", err)
		} else {
			log.Debug("guest task error", "error", err)
		}
	}
}

func (o *Orchestrator) disable(ctrl *percore.Controller, report *Report, log *slog.Logger) {
	dr, err := ctrl.Disable()
	if err != nil {
		log.Error("disable virtualization", "error", err)
		return
	}
	report.Disabled = true
	report.InFlightAtDisable = dr.InFlight
}
