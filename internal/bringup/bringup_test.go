package bringup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/hvboot/internal/firmware"
	"github.com/tinyrange/hvboot/internal/hv"
	"github.com/tinyrange/hvboot/internal/hv/sim"
	"github.com/tinyrange/hvboot/internal/sched"
)

// flatMemory is guest memory without page tables.
type flatMemory struct {
	buf    []byte
	closed bool
}

func (m *flatMemory) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m.buf[off:]), nil }
func (m *flatMemory) WriteAt(p []byte, off int64) (int, error) { return copy(m.buf[off:], p), nil }
func (m *flatMemory) Root() uint64                             { return 0x1000 }
func (m *flatMemory) Size() uint64                             { return uint64(len(m.buf)) }
func (m *flatMemory) Close() error                             { m.closed = true; return nil }
func (m *flatMemory) Regions() []hv.MemoryRegion {
	return []hv.MemoryRegion{{GuestPhys: 0, Host: m.buf}}
}
func (m *flatMemory) Translate(gpa uint64) ([]byte, bool) {
	if gpa >= uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[gpa:], true
}

type flatProvisioner struct {
	mu     sync.Mutex
	failOn map[hv.GuestID]error
	size   map[hv.GuestID]uint64
	calls  []hv.GuestID
}

func (p *flatProvisioner) Provision(ctx context.Context, id hv.GuestID) (GuestMemory, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, id)
	if err := p.failOn[id]; err != nil {
		return nil, err
	}
	size := uint64(64 << 10)
	if s, ok := p.size[id]; ok {
		size = s
	}
	m := &flatMemory{buf: make([]byte, size)}
	if err := firmware.WriteBootInfo(m, id); err != nil {
		return nil, err
	}
	return m, nil
}

// recordingSpawner remembers the order tasks were spawned in.
type recordingSpawner struct {
	*sched.Scheduler

	mu    sync.Mutex
	names []string
}

func (s *recordingSpawner) Spawn(name string, fn func() error) *sched.Task {
	s.mu.Lock()
	s.names = append(s.names, name)
	s.mu.Unlock()
	return s.Scheduler.Spawn(name, fn)
}

func testConfig(n int) Config {
	cfg := DefaultConfig()
	cfg.GuestCount = n
	cfg.MemorySize = 64 << 10
	return cfg
}

func newOrchestrator(t *testing.T, p hv.Platform, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithProvisioner(&flatProvisioner{})}, opts...)
	o, err := New(p, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestTwoGuests(t *testing.T) {
	p := sim.New()
	var out bytes.Buffer
	cfg := testConfig(2)
	cfg.Console = &syncWriter{w: &out}

	report, err := newOrchestrator(t, p, cfg).Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Dispatched != 2 || report.Completed != 2 {
		t.Fatalf("dispatched %d completed %d, want 2 and 2", report.Dispatched, report.Completed)
	}
	for i, g := range report.Guests {
		if g.ID != hv.GuestID(i) {
			t.Errorf("guest %d has id %d", i, g.ID)
		}
		if !g.Finished || !g.Outcome.Normal() {
			t.Errorf("guest %d: %+v", i, g)
		}
		if len(g.Console) != 1 || g.Console[0] != fmt.Sprint(i) {
			t.Errorf("guest %d console = %q", i, g.Console)
		}
		if g.EntryPoint != firmware.BIOSEntry {
			t.Errorf("guest %d entry = 0x%x", i, g.EntryPoint)
		}
	}
	if !report.Disabled || report.InFlightAtDisable != 0 {
		t.Fatalf("disabled %v in flight %d", report.Disabled, report.InFlightAtDisable)
	}
	if p.Enabled(0) {
		t.Fatalf("core left enabled")
	}
	if st := p.Stats(); st.Machines != 2 || st.VCPUs != 2 || st.RevisionReads != 1 {
		t.Fatalf("platform stats = %+v", st)
	}
	for _, line := range []string{"[guest 0] 0\n", "[guest 1] 1\n"} {
		if !strings.Contains(out.String(), line) {
			t.Errorf("console output %q missing %q", out.String(), line)
		}
	}
}

func TestCompletionCounterMatchesGuestCount(t *testing.T) {
	for n := 0; n <= 8; n++ {
		t.Run(fmt.Sprintf("guests=%d", n), func(t *testing.T) {
			p := sim.New()
			spawner := &recordingSpawner{Scheduler: sched.New(nil)}

			report, err := newOrchestrator(t, p, testConfig(n), WithSpawner(spawner)).Run(context.Background(), 0)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if report.Completed != uint64(n) {
				t.Fatalf("Completed = %d, want %d", report.Completed, n)
			}
			if got := p.Stats().Machines; got != n {
				t.Fatalf("machines = %d, want %d", got, n)
			}
			if len(spawner.names) != n {
				t.Fatalf("spawned %d tasks, want %d", len(spawner.names), n)
			}
			for i, name := range spawner.names {
				if want := fmt.Sprintf("guest-%d", i); name != want {
					t.Fatalf("task %d = %q, want %q", i, name, want)
				}
			}
		})
	}
}

func TestEveryVCPUGetsCoreRevision(t *testing.T) {
	var mu sync.Mutex
	seen := map[hv.GuestID]hv.RevisionID{}
	p := sim.New(sim.WithRevision(0xabcd), sim.WithProgram(func(ctx context.Context, g *sim.Guest) (hv.ExitReason, error) {
		mu.Lock()
		seen[g.ID()] = g.Revision()
		mu.Unlock()
		return hv.ExitHalt, nil
	}))

	report, err := newOrchestrator(t, p, testConfig(5)).Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Revision != 0xabcd {
		t.Fatalf("report revision = %s", report.Revision)
	}
	if len(seen) != 5 {
		t.Fatalf("%d guests ran, want 5", len(seen))
	}
	for id, rev := range seen {
		if rev != 0xabcd {
			t.Errorf("guest %d ran with revision %s", id, rev)
		}
	}
	for _, g := range report.Guests {
		if g.Revision != 0xabcd {
			t.Errorf("guest %d reported revision %s", g.ID, g.Revision)
		}
	}
}

func TestProvisionFailsForGuest1(t *testing.T) {
	p := sim.New()
	provErr := errors.New("no memory")
	prov := &flatProvisioner{failOn: map[hv.GuestID]error{1: provErr}}
	spawner := &recordingSpawner{Scheduler: sched.New(nil)}

	o, err := New(p, testConfig(4), WithProvisioner(prov), WithSpawner(spawner))
	if err != nil {
		t.Fatal(err)
	}
	report, err := o.Run(context.Background(), 0)

	if !errors.Is(err, hv.ErrGuestSetupFailed) || !errors.Is(err, provErr) {
		t.Fatalf("Run = %v, want guest setup failure wrapping %v", err, provErr)
	}
	if id, ok := hv.FailedGuest(err); !ok || id != 1 {
		t.Fatalf("FailedGuest = %d, %v", id, ok)
	}
	if report == nil {
		t.Fatalf("no partial report")
	}
	if report.Dispatched != 1 || len(spawner.names) != 1 || spawner.names[0] != "guest-0" {
		t.Fatalf("dispatched %d tasks %q", report.Dispatched, spawner.names)
	}
	if report.Completed != 1 || !report.Guests[0].Outcome.Normal() {
		t.Fatalf("guest 0 did not complete: %+v", report.Guests)
	}
	if len(prov.calls) != 2 {
		t.Fatalf("provisioner called for %v, want guests 0 and 1 only", prov.calls)
	}
	if !report.Disabled || p.Enabled(0) {
		t.Fatalf("core not disabled after setup failure")
	}
	if p.Stats().Machines != 1 {
		t.Fatalf("machines = %d, want 1", p.Stats().Machines)
	}
}

func TestVCPUCreationFailure(t *testing.T) {
	p := sim.New()
	// guest 2's memory ends before the entry point, so the vcpu is rejected
	prov := &flatProvisioner{size: map[hv.GuestID]uint64{2: 0x1000}}

	o, err := New(p, testConfig(3), WithProvisioner(prov))
	if err != nil {
		t.Fatal(err)
	}
	report, err := o.Run(context.Background(), 0)

	var vcpuErr *hv.VCPUCreationError
	if !errors.As(err, &vcpuErr) || vcpuErr.ID != 2 {
		t.Fatalf("Run = %v, want VCPUCreationError for guest 2", err)
	}
	if !errors.Is(err, hv.ErrVCPUCreationFailed) {
		t.Fatalf("error does not match ErrVCPUCreationFailed")
	}
	if report.Dispatched != 2 || report.Completed != 2 {
		t.Fatalf("dispatched %d completed %d", report.Dispatched, report.Completed)
	}
	if p.Enabled(0) {
		t.Fatalf("core left enabled")
	}
}

func TestEnableFailure(t *testing.T) {
	p := sim.New(sim.WithUnsupportedCores(0))

	report, err := newOrchestrator(t, p, testConfig(2)).Run(context.Background(), 0)
	if !errors.Is(err, hv.ErrHardwareUnsupported) {
		t.Fatalf("Run = %v, want ErrHardwareUnsupported", err)
	}
	if report != nil {
		t.Fatalf("report returned for failed enable")
	}
	if p.Stats().Machines != 0 {
		t.Fatalf("machines created without virtualization")
	}
}

// gate holds every guest inside Run until released.
type gate struct {
	entered chan hv.GuestID
	release chan struct{}
}

func newGate(n int) *gate {
	return &gate{entered: make(chan hv.GuestID, n), release: make(chan struct{})}
}

func (g *gate) program(ctx context.Context, guest *sim.Guest) (hv.ExitReason, error) {
	g.entered <- guest.ID()
	<-g.release
	return hv.ExitHalt, nil
}

func (g *gate) waitEntered(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-g.entered:
		case <-time.After(5 * time.Second):
			t.Fatalf("guests did not start")
		}
	}
}

func runAsync(o *Orchestrator) (<-chan *Report, <-chan error) {
	reports := make(chan *Report, 1)
	errs := make(chan error, 1)
	go func() {
		r, err := o.Run(context.Background(), 0)
		reports <- r
		errs <- err
	}()
	return reports, errs
}

func TestDisableAfterJoinWaitsForGuests(t *testing.T) {
	const n = 3
	g := newGate(n)
	p := sim.New(sim.WithProgram(g.program))

	reports, errs := runAsync(newOrchestrator(t, p, testConfig(n)))
	g.waitEntered(t, n)

	time.Sleep(10 * time.Millisecond)
	if !p.Enabled(0) {
		t.Fatalf("core disabled while guests are running")
	}

	close(g.release)
	report := <-reports
	if err := <-errs; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.InFlightAtDisable != 0 || report.Completed != n {
		t.Fatalf("in flight %d completed %d", report.InFlightAtDisable, report.Completed)
	}
	if p.Enabled(0) {
		t.Fatalf("core left enabled")
	}
}

func TestDisableAfterDispatchDisablesWhileGuestsRun(t *testing.T) {
	const n = 3
	g := newGate(n)
	p := sim.New(sim.WithProgram(g.program))
	cfg := testConfig(n)
	cfg.DisablePolicy = DisableAfterDispatch

	reports, errs := runAsync(newOrchestrator(t, p, cfg))
	g.waitEntered(t, n)

	deadline := time.Now().Add(5 * time.Second)
	for p.Enabled(0) {
		if time.Now().After(deadline) {
			t.Fatalf("core not disabled after dispatch")
		}
		time.Sleep(time.Millisecond)
	}

	close(g.release)
	report := <-reports
	if err := <-errs; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Disabled || report.InFlightAtDisable != n {
		t.Fatalf("disabled %v in flight %d, want %d", report.Disabled, report.InFlightAtDisable, n)
	}
	if report.Completed != n {
		t.Fatalf("Completed = %d, want %d", report.Completed, n)
	}
}

func TestDisableNever(t *testing.T) {
	p := sim.New()
	cfg := testConfig(2)
	cfg.DisablePolicy = DisableNever

	report, err := newOrchestrator(t, p, cfg).Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Disabled || !p.Enabled(0) || !report.Controller.Active() {
		t.Fatalf("core disabled under DisableNever")
	}
	if _, err := report.Controller.Disable(); err != nil {
		t.Fatalf("caller Disable: %v", err)
	}
}

func TestAbnormalExitIsReported(t *testing.T) {
	faultErr := errors.New("unhandled exit")
	p := sim.New(sim.WithProgram(func(ctx context.Context, g *sim.Guest) (hv.ExitReason, error) {
		if g.ID() == 1 {
			return hv.ExitFault, faultErr
		}
		return sim.Firmware(ctx, g)
	}))

	report, err := newOrchestrator(t, p, testConfig(3)).Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run = %v, guest faults must not fail the run", err)
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].ID != 1 || !errors.Is(failed[0].Outcome.Err, faultErr) {
		t.Fatalf("Failed = %+v", failed)
	}
	if report.Completed != 3 {
		t.Fatalf("Completed = %d, want 3", report.Completed)
	}
}

func TestPanickingGuestStillCounted(t *testing.T) {
	p := sim.New(sim.WithProgram(func(ctx context.Context, g *sim.Guest) (hv.ExitReason, error) {
		panic("guest program bug")
	}))

	report, err := newOrchestrator(t, p, testConfig(2)).Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Completed != 2 {
		t.Fatalf("Completed = %d, want 2", report.Completed)
	}
	if report.InFlightAtDisable != 0 {
		t.Fatalf("in flight %d", report.InFlightAtDisable)
	}

	failed := report.Failed()
	if len(failed) != 2 {
		t.Fatalf("Failed = %d guests, want 2", len(failed))
	}
	for i, g := range failed {
		var pe *sched.PanicError
		if !errors.As(g.Outcome.Err, &pe) {
			t.Fatalf("guest %d error = %v, want *sched.PanicError", g.ID, g.Outcome.Err)
		}
		if pe.Task != fmt.Sprintf("guest-%d", i) {
			t.Fatalf("panic attributed to %q", pe.Task)
		}
		if g.Outcome.Exit != hv.ExitInternalError || g.Status() != "error" {
			t.Fatalf("guest %d exit = %s status = %s", g.ID, g.Outcome.Exit, g.Status())
		}
	}

	var buf bytes.Buffer
	if err := report.WriteTable(&buf); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	if !strings.Contains(buf.String(), "guest program bug") {
		t.Fatalf("table does not show the panic:\n%s", buf.String())
	}
}

func TestProgress(t *testing.T) {
	var mu sync.Mutex
	var calls []uint64

	o := newOrchestrator(t, sim.New(), testConfig(4), WithProgress(func(completed uint64, total int) {
		mu.Lock()
		defer mu.Unlock()
		if total != 4 {
			t.Errorf("total = %d", total)
		}
		calls = append(calls, completed)
	}))
	if _, err := o.Run(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 4 {
		t.Fatalf("progress called %d times", len(calls))
	}
}

func TestWriteTable(t *testing.T) {
	report, err := newOrchestrator(t, sim.New(), testConfig(2), WithRunID("testrun")).Run(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := report.WriteTable(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"run testrun core 0", "GUEST", "halt", "dispatched 2 completed 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*Config)
	}{
		{"negative guests", func(c *Config) { c.GuestCount = -1 }},
		{"no memory", func(c *Config) { c.MemorySize = 0 }},
		{"entry outside memory", func(c *Config) { c.EntryPoint = c.MemorySize }},
		{"bad policy", func(c *Config) { c.DisablePolicy = 9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.cfg(&cfg)
			if _, err := New(sim.New(), cfg); err == nil {
				t.Fatalf("New accepted invalid config")
			}
		})
	}
}

func TestParseDisablePolicy(t *testing.T) {
	for _, p := range []DisablePolicy{DisableAfterJoin, DisableAfterDispatch, DisableNever} {
		got, err := ParseDisablePolicy(p.String())
		if err != nil || got != p {
			t.Fatalf("ParseDisablePolicy(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParseDisablePolicy("sometimes"); err == nil {
		t.Fatalf("ParseDisablePolicy accepted garbage")
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
