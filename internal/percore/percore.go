// Package percore tracks one physical core's virtualization mode.
package percore

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/hvboot/internal/hv"
	"github.com/tinyrange/hvboot/internal/timeslice"
)

var (
	tsEnable   = timeslice.RegisterKind("core_enable", timeslice.SliceFlagSetup)
	tsRevision = timeslice.RegisterKind("core_revision", timeslice.SliceFlagSetup)
	tsDisable  = timeslice.RegisterKind("core_disable", timeslice.SliceFlagTeardown)
)

// State is the controller's virtualization mode.
type State int

const (
	Inactive State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "inactive"
}

// DisableReport describes a completed Disable.
type DisableReport struct {
	// InFlight is the number of pinned guests that were still running.
	InFlight int
}

// Controller owns the virtualization state of a single core. The revision
// identifier is read once per enable and cached until disable.
type Controller struct {
	platform hv.Platform
	core     int
	log      *slog.Logger

	mu       sync.Mutex
	state    State
	revision hv.RevisionID
	inFlight int
}

func New(platform hv.Platform, core int) *Controller {
	return &Controller{
		platform: platform,
		core:     core,
		log:      slog.Default().With("core", core),
	}
}

// WithLogger replaces the controller's logger.
func (c *Controller) WithLogger(log *slog.Logger) *Controller {
	c.log = log.With("core", c.core)
	return c
}

func (c *Controller) Core() int { return c.core }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Active() bool { return c.State() == Active }

// Enable moves the core from Inactive to Active.
func (c *Controller) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Active {
		return fmt.Errorf("core %d: %w", c.core, hv.ErrAlreadyActive)
	}

	rec := timeslice.NewRecorder()

	if err := c.platform.CheckSupport(c.core); err != nil {
		return fmt.Errorf("core %d: %w", c.core, err)
	}
	if err := c.platform.EnableCore(c.core); err != nil {
		return fmt.Errorf("core %d: enable: %w", c.core, err)
	}
	rec.Record(tsEnable)

	rev, err := c.platform.RevisionID(c.core)
	if err != nil {
		if derr := c.platform.DisableCore(c.core); derr != nil {
			c.log.Error("roll back enable", "error", derr)
		}
		return fmt.Errorf("core %d: read revision identifier: %w", c.core, err)
	}
	rec.Record(tsRevision)

	c.state = Active
	c.revision = rev
	c.log.Info("virtualization enabled", "revision", rev.String())

	return nil
}

// Disable moves the core from Active to Inactive. It succeeds even with
// guests still pinned; the count is logged and returned.
func (c *Controller) Disable() (DisableReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Active {
		return DisableReport{}, fmt.Errorf("core %d: %w", c.core, hv.ErrNotActive)
	}

	rec := timeslice.NewRecorder()

	if err := c.platform.DisableCore(c.core); err != nil {
		return DisableReport{}, fmt.Errorf("core %d: disable: %w", c.core, err)
	}
	rec.Record(tsDisable)

	report := DisableReport{InFlight: c.inFlight}
	if report.InFlight > 0 {
		c.log.Warn("virtualization disabled with guests in flight", "in_flight", report.InFlight)
	} else {
		c.log.Info("virtualization disabled")
	}

	c.state = Inactive
	c.revision = 0

	return report, nil
}

// RevisionIdentifier returns the revision identifier cached at enable.
func (c *Controller) RevisionIdentifier() (hv.RevisionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Active {
		return 0, fmt.Errorf("core %d: %w", c.core, hv.ErrNotActive)
	}
	return c.revision, nil
}

// Pin records a dispatched guest running on the core.
func (c *Controller) Pin() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Active {
		return fmt.Errorf("core %d: pin: %w", c.core, hv.ErrNotActive)
	}
	c.inFlight++
	return nil
}

// Unpin records a guest returning. It is valid after Disable.
func (c *Controller) Unpin() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight == 0 {
		c.log.Error("unpin without matching pin")
		return
	}
	c.inFlight--
}

func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}
