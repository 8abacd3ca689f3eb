package bringup

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/tinyrange/hvboot/internal/guest"
	"github.com/tinyrange/hvboot/internal/hv"
	"github.com/tinyrange/hvboot/internal/percore"
)

// Runtime is the state shared by every guest task of one run.
type Runtime struct {
	RunID string

	completed atomic.Uint64
}

func newRuntime(runID string) *Runtime {
	return &Runtime{RunID: runID}
}

// Completed is the number of guest tasks that have finished.
func (r *Runtime) Completed() uint64 { return r.completed.Load() }

func (r *Runtime) complete() uint64 { return r.completed.Add(1) }

// GuestReport is what happened to one guest.
type GuestReport struct {
	ID         hv.GuestID
	VCPU       hv.VCPUID
	Revision   hv.RevisionID
	EntryPoint uint64
	Dispatched bool
	Finished   bool
	Outcome    guest.Outcome
	Console    []string
}

func (g GuestReport) Status() string {
	switch {
	case !g.Dispatched:
		return "not-dispatched"
	case !g.Finished:
		return "running"
	case g.Outcome.Err != nil:
		return "error"
	default:
		return g.Outcome.Exit.String()
	}
}

// Report summarises a bring-up run.
type Report struct {
	RunID    string
	Core     int
	Revision hv.RevisionID
	Policy   DisablePolicy

	Guests     []GuestReport
	Dispatched int
	Completed  uint64

	// Disabled is set when this run took the core out of virtualization
	// mode. InFlightAtDisable counts the guests still running then.
	Disabled          bool
	InFlightAtDisable int

	// Controller is the core's controller, left enabled under DisableNever.
	Controller *percore.Controller

	SetupErr error
	Duration time.Duration
}

// Failed returns the guests that did not stop normally.
func (r *Report) Failed() []GuestReport {
	var out []GuestReport
	for _, g := range r.Guests {
		if g.Finished && !g.Outcome.Normal() {
			out = append(out, g)
		}
	}
	return out
}

// WriteTable prints one row per guest.
func (r *Report) WriteTable(w io.Writer) error {
	fmt.Fprintf(w, "run %s core %d revision %s policy %s\n", r.RunID, r.Core, r.Revision, r.Policy)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GUEST\tVCPU\tSTATUS\tEXITS\tDURATION\tCONSOLE\tERROR")
	for _, g := range r.Guests {
		errText := "-"
		if g.Outcome.Err != nil {
			errText = g.Outcome.Err.Error()
		}
		consoleText := "-"
		if len(g.Console) > 0 {
			consoleText = strings.Join(g.Console, " | ")
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%s\t%s\t%s\n",
			g.ID, g.VCPU, g.Status(), g.Outcome.Exits,
			g.Outcome.Duration.Round(time.Microsecond), consoleText, errText)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "dispatched %d completed %d", r.Dispatched, r.Completed)
	if r.Disabled {
		fmt.Fprintf(w, " disabled (in flight %d)", r.InFlightAtDisable)
	}
	if r.SetupErr != nil {
		fmt.Fprintf(w, " setup error: %v", r.SetupErr)
	}
	_, err := fmt.Fprintf(w, " in %s\n", r.Duration.Round(time.Microsecond))
	return err
}
