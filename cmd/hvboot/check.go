package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tinyrange/hvboot/internal/hv"
	"github.com/tinyrange/hvboot/internal/hv/factory"
	"github.com/tinyrange/hvboot/internal/percore"
)

type coreStatus struct {
	Core     int
	Support  string
	Revision hv.RevisionID
	Err      error
}

// inspectCore enables and disables core once and reports what happened.
func inspectCore(p hv.Platform, core int) coreStatus {
	st := coreStatus{Core: core}

	ctrl := percore.New(p, core)
	if err := ctrl.Enable(); err != nil {
		st.Err = err
		if errors.Is(err, hv.ErrHardwareUnsupported) {
			st.Support = "unsupported"
		} else {
			st.Support = "error"
		}
		return st
	}

	rev, err := ctrl.RevisionIdentifier()
	if err != nil {
		st.Err = err
	}
	st.Revision = rev

	if _, err := ctrl.Disable(); err != nil {
		st.Err = errors.Join(st.Err, err)
	}

	st.Support = "ok"
	if st.Err != nil {
		st.Support = "error"
	}
	return st
}

func newCheckCmd() *cobra.Command {
	var (
		platformName string
		cores        []int
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check cores for virtualization support and revision identifier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := factory.Open(platformName)
			if err != nil {
				return fmt.Errorf("open platform %s: %w", platformName, err)
			}
			defer p.Close()

			if len(cores) == 0 {
				for c := range p.NumCores() {
					cores = append(cores, c)
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "platform %s (%s), %d cores\n", p.Name(), p.Architecture(), p.NumCores())

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CORE\tSUPPORT\tREVISION\tERROR")
			supported := 0
			for _, c := range cores {
				st := inspectCore(p, c)
				rev, errText := "-", "-"
				if st.Support == "ok" {
					rev = st.Revision.String()
					supported++
				}
				if st.Err != nil {
					errText = st.Err.Error()
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", st.Core, st.Support, rev, errText)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if supported == 0 {
				return fmt.Errorf("no usable core: %w", hv.ErrHardwareUnsupported)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&platformName, "platform", factory.Auto, "hypervisor binding: "+strings.Join(factory.Names(), ", "))
	cmd.Flags().IntSliceVar(&cores, "core", nil, "cores to check (default all)")

	return cmd
}
