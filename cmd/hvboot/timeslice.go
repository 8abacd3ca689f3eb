package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyrange/hvboot/internal/timeslice"
)

func newTimesliceCmd() *cobra.Command {
	var guestOnly bool

	cmd := &cobra.Command{
		Use:   "timeslice FILE",
		Short: "Summarize a step timing recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open timeslice file: %w", err)
			}
			defer f.Close()

			summaries, err := timeslice.Summarize(f)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(tw, "KIND\tFLAGS\tCOUNT\tTOTAL\tMIN\tMAX\tMEAN\t")
			for _, s := range summaries {
				if guestOnly && s.Flags&timeslice.SliceFlagGuestTime == 0 {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t\n",
					s.Kind, s.Flags, s.Count,
					s.Total.Round(time.Microsecond),
					s.Min.Round(time.Microsecond),
					s.Max.Round(time.Microsecond),
					s.Mean().Round(time.Microsecond),
				)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&guestOnly, "guest", false, "only show guest-time kinds")

	return cmd
}
