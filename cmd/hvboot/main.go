package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hvboot",
		Short: "Bring up a core in virtualization mode and run guests on it",
		Long: `hvboot enables hardware virtualization on one core, provisions a set of
single-vCPU guests, runs them concurrently and disables the core again.

Settings come from hvboot.yaml, HVBOOT_* environment variables (optionally
loaded from .env) and flags, in increasing order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newTimesliceCmd())

	return root
}

func setupLogging(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hvboot: %v\n", err)
		os.Exit(1)
	}
}
