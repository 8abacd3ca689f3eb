package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinyrange/hvboot/internal/bringup"
	"github.com/tinyrange/hvboot/internal/config"
	"github.com/tinyrange/hvboot/internal/hv"
	"github.com/tinyrange/hvboot/internal/hv/factory"
	"github.com/tinyrange/hvboot/internal/timeslice"
)

type runOptions struct {
	configPath string
	envFile    string
	platform   string
	core       int
	guests     int
	policy     string
	logLevel   string
	timeslice  string
	noProgress bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bring-up sequence on one core",
		Long: `Enable virtualization on --core, set up and dispatch every guest, then
disable the core according to the disable policy.

Guest exits, normal or not, are listed in the report and never change the
exit status. Only a failure to enable the core or to set up a guest does.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runBringup(cmd, cfg, opts.noProgress)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "config file (default "+config.DefaultFilename+")")
	f.StringVar(&opts.envFile, "env-file", "", "environment file (default "+config.DefaultEnvFile+")")
	f.StringVar(&opts.platform, "platform", "", "hypervisor binding: "+strings.Join(factory.Names(), ", "))
	f.IntVar(&opts.core, "core", 0, "core to bring up")
	f.IntVarP(&opts.guests, "guests", "n", bringup.DefaultGuestCount, "number of guests")
	f.StringVar(&opts.policy, "policy", "", "disable policy: after-join, after-dispatch or never")
	f.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	f.StringVar(&opts.timeslice, "timeslice", "", "record step timings to this file")
	f.BoolVar(&opts.noProgress, "no-progress", false, "never draw the progress bar")

	return cmd
}

// loadConfig layers file, environment and explicitly set flags.
func loadConfig(cmd *cobra.Command, opts runOptions) (config.Config, error) {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return config.Config{}, fmt.Errorf("environment: %w", err)
	}

	f := cmd.Flags()
	if f.Changed("platform") {
		cfg.Platform = opts.platform
	}
	if f.Changed("core") {
		cfg.Core = opts.core
	}
	if f.Changed("guests") {
		cfg.SetGuestCount(opts.guests)
	}
	if f.Changed("policy") {
		cfg.DisablePolicy = opts.policy
	}
	if f.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if f.Changed("timeslice") {
		cfg.Timeslice = opts.timeslice
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runBringup(cmd *cobra.Command, cfg config.Config, noProgress bool) error {
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	setupLogging(cmd.ErrOrStderr(), level)

	if cfg.Timeslice != "" {
		f, err := os.Create(cfg.Timeslice)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer f.Close()

		w, err := timeslice.StartRecording(f)
		if err != nil {
			return fmt.Errorf("start timeslice recording: %w", err)
		}
		defer w.Close()
	}

	// the firmware image is 16-bit x86 code
	platform, err := factory.OpenWithArchitecture(cfg.Platform, hv.ArchitectureX86_64)
	if err != nil {
		return fmt.Errorf("open platform %s: %w", cfg.Platform, err)
	}
	defer platform.Close()

	bcfg := cfg.Bringup()
	bcfg.Console = &lockedWriter{w: cmd.OutOrStdout()}

	var bar *progressbar.ProgressBar
	var opts []bringup.Option
	if !noProgress && isTerminal(cmd.ErrOrStderr()) && bcfg.GuestCount > 0 {
		bar = progressbar.NewOptions(bcfg.GuestCount,
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription(fmt.Sprintf("core %d guests", cfg.Core)),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		opts = append(opts, bringup.WithProgress(func(completed uint64, total int) {
			_ = bar.Set(int(completed))
		}))
	}

	o, err := bringup.New(platform, bcfg, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, runErr := o.Run(ctx, cfg.Core)
	if bar != nil {
		_ = bar.Finish()
	}
	if report != nil {
		if err := report.WriteTable(cmd.OutOrStdout()); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	return runErr
}

// lockedWriter serializes console lines from concurrent guests.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func isTerminal(w any) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

