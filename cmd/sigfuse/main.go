package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/sigfuse/sigfuse/internal/app"
)

// version is stamped by the build.
var version = "dev"

// shutdownGrace bounds how long in-flight sends and acks may finish after a
// termination signal.
const shutdownGrace = 10 * time.Second

func main() {
	setupLogging()
	if err := rootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sigfuse",
		Short:         "Real-time listing signal ingestion, fusion and delivery",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Accept snake_case flag spellings from older wrapper scripts.
	root.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	var opts app.Options
	run := &cobra.Command{
		Use:   "run",
		Short: "Start the unified runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(opts)
		},
	}
	run.Flags().StringVar(&opts.ConfigPath, "config", "config.yaml", "path to the YAML configuration")
	run.Flags().BoolVar(&opts.DryRun, "dry-run", false, "log deliveries instead of sending them")
	run.Flags().StringSliceVar(&opts.Only, "only", nil, "run only the named components (monitors, fusion, pusher, http)")

	root.AddCommand(run)
	return root
}

func runApp(opts app.Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx, opts) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		log.Info().Dur("grace", shutdownGrace).Msg("termination signal received, draining")
		select {
		case err := <-done:
			return err
		case <-time.After(shutdownGrace):
			return fmt.Errorf("shutdown grace period exceeded")
		}
	}
}
