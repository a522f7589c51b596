package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tradescout/relay/internal/config"
	"github.com/tradescout/relay/internal/engine"
)

const (
	appName = "relay"
	version = "v1.3.0"
)

func main() {
	_ = godotenv.Load()
	setupLogging()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Realtime position-lifecycle relay for tracked trader accounts",
		Version: version,
		Long: `relay watches a dynamic set of trader addresses on the upstream exchange,
classifies every fill into a position-lifecycle action, publishes canonical
fill events to the durable bus, and fans events out to dashboard clients.`,
		RunE: runServe,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay engine",
		RunE:  runServe,
	}

	validateCmd := &cobra.Command{
		Use:   "validate <address> <asset>",
		Short: "Validate the stored position chain for one (address, asset)",
		Args:  cobra.ExactArgs(2),
		RunE:  runValidate,
	}

	repairCmd := &cobra.Command{
		Use:   "repair <address> <asset>",
		Short: "Clear and re-ingest the position chain for one (address, asset)",
		Args:  cobra.ExactArgs(2),
		RunE:  runRepair,
	}

	rootCmd.AddCommand(serveCmd, validateCmd, repairCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// setupLogging selects console output on a terminal, JSON otherwise.
func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return eng.Run(ctx)
}

func runValidate(cmd *cobra.Command, args []string) error {
	return withMaintenance(cmd.Context(), args, func(ctx context.Context, m *maintenance, address, asset string) error {
		report, err := m.checker.Validate(ctx, address, asset)
		if err != nil {
			return err
		}
		if report.Valid {
			fmt.Printf("chain valid: %d fills\n", report.Count)
			return nil
		}
		fmt.Printf("chain INVALID: %d fills, %d gaps\n", report.Count, len(report.Gaps))
		for _, g := range report.Gaps {
			fmt.Printf("  %s expected %.8f actual %.8f\n", g.Time.Format(time.RFC3339), g.Expected, g.Actual)
		}
		return nil
	})
}

func runRepair(cmd *cobra.Command, args []string) error {
	return withMaintenance(cmd.Context(), args, func(ctx context.Context, m *maintenance, address, asset string) error {
		result, err := m.checker.Repair(ctx, address, asset)
		if err != nil {
			return err
		}
		fmt.Printf("repaired: cleared %d, ingested %d, valid=%v\n",
			result.Cleared, result.Ingested, result.Report.Valid)
		return nil
	})
}
