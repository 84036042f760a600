package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/irisfeed/aida/internal/config"
	"github.com/irisfeed/aida/internal/history"
	"github.com/irisfeed/aida/internal/orchestrator"
	"github.com/irisfeed/aida/internal/telemetry"
	"github.com/irisfeed/aida/internal/transfer"
)

var (
	version    = "0.1.0"
	configPath string
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "aida",
		Short: "IRIS data transfer agent",
		Long: `AIDA - IRIS data transfer agent

AIDA extracts reports from the school MIS, works out what changed since
the previous run and sends only the changes to the IRIS portal.

Without portal credentials it runs locally: reports are generated and
compared, and the snapshot advances, but nothing is sent.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`AIDA {{.Version}} - IRIS data transfer agent
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "aida.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// agent holds what the run and daemon commands share.
type agent struct {
	logFile  io.Closer
	provider *telemetry.Provider
	history  *history.Store
	archive  *transfer.S3Archive
	orch     *orchestrator.Orchestrator
}

func newAgent(ctx context.Context, cfg *config.Config) (*agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logFile, err := telemetry.SetupLogging(cfg.Log, cfg.DataDir, os.Stderr, debug)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	a := &agent{logFile: logFile}

	a.provider, err = telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	a.history, err = history.Open(cfg.DataDir)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.orch = orchestrator.NewOrchestrator(cfg).
		WithHistory(a.history).
		WithRecorder(a.provider)

	if cfg.Archive.S3.Bucket != "" {
		a.archive, err = transfer.NewS3Archive(ctx, cfg.Archive.S3)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to set up S3 archive: %w", err)
		}
		a.orch.WithArchive(a.archive)
	}

	return a, nil
}

// Close releases everything in reverse order of creation.
func (a *agent) Close(ctx context.Context) {
	if a.archive != nil {
		_ = a.archive.Close()
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			log.Warn().Err(err).Msg("could not close history")
		}
	}
	if a.provider != nil {
		if err := a.provider.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
