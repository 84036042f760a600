package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/irisfeed/aida/internal/daemon"
)

var (
	daemonInterval    time.Duration
	daemonMetricsAddr string
	daemonRunOnStart  bool
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run batches on a schedule",
	Long: `Run AIDA as a long-lived process that runs one batch per interval.

Batches never overlap. While the daemon runs it serves:
- Prometheus metrics on /metrics
- Health checks on /health, /-/healthy, /-/ready`,
	Example: `  aida daemon                           # Interval and address from config
  aida daemon --interval 6h             # Run every six hours
  aida daemon --metrics-addr :9090      # Custom metrics address
  aida daemon --run-on-start=false      # Wait one interval before the first run`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0, "Run interval (default from config)")
	daemonCmd.Flags().StringVar(&daemonMetricsAddr, "metrics-addr", "", "Metrics HTTP listen address (default from config)")
	daemonCmd.Flags().BoolVar(&daemonRunOnStart, "run-on-start", true, "Run a batch immediately on start")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	interval := cfg.Daemon.Interval
	if daemonInterval > 0 {
		interval = daemonInterval
	}
	addr := cfg.Daemon.MetricsAddr
	if daemonMetricsAddr != "" {
		addr = daemonMetricsAddr
	}

	a, err := newAgent(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		a.Close(shutdownCtx)
	}()

	d, err := daemon.NewDaemon(daemon.Config{
		Interval:       interval,
		MetricsAddr:    addr,
		RunOnStart:     daemonRunOnStart,
		MetricsHandler: a.provider.Handler(),
	}, a.orch)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Starting AIDA daemon...\n")
	_, _ = fmt.Fprintf(out, "   MIS: %s\n", cfg.MIS)
	_, _ = fmt.Fprintf(out, "   Data: %s\n", cfg.DataDir)
	_, _ = fmt.Fprintf(out, "   Interval: %s\n", interval)
	_, _ = fmt.Fprintf(out, "   Metrics: %s\n\n", addr)

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}

	_, _ = fmt.Fprintln(out, "Daemon stopped")
	return nil
}
