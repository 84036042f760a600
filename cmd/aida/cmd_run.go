package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/irisfeed/aida/internal/orchestrator"
)

var runDryRun bool

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one batch",
	Long: `Run one batch end to end:

1. Handshake with the portal and fetch report definitions and overrides
2. Generate every report with the configured MIS adapter
3. Compare each report with the previous run and write change files
4. Send the change files to the portal (and the S3 archive if set)
5. Move current reports to previous and clear the change files

With --dry-run the portal is not contacted and the batch stops after
generation, leaving the reports in place for 'aida diff'.`,
	Example: `  aida run                      # Normal batch
  aida run --dry-run            # Generate only, then inspect with 'aida diff'
  aida run -c /etc/aida.yaml    # Use specific config file`,
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Generate reports only; do not compare, send or rotate")
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
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

	result, err := a.orch.WithDryRun(runDryRun).RunCycle(ctx)
	if result != nil {
		displayRunResult(cmd.OutOrStdout(), result)
	}
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	return nil
}

func displayRunResult(w io.Writer, result *orchestrator.CycleResult) {
	mode := "connected"
	if result.Local {
		mode = "local"
	}
	adds, removes := result.Lines()

	_, _ = fmt.Fprintf(w, "\nRun %s (%s", result.Revision, mode)
	if result.DryRun {
		_, _ = fmt.Fprint(w, ", dry run")
	}
	_, _ = fmt.Fprintln(w, ")")
	_, _ = fmt.Fprintf(w, "  Generated:   %d (disabled %d, failed %d)\n",
		len(result.Summary.Generated), len(result.Summary.Disabled), len(result.Summary.Failed))
	if !result.DryRun {
		_, _ = fmt.Fprintf(w, "  Compared:    %d\n", len(result.Reports))
		_, _ = fmt.Fprintf(w, "  Changed:     %d (+%d -%d)\n", result.Changed(), adds, removes)
		_, _ = fmt.Fprintf(w, "  Transfer:    %s\n", result.Transfer)
	}
	_, _ = fmt.Fprintf(w, "  Duration:    %s\n", result.Duration.Round(time.Millisecond))

	if len(result.Errors) > 0 {
		_, _ = fmt.Fprintln(w, "\nErrors encountered:")
		for _, e := range result.Errors {
			_, _ = fmt.Fprintf(w, "  - %s\n", e)
		}
	}

	if result.Success {
		_, _ = fmt.Fprintln(w, "\nRun complete")
	} else {
		_, _ = fmt.Fprintln(w, "\nRun failed - check errors above")
	}
}
