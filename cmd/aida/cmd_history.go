package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/irisfeed/aida/internal/history"
)

var (
	historyLimit int
	historyStale int64
	historyKeep  int64
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs",
	Example: `  aida history                  # Last 20 runs
  aida history --limit 5        # Last 5 runs
  aida history reports          # Last known state of every report
  aida history reports --stale 10
  aida history compact --keep 500`,
	RunE: runHistory,
}

var historyReportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Show the last known state of every report",
	RunE:  runHistoryReports,
}

var historyCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Delete old run records",
	RunE:  runHistoryCompact,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyReportsCmd)
	historyCmd.AddCommand(historyCompactCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show")
	historyReportsCmd.Flags().Int64Var(&historyStale, "stale", 0, "Only reports missing from the last N runs")
	historyCompactCmd.Flags().Int64Var(&historyKeep, "keep", 1000, "Number of most recent runs to keep")
}

func openHistory() (*history.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return history.Open(cfg.DataDir)
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.Runs(historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tREVISION\tMODE\tCHANGED\t+/-\tTRANSFER\tDURATION\tERRORS")
	for _, r := range runs {
		mode := "incremental"
		if !r.Incremental {
			mode = "full"
		}
		if r.Local {
			mode += " (local)"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d/%d\t+%d -%d\t%s\t%s\t%d\n",
			r.Sequence, r.Revision, mode, r.Changed, r.Generated, r.Adds, r.Removes,
			r.Transfer, r.Duration().Round(time.Millisecond), len(r.Errors))
	}
	return w.Flush()
}

func runHistoryReports(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	states := store.Reports()
	if historyStale > 0 {
		states = store.Stale(historyStale)
	}

	out := cmd.OutOrStdout()
	if len(states) == 0 {
		_, _ = fmt.Fprintln(out, "No reports recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "REPORT\tLAST OUTCOME\t+/-\tLAST CHANGED\tRUNS\tHASH")
	for _, s := range states {
		changed := s.LastChangedRevision
		if changed == "" {
			changed = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t+%d -%d\t%s\t%d\t%s\n",
			s.Name, strings.ReplaceAll(s.LastOutcome, "_", " "), s.LastAdds, s.LastRemoves,
			changed, s.Runs, shortHash(s.LastHash))
	}
	return w.Flush()
}

func runHistoryCompact(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	removed, err := store.Compact(historyKeep)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d run records\n", removed)
	return nil
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
