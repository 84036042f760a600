package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/irisfeed/aida/internal/journal"
	"github.com/irisfeed/aida/internal/orchestrator"
)

var journalSince time.Duration

// journalCmd represents the journal command
var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show the audit trail of recent runs",
	Example: `  aida journal              # Entries from the last 24 hours
  aida journal --since 168h # Last week`,
	RunE: runJournal,
}

func init() {
	rootCmd.AddCommand(journalCmd)

	journalCmd.Flags().DurationVar(&journalSince, "since", 24*time.Hour, "Show entries newer than this")
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dir := filepath.Join(cfg.DataDir, orchestrator.JournalDir)
	since := time.Now().Add(-journalSince)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tRUN\tTYPE\tREPORT\tDETAIL")

	err = journal.Replay(dir, since, func(e *journal.Entry) error {
		detail := string(e.Data)
		if e.Error != "" {
			detail = "error: " + e.Error
		}
		report := e.Report
		if report == "" {
			report = "-"
		}
		_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), shortID(e.RunID), e.Type, report, detail)
		return err
	})
	if err != nil {
		return err
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
