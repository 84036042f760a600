package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/irisfeed/aida/internal/changeset"
	"github.com/irisfeed/aida/internal/snapshot"
)

var diffContext int

// diffCmd represents the diff command
var diffCmd = &cobra.Command{
	Use:   "diff [report...]",
	Short: "Preview changes between previous and current reports",
	Long: `Show a unified diff of each report's previous generation against the
current one. Nothing is written or sent.

Current reports only exist between generation and rotation, so run
'aida run --dry-run' first.`,
	Example: `  aida run --dry-run && aida diff    # Preview every report
  aida diff pupils.csv               # Preview one report
  aida diff --context 0 staff.csv    # Changed lines only`,
	RunE: runDiff,
}

func init() {
	rootCmd.AddCommand(diffCmd)

	diffCmd.Flags().IntVarP(&diffContext, "context", "U", 3, "Lines of context")
}

func runDiff(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store := snapshot.New(cfg.DataDir)
	names := args
	if len(names) == 0 {
		names, err = store.ListReports(snapshot.AreaCurrent)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if len(names) == 0 {
		_, _ = fmt.Fprintln(out, "No current reports. Run 'aida run --dry-run' to generate them.")
		return nil
	}

	engine := changeset.NewEngine(store, true)
	for _, name := range names {
		text, err := engine.Preview(name, diffContext)
		if err != nil {
			return err
		}
		if text == "" {
			_, _ = fmt.Fprintf(out, "%s: no changes\n", name)
			continue
		}
		_, _ = fmt.Fprint(out, text)
	}
	return nil
}
