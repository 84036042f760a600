package changeset

import (
	"errors"
	"fmt"
	"os"

	difflib "github.com/pmezard/go-difflib/difflib"

	"github.com/irisfeed/aida/internal/snapshot"
)

// Preview renders a unified diff of a report's previous generation against
// its current one, for operators. It never touches the transmit area. A
// missing previous generation diffs against an empty file.
func (e *Engine) Preview(report string, context int) (string, error) {
	current, err := snapshot.LoadLines(e.store.Path(snapshot.AreaCurrent, report))
	if err != nil {
		return "", fmt.Errorf("read current %s: %w", report, err)
	}

	previous, err := snapshot.LoadLines(e.store.Path(snapshot.AreaPrevious, report))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read previous %s: %w", report, err)
	}

	if context <= 0 {
		context = 3
	}

	u := difflib.UnifiedDiff{
		A:        withNewlines(previous),
		B:        withNewlines(current),
		FromFile: "previous/" + report,
		ToFile:   "current/" + report,
		Context:  context,
	}
	return difflib.GetUnifiedDiffString(u)
}

func withNewlines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l + "\n"
	}
	return out
}
