package changeset

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/irisfeed/aida/internal/snapshot"
)

// Outcome classifies what Compare did with a report.
type Outcome string

const (
	OutcomeFullSnapshot Outcome = "full_snapshot"
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeChanged      Outcome = "changed"
	OutcomeNoChange     Outcome = "no_change"
	OutcomeFailed       Outcome = "failed"
)

// Result is the outcome of comparing one report.
type Result struct {
	Report    string
	Outcome   Outcome
	ChangeSet *ChangeSet
	// Transmit is the path of the written change file, empty if none.
	Transmit string
}

// Engine compares current reports against their previous generation. The
// incremental flag is fixed for the lifetime of the engine, which is one
// run.
type Engine struct {
	store       *snapshot.Store
	incremental bool
	// skipHashCheck forces the line-level pass even when hashes match.
	skipHashCheck bool

	loadLines func(path string) ([]string, error)
	hash      func(path string) (string, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithoutHashShortcut disables the content-hash fast path.
func WithoutHashShortcut() Option {
	return func(e *Engine) { e.skipHashCheck = true }
}

// NewEngine creates an engine over store.
func NewEngine(store *snapshot.Store, incremental bool, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		incremental: incremental,
		loadLines:   snapshot.LoadLines,
		hash:        snapshot.ContentHash,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Incremental reports the mode the engine runs in.
func (e *Engine) Incremental() bool {
	return e.incremental
}

// Compare returns the change-set for a report, or nil when nothing needs
// transmitting. A non-nil change-set has already been written to the
// transmit area.
func (e *Engine) Compare(report string) (*ChangeSet, error) {
	res, err := e.Evaluate(report)
	if err != nil {
		return nil, err
	}
	return res.ChangeSet, nil
}

// Evaluate compares one report and writes its transmit file when the
// change-set is non-empty.
func (e *Engine) Evaluate(report string) (Result, error) {
	res := Result{Report: report, Outcome: OutcomeFailed}
	currentPath := e.store.Path(snapshot.AreaCurrent, report)

	current, err := e.loadLines(currentPath)
	if err != nil {
		return res, fmt.Errorf("read current %s: %w", report, err)
	}

	cs, outcome := e.compareLines(report, currentPath, current)
	res.Outcome = outcome
	if cs.Empty() {
		return res, nil
	}

	dest := e.store.Path(snapshot.AreaTransmit, report)
	err = snapshot.WriteFileAtomic(dest, func(w io.Writer) error {
		_, err := cs.WriteTo(w)
		return err
	})
	if err != nil {
		res.Outcome = OutcomeFailed
		return res, fmt.Errorf("write transmit %s: %w", report, err)
	}

	adds, removes := cs.Counts()
	log.Info().
		Str("report", report).
		Str("mode", string(cs.Mode)).
		Int("adds", adds).
		Int("removes", removes).
		Msg("created transmit file")

	res.ChangeSet = cs
	res.Transmit = dest
	return res, nil
}

func (e *Engine) compareLines(report, currentPath string, current []string) (*ChangeSet, Outcome) {
	if !e.incremental {
		return Full(report, current), OutcomeFullSnapshot
	}

	previousPath := e.store.Path(snapshot.AreaPrevious, report)
	if !e.store.Exists(snapshot.AreaPrevious, report) {
		log.Debug().Str("report", report).Msg("no previous generation, sending full report")
		return Full(report, current), OutcomeFullSnapshot
	}

	if !e.skipHashCheck && e.sameContent(currentPath, previousPath) {
		log.Debug().Str("report", report).Msg("report identical to previous")
		return nil, OutcomeUnchanged
	}

	previous, err := e.loadLines(previousPath)
	if err != nil {
		log.Warn().Err(err).Str("report", report).Msg("previous generation unreadable, sending full report")
		return Full(report, current), OutcomeFullSnapshot
	}

	cs := Diff(report, current, previous)
	if cs.Empty() {
		return nil, OutcomeNoChange
	}
	return cs, OutcomeChanged
}

// sameContent compares content hashes. Any hashing error reports the
// files as different so the line-level pass decides.
func (e *Engine) sameContent(a, b string) bool {
	ha, err := e.hash(a)
	if err != nil {
		return false
	}
	hb, err := e.hash(b)
	if err != nil {
		return false
	}
	return ha == hb
}
