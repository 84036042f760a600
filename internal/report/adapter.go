package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/irisfeed/aida/internal/chunk"
	"github.com/irisfeed/aida/internal/config"
)

// Kind identifies a supported MIS adapter.
type Kind string

const (
	// KindSIMS drives the SIMS command line reporter.
	KindSIMS Kind = "sims"
	// KindSQL runs SELECT queries against a database/sql data source.
	KindSQL Kind = "sql"
)

// ErrUnknownAdapter is returned for a MIS name with no registered adapter.
var ErrUnknownAdapter = errors.New("unknown MIS adapter")

// Job is everything a generator needs for one run.
type Job struct {
	Definitions []Definition
	Overrides   Overrides
	// CurrentDir receives the generated report files.
	CurrentDir string
	// WorkDir holds bulk-import definition files.
	WorkDir string
	// Chunks tracks reports written more than once in this run.
	Chunks *chunk.Run
}

// Summary lists what a generator did with each definition.
type Summary struct {
	Generated []string
	Disabled  []string
	Imported  []string
	Failed    []string
}

// Generator materialises report definitions into files.
type Generator interface {
	Kind() Kind
	Generate(ctx context.Context, job Job) (Summary, error)
	Close() error
}

// Factory builds a generator from configuration.
type Factory func(cfg *config.Config) (Generator, error)

// adapters is the closed set of supported MIS kinds.
var adapters = map[Kind]Factory{
	KindSIMS: newSIMS,
	KindSQL:  newSQL,
	// older installations name the query runner after the database
	"access": newSQL,
}

// New returns the generator registered for the MIS name in cfg.
func New(cfg *config.Config) (Generator, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(cfg.MIS)))
	factory, ok := adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownAdapter, cfg.MIS, strings.Join(Kinds(), ", "))
	}
	return factory(cfg)
}

// Kinds returns the registered adapter names, sorted.
func Kinds() []string {
	names := make([]string, 0, len(adapters))
	for k := range adapters {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return names
}
