// Package report turns report definitions into files in the current area
// by driving a MIS-specific generator.
package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefinitionsFile is the name of the report definition list in the data
// directory.
const DefinitionsFile = "reports.csv"

// Definition is one row of reports.csv. A row with a single field names a
// bulk-import definition file; a row with two fields names the output file
// and the query or report to materialise into it.
type Definition struct {
	File   string
	Source string
	Import bool
}

// Override carries site-specific arguments for a report and can switch
// it off.
type Override struct {
	Params string
	Run    bool
}

// Overrides maps a report file name to its override.
type Overrides map[string]Override

// Lookup returns the override parameters for a report and whether it should run.
// Reports without an override run with empty parameters.
func (o Overrides) Lookup(file string) (params string, run bool) {
	ov, ok := o[file]
	if !ok {
		return "", true
	}
	return ov.Params, ov.Run
}

// LoadDefinitions reads a definitions file from disk.
func LoadDefinitions(path string) ([]Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open report definitions: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ParseDefinitions(f)
}

// ParseDefinitions parses report definition rows. A single field marks an
// import. Rows with any other field count are logged and skipped.
func ParseDefinitions(r io.Reader) ([]Definition, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var defs []Definition
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse report definitions: %w", err)
		}

		switch len(rec) {
		case 1:
			if strings.TrimSpace(rec[0]) == "" {
				continue
			}
			defs = append(defs, Definition{File: strings.TrimSpace(rec[0]), Import: true})
		case 2:
			defs = append(defs, Definition{File: strings.TrimSpace(rec[0]), Source: rec[1]})
		default:
			log.Warn().Int("fields", len(rec)).Strs("record", rec).Msg("invalid report definition, skipping")
		}
	}
	return defs, nil
}

// ParseOverrides parses override rows "file,override,runFlag". A run flag
// of 0 disables the report for this run.
func ParseOverrides(r io.Reader) (Overrides, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	out := make(Overrides)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse override parameters: %w", err)
		}
		if len(rec) != 3 {
			continue
		}

		run := true
		flag, err := strconv.Atoi(strings.TrimSpace(rec[2]))
		if err != nil {
			log.Warn().Str("report", rec[0]).Str("flag", rec[2]).Msg("invalid run flag, report left enabled")
		} else {
			run = flag != 0
		}
		out[strings.TrimSpace(rec[0])] = Override{Params: rec[1], Run: run}
	}
	return out, nil
}
