package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/irisfeed/aida/internal/config"
	"github.com/irisfeed/aida/internal/snapshot"
)

// simsGenerator drives the SIMS command line reporter and importer.
type simsGenerator struct {
	reporter string
	importer string
	username string
	password string
}

func newSIMS(cfg *config.Config) (Generator, error) {
	if err := cfg.Require("sims.reporter_command", "sims.username", "sims.password"); err != nil {
		return nil, fmt.Errorf("configure sims adapter: %w", err)
	}
	return &simsGenerator{
		reporter: cfg.SIMS.ReporterCommand,
		importer: cfg.SIMS.ImporterCommand,
		username: cfg.SIMS.Username,
		password: cfg.SIMS.Password,
	}, nil
}

func (g *simsGenerator) Kind() Kind { return KindSIMS }

func (g *simsGenerator) Close() error { return nil }

// Generate runs every definition in order. A missing bulk import definition
// stops the run because later reports depend on it. An importer that runs
// and fails is recorded and the run carries on.
func (g *simsGenerator) Generate(ctx context.Context, job Job) (Summary, error) {
	var sum Summary

	for _, def := range job.Definitions {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		if def.Import {
			found, ok, err := g.runImport(ctx, job.WorkDir, def.File)
			if err != nil {
				return sum, err
			}
			if !found {
				sum.Failed = append(sum.Failed, def.File)
				break
			}
			if !ok {
				sum.Failed = append(sum.Failed, def.File)
				continue
			}
			sum.Imported = append(sum.Imported, def.File)
			continue
		}

		params, run := job.Overrides.Lookup(def.File)
		if !run {
			log.Info().Str("report", def.File).Msg("report disabled by override")
			sum.Disabled = append(sum.Disabled, def.File)
			continue
		}

		ok, err := g.runReport(ctx, job, def, params)
		if err != nil {
			return sum, err
		}
		if ok {
			sum.Generated = append(sum.Generated, def.File)
		} else {
			sum.Failed = append(sum.Failed, def.File)
		}
	}

	return sum, nil
}

// runImport reports whether the definition could be handed to the importer
// at all (found) and whether the importer succeeded (ok).
func (g *simsGenerator) runImport(ctx context.Context, workDir, file string) (found, ok bool, err error) {
	if g.importer == "" {
		log.Error().Str("definition", file).Msg("bulk import requested but sims.importer_command is not set")
		return false, false, nil
	}

	path := filepath.Join(workDir, file)
	if _, err := os.Stat(path); err != nil {
		log.Error().Str("definition", path).Msg("bulk import definition not found")
		return false, false, nil
	}

	args := []string{"/USER:" + g.username, "/PASSWORD:" + g.password, "/REPORT:" + path}
	ok, err = g.exec(ctx, g.importer, file, args)
	if err == nil && !ok {
		log.Warn().Str("definition", file).Msg("bulk import failed, continuing with remaining reports")
	}
	return true, ok, err
}

// runReport returns false when the reporter ran and failed; it returns an
// error only when the reporter cannot be started at all.
func (g *simsGenerator) runReport(ctx context.Context, job Job, def Definition, params string) (bool, error) {
	file := def.File
	dest, err := job.Chunks.Claim(filepath.Join(job.CurrentDir, file))
	if err != nil {
		return false, fmt.Errorf("claim output for %s: %w", file, err)
	}

	args := []string{
		"/USER:" + g.username,
		"/PASSWORD:" + g.password,
		"/REPORT:" + strings.TrimSpace(def.Source),
		"/OUTPUT:" + dest,
	}
	if params != "" {
		args = append(args, "/PARAMS:"+params)
	}

	ok, err := g.exec(ctx, g.reporter, file, args)
	if err != nil || !ok {
		return ok, err
	}

	if err := stripHeader(dest); err != nil {
		log.Warn().Err(err).Str("report", file).Msg("failed to strip report header")
	}
	return true, nil
}

func (g *simsGenerator) exec(ctx context.Context, command, label string, args []string) (bool, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, command, args...) // #nosec G204 -- command comes from local config
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	logOutput(label, out.String())

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &exitErr):
		log.Error().Str("report", label).Int("exit_code", exitErr.ExitCode()).Msg("MIS command failed")
		return false, nil
	default:
		return false, fmt.Errorf("run %s: %w", command, err)
	}
}

func logOutput(label, output string) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		log.Debug().Str("report", label).Msg(line)
	}
}

// stripHeader drops the first line the reporter writes and normalises line
// endings to CRLF.
func stripHeader(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	first := true
	var lines []string
	err := readFileLines(path, func(line string) error {
		if first {
			first = false
			return nil
		}
		lines = append(lines, line)
		return nil
	})
	if err != nil {
		return err
	}

	return snapshot.WriteFileAtomic(path, func(w io.Writer) error {
		for _, line := range lines {
			if _, err := io.WriteString(w, line+"\r\n"); err != nil {
				return err
			}
		}
		return nil
	})
}

func readFileLines(path string, fn func(string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return snapshot.ReadLines(f, fn)
}
