package report

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/irisfeed/aida/internal/config"
)

// sqlGenerator runs each report's SELECT query and writes the rows as
// quoted comma separated values.
type sqlGenerator struct {
	db *sql.DB
}

func newSQL(cfg *config.Config) (Generator, error) {
	if err := cfg.Require("sql.driver", "sql.dsn"); err != nil {
		return nil, fmt.Errorf("configure sql adapter: %w", err)
	}

	db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.SQL.Driver, err)
	}
	return &sqlGenerator{db: db}, nil
}

func (g *sqlGenerator) Kind() Kind { return KindSQL }

func (g *sqlGenerator) Close() error {
	return g.db.Close()
}

func (g *sqlGenerator) Generate(ctx context.Context, job Job) (Summary, error) {
	var sum Summary

	if err := g.db.PingContext(ctx); err != nil {
		return sum, fmt.Errorf("connect to database: %w", err)
	}

	for _, def := range job.Definitions {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		if def.Import {
			log.Warn().Str("report", def.File).Msg("invalid report definition for sql adapter, skipping")
			sum.Failed = append(sum.Failed, def.File)
			continue
		}

		query := def.Source
		params, run := job.Overrides.Lookup(def.File)
		if !run {
			log.Info().Str("report", def.File).Msg("report disabled by override")
			sum.Disabled = append(sum.Disabled, def.File)
			continue
		}
		if params != "" {
			query = params
		}

		if !AllowedQuery(query) {
			log.Warn().Str("report", def.File).Str("query", query).Msg("ignoring illegal query")
			sum.Failed = append(sum.Failed, def.File)
			continue
		}

		dest, err := job.Chunks.Claim(filepath.Join(job.CurrentDir, def.File))
		if err != nil {
			return sum, fmt.Errorf("claim output for %s: %w", def.File, err)
		}

		rows, err := g.writeQuery(ctx, query, dest)
		if err != nil {
			log.Error().Err(err).Str("report", def.File).Msg("could not write report file")
			sum.Failed = append(sum.Failed, def.File)
			continue
		}

		log.Debug().Str("report", def.File).Int("rows", rows).Msg("report generated")
		sum.Generated = append(sum.Generated, def.File)
	}

	return sum, nil
}

// AllowedQuery reports whether query is a single SELECT statement.
func AllowedQuery(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	return strings.HasPrefix(q, "select") && !strings.Contains(q, ";")
}

func (g *sqlGenerator) writeQuery(ctx context.Context, query, dest string) (int, error) {
	rows, err := g.db.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("run query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return 0, fmt.Errorf("read columns: %w", err)
	}

	f, err := os.Create(dest) // #nosec G304 -- dest is inside the current area
	if err != nil {
		return 0, fmt.Errorf("create report file: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	n := 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return n, fmt.Errorf("scan row: %w", err)
		}
		if _, err := w.WriteString(FormatRow(values) + "\r\n"); err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("read rows: %w", err)
	}

	if err := w.Flush(); err != nil {
		return n, err
	}
	return n, f.Close()
}

// FormatRow renders values as "v1", "v2". NULL becomes an empty field.
func FormatRow(values []any) string {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('"')
		switch t := v.(type) {
		case nil:
		case []byte:
			b.Write(t)
		default:
			fmt.Fprint(&b, t)
		}
		b.WriteByte('"')
	}
	return b.String()
}
