package report

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irisfeed/aida/internal/chunk"
	"github.com/irisfeed/aida/internal/config"
)

func newSQLFixture(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "mis.db")

	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE pupils (id INTEGER, name TEXT, form TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO pupils VALUES (1, 'Ada', '7A'), (2, 'Alan', NULL), (3, 'Grace', '8B')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg := config.Default()
	cfg.MIS = "sql"
	cfg.SQL.DSN = dsn

	current := filepath.Join(dir, "current")
	require.NoError(t, os.MkdirAll(current, 0o750))
	return cfg, dir
}

func TestSQLGenerator_WritesQuotedRows(t *testing.T) {
	cfg, dir := newSQLFixture(t)
	g, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	job := Job{
		Definitions: []Definition{
			{File: "pupils.csv", Source: "SELECT id, name, form FROM pupils ORDER BY id"},
			{File: "evil.csv", Source: "select 1; drop table pupils"},
			{File: "update.csv", Source: "update pupils set name = 'x'"},
			{File: "skipped.csv", Source: "select id from pupils"},
			{File: "bulk.xml", Import: true},
		},
		Overrides:  Overrides{"skipped.csv": {Run: false}},
		CurrentDir: filepath.Join(dir, "current"),
		WorkDir:    dir,
		Chunks:     chunk.NewRun(dir),
	}

	sum, err := g.Generate(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, []string{"pupils.csv"}, sum.Generated)
	assert.Equal(t, []string{"skipped.csv"}, sum.Disabled)
	assert.ElementsMatch(t, []string{"evil.csv", "update.csv", "bulk.xml"}, sum.Failed)

	data, err := os.ReadFile(filepath.Join(dir, "current", "pupils.csv"))
	require.NoError(t, err)
	assert.Equal(t, "\"1\", \"Ada\", \"7A\"\r\n\"2\", \"Alan\", \"\"\r\n\"3\", \"Grace\", \"8B\"\r\n", string(data))

	assert.NoFileExists(t, filepath.Join(dir, "current", "evil.csv"))
	assert.NoFileExists(t, filepath.Join(dir, "current", "skipped.csv"))
}

func TestSQLGenerator_OverrideReplacesQuery(t *testing.T) {
	cfg, dir := newSQLFixture(t)
	g, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	job := Job{
		Definitions: []Definition{{File: "names.csv", Source: "select name from pupils"}},
		Overrides:   Overrides{"names.csv": {Params: "select name from pupils where id = 3", Run: true}},
		CurrentDir:  filepath.Join(dir, "current"),
		WorkDir:     dir,
		Chunks:      chunk.NewRun(dir),
	}

	_, err = g.Generate(context.Background(), job)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "current", "names.csv"))
	require.NoError(t, err)
	assert.Equal(t, "\"Grace\"\r\n", string(data))
}

func TestSQLGenerator_RepeatedFileIsChunked(t *testing.T) {
	cfg, dir := newSQLFixture(t)
	g, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	run := chunk.NewRun(dir)
	job := Job{
		Definitions: []Definition{
			{File: "all.csv", Source: "select name from pupils where id = 1"},
			{File: "all.csv", Source: "select name from pupils where id = 2"},
		},
		CurrentDir: filepath.Join(dir, "current"),
		WorkDir:    dir,
		Chunks:     run,
	}

	_, err = g.Generate(context.Background(), job)
	require.NoError(t, err)

	results, err := run.Concatenate()
	require.NoError(t, err)
	require.Len(t, results, 1)

	data, err := os.ReadFile(filepath.Join(dir, "current", "all.csv"))
	require.NoError(t, err)
	assert.Equal(t, "\"Ada\"\r\n\"Alan\"\r\n", string(data))
}

func TestAllowedQuery(t *testing.T) {
	assert.True(t, AllowedQuery("  SELECT * FROM x"))
	assert.True(t, AllowedQuery("select a from b where c = 'd'"))
	assert.False(t, AllowedQuery("delete from x"))
	assert.False(t, AllowedQuery("select 1;"))
	assert.False(t, AllowedQuery(""))
}

func TestFormatRow(t *testing.T) {
	assert.Equal(t, `"1", "two", "", "3.5"`, FormatRow([]any{int64(1), []byte("two"), nil, 3.5}))
	assert.Equal(t, "", FormatRow(nil))
}
