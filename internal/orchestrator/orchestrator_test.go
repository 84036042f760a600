package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irisfeed/aida/internal/changeset"
	"github.com/irisfeed/aida/internal/config"
	"github.com/irisfeed/aida/internal/history"
	"github.com/irisfeed/aida/internal/journal"
	"github.com/irisfeed/aida/internal/lock"
	"github.com/irisfeed/aida/internal/report"
	"github.com/irisfeed/aida/internal/snapshot"
	"github.com/irisfeed/aida/internal/transfer"
)

// MockPortal records every exchange and captures transmit file contents
// at send time.
type MockPortal struct {
	mu           sync.Mutex
	incremental  bool
	handshakeErr error
	sendErr      error
	passwordErr  error
	overrides    report.Overrides
	batches      []transfer.Batch
	sent         map[string]string
	passwords    int
	finished     int
	closed       int
}

func newMockPortal() *MockPortal {
	return &MockPortal{incremental: true, sent: map[string]string{}}
}

func (m *MockPortal) Handshake(ctx context.Context) (bool, error) {
	return m.incremental, m.handshakeErr
}

func (m *MockPortal) SyncDefinitions(ctx context.Context, dir string) ([]string, error) {
	return nil, nil
}

func (m *MockPortal) Overrides(ctx context.Context) (report.Overrides, error) {
	return m.overrides, nil
}

func (m *MockPortal) Send(ctx context.Context, batch transfer.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, batch)
	for _, name := range batch.Files {
		data, err := os.ReadFile(batch.Path(name))
		if err != nil {
			return err
		}
		m.sent[name] = string(data)
	}
	return m.sendErr
}

func (m *MockPortal) SyncPasswords(ctx context.Context) error {
	m.passwords++
	return m.passwordErr
}

func (m *MockPortal) Finish(ctx context.Context) error {
	m.finished++
	return nil
}

func (m *MockPortal) Close() error {
	m.closed++
	return nil
}

// MockGenerator writes fixed content for every definition, then returns err.
type MockGenerator struct {
	outputs map[string][]string
	err     error
	calls   int
	job     report.Job
}

func (g *MockGenerator) Kind() report.Kind { return "mock" }

func (g *MockGenerator) Generate(ctx context.Context, job report.Job) (report.Summary, error) {
	g.calls++
	g.job = job
	var sum report.Summary
	for _, def := range job.Definitions {
		if _, run := job.Overrides.Lookup(def.File); !run {
			sum.Disabled = append(sum.Disabled, def.File)
			continue
		}
		dest, err := job.Chunks.Claim(filepath.Join(job.CurrentDir, def.File))
		if err != nil {
			return sum, err
		}
		content := ""
		for _, line := range g.outputs[def.Source] {
			content += line + "\r\n"
		}
		if err := os.WriteFile(dest, []byte(content), 0o600); err != nil {
			return sum, err
		}
		sum.Generated = append(sum.Generated, def.File)
	}
	return sum, g.err
}

func (g *MockGenerator) Close() error { return nil }

type fixture struct {
	cfg    *config.Config
	store  *snapshot.Store
	portal *MockPortal
	gen    *MockGenerator
	orch   *Orchestrator
}

func newFixture(t *testing.T, connected bool, definitions string) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.MIS = "mock"
	if connected {
		cfg.Server.SiteID = "site-1"
		cfg.Server.ServerPassword = "server"
		cfg.Server.ClientPassword = "client"
	}
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, report.DefinitionsFile), []byte(definitions), 0o600))

	f := &fixture{
		cfg:    cfg,
		store:  snapshot.New(cfg.DataDir),
		portal: newMockPortal(),
		gen:    &MockGenerator{outputs: map[string][]string{}},
	}

	clock := time.Date(2024, 9, 2, 7, 30, 0, 0, time.UTC)
	f.orch = NewOrchestrator(cfg).
		WithPortal(func(*config.Config, string) (Portal, error) { return f.portal, nil }).
		WithGenerator(func(*config.Config) (report.Generator, error) { return f.gen, nil }).
		WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		})
	return f
}

func TestOrchestrator_LocalRun(t *testing.T) {
	f := newFixture(t, false, "pupils.csv,Pupils\n")
	f.gen.outputs["Pupils"] = []string{"a", "b"}

	result, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Local)
	assert.True(t, result.Success)
	assert.Equal(t, TransferSkipped, result.Transfer)
	assert.Equal(t, "20240902073001", result.Revision)
	require.Len(t, result.Reports, 1)
	assert.Equal(t, changeset.OutcomeFullSnapshot, result.Reports[0].Outcome)
	assert.Equal(t, []string{"pupils.csv"}, result.Transmitted)
	assert.Greater(t, result.Duration, time.Duration(0))

	assert.Zero(t, f.portal.finished, "local runs never contact the portal")
	assert.True(t, f.store.Exists(snapshot.AreaPrevious, "pupils.csv"))
	assertEmpty(t, f.store, snapshot.AreaCurrent)
	assertEmpty(t, f.store, snapshot.AreaTransmit)
	assert.NoFileExists(t, filepath.Join(f.cfg.DataDir, lock.FileName))
}

func TestOrchestrator_IncrementalEndToEnd(t *testing.T) {
	f := newFixture(t, true, "pupils.csv,Pupils\n")
	ctx := context.Background()

	f.gen.outputs["Pupils"] = []string{"a", "c", "d"}
	first, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, TransferOK, first.Transfer)
	assert.Equal(t, "1,a\r\n1,c\r\n1,d\r\n", f.portal.sent["pupils.csv"])

	f.gen.outputs["Pupils"] = []string{"a", "b", "c"}
	second, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	require.Len(t, second.Reports, 1)
	assert.Equal(t, changeset.OutcomeChanged, second.Reports[0].Outcome)
	assert.Equal(t, "1,b\r\n0,d\r\n", f.portal.sent["pupils.csv"])

	adds, removes := second.Lines()
	assert.Equal(t, 1, adds)
	assert.Equal(t, 1, removes)

	require.Len(t, f.portal.batches, 2)
	batch := f.portal.batches[1]
	assert.Equal(t, "site-1", batch.SiteID)
	assert.Equal(t, second.Revision, batch.Revision)
	assert.True(t, batch.Incremental)

	assert.Equal(t, 2, f.portal.passwords)
	assert.Equal(t, 2, f.portal.finished)
	assert.Equal(t, 2, f.portal.closed)
}

func TestOrchestrator_UnchangedReportIsNotSent(t *testing.T) {
	f := newFixture(t, true, "pupils.csv,Pupils\n")
	f.gen.outputs["Pupils"] = []string{"a", "b"}
	ctx := context.Background()

	_, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	result, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	require.Len(t, result.Reports, 1)
	assert.Equal(t, changeset.OutcomeUnchanged, result.Reports[0].Outcome)
	assert.Equal(t, TransferNone, result.Transfer)
	assert.Len(t, f.portal.batches, 1)
}

func TestOrchestrator_NonIncrementalSendsFullSnapshot(t *testing.T) {
	f := newFixture(t, true, "pupils.csv,Pupils\n")
	f.gen.outputs["Pupils"] = []string{"a", "b"}
	ctx := context.Background()

	_, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	f.portal.incremental = false
	result, err := f.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.False(t, result.Incremental)
	assert.Equal(t, changeset.OutcomeFullSnapshot, result.Reports[0].Outcome)
	assert.Equal(t, "1,a\r\n1,b\r\n", f.portal.sent["pupils.csv"])
	assert.False(t, f.portal.batches[1].Incremental)
}

func TestOrchestrator_TransferFailureStillRotates(t *testing.T) {
	f := newFixture(t, true, "pupils.csv,Pupils\n")
	f.gen.outputs["Pupils"] = []string{"a"}
	f.portal.sendErr = errors.New("upload refused")

	result, err := f.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, f.portal.sendErr))

	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, TransferFailed, result.Transfer)

	assert.True(t, f.store.Exists(snapshot.AreaPrevious, "pupils.csv"))
	assertEmpty(t, f.store, snapshot.AreaCurrent)
	assertEmpty(t, f.store, snapshot.AreaTransmit)
	assert.Equal(t, 1, f.portal.finished)
}

func TestOrchestrator_GenerationFailureStillDisconnects(t *testing.T) {
	f := newFixture(t, true, "all.csv,First\nall.csv,Second\n")
	f.gen.outputs["First"] = []string{"a"}
	f.gen.outputs["Second"] = []string{"b"}
	f.gen.err = errors.New("reporter crashed")

	result, err := f.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, f.gen.err))
	require.NotNil(t, result)
	assert.False(t, result.Success)

	assert.Equal(t, 1, f.portal.passwords)
	assert.Equal(t, 1, f.portal.finished)
	assert.Equal(t, 1, f.portal.closed)

	leftovers, err := filepath.Glob(filepath.Join(f.cfg.DataDir, "all-*.csv"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestOrchestrator_MissingDefinitionsStillDisconnects(t *testing.T) {
	f := newFixture(t, true, "")
	require.NoError(t, os.Remove(filepath.Join(f.cfg.DataDir, report.DefinitionsFile)))

	_, err := f.orch.RunCycle(context.Background())
	require.Error(t, err)

	assert.Zero(t, f.gen.calls)
	assert.Equal(t, 1, f.portal.passwords)
	assert.Equal(t, 1, f.portal.finished)
}

func TestOrchestrator_PasswordSyncFailureSkipsFinish(t *testing.T) {
	f := newFixture(t, true, "pupils.csv,Pupils\n")
	f.gen.outputs["Pupils"] = []string{"a"}
	f.portal.passwordErr = errors.New("password rejected")

	result, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, TransferOK, result.Transfer)
	assert.Equal(t, 1, f.portal.passwords)
	assert.Zero(t, f.portal.finished)
	assert.Equal(t, 1, f.portal.closed)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[len(result.Errors)-1], "password rejected")
}

func TestOrchestrator_HandshakeFailureAbortsBeforeGeneration(t *testing.T) {
	f := newFixture(t, true, "pupils.csv,Pupils\n")
	f.portal.handshakeErr = transfer.ErrNotAuthenticated

	result, err := f.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, transfer.ErrNotAuthenticated))
	require.NotNil(t, result)
	assert.False(t, result.Success)

	assert.Zero(t, f.gen.calls)
	assert.Zero(t, f.portal.finished)
	assert.Equal(t, 1, f.portal.closed)
}

func TestOrchestrator_OverridesReachGenerator(t *testing.T) {
	f := newFixture(t, true, "pupils.csv,Pupils\nstaff.csv,Staff\n")
	f.gen.outputs["Pupils"] = []string{"a"}
	f.gen.outputs["Staff"] = []string{"s"}
	f.portal.overrides = report.Overrides{"staff.csv": {Run: false}}

	result, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"staff.csv"}, result.Summary.Disabled)
	assert.Equal(t, []string{"pupils.csv"}, result.Transmitted)
	assert.NotContains(t, f.portal.sent, "staff.csv")
}

func TestOrchestrator_SplitReportIsReassembled(t *testing.T) {
	f := newFixture(t, false, "all.csv,First\nall.csv,Second\n")
	f.gen.outputs["First"] = []string{"a", "b"}
	f.gen.outputs["Second"] = []string{"c"}

	result, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Reports, 1)
	adds, _ := result.Lines()
	assert.Equal(t, 3, adds)

	data, err := os.ReadFile(f.store.Path(snapshot.AreaPrevious, "all.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a\r\nb\r\nc\r\n", string(data))
}

// brokenMergeGenerator splits two reports and makes the first primary a
// directory, so only the second can be merged.
type brokenMergeGenerator struct{}

func (brokenMergeGenerator) Kind() report.Kind { return "mock" }

func (brokenMergeGenerator) Close() error { return nil }

func (brokenMergeGenerator) Generate(ctx context.Context, job report.Job) (report.Summary, error) {
	var sum report.Summary
	for _, name := range []string{"bad.csv", "good.csv"} {
		primary := filepath.Join(job.CurrentDir, name)
		if _, err := job.Chunks.Claim(primary); err != nil {
			return sum, err
		}
		if name == "bad.csv" {
			if err := os.Mkdir(primary, 0o750); err != nil {
				return sum, err
			}
		} else if err := os.WriteFile(primary, []byte("g1\r\n"), 0o600); err != nil {
			return sum, err
		}
		chunkPath, err := job.Chunks.Claim(primary)
		if err != nil {
			return sum, err
		}
		if err := os.WriteFile(chunkPath, []byte("more\r\n"), 0o600); err != nil {
			return sum, err
		}
		sum.Generated = append(sum.Generated, name)
	}
	return sum, nil
}

func TestOrchestrator_UnmergedReportIsDropped(t *testing.T) {
	f := newFixture(t, false, "bad.csv,Bad\ngood.csv,Good\n")
	f.orch.WithGenerator(func(*config.Config) (report.Generator, error) { return brokenMergeGenerator{}, nil })

	result, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Reports, 1)
	assert.Equal(t, "good.csv", result.Reports[0].Report)
	assert.Equal(t, []string{"good.csv"}, result.Transmitted)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "bad.csv")

	data, err := os.ReadFile(f.store.Path(snapshot.AreaPrevious, "good.csv"))
	require.NoError(t, err)
	assert.Equal(t, "g1\r\nmore\r\n", string(data))
	assert.NoDirExists(t, f.store.Path(snapshot.AreaPrevious, "bad.csv"))

	leftovers, err := filepath.Glob(filepath.Join(f.cfg.DataDir, "*-*.csv"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestOrchestrator_RecordsHistoryAndJournal(t *testing.T) {
	f := newFixture(t, true, "pupils.csv,Pupils\n")
	f.gen.outputs["Pupils"] = []string{"a", "b"}

	hist, err := history.Open(f.cfg.DataDir)
	require.NoError(t, err)
	defer func() { _ = hist.Close() }()
	f.orch.WithHistory(hist)

	result, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Sequence)

	run, err := hist.Run(1)
	require.NoError(t, err)
	assert.Equal(t, result.RunID, run.ID)
	assert.Equal(t, TransferOK, run.Transfer)
	assert.Equal(t, []string{"pupils.csv"}, run.Transmitted)

	state, err := hist.Report("pupils.csv")
	require.NoError(t, err)
	assert.Equal(t, string(changeset.OutcomeFullSnapshot), state.LastOutcome)
	assert.Equal(t, 2, state.LastAdds)
	assert.NotEmpty(t, state.LastHash)

	var types []journal.EntryType
	err = journal.Replay(filepath.Join(f.cfg.DataDir, JournalDir), time.Time{}, func(e *journal.Entry) error {
		assert.Equal(t, result.RunID, e.RunID)
		types = append(types, e.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []journal.EntryType{
		journal.EntryRunStarted,
		journal.EntryHandshake,
		journal.EntrySynced,
		journal.EntryGenerated,
		journal.EntryCompared,
		journal.EntryTransmitted,
		journal.EntryRotated,
		journal.EntryRunFinished,
	}, types)
}

func TestOrchestrator_DryRunLeavesReportsInPlace(t *testing.T) {
	f := newFixture(t, true, "pupils.csv,Pupils\n")
	f.gen.outputs["Pupils"] = []string{"a"}
	f.orch.WithDryRun(true)

	result, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Empty(t, result.Reports)
	assert.Zero(t, f.portal.closed)
	assert.True(t, f.store.Exists(snapshot.AreaCurrent, "pupils.csv"))
	assert.False(t, f.store.Exists(snapshot.AreaPrevious, "pupils.csv"))

	// The next real run starts from a clean current area.
	f.orch.WithDryRun(false)
	f.gen.outputs["Pupils"] = []string{"b"}
	result, err = f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1,b\r\n", f.portal.sent["pupils.csv"])
}

func TestOrchestrator_LockHeld(t *testing.T) {
	f := newFixture(t, false, "pupils.csv,Pupils\n")

	held, err := lock.Acquire(f.cfg.DataDir)
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	result, err := f.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, lock.ErrLocked))
	assert.Zero(t, f.gen.calls)
}

func TestOrchestrator_InvalidConfig(t *testing.T) {
	f := newFixture(t, false, "")
	f.cfg.MIS = ""

	result, err := f.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.Nil(t, result)
}

func TestOrchestrator_MissingDefinitions(t *testing.T) {
	f := newFixture(t, false, "")
	require.NoError(t, os.Remove(filepath.Join(f.cfg.DataDir, report.DefinitionsFile)))

	result, err := f.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	require.NotNil(t, result)
	assert.False(t, result.Success)
}

func assertEmpty(t *testing.T, store *snapshot.Store, area snapshot.Area) {
	t.Helper()
	names, err := store.ListReports(area)
	require.NoError(t, err)
	assert.Empty(t, names, "area %s", area)
}
