// Package orchestrator runs one AIDA batch end to end: handshake, report
// generation, comparison, transfer and rotation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/irisfeed/aida/internal/changeset"
	"github.com/irisfeed/aida/internal/chunk"
	"github.com/irisfeed/aida/internal/config"
	"github.com/irisfeed/aida/internal/history"
	"github.com/irisfeed/aida/internal/journal"
	"github.com/irisfeed/aida/internal/lock"
	"github.com/irisfeed/aida/internal/report"
	"github.com/irisfeed/aida/internal/snapshot"
	"github.com/irisfeed/aida/internal/transfer"
)

// RevisionLayout formats the run start time into the portal revision.
const RevisionLayout = "20060102150405"

// JournalDir is the journal directory inside the data directory.
const JournalDir = "journal"

// DefaultJournalRetention is how long journal files are kept.
const DefaultJournalRetention = 90 * 24 * time.Hour

// Orchestrator coordinates generate → compare → transfer → rotate
type Orchestrator struct {
	cfg              *config.Config
	newPortal        PortalFactory
	newGenerator     report.Factory
	archive          transfer.Sender
	history          *history.Store
	recorder         Recorder
	tracer           trace.Tracer
	journalRetention time.Duration
	dryRun           bool
	now              func() time.Time
}

// NewOrchestrator creates an orchestrator using the real portal client and
// the adapter registry.
func NewOrchestrator(cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		cfg:              cfg,
		newPortal:        openPortal,
		newGenerator:     report.New,
		recorder:         nopRecorder{},
		tracer:           otel.Tracer("github.com/irisfeed/aida/internal/orchestrator"),
		journalRetention: DefaultJournalRetention,
		now:              time.Now,
	}
}

func openPortal(cfg *config.Config, revision string) (Portal, error) {
	p, err := transfer.NewPortal(cfg, revision)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// WithPortal sets the portal factory
func (o *Orchestrator) WithPortal(f PortalFactory) *Orchestrator {
	o.newPortal = f
	return o
}

// WithGenerator sets the report adapter factory
func (o *Orchestrator) WithGenerator(f report.Factory) *Orchestrator {
	o.newGenerator = f
	return o
}

// WithArchive adds a sender that receives every batch after the portal.
func (o *Orchestrator) WithArchive(s transfer.Sender) *Orchestrator {
	o.archive = s
	return o
}

// WithHistory records every run in store.
func (o *Orchestrator) WithHistory(store *history.Store) *Orchestrator {
	o.history = store
	return o
}

// WithRecorder sets the metrics recorder
func (o *Orchestrator) WithRecorder(r Recorder) *Orchestrator {
	if r != nil {
		o.recorder = r
	}
	return o
}

// WithJournalRetention sets how long journal files are kept. Zero keeps
// them forever.
func (o *Orchestrator) WithJournalRetention(d time.Duration) *Orchestrator {
	o.journalRetention = d
	return o
}

// WithDryRun stops runs after generation. The portal is not contacted and
// the reports stay in the current area for previewing.
func (o *Orchestrator) WithDryRun(dryRun bool) *Orchestrator {
	o.dryRun = dryRun
	return o
}

// WithClock overrides the time source.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// cycle is the state of one run.
type cycle struct {
	o           *Orchestrator
	store       *snapshot.Store
	result      *CycleResult
	journal     *journal.Journal
	portal      Portal
	overrides   report.Overrides
	reports     []history.ReportResult
	transferErr error
}

// RunCycle runs one batch. Configuration and locking problems return a nil
// result. Any later failure still returns the result, with the run
// recorded in history and the journal.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleResult, error) {
	if err := o.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store := snapshot.New(o.cfg.DataDir)
	if err := store.EnsureAreas(); err != nil {
		return nil, fmt.Errorf("prepare data directory: %w", err)
	}

	held, err := lock.Acquire(o.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := held.Release(); err != nil {
			log.Warn().Err(err).Str("path", held.Path()).Msg("could not remove lock file")
		}
	}()

	start := o.now()
	result := &CycleResult{
		RunID:       uuid.NewString(),
		Revision:    start.Format(RevisionLayout),
		StartTime:   start,
		Incremental: true,
		Transfer:    TransferSkipped,
		DryRun:      o.dryRun,
		Success:     true,
	}

	ctx, span := o.tracer.Start(ctx, "aida.run", trace.WithAttributes(
		attribute.String("aida.run_id", result.RunID),
		attribute.String("aida.revision", result.Revision),
	))
	defer span.End()

	log.Info().Ctx(ctx).
		Str("revision", result.Revision).
		Str("mis", o.cfg.MIS).
		Msg("starting run")

	c := &cycle{o: o, store: store, result: result}
	c.openJournal()

	runErr := c.run(ctx)
	o.finishCycle(ctx, c, runErr)
	c.closeJournal()

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	return result, runErr
}

func (c *cycle) run(ctx context.Context) error {
	cfg := c.o.cfg
	c.result.Local = c.o.dryRun || !cfg.CanConnect()
	c.note(journal.EntryRunStarted, "", map[string]any{
		"revision": c.result.Revision,
		"local":    c.result.Local,
		"mis":      cfg.MIS,
	})

	switch {
	case c.o.dryRun:
		log.Info().Msg("dry run, portal not contacted")
	case c.result.Local:
		log.Info().Msg("portal credentials not configured, running locally")
	default:
		defer c.closePortal()
		if err := c.connect(ctx); err != nil {
			return err
		}
		// Every path after a successful handshake disconnects.
		defer c.disconnect(ctx)
	}

	if err := c.generate(ctx); err != nil {
		return err
	}

	if c.o.dryRun {
		log.Info().Str("dir", c.store.Dir(snapshot.AreaCurrent)).Msg("dry run complete, reports left in place")
		return nil
	}

	if err := c.compare(ctx); err != nil {
		return err
	}

	c.transmit(ctx)

	// Rotation happens even when the transfer failed.
	c.rotate()

	return c.transferErr
}

func (c *cycle) connect(ctx context.Context) error {
	portal, err := c.o.newPortal(c.o.cfg, c.result.Revision)
	if err != nil {
		return fmt.Errorf("create portal client: %w", err)
	}
	c.portal = portal

	incremental, err := portal.Handshake(ctx)
	if err != nil {
		c.o.recorder.RecordTransferError(ctx, "handshake")
		c.noteError(journal.EntryHandshake, "", nil, err)
		return fmt.Errorf("handshake: %w", err)
	}
	c.result.Incremental = incremental
	c.note(journal.EntryHandshake, "", map[string]any{"incremental": incremental})

	log.Info().Ctx(ctx).Bool("incremental", incremental).Msg("handshake complete")

	synced, err := portal.SyncDefinitions(ctx, c.o.cfg.DataDir)
	c.result.Synced = synced
	if err != nil {
		log.Warn().Err(err).Msg("could not sync all report definitions")
		c.addError("sync definitions", err)
		c.noteError(journal.EntrySynced, "", map[string]any{"files": synced}, err)
	} else {
		c.note(journal.EntrySynced, "", map[string]any{"files": synced})
	}

	overrides, err := portal.Overrides(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not fetch override parameters, using definitions as they are")
		c.addError("override parameters", err)
	} else {
		c.overrides = overrides
	}

	return nil
}

func (c *cycle) generate(ctx context.Context) error {
	cfg := c.o.cfg

	defs, err := report.LoadDefinitions(filepath.Join(cfg.DataDir, report.DefinitionsFile))
	if err != nil {
		return fmt.Errorf("load report definitions: %w", err)
	}

	gen, err := c.o.newGenerator(cfg)
	if err != nil {
		return fmt.Errorf("create %s adapter: %w", cfg.MIS, err)
	}
	defer func() {
		if err := gen.Close(); err != nil {
			log.Warn().Err(err).Str("adapter", string(gen.Kind())).Msg("could not close adapter")
		}
	}()

	// Leftovers from an aborted run must not be compared as this run's output.
	failed, err := c.store.Clear(snapshot.AreaCurrent)
	if err != nil {
		return fmt.Errorf("clear current reports: %w", err)
	}
	if failed > 0 {
		c.addError("clear current reports", fmt.Errorf("%d files left behind", failed))
	}

	run := chunk.NewRun(cfg.DataDir)
	summary, err := gen.Generate(ctx, report.Job{
		Definitions: defs,
		Overrides:   c.overrides,
		CurrentDir:  c.store.Dir(snapshot.AreaCurrent),
		WorkDir:     cfg.DataDir,
		Chunks:      run,
	})
	c.result.Summary = summary
	if err != nil {
		run.Discard()
		return fmt.Errorf("generate reports: %w", err)
	}

	adapter := string(gen.Kind())
	c.o.recorder.RecordGenerated(ctx, adapter, "generated", len(summary.Generated))
	c.o.recorder.RecordGenerated(ctx, adapter, "disabled", len(summary.Disabled))
	c.o.recorder.RecordGenerated(ctx, adapter, "imported", len(summary.Imported))
	c.o.recorder.RecordGenerated(ctx, adapter, "failed", len(summary.Failed))

	for _, name := range summary.Failed {
		c.noteError(journal.EntryReportFailed, name, nil, errors.New("report generation failed"))
	}

	merged, err := run.Concatenate()
	if err != nil {
		c.addError("concatenate", err)
	}
	for _, res := range merged {
		if res.Err != nil {
			c.dropUnmerged(res)
		}
	}

	c.note(journal.EntryGenerated, "", map[string]any{
		"adapter":   adapter,
		"generated": len(summary.Generated),
		"disabled":  len(summary.Disabled),
		"imported":  len(summary.Imported),
		"failed":    len(summary.Failed),
		"merged":    len(merged),
	})

	log.Info().Ctx(ctx).
		Str("adapter", adapter).
		Int("generated", len(summary.Generated)).
		Int("disabled", len(summary.Disabled)).
		Int("failed", len(summary.Failed)).
		Msg("reports generated")

	return nil
}

// dropUnmerged removes a report whose chunks could not be merged, so the
// partial file is neither compared nor rotated into previous.
func (c *cycle) dropUnmerged(res chunk.Result) {
	name := filepath.Base(res.Path)
	c.noteError(journal.EntryReportFailed, name, map[string]any{"chunks": res.Chunks}, res.Err)
	if err := os.Remove(res.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("report", name).Msg("could not remove partially merged report")
	}
}

func (c *cycle) compare(ctx context.Context) error {
	names, err := c.store.ListReports(snapshot.AreaCurrent)
	if err != nil {
		return fmt.Errorf("list current reports: %w", err)
	}

	engine := changeset.NewEngine(c.store, c.result.Incremental)

	for _, name := range names {
		res, err := engine.Evaluate(name)
		c.result.Reports = append(c.result.Reports, res)
		c.o.recorder.RecordOutcome(ctx, string(res.Outcome))

		entry := history.ReportResult{Name: name, Outcome: string(res.Outcome)}
		if err != nil {
			log.Error().Err(err).Str("report", name).Msg("could not compare report")
			c.addError("compare "+name, err)
			c.noteError(journal.EntryReportFailed, name, nil, err)
			c.reports = append(c.reports, entry)
			continue
		}

		if hash, err := snapshot.ContentHash(c.store.Path(snapshot.AreaCurrent, name)); err == nil {
			entry.Hash = hash
		}
		if res.ChangeSet != nil {
			entry.Adds, entry.Removes = res.ChangeSet.Counts()
			c.o.recorder.RecordChangeLines(ctx, entry.Adds, entry.Removes)
		}
		if res.Transmit != "" {
			entry.Transmitted = true
			c.result.Transmitted = append(c.result.Transmitted, name)
		}
		c.reports = append(c.reports, entry)

		c.note(journal.EntryCompared, name, map[string]any{
			"outcome": res.Outcome,
			"adds":    entry.Adds,
			"removes": entry.Removes,
		})
	}

	return nil
}

func (c *cycle) transmit(ctx context.Context) {
	files := c.result.Transmitted

	switch {
	case c.result.Local:
		c.result.Transfer = TransferSkipped
		if len(files) > 0 {
			log.Info().Int("files", len(files)).Msg("running locally, transmit files not sent")
		}
		return
	case len(files) == 0:
		c.result.Transfer = TransferNone
		log.Info().Msg("no changes to transmit")
		return
	}

	senders := []transfer.Sender{c.portal}
	if c.o.archive != nil {
		senders = append(senders, c.o.archive)
	}
	sender := transfer.NewMultiSender(senders...)

	batch := transfer.Batch{
		SiteID:      c.o.cfg.Server.SiteID,
		Revision:    c.result.Revision,
		Incremental: c.result.Incremental,
		Dir:         c.store.Dir(snapshot.AreaTransmit),
		Files:       files,
	}

	if err := sender.Send(ctx, batch); err != nil {
		c.result.Transfer = TransferFailed
		c.transferErr = fmt.Errorf("transfer: %w", err)
		c.o.recorder.RecordTransferError(ctx, "send")
		c.noteError(journal.EntryTransmitted, "", map[string]any{"files": files}, err)
		log.Error().Ctx(ctx).Err(err).Int("files", len(files)).Msg("transfer failed, snapshot still advances")
		return
	}

	c.result.Transfer = TransferOK
	c.note(journal.EntryTransmitted, "", map[string]any{"files": files, "backends": sender.Len()})
	log.Info().Ctx(ctx).Int("files", len(files)).Int("backends", sender.Len()).Msg("transmit files sent")
}

func (c *cycle) rotate() {
	if err := c.store.Rotate(); err != nil {
		log.Error().Err(err).Msg("could not rotate reports")
		c.addError("rotate", err)
	}

	failed, err := c.store.Clear(snapshot.AreaTransmit)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("could not clear transmit files")
		c.addError("clear transmit", err)
	case failed > 0:
		c.addError("clear transmit", fmt.Errorf("%d files left behind", failed))
	}

	c.note(journal.EntryRotated, "", nil)
}

// disconnect syncs passwords and then finishes the connection. The
// connection is only finished after a successful password sync.
func (c *cycle) disconnect(ctx context.Context) {
	if err := c.portal.SyncPasswords(ctx); err != nil {
		log.Error().Err(err).Msg("could not sync passwords, connection left unfinished")
		c.o.recorder.RecordTransferError(ctx, "sync_password")
		c.addError("sync passwords", err)
		return
	}

	if err := c.portal.Finish(ctx); err != nil {
		log.Error().Err(err).Msg("could not finish connection")
		c.o.recorder.RecordTransferError(ctx, "finish")
		c.addError("finish connection", err)
	}
}

func (c *cycle) closePortal() {
	if c.portal == nil {
		return
	}
	if err := c.portal.Close(); err != nil {
		log.Warn().Err(err).Msg("could not close portal client")
	}
}

func (c *cycle) addError(what string, err error) {
	c.result.Errors = append(c.result.Errors, fmt.Sprintf("%s: %v", what, err))
}

func (c *cycle) openJournal() {
	dir := filepath.Join(c.o.cfg.DataDir, JournalDir)
	j, err := journal.Open(dir, c.result.RunID, c.result.StartTime)
	if err != nil {
		log.Warn().Err(err).Msg("journal unavailable for this run")
		return
	}
	c.journal = j
}

func (c *cycle) closeJournal() {
	if c.journal == nil {
		return
	}
	if err := c.journal.Close(); err != nil {
		log.Warn().Err(err).Msg("could not close journal")
	}

	stats, err := journal.Cleanup(filepath.Dir(c.journal.Path()), c.o.journalRetention)
	if err != nil {
		log.Warn().Err(err).Msg("journal cleanup failed")
	} else if stats.FilesRemoved > 0 {
		log.Debug().Int("files", stats.FilesRemoved).Int64("bytes", stats.BytesFreed).Msg("removed old journal files")
	}
}

func (c *cycle) note(t journal.EntryType, name string, data any) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Append(t, name, data); err != nil {
		log.Warn().Err(err).Str("type", string(t)).Msg("could not write journal entry")
	}
}

func (c *cycle) noteError(t journal.EntryType, name string, data any, cause error) {
	if c.journal == nil {
		return
	}
	if err := c.journal.AppendError(t, name, data, cause); err != nil {
		log.Warn().Err(err).Str("type", string(t)).Msg("could not write journal entry")
	}
}

func (o *Orchestrator) finishCycle(ctx context.Context, c *cycle, runErr error) {
	result := c.result
	result.EndTime = o.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if runErr != nil {
		result.Success = false
		result.Errors = append(result.Errors, runErr.Error())
	}

	if o.history != nil && !result.DryRun {
		seq, err := o.history.RecordRun(c.record(), c.reports)
		if err != nil {
			log.Error().Err(err).Msg("could not record run history")
		} else {
			result.Sequence = seq
		}
	}

	status, mode := "ok", "connected"
	if !result.Success {
		status = "failed"
	}
	if result.Local {
		mode = "local"
	}
	o.recorder.RecordRun(ctx, status, mode, result.Duration)

	adds, removes := result.Lines()
	summary := map[string]any{
		"transfer":    result.Transfer,
		"changed":     result.Changed(),
		"adds":        adds,
		"removes":     removes,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if runErr != nil {
		c.noteError(journal.EntryRunFailed, "", summary, runErr)
	} else {
		c.note(journal.EntryRunFinished, "", summary)
	}

	log.Info().Ctx(ctx).
		Str("revision", result.Revision).
		Bool("local", result.Local).
		Bool("incremental", result.Incremental).
		Int("reports", len(result.Reports)).
		Int("changed", result.Changed()).
		Str("transfer", result.Transfer).
		Int("errors", len(result.Errors)).
		Dur("duration", result.Duration).
		Bool("success", result.Success).
		Msg("run complete")
}

func (c *cycle) record() history.RunRecord {
	r := c.result
	adds, removes := r.Lines()
	return history.RunRecord{
		ID:          r.RunID,
		Revision:    r.Revision,
		StartedAt:   r.StartTime,
		FinishedAt:  r.EndTime,
		Local:       r.Local,
		Incremental: r.Incremental,
		Generated:   len(r.Summary.Generated),
		Changed:     r.Changed(),
		Adds:        adds,
		Removes:     removes,
		Transmitted: r.Transmitted,
		Transfer:    r.Transfer,
		Errors:      r.Errors,
	}
}
