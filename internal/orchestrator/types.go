package orchestrator

import (
	"context"
	"time"

	"github.com/irisfeed/aida/internal/changeset"
	"github.com/irisfeed/aida/internal/config"
	"github.com/irisfeed/aida/internal/report"
	"github.com/irisfeed/aida/internal/transfer"
)

// Transfer status values recorded for a cycle.
const (
	TransferSkipped = "skipped"
	TransferNone    = "none"
	TransferOK      = "ok"
	TransferFailed  = "failed"
)

// CycleResult contains the results of one run
type CycleResult struct {
	RunID       string        `json:"run_id"`
	Revision    string        `json:"revision"`
	Sequence    int64         `json:"sequence"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration"`
	Local       bool          `json:"local"`
	Incremental bool          `json:"incremental"`
	DryRun      bool          `json:"dry_run,omitempty"`
	// Synced lists definition files downloaded from the portal.
	Synced      []string           `json:"synced,omitempty"`
	Summary     report.Summary     `json:"summary"`
	Reports     []changeset.Result `json:"-"`
	Transmitted []string           `json:"transmitted,omitempty"`
	Transfer    string             `json:"transfer"`
	Errors      []string           `json:"errors,omitempty"`
	Success     bool               `json:"success"`
}

// Changed returns the number of reports that produced a transmit file.
func (r *CycleResult) Changed() int {
	return len(r.Transmitted)
}

// Lines returns the add and remove totals over all change sets.
func (r *CycleResult) Lines() (adds, removes int) {
	for _, res := range r.Reports {
		if res.ChangeSet == nil {
			continue
		}
		a, d := res.ChangeSet.Counts()
		adds += a
		removes += d
	}
	return adds, removes
}

// Portal is the part of the IRIS portal client a run talks to.
type Portal interface {
	transfer.Sender
	Handshake(ctx context.Context) (bool, error)
	SyncDefinitions(ctx context.Context, dir string) ([]string, error)
	Overrides(ctx context.Context) (report.Overrides, error)
	SyncPasswords(ctx context.Context) error
	Finish(ctx context.Context) error
}

// PortalFactory opens a portal session for one revision.
type PortalFactory func(cfg *config.Config, revision string) (Portal, error)

// Recorder receives run metrics. *telemetry.Provider implements it.
type Recorder interface {
	RecordRun(ctx context.Context, status, mode string, d time.Duration)
	RecordOutcome(ctx context.Context, outcome string)
	RecordGenerated(ctx context.Context, adapter, result string, n int)
	RecordChangeLines(ctx context.Context, adds, removes int)
	RecordTransferError(ctx context.Context, stage string)
}

type nopRecorder struct{}

func (nopRecorder) RecordRun(context.Context, string, string, time.Duration) {}
func (nopRecorder) RecordOutcome(context.Context, string)                    {}
func (nopRecorder) RecordGenerated(context.Context, string, string, int)     {}
func (nopRecorder) RecordChangeLines(context.Context, int, int)              {}
func (nopRecorder) RecordTransferError(context.Context, string)              {}
