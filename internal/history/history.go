// Package history keeps a ledger of runs and the last known state of every
// report in a bbolt file, with an ordered in-memory index of report states.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"
)

// FileName is the history database in the data directory.
const FileName = "history.db"

// Bucket names in bbolt
var (
	bucketRuns    = []byte("runs")
	bucketReports = []byte("reports")
	bucketMeta    = []byte("meta")
	keySequence   = []byte("current_sequence")
)

// ErrNotFound is returned when a run or report has no history.
var ErrNotFound = errors.New("not found in history")

// RunRecord describes one completed run.
type RunRecord struct {
	ID          string    `json:"id"`
	Sequence    int64     `json:"sequence"`
	Revision    string    `json:"revision"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Local       bool      `json:"local"`
	Incremental bool      `json:"incremental"`
	Generated   int       `json:"generated"`
	Changed     int       `json:"changed"`
	Adds        int       `json:"adds"`
	Removes     int       `json:"removes"`
	Transmitted []string  `json:"transmitted,omitempty"`
	Transfer    string    `json:"transfer"`
	Errors      []string  `json:"errors,omitempty"`
}

// Duration returns how long the run took.
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ReportResult is what happened to one report in a run.
type ReportResult struct {
	Name    string
	Outcome string
	Hash    string
	Adds    int
	Removes int
	// Transmitted is true when the run wrote a transmit file for the report.
	Transmitted bool
}

// ReportState tracks the latest known state of a report.
type ReportState struct {
	Name                string `json:"name"`
	LastHash            string `json:"last_hash"`
	LastRevision        string `json:"last_revision"`
	LastOutcome         string `json:"last_outcome"`
	LastAdds            int    `json:"last_adds"`
	LastRemoves         int    `json:"last_removes"`
	LastChangedRevision string `json:"last_changed_revision,omitempty"`
	FirstSeq            int64  `json:"first_seq"`
	LastSeq             int64  `json:"last_seq"`
	Runs                int64  `json:"runs"`
}

// Store is the run history.
type Store struct {
	mu sync.RWMutex

	// In-memory index for ordered report lookups
	index *btree.BTreeG[*ReportState]

	db  *bbolt.DB
	seq int64
	dir string
}

// Open opens or creates the history database in dir.
func Open(dir string) (*Store, error) {
	db, err := bbolt.Open(filepath.Join(dir, FileName), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketReports, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history buckets: %w", err)
	}

	s := &Store{
		index: btree.NewG[*ReportState](32, func(a, b *ReportState) bool {
			return a.Name < b.Name
		}),
		db:  db,
		dir: dir,
	}

	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sequence returns the sequence number of the last recorded run.
func (s *Store) Sequence() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// RecordRun stores a run and the per-report results atomically and returns
// the run's sequence number.
func (s *Store) RecordRun(run RunRecord, reports []ReportResult) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq + 1
	run.Sequence = seq

	states := make([]*ReportState, 0, len(reports))
	for _, r := range reports {
		states = append(states, s.nextState(r, run.Revision, seq))
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		value, err := json.Marshal(run)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRuns).Put(makeRunKey(seq), value); err != nil {
			return err
		}

		reportsBucket := tx.Bucket(bucketReports)
		for _, st := range states {
			value, err := json.Marshal(st)
			if err != nil {
				return err
			}
			if err := reportsBucket.Put([]byte(st.Name), value); err != nil {
				return err
			}
		}

		return tx.Bucket(bucketMeta).Put(keySequence, []byte(strconv.FormatInt(seq, 10)))
	})
	if err != nil {
		return 0, fmt.Errorf("record run: %w", err)
	}

	s.seq = seq
	for _, st := range states {
		s.index.ReplaceOrInsert(st)
	}
	return seq, nil
}

// nextState builds the updated state for a report without touching the
// index, so a failed write leaves the index unchanged.
func (s *Store) nextState(r ReportResult, revision string, seq int64) *ReportState {
	next := &ReportState{Name: r.Name, FirstSeq: seq}
	if existing, found := s.index.Get(&ReportState{Name: r.Name}); found {
		copied := *existing
		next = &copied
	}

	if r.Hash != "" {
		next.LastHash = r.Hash
	}
	next.LastRevision = revision
	next.LastOutcome = r.Outcome
	next.LastAdds = r.Adds
	next.LastRemoves = r.Removes
	next.LastSeq = seq
	next.Runs++
	if r.Transmitted {
		next.LastChangedRevision = revision
	}
	return next
}

// Run returns the run with the given sequence number.
func (s *Store) Run(seq int64) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec *RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketRuns).Get(makeRunKey(seq))
		if v == nil {
			return nil
		}
		rec = &RunRecord{}
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("read run %d: %w", seq, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("run %d: %w", seq, ErrNotFound)
	}
	return rec, nil
}

// Runs returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *Store) Runs(limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode run %s: %w", k, err)
			}
			runs = append(runs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// Report returns the state of a single report.
func (s *Store) Report(name string) (*ReportState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, found := s.index.Get(&ReportState{Name: name})
	if !found {
		return nil, fmt.Errorf("report %s: %w", name, ErrNotFound)
	}
	copied := *existing
	return &copied, nil
}

// Reports returns every known report state in name order.
func (s *Store) Reports() []ReportState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ReportState, 0, s.index.Len())
	s.index.Ascend(func(st *ReportState) bool {
		out = append(out, *st)
		return true
	})
	return out
}

// Stale returns reports not seen in the last n runs, in name order.
func (s *Store) Stale(n int64) []ReportState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ReportState
	s.index.Ascend(func(st *ReportState) bool {
		if s.seq-st.LastSeq >= n {
			out = append(out, *st)
		}
		return true
	})
	return out
}

// Compact removes old runs, keeping only the most recent keep runs. Report
// states are kept.
func (s *Store) Compact(keep int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.seq - keep
	if cutoff <= 0 {
		return 0, nil
	}

	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRuns)
		c := bucket.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			seq, err := parseRunKey(k)
			if err != nil || seq > cutoff {
				continue
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}

		for _, key := range toDelete {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		removed = len(toDelete)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("compact history: %w", err)
	}
	return removed, nil
}

func (s *Store) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keySequence); data != nil {
			seq, err := strconv.ParseInt(string(data), 10, 64)
			if err != nil {
				return fmt.Errorf("parse history sequence: %w", err)
			}
			s.seq = seq
		}

		return tx.Bucket(bucketReports).ForEach(func(k, v []byte) error {
			st := &ReportState{}
			if err := json.Unmarshal(v, st); err != nil {
				return fmt.Errorf("decode report state %s: %w", k, err)
			}
			s.index.ReplaceOrInsert(st)
			return nil
		})
	})
}

func makeRunKey(seq int64) []byte {
	return []byte(fmt.Sprintf("%016d", seq))
}

func parseRunKey(key []byte) (int64, error) {
	return strconv.ParseInt(string(key), 10, 64)
}
