// Package journal writes an append-only JSON-lines audit trail of what each
// run did.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryType defines the type of journal entry
type EntryType string

const (
	EntryRunStarted   EntryType = "run_started"
	EntryHandshake    EntryType = "handshake"
	EntrySynced       EntryType = "definitions_synced"
	EntryGenerated    EntryType = "reports_generated"
	EntryCompared     EntryType = "report_compared"
	EntryTransmitted  EntryType = "transmitted"
	EntryRotated      EntryType = "rotated"
	EntryRunFinished  EntryType = "run_finished"
	EntryRunFailed    EntryType = "run_failed"
	EntryReportFailed EntryType = "report_failed"
)

const (
	filePrefix = "aida"
	fileExt    = ".journal"
)

// Entry represents a single journal entry
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	RunID     string          `json:"run_id"`
	Type      EntryType       `json:"type"`
	Report    string          `json:"report,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Journal appends entries for one run.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	runID    string
	path     string
}

// Open creates or appends to the journal file for a run started at start.
func Open(dir, runID string, start time.Time) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%s%s", filePrefix, start.Format("20060102-150405"), fileExt))
	seq, err := lastSequence(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) // #nosec G304 -- path built from data dir
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}

	return &Journal{
		file:     file,
		writer:   bufio.NewWriter(file),
		sequence: seq,
		runID:    runID,
		path:     path,
	}, nil
}

// Path returns the journal file.
func (j *Journal) Path() string {
	return j.path
}

// Close flushes and closes the journal
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}

// Append adds an entry to the journal
func (j *Journal) Append(entryType EntryType, report string, data any) error {
	return j.append(entryType, report, data, nil)
}

// AppendError adds an entry recording a failure
func (j *Journal) AppendError(entryType EntryType, report string, data any, errToLog error) error {
	return j.append(entryType, report, data, errToLog)
}

func (j *Journal) append(entryType EntryType, report string, data any, errToLog error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal journal data: %w", err)
		}
		raw = b
	}

	j.sequence++
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Sequence:  j.sequence,
		RunID:     j.runID,
		Type:      entryType,
		Report:    report,
		Data:      raw,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}
	return j.writeEntry(entry)
}

// writeEntry writes a single entry and syncs it to disk
func (j *Journal) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	if _, err := j.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	return j.file.Sync()
}

// lastSequence returns the highest sequence already in path, or 0.
func lastSequence(path string) (int64, error) {
	r, err := NewReader(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Close() }()

	var seq int64
	for {
		entry, err := r.Next()
		if errors.Is(err, io.EOF) {
			return seq, nil
		}
		if err != nil {
			return 0, fmt.Errorf("scan journal %s: %w", path, err)
		}
		if entry.Sequence > seq {
			seq = entry.Sequence
		}
	}
}

// Reader provides journal replay
type Reader struct {
	reader *bufio.Reader
	file   *os.File
}

// NewReader creates a reader for the specified file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path) // #nosec G304 -- journal files live in the data dir
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}

	return &Reader{
		reader: bufio.NewReader(file),
		file:   file,
	}, nil
}

// Next reads the next entry. It returns io.EOF at the end of the file.
func (r *Reader) Next() (*Entry, error) {
	for {
		line, err := r.reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return nil, err
		}
		if len(line) == 1 && line[0] == '\n' {
			continue
		}

		var entry Entry
		if uerr := json.Unmarshal(line, &entry); uerr != nil {
			return nil, fmt.Errorf("unmarshal journal entry: %w", uerr)
		}
		return &entry, nil
	}
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Files returns every journal file in dir, oldest first.
func Files(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, filePrefix+"-*"+fileExt))
	if err != nil {
		return nil, fmt.Errorf("list journal files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Replay calls handler for every entry written after since, in file order.
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	files, err := Files(dir)
	if err != nil {
		return err
	}

	for _, file := range files {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}
