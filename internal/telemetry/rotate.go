package telemetry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Log file names in the data directory.
const (
	LogFileName    = "iris.log"
	OldLogFileName = "iris.old"
)

// RotatingFile appends to iris.log and moves it to iris.old once it grows
// past maxBytes. Only one old generation is kept.
type RotatingFile struct {
	mu       sync.Mutex
	path     string
	oldPath  string
	maxBytes int64
	file     *os.File
	size     int64
}

// NewRotatingFile opens the log in dir, rotating first if it is already
// over the limit. A maxBytes of zero or less disables rotation.
func NewRotatingFile(dir string, maxBytes int64) (*RotatingFile, error) {
	r := &RotatingFile{
		path:     filepath.Join(dir, LogFileName),
		oldPath:  filepath.Join(dir, OldLogFileName),
		maxBytes: maxBytes,
	}

	if info, err := os.Stat(r.path); err == nil && maxBytes > 0 && info.Size() > maxBytes {
		if err := r.rename(); err != nil {
			return nil, err
		}
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

// Write appends p, rotating first when p would take the file past the
// limit.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}

	if r.maxBytes > 0 && r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Path returns the active log file.
func (r *RotatingFile) Path() string {
	return r.path
}

// Close closes the active file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *RotatingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	r.file = nil
	if err := r.rename(); err != nil {
		return err
	}
	return r.open()
}

func (r *RotatingFile) rename() error {
	if err := os.Remove(r.oldPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove old log: %w", err)
	}
	if err := os.Rename(r.path, r.oldPath); err != nil {
		return fmt.Errorf("rotate log: %w", err)
	}
	return nil
}

func (r *RotatingFile) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) // #nosec G304 -- log path in data dir
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	return nil
}
