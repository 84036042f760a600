// Package lock keeps a second agent from running against the same data
// directory.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileName is the lock file created in the data directory.
const FileName = "aida.lck"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("another instance is already running")

// Lock is a held lock file.
type Lock struct {
	path string
}

// Acquire creates the lock file in dir. It fails with ErrLocked if the file
// already exists.
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, FileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) // #nosec G302 G304 -- lock file in data dir
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w (lock file %s, held by %s)", ErrLocked, path, Holder(dir))
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	_, werr := fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
	}

	return &Lock{path: path}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the lock file. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Holder describes the process recorded in an existing lock file.
func Holder(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, FileName)) // #nosec G304
	if err != nil {
		return "unknown"
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "unknown"
	}
	return "pid " + s
}
