// Package snapshot manages the three report areas an AIDA run works on:
// current (just generated), previous (last processed generation) and
// transmit (pending outbound change files).
package snapshot

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
)

// Area names a report area under the data directory.
type Area string

const (
	AreaCurrent  Area = "current"
	AreaPrevious Area = "previous"
	AreaTransmit Area = "transmit"
)

// ErrAreaMissing is returned when an area directory is absent or unusable.
var ErrAreaMissing = errors.New("report area missing")

// Store resolves areas below a single data directory.
type Store struct {
	root string
}

// New creates a store rooted at dir. Directories are not touched until
// EnsureAreas is called.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the data directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the absolute directory of an area.
func (s *Store) Dir(area Area) string {
	return filepath.Join(s.root, string(area))
}

// Path returns the path of a report inside an area.
func (s *Store) Path(area Area, name string) string {
	return filepath.Join(s.Dir(area), name)
}

// EnsureAreas creates the data directory and every area, then checks that
// each one accepts writes.
func (s *Store) EnsureAreas() error {
	for _, dir := range []string{s.root, s.Dir(AreaCurrent), s.Dir(AreaPrevious), s.Dir(AreaTransmit)} {
		if err := ensureWritable(dir); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrAreaMissing, dir, err)
		}
	}
	return nil
}

func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

// ListReports returns the sorted names of the regular files in an area.
func (s *Store) ListReports(area Area) ([]string, error) {
	entries, err := os.ReadDir(s.Dir(area))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAreaMissing, s.Dir(area))
		}
		return nil, fmt.Errorf("list %s: %w", area, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether name is present as a regular file in area.
func (s *Store) Exists(area Area, name string) bool {
	info, err := os.Stat(s.Path(area, name))
	return err == nil && info.Mode().IsRegular()
}

// ContentHash returns the hex MD5 digest of a file, streamed from disk.
func ContentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Clear deletes every non-directory entry of an area. Individual failures
// are logged and do not stop the rest of the batch; the number of files
// left behind is returned.
func (s *Store) Clear(area Area) (int, error) {
	dir := s.Dir(area)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrAreaMissing, dir)
		}
		return 0, fmt.Errorf("clear %s: %w", area, err)
	}

	log.Debug().Str("area", string(area)).Int("entries", len(entries)).Msg("emptying area")

	failed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			failed++
			log.Error().Err(err).Str("area", string(area)).Str("file", e.Name()).Msg("could not delete file")
		}
	}
	return failed, nil
}

// Rotate replaces previous with the contents of current and empties
// current. A crash part way through leaves previous partially filled, which
// only makes some reports look new on the next run.
func (s *Store) Rotate() error {
	names, err := s.ListReports(AreaCurrent)
	if err != nil {
		return err
	}
	if _, err := s.Clear(AreaPrevious); err != nil {
		return err
	}

	log.Info().Int("reports", len(names)).Msg("moving current reports to previous")

	for _, name := range names {
		if err := CopyFile(s.Path(AreaCurrent, name), s.Path(AreaPrevious, name)); err != nil {
			log.Error().Err(err).Str("report", name).Msg("could not copy report to previous")
		}
	}

	_, err = s.Clear(AreaCurrent)
	return err
}

// CopyFile copies src to dst through an atomic replace of dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	return WriteFileAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}
