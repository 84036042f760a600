// Package chunk tracks reports that a generator wrote across several
// physical files and merges them back into one file per report.
package chunk

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Run is the duplicate-split state of a single AIDA run. It maps a logical
// report path to the ordered chunk files claimed after the primary.
type Run struct {
	workDir string
	claims  map[string][]string
	order   []string
}

// NewRun creates a tracker that allocates chunk files in workDir. workDir
// must not be a report area, otherwise chunks would be listed as reports.
func NewRun(workDir string) *Run {
	return &Run{
		workDir: workDir,
		claims:  make(map[string][]string),
	}
}

// Claim returns the path a generator should write to for the logical
// report path. The first claim returns path itself (the primary); every
// later claim allocates a fresh chunk file and returns that instead.
func (r *Run) Claim(path string) (string, error) {
	key := filepath.Clean(path)

	chunks, claimed := r.claims[key]
	if !claimed {
		r.claims[key] = nil
		r.order = append(r.order, key)
		return key, nil
	}

	chunkPath, err := r.allocate(key)
	if err != nil {
		return "", fmt.Errorf("allocate chunk for %s: %w", filepath.Base(key), err)
	}
	r.claims[key] = append(chunks, chunkPath)

	log.Debug().
		Str("report", filepath.Base(key)).
		Str("chunk", chunkPath).
		Int("index", len(r.claims[key])).
		Msg("report split, writing to chunk")

	return chunkPath, nil
}

func (r *Run) allocate(key string) (string, error) {
	base := filepath.Base(key)
	ext := filepath.Ext(base)
	if ext == "" {
		ext = ".csv"
	}
	prefix := strings.TrimSuffix(base, filepath.Ext(base))

	f, err := os.CreateTemp(r.workDir, prefix+"-*"+ext)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return "", err
	}
	return name, nil
}

// Chunks returns the chunk files claimed for a logical path, in claim order.
func (r *Run) Chunks(path string) []string {
	chunks := r.claims[filepath.Clean(path)]
	out := make([]string, len(chunks))
	copy(out, chunks)
	return out
}

// Claimed reports whether path has been claimed during this run.
func (r *Run) Claimed(path string) bool {
	_, ok := r.claims[filepath.Clean(path)]
	return ok
}

// Split returns the logical paths that gained at least one chunk, sorted.
func (r *Run) Split() []string {
	var paths []string
	for _, p := range r.order {
		if len(r.claims[p]) > 0 {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}
