package chunk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/irisfeed/aida/internal/snapshot"
)

// lineEnding is the terminator written after every concatenated line.
const lineEnding = "\r\n"

// Result summarises the merge of one logical report. Err is set when the
// primary could not be written; its chunks are still removed.
type Result struct {
	Path    string
	Chunks  int
	Lines   int
	Skipped []string
	Err     error
}

// Concatenate appends every chunk, in claim order, onto the end of its
// primary file and removes the chunk files. A chunk that cannot be read is
// logged and skipped; the rest of the report is still merged. A primary that
// cannot be written fails only that report, and the failures are returned
// joined once every report has been handled.
func (r *Run) Concatenate() ([]Result, error) {
	var (
		results []Result
		errs    []error
	)

	for _, primary := range r.Split() {
		chunks := r.claims[primary]
		res, err := appendChunks(primary, chunks)
		removeChunks(chunks)
		r.claims[primary] = nil
		if err != nil {
			res.Err = err
			results = append(results, res)
			errs = append(errs, fmt.Errorf("concatenate %s: %w", filepath.Base(primary), err))
			log.Error().
				Err(err).
				Str("report", filepath.Base(primary)).
				Int("chunks", res.Chunks).
				Msg("could not merge report chunks")
			continue
		}
		results = append(results, res)

		log.Info().
			Str("report", filepath.Base(primary)).
			Int("chunks", res.Chunks).
			Int("lines", res.Lines).
			Int("skipped", len(res.Skipped)).
			Msg("concatenated report chunks")
	}

	return results, errors.Join(errs...)
}

// Discard removes every chunk claimed so far without merging. It is used
// when generation fails part way through a run.
func (r *Run) Discard() {
	for _, primary := range r.Split() {
		removeChunks(r.claims[primary])
		r.claims[primary] = nil
	}
}

func appendChunks(primary string, chunks []string) (Result, error) {
	res := Result{Path: primary, Chunks: len(chunks)}

	out, err := os.OpenFile(primary, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return res, err
	}
	defer func() { _ = out.Close() }()

	needsBreak, err := missingTrailingNewline(out)
	if err != nil {
		return res, err
	}
	if _, err := out.Seek(0, io.SeekEnd); err != nil {
		return res, err
	}

	w := bufio.NewWriter(out)
	if needsBreak {
		if _, err := w.WriteString(lineEnding); err != nil {
			return res, err
		}
	}

	for _, chunk := range chunks {
		n, err := copyLines(w, chunk)
		res.Lines += n
		if err != nil {
			res.Skipped = append(res.Skipped, chunk)
			log.Error().
				Err(err).
				Str("report", filepath.Base(primary)).
				Str("chunk", chunk).
				Msg("chunk could not be read, skipping")
		}
	}

	if err := w.Flush(); err != nil {
		return res, err
	}
	return res, out.Sync()
}

// missingTrailingNewline reports whether a non-empty file does not end in
// '\n', in which case the first appended line would fuse with the last one.
func missingTrailingNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// copyLines writes each line of path to w with a normalised terminator.
// Lines already copied before a read error stay written.
func copyLines(w *bufio.Writer, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	n := 0
	err = snapshot.ReadLines(f, func(line string) error {
		if _, err := w.WriteString(line + lineEnding); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func removeChunks(chunks []string) {
	for _, c := range chunks {
		if err := os.Remove(c); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("chunk", c).Msg("could not remove chunk file")
		}
	}
}
