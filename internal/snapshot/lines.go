package snapshot

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
)

// ReadLines calls fn for every line of r with its terminator (LF or CRLF)
// removed. Lines of any length are supported.
func ReadLines(r io.Reader, fn func(line string) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
			if ferr := fn(line); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// LoadLines reads every line of a file into memory.
func LoadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines []string
	err = ReadLines(f, func(line string) error {
		lines = append(lines, line)
		return nil
	})
	return lines, err
}
