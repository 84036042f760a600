// Package changeset computes the add/remove change-set between two
// generations of a report and encodes it into a transmit file.
package changeset

import (
	"bufio"
	"io"
)

// Op tags a change-set line.
type Op string

const (
	// OpAdd marks a line present in the current generation only.
	OpAdd Op = "add"
	// OpRemove marks a line present in the previous generation only.
	OpRemove Op = "remove"
)

// Flag returns the wire flag for the op: "1" added, "0" removed.
func (o Op) Flag() string {
	if o == OpRemove {
		return "0"
	}
	return "1"
}

// Mode records how a change-set was produced.
type Mode string

const (
	// ModeFull means every current line was emitted as an add.
	ModeFull Mode = "full"
	// ModeIncremental means only the difference was emitted.
	ModeIncremental Mode = "incremental"
)

// Entry is one tagged line.
type Entry struct {
	Op   Op
	Line string
}

// ChangeSet is the ordered list of tagged lines for one report. Adds come
// first in current-file order, then removes in previous-file order.
type ChangeSet struct {
	Report  string
	Mode    Mode
	Entries []Entry
}

// Len returns the number of entries.
func (c *ChangeSet) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Entries)
}

// Empty reports whether there is nothing to transmit.
func (c *ChangeSet) Empty() bool {
	return c.Len() == 0
}

// Counts returns the number of adds and removes.
func (c *ChangeSet) Counts() (adds, removes int) {
	if c == nil {
		return 0, 0
	}
	for _, e := range c.Entries {
		if e.Op == OpRemove {
			removes++
		} else {
			adds++
		}
	}
	return adds, removes
}

// WriteTo encodes the change-set in transmit format: one "<flag>,<line>"
// record per entry, CRLF terminated, no header.
func (c *ChangeSet) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	for _, e := range c.Entries {
		m, err := bw.WriteString(e.Op.Flag() + "," + e.Line + "\r\n")
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

// Full builds a full-snapshot change-set: every line tagged as added, in
// order.
func Full(report string, current []string) *ChangeSet {
	cs := &ChangeSet{Report: report, Mode: ModeFull, Entries: make([]Entry, 0, len(current))}
	for _, line := range current {
		cs.Entries = append(cs.Entries, Entry{Op: OpAdd, Line: line})
	}
	return cs
}

// Diff computes the multiset symmetric difference of current and previous
// with first-match removal. Each current line consumes one equal line of
// previous if any is left, otherwise it is an add. Previous lines never
// consumed are removes. Line order is irrelevant to matching; duplicate
// lines are matched one-for-one by count.
func Diff(report string, current, previous []string) *ChangeSet {
	remaining := make(map[string]int, len(previous))
	for _, line := range previous {
		remaining[line]++
	}

	cs := &ChangeSet{Report: report, Mode: ModeIncremental}
	consumed := make(map[string]int)
	for _, line := range current {
		if remaining[line] > 0 {
			remaining[line]--
			consumed[line]++
			continue
		}
		cs.Entries = append(cs.Entries, Entry{Op: OpAdd, Line: line})
	}

	// Consumption always takes the earliest occurrence, so the first
	// consumed[line] copies of a line in previous are the matched ones.
	for _, line := range previous {
		if consumed[line] > 0 {
			consumed[line]--
			continue
		}
		cs.Entries = append(cs.Entries, Entry{Op: OpRemove, Line: line})
	}

	return cs
}
