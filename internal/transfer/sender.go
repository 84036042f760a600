// Package transfer moves transmit files off the machine: to the IRIS portal
// and, optionally, to an S3 archive.
package transfer

import (
	"context"
	"path/filepath"
)

// Batch is the set of transmit files produced by one run.
type Batch struct {
	SiteID      string
	Revision    string
	Incremental bool
	// Dir is the transmit area holding Files.
	Dir   string
	Files []string
}

// Path returns the full path of a file in the batch.
func (b Batch) Path(name string) string {
	return filepath.Join(b.Dir, name)
}

// Sender delivers a batch of transmit files to a backend.
type Sender interface {
	// Send delivers every file in the batch. It does not retry.
	Send(ctx context.Context, batch Batch) error

	// Close cleans up resources.
	Close() error
}

// MultiSender fans out to multiple senders.
type MultiSender struct {
	senders []Sender
}

// NewMultiSender creates a sender that delivers to multiple backends.
func NewMultiSender(senders ...Sender) *MultiSender {
	return &MultiSender{senders: senders}
}

// Send delivers to all senders, returns first error.
func (m *MultiSender) Send(ctx context.Context, batch Batch) error {
	for _, s := range m.senders {
		if err := s.Send(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all senders.
func (m *MultiSender) Close() error {
	for _, s := range m.senders {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of backends.
func (m *MultiSender) Len() int {
	return len(m.senders)
}
