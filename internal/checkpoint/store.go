package checkpoint

import (
	"time"
)

// Record represents a committed batch boundary: the audit trail of how far
// each run got. The authoritative remaining-work set on resume is derived
// from per-series sync state, which is at least as fine-grained; a crash is
// therefore never replayed from before the last committed record.
type Record struct {
	RunID      string    `json:"run_id"`
	BatchIndex int       `json:"batch_index"`
	Processed  int       `json:"processed"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store defines the interface for checkpoint persistence
type Store interface {
	// Save appends a checkpoint after a batch commits
	Save(record *Record) error
	// Latest returns the most recent checkpoint, or nil when none exists
	Latest() (*Record, error)
	// Clear discards all checkpoints (force restart)
	Clear() error

	// Cleanup
	Close() error
}
