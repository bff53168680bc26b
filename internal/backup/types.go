package backup

import (
	"time"
)

// Status classifies the outcome of one backup attempt.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusFailure     Status = "failure"
	StatusSkippedBusy Status = "skipped-busy"
)

// Record describes one backup attempt. Records are immutable once written
// and appended to the persisted ledger regardless of outcome.
type Record struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     Status    `json:"status"`
	FilePath   string    `json:"file_path,omitempty"`
	SizeBytes  int64     `json:"size_bytes,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// SchedulerStatus is the externally visible scheduler state.
type SchedulerStatus struct {
	IntervalMS int64      `json:"interval_ms"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	Running    bool       `json:"running"`
}

// Config controls periodic snapshots of the live database.
type Config struct {
	// Dir receives the timestamped snapshot files.
	Dir string
	// Interval between scheduled snapshots.
	Interval time.Duration
	// KeepLast bounds the number of snapshot files retained on disk.
	KeepLast int
	// HistoryKeep bounds the number of records retained in the ledger.
	HistoryKeep int
	// Compress writes zstd-compressed snapshots.
	Compress bool
	// LedgerPath is the backup history file. Defaults to Dir/backups.ledger.
	LedgerPath string
}

// Snapshotter is the minimal DB snapshot contract the scheduler needs.
type Snapshotter interface {
	DBPath() string
	SnapshotTo(dstPath string) error
}
